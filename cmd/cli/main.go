// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"encoding/json"
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}
	cmd := os.Args[1]
	args := os.Args[2:]
	switch cmd {
	case "version":
		fmt.Println("saga-orchestrator cli 0.1.0")
	case "health":
		runHealth()
	case "register":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: saga register <definition.json>\n")
			os.Exit(1)
		}
		runRegister(args[0])
	case "start":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: saga start <workflow_name> [input.json]\n")
			os.Exit(1)
		}
		runStart(args)
	case "runs":
		status := ""
		if len(args) > 0 {
			status = args[0]
		}
		runRuns(status)
	case "get":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: saga get <run_id>\n")
			os.Exit(1)
		}
		runGet(args[0])
	case "attempts":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: saga attempts <run_id>\n")
			os.Exit(1)
		}
		runAttempts(args[0])
	case "retry":
		if len(args) < 2 {
			fmt.Fprintf(os.Stderr, "Usage: saga retry <run_id> <step_id>\n")
			os.Exit(1)
		}
		runRetry(args[0], args[1])
	case "cancel":
		if len(args) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: saga cancel <run_id> [--no-compensate]\n")
			os.Exit(1)
		}
		runCancel(args)
	default:
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: saga <command> [args]")
	fmt.Println("  version                  - 显示版本")
	fmt.Println("  health                   - API 健康检查")
	fmt.Println("  register <file.json>     - 注册工作流定义")
	fmt.Println("  start <name> [input.json]- 启动一次执行，返回 run_id")
	fmt.Println("  runs [status]            - 列出 Run，可按状态过滤（如 FAILED）")
	fmt.Println("  get <run_id>             - 查询 Run 与各步骤状态")
	fmt.Println("  attempts <run_id>        - 查询 Run 的尝试历史")
	fmt.Println("  retry <run_id> <step_id> - 人工重试 FAILED Run 的某个步骤")
	fmt.Println("  cancel <run_id> [--no-compensate] - 取消 Run，默认补偿已成功步骤")
	fmt.Println("环境变量 SAGA_API_URL 指定 API 地址（默认 http://localhost:8080）")
}

func runHealth() {
	out, err := getHealth()
	if err != nil {
		fmt.Fprintf(os.Stderr, "health: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(out))
}

func runRegister(path string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "读取定义文件失败: %v\n", err)
		os.Exit(1)
	}
	out, err := registerWorkflow(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "register: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(out))
}

func runStart(args []string) {
	name := args[0]
	input := map[string]interface{}{}
	if len(args) > 1 {
		raw, err := os.ReadFile(args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "读取输入文件失败: %v\n", err)
			os.Exit(1)
		}
		if err := json.Unmarshal(raw, &input); err != nil {
			fmt.Fprintf(os.Stderr, "输入不是合法 JSON: %v\n", err)
			os.Exit(1)
		}
	}
	runID, err := startRun(name, input)
	if err != nil {
		fmt.Fprintf(os.Stderr, "start: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("run_id: %s\n", runID)
}

func runRuns(status string) {
	out, err := listRuns(status)
	if err != nil {
		fmt.Fprintf(os.Stderr, "runs: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(out))
}

func runGet(runID string) {
	out, err := getRun(runID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "get: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(out))
}

func runAttempts(runID string) {
	out, err := listAttempts(runID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "attempts: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(out))
}

func runRetry(runID, stepID string) {
	out, err := retryStep(runID, stepID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "retry: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(out))
}

func runCancel(args []string) {
	runID := args[0]
	compensate := true
	for _, a := range args[1:] {
		if a == "--no-compensate" {
			compensate = false
		}
	}
	out, err := cancelRun(runID, compensate)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cancel: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(prettyJSON(out))
}
