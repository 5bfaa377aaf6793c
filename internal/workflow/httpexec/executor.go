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

// Package httpexec 执行单次下游 HTTP 动作或补偿调用。
// 结果永不以 error 形式抛给调用方，全部归入 Result 供重试分类。
package httpexec

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// Request 已渲染完成的请求
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    interface{}
}

// Options 执行参数。ExtraHeaders 为引擎注入头，覆盖同名渲染头。
type Options struct {
	TimeoutMs    int
	ExtraHeaders map[string]string
}

// Result 一次调用的完整结果
type Result struct {
	Ok           bool
	StatusCode   int
	Body         interface{}
	DurationMs   int64
	TimedOut     bool
	NetworkError bool
	ErrorMessage string
}

// Executor 下游调用执行器，进程内共享一个 resty 客户端复用连接
type Executor struct {
	client *resty.Client
}

// NewExecutor 创建执行器
func NewExecutor() *Executor {
	return &Executor{client: resty.New()}
}

// Execute 发起一次请求。超时由 TimeoutMs 控制，传输错误与超时分别标记。
func (e *Executor) Execute(ctx context.Context, req Request, opts Options) Result {
	timeout := time.Duration(opts.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r := e.client.R().SetContext(callCtx)
	r.SetHeader("content-type", "application/json")
	for k, v := range req.Headers {
		r.SetHeader(k, v)
	}
	for k, v := range opts.ExtraHeaders {
		r.SetHeader(k, v)
	}
	if req.Body != nil {
		payload, err := json.Marshal(req.Body)
		if err != nil {
			return Result{NetworkError: false, ErrorMessage: "marshal body: " + err.Error()}
		}
		r.SetBody(payload)
	}

	start := time.Now()
	resp, err := r.Execute(strings.ToUpper(req.Method), req.URL)
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		res := Result{DurationMs: elapsed, ErrorMessage: err.Error()}
		if isTimeout(err) || callCtx.Err() == context.DeadlineExceeded {
			res.TimedOut = true
		} else {
			res.NetworkError = true
		}
		return res
	}

	res := Result{
		StatusCode: resp.StatusCode(),
		DurationMs: elapsed,
		Ok:         resp.StatusCode() >= 200 && resp.StatusCode() < 300,
		Body:       parseBody(resp),
	}
	if !res.Ok {
		res.ErrorMessage = "HTTP " + resp.Status()
	}
	return res
}

// parseBody content-type 含 application/json 时解析为 JSON，
// 其他非空响应体保留为原始文本
func parseBody(resp *resty.Response) interface{} {
	raw := resp.Body()
	if len(raw) == 0 {
		return nil
	}
	ct := resp.Header().Get("Content-Type")
	if strings.Contains(ct, "application/json") {
		var v interface{}
		if err := json.Unmarshal(raw, &v); err == nil {
			return v
		}
	}
	return string(raw)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return false
}
