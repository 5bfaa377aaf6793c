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

// Package intake 控制面入口：注册定义、启动 Run、人工重试与取消。
// 出错以 pkg/errors 哨兵返回，API 层据此映射 HTTP 状态码。
package intake

import (
	"context"

	"saga-orchestrator/internal/workflow"
	"saga-orchestrator/internal/workflow/store"
	"saga-orchestrator/internal/workflow/wakeup"
	"saga-orchestrator/pkg/log"
)

// Intake 控制面业务层
type Intake struct {
	store  store.Store
	wakeup wakeup.Queue
	logger *log.Logger
}

// New 创建 Intake
func New(s store.Store, w wakeup.Queue, logger *log.Logger) *Intake {
	return &Intake{store: s, wakeup: w, logger: logger}
}

// RegisterDefinition 校验并注册（或覆盖）一个工作流定义
func (in *Intake) RegisterDefinition(ctx context.Context, def *workflow.WorkflowDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	if err := in.store.PutDefinition(ctx, def); err != nil {
		return err
	}
	in.logger.Info("工作流定义已注册", "name", def.Name, "version", def.Version, "steps", len(def.Steps))
	return nil
}

// StartRun 启动一次执行。version 为空时使用最新注册的版本。
// 事务内落 Run、全部步骤行与首步消息，提交后唤醒轮询器。
func (in *Intake) StartRun(ctx context.Context, name, version string, input, runCtx map[string]interface{}) (*workflow.Run, error) {
	def, err := in.store.GetDefinition(ctx, name, version)
	if err != nil {
		return nil, err
	}
	run, err := in.store.StartRun(ctx, def, input, runCtx)
	if err != nil {
		return nil, err
	}
	in.wakeup.Notify(ctx)
	in.logger.Info("run 已创建", "run_id", run.ID, "workflow", def.String())
	return run, nil
}

// RetryStep 人工重试一个步骤
func (in *Intake) RetryStep(ctx context.Context, runID, stepID string) error {
	if err := in.store.RetryStep(ctx, runID, stepID); err != nil {
		return err
	}
	in.wakeup.Notify(ctx)
	in.logger.Info("步骤已重置等待重试", "run_id", runID, "step_id", stepID)
	return nil
}

// CancelRun 取消一个 Run。compensate 为真时对已成功步骤反向补偿。
func (in *Intake) CancelRun(ctx context.Context, runID string, compensate bool) (workflow.RunStatus, error) {
	run, err := in.store.GetRun(ctx, runID)
	if err != nil {
		return "", err
	}
	def, err := in.store.GetDefinition(ctx, run.WorkflowName, run.WorkflowVersion)
	if err != nil {
		return "", err
	}
	status, err := in.store.CancelRun(ctx, def, runID, compensate)
	if err != nil {
		return "", err
	}
	if status == workflow.RunCompensating {
		in.wakeup.Notify(ctx)
	}
	in.logger.Info("run 已取消", "run_id", runID, "status", status)
	return status, nil
}

// GetRun Run 视图
func (in *Intake) GetRun(ctx context.Context, runID string) (*workflow.Run, []workflow.RunStep, error) {
	run, err := in.store.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	steps, err := in.store.ListRunSteps(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	return run, steps, nil
}

// ListRuns 按创建时间倒序列出 Run，可按状态过滤
func (in *Intake) ListRuns(ctx context.Context, status workflow.RunStatus, limit int) ([]workflow.Run, error) {
	return in.store.ListRuns(ctx, status, limit)
}

// ListAttempts Run 的尝试历史
func (in *Intake) ListAttempts(ctx context.Context, runID string) ([]workflow.StepAttempt, error) {
	if _, err := in.store.GetRun(ctx, runID); err != nil {
		return nil, err
	}
	return in.store.ListAttempts(ctx, runID)
}
