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

// Package workflow 定义 saga 编排引擎的领域模型：
// 工作流定义、Run / 步骤状态机、尝试记录与 outbox 消息。
package workflow

import (
	"fmt"
	"time"

	"saga-orchestrator/pkg/errors"
)

// 失败策略
const (
	OnFailureCompensate = "compensate" // 失败后反向补偿已成功步骤
	OnFailureHalt       = "halt"       // 失败后直接终止，不补偿
)

// 幂等键作用域
const (
	IdempotencyScopeRun  = "run"
	IdempotencyScopeStep = "step"
)

// RetryPolicy 步骤重试策略。退避为指数 + 抖动，上限封顶。
type RetryPolicy struct {
	MaxAttempts    int     `json:"maxAttempts"`
	InitialDelayMs int     `json:"initialDelayMs"`
	MaxDelayMs     int     `json:"maxDelayMs"`
	Multiplier     float64 `json:"multiplier"`
	Jitter         float64 `json:"jitter"`
	RetryOn409     bool    `json:"retryOn409"`
}

// DefaultRetryPolicy 未显式配置时的策略
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialDelayMs: 1000,
		MaxDelayMs:     30000,
		Multiplier:     2.0,
		Jitter:         0.2,
	}
}

// ActionSpec 一次 HTTP 动作的模板。URL、header 值与 body 中的字符串
// 支持 {{input.x}} / {{context.y}} / {{run.steps.id.output.z}} 占位符。
type ActionSpec struct {
	Method    string            `json:"method"`
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers,omitempty"`
	Body      interface{}       `json:"body,omitempty"`
	TimeoutMs int               `json:"timeoutMs"`
}

// StepDefinition 工作流中的一个步骤
type StepDefinition struct {
	ID               string      `json:"stepId"`
	Name             string      `json:"name,omitempty"`
	Action           ActionSpec  `json:"action"`
	Compensation     *ActionSpec `json:"compensation,omitempty"`
	Retry            RetryPolicy `json:"retry"`
	OnFailure        string      `json:"onFailure"`
	IdempotencyScope string      `json:"idempotencyScope,omitempty"`
}

// WorkflowDefinition 已注册的工作流定义，按 (name, version) 唯一
type WorkflowDefinition struct {
	Name      string           `json:"name"`
	Version   string           `json:"version"`
	Steps     []StepDefinition `json:"steps"`
	CreatedAt time.Time        `json:"createdAt"`
}

// Step 按 stepId 查找步骤定义
func (d *WorkflowDefinition) Step(stepID string) (*StepDefinition, bool) {
	for i := range d.Steps {
		if d.Steps[i].ID == stepID {
			return &d.Steps[i], true
		}
	}
	return nil, false
}

// StepIndex stepId 在定义中的序号，不存在返回 -1
func (d *WorkflowDefinition) StepIndex(stepID string) int {
	for i := range d.Steps {
		if d.Steps[i].ID == stepID {
			return i
		}
	}
	return -1
}

// NextStep 返回 stepID 之后的下一个步骤，已是末步时返回 nil
func (d *WorkflowDefinition) NextStep(stepID string) *StepDefinition {
	idx := d.StepIndex(stepID)
	if idx < 0 || idx+1 >= len(d.Steps) {
		return nil
	}
	return &d.Steps[idx+1]
}

// Validate 校验定义。注册与启动前都会调用。
func (d *WorkflowDefinition) Validate() error {
	if d.Name == "" {
		return errors.Wrap(errors.ErrInvalidDefinition, "name is required")
	}
	if d.Version == "" {
		return errors.Wrap(errors.ErrInvalidDefinition, "version is required")
	}
	if len(d.Steps) == 0 {
		return errors.Wrap(errors.ErrInvalidDefinition, "steps must not be empty")
	}
	seen := make(map[string]struct{}, len(d.Steps))
	for i := range d.Steps {
		s := &d.Steps[i]
		if s.ID == "" {
			return errors.Wrapf(errors.ErrInvalidDefinition, "steps[%d]: stepId is required", i)
		}
		if _, dup := seen[s.ID]; dup {
			return errors.Wrapf(errors.ErrInvalidDefinition, "duplicate stepId %q", s.ID)
		}
		seen[s.ID] = struct{}{}
		if err := validateAction(&s.Action); err != nil {
			return errors.Wrapf(err, "step %q action", s.ID)
		}
		if s.Compensation != nil {
			if err := validateAction(s.Compensation); err != nil {
				return errors.Wrapf(err, "step %q compensation", s.ID)
			}
		}
		if err := validateRetry(s.Retry); err != nil {
			return errors.Wrapf(err, "step %q retry", s.ID)
		}
		switch s.OnFailure {
		case OnFailureCompensate, OnFailureHalt:
		default:
			return errors.Wrapf(errors.ErrInvalidDefinition,
				"step %q: onFailure must be %q or %q", s.ID, OnFailureCompensate, OnFailureHalt)
		}
		switch s.IdempotencyScope {
		case "", IdempotencyScopeRun, IdempotencyScopeStep:
		default:
			return errors.Wrapf(errors.ErrInvalidDefinition,
				"step %q: unknown idempotencyScope %q", s.ID, s.IdempotencyScope)
		}
	}
	return nil
}

func validateAction(a *ActionSpec) error {
	if a.Method == "" {
		return errors.Wrap(errors.ErrInvalidDefinition, "method is required")
	}
	if a.URL == "" {
		return errors.Wrap(errors.ErrInvalidDefinition, "url is required")
	}
	if a.TimeoutMs <= 0 {
		return errors.Wrap(errors.ErrInvalidDefinition, "timeoutMs must be > 0")
	}
	return nil
}

func validateRetry(p RetryPolicy) error {
	if p.MaxAttempts < 1 {
		return errors.Wrap(errors.ErrInvalidDefinition, "maxAttempts must be >= 1")
	}
	if p.InitialDelayMs < 0 || p.MaxDelayMs < 0 {
		return errors.Wrap(errors.ErrInvalidDefinition, "delays must be >= 0")
	}
	if p.Multiplier <= 0 {
		return errors.Wrap(errors.ErrInvalidDefinition, "multiplier must be > 0")
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		return errors.Wrap(errors.ErrInvalidDefinition, "jitter must be in [0,1]")
	}
	return nil
}

// CompensationQueue 根据成功步骤集合推导补偿队列：
// 取定义顺序中已成功的步骤，整体反转，后成功的先补偿。
func (d *WorkflowDefinition) CompensationQueue(succeeded map[string]bool) []string {
	var queue []string
	for i := len(d.Steps) - 1; i >= 0; i-- {
		if succeeded[d.Steps[i].ID] {
			queue = append(queue, d.Steps[i].ID)
		}
	}
	return queue
}

func (d *WorkflowDefinition) String() string {
	return fmt.Sprintf("%s@%s(%d steps)", d.Name, d.Version, len(d.Steps))
}
