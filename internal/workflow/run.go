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

package workflow

import "time"

// RunStatus Run 的生命周期状态
type RunStatus string

const (
	RunPending      RunStatus = "PENDING"
	RunRunning      RunStatus = "RUNNING"
	RunCompleted    RunStatus = "COMPLETED"
	RunFailed       RunStatus = "FAILED"
	RunCompensating RunStatus = "COMPENSATING"
	RunCompensated  RunStatus = "COMPENSATED"
	RunCancelled    RunStatus = "CANCELLED"
)

// Terminal Run 是否已到终态。终态吸收一切后续投递。
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCompensated, RunCancelled:
		return true
	}
	return false
}

// StepStatus 步骤执行状态
type StepStatus string

const (
	StepPending     StepStatus = "PENDING"
	StepRunning     StepStatus = "RUNNING"
	StepSucceeded   StepStatus = "SUCCEEDED"
	StepFailed      StepStatus = "FAILED"
	StepCompensated StepStatus = "COMPENSATED"
	StepSkipped     StepStatus = "SKIPPED"
)

// CompensationStatus 步骤补偿状态，独立于执行状态推进
type CompensationStatus string

const (
	CompPending     CompensationStatus = "PENDING"
	CompRunning     CompensationStatus = "RUNNING"
	CompCompensated CompensationStatus = "COMPENSATED"
	CompFailed      CompensationStatus = "FAILED"
	CompSkipped     CompensationStatus = "SKIPPED"
)

// 尝试类型
const (
	AttemptTypeAction       = "ACTION"
	AttemptTypeCompensation = "COMPENSATION"
)

// 终态错误码
const (
	ErrCodeStepFailed         = "STEP_FAILED"
	ErrCodeCompensationFailed = "COMPENSATION_FAILED"
	ErrCodeCancelled          = "CANCELLED_BY_USER"
	ErrCodeWorkflowNotFound   = "WORKFLOW_NOT_FOUND"
	ErrCodeStepNotFound       = "STEP_NOT_FOUND"
)

// RunError Run 终态失败的原因快照
type RunError struct {
	Code    string `json:"code"`
	StepID  string `json:"stepId,omitempty"`
	Message string `json:"message,omitempty"`
}

// Run 一次工作流执行实例
type Run struct {
	ID              string                 `json:"runId"`
	WorkflowName    string                 `json:"workflowName"`
	WorkflowVersion string                 `json:"workflowVersion"`
	Status          RunStatus              `json:"status"`
	Input           map[string]interface{} `json:"input"`
	Context         map[string]interface{} `json:"context,omitempty"`
	LastError       *RunError              `json:"lastError,omitempty"`
	CreatedAt       time.Time              `json:"createdAt"`
	UpdatedAt       time.Time              `json:"updatedAt"`
	CompletedAt     *time.Time             `json:"completedAt,omitempty"`
}

// CorrelationID 下游调用携带的关联 ID。
// 优先取 context.correlationId（字符串），否则退回 runId。
func (r *Run) CorrelationID() string {
	if r.Context != nil {
		if v, ok := r.Context["correlationId"].(string); ok && v != "" {
			return v
		}
	}
	return r.ID
}

// RunStep Run 中一个步骤的当前状态。attempts 只在动作真正发起时递增。
type RunStep struct {
	RunID                string                 `json:"runId"`
	StepID               string                 `json:"stepId"`
	Status               StepStatus             `json:"status"`
	Attempts             int                    `json:"attempts"`
	CompensationStatus   CompensationStatus     `json:"compensationStatus"`
	CompensationAttempts int                    `json:"compensationAttempts"`
	Output               map[string]interface{} `json:"output,omitempty"`
	LastError            string                 `json:"lastError,omitempty"`
	CompensationError    string                 `json:"compensationError,omitempty"`
	StartedAt            *time.Time             `json:"startedAt,omitempty"`
	EndedAt              *time.Time             `json:"endedAt,omitempty"`
	UpdatedAt            time.Time              `json:"updatedAt"`
}

// Absorbing 执行投递是否应被吸收（重复或过期消息直接置为 DONE）
func (s StepStatus) Absorbing() bool {
	switch s {
	case StepRunning, StepSucceeded, StepCompensated:
		return true
	}
	return false
}

// StepAttempt 一次动作或补偿调用的只追加记录。
// (run_id, step_id, attempt_no, attempt_type) 唯一，重复投递写入时静默忽略。
type StepAttempt struct {
	ID          int64                  `json:"id"`
	RunID       string                 `json:"runId"`
	StepID      string                 `json:"stepId"`
	AttemptNo   int                    `json:"attemptNo"`
	AttemptType string                 `json:"attemptType"`
	Succeeded   bool                   `json:"succeeded"`
	StatusCode  int                    `json:"statusCode,omitempty"`
	ErrorKind   string                 `json:"errorKind,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Response    map[string]interface{} `json:"response,omitempty"`
	DurationMs  int64                  `json:"durationMs"`
	StartedAt   time.Time              `json:"startedAt"`
	FinishedAt  time.Time              `json:"finishedAt"`
}
