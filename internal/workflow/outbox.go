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

import (
	"encoding/json"
	"time"
)

// OutboxKind 消息类型
type OutboxKind string

const (
	// KindExecuteStep 调度一个步骤的动作执行
	KindExecuteStep OutboxKind = "EXECUTE_STEP"
	// KindCompensate 推进补偿队列的队首
	KindCompensate OutboxKind = "EXECUTE_COMPENSATION"
)

// scheduledBy 取值
const (
	ScheduledByStart       = "START"
	ScheduledByNextStep    = "NEXT_STEP"
	ScheduledByRetry       = "RETRY"
	ScheduledByManualRetry = "MANUAL_RETRY"
)

// 补偿原因
const (
	ReasonStepFailure = "STEP_FAILURE"
	ReasonCancel      = "CANCEL"
)

// OutboxStatus 消息状态
type OutboxStatus string

const (
	OutboxPending  OutboxStatus = "PENDING"
	OutboxInFlight OutboxStatus = "IN_FLIGHT"
	OutboxDone     OutboxStatus = "DONE"
	OutboxFailed   OutboxStatus = "FAILED"
)

// OutboxMessage 事务性 outbox 的一行。所有引擎工作都由它驱动：
// 状态转移与后继消息在同一个事务里落库，崩溃后由轮询器接续。
type OutboxMessage struct {
	ID             int64           `json:"id"`
	RunID          string          `json:"runId"`
	Kind           OutboxKind      `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	Status         OutboxStatus    `json:"status"`
	Attempts       int             `json:"attempts"`
	NextAttemptAt  time.Time       `json:"nextAttemptAt"`
	LockOwner      string          `json:"lockOwner,omitempty"`
	LockAcquiredAt *time.Time      `json:"lockAcquiredAt,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// ExecuteStepPayload execute_step 消息体
type ExecuteStepPayload struct {
	RunID       string `json:"runId"`
	StepID      string `json:"stepId"`
	ScheduledBy string `json:"scheduledBy,omitempty"`
}

// CompensatePayload compensate 消息体。queue 为待补偿步骤 ID，队首先行。
type CompensatePayload struct {
	RunID  string   `json:"runId"`
	Queue  []string `json:"queue"`
	Reason string   `json:"reason,omitempty"`
}

// NewExecuteStepMessage 构造执行消息，dueAt 之前不会被领取
func NewExecuteStepMessage(runID, stepID, scheduledBy string, dueAt time.Time) OutboxMessage {
	payload, _ := json.Marshal(ExecuteStepPayload{RunID: runID, StepID: stepID, ScheduledBy: scheduledBy})
	return OutboxMessage{
		RunID:         runID,
		Kind:          KindExecuteStep,
		Payload:       payload,
		Status:        OutboxPending,
		NextAttemptAt: dueAt,
	}
}

// NewCompensateMessage 构造补偿消息
func NewCompensateMessage(runID string, queue []string, reason string, dueAt time.Time) OutboxMessage {
	payload, _ := json.Marshal(CompensatePayload{RunID: runID, Queue: queue, Reason: reason})
	return OutboxMessage{
		RunID:         runID,
		Kind:          KindCompensate,
		Payload:       payload,
		Status:        OutboxPending,
		NextAttemptAt: dueAt,
	}
}
