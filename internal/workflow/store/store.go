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

// Package store 编排引擎的持久化层。
// 每个方法对应一次完整事务：状态转移与后继 outbox 消息同事务落库，
// 崩溃后引擎从 outbox 接续，不存在中间态。
// 提供 Postgres 与内存两种实现，语义一致；内存实现用于单测与开发模式。
package store

import (
	"context"
	"time"

	"saga-orchestrator/internal/workflow"
)

// AttemptRecord 一次动作或补偿调用的结果快照，由引擎在事务外执行 HTTP 后传入
type AttemptRecord struct {
	AttemptNo  int
	Type       string // workflow.AttemptTypeAction / AttemptTypeCompensation
	Succeeded  bool
	StatusCode int
	ErrorKind  string
	ErrMsg     string
	Response   interface{}
	DurationMs int64
	StartedAt  time.Time
	FinishedAt time.Time
}

// FailureOutcome 步骤失败后的处置，由引擎依据重试策略决定
type FailureOutcome int

const (
	// OutcomeRetry 退避后重新投递同一步骤
	OutcomeRetry FailureOutcome = iota
	// OutcomeCompensate 反向补偿已成功步骤；队列为空时退化为 OutcomeHalt
	OutcomeCompensate
	// OutcomeHalt 直接终止，Run 置为 FAILED
	OutcomeHalt
)

// Store 引擎与控制面共用的存储接口
type Store interface {
	// ---- 定义管理 ----

	// PutDefinition 注册或覆盖 (name, version) 对应的定义
	PutDefinition(ctx context.Context, def *workflow.WorkflowDefinition) error
	// GetDefinition 查询定义。version 为空时返回最新注册的版本。
	// 不存在时返回 errors.ErrDefinitionNotFound。
	GetDefinition(ctx context.Context, name, version string) (*workflow.WorkflowDefinition, error)

	// ---- 入口（intake）----

	// StartRun 单事务创建 Run（PENDING）、全部步骤行和首步 EXECUTE_STEP 消息
	StartRun(ctx context.Context, def *workflow.WorkflowDefinition, input, runCtx map[string]interface{}) (*workflow.Run, error)
	// RetryStep 人工重试：步骤复位 PENDING，Run 置 RUNNING，投递 MANUAL_RETRY 消息
	RetryStep(ctx context.Context, runID, stepID string) error
	// CancelRun 取消。COMPLETED / COMPENSATED 返回 errors.ErrRunTerminal；
	// compensate 为真且存在已成功步骤时转 COMPENSATING 并投递补偿，否则直接 CANCELLED。
	CancelRun(ctx context.Context, def *workflow.WorkflowDefinition, runID string, compensate bool) (workflow.RunStatus, error)

	// ---- 查询 ----

	GetRun(ctx context.Context, runID string) (*workflow.Run, error)
	// ListRuns 按创建时间倒序列出 Run。status 为空列出全部；limit<=0 取 100。
	ListRuns(ctx context.Context, status workflow.RunStatus, limit int) ([]workflow.Run, error)
	ListRunSteps(ctx context.Context, runID string) ([]workflow.RunStep, error)
	ListAttempts(ctx context.Context, runID string) ([]workflow.StepAttempt, error)

	// ---- outbox ----

	// ClaimNext 原子领取一条到期消息：PENDING 且到期，或 IN_FLIGHT 但租约过期。
	// 按 created_at FIFO，跳过他人行锁。无消息返回 (nil, nil)。
	ClaimNext(ctx context.Context, workerID string, leaseTTL time.Duration) (*workflow.OutboxMessage, error)
	// MarkDone 处理完成，清除租约
	MarkDone(ctx context.Context, msgID int64) error
	// Requeue 处理异常后延迟重投，清除租约
	Requeue(ctx context.Context, msgID int64, delay time.Duration) error
	// EnqueueOutbox 追加一条消息（补偿队列续投等场景）
	EnqueueOutbox(ctx context.Context, msg workflow.OutboxMessage) error
	// OutboxStats 指标快照：待处理条数与最老待处理消息年龄
	OutboxStats(ctx context.Context) (backlog int, oldestAge time.Duration, err error)

	// ---- 步骤执行 ----

	// ReserveStepAttempt 预占一次执行：锁 Run 行与步骤行，吸收态或步骤已
	// RUNNING / SUCCEEDED / COMPENSATED 时 skip；否则 Run 转 RUNNING（清错误），
	// 步骤转 RUNNING，attempts+1，返回新 attemptNo。
	ReserveStepAttempt(ctx context.Context, runID, stepID string) (attemptNo int, skip bool, err error)
	// RecordStepSuccess 成功收尾：幂等写尝试行，步骤置 SUCCEEDED 并存 output；
	// nextStepID 非空则投递 NEXT_STEP 消息，为空则 Run 置 COMPLETED（返回 true）。
	// Run 已不在 PENDING / RUNNING / FAILED 时（执行期间被取消或已补偿）
	// 只留审计记录，不做任何转移与投递。
	RecordStepSuccess(ctx context.Context, runID, stepID string, rec AttemptRecord, output map[string]interface{}, nextStepID string) (completed bool, err error)
	// RecordStepFailure 失败收尾：写尝试行，步骤置 FAILED。outcome 决定后续：
	// 重试投递、推导补偿队列（事务内读当前 SUCCEEDED 集合）或终止。
	// 返回事务提交后的 Run 状态。吸收规则同 RecordStepSuccess。
	RecordStepFailure(ctx context.Context, def *workflow.WorkflowDefinition, runID, stepID string, rec AttemptRecord, outcome FailureOutcome, retryDelay time.Duration) (workflow.RunStatus, error)
	// FailRun 定义缺失等引擎侧终止
	FailRun(ctx context.Context, runID, code, stepID, message string) error

	// ---- 补偿 ----

	// MarkRunCompensated 幂等置 COMPENSATED，发生转移时返回 true
	MarkRunCompensated(ctx context.Context, runID string) (bool, error)
	// ReserveCompensation 预占一次补偿，语义同 ReserveStepAttempt
	ReserveCompensation(ctx context.Context, runID, stepID string) (attemptNo int, skip bool, err error)
	// SkipCompensation 无补偿动作的步骤标记 SKIPPED 并续投剩余队列；
	// remaining 为空时 Run 置 COMPENSATED（返回 true）。
	SkipCompensation(ctx context.Context, runID, stepID string, remaining []string, reason string) (runCompensated bool, err error)
	// RecordCompensationSuccess 补偿成功收尾并续投 remaining
	RecordCompensationSuccess(ctx context.Context, runID, stepID string, rec AttemptRecord, remaining []string, reason string) (runCompensated bool, err error)
	// RecordCompensationFailure 补偿失败：retry 为真时原队列退避重投，
	// 否则 Run 终止为 FAILED(COMPENSATION_FAILED)
	RecordCompensationFailure(ctx context.Context, runID, stepID string, rec AttemptRecord, retry bool, retryDelay time.Duration, queue []string, reason string) error

	// Close 释放连接资源
	Close()
}
