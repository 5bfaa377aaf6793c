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

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"saga-orchestrator/internal/workflow"
	"saga-orchestrator/pkg/errors"
)

// MemStore Store 的内存实现。互斥锁模拟单事务语义，
// 供单元测试与 store.type=memory 的开发模式使用。
type MemStore struct {
	mu sync.Mutex

	defs  map[string][]*workflow.WorkflowDefinition // name → 注册顺序的各版本
	runs  map[string]*workflow.Run
	steps map[string]map[string]*workflow.RunStep

	attempts    []workflow.StepAttempt
	attemptKeys map[string]struct{}

	outbox        []*workflow.OutboxMessage
	nextOutboxID  int64
	nextAttemptID int64

	nowFn func() time.Time
}

// NewMemStore 创建内存存储
func NewMemStore() *MemStore {
	return &MemStore{
		defs:        make(map[string][]*workflow.WorkflowDefinition),
		runs:        make(map[string]*workflow.Run),
		steps:       make(map[string]map[string]*workflow.RunStep),
		attemptKeys: make(map[string]struct{}),
		nowFn:       time.Now,
	}
}

func (s *MemStore) now() time.Time { return s.nowFn() }

// ---- 定义管理 ----

func (s *MemStore) PutDefinition(_ context.Context, def *workflow.WorkflowDefinition) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *def
	cp.CreatedAt = s.now()
	versions := s.defs[def.Name]
	for i, v := range versions {
		if v.Version == def.Version {
			// 覆盖同版本，保留原注册时间
			cp.CreatedAt = v.CreatedAt
			versions[i] = &cp
			return nil
		}
	}
	s.defs[def.Name] = append(versions, &cp)
	return nil
}

func (s *MemStore) GetDefinition(_ context.Context, name, version string) (*workflow.WorkflowDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	versions := s.defs[name]
	if len(versions) == 0 {
		return nil, errors.ErrDefinitionNotFound
	}
	if version == "" {
		cp := *versions[len(versions)-1]
		return &cp, nil
	}
	for _, v := range versions {
		if v.Version == version {
			cp := *v
			return &cp, nil
		}
	}
	return nil, errors.ErrDefinitionNotFound
}

// ---- 入口 ----

func (s *MemStore) StartRun(_ context.Context, def *workflow.WorkflowDefinition, input, runCtx map[string]interface{}) (*workflow.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	run := &workflow.Run{
		ID:              uuid.NewString(),
		WorkflowName:    def.Name,
		WorkflowVersion: def.Version,
		Status:          workflow.RunPending,
		Input:           input,
		Context:         runCtx,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	s.runs[run.ID] = run

	stepMap := make(map[string]*workflow.RunStep, len(def.Steps))
	for _, sd := range def.Steps {
		stepMap[sd.ID] = &workflow.RunStep{
			RunID:              run.ID,
			StepID:             sd.ID,
			Status:             workflow.StepPending,
			CompensationStatus: workflow.CompPending,
			UpdatedAt:          now,
		}
	}
	s.steps[run.ID] = stepMap

	s.enqueueLocked(workflow.NewExecuteStepMessage(run.ID, def.Steps[0].ID, workflow.ScheduledByStart, now))

	cp := *run
	return &cp, nil
}

func (s *MemStore) RetryStep(_ context.Context, runID, stepID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return errors.ErrRunNotFound
	}
	step, ok := s.steps[runID][stepID]
	if !ok {
		return errors.ErrStepNotFound
	}
	now := s.now()
	step.Status = workflow.StepPending
	step.LastError = ""
	step.EndedAt = nil
	step.UpdatedAt = now
	run.Status = workflow.RunRunning
	run.LastError = nil
	run.UpdatedAt = now
	s.enqueueLocked(workflow.NewExecuteStepMessage(runID, stepID, workflow.ScheduledByManualRetry, now))
	return nil
}

func (s *MemStore) CancelRun(_ context.Context, def *workflow.WorkflowDefinition, runID string, compensate bool) (workflow.RunStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return "", errors.ErrRunNotFound
	}
	if run.Status == workflow.RunCompleted || run.Status == workflow.RunCompensated {
		return "", errors.ErrRunTerminal
	}
	now := s.now()
	if !compensate {
		s.cancelLocked(run, now)
		return workflow.RunCancelled, nil
	}
	queue := def.CompensationQueue(s.succeededLocked(runID))
	if len(queue) == 0 {
		s.cancelLocked(run, now)
		return workflow.RunCancelled, nil
	}
	run.Status = workflow.RunCompensating
	run.LastError = &workflow.RunError{Code: workflow.ErrCodeCancelled}
	run.UpdatedAt = now
	s.enqueueLocked(workflow.NewCompensateMessage(runID, queue, workflow.ReasonCancel, now))
	return workflow.RunCompensating, nil
}

func (s *MemStore) cancelLocked(run *workflow.Run, now time.Time) {
	run.Status = workflow.RunCancelled
	run.UpdatedAt = now
	run.CompletedAt = &now
}

func (s *MemStore) succeededLocked(runID string) map[string]bool {
	out := make(map[string]bool)
	for id, st := range s.steps[runID] {
		if st.Status == workflow.StepSucceeded {
			out[id] = true
		}
	}
	return out
}

// ---- 查询 ----

func (s *MemStore) GetRun(_ context.Context, runID string) (*workflow.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, errors.ErrRunNotFound
	}
	cp := *run
	return &cp, nil
}

func (s *MemStore) ListRuns(_ context.Context, status workflow.RunStatus, limit int) ([]workflow.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	out := make([]workflow.Run, 0, len(s.runs))
	for _, run := range s.runs {
		if status != "" && run.Status != status {
			continue
		}
		out = append(out, *run)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemStore) ListRunSteps(_ context.Context, runID string) ([]workflow.RunStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stepMap, ok := s.steps[runID]
	if !ok {
		return nil, errors.ErrRunNotFound
	}
	out := make([]workflow.RunStep, 0, len(stepMap))
	for _, st := range stepMap {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepID < out[j].StepID })
	return out, nil
}

func (s *MemStore) ListAttempts(_ context.Context, runID string) ([]workflow.StepAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []workflow.StepAttempt
	for _, a := range s.attempts {
		if a.RunID == runID {
			out = append(out, a)
		}
	}
	return out, nil
}

// ---- outbox ----

func (s *MemStore) enqueueLocked(msg workflow.OutboxMessage) {
	s.nextOutboxID++
	msg.ID = s.nextOutboxID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = s.now()
	}
	if msg.Status == "" {
		msg.Status = workflow.OutboxPending
	}
	cp := msg
	s.outbox = append(s.outbox, &cp)
}

func (s *MemStore) EnqueueOutbox(_ context.Context, msg workflow.OutboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueueLocked(msg)
	return nil
}

func (s *MemStore) ClaimNext(_ context.Context, workerID string, leaseTTL time.Duration) (*workflow.OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var chosen *workflow.OutboxMessage
	for _, m := range s.outbox {
		eligible := (m.Status == workflow.OutboxPending && !m.NextAttemptAt.After(now)) ||
			(m.Status == workflow.OutboxInFlight && m.LockAcquiredAt != nil && m.LockAcquiredAt.Before(now.Add(-leaseTTL)))
		if !eligible {
			continue
		}
		if chosen == nil || m.CreatedAt.Before(chosen.CreatedAt) ||
			(m.CreatedAt.Equal(chosen.CreatedAt) && m.ID < chosen.ID) {
			chosen = m
		}
	}
	if chosen == nil {
		return nil, nil
	}
	chosen.Status = workflow.OutboxInFlight
	chosen.LockOwner = workerID
	acquired := now
	chosen.LockAcquiredAt = &acquired
	chosen.Attempts++
	cp := *chosen
	return &cp, nil
}

func (s *MemStore) MarkDone(_ context.Context, msgID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.outbox {
		if m.ID == msgID {
			m.Status = workflow.OutboxDone
			m.LockOwner = ""
			m.LockAcquiredAt = nil
			return nil
		}
	}
	return nil
}

func (s *MemStore) Requeue(_ context.Context, msgID int64, delay time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.outbox {
		if m.ID == msgID {
			m.Status = workflow.OutboxPending
			m.NextAttemptAt = s.now().Add(delay)
			m.LockOwner = ""
			m.LockAcquiredAt = nil
			return nil
		}
	}
	return nil
}

func (s *MemStore) OutboxStats(_ context.Context) (int, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	count := 0
	var oldest time.Time
	for _, m := range s.outbox {
		if m.Status != workflow.OutboxPending {
			continue
		}
		count++
		if oldest.IsZero() || m.CreatedAt.Before(oldest) {
			oldest = m.CreatedAt
		}
	}
	if count == 0 {
		return 0, 0, nil
	}
	return count, now.Sub(oldest), nil
}

// ---- 步骤执行 ----

func (s *MemStore) ReserveStepAttempt(_ context.Context, runID, stepID string) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return 0, true, nil
	}
	// 只有能转入 RUNNING 的 Run 才执行；COMPENSATING 与各终态都吸收
	switch run.Status {
	case workflow.RunPending, workflow.RunFailed, workflow.RunRunning:
	default:
		return 0, true, nil
	}
	step, ok := s.steps[runID][stepID]
	if !ok {
		return 0, true, nil
	}
	if step.Status.Absorbing() {
		return 0, true, nil
	}
	now := s.now()
	run.Status = workflow.RunRunning
	run.LastError = nil
	run.UpdatedAt = now
	step.Status = workflow.StepRunning
	step.Attempts++
	if step.StartedAt == nil {
		step.StartedAt = &now
	}
	step.UpdatedAt = now
	return step.Attempts, false, nil
}

func (s *MemStore) insertAttemptLocked(runID, stepID string, rec AttemptRecord) {
	key := fmt.Sprintf("%s|%s|%d|%s", runID, stepID, rec.AttemptNo, rec.Type)
	if _, dup := s.attemptKeys[key]; dup {
		return
	}
	s.attemptKeys[key] = struct{}{}
	s.nextAttemptID++
	resp, _ := rec.Response.(map[string]interface{})
	s.attempts = append(s.attempts, workflow.StepAttempt{
		ID:          s.nextAttemptID,
		RunID:       runID,
		StepID:      stepID,
		AttemptNo:   rec.AttemptNo,
		AttemptType: rec.Type,
		Succeeded:   rec.Succeeded,
		StatusCode:  rec.StatusCode,
		ErrorKind:   rec.ErrorKind,
		Error:       rec.ErrMsg,
		Response:    resp,
		DurationMs:  rec.DurationMs,
		StartedAt:   rec.StartedAt,
		FinishedAt:  rec.FinishedAt,
	})
}

func (s *MemStore) RecordStepSuccess(_ context.Context, runID, stepID string, rec AttemptRecord, output map[string]interface{}, nextStepID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return false, errors.ErrRunNotFound
	}
	step, ok := s.steps[runID][stepID]
	if !ok {
		return false, errors.ErrStepNotFound
	}
	now := s.now()
	s.insertAttemptLocked(runID, stepID, rec)
	// Run 已离开可执行状态（取消、补偿中或终态）时只留审计记录，
	// 不改步骤与 Run，也不续投。与 ReserveStepAttempt 同一组门禁。
	switch run.Status {
	case workflow.RunPending, workflow.RunFailed, workflow.RunRunning:
	default:
		return false, nil
	}
	step.Status = workflow.StepSucceeded
	step.Output = output
	step.LastError = ""
	step.EndedAt = &now
	step.UpdatedAt = now

	if nextStepID != "" {
		s.enqueueLocked(workflow.NewExecuteStepMessage(runID, nextStepID, workflow.ScheduledByNextStep, now))
		return false, nil
	}
	run.Status = workflow.RunCompleted
	run.UpdatedAt = now
	run.CompletedAt = &now
	return true, nil
}

func (s *MemStore) RecordStepFailure(_ context.Context, def *workflow.WorkflowDefinition, runID, stepID string, rec AttemptRecord, outcome FailureOutcome, retryDelay time.Duration) (workflow.RunStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return "", errors.ErrRunNotFound
	}
	step, ok := s.steps[runID][stepID]
	if !ok {
		return "", errors.ErrStepNotFound
	}
	now := s.now()
	s.insertAttemptLocked(runID, stepID, rec)
	// 与 RecordStepSuccess 相同的门禁：Run 不再可执行时吸收结果
	switch run.Status {
	case workflow.RunPending, workflow.RunFailed, workflow.RunRunning:
	default:
		return run.Status, nil
	}
	step.Status = workflow.StepFailed
	step.LastError = rec.ErrMsg
	step.EndedAt = &now
	step.UpdatedAt = now

	switch outcome {
	case OutcomeRetry:
		s.enqueueLocked(workflow.NewExecuteStepMessage(runID, stepID, workflow.ScheduledByRetry, now.Add(retryDelay)))
		return run.Status, nil
	case OutcomeCompensate:
		queue := def.CompensationQueue(s.succeededLocked(runID))
		if len(queue) > 0 {
			run.Status = workflow.RunCompensating
			run.LastError = &workflow.RunError{Code: workflow.ErrCodeStepFailed, StepID: stepID, Message: rec.ErrMsg}
			run.UpdatedAt = now
			s.enqueueLocked(workflow.NewCompensateMessage(runID, queue, workflow.ReasonStepFailure, now))
			return workflow.RunCompensating, nil
		}
		fallthrough
	default:
		run.Status = workflow.RunFailed
		run.LastError = &workflow.RunError{Code: workflow.ErrCodeStepFailed, StepID: stepID, Message: rec.ErrMsg}
		run.UpdatedAt = now
		run.CompletedAt = &now
		return workflow.RunFailed, nil
	}
}

func (s *MemStore) FailRun(_ context.Context, runID, code, stepID, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return errors.ErrRunNotFound
	}
	now := s.now()
	run.Status = workflow.RunFailed
	run.LastError = &workflow.RunError{Code: code, StepID: stepID, Message: message}
	run.UpdatedAt = now
	run.CompletedAt = &now
	return nil
}

// ---- 补偿 ----

func (s *MemStore) MarkRunCompensated(_ context.Context, runID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markCompensatedLocked(runID), nil
}

func (s *MemStore) markCompensatedLocked(runID string) bool {
	run, ok := s.runs[runID]
	if !ok || run.Status == workflow.RunCompensated {
		return false
	}
	now := s.now()
	run.Status = workflow.RunCompensated
	run.UpdatedAt = now
	run.CompletedAt = &now
	return true
}

func (s *MemStore) ReserveCompensation(_ context.Context, runID, stepID string) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	step, ok := s.steps[runID][stepID]
	if !ok {
		return 0, true, nil
	}
	switch step.CompensationStatus {
	case workflow.CompCompensated, workflow.CompSkipped, workflow.CompRunning:
		return 0, true, nil
	}
	now := s.now()
	step.CompensationStatus = workflow.CompRunning
	step.CompensationAttempts++
	step.UpdatedAt = now
	return step.CompensationAttempts, false, nil
}

// continueCompensationLocked 队列续投；remaining 为空时 Run 置 COMPENSATED
func (s *MemStore) continueCompensationLocked(runID string, remaining []string, reason string) bool {
	if len(remaining) == 0 {
		return s.markCompensatedLocked(runID)
	}
	s.enqueueLocked(workflow.NewCompensateMessage(runID, remaining, reason, s.now()))
	return false
}

func (s *MemStore) SkipCompensation(_ context.Context, runID, stepID string, remaining []string, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	step, ok := s.steps[runID][stepID]
	if !ok {
		return false, errors.ErrStepNotFound
	}
	step.CompensationStatus = workflow.CompSkipped
	step.CompensationError = ""
	step.UpdatedAt = s.now()
	return s.continueCompensationLocked(runID, remaining, reason), nil
}

func (s *MemStore) RecordCompensationSuccess(_ context.Context, runID, stepID string, rec AttemptRecord, remaining []string, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	step, ok := s.steps[runID][stepID]
	if !ok {
		return false, errors.ErrStepNotFound
	}
	now := s.now()
	s.insertAttemptLocked(runID, stepID, rec)
	step.CompensationStatus = workflow.CompCompensated
	step.CompensationError = ""
	if step.Status == workflow.StepSucceeded {
		step.Status = workflow.StepCompensated
	}
	step.UpdatedAt = now
	return s.continueCompensationLocked(runID, remaining, reason), nil
}

func (s *MemStore) RecordCompensationFailure(_ context.Context, runID, stepID string, rec AttemptRecord, retry bool, retryDelay time.Duration, queue []string, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return errors.ErrRunNotFound
	}
	step, ok := s.steps[runID][stepID]
	if !ok {
		return errors.ErrStepNotFound
	}
	now := s.now()
	s.insertAttemptLocked(runID, stepID, rec)
	step.CompensationStatus = workflow.CompFailed
	step.CompensationError = rec.ErrMsg
	step.UpdatedAt = now

	if retry {
		s.enqueueLocked(workflow.NewCompensateMessage(runID, queue, reason, now.Add(retryDelay)))
		return nil
	}
	run.Status = workflow.RunFailed
	run.LastError = &workflow.RunError{Code: workflow.ErrCodeCompensationFailed, StepID: stepID, Message: rec.ErrMsg}
	run.UpdatedAt = now
	run.CompletedAt = &now
	return nil
}

func (s *MemStore) Close() {}
