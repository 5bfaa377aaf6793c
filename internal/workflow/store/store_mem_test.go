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
	"encoding/json"
	"testing"
	"time"

	"saga-orchestrator/internal/workflow"
	"saga-orchestrator/pkg/errors"
)

func testDefinition() *workflow.WorkflowDefinition {
	action := workflow.ActionSpec{Method: "POST", URL: "http://svc/act", TimeoutMs: 1000}
	comp := workflow.ActionSpec{Method: "POST", URL: "http://svc/undo", TimeoutMs: 1000}
	return &workflow.WorkflowDefinition{
		Name:    "order-processing",
		Version: "1.0.0",
		Steps: []workflow.StepDefinition{
			{ID: "charge-payment", Action: action, Compensation: &comp,
				Retry: workflow.DefaultRetryPolicy(), OnFailure: workflow.OnFailureCompensate},
			{ID: "reserve-inventory", Action: action,
				Retry: workflow.DefaultRetryPolicy(), OnFailure: workflow.OnFailureCompensate},
			{ID: "send-confirmation-email", Action: action,
				Retry: workflow.DefaultRetryPolicy(), OnFailure: workflow.OnFailureHalt},
		},
	}
}

func startRun(t *testing.T, s *MemStore, def *workflow.WorkflowDefinition) *workflow.Run {
	t.Helper()
	run, err := s.StartRun(context.Background(), def, map[string]interface{}{"orderId": "o1"}, nil)
	if err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	return run
}

func TestStartRunCreatesStepsAndOutbox(t *testing.T) {
	s := NewMemStore()
	def := testDefinition()
	ctx := context.Background()

	run := startRun(t, s, def)
	if run.Status != workflow.RunPending {
		t.Errorf("run status = %s", run.Status)
	}

	steps, err := s.ListRunSteps(ctx, run.ID)
	if err != nil {
		t.Fatalf("ListRunSteps: %v", err)
	}
	if len(steps) != 3 {
		t.Fatalf("steps = %d", len(steps))
	}
	for _, st := range steps {
		if st.Status != workflow.StepPending || st.CompensationStatus != workflow.CompPending {
			t.Errorf("step %s: %s/%s", st.StepID, st.Status, st.CompensationStatus)
		}
	}

	msg, err := s.ClaimNext(ctx, "w1", 30*time.Second)
	if err != nil || msg == nil {
		t.Fatalf("ClaimNext: %v %v", msg, err)
	}
	if msg.Kind != workflow.KindExecuteStep {
		t.Errorf("kind = %s", msg.Kind)
	}
	var payload workflow.ExecuteStepPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if payload.RunID != run.ID || payload.StepID != "charge-payment" || payload.ScheduledBy != workflow.ScheduledByStart {
		t.Errorf("payload = %+v", payload)
	}
}

func TestClaimProtocol(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	def := testDefinition()
	startRun(t, s, def)

	// 已领取的行在租约内不可被再次领取
	msg, _ := s.ClaimNext(ctx, "w1", 30*time.Second)
	if msg == nil {
		t.Fatal("expected message")
	}
	if msg.Status != workflow.OutboxInFlight || msg.LockOwner != "w1" || msg.Attempts != 1 {
		t.Errorf("claimed = %+v", msg)
	}
	if again, _ := s.ClaimNext(ctx, "w2", 30*time.Second); again != nil {
		t.Errorf("second claim should be empty, got %+v", again)
	}

	// 完成后不再出现
	if err := s.MarkDone(ctx, msg.ID); err != nil {
		t.Fatalf("MarkDone: %v", err)
	}
	if again, _ := s.ClaimNext(ctx, "w2", 30*time.Second); again != nil {
		t.Errorf("done message reclaimed: %+v", again)
	}
}

func TestClaimLeaseExpiryReclaim(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	def := testDefinition()
	startRun(t, s, def)

	now := time.Now()
	s.nowFn = func() time.Time { return now }

	first, _ := s.ClaimNext(ctx, "w1", 30*time.Second)
	if first == nil {
		t.Fatal("expected message")
	}

	// 租约未过期
	now = now.Add(10 * time.Second)
	if m, _ := s.ClaimNext(ctx, "w2", 30*time.Second); m != nil {
		t.Fatalf("lease not expired yet, got %+v", m)
	}

	// 过期后被 w2 回收，attempts 递增
	now = now.Add(25 * time.Second)
	second, _ := s.ClaimNext(ctx, "w2", 30*time.Second)
	if second == nil {
		t.Fatal("expected reclaim")
	}
	if second.ID != first.ID || second.LockOwner != "w2" || second.Attempts != 2 {
		t.Errorf("reclaimed = %+v", second)
	}
}

func TestClaimFIFOOrder(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	base := time.Now()
	for i := 0; i < 3; i++ {
		ts := base.Add(time.Duration(i) * time.Millisecond)
		s.nowFn = func() time.Time { return ts }
		_ = s.EnqueueOutbox(ctx, workflow.NewExecuteStepMessage("r", "s", workflow.ScheduledByStart, ts))
	}
	s.nowFn = func() time.Time { return base.Add(time.Second) }

	var got []int64
	for {
		m, _ := s.ClaimNext(ctx, "w1", time.Minute)
		if m == nil {
			break
		}
		got = append(got, m.ID)
	}
	if len(got) != 3 || got[0] != 1 || got[1] != 2 || got[2] != 3 {
		t.Errorf("claim order = %v", got)
	}
}

func TestClaimRespectsNextAttemptAt(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	now := time.Now()
	s.nowFn = func() time.Time { return now }
	_ = s.EnqueueOutbox(ctx, workflow.NewExecuteStepMessage("r", "s", workflow.ScheduledByRetry, now.Add(5*time.Second)))

	if m, _ := s.ClaimNext(ctx, "w1", time.Minute); m != nil {
		t.Fatalf("not due yet, got %+v", m)
	}
	now = now.Add(6 * time.Second)
	if m, _ := s.ClaimNext(ctx, "w1", time.Minute); m == nil {
		t.Fatal("expected due message")
	}
}

func TestReserveStepAttempt(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	def := testDefinition()
	run := startRun(t, s, def)

	attemptNo, skip, err := s.ReserveStepAttempt(ctx, run.ID, "charge-payment")
	if err != nil || skip {
		t.Fatalf("reserve: no=%d skip=%v err=%v", attemptNo, skip, err)
	}
	if attemptNo != 1 {
		t.Errorf("attemptNo = %d", attemptNo)
	}

	got, _ := s.GetRun(ctx, run.ID)
	if got.Status != workflow.RunRunning {
		t.Errorf("run status = %s", got.Status)
	}

	// RUNNING 步骤的重复投递被吸收
	if _, skip, _ := s.ReserveStepAttempt(ctx, run.ID, "charge-payment"); !skip {
		t.Error("double reserve should skip")
	}

	// 不存在的 Run 静默吸收
	if _, skip, _ := s.ReserveStepAttempt(ctx, "missing", "charge-payment"); !skip {
		t.Error("missing run should skip")
	}
}

func TestReserveSkipsAbsorbingRun(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	def := testDefinition()
	run := startRun(t, s, def)

	no, _, _ := s.ReserveStepAttempt(ctx, run.ID, "charge-payment")
	rec := AttemptRecord{AttemptNo: no, Type: workflow.AttemptTypeAction, Succeeded: true, StatusCode: 200}
	if _, err := s.RecordStepSuccess(ctx, run.ID, "charge-payment", rec, nil, ""); err != nil {
		t.Fatalf("RecordStepSuccess: %v", err)
	}

	// Run 已 COMPLETED，任何执行投递都跳过
	if _, skip, _ := s.ReserveStepAttempt(ctx, run.ID, "reserve-inventory"); !skip {
		t.Error("completed run should absorb delivery")
	}
}

func TestRecordStepSuccessChainsNext(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	def := testDefinition()
	run := startRun(t, s, def)
	// 清掉 START 消息，聚焦后继投递
	m, _ := s.ClaimNext(ctx, "w1", time.Minute)
	_ = s.MarkDone(ctx, m.ID)

	no, _, _ := s.ReserveStepAttempt(ctx, run.ID, "charge-payment")
	rec := AttemptRecord{AttemptNo: no, Type: workflow.AttemptTypeAction, Succeeded: true, StatusCode: 200}
	output := map[string]interface{}{"chargeId": "ch_1"}
	completed, err := s.RecordStepSuccess(ctx, run.ID, "charge-payment", rec, output, "reserve-inventory")
	if err != nil || completed {
		t.Fatalf("completed=%v err=%v", completed, err)
	}

	next, _ := s.ClaimNext(ctx, "w1", time.Minute)
	if next == nil {
		t.Fatal("expected NEXT_STEP message")
	}
	var payload workflow.ExecuteStepPayload
	_ = json.Unmarshal(next.Payload, &payload)
	if payload.StepID != "reserve-inventory" || payload.ScheduledBy != workflow.ScheduledByNextStep {
		t.Errorf("payload = %+v", payload)
	}

	steps, _ := s.ListRunSteps(ctx, run.ID)
	for _, st := range steps {
		if st.StepID == "charge-payment" {
			if st.Status != workflow.StepSucceeded || st.Output["chargeId"] != "ch_1" {
				t.Errorf("step = %+v", st)
			}
		}
	}
}

func TestAttemptInsertIdempotent(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	def := testDefinition()
	run := startRun(t, s, def)

	no, _, _ := s.ReserveStepAttempt(ctx, run.ID, "charge-payment")
	rec := AttemptRecord{AttemptNo: no, Type: workflow.AttemptTypeAction, Succeeded: true, StatusCode: 200}
	if _, err := s.RecordStepSuccess(ctx, run.ID, "charge-payment", rec, nil, "reserve-inventory"); err != nil {
		t.Fatal(err)
	}
	// 模拟租约过期后的重复收尾
	if _, err := s.RecordStepSuccess(ctx, run.ID, "charge-payment", rec, nil, "reserve-inventory"); err != nil {
		t.Fatal(err)
	}

	attempts, _ := s.ListAttempts(ctx, run.ID)
	if len(attempts) != 1 {
		t.Fatalf("attempts = %d, want 1", len(attempts))
	}
}

func TestRecordStepFailureCompensate(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	def := testDefinition()
	run := startRun(t, s, def)

	// charge-payment 成功
	no, _, _ := s.ReserveStepAttempt(ctx, run.ID, "charge-payment")
	_, _ = s.RecordStepSuccess(ctx, run.ID, "charge-payment",
		AttemptRecord{AttemptNo: no, Type: workflow.AttemptTypeAction, Succeeded: true, StatusCode: 200}, nil, "reserve-inventory")

	// reserve-inventory 永久失败 → 补偿
	no, _, _ = s.ReserveStepAttempt(ctx, run.ID, "reserve-inventory")
	status, err := s.RecordStepFailure(ctx, def, run.ID, "reserve-inventory",
		AttemptRecord{AttemptNo: no, Type: workflow.AttemptTypeAction, StatusCode: 500, ErrMsg: "HTTP 500"},
		OutcomeCompensate, 0)
	if err != nil {
		t.Fatal(err)
	}
	if status != workflow.RunCompensating {
		t.Errorf("status = %s", status)
	}

	run2, _ := s.GetRun(ctx, run.ID)
	if run2.LastError == nil || run2.LastError.Code != workflow.ErrCodeStepFailed {
		t.Errorf("lastError = %+v", run2.LastError)
	}

	// 补偿队列只含已成功的 charge-payment
	found := false
	for {
		m, _ := s.ClaimNext(ctx, "w1", time.Minute)
		if m == nil {
			break
		}
		if m.Kind == workflow.KindCompensate {
			var payload workflow.CompensatePayload
			_ = json.Unmarshal(m.Payload, &payload)
			if len(payload.Queue) != 1 || payload.Queue[0] != "charge-payment" || payload.Reason != workflow.ReasonStepFailure {
				t.Errorf("payload = %+v", payload)
			}
			found = true
		}
		_ = s.MarkDone(ctx, m.ID)
	}
	if !found {
		t.Fatal("no compensate message enqueued")
	}
}

func TestRecordStepFailureCompensateNoSucceededFallsToFailed(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	def := testDefinition()
	run := startRun(t, s, def)

	no, _, _ := s.ReserveStepAttempt(ctx, run.ID, "charge-payment")
	status, err := s.RecordStepFailure(ctx, def, run.ID, "charge-payment",
		AttemptRecord{AttemptNo: no, Type: workflow.AttemptTypeAction, StatusCode: 400, ErrMsg: "HTTP 400"},
		OutcomeCompensate, 0)
	if err != nil {
		t.Fatal(err)
	}
	if status != workflow.RunFailed {
		t.Errorf("status = %s", status)
	}
}

func TestCompensationFlow(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	def := testDefinition()
	run := startRun(t, s, def)

	no, _, _ := s.ReserveStepAttempt(ctx, run.ID, "charge-payment")
	_, _ = s.RecordStepSuccess(ctx, run.ID, "charge-payment",
		AttemptRecord{AttemptNo: no, Type: workflow.AttemptTypeAction, Succeeded: true, StatusCode: 200}, nil, "reserve-inventory")

	compNo, skip, err := s.ReserveCompensation(ctx, run.ID, "charge-payment")
	if err != nil || skip || compNo != 1 {
		t.Fatalf("reserve compensation: no=%d skip=%v err=%v", compNo, skip, err)
	}
	// RUNNING 状态的重复投递被吸收
	if _, skip, _ := s.ReserveCompensation(ctx, run.ID, "charge-payment"); !skip {
		t.Error("double reserve should skip")
	}

	done, err := s.RecordCompensationSuccess(ctx, run.ID, "charge-payment",
		AttemptRecord{AttemptNo: compNo, Type: workflow.AttemptTypeCompensation, Succeeded: true, StatusCode: 200},
		nil, workflow.ReasonStepFailure)
	if err != nil {
		t.Fatal(err)
	}
	if !done {
		t.Error("empty remaining should compensate run")
	}

	run2, _ := s.GetRun(ctx, run.ID)
	if run2.Status != workflow.RunCompensated {
		t.Errorf("run status = %s", run2.Status)
	}
	steps, _ := s.ListRunSteps(ctx, run.ID)
	for _, st := range steps {
		if st.StepID == "charge-payment" {
			if st.Status != workflow.StepCompensated || st.CompensationStatus != workflow.CompCompensated {
				t.Errorf("step = %s/%s", st.Status, st.CompensationStatus)
			}
		}
	}

	// 终态吸收：再次标记不产生转移
	if again, _ := s.MarkRunCompensated(ctx, run.ID); again {
		t.Error("already compensated, no transition expected")
	}
}

func TestCompensationFailureTerminates(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	def := testDefinition()
	run := startRun(t, s, def)

	no, _, _ := s.ReserveStepAttempt(ctx, run.ID, "charge-payment")
	_, _ = s.RecordStepSuccess(ctx, run.ID, "charge-payment",
		AttemptRecord{AttemptNo: no, Type: workflow.AttemptTypeAction, Succeeded: true, StatusCode: 200}, nil, "reserve-inventory")

	compNo, _, _ := s.ReserveCompensation(ctx, run.ID, "charge-payment")
	err := s.RecordCompensationFailure(ctx, run.ID, "charge-payment",
		AttemptRecord{AttemptNo: compNo, Type: workflow.AttemptTypeCompensation, StatusCode: 400, ErrMsg: "HTTP 400"},
		false, 0, []string{"charge-payment"}, workflow.ReasonStepFailure)
	if err != nil {
		t.Fatal(err)
	}

	run2, _ := s.GetRun(ctx, run.ID)
	if run2.Status != workflow.RunFailed {
		t.Errorf("status = %s", run2.Status)
	}
	if run2.LastError == nil || run2.LastError.Code != workflow.ErrCodeCompensationFailed {
		t.Errorf("lastError = %+v", run2.LastError)
	}
}

func TestCancelRun(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	def := testDefinition()

	// 无已成功步骤 → 直接 CANCELLED
	run := startRun(t, s, def)
	status, err := s.CancelRun(ctx, def, run.ID, true)
	if err != nil || status != workflow.RunCancelled {
		t.Fatalf("status=%s err=%v", status, err)
	}

	// 有已成功步骤 → COMPENSATING
	run2 := startRun(t, s, def)
	no, _, _ := s.ReserveStepAttempt(ctx, run2.ID, "charge-payment")
	_, _ = s.RecordStepSuccess(ctx, run2.ID, "charge-payment",
		AttemptRecord{AttemptNo: no, Type: workflow.AttemptTypeAction, Succeeded: true, StatusCode: 200}, nil, "reserve-inventory")
	status, err = s.CancelRun(ctx, def, run2.ID, true)
	if err != nil || status != workflow.RunCompensating {
		t.Fatalf("status=%s err=%v", status, err)
	}
	got, _ := s.GetRun(ctx, run2.ID)
	if got.LastError == nil || got.LastError.Code != workflow.ErrCodeCancelled {
		t.Errorf("lastError = %+v", got.LastError)
	}

	// compensate=false → 直接 CANCELLED
	run3 := startRun(t, s, def)
	no, _, _ = s.ReserveStepAttempt(ctx, run3.ID, "charge-payment")
	_, _ = s.RecordStepSuccess(ctx, run3.ID, "charge-payment",
		AttemptRecord{AttemptNo: no, Type: workflow.AttemptTypeAction, Succeeded: true, StatusCode: 200}, nil, "reserve-inventory")
	status, _ = s.CancelRun(ctx, def, run3.ID, false)
	if status != workflow.RunCancelled {
		t.Errorf("status = %s", status)
	}
}

func TestCancelTerminalRun(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	def := testDefinition()
	run := startRun(t, s, def)

	for _, stepID := range []string{"charge-payment", "reserve-inventory", "send-confirmation-email"} {
		no, _, _ := s.ReserveStepAttempt(ctx, run.ID, stepID)
		next := def.NextStep(stepID)
		nextID := ""
		if next != nil {
			nextID = next.ID
		}
		_, _ = s.RecordStepSuccess(ctx, run.ID, stepID,
			AttemptRecord{AttemptNo: no, Type: workflow.AttemptTypeAction, Succeeded: true, StatusCode: 200}, nil, nextID)
	}

	if _, err := s.CancelRun(ctx, def, run.ID, true); !errors.Is(err, errors.ErrRunTerminal) {
		t.Errorf("err = %v, want ErrRunTerminal", err)
	}
}

func TestDefinitionVersions(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	v1 := testDefinition()
	v2 := testDefinition()
	v2.Version = "2.0.0"
	_ = s.PutDefinition(ctx, v1)
	_ = s.PutDefinition(ctx, v2)

	got, err := s.GetDefinition(ctx, "order-processing", "1.0.0")
	if err != nil || got.Version != "1.0.0" {
		t.Fatalf("got %v err %v", got, err)
	}
	// 空版本取最新注册
	got, err = s.GetDefinition(ctx, "order-processing", "")
	if err != nil || got.Version != "2.0.0" {
		t.Fatalf("got %v err %v", got, err)
	}
	if _, err := s.GetDefinition(ctx, "missing", ""); !errors.Is(err, errors.ErrDefinitionNotFound) {
		t.Errorf("err = %v", err)
	}
}

func TestRetryStep(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	def := testDefinition()
	run := startRun(t, s, def)

	no, _, _ := s.ReserveStepAttempt(ctx, run.ID, "charge-payment")
	_, _ = s.RecordStepFailure(ctx, def, run.ID, "charge-payment",
		AttemptRecord{AttemptNo: no, Type: workflow.AttemptTypeAction, StatusCode: 400, ErrMsg: "HTTP 400"},
		OutcomeHalt, 0)

	if err := s.RetryStep(ctx, run.ID, "charge-payment"); err != nil {
		t.Fatalf("RetryStep: %v", err)
	}
	got, _ := s.GetRun(ctx, run.ID)
	if got.Status != workflow.RunRunning || got.LastError != nil {
		t.Errorf("run = %+v", got)
	}
	steps, _ := s.ListRunSteps(ctx, run.ID)
	for _, st := range steps {
		if st.StepID == "charge-payment" && (st.Status != workflow.StepPending || st.LastError != "") {
			t.Errorf("step = %+v", st)
		}
	}

	if err := s.RetryStep(ctx, "missing", "charge-payment"); !errors.Is(err, errors.ErrRunNotFound) {
		t.Errorf("err = %v", err)
	}
	if err := s.RetryStep(ctx, run.ID, "missing"); !errors.Is(err, errors.ErrStepNotFound) {
		t.Errorf("err = %v", err)
	}
}

func TestOutboxStats(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()

	if n, age, _ := s.OutboxStats(ctx); n != 0 || age != 0 {
		t.Errorf("empty stats = %d %v", n, age)
	}

	now := time.Now()
	s.nowFn = func() time.Time { return now }
	_ = s.EnqueueOutbox(ctx, workflow.NewExecuteStepMessage("r", "s", workflow.ScheduledByStart, now))
	now = now.Add(3 * time.Second)

	n, age, _ := s.OutboxStats(ctx)
	if n != 1 || age != 3*time.Second {
		t.Errorf("stats = %d %v", n, age)
	}
}

func TestListRuns(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	def := testDefinition()

	now := time.Now()
	s.nowFn = func() time.Time { return now }
	first := startRun(t, s, def)
	now = now.Add(time.Second)
	second := startRun(t, s, def)
	now = now.Add(time.Second)
	third := startRun(t, s, def)

	runs, err := s.ListRuns(ctx, "", 0)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("runs = %d", len(runs))
	}
	// 创建时间倒序
	if runs[0].ID != third.ID || runs[2].ID != first.ID {
		t.Errorf("order = %s %s %s", runs[0].ID, runs[1].ID, runs[2].ID)
	}

	if runs, _ = s.ListRuns(ctx, "", 2); len(runs) != 2 {
		t.Errorf("limited runs = %d", len(runs))
	}

	if _, err := s.CancelRun(ctx, def, second.ID, false); err != nil {
		t.Fatalf("CancelRun: %v", err)
	}
	runs, _ = s.ListRuns(ctx, workflow.RunCancelled, 0)
	if len(runs) != 1 || runs[0].ID != second.ID {
		t.Errorf("cancelled runs = %+v", runs)
	}
	if runs, _ = s.ListRuns(ctx, workflow.RunPending, 0); len(runs) != 2 {
		t.Errorf("pending runs = %d", len(runs))
	}
}

// 步骤执行与取消补偿并发：补偿先到终态时，迟到的执行结果不得推翻 COMPENSATED
func TestLateStepSuccessAfterCompensatedAbsorbed(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	def := testDefinition()
	run := startRun(t, s, def)

	no, _, _ := s.ReserveStepAttempt(ctx, run.ID, "charge-payment")
	_, _ = s.RecordStepSuccess(ctx, run.ID, "charge-payment",
		AttemptRecord{AttemptNo: no, Type: workflow.AttemptTypeAction, Succeeded: true, StatusCode: 200}, nil, "reserve-inventory")

	// reserve-inventory 进入执行中，动作尚未返回
	lateNo, skip, err := s.ReserveStepAttempt(ctx, run.ID, "reserve-inventory")
	if err != nil || skip {
		t.Fatalf("reserve: no=%d skip=%v err=%v", lateNo, skip, err)
	}

	// 此时取消并补偿，推进到终态 COMPENSATED
	if _, err := s.CancelRun(ctx, def, run.ID, true); err != nil {
		t.Fatal(err)
	}
	compNo, _, _ := s.ReserveCompensation(ctx, run.ID, "charge-payment")
	_, _ = s.RecordCompensationSuccess(ctx, run.ID, "charge-payment",
		AttemptRecord{AttemptNo: compNo, Type: workflow.AttemptTypeCompensation, Succeeded: true, StatusCode: 200},
		nil, workflow.ReasonCancel)
	run2, _ := s.GetRun(ctx, run.ID)
	if run2.Status != workflow.RunCompensated {
		t.Fatalf("status = %s, want COMPENSATED", run2.Status)
	}

	// 清空 outbox，便于断言迟到结果不产生新投递
	for {
		m, _ := s.ClaimNext(ctx, "w1", time.Minute)
		if m == nil {
			break
		}
		_ = s.MarkDone(ctx, m.ID)
	}

	// 迟到的成功结果：只留审计记录，Run 仍是 COMPENSATED，无续投
	completed, err := s.RecordStepSuccess(ctx, run.ID, "reserve-inventory",
		AttemptRecord{AttemptNo: lateNo, Type: workflow.AttemptTypeAction, Succeeded: true, StatusCode: 200}, nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if completed {
		t.Error("late result must not complete the run")
	}
	run3, _ := s.GetRun(ctx, run.ID)
	if run3.Status != workflow.RunCompensated {
		t.Errorf("status = %s, want COMPENSATED", run3.Status)
	}
	if m, _ := s.ClaimNext(ctx, "w1", time.Minute); m != nil {
		t.Errorf("unexpected outbox message: %+v", m)
	}
	attempts, _ := s.ListAttempts(ctx, run.ID)
	found := false
	for _, a := range attempts {
		if a.StepID == "reserve-inventory" && a.AttemptType == workflow.AttemptTypeAction {
			found = true
		}
	}
	if !found {
		t.Error("late attempt not recorded")
	}
}

func TestLateStepFailureAfterCompensatedAbsorbed(t *testing.T) {
	s := NewMemStore()
	ctx := context.Background()
	def := testDefinition()
	run := startRun(t, s, def)

	no, _, _ := s.ReserveStepAttempt(ctx, run.ID, "charge-payment")
	_, _ = s.RecordStepSuccess(ctx, run.ID, "charge-payment",
		AttemptRecord{AttemptNo: no, Type: workflow.AttemptTypeAction, Succeeded: true, StatusCode: 200}, nil, "reserve-inventory")
	lateNo, _, _ := s.ReserveStepAttempt(ctx, run.ID, "reserve-inventory")

	if _, err := s.CancelRun(ctx, def, run.ID, true); err != nil {
		t.Fatal(err)
	}
	compNo, _, _ := s.ReserveCompensation(ctx, run.ID, "charge-payment")
	_, _ = s.RecordCompensationSuccess(ctx, run.ID, "charge-payment",
		AttemptRecord{AttemptNo: compNo, Type: workflow.AttemptTypeCompensation, Succeeded: true, StatusCode: 200},
		nil, workflow.ReasonCancel)
	for {
		m, _ := s.ClaimNext(ctx, "w1", time.Minute)
		if m == nil {
			break
		}
		_ = s.MarkDone(ctx, m.ID)
	}

	// 迟到的失败结果同样被吸收，不重试也不再次补偿
	status, err := s.RecordStepFailure(ctx, def, run.ID, "reserve-inventory",
		AttemptRecord{AttemptNo: lateNo, Type: workflow.AttemptTypeAction, StatusCode: 500, ErrMsg: "HTTP 500"},
		OutcomeRetry, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if status != workflow.RunCompensated {
		t.Errorf("status = %s, want COMPENSATED", status)
	}
	if m, _ := s.ClaimNext(ctx, "w1", time.Minute); m != nil {
		t.Errorf("unexpected outbox message: %+v", m)
	}
}
