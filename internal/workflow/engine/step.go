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

package engine

import (
	"context"
	"fmt"
	"time"

	"saga-orchestrator/internal/workflow"
	"saga-orchestrator/internal/workflow/httpexec"
	"saga-orchestrator/internal/workflow/render"
	"saga-orchestrator/internal/workflow/retrypolicy"
	"saga-orchestrator/internal/workflow/store"
	"saga-orchestrator/pkg/errors"
	"saga-orchestrator/pkg/metrics"
	"saga-orchestrator/pkg/tracing"
)

// handleExecuteStep EXECUTE_STEP 消息处理。
// 返回 error 表示处理异常（消息重投）；业务性失败在事务内落库后返回 nil。
func (e *Engine) handleExecuteStep(ctx context.Context, payload workflow.ExecuteStepPayload) error {
	run, err := e.store.GetRun(ctx, payload.RunID)
	if errors.Is(err, errors.ErrRunNotFound) {
		e.logger.Warn("run 不存在，吸收投递", "run_id", payload.RunID, "step_id", payload.StepID)
		return nil
	}
	if err != nil {
		return err
	}
	switch run.Status {
	case workflow.RunCompleted, workflow.RunCompensated, workflow.RunCancelled:
		return nil
	}

	def, err := e.store.GetDefinition(ctx, run.WorkflowName, run.WorkflowVersion)
	if errors.Is(err, errors.ErrDefinitionNotFound) {
		return e.store.FailRun(ctx, run.ID, workflow.ErrCodeWorkflowNotFound, "",
			fmt.Sprintf("definition %s@%s not found", run.WorkflowName, run.WorkflowVersion))
	}
	if err != nil {
		return err
	}
	stepDef, ok := def.Step(payload.StepID)
	if !ok {
		return e.store.FailRun(ctx, run.ID, workflow.ErrCodeStepNotFound, payload.StepID,
			fmt.Sprintf("step %s not in definition", payload.StepID))
	}

	attemptNo, skip, err := e.store.ReserveStepAttempt(ctx, run.ID, payload.StepID)
	if err != nil {
		return err
	}
	if skip {
		e.logger.Debug("投递被吸收", "run_id", run.ID, "step_id", payload.StepID)
		return nil
	}

	result, started := e.invoke(ctx, run, stepDef, &stepDef.Action, attemptNo, false)
	metrics.StepAttemptDuration.WithLabelValues(workflow.AttemptTypeAction).
		Observe(float64(result.DurationMs) / 1000)

	if result.Ok {
		output, _ := result.Body.(map[string]interface{})
		nextID := ""
		if next := def.NextStep(payload.StepID); next != nil {
			nextID = next.ID
		}
		completed, err := e.store.RecordStepSuccess(ctx, run.ID, payload.StepID,
			successRecord(attemptNo, workflow.AttemptTypeAction, result, started), output, nextID)
		if err != nil {
			return err
		}
		if completed {
			metrics.RunTotal.WithLabelValues("completed").Inc()
			e.logger.Info("run 完成", "run_id", run.ID)
		}
		return nil
	}

	decision := retrypolicy.Classify(result.TimedOut, result.NetworkError, result.StatusCode, stepDef.Retry.RetryOn409)
	shouldRetry := decision.Retryable && attemptNo < stepDef.Retry.MaxAttempts

	outcome := store.OutcomeHalt
	var delay time.Duration
	switch {
	case shouldRetry:
		outcome = store.OutcomeRetry
		delay = time.Duration(retrypolicy.ComputeBackoffMs(stepDef.Retry, attemptNo)) * time.Millisecond
	case stepDef.OnFailure == workflow.OnFailureCompensate:
		outcome = store.OutcomeCompensate
	}

	status, err := e.store.RecordStepFailure(ctx, def, run.ID, payload.StepID,
		failureRecord(attemptNo, workflow.AttemptTypeAction, result, decision.Reason, started), outcome, delay)
	if err != nil {
		return err
	}
	if status == workflow.RunFailed {
		metrics.RunTotal.WithLabelValues("failed").Inc()
	}
	e.logger.Info("步骤失败",
		"run_id", run.ID, "step_id", payload.StepID, "attempt", attemptNo,
		"reason", decision.Reason, "retry", shouldRetry, "run_status", string(status))
	return nil
}

// invoke 渲染并执行一次动作或补偿调用
func (e *Engine) invoke(ctx context.Context, run *workflow.Run, stepDef *workflow.StepDefinition,
	action *workflow.ActionSpec, attemptNo int, compensation bool) (httpexec.Result, time.Time) {

	env := render.Envelope{
		Input:   run.Input,
		Context: run.Context,
		Run:     map[string]interface{}{"id": run.ID},
	}
	req := httpexec.Request{
		Method:  action.Method,
		URL:     render.RenderString(action.URL, env),
		Headers: render.RenderStringMap(action.Headers, env),
	}
	if action.Body != nil {
		req.Body = render.Render(action.Body, env)
	}

	attemptType := workflow.AttemptTypeAction
	if compensation {
		attemptType = workflow.AttemptTypeCompensation
	}
	callCtx, span := tracing.StartActionSpan(ctx, attemptType, run.ID, stepDef.ID, attemptNo)
	defer span.End()

	started := time.Now()
	result := e.exec.Execute(callCtx, req, httpexec.Options{
		TimeoutMs: action.TimeoutMs,
		ExtraHeaders: map[string]string{
			"x-idempotency-key": idempotencyKey(run.ID, stepDef.ID, attemptNo, compensation),
			"x-correlation-id":  run.CorrelationID(),
		},
	})
	return result, started
}

func successRecord(attemptNo int, attemptType string, result httpexec.Result, started time.Time) store.AttemptRecord {
	return store.AttemptRecord{
		AttemptNo:  attemptNo,
		Type:       attemptType,
		Succeeded:  true,
		StatusCode: result.StatusCode,
		Response:   result.Body,
		DurationMs: result.DurationMs,
		StartedAt:  started,
		FinishedAt: started.Add(time.Duration(result.DurationMs) * time.Millisecond),
	}
}

func failureRecord(attemptNo int, attemptType string, result httpexec.Result, reason string, started time.Time) store.AttemptRecord {
	msg := result.ErrorMessage
	if msg == "" && result.StatusCode > 0 {
		msg = fmt.Sprintf("HTTP %d", result.StatusCode)
	}
	return store.AttemptRecord{
		AttemptNo:  attemptNo,
		Type:       attemptType,
		Succeeded:  false,
		StatusCode: result.StatusCode,
		ErrorKind:  reason,
		ErrMsg:     msg,
		Response:   result.Body,
		DurationMs: result.DurationMs,
		StartedAt:  started,
		FinishedAt: started.Add(time.Duration(result.DurationMs) * time.Millisecond),
	}
}
