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
	"saga-orchestrator/internal/workflow/retrypolicy"
	"saga-orchestrator/pkg/errors"
	"saga-orchestrator/pkg/metrics"
)

// handleCompensate EXECUTE_COMPENSATION 消息处理。
// 队首是当前待补偿步骤；每处理完一个步骤投递剩余队列，直到补偿完毕。
func (e *Engine) handleCompensate(ctx context.Context, payload workflow.CompensatePayload) error {
	if len(payload.Queue) == 0 {
		return e.markCompensated(ctx, payload.RunID)
	}

	run, err := e.store.GetRun(ctx, payload.RunID)
	if errors.Is(err, errors.ErrRunNotFound) {
		e.logger.Warn("run 不存在，吸收补偿投递", "run_id", payload.RunID)
		return nil
	}
	if err != nil {
		return err
	}

	def, err := e.store.GetDefinition(ctx, run.WorkflowName, run.WorkflowVersion)
	if errors.Is(err, errors.ErrDefinitionNotFound) {
		return e.store.FailRun(ctx, run.ID, workflow.ErrCodeWorkflowNotFound, "",
			fmt.Sprintf("definition %s@%s not found", run.WorkflowName, run.WorkflowVersion))
	}
	if err != nil {
		return err
	}

	current, remaining := payload.Queue[0], payload.Queue[1:]
	stepDef, ok := def.Step(current)
	if !ok {
		// 定义中已不存在的步骤直接跳过
		e.logger.Warn("补偿步骤不在定义中，跳过", "run_id", run.ID, "step_id", current)
		return e.continueQueue(ctx, run.ID, remaining, payload.Reason)
	}

	if stepDef.Compensation == nil {
		runCompensated, err := e.store.SkipCompensation(ctx, run.ID, current, remaining, payload.Reason)
		if err != nil {
			return err
		}
		if runCompensated {
			metrics.RunTotal.WithLabelValues("compensated").Inc()
			e.logger.Info("run 补偿完成", "run_id", run.ID)
		}
		return nil
	}

	attemptNo, skip, err := e.store.ReserveCompensation(ctx, run.ID, current)
	if err != nil {
		return err
	}
	if skip {
		// 已补偿或在途，推进剩余队列
		return e.continueQueue(ctx, run.ID, remaining, payload.Reason)
	}

	result, started := e.invoke(ctx, run, stepDef, stepDef.Compensation, attemptNo, true)
	metrics.StepAttemptDuration.WithLabelValues(workflow.AttemptTypeCompensation).
		Observe(float64(result.DurationMs) / 1000)

	if result.Ok {
		runCompensated, err := e.store.RecordCompensationSuccess(ctx, run.ID, current,
			successRecord(attemptNo, workflow.AttemptTypeCompensation, result, started),
			remaining, payload.Reason)
		if err != nil {
			return err
		}
		if runCompensated {
			metrics.RunTotal.WithLabelValues("compensated").Inc()
			e.logger.Info("run 补偿完成", "run_id", run.ID)
		}
		return nil
	}

	decision := retrypolicy.Classify(result.TimedOut, result.NetworkError, result.StatusCode, stepDef.Retry.RetryOn409)
	shouldRetry := decision.Retryable && attemptNo < stepDef.Retry.MaxAttempts
	var delay time.Duration
	if shouldRetry {
		delay = time.Duration(retrypolicy.ComputeBackoffMs(stepDef.Retry, attemptNo)) * time.Millisecond
	}

	// 重试时整个队列原样重投，队首不变
	if err := e.store.RecordCompensationFailure(ctx, run.ID, current,
		failureRecord(attemptNo, workflow.AttemptTypeCompensation, result, decision.Reason, started),
		shouldRetry, delay, payload.Queue, payload.Reason); err != nil {
		return err
	}
	if !shouldRetry {
		metrics.RunTotal.WithLabelValues("failed").Inc()
		e.logger.Error("补偿耗尽重试，run 终止",
			"run_id", run.ID, "step_id", current, "attempt", attemptNo, "reason", decision.Reason)
	}
	return nil
}

func (e *Engine) markCompensated(ctx context.Context, runID string) error {
	transitioned, err := e.store.MarkRunCompensated(ctx, runID)
	if err != nil {
		return err
	}
	if transitioned {
		metrics.RunTotal.WithLabelValues("compensated").Inc()
		e.logger.Info("run 补偿完成", "run_id", runID)
	}
	return nil
}

// continueQueue 队首无事可做时推进剩余队列
func (e *Engine) continueQueue(ctx context.Context, runID string, remaining []string, reason string) error {
	if len(remaining) == 0 {
		return e.markCompensated(ctx, runID)
	}
	return e.store.EnqueueOutbox(ctx,
		workflow.NewCompensateMessage(runID, remaining, reason, time.Now()))
}
