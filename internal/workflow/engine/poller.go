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

// Package engine outbox 驱动的 saga 执行引擎。
// 轮询器领取消息并按类型分发到步骤执行或补偿调度；
// 进程内不保存任何决定性状态，重启后从 outbox 接续。
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"saga-orchestrator/internal/workflow"
	"saga-orchestrator/internal/workflow/httpexec"
	"saga-orchestrator/internal/workflow/store"
	"saga-orchestrator/internal/workflow/wakeup"
	"saga-orchestrator/pkg/log"
	"saga-orchestrator/pkg/metrics"
	"saga-orchestrator/pkg/tracing"
)

// 处理异常后的固定重投延迟
const requeueDelay = 5 * time.Second

// Config 引擎运行参数
type Config struct {
	WorkerID     string
	PollInterval time.Duration
	LeaseTTL     time.Duration
	ClaimBatch   int
}

// Engine saga 执行引擎
type Engine struct {
	store  store.Store
	exec   *httpexec.Executor
	wakeup wakeup.Queue
	logger *log.Logger
	cfg    Config

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New 创建引擎
func New(s store.Store, exec *httpexec.Executor, w wakeup.Queue, logger *log.Logger, cfg Config) *Engine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	if cfg.ClaimBatch <= 0 {
		cfg.ClaimBatch = 10
	}
	return &Engine{
		store:  s,
		exec:   exec,
		wakeup: w,
		logger: logger.With("worker_id", cfg.WorkerID),
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}
}

// Start 启动轮询循环
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.logger.Info("引擎启动",
			"poll_interval", e.cfg.PollInterval.String(),
			"lease_ttl", e.cfg.LeaseTTL.String())
		for {
			select {
			case <-e.stopCh:
				return
			case <-ctx.Done():
				return
			default:
			}
			if n := e.Tick(ctx); n == 0 {
				// 空转时等待唤醒，最长一个轮询间隔
				e.wakeup.Wait(ctx, e.cfg.PollInterval)
			}
		}
	}()
}

// Stop 停止并等待在途消息处理完
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
	e.logger.Info("引擎已停止")
}

// Tick 一个批次：最多领取 ClaimBatch 条消息并处理，返回处理条数。
// 结束时刷新 outbox 指标快照。
func (e *Engine) Tick(ctx context.Context) int {
	processed := 0
	for i := 0; i < e.cfg.ClaimBatch; i++ {
		msg, err := e.store.ClaimNext(ctx, e.cfg.WorkerID, e.cfg.LeaseTTL)
		if err != nil {
			e.logger.Error("领取 outbox 消息失败", "error", err)
			break
		}
		if msg == nil {
			metrics.OutboxClaimTotal.WithLabelValues("false").Inc()
			break
		}
		metrics.OutboxClaimTotal.WithLabelValues("true").Inc()
		if msg.Attempts > 1 {
			metrics.LeaseReclaimTotal.Inc()
		}
		e.process(ctx, msg)
		processed++
	}
	e.refreshStats(ctx)
	return processed
}

// process 分发一条消息。panic 与处理错误都重投，不让轮询循环死掉。
func (e *Engine) process(ctx context.Context, msg *workflow.OutboxMessage) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("消息处理 panic，延迟重投",
				"outbox_id", msg.ID, "kind", string(msg.Kind), "panic", fmt.Sprint(r))
			if err := e.store.Requeue(ctx, msg.ID, requeueDelay); err != nil {
				e.logger.Error("重投失败", "outbox_id", msg.ID, "error", err)
			}
		}
	}()

	var err error
	switch msg.Kind {
	case workflow.KindExecuteStep:
		var payload workflow.ExecuteStepPayload
		if err = json.Unmarshal(msg.Payload, &payload); err == nil {
			spanCtx, span := tracing.StartDispatchSpan(ctx, string(msg.Kind), payload.RunID, payload.StepID)
			err = e.handleExecuteStep(spanCtx, payload)
			span.End()
		}
	case workflow.KindCompensate:
		var payload workflow.CompensatePayload
		if err = json.Unmarshal(msg.Payload, &payload); err == nil {
			spanCtx, span := tracing.StartDispatchSpan(ctx, string(msg.Kind), payload.RunID, "")
			err = e.handleCompensate(spanCtx, payload)
			span.End()
		}
	default:
		e.logger.Error("未知消息类型，标记完成", "outbox_id", msg.ID, "kind", string(msg.Kind))
	}

	if err != nil {
		e.logger.Error("消息处理失败，延迟重投",
			"outbox_id", msg.ID, "kind", string(msg.Kind), "error", err)
		if rqErr := e.store.Requeue(ctx, msg.ID, requeueDelay); rqErr != nil {
			e.logger.Error("重投失败", "outbox_id", msg.ID, "error", rqErr)
		}
		return
	}
	if mdErr := e.store.MarkDone(ctx, msg.ID); mdErr != nil {
		e.logger.Error("标记完成失败", "outbox_id", msg.ID, "error", mdErr)
	}
}

func (e *Engine) refreshStats(ctx context.Context) {
	backlog, oldest, err := e.store.OutboxStats(ctx)
	if err != nil {
		e.logger.Error("刷新 outbox 指标失败", "error", err)
		return
	}
	metrics.OutboxBacklog.Set(float64(backlog))
	metrics.OutboxOldestPendingSeconds.Set(oldest.Seconds())
}

// idempotencyKey 下游去重键："runId:stepId:attemptNo"，补偿附加段
func idempotencyKey(runID, stepID string, attemptNo int, compensation bool) string {
	if compensation {
		return runID + ":" + stepID + ":compensation:" + strconv.Itoa(attemptNo)
	}
	return runID + ":" + stepID + ":" + strconv.Itoa(attemptNo)
}
