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

// Package http 控制面 HTTP API。
// intake 的哨兵错误在这里映射为 404 / 409 / 400。
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	"github.com/cloudwego/hertz/pkg/protocol/consts"

	"saga-orchestrator/internal/workflow"
	"saga-orchestrator/internal/workflow/intake"
	"saga-orchestrator/pkg/errors"
	"saga-orchestrator/pkg/log"
	"saga-orchestrator/pkg/metrics"
)

// Handler HTTP 处理器
type Handler struct {
	intake *intake.Intake
	logger *log.Logger
}

// NewHandler 创建处理器
func NewHandler(in *intake.Intake, logger *log.Logger) *Handler {
	return &Handler{intake: in, logger: logger}
}

// writeError 哨兵错误 → HTTP 状态码
func writeError(ctx *app.RequestContext, err error) {
	switch {
	case errors.Is(err, errors.ErrDefinitionNotFound),
		errors.Is(err, errors.ErrRunNotFound),
		errors.Is(err, errors.ErrStepNotFound):
		ctx.JSON(consts.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, errors.ErrRunTerminal):
		ctx.JSON(consts.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, errors.ErrInvalidDefinition):
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": err.Error()})
	default:
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

// HealthCheck 健康检查
func (h *Handler) HealthCheck(c context.Context, ctx *app.RequestContext) {
	ctx.JSON(consts.StatusOK, map[string]interface{}{
		"status":    "ok",
		"service":   "saga-orchestrator",
		"timestamp": time.Now().Unix(),
	})
}

// Metrics Prometheus 指标
func (h *Handler) Metrics(c context.Context, ctx *app.RequestContext) {
	var buf bytes.Buffer
	if err := metrics.WritePrometheus(&buf); err != nil {
		hlog.CtxErrorf(c, "write metrics failed: %v", err)
		ctx.JSON(consts.StatusInternalServerError, map[string]string{"error": "metrics unavailable"})
		return
	}
	ctx.Data(consts.StatusOK, "text/plain; version=0.0.4; charset=utf-8", buf.Bytes())
}

// RegisterWorkflow 注册（或覆盖）工作流定义
func (h *Handler) RegisterWorkflow(c context.Context, ctx *app.RequestContext) {
	var def workflow.WorkflowDefinition
	if err := json.Unmarshal(ctx.Request.Body(), &def); err != nil {
		ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := h.intake.RegisterDefinition(c, &def); err != nil {
		hlog.CtxWarnf(c, "register workflow rejected: %v", err)
		writeError(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]string{
		"name":    def.Name,
		"version": def.Version,
	})
}

type startRunRequest struct {
	Input   map[string]interface{} `json:"input"`
	Context map[string]interface{} `json:"context"`
	Version string                 `json:"version"`
}

// StartRun 启动一次执行，立即返回 202
func (h *Handler) StartRun(c context.Context, ctx *app.RequestContext) {
	name := ctx.Param("name")
	var req startRunRequest
	if body := ctx.Request.Body(); len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
	}
	run, err := h.intake.StartRun(c, name, req.Version, req.Input, req.Context)
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(consts.StatusAccepted, map[string]string{
		"runId":  run.ID,
		"status": string(run.Status),
	})
}

// ListRuns Run 列表，支持 ?status= 过滤与 ?limit=
func (h *Handler) ListRuns(c context.Context, ctx *app.RequestContext) {
	status := workflow.RunStatus(ctx.Query("status"))
	limit := 0
	if raw := ctx.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = n
	}
	runs, err := h.intake.ListRuns(c, status, limit)
	if err != nil {
		writeError(ctx, err)
		return
	}
	if runs == nil {
		runs = []workflow.Run{}
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{
		"runs":  runs,
		"total": len(runs),
	})
}

// GetRun Run 与全部步骤视图
func (h *Handler) GetRun(c context.Context, ctx *app.RequestContext) {
	runID := ctx.Param("runId")
	run, steps, err := h.intake.GetRun(c, runID)
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{
		"run":   run,
		"steps": steps,
	})
}

// ListAttempts Run 的尝试历史（只追加）
func (h *Handler) ListAttempts(c context.Context, ctx *app.RequestContext) {
	runID := ctx.Param("runId")
	attempts, err := h.intake.ListAttempts(c, runID)
	if err != nil {
		writeError(ctx, err)
		return
	}
	if attempts == nil {
		attempts = []workflow.StepAttempt{}
	}
	ctx.JSON(consts.StatusOK, map[string]interface{}{
		"attempts": attempts,
		"total":    len(attempts),
	})
}

// RetryStep 人工重试一个步骤
func (h *Handler) RetryStep(c context.Context, ctx *app.RequestContext) {
	runID := ctx.Param("runId")
	stepID := ctx.Param("stepId")
	if err := h.intake.RetryStep(c, runID, stepID); err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(consts.StatusAccepted, map[string]string{
		"runId":  runID,
		"stepId": stepID,
		"status": "scheduled",
	})
}

type cancelRequest struct {
	Compensate *bool `json:"compensate"`
}

// CancelRun 取消一个 Run。默认补偿已成功步骤。
func (h *Handler) CancelRun(c context.Context, ctx *app.RequestContext) {
	runID := ctx.Param("runId")
	compensate := true
	if body := ctx.Request.Body(); len(body) > 0 {
		var req cancelRequest
		if err := json.Unmarshal(body, &req); err != nil {
			ctx.JSON(consts.StatusBadRequest, map[string]string{"error": "invalid request body"})
			return
		}
		if req.Compensate != nil {
			compensate = *req.Compensate
		}
	}
	status, err := h.intake.CancelRun(c, runID, compensate)
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(consts.StatusAccepted, map[string]string{
		"runId":  runID,
		"status": string(status),
	})
}
