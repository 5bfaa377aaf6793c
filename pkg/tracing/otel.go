// Copyright 2026 fanjia1024
// OpenTelemetry integration for distributed tracing

package tracing

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// InitTracer 初始化 OTLP HTTP 导出器并安装全局 TracerProvider。
// endpoint 为空时不启用，返回 no-op shutdown。
func InitTracer(ctx context.Context, serviceName, endpoint string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exp, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
	))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

func tracer() trace.Tracer {
	return otel.Tracer("saga-orchestrator/engine")
}

// StartDispatchSpan outbox 消息分发的 span
func StartDispatchSpan(ctx context.Context, kind, runID, stepID string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "outbox.dispatch",
		trace.WithAttributes(
			attribute.String("saga.message_kind", kind),
			attribute.String("saga.run_id", runID),
			attribute.String("saga.step_id", stepID),
		))
}

// StartActionSpan 单次步骤动作 / 补偿 HTTP 调用的 span
func StartActionSpan(ctx context.Context, attemptType, runID, stepID string, attemptNo int) (context.Context, trace.Span) {
	return tracer().Start(ctx, "step."+attemptType,
		trace.WithAttributes(
			attribute.String("saga.run_id", runID),
			attribute.String("saga.step_id", stepID),
			attribute.Int("saga.attempt_no", attemptNo),
		))
}
