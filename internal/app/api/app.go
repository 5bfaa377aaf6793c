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

// Package api API 应用装配（控制面）。
// store.type=postgres 时 API 只做受理与查询，执行全部交给 Worker；
// store.type=memory 时为单进程开发模式，引擎随 API 一起启动。
package api

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/cloudwego/hertz/pkg/app/server"
	hertzconfig "github.com/cloudwego/hertz/pkg/common/config"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	hertzslog "github.com/hertz-contrib/logger/slog"
	"github.com/hertz-contrib/obs-opentelemetry/provider"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"

	apihttp "saga-orchestrator/internal/api/http"
	"saga-orchestrator/internal/workflow/engine"
	"saga-orchestrator/internal/workflow/httpexec"
	"saga-orchestrator/internal/workflow/intake"
	"saga-orchestrator/internal/workflow/store"
	"saga-orchestrator/internal/workflow/wakeup"
	"saga-orchestrator/pkg/config"
	"saga-orchestrator/pkg/log"
)

// otelProviderShutdown 用于优雅关闭时关闭 OpenTelemetry provider
type otelProviderShutdown interface {
	Shutdown(ctx context.Context) error
}

// App API 应用
type App struct {
	config       *config.APIConfig
	logger       *log.Logger
	store        store.Store
	wakeup       wakeup.Queue
	engine       *engine.Engine
	hertz        *server.Hertz
	otelProvider otelProviderShutdown
}

// NewApp 创建 API 应用（由 cmd/api 调用）
func NewApp(cfg *config.APIConfig) (*App, error) {
	logger, err := log.NewLogger(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}

	st, err := newStore(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("初始化存储失败: %w", err)
	}
	logger.Info("存储已就绪", "type", cfg.Store.Type)

	wk, err := newWakeup(cfg.Wakeup)
	if err != nil {
		return nil, fmt.Errorf("初始化唤醒通道失败: %w", err)
	}

	appObj := &App{
		config: cfg,
		logger: logger,
		store:  st,
		wakeup: wk,
	}

	// 单一执行权 / Control vs Data Plane：store.type=postgres 时 API 不启动引擎，
	// outbox 消息仅由 Worker 领取执行
	if cfg.Store.Type == "memory" {
		appObj.engine = engine.New(st, httpexec.NewExecutor(), wk, logger, engine.Config{
			WorkerID:     cfg.Engine.WorkerID,
			PollInterval: cfg.Engine.PollInterval(),
			LeaseTTL:     cfg.Engine.LeaseTTL(),
			ClaimBatch:   cfg.Engine.ClaimBatch,
		})
		logger.Info("内存模式：引擎随 API 进程启动", "worker_id", cfg.Engine.WorkerID)
	}
	return appObj, nil
}

// Run 启动 HTTP 服务，阻塞直到服务退出
func (a *App) Run() error {
	addr := a.config.Server.Addr()
	a.logger.Info("API 服务启动", "addr", addr)

	// 使用 Hertz slog 扩展，与进程日志配置对齐
	output := os.Stdout
	if a.config.Log.File != "" {
		f, err := os.OpenFile(a.config.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("打开日志文件失败: %w", err)
		}
		output = f
	}
	levelVar := &slog.LevelVar{}
	switch a.config.Log.Level {
	case "debug":
		levelVar.Set(slog.LevelDebug)
	case "warn":
		levelVar.Set(slog.LevelWarn)
	case "error":
		levelVar.Set(slog.LevelError)
	default:
		levelVar.Set(slog.LevelInfo)
	}
	hlog.SetLogger(hertzslog.NewLogger(
		hertzslog.WithOutput(output),
		hertzslog.WithLevel(levelVar),
	))

	opts := []hertzconfig.Option{server.WithHostPorts(addr)}

	// 可选：启用链路追踪（OpenTelemetry）
	var tracingCfg *hertztracing.Config
	if a.config.Monitoring.TracingEnabled {
		endpoint := a.config.Monitoring.OTLPEndpoint
		if endpoint == "" {
			endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		}
		if endpoint != "" {
			serviceName := a.config.Monitoring.ServiceName
			if serviceName == "" {
				serviceName = "saga-api"
			}
			p := provider.NewOpenTelemetryProvider(
				provider.WithServiceName(serviceName),
				provider.WithExportEndpoint(endpoint),
				provider.WithInsecure(),
			)
			a.otelProvider = p
			tracerOpt, cfg := hertztracing.NewServerTracer()
			opts = append(opts, tracerOpt)
			tracingCfg = cfg
			a.logger.Info("链路追踪已启用", "service_name", serviceName, "endpoint", endpoint)
		}
	}

	hz := server.New(opts...)
	if tracingCfg != nil {
		hz.Use(hertztracing.ServerMiddleware(tracingCfg))
	}
	handler := apihttp.NewHandler(intake.New(a.store, a.wakeup, a.logger), a.logger)
	apihttp.RegisterRoutes(hz.Engine, handler)
	a.hertz = hz

	if a.engine != nil {
		a.engine.Start(context.Background())
	}
	return hz.Run()
}

// Shutdown 优雅关闭（传入 ctx 以支持超时，如 cmd 层 WithTimeout）
func (a *App) Shutdown(ctx context.Context) error {
	if a.engine != nil {
		a.engine.Stop()
	}
	if a.otelProvider != nil {
		_ = a.otelProvider.Shutdown(ctx)
	}
	if a.hertz != nil {
		if err := a.hertz.Shutdown(ctx); err != nil {
			return err
		}
	}
	a.wakeup.Close()
	a.store.Close()
	a.logger.Info("API 服务已关闭")
	return nil
}

// newStore 按配置创建存储后端
func newStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Type {
	case "postgres":
		if cfg.DSN == "" {
			return nil, fmt.Errorf("store.type=postgres 需要配置 store.dsn")
		}
		return store.NewPGStore(context.Background(), cfg.DSN)
	case "memory", "":
		return store.NewMemStore(), nil
	default:
		return nil, fmt.Errorf("不支持的存储类型: %s", cfg.Type)
	}
}

// newWakeup 按配置创建唤醒通道
func newWakeup(cfg config.WakeupConfig) (wakeup.Queue, error) {
	switch cfg.Type {
	case "redis":
		if cfg.Addr == "" {
			return nil, fmt.Errorf("wakeup.type=redis 需要配置 wakeup.addr")
		}
		return wakeup.NewRedisQueue(context.Background(), cfg.Addr, cfg.Channel)
	case "memory", "":
		return wakeup.NewMemQueue(), nil
	default:
		return nil, fmt.Errorf("不支持的唤醒通道类型: %s", cfg.Type)
	}
}
