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

// Package worker Worker 应用装配（数据面）。
// 每个 Worker 进程持有一个引擎实例，从共享 outbox 领取消息执行。
package worker

import (
	"context"
	"fmt"

	"saga-orchestrator/internal/workflow/engine"
	"saga-orchestrator/internal/workflow/httpexec"
	"saga-orchestrator/internal/workflow/store"
	"saga-orchestrator/internal/workflow/wakeup"
	"saga-orchestrator/pkg/config"
	"saga-orchestrator/pkg/log"
	"saga-orchestrator/pkg/tracing"
)

// App Worker 应用
type App struct {
	config       *config.WorkerConfig
	logger       *log.Logger
	store        store.Store
	wakeup       wakeup.Queue
	engine       *engine.Engine
	traceFlush   func(context.Context) error
	engineCancel context.CancelFunc
}

// NewApp 创建 Worker 应用
func NewApp(cfg *config.WorkerConfig) (*App, error) {
	logger, err := log.NewLogger(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("初始化日志失败: %w", err)
	}

	st, err := newStore(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("初始化存储失败: %w", err)
	}
	if cfg.Store.Type != "postgres" {
		// 内存存储仅进程内可见，独立 Worker 看不到 API 写入的 outbox
		logger.Warn("Worker 使用内存存储，仅适用于本地调试", "type", cfg.Store.Type)
	}

	wk, err := newWakeup(cfg.Wakeup)
	if err != nil {
		return nil, fmt.Errorf("初始化唤醒通道失败: %w", err)
	}

	eng := engine.New(st, httpexec.NewExecutor(), wk, logger, engine.Config{
		WorkerID:     cfg.Engine.WorkerID,
		PollInterval: cfg.Engine.PollInterval(),
		LeaseTTL:     cfg.Engine.LeaseTTL(),
		ClaimBatch:   cfg.Engine.ClaimBatch,
	})

	return &App{
		config: cfg,
		logger: logger,
		store:  st,
		wakeup: wk,
		engine: eng,
	}, nil
}

// Start 启动引擎轮询循环
func (a *App) Start() error {
	a.logger.Info("启动 worker 应用", "worker_id", a.config.Engine.WorkerID)

	if a.config.Monitoring.TracingEnabled {
		serviceName := a.config.Monitoring.ServiceName
		if serviceName == "" {
			serviceName = "saga-worker"
		}
		flush, err := tracing.InitTracer(context.Background(), serviceName, a.config.Monitoring.OTLPEndpoint)
		if err != nil {
			return fmt.Errorf("初始化链路追踪失败: %w", err)
		}
		a.traceFlush = flush
	}

	ctx, cancel := context.WithCancel(context.Background())
	a.engineCancel = cancel
	a.engine.Start(ctx)

	a.logger.Info("worker 应用启动成功")
	return nil
}

// Shutdown 关闭应用，等待在途消息处理完
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("关闭 worker 应用")

	if a.engineCancel != nil {
		a.engineCancel()
	}
	a.engine.Stop()

	if a.traceFlush != nil {
		if err := a.traceFlush(ctx); err != nil {
			a.logger.Error("刷新链路追踪失败", "error", err)
		}
	}
	a.wakeup.Close()
	a.store.Close()

	a.logger.Info("worker 应用关闭成功")
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
