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

// Package config 配置加载。YAML 为基础，环境变量覆盖。
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"saga-orchestrator/pkg/log"
)

// ServerConfig HTTP 服务配置
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// Addr 监听地址
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StoreConfig 存储配置。type 为 memory 时忽略 DSN（开发模式）。
type StoreConfig struct {
	Type string `mapstructure:"type"` // postgres / memory
	DSN  string `mapstructure:"dsn"`
}

// EngineConfig 引擎（outbox 轮询器）配置
type EngineConfig struct {
	WorkerID       string `mapstructure:"worker_id"`
	PollIntervalMs int    `mapstructure:"poll_interval_ms"`
	LeaseTTLMs     int    `mapstructure:"lease_ttl_ms"`
	ClaimBatch     int    `mapstructure:"claim_batch"`
}

// PollInterval 轮询间隔
func (c EngineConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// LeaseTTL 租约有效期，超过后 IN_FLIGHT 消息可被其他 worker 回收
func (c EngineConfig) LeaseTTL() time.Duration {
	return time.Duration(c.LeaseTTLMs) * time.Millisecond
}

// WakeupConfig 唤醒通道配置。type 为 memory 时仅单进程内生效。
type WakeupConfig struct {
	Type    string `mapstructure:"type"` // memory / redis
	Addr    string `mapstructure:"addr"`
	Channel string `mapstructure:"channel"`
}

// MonitoringConfig 可观测性配置
type MonitoringConfig struct {
	TracingEnabled bool   `mapstructure:"tracing_enabled"`
	OTLPEndpoint   string `mapstructure:"otlp_endpoint"`
	ServiceName    string `mapstructure:"service_name"`
}

// APIConfig 控制面进程配置
type APIConfig struct {
	Server     ServerConfig     `mapstructure:"server"`
	Store      StoreConfig      `mapstructure:"store"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Wakeup     WakeupConfig     `mapstructure:"wakeup"`
	Log        log.Config       `mapstructure:"log"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

// WorkerConfig 数据面进程配置
type WorkerConfig struct {
	Store      StoreConfig      `mapstructure:"store"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Wakeup     WakeupConfig     `mapstructure:"wakeup"`
	Log        log.Config       `mapstructure:"log"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
}

func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 运维侧约定的扁平环境变量名
	_ = v.BindEnv("engine.worker_id", "ENGINE_WORKER_ID")
	_ = v.BindEnv("engine.poll_interval_ms", "ENGINE_POLL_INTERVAL_MS")
	_ = v.BindEnv("engine.lease_ttl_ms", "ENGINE_LEASE_TTL_MS")
	_ = v.BindEnv("store.dsn", "STORE_DSN")
	_ = v.BindEnv("monitoring.otlp_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("store.type", "postgres")
	v.SetDefault("engine.poll_interval_ms", 500)
	v.SetDefault("engine.lease_ttl_ms", 30000)
	v.SetDefault("engine.claim_batch", 10)
	v.SetDefault("wakeup.type", "memory")
	v.SetDefault("wakeup.channel", "saga:wakeup")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("monitoring.service_name", "saga-orchestrator")

	if err := v.ReadInConfig(); err != nil {
		// 配置文件缺失时允许仅用环境变量 + 默认值
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return nil, err
		}
	}
	return v, nil
}

func applyFallbacks(engine *EngineConfig) {
	if engine.WorkerID == "" {
		host, _ := os.Hostname()
		engine.WorkerID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	if engine.PollIntervalMs <= 0 {
		engine.PollIntervalMs = 500
	}
	if engine.LeaseTTLMs <= 0 {
		engine.LeaseTTLMs = 30000
	}
	if engine.ClaimBatch <= 0 {
		engine.ClaimBatch = 10
	}
}

// LoadAPIConfig 加载 API 进程配置（默认 configs/api.yaml）
func LoadAPIConfig() (*APIConfig, error) {
	path := os.Getenv("API_CONFIG")
	if path == "" {
		path = "configs/api.yaml"
	}
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	var cfg APIConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	applyFallbacks(&cfg.Engine)
	return &cfg, nil
}

// LoadWorkerConfig 加载 worker 进程配置（默认 configs/worker.yaml）
func LoadWorkerConfig() (*WorkerConfig, error) {
	path := os.Getenv("WORKER_CONFIG")
	if path == "" {
		path = "configs/worker.yaml"
	}
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	var cfg WorkerConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	applyFallbacks(&cfg.Engine)
	return &cfg, nil
}
