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

// Package metrics 编排引擎的 Prometheus 指标。
// 使用私有注册表，避免与引入方的默认注册表冲突。
package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// DefaultRegistry 引擎指标的私有注册表
var DefaultRegistry = prometheus.NewRegistry()

var (
	// OutboxBacklog 待处理 outbox 行数（status=PENDING 且到期）
	OutboxBacklog = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "saga_outbox_backlog",
		Help: "Number of pending outbox messages ready for dispatch",
	})

	// OutboxOldestPendingSeconds 最老待处理消息的滞留时间
	OutboxOldestPendingSeconds = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "saga_outbox_oldest_pending_seconds",
		Help: "Age in seconds of the oldest pending outbox message",
	})

	// OutboxClaimTotal 轮询结果计数，claimed=true 表示抢到消息
	OutboxClaimTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_outbox_claim_total",
		Help: "Outbox claim attempts by outcome",
	}, []string{"claimed"})

	// StepAttemptDuration 单次动作执行耗时，按 attempt_type 区分
	StepAttemptDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "saga_step_attempt_duration_seconds",
		Help:    "Duration of step action and compensation HTTP calls",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"attempt_type"})

	// RunTotal Run 到达终态的计数
	RunTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_run_total",
		Help: "Runs reaching a terminal status",
	}, []string{"status"})

	// LeaseReclaimTotal 过期租约被回收的次数
	LeaseReclaimTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "saga_lease_reclaim_total",
		Help: "Expired in-flight leases reclaimed by a poller",
	})
)

func init() {
	DefaultRegistry.MustRegister(
		OutboxBacklog,
		OutboxOldestPendingSeconds,
		OutboxClaimTotal,
		StepAttemptDuration,
		RunTotal,
		LeaseReclaimTotal,
	)
}

// WritePrometheus 以文本曝露格式输出全部指标，/metrics 端点调用
func WritePrometheus(w io.Writer) error {
	mfs, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range mfs {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
