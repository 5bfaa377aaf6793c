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

// Package retrypolicy 失败分类与退避计算。
// 分类规则按顺序匹配，首个命中生效；退避为指数增长、封顶、对称抖动。
package retrypolicy

import (
	"math"
	"math/rand"

	"saga-orchestrator/internal/workflow"
)

// 分类原因
const (
	ReasonTimeout       = "timeout"
	ReasonNetworkError  = "network_error"
	ReasonServerError   = "server_error"
	ReasonConflictRetry = "conflict_retry_enabled"
	ReasonClientError   = "client_error"
	ReasonUnknown       = "unknown"
)

// Decision 分类结果
type Decision struct {
	Retryable bool
	Reason    string
}

// Classify 判定一次失败是否瞬态。statusCode 为 0 表示无 HTTP 响应。
func Classify(timedOut, networkError bool, statusCode int, retryOn409 bool) Decision {
	switch {
	case timedOut:
		return Decision{Retryable: true, Reason: ReasonTimeout}
	case networkError:
		return Decision{Retryable: true, Reason: ReasonNetworkError}
	case statusCode >= 500:
		return Decision{Retryable: true, Reason: ReasonServerError}
	case statusCode == 409 && retryOn409:
		return Decision{Retryable: true, Reason: ReasonConflictRetry}
	case statusCode > 0:
		return Decision{Retryable: false, Reason: ReasonClientError}
	default:
		return Decision{Retryable: false, Reason: ReasonUnknown}
	}
}

// ComputeBackoffMs 第 attemptNo 次失败后的退避毫秒数，随机源为 math/rand
func ComputeBackoffMs(policy workflow.RetryPolicy, attemptNo int) int {
	return ComputeBackoffMsWith(policy, attemptNo, rand.Float64())
}

// ComputeBackoffMsWith 纯函数退避计算，sample ∈ [0,1) 由调用方给出。
// base = initialDelayMs * multiplier^max(0, attemptNo-1)，封顶于 maxDelayMs；
// jitter > 0 时落在 [bounded*(1-jitter), bounded*(1+jitter)) 区间。
func ComputeBackoffMsWith(policy workflow.RetryPolicy, attemptNo int, sample float64) int {
	exp := float64(attemptNo - 1)
	if exp < 0 {
		exp = 0
	}
	base := float64(policy.InitialDelayMs) * math.Pow(policy.Multiplier, exp)
	bounded := math.Min(float64(policy.MaxDelayMs), base)
	if policy.Jitter <= 0 {
		return int(math.Floor(bounded))
	}
	jittered := bounded * (1 - policy.Jitter + sample*2*policy.Jitter)
	if jittered < 0 {
		return 0
	}
	return int(math.Floor(jittered))
}
