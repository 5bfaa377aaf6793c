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

package retrypolicy

import (
	"math"
	"testing"

	"saga-orchestrator/internal/workflow"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name          string
		timedOut      bool
		networkError  bool
		statusCode    int
		retryOn409    bool
		wantRetryable bool
		wantReason    string
	}{
		{"timeout wins over everything", true, true, 500, true, true, ReasonTimeout},
		{"network error", false, true, 0, false, true, ReasonNetworkError},
		{"network error wins over status", false, true, 400, false, true, ReasonNetworkError},
		{"500", false, false, 500, false, true, ReasonServerError},
		{"503", false, false, 503, false, true, ReasonServerError},
		{"409 with opt-in", false, false, 409, true, true, ReasonConflictRetry},
		{"409 without opt-in", false, false, 409, false, false, ReasonClientError},
		{"400", false, false, 400, false, false, ReasonClientError},
		{"404", false, false, 404, true, false, ReasonClientError},
		{"no signal at all", false, false, 0, false, false, ReasonUnknown},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := Classify(c.timedOut, c.networkError, c.statusCode, c.retryOn409)
			if got.Retryable != c.wantRetryable || got.Reason != c.wantReason {
				t.Errorf("Classify(%v,%v,%d,%v) = %+v, want {%v %s}",
					c.timedOut, c.networkError, c.statusCode, c.retryOn409,
					got, c.wantRetryable, c.wantReason)
			}
		})
	}
}

func TestComputeBackoffNoJitter(t *testing.T) {
	policy := workflow.RetryPolicy{
		InitialDelayMs: 1000,
		MaxDelayMs:     30000,
		Multiplier:     2.0,
		Jitter:         0,
	}

	cases := []struct {
		attemptNo int
		want      int
	}{
		{1, 1000},
		{2, 2000},
		{3, 4000},
		{5, 16000},
		{6, 30000}, // 32000 封顶
		{10, 30000},
		{0, 1000}, // attemptNo-1 下界为 0
	}
	for _, c := range cases {
		if got := ComputeBackoffMsWith(policy, c.attemptNo, 0.5); got != c.want {
			t.Errorf("attemptNo=%d: got %d, want %d", c.attemptNo, got, c.want)
		}
	}
}

func TestComputeBackoffJitterBounds(t *testing.T) {
	policy := workflow.RetryPolicy{
		InitialDelayMs: 1000,
		MaxDelayMs:     30000,
		Multiplier:     2.0,
		Jitter:         0.2,
	}

	for attemptNo := 1; attemptNo <= 8; attemptNo++ {
		base := 1000 * math.Pow(2, float64(attemptNo-1))
		bounded := math.Min(30000, base)
		lo := int(math.Floor(bounded * 0.8))
		hi := int(math.Floor(bounded * 1.2))
		for _, sample := range []float64{0, 0.25, 0.5, 0.75, 0.999999} {
			got := ComputeBackoffMsWith(policy, attemptNo, sample)
			if got < lo || got > hi {
				t.Errorf("attemptNo=%d sample=%v: %d outside [%d,%d]", attemptNo, sample, got, lo, hi)
			}
		}
		// sample=0 应当命中下界
		if got := ComputeBackoffMsWith(policy, attemptNo, 0); got != lo {
			t.Errorf("attemptNo=%d sample=0: got %d, want %d", attemptNo, got, lo)
		}
	}
}

func TestComputeBackoffNeverNegative(t *testing.T) {
	policy := workflow.RetryPolicy{
		InitialDelayMs: 0,
		MaxDelayMs:     0,
		Multiplier:     1,
		Jitter:         1,
	}
	if got := ComputeBackoffMsWith(policy, 3, 0); got != 0 {
		t.Errorf("got %d, want 0", got)
	}
}
