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

package http

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/cloudwego/hertz/pkg/common/config"
	"github.com/cloudwego/hertz/pkg/common/ut"
	"github.com/cloudwego/hertz/pkg/route"

	"saga-orchestrator/internal/workflow"
	"saga-orchestrator/internal/workflow/intake"
	"saga-orchestrator/internal/workflow/store"
	"saga-orchestrator/internal/workflow/wakeup"
	"saga-orchestrator/pkg/log"
)

func newTestRouter() (*route.Engine, *store.MemStore) {
	s := store.NewMemStore()
	in := intake.New(s, wakeup.NewMemQueue(), log.Default())
	r := route.NewEngine(config.NewOptions(nil))
	RegisterRoutes(r, NewHandler(in, log.Default()))
	return r, s
}

func definitionJSON() string {
	return `{
		"name": "order-processing",
		"version": "1.0.0",
		"steps": [
			{
				"stepId": "charge-payment",
				"action": {"method": "POST", "url": "http://pay/charge", "timeoutMs": 1000},
				"retry": {"maxAttempts": 3, "initialDelayMs": 100, "maxDelayMs": 1000, "multiplier": 2, "jitter": 0.2},
				"onFailure": "compensate"
			}
		]
	}`
}

func register(t *testing.T, r *route.Engine) {
	t.Helper()
	w := ut.PerformRequest(r, "PUT", "/v1/workflows",
		&ut.Body{Body: strings.NewReader(definitionJSON()), Len: len(definitionJSON())},
		ut.Header{Key: "Content-Type", Value: "application/json"})
	if w.Code != 200 {
		t.Fatalf("register: code=%d body=%s", w.Code, w.Body.String())
	}
}

func TestRegisterWorkflow(t *testing.T) {
	r, _ := newTestRouter()
	register(t, r)

	// 校验失败 → 400
	bad := `{"name": "x", "version": "1", "steps": []}`
	w := ut.PerformRequest(r, "PUT", "/v1/workflows",
		&ut.Body{Body: strings.NewReader(bad), Len: len(bad)},
		ut.Header{Key: "Content-Type", Value: "application/json"})
	if w.Code != 400 {
		t.Errorf("code = %d", w.Code)
	}
}

func TestStartRun(t *testing.T) {
	r, _ := newTestRouter()
	register(t, r)

	body := `{"input": {"orderId": "o1"}}`
	w := ut.PerformRequest(r, "POST", "/v1/workflows/order-processing/start",
		&ut.Body{Body: strings.NewReader(body), Len: len(body)},
		ut.Header{Key: "Content-Type", Value: "application/json"})
	if w.Code != 202 {
		t.Fatalf("code=%d body=%s", w.Code, w.Body.String())
	}
	var resp map[string]string
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["runId"] == "" || resp["status"] != "PENDING" {
		t.Errorf("resp = %v", resp)
	}

	// 未注册的工作流 → 404
	w = ut.PerformRequest(r, "POST", "/v1/workflows/missing/start",
		&ut.Body{Body: strings.NewReader(body), Len: len(body)},
		ut.Header{Key: "Content-Type", Value: "application/json"})
	if w.Code != 404 {
		t.Errorf("code = %d", w.Code)
	}
}

func TestGetRun(t *testing.T) {
	r, s := newTestRouter()
	register(t, r)

	def, _ := s.GetDefinition(context.Background(), "order-processing", "")
	run, _ := s.StartRun(context.Background(), def, map[string]interface{}{"orderId": "o1"}, nil)

	w := ut.PerformRequest(r, "GET", "/v1/runs/"+run.ID, nil)
	if w.Code != 200 {
		t.Fatalf("code=%d body=%s", w.Code, w.Body.String())
	}
	var resp struct {
		Run   workflow.Run       `json:"run"`
		Steps []workflow.RunStep `json:"steps"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Run.ID != run.ID || len(resp.Steps) != 1 {
		t.Errorf("resp = %+v", resp)
	}

	if w := ut.PerformRequest(r, "GET", "/v1/runs/unknown", nil); w.Code != 404 {
		t.Errorf("code = %d", w.Code)
	}
}

func TestListRuns(t *testing.T) {
	r, s := newTestRouter()
	register(t, r)

	def, _ := s.GetDefinition(context.Background(), "order-processing", "")
	_, _ = s.StartRun(context.Background(), def, nil, nil)
	_, _ = s.StartRun(context.Background(), def, nil, nil)

	w := ut.PerformRequest(r, "GET", "/v1/runs", nil)
	if w.Code != 200 {
		t.Fatalf("code=%d body=%s", w.Code, w.Body.String())
	}
	var resp struct {
		Runs  []workflow.Run `json:"runs"`
		Total int            `json:"total"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Total != 2 || len(resp.Runs) != 2 {
		t.Errorf("resp = %+v", resp)
	}

	w = ut.PerformRequest(r, "GET", "/v1/runs?status=COMPLETED", nil)
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if w.Code != 200 || resp.Total != 0 {
		t.Errorf("filtered: code=%d total=%d", w.Code, resp.Total)
	}

	if w := ut.PerformRequest(r, "GET", "/v1/runs?limit=abc", nil); w.Code != 400 {
		t.Errorf("bad limit code = %d", w.Code)
	}
}

func TestRetryAndCancel(t *testing.T) {
	r, s := newTestRouter()
	register(t, r)

	def, _ := s.GetDefinition(context.Background(), "order-processing", "")
	run, _ := s.StartRun(context.Background(), def, nil, nil)

	w := ut.PerformRequest(r, "POST", "/v1/runs/"+run.ID+"/steps/charge-payment/retry", nil)
	if w.Code != 202 {
		t.Errorf("retry code = %d", w.Code)
	}
	w = ut.PerformRequest(r, "POST", "/v1/runs/"+run.ID+"/steps/ghost/retry", nil)
	if w.Code != 404 {
		t.Errorf("retry ghost code = %d", w.Code)
	}

	w = ut.PerformRequest(r, "POST", "/v1/runs/"+run.ID+"/cancel", nil)
	if w.Code != 202 {
		t.Fatalf("cancel code = %d", w.Code)
	}
	var resp map[string]string
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["status"] != "CANCELLED" {
		t.Errorf("status = %s", resp["status"])
	}

	// 终态 Run 再取消 → 409
	w = ut.PerformRequest(r, "POST", "/v1/runs/"+run.ID+"/cancel", nil)
	_ = w
	// CANCELLED 不在终态拒绝集合（COMPLETED/COMPENSATED）内，重复取消幂等返回 202
	if w.Code != 202 {
		t.Errorf("repeat cancel code = %d", w.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	r, _ := newTestRouter()

	if w := ut.PerformRequest(r, "GET", "/health", nil); w.Code != 200 {
		t.Errorf("health code = %d", w.Code)
	}
	w := ut.PerformRequest(r, "GET", "/metrics", nil)
	if w.Code != 200 {
		t.Errorf("metrics code = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "saga_outbox_backlog") {
		t.Error("metrics output missing saga_outbox_backlog")
	}
}
