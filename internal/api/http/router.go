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
	"github.com/cloudwego/hertz/pkg/route"
)

// RegisterRoutes 注册控制面路由
func RegisterRoutes(r *route.Engine, h *Handler) {
	r.GET("/health", h.HealthCheck)
	r.GET("/metrics", h.Metrics)

	v1 := r.Group("/v1")
	{
		v1.PUT("/workflows", h.RegisterWorkflow)
		v1.POST("/workflows/:name/start", h.StartRun)

		runs := v1.Group("/runs")
		{
			runs.GET("", h.ListRuns)
			runs.GET("/:runId", h.GetRun)
			runs.GET("/:runId/attempts", h.ListAttempts)
			runs.POST("/:runId/steps/:stepId/retry", h.RetryStep)
			runs.POST("/:runId/cancel", h.CancelRun)
		}
	}
}
