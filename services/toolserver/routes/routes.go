// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AnalystToolkit/services/toolserver/handlers"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/middleware"
)

// Handlers bundles what SetupRoutes mounts.
type Handlers struct {
	RPC *handlers.RPC
	Ops *handlers.Ops

	// Verifier is nil when no auth token is configured.
	Verifier *middleware.TokenVerifier

	// Limiter is nil when rate limiting is off. It only guards /rpc.
	Limiter *rate.Limiter
}

// SetupRoutes mounts the JSON-RPC endpoint and the ops endpoints.
//
// Tracing middleware such as otelgin must be added to router before this
// call so the trace id middleware can reuse the span's trace id.
func SetupRoutes(router *gin.Engine, h Handlers) {
	router.Use(middleware.TraceID())

	ops := router.Group("", middleware.AuthMiddleware(h.Verifier, h.Ops.Deny))
	{
		ops.GET("/health", h.Ops.Health)
		ops.GET("/ready", h.Ops.Ready)
		ops.GET("/metrics", h.Ops.MetricsJSON)
		ops.GET("/metrics/prometheus", h.Ops.Prometheus)
	}

	rpcGroup := router.Group("",
		middleware.AuthMiddleware(h.Verifier, h.RPC.Deny),
		middleware.RateLimit(h.Limiter, h.RPC.Deny),
	)
	{
		rpcGroup.POST("/rpc", h.RPC.Handle)
	}
}
