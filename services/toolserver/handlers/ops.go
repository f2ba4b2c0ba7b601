// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AnalystToolkit/pkg/logging"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/middleware"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/observability"
)

// DefaultReadyTimeout bounds all readiness checks together.
const DefaultReadyTimeout = 2 * time.Second

// Check is one readiness probe. A non-nil error makes the server not
// ready and its text becomes the reason.
type Check struct {
	Name string
	Fn   func(ctx context.Context) error
}

// ToolNamer lists registered tools for /health.
type ToolNamer interface {
	Names() []string
}

// Ops serves /health, /ready, /metrics and /metrics/prometheus.
//
// # Thread Safety
//
// Safe for concurrent use once constructed.
type Ops struct {
	Version    string
	Tools      ToolNamer
	Metrics    *observability.RuntimeMetrics
	Collectors *observability.Collectors
	Checks     []Check
	Logger     *logging.Logger

	// OnScrape runs before /metrics/prometheus is served, for gauges that
	// are sampled rather than updated on events.
	OnScrape func()

	ReadyTimeout time.Duration
}

// Health is the liveness probe. It never touches storage.
func (h *Ops) Health(c *gin.Context) {
	tools := []string{}
	if h.Tools != nil {
		tools = h.Tools.Names()
	}
	var uptime float64
	if h.Metrics != nil {
		uptime = h.Metrics.Uptime().Seconds()
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"version":    h.Version,
		"uptime_sec": int64(uptime),
		"tools":      tools,
	})
}

// Ready runs every check and answers 503 with the first failure.
func (h *Ops) Ready(c *gin.Context) {
	if h.Tools == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "reason": "tool registry not built"})
		return
	}
	timeout := h.ReadyTimeout
	if timeout <= 0 {
		timeout = DefaultReadyTimeout
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()

	for _, check := range h.Checks {
		if err := check.Fn(ctx); err != nil {
			if h.Logger != nil {
				h.Logger.Warn("readiness check failed", "check", check.Name, "error", err,
					"trace_id", middleware.GetTraceID(c))
			}
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "not_ready",
				"reason": check.Name + ": " + err.Error(),
			})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}

// MetricsJSON serves the runtime snapshot.
func (h *Ops) MetricsJSON(c *gin.Context) {
	if h.Metrics == nil {
		c.JSON(http.StatusOK, observability.Snapshot{})
		return
	}
	c.JSON(http.StatusOK, h.Metrics.Snapshot())
}

// Prometheus serves the collectors in exposition format.
func (h *Ops) Prometheus(c *gin.Context) {
	if h.Collectors == nil {
		c.Status(http.StatusNotFound)
		return
	}
	if h.OnScrape != nil {
		h.OnScrape()
	}
	h.Collectors.Handler().ServeHTTP(c.Writer, c.Request)
}

// Deny rejects an ops request with {"status": "unauthorized"} and counts
// it as a failed request.
func (h *Ops) Deny(c *gin.Context, status int) {
	if h.Metrics != nil {
		h.Metrics.Record(c.Request.Method+" "+c.FullPath(), "", middleware.Elapsed(c), false)
	}
	middleware.DenyStatus(c, status)
}
