// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers holds the gin handlers of the tool server: the JSON-RPC
// endpoint and the operability endpoints.
package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AnalystToolkit/services/toolserver/middleware"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/observability"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/rpc"
)

// DefaultMaxBodyBytes bounds a JSON-RPC request body.
const DefaultMaxBodyBytes = 8 << 20

// RPC serves POST /rpc.
type RPC struct {
	dispatcher *rpc.Dispatcher
	metrics    *observability.RuntimeMetrics
	maxBody    int64
}

// NewRPC creates the handler. metrics may be nil; it is only used to
// count rejected requests, since the dispatcher measures the rest.
func NewRPC(d *rpc.Dispatcher, metrics *observability.RuntimeMetrics) *RPC {
	return &RPC{dispatcher: d, metrics: metrics, maxBody: DefaultMaxBodyBytes}
}

// Handle reads the body and answers with the dispatcher's response.
// JSON-RPC errors travel with HTTP 200.
func (h *RPC) Handle(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, h.maxBody+1))
	if err != nil || int64(len(body)) > h.maxBody {
		// An unreadable or oversized body is handed on as invalid JSON so it
		// is measured and logged like any other parse error.
		body = nil
	}
	resp := h.dispatcher.Handle(c.Request.Context(), body, middleware.GetTraceID(c))
	c.JSON(http.StatusOK, resp)
}

// Deny rejects an /rpc request with a JSON-RPC shaped body and counts it
// as a failed request.
func (h *RPC) Deny(c *gin.Context, status int) {
	if h.metrics != nil {
		h.metrics.Record(c.Request.Method+" "+c.FullPath(), "", middleware.Elapsed(c), false)
	}
	traceID := middleware.GetTraceID(c)
	body := rpc.Unauthorized(traceID)
	if status == http.StatusTooManyRequests {
		body = rpc.RateLimited(traceID)
	}
	c.AbortWithStatusJSON(status, body)
}
