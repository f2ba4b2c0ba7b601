// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/AnalystToolkit/services/toolserver/observability"
)

// TraceHeader carries a caller-supplied trace id and echoes the one used.
const TraceHeader = "X-Trace-Id"

// Gin context keys.
const (
	traceIDKey      = "analyst_trace_id"
	requestStartKey = "analyst_request_start"
)

const maxTraceIDLen = 128

// TraceID assigns every request a trace id.
//
// # Description
//
// The id is taken from the X-Trace-Id header when it is well formed,
// otherwise from the active OpenTelemetry span (so otelgin must run
// first), otherwise a new uuid. It is stored in the gin context and
// echoed in the response header. The request start time is stored too so
// rejections can be measured.
func TraceID() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(requestStartKey, time.Now())
		id := c.GetHeader(TraceHeader)
		if !validTraceID(id) {
			id = observability.TraceID(c.Request.Context())
		}
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(traceIDKey, id)
		c.Header(TraceHeader, id)
		c.Next()
	}
}

// GetTraceID returns the request trace id, or "" before TraceID ran.
func GetTraceID(c *gin.Context) string {
	if v, ok := c.Get(traceIDKey); ok {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

// validTraceID accepts printable ASCII without spaces, bounded in length.
func validTraceID(id string) bool {
	if id == "" || len(id) > maxTraceIDLen {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] <= ' ' || id[i] > '~' {
			return false
		}
	}
	return true
}

// Elapsed returns the time since TraceID saw the request, or 0.
func Elapsed(c *gin.Context) time.Duration {
	if v, ok := c.Get(requestStartKey); ok {
		if start, ok := v.(time.Time); ok {
			return time.Since(start)
		}
	}
	return 0
}
