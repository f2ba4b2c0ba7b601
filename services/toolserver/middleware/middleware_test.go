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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Test Setup
// =============================================================================

func init() {
	gin.SetMode(gin.TestMode)
}

func newEngine(handlers ...gin.HandlerFunc) (*gin.Engine, *int) {
	hits := 0
	r := gin.New()
	r.Use(handlers...)
	r.GET("/health", func(c *gin.Context) {
		hits++
		c.JSON(http.StatusOK, gin.H{"status": "ok", "trace_id": GetTraceID(c)})
	})
	return r, &hits
}

func get(r http.Handler, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func body(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

// =============================================================================
// extractBearerToken Tests
// =============================================================================

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
	}{
		{"valid", "Bearer abc123", "abc123"},
		{"case insensitive scheme", "bearer ABC123", "ABC123"},
		{"trimmed", "Bearer   abc123  ", "abc123"},
		{"missing", "", ""},
		{"no scheme", "abc123", ""},
		{"basic auth", "Basic abc123", ""},
		{"empty bearer", "Bearer ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := gin.CreateTestContext(httptest.NewRecorder())
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				c.Request.Header.Set("Authorization", tt.header)
			}
			assert.Equal(t, tt.want, extractBearerToken(c))
		})
	}
}

// =============================================================================
// TokenVerifier Tests
// =============================================================================

func TestTokenVerifier(t *testing.T) {
	assert.Nil(t, NewTokenVerifier(""))
	var disabled *TokenVerifier
	assert.False(t, disabled.Enabled())
	assert.True(t, disabled.Verify("anything"))

	v := NewTokenVerifier("test-token")
	require.True(t, v.Enabled())
	assert.True(t, v.Verify("test-token"))
	assert.True(t, v.Verify("test-token"), "enclave must be reusable")
	assert.False(t, v.Verify("test-toke"))
	assert.False(t, v.Verify("test-token-2"))
	assert.False(t, v.Verify(""))
}

// =============================================================================
// AuthMiddleware Tests
// =============================================================================

func TestAuthMiddleware_Disabled(t *testing.T) {
	r, hits := newEngine(TraceID(), AuthMiddleware(NewTokenVerifier(""), nil))
	w := get(r, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, *hits)
}

func TestAuthMiddleware_RejectsWithDefaultBody(t *testing.T) {
	r, hits := newEngine(TraceID(), AuthMiddleware(NewTokenVerifier("test-token"), nil))

	w := get(r, map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	out := body(t, w)
	assert.Equal(t, "unauthorized", out["status"])
	assert.NotEmpty(t, out["trace_id"])
	assert.Zero(t, *hits)

	w = get(r, map[string]string{"Authorization": "Bearer test-token"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, *hits)
}

func TestAuthMiddleware_CustomDeny(t *testing.T) {
	denied := 0
	deny := func(c *gin.Context, status int) {
		denied++
		c.String(status, "nope")
	}
	r, hits := newEngine(AuthMiddleware(NewTokenVerifier("test-token"), deny))

	w := get(r, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "nope", w.Body.String())
	assert.Equal(t, 1, denied)
	assert.Zero(t, *hits, "deny that forgets to abort must still stop the chain")
}

// =============================================================================
// TraceID Tests
// =============================================================================

func TestTraceID(t *testing.T) {
	r, _ := newEngine(TraceID())

	w := get(r, map[string]string{TraceHeader: "caller-trace-1"})
	assert.Equal(t, "caller-trace-1", w.Header().Get(TraceHeader))
	assert.Equal(t, "caller-trace-1", body(t, w)["trace_id"])

	w = get(r, nil)
	generated := w.Header().Get(TraceHeader)
	assert.Len(t, generated, 36)
	assert.Equal(t, generated, body(t, w)["trace_id"])

	w = get(r, map[string]string{TraceHeader: "has space"})
	assert.NotEqual(t, "has space", w.Header().Get(TraceHeader))

	w = get(r, map[string]string{TraceHeader: strings.Repeat("a", maxTraceIDLen+1)})
	assert.Len(t, w.Header().Get(TraceHeader), 36)
}

// =============================================================================
// RateLimit Tests
// =============================================================================

func TestNewLimiter(t *testing.T) {
	assert.Nil(t, NewLimiter(0, 5))
	l := NewLimiter(2.5, 0)
	require.NotNil(t, l)
	assert.Equal(t, 3, l.Burst())
}

func TestRateLimit(t *testing.T) {
	r, hits := newEngine(TraceID(), RateLimit(NewLimiter(0.001, 2), nil))

	assert.Equal(t, http.StatusOK, get(r, nil).Code)
	assert.Equal(t, http.StatusOK, get(r, nil).Code)
	w := get(r, nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "rate_limited", body(t, w)["status"])
	assert.Equal(t, 2, *hits)
}

func TestRateLimit_NilLimiter(t *testing.T) {
	r, hits := newEngine(RateLimit(nil, nil))
	for i := 0; i < 10; i++ {
		get(r, nil)
	}
	assert.Equal(t, 10, *hits)
}
