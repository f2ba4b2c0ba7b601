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
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AnalystToolkit/services/toolserver/middleware"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/observability"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/registry"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/rpc"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeTools []string

func (f fakeTools) Names() []string { return f }

func newRouter(ops *Ops) *gin.Engine {
	r := gin.New()
	r.Use(middleware.TraceID())
	r.GET("/health", ops.Health)
	r.GET("/ready", ops.Ready)
	r.GET("/metrics", ops.MetricsJSON)
	r.GET("/metrics/prometheus", ops.Prometheus)
	return r
}

func get(r *gin.Engine, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestHealth(t *testing.T) {
	ops := &Ops{Version: "1.0.0", Tools: fakeTools{"diagnostics", "outliers"}, Metrics: observability.NewRuntimeMetrics()}
	w := get(newRouter(ops), "/health")
	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "1.0.0", body["version"])
	assert.Equal(t, []any{"diagnostics", "outliers"}, body["tools"])
	assert.Contains(t, body, "uptime_sec")
}

func TestReady(t *testing.T) {
	t.Run("no registry", func(t *testing.T) {
		w := get(newRouter(&Ops{}), "/ready")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Contains(t, w.Body.String(), "tool registry not built")
	})

	t.Run("all checks pass", func(t *testing.T) {
		ops := &Ops{Tools: fakeTools{}, Checks: []Check{{Name: "ok", Fn: func(context.Context) error { return nil }}}}
		w := get(newRouter(ops), "/ready")
		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"status":"ready"}`, w.Body.String())
	})

	t.Run("first failure wins", func(t *testing.T) {
		ops := &Ops{Tools: fakeTools{}, Checks: []Check{
			{Name: "ledger", Fn: func(context.Context) error { return errors.New("disk full") }},
			{Name: "never", Fn: func(context.Context) error { t.Fatal("ran after failure"); return nil }},
		}}
		w := get(newRouter(ops), "/ready")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.JSONEq(t, `{"status":"not_ready","reason":"ledger: disk full"}`, w.Body.String())
	})

	t.Run("bounded by timeout", func(t *testing.T) {
		ops := &Ops{Tools: fakeTools{}, ReadyTimeout: 10 * time.Millisecond, Checks: []Check{
			{Name: "slow", Fn: func(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }},
		}}
		w := get(newRouter(ops), "/ready")
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
		assert.Contains(t, w.Body.String(), "deadline")
	})
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collectors := observability.NewCollectors(reg)
	metrics := observability.NewRuntimeMetrics(observability.WithRecorders(collectors))
	metrics.Record("tools/call", "diagnostics", time.Millisecond, true)

	var scrapes int
	ops := &Ops{Tools: fakeTools{}, Metrics: metrics, Collectors: collectors, OnScrape: func() {
		scrapes++
		collectors.SetActiveSessions(3)
	}}
	r := newRouter(ops)

	w := get(r, "/metrics")
	require.Equal(t, http.StatusOK, w.Code)
	var snap observability.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	assert.Equal(t, int64(1), snap.RPC.RequestsTotal)
	assert.Equal(t, int64(1), snap.RPC.ByTool["diagnostics"])

	w = get(r, "/metrics/prometheus")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, scrapes)
	assert.Contains(t, w.Body.String(), "analyst_state_sessions_active 3")

	assert.Equal(t, http.StatusNotFound, get(newRouter(&Ops{}), "/metrics/prometheus").Code)
}

func TestDeny_CountsRejection(t *testing.T) {
	metrics := observability.NewRuntimeMetrics()
	verifier := middleware.NewTokenVerifier("secret")

	d := rpc.NewDispatcher(emptyTools{}, rpc.ServerInfo{Name: "t"})
	h := NewRPC(d, metrics)
	ops := &Ops{Tools: fakeTools{}, Metrics: metrics}

	r := gin.New()
	r.Use(middleware.TraceID())
	r.GET("/health", middleware.AuthMiddleware(verifier, ops.Deny), ops.Health)
	r.POST("/rpc", middleware.AuthMiddleware(verifier, h.Deny), h.Handle)

	w := get(r, "/health")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), `"unauthorized"`)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/rpc", strings.NewReader(`{}`)))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.EqualValues(t, rpc.CodeUnauthorized, body["error"].(map[string]any)["code"])

	snap := metrics.Snapshot()
	assert.Equal(t, int64(2), snap.RPC.ErrorsTotal)
	assert.Equal(t, int64(1), snap.RPC.ByMethod["GET /health"])
	assert.Equal(t, int64(1), snap.RPC.ByMethod["POST /rpc"])
}

func TestRPCHandle_OversizedBodyIsParseError(t *testing.T) {
	d := rpc.NewDispatcher(emptyTools{}, rpc.ServerInfo{Name: "t"})
	h := NewRPC(d, nil)
	h.maxBody = 16

	r := gin.New()
	r.Use(middleware.TraceID())
	r.POST("/rpc", h.Handle)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/rpc",
		strings.NewReader(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`)))
	require.Equal(t, http.StatusOK, w.Code)
	var resp rpc.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeParseError, resp.Error.Code)
}

type emptyTools struct{}

func (emptyTools) Lookup(string) (registry.Tool, bool) { return registry.Tool{}, false }
func (emptyTools) List() []registry.Descriptor { return nil }
func (emptyTools) Invoke(context.Context, registry.Call) (*registry.Result, error) {
	return nil, errors.New("no tools")
}
