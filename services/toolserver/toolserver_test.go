// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package toolserver

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AnalystToolkit/pkg/logging"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/apperr"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/config"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/datasource"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/gcs"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/ledger"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/observability"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const customersCSV = "id,city,amount\n1, Boston ,10\n2,,\n3,boston,30\n4,BOSTON,40\n"

// =============================================================================
// Test Setup
// =============================================================================

type testServer struct {
	svc   *Service
	token string
	dir   string
	csv   string
}

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.HistoryDir = filepath.Join(dir, "history")
	cfg.TemplateDir = filepath.Join(dir, "templates")
	cfg.ExportDir = filepath.Join(dir, "exports")
	cfg.JobStatePath = ""
	cfg.InMemoryState = true
	cfg.GinMode = "test"
	return cfg
}

func newTestServer(t *testing.T, mutate func(*config.Config), opts ...Option) *testServer {
	t.Helper()
	cfg := testConfig(t)
	if mutate != nil {
		mutate(&cfg)
	}
	opts = append([]Option{
		WithLogger(logging.Nop()),
		WithPrometheusRegistry(prometheus.NewRegistry()),
	}, opts...)

	svc, err := New(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, svc.Start(ctx))

	dir := filepath.Dir(cfg.HistoryDir)
	csv := filepath.Join(dir, "customers.csv")
	require.NoError(t, os.WriteFile(csv, []byte(customersCSV), 0o644))
	return &testServer{svc: svc, token: cfg.AuthToken, dir: dir, csv: csv}
}

func (s *testServer) do(method, path, token string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.svc.Router().ServeHTTP(w, req)
	return w
}

type rpcReply struct {
	ID     json.RawMessage `json:"id"`
	Result map[string]any  `json:"result"`
	Error  *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (s *testServer) callTool(t *testing.T, token, tool string, args map[string]any) (*httptest.ResponseRecorder, rpcReply) {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params":  map[string]any{"name": tool, "arguments": args},
	})
	require.NoError(t, err)
	w := s.do(http.MethodPost, "/rpc", token, body)
	var reply rpcReply
	if w.Code == http.StatusOK {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &reply))
	}
	return w, reply
}

func (s *testServer) snapshot(t *testing.T) observability.Snapshot {
	t.Helper()
	w := s.do(http.MethodGet, "/metrics", s.token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var snap observability.Snapshot
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &snap))
	return snap
}

// =============================================================================
// Construction
// =============================================================================

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.JobWorkers = 0
	_, err := New(context.Background(), cfg, WithLogger(logging.Nop()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "JobWorkers")
}

func TestNew_RegistersEveryTool(t *testing.T) {
	s := newTestServer(t, nil)
	names := s.svc.Registry().Names()
	assert.Contains(t, names, "auto_heal")
	assert.Contains(t, names, "get_job_status")
	assert.Contains(t, names, "evict_session")
	assert.Equal(t, "file", s.svc.Ledger().Backend().Name())
}

func TestNewLogger_Formats(t *testing.T) {
	cfg := config.Default()
	cfg.LogLevel = "bogus"
	assert.NotNil(t, NewLogger(cfg))

	on := true
	cfg.StructuredLogs = &on
	assert.NotNil(t, NewLogger(cfg))
}

// =============================================================================
// Ops Endpoints
// =============================================================================

func TestOpsEndpoints(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var health map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, "0.1.0", health["version"])
	assert.NotEmpty(t, health["tools"])
	assert.NotEmpty(t, w.Header().Get("X-Trace-Id"))

	w = s.do(http.MethodGet, "/ready", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ready"}`, w.Body.String())

	w = s.do(http.MethodGet, "/metrics/prometheus", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "analyst_state_sessions_active")
}

func TestReady_FailsWhenJobStoreClosed(t *testing.T) {
	s := newTestServer(t, nil)
	require.NoError(t, s.svc.jobsDB.Close())

	w := s.do(http.MethodGet, "/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "job_store")
}

// =============================================================================
// JSON-RPC
// =============================================================================

func TestRPC_Initialize(t *testing.T) {
	s := newTestServer(t, nil)
	w := s.do(http.MethodPost, "/rpc", "", []byte(`{"jsonrpc":"2.0","id":"a","method":"initialize"}`))
	require.Equal(t, http.StatusOK, w.Code)

	var reply rpcReply
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &reply))
	require.Nil(t, reply.Error)
	assert.Equal(t, "2024-05-01", reply.Result["protocolVersion"])
	info := reply.Result["serverInfo"].(map[string]any)
	assert.Equal(t, ServerName, info["name"])
}

func TestRPC_ConcurrentCallsOnDistinctSessions(t *testing.T) {
	s := newTestServer(t, nil)
	before := s.snapshot(t).RPC.RequestsTotal

	const n = 50
	sessions := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, reply := s.callTool(t, "", "diagnostics", map[string]any{
				"gcs_path": s.csv,
				"run_id":   fmt.Sprintf("run_%02d", i),
			})
			if assert.Nil(t, reply.Error) {
				sessions[i], _ = reply.Result["session_id"].(string)
			}
		}(i)
	}
	wg.Wait()

	seen := map[string]bool{}
	for _, sid := range sessions {
		require.NotEmpty(t, sid)
		seen[sid] = true
	}
	assert.Len(t, seen, n)
	assert.Equal(t, n, s.svc.Store().Len())

	snap := s.snapshot(t)
	assert.Equal(t, before+n, snap.RPC.RequestsTotal)
	assert.Equal(t, int64(n), snap.RPC.ByTool["diagnostics"])
	assert.Zero(t, snap.RPC.ErrorsTotal)

	runs, err := s.svc.Ledger().Runs(context.Background())
	require.NoError(t, err)
	assert.Len(t, runs, n)
}

func TestRPC_AuthRejectionIsCountedWithoutSideEffects(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.AuthToken = "s3cret" })

	w, _ := s.callTool(t, "wrong", "diagnostics", map[string]any{"gcs_path": s.csv, "run_id": "denied"})
	require.Equal(t, http.StatusUnauthorized, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	errObj := body["error"].(map[string]any)
	assert.EqualValues(t, -32001, errObj["code"])

	assert.Zero(t, s.svc.Store().Len())
	runs, err := s.svc.Ledger().Runs(context.Background())
	require.NoError(t, err)
	assert.Empty(t, runs)

	w = s.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), `"unauthorized"`)

	snap := s.snapshot(t)
	assert.Equal(t, int64(2), snap.RPC.ErrorsTotal)
	assert.Equal(t, int64(1), snap.RPC.ByMethod["POST /rpc"])

	_, reply := s.callTool(t, "s3cret", "diagnostics", map[string]any{"gcs_path": s.csv, "run_id": "allowed"})
	require.Nil(t, reply.Error)
	assert.Equal(t, "pass", reply.Result["status"])
}

func TestRPC_RateLimited(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) {
		c.RateLimitRPS = 0.001
		c.RateLimitBurst = 1
	})
	body := []byte(`{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)

	assert.Equal(t, http.StatusOK, s.do(http.MethodPost, "/rpc", "", body).Code)
	w := s.do(http.MethodPost, "/rpc", "", body)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "rate_limited")

	// Ops endpoints are not limited.
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/health", "", nil).Code)
}

func TestRPC_AutoHealEndToEnd(t *testing.T) {
	s := newTestServer(t, nil)

	_, reply := s.callTool(t, "", "auto_heal", map[string]any{"gcs_path": s.csv, "run_id": "heal_e2e"})
	require.Nil(t, reply.Error)
	assert.Equal(t, "auto_heal", reply.Result["module"])
	assert.Equal(t, "heal_e2e", reply.Result["run_id"])
	sid, _ := reply.Result["session_id"].(string)
	require.NotEmpty(t, sid)

	hist, err := s.svc.Ledger().Read(context.Background(), "heal_e2e", ledger.ReadOptions{})
	require.NoError(t, err)
	modules := make([]string, 0, len(hist.Entries))
	for _, e := range hist.Entries {
		modules = append(modules, e.Module)
	}
	assert.Equal(t, []string{"infer_configs", "normalization", "imputation", "auto_heal"}, modules)

	_, reply = s.callTool(t, "", "get_run_history", map[string]any{"run_id": "heal_e2e"})
	require.Nil(t, reply.Error)
	assert.NotEqual(t, "error", reply.Result["status"])
}

func TestRPC_AutoHealStopsOnMissingSession(t *testing.T) {
	s := newTestServer(t, nil)

	_, reply := s.callTool(t, "", "auto_heal", map[string]any{"session_id": "gone", "run_id": "heal_gone"})
	if reply.Error != nil {
		assert.Equal(t, -32602, reply.Error.Code)
	} else {
		assert.Equal(t, "error", reply.Result["status"])
	}
	assert.Zero(t, s.svc.Store().Len())
}

func TestRPC_UnknownToolCountedByTool(t *testing.T) {
	s := newTestServer(t, nil)
	_, reply := s.callTool(t, "", "nope", map[string]any{})
	require.NotNil(t, reply.Error)
	assert.Equal(t, -32601, reply.Error.Code)

	snap := s.snapshot(t)
	assert.Equal(t, int64(1), snap.RPC.ByTool["nope"])
	assert.Equal(t, int64(1), snap.RPC.ErrorsTotal)
}

// =============================================================================
// Storage Variants
// =============================================================================

func TestBadgerLedgerBackend(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.LedgerBackend = config.LedgerBadger })
	assert.Equal(t, "badger", s.svc.Ledger().Backend().Name())

	_, reply := s.callTool(t, "", "diagnostics", map[string]any{"gcs_path": s.csv, "run_id": "kv_run"})
	require.Nil(t, reply.Error)

	hist, err := s.svc.Ledger().Read(context.Background(), "kv_run", ledger.ReadOptions{})
	require.NoError(t, err)
	require.Len(t, hist.Entries, 1)
	assert.Equal(t, 1, hist.Entries[0].Seq)
}

func TestHistoryMirroredToBucket(t *testing.T) {
	store := gcs.NewMemoryStore()
	s := newTestServer(t, func(c *config.Config) {
		c.ReportBucket = "gs://reports"
		c.MirrorHistory = true
	}, WithObjectStore(store))

	_, reply := s.callTool(t, "", "diagnostics", map[string]any{"gcs_path": s.csv, "run_id": "mirrored"})
	require.Nil(t, reply.Error)

	objects, err := store.List(context.Background(), "reports", "")
	require.NoError(t, err)
	var found bool
	for _, o := range objects {
		if strings.Contains(o, "mirrored") {
			found = true
		}
	}
	assert.True(t, found, "history for run mirrored not uploaded: %v", objects)
}

// writeServiceAccount writes a service account key file with a freshly
// generated key. Building a client from it needs no network.
func writeServiceAccount(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)

	creds, err := json.Marshal(map[string]string{
		"type":           "service_account",
		"project_id":     "analyst-test",
		"private_key_id": "test-key",
		"private_key":    string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})),
		"client_email":   "analyst@analyst-test.iam.gserviceaccount.com",
		"client_id":      "1",
		"token_uri":      "https://oauth2.googleapis.com/token",
	})
	require.NoError(t, err)
	p := filepath.Join(t.TempDir(), "sa.json")
	require.NoError(t, os.WriteFile(p, creds, 0o600))
	return p
}

func TestNew_ConfiguredBucketWiresLoaderAndWriter(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) {
		c.ReportBucket = "gs://reports"
		c.GCPCredentials = writeServiceAccount(t)
		c.LoadTimeout = time.Second
	})

	_, isClient := s.svc.objects.(*gcs.Client)
	require.True(t, isClient, "expected a GCS client, got %T", s.svc.objects)
	assert.True(t, s.svc.exports.UploadsEnabled())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.svc.loader.Load(ctx, "gs://reports/data.csv")
	require.Error(t, err)
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.NotEqual(t, datasource.CodeGCSNotConfigured, e.Code)
}

func TestNew_NoBucketLeavesObjectStorageOff(t *testing.T) {
	s := newTestServer(t, nil)
	assert.Nil(t, s.svc.objects)
	assert.False(t, s.svc.exports.UploadsEnabled())

	_, err := s.svc.loader.Load(context.Background(), "gs://reports/data.csv")
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, datasource.CodeGCSNotConfigured, e.Code)
}

func TestClose_Idempotent(t *testing.T) {
	cfg := testConfig(t)
	svc, err := New(context.Background(), cfg, WithLogger(logging.Nop()), WithPrometheusRegistry(prometheus.NewRegistry()))
	require.NoError(t, err)
	require.NoError(t, svc.Close())
	assert.NoError(t, svc.Close())
}
