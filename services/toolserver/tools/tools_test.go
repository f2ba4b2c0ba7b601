// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AnalystToolkit/services/toolserver/apperr"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/artifacts"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/datasource"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/jobs"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/ledger"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/registry"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/state"
	kv "github.com/AleutianAI/AnalystToolkit/services/toolserver/storage/badger"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/templates"
)

const customersCSV = "id,city,amount\n1, Boston ,10\n2,,\n3,boston,30\n3,boston,30\n"

type harness struct {
	deps *Deps
	reg  *registry.Registry
	dir  string
}

type harnessOption func(*Deps)

func withLedger(l *ledger.Ledger) harnessOption {
	return func(d *Deps) { d.Ledger = l }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	dir := t.TempDir()

	tplDir := filepath.Join(dir, "templates")
	require.NoError(t, os.MkdirAll(tplDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(tplDir, "fraud.yaml"),
		[]byte("validation:\n  rules:\n    expected_columns: [id, amount]\n"), 0o644))
	catalog, err := templates.NewCatalog(tplDir)
	require.NoError(t, err)

	db, err := kv.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	d := &Deps{
		Store:           state.NewStore(time.Hour),
		Ledger:          ledger.New(ledger.NewFileBackend(filepath.Join(dir, "history"), nil, nil)),
		Loader:          datasource.NewLoader(time.Second),
		Artifacts:       artifacts.NewWriter(filepath.Join(dir, "exports")),
		Templates:       catalog,
		Jobs:            jobs.NewStore(db),
		RunHistoryLimit: 2,
	}
	for _, opt := range opts {
		opt(d)
	}

	b := registry.NewBuilder()
	Register(b, d)
	reg, err := b.Build()
	require.NoError(t, err)
	return &harness{deps: d, reg: reg, dir: dir}
}

func (h *harness) csv(t *testing.T, name, content string) string {
	t.Helper()
	p := filepath.Join(h.dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func (h *harness) call(t *testing.T, name string, args map[string]any) *registry.Result {
	t.Helper()
	res, err := h.invoke(name, args)
	require.NoError(t, err)
	return res
}

func (h *harness) invoke(name string, args map[string]any) (*registry.Result, error) {
	return h.reg.Invoke(context.Background(), registry.Call{Name: name, Arguments: args, TraceID: "trace-test"})
}

func (h *harness) history(t *testing.T, runID string) []ledger.Entry {
	t.Helper()
	hist, err := h.deps.Ledger.Read(context.Background(), runID, ledger.ReadOptions{})
	require.NoError(t, err)
	return hist.Entries
}

func TestRegister_AllTools(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, []string{
		NameDiagnostics, NameValidation, NameOutliers, NameNormalization, NameDuplicates,
		NameImputation, NameFinalAudit, NameInferConfigs, NameDrift,
		NameRunHistory, NameHealthReport, NameGoldenTemplates, NameConfigSchema, NamePreflight,
		NameJobStatus, NameListJobs, NameListSessions, NameEvictSession,
	}, h.reg.Names())
}

func TestPathInput_CreatesSessionAndRecords(t *testing.T) {
	h := newHarness(t)
	path := h.csv(t, "customers.csv", customersCSV)

	res := h.call(t, NameDiagnostics, map[string]any{"gcs_path": path, "run_id": "run_a"})
	assert.NotEmpty(t, res.SessionID)
	assert.Equal(t, "run_a", res.RunID)
	assert.Equal(t, "trace-test", res.TraceID)
	assert.Equal(t, 4, res.Summary["row_count"])
	assert.Equal(t, 1, res.Extra["seq"])
	assert.Equal(t, 1, h.deps.Store.Len())

	entries := h.history(t, "run_a")
	require.Len(t, entries, 1)
	assert.Equal(t, NameDiagnostics, entries[0].Module)
	assert.Empty(t, entries[0].InputSessionID)
	assert.Equal(t, res.SessionID, entries[0].SessionID)
	assert.Equal(t, "trace-test", entries[0].TraceID)
}

func TestSessionChain_MutatesInPlaceInLedgerOrder(t *testing.T) {
	h := newHarness(t)
	path := h.csv(t, "customers.csv", customersCSV)

	first := h.call(t, NameDiagnostics, map[string]any{"gcs_path": path, "run_id": "run_b"})
	sid := first.SessionID

	norm := h.call(t, NameNormalization, map[string]any{
		"session_id": sid,
		"run_id":     "run_b",
		"config":     map[string]any{"rules": map[string]any{"standardize_text_columns": []any{"city"}}},
	})
	assert.Equal(t, sid, norm.SessionID)

	dedup := h.call(t, NameDuplicates, map[string]any{
		"session_id": sid,
		"run_id":     "run_b",
		"config":     map[string]any{"mode": "remove"},
	})
	assert.Equal(t, sid, dedup.SessionID)

	snap, err := h.deps.Store.Get(context.Background(), sid)
	require.NoError(t, err)
	assert.Equal(t, 3, snap.Frame.NumRows())
	city, ok := snap.Frame.Column("city")
	require.True(t, ok)
	assert.Equal(t, "boston", city.Strs[0])
	assert.Equal(t, "run_b", snap.Meta.RunID)

	entries := h.history(t, "run_b")
	require.Len(t, entries, 3)
	for i, want := range []string{NameDiagnostics, NameNormalization, NameDuplicates} {
		assert.Equal(t, want, entries[i].Module)
		assert.Equal(t, i+1, entries[i].Seq)
	}
	assert.Equal(t, sid, entries[1].InputSessionID)
	assert.Equal(t, sid, entries[2].InputSessionID)
}

func TestInspectOnSession_LeavesSnapshot(t *testing.T) {
	h := newHarness(t)
	path := h.csv(t, "customers.csv", customersCSV)
	sid := h.call(t, NameDiagnostics, map[string]any{"gcs_path": path}).SessionID

	before, err := h.deps.Store.Get(context.Background(), sid)
	require.NoError(t, err)

	res := h.call(t, NameOutliers, map[string]any{"session_id": sid, "config": map[string]any{"method": "iqr"}})
	assert.Equal(t, sid, res.SessionID)

	after, err := h.deps.Store.Get(context.Background(), sid)
	require.NoError(t, err)
	assert.Same(t, before.Frame, after.Frame)
}

func TestTransformFailure_RecordsErrorWithoutMutation(t *testing.T) {
	h := newHarness(t)
	path := h.csv(t, "customers.csv", customersCSV)
	sid := h.call(t, NameDiagnostics, map[string]any{"gcs_path": path, "run_id": "run_c"}).SessionID
	before, err := h.deps.Store.Get(context.Background(), sid)
	require.NoError(t, err)

	res := h.call(t, NameImputation, map[string]any{
		"session_id": sid,
		"run_id":     "run_c",
		"config":     map[string]any{"rules": map[string]any{"strategies": map[string]any{"city": map[string]any{"strategy": "mean"}}}},
	})
	assert.Equal(t, ledger.StatusError, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, "non_numeric_column", res.Error.Code)
	assert.Equal(t, "trace-test", res.Error.TraceID)

	after, err := h.deps.Store.Get(context.Background(), sid)
	require.NoError(t, err)
	assert.Same(t, before.Frame, after.Frame)

	entries := h.history(t, "run_c")
	require.Len(t, entries, 2)
	assert.Equal(t, ledger.StatusError, entries[1].Status)
	assert.NotEmpty(t, entries[1].Error)
}

func TestStrictFailure_KeepsPreviousFrame(t *testing.T) {
	h := newHarness(t)
	path := h.csv(t, "mixed.csv", "code\nA1\n22\n")
	sid := h.call(t, NameDiagnostics, map[string]any{"gcs_path": path}).SessionID
	before, err := h.deps.Store.Get(context.Background(), sid)
	require.NoError(t, err)

	res := h.call(t, NameNormalization, map[string]any{
		"session_id": sid,
		"config":     map[string]any{"strict": true, "rules": map[string]any{"coerce_numeric": []any{"code"}}},
	})
	assert.Equal(t, ledger.StatusFail, res.Status)

	after, err := h.deps.Store.Get(context.Background(), sid)
	require.NoError(t, err)
	assert.True(t, before.Frame.Equal(after.Frame))
}

func TestProtocolErrors_HaveNoSideEffects(t *testing.T) {
	h := newHarness(t)

	_, err := h.invoke(NameDiagnostics, map[string]any{"session_id": "missing", "run_id": "run_d"})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	_, err = h.invoke(NameDiagnostics, map[string]any{"gcs_path": filepath.Join(h.dir, "nope.csv"), "run_id": "run_d"})
	assert.True(t, apperr.Is(err, apperr.KindNotFound))

	_, err = h.invoke(NameDiagnostics, map[string]any{"gcs_path": "x.csv", "run_id": "../escape"})
	assert.True(t, apperr.Is(err, apperr.KindInvalidParams))

	_, err = h.invoke(NameDiagnostics, map[string]any{})
	assert.True(t, apperr.Is(err, apperr.KindInvalidParams))

	assert.Empty(t, h.history(t, "run_d"))
	assert.Zero(t, h.deps.Store.Len())
}

type brokenBackend struct{ ledger.Backend }

func (brokenBackend) Persist(context.Context, string, []ledger.Entry) error {
	return errors.New("disk full")
}

func TestLedgerFailure_KeepsSessionAndReportsError(t *testing.T) {
	broken := ledger.New(brokenBackend{ledger.NewFileBackend(t.TempDir(), nil, nil)},
		ledger.WithRetryPolicy(ledger.RetryPolicy{Attempts: 1}))
	h := newHarness(t, withLedger(broken))
	path := h.csv(t, "customers.csv", customersCSV)

	res := h.call(t, NameNormalization, map[string]any{"gcs_path": path, "run_id": "run_e"})
	assert.Equal(t, ledger.StatusError, res.Status)
	assert.NotEmpty(t, res.SessionID)
	require.NotNil(t, res.Error)
	assert.Equal(t, "ledger_persist_failed", res.Error.Code)
	assert.Equal(t, 1, h.deps.Store.Len())
}

func TestExport_WritesArtifacts(t *testing.T) {
	h := newHarness(t)
	path := h.csv(t, "customers.csv", customersCSV)

	res := h.call(t, NameDuplicates, map[string]any{"gcs_path": path, "run_id": "run_f", "export": true})
	require.NotEmpty(t, res.ArtifactPath)
	assert.FileExists(t, res.ArtifactPath)
	assert.Equal(t, res.ArtifactPath, h.history(t, "run_f")[0].ArtifactPath)
}

func TestReadOnlyTools_DoNotAppend(t *testing.T) {
	h := newHarness(t)
	path := h.csv(t, "customers.csv", customersCSV)
	sid := h.call(t, NameDiagnostics, map[string]any{"gcs_path": path, "run_id": "run_g"}).SessionID

	h.call(t, NameRunHistory, map[string]any{"run_id": "run_g"})
	h.call(t, NameHealthReport, map[string]any{"session_id": sid})
	h.call(t, NameGoldenTemplates, map[string]any{})
	h.call(t, NameConfigSchema, map[string]any{"module_name": NameOutliers})
	h.call(t, NamePreflight, map[string]any{"module_name": NameValidation})
	h.call(t, NameListJobs, map[string]any{})
	h.call(t, NameListSessions, map[string]any{})

	assert.Len(t, h.history(t, "run_g"), 1)
	for _, name := range []string{NameRunHistory, NameHealthReport, NameGoldenTemplates, NameConfigSchema, NamePreflight, NameListJobs, NameListSessions} {
		tool, ok := h.reg.Lookup(name)
		require.True(t, ok)
		assert.True(t, tool.ReadOnly, name)
	}
}

func TestRunHistory_Projections(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for _, e := range []ledger.Entry{
		{Module: NameDiagnostics, Status: ledger.StatusPass},
		{Module: NameValidation, Status: ledger.StatusFail, Summary: map[string]any{"passed": false}},
		{Module: NameOutliers, Status: ledger.StatusWarn},
		{Module: NameValidation, Status: ledger.StatusPass, Summary: map[string]any{"passed": true}},
	} {
		_, err := h.deps.Ledger.Append(ctx, "run_h", e)
		require.NoError(t, err)
	}

	full := h.call(t, NameRunHistory, map[string]any{"run_id": "run_h", "latest_status_by_module": true})
	assert.Equal(t, ledger.StatusPass, full.Status)
	assert.Equal(t, 4, full.Extra["history_count"])
	byModule := full.Extra["latest_status_by_module"].(map[string]ledger.ModuleStatus)
	assert.Equal(t, ledger.StatusPass, byModule[NameValidation].Status)

	failures := h.call(t, NameRunHistory, map[string]any{"run_id": "run_h", "failures_only": true, "latest_errors": true})
	assert.Equal(t, 1, failures.Extra["history_count"])
	assert.Equal(t, 4, failures.Extra["total_history_count"])
	assert.Len(t, failures.Extra["latest_errors"], 1)

	compact := h.call(t, NameRunHistory, map[string]any{"run_id": "run_h", "summary_only": true})
	summaries := compact.Extra["ledger"].([]ledger.EntrySummary)
	require.Len(t, summaries, 2, "summary_only applies the default limit")
	assert.Equal(t, 4, summaries[1].Seq)
}

func TestHealthReport(t *testing.T) {
	h := newHarness(t)

	empty := h.call(t, NameHealthReport, map[string]any{"run_id": "never_used"})
	assert.Equal(t, 100, empty.Extra["health_score"])
	assert.Equal(t, true, empty.Extra["no_data"])
	assert.Equal(t, "Data Health Score is 100/100 (GREEN)", empty.Extra["message"])

	path := h.csv(t, "customers.csv", customersCSV)
	h.call(t, NameDuplicates, map[string]any{"gcs_path": path, "run_id": "run_i"})
	scored := h.call(t, NameHealthReport, map[string]any{"run_id": "run_i"})
	assert.Less(t, scored.Extra["health_score"].(int), 100)
	assert.NotContains(t, scored.Extra, "no_data")
}

func TestGoldenTemplates(t *testing.T) {
	h := newHarness(t)
	res := h.call(t, NameGoldenTemplates, map[string]any{})
	docs := res.Extra["templates"].(map[string]any)
	assert.Contains(t, docs, "fraud")
	assert.Equal(t, 1, res.Summary["template_count"])
}

func TestDrift_BaseSessionTargetPath(t *testing.T) {
	h := newHarness(t)
	base := h.csv(t, "base.csv", "id,amount\n1,10\n2,12\n")
	target := h.csv(t, "target.csv", "id,amount,region\n1,50,east\n2,60,west\n")
	baseSID := h.call(t, NameDiagnostics, map[string]any{"gcs_path": base, "run_id": "run_j"}).SessionID

	res := h.call(t, NameDrift, map[string]any{"base_session_id": baseSID, "target_path": target, "run_id": "run_j"})
	assert.Equal(t, baseSID, res.Extra["base_session_id"])
	assert.NotEqual(t, baseSID, res.SessionID)
	assert.Equal(t, 1, res.Summary["added_columns"])
	assert.Equal(t, true, res.Summary["drift_detected"])
	assert.Len(t, h.history(t, "run_j"), 2)
}

func TestInferConfigs_ReturnsYAML(t *testing.T) {
	h := newHarness(t)
	path := h.csv(t, "customers.csv", customersCSV)
	res := h.call(t, NameInferConfigs, map[string]any{"gcs_path": path, "modules": []any{"imputation"}})
	configs := res.Extra["configs"].(map[string]string)
	assert.Contains(t, configs["imputation"], "strategies")
	assert.Equal(t, []string{"imputation"}, res.Extra["modules_generated"])
}

func TestSessionTools(t *testing.T) {
	h := newHarness(t)
	path := h.csv(t, "customers.csv", customersCSV)
	sid := h.call(t, NameDiagnostics, map[string]any{"gcs_path": path}).SessionID

	listed := h.call(t, NameListSessions, map[string]any{})
	assert.Equal(t, 1, listed.Summary["count"])

	evicted := h.call(t, NameEvictSession, map[string]any{"session_id": sid})
	assert.Equal(t, sid, evicted.SessionID)
	assert.Zero(t, h.deps.Store.Len())

	_, err := h.invoke(NameEvictSession, map[string]any{"session_id": sid})
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestJobTools(t *testing.T) {
	h := newHarness(t)
	job, err := h.deps.Jobs.Create(context.Background(), NameAutoHeal, "run_k", map[string]any{"gcs_path": "a.csv"})
	require.NoError(t, err)

	status := h.call(t, NameJobStatus, map[string]any{"job_id": job.ID})
	assert.Equal(t, job.ID, status.Extra["job_id"])
	assert.Equal(t, "run_k", status.RunID)

	list := h.call(t, NameListJobs, map[string]any{"state": "queued"})
	assert.Equal(t, 1, list.Summary["count"])
	assert.Equal(t, jobs.DefaultListLimit, list.Summary["limit"])

	_, err = h.invoke(NameJobStatus, map[string]any{"job_id": "job_000000000000"})
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		name   string
		module string
		raw    map[string]any
		want   map[string]any
	}{
		{
			name:   "validation long form",
			module: NameValidation,
			raw: map[string]any{"validation": map[string]any{
				"schema_validation": map[string]any{"rules": map[string]any{"expected_columns": []any{"a"}}, "fail_on_error": false},
			}},
			want: map[string]any{"rules": map[string]any{"expected_columns": []any{"a"}}, "fail_on_error": false},
		},
		{
			name:   "final audit null shorthand",
			module: NameFinalAudit,
			raw:    map[string]any{"disallowed_null_columns": []any{"id"}, "final_edits": map[string]any{"drop_columns": []any{"tmp"}}},
			want: map[string]any{
				"certification": map[string]any{"rules": map[string]any{"disallowed_null_columns": []any{"id"}}},
				"final_edits":   map[string]any{"drop_columns": []any{"tmp"}},
			},
		},
		{
			name:   "outlier shorthand with columns",
			module: NameOutliers,
			raw:    map[string]any{"method": "zscore", "columns": []any{"amount"}, "zscore_threshold": 2.5, "handling": "clip"},
			want: map[string]any{
				"handling":        "clip",
				"detection_specs": map[string]any{"amount": map[string]any{"method": "zscore", "zscore_threshold": 2.5}},
			},
		},
		{
			name:   "outlier shorthand default spec",
			module: NameOutliers,
			raw:    map[string]any{"outlier_detection": map[string]any{"method": "iqr"}},
			want:   map[string]any{"detection_specs": map[string]any{"__default__": map[string]any{"method": "iqr"}}},
		},
		{
			name:   "nested module block",
			module: NameDuplicates,
			raw:    map[string]any{"duplicates": map[string]any{"mode": "remove"}},
			want:   map[string]any{"mode": "remove"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Canonicalize(tt.module, tt.raw))
		})
	}
}

func TestPreflight(t *testing.T) {
	h := newHarness(t)

	res := h.call(t, NamePreflight, map[string]any{
		"module_name": NameOutliers,
		"config":      map[string]any{"method": "iqr", "columns": []any{"amount"}, "bogus": 1},
	})
	assert.Equal(t, ledger.StatusPass, res.Status)
	assert.Equal(t, []string{"bogus"}, res.Extra["unknown_keys"])
	assert.Equal(t, true, res.Summary["input_changed"])

	strict := h.call(t, NamePreflight, map[string]any{
		"module_name": NameOutliers,
		"config":      map[string]any{"bogus": 1},
		"strict":      true,
	})
	assert.Equal(t, ledger.StatusError, strict.Status)
	assert.Equal(t, "Strict preflight failed due to config warnings or unknown keys.", strict.Extra["message"])

	badType := h.call(t, NamePreflight, map[string]any{
		"module_name": NameDuplicates,
		"config":      map[string]any{"subset_columns": "id"},
	})
	assert.Equal(t, ledger.StatusError, badType.Status)
	require.NotNil(t, badType.Error)

	_, err := h.invoke(NamePreflight, map[string]any{"module_name": "nope"})
	assert.True(t, apperr.Is(err, apperr.KindInvalidParams))
}

func TestConfigSchemas(t *testing.T) {
	schemas := ConfigSchemas()
	assert.Len(t, schemas, len(configModels))
	props, ok := schemas[NameOutliers]["properties"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, props, "detection_specs")
	assert.Contains(t, props, "handling")
}
