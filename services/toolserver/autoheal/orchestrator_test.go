// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package autoheal

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AnalystToolkit/services/toolserver/apperr"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/datasource"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/jobs"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/ledger"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/registry"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/state"
	kv "github.com/AleutianAI/AnalystToolkit/services/toolserver/storage/badger"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/tools"
)

const messyCSV = "id,city,amount\n1, Boston ,10\n2,,\n3,boston,30\n4,NYC,\n"

// interceptor wraps the registry so tests can observe or alter steps.
type interceptor struct {
	inner  Invoker
	before func(call *registry.Call)

	mu    sync.Mutex
	calls []string
}

func (i *interceptor) Invoke(ctx context.Context, call registry.Call) (*registry.Result, error) {
	i.mu.Lock()
	i.calls = append(i.calls, call.Name)
	i.mu.Unlock()
	if i.before != nil {
		i.before(&call)
	}
	return i.inner.Invoke(ctx, call)
}

type fixture struct {
	orch   *Orchestrator
	reg    *registry.Registry
	store  *state.Store
	ledger *ledger.Ledger
	jobs   *jobs.Store
	path   string
}

func newFixture(t *testing.T, withRunner bool) *fixture {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "messy.csv")
	require.NoError(t, os.WriteFile(path, []byte(messyCSV), 0o644))

	db, err := kv.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	jobStore := jobs.NewStore(db)

	store := state.NewStore(time.Hour)
	l := ledger.New(ledger.NewFileBackend(filepath.Join(dir, "history"), nil, nil))

	opts := []Option{WithStore(store)}
	if withRunner {
		runner := jobs.NewRunner(jobStore, 1, 4, nil)
		require.NoError(t, runner.Start(context.Background()))
		t.Cleanup(runner.Stop)
		opts = append(opts, WithRunner(runner))
	}
	orch := New(l, opts...)

	b := registry.NewBuilder()
	tools.Register(b, &tools.Deps{
		Store:    store,
		Ledger:   l,
		Loader:   datasource.NewLoader(time.Second),
		Jobs:     jobStore,
		AutoHeal: orch,
	})
	reg, err := b.Build()
	require.NoError(t, err)
	orch.Bind(reg)

	return &fixture{orch: orch, reg: reg, store: store, ledger: l, jobs: jobStore, path: path}
}

func (f *fixture) modules(t *testing.T, runID string) []string {
	t.Helper()
	hist, err := f.ledger.Read(context.Background(), runID, ledger.ReadOptions{})
	require.NoError(t, err)
	out := make([]string, len(hist.Entries))
	for i, e := range hist.Entries {
		out[i] = e.Module
	}
	return out
}

func TestRun_AllStages(t *testing.T) {
	f := newFixture(t, false)

	res, err := f.reg.Invoke(context.Background(), registry.Call{
		Name:      ToolName,
		Arguments: map[string]any{"gcs_path": f.path, "run_id": "heal_1"},
		TraceID:   "trace-heal",
	})
	require.NoError(t, err)
	assert.False(t, res.Failed())
	assert.Equal(t, "heal_1", res.RunID)
	assert.Equal(t, CompletedMessage, res.Extra["message"])
	assert.Equal(t, []Stage{StageInferred, StageNormalized, StageImputed, StageDone}, res.Summary["stages_completed"])
	assert.Equal(t, 4, res.Summary["row_count"])

	assert.Equal(t, []string{"infer_configs", "normalization", "imputation", ToolName}, f.modules(t, "heal_1"))

	snap, err := f.store.Get(context.Background(), res.SessionID)
	require.NoError(t, err)
	assert.Zero(t, snap.Frame.TotalNulls())
	city, _ := snap.Frame.Column("city")
	assert.Equal(t, "boston", city.Strs[0])
}

func TestRun_ThreadsOneSession(t *testing.T) {
	f := newFixture(t, false)
	spy := &interceptor{inner: f.reg}
	var sessions []string
	spy.before = func(call *registry.Call) {
		if sid, ok := call.Arguments["session_id"].(string); ok {
			sessions = append(sessions, sid)
		}
		assert.Equal(t, "heal_2", call.Arguments["run_id"])
	}
	f.orch.Bind(spy)

	res, err := f.orch.Run(context.Background(), "t", Params{GCSPath: f.path, RunID: "heal_2"})
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, sessions[0], sessions[1])
	assert.Equal(t, res.SessionID, sessions[0])
}

func TestRun_StopsWhenNormalizationFails(t *testing.T) {
	f := newFixture(t, false)
	spy := &interceptor{inner: f.reg}
	spy.before = func(call *registry.Call) {
		if call.Name == "normalization" {
			call.Arguments["config"] = map[string]any{
				"strict": true,
				"rules":  map[string]any{"coerce_numeric": []any{"city"}},
			}
		}
	}
	f.orch.Bind(spy)

	res, err := f.orch.Run(context.Background(), "t", Params{GCSPath: f.path, RunID: "heal_3"})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFail, res.Status)
	assert.Equal(t, StageNormalized, res.Extra["failed_stage"])
	assert.Equal(t, []Stage{StageInferred}, res.Summary["stages_completed"])
	assert.Equal(t, []string{"infer_configs", "normalization"}, spy.calls)
	assert.Equal(t, []string{"infer_configs", "normalization"}, f.modules(t, "heal_3"))

	stages := res.Extra["stages"].([]StageResult)
	require.Len(t, stages, 2)
	assert.Equal(t, ledger.StatusFail, stages[1].Status)
}

func TestRun_SessionLostBetweenSteps(t *testing.T) {
	f := newFixture(t, false)
	spy := &interceptor{inner: f.reg}
	spy.before = func(call *registry.Call) {
		if call.Name == "imputation" {
			f.store.Evict(call.Arguments["session_id"].(string))
		}
	}
	f.orch.Bind(spy)

	res, err := f.orch.Run(context.Background(), "t", Params{GCSPath: f.path, RunID: "heal_4"})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusError, res.Status)
	require.NotNil(t, res.Error)
	assert.Equal(t, "session_not_found", res.Error.Code)
	assert.Equal(t, StageImputed, res.Extra["failed_stage"])
	assert.Equal(t, []string{"infer_configs", "normalization"}, f.modules(t, "heal_4"))
}

func TestRun_BadInputRecordsNothing(t *testing.T) {
	f := newFixture(t, false)

	_, err := f.orch.Run(context.Background(), "t", Params{SessionID: "gone", RunID: "heal_5"})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
	assert.Empty(t, f.modules(t, "heal_5"))
}

func TestRun_Unbound(t *testing.T) {
	o := New(ledger.New(ledger.NewFileBackend(t.TempDir(), nil, nil)))
	_, err := o.Run(context.Background(), "t", Params{GCSPath: "x.csv", RunID: "r"})
	assert.True(t, apperr.Is(err, apperr.KindInternal))
}

func TestCall_DefaultRunID(t *testing.T) {
	f := newFixture(t, false)
	f.orch.now = func() time.Time { return time.Date(2025, 7, 4, 9, 30, 0, 0, time.UTC) }

	res, err := f.orch.Call(context.Background(), registry.Call{Name: ToolName, Arguments: map[string]any{"gcs_path": f.path}})
	require.NoError(t, err)
	assert.Equal(t, ledger.DefaultRunID(f.orch.now()), res.RunID)
}

func TestCall_AsyncMode(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	res, err := f.reg.Invoke(ctx, registry.Call{
		Name:      ToolName,
		Arguments: map[string]any{"gcs_path": f.path, "run_id": "heal_6", "async_mode": true},
	})
	require.NoError(t, err)
	jobID, ok := res.Extra["job_id"].(string)
	require.True(t, ok)
	assert.Equal(t, jobs.StateQueued, res.Extra["state"])

	assert.Eventually(t, func() bool {
		job, err := f.jobs.Get(ctx, jobID)
		return err == nil && job.State == jobs.StateSucceeded
	}, 5*time.Second, 20*time.Millisecond)

	job, err := f.jobs.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Contains(t, string(job.Result), CompletedMessage)
	assert.Len(t, f.modules(t, "heal_6"), 4)
}

func TestCall_AsyncWithoutRunner(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.reg.Invoke(context.Background(), registry.Call{
		Name:      ToolName,
		Arguments: map[string]any{"gcs_path": f.path, "async_mode": true},
	})
	assert.True(t, apperr.Is(err, apperr.KindInvalidParams))
}
