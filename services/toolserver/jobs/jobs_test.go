// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AnalystToolkit/services/toolserver/apperr"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/observability"
	kv "github.com/AleutianAI/AnalystToolkit/services/toolserver/storage/badger"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	db, err := kv.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	clock := &fakeClock{now: time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)}
	return NewStore(db, append([]Option{WithClock(clock.Now)}, opts...)...)
}

func TestStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	job, err := s.Create(ctx, "auto_heal", "run_1", map[string]any{"gcs_path": "a.csv"})
	require.NoError(t, err)
	assert.Regexp(t, `^job_[0-9a-f]{12}$`, job.ID)
	assert.Equal(t, StateQueued, job.State)
	assert.Nil(t, job.StartedAt)

	require.NoError(t, s.MarkRunning(ctx, job.ID))
	require.NoError(t, s.MarkSucceeded(ctx, job.ID, map[string]any{"status": "pass"}))

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, got.State)
	require.NotNil(t, got.StartedAt)
	require.NotNil(t, got.FinishedAt)
	assert.True(t, got.FinishedAt.After(*got.StartedAt))
	assert.JSONEq(t, `{"status":"pass"}`, string(got.Result))
	assert.Equal(t, "a.csv", got.Inputs["gcs_path"])
}

func TestStore_TerminalStateIsFinal(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	job, err := s.Create(ctx, "auto_heal", "", nil)
	require.NoError(t, err)

	env := apperr.ToEnvelope(apperr.New(apperr.KindTransform, "boom", "boom"), "t1")
	require.NoError(t, s.MarkFailed(ctx, job.ID, env))
	require.NoError(t, s.MarkSucceeded(ctx, job.ID, "late"))

	got, err := s.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)
	require.NotNil(t, got.Error)
	assert.Equal(t, "boom", got.Error.Code)
}

func TestStore_GetUnknown(t *testing.T) {
	_, err := newStore(t).Get(context.Background(), "job_missing")
	assert.True(t, apperr.Is(err, apperr.KindNotFound))
}

func TestStore_ListNewestFirstWithFilter(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	var ids []string
	for i := 0; i < 4; i++ {
		job, err := s.Create(ctx, "auto_heal", fmt.Sprintf("run_%d", i), nil)
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}
	require.NoError(t, s.MarkRunning(ctx, ids[0]))

	all, err := s.List(ctx, 10, "")
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, ids[0], all[0].ID, "most recently updated first")
	assert.Equal(t, ids[3], all[1].ID)

	queued, err := s.List(ctx, 2, StateQueued)
	require.NoError(t, err)
	require.Len(t, queued, 2)
	assert.Equal(t, []string{ids[3], ids[2]}, []string{queued[0].ID, queued[1].ID})

	one, err := s.List(ctx, 0, "")
	require.NoError(t, err)
	assert.Len(t, one, 1)
}

func TestParseState(t *testing.T) {
	st, err := ParseState(" Running ")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, st)

	_, err = ParseState("paused")
	assert.True(t, apperr.Is(err, apperr.KindInvalidParams))
}

func TestStore_RecoverInterrupted(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	a, _ := s.Create(ctx, "auto_heal", "", nil)
	b, _ := s.Create(ctx, "auto_heal", "", nil)
	require.NoError(t, s.MarkRunning(ctx, b.ID))
	c, _ := s.Create(ctx, "auto_heal", "", nil)
	require.NoError(t, s.MarkSucceeded(ctx, c.ID, nil))

	n, err := s.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{a.ID, b.ID} {
		got, err := s.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, StateFailed, got.State)
		assert.Equal(t, CodeInterrupted, got.Error.Code)
	}
}

func waitFor(t *testing.T, s *Store, id string, state State) Job {
	t.Helper()
	var job Job
	require.Eventually(t, func() bool {
		var err error
		job, err = s.Get(context.Background(), id)
		return err == nil && job.State == state
	}, 2*time.Second, 10*time.Millisecond)
	return job
}

func TestRunner_RunsJobsAndCountsTransitions(t *testing.T) {
	collectors := observability.NewCollectors(prometheus.NewRegistry())
	s := newStore(t, WithTransitionHook(collectors.RecordJob))
	r := NewRunner(s, 2, 4, nil)
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop()

	ok, err := r.Submit(context.Background(), "auto_heal", "run_ok", nil, func(context.Context) (any, error) {
		return map[string]any{"status": "pass"}, nil
	})
	require.NoError(t, err)
	bad, err := r.Submit(context.Background(), "auto_heal", "run_bad", nil, func(context.Context) (any, error) {
		return nil, apperr.New(apperr.KindTransform, "step_failed", "normalization failed")
	})
	require.NoError(t, err)
	panicky, err := r.Submit(context.Background(), "auto_heal", "run_panic", nil, func(context.Context) (any, error) {
		panic("boom")
	})
	require.NoError(t, err)

	done := waitFor(t, s, ok.ID, StateSucceeded)
	var result map[string]any
	require.NoError(t, json.Unmarshal(done.Result, &result))
	assert.Equal(t, "pass", result["status"])

	failed := waitFor(t, s, bad.ID, StateFailed)
	assert.Equal(t, "step_failed", failed.Error.Code)

	crashed := waitFor(t, s, panicky.ID, StateFailed)
	assert.Equal(t, "job_panic", crashed.Error.Code)

	assert.Equal(t, 3.0, testutil.ToFloat64(collectors.JobsTotal.WithLabelValues("queued")))
	assert.Equal(t, 3.0, testutil.ToFloat64(collectors.JobsTotal.WithLabelValues("running")))
	assert.Equal(t, 2.0, testutil.ToFloat64(collectors.JobsTotal.WithLabelValues("failed")))
}

func TestRunner_QueueFull(t *testing.T) {
	s := newStore(t)
	// Not started: nothing drains the queue.
	r := NewRunner(s, 1, 1, nil)
	block := func(context.Context) (any, error) { return nil, nil }

	_, err := r.Submit(context.Background(), "auto_heal", "", nil, block)
	require.NoError(t, err)

	_, err = r.Submit(context.Background(), "auto_heal", "", nil, block)
	require.Error(t, err)
	e, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, CodeQueueFull, e.Code)
	assert.True(t, e.Retryable)

	failed, err := s.List(context.Background(), 10, StateFailed)
	require.NoError(t, err)
	assert.Len(t, failed, 1)
}

func TestRunner_StopCancelsInFlightJobs(t *testing.T) {
	s := newStore(t)
	r := NewRunner(s, 1, 1, nil)
	require.NoError(t, r.Start(context.Background()))

	started := make(chan struct{})
	job, err := r.Submit(context.Background(), "auto_heal", "", nil, func(ctx context.Context) (any, error) {
		close(started)
		<-ctx.Done()
		return nil, apperr.Timeout(ctx.Err(), "job_cancelled", "cancelled")
	})
	require.NoError(t, err)
	<-started
	r.Stop()

	got, err := s.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, got.State)
	assert.Equal(t, "job_cancelled", got.Error.Code)
}
