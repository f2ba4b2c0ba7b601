// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ledger is the append-only, per-run audit trail of tool
// invocations.
//
// # Persistence failures
//
// Append retries a failed persist with exponential backoff. When every
// attempt fails it returns a KindPersistence error, the in-memory history is
// left at the last durable state (the sequence number is not consumed), and
// the failure is logged with ledger_divergence=true. The caller's session
// mutation has already happened and is not rolled back, so the live session
// can be ahead of the durable history; the divergence log line and the
// persist-failure counter are how operators find it.
package ledger

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/AleutianAI/AnalystToolkit/pkg/logging"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/apperr"
)

// RetryPolicy bounds persist retries.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
}

// DefaultRetryPolicy is three attempts starting at 50ms.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, BaseDelay: 50 * time.Millisecond}
}

// Observer is notified of every append attempt's outcome.
type Observer interface {
	ObserveLedgerAppend(backend string, duration time.Duration, err error)
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithRetryPolicy overrides DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(l *Ledger) { l.retry = p }
}

// WithLogger sets the ledger logger.
func WithLogger(logger *logging.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithObserver registers an append observer.
func WithObserver(o Observer) Option {
	return func(l *Ledger) { l.observer = o }
}

// WithCacheSize bounds how many idle runs keep their history cached.
// Runs in use are never evicted.
func WithCacheSize(n int) Option {
	return func(l *Ledger) { l.cacheSize = n }
}

// DefaultCacheSize is the idle run cache bound.
const DefaultCacheSize = 256

// WithClock replaces time.Now for entry timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

type runState struct {
	sem chan struct{}

	// refs and lastUsed are guarded by Ledger.mu.
	refs     int
	lastUsed time.Time

	loaded      bool
	entries     []Entry
	nextSeq     int
	parseErrors []string
	skipped     int
}

func (r *runState) lock(ctx context.Context) error {
	select {
	case r.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return apperr.Wrap(ctx.Err(), apperr.KindTimeout, "ledger_lock_timeout", "waiting for run ledger lock")
	}
}

func (r *runState) unlock() { <-r.sem }

// Ledger is the Run Ledger.
//
// # Description
//
// Append and Read are serialized per run id; different runs never block
// each other. Each run's history is loaded from the backend on first touch
// and cached; the next sequence number is derived from what was loaded,
// including sequence numbers of damaged records, so numbering continues
// across restarts and is never reused. Runs with no history are dropped
// from the cache once idle, and at most cacheSize idle runs stay cached.
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Ledger struct {
	backend  Backend
	retry    RetryPolicy
	logger   *logging.Logger
	observer Observer
	now      func() time.Time

	mu        sync.Mutex
	runs      map[string]*runState
	cacheSize int
}

// New creates a ledger over backend.
func New(backend Backend, opts ...Option) *Ledger {
	l := &Ledger{
		backend:   backend,
		retry:     DefaultRetryPolicy(),
		logger:    logging.Nop(),
		now:       time.Now,
		runs:      make(map[string]*runState),
		cacheSize: DefaultCacheSize,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.retry.Attempts < 1 {
		l.retry.Attempts = 1
	}
	if l.cacheSize < 0 {
		l.cacheSize = 0
	}
	return l
}

// Backend returns the persistence backend.
func (l *Ledger) Backend() Backend {
	return l.backend
}

// Append assigns the next sequence number for runID and persists entry.
//
// # Description
//
// RunID, Seq and (when zero) Timestamp are filled in by the ledger. The
// full history including the new entry is durable when Append returns nil.
//
// # Outputs
//
//   - int: The assigned sequence number, starting at 1.
//   - error: KindInvalidParams for a bad run id, KindPersistence when the
//     backend cannot load or store the run, KindTimeout if ctx ends while
//     waiting for the run lock.
func (l *Ledger) Append(ctx context.Context, runID string, entry Entry) (int, error) {
	if err := ValidateRunID(runID); err != nil {
		return 0, err
	}
	rs := l.acquire(runID)
	defer l.release(runID, rs)
	if err := rs.lock(ctx); err != nil {
		return 0, err
	}
	defer rs.unlock()

	if err := l.ensureLoaded(ctx, runID, rs); err != nil {
		return 0, err
	}

	entry.RunID = runID
	entry.Seq = rs.nextSeq
	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.now().UTC()
	}
	if entry.Summary == nil {
		entry.Summary = map[string]any{}
	}

	next := make([]Entry, len(rs.entries), len(rs.entries)+1)
	copy(next, rs.entries)
	next = append(next, entry)

	start := time.Now()
	err := l.persistWithRetry(ctx, runID, next)
	if l.observer != nil {
		l.observer.ObserveLedgerAppend(l.backend.Name(), time.Since(start), err)
	}
	if err != nil {
		l.logger.Error("run ledger append failed",
			"run_id", runID,
			"module", entry.Module,
			"session_id", entry.SessionID,
			"attempted_seq", entry.Seq,
			"backend", l.backend.Name(),
			"ledger_divergence", true,
			"error", err,
		)
		return 0, apperr.Persistence(err, "ledger_persist_failed",
			"persist run history (session updated, step not recorded)")
	}

	rs.entries = next
	rs.nextSeq++
	return entry.Seq, nil
}

// Read returns runID's history filtered by opts. A run with no entries is
// not an error. Damaged histories are returned best-effort with
// ParseErrors and SkippedRecords set.
func (l *Ledger) Read(ctx context.Context, runID string, opts ReadOptions) (*History, error) {
	if err := ValidateRunID(runID); err != nil {
		return nil, err
	}
	rs := l.acquire(runID)
	defer l.release(runID, rs)
	if err := rs.lock(ctx); err != nil {
		return nil, err
	}
	defer rs.unlock()

	if err := l.ensureLoaded(ctx, runID, rs); err != nil {
		return nil, err
	}

	entries := make([]Entry, len(rs.entries))
	copy(entries, rs.entries)

	h := &History{
		RunID:          runID,
		Total:          len(entries),
		ParseErrors:    append([]string{}, rs.parseErrors...),
		SkippedRecords: rs.skipped,
	}
	if opts.FailuresOnly {
		entries = FailuresOnly(entries)
	}
	if opts.Limit > 0 && len(entries) > opts.Limit {
		entries = entries[len(entries)-opts.Limit:]
	}
	h.Entries = entries
	return h, nil
}

// Runs lists the run ids the backend knows about.
func (l *Ledger) Runs(ctx context.Context) ([]string, error) {
	runs, err := l.backend.ListRuns(ctx)
	if err != nil {
		return nil, apperr.Persistence(err, "ledger_list_failed", "list runs")
	}
	return runs, nil
}

// Ping reports whether the backend is reachable.
func (l *Ledger) Ping(ctx context.Context) error {
	return l.backend.Ping(ctx)
}

// Cached reports how many runs currently hold cached state.
func (l *Ledger) Cached() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.runs)
}

// =============================================================================
// Internal Methods
// =============================================================================

func (l *Ledger) acquire(runID string) *runState {
	l.mu.Lock()
	defer l.mu.Unlock()
	rs, ok := l.runs[runID]
	if !ok {
		rs = &runState{sem: make(chan struct{}, 1)}
		l.runs[runID] = rs
	}
	rs.refs++
	return rs
}

// release drops the caller's reference. Called after rs.unlock, so an idle
// state is never locked and can be discarded; the backend holds everything
// needed to rebuild it.
func (l *Ledger) release(runID string, rs *runState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rs.refs--
	if rs.refs > 0 {
		return
	}
	rs.lastUsed = time.Now()
	if !rs.loaded || (len(rs.entries) == 0 && rs.nextSeq <= 1) {
		delete(l.runs, runID)
		return
	}
	if len(l.runs) > l.cacheSize {
		l.evictIdle()
	}
}

// evictIdle removes the least recently used idle runs until the cache is
// within bounds. Must hold l.mu.
func (l *Ledger) evictIdle() {
	type idle struct {
		id   string
		used time.Time
	}
	var candidates []idle
	for id, rs := range l.runs {
		if rs.refs == 0 {
			candidates = append(candidates, idle{id, rs.lastUsed})
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].used.Before(candidates[j].used) })
	for _, c := range candidates {
		if len(l.runs) <= l.cacheSize {
			return
		}
		delete(l.runs, c.id)
	}
}

// ensureLoaded must be called with rs locked.
func (l *Ledger) ensureLoaded(ctx context.Context, runID string, rs *runState) error {
	if rs.loaded {
		return nil
	}
	loaded, err := l.backend.Load(ctx, runID)
	if err != nil {
		return apperr.Persistence(err, "ledger_load_failed", "load run history")
	}

	maxSeq := 0
	for _, e := range loaded.Entries {
		if e.Seq > maxSeq {
			maxSeq = e.Seq
		}
	}
	if len(loaded.Entries) > maxSeq {
		maxSeq = len(loaded.Entries)
	}
	if loaded.HighSeq > maxSeq {
		maxSeq = loaded.HighSeq
	}

	rs.entries = loaded.Entries
	rs.parseErrors = loaded.ParseErrors
	rs.skipped = loaded.Skipped
	rs.nextSeq = maxSeq + 1
	rs.loaded = true

	if len(loaded.ParseErrors) > 0 || loaded.Skipped > 0 {
		l.logger.Warn("run history recovered with errors",
			"run_id", runID,
			"recovered", len(loaded.Entries),
			"skipped_records", loaded.Skipped,
			"parse_errors", len(loaded.ParseErrors),
		)
	}
	return nil
}

func (l *Ledger) persistWithRetry(ctx context.Context, runID string, history []Entry) error {
	var err error
	delay := l.retry.BaseDelay
	for attempt := 1; attempt <= l.retry.Attempts; attempt++ {
		err = l.backend.Persist(ctx, runID, history)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if attempt == l.retry.Attempts {
			break
		}
		l.logger.Warn("run ledger persist failed, retrying",
			"run_id", runID,
			"attempt", attempt,
			"backoff_ms", delay.Milliseconds(),
			"error", err,
		)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}
	return err
}
