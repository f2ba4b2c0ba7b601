// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package jobs tracks long-running tool invocations started with
// async_mode and runs them on a bounded worker pool.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AnalystToolkit/pkg/logging"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/apperr"
	kv "github.com/AleutianAI/AnalystToolkit/services/toolserver/storage/badger"
)

// State is a job lifecycle state.
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// ParseState accepts the four state names; "" means any state.
func ParseState(s string) (State, error) {
	switch st := State(strings.ToLower(strings.TrimSpace(s))); st {
	case "", StateQueued, StateRunning, StateSucceeded, StateFailed:
		return st, nil
	}
	return "", apperr.InvalidParams(CodeInvalidState, "unknown job state %q", s).
		WithRemediation("Use one of queued, running, succeeded, failed.")
}

// Error codes.
const (
	CodeJobNotFound   = "job_not_found"
	CodeInvalidState  = "invalid_job_state"
	CodeJobStore      = "job_store_failed"
	CodeQueueFull     = "job_queue_full"
	CodeInterrupted   = "job_interrupted"
	DefaultListLimit  = 20
	keyPrefix         = "job/"
	interruptedReason = "server restarted before the job finished"
)

// Job is the persisted record of one async invocation.
type Job struct {
	ID         string           `json:"job_id"`
	Module     string           `json:"module"`
	RunID      string           `json:"run_id,omitempty"`
	State      State            `json:"state"`
	CreatedAt  time.Time        `json:"created_at"`
	UpdatedAt  time.Time        `json:"updated_at"`
	StartedAt  *time.Time       `json:"started_at"`
	FinishedAt *time.Time       `json:"finished_at"`
	Inputs     map[string]any   `json:"inputs"`
	Result     json.RawMessage  `json:"result"`
	Error      *apperr.Envelope `json:"error"`
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator overrides job id minting.
func WithIDGenerator(gen func() string) Option {
	return func(s *Store) { s.newID = gen }
}

// WithTransitionHook is called after every persisted state change.
func WithTransitionHook(hook func(state string)) Option {
	return func(s *Store) { s.hook = hook }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// Store persists jobs under job/<id> keys in BadgerDB, so status survives
// a restart when the database is on disk.
//
// # Thread Safety
//
// Safe for concurrent use. Transitions on the store are serialized; a
// transition out of a terminal state is ignored.
type Store struct {
	db     *kv.DB
	now    func() time.Time
	newID  func() string
	hook   func(state string)
	logger *logging.Logger

	mu sync.Mutex
}

// NewStore wraps an open database.
func NewStore(db *kv.DB, opts ...Option) *Store {
	s := &Store{
		db:     db,
		now:    time.Now,
		newID:  mintID,
		hook:   func(string) {},
		logger: logging.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func mintID() string {
	return "job_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func key(id string) string { return keyPrefix + id }

// Create records a queued job.
func (s *Store) Create(ctx context.Context, module, runID string, inputs map[string]any) (Job, error) {
	now := s.now().UTC()
	job := Job{
		ID:        s.newID(),
		Module:    module,
		RunID:     runID,
		State:     StateQueued,
		CreatedAt: now,
		UpdatedAt: now,
		Inputs:    jsonSafe(inputs),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.db.PutJSON(ctx, key(job.ID), job); err != nil {
		return Job{}, apperr.Persistence(err, CodeJobStore, "persist job")
	}
	s.hook(string(StateQueued))
	return job, nil
}

// Get returns the job or NotFound.
func (s *Store) Get(ctx context.Context, id string) (Job, error) {
	var job Job
	err := s.db.GetJSON(ctx, key(id), &job)
	if errors.Is(err, kv.ErrNotFound) {
		return Job{}, apperr.NotFound(CodeJobNotFound, "Job not found: %s", id).
			WithRemediation("Use list_jobs to see known job ids.")
	}
	if err != nil {
		return Job{}, apperr.Persistence(err, CodeJobStore, "read job")
	}
	return job, nil
}

// MarkRunning moves a queued job to running.
func (s *Store) MarkRunning(ctx context.Context, id string) error {
	return s.transition(ctx, id, StateRunning, func(j *Job, now time.Time) {
		j.StartedAt = &now
	})
}

// MarkSucceeded stores result and finishes the job.
func (s *Store) MarkSucceeded(ctx context.Context, id string, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		raw, _ = json.Marshal(map[string]string{"unserializable_result": fmt.Sprint(result)})
	}
	return s.transition(ctx, id, StateSucceeded, func(j *Job, now time.Time) {
		j.FinishedAt = &now
		j.Result = raw
		j.Error = nil
	})
}

// MarkFailed stores the error envelope and finishes the job.
func (s *Store) MarkFailed(ctx context.Context, id string, env apperr.Envelope) error {
	return s.transition(ctx, id, StateFailed, func(j *Job, now time.Time) {
		j.FinishedAt = &now
		j.Error = &env
	})
}

func (s *Store) transition(ctx context.Context, id string, to State, apply func(*Job, time.Time)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.State.Terminal() {
		s.logger.Warn("ignoring transition of finished job", "job_id", id, "state", job.State, "to", to)
		return nil
	}
	now := s.now().UTC()
	job.State = to
	job.UpdatedAt = now
	apply(&job, now)

	if err := s.db.PutJSON(ctx, key(id), job); err != nil {
		return apperr.Persistence(err, CodeJobStore, "persist job transition")
	}
	s.hook(string(to))
	return nil
}

// List returns jobs newest first by last update, optionally filtered by
// state. limit below 1 is treated as 1.
func (s *Store) List(ctx context.Context, limit int, state State) ([]Job, error) {
	if limit < 1 {
		limit = 1
	}
	var out []Job
	err := s.db.ScanPrefix(ctx, keyPrefix, func(k string, value []byte) error {
		var job Job
		if err := json.Unmarshal(value, &job); err != nil {
			s.logger.Warn("skipping unreadable job record", "key", k, "error", err)
			return nil
		}
		if state == "" || job.State == state {
			out = append(out, job)
		}
		return nil
	})
	if err != nil {
		return nil, apperr.Persistence(err, CodeJobStore, "list jobs")
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RecoverInterrupted fails every job a previous process left queued or
// running. Their goroutines died with that process.
func (s *Store) RecoverInterrupted(ctx context.Context) (int, error) {
	var stale []string
	err := s.db.ScanPrefix(ctx, keyPrefix, func(_ string, value []byte) error {
		var job Job
		if json.Unmarshal(value, &job) == nil && !job.State.Terminal() {
			stale = append(stale, job.ID)
		}
		return nil
	})
	if err != nil {
		return 0, apperr.Persistence(err, CodeJobStore, "scan jobs")
	}

	env := apperr.ToEnvelope(apperr.New(apperr.KindInternal, CodeInterrupted, interruptedReason), "")
	for _, id := range stale {
		if err := s.MarkFailed(ctx, id, env); err != nil {
			return 0, err
		}
	}
	if len(stale) > 0 {
		s.logger.Warn("marked interrupted jobs failed", "count", len(stale))
	}
	return len(stale), nil
}

// jsonSafe drops values that cannot be encoded so persistence never fails
// on an odd input.
func jsonSafe(in map[string]any) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	raw, err := json.Marshal(in)
	if err != nil {
		out := make(map[string]any, len(in))
		for k, v := range in {
			out[k] = fmt.Sprint(v)
		}
		return out
	}
	var out map[string]any
	_ = json.Unmarshal(raw, &out)
	return out
}
