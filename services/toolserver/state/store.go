// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package state holds in-memory dataset snapshots keyed by session id so that
// tool calls can chain against the same data without re-loading it.
package state

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/AnalystToolkit/pkg/logging"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/apperr"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/dataset"
)

// SessionPrefix starts every minted session id.
const SessionPrefix = "sess_"

// DefaultTTL is the idle time after which a session is swept.
const DefaultTTL = time.Hour

// Metadata describes the snapshot stored under a session.
//
// RowCount, ColCount, Fingerprint and UpdatedAt are always derived from the
// stored frame; callers only supply RunID and Source.
type Metadata struct {
	RowCount    int       `json:"row_count"`
	ColCount    int       `json:"col_count"`
	Fingerprint string    `json:"schema_fingerprint"`
	RunID       string    `json:"run_id,omitempty"`
	Source      string    `json:"source,omitempty"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Snapshot is one immutable dataset version held by a session.
//
// Callers must not modify Frame. Transformations clone it first.
type Snapshot struct {
	SessionID string
	Frame     *dataset.Frame
	Meta      Metadata
	CreatedAt time.Time
}

// Info is the listing view of a session.
type Info struct {
	SessionID    string    `json:"session_id"`
	RunID        string    `json:"run_id,omitempty"`
	RowCount     int       `json:"row_count"`
	ColCount     int       `json:"col_count"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// MutateFunc computes the next snapshot from the current one. It runs while
// the session's write lock is held.
type MutateFunc func(current *Snapshot) (*dataset.Frame, Metadata, error)

// entry is the per-session record. sem serializes writers; readers never
// take it and load snap atomically.
type entry struct {
	sem        chan struct{}
	snap       atomic.Pointer[Snapshot]
	lastAccess atomic.Int64
	evicted    atomic.Bool
	createdAt  time.Time
}

func newEntry(now time.Time) *entry {
	e := &entry{sem: make(chan struct{}, 1), createdAt: now}
	e.lastAccess.Store(now.UnixNano())
	return e
}

func (e *entry) lock(ctx context.Context) error {
	select {
	case e.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return apperr.Wrap(ctx.Err(), apperr.KindTimeout, "session_lock_timeout", "waiting for session lock")
	}
}

func (e *entry) tryLock() bool {
	select {
	case e.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

func (e *entry) unlock() {
	<-e.sem
}

func (e *entry) touch(now time.Time) {
	e.lastAccess.Store(now.UnixNano())
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithIDGenerator replaces the session id source, for tests.
func WithIDGenerator(gen func() string) Option {
	return func(s *Store) { s.newID = gen }
}

// WithLogger sets the logger used for eviction events.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithEvictHook registers a callback invoked after each eviction, with the
// reason ("explicit" or "idle").
func WithEvictHook(hook func(sessionID, reason string)) Option {
	return func(s *Store) { s.onEvict = hook }
}

// Store is the Session State Store.
//
// # Description
//
// Maps session ids to the most recent dataset snapshot written under them.
// The session map is guarded by an RWMutex held only for lookups and
// inserts. Each session carries its own write lock so concurrent writers to
// one session are serialized while different sessions never block each
// other. Reads are lock-free on the session and return the snapshot pointer
// current at the time of the call; later writes or eviction never alter a
// snapshot a reader already holds.
//
// Every Put, Get and Mutate refreshes the session's last-access time
// (sliding TTL).
//
// # Thread Safety
//
// All methods are safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*entry
	issued   map[string]struct{}

	ttl     time.Duration
	now     func() time.Time
	newID   func() string
	logger  *logging.Logger
	onEvict func(sessionID, reason string)
}

// NewStore creates an empty store. A non-positive ttl uses DefaultTTL.
func NewStore(ttl time.Duration, opts ...Option) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	s := &Store{
		sessions: make(map[string]*entry),
		issued:   make(map[string]struct{}),
		ttl:      ttl,
		now:      time.Now,
		newID:    mintID,
		logger:   logging.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func mintID() string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return SessionPrefix + hex[:12]
}

// TTL returns the configured idle time-to-live.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// Put stores frame under sessionID and returns the id.
//
// # Description
//
// An empty sessionID mints a fresh id that has never been issued by this
// store. A non-empty id replaces that session's snapshot, creating the
// session if it does not exist. The write waits for any in-flight Mutate on
// the same session to finish.
//
// # Inputs
//
//   - ctx: Bounds the wait for the session's write lock.
//   - sessionID: Existing id, or "" to mint one.
//   - frame: Snapshot to store. The store takes ownership; callers must not
//     modify it afterwards.
//   - meta: Only RunID and Source are read; the rest is derived from frame.
//
// # Outputs
//
//   - string: The session id written.
//   - error: apperr KindTimeout if ctx ends while waiting for the lock.
func (s *Store) Put(ctx context.Context, sessionID string, frame *dataset.Frame, meta Metadata) (string, error) {
	now := s.now()
	e, id := s.getOrCreate(sessionID, now)

	if err := e.lock(ctx); err != nil {
		return "", err
	}
	defer e.unlock()

	if e.evicted.Load() {
		// Evicted between lookup and lock; recreate under the same id.
		e, id = s.getOrCreate(id, now)
		if err := e.lock(ctx); err != nil {
			return "", err
		}
		defer e.unlock()
	}

	e.snap.Store(s.snapshot(id, frame, meta, e.createdAt, now))
	e.touch(now)
	return id, nil
}

// Get returns the current snapshot for sessionID.
//
// Fails with apperr KindNotFound when the session is unknown or evicted.
func (s *Store) Get(ctx context.Context, sessionID string) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperr.Wrap(err, apperr.KindTimeout, "session_get_cancelled", "session read cancelled")
	}
	e, ok := s.lookup(sessionID)
	if !ok {
		return nil, notFound(sessionID)
	}
	snap := e.snap.Load()
	if snap == nil {
		return nil, notFound(sessionID)
	}
	e.touch(s.now())
	return snap, nil
}

// Mutate runs fn against the current snapshot and stores its result, all
// while holding the session's write lock.
//
// # Description
//
// This is the read-transform-write primitive tools use: two concurrent
// Mutate calls on one session run one after the other and the second sees
// the first one's output. If fn returns an error nothing is stored.
//
// # Outputs
//
//   - *Snapshot: The snapshot that was stored.
//   - error: KindNotFound for unknown or evicted sessions, KindTimeout if ctx
//     ends while waiting, or fn's error unchanged.
func (s *Store) Mutate(ctx context.Context, sessionID string, fn MutateFunc) (*Snapshot, error) {
	e, ok := s.lookup(sessionID)
	if !ok {
		return nil, notFound(sessionID)
	}
	if err := e.lock(ctx); err != nil {
		return nil, err
	}
	defer e.unlock()

	current := e.snap.Load()
	if e.evicted.Load() || current == nil {
		return nil, notFound(sessionID)
	}

	frame, meta, err := fn(current)
	if err != nil {
		return nil, err
	}
	if e.evicted.Load() {
		return nil, notFound(sessionID)
	}

	now := s.now()
	next := s.snapshot(sessionID, frame, meta, e.createdAt, now)
	e.snap.Store(next)
	e.touch(now)
	return next, nil
}

// Evict removes a session. It reports whether the session existed.
// Readers already holding the session's snapshot are unaffected.
func (s *Store) Evict(sessionID string) bool {
	s.mu.Lock()
	e, ok := s.sessions[sessionID]
	if ok {
		delete(s.sessions, sessionID)
		e.evicted.Store(true)
	}
	s.mu.Unlock()

	if ok {
		s.logger.Info("session evicted", "session_id", sessionID, "reason", "explicit")
		if s.onEvict != nil {
			s.onEvict(sessionID, "explicit")
		}
	}
	return ok
}

// Sweep evicts every session idle for longer than the TTL as of now and
// returns the evicted ids. Sessions with a write in flight are skipped and
// picked up by a later sweep.
func (s *Store) Sweep(now time.Time) []string {
	cutoff := now.Add(-s.ttl).UnixNano()

	s.mu.Lock()
	var evicted []string
	for id, e := range s.sessions {
		if e.lastAccess.Load() >= cutoff {
			continue
		}
		if !e.tryLock() {
			continue
		}
		delete(s.sessions, id)
		e.evicted.Store(true)
		e.unlock()
		evicted = append(evicted, id)
	}
	s.mu.Unlock()

	sort.Strings(evicted)
	for _, id := range evicted {
		s.logger.Debug("session evicted", "session_id", id, "reason", "idle")
		if s.onEvict != nil {
			s.onEvict(id, "idle")
		}
	}
	return evicted
}

// List returns every live session, most recently used first.
func (s *Store) List() []Info {
	s.mu.RLock()
	infos := make([]Info, 0, len(s.sessions))
	for id, e := range s.sessions {
		snap := e.snap.Load()
		if snap == nil {
			continue
		}
		last := time.Unix(0, e.lastAccess.Load()).UTC()
		infos = append(infos, Info{
			SessionID:    id,
			RunID:        snap.Meta.RunID,
			RowCount:     snap.Meta.RowCount,
			ColCount:     snap.Meta.ColCount,
			CreatedAt:    e.createdAt,
			LastAccessed: last,
			ExpiresAt:    last.Add(s.ttl),
		})
	}
	s.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		if infos[i].LastAccessed.Equal(infos[j].LastAccessed) {
			return infos[i].SessionID < infos[j].SessionID
		}
		return infos[i].LastAccessed.After(infos[j].LastAccessed)
	})
	return infos
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// =============================================================================
// Internal Methods
// =============================================================================

func (s *Store) lookup(sessionID string) (*entry, bool) {
	s.mu.RLock()
	e, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	return e, ok
}

func (s *Store) getOrCreate(sessionID string, now time.Time) (*entry, string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sessionID == "" {
		for {
			sessionID = s.newID()
			_, seen := s.issued[sessionID]
			if !seen {
				break
			}
		}
	}
	s.issued[sessionID] = struct{}{}

	e, ok := s.sessions[sessionID]
	if !ok {
		e = newEntry(now.UTC())
		s.sessions[sessionID] = e
	}
	return e, sessionID
}

func (s *Store) snapshot(id string, frame *dataset.Frame, meta Metadata, created, now time.Time) *Snapshot {
	meta.RowCount = frame.NumRows()
	meta.ColCount = frame.NumCols()
	meta.Fingerprint = frame.Fingerprint()
	meta.UpdatedAt = now.UTC()
	return &Snapshot{SessionID: id, Frame: frame, Meta: meta, CreatedAt: created}
}

func notFound(sessionID string) error {
	return apperr.NotFound("session_not_found", "session not found: %s", sessionID).
		WithRemediation("Reload the dataset with gcs_path; sessions expire after the idle TTL.")
}
