// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/AleutianAI/AnalystToolkit/pkg/logging"
)

// DefaultSweepInterval is how often idle sessions are swept.
const DefaultSweepInterval = time.Minute

// SweepResult summarizes one sweep cycle.
type SweepResult struct {
	Evicted   []string
	Remaining int
	StartTime time.Time
	EndTime   time.Time
}

// DurationMs returns the cycle duration in milliseconds.
func (r SweepResult) DurationMs() int64 {
	return r.EndTime.Sub(r.StartTime).Milliseconds()
}

// Sweeper periodically evicts idle sessions from a Store.
//
// # Description
//
// Runs a background goroutine driven by a ticker and a done channel. One
// sweep runs immediately on Start, then once per interval until Stop is
// called or the context passed to Start is cancelled.
//
// # Thread Safety
//
// Start, Stop and RunNow are safe for concurrent use. Stop blocks until the
// loop goroutine has exited.
type Sweeper struct {
	store    *Store
	interval time.Duration
	logger   *logging.Logger

	mu      sync.Mutex
	running bool
	done    chan struct{}
	exited  chan struct{}
}

// NewSweeper creates a sweeper for store. A non-positive interval uses
// DefaultSweepInterval; a nil logger discards output.
func NewSweeper(store *Store, interval time.Duration, logger *logging.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Sweeper{store: store, interval: interval, logger: logger}
}

// Start begins the background loop. It fails if the loop is already running.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("session sweeper is already running")
	}
	s.running = true
	s.done = make(chan struct{})
	s.exited = make(chan struct{})

	s.logger.Info("session sweeper starting",
		"interval", s.interval.String(),
		"ttl", s.store.TTL().String(),
	)
	go s.runLoop(ctx, s.done, s.exited)
	return nil
}

// Stop signals the loop to exit and waits for it. Safe to call repeatedly.
func (s *Sweeper) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	close(s.done)
	exited := s.exited
	s.running = false
	s.mu.Unlock()

	<-exited
	s.logger.Info("session sweeper stopped")
	return nil
}

// RunNow performs one sweep immediately.
func (s *Sweeper) RunNow() SweepResult {
	start := s.store.now()
	evicted := s.store.Sweep(start)
	return SweepResult{
		Evicted:   evicted,
		Remaining: s.store.Len(),
		StartTime: start,
		EndTime:   s.store.now(),
	}
}

func (s *Sweeper) runLoop(ctx context.Context, done, exited chan struct{}) {
	defer close(exited)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.execute()
	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			s.execute()
		}
	}
}

func (s *Sweeper) execute() {
	result := s.RunNow()
	if len(result.Evicted) == 0 {
		return
	}
	s.logger.Info("session sweep completed",
		"evicted", len(result.Evicted),
		"remaining", result.Remaining,
		"duration_ms", result.DurationMs(),
	)
}
