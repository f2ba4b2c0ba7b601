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
	"fmt"
	"sync"

	"github.com/AleutianAI/AnalystToolkit/pkg/logging"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/apperr"
)

// Func is the body of a job. Its result is stored on success.
type Func func(ctx context.Context) (any, error)

type task struct {
	id  string
	run Func
}

// Runner executes submitted jobs on a fixed pool of workers.
//
// # Description
//
// Submit persists the job as queued and hands it to the pool through a
// bounded queue. A full queue fails the job immediately instead of
// blocking the RPC that submitted it. Workers run each job under the
// context passed to Start, so Stop cancels jobs still in flight.
//
// # Thread Safety
//
// Submit, Start and Stop are safe for concurrent use.
type Runner struct {
	store   *Store
	workers int
	queue   chan task
	logger  *logging.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewRunner creates a runner with workers goroutines and a queue of
// queueSize pending jobs.
func NewRunner(store *Store, workers, queueSize int, logger *logging.Logger) *Runner {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = workers * 16
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &Runner{
		store:   store,
		workers: workers,
		queue:   make(chan task, queueSize),
		logger:  logger,
	}
}

// Store returns the backing job store.
func (r *Runner) Store() *Store { return r.store }

// Start launches the workers.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("job runner is already running")
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.running = true
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go r.work(ctx)
	}
	r.logger.Info("job runner starting", "workers", r.workers, "queue", cap(r.queue))
	return nil
}

// Stop cancels running jobs and waits for the workers to exit. Jobs still
// queued stay queued and are failed by RecoverInterrupted on next start.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.cancel()
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info("job runner stopped")
}

// Submit records a queued job and schedules fn.
func (r *Runner) Submit(ctx context.Context, module, runID string, inputs map[string]any, fn Func) (Job, error) {
	job, err := r.store.Create(ctx, module, runID, inputs)
	if err != nil {
		return Job{}, err
	}

	select {
	case r.queue <- task{id: job.ID, run: fn}:
		r.logger.Debug("job queued", "job_id", job.ID, "module", module, "run_id", runID)
		return job, nil
	default:
		qerr := apperr.New(apperr.KindInternal, CodeQueueFull, "job queue is full")
		qerr.Retryable = true
		_ = r.store.MarkFailed(ctx, job.ID, apperr.ToEnvelope(qerr, ""))
		return Job{}, qerr.WithRemediation("Retry later or run the tool synchronously.")
	}
}

func (r *Runner) work(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-r.queue:
			r.execute(ctx, t)
		}
	}
}

func (r *Runner) execute(ctx context.Context, t task) {
	logger := r.logger.With("job_id", t.id)
	// Transitions are persisted even when ctx was cancelled mid-job.
	persistCtx := context.WithoutCancel(ctx)

	if err := r.store.MarkRunning(persistCtx, t.id); err != nil {
		logger.Error("job start not persisted", "error", err)
		return
	}

	result, err := safeRun(ctx, t.run)
	if err != nil {
		logger.Warn("job failed", "error", err)
		if perr := r.store.MarkFailed(persistCtx, t.id, apperr.ToEnvelope(err, "")); perr != nil {
			logger.Error("job failure not persisted", "error", perr)
		}
		return
	}
	if perr := r.store.MarkSucceeded(persistCtx, t.id, result); perr != nil {
		logger.Error("job result not persisted", "error", perr)
		return
	}
	logger.Info("job succeeded")
}

func safeRun(ctx context.Context, fn Func) (result any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = apperr.Internal(fmt.Errorf("job panicked: %v", p), "job_panic")
		}
	}()
	return fn(ctx)
}
