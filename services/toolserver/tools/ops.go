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

	"github.com/AleutianAI/AnalystToolkit/services/toolserver/apperr"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/jobs"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/ledger"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/registry"
)

// registerOps adds the job and session tools. Job tools are skipped when
// no job store is configured.
func registerOps(b *registry.Builder, d *Deps) {
	if d.Jobs != nil {
		b.Register(registry.Tool{
			Name:        NameJobStatus,
			Description: "Get the state and result of an async job.",
			InputSchema: objectSchema(map[string]any{
				"job_id": stringProp("Job id returned by an async tool call."),
			}, "job_id"),
			ReadOnly: true,
			Handler:  registry.HandlerFunc(d.jobStatus),
		})
		b.Register(registry.Tool{
			Name:        NameListJobs,
			Description: "List recent async jobs, newest first.",
			InputSchema: objectSchema(map[string]any{
				"limit": map[string]any{"type": "integer", "minimum": 1, "default": jobs.DefaultListLimit},
				"state": map[string]any{
					"type": "string",
					"enum": []any{"", string(jobs.StateQueued), string(jobs.StateRunning), string(jobs.StateSucceeded), string(jobs.StateFailed)},
				},
			}),
			ReadOnly: true,
			Handler:  registry.HandlerFunc(d.listJobs),
		})
	}
	b.Register(registry.Tool{
		Name:        NameListSessions,
		Description: "List live in-memory sessions, most recently used first.",
		InputSchema: objectSchema(map[string]any{}),
		ReadOnly:    true,
		Handler:     registry.HandlerFunc(d.listSessions),
	})
	b.Register(registry.Tool{
		Name:        NameEvictSession,
		Description: "Drop a session and free its memory. The run ledger is not affected.",
		InputSchema: objectSchema(map[string]any{
			"session_id": stringProp("Session to evict."),
		}, "session_id"),
		Handler: registry.HandlerFunc(d.evictSession),
	})
}

type jobStatusArgs struct {
	JobID string `json:"job_id" validate:"required"`
}

func (d *Deps) jobStatus(ctx context.Context, call registry.Call) (*registry.Result, error) {
	var args jobStatusArgs
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	job, err := d.Jobs.Get(ctx, args.JobID)
	if err != nil {
		return nil, err
	}
	res := &registry.Result{
		Status:  ledger.StatusPass,
		Module:  NameJobStatus,
		RunID:   job.RunID,
		Summary: map[string]any{"state": job.State},
	}
	res.Set("job_id", job.ID)
	res.Set("job", job)
	return res, nil
}

type listJobsArgs struct {
	Limit int    `json:"limit" validate:"gte=0"`
	State string `json:"state"`
}

func (d *Deps) listJobs(ctx context.Context, call registry.Call) (*registry.Result, error) {
	var args listJobsArgs
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	state, err := jobs.ParseState(args.State)
	if err != nil {
		return nil, err
	}
	limit := args.Limit
	if limit == 0 {
		limit = jobs.DefaultListLimit
	}
	list, err := d.Jobs.List(ctx, limit, state)
	if err != nil {
		return nil, err
	}
	res := &registry.Result{
		Status: ledger.StatusPass,
		Module: NameListJobs,
		Summary: map[string]any{
			"count": len(list),
			"limit": limit,
			"state": string(state),
		},
	}
	res.Set("jobs", list)
	return res, nil
}

func (d *Deps) listSessions(_ context.Context, _ registry.Call) (*registry.Result, error) {
	sessions := d.Store.List()
	res := &registry.Result{
		Status: ledger.StatusPass,
		Module: NameListSessions,
		Summary: map[string]any{
			"count":       len(sessions),
			"ttl_seconds": int(d.Store.TTL().Seconds()),
		},
	}
	res.Set("sessions", sessions)
	return res, nil
}

type evictArgs struct {
	SessionID string `json:"session_id" validate:"required"`
}

func (d *Deps) evictSession(_ context.Context, call registry.Call) (*registry.Result, error) {
	var args evictArgs
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	if !d.Store.Evict(args.SessionID) {
		return nil, apperr.NotFound("session_not_found", "Session not found: %s", args.SessionID)
	}
	return &registry.Result{
		Status:    ledger.StatusPass,
		Module:    NameEvictSession,
		SessionID: args.SessionID,
		Summary:   map[string]any{"evicted": true},
	}, nil
}
