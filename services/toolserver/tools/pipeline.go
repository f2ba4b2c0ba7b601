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
	"strings"

	"github.com/AleutianAI/AnalystToolkit/services/toolserver/apperr"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/dataset"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/datasource"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/ledger"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/registry"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/state"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/transform"
)

// datasetArgs are the arguments shared by every data tool.
type datasetArgs struct {
	GCSPath   string         `json:"gcs_path"`
	SessionID string         `json:"session_id"`
	RunID     string         `json:"run_id"`
	Config    map[string]any `json:"config"`
	Export    bool           `json:"export"`
}

// stepFunc runs one transform against the resolved frame.
type stepFunc func(f *dataset.Frame) (transform.Output, error)

// step describes one pipeline invocation.
type step struct {
	module string

	// mutates is false for steps that only inspect data. Their output frame
	// is ignored and a session input is left untouched.
	mutates bool

	run stepFunc
}

// resolved is an input dataset.
type resolved struct {
	frame     *dataset.Frame
	sessionID string
	source    string
	note      string
}

// resolveRunID applies the timestamp default and validates the result.
func (d *Deps) resolveRunID(runID string) (string, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		runID = ledger.DefaultRunID(d.now())
	}
	if err := ledger.ValidateRunID(runID); err != nil {
		return "", err
	}
	return runID, nil
}

// resolve loads the input named by a session id or a path. A session id
// wins when both are given.
func (d *Deps) resolve(ctx context.Context, path, sessionID string) (resolved, error) {
	if sessionID = strings.TrimSpace(sessionID); sessionID != "" {
		snap, err := d.Store.Get(ctx, sessionID)
		if err != nil {
			return resolved{}, err
		}
		return resolved{frame: snap.Frame, sessionID: sessionID, source: snap.Meta.Source}, nil
	}
	if strings.TrimSpace(path) == "" {
		return resolved{}, apperr.InvalidParams(datasource.CodeMissingInput, "either gcs_path or session_id is required").
			WithRemediation("Pass a dataset path or a session_id returned by an earlier tool.")
	}
	loaded, err := d.Loader.Load(ctx, path)
	if err != nil {
		return resolved{}, err
	}
	return resolved{frame: loaded.Frame, source: loaded.Source, note: loaded.Note}, nil
}

// execute runs s for call and returns the tool result.
//
// # Description
//
// The order of effects is fixed. Nothing is written before the input has
// been resolved, so a failed or timed-out load leaves state and ledger
// untouched. For a session input the transform, export and ledger append
// all run under the session's write lock, so ledger order matches the order
// in which the session changed.
//
// # Outputs
//
//   - *registry.Result: The tool result. Transform failures and ledger
//     persistence failures are reported here with status error.
//   - error: Protocol-level failures only (unknown session, bad
//     arguments, load timeout).
func (d *Deps) execute(ctx context.Context, call registry.Call, s step) (*registry.Result, error) {
	var args datasetArgs
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	runID, err := d.resolveRunID(args.RunID)
	if err != nil {
		return nil, err
	}
	in, err := d.resolve(ctx, args.GCSPath, args.SessionID)
	if err != nil {
		return nil, err
	}

	c := &commit{deps: d, call: call, step: s, runID: runID, input: in, export: args.Export}
	if in.sessionID != "" && s.mutates {
		_, err = d.Store.Mutate(ctx, in.sessionID, func(cur *state.Snapshot) (*dataset.Frame, state.Metadata, error) {
			out, err := s.run(cur.Frame)
			if err != nil {
				return nil, state.Metadata{}, err
			}
			c.sessionID = in.sessionID
			c.record(ctx, out)
			return committed(out, cur.Frame), state.Metadata{RunID: runID, Source: in.source}, nil
		})
	} else {
		err = c.runDetached(ctx)
	}

	switch {
	case err == nil:
		return c.result, nil
	case c.result != nil:
		// Evicted mid-step: the ledger already has the entry.
		c.result.Set("session_evicted", true)
		return c.result, nil
	case apperr.Is(err, apperr.KindTransform):
		return d.transformFailure(ctx, call, s.module, runID, in.sessionID, err), nil
	default:
		return nil, err
	}
}

// committed picks the frame a mutating step leaves behind. A step that
// reports fail keeps the previous frame.
func committed(out transform.Output, previous *dataset.Frame) *dataset.Frame {
	if out.Frame == nil || out.Status == ledger.StatusFail {
		return previous
	}
	return out.Frame
}

// commit carries one invocation through export and ledger append.
type commit struct {
	deps   *Deps
	call   registry.Call
	step   step
	runID  string
	input  resolved
	export bool

	sessionID string
	result    *registry.Result
}

// runDetached handles path inputs and inspect-only steps, which need no
// session lock around the transform.
func (c *commit) runDetached(ctx context.Context) error {
	out, err := c.step.run(c.input.frame)
	if err != nil {
		return err
	}

	switch {
	case c.input.sessionID == "":
		frame := c.input.frame
		if c.step.mutates {
			frame = committed(out, frame)
		}
		id, err := c.deps.Store.Put(ctx, "", frame, state.Metadata{RunID: c.runID, Source: c.input.source})
		if err != nil {
			return err
		}
		c.sessionID = id
	default:
		c.sessionID = c.input.sessionID
	}
	c.record(ctx, out)
	return nil
}

// record exports artifacts, appends the ledger entry and builds the
// result. Persistence failures become a status=error result that still
// names the session, since the session has already moved.
func (c *commit) record(ctx context.Context, out transform.Output) {
	d := c.deps
	res := &registry.Result{
		Status:    out.Status,
		Module:    c.step.module,
		RunID:     c.runID,
		SessionID: c.sessionID,
		Summary:   out.Summary,
		TraceID:   c.call.TraceID,
	}
	for k, v := range out.Extra {
		res.Set(k, v)
	}
	if c.input.note != "" {
		res.Set("path_note", c.input.note)
	}

	if c.export && d.Artifacts != nil {
		frame := out.Frame
		if frame == nil {
			frame = c.input.frame
		}
		art, err := d.Artifacts.Export(ctx, c.step.module, c.runID, frame, out.Summary)
		if err != nil {
			d.logger().Warn("artifact export failed", "module", c.step.module, "run_id", c.runID, "error", err)
			env := apperr.ToEnvelope(err, c.call.TraceID)
			res.Set("export_error", env)
		} else {
			res.ArtifactPath = art.Path
			res.ArtifactURL = art.URL
		}
	}

	entry := ledger.Entry{
		Module:         c.step.module,
		Status:         out.Status,
		InputSessionID: c.input.sessionID,
		SessionID:      c.sessionID,
		Summary:        out.Summary,
		ArtifactPath:   res.ArtifactPath,
		ArtifactURL:    res.ArtifactURL,
		TraceID:        c.call.TraceID,
	}
	seq, err := d.Ledger.Append(ctx, c.runID, entry)
	if err != nil {
		env := apperr.ToEnvelope(err, c.call.TraceID)
		res.Status = ledger.StatusError
		res.Error = &env
	} else {
		res.Set("seq", seq)
	}
	c.result = res
}

// transformFailure records a step that could not run and returns its
// status=error result. The session is unchanged.
func (d *Deps) transformFailure(ctx context.Context, call registry.Call, module, runID, sessionID string, cause error) *registry.Result {
	res := registry.ErrorResult(module, runID, sessionID, call.TraceID, cause)
	_, err := d.Ledger.Append(ctx, runID, ledger.Entry{
		Module:         module,
		Status:         ledger.StatusError,
		InputSessionID: sessionID,
		SessionID:      sessionID,
		Summary:        map[string]any{},
		TraceID:        call.TraceID,
		Error:          res.Error.Message,
	})
	if err != nil {
		env := apperr.ToEnvelope(err, call.TraceID)
		res.Set("ledger_error", env)
	}
	return res
}
