// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package autoheal runs the fixed infer, normalize, impute pipeline.
//
// Every step is an ordinary tool invocation through the registry, so each
// one validates its arguments, commits its session and appends its own
// ledger entry exactly as a tools/call would. The orchestrator only threads
// the run id and session id from one step to the next and decides when to
// stop.
package autoheal

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AnalystToolkit/pkg/logging"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/apperr"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/jobs"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/ledger"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/registry"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/state"
)

// Tool names the pipeline invokes.
const (
	ToolName          = "auto_heal"
	toolInfer         = "infer_configs"
	toolNormalization = "normalization"
	toolImputation    = "imputation"
)

// Stage is a pipeline state. A stage is reached when its step succeeds.
type Stage string

const (
	StageInferred   Stage = "inferred"
	StageNormalized Stage = "normalized"
	StageImputed    Stage = "imputed"
	StageDone       Stage = "done"
)

// CompletedMessage is returned when every stage succeeded.
const CompletedMessage = "Auto-healing completed. Normalization and Imputation applied based on inference."

// Error codes.
const (
	CodeNotBound       = "autoheal_not_bound"
	CodeAsyncDisabled  = "async_unavailable"
	CodeBadInferConfig = "inferred_config_invalid"
)

// Invoker runs one tool call. *registry.Registry implements it.
type Invoker interface {
	Invoke(ctx context.Context, call registry.Call) (*registry.Result, error)
}

// StageResult records one attempted step.
type StageResult struct {
	Stage     Stage            `json:"stage"`
	Tool      string           `json:"tool"`
	Status    ledger.Status    `json:"status"`
	SessionID string           `json:"session_id,omitempty"`
	Summary   map[string]any   `json:"summary"`
	Skipped   bool             `json:"skipped,omitempty"`
	Error     *apperr.Envelope `json:"error,omitempty"`
}

// Params are the pipeline inputs.
type Params struct {
	GCSPath   string `json:"gcs_path"`
	SessionID string `json:"session_id"`
	RunID     string `json:"run_id"`
	Export    bool   `json:"export"`
	AsyncMode bool   `json:"async_mode"`
}

func (p Params) inputs() map[string]any {
	in := map[string]any{"run_id": p.RunID}
	if p.GCSPath != "" {
		in["gcs_path"] = p.GCSPath
	}
	if p.SessionID != "" {
		in["session_id"] = p.SessionID
	}
	if p.Export {
		in["export"] = true
	}
	return in
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithRunner enables async_mode.
func WithRunner(r *jobs.Runner) Option {
	return func(o *Orchestrator) { o.runner = r }
}

// WithStore lets the final result report the healed row count.
func WithStore(s *state.Store) Option {
	return func(o *Orchestrator) { o.store = s }
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithClock overrides time.Now for default run ids.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

type invokerBox struct{ Invoker }

// Orchestrator is the auto_heal tool handler.
//
// # Description
//
// The orchestrator is registered as a tool and also invokes tools, so it
// is created before the registry is built and bound to it afterwards with
// Bind. Calls made before Bind fail with an internal error.
//
// # Thread Safety
//
// Safe for concurrent use once bound.
type Orchestrator struct {
	invoker atomic.Pointer[invokerBox]
	ledger  *ledger.Ledger
	store   *state.Store
	runner  *jobs.Runner
	logger  *logging.Logger
	now     func() time.Time
}

// New creates an unbound orchestrator that records its aggregate entry in l.
func New(l *ledger.Ledger, opts ...Option) *Orchestrator {
	o := &Orchestrator{ledger: l, logger: logging.Nop(), now: time.Now}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Bind sets the invoker used for each step.
func (o *Orchestrator) Bind(inv Invoker) {
	o.invoker.Store(&invokerBox{inv})
}

// Call implements registry.Handler.
func (o *Orchestrator) Call(ctx context.Context, call registry.Call) (*registry.Result, error) {
	var p Params
	if err := call.Decode(&p); err != nil {
		return nil, err
	}
	p.RunID = strings.TrimSpace(p.RunID)
	if p.RunID == "" {
		p.RunID = ledger.DefaultRunID(o.now())
	}
	if err := ledger.ValidateRunID(p.RunID); err != nil {
		return nil, err
	}
	if p.AsyncMode {
		return o.submit(ctx, call.TraceID, p)
	}
	return o.Run(ctx, call.TraceID, p)
}

// submit queues the pipeline as a job. Steps run by the job reuse the
// submitting call's trace id.
func (o *Orchestrator) submit(ctx context.Context, traceID string, p Params) (*registry.Result, error) {
	if o.runner == nil {
		return nil, apperr.InvalidParams(CodeAsyncDisabled, "async_mode is not available on this server").
			WithRemediation("Call auto_heal without async_mode.")
	}
	job, err := o.runner.Submit(ctx, ToolName, p.RunID, p.inputs(), func(jobCtx context.Context) (any, error) {
		res, err := o.Run(jobCtx, traceID, p)
		if err != nil {
			return nil, err
		}
		if res.Failed() {
			return nil, stoppedError(res)
		}
		return res, nil
	})
	if err != nil {
		return nil, err
	}

	res := &registry.Result{
		Status:    ledger.StatusPass,
		Module:    ToolName,
		RunID:     p.RunID,
		SessionID: p.SessionID,
		Summary:   map[string]any{"job_id": job.ID, "state": job.State},
		TraceID:   traceID,
	}
	res.Set("job_id", job.ID)
	res.Set("state", job.State)
	res.Set("message", "Auto-heal queued. Poll get_job_status with job_id.")
	return res, nil
}

// Run executes the pipeline synchronously.
//
// # Outputs
//
//   - *registry.Result: Status pass or warn when every stage succeeded;
//     otherwise the failing step's status with the partial stages and the
//     failing step's detail.
//   - error: Only when the first step cannot start (bad input, unknown
//     session). Nothing has been recorded in that case.
func (o *Orchestrator) Run(ctx context.Context, traceID string, p Params) (*registry.Result, error) {
	box := o.invoker.Load()
	if box == nil {
		return nil, apperr.Internal(errors.New("auto_heal invoked before Bind"), CodeNotBound)
	}
	r := &run{o: o, inv: box.Invoker, traceID: traceID, params: p, status: ledger.StatusPass}

	configs, err := r.infer(ctx)
	if err != nil {
		return nil, err
	}
	if r.failed() {
		return r.partial(), nil
	}
	for _, step := range []struct {
		stage Stage
		tool  string
	}{
		{StageNormalized, toolNormalization},
		{StageImputed, toolImputation},
	} {
		r.apply(ctx, step.stage, step.tool, configs[step.tool])
		if r.failed() {
			return r.partial(), nil
		}
	}
	return r.finish(ctx), nil
}

// run is the state of one pipeline execution.
type run struct {
	o       *Orchestrator
	inv     Invoker
	traceID string
	params  Params

	sessionID string
	stages    []StageResult
	status    ledger.Status
	artifact  struct{ path, url string }
	failure   *StageResult
}

func (r *run) failed() bool { return r.failure != nil }

func (r *run) invoke(ctx context.Context, tool string, args map[string]any) (*registry.Result, error) {
	args["run_id"] = r.params.RunID
	return r.inv.Invoke(ctx, registry.Call{Name: tool, Arguments: args, TraceID: r.traceID})
}

func (r *run) infer(ctx context.Context) (map[string]string, error) {
	args := map[string]any{"modules": []any{toolNormalization, toolImputation}}
	if r.params.SessionID != "" {
		args["session_id"] = r.params.SessionID
	} else {
		args["gcs_path"] = r.params.GCSPath
	}
	res, err := r.invoke(ctx, toolInfer, args)
	if err != nil {
		return nil, err
	}
	r.record(StageInferred, toolInfer, res)
	configs, _ := res.Extra["configs"].(map[string]string)
	return configs, nil
}

// apply runs one cleaning step on the current session.
func (r *run) apply(ctx context.Context, stage Stage, tool, doc string) {
	if strings.TrimSpace(doc) == "" {
		r.stages = append(r.stages, StageResult{Stage: stage, Tool: tool, Status: ledger.StatusPass, SessionID: r.sessionID, Summary: map[string]any{}, Skipped: true})
		return
	}
	var cfg map[string]any
	if err := yaml.Unmarshal([]byte(doc), &cfg); err != nil {
		r.fail(stage, tool, apperr.Newf(apperr.KindTransform, CodeBadInferConfig, "inferred %s config is not valid YAML: %v", tool, err))
		return
	}
	args := map[string]any{"session_id": r.sessionID, "config": cfg}
	if r.params.Export {
		args["export"] = true
	}
	res, err := r.invoke(ctx, tool, args)
	if err != nil {
		r.fail(stage, tool, err)
		return
	}
	r.record(stage, tool, res)
}

// record appends a completed step and marks a failure if it reported one.
func (r *run) record(stage Stage, tool string, res *registry.Result) {
	sr := StageResult{Stage: stage, Tool: tool, Status: res.Status, SessionID: res.SessionID, Summary: res.Summary, Error: res.Error}
	if sr.Summary == nil {
		sr.Summary = map[string]any{}
	}
	r.stages = append(r.stages, sr)
	if res.Failed() {
		r.failure = &r.stages[len(r.stages)-1]
		return
	}
	if res.SessionID != "" {
		r.sessionID = res.SessionID
	}
	if res.Status == ledger.StatusWarn {
		r.status = ledger.StatusWarn
	}
	if res.ArtifactPath != "" {
		r.artifact.path, r.artifact.url = res.ArtifactPath, res.ArtifactURL
	}
}

// fail records a step that returned a protocol error instead of a result,
// such as the session being evicted between steps.
func (r *run) fail(stage Stage, tool string, err error) {
	env := apperr.ToEnvelope(err, r.traceID)
	r.stages = append(r.stages, StageResult{Stage: stage, Tool: tool, Status: ledger.StatusError, SessionID: r.sessionID, Summary: map[string]any{}, Error: &env})
	r.failure = &r.stages[len(r.stages)-1]
}

func (r *run) completed() []Stage {
	done := make([]Stage, 0, len(r.stages))
	for _, s := range r.stages {
		if s.Status.Failed() {
			break
		}
		done = append(done, s.Stage)
	}
	return done
}

func (r *run) stepSummaries() map[string]any {
	out := map[string]any{}
	for _, s := range r.stages {
		if s.Tool != toolInfer && !s.Skipped {
			out[s.Tool] = s.Summary
		}
	}
	return out
}

// partial builds the result for a pipeline that stopped early. Earlier
// steps stay committed.
func (r *run) partial() *registry.Result {
	f := r.failure
	r.o.logger.Warn("auto_heal stopped",
		"run_id", r.params.RunID,
		"failed_stage", f.Stage,
		"status", f.Status,
		"session_id", r.sessionID,
	)
	summary := r.stepSummaries()
	summary["stages_completed"] = r.completed()
	summary["failed_stage"] = f.Stage

	res := &registry.Result{
		Status:    f.Status,
		Module:    ToolName,
		RunID:     r.params.RunID,
		SessionID: r.sessionID,
		Summary:   summary,
		TraceID:   r.traceID,
		Error:     f.Error,
	}
	res.Set("stages", r.stages)
	res.Set("failed_stage", f.Stage)
	res.Set("message", fmt.Sprintf("Auto-heal stopped at stage %s (%s).", f.Stage, f.Status))
	return res
}

// finish appends the aggregate entry and builds the success result.
func (r *run) finish(ctx context.Context) *registry.Result {
	summary := r.stepSummaries()
	summary["stages_completed"] = append(r.completed(), StageDone)
	if r.o.store != nil && r.sessionID != "" {
		if snap, err := r.o.store.Get(ctx, r.sessionID); err == nil {
			summary["row_count"] = snap.Meta.RowCount
		}
	}

	res := &registry.Result{
		Status:       r.status,
		Module:       ToolName,
		RunID:        r.params.RunID,
		SessionID:    r.sessionID,
		Summary:      summary,
		ArtifactPath: r.artifact.path,
		ArtifactURL:  r.artifact.url,
		TraceID:      r.traceID,
	}
	res.Set("stages", r.stages)
	res.Set("message", CompletedMessage)

	seq, err := r.o.ledger.Append(ctx, r.params.RunID, ledger.Entry{
		Module:         ToolName,
		Status:         r.status,
		InputSessionID: r.params.SessionID,
		SessionID:      r.sessionID,
		Summary:        summary,
		ArtifactPath:   r.artifact.path,
		ArtifactURL:    r.artifact.url,
		TraceID:        r.traceID,
	})
	if err != nil {
		env := apperr.ToEnvelope(err, r.traceID)
		res.Status = ledger.StatusError
		res.Error = &env
		return res
	}
	res.Set("seq", seq)
	return res
}

// stoppedError describes a pipeline that stopped early, for the job record.
func stoppedError(res *registry.Result) error {
	msg := fmt.Sprint(res.Extra["message"])
	if res.Error != nil {
		msg += " " + res.Error.Message
	}
	code := "auto_heal_incomplete"
	if res.Error != nil && res.Error.Code != "" {
		code = res.Error.Code
	}
	return apperr.New(apperr.KindTransform, code, msg).
		WithRemediation("Inspect the run with get_run_history and retry the failed stage.")
}
