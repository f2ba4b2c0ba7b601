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
	"fmt"
	"strings"

	"github.com/AleutianAI/AnalystToolkit/services/toolserver/apperr"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/health"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/ledger"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/registry"
)

// latestErrorsLimit caps the latest_errors projection.
const latestErrorsLimit = 5

func registerCockpit(b *registry.Builder, d *Deps) {
	runSelector := map[string]any{
		"run_id":     stringProp("The run identifier to look up."),
		"session_id": stringProp("Resolve the run from this session's last run_id when run_id is omitted."),
	}
	oneOfRun := []any{
		map[string]any{"required": []any{"run_id"}},
		map[string]any{"required": []any{"session_id"}},
	}

	historyProps := map[string]any{
		"failures_only":           map[string]any{"type": "boolean", "default": false, "description": "Keep only fail/error entries and entries whose summary says passed=false."},
		"latest_errors":           map[string]any{"type": "boolean", "default": false, "description": "Include the five most recent failures, newest first."},
		"latest_status_by_module": map[string]any{"type": "boolean", "default": false, "description": "Include the latest status per module."},
		"limit":                   map[string]any{"type": "integer", "minimum": 1, "description": "Return only the most recent N entries after filtering."},
		"summary_only":            map[string]any{"type": "boolean", "description": "Return compact entries. Applies the default limit when limit is omitted."},
	}
	for k, v := range runSelector {
		historyProps[k] = v
	}
	historySchema := objectSchema(historyProps)
	historySchema["anyOf"] = oneOfRun

	healthSchema := objectSchema(runSelector)
	healthSchema["anyOf"] = oneOfRun

	b.Register(registry.Tool{
		Name:        NameRunHistory,
		Description: "Returns the ledger showing the exact sequence of changes for a run.",
		InputSchema: historySchema,
		ReadOnly:    true,
		Handler:     registry.HandlerFunc(d.runHistory),
	})
	b.Register(registry.Tool{
		Name:        NameHealthReport,
		Description: "Returns a Data Health Score (0-100) and red/yellow/green status for a run.",
		InputSchema: healthSchema,
		ReadOnly:    true,
		Handler:     registry.HandlerFunc(d.healthReport),
	})
	b.Register(registry.Tool{
		Name:        NameGoldenTemplates,
		Description: "Returns a library of golden config templates for common use cases.",
		InputSchema: objectSchema(map[string]any{}),
		ReadOnly:    true,
		Handler:     registry.HandlerFunc(d.goldenTemplates),
	})
	b.Register(registry.Tool{
		Name:        NameConfigSchema,
		Description: "Returns the JSON Schema for a module config.",
		InputSchema: objectSchema(map[string]any{
			"module_name": map[string]any{"type": "string", "enum": toAny(configModuleNames())},
		}, "module_name"),
		ReadOnly: true,
		Handler:  registry.HandlerFunc(d.configSchema),
	})
	b.Register(registry.Tool{
		Name:        NamePreflight,
		Description: "Normalize and check a module config before running it. strict=true turns warnings and unknown keys into an error status.",
		InputSchema: objectSchema(map[string]any{
			"module_name": map[string]any{"type": "string", "enum": toAny(configModuleNames())},
			"config":      map[string]any{"type": "object", "default": map[string]any{}},
			"strict":      map[string]any{"type": "boolean", "default": false},
		}, "module_name"),
		ReadOnly: true,
		Handler:  registry.HandlerFunc(d.preflight),
	})
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

type runSelectorArgs struct {
	RunID     string `json:"run_id"`
	SessionID string `json:"session_id"`
}

// runFor returns the run named by args. A session without a recorded run
// is reported as invalid params rather than silently reading nothing.
func (d *Deps) runFor(ctx context.Context, args runSelectorArgs) (string, error) {
	if runID := strings.TrimSpace(args.RunID); runID != "" {
		return runID, ledger.ValidateRunID(runID)
	}
	snap, err := d.Store.Get(ctx, args.SessionID)
	if err != nil {
		return "", err
	}
	if snap.Meta.RunID == "" {
		return "", apperr.InvalidParams("run_unknown", "session %s has no recorded run_id", args.SessionID).
			WithRemediation("Pass run_id explicitly.")
	}
	return snap.Meta.RunID, nil
}

// historyStatus is warn when the stored history had to be recovered.
func historyStatus(h *ledger.History) ledger.Status {
	if h.Recovered() {
		return ledger.StatusWarn
	}
	return ledger.StatusPass
}

type historyArgs struct {
	runSelectorArgs
	FailuresOnly         bool  `json:"failures_only"`
	LatestErrors         bool  `json:"latest_errors"`
	LatestStatusByModule bool  `json:"latest_status_by_module"`
	Limit                int   `json:"limit" validate:"gte=0"`
	SummaryOnly          *bool `json:"summary_only"`
}

func (d *Deps) runHistory(ctx context.Context, call registry.Call) (*registry.Result, error) {
	var args historyArgs
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	runID, err := d.runFor(ctx, args.runSelectorArgs)
	if err != nil {
		return nil, err
	}

	summaryOnly := args.SummaryOnly != nil && *args.SummaryOnly
	limit := args.Limit
	if limit == 0 && summaryOnly {
		limit = d.RunHistoryLimit
	}

	full, err := d.Ledger.Read(ctx, runID, ledger.ReadOptions{})
	if err != nil {
		return nil, err
	}
	entries := full.Entries
	if args.FailuresOnly {
		entries = ledger.FailuresOnly(entries)
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}

	res := &registry.Result{
		Status:    historyStatus(full),
		Module:    NameRunHistory,
		RunID:     runID,
		SessionID: args.SessionID,
		Summary: map[string]any{
			"history_count":       len(entries),
			"total_history_count": full.Total,
		},
	}
	res.Set("filters", map[string]any{
		"failures_only":           args.FailuresOnly,
		"latest_errors":           args.LatestErrors,
		"latest_status_by_module": args.LatestStatusByModule,
		"limit":                   limit,
		"summary_only":            summaryOnly,
		"defaults":                map[string]any{"limit_default": d.RunHistoryLimit, "summary_only_default": false},
	})
	res.Set("history_count", len(entries))
	res.Set("total_history_count", full.Total)
	if summaryOnly {
		res.Set("ledger", ledger.Summaries(entries))
	} else {
		res.Set("ledger", entries)
	}
	latestErrors := []ledger.Entry{}
	if args.LatestErrors {
		latestErrors = ledger.LatestErrors(entries, latestErrorsLimit)
	}
	res.Set("latest_errors", latestErrors)
	byModule := map[string]ledger.ModuleStatus{}
	if args.LatestStatusByModule {
		byModule = ledger.LatestStatusByModule(entries)
	}
	res.Set("latest_status_by_module", byModule)
	res.Set("skipped_records", full.SkippedRecords)
	res.Set("parse_errors", nonNil(full.ParseErrors))
	return res, nil
}

func (d *Deps) healthReport(ctx context.Context, call registry.Call) (*registry.Result, error) {
	var args runSelectorArgs
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	runID, err := d.runFor(ctx, args)
	if err != nil {
		return nil, err
	}
	hist, err := d.Ledger.Read(ctx, runID, ledger.ReadOptions{})
	if err != nil {
		return nil, err
	}

	snap := health.Score(hist.Entries)
	res := &registry.Result{
		Status:    historyStatus(hist),
		Module:    NameHealthReport,
		RunID:     runID,
		SessionID: args.SessionID,
		Summary: map[string]any{
			"health_score":  snap.Overall,
			"health_status": snap.Band,
		},
	}
	res.Set("health_score", snap.Overall)
	res.Set("health_status", snap.Band)
	res.Set("breakdown", snap.Breakdown)
	res.Set("metrics", snap.Metrics)
	res.Set("entries_considered", snap.Entries)
	res.Set("message", fmt.Sprintf("Data Health Score is %d/100 (%s)", snap.Overall, strings.ToUpper(string(snap.Band))))
	if snap.NoData {
		res.Set("no_data", true)
		res.Set("marker", snap.Marker)
	}
	res.Set("skipped_records", hist.SkippedRecords)
	res.Set("parse_errors", nonNil(hist.ParseErrors))
	return res, nil
}

func (d *Deps) goldenTemplates(ctx context.Context, _ registry.Call) (*registry.Result, error) {
	docs := map[string]any{}
	if d.Templates != nil {
		var err error
		if docs, err = d.Templates.Documents(ctx); err != nil {
			return nil, err
		}
	}
	res := &registry.Result{
		Status:  ledger.StatusPass,
		Module:  NameGoldenTemplates,
		Summary: map[string]any{"template_count": len(docs)},
	}
	res.Set("templates", docs)
	return res, nil
}

func nonNil(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}
