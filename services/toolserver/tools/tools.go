// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tools implements the tool handlers exposed through the registry.
//
// Data tools share one pipeline: resolve the input dataset (a session or a
// path), run a transform step, commit the result to a session, optionally
// export artifacts, and append one ledger entry. Cockpit and job tools are
// read-only and never touch the ledger.
package tools

import (
	"time"

	"github.com/AleutianAI/AnalystToolkit/pkg/logging"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/artifacts"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/datasource"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/jobs"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/ledger"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/registry"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/state"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/templates"
)

// Tool names.
const (
	NameDiagnostics     = "diagnostics"
	NameValidation      = "validation"
	NameOutliers        = "outliers"
	NameNormalization   = "normalization"
	NameDuplicates      = "duplicates"
	NameImputation      = "imputation"
	NameInferConfigs    = "infer_configs"
	NameAutoHeal        = "auto_heal"
	NameFinalAudit      = "final_audit"
	NameDrift           = "drift_detection"
	NameRunHistory      = "get_run_history"
	NameHealthReport    = "get_data_health_report"
	NameGoldenTemplates = "get_golden_templates"
	NameConfigSchema    = "get_config_schema"
	NamePreflight       = "preflight_config"
	NameJobStatus       = "get_job_status"
	NameListJobs        = "list_jobs"
	NameListSessions    = "list_sessions"
	NameEvictSession    = "evict_session"
)

// Deps are the collaborators shared by every handler.
//
// # Fields
//
//   - Store: Session snapshots. Required.
//   - Ledger: Run history. Required.
//   - Loader: Dataset loading for gcs_path inputs. Required.
//   - Artifacts: Export target for export=true. nil disables exports.
//   - Templates: Golden templates. nil serves an empty catalog.
//   - Jobs: Async job store for the job tools. nil disables them.
//   - AutoHeal: Handler for auto_heal. nil leaves the tool unregistered.
//   - RunHistoryLimit: Default limit for summary-only history reads.
type Deps struct {
	Store     *state.Store
	Ledger    *ledger.Ledger
	Loader    *datasource.Loader
	Artifacts *artifacts.Writer
	Templates *templates.Catalog
	Jobs      *jobs.Store
	AutoHeal  registry.Handler

	RunHistoryLimit int
	Logger          *logging.Logger
	Now             func() time.Time
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Deps) logger() *logging.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return logging.Nop()
}

// Register adds every tool to b in the order tools/list reports them.
func Register(b *registry.Builder, d *Deps) {
	registerCleaning(b, d)
	registerInference(b, d)
	if d.AutoHeal != nil {
		b.Register(registry.Tool{
			Name:        NameAutoHeal,
			Description: "Automatically infer and apply cleaning rules (normalization, imputation) in one step. Set async_mode to run as a background job.",
			InputSchema: autoHealSchema(),
			Handler:     d.AutoHeal,
		})
	}
	registerCockpit(b, d)
	registerOps(b, d)
}

// =============================================================================
// Schemas
// =============================================================================

func datasetSchema(extra map[string]any) map[string]any {
	props := map[string]any{
		"gcs_path": map[string]any{
			"type":        "string",
			"description": "Local CSV path or GCS URI (gs://bucket/path) to load data from. Optional if session_id is used.",
		},
		"session_id": map[string]any{
			"type":        "string",
			"description": "In-memory session from a previous tool run. If provided, gcs_path is ignored.",
		},
		"config": map[string]any{
			"type":        "object",
			"description": "Module config (matches the module YAML block). See get_config_schema.",
			"default":     map[string]any{},
		},
		"run_id": map[string]any{
			"type":        "string",
			"description": "Run identifier grouping ledger entries and artifacts. Defaults to a UTC timestamp.",
		},
		"export": map[string]any{
			"type":        "boolean",
			"description": "Write the resulting data and summary as artifacts.",
			"default":     false,
		},
	}
	for k, v := range extra {
		props[k] = v
	}
	return map[string]any{
		"type":       "object",
		"properties": props,
		"anyOf": []any{
			map[string]any{"required": []any{"gcs_path"}},
			map[string]any{"required": []any{"session_id"}},
		},
	}
}

func autoHealSchema() map[string]any {
	return datasetSchema(map[string]any{
		"async_mode": map[string]any{
			"type":        "boolean",
			"description": "Queue the run as a job and return job_id immediately.",
			"default":     false,
		},
	})
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		req := make([]any, len(required))
		for i, r := range required {
			req[i] = r
		}
		s["required"] = req
	}
	return s
}

func stringProp(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}
