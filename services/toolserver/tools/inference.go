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
	"maps"

	"github.com/AleutianAI/AnalystToolkit/services/toolserver/dataset"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/ledger"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/registry"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/transform"
)

func registerInference(b *registry.Builder, d *Deps) {
	modules := make([]any, len(transform.InferableModules))
	for i, m := range transform.InferableModules {
		modules[i] = m
	}
	b.Register(registry.Tool{
		Name:        NameInferConfigs,
		Description: "Inspect a dataset and generate YAML config strings for toolkit modules. Returns module name to YAML.",
		InputSchema: datasetSchema(map[string]any{
			"modules": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string", "enum": modules},
				"description": "Modules to generate configs for. Empty means every inferable module.",
				"default":     []any{},
			},
			"options": map[string]any{
				"type":        "object",
				"description": "Optional overrides: sample_rows, max_unique, exclude_patterns.",
				"properties": map[string]any{
					"sample_rows":      map[string]any{"type": "integer", "minimum": 0},
					"max_unique":       map[string]any{"type": "integer", "minimum": 1},
					"exclude_patterns": map[string]any{"type": "string"},
				},
				"default": map[string]any{},
			},
		}),
		Handler: registry.HandlerFunc(d.inferConfigs),
	})

	b.Register(registry.Tool{
		Name:        NameDrift,
		Description: "Compare two datasets to detect schema drift and statistical changes.",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"base_path":         stringProp("Path to the base (reference) dataset."),
				"base_session_id":   stringProp("Session holding the base dataset."),
				"target_path":       stringProp("Path to the target (new) dataset."),
				"target_session_id": stringProp("Session holding the target dataset."),
				"run_id":            stringProp("Optional run identifier."),
				"export":            map[string]any{"type": "boolean", "default": false},
			},
			"anyOf": []any{
				map[string]any{"required": []any{"base_path", "target_path"}},
				map[string]any{"required": []any{"base_session_id", "target_session_id"}},
				map[string]any{"required": []any{"base_path", "target_session_id"}},
				map[string]any{"required": []any{"base_session_id", "target_path"}},
			},
		},
		Handler: registry.HandlerFunc(d.drift),
	})
}

type inferArgs struct {
	Modules []string               `json:"modules"`
	Options transform.InferOptions `json:"options"`
}

func (d *Deps) inferConfigs(ctx context.Context, call registry.Call) (*registry.Result, error) {
	var args inferArgs
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	return d.execute(ctx, call, step{
		module: NameInferConfigs,
		run: func(f *dataset.Frame) (transform.Output, error) {
			inferred, err := transform.InferConfigs(f, args.Modules, args.Options)
			if err != nil {
				return transform.Output{}, err
			}
			return transform.Output{
				Frame: f,
				Summary: map[string]any{
					"modules_generated": inferred.Modules,
					"module_count":      len(inferred.Modules),
					"row_count":         f.NumRows(),
				},
				Status: ledger.StatusPass,
				Extra: map[string]any{
					"configs":           inferred.Configs,
					"modules_generated": inferred.Modules,
				},
			}, nil
		},
	})
}

type driftArgs struct {
	BasePath      string `json:"base_path"`
	BaseSessionID string `json:"base_session_id"`
}

// drift resolves the base dataset, then runs the comparison through the
// shared pipeline with the target as the step input.
func (d *Deps) drift(ctx context.Context, call registry.Call) (*registry.Result, error) {
	var args driftArgs
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	base, err := d.resolve(ctx, args.BasePath, args.BaseSessionID)
	if err != nil {
		return nil, err
	}

	targetArgs := maps.Clone(call.Arguments)
	targetArgs["gcs_path"] = call.Arguments["target_path"]
	targetArgs["session_id"] = call.Arguments["target_session_id"]
	delete(targetArgs, "config")
	targetCall := call
	targetCall.Arguments = targetArgs

	res, err := d.execute(ctx, targetCall, step{
		module: NameDrift,
		run: func(f *dataset.Frame) (transform.Output, error) {
			return transform.Drift(base.frame, f), nil
		},
	})
	if err != nil {
		return nil, err
	}
	if base.sessionID != "" {
		res.Set("base_session_id", base.sessionID)
	}
	return res, nil
}
