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

	"github.com/AleutianAI/AnalystToolkit/services/toolserver/dataset"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/registry"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/transform"
)

func registerCleaning(b *registry.Builder, d *Deps) {
	b.Register(registry.Tool{
		Name:        NameDiagnostics,
		Description: "Profile a dataset: shape, null rates, column types and duplicate rows.",
		InputSchema: datasetSchema(nil),
		Handler:     registry.HandlerFunc(d.diagnostics),
	})
	b.Register(registry.Tool{
		Name:        NameValidation,
		Description: "Check a dataset against expected columns, types, categorical values and numeric ranges.",
		InputSchema: datasetSchema(nil),
		Handler:     registry.HandlerFunc(d.validation),
	})
	b.Register(registry.Tool{
		Name:        NameOutliers,
		Description: "Run IQR or z-score outlier detection per numeric column, optionally clipping or removing outliers.",
		InputSchema: datasetSchema(nil),
		Handler:     registry.HandlerFunc(d.outliers),
	})
	b.Register(registry.Tool{
		Name:        NameNormalization,
		Description: "Rename columns, standardize text, map values and coerce types.",
		InputSchema: datasetSchema(nil),
		Handler:     registry.HandlerFunc(d.normalization),
	})
	b.Register(registry.Tool{
		Name:        NameDuplicates,
		Description: "Flag or remove duplicate rows across all columns or a subset.",
		InputSchema: datasetSchema(nil),
		Handler:     registry.HandlerFunc(d.duplicates),
	})
	b.Register(registry.Tool{
		Name:        NameImputation,
		Description: "Fill missing values per column with mean, median, mode or a constant.",
		InputSchema: datasetSchema(nil),
		Handler:     registry.HandlerFunc(d.imputation),
	})
	b.Register(registry.Tool{
		Name:        NameFinalAudit,
		Description: "Apply final edits and certify the dataset: validation rules, required non-null columns and no duplicates.",
		InputSchema: datasetSchema(nil),
		Handler:     registry.HandlerFunc(d.finalAudit),
	})
}

// moduleConfig extracts the config argument, canonicalizes its shape and
// decodes it into dst.
func moduleConfig(call registry.Call, module string, dst any) error {
	raw, _ := call.Arguments["config"].(map[string]any)
	return transform.DecodeConfig(Canonicalize(module, raw), module, dst)
}

func (d *Deps) diagnostics(ctx context.Context, call registry.Call) (*registry.Result, error) {
	var cfg transform.DiagnosticsConfig
	if err := moduleConfig(call, NameDiagnostics, &cfg); err != nil {
		return nil, err
	}
	return d.execute(ctx, call, step{
		module: NameDiagnostics,
		run: func(f *dataset.Frame) (transform.Output, error) {
			return transform.Diagnostics(f, cfg), nil
		},
	})
}

func (d *Deps) validation(ctx context.Context, call registry.Call) (*registry.Result, error) {
	var cfg transform.ValidationConfig
	if err := moduleConfig(call, NameValidation, &cfg); err != nil {
		return nil, err
	}
	return d.execute(ctx, call, step{
		module: NameValidation,
		run: func(f *dataset.Frame) (transform.Output, error) {
			return transform.Validation(f, cfg), nil
		},
	})
}

func (d *Deps) outliers(ctx context.Context, call registry.Call) (*registry.Result, error) {
	var cfg transform.OutliersConfig
	if err := moduleConfig(call, NameOutliers, &cfg); err != nil {
		return nil, err
	}
	return d.execute(ctx, call, step{
		module:  NameOutliers,
		mutates: cfg.Handling == transform.HandleClip || cfg.Handling == transform.HandleRemove,
		run: func(f *dataset.Frame) (transform.Output, error) {
			return transform.Outliers(f, cfg)
		},
	})
}

func (d *Deps) normalization(ctx context.Context, call registry.Call) (*registry.Result, error) {
	var cfg transform.NormalizationConfig
	if err := moduleConfig(call, NameNormalization, &cfg); err != nil {
		return nil, err
	}
	return d.execute(ctx, call, step{
		module:  NameNormalization,
		mutates: true,
		run: func(f *dataset.Frame) (transform.Output, error) {
			return transform.Normalization(f, cfg)
		},
	})
}

func (d *Deps) duplicates(ctx context.Context, call registry.Call) (*registry.Result, error) {
	var cfg transform.DuplicatesConfig
	if err := moduleConfig(call, NameDuplicates, &cfg); err != nil {
		return nil, err
	}
	return d.execute(ctx, call, step{
		module:  NameDuplicates,
		mutates: cfg.Mode == transform.DuplicateRemove,
		run: func(f *dataset.Frame) (transform.Output, error) {
			return transform.Duplicates(f, cfg)
		},
	})
}

func (d *Deps) imputation(ctx context.Context, call registry.Call) (*registry.Result, error) {
	var cfg transform.ImputationConfig
	if err := moduleConfig(call, NameImputation, &cfg); err != nil {
		return nil, err
	}
	return d.execute(ctx, call, step{
		module:  NameImputation,
		mutates: true,
		run: func(f *dataset.Frame) (transform.Output, error) {
			return transform.Imputation(f, cfg)
		},
	})
}

func (d *Deps) finalAudit(ctx context.Context, call registry.Call) (*registry.Result, error) {
	var cfg transform.FinalAuditConfig
	if err := moduleConfig(call, NameFinalAudit, &cfg); err != nil {
		return nil, err
	}
	return d.execute(ctx, call, step{
		module:  NameFinalAudit,
		mutates: len(cfg.FinalEdits.DropColumns) > 0 || len(cfg.FinalEdits.RenameColumns) > 0,
		run: func(f *dataset.Frame) (transform.Output, error) {
			return transform.FinalAudit(f, cfg)
		},
	})
}
