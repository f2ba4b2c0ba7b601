// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transform

import (
	"math"

	"github.com/AleutianAI/AnalystToolkit/services/toolserver/dataset"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/ledger"
)

// DriftThreshold is the relative mean change above which a numeric column
// counts as drifted.
const DriftThreshold = 0.1

// TypeChange records a column whose type differs between frames.
type TypeChange struct {
	Base   string `json:"base"`
	Target string `json:"target"`
}

// MeanDrift records the mean of a numeric column in both frames.
type MeanDrift struct {
	BaseMean   float64 `json:"base_mean"`
	TargetMean float64 `json:"target_mean"`
	DiffPct    float64 `json:"diff_pct"`
}

// Drift compares target against base.
//
// diff_pct is |target-base| / (|base| + 1e-9) rounded to four places.
// Drift is detected on any type change or any diff_pct above
// DriftThreshold. drift_ratio is the share of all columns seen in either
// frame that were added, removed, retyped or drifted. The returned frame
// is target.
func Drift(base, target *dataset.Frame) Output {
	baseCols := make(map[string]*dataset.Column, base.NumCols())
	for _, c := range base.Columns {
		baseCols[c.Name] = c
	}
	targetCols := make(map[string]*dataset.Column, target.NumCols())
	for _, c := range target.Columns {
		targetCols[c.Name] = c
	}

	added := []string{}
	for _, c := range target.Columns {
		if _, ok := baseCols[c.Name]; !ok {
			added = append(added, c.Name)
		}
	}
	removed := []string{}
	for _, c := range base.Columns {
		if _, ok := targetCols[c.Name]; !ok {
			removed = append(removed, c.Name)
		}
	}

	typeChanges := map[string]TypeChange{}
	numeric := map[string]MeanDrift{}
	drifted := 0
	detected := false
	for _, b := range base.Columns {
		t, ok := targetCols[b.Name]
		if !ok {
			continue
		}
		if b.Type != t.Type {
			typeChanges[b.Name] = TypeChange{Base: string(b.Type), Target: string(t.Type)}
			drifted++
			detected = true
			continue
		}
		if b.Type != dataset.TypeNumber {
			continue
		}
		bm, tm := mean(b.Present()), mean(t.Present())
		if math.IsNaN(bm) || math.IsNaN(tm) {
			continue
		}
		diff := round(math.Abs(tm-bm)/(math.Abs(bm)+1e-9), 4)
		numeric[b.Name] = MeanDrift{BaseMean: bm, TargetMean: tm, DiffPct: diff}
		if diff > DriftThreshold {
			drifted++
			detected = true
		}
	}

	universe := len(baseCols) + len(added)
	ratio := 0.0
	if universe > 0 {
		ratio = round(float64(drifted+len(added)+len(removed))/float64(universe), 4)
	}

	status := ledger.StatusPass
	if detected {
		status = ledger.StatusWarn
	}
	return Output{
		Frame: target,
		Summary: map[string]any{
			"added_columns":   len(added),
			"removed_columns": len(removed),
			"dtype_changes":   len(typeChanges),
			"drift_detected":  detected,
			"drift_ratio":     ratio,
			"row_count":       target.NumRows(),
		},
		Status: status,
		Extra: map[string]any{
			"added_columns":   added,
			"removed_columns": removed,
			"dtype_changes":   typeChanges,
			"numeric_drift":   numeric,
		},
	}
}
