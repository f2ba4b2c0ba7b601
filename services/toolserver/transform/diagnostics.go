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
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/dataset"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/ledger"
)

// DefaultNullThreshold is the null rate at or above which diagnostics warns.
const DefaultNullThreshold = 0.1

// DiagnosticsConfig configures Diagnostics.
type DiagnosticsConfig struct {
	NullThreshold *float64 `json:"null_threshold,omitempty" yaml:"null_threshold,omitempty"`
}

// ColumnProfile describes one column.
type ColumnProfile struct {
	Name      string  `json:"name"`
	Type      string  `json:"type"`
	NullCount int     `json:"null_count"`
	NullRate  float64 `json:"null_rate"`
	Unique    int     `json:"unique"`
}

// Diagnostics profiles f.
//
// null_rate is the mean of the per-column null rates, rounded to four
// places. The status is pass below the threshold and warn otherwise. The
// frame is returned unchanged.
func Diagnostics(f *dataset.Frame, cfg DiagnosticsConfig) Output {
	threshold := DefaultNullThreshold
	if cfg.NullThreshold != nil {
		threshold = *cfg.NullThreshold
	}

	rows, cols := f.NumRows(), f.NumCols()
	profiles := make([]ColumnProfile, 0, cols)
	rateSum := 0.0
	for _, c := range f.Columns {
		nulls := c.NullCount()
		rate := 0.0
		if rows > 0 {
			rate = float64(nulls) / float64(rows)
		}
		rateSum += rate
		profiles = append(profiles, ColumnProfile{
			Name:      c.Name,
			Type:      string(c.Type),
			NullCount: nulls,
			NullRate:  round(rate, 4),
			Unique:    distinct(c),
		})
	}

	nullRate := 0.0
	if cols > 0 {
		nullRate = round(rateSum/float64(cols), 4)
	}
	dupes := countDuplicates(f, f.Columns)

	status := ledger.StatusPass
	if nullRate >= threshold {
		status = ledger.StatusWarn
	}

	return Output{
		Frame: f,
		Summary: map[string]any{
			"shape":           []int{rows, cols},
			"null_rate":       nullRate,
			"column_count":    cols,
			"row_count":       rows,
			"duplicate_count": dupes,
		},
		Status: status,
		Extra: map[string]any{
			"profile_shape": []int{rows, cols},
			"null_rate":     nullRate,
			"column_count":  cols,
			"columns":       profiles,
		},
	}
}

func distinct(c *dataset.Column) int {
	seen := make(map[string]struct{})
	for i := 0; i < c.Len(); i++ {
		if !c.IsNull(i) {
			seen[c.Format(i)] = struct{}{}
		}
	}
	return len(seen)
}
