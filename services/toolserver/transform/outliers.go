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

	"github.com/AleutianAI/AnalystToolkit/services/toolserver/apperr"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/dataset"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/ledger"
)

// Detection methods and handling strategies.
const (
	MethodIQR    = "iqr"
	MethodZScore = "zscore"

	HandleNone   = "none"
	HandleClip   = "clip"
	HandleRemove = "remove"

	// DefaultSpecKey selects the spec used for columns without their own.
	DefaultSpecKey = "__default__"

	DefaultIQRMultiplier   = 1.5
	DefaultZScoreThreshold = 3.0
)

// OutlierSpec selects the detection method for a column.
type OutlierSpec struct {
	Method          string   `json:"method" yaml:"method"`
	IQRMultiplier   *float64 `json:"iqr_multiplier,omitempty" yaml:"iqr_multiplier,omitempty"`
	ZScoreThreshold *float64 `json:"zscore_threshold,omitempty" yaml:"zscore_threshold,omitempty"`
}

// OutliersConfig configures Outliers. Without any detection spec every
// numeric column is checked with IQR at the default multiplier.
type OutliersConfig struct {
	DetectionSpecs map[string]OutlierSpec `json:"detection_specs,omitempty" yaml:"detection_specs,omitempty"`
	ExcludeColumns []string               `json:"exclude_columns,omitempty" yaml:"exclude_columns,omitempty"`
	Handling       string                 `json:"handling,omitempty" yaml:"handling,omitempty"`
}

// OutlierLog describes the outliers of one column.
type OutlierLog struct {
	Column       string    `json:"column"`
	Method       string    `json:"method"`
	OutlierCount int       `json:"outlier_count"`
	LowerBound   float64   `json:"lower_bound"`
	UpperBound   float64   `json:"upper_bound"`
	Examples     []float64 `json:"outlier_examples"`
}

// Outliers flags numeric values outside the per-column bounds.
//
// outlier_count counts rows with at least one flagged value so that it can
// be compared with row_count. Handling clip pulls flagged values onto the
// nearest bound; remove drops flagged rows. Status is pass when nothing was
// flagged, warn otherwise.
func Outliers(f *dataset.Frame, cfg OutliersConfig) (Output, error) {
	handling := cfg.Handling
	if handling == "" {
		handling = HandleNone
	}
	if handling != HandleNone && handling != HandleClip && handling != HandleRemove {
		return Output{}, apperr.InvalidParams(CodeBadConfig, "outlier handling must be none, clip or remove, got %q", handling)
	}

	specs := cfg.DetectionSpecs
	if len(specs) == 0 {
		specs = map[string]OutlierSpec{DefaultSpecKey: {Method: MethodIQR}}
	}
	excluded := make(map[string]struct{}, len(cfg.ExcludeColumns))
	for _, c := range cfg.ExcludeColumns {
		excluded[c] = struct{}{}
	}

	rows := f.NumRows()
	flaggedRows := make([]bool, rows)
	var logs []OutlierLog
	out := f
	cloned := false

	for _, c := range f.Columns {
		if c.Type != dataset.TypeNumber {
			continue
		}
		if _, skip := excluded[c.Name]; skip {
			continue
		}
		spec, ok := specs[c.Name]
		if !ok {
			spec, ok = specs[DefaultSpecKey]
		}
		if !ok || spec.Method == "" {
			continue
		}

		present := c.Present()
		if len(present) == 0 {
			continue
		}
		lower, upper, err := bounds(present, spec)
		if err != nil {
			return Output{}, err
		}
		if math.IsNaN(lower) || math.IsNaN(upper) {
			continue
		}

		entry := OutlierLog{Column: c.Name, Method: spec.Method, LowerBound: lower, UpperBound: upper, Examples: []float64{}}
		for i := 0; i < c.Len(); i++ {
			if c.IsNull(i) {
				continue
			}
			if v := c.Nums[i]; v < lower || v > upper {
				entry.OutlierCount++
				flaggedRows[i] = true
				if len(entry.Examples) < 5 {
					entry.Examples = append(entry.Examples, v)
				}
			}
		}
		if entry.OutlierCount == 0 {
			continue
		}
		logs = append(logs, entry)

		if handling == HandleClip {
			if !cloned {
				out = f.Clone()
				cloned = true
			}
			clip(mustColumn(out, c.Name), lower, upper)
		}
	}

	count := 0
	for _, flagged := range flaggedRows {
		if flagged {
			count++
		}
	}
	if handling == HandleRemove && count > 0 {
		keep := make([]bool, rows)
		for i, flagged := range flaggedRows {
			keep[i] = !flagged
		}
		out = f.Filter(keep)
	}

	flaggedColumns := make([]string, 0, len(logs))
	perColumn := make(map[string]int, len(logs))
	for _, l := range logs {
		flaggedColumns = append(flaggedColumns, l.Column)
		perColumn[l.Column] = l.OutlierCount
	}
	if logs == nil {
		logs = []OutlierLog{}
	}

	status := ledger.StatusPass
	if count > 0 {
		status = ledger.StatusWarn
	}
	return Output{
		Frame: out,
		Summary: map[string]any{
			"outlier_count":   count,
			"flagged_columns": flaggedColumns,
			"column_counts":   perColumn,
			"row_count":       rows,
			"handling":        handling,
		},
		Status: status,
		Extra: map[string]any{
			"outlier_count":   count,
			"flagged_columns": flaggedColumns,
			"outlier_log":     logs,
		},
	}, nil
}

func bounds(present []float64, spec OutlierSpec) (float64, float64, error) {
	switch spec.Method {
	case MethodIQR:
		k := DefaultIQRMultiplier
		if spec.IQRMultiplier != nil {
			k = *spec.IQRMultiplier
		}
		s := sortedCopy(present)
		q1, q3 := quantile(s, 0.25), quantile(s, 0.75)
		iqr := q3 - q1
		return q1 - k*iqr, q3 + k*iqr, nil
	case MethodZScore:
		z := DefaultZScoreThreshold
		if spec.ZScoreThreshold != nil {
			z = *spec.ZScoreThreshold
		}
		m, sd := mean(present), stddev(present)
		if math.IsNaN(sd) || sd == 0 {
			return math.NaN(), math.NaN(), nil
		}
		return m - z*sd, m + z*sd, nil
	default:
		return 0, 0, apperr.InvalidParams(CodeBadConfig, "unknown outlier method %q", spec.Method).
			WithRemediation("Use method iqr or zscore.")
	}
}

func clip(c *dataset.Column, lower, upper float64) {
	for i := range c.Nums {
		if !c.Valid[i] {
			continue
		}
		c.Nums[i] = math.Min(math.Max(c.Nums[i], lower), upper)
	}
}

func mustColumn(f *dataset.Frame, name string) *dataset.Column {
	c, ok := f.Column(name)
	if !ok {
		panic("transform: column vanished: " + name)
	}
	return c
}
