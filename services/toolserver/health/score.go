// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package health derives the 0-100 data health score from a run's ledger.
//
// The score is never stored. It is recomputed from ledger entries on every
// request, so it always agrees with the ledger.
//
// # Weights
//
//	completeness  0.40   100 * (1 - null_rate)
//	validity      0.30   100 * validation_pass_rate
//	uniqueness    0.15   100 * (1 - duplicate_ratio)
//	consistency   0.15   100 * (1 - max(outlier_ratio, drift_ratio))
//
// # Bands
//
// Bands are assigned from the rounded integer score: below 70 is red, below
// 90 is yellow, anything else is green. 70 is yellow and 90 is green.
package health

import (
	"encoding/json"
	"math"

	"github.com/AleutianAI/AnalystToolkit/services/toolserver/ledger"
)

// Weights of each sub-score. They sum to 1.
const (
	WeightCompleteness = 0.40
	WeightValidity     = 0.30
	WeightUniqueness   = 0.15
	WeightConsistency  = 0.15
)

// Band cut points, inclusive lower bounds.
const (
	YellowFloor = 70
	GreenFloor  = 90
)

// NoDataMarker is set on snapshots computed from an empty run.
const NoDataMarker = "no data yet"

// Band is the qualitative status of a score.
type Band string

const (
	BandRed    Band = "red"
	BandYellow Band = "yellow"
	BandGreen  Band = "green"
)

// BandFor maps an integer score to its band.
func BandFor(overall int) Band {
	switch {
	case overall < YellowFloor:
		return BandRed
	case overall < GreenFloor:
		return BandYellow
	default:
		return BandGreen
	}
}

// Metrics are the ratios extracted from the ledger, each in [0, 1].
type Metrics struct {
	NullRate           float64 `json:"null_rate"`
	ValidationPassRate float64 `json:"validation_pass_rate"`
	DuplicateRatio     float64 `json:"duplicate_ratio"`
	OutlierRatio       float64 `json:"outlier_ratio"`
	DriftRatio         float64 `json:"drift_ratio"`
}

// DefaultMetrics describes a perfectly healthy dataset.
func DefaultMetrics() Metrics {
	return Metrics{ValidationPassRate: 1}
}

// Breakdown holds the four sub-scores, each in [0, 100], rounded to 0.1.
type Breakdown struct {
	Completeness float64 `json:"completeness"`
	Validity     float64 `json:"validity"`
	Uniqueness   float64 `json:"uniqueness"`
	Consistency  float64 `json:"consistency"`
}

// Snapshot is one computed health view.
type Snapshot struct {
	Overall   int       `json:"overall_score"`
	Band      Band      `json:"status"`
	Breakdown Breakdown `json:"breakdown"`
	Metrics   Metrics   `json:"metrics"`
	NoData    bool      `json:"no_data"`
	Marker    string    `json:"marker,omitempty"`
	Entries   int       `json:"entries_considered"`
}

// Score computes the health snapshot for a run's entries.
func Score(entries []ledger.Entry) Snapshot {
	if len(entries) == 0 {
		snap := Compute(DefaultMetrics())
		snap.NoData = true
		snap.Marker = NoDataMarker
		return snap
	}
	snap := Compute(Extract(entries))
	snap.Entries = len(entries)
	return snap
}

// Compute scores a set of metrics.
func Compute(m Metrics) Snapshot {
	m = Metrics{
		NullRate:           clamp01(m.NullRate),
		ValidationPassRate: clamp01(m.ValidationPassRate),
		DuplicateRatio:     clamp01(m.DuplicateRatio),
		OutlierRatio:       clamp01(m.OutlierRatio),
		DriftRatio:         clamp01(m.DriftRatio),
	}
	raw := Breakdown{
		Completeness: (1 - m.NullRate) * 100,
		Validity:     m.ValidationPassRate * 100,
		Uniqueness:   (1 - m.DuplicateRatio) * 100,
		Consistency:  (1 - math.Max(m.OutlierRatio, m.DriftRatio)) * 100,
	}
	overall := Combine(raw)
	return Snapshot{
		Overall: overall,
		Band:    BandFor(overall),
		Breakdown: Breakdown{
			Completeness: round1(raw.Completeness),
			Validity:     round1(raw.Validity),
			Uniqueness:   round1(raw.Uniqueness),
			Consistency:  round1(raw.Consistency),
		},
		Metrics: m,
	}
}

// Combine weights the sub-scores into the integer overall score, clamped
// to [0, 100]. It is non-decreasing in every sub-score.
func Combine(b Breakdown) int {
	total := b.Completeness*WeightCompleteness +
		b.Validity*WeightValidity +
		b.Uniqueness*WeightUniqueness +
		b.Consistency*WeightConsistency
	overall := int(math.Round(total))
	if overall < 0 {
		return 0
	}
	if overall > 100 {
		return 100
	}
	return overall
}

// Extract walks entries in order; later entries override earlier ones.
// Entries with status error measured nothing and are skipped.
func Extract(entries []ledger.Entry) Metrics {
	m := DefaultMetrics()
	for _, e := range entries {
		if e.Status == ledger.StatusError {
			continue
		}
		s := e.Summary
		switch e.Module {
		case "diagnostics":
			if v, ok := number(s["null_rate"]); ok {
				m.NullRate = v
			}
		case "validation":
			m.ValidationPassRate = passRate(e.Status, s)
		case "duplicates":
			m.DuplicateRatio = ratio(s, "duplicate_count")
		case "outliers":
			m.OutlierRatio = ratio(s, "outlier_count")
		case "drift_detection":
			if v, ok := number(s["drift_ratio"]); ok {
				m.DriftRatio = v
			}
		}
	}
	return m
}

// passRate prefers rule counts. Without them a failed validation counts
// as half passing.
func passRate(status ledger.Status, s map[string]any) float64 {
	passed, _ := number(s["rules_passed"])
	total, ok := number(s["rules_total"])
	if ok && total > 0 {
		return passed / total
	}
	if p, ok := s["passed"].(bool); (ok && !p) || status == ledger.StatusFail {
		return 0.5
	}
	return 1
}

// ratio divides a count by row_count; without a row count the count is
// scaled against 1000 rows and capped at 0.2.
func ratio(s map[string]any, countKey string) float64 {
	count, _ := number(s[countKey])
	rows, ok := number(s["row_count"])
	if ok && rows > 0 {
		return count / rows
	}
	return math.Min(0.2, count/1000)
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case int32:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

func clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
