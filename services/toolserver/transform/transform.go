// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package transform holds the data-quality steps behind the cleaning tools.
//
// Every step is a pure function of a frame and a module config. Steps never
// mutate their input frame; the returned Output carries a new frame (or the
// input frame itself when nothing changed), a JSON-ready summary and a
// ledger status.
//
// A step that cannot run at all returns an *apperr.Error of kind
// KindTransform or KindInvalidParams. A step that ran and found problems
// returns a normal Output with status warn or fail.
package transform

import (
	"encoding/json"
	"math"
	"sort"

	"github.com/AleutianAI/AnalystToolkit/services/toolserver/apperr"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/dataset"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/ledger"
)

// Output is the result of one step.
type Output struct {
	// Frame is the resulting data. Read-only steps return their input.
	Frame *dataset.Frame

	// Summary is recorded verbatim in the run ledger.
	Summary map[string]any

	Status ledger.Status

	// Extra holds tool-specific top-level result fields.
	Extra map[string]any
}

// Error codes carried by transform failures.
const (
	CodeBadConfig   = "invalid_module_config"
	CodeNoData      = "empty_frame"
	CodeStrictCheck = "strict_check_failed"
)

// DecodeConfig decodes a module config from a raw tool argument.
//
// When raw holds a key named module, that nested object is used; this lets
// callers pass either a bare module config or a combined document keyed by
// module name, such as the YAML emitted by InferConfigs.
func DecodeConfig(raw map[string]any, module string, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	src := any(raw)
	if nested, ok := raw[module].(map[string]any); ok {
		src = nested
	}
	data, err := json.Marshal(src)
	if err != nil {
		return apperr.InvalidParams(CodeBadConfig, "%s config is not serializable: %v", module, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return apperr.InvalidParams(CodeBadConfig, "%s config: %v", module, err).
			WithRemediation("Call get_config_schema for the expected shape of this module config.")
	}
	return nil
}

// =============================================================================
// Numeric helpers
// =============================================================================

// round returns v rounded half away from zero to the given decimals.
func round(v float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return math.NaN()
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// stddev is the sample standard deviation (n-1 denominator).
func stddev(xs []float64) float64 {
	if len(xs) < 2 {
		return math.NaN()
	}
	m := mean(xs)
	ss := 0.0
	for _, x := range xs {
		ss += (x - m) * (x - m)
	}
	return math.Sqrt(ss / float64(len(xs)-1))
}

// quantile uses linear interpolation between closest ranks.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return math.NaN()
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo == hi {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}

func sortedCopy(xs []float64) []float64 {
	out := append([]float64(nil), xs...)
	sort.Float64s(out)
	return out
}

func median(xs []float64) float64 {
	return quantile(sortedCopy(xs), 0.5)
}

// mode returns the most frequent present value of c rendered as text, and
// false when the column has no present values. Ties break on first
// occurrence.
func mode(c *dataset.Column) (string, bool) {
	counts := make(map[string]int)
	var order []string
	for i := 0; i < c.Len(); i++ {
		if c.IsNull(i) {
			continue
		}
		v := c.Format(i)
		if _, seen := counts[v]; !seen {
			order = append(order, v)
		}
		counts[v]++
	}
	best, bestN := "", 0
	for _, v := range order {
		if counts[v] > bestN {
			best, bestN = v, counts[v]
		}
	}
	return best, bestN > 0
}

// typeMatches maps pandas-style dtype names onto column types so configs
// written for the notebook toolkit keep working.
func typeMatches(expected string, actual dataset.ColumnType) bool {
	switch expected {
	case "number", "numeric", "float", "float64", "float32", "int", "int64", "int32", "Int64":
		return actual == dataset.TypeNumber
	case "string", "str", "object", "category":
		return actual == dataset.TypeString
	default:
		return string(actual) == expected
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
