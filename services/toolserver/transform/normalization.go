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
	"strconv"
	"strings"

	"github.com/AleutianAI/AnalystToolkit/services/toolserver/apperr"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/dataset"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/ledger"
)

// NullMappingKey in a value mapping matches null cells.
const NullMappingKey = "null"

// NormalizationRules are applied in field order.
type NormalizationRules struct {
	RenameColumns          map[string]string            `json:"rename_columns,omitempty" yaml:"rename_columns,omitempty"`
	StandardizeTextColumns []string                     `json:"standardize_text_columns,omitempty" yaml:"standardize_text_columns,omitempty"`
	ValueMappings          map[string]map[string]string `json:"value_mappings,omitempty" yaml:"value_mappings,omitempty"`
	CoerceNumeric          []string                     `json:"coerce_numeric,omitempty" yaml:"coerce_numeric,omitempty"`

	// CoerceDtypes accepts pandas-style dtype names; numeric names behave
	// like CoerceNumeric and string names convert the column to text.
	CoerceDtypes map[string]string `json:"coerce_dtypes,omitempty" yaml:"coerce_dtypes,omitempty"`
}

// NormalizationConfig configures Normalization.
type NormalizationConfig struct {
	Rules NormalizationRules `json:"rules" yaml:"rules"`

	// Strict turns coercion failures into a failed step.
	Strict bool `json:"strict,omitempty" yaml:"strict,omitempty"`
}

// Change is one changelog record.
type Change struct {
	Operation string `json:"operation"`
	Column    string `json:"column"`
	Detail    string `json:"detail,omitempty"`
	Cells     int    `json:"cells,omitempty"`
}

// Normalization renames, cleans, remaps and coerces columns.
//
// Rules naming columns that do not exist are ignored. A coercion that
// turns present values into nulls is recorded in coercion_failures; the
// step warns, or fails in strict mode. A failed strict step still returns
// its output so the caller can report what happened, but callers must not
// commit the frame.
func Normalization(f *dataset.Frame, cfg NormalizationConfig) (Output, error) {
	rules := cfg.Rules
	out := f.Clone()
	var changes []Change

	for _, from := range sortedKeys(rules.RenameColumns) {
		to := rules.RenameColumns[from]
		c, ok := out.Column(from)
		if !ok || from == to {
			continue
		}
		if _, clash := out.Column(to); clash {
			return Output{}, apperr.InvalidParams(CodeBadConfig, "cannot rename %q to %q: column already exists", from, to)
		}
		c.Name = to
		changes = append(changes, Change{Operation: "rename_column", Column: to, Detail: from})
	}

	for _, name := range rules.StandardizeTextColumns {
		c, ok := out.Column(name)
		if !ok || c.Type != dataset.TypeString {
			continue
		}
		cells := 0
		for i, s := range c.Strs {
			if !c.Valid[i] {
				continue
			}
			if clean := strings.ToLower(strings.TrimSpace(s)); clean != s {
				c.Strs[i] = clean
				cells++
			}
		}
		changes = append(changes, Change{Operation: "standardize_text", Column: name, Cells: cells})
	}

	for _, name := range sortedKeys(rules.ValueMappings) {
		c, ok := out.Column(name)
		if !ok {
			continue
		}
		mapped, cells := applyMapping(c, rules.ValueMappings[name])
		out.Replace(mapped)
		changes = append(changes, Change{Operation: "map_values", Column: name, Detail: strconv.Itoa(len(rules.ValueMappings[name])) + " mappings", Cells: cells})
	}

	failures := map[string]int{}
	coerce := func(name string, toNumber bool) {
		c, ok := out.Column(name)
		if !ok {
			return
		}
		if toNumber {
			if c.Type == dataset.TypeNumber {
				return
			}
			num, failed := c.ToNumber()
			out.Replace(num)
			if failed > 0 {
				failures[name] = failed
			}
			changes = append(changes, Change{Operation: "coerce_numeric", Column: name, Cells: c.Len() - c.NullCount() - failed})
			return
		}
		if c.Type == dataset.TypeString {
			return
		}
		out.Replace(c.ToString())
		changes = append(changes, Change{Operation: "coerce_string", Column: name})
	}
	for _, name := range rules.CoerceNumeric {
		coerce(name, true)
	}
	for _, name := range sortedKeys(rules.CoerceDtypes) {
		coerce(name, typeMatches(rules.CoerceDtypes[name], dataset.TypeNumber))
	}

	if changes == nil {
		changes = []Change{}
	}
	status := ledger.StatusPass
	if len(failures) > 0 {
		status = ledger.StatusWarn
		if cfg.Strict {
			status = ledger.StatusFail
		}
	}

	summary := map[string]any{
		"changes_made": len(changes),
		"row_count":    out.NumRows(),
	}
	if len(failures) > 0 {
		summary["coercion_failures"] = failures
	}
	return Output{
		Frame:   out,
		Summary: summary,
		Status:  status,
		Extra: map[string]any{
			"changes_made": len(changes),
			"changelog":    changes,
		},
	}, nil
}

// applyMapping replaces exact matches of the mapping keys. The "null" key
// fills null cells. A numeric column stays numeric only when every target
// value parses as a number.
func applyMapping(c *dataset.Column, mapping map[string]string) (*dataset.Column, int) {
	src := c
	if c.Type == dataset.TypeNumber {
		for _, v := range mapping {
			if _, err := strconv.ParseFloat(v, 64); err != nil {
				src = c.ToString()
				break
			}
		}
	}
	out := src.Clone()
	cells := 0
	for i := 0; i < out.Len(); i++ {
		key := NullMappingKey
		if !out.IsNull(i) {
			key = out.Format(i)
		}
		target, ok := mapping[key]
		if !ok {
			continue
		}
		if out.Type == dataset.TypeNumber {
			v, _ := strconv.ParseFloat(target, 64)
			out.Nums[i] = v
		} else {
			out.Strs[i] = target
		}
		out.Valid[i] = true
		cells++
	}
	return out, cells
}
