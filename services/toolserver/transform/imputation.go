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
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"github.com/AleutianAI/AnalystToolkit/services/toolserver/apperr"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/dataset"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/ledger"
)

// Imputation strategies.
const (
	StrategyMean     = "mean"
	StrategyMedian   = "median"
	StrategyMode     = "mode"
	StrategyConstant = "constant"
)

// NoImputationRulesMessage is the summary message when no rules are given.
const NoImputationRulesMessage = "No imputation rules provided. Returning original DataFrame unchanged."

// ImputationStrategy fills one column. It decodes from either a bare
// strategy name or an object with strategy and value.
type ImputationStrategy struct {
	Strategy string `json:"strategy" yaml:"strategy"`
	Value    any    `json:"value,omitempty" yaml:"value,omitempty"`
}

// UnmarshalJSON accepts "median" as shorthand for {"strategy":"median"}.
func (s *ImputationStrategy) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		s.Strategy = name
		return nil
	}
	type plain ImputationStrategy
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*s = ImputationStrategy(p)
	return nil
}

// ImputationRules maps column names to strategies.
type ImputationRules struct {
	Strategies map[string]ImputationStrategy `json:"strategies,omitempty" yaml:"strategies,omitempty"`
}

// ImputationConfig configures Imputation.
type ImputationConfig struct {
	Rules ImputationRules `json:"rules" yaml:"rules"`
}

// Fill is one changelog record.
type Fill struct {
	Column      string `json:"column"`
	Strategy    string `json:"strategy"`
	FillValue   string `json:"fill_value"`
	NullsFilled int    `json:"nulls_filled"`
}

// Imputation fills nulls column by column.
//
// With no strategies the frame is returned unchanged with status warn.
// Columns that are missing or have no nulls are skipped. A strategy that
// cannot produce a value for its column (mean of a text column, constant
// that is not a number for a numeric column) is a transform error.
func Imputation(f *dataset.Frame, cfg ImputationConfig) (Output, error) {
	if len(cfg.Rules.Strategies) == 0 {
		return Output{
			Frame:   f,
			Summary: map[string]any{"message": NoImputationRulesMessage},
			Status:  ledger.StatusWarn,
			Extra: map[string]any{
				"columns_imputed": []string{},
				"nulls_filled":    0,
			},
		}, nil
	}

	out := f.Clone()
	imputed := []string{}
	fills := []Fill{}
	total := 0

	for _, name := range sortedKeys(cfg.Rules.Strategies) {
		c, ok := out.Column(name)
		if !ok {
			continue
		}
		nulls := c.NullCount()
		if nulls == 0 {
			continue
		}
		spec := cfg.Rules.Strategies[name]
		value, err := fillValue(c, spec)
		if err != nil {
			return Output{}, err
		}
		for i := 0; i < c.Len(); i++ {
			if !c.IsNull(i) {
				continue
			}
			if c.Type == dataset.TypeNumber {
				c.Nums[i] = value.num
			} else {
				c.Strs[i] = value.text
			}
			c.Valid[i] = true
		}
		imputed = append(imputed, name)
		total += nulls
		fills = append(fills, Fill{Column: name, Strategy: spec.Strategy, FillValue: value.text, NullsFilled: nulls})
	}

	return Output{
		Frame: out,
		Summary: map[string]any{
			"columns_imputed": imputed,
			"nulls_filled":    total,
			"row_count":       out.NumRows(),
		},
		Status: ledger.StatusPass,
		Extra: map[string]any{
			"columns_imputed": imputed,
			"nulls_filled":    total,
			"changelog":       fills,
		},
	}, nil
}

type cellValue struct {
	num  float64
	text string
}

func fillValue(c *dataset.Column, spec ImputationStrategy) (cellValue, error) {
	numeric := c.Type == dataset.TypeNumber
	switch spec.Strategy {
	case StrategyMean, StrategyMedian:
		if !numeric {
			return cellValue{}, apperr.Newf(apperr.KindTransform, "non_numeric_column",
				"cannot impute %s of text column %q", spec.Strategy, c.Name).
				WithRemediation("Use mode or constant for text columns.")
		}
		present := c.Present()
		v := mean(present)
		if spec.Strategy == StrategyMedian {
			v = median(present)
		}
		if math.IsNaN(v) {
			return cellValue{}, apperr.Newf(apperr.KindTransform, CodeNoData, "column %q has no values to compute a %s from", c.Name, spec.Strategy)
		}
		return cellValue{num: v, text: strconv.FormatFloat(round(v, 2), 'f', 2, 64)}, nil

	case StrategyMode:
		m, ok := mode(c)
		if !ok {
			return cellValue{}, apperr.Newf(apperr.KindTransform, CodeNoData, "column %q has no values to compute a mode from", c.Name)
		}
		if numeric {
			v, _ := strconv.ParseFloat(m, 64)
			return cellValue{num: v, text: m}, nil
		}
		return cellValue{text: m}, nil

	case StrategyConstant:
		if spec.Value == nil {
			return cellValue{}, apperr.InvalidParams(CodeBadConfig, "constant strategy for %q needs a value", c.Name)
		}
		text := fmt.Sprint(spec.Value)
		if !numeric {
			return cellValue{text: text}, nil
		}
		v, err := strconv.ParseFloat(text, 64)
		if err != nil {
			return cellValue{}, apperr.InvalidParams(CodeBadConfig, "constant %q is not a number but column %q is numeric", text, c.Name)
		}
		return cellValue{num: v, text: text}, nil

	default:
		return cellValue{}, apperr.InvalidParams(CodeBadConfig, "unknown imputation strategy %q for column %q", spec.Strategy, c.Name).
			WithRemediation("Use mean, median, mode or constant.")
	}
}
