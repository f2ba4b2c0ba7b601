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
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AnalystToolkit/services/toolserver/apperr"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/dataset"
)

// Modules InferConfigs can generate, in output order.
var InferableModules = []string{"validation", "normalization", "duplicates", "outliers", "imputation", "final_audit"}

// Inference defaults.
const (
	DefaultMaxUnique       = 30
	DefaultExcludePatterns = "id|uuid|tag"

	// numericShare is the share of present text values that must parse as
	// numbers before a text column is proposed for numeric coercion.
	numericShare = 0.9
)

// InferOptions tune InferConfigs.
type InferOptions struct {
	// SampleRows limits inspection to the first n rows. 0 means all.
	SampleRows int `json:"sample_rows,omitempty" validate:"gte=0"`

	// MaxUnique is the largest distinct count a text column may have to be
	// treated as categorical.
	MaxUnique *int `json:"max_unique,omitempty" validate:"omitempty,gte=1"`

	// ExcludePatterns is a case-insensitive regular expression; matching
	// columns are left out of categorical, range and outlier inference.
	ExcludePatterns *string `json:"exclude_patterns,omitempty"`
}

// FinalAuditConfig configures FinalAudit.
type FinalAuditConfig struct {
	FinalEdits    FinalEdits       `json:"final_edits" yaml:"final_edits"`
	Certification ValidationConfig `json:"certification" yaml:"certification"`
}

// FinalEdits are applied before certification.
type FinalEdits struct {
	DropColumns   []string          `json:"drop_columns,omitempty" yaml:"drop_columns,omitempty"`
	RenameColumns map[string]string `json:"rename_columns,omitempty" yaml:"rename_columns,omitempty"`
}

// Inferred is the result of InferConfigs.
type Inferred struct {
	// Configs maps module name to a YAML document whose single top-level
	// key is the module name.
	Configs map[string]string `json:"configs"`

	// Modules lists the generated modules in InferableModules order.
	Modules []string `json:"modules_generated"`
}

// InferConfigs inspects f and proposes module configs.
//
// # Description
//
// Validation pins the observed schema, categorical levels and numeric
// ranges. Normalization standardizes text columns with stray case or
// whitespace and coerces text columns that are almost entirely numeric.
// Imputation picks median for numeric columns and mode for text columns
// that contain nulls. Outliers and duplicates get conservative defaults.
// Final audit requires every column that is complete today to stay
// complete.
//
// # Inputs
//
//   - f: The data to inspect.
//   - modules: Modules to generate. Empty means all of InferableModules.
//   - opts: Inference options.
//
// # Outputs
//
//   - Inferred: YAML per module.
//   - error: InvalidParams for an unknown module or a bad exclude pattern.
func InferConfigs(f *dataset.Frame, modules []string, opts InferOptions) (Inferred, error) {
	if len(modules) == 0 {
		modules = InferableModules
	}
	wanted := make(map[string]bool, len(modules))
	for _, m := range modules {
		known := false
		for _, k := range InferableModules {
			if k == m {
				known = true
				break
			}
		}
		if !known {
			return Inferred{}, apperr.InvalidParams(CodeBadConfig, "cannot infer a config for module %q", m).
				WithRemediation("Choose from: " + strings.Join(InferableModules, ", ") + ".")
		}
		wanted[m] = true
	}

	maxUnique := DefaultMaxUnique
	if opts.MaxUnique != nil {
		maxUnique = *opts.MaxUnique
	}
	pattern := DefaultExcludePatterns
	if opts.ExcludePatterns != nil {
		pattern = *opts.ExcludePatterns
	}
	var exclude *regexp.Regexp
	if pattern != "" {
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return Inferred{}, apperr.InvalidParams(CodeBadConfig, "exclude_patterns is not a valid expression: %v", err)
		}
		exclude = re
	}

	sample := f
	if opts.SampleRows > 0 && opts.SampleRows < f.NumRows() {
		keep := make([]bool, f.NumRows())
		for i := 0; i < opts.SampleRows; i++ {
			keep[i] = true
		}
		sample = f.Filter(keep)
	}
	excluded := func(name string) bool { return exclude != nil && exclude.MatchString(name) }

	docs := map[string]any{}
	if wanted["validation"] {
		docs["validation"] = inferValidation(sample, maxUnique, excluded)
	}
	if wanted["normalization"] {
		docs["normalization"] = inferNormalization(sample)
	}
	if wanted["duplicates"] {
		docs["duplicates"] = DuplicatesConfig{Mode: DuplicateFlag}
	}
	if wanted["outliers"] {
		docs["outliers"] = inferOutliers(sample, excluded)
	}
	if wanted["imputation"] {
		docs["imputation"] = inferImputation(sample)
	}
	if wanted["final_audit"] {
		docs["final_audit"] = inferFinalAudit(sample)
	}

	result := Inferred{Configs: make(map[string]string, len(docs))}
	for _, m := range InferableModules {
		doc, ok := docs[m]
		if !ok {
			continue
		}
		text, err := yaml.Marshal(map[string]any{m: doc})
		if err != nil {
			return Inferred{}, apperr.Wrap(err, apperr.KindTransform, "config_render_failed", fmt.Sprintf("render %s config", m))
		}
		result.Configs[m] = string(text)
		result.Modules = append(result.Modules, m)
	}
	return result, nil
}

func inferValidation(f *dataset.Frame, maxUnique int, excluded func(string) bool) ValidationConfig {
	rules := ValidationRules{
		ExpectedColumns: f.ColumnNames(),
		ExpectedTypes:   map[string]string{},
	}
	for _, c := range f.Columns {
		if c.Type == dataset.TypeNumber {
			rules.ExpectedTypes[c.Name] = "float64"
		} else {
			rules.ExpectedTypes[c.Name] = "object"
		}
		if excluded(c.Name) {
			continue
		}
		switch c.Type {
		case dataset.TypeString:
			if levels := categories(c, maxUnique); levels != nil {
				if rules.CategoricalValues == nil {
					rules.CategoricalValues = map[string][]string{}
				}
				rules.CategoricalValues[c.Name] = levels
			}
		case dataset.TypeNumber:
			present := c.Present()
			if len(present) == 0 {
				continue
			}
			s := sortedCopy(present)
			lo, hi := s[0], s[len(s)-1]
			if rules.NumericRanges == nil {
				rules.NumericRanges = map[string]Range{}
			}
			rules.NumericRanges[c.Name] = Range{Min: &lo, Max: &hi}
		}
	}
	return ValidationConfig{Rules: rules}
}

// categories returns the distinct present values in first-seen order, or
// nil when there are none or more than maxUnique.
func categories(c *dataset.Column, maxUnique int) []string {
	seen := map[string]struct{}{}
	var levels []string
	for i := 0; i < c.Len(); i++ {
		if c.IsNull(i) {
			continue
		}
		v := c.Format(i)
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		levels = append(levels, v)
		if len(levels) > maxUnique {
			return nil
		}
	}
	return levels
}

func inferNormalization(f *dataset.Frame) NormalizationConfig {
	var rules NormalizationRules
	for _, c := range f.Columns {
		if c.Type != dataset.TypeString {
			continue
		}
		present, numeric, messy := 0, 0, false
		for i, s := range c.Strs {
			if !c.Valid[i] {
				continue
			}
			present++
			if _, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
				numeric++
			}
			if strings.ToLower(strings.TrimSpace(s)) != s {
				messy = true
			}
		}
		if present == 0 {
			continue
		}
		if float64(numeric)/float64(present) >= numericShare {
			rules.CoerceNumeric = append(rules.CoerceNumeric, c.Name)
			continue
		}
		if messy {
			rules.StandardizeTextColumns = append(rules.StandardizeTextColumns, c.Name)
		}
	}
	return NormalizationConfig{Rules: rules}
}

func inferOutliers(f *dataset.Frame, excluded func(string) bool) OutliersConfig {
	k := DefaultIQRMultiplier
	cfg := OutliersConfig{
		DetectionSpecs: map[string]OutlierSpec{DefaultSpecKey: {Method: MethodIQR, IQRMultiplier: &k}},
		Handling:       HandleNone,
	}
	for _, c := range f.Columns {
		if c.Type == dataset.TypeNumber && excluded(c.Name) {
			cfg.ExcludeColumns = append(cfg.ExcludeColumns, c.Name)
		}
	}
	return cfg
}

func inferImputation(f *dataset.Frame) ImputationConfig {
	strategies := map[string]ImputationStrategy{}
	for _, c := range f.Columns {
		if c.NullCount() == 0 || c.NullCount() == c.Len() {
			continue
		}
		if c.Type == dataset.TypeNumber {
			strategies[c.Name] = ImputationStrategy{Strategy: StrategyMedian}
		} else {
			strategies[c.Name] = ImputationStrategy{Strategy: StrategyMode}
		}
	}
	return ImputationConfig{Rules: ImputationRules{Strategies: strategies}}
}

func inferFinalAudit(f *dataset.Frame) FinalAuditConfig {
	var complete []string
	for _, c := range f.Columns {
		if c.NullCount() == 0 {
			complete = append(complete, c.Name)
		}
	}
	return FinalAuditConfig{
		Certification: ValidationConfig{Rules: ValidationRules{
			ExpectedColumns:       f.ColumnNames(),
			DisallowedNullColumns: complete,
		}},
	}
}
