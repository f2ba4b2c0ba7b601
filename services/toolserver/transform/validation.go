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
	"sort"

	"github.com/AleutianAI/AnalystToolkit/services/toolserver/dataset"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/ledger"
)

// Range bounds a numeric column. Both ends are inclusive.
type Range struct {
	Min *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max *float64 `json:"max,omitempty" yaml:"max,omitempty"`
}

// ValidationRules are the checks Validation runs. Empty rules are skipped.
type ValidationRules struct {
	ExpectedColumns   []string            `json:"expected_columns,omitempty" yaml:"expected_columns,omitempty"`
	ExpectedTypes     map[string]string   `json:"expected_types,omitempty" yaml:"expected_types,omitempty"`
	CategoricalValues map[string][]string `json:"categorical_values,omitempty" yaml:"categorical_values,omitempty"`
	NumericRanges     map[string]Range    `json:"numeric_ranges,omitempty" yaml:"numeric_ranges,omitempty"`

	// DisallowedNullColumns is used by FinalAudit only.
	DisallowedNullColumns []string `json:"disallowed_null_columns,omitempty" yaml:"disallowed_null_columns,omitempty"`
}

// ValidationConfig configures Validation.
type ValidationConfig struct {
	Rules ValidationRules `json:"rules" yaml:"rules"`

	// FailOnError downgrades a failed suite to warn when false.
	FailOnError *bool `json:"fail_on_error,omitempty" yaml:"fail_on_error,omitempty"`
}

// RuleResult is the outcome of one rule.
type RuleResult struct {
	Rule    string         `json:"rule"`
	Passed  bool           `json:"passed"`
	Details map[string]any `json:"details,omitempty"`
}

// Validation checks f against cfg.Rules without changing it.
//
// Four rules are evaluated when configured: schema conformity, dtype
// enforcement, categorical values and numeric ranges. Nulls never violate
// categorical or range rules. row_coverage_percent is the share of rows
// that violated neither categorical nor range rules.
func Validation(f *dataset.Frame, cfg ValidationConfig) Output {
	results, failingRows := runValidationSuite(f, cfg.Rules)

	var failed []string
	issues := 0
	passedCount := 0
	for _, r := range results {
		if r.Passed {
			passedCount++
			continue
		}
		failed = append(failed, r.Rule)
		issues += len(r.Details)
	}
	if failed == nil {
		failed = []string{}
	}

	rows := f.NumRows()
	coverage := 100.0
	if rows > 0 {
		coverage = round(float64(rows-len(failingRows))/float64(rows)*100, 2)
	}

	passed := len(failed) == 0
	status := ledger.StatusPass
	if !passed {
		status = ledger.StatusFail
		if cfg.FailOnError != nil && !*cfg.FailOnError {
			status = ledger.StatusWarn
		}
	}

	return Output{
		Frame: f,
		Summary: map[string]any{
			"passed":               passed,
			"failed_rules":         failed,
			"issue_count":          issues,
			"rules_total":          len(results),
			"rules_passed":         passedCount,
			"row_coverage_percent": coverage,
			"row_count":            rows,
		},
		Status: status,
		Extra: map[string]any{
			"rules": results,
		},
	}
}

// runValidationSuite returns one result per configured rule and the set of
// row indexes that violated a value-level rule.
func runValidationSuite(f *dataset.Frame, rules ValidationRules) ([]RuleResult, map[int]struct{}) {
	var results []RuleResult
	failingRows := make(map[int]struct{})

	if len(rules.ExpectedColumns) > 0 {
		results = append(results, checkSchema(f, rules.ExpectedColumns))
	}

	if len(rules.ExpectedTypes) > 0 {
		mismatches := map[string]any{}
		for _, col := range sortedKeys(rules.ExpectedTypes) {
			c, ok := f.Column(col)
			if !ok {
				continue
			}
			if !typeMatches(rules.ExpectedTypes[col], c.Type) {
				mismatches[col] = map[string]string{"expected": rules.ExpectedTypes[col], "actual": string(c.Type)}
			}
		}
		results = append(results, RuleResult{Rule: "dtype_enforcement", Passed: len(mismatches) == 0, Details: mismatches})
	}

	if len(rules.CategoricalValues) > 0 {
		violations := map[string]any{}
		for _, col := range sortedKeys(rules.CategoricalValues) {
			c, ok := f.Column(col)
			if !ok {
				continue
			}
			allowed := make(map[string]struct{}, len(rules.CategoricalValues[col]))
			for _, v := range rules.CategoricalValues[col] {
				allowed[v] = struct{}{}
			}
			invalid := map[string]int{}
			for i := 0; i < c.Len(); i++ {
				if c.IsNull(i) {
					continue
				}
				if _, ok := allowed[c.Format(i)]; !ok {
					invalid[c.Format(i)]++
					failingRows[i] = struct{}{}
				}
			}
			if len(invalid) > 0 {
				violations[col] = map[string]any{
					"allowed_values": rules.CategoricalValues[col],
					"invalid_values": invalid,
				}
			}
		}
		results = append(results, RuleResult{Rule: "categorical_values", Passed: len(violations) == 0, Details: violations})
	}

	if len(rules.NumericRanges) > 0 {
		violations := map[string]any{}
		for _, col := range sortedKeys(rules.NumericRanges) {
			bounds := rules.NumericRanges[col]
			c, ok := f.Column(col)
			if !ok || bounds.Min == nil || bounds.Max == nil {
				continue
			}
			num, _ := c.ToNumber()
			count := 0
			for i := 0; i < num.Len(); i++ {
				if num.IsNull(i) {
					continue
				}
				if v := num.Nums[i]; v < *bounds.Min || v > *bounds.Max {
					count++
					failingRows[i] = struct{}{}
				}
			}
			if count > 0 {
				violations[col] = map[string]any{
					"enforced_range":  fmt.Sprintf("[%g, %g]", *bounds.Min, *bounds.Max),
					"violating_count": count,
				}
			}
		}
		results = append(results, RuleResult{Rule: "numeric_ranges", Passed: len(violations) == 0, Details: violations})
	}

	return results, failingRows
}

func checkSchema(f *dataset.Frame, expected []string) RuleResult {
	want := make(map[string]struct{}, len(expected))
	for _, c := range expected {
		want[c] = struct{}{}
	}
	have := make(map[string]struct{}, f.NumCols())
	for _, c := range f.ColumnNames() {
		have[c] = struct{}{}
	}

	missing := []string{}
	for c := range want {
		if _, ok := have[c]; !ok {
			missing = append(missing, c)
		}
	}
	unexpected := []string{}
	for c := range have {
		if _, ok := want[c]; !ok {
			unexpected = append(unexpected, c)
		}
	}
	sort.Strings(missing)
	sort.Strings(unexpected)

	details := map[string]any{}
	if len(missing) > 0 {
		details["missing_columns"] = missing
	}
	if len(unexpected) > 0 {
		details["unexpected_columns"] = unexpected
	}
	return RuleResult{Rule: "schema_conformity", Passed: len(details) == 0, Details: details}
}
