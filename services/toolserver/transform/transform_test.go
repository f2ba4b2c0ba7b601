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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AnalystToolkit/services/toolserver/apperr"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/dataset"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/ledger"
)

const fixtureCSV = `id,age,city,score
1,30,Austin,10
2,,boston ,12
3,40,Austin,11
3,40,Austin,11
5,200,Denver,
`

func fixture(t *testing.T) *dataset.Frame {
	t.Helper()
	f, err := dataset.ReadCSV(strings.NewReader(fixtureCSV))
	require.NoError(t, err)
	return f
}

func ptr[T any](v T) *T { return &v }

// =============================================================================
// Diagnostics
// =============================================================================

func TestDiagnostics(t *testing.T) {
	f := fixture(t)

	out := Diagnostics(f, DiagnosticsConfig{})
	assert.Same(t, f, out.Frame)
	assert.Equal(t, ledger.StatusWarn, out.Status, "null rate equal to the threshold warns")
	assert.Equal(t, 0.1, out.Summary["null_rate"])
	assert.Equal(t, []int{5, 4}, out.Summary["shape"])
	assert.Equal(t, 4, out.Summary["column_count"])
	assert.Equal(t, 1, out.Summary["duplicate_count"])

	profiles := out.Extra["columns"].([]ColumnProfile)
	require.Len(t, profiles, 4)
	assert.Equal(t, ColumnProfile{Name: "age", Type: "number", NullCount: 1, NullRate: 0.2, Unique: 3}, profiles[1])

	out = Diagnostics(f, DiagnosticsConfig{NullThreshold: ptr(0.2)})
	assert.Equal(t, ledger.StatusPass, out.Status)
}

func TestDiagnostics_EmptyFrame(t *testing.T) {
	out := Diagnostics(dataset.MustFrame(), DiagnosticsConfig{})
	assert.Equal(t, 0.0, out.Summary["null_rate"])
	assert.Equal(t, ledger.StatusPass, out.Status)
}

// =============================================================================
// Duplicates
// =============================================================================

func TestDuplicates(t *testing.T) {
	tests := []struct {
		name      string
		cfg       DuplicatesConfig
		wantCount int
		wantRows  int
	}{
		{"flag all columns", DuplicatesConfig{}, 1, 5},
		{"remove all columns", DuplicatesConfig{Mode: DuplicateRemove}, 1, 4},
		{"subset", DuplicatesConfig{SubsetColumns: []string{"city"}}, 2, 5},
		{"subset remove", DuplicatesConfig{SubsetColumns: []string{"city"}, Mode: DuplicateRemove}, 2, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := fixture(t)
			out, err := Duplicates(f, tt.cfg)
			require.NoError(t, err)
			assert.Equal(t, tt.wantCount, out.Summary["duplicate_count"])
			assert.Equal(t, 5, out.Summary["row_count"])
			assert.Equal(t, tt.wantRows, out.Frame.NumRows())
			assert.Equal(t, ledger.StatusWarn, out.Status)
			assert.Equal(t, 5, f.NumRows(), "input untouched")
		})
	}
}

func TestDuplicates_NoneIsPass(t *testing.T) {
	f := dataset.MustFrame(dataset.NewNumberColumn("x", []float64{1, 2, 3}, nil))
	out, err := Duplicates(f, DuplicatesConfig{})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPass, out.Status)
	assert.Equal(t, "flag", out.Summary["mode"])
}

func TestDuplicates_Rejects(t *testing.T) {
	_, err := Duplicates(fixture(t), DuplicatesConfig{Mode: "merge"})
	assert.True(t, apperr.Is(err, apperr.KindInvalidParams))

	_, err = Duplicates(fixture(t), DuplicatesConfig{SubsetColumns: []string{"zip"}})
	assert.True(t, apperr.Is(err, apperr.KindInvalidParams))
}

// =============================================================================
// Validation
// =============================================================================

func TestValidation(t *testing.T) {
	f := fixture(t)
	cfg := ValidationConfig{Rules: ValidationRules{
		ExpectedColumns:   []string{"id", "age", "city", "score"},
		ExpectedTypes:     map[string]string{"age": "float64", "city": "int64"},
		CategoricalValues: map[string][]string{"city": {"Austin", "Denver"}},
		NumericRanges:     map[string]Range{"age": {Min: ptr(0.0), Max: ptr(100.0)}},
	}}

	out := Validation(f, cfg)
	assert.Equal(t, ledger.StatusFail, out.Status)
	assert.Equal(t, false, out.Summary["passed"])
	assert.Equal(t, []string{"dtype_enforcement", "categorical_values", "numeric_ranges"}, out.Summary["failed_rules"])
	assert.Equal(t, 4, out.Summary["rules_total"])
	assert.Equal(t, 1, out.Summary["rules_passed"])
	assert.Equal(t, 3, out.Summary["issue_count"])
	assert.Equal(t, 60.0, out.Summary["row_coverage_percent"])

	cfg.FailOnError = ptr(false)
	assert.Equal(t, ledger.StatusWarn, Validation(f, cfg).Status)
}

func TestValidation_SchemaDetails(t *testing.T) {
	out := Validation(fixture(t), ValidationConfig{Rules: ValidationRules{ExpectedColumns: []string{"id", "zip"}}})
	results := out.Extra["rules"].([]RuleResult)
	require.Len(t, results, 1)
	assert.False(t, results[0].Passed)
	assert.Equal(t, []string{"zip"}, results[0].Details["missing_columns"])
	assert.Equal(t, []string{"age", "city", "score"}, results[0].Details["unexpected_columns"])
}

func TestValidation_NoRulesPasses(t *testing.T) {
	out := Validation(fixture(t), ValidationConfig{})
	assert.Equal(t, ledger.StatusPass, out.Status)
	assert.Equal(t, true, out.Summary["passed"])
	assert.Equal(t, []string{}, out.Summary["failed_rules"])
}

// =============================================================================
// Outliers
// =============================================================================

func TestOutliers(t *testing.T) {
	tests := []struct {
		name     string
		handling string
		wantRows int
		wantAge  float64
	}{
		{"flag only", HandleNone, 5, 200},
		{"clip", HandleClip, 5, 143.75},
		{"remove", HandleRemove, 4, 40},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := fixture(t)
			out, err := Outliers(f, OutliersConfig{ExcludeColumns: []string{"id"}, Handling: tt.handling})
			require.NoError(t, err)

			assert.Equal(t, ledger.StatusWarn, out.Status)
			assert.Equal(t, 1, out.Summary["outlier_count"])
			assert.Equal(t, []string{"age"}, out.Summary["flagged_columns"])
			assert.Equal(t, tt.wantRows, out.Frame.NumRows())

			age, _ := out.Frame.Column("age")
			assert.Equal(t, tt.wantAge, age.Nums[age.Len()-1])

			orig, _ := f.Column("age")
			assert.Equal(t, 200.0, orig.Nums[4], "input untouched")
		})
	}
}

func TestOutliers_ZScoreAndDefaults(t *testing.T) {
	f := dataset.MustFrame(dataset.NewNumberColumn("x", []float64{1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 50}, nil))

	out, err := Outliers(f, OutliersConfig{DetectionSpecs: map[string]OutlierSpec{"x": {Method: MethodZScore, ZScoreThreshold: ptr(2.0)}}})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Summary["outlier_count"])

	constant := dataset.MustFrame(dataset.NewNumberColumn("x", []float64{3, 3, 3}, nil))
	out, err = Outliers(constant, OutliersConfig{DetectionSpecs: map[string]OutlierSpec{DefaultSpecKey: {Method: MethodZScore}}})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusPass, out.Status, "zero variance flags nothing")
}

func TestOutliers_Rejects(t *testing.T) {
	_, err := Outliers(fixture(t), OutliersConfig{Handling: "winsorize"})
	assert.True(t, apperr.Is(err, apperr.KindInvalidParams))

	_, err = Outliers(fixture(t), OutliersConfig{DetectionSpecs: map[string]OutlierSpec{DefaultSpecKey: {Method: "mad"}}})
	assert.True(t, apperr.Is(err, apperr.KindInvalidParams))
}

// =============================================================================
// Normalization
// =============================================================================

func TestNormalization(t *testing.T) {
	f := fixture(t)
	out, err := Normalization(f, NormalizationConfig{Rules: NormalizationRules{
		RenameColumns:          map[string]string{"score": "points"},
		StandardizeTextColumns: []string{"city", "missing"},
		ValueMappings:          map[string]map[string]string{"city": {"austin": "ATX"}},
	}})
	require.NoError(t, err)

	assert.Equal(t, ledger.StatusPass, out.Status)
	assert.Equal(t, 3, out.Summary["changes_made"])
	assert.Equal(t, []string{"id", "age", "city", "points"}, out.Frame.ColumnNames())

	city, _ := out.Frame.Column("city")
	assert.Equal(t, []string{"ATX", "boston", "ATX", "ATX", "denver"}, city.Strs)

	changes := out.Extra["changelog"].([]Change)
	assert.Equal(t, 5, changes[1].Cells)
	assert.Equal(t, 3, changes[2].Cells)

	assert.Equal(t, []string{"id", "age", "city", "score"}, f.ColumnNames(), "input untouched")
}

func TestNormalization_Coercion(t *testing.T) {
	f := dataset.MustFrame(dataset.NewStringColumn("code", []string{"1", "2", "x", ""}, []bool{true, true, true, false}))

	out, err := Normalization(f, NormalizationConfig{Rules: NormalizationRules{CoerceNumeric: []string{"code"}}})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusWarn, out.Status)
	assert.Equal(t, map[string]int{"code": 1}, out.Summary["coercion_failures"])

	code, _ := out.Frame.Column("code")
	assert.Equal(t, dataset.TypeNumber, code.Type)
	assert.Equal(t, 2, code.NullCount())

	out, err = Normalization(f, NormalizationConfig{Strict: true, Rules: NormalizationRules{CoerceDtypes: map[string]string{"code": "int64"}}})
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusFail, out.Status)
}

func TestNormalization_NullMapping(t *testing.T) {
	f := dataset.MustFrame(dataset.NewStringColumn("tier", []string{"gold", ""}, []bool{true, false}))
	out, err := Normalization(f, NormalizationConfig{Rules: NormalizationRules{
		ValueMappings: map[string]map[string]string{"tier": {NullMappingKey: "unknown"}},
	}})
	require.NoError(t, err)
	tier, _ := out.Frame.Column("tier")
	assert.Equal(t, 0, tier.NullCount())
	assert.Equal(t, "unknown", tier.Strs[1])
}

func TestNormalization_RenameClash(t *testing.T) {
	_, err := Normalization(fixture(t), NormalizationConfig{Rules: NormalizationRules{RenameColumns: map[string]string{"id": "age"}}})
	assert.True(t, apperr.Is(err, apperr.KindInvalidParams))
}

// =============================================================================
// Imputation
// =============================================================================

func TestImputation_NoRules(t *testing.T) {
	f := fixture(t)
	out, err := Imputation(f, ImputationConfig{})
	require.NoError(t, err)
	assert.Same(t, f, out.Frame)
	assert.Equal(t, ledger.StatusWarn, out.Status)
	assert.Equal(t, NoImputationRulesMessage, out.Summary["message"])
	assert.Equal(t, 0, out.Extra["nulls_filled"])
}

func TestImputation(t *testing.T) {
	f := fixture(t)
	out, err := Imputation(f, ImputationConfig{Rules: ImputationRules{Strategies: map[string]ImputationStrategy{
		"age":   {Strategy: StrategyMedian},
		"score": {Strategy: StrategyMean},
		"city":  {Strategy: StrategyMode},
	}}})
	require.NoError(t, err)

	assert.Equal(t, ledger.StatusPass, out.Status)
	assert.Equal(t, []string{"age", "score"}, out.Summary["columns_imputed"])
	assert.Equal(t, 2, out.Summary["nulls_filled"])
	assert.Equal(t, 0, out.Frame.TotalNulls())

	age, _ := out.Frame.Column("age")
	assert.Equal(t, 40.0, age.Nums[1])
	score, _ := out.Frame.Column("score")
	assert.Equal(t, 11.0, score.Nums[4])

	assert.Equal(t, 2, f.TotalNulls(), "input untouched")
}

func TestImputation_Errors(t *testing.T) {
	text := dataset.MustFrame(dataset.NewStringColumn("c", []string{"a", ""}, []bool{true, false}))

	tests := []struct {
		name string
		spec ImputationStrategy
		kind apperr.Kind
	}{
		{"mean of text", ImputationStrategy{Strategy: StrategyMean}, apperr.KindTransform},
		{"constant without value", ImputationStrategy{Strategy: StrategyConstant}, apperr.KindInvalidParams},
		{"unknown strategy", ImputationStrategy{Strategy: "knn"}, apperr.KindInvalidParams},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Imputation(text, ImputationConfig{Rules: ImputationRules{Strategies: map[string]ImputationStrategy{"c": tt.spec}}})
			require.Error(t, err)
			assert.Equal(t, tt.kind, apperr.KindOf(err))
		})
	}

	out, err := Imputation(text, ImputationConfig{Rules: ImputationRules{Strategies: map[string]ImputationStrategy{
		"c": {Strategy: StrategyConstant, Value: "missing"},
	}}})
	require.NoError(t, err)
	c, _ := out.Frame.Column("c")
	assert.Equal(t, "missing", c.Strs[1])
}
