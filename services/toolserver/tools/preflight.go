// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"context"
	"encoding/json"
	"maps"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"

	"github.com/AleutianAI/AnalystToolkit/services/toolserver/apperr"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/ledger"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/registry"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/transform"
)

// configModels maps each configurable module to its config type.
var configModels = map[string]any{
	NameDiagnostics:   transform.DiagnosticsConfig{},
	NameValidation:    transform.ValidationConfig{},
	NameOutliers:      transform.OutliersConfig{},
	NameNormalization: transform.NormalizationConfig{},
	NameDuplicates:    transform.DuplicatesConfig{},
	NameImputation:    transform.ImputationConfig{},
	NameFinalAudit:    transform.FinalAuditConfig{},
}

func configModuleNames() []string {
	names := make([]string, 0, len(configModels))
	for name := range configModels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// rootKey is the key a module config lives under in a combined document.
func rootKey(module string) string {
	if module == NameOutliers {
		return "outlier_detection"
	}
	return module
}

// =============================================================================
// Canonical shapes
// =============================================================================

// Canonicalize rewrites a module config into the shape the module decodes.
//
// # Description
//
// Callers send configs in several shapes: the bare module block, the block
// nested under its module key, the long form with schema_validation, and
// shorthand such as outliers {method, columns}. Canonicalize accepts all of
// them and returns the bare module block. It never fails; keys it does not
// recognize pass through for the decoder to ignore or reject.
func Canonicalize(module string, raw map[string]any) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	base := raw
	if nested, ok := raw[rootKey(module)].(map[string]any); ok {
		base = nested
	} else if nested, ok := raw[module].(map[string]any); ok {
		base = nested
	}
	base = maps.Clone(base)

	switch module {
	case NameValidation:
		return canonicalValidation(base)
	case NameFinalAudit:
		return canonicalFinalAudit(base)
	case NameOutliers:
		return canonicalOutliers(base)
	}
	return base
}

// canonicalValidation folds schema_validation.{rules,fail_on_error} and
// top-level rules into {rules, fail_on_error}. Top-level rules win.
func canonicalValidation(base map[string]any) map[string]any {
	schema, _ := base["schema_validation"].(map[string]any)
	rules := mergeMaps(asMap(schema["rules"]), asMap(base["rules"]))

	out := map[string]any{"rules": rules}
	if v, ok := schema["fail_on_error"]; ok {
		out["fail_on_error"] = v
	} else if v, ok := base["fail_on_error"]; ok {
		out["fail_on_error"] = v
	}
	return out
}

func canonicalFinalAudit(base map[string]any) map[string]any {
	cert, _ := base["certification"].(map[string]any)
	schema, _ := cert["schema_validation"].(map[string]any)
	if schema == nil {
		schema, _ = base["schema_validation"].(map[string]any)
	}
	rules := mergeMaps(asMap(schema["rules"]), asMap(cert["rules"]), asMap(base["rules"]))
	if cols, ok := base["disallowed_null_columns"].([]any); ok {
		rules["disallowed_null_columns"] = cols
	}

	certOut := map[string]any{"rules": rules}
	for _, src := range []map[string]any{schema, cert, base} {
		if v, ok := src["fail_on_error"]; ok {
			certOut["fail_on_error"] = v
			break
		}
	}

	out := map[string]any{"certification": certOut}
	if edits, ok := base["final_edits"].(map[string]any); ok {
		out["final_edits"] = edits
	}
	return out
}

// canonicalOutliers expands {method, columns, iqr_multiplier,
// zscore_threshold} into detection_specs. Explicit per-column specs win
// over the shorthand.
func canonicalOutliers(base map[string]any) map[string]any {
	specs := maps.Clone(asMap(base["detection_specs"]))
	if specs == nil {
		specs = map[string]any{}
	}

	if method, ok := base["method"].(string); ok && (method == transform.MethodIQR || method == transform.MethodZScore) {
		spec := map[string]any{"method": method}
		if v, ok := base["iqr_multiplier"].(float64); ok && method == transform.MethodIQR {
			spec["iqr_multiplier"] = v
		}
		if v, ok := base["zscore_threshold"].(float64); ok && method == transform.MethodZScore {
			spec["zscore_threshold"] = v
		}

		columns, _ := base["columns"].([]any)
		applied := false
		for _, c := range columns {
			name, ok := c.(string)
			if !ok || strings.TrimSpace(name) == "" {
				continue
			}
			name = strings.TrimSpace(name)
			specs[name] = mergeMaps(spec, asMap(specs[name]))
			applied = true
		}
		if !applied {
			if _, exists := specs[transform.DefaultSpecKey]; !exists {
				specs[transform.DefaultSpecKey] = spec
			}
		}
	}

	out := maps.Clone(base)
	for _, k := range []string{"method", "columns", "iqr_multiplier", "zscore_threshold"} {
		delete(out, k)
	}
	out["detection_specs"] = specs
	return out
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}

// mergeMaps returns a new map with later maps overriding earlier ones.
func mergeMaps(ms ...map[string]any) map[string]any {
	out := map[string]any{}
	for _, m := range ms {
		for k, v := range m {
			out[k] = v
		}
	}
	return out
}

// =============================================================================
// Preflight
// =============================================================================

var commonKeys = []string{"run", "logging", "settings", "export_html"}

var allowedKeys = map[string][]string{
	NameValidation:    {"validation", "rules", "schema_validation", "fail_on_error"},
	NameFinalAudit:    {"final_audit", "final_edits", "certification", "rules", "schema_validation", "disallowed_null_columns", "fail_on_error"},
	NameOutliers:      {"outlier_detection", "outliers", "detection_specs", "exclude_columns", "handling", "method", "columns", "iqr_multiplier", "zscore_threshold"},
	NameNormalization: {"normalization", "rules", "strict"},
	NameImputation:    {"imputation", "rules"},
	NameDuplicates:    {"duplicates", "subset_columns", "mode"},
	NameDiagnostics:   {"diagnostics", "null_threshold"},
}

var rulesPathHints = map[string]string{
	NameValidation:    "validation.schema_validation.rules.*",
	NameFinalAudit:    "final_audit.certification.schema_validation.rules.*",
	NameOutliers:      "outlier_detection.detection_specs.<column>.*",
	NameNormalization: "normalization.rules.*",
	NameImputation:    "imputation.rules.*",
	NameDuplicates:    "duplicates.(subset_columns|mode)",
	NameDiagnostics:   "diagnostics.<module-specific>",
}

func unknownKeys(module string, raw map[string]any) []string {
	allowed := map[string]bool{}
	for _, k := range append(append([]string{}, commonKeys...), allowedKeys[module]...) {
		allowed[k] = true
	}
	unknown := []string{}
	for k := range raw {
		if !allowed[k] {
			unknown = append(unknown, k)
		}
	}
	sort.Strings(unknown)
	return unknown
}

func shapeWarnings(module string, raw map[string]any) []string {
	warnings := []string{}
	switch module {
	case NameValidation, NameFinalAudit:
		if rules, ok := raw["rules"].(map[string]any); ok {
			if _, nested := rules["schema_validation"]; nested {
				warnings = append(warnings, "Found nested 'rules.schema_validation'. Use top-level 'rules.*' shorthand or canonical '"+rulesPathHints[module]+"'.")
			}
		}
	case NameOutliers:
		_, hasCanonical := raw["outlier_detection"]
		_, hasMethod := raw["method"]
		_, hasColumns := raw["columns"]
		if hasCanonical && (hasMethod || hasColumns) {
			warnings = append(warnings, "Found mixed shorthand and canonical keys; shorthand is normalized into 'outlier_detection.detection_specs'.")
		}
	}
	return warnings
}

type preflightArgs struct {
	ModuleName string         `json:"module_name"`
	Config     map[string]any `json:"config"`
	Strict     bool           `json:"strict"`
}

// preflight normalizes a candidate config and decodes it the way the
// module would, without touching any data.
func (d *Deps) preflight(_ context.Context, call registry.Call) (*registry.Result, error) {
	var args preflightArgs
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	model, ok := configModels[args.ModuleName]
	if !ok {
		return nil, unknownModule(args.ModuleName)
	}
	raw := args.Config
	if raw == nil {
		raw = map[string]any{}
	}

	effective := Canonicalize(args.ModuleName, raw)
	warnings := shapeWarnings(args.ModuleName, raw)
	unknown := unknownKeys(args.ModuleName, raw)

	// Decode into the real type so type errors surface here instead of at
	// execution time.
	dst := reflect.New(reflect.TypeOf(model)).Interface()
	decodeErr := transform.DecodeConfig(effective, args.ModuleName, dst)

	res := &registry.Result{
		Status: ledger.StatusPass,
		Module: NamePreflight,
		Summary: map[string]any{
			"normalized":           true,
			"input_changed":        !reflect.DeepEqual(effective, raw),
			"effective_rules_path": rulesPathHints[args.ModuleName],
			"strict":               args.Strict,
		},
	}
	res.Set("target_module", args.ModuleName)
	res.Set("warnings", warnings)
	res.Set("unknown_keys", unknown)
	res.Set("effective_config", effective)
	res.Set("canonical_config", map[string]any{rootKey(args.ModuleName): effective})

	switch {
	case decodeErr != nil:
		env := apperr.ToEnvelope(decodeErr, call.TraceID)
		res.Status = ledger.StatusError
		res.Error = &env
	case args.Strict && (len(warnings) > 0 || len(unknown) > 0):
		res.Status = ledger.StatusError
		res.Set("message", "Strict preflight failed due to config warnings or unknown keys.")
	}
	return res, nil
}

// =============================================================================
// Config schemas
// =============================================================================

var (
	schemaOnce  sync.Once
	schemaCache map[string]map[string]any
)

// ConfigSchemas returns the JSON Schema of every module config, reflected
// from the config types.
func ConfigSchemas() map[string]map[string]any {
	schemaOnce.Do(func() {
		r := &jsonschema.Reflector{
			DoNotReference:             true,
			ExpandedStruct:             true,
			AllowAdditionalProperties:  true,
			RequiredFromJSONSchemaTags: true,
		}
		schemaCache = make(map[string]map[string]any, len(configModels))
		for name, model := range configModels {
			s := r.Reflect(model)
			s.Title = name + " config"
			raw, err := json.Marshal(s)
			if err != nil {
				continue
			}
			var doc map[string]any
			if err := json.Unmarshal(raw, &doc); err != nil {
				continue
			}
			schemaCache[name] = doc
		}
	})
	return schemaCache
}

type schemaArgs struct {
	ModuleName string `json:"module_name"`
}

func (d *Deps) configSchema(_ context.Context, call registry.Call) (*registry.Result, error) {
	var args schemaArgs
	if err := call.Decode(&args); err != nil {
		return nil, err
	}
	schema, ok := ConfigSchemas()[args.ModuleName]
	if !ok {
		return nil, unknownModule(args.ModuleName)
	}
	res := &registry.Result{Status: ledger.StatusPass, Module: NameConfigSchema}
	res.Set("target_module", args.ModuleName)
	res.Set("schema", schema)
	return res, nil
}

func unknownModule(name string) error {
	return apperr.InvalidParams("unknown_module", "Unknown module: %s. Available: %s",
		name, strings.Join(configModuleNames(), ", "))
}
