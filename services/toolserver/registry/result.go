// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package registry

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/AleutianAI/AnalystToolkit/services/toolserver/apperr"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/ledger"
)

// Result is the tool-call response envelope.
//
// The seven core fields are always serialized, even when empty, so clients
// can rely on them. Extra carries tool-specific top-level fields such as
// history or health_score; it never overrides a core field.
type Result struct {
	Status       ledger.Status
	Module       string
	RunID        string
	SessionID    string
	Summary      map[string]any
	ArtifactPath string
	ArtifactURL  string

	TraceID string
	Error   *apperr.Envelope
	Extra   map[string]any
}

// MarshalJSON flattens Extra into the envelope.
func (r Result) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Extra)+10)
	for k, v := range r.Extra {
		out[k] = v
	}
	summary := r.Summary
	if summary == nil {
		summary = map[string]any{}
	}
	out["status"] = r.Status
	out["module"] = r.Module
	out["run_id"] = r.RunID
	out["session_id"] = r.SessionID
	out["summary"] = summary
	out["artifact_path"] = r.ArtifactPath
	out["artifact_url"] = r.ArtifactURL
	if r.TraceID != "" {
		out["trace_id"] = r.TraceID
	}
	if r.Error != nil {
		out["error"] = r.Error
	}
	return json.Marshal(out)
}

// Set records a tool-specific field and returns r.
func (r *Result) Set(key string, value any) *Result {
	if r.Extra == nil {
		r.Extra = make(map[string]any)
	}
	r.Extra[key] = value
	return r
}

// Failed reports whether the result carries status fail or error.
func (r *Result) Failed() bool {
	return r.Status.Failed()
}

// ErrorResult builds a status=error result for a failure the tool absorbed
// instead of returning as a protocol error.
func ErrorResult(module, runID, sessionID, traceID string, err error) *Result {
	env := apperr.ToEnvelope(err, traceID)
	return &Result{
		Status:    ledger.StatusError,
		Module:    module,
		RunID:     runID,
		SessionID: sessionID,
		Summary:   map[string]any{},
		TraceID:   traceID,
		Error:     &env,
	}
}

// =============================================================================
// Call
// =============================================================================

// Call is one invocation request.
type Call struct {
	Name      string
	Arguments map[string]any
	TraceID   string
}

// argValidate reports fields by their json names so messages match the
// argument keys clients sent.
var argValidate *validator.Validate

func init() {
	argValidate = validator.New()
	argValidate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
}

// Decode copies the arguments into dst, a pointer to a struct with json
// tags, and runs its validate tags.
//
// Schema validation has already accepted the arguments, so Decode only
// fails on semantic constraints the schema cannot express.
func (c Call) Decode(dst any) error {
	raw, err := json.Marshal(c.Arguments)
	if err != nil {
		return apperr.InvalidParams(CodeInvalidArguments, "arguments for %s: %v", c.Name, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return apperr.InvalidParams(CodeInvalidArguments, "arguments for %s: %v", c.Name, err)
	}
	if err := argValidate.Struct(dst); err != nil {
		return apperr.InvalidParams(CodeInvalidArguments, "arguments for %s: %s", c.Name, describeValidation(err))
	}
	return nil
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !asValidationErrors(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		if fe.Param() != "" {
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

func asValidationErrors(err error, out *validator.ValidationErrors) bool {
	verrs, ok := err.(validator.ValidationErrors)
	if ok {
		*out = verrs
	}
	return ok
}
