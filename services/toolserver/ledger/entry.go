// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ledger

import (
	"time"

	"github.com/AleutianAI/AnalystToolkit/pkg/validation"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/apperr"
)

// Status is the outcome of one tool invocation.
type Status string

const (
	StatusPass  Status = "pass"
	StatusWarn  Status = "warn"
	StatusFail  Status = "fail"
	StatusError Status = "error"
)

// Failed reports whether s is fail or error.
func (s Status) Failed() bool {
	return s == StatusFail || s == StatusError
}

// Entry is one immutable ledger record.
type Entry struct {
	RunID          string         `json:"run_id"`
	Seq            int            `json:"seq"`
	Module         string         `json:"module"`
	Status         Status         `json:"status"`
	InputSessionID string         `json:"input_session_id,omitempty"`
	SessionID      string         `json:"session_id,omitempty"`
	Summary        map[string]any `json:"summary"`
	ArtifactPath   string         `json:"artifact_path,omitempty"`
	ArtifactURL    string         `json:"artifact_url,omitempty"`
	TraceID        string         `json:"trace_id,omitempty"`
	Timestamp      time.Time      `json:"timestamp"`
	Error          string         `json:"error,omitempty"`
}

// IsFailure reports whether the entry counts as a failure for history
// filters: status fail or error, or a summary that says passed=false.
func (e Entry) IsFailure() bool {
	if e.Status.Failed() {
		return true
	}
	passed, ok := e.Summary["passed"].(bool)
	return ok && !passed
}

// History is the result of reading one run.
//
// ParseErrors and SkippedRecords are set when the persisted history was
// damaged and had to be recovered record by record.
type History struct {
	RunID          string   `json:"run_id"`
	Entries        []Entry  `json:"entries"`
	Total          int      `json:"total"`
	ParseErrors    []string `json:"parse_errors"`
	SkippedRecords int      `json:"skipped_records"`
}

// Recovered reports whether the history was read with errors.
func (h *History) Recovered() bool {
	return len(h.ParseErrors) > 0 || h.SkippedRecords > 0
}

// ReadOptions filter a read. Zero values return the whole history.
type ReadOptions struct {
	// FailuresOnly keeps only entries for which IsFailure is true.
	FailuresOnly bool

	// Limit keeps the last Limit entries after filtering. 0 means all.
	Limit int
}

// ValidateRunID rejects run ids that are empty or could escape the history
// directory.
func ValidateRunID(runID string) error {
	if validation.ValidateIdentifier(runID) != nil {
		return apperr.InvalidParams("invalid_run_id",
			"run_id %q must be 1-128 characters of letters, digits, '.', '_' or '-'", runID)
	}
	return nil
}

// DefaultRunID returns the timestamp run id used when callers supply none.
func DefaultRunID(now time.Time) string {
	return now.UTC().Format("20060102_150405")
}
