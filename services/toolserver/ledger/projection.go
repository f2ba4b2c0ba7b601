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

import "time"

// Projections are pure functions over an ordered entry slice. They are
// computed at read time and never stored.

// LatestErrorsLimit is how many failures LatestErrors returns by default.
const LatestErrorsLimit = 5

// FailuresOnly keeps entries for which IsFailure is true, in order.
func FailuresOnly(entries []Entry) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.IsFailure() {
			out = append(out, e)
		}
	}
	return out
}

// LatestErrors returns up to n failures, newest first.
func LatestErrors(entries []Entry, n int) []Entry {
	out := make([]Entry, 0, n)
	for i := len(entries) - 1; i >= 0 && len(out) < n; i-- {
		if entries[i].IsFailure() {
			out = append(out, entries[i])
		}
	}
	return out
}

// ModuleStatus is the most recent outcome of one module.
type ModuleStatus struct {
	Seq       int            `json:"seq"`
	Status    Status         `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Summary   map[string]any `json:"summary"`
}

// LatestStatusByModule maps each module to its most recent entry.
func LatestStatusByModule(entries []Entry) map[string]ModuleStatus {
	out := make(map[string]ModuleStatus)
	for _, e := range entries {
		module := e.Module
		if module == "" {
			module = "unknown"
		}
		out[module] = ModuleStatus{Seq: e.Seq, Status: e.Status, Timestamp: e.Timestamp, Summary: e.Summary}
	}
	return out
}

// EntrySummary is the compact form returned when summary_only is set.
type EntrySummary struct {
	Seq       int            `json:"seq"`
	Module    string         `json:"module"`
	Status    Status         `json:"status"`
	Timestamp time.Time      `json:"timestamp"`
	Summary   map[string]any `json:"summary"`
}

// Summaries converts entries to their compact form.
func Summaries(entries []Entry) []EntrySummary {
	out := make([]EntrySummary, len(entries))
	for i, e := range entries {
		out[i] = EntrySummary{Seq: e.Seq, Module: e.Module, Status: e.Status, Timestamp: e.Timestamp, Summary: e.Summary}
	}
	return out
}
