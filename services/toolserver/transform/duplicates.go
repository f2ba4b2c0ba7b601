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
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/apperr"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/dataset"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/ledger"
)

// Duplicate handling modes.
const (
	DuplicateFlag   = "flag"
	DuplicateRemove = "remove"
)

// DuplicatesConfig configures Duplicates.
type DuplicatesConfig struct {
	SubsetColumns []string `json:"subset_columns,omitempty" yaml:"subset_columns,omitempty"`
	Mode          string   `json:"mode,omitempty" yaml:"mode,omitempty"`
}

// Duplicates finds rows that repeat an earlier row on the subset columns
// (all columns when no subset is given). The first occurrence is kept.
//
// In flag mode the frame is returned unchanged; in remove mode the
// repeats are dropped. Status is pass with no duplicates, warn otherwise.
func Duplicates(f *dataset.Frame, cfg DuplicatesConfig) (Output, error) {
	mode := cfg.Mode
	if mode == "" {
		mode = DuplicateFlag
	}
	if mode != DuplicateFlag && mode != DuplicateRemove {
		return Output{}, apperr.InvalidParams(CodeBadConfig, "duplicates mode must be flag or remove, got %q", mode)
	}

	cols := f.Columns
	if len(cfg.SubsetColumns) > 0 {
		cols = make([]*dataset.Column, 0, len(cfg.SubsetColumns))
		for _, name := range cfg.SubsetColumns {
			c, ok := f.Column(name)
			if !ok {
				return Output{}, apperr.InvalidParams(CodeBadConfig, "subset column %q not in dataset", name)
			}
			cols = append(cols, c)
		}
	}

	repeat := duplicateMask(f, cols)
	count := 0
	for _, r := range repeat {
		if r {
			count++
		}
	}

	out := f
	if mode == DuplicateRemove && count > 0 {
		keep := make([]bool, len(repeat))
		for i, r := range repeat {
			keep[i] = !r
		}
		out = f.Filter(keep)
	}

	status := ledger.StatusPass
	if count > 0 {
		status = ledger.StatusWarn
	}
	return Output{
		Frame: out,
		Summary: map[string]any{
			"duplicate_count": count,
			"mode":            mode,
			"row_count":       f.NumRows(),
		},
		Status: status,
		Extra: map[string]any{
			"duplicate_count": count,
			"rows_removed":    f.NumRows() - out.NumRows(),
		},
	}, nil
}

// duplicateMask marks every row whose key on cols was already seen.
func duplicateMask(f *dataset.Frame, cols []*dataset.Column) []bool {
	rows := f.NumRows()
	mask := make([]bool, rows)
	if len(cols) == 0 {
		return mask
	}
	seen := make(map[string]struct{}, rows)
	for i := 0; i < rows; i++ {
		key := f.RowKey(i, cols)
		if _, dup := seen[key]; dup {
			mask[i] = true
			continue
		}
		seen[key] = struct{}{}
	}
	return mask
}

func countDuplicates(f *dataset.Frame, cols []*dataset.Column) int {
	n := 0
	for _, d := range duplicateMask(f, cols) {
		if d {
			n++
		}
	}
	return n
}
