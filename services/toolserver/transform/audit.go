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

// Final audit summary messages.
const (
	CertifiedMessage    = "Final Audit Complete. Data is certified."
	NotCertifiedMessage = "Final Audit Complete. Data is not certified."
)

// FinalAudit applies the last edits and certifies the result.
//
// Certification requires the validation suite to pass, no nulls in the
// disallowed-null columns and no fully duplicated rows. The certified frame
// is returned even when certification fails so it can be exported for
// review.
func FinalAudit(f *dataset.Frame, cfg FinalAuditConfig) (Output, error) {
	edited, err := applyFinalEdits(f, cfg.FinalEdits)
	if err != nil {
		return Output{}, err
	}

	results, _ := runValidationSuite(edited, cfg.Certification.Rules)
	var failed []string
	for _, r := range results {
		if !r.Passed {
			failed = append(failed, r.Rule)
		}
	}

	nullFailures := map[string]int{}
	for _, name := range cfg.Certification.Rules.DisallowedNullColumns {
		if c, ok := edited.Column(name); ok && c.NullCount() > 0 {
			nullFailures[name] = c.NullCount()
		}
	}
	if len(nullFailures) > 0 {
		failed = append(failed, "null_audit")
	}

	dupes := countDuplicates(edited, edited.Columns)
	if dupes > 0 {
		failed = append(failed, "duplicate_rows")
	}
	if failed == nil {
		failed = []string{}
	}

	certified := len(failed) == 0
	status, message := ledger.StatusPass, CertifiedMessage
	if !certified {
		status, message = ledger.StatusFail, NotCertifiedMessage
	}

	return Output{
		Frame: edited,
		Summary: map[string]any{
			"message":         message,
			"passed":          certified,
			"failed_checks":   failed,
			"row_count":       edited.NumRows(),
			"null_rate":       nullRate(edited),
			"duplicate_count": dupes,
		},
		Status: status,
		Extra: map[string]any{
			"certification": results,
			"null_audit":    nullFailures,
		},
	}, nil
}

func applyFinalEdits(f *dataset.Frame, edits FinalEdits) (*dataset.Frame, error) {
	drop := make(map[string]struct{}, len(edits.DropColumns))
	for _, c := range edits.DropColumns {
		drop[c] = struct{}{}
	}
	var cols []*dataset.Column
	for _, c := range f.Columns {
		if _, ok := drop[c.Name]; ok {
			continue
		}
		clone := c.Clone()
		if to, ok := edits.RenameColumns[c.Name]; ok && to != "" {
			clone.Name = to
		}
		cols = append(cols, clone)
	}
	out, err := dataset.NewFrame(cols...)
	if err != nil {
		return nil, apperr.InvalidParams(CodeBadConfig, "final edits produce an invalid frame: %v", err)
	}
	return out, nil
}

// nullRate is the share of null cells, rounded to four places.
func nullRate(f *dataset.Frame) float64 {
	cells := f.NumRows() * f.NumCols()
	if cells == 0 {
		return 0
	}
	return round(float64(f.TotalNulls())/float64(cells), 4)
}
