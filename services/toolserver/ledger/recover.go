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
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
)

// Loaded is what a backend read produced.
type Loaded struct {
	Entries     []Entry
	ParseErrors []string
	Skipped     int

	// HighSeq is the highest sequence number the backend has evidence of,
	// including records that could not be recovered. Zero when unknown.
	HighSeq int
}

var seqField = regexp.MustCompile(`"seq"\s*:\s*(\d+)`)

// seqFloor scans raw bytes for the largest "seq" value. Only used on
// damaged documents, where an entry that no longer decodes may still have
// been issued.
func seqFloor(data []byte) int {
	high := 0
	for _, m := range seqField.FindAllSubmatch(data, -1) {
		if n, err := strconv.Atoi(string(m[1])); err == nil && n > high {
			high = n
		}
	}
	return high
}

// decodeHistory parses a persisted history document.
//
// The normal shape is a JSON array of entry objects; a single object is also
// accepted. When the document does not parse, individual objects are
// recovered by scanning past separators and skipping one byte at a time over
// anything that does not decode. Non-object values count as skipped.
func decodeHistory(data []byte) Loaded {
	var out Loaded
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return out
	}

	var root any
	if err := json.Unmarshal(data, &root); err != nil {
		out.ParseErrors = append(out.ParseErrors, fmt.Sprintf("SyntaxError: %v", err))
		recoverEntries(data, &out)
		out.HighSeq = seqFloor(data)
		return out
	}

	switch root.(type) {
	case []any:
		var raws []json.RawMessage
		_ = json.Unmarshal(data, &raws)
		for _, raw := range raws {
			addRaw(raw, &out)
		}
	case map[string]any:
		addRaw(data, &out)
	default:
		out.ParseErrors = append(out.ParseErrors, "History root is not a list/object.")
		out.Skipped++
	}
	if out.Skipped > 0 {
		out.HighSeq = seqFloor(data)
	}
	return out
}

func recoverEntries(data []byte, out *Loaded) {
	idx := 0
	for idx < len(data) {
		for idx < len(data) && isSeparator(data[idx]) {
			idx++
		}
		if idx >= len(data) {
			break
		}

		dec := json.NewDecoder(bytes.NewReader(data[idx:]))
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			out.Skipped++
			idx++
			continue
		}
		addRaw(raw, out)
		idx += int(dec.InputOffset())
	}

	if len(out.Entries) == 0 {
		out.ParseErrors = append(out.ParseErrors, "Unable to recover any valid history entries.")
	}
}

func isSeparator(b byte) bool {
	switch b {
	case ' ', '\t', '\r', '\n', '[', ']', ',':
		return true
	}
	return false
}

func addRaw(raw []byte, out *Loaded) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		out.Skipped++
		return
	}
	var e Entry
	if err := json.Unmarshal(raw, &e); err != nil {
		out.Skipped++
		return
	}
	if e.Summary == nil {
		e.Summary = map[string]any{}
	}
	out.Entries = append(out.Entries, e)
}
