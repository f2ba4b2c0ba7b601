// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
)

// nullTokens are cell spellings read as null (case-insensitive).
var nullTokens = map[string]struct{}{
	"":     {},
	"na":   {},
	"n/a":  {},
	"nan":  {},
	"null": {},
	"none": {},
}

// IsNullToken reports whether s is read as a null cell.
func IsNullToken(s string) bool {
	_, ok := nullTokens[strings.ToLower(strings.TrimSpace(s))]
	return ok
}

// ReadCSV parses a CSV document with a header row.
//
// Column types are inferred: a column whose every non-null cell parses as
// a float is numeric, anything else is a string column.
func ReadCSV(r io.Reader) (*Frame, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("csv is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	if len(header) > 0 {
		header[0] = strings.TrimPrefix(header[0], "\uFEFF")
	}

	raw := make([][]string, len(header))
	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read csv row %d: %w", line+1, err)
		}
		line++
		if len(record) > len(header) {
			return nil, fmt.Errorf("csv row %d has %d fields, header has %d", line, len(record), len(header))
		}
		for i := range header {
			cell := ""
			if i < len(record) {
				cell = record[i]
			}
			raw[i] = append(raw[i], cell)
		}
	}

	cols := make([]*Column, len(header))
	for i, name := range header {
		cols[i] = inferColumn(strings.TrimSpace(name), raw[i])
	}
	return NewFrame(cols...)
}

func inferColumn(name string, cells []string) *Column {
	valid := make([]bool, len(cells))
	nums := make([]float64, len(cells))
	numeric := true
	for i, cell := range cells {
		if IsNullToken(cell) {
			continue
		}
		valid[i] = true
		if !numeric {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(cell), 64)
		if err != nil || math.IsInf(v, 0) {
			numeric = false
			continue
		}
		nums[i] = v
	}
	if numeric {
		return &Column{Name: name, Type: TypeNumber, Nums: nums, Valid: valid}
	}
	strs := make([]string, len(cells))
	for i, cell := range cells {
		if valid[i] {
			strs[i] = cell
		}
	}
	return &Column{Name: name, Type: TypeString, Strs: strs, Valid: valid}
}

// WriteCSV writes the frame with a header row. Nulls are written as empty
// cells.
func WriteCSV(w io.Writer, f *Frame) error {
	writer := csv.NewWriter(w)
	if err := writer.Write(f.ColumnNames()); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	record := make([]string, f.NumCols())
	for i := 0; i < f.NumRows(); i++ {
		for ci, c := range f.Columns {
			record[ci] = c.Format(i)
		}
		if err := writer.Write(record); err != nil {
			return fmt.Errorf("write csv row %d: %w", i+1, err)
		}
	}
	writer.Flush()
	return writer.Error()
}
