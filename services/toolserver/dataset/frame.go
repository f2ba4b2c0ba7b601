// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package dataset provides the in-memory table that tool calls chain through.
//
// A Frame is column-major: each Column holds either float64 or string cells
// plus a validity mask where false marks a null. Frames stored in the
// session store are treated as immutable; every transformation clones
// before it mutates.
package dataset

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ColumnType is the logical type of a column.
type ColumnType string

const (
	TypeNumber ColumnType = "number"
	TypeString ColumnType = "string"
)

// Column is one named, typed column.
//
// Exactly one of Nums or Strs is populated, matching Type. Valid has the
// same length and Valid[i] == false means row i is null.
type Column struct {
	Name  string
	Type  ColumnType
	Nums  []float64
	Strs  []string
	Valid []bool
}

// NewNumberColumn builds a numeric column. A nil valid slice marks every
// cell present; NaN values are always stored as null.
func NewNumberColumn(name string, values []float64, valid []bool) *Column {
	c := &Column{Name: name, Type: TypeNumber, Nums: append([]float64(nil), values...)}
	c.Valid = makeValid(len(values), valid)
	for i, v := range c.Nums {
		if math.IsNaN(v) {
			c.Valid[i] = false
		}
	}
	return c
}

// NewStringColumn builds a string column. A nil valid slice marks every
// cell present.
func NewStringColumn(name string, values []string, valid []bool) *Column {
	c := &Column{Name: name, Type: TypeString, Strs: append([]string(nil), values...)}
	c.Valid = makeValid(len(values), valid)
	return c
}

func makeValid(n int, valid []bool) []bool {
	out := make([]bool, n)
	if valid == nil {
		for i := range out {
			out[i] = true
		}
		return out
	}
	copy(out, valid)
	return out
}

// Len returns the number of rows.
func (c *Column) Len() int {
	return len(c.Valid)
}

// IsNull reports whether row i is null.
func (c *Column) IsNull(i int) bool {
	return !c.Valid[i]
}

// NullCount returns the number of null cells.
func (c *Column) NullCount() int {
	n := 0
	for _, ok := range c.Valid {
		if !ok {
			n++
		}
	}
	return n
}

// Format renders row i as text; nulls render as the empty string.
func (c *Column) Format(i int) string {
	if !c.Valid[i] {
		return ""
	}
	if c.Type == TypeNumber {
		return strconv.FormatFloat(c.Nums[i], 'f', -1, 64)
	}
	return c.Strs[i]
}

// Clone returns a deep copy.
func (c *Column) Clone() *Column {
	return &Column{
		Name:  c.Name,
		Type:  c.Type,
		Nums:  append([]float64(nil), c.Nums...),
		Strs:  append([]string(nil), c.Strs...),
		Valid: append([]bool(nil), c.Valid...),
	}
}

// Present returns the non-null numeric values. Empty for string columns.
func (c *Column) Present() []float64 {
	if c.Type != TypeNumber {
		return nil
	}
	out := make([]float64, 0, len(c.Nums))
	for i, v := range c.Nums {
		if c.Valid[i] {
			out = append(out, v)
		}
	}
	return out
}

// ToNumber converts a string column to numbers. Cells that do not parse
// become null and are counted in failures; cells that were already null do
// not count. Numeric columns are returned as a clone.
func (c *Column) ToNumber() (*Column, int) {
	if c.Type == TypeNumber {
		return c.Clone(), 0
	}
	out := &Column{Name: c.Name, Type: TypeNumber, Nums: make([]float64, c.Len()), Valid: make([]bool, c.Len())}
	failures := 0
	for i, s := range c.Strs {
		if !c.Valid[i] {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil || math.IsNaN(v) {
			failures++
			continue
		}
		out.Nums[i] = v
		out.Valid[i] = true
	}
	return out, failures
}

// ToString converts the column to strings, preserving nulls.
func (c *Column) ToString() *Column {
	if c.Type == TypeString {
		return c.Clone()
	}
	out := &Column{Name: c.Name, Type: TypeString, Strs: make([]string, c.Len()), Valid: append([]bool(nil), c.Valid...)}
	for i := range c.Nums {
		out.Strs[i] = c.Format(i)
	}
	return out
}

// =============================================================================
// Frame
// =============================================================================

// Field describes one column of a schema.
type Field struct {
	Name string     `json:"name"`
	Type ColumnType `json:"type"`
}

// Frame is an ordered set of equal-length columns.
type Frame struct {
	Columns []*Column
}

// NewFrame validates that the columns have unique names and equal lengths.
func NewFrame(cols ...*Column) (*Frame, error) {
	seen := make(map[string]struct{}, len(cols))
	for i, c := range cols {
		if c == nil {
			return nil, fmt.Errorf("column %d is nil", i)
		}
		if _, dup := seen[c.Name]; dup {
			return nil, fmt.Errorf("duplicate column name %q", c.Name)
		}
		seen[c.Name] = struct{}{}
		if i > 0 && c.Len() != cols[0].Len() {
			return nil, fmt.Errorf("column %q has %d rows, want %d", c.Name, c.Len(), cols[0].Len())
		}
		if c.Type == TypeNumber && len(c.Nums) != c.Len() || c.Type == TypeString && len(c.Strs) != c.Len() {
			return nil, fmt.Errorf("column %q values do not match its validity mask", c.Name)
		}
	}
	return &Frame{Columns: cols}, nil
}

// MustFrame is NewFrame for fixtures; it panics on invalid input.
func MustFrame(cols ...*Column) *Frame {
	f, err := NewFrame(cols...)
	if err != nil {
		panic(err)
	}
	return f
}

// NumRows returns the row count (0 for a frame without columns).
func (f *Frame) NumRows() int {
	if f == nil || len(f.Columns) == 0 {
		return 0
	}
	return f.Columns[0].Len()
}

// NumCols returns the column count.
func (f *Frame) NumCols() int {
	if f == nil {
		return 0
	}
	return len(f.Columns)
}

// Column looks up a column by name.
func (f *Frame) Column(name string) (*Column, bool) {
	for _, c := range f.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return nil, false
}

// ColumnNames returns the column names in order.
func (f *Frame) ColumnNames() []string {
	names := make([]string, len(f.Columns))
	for i, c := range f.Columns {
		names[i] = c.Name
	}
	return names
}

// Schema returns the ordered (name, type) pairs.
func (f *Frame) Schema() []Field {
	fields := make([]Field, len(f.Columns))
	for i, c := range f.Columns {
		fields[i] = Field{Name: c.Name, Type: c.Type}
	}
	return fields
}

// Fingerprint hashes the schema (names and types, in order). Two frames
// with the same fingerprint can be read by the same downstream config.
func (f *Frame) Fingerprint() string {
	h := sha256.New()
	for _, c := range f.Columns {
		h.Write([]byte(c.Name))
		h.Write([]byte{0})
		h.Write([]byte(c.Type))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Clone returns a deep copy.
func (f *Frame) Clone() *Frame {
	cols := make([]*Column, len(f.Columns))
	for i, c := range f.Columns {
		cols[i] = c.Clone()
	}
	return &Frame{Columns: cols}
}

// Replace swaps in a column with the same name, or appends it.
func (f *Frame) Replace(col *Column) {
	for i, c := range f.Columns {
		if c.Name == col.Name {
			f.Columns[i] = col
			return
		}
	}
	f.Columns = append(f.Columns, col)
}

// Filter returns a new frame with only the rows where keep[i] is true.
func (f *Frame) Filter(keep []bool) *Frame {
	cols := make([]*Column, len(f.Columns))
	for ci, c := range f.Columns {
		out := &Column{Name: c.Name, Type: c.Type}
		for i := 0; i < c.Len(); i++ {
			if !keep[i] {
				continue
			}
			out.Valid = append(out.Valid, c.Valid[i])
			if c.Type == TypeNumber {
				out.Nums = append(out.Nums, c.Nums[i])
			} else {
				out.Strs = append(out.Strs, c.Strs[i])
			}
		}
		if out.Valid == nil {
			out.Valid = []bool{}
			out.Nums, out.Strs = nilOrEmpty(c.Type)
		}
		cols[ci] = out
	}
	return &Frame{Columns: cols}
}

func nilOrEmpty(t ColumnType) ([]float64, []string) {
	if t == TypeNumber {
		return []float64{}, nil
	}
	return nil, []string{}
}

// RowKey renders the selected columns of row i as a single comparable key.
// Nulls render distinctly from empty strings.
func (f *Frame) RowKey(i int, cols []*Column) string {
	var b strings.Builder
	for _, c := range cols {
		if c.IsNull(i) {
			b.WriteString("\x00null")
		} else {
			b.WriteString(c.Format(i))
		}
		b.WriteByte(0x1f)
	}
	return b.String()
}

// TotalNulls returns the number of null cells across all columns.
func (f *Frame) TotalNulls() int {
	n := 0
	for _, c := range f.Columns {
		n += c.NullCount()
	}
	return n
}

// Equal reports whether two frames hold the same schema and cells.
func (f *Frame) Equal(other *Frame) bool {
	if f.NumCols() != other.NumCols() || f.NumRows() != other.NumRows() {
		return false
	}
	for ci, c := range f.Columns {
		o := other.Columns[ci]
		if c.Name != o.Name || c.Type != o.Type {
			return false
		}
		for i := 0; i < c.Len(); i++ {
			if c.Valid[i] != o.Valid[i] {
				return false
			}
			if c.Valid[i] && c.Format(i) != o.Format(i) {
				return false
			}
		}
	}
	return true
}

// ErrSchemaMismatch is returned by Concat when headers differ.
var ErrSchemaMismatch = errors.New("frames have different columns")

// Concat stacks frames with identical column names. Columns whose types
// differ between parts are widened to strings.
func Concat(frames ...*Frame) (*Frame, error) {
	if len(frames) == 0 {
		return &Frame{}, nil
	}
	if len(frames) == 1 {
		return frames[0], nil
	}
	base := frames[0].ColumnNames()
	for _, fr := range frames[1:] {
		names := fr.ColumnNames()
		if strings.Join(names, "\x1f") != strings.Join(base, "\x1f") {
			return nil, fmt.Errorf("%w: %v vs %v", ErrSchemaMismatch, base, names)
		}
	}

	cols := make([]*Column, len(base))
	for ci, name := range base {
		typ := TypeNumber
		for _, fr := range frames {
			if fr.Columns[ci].Type != TypeNumber {
				typ = TypeString
			}
		}
		out := &Column{Name: name, Type: typ}
		for _, fr := range frames {
			part := fr.Columns[ci]
			if typ == TypeString {
				part = part.ToString()
				out.Strs = append(out.Strs, part.Strs...)
			} else {
				out.Nums = append(out.Nums, part.Nums...)
			}
			out.Valid = append(out.Valid, part.Valid...)
		}
		cols[ci] = out
	}
	return NewFrame(cols...)
}
