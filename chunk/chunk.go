// Copyright 2024 PingCAP, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package chunk implements the columnar batch primitives that build and
// probe chunks flow through: typed vectors, a validity bitmap, and
// selection vectors, scaled down to what a hash-join engine needs.
package chunk

import "github.com/cockroachdb/errors"

// Kind identifies a vector's physical representation.
type Kind uint8

const (
	KindInt64 Kind = iota
	KindFloat64
	KindBytes
)

// Vector is one typed column of a Chunk.
type Vector struct {
	Kind     Kind
	Int64s   []int64
	Float64s []float64
	Bytes    [][]byte
	Nulls    *Bitmap
}

func newVector(kind Kind, capacity int) Vector {
	v := Vector{Kind: kind}
	switch kind {
	case KindInt64:
		v.Int64s = make([]int64, 0, capacity)
	case KindFloat64:
		v.Float64s = make([]float64, 0, capacity)
	case KindBytes:
		v.Bytes = make([][]byte, 0, capacity)
	}
	return v
}

func (v *Vector) appendFrom(src *Vector, idx int) {
	isNull := src.Nulls.NullAt(idx)
	switch v.Kind {
	case KindInt64:
		if isNull {
			v.Int64s = append(v.Int64s, 0)
		} else {
			v.Int64s = append(v.Int64s, src.Int64s[idx])
		}
	case KindFloat64:
		if isNull {
			v.Float64s = append(v.Float64s, 0)
		} else {
			v.Float64s = append(v.Float64s, src.Float64s[idx])
		}
	case KindBytes:
		if isNull {
			v.Bytes = append(v.Bytes, nil)
		} else {
			v.Bytes = append(v.Bytes, src.Bytes[idx])
		}
	}
	if isNull {
		if v.Nulls == nil {
			v.Nulls = NewBitmap(v.len())
		}
		v.Nulls.SetNull(v.len() - 1)
	}
}

// AppendFromColumn copies src's cell at idx into this vector. Exported so
// packages outside chunk (rowstore's Append/Gather) can assemble rows from
// a source/destination column ordering that differs from identity.
func (v *Vector) AppendFromColumn(src *Vector, idx int) error {
	if v.Kind != src.Kind {
		return errors.Newf("chunk: kind mismatch dst=%d src=%d", v.Kind, src.Kind)
	}
	v.appendFrom(src, idx)
	return nil
}

func (v *Vector) len() int {
	switch v.Kind {
	case KindInt64:
		return len(v.Int64s)
	case KindFloat64:
		return len(v.Float64s)
	case KindBytes:
		return len(v.Bytes)
	}
	return 0
}

func (v *Vector) appendNull() {
	v.AppendNullCell()
}

// AppendNullCell appends one null cell to this column. Exported for
// callers (rowstore.GatherRow) that append column-by-column rather than
// row-by-row across an entire Chunk.
func (v *Vector) AppendNullCell() {
	switch v.Kind {
	case KindInt64:
		v.Int64s = append(v.Int64s, 0)
	case KindFloat64:
		v.Float64s = append(v.Float64s, 0)
	case KindBytes:
		v.Bytes = append(v.Bytes, nil)
	}
	if v.Nulls == nil {
		v.Nulls = NewBitmap(v.len())
	}
	v.Nulls.SetNull(v.len() - 1)
}

// Chunk is a columnar batch of up to VectorSize rows.
type Chunk struct {
	Columns []Vector
	numRows int
}

// NewChunk allocates an empty chunk with the given column kinds and row
// capacity.
func NewChunk(kinds []Kind, capacity int) *Chunk {
	cols := make([]Vector, len(kinds))
	for i, k := range kinds {
		cols[i] = newVector(k, capacity)
	}
	return &Chunk{Columns: cols}
}

// NumRows reports how many rows are currently populated.
func (c *Chunk) NumRows() int {
	return c.numRows
}

// Reset empties the chunk for reuse, keeping underlying column capacity.
func (c *Chunk) Reset() {
	for i := range c.Columns {
		col := &c.Columns[i]
		switch col.Kind {
		case KindInt64:
			col.Int64s = col.Int64s[:0]
		case KindFloat64:
			col.Float64s = col.Float64s[:0]
		case KindBytes:
			col.Bytes = col.Bytes[:0]
		}
		col.Nulls = nil
	}
	c.numRows = 0
}

// AppendRow copies row srcIdx of src into this chunk, column for column.
// Both chunks must share the same column kinds in the same order.
func (c *Chunk) AppendRow(src *Chunk, srcIdx int) error {
	if len(c.Columns) != len(src.Columns) {
		return errors.Newf("chunk: column count mismatch, dst=%d src=%d", len(c.Columns), len(src.Columns))
	}
	for i := range c.Columns {
		c.Columns[i].appendFrom(&src.Columns[i], srcIdx)
	}
	c.numRows++
	return nil
}

// AppendNullRow appends one row whose every column is null.
func (c *Chunk) AppendNullRow() {
	for i := range c.Columns {
		c.Columns[i].appendNull()
	}
	c.numRows++
}

// Full reports whether the chunk has reached VectorSize rows.
func (c *Chunk) Full() bool {
	return c.numRows >= VectorSize
}

// IncRowsForAppend bumps the chunk's row counter by one. Callers that
// append directly into Columns (bypassing AppendRow/AppendNullRow), such
// as rowstore's Append and Gather, must call this once per row appended
// to keep NumRows in sync.
func (c *Chunk) IncRowsForAppend() {
	c.numRows++
}
