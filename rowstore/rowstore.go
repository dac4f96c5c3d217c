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

// Package rowstore implements the build-side row collection: append and
// gather-by-pointer. Radix partitioning is done by the partition package,
// which keeps one RowStore per partition. It follows the
// columnar-vector-grown-by-appending-rows idiom, generalized to own join
// build tuples addressed by a stable row pointer.
package rowstore

import (
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/atomic"

	"github.com/tidb-inc/vecjoin/chunk"
)

// RowPtr addresses one row in a RowStore. The zero value is reserved to
// mean "no row" (an empty pointer-table slot, or the end of a chain);
// live rows are numbered starting at 1.
type RowPtr uint64

const nullRowPtr RowPtr = 0

// RowStore holds one relation's build tuples in row order, addressable by
// RowPtr. It is append-only until Freeze, after which it is read-only and
// safe for concurrent Gather/CompareProbe calls from many probers.
type RowStore struct {
	layout Layout

	mu sync.Mutex // guards appends during the global row-store merge step

	data       *chunk.Chunk
	hashes     []uint64
	nextPtrs   []RowPtr
	matchFlags []atomic.Bool

	frozen  bool
	hasNull bool
}

// New allocates an empty row store for the given layout.
func New(layout Layout) *RowStore {
	return &RowStore{
		layout: layout,
		data:   chunk.NewChunk(layout.AllKinds(), chunk.VectorSize),
	}
}

// Layout returns the store's row layout.
func (rs *RowStore) Layout() Layout {
	return rs.layout
}

// RowCount returns the number of live rows appended so far.
func (rs *RowStore) RowCount() int {
	return rs.data.NumRows()
}

// HasNull reports whether MarkHasNull was called, i.e. whether the
// builder's null-key filter dropped at least one build row.
func (rs *RowStore) HasNull() bool {
	return rs.hasNull
}

// MarkHasNull records that at least one row with a null equality key was
// dropped during key preparation.
func (rs *RowStore) MarkHasNull() {
	rs.hasNull = true
}

// Append copies the rows named by sel from src (whose columns are indexed
// by colIdx, in the store's AllKinds order) into the store, along with
// their precomputed row hash. It returns the RowPtr assigned to each
// appended row, in sel order. Safe for concurrent callers.
func (rs *RowStore) Append(src *chunk.Chunk, colIdx []int, sel chunk.SelVec, hashes []uint64) ([]RowPtr, error) {
	if rs.frozen {
		return nil, errors.New("rowstore: append after freeze")
	}
	n := sel.Len(src.NumRows())
	ptrs := make([]RowPtr, 0, n)

	rs.mu.Lock()
	defer rs.mu.Unlock()

	for i := 0; i < n; i++ {
		srcRow := int(sel.At(i))
		for dstCol, sCol := range colIdx {
			if err := rs.data.Columns[dstCol].AppendFromColumn(&src.Columns[sCol], srcRow); err != nil {
				return nil, err
			}
		}
		rs.data.IncRowsForAppend()
		rs.hashes = append(rs.hashes, hashes[srcRow])
		rs.nextPtrs = append(rs.nextPtrs, nullRowPtr)
		if rs.layout.HasMatchFlag {
			rs.matchFlags = append(rs.matchFlags, atomic.Bool{})
		}
		ptrs = append(ptrs, RowPtr(len(rs.hashes)))
	}
	return ptrs, nil
}

// Freeze marks the store read-only; no further Append calls are valid.
func (rs *RowStore) Freeze() {
	rs.frozen = true
}

// Hash returns the row hash stored alongside row p.
func (rs *RowStore) Hash(p RowPtr) uint64 {
	return rs.hashes[p-1]
}

// Next returns the chain-next pointer of row p (nullRowPtr at chain end).
func (rs *RowStore) Next(p RowPtr) RowPtr {
	return rs.nextPtrs[p-1]
}

// SetNext writes the chain-next pointer of row p. This write
// happens-before the CAS that publishes p as a chain head or prepends it
// to a chain, so it needs no atomicity of its own.
func (rs *RowStore) SetNext(p RowPtr, next RowPtr) {
	rs.nextPtrs[p-1] = next
}

// MatchFlag reports whether row p has ever been matched by a probe row.
// Valid only when the layout carries a match flag.
func (rs *RowStore) MatchFlag(p RowPtr) bool {
	return rs.matchFlags[p-1].Load()
}

// SetMatchFlag records that row p was matched. The write is a relaxed
// atomic store of true: concurrent writers may race, but the only value
// ever written is true, so the race is benign.
func (rs *RowStore) SetMatchFlag(p RowPtr) {
	rs.matchFlags[p-1].Store(true)
}

// Gather appends, for each RowPtr in ptrs, the selected columns (indices
// into AllKinds order) to out; a nullRowPtr entry appends an all-null row,
// used to materialize the build side of unmatched probe rows in outer
// joins. Two calls with the same ptrs and cols produce identical vectors.
func (rs *RowStore) Gather(ptrs []RowPtr, cols []int, out *chunk.Chunk) error {
	for _, p := range ptrs {
		if err := rs.GatherRow(p, indexRange(0, len(cols)), cols, out); err != nil {
			return err
		}
		out.IncRowsForAppend()
	}
	return nil
}

// GatherRow appends one logical row to out: for p == nullRowPtr, every
// destination column in dstCols receives a null cell (used to materialize
// the build side of an unmatched probe row in outer joins); otherwise
// srcCols[i] (AllKinds order) is copied from stored row p into
// out.Columns[dstCols[i]]. Unlike Gather, GatherRow does not bump out's
// row counter, so callers combining probe and build columns into one
// output row can call GatherRow/AppendFromColumn for each half and
// increment the counter exactly once.
func (rs *RowStore) GatherRow(p RowPtr, dstCols, srcCols []int, out *chunk.Chunk) error {
	for i, d := range dstCols {
		if p == nullRowPtr {
			out.Columns[d].AppendNullCell()
			continue
		}
		s := srcCols[i]
		if err := out.Columns[d].AppendFromColumn(&rs.data.Columns[s], int(p-1)); err != nil {
			return err
		}
	}
	return nil
}

// EqualityKeyCols, NonEqualityKeyCols and PayloadCols expose the stored
// column indices in AllKinds order, for Gather/CompareProbe callers.
func (rs *RowStore) EqualityKeyCols() []int    { return rs.layout.EqualityKeyCols() }
func (rs *RowStore) NonEqualityKeyCols() []int { return rs.layout.NonEqualityKeyCols() }
func (rs *RowStore) PayloadCols() []int        { return rs.layout.PayloadCols() }

// CompareRows reports whether two stored rows have equal equality keys.
// notDistinct[i], if true, makes column i use NOT DISTINCT FROM semantics
// (null equals null) instead of standard SQL equality (null never equals
// anything, including another null).
func (rs *RowStore) CompareRows(a, b RowPtr, notDistinct []bool) bool {
	eqCols := rs.EqualityKeyCols()
	ra, rb := int(a-1), int(b-1)
	for i, col := range eqCols {
		v := &rs.data.Columns[col]
		an, bn := v.Nulls.NullAt(ra), v.Nulls.NullAt(rb)
		if an || bn {
			if notDistinct != nil && i < len(notDistinct) && notDistinct[i] {
				if an && bn {
					continue
				}
				return false
			}
			return false
		}
		if !cellEqual(v, ra, rb) {
			return false
		}
	}
	return true
}

// CompareProbe reports whether a probe chunk's row probeRow (whose
// equality-key columns are probeCols) equals the stored build row's
// equality keys.
func (rs *RowStore) CompareProbe(probe *chunk.Chunk, probeCols []int, probeRow int, build RowPtr, notDistinct []bool) bool {
	eqCols := rs.EqualityKeyCols()
	buildRow := int(build - 1)
	for i, col := range eqCols {
		bv := &rs.data.Columns[col]
		pv := &probe.Columns[probeCols[i]]
		pn, bn := pv.Nulls.NullAt(probeRow), bv.Nulls.NullAt(buildRow)
		if pn || bn {
			if notDistinct != nil && i < len(notDistinct) && notDistinct[i] {
				if pn && bn {
					continue
				}
				return false
			}
			return false
		}
		if !crossCellEqual(pv, probeRow, bv, buildRow) {
			return false
		}
	}
	return true
}

func cellEqual(v *chunk.Vector, a, b int) bool {
	switch v.Kind {
	case chunk.KindInt64:
		return v.Int64s[a] == v.Int64s[b]
	case chunk.KindFloat64:
		return v.Float64s[a] == v.Float64s[b]
	case chunk.KindBytes:
		return bytesEqual(v.Bytes[a], v.Bytes[b])
	}
	return false
}

func crossCellEqual(p *chunk.Vector, pi int, b *chunk.Vector, bi int) bool {
	switch p.Kind {
	case chunk.KindInt64:
		return p.Int64s[pi] == b.Int64s[bi]
	case chunk.KindFloat64:
		return p.Float64s[pi] == b.Float64s[bi]
	case chunk.KindBytes:
		return bytesEqual(p.Bytes[pi], b.Bytes[bi])
	}
	return false
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
