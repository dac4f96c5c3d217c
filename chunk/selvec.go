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

package chunk

// VectorSize is the conventional maximum number of rows carried by one
// chunk as it flows through the join core.
const VectorSize = 2048

// SelVec names a subset of a chunk's rows by index. A nil SelVec means
// "every row 0..n-1 is selected" and callers should treat it as the
// identity selection over the chunk's row count.
type SelVec []uint32

// Identity returns a selection vector naming every row in [0, n).
func Identity(n int) SelVec {
	sel := make(SelVec, n)
	for i := range sel {
		sel[i] = uint32(i)
	}
	return sel
}

// Filter returns a new selection vector containing only the entries of sel
// for which keep reports true, preserving order.
func (sel SelVec) Filter(keep func(row uint32) bool) SelVec {
	out := sel[:0:0]
	for _, row := range sel {
		if keep(row) {
			out = append(out, row)
		}
	}
	return out
}

// Len returns the number of rows in the given chunk that sel would iterate,
// resolving a nil SelVec against the chunk's row count.
func (sel SelVec) Len(chunkRows int) int {
	if sel == nil {
		return chunkRows
	}
	return len(sel)
}

// At resolves logical position i against sel, falling back to identity
// indexing when sel is nil.
func (sel SelVec) At(i int) uint32 {
	if sel == nil {
		return uint32(i)
	}
	return sel[i]
}
