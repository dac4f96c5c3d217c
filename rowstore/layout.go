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

package rowstore

import "github.com/tidb-inc/vecjoin/chunk"

// Layout describes the fixed field order of one build tuple: equality-key
// columns, then non-equality-key columns, then payload columns, then an
// optional match-flag and a trailing chain-next pointer. It is expressed
// as a columnar schema rather than a packed byte struct: Go has no safe
// sub-word atomic byte primitive, so the match flag is instead tracked in
// a parallel atomic plane (see matchFlags in rowstore.go) while every
// other field keeps row-major column order.
type Layout struct {
	EqualityKeys    []chunk.Kind
	NonEqualityKeys []chunk.Kind
	Payload         []chunk.Kind
	// HasMatchFlag is set for modes that propagate build-side state:
	// right-outer, full-outer, right-semi, right-anti.
	HasMatchFlag bool
}

// AllKinds returns the concatenated column kinds in row order: equality
// keys, non-equality keys, payload. This is the order columns are stored
// in the underlying chunk.
func (l Layout) AllKinds() []chunk.Kind {
	out := make([]chunk.Kind, 0, len(l.EqualityKeys)+len(l.NonEqualityKeys)+len(l.Payload))
	out = append(out, l.EqualityKeys...)
	out = append(out, l.NonEqualityKeys...)
	out = append(out, l.Payload...)
	return out
}

// EqualityKeyCols returns the column indices (into AllKinds order) of the
// equality-key columns.
func (l Layout) EqualityKeyCols() []int {
	return indexRange(0, len(l.EqualityKeys))
}

// NonEqualityKeyCols returns the column indices of the non-equality-key
// columns.
func (l Layout) NonEqualityKeyCols() []int {
	start := len(l.EqualityKeys)
	return indexRange(start, start+len(l.NonEqualityKeys))
}

// PayloadCols returns the column indices of the payload columns.
func (l Layout) PayloadCols() []int {
	start := len(l.EqualityKeys) + len(l.NonEqualityKeys)
	return indexRange(start, start+len(l.Payload))
}

func indexRange(lo, hi int) []int {
	out := make([]int, 0, hi-lo)
	for i := lo; i < hi; i++ {
		out = append(out, i)
	}
	return out
}
