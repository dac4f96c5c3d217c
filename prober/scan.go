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

package prober

import (
	vhash "github.com/tidb-inc/vecjoin/hash"
	"github.com/tidb-inc/vecjoin/mode"
	"github.com/tidb-inc/vecjoin/rowstore"

	"github.com/tidb-inc/vecjoin/chunk"
)

// phase names the stage a Scan is in across successive Next calls, so
// Next is always re-enterable without any coroutine-like suspension.
type phase uint8

const (
	phaseMatches phase = iota
	phaseUnmatched
	phaseDone
)

// noMatch is the sentinel ptrs[] value for a probe row with no build-side
// candidate (a miss, or a filtered null key).
const noMatch = rowstore.RowPtr(0)

// Scan is the transient per-probe-chunk state: a pointer vector, a
// live/match selection vector, a found-match bitmap,
// a null-filter flag, and carry-over state between Next calls.
type Scan struct {
	probe *chunk.Chunk

	hashes vhash.Vec

	// nullFiltered[row] is true when row's probe key can never match
	// (a null equality key under standard SQL equality semantics).
	nullFiltered []bool

	// found is the found-match bitmap used by outer/semi/anti/mark.
	found []bool

	// ptrs holds, for every probe row, its current build-side candidate
	// pointer: the live head of a matching chain while chain-walking is in
	// progress, and noMatch once a row's chain is exhausted or it never
	// matched.
	ptrs []rowstore.RowPtr

	// active is the carry-over selection vector of rows still being
	// chain-walked across Next calls for the "matches" phase.
	active chunk.SelVec

	// singleSeen records, for scalar-single joins, whether row has
	// already emitted one match. The cardinality check itself does not
	// read it: drainPairs advances past the emitted match instead.
	singleSeen []bool

	// markVals holds the resolved tri-valued mark for each probe row,
	// populated once by resolveMarks when Mode == mode.Mark.
	markVals []mode.Tri

	ph phase

	// unmatchedPos is the resume cursor across Next calls into "every
	// probe row, in order": post-match unmatched-row emission for
	// Left/FullOuter/Single, and the single emission pass for
	// Semi/Anti/Mark.
	unmatchedPos int
}

func newScan(probe *chunk.Chunk) *Scan {
	n := probe.NumRows()
	return &Scan{
		probe:        probe,
		hashes:       make(vhash.Vec, n),
		nullFiltered: make([]bool, n),
		found:        make([]bool, n),
		ptrs:         make([]rowstore.RowPtr, n),
		singleSeen:   make([]bool, n),
	}
}

// Done reports whether the scan has emitted every row it will ever emit
// via Next.
func (s *Scan) Done() bool {
	return s.ph == phaseDone
}
