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

// Package mode names the join modes the Prober dispatches on. It is its
// own package so both prober and the public join engine can refer to the
// same tagged enumeration without an import cycle.
package mode

// JoinMode is the tagged enumeration Next() dispatches on.
type JoinMode uint8

const (
	Inner JoinMode = iota
	Left
	RightOuter
	FullOuter
	Semi
	Anti
	RightSemi
	RightAnti
	Mark
	Single
)

// PropagatesBuildSide reports whether build rows need a match flag
// (right-outer, full-outer, right-semi, right-anti).
func (m JoinMode) PropagatesBuildSide() bool {
	switch m {
	case RightOuter, FullOuter, RightSemi, RightAnti:
		return true
	}
	return false
}

// NeedsFullOuterScan reports whether the mode has a terminal sweep over
// the row store after all probing finishes.
func (m JoinMode) NeedsFullOuterScan() bool {
	return m.PropagatesBuildSide()
}

// EmitsFromProbe reports whether Next() emits rows directly (as opposed
// to right-semi/right-anti, whose output comes entirely from the
// full-outer scan).
func (m JoinMode) EmitsFromProbe() bool {
	switch m {
	case RightSemi, RightAnti:
		return false
	}
	return true
}

func (m JoinMode) String() string {
	switch m {
	case Inner:
		return "inner"
	case Left:
		return "left"
	case RightOuter:
		return "right"
	case FullOuter:
		return "full"
	case Semi:
		return "semi"
	case Anti:
		return "anti"
	case RightSemi:
		return "right-semi"
	case RightAnti:
		return "right-anti"
	case Mark:
		return "mark"
	case Single:
		return "single"
	}
	return "unknown"
}

// Tri is tri-valued logic result used by mark joins.
type Tri uint8

const (
	TriFalse Tri = iota
	TriTrue
	TriNull
)
