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
	"sync"

	"github.com/dolthub/swiss"

	"github.com/tidb-inc/vecjoin/chunk"
)

// groupAgg is one correlated-mark-join group's running aggregate: how
// many build rows fell in the group, and whether any of them had a null
// equality key.
type groupAgg struct {
	count   int64
	hasNull bool
}

// CorrelatedMarkAux is the auxiliary aggregate-count table a correlated
// mark join needs: it distinguishes "no match because the group is empty"
// from "no match because every row in the group has a null key". It is
// backed by dolthub/swiss, an open-addressing map, keyed by an arbitrary
// host-supplied group key.
type CorrelatedMarkAux struct {
	mu     sync.Mutex
	groups *swiss.Map[string, groupAgg]

	// GroupKey extracts the correlation group key for probe row `row` of
	// chk. Supplied by the host: grouping is a planner/expression concern
	// external to the join core.
	GroupKey func(chk *chunk.Chunk, row int) string
}

// NewCorrelatedMarkAux creates an empty auxiliary table.
func NewCorrelatedMarkAux(groupKey func(chk *chunk.Chunk, row int) string) *CorrelatedMarkAux {
	return &CorrelatedMarkAux{
		groups:   swiss.NewMap[string, groupAgg](8),
		GroupKey: groupKey,
	}
}

// Record is called once per build row sunk, with that row's group key and
// whether its equality key was null.
func (a *CorrelatedMarkAux) Record(groupKey string, keyIsNull bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	g, _ := a.groups.Get(groupKey)
	g.count++
	if keyIsNull {
		g.hasNull = true
	}
	a.groups.Put(groupKey, g)
}

// Lookup returns the group's aggregate, and whether the group was ever
// recorded at all.
func (a *CorrelatedMarkAux) Lookup(groupKey string) (count int64, hasNull bool, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	g, ok := a.groups.Get(groupKey)
	return g.count, g.hasNull, ok
}
