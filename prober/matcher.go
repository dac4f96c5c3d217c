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
	"github.com/tidb-inc/vecjoin/chunk"
	"github.com/tidb-inc/vecjoin/rowstore"
)

// NonEqualityMatcher is the host-supplied row matcher for the join's
// optional non-equality predicates, e.g. "build.x < probe.y". The
// equality-key row matcher is handled internally
// by rowstore.CompareProbe/CompareRows, since the join core always knows
// how to compare its own physical column kinds; arbitrary non-equality
// predicates are the host's concern.
type NonEqualityMatcher interface {
	Match(probe *chunk.Chunk, probeRow int, store *rowstore.RowStore, build rowstore.RowPtr) (bool, error)
}

// NoPredicate is the default NonEqualityMatcher for joins with no
// non-equality condition: every equality match passes.
type NoPredicate struct{}

func (NoPredicate) Match(*chunk.Chunk, int, *rowstore.RowStore, rowstore.RowPtr) (bool, error) {
	return true, nil
}
