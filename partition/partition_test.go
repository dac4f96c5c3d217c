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

package partition_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tidb-inc/vecjoin/chunk"
	vhash "github.com/tidb-inc/vecjoin/hash"
	"github.com/tidb-inc/vecjoin/partition"
	"github.com/tidb-inc/vecjoin/rowstore"
)

func intKeyChunk(n int) *chunk.Chunk {
	c := chunk.NewChunk([]chunk.Kind{chunk.KindInt64}, n)
	for i := 0; i < n; i++ {
		c.Columns[0].Int64s = append(c.Columns[0].Int64s, int64(i))
		c.IncRowsForAppend()
	}
	return c
}

func baseCfg(seed vhash.Seed, radixBits int) partition.Config {
	return partition.Config{
		Layout:           rowstore.Layout{EqualityKeys: []chunk.Kind{chunk.KindInt64}},
		Seed:             seed,
		EqualityColIdx:   []int{0},
		RadixBitsInitial: radixBits,
	}
}

func TestSinkThenFinalizeReadyUnderGenerousBudget(t *testing.T) {
	seed := vhash.NewSeed("partition-test")
	mgr := partition.New(baseCfg(seed, 2))
	require.NoError(t, mgr.Sink(intKeyChunk(20)))

	result, err := mgr.Finalize(1 << 30)
	require.NoError(t, err)
	require.Equal(t, partition.Ready, result)

	more, err := mgr.PrepareNextRound(1 << 30)
	require.NoError(t, err)
	require.True(t, more)
	require.Equal(t, 20, mgr.ActiveStore().RowCount())

	mgr.CompleteRound()
	require.True(t, mgr.Done())

	more, err = mgr.PrepareNextRound(1 << 30)
	require.NoError(t, err)
	require.False(t, more)
}

func TestFinalizeNeedsExternalRoundsUnderTightBudget(t *testing.T) {
	seed := vhash.NewSeed("partition-test")
	mgr := partition.New(baseCfg(seed, 4))
	require.NoError(t, mgr.Sink(intKeyChunk(64)))

	result, err := mgr.Finalize(2000)
	require.NoError(t, err)
	require.Equal(t, partition.NeedsExternalRounds, result)
}

// TestExternalRoundsCoverEveryRow verifies the completeness property for
// external mode: draining PrepareNextRound/CompleteRound until Done()
// visits every row sunk, exactly once, across however many rounds the
// budget forces.
func TestExternalRoundsCoverEveryRow(t *testing.T) {
	seed := vhash.NewSeed("partition-test")
	mgr := partition.New(baseCfg(seed, 4))
	require.NoError(t, mgr.Sink(intKeyChunk(64)))

	_, err := mgr.Finalize(2000)
	require.NoError(t, err)

	seenRows := 0
	for {
		more, err := mgr.PrepareNextRound(2000)
		require.NoError(t, err)
		if !more {
			break
		}
		seenRows += mgr.ActiveStore().RowCount()
		mgr.CompleteRound()
	}
	require.Equal(t, 64, seenRows)
	require.True(t, mgr.Done())
}

// TestProbeAndSpillCompletenessAcrossRounds exercises the external-mode
// probe protocol: ProbeAndSpill on the very first round routes each probe
// row to either the active set (resolved immediately) or a probe-spill
// shard keyed by the row's eventual partition; every later round's
// NextRoundProbeChunks then hands back exactly the rows deferred to it.
// Summed across every round, every probe row is seen exactly once.
func TestProbeAndSpillCompletenessAcrossRounds(t *testing.T) {
	seed := vhash.NewSeed("partition-test")
	mgr := partition.New(baseCfg(seed, 3))
	require.NoError(t, mgr.Sink(intKeyChunk(64)))

	_, err := mgr.Finalize(2000)
	require.NoError(t, err)

	probe := intKeyChunk(64)
	hashes := make(vhash.Vec, probe.NumRows())
	vhash.Compute(seed, probe, []int{0}, nil, hashes)

	total := 0
	more, err := mgr.PrepareNextRound(2000)
	require.NoError(t, err)
	require.True(t, more)

	active, err := mgr.ProbeAndSpill(probe, hashes)
	require.NoError(t, err)
	total += active.NumRows()
	mgr.CompleteRound()

	for {
		more, err := mgr.PrepareNextRound(2000)
		require.NoError(t, err)
		if !more {
			break
		}
		for _, pg := range mgr.NextRoundProbeChunks() {
			total += pg.NumRows()
		}
		mgr.CompleteRound()
	}

	require.Equal(t, 64, total)
	require.True(t, mgr.Done())
}
