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

package builder_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/tidb-inc/vecjoin/builder"
	"github.com/tidb-inc/vecjoin/chunk"
	vhash "github.com/tidb-inc/vecjoin/hash"
	"github.com/tidb-inc/vecjoin/ptrtable"
	"github.com/tidb-inc/vecjoin/rowstore"
)

func keyChunk(keys ...int64) *chunk.Chunk {
	c := chunk.NewChunk([]chunk.Kind{chunk.KindInt64, chunk.KindInt64}, len(keys))
	for i, k := range keys {
		c.Columns[0].Int64s = append(c.Columns[0].Int64s, k)
		c.Columns[1].Int64s = append(c.Columns[1].Int64s, int64(i))
		c.IncRowsForAppend()
	}
	return c
}

func baseConfig() builder.Config {
	return builder.Config{
		Layout: rowstore.Layout{
			EqualityKeys: []chunk.Kind{chunk.KindInt64},
			Payload:      []chunk.Kind{chunk.KindInt64},
		},
		Seed:           vhash.NewSeed("t"),
		EqualityColIdx: []int{0},
		PayloadColIdx:  []int{1},
	}
}

func TestSinkDropsNullKeyRowsByDefault(t *testing.T) {
	b := builder.New(baseConfig())
	c := keyChunk(1, 2)
	c.Columns[0].Nulls = chunk.NewBitmap(2)
	c.Columns[0].Nulls.SetNull(1)

	require.NoError(t, b.Sink(c))
	require.Equal(t, 1, b.Store().RowCount())
	require.True(t, b.Store().HasNull())
}

func TestSinkKeepsNullKeyRowsWhenConfigured(t *testing.T) {
	cfg := baseConfig()
	cfg.KeepNullKeyRows = true
	b := builder.New(cfg)
	c := keyChunk(1, 2)
	c.Columns[0].Nulls = chunk.NewBitmap(2)
	c.Columns[0].Nulls.SetNull(1)

	require.NoError(t, b.Sink(c))
	require.Equal(t, 2, b.Store().RowCount())
}

func TestFinalizeBuildsLookupTableForEveryRow(t *testing.T) {
	b := builder.New(baseConfig())
	require.NoError(t, b.Sink(keyChunk(1, 2, 3, 2)))

	pt, err := b.Finalize()
	require.NoError(t, err)
	require.True(t, pt.Capacity() >= 4)

	seen := map[uint64]bool{}
	mask := pt.Mask()
	for slot := uint64(0); slot <= mask; slot++ {
		word := pt.Load(slot)
		if ptrtable.Empty(word) {
			continue
		}
		_, ptr := ptrtable.Unpack(word)
		seen[ptr] = true
	}
	require.NotEmpty(t, seen)
	require.True(t, b.ChainsLongerThanOne(), "key 2 repeats and must chain")
}

func TestFinalizeChainPreservesAllRowsWithSameKey(t *testing.T) {
	b := builder.New(baseConfig())
	require.NoError(t, b.Sink(keyChunk(9, 9, 9)))
	pt, err := b.Finalize()
	require.NoError(t, err)

	mask := pt.Mask()
	h := b.Store().Hash(1)
	slot := vhash.Slot(h, mask)
	word := pt.Load(slot)
	require.False(t, ptrtable.Empty(word))
	_, head := ptrtable.Unpack(word)

	count := 0
	for cur := rowstore.RowPtr(head); cur != 0; cur = b.Store().Next(cur) {
		count++
	}
	require.Equal(t, 3, count)
}

// TestParallelFinalizeRacesCASInsertAcrossWorkers drives Finalize's CAS
// insert loop concurrently: many rows sharing a handful of keys, sharded
// across FinalizeWorkers goroutines inserting into one shared pointer
// table, so two workers routinely contend for the same slot (run with
// -race to confirm the CAS path, not just the mutex-guarded Sink path, is
// race-free).
func TestParallelFinalizeRacesCASInsertAcrossWorkers(t *testing.T) {
	cfg := baseConfig()
	cfg.Parallel = true
	cfg.FinalizeWorkers = 8
	b := builder.New(cfg)

	const rowsPerKey = 50
	const distinctKeys = 6
	keys := make([]int64, 0, rowsPerKey*distinctKeys)
	for i := 0; i < rowsPerKey; i++ {
		for k := 0; k < distinctKeys; k++ {
			keys = append(keys, int64(k))
		}
	}
	require.NoError(t, b.Sink(keyChunk(keys...)))

	pt, err := b.Finalize()
	require.NoError(t, err)
	require.True(t, b.ChainsLongerThanOne())

	// Walk every chain head in the table and confirm every one of the
	// rowsPerKey*distinctKeys rows is reachable from exactly one chain,
	// with no row lost or duplicated across the racing CAS inserts.
	visited := make([]bool, b.Store().RowCount()+1)
	mask := pt.Mask()
	chainsFound := 0
	for slot := uint64(0); slot <= mask; slot++ {
		word := pt.Load(slot)
		if ptrtable.Empty(word) {
			continue
		}
		_, head := ptrtable.Unpack(word)
		chainsFound++
		for cur := rowstore.RowPtr(head); cur != 0; cur = b.Store().Next(cur) {
			require.False(t, visited[cur], "row %d reachable from more than one chain", cur)
			visited[cur] = true
		}
	}
	require.Equal(t, distinctKeys, chainsFound)
	for i := 1; i <= b.Store().RowCount(); i++ {
		require.True(t, visited[i], "row %d never inserted", i)
	}
}

func TestParallelSinkIsSafeForConcurrentCallers(t *testing.T) {
	cfg := baseConfig()
	cfg.Parallel = true
	b := builder.New(cfg)

	var g errgroup.Group
	var mu sync.Mutex // only to serialize each goroutine's own chunk build, not Sink itself
	for i := 0; i < 8; i++ {
		i := i
		g.Go(func() error {
			mu.Lock()
			c := keyChunk(int64(i), int64(i))
			mu.Unlock()
			return b.Sink(c)
		})
	}
	require.NoError(t, g.Wait())
	require.Equal(t, 16, b.Store().RowCount())

	_, err := b.Finalize()
	require.NoError(t, err)
}
