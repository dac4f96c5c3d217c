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

package rowstore_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tidb-inc/vecjoin/chunk"
	"github.com/tidb-inc/vecjoin/rowstore"
)

func srcChunk(keys []int64, payloads []int64) *chunk.Chunk {
	c := chunk.NewChunk([]chunk.Kind{chunk.KindInt64, chunk.KindInt64}, len(keys))
	for i := range keys {
		c.Columns[0].Int64s = append(c.Columns[0].Int64s, keys[i])
		c.Columns[1].Int64s = append(c.Columns[1].Int64s, payloads[i])
		c.IncRowsForAppend()
	}
	return c
}

func testLayout() rowstore.Layout {
	return rowstore.Layout{
		EqualityKeys: []chunk.Kind{chunk.KindInt64},
		Payload:      []chunk.Kind{chunk.KindInt64},
	}
}

func TestAppendAssignsSequentialPointers(t *testing.T) {
	rs := rowstore.New(testLayout())
	src := srcChunk([]int64{10, 20, 30}, []int64{1, 2, 3})
	hashes := []uint64{100, 200, 300}

	ptrs, err := rs.Append(src, []int{0, 1}, chunk.Identity(3), hashes)
	require.NoError(t, err)
	require.Equal(t, []rowstore.RowPtr{1, 2, 3}, ptrs)
	require.Equal(t, 3, rs.RowCount())
	require.Equal(t, uint64(200), rs.Hash(2))
}

func TestAppendAfterFreezeErrors(t *testing.T) {
	rs := rowstore.New(testLayout())
	rs.Freeze()
	src := srcChunk([]int64{1}, []int64{1})
	_, err := rs.Append(src, []int{0, 1}, chunk.Identity(1), []uint64{1})
	require.Error(t, err)
}

func TestNextChainAndMatchFlag(t *testing.T) {
	layout := testLayout()
	layout.HasMatchFlag = true
	rs := rowstore.New(layout)
	src := srcChunk([]int64{1, 1}, []int64{1, 2})
	ptrs, err := rs.Append(src, []int{0, 1}, chunk.Identity(2), []uint64{7, 7})
	require.NoError(t, err)

	rs.SetNext(ptrs[1], ptrs[0])
	require.Equal(t, ptrs[0], rs.Next(ptrs[1]))
	require.Equal(t, rowstore.RowPtr(0), rs.Next(ptrs[0]))

	require.False(t, rs.MatchFlag(ptrs[0]))
	rs.SetMatchFlag(ptrs[0])
	require.True(t, rs.MatchFlag(ptrs[0]))
}

func TestGatherNullRowProducesAllNullCells(t *testing.T) {
	rs := rowstore.New(testLayout())
	src := srcChunk([]int64{1}, []int64{99})
	ptrs, err := rs.Append(src, []int{0, 1}, chunk.Identity(1), []uint64{1})
	require.NoError(t, err)

	out := chunk.NewChunk([]chunk.Kind{chunk.KindInt64, chunk.KindInt64}, 2)
	require.NoError(t, rs.Gather([]rowstore.RowPtr{ptrs[0], 0}, []int{0, 1}, out))
	require.Equal(t, 2, out.NumRows())
	require.False(t, out.Columns[0].Nulls.NullAt(0))
	require.True(t, out.Columns[0].Nulls.NullAt(1))
	require.True(t, out.Columns[1].Nulls.NullAt(1))
}

func TestGatherRowNonIdentityMapping(t *testing.T) {
	rs := rowstore.New(testLayout())
	src := srcChunk([]int64{1}, []int64{42})
	ptrs, err := rs.Append(src, []int{0, 1}, chunk.Identity(1), []uint64{1})
	require.NoError(t, err)

	out := chunk.NewChunk([]chunk.Kind{chunk.KindInt64, chunk.KindInt64, chunk.KindInt64}, 1)
	// place build's payload column (store col 1) at destination col 2, leaving
	// col 0/1 for a probe side the caller fills in separately.
	require.NoError(t, rs.GatherRow(ptrs[0], []int{2}, []int{1}, out))
	out.Columns[0].AppendNullCell()
	out.Columns[1].AppendNullCell()
	out.IncRowsForAppend()
	require.Equal(t, int64(42), out.Columns[2].Int64s[0])
}

func TestCompareRowsNotDistinctFrom(t *testing.T) {
	rs := rowstore.New(testLayout())
	src := srcChunk([]int64{0, 0}, []int64{1, 2})
	src.Columns[0].Nulls = chunk.NewBitmap(2)
	src.Columns[0].Nulls.SetNull(0)
	src.Columns[0].Nulls.SetNull(1)
	ptrs, err := rs.Append(src, []int{0, 1}, chunk.Identity(2), []uint64{5, 5})
	require.NoError(t, err)

	require.False(t, rs.CompareRows(ptrs[0], ptrs[1], []bool{false}))
	require.True(t, rs.CompareRows(ptrs[0], ptrs[1], []bool{true}))
}

func TestCompareProbeStandardEqualityNullNeverMatches(t *testing.T) {
	rs := rowstore.New(testLayout())
	src := srcChunk([]int64{0}, []int64{1})
	src.Columns[0].Nulls = chunk.NewBitmap(1)
	src.Columns[0].Nulls.SetNull(0)
	ptrs, err := rs.Append(src, []int{0, 1}, chunk.Identity(1), []uint64{5})
	require.NoError(t, err)

	probe := srcChunk([]int64{0}, []int64{0})
	probe.Columns[0].Nulls = chunk.NewBitmap(1)
	probe.Columns[0].Nulls.SetNull(0)
	require.False(t, rs.CompareProbe(probe, []int{0}, 0, ptrs[0], []bool{false}))
	require.True(t, rs.CompareProbe(probe, []int{0}, 0, ptrs[0], []bool{true}))
}

func TestCompareProbeBytesEquality(t *testing.T) {
	layout := rowstore.Layout{EqualityKeys: []chunk.Kind{chunk.KindBytes}}
	rs := rowstore.New(layout)
	src := chunk.NewChunk([]chunk.Kind{chunk.KindBytes}, 1)
	src.Columns[0].Bytes = append(src.Columns[0].Bytes, []byte("abc"))
	src.IncRowsForAppend()
	ptrs, err := rs.Append(src, []int{0}, chunk.Identity(1), []uint64{1})
	require.NoError(t, err)

	probe := chunk.NewChunk([]chunk.Kind{chunk.KindBytes}, 1)
	probe.Columns[0].Bytes = append(probe.Columns[0].Bytes, []byte("abc"))
	probe.IncRowsForAppend()
	require.True(t, rs.CompareProbe(probe, []int{0}, 0, ptrs[0], nil))
}
