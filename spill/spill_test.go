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

package spill_test

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tidb-inc/vecjoin/chunk"
	"github.com/tidb-inc/vecjoin/spill"
)

func mixedChunk() *chunk.Chunk {
	kinds := []chunk.Kind{chunk.KindInt64, chunk.KindFloat64, chunk.KindBytes}
	c := chunk.NewChunk(kinds, 3)
	c.Columns[0].Int64s = append(c.Columns[0].Int64s, 1, 0, 3)
	c.Columns[1].Float64s = append(c.Columns[1].Float64s, 1.5, 2.5, 0)
	c.Columns[2].Bytes = append(c.Columns[2].Bytes, []byte("a"), []byte("bb"), nil)
	c.Columns[0].Nulls = chunk.NewBitmap(3)
	c.Columns[0].Nulls.SetNull(1)
	c.Columns[2].Nulls = chunk.NewBitmap(3)
	c.Columns[2].Nulls.SetNull(2)
	c.IncRowsForAppend()
	c.IncRowsForAppend()
	c.IncRowsForAppend()
	return c
}

func TestWriteReadRoundTripPreservesValuesAndNulls(t *testing.T) {
	var buf bytes.Buffer
	bw, err := spill.NewBlockWriter(&buf)
	require.NoError(t, err)
	require.NoError(t, bw.WriteChunk(mixedChunk()))
	require.NoError(t, bw.Close())

	br, err := spill.NewBlockReader(&buf)
	require.NoError(t, err)
	kinds := []chunk.Kind{chunk.KindInt64, chunk.KindFloat64, chunk.KindBytes}
	got, err := br.ReadChunk(kinds)
	require.NoError(t, err)

	require.Equal(t, 3, got.NumRows())
	require.Equal(t, int64(1), got.Columns[0].Int64s[0])
	require.True(t, got.Columns[0].Nulls.NullAt(1))
	require.Equal(t, int64(3), got.Columns[0].Int64s[2])
	require.Equal(t, 1.5, got.Columns[1].Float64s[0])
	require.Equal(t, []byte("bb"), got.Columns[2].Bytes[1])
	require.True(t, got.Columns[2].Nulls.NullAt(2))
}

func TestMultipleChunksInOneStreamReadBackInOrder(t *testing.T) {
	var buf bytes.Buffer
	bw, err := spill.NewBlockWriter(&buf)
	require.NoError(t, err)

	kinds := []chunk.Kind{chunk.KindInt64}
	first := chunk.NewChunk(kinds, 2)
	first.Columns[0].Int64s = append(first.Columns[0].Int64s, 10, 20)
	first.IncRowsForAppend()
	first.IncRowsForAppend()

	second := chunk.NewChunk(kinds, 1)
	second.Columns[0].Int64s = append(second.Columns[0].Int64s, 30)
	second.IncRowsForAppend()

	require.NoError(t, bw.WriteChunk(first))
	require.NoError(t, bw.WriteChunk(second))
	require.NoError(t, bw.Close())

	br, err := spill.NewBlockReader(&buf)
	require.NoError(t, err)

	got1, err := br.ReadChunk(kinds)
	require.NoError(t, err)
	require.Equal(t, []int64{10, 20}, got1.Columns[0].Int64s)

	got2, err := br.ReadChunk(kinds)
	require.NoError(t, err)
	require.Equal(t, []int64{30}, got2.Columns[0].Int64s)

	_, err = br.ReadChunk(kinds)
	require.ErrorIs(t, err, io.EOF)
}

func TestEmptyChunkRoundTrips(t *testing.T) {
	var buf bytes.Buffer
	bw, err := spill.NewBlockWriter(&buf)
	require.NoError(t, err)
	kinds := []chunk.Kind{chunk.KindInt64}
	require.NoError(t, bw.WriteChunk(chunk.NewChunk(kinds, 0)))
	require.NoError(t, bw.Close())

	br, err := spill.NewBlockReader(&buf)
	require.NoError(t, err)
	got, err := br.ReadChunk(kinds)
	require.NoError(t, err)
	require.Equal(t, 0, got.NumRows())
}
