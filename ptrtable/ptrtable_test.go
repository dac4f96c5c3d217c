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

package ptrtable_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tidb-inc/vecjoin/ptrtable"
)

func TestNextPow2(t *testing.T) {
	cases := map[uint64]uint64{0: 1, 1: 1, 2: 2, 3: 4, 4: 4, 5: 8, 1023: 1024, 1024: 1024}
	for in, want := range cases {
		require.Equal(t, want, ptrtable.NextPow2(in), "in=%d", in)
	}
}

func TestAllocateRejectsNonPowerOfTwo(t *testing.T) {
	_, err := ptrtable.Allocate(3)
	require.Error(t, err)

	tbl, err := ptrtable.Allocate(8)
	require.NoError(t, err)
	require.Equal(t, 8, tbl.Capacity())
	require.Equal(t, uint64(7), tbl.Mask())
}

func TestPackUnpackRoundTrip(t *testing.T) {
	word := ptrtable.Pack(0xBEEF, 12345)
	salt, ptr := ptrtable.Unpack(word)
	require.Equal(t, uint16(0xBEEF), salt)
	require.Equal(t, uint64(12345), ptr)
}

func TestEmptySlotIsZero(t *testing.T) {
	tbl, err := ptrtable.Allocate(4)
	require.NoError(t, err)
	require.True(t, ptrtable.Empty(tbl.Load(0)))

	word := ptrtable.Pack(1, 1)
	require.True(t, tbl.CompareAndSwap(0, 0, word))
	require.False(t, ptrtable.Empty(tbl.Load(0)))
}

func TestCompareAndSwapRejectsStaleExpected(t *testing.T) {
	tbl, err := ptrtable.Allocate(4)
	require.NoError(t, err)
	require.True(t, tbl.CompareAndSwap(0, 0, ptrtable.Pack(1, 1)))
	require.False(t, tbl.CompareAndSwap(0, 0, ptrtable.Pack(2, 2)))
}

func TestStoreIsPlainWrite(t *testing.T) {
	tbl, err := ptrtable.Allocate(4)
	require.NoError(t, err)
	tbl.Store(1, ptrtable.Pack(9, 9))
	require.Equal(t, ptrtable.Pack(9, 9), tbl.Load(1))
}

// TestConcurrentCompareAndSwapOnlyOneWinnerPerSlot exercises the CAS-chain
// insert loop's single invariant directly: of many goroutines racing to
// publish the first word into an empty slot, exactly one succeeds.
func TestConcurrentCompareAndSwapOnlyOneWinnerPerSlot(t *testing.T) {
	tbl, err := ptrtable.Allocate(1)
	require.NoError(t, err)

	const n = 64
	var wg sync.WaitGroup
	var wins int32
	var mu sync.Mutex
	for i := 1; i <= n; i++ {
		wg.Add(1)
		go func(ptr uint64) {
			defer wg.Done()
			if tbl.CompareAndSwap(0, 0, ptrtable.Pack(0, ptr)) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(uint64(i))
	}
	wg.Wait()
	require.EqualValues(t, 1, wins)
	require.False(t, ptrtable.Empty(tbl.Load(0)))
}
