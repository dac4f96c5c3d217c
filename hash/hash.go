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

// Package hash computes the per-row hashes the Builder and Prober use to
// place and find rows in the pointer table. Each equality-key column is
// hashed with the column hasher best suited to its physical type, and the
// per-column hashes are combined into one 64-bit row hash.
package hash

import (
	"encoding/binary"
	"math"

	"github.com/cespare/xxhash/v2"
	farm "github.com/dgryski/go-farm"
	"github.com/dolthub/maphash"
	"github.com/twmb/murmur3"
	"github.com/zeebo/xxh3"

	"github.com/tidb-inc/vecjoin/chunk"
)

// seedHasher derives a stable process-lifetime seed so that repeated
// Finalize calls across radix partitions of the same build see identical
// hashes for identical keys: the partition bits and the slot bits must
// come from the same hash run.
var seedHasher = maphash.NewHasher[string]()

// Seed is the per-engine hash seed; callers share one Seed across the
// build and probe side of a single join so the same key hashes identically
// on both sides.
type Seed uint64

// NewSeed derives a stable seed from a caller-chosen label (typically the
// join's plan-node id), so reruns of the same query hash identically.
func NewSeed(label string) Seed {
	return Seed(seedHasher.Hash(label))
}

// Vec holds one hash value per row of a chunk.
type Vec []uint64

// Compute hashes the named key columns of chk (restricted to sel, or every
// row if sel is nil) into out, combining per-column hashes into one row
// hash per the column's physical Kind. out must be sized to the chunk's
// row count.
func Compute(seed Seed, chk *chunk.Chunk, keyCols []int, sel chunk.SelVec, out Vec) {
	n := sel.Len(chk.NumRows())
	var buf [16]byte
	for i := 0; i < n; i++ {
		row := sel.At(i)
		out[row] = uint64(seed)
	}
	for _, col := range keyCols {
		v := &chk.Columns[col]
		for i := 0; i < n; i++ {
			row := sel.At(i)
			h := hashCell(v, int(row))
			binary.LittleEndian.PutUint64(buf[0:8], out[row])
			binary.LittleEndian.PutUint64(buf[8:16], h)
			out[row] = xxh3.HashSeed(buf[:], uint64(seed))
		}
	}
}

// hashCell hashes one cell using the column hasher appropriate to its
// Kind: xxhash for Int64 columns (the most common equality-key kind),
// FarmHash for Float64 columns, murmur3 for variable-length byte columns.
// A null cell hashes to a fixed sentinel distinct from any non-null
// value's hash space collision.
func hashCell(v *chunk.Vector, idx int) uint64 {
	if v.Nulls.NullAt(idx) {
		return nullSentinel
	}
	switch v.Kind {
	case chunk.KindInt64:
		var buf [16]byte
		binary.LittleEndian.PutUint64(buf[0:8], xxhashSeed)
		binary.LittleEndian.PutUint64(buf[8:16], uint64(v.Int64s[idx]))
		return xxhash.Sum64(buf[:])
	case chunk.KindFloat64:
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v.Float64s[idx]))
		return farm.Hash64WithSeed(buf[:], farmSeed)
	case chunk.KindBytes:
		return murmur3.SeedSum64(murmurSeed, v.Bytes[idx])
	default:
		return 0
	}
}

const (
	nullSentinel uint64 = 0x9e3779b97f4a7c15
	xxhashSeed   uint64 = 0x9e3779b185ebca87
	farmSeed     uint64 = 0xff51afd7ed558ccd
	murmurSeed   uint64 = 0xc4ceb9fe1a85ec53
)

// HighSalt extracts the 16-bit salt (the hash's high bits) stored in a
// pointer-table slot.
func HighSalt(h uint64) uint16 {
	return uint16(h >> 48)
}

// Slot masks a hash down to a pointer-table slot index.
func Slot(h uint64, mask uint64) uint64 {
	return h & mask
}
