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

// Package builder implements the vectorized build path: key preparation
// and null filtering, per-row hashing, sinking rows into a RowStore, and
// finalize's concurrent pointer-table insert loop.
package builder

import (
	"math"
	"runtime"

	"github.com/pingcap/failpoint"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	vhash "github.com/tidb-inc/vecjoin/hash"
	"github.com/tidb-inc/vecjoin/ptrtable"
	"github.com/tidb-inc/vecjoin/rowstore"

	"github.com/tidb-inc/vecjoin/chunk"
)

// DefaultLoadFactorMax is the target pointer-table fill used when a
// Config does not override it; must stay <= 0.5.
const DefaultLoadFactorMax = 0.5

// Config configures one Builder instance.
type Config struct {
	Layout rowstore.Layout
	Seed   vhash.Seed

	// EqualityColIdx, NonEqualityColIdx and PayloadColIdx name columns of
	// the *source* chunks passed to Sink, in the order the row store's
	// Layout expects them.
	EqualityColIdx    []int
	NonEqualityColIdx []int
	PayloadColIdx     []int

	// NotDistinctFrom[i] selects IS NOT DISTINCT FROM semantics for
	// equality column i (null matches null) instead of standard SQL
	// equality (null matches nothing).
	NotDistinctFrom []bool

	// KeepNullKeyRows keeps rows with a null equality key instead of
	// dropping them; set for right/full/outer joins that propagate the
	// build side.
	KeepNullKeyRows bool

	// Parallel splits Finalize's insert loop across FinalizeWorkers
	// goroutines, each claiming a disjoint row range but inserting into
	// the one shared pointer table; the CAS insert loop in insert() is
	// what makes that safe, since two workers' rows can still land on
	// the same slot. Leave false for a single-threaded Finalize, which
	// skips CAS entirely in favor of plain stores.
	Parallel bool

	// FinalizeWorkers caps the goroutine count Parallel's Finalize fans
	// out to; defaults to runtime.GOMAXPROCS(0) when unset.
	FinalizeWorkers int

	LoadFactorMax float64
}

func (c Config) loadFactorMax() float64 {
	if c.LoadFactorMax <= 0 || c.LoadFactorMax > 0.5 {
		return DefaultLoadFactorMax
	}
	return c.LoadFactorMax
}

func (c Config) finalizeWorkers() int {
	if c.FinalizeWorkers > 0 {
		return c.FinalizeWorkers
	}
	return runtime.GOMAXPROCS(0)
}

func (c Config) colIdx() []int {
	out := make([]int, 0, len(c.EqualityColIdx)+len(c.NonEqualityColIdx)+len(c.PayloadColIdx))
	out = append(out, c.EqualityColIdx...)
	out = append(out, c.NonEqualityColIdx...)
	out = append(out, c.PayloadColIdx...)
	return out
}

// Builder drives the build side of a join.
type Builder struct {
	cfg   Config
	store *rowstore.RowStore

	// chainsLongerThanOne is set the first time a real key-matching
	// insert occurs. It is exposed through ChainsLongerThanOne; the prober
	// does not read it and always walks each candidate's chain.
	chainsLongerThanOne atomic.Bool
}

// New creates a Builder writing into a fresh RowStore for cfg.Layout.
func New(cfg Config) *Builder {
	return &Builder{cfg: cfg, store: rowstore.New(cfg.Layout)}
}

// Store exposes the builder's row store, read-only until Finalize.
func (b *Builder) Store() *rowstore.RowStore { return b.store }

// ChainsLongerThanOne reports whether any pointer-table slot ever grew a
// chain past one row, after Finalize.
func (b *Builder) ChainsLongerThanOne() bool { return b.chainsLongerThanOne.Load() }

// Sink appends one build chunk: filter null keys, hash, then append.
func (b *Builder) Sink(chk *chunk.Chunk) error {
	failpoint.Inject("builderConsumePanic", nil)

	sel := b.filterNullKeys(chk)
	if sel.Len(chk.NumRows()) == 0 {
		return nil
	}

	hashes := make(vhash.Vec, chk.NumRows())
	vhash.Compute(b.cfg.Seed, chk, b.cfg.EqualityColIdx, sel, hashes)

	_, err := b.store.Append(chk, b.cfg.colIdx(), sel, hashes)
	return err
}

// filterNullKeys computes the selection vector of rows whose equality
// keys survive the null-key rule: a row with any null equality key is
// dropped unless the join propagates the build side or the column uses
// NOT DISTINCT FROM semantics. Dropped rows set the store's has_null flag.
func (b *Builder) filterNullKeys(chk *chunk.Chunk) chunk.SelVec {
	if b.cfg.KeepNullKeyRows {
		return nil
	}
	anyND := false
	for _, nd := range b.cfg.NotDistinctFrom {
		if nd {
			anyND = true
			break
		}
	}
	droppedAny := false
	sel := chunk.Identity(chk.NumRows()).Filter(func(row uint32) bool {
		keep := true
		for i, col := range b.cfg.EqualityColIdx {
			if !chk.Columns[col].Nulls.NullAt(int(row)) {
				continue
			}
			if anyND && i < len(b.cfg.NotDistinctFrom) && b.cfg.NotDistinctFrom[i] {
				continue
			}
			keep = false
			break
		}
		if !keep {
			droppedAny = true
		}
		return keep
	})
	if droppedAny {
		b.store.MarkHasNull()
	}
	return sel
}

// Finalize builds the pointer table over every row sunk so far: allocate
// sized to the live row count, then insert each row by its stored hash,
// resolving collisions by linear probing and salt-first key comparison.
// When cfg.Parallel is set, the row range is sharded across
// FinalizeWorkers goroutines inserting into the one shared table
// concurrently; otherwise every row is inserted from the calling
// goroutine.
func (b *Builder) Finalize() (*ptrtable.Table, error) {
	b.store.Freeze()
	n := b.store.RowCount()
	raw := uint64(math.Ceil(float64(n) / b.cfg.loadFactorMax()))
	if raw == 0 {
		raw = 1
	}
	capacity := ptrtable.NextPow2(raw)
	pt, err := ptrtable.Allocate(int(capacity))
	if err != nil {
		return nil, err
	}
	mask := pt.Mask()

	if !b.cfg.Parallel {
		for i := 1; i <= n; i++ {
			p := rowstore.RowPtr(i)
			if err := b.insert(pt, mask, p, b.store.Hash(p)); err != nil {
				return nil, err
			}
		}
		return pt, nil
	}

	workers := b.cfg.finalizeWorkers()
	if workers > n {
		workers = n
	}
	if workers <= 1 {
		for i := 1; i <= n; i++ {
			p := rowstore.RowPtr(i)
			if err := b.insert(pt, mask, p, b.store.Hash(p)); err != nil {
				return nil, err
			}
		}
		return pt, nil
	}

	share := (n + workers - 1) / workers
	var g errgroup.Group
	for lo := 1; lo <= n; lo += share {
		hi := lo + share - 1
		if hi > n {
			hi = n
		}
		lo, hi := lo, hi
		g.Go(func() error {
			for i := lo; i <= hi; i++ {
				p := rowstore.RowPtr(i)
				if err := b.insert(pt, mask, p, b.store.Hash(p)); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return pt, nil
}

// insert resolves one row into the pointer table.
func (b *Builder) insert(pt *ptrtable.Table, mask uint64, p rowstore.RowPtr, h uint64) error {
	salt := vhash.HighSalt(h)
	slot := vhash.Slot(h, mask)
	for {
		cur := pt.Load(slot)
		if ptrtable.Empty(cur) {
			// b.store.SetNext(p, 0) is already true: Append zero-initializes
			// the chain-next pointer for every newly appended row.
			word := ptrtable.Pack(salt, uint64(p))
			if b.cfg.Parallel {
				if pt.CompareAndSwap(slot, cur, word) {
					return nil
				}
				continue // lost the race; re-read and retry
			}
			pt.Store(slot, word)
			return nil
		}

		curSalt, curPtr := ptrtable.Unpack(cur)
		if curSalt == salt {
			if b.store.CompareRows(rowstore.RowPtr(curPtr), p, b.cfg.NotDistinctFrom) {
				// Prepend p to the chain headed at this slot.
				for {
					head := pt.Load(slot)
					_, headPtr := ptrtable.Unpack(head)
					b.store.SetNext(p, rowstore.RowPtr(headPtr))
					word := ptrtable.Pack(salt, uint64(p))
					if b.cfg.Parallel {
						if pt.CompareAndSwap(slot, head, word) {
							b.chainsLongerThanOne.Store(true)
							return nil
						}
						continue
					}
					pt.Store(slot, word)
					b.chainsLongerThanOne.Store(true)
					return nil
				}
			}
			// Salt matched but keys differ: a salt collision, fall through
			// to advance the probe as usual.
		}

		slot = (slot + 1) & mask
		// salt is preserved across the advance; it is not recomputed from
		// the (unchanged) hash h.
	}
}
