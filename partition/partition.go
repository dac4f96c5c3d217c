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

// Package partition radix-partitions the build side by the high bits of
// each row's hash,
// deciding whether a single in-memory pass fits a memory budget, and
// otherwise driving external finalize in rounds while routing probe rows
// either to the currently active partitions or to a radix-partitioned
// probe spill.
package partition

import (
	"math"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/tidb-inc/vecjoin/builder"
	"github.com/tidb-inc/vecjoin/chunk"
	vhash "github.com/tidb-inc/vecjoin/hash"
	"github.com/tidb-inc/vecjoin/ptrtable"
	"github.com/tidb-inc/vecjoin/rowstore"
)

// maxRadixBits bounds the re-partitioning loop in Finalize: a safety net
// against pathological inputs (e.g. a single repeated key) that no amount
// of radix-splitting can shrink, since every row with the same key always
// lands in the same partition regardless of bit count.
const maxRadixBits = 24

// bytesPerRowFixed approximates the row store's per-row fixed overhead
// (hash and chain-next pointer; a match flag, when the layout carries
// one, is not counted), used only to size partitions against a memory
// budget; it is a planning estimate, not an exact accounting.
const bytesPerRowFixed = 8 + 8

// FinalizeResult reports whether the build side fits a single in-memory
// pass after partitioning, or needs external (multi-round) processing.
type FinalizeResult uint8

const (
	Ready FinalizeResult = iota
	NeedsExternalRounds
)

// Config configures a Manager. It mirrors builder.Config's key-preparation
// fields since each partition ultimately finalizes through a builder.Builder.
type Config struct {
	Layout            rowstore.Layout
	Seed              vhash.Seed
	EqualityColIdx    []int
	NonEqualityColIdx []int
	PayloadColIdx     []int
	NotDistinctFrom   []bool
	KeepNullKeyRows   bool
	RadixBitsInitial  int
	LoadFactorMax     float64
}

func (c Config) radixBitsInitial() int {
	if c.RadixBitsInitial <= 0 {
		return 4
	}
	return c.RadixBitsInitial
}

func (c Config) loadFactorMax() float64 {
	if c.LoadFactorMax <= 0 || c.LoadFactorMax > 0.5 {
		return builder.DefaultLoadFactorMax
	}
	return c.LoadFactorMax
}

type partitionState struct {
	id       int
	store    *rowstore.RowStore
	complete bool
	inRound  bool
}

// Manager is the Partition Manager.
type Manager struct {
	cfg       Config
	radixBits int

	partitions []*partitionState
	bytesPerKeyRow int64

	probeSpillMu sync.Mutex
	probeSpill   []*probeShard

	activeStore *rowstore.RowStore
	activeTable *ptrtable.Table
	activeSet   map[int]bool
}

// New creates a Manager with its initial partition count (2^RadixBitsInitial
// partitions, each an empty row store).
func New(cfg Config) *Manager {
	bits := cfg.radixBitsInitial()
	m := &Manager{
		cfg:            cfg,
		radixBits:      bits,
		bytesPerKeyRow: estimateRowBytes(cfg.Layout),
	}
	m.allocatePartitions(bits)
	return m
}

func estimateRowBytes(layout rowstore.Layout) int64 {
	var n int64
	for _, k := range layout.AllKinds() {
		switch k {
		case chunk.KindInt64, chunk.KindFloat64:
			n += 8
		case chunk.KindBytes:
			n += 24 // planning estimate for a variable-length cell plus its header
		}
	}
	return n + bytesPerRowFixed
}

func (m *Manager) allocatePartitions(bits int) {
	n := 1 << bits
	m.partitions = make([]*partitionState, n)
	m.probeSpill = make([]*probeShard, n)
	for i := 0; i < n; i++ {
		m.partitions[i] = &partitionState{id: i, store: rowstore.New(m.cfg.Layout)}
	}
}

func partitionIndex(h uint64, bits int) int {
	if bits == 0 {
		return 0
	}
	return int(h >> (64 - uint(bits)))
}

func (m *Manager) colIdx() []int {
	out := make([]int, 0, len(m.cfg.EqualityColIdx)+len(m.cfg.NonEqualityColIdx)+len(m.cfg.PayloadColIdx))
	out = append(out, m.cfg.EqualityColIdx...)
	out = append(out, m.cfg.NonEqualityColIdx...)
	out = append(out, m.cfg.PayloadColIdx...)
	return out
}

// Sink radix-partitions one build chunk: each row is routed to the
// partition named by the high radixBits bits of its row hash (spec
// section 4.3 step 3, "potentially via a radix partitioner").
func (m *Manager) Sink(chk *chunk.Chunk) error {
	sel := m.filterNullKeys(chk)
	n := sel.Len(chk.NumRows())
	if n == 0 {
		return nil
	}

	hashes := make(vhash.Vec, chk.NumRows())
	vhash.Compute(m.cfg.Seed, chk, m.cfg.EqualityColIdx, sel, hashes)

	cols := m.colIdx()
	byPartition := make(map[int][]uint32, len(m.partitions))
	for i := 0; i < n; i++ {
		row := sel.At(i)
		idx := partitionIndex(hashes[row], m.radixBits)
		byPartition[idx] = append(byPartition[idx], row)
	}
	for idx, rows := range byPartition {
		partSel := chunk.SelVec(rows)
		partHashes := hashes
		if _, err := m.partitions[idx].store.Append(chk, cols, partSel, partHashes); err != nil {
			return err
		}
	}
	return nil
}

// filterNullKeys mirrors builder.Builder's null-key drop rule (spec
// section 4.3 step 1); duplicated here rather than shared because the
// partitioned sink path iterates per-partition selection vectors the
// non-partitioned Builder never needs to build.
func (m *Manager) filterNullKeys(chk *chunk.Chunk) chunk.SelVec {
	if m.cfg.KeepNullKeyRows {
		return chunk.Identity(chk.NumRows())
	}
	return chunk.Identity(chk.NumRows()).Filter(func(row uint32) bool {
		for i, col := range m.cfg.EqualityColIdx {
			if !chk.Columns[col].Nulls.NullAt(int(row)) {
				continue
			}
			if i < len(m.cfg.NotDistinctFrom) && m.cfg.NotDistinctFrom[i] {
				continue
			}
			return false
		}
		return true
	})
}

func (m *Manager) maxPartitionRows() int {
	max := 0
	for _, p := range m.partitions {
		if !p.complete {
			if n := p.store.RowCount(); n > max {
				max = n
			}
		}
	}
	return max
}

func (m *Manager) totalRows() int {
	total := 0
	for _, p := range m.partitions {
		if !p.complete {
			total += p.store.RowCount()
		}
	}
	return total
}

func (m *Manager) dataBytes(rows int) int64 {
	return int64(rows) * m.bytesPerKeyRow
}

func (m *Manager) pointerTableBytes(rows int) int64 {
	if rows == 0 {
		return 8
	}
	capacity := ptrtable.NextPow2(uint64(math.Ceil(float64(rows) / m.cfg.loadFactorMax())))
	return int64(capacity) * 8
}

// Finalize decides whether the partitioned build fits a single in-memory
// pass, re-partitioning (one more radix bit, doubling the partition count,
// per step) until every live partition's
// projected size (data plus its own pointer table) is under a quarter of
// the budget, then checking whether the partitioned whole fits the budget
// outright.
func (m *Manager) Finalize(budget int64) (FinalizeResult, error) {
	for m.radixBits < maxRadixBits {
		maxRows := m.maxPartitionRows()
		projected := m.dataBytes(maxRows) + m.pointerTableBytes(maxRows)
		if projected <= budget/4 {
			break
		}
		if err := m.repartition(m.radixBits + 1); err != nil {
			return Ready, err
		}
	}

	total := m.dataBytes(m.totalRows()) + m.pointerTableBytes(m.totalRows())
	if total <= budget {
		return Ready, nil
	}
	return NeedsExternalRounds, nil
}

// repartition doubles (or otherwise increases) the partition count,
// redistributing every live row by the new, wider high-bit prefix of its
// already-computed row hash — never rehashing, so a row's slot within its
// eventual pointer table stays derived from the one hash run the whole
// build shares: the partition bits and the slot bits come from the same
// hash.
func (m *Manager) repartition(newBits int) error {
	next := make([]*partitionState, 1<<newBits)
	for i := range next {
		next[i] = &partitionState{id: i, store: rowstore.New(m.cfg.Layout)}
	}

	allCols := allColumns(m.cfg.Layout)
	tmp := chunk.NewChunk(m.cfg.Layout.AllKinds(), 1)
	for _, p := range m.partitions {
		if p.complete {
			// Finalize only repartitions before any round has run, so this
			// never actually triggers; kept as a guard against a future
			// caller invoking it mid-round.
			continue
		}
		n := p.store.RowCount()
		for i := 1; i <= n; i++ {
			ptr := rowstore.RowPtr(i)
			tmp.Reset()
			if err := p.store.Gather([]rowstore.RowPtr{ptr}, allCols, tmp); err != nil {
				return err
			}
			h := p.store.Hash(ptr)
			idx := partitionIndex(h, newBits)
			if _, err := next[idx].store.Append(tmp, allCols, chunk.Identity(1), vhash.Vec{0: h}); err != nil {
				return err
			}
		}
	}
	m.partitions = next
	m.probeSpill = make([]*probeShard, len(next))
	m.radixBits = newBits
	return nil
}

func allColumns(layout rowstore.Layout) []int {
	n := len(layout.AllKinds())
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

// PrepareNextRound advances external finalize to the next round (spec
// section 4.5, paragraph 2): it picks the largest prefix of not-yet-
// processed partitions, ordered ascending by row count with ties
// quantized to the smallest live partition's size, whose combined
// projected size fits budget; merges them into one active row store;
// and builds the active pointer table over it. Returns false once every
// partition has been processed.
func (m *Manager) PrepareNextRound(budget int64) (bool, error) {
	pending := m.pendingPartitionsByQuantizedSize()
	if len(pending) == 0 {
		return false, nil
	}

	chosen := pending[:0:0]
	var rows int
	for _, p := range pending {
		candidateRows := rows + p.store.RowCount()
		projected := m.dataBytes(candidateRows) + m.pointerTableBytes(candidateRows)
		if len(chosen) > 0 && projected > budget {
			break
		}
		chosen = append(chosen, p)
		rows = candidateRows
	}

	b := builder.New(builder.Config{
		Layout:            m.cfg.Layout,
		Seed:              m.cfg.Seed,
		EqualityColIdx:    allColumns(m.cfg.Layout)[:len(m.cfg.EqualityColIdx)],
		NonEqualityColIdx: rangeAfter(len(m.cfg.EqualityColIdx), len(m.cfg.NonEqualityColIdx)),
		PayloadColIdx:     rangeAfter(len(m.cfg.EqualityColIdx)+len(m.cfg.NonEqualityColIdx), len(m.cfg.PayloadColIdx)),
		NotDistinctFrom:   m.cfg.NotDistinctFrom,
		KeepNullKeyRows:   true, // rows already survived the partition sink's own null filter
		LoadFactorMax:     m.cfg.loadFactorMax(),
	})

	allCols := allColumns(m.cfg.Layout)
	tmp := chunk.NewChunk(m.cfg.Layout.AllKinds(), chunk.VectorSize)
	m.activeSet = make(map[int]bool, len(chosen))
	for _, p := range chosen {
		m.activeSet[p.id] = true
		p.inRound = true
		n := p.store.RowCount()
		for lo := 1; lo <= n; lo += chunk.VectorSize {
			hi := lo + chunk.VectorSize
			if hi > n+1 {
				hi = n + 1
			}
			ptrs := make([]rowstore.RowPtr, 0, hi-lo)
			for i := lo; i < hi; i++ {
				ptrs = append(ptrs, rowstore.RowPtr(i))
			}
			tmp.Reset()
			if err := p.store.Gather(ptrs, allCols, tmp); err != nil {
				return false, err
			}
			if err := b.Sink(tmp); err != nil {
				return false, err
			}
		}
	}

	table, err := b.Finalize()
	if err != nil {
		return false, err
	}
	m.activeStore = b.Store()
	m.activeTable = table
	return true, nil
}

func rangeAfter(start, n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = start + i
	}
	return out
}

// pendingPartitionsByQuantizedSize returns not-yet-processed partitions
// sorted ascending by row count, quantizing to the smallest pending
// partition's row count so ties among similarly sized partitions keep a
// stable relative order across rounds.
func (m *Manager) pendingPartitionsByQuantizedSize() []*partitionState {
	var pending []*partitionState
	minRows := -1
	for _, p := range m.partitions {
		if p.complete || p.inRound {
			continue
		}
		pending = append(pending, p)
		if minRows < 0 || p.store.RowCount() < minRows {
			minRows = p.store.RowCount()
		}
	}
	if minRows <= 0 {
		minRows = 1
	}
	quantized := func(p *partitionState) int {
		return p.store.RowCount() / minRows
	}
	sort.SliceStable(pending, func(i, j int) bool {
		return quantized(pending[i]) < quantized(pending[j])
	})
	return pending
}

// ActiveStore and ActiveTable expose the current round's merged build
// side, valid after a true PrepareNextRound return.
func (m *Manager) ActiveStore() *rowstore.RowStore { return m.activeStore }
func (m *Manager) ActiveTable() *ptrtable.Table    { return m.activeTable }

// CompleteRound tears down the active pointer table and marks this
// round's partitions complete.
func (m *Manager) CompleteRound() {
	for _, p := range m.partitions {
		if p.inRound {
			p.complete = true
			p.inRound = false
		}
	}
	m.activeStore = nil
	m.activeTable = nil
	m.activeSet = nil
}

// ProbeAndSpill splits one probe chunk by the high bits of its rows' hash:
// rows whose partition is in the current active set are returned for
// immediate probing against ActiveTable/
// ActiveStore; the rest are appended to the probe spill, radix-partitioned
// the same way the build side is, to be replayed in a later round.
func (m *Manager) ProbeAndSpill(probe *chunk.Chunk, hashes vhash.Vec) (*chunk.Chunk, error) {
	if m.activeSet == nil {
		return nil, errors.New("partition: ProbeAndSpill called with no active round")
	}
	activeRows := make([]uint32, 0, probe.NumRows())
	for row := 0; row < probe.NumRows(); row++ {
		idx := partitionIndex(hashes[row], m.radixBits)
		if m.activeSet[idx] {
			activeRows = append(activeRows, uint32(row))
			continue
		}
		if err := m.spillRow(idx, probe, row); err != nil {
			return nil, err
		}
	}

	kinds := make([]chunk.Kind, len(probe.Columns))
	for i := range probe.Columns {
		kinds[i] = probe.Columns[i].Kind
	}
	active := chunk.NewChunk(kinds, len(activeRows))
	for _, row := range activeRows {
		if err := active.AppendRow(probe, int(row)); err != nil {
			return nil, err
		}
	}
	return active, nil
}

// probeShard accumulates one partition's spilled probe rows across every
// goroutine that spills to it, guarded by its own mutex so independent
// partitions never contend with each other once registered.
type probeShard struct {
	mu     sync.Mutex
	pages  []*chunk.Chunk
	kinds  []chunk.Kind
}

func (m *Manager) spillRow(partitionIdx int, probe *chunk.Chunk, row int) error {
	shard := m.shardFor(partitionIdx, probe)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	if len(shard.pages) == 0 || shard.pages[len(shard.pages)-1].Full() {
		shard.pages = append(shard.pages, chunk.NewChunk(shard.kinds, chunk.VectorSize))
	}
	page := shard.pages[len(shard.pages)-1]
	return page.AppendRow(probe, row)
}

// shardFor lazily registers partitionIdx's probe-spill shard, guarded by
// Manager.probeSpillMu.
func (m *Manager) shardFor(partitionIdx int, probe *chunk.Chunk) *probeShard {
	m.probeSpillMu.Lock()
	defer m.probeSpillMu.Unlock()
	if m.probeSpill[partitionIdx] == nil {
		kinds := make([]chunk.Kind, len(probe.Columns))
		for i := range probe.Columns {
			kinds[i] = probe.Columns[i].Kind
		}
		m.probeSpill[partitionIdx] = &probeShard{kinds: kinds}
	}
	return m.probeSpill[partitionIdx]
}

// NextRoundProbeChunks returns, after CompleteRound, the probe-spill pages
// belonging to partitions chosen for the upcoming round. Call after the
// following PrepareNextRound.
func (m *Manager) NextRoundProbeChunks() []*chunk.Chunk {
	var pages []*chunk.Chunk
	for _, p := range m.partitions {
		if !p.inRound {
			continue
		}
		shard := m.probeSpill[p.id]
		if shard == nil {
			continue
		}
		pages = append(pages, shard.pages...)
		m.probeSpill[p.id] = nil
	}
	return pages
}

// Done reports whether every partition is either complete or part of the
// current round, i.e. no further PrepareNextRound call will pick one.
func (m *Manager) Done() bool {
	for _, p := range m.partitions {
		if !p.complete && !p.inRound {
			return false
		}
	}
	return true
}
