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

// Package prober implements the vectorized probe path: candidate lookup
// against the pointer table, chain walking with optional
// non-equality predicate evaluation, and the per-mode emission rules for
// all ten join modes.
package prober

import (
	"github.com/cockroachdb/errors"

	vhash "github.com/tidb-inc/vecjoin/hash"
	"github.com/tidb-inc/vecjoin/mode"
	"github.com/tidb-inc/vecjoin/ptrtable"
	"github.com/tidb-inc/vecjoin/rowstore"

	"github.com/tidb-inc/vecjoin/chunk"
)

// ErrCardinality is returned by Next when a scalar-single join's build
// side yields more than one matching row for a probe row and
// Config.SingleErrorOnMultipleRows is set.
var ErrCardinality = errors.New("prober: scalar subquery returned more than one row for a probe row")

// Config configures one Prober instance. A Prober is built once per join
// and reused across every probe chunk.
type Config struct {
	Mode  mode.JoinMode
	Store *rowstore.RowStore
	Table *ptrtable.Table
	Seed  vhash.Seed

	// SaltThreshold is the table capacity at or below which the 16-bit salt
	// comparison is skipped in favor of comparing every candidate
	// directly by key: for a very small table the salt check saves
	// little and the extra branch isn't worth it.
	SaltThreshold int

	// EqualityColIdx names probe-chunk columns holding the equality key,
	// in the same order as the build side's equality key columns.
	EqualityColIdx  []int
	NotDistinctFrom []bool
	NonEquality     NonEqualityMatcher

	// ProbeOutCols and BuildOutCols name the probe-chunk and build-store
	// (AllKinds order) columns materialized into Next's output chunk, in
	// that order: out's schema is len(ProbeOutCols)+len(BuildOutCols)
	// columns, except for right-semi/right-anti's FullOuterScan, whose
	// output is BuildOutCols alone.
	ProbeOutCols []int
	BuildOutCols []int

	// SingleErrorOnMultipleRows turns a scalar-single join's cardinality
	// violation (more than one build row per probe row) into an error
	// instead of silently taking the first match.
	SingleErrorOnMultipleRows bool

	// Correlated supplies the per-group null-awareness a correlated mark
	// join needs; nil for uncorrelated mark joins (which instead consult
	// Store.HasNull()).
	Correlated *CorrelatedMarkAux
}

// Prober drives the probe side of one join.
type Prober struct {
	Config
}

// New creates a Prober. A nil Config.NonEquality defaults to NoPredicate.
func New(cfg Config) *Prober {
	if cfg.NonEquality == nil {
		cfg.NonEquality = NoPredicate{}
	}
	return &Prober{Config: cfg}
}

func (p *Prober) salted() bool {
	return p.Table.Capacity() > p.SaltThreshold
}

// Probe resolves every probe row's build-side candidate against the
// pointer table and returns a Scan ready for repeated Next calls. The
// candidate lookup itself (finding each row's chain, if any) happens once
// here; Next paginates the chain-walk and emission across output chunks.
func (p *Prober) Probe(probe *chunk.Chunk) (*Scan, error) {
	scan := newScan(probe)
	p.computeNullFilter(scan)
	vhash.Compute(p.Seed, probe, p.EqualityColIdx, nil, scan.hashes)
	p.findCandidates(scan)

	switch p.Mode {
	case mode.Semi, mode.Anti:
		if err := p.resolveExistence(scan, false); err != nil {
			return nil, err
		}
	case mode.RightSemi, mode.RightAnti:
		if err := p.resolveExistence(scan, true); err != nil {
			return nil, err
		}
	case mode.Mark:
		if err := p.resolveMarks(scan); err != nil {
			return nil, err
		}
	default:
		scan.active = activeRows(scan)
	}
	return scan, nil
}

// computeNullFilter marks every probe row whose equality key can never
// match under standard SQL equality: any null key column not flagged
// NOT DISTINCT FROM kills the whole conjunction.
func (p *Prober) computeNullFilter(scan *Scan) {
	for row := 0; row < scan.probe.NumRows(); row++ {
		for i, col := range p.EqualityColIdx {
			if !scan.probe.Columns[col].Nulls.NullAt(row) {
				continue
			}
			if i < len(p.NotDistinctFrom) && p.NotDistinctFrom[i] {
				continue
			}
			scan.nullFiltered[row] = true
			break
		}
	}
}

// findCandidates resolves, for every probe row not already null-filtered,
// the build-side chain head matching its equality key: walk the pointer
// table from the row's hash slot, comparing salt (unless
// the table is small enough that salted() says to skip it) then the full
// key, advancing the slot with wraparound on any mismatch, until either a
// key match or an empty slot is found.
func (p *Prober) findCandidates(scan *Scan) {
	mask := p.Table.Mask()
	useSalt := p.salted()
	for row := 0; row < scan.probe.NumRows(); row++ {
		if scan.nullFiltered[row] {
			scan.ptrs[row] = noMatch
			continue
		}
		h := scan.hashes[row]
		slot := vhash.Slot(h, mask)
		rowSalt := vhash.HighSalt(h)
		for {
			word := p.Table.Load(slot)
			if ptrtable.Empty(word) {
				scan.ptrs[row] = noMatch
				break
			}
			salt, ptr := ptrtable.Unpack(word)
			if (!useSalt || salt == rowSalt) &&
				p.Store.CompareProbe(scan.probe, p.EqualityColIdx, row, rowstore.RowPtr(ptr), p.NotDistinctFrom) {
				scan.ptrs[row] = rowstore.RowPtr(ptr)
				break
			}
			slot = (slot + 1) & mask
		}
	}
}

func activeRows(scan *Scan) chunk.SelVec {
	return chunk.Identity(len(scan.ptrs)).Filter(func(row uint32) bool {
		return scan.ptrs[row] != noMatch
	})
}

// Next fills out with the next page of this scan's output, dispatching on
// join mode. It returns false once the scan has emitted everything it
// will ever emit (Scan.Done() then also reports true).
func (p *Prober) Next(scan *Scan, out *chunk.Chunk) (bool, error) {
	switch p.Mode {
	case mode.Inner:
		return p.nextOuter(scan, out, false, false, false)
	case mode.Left:
		return p.nextOuter(scan, out, false, true, false)
	case mode.RightOuter:
		return p.nextOuter(scan, out, true, false, false)
	case mode.FullOuter:
		return p.nextOuter(scan, out, true, true, false)
	case mode.Single:
		return p.nextOuter(scan, out, false, true, true)
	case mode.Semi:
		return p.nextSemiAnti(scan, out, true)
	case mode.Anti:
		return p.nextSemiAnti(scan, out, false)
	case mode.RightSemi, mode.RightAnti:
		// Every output row for these two modes comes from the terminal
		// FullOuterScan over the row store; Next itself has nothing to
		// emit from the probe side.
		scan.ph = phaseDone
		return false, nil
	case mode.Mark:
		return p.nextMark(scan, out)
	}
	return false, errors.Newf("prober: unsupported join mode %s", p.Mode)
}

// advance walks scan's current candidate chain for row forward from its
// live pointer, applying the non-equality predicate (equality is already
// guaranteed: the builder only ever chains rows with equal keys). It
// returns the next row that passes the predicate, if any, leaving
// scan.ptrs[row] positioned just past it so a second call resumes the
// walk; once the chain is exhausted scan.ptrs[row] is left at noMatch.
func (p *Prober) advance(scan *Scan, row int) (rowstore.RowPtr, bool, error) {
	cur := scan.ptrs[row]
	for cur != noMatch {
		next := p.Store.Next(cur)
		ok, err := p.NonEquality.Match(scan.probe, row, p.Store, cur)
		if err != nil {
			return noMatch, false, err
		}
		if ok {
			scan.ptrs[row] = next
			scan.found[row] = true
			return cur, true, nil
		}
		cur = next
	}
	scan.ptrs[row] = noMatch
	return noMatch, false, nil
}

// nextOuter implements Inner/Left/RightOuter/FullOuter/Single: drain
// matched pairs from the carried-over active set, then (if
// emitUnmatchedProbe) emit every probe row that never matched with a
// null build side.
func (p *Prober) nextOuter(scan *Scan, out *chunk.Chunk, setMatchFlag, emitUnmatchedProbe, singleMode bool) (bool, error) {
	if scan.ph == phaseMatches {
		hasRows, err := p.drainPairs(scan, out, singleMode, setMatchFlag)
		if err != nil {
			return false, err
		}
		if len(scan.active) == 0 {
			scan.ph = phaseUnmatched
		}
		if hasRows {
			return true, nil
		}
	}
	if scan.ph == phaseUnmatched {
		if !emitUnmatchedProbe {
			scan.ph = phaseDone
			return false, nil
		}
		return p.emitUnmatchedProbeRows(scan, out)
	}
	return false, nil
}

// drainPairs emits matched (probe, build) pairs from scan.active into out
// until out fills or the active set is exhausted, setting the build row's
// match flag when setMatchFlag is set. In singleMode it additionally
// enforces the scalar-single cardinality rule: at most one emitted row per
// probe row, erroring if SingleErrorOnMultipleRows and a second
// predicate-passing candidate exists in the chain.
func (p *Prober) drainPairs(scan *Scan, out *chunk.Chunk, singleMode, setMatchFlag bool) (bool, error) {
	out.Reset()
	active := scan.active
	i := 0
	for i < len(active) && !out.Full() {
		row := int(active[i])
		build, ok, err := p.advance(scan, row)
		if err != nil {
			return false, err
		}
		if !ok {
			i++
			continue
		}
		if setMatchFlag {
			p.Store.SetMatchFlag(build)
		}
		if err := p.emitPair(scan, row, build, out); err != nil {
			return false, err
		}
		if singleMode {
			if p.SingleErrorOnMultipleRows {
				_, again, err := p.advance(scan, row)
				if err != nil {
					return false, err
				}
				if again {
					return false, ErrCardinality
				}
			}
			scan.singleSeen[row] = true
			scan.ptrs[row] = noMatch
		}
		if scan.ptrs[row] == noMatch {
			i++
		}
	}
	scan.active = active[i:]
	return out.NumRows() > 0, nil
}

// emitUnmatchedProbeRows emits every probe row with no match (found ==
// false) as (probe columns, all-null build columns), resuming from
// scan.unmatchedPos across calls.
func (p *Prober) emitUnmatchedProbeRows(scan *Scan, out *chunk.Chunk) (bool, error) {
	out.Reset()
	n := scan.probe.NumRows()
	for scan.unmatchedPos < n && !out.Full() {
		row := scan.unmatchedPos
		scan.unmatchedPos++
		if scan.found[row] {
			continue
		}
		if err := p.emitPair(scan, row, noMatch, out); err != nil {
			return false, err
		}
	}
	if scan.unmatchedPos >= n {
		scan.ph = phaseDone
	}
	return out.NumRows() > 0, nil
}

// resolveExistence resolves, for every probe row with a candidate chain,
// whether any chain member passes the non-equality predicate (spec
// section 4.4.2's Semi/Anti existence check). When markWholeChainOnMatch
// is set (right-semi/right-anti), every row in a matching chain is marked
// found on the build side, not just the member that passed the predicate:
// the chain is one equality-key group, and the group as a whole
// participated in the match.
func (p *Prober) resolveExistence(scan *Scan, markWholeChainOnMatch bool) error {
	for row := 0; row < scan.probe.NumRows(); row++ {
		head := scan.ptrs[row]
		if head == noMatch {
			continue
		}
		matched := false
		for cur := head; cur != noMatch; cur = p.Store.Next(cur) {
			ok, err := p.NonEquality.Match(scan.probe, row, p.Store, cur)
			if err != nil {
				return err
			}
			if ok {
				matched = true
				break
			}
		}
		if !matched {
			continue
		}
		scan.found[row] = true
		if markWholeChainOnMatch {
			for cur := head; cur != noMatch; cur = p.Store.Next(cur) {
				p.Store.SetMatchFlag(cur)
			}
		}
	}
	return nil
}

// nextSemiAnti emits probe rows whose found flag equals wantMatch: plain
// existence (Semi) or its complement (Anti), probe columns only.
func (p *Prober) nextSemiAnti(scan *Scan, out *chunk.Chunk, wantMatch bool) (bool, error) {
	out.Reset()
	n := scan.probe.NumRows()
	for scan.unmatchedPos < n && !out.Full() {
		row := scan.unmatchedPos
		scan.unmatchedPos++
		if scan.found[row] != wantMatch {
			continue
		}
		if err := p.emitProbeOnly(scan, row, out); err != nil {
			return false, err
		}
	}
	if scan.unmatchedPos >= n {
		scan.ph = phaseDone
	}
	return out.NumRows() > 0, nil
}

// resolveMarks computes the tri-valued mark for every probe row (spec
// section 4.4.2's Mark entry): TRUE on an existence match, NULL when no
// match was found but the relevant build-side group (the whole store for
// an uncorrelated mark join, or the correlated group named by
// Correlated.GroupKey) contains a null key, FALSE otherwise.
func (p *Prober) resolveMarks(scan *Scan) error {
	scan.markVals = make([]mode.Tri, scan.probe.NumRows())
	for row := range scan.markVals {
		t, err := p.markValue(scan, row)
		if err != nil {
			return err
		}
		scan.markVals[row] = t
	}
	return nil
}

func (p *Prober) markValue(scan *Scan, row int) (mode.Tri, error) {
	head := scan.ptrs[row]
	for cur := head; cur != noMatch; cur = p.Store.Next(cur) {
		ok, err := p.NonEquality.Match(scan.probe, row, p.Store, cur)
		if err != nil {
			return mode.TriFalse, err
		}
		if ok {
			scan.found[row] = true
			return mode.TriTrue, nil
		}
	}

	hasNull := p.Store.HasNull()
	if p.Correlated != nil {
		key := p.Correlated.GroupKey(scan.probe, row)
		_, groupHasNull, ok := p.Correlated.Lookup(key)
		hasNull = ok && groupHasNull
	}
	if hasNull {
		return mode.TriNull, nil
	}
	return mode.TriFalse, nil
}

// nextMark emits every probe row paired with its mark column, the mark
// value encoded by appendMarkColumn in the output chunk's trailing column.
func (p *Prober) nextMark(scan *Scan, out *chunk.Chunk) (bool, error) {
	out.Reset()
	n := scan.probe.NumRows()
	for scan.unmatchedPos < n && !out.Full() {
		row := scan.unmatchedPos
		scan.unmatchedPos++
		if err := p.emitProbeOnly(scan, row, out); err != nil {
			return false, err
		}
		p.appendMarkColumn(scan, row, out)
	}
	if scan.unmatchedPos >= n {
		scan.ph = phaseDone
	}
	return out.NumRows() > 0, nil
}

// appendMarkColumn appends row's tri-valued mark to out's trailing column,
// encoded as an Int64 0/1 with a null cell for TriNull (chunk.Kind has no
// dedicated boolean kind).
func (p *Prober) appendMarkColumn(scan *Scan, row int, out *chunk.Chunk) {
	col := &out.Columns[len(out.Columns)-1]
	switch scan.markVals[row] {
	case mode.TriTrue:
		col.Int64s = append(col.Int64s, 1)
	case mode.TriFalse:
		col.Int64s = append(col.Int64s, 0)
	case mode.TriNull:
		col.AppendNullCell()
	}
}

// emitPair appends one (probe row, build row) pair to out: probe columns
// at dst 0..len(ProbeOutCols)-1, build columns (or nulls, for build ==
// noMatch) immediately after.
func (p *Prober) emitPair(scan *Scan, probeRow int, build rowstore.RowPtr, out *chunk.Chunk) error {
	for i, col := range p.ProbeOutCols {
		if err := out.Columns[i].AppendFromColumn(&scan.probe.Columns[col], probeRow); err != nil {
			return err
		}
	}
	dst := columnRange(len(p.ProbeOutCols), len(p.ProbeOutCols)+len(p.BuildOutCols))
	if err := p.Store.GatherRow(build, dst, p.BuildOutCols, out); err != nil {
		return err
	}
	out.IncRowsForAppend()
	return nil
}

// emitProbeOnly appends one probe row's ProbeOutCols to out, with no
// build-side columns (Semi/Anti/Mark).
func (p *Prober) emitProbeOnly(scan *Scan, probeRow int, out *chunk.Chunk) error {
	for i, col := range p.ProbeOutCols {
		if err := out.Columns[i].AppendFromColumn(&scan.probe.Columns[col], probeRow); err != nil {
			return err
		}
	}
	out.IncRowsForAppend()
	return nil
}

func columnRange(lo, hi int) []int {
	out := make([]int, 0, hi-lo)
	for i := lo; i < hi; i++ {
		out = append(out, i)
	}
	return out
}

// FullOuterScan is the terminal sweep over the build-side row store that
// RightOuter/FullOuter (unmatched build rows) and RightSemi/RightAnti
// (match-flag true/false build rows) run once every probe chunk has been
// consumed.
type FullOuterScan struct {
	p    *Prober
	pos  rowstore.RowPtr
	n    rowstore.RowPtr
	mode mode.JoinMode
}

// NewFullOuterScan creates a scan over every row currently in the
// prober's row store. Call only after the build side is finalized and
// every probe chunk has been run through Next.
func (p *Prober) NewFullOuterScan() *FullOuterScan {
	return &FullOuterScan{p: p, pos: 1, n: rowstore.RowPtr(p.Store.RowCount()), mode: p.Mode}
}

// Next fills out with the next page of build rows this scan emits,
// reporting false once the row store has been fully swept.
func (s *FullOuterScan) Next(out *chunk.Chunk) (bool, error) {
	out.Reset()
	for s.pos <= s.n && !out.Full() {
		row := s.pos
		s.pos++
		matched := s.p.Store.MatchFlag(row)
		var emit bool
		switch s.mode {
		case mode.RightOuter, mode.FullOuter:
			emit = !matched
		case mode.RightSemi:
			emit = matched
		case mode.RightAnti:
			emit = !matched
		}
		if !emit {
			continue
		}
		if err := s.emitBuildOnly(row, out); err != nil {
			return false, err
		}
	}
	return out.NumRows() > 0, nil
}

// emitBuildOnly appends one build row's BuildOutCols to out. For
// RightOuter/FullOuter, whose output chunk shares the probe-paired schema,
// the leading ProbeOutCols columns are filled with nulls; RightSemi/
// RightAnti's output chunk has only the build-side columns.
func (s *FullOuterScan) emitBuildOnly(row rowstore.RowPtr, out *chunk.Chunk) error {
	dstStart := 0
	if s.mode == mode.RightOuter || s.mode == mode.FullOuter {
		for i := range s.p.ProbeOutCols {
			out.Columns[i].AppendNullCell()
		}
		dstStart = len(s.p.ProbeOutCols)
	}
	dst := columnRange(dstStart, dstStart+len(s.p.BuildOutCols))
	if err := s.p.Store.GatherRow(row, dst, s.p.BuildOutCols, out); err != nil {
		return err
	}
	out.IncRowsForAppend()
	return nil
}
