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

// Package join wires the Row Store, Pointer Table, Builder, Prober and
// Partition Manager into the join engine's public surface: build_sink,
// finalize, probe, next, full_outer_scan, prepare_next_round and
// probe_and_spill, plus the worker-pool concurrency, structured logging
// and metrics a production join executor carries around that core.
package join

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/pingcap/log"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	vhash "github.com/tidb-inc/vecjoin/hash"
	"github.com/tidb-inc/vecjoin/mode"
	"github.com/tidb-inc/vecjoin/partition"
	"github.com/tidb-inc/vecjoin/prober"
	"github.com/tidb-inc/vecjoin/rowstore"

	"github.com/tidb-inc/vecjoin/chunk"
)

// Config configures one join engine instance: one build side, one probe
// side, one join mode, for the lifetime of the join.
type Config struct {
	Mode mode.JoinMode

	Layout rowstore.Layout
	Seed   vhash.Seed

	// BuildEqualityColIdx/BuildNonEqualityColIdx/BuildPayloadColIdx name
	// build-chunk columns, in Layout's AllKinds order.
	BuildEqualityColIdx    []int
	BuildNonEqualityColIdx []int
	BuildPayloadColIdx     []int

	// ProbeEqualityColIdx names probe-chunk columns, matching
	// BuildEqualityColIdx position for position.
	ProbeEqualityColIdx []int
	NotDistinctFrom     []bool
	NonEquality         prober.NonEqualityMatcher
	Correlated          *prober.CorrelatedMarkAux

	// ProbeOutCols/BuildOutCols are forwarded to prober.Config; see there.
	ProbeOutCols []int
	BuildOutCols []int

	SingleErrorOnMultipleRows bool

	RadixBitsInitial int
	SaltThreshold    int
	LoadFactorMax    float64

	Logger *zap.Logger
}

func (c Config) logger() *zap.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return log.L()
}

// Engine is the join core's public entry point: one instance runs one
// join, from build-side ingestion through however many external-mode
// rounds its input needs.
type Engine struct {
	cfg Config
	mgr *partition.Manager

	// current is the Prober for the active round, nil between rounds.
	current *prober.Prober

	finished atomic.Bool
	closeCh  chan struct{}
}

// New creates an Engine ready to accept build-side chunks via BuildSink.
func New(cfg Config) *Engine {
	mgr := partition.New(partition.Config{
		Layout:            cfg.Layout,
		Seed:              cfg.Seed,
		EqualityColIdx:    cfg.BuildEqualityColIdx,
		NonEqualityColIdx: cfg.BuildNonEqualityColIdx,
		PayloadColIdx:     cfg.BuildPayloadColIdx,
		NotDistinctFrom:   cfg.NotDistinctFrom,
		KeepNullKeyRows:   cfg.Mode.PropagatesBuildSide(),
		RadixBitsInitial:  cfg.RadixBitsInitial,
		LoadFactorMax:     cfg.LoadFactorMax,
	})
	return &Engine{cfg: cfg, mgr: mgr, closeCh: make(chan struct{})}
}

// Close signals any in-flight worker-pool fan-out (BuildSinkParallel) to
// stop early. Idempotent.
func (e *Engine) Close() {
	if e.finished.CompareAndSwap(false, true) {
		close(e.closeCh)
	}
}

// BuildSink routes one build chunk into the partitioned row store.
func (e *Engine) BuildSink(chk *chunk.Chunk) error {
	if err := e.mgr.Sink(chk); err != nil {
		return errors.Wrap(err, "join: build sink")
	}
	buildRowsTotal.Add(float64(chk.NumRows()))
	return nil
}

// BuildSourceFunc fetches the next build chunk for a worker goroutine;
// the bool is false and error nil at normal end of input.
type BuildSourceFunc func(ctx context.Context) (*chunk.Chunk, bool, error)

// BuildSinkParallel fans a build side out across len(sources) worker
// goroutines, each pulling from its own BuildSourceFunc and sinking into
// the shared partitioned row store (rowstore.RowStore.Append is
// mutex-guarded, so concurrent Sink calls targeting the same partition
// are safe). Built on golang.org/x/sync/errgroup: the first worker error
// cancels every other worker's context and is returned from Wait.
func (e *Engine) BuildSinkParallel(ctx context.Context, sources []BuildSourceFunc) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, src := range sources {
		src := src
		g.Go(func() error {
			for {
				select {
				case <-e.closeCh:
					return nil
				case <-gctx.Done():
					return gctx.Err()
				default:
				}
				chk, ok, err := src(gctx)
				if err != nil {
					return err
				}
				if !ok {
					return nil
				}
				if err := e.BuildSink(chk); err != nil {
					return err
				}
			}
		})
	}
	return g.Wait()
}

// Finalize decides whether the partitioned build side fits a single
// in-memory pass.
func (e *Engine) Finalize(memoryBudget int64) (partition.FinalizeResult, error) {
	result, err := e.mgr.Finalize(memoryBudget)
	if err != nil {
		return result, errors.Wrap(err, "join: finalize")
	}
	if result == partition.NeedsExternalRounds {
		externalModeTriggeredTotal.Inc()
		e.cfg.logger().Info("join switching to external mode", zap.Int64("memory_budget", memoryBudget))
	}
	return result, nil
}

// PrepareNextRound merges the next batch of not-yet-processed partitions
// into an active row store and pointer table. Returns false once every
// partition has been processed.
func (e *Engine) PrepareNextRound(memoryBudget int64) (bool, error) {
	more, err := e.mgr.PrepareNextRound(memoryBudget)
	if err != nil {
		return false, errors.Wrap(err, "join: prepare next round")
	}
	if !more {
		e.current = nil
		return false, nil
	}
	partitionRoundsTotal.Inc()
	e.cfg.logger().Debug("join partition round prepared",
		zap.Int("build_rows", e.mgr.ActiveStore().RowCount()))

	e.current = prober.New(prober.Config{
		Mode:                      e.cfg.Mode,
		Store:                     e.mgr.ActiveStore(),
		Table:                     e.mgr.ActiveTable(),
		Seed:                      e.cfg.Seed,
		SaltThreshold:             e.cfg.SaltThreshold,
		EqualityColIdx:            e.cfg.ProbeEqualityColIdx,
		NotDistinctFrom:           e.cfg.NotDistinctFrom,
		NonEquality:               e.cfg.NonEquality,
		ProbeOutCols:              e.cfg.ProbeOutCols,
		BuildOutCols:              e.cfg.BuildOutCols,
		SingleErrorOnMultipleRows: e.cfg.SingleErrorOnMultipleRows,
		Correlated:                e.cfg.Correlated,
	})
	return true, nil
}

// CompleteRound tears down the active pointer table and marks the
// round's partitions complete. Call once every probe chunk for the round
// (including the full-outer scan, if the mode needs one) has been
// drained.
func (e *Engine) CompleteRound() {
	e.cfg.logger().Debug("join partition round complete")
	e.mgr.CompleteRound()
	e.current = nil
}

// ProbeAndSpill splits a probe chunk between rows whose partition is in
// the current round's active set (returned for immediate probing) and
// rows that must wait for a later round (spilled).
func (e *Engine) ProbeAndSpill(probe *chunk.Chunk) (*chunk.Chunk, error) {
	hashes := make(vhash.Vec, probe.NumRows())
	vhash.Compute(e.cfg.Seed, probe, e.cfg.ProbeEqualityColIdx, nil, hashes)
	active, err := e.mgr.ProbeAndSpill(probe, hashes)
	if err != nil {
		return nil, errors.Wrap(err, "join: probe and spill")
	}
	return active, nil
}

// NextRoundProbeChunks returns, after a round completes, the spilled
// probe-side pages belonging to the partitions chosen for the round just
// prepared by PrepareNextRound.
func (e *Engine) NextRoundProbeChunks() []*chunk.Chunk {
	return e.mgr.NextRoundProbeChunks()
}

// Probe resolves one (already partition-routed) probe chunk against the
// current round's pointer table, returning a Scan for Next to paginate.
func (e *Engine) Probe(probe *chunk.Chunk) (*prober.Scan, error) {
	if e.current == nil {
		return nil, errors.New("join: Probe called with no active round")
	}
	scan, err := e.current.Probe(probe)
	if err != nil {
		return nil, errors.Wrap(err, "join: probe")
	}
	probeRowsTotal.Add(float64(probe.NumRows()))
	return scan, nil
}

// Next fills out with the next page of a Scan's output.
func (e *Engine) Next(scan *prober.Scan, out *chunk.Chunk) (bool, error) {
	ok, err := e.current.Next(scan, out)
	if err != nil {
		if errors.Is(err, prober.ErrCardinality) {
			cardinalityErrorsTotal.Inc()
		}
		return false, errors.Wrap(err, "join: next")
	}
	return ok, nil
}

// FullOuterScan is the terminal sweep over the current round's row store
// for RightOuter/FullOuter/RightSemi/RightAnti.
func (e *Engine) FullOuterScan() *prober.FullOuterScan {
	return e.current.NewFullOuterScan()
}

// Done reports whether every build-side partition is either complete or
// part of the current round, so no further round remains to prepare.
func (e *Engine) Done() bool {
	return e.mgr.Done()
}
