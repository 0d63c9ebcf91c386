// Package materializer owns materialization records and turns compiled
// queries into engine tables. Materialization requests are debounced per
// node; a burst of requests collapses into one table build whose outcome
// every collapsed caller shares. All engine work goes through the
// coordinator, one operation at a time.
//
// Record state changes ahead of engine state: a record is cleared before
// its table is dropped, and a dropped table may outlive its record when
// downstream invalidation leaves it for the next rebuild to replace.
package materializer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/tracescope-labs/tracescope/internal/coordinator"
	"github.com/tracescope-labs/tracescope/pkg/core"
)

// DefaultDebounce is the materialization debounce window.
const DefaultDebounce = 300 * time.Millisecond

// ErrNotMaterialized is returned by Probe when a node has no live table.
var ErrNotMaterialized = errors.New("node is not materialized")

// Request asks for a node to be materialized.
type Request struct {
	// NodeID names the node.
	NodeID string
	// Query is the compiled query to materialize.
	Query core.Query
	// Hash is the query hash the resulting table will be stamped with.
	Hash string
	// Stale, if set, is re-checked when the queued operation is dequeued;
	// returning true skips the build.
	Stale func() bool
}

type outcome struct {
	result *core.QueryResult
	err    error
}

// pending is one armed debounce window for a node. Later requests in the
// window replace the payload; all callers wait for the same firing.
type pending struct {
	timer   *time.Timer
	ctx     context.Context
	req     Request
	waiters []chan outcome
}

// Materializer owns the records map and the per-node debounce timers.
type Materializer struct {
	engine   core.Engine
	coord    *coordinator.Coordinator
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	records map[string]core.Record
	pending map[string]*pending
}

// New creates a materializer. A zero debounce still defers builds to the
// timer goroutine but adds no delay.
func New(engine core.Engine, coord *coordinator.Coordinator, debounce time.Duration, logger *slog.Logger) *Materializer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if debounce < 0 {
		debounce = DefaultDebounce
	}
	return &Materializer{
		engine:   engine,
		coord:    coord,
		debounce: debounce,
		logger:   logger,
		records:  make(map[string]core.Record),
		pending:  make(map[string]*pending),
	}
}

// PendingBuilds returns the number of nodes with an armed debounce
// timer.
func (m *Materializer) PendingBuilds() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Record returns a copy of the node's materialization record.
func (m *Materializer) Record(nodeID string) (core.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[nodeID]
	return rec, ok
}

// Records returns a copy of every materialization record, keyed by node
// ID.
func (m *Materializer) Records() map[string]core.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]core.Record, len(m.records))
	for id, rec := range m.records {
		out[id] = rec
	}
	return out
}

// Invalidate empties the query hash of each node's record. The table, if
// any, stays in the engine; the next materialization drops and replaces
// it. Unknown nodes are ignored. Returns the IDs actually invalidated.
func (m *Materializer) Invalidate(nodeIDs ...string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var hit []string
	for _, id := range nodeIDs {
		rec, ok := m.records[id]
		if !ok || rec.QueryHash == "" {
			continue
		}
		rec.QueryHash = ""
		m.records[id] = rec
		hit = append(hit, id)
	}
	sort.Strings(hit)
	if len(hit) > 0 {
		m.logger.Debug("invalidated records", "nodes", hit)
	}
	return hit
}

// Materialize requests a table build for the node. The call blocks until
// the debounced build completes, is skipped, or ctx ends. Requests that
// land inside the same debounce window collapse into one build using the
// latest request's payload and context; every collapsed caller receives
// that build's outcome.
func (m *Materializer) Materialize(ctx context.Context, req Request) (*core.QueryResult, error) {
	ch := make(chan outcome, 1)

	m.mu.Lock()
	p, ok := m.pending[req.NodeID]
	if !ok {
		p = &pending{}
		m.pending[req.NodeID] = p
	} else {
		p.timer.Stop()
	}
	p.ctx = ctx
	p.req = req
	p.waiters = append(p.waiters, ch)
	id := req.NodeID
	p.timer = time.AfterFunc(m.debounce, func() { m.fire(id) })
	m.mu.Unlock()

	m.logger.Debug("materialization scheduled", "node", req.NodeID, "debounce_ms", m.debounce.Milliseconds())

	select {
	case o := <-ch:
		return o.result, o.err
	case <-ctx.Done():
		// The build itself keeps going for the other collapsed callers.
		return nil, ctx.Err()
	}
}

// fire runs when a node's debounce window closes. It claims the pending
// batch and pushes one operation through the coordinator.
func (m *Materializer) fire(nodeID string) {
	m.mu.Lock()
	p, ok := m.pending[nodeID]
	if !ok {
		// A concurrent Remove or Reset claimed the batch first.
		m.mu.Unlock()
		return
	}
	delete(m.pending, nodeID)
	m.mu.Unlock()

	var result *core.QueryResult
	err := m.coord.Execute(p.ctx, coordinator.Operation{
		NodeID: nodeID,
		Stale:  p.req.Stale,
		Run: func(ctx context.Context) error {
			var runErr error
			result, runErr = m.build(ctx, p.req)
			return runErr
		},
	})

	for _, ch := range p.waiters {
		ch <- outcome{result: result, err: err}
	}
}

// build drops any stale table and creates the new one. It runs inside a
// coordinator operation, so it is the only engine work in flight.
func (m *Materializer) build(ctx context.Context, req Request) (*core.QueryResult, error) {
	table, substituted := core.TableName(req.NodeID)
	if substituted {
		m.logger.Warn("node ID contains characters invalid in table names, substituted",
			"node", req.NodeID, "table", table)
	}

	// Clear the record before touching the engine. If anything below
	// fails, the node reads as stale rather than pointing at a table
	// that no longer matches its query.
	m.clearRecord(req.NodeID, table)

	if err := m.engine.Exec(ctx, "DROP TABLE IF EXISTS "+table); err != nil {
		return nil, fmt.Errorf("failed to drop table %s: %w", table, err)
	}

	for _, mod := range req.Query.Modules {
		if err := m.engine.LoadModule(ctx, mod); err != nil {
			return nil, err
		}
	}
	for _, pre := range req.Query.Preambles {
		if err := m.engine.Exec(ctx, pre); err != nil {
			return nil, fmt.Errorf("preamble failed: %w", err)
		}
	}

	start := time.Now()
	create := fmt.Sprintf("CREATE TABLE %s AS %s", table, req.Query.SQL)
	if err := m.engine.Exec(ctx, create); err != nil {
		// Clean up whatever the failed create left behind. The record is
		// already cleared, so a failed drop only leaves an orphan table.
		if dropErr := m.engine.Exec(ctx, "DROP TABLE IF EXISTS "+table); dropErr != nil {
			m.logger.Warn("cleanup drop failed", "node", req.NodeID, "table", table, "error", dropErr)
		}
		return nil, fmt.Errorf("failed to materialize %s: %w", req.NodeID, err)
	}
	duration := time.Since(start)

	m.setRecord(req.NodeID, core.Record{
		Materialized: true,
		TableName:    table,
		QueryHash:    req.Hash,
	})

	result := &core.QueryResult{TableName: table, Duration: duration}

	// The probes ride in the same operation so nothing interleaves
	// between the build and the counts. Probe failure does not undo a
	// successful build.
	meta, err := m.engine.TableMetadata(ctx, table)
	if err != nil {
		m.logger.Warn("metadata probe failed after build", "node", req.NodeID, "error", err)
	} else {
		result.RowCount = meta.RowCount
		result.Columns = meta.Columns
	}

	m.logger.Info("node materialized",
		"node", req.NodeID,
		"table", table,
		"rows", result.RowCount,
		"duration_ms", duration.Milliseconds())

	return result, nil
}

// Probe runs a coordinated metadata probe against a node's live table,
// for callers reusing an existing materialization.
func (m *Materializer) Probe(ctx context.Context, nodeID string) (*core.TableMetadata, error) {
	rec, ok := m.Record(nodeID)
	if !ok || !rec.Materialized {
		return nil, ErrNotMaterialized
	}

	var meta *core.TableMetadata
	err := m.coord.Execute(ctx, coordinator.Operation{
		NodeID: nodeID,
		Run: func(ctx context.Context) error {
			var probeErr error
			meta, probeErr = m.engine.TableMetadata(ctx, rec.TableName)
			return probeErr
		},
	})
	if err != nil {
		return nil, err
	}
	return meta, nil
}

// Remove tears down a node's materialization: the record goes first,
// synchronously, then a coordinated drop removes the table. Pending
// debounced builds for the node are cancelled.
func (m *Materializer) Remove(ctx context.Context, nodeID string) error {
	m.mu.Lock()
	rec, had := m.records[nodeID]
	delete(m.records, nodeID)
	p := m.claimPendingLocked(nodeID)
	m.mu.Unlock()

	if p != nil {
		m.failWaiters(p, coordinator.ErrCleared)
	}

	if !had || rec.TableName == "" {
		return nil
	}

	return m.coord.Execute(ctx, coordinator.Operation{
		NodeID: nodeID,
		Run: func(ctx context.Context) error {
			if err := m.engine.Exec(ctx, "DROP TABLE IF EXISTS "+rec.TableName); err != nil {
				return fmt.Errorf("failed to drop table %s: %w", rec.TableName, err)
			}
			m.logger.Info("node removed", "node", nodeID, "table", rec.TableName)
			return nil
		},
	})
}

// Reset cancels every pending build and forgets every record. Tables are
// left in the engine; callers resetting a live engine drop them by
// recreating, and callers switching databases no longer see them.
func (m *Materializer) Reset() {
	m.mu.Lock()
	claimed := make([]*pending, 0, len(m.pending))
	for id := range m.pending {
		if p := m.claimPendingLocked(id); p != nil {
			claimed = append(claimed, p)
		}
	}
	m.records = make(map[string]core.Record)
	m.mu.Unlock()

	for _, p := range claimed {
		m.failWaiters(p, coordinator.ErrCleared)
	}
	m.logger.Debug("materializer reset", "cancelled_builds", len(claimed))
}

// claimPendingLocked stops and removes a node's debounce entry. Callers
// hold m.mu.
func (m *Materializer) claimPendingLocked(nodeID string) *pending {
	p, ok := m.pending[nodeID]
	if !ok {
		return nil
	}
	p.timer.Stop()
	delete(m.pending, nodeID)
	return p
}

func (m *Materializer) failWaiters(p *pending, err error) {
	for _, ch := range p.waiters {
		ch <- outcome{err: err}
	}
}

func (m *Materializer) clearRecord(nodeID, table string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[nodeID] = core.Record{Materialized: false, TableName: table, QueryHash: ""}
}

func (m *Materializer) setRecord(nodeID string, rec core.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[nodeID] = rec
}
