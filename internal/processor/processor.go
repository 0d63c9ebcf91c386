// Package processor is the single entry point for reconciling a node's
// current query with its materialized table. It weighs the node's
// auto-execute policy against a manual override, decides between reuse,
// rebuild, and no-op, and routes all engine work through the debounced
// materializer and the FIFO coordinator underneath it.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tracescope-labs/tracescope/internal/analyzer"
	"github.com/tracescope-labs/tracescope/internal/coordinator"
	"github.com/tracescope-labs/tracescope/internal/graph"
	"github.com/tracescope-labs/tracescope/internal/materializer"
	"github.com/tracescope-labs/tracescope/internal/queryhash"
	"github.com/tracescope-labs/tracescope/pkg/core"
)

// Action describes what Process did for a node.
type Action string

const (
	// ActionNone means the node needed no work.
	ActionNone Action = "none"
	// ActionExecuted means a fresh materialization ran.
	ActionExecuted Action = "executed"
	// ActionReused means an existing table served the request without a
	// rebuild.
	ActionReused Action = "reused"
	// ActionSkipped means the queued work was discarded before running,
	// superseded by a newer edit or a pending-clear.
	ActionSkipped Action = "skipped"
	// ActionManualRequired means the node's policy is manual-only and it
	// has no table yet; the caller should offer an explicit run.
	ActionManualRequired Action = "manual-required"
)

// Hooks carries per-node lifecycle callbacks. Any field may be nil.
// OnExecutionSuccess delivers the result payload for fresh builds and
// reuse alike.
type Hooks struct {
	OnAnalysisStart    func(nodeID string)
	OnAnalysisComplete func(nodeID, hash string)
	OnExecutionStart   func(nodeID string)
	OnExecutionSuccess func(nodeID string, result *core.QueryResult)
	OnExecutionError   func(nodeID string, err error)
}

func (h Hooks) analysisStart(nodeID string) {
	if h.OnAnalysisStart != nil {
		h.OnAnalysisStart(nodeID)
	}
}

func (h Hooks) analysisComplete(nodeID, hash string) {
	if h.OnAnalysisComplete != nil {
		h.OnAnalysisComplete(nodeID, hash)
	}
}

func (h Hooks) executionStart(nodeID string) {
	if h.OnExecutionStart != nil {
		h.OnExecutionStart(nodeID)
	}
}

func (h Hooks) executionSuccess(nodeID string, result *core.QueryResult) {
	if h.OnExecutionSuccess != nil {
		h.OnExecutionSuccess(nodeID, result)
	}
}

func (h Hooks) executionError(nodeID string, err error) {
	if h.OnExecutionError != nil {
		h.OnExecutionError(nodeID, err)
	}
}

// Options control one Process call.
type Options struct {
	// Manual marks a user-requested run. It executes the node regardless
	// of its auto-execute policy and without reusing a fresh table.
	Manual bool
	// HasExistingResult tells the processor the caller already displays
	// results for this node, so a manual-only node needs no metadata
	// reload.
	HasExistingResult bool
	// Hooks receive lifecycle callbacks during the call.
	Hooks Hooks
}

// Outcome reports what Process did for a node.
type Outcome struct {
	// Action summarizes the path taken.
	Action Action
	// Hash is the staleness digest. Empty when analysis did not run.
	Hash string
	// Query is the compiled query, nil when no compilation was needed.
	Query *core.Query
	// Result carries table name, rows, and columns for executed and
	// reused outcomes.
	Result *core.QueryResult
}

// Config holds processor configuration.
type Config struct {
	// Graph is the node graph. Optional; SetGraph replaces it later.
	Graph *graph.Graph
	// Engine runs the SQL.
	Engine core.Engine
	// Debounce is the materialization debounce window. Negative means
	// the default.
	Debounce time.Duration
	// Logger is the structured logger (optional, uses discard if nil).
	Logger *slog.Logger
}

// Processor owns the coordination core: hash cache, coordinator, and
// materializer, plus a swappable node graph.
type Processor struct {
	gmu   sync.RWMutex
	graph *graph.Graph

	hashes *queryhash.Cache
	coord  *coordinator.Coordinator
	mat    *materializer.Materializer
	logger *slog.Logger
}

// New creates a processor over the given engine.
func New(cfg Config) *Processor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	g := cfg.Graph
	if g == nil {
		g = graph.New()
	}
	coord := coordinator.New(logger)
	return &Processor{
		graph:  g,
		hashes: queryhash.New(),
		coord:  coord,
		mat:    materializer.New(cfg.Engine, coord, cfg.Debounce, logger),
		logger: logger,
	}
}

// Graph returns the current node graph.
func (p *Processor) Graph() *graph.Graph {
	p.gmu.RLock()
	defer p.gmu.RUnlock()
	return p.graph
}

// SetGraph replaces the node graph, typically after a pipeline reload.
// Records and cached hashes are untouched; callers invalidate changed
// nodes themselves.
func (p *Processor) SetGraph(g *graph.Graph) {
	p.gmu.Lock()
	p.graph = g
	p.gmu.Unlock()
}

// Process reconciles one node. The policy matrix:
//
//	auto-execute, not manual:  analyze, reuse if the hash is unchanged,
//	                           otherwise rebuild
//	manual (any policy):       analyze and rebuild unconditionally
//	manual-only, not manual:   no analysis; serve the existing table's
//	                           metadata if one is live and the caller is
//	                           not already showing results, else report
//	                           that an explicit run is needed
func (p *Processor) Process(ctx context.Context, nodeID string, opts Options) (*Outcome, error) {
	g := p.Graph()
	node, ok := g.Node(nodeID)
	if !ok {
		return nil, fmt.Errorf("node %s not found in graph", nodeID)
	}

	if !node.AutoExecute && !opts.Manual {
		rec, ok := p.mat.Record(nodeID)
		switch {
		case ok && rec.Materialized && !opts.HasExistingResult:
			return p.loadExisting(ctx, nodeID, rec, opts.Hooks)
		case ok && rec.Materialized:
			return &Outcome{Action: ActionNone}, nil
		default:
			return &Outcome{Action: ActionManualRequired}, nil
		}
	}

	return p.analyzeAndExecute(ctx, g, node, opts)
}

// ShouldExecute reports whether the node's materialization is missing or
// stale relative to hash. This is the pre-queue gate; the coordinator
// re-checks the cached hash again at dequeue time.
func (p *Processor) ShouldExecute(nodeID, hash string) bool {
	rec, ok := p.mat.Record(nodeID)
	return !ok || !rec.Fresh(hash)
}

func (p *Processor) analyzeAndExecute(ctx context.Context, g *graph.Graph, node *core.Node, opts Options) (*Outcome, error) {
	nodeID := node.ID
	hooks := opts.Hooks
	known := func(id string) bool {
		_, ok := g.Node(id)
		return ok
	}

	hooks.analysisStart(nodeID)
	var compiled *core.Query
	hash, err := p.hashes.GetOrCompute(nodeID, func() (core.Query, error) {
		q, err := analyzer.Compile(node, known)
		if err == nil {
			compiled = &q
		}
		return q, err
	})
	if err != nil {
		p.logger.Warn("query analysis failed", "node", nodeID, "error", err)
		hooks.executionError(nodeID, err)
		return nil, fmt.Errorf("failed to analyze node %s: %w", nodeID, err)
	}
	hooks.analysisComplete(nodeID, hash)

	if !opts.Manual && !p.ShouldExecute(nodeID, hash) {
		rec, _ := p.mat.Record(nodeID)
		p.logger.Debug("reusing materialized table", "node", nodeID, "table", rec.TableName, "hash", hash)
		return p.loadExisting(ctx, nodeID, rec, hooks)
	}

	// The hash came from the cache; compile now for execution.
	if compiled == nil {
		q, err := analyzer.Compile(node, known)
		if err != nil {
			hooks.executionError(nodeID, err)
			return nil, fmt.Errorf("failed to analyze node %s: %w", nodeID, err)
		}
		compiled = &q
	}

	hooks.executionStart(nodeID)
	result, err := p.mat.Materialize(ctx, materializer.Request{
		NodeID: nodeID,
		Query:  *compiled,
		Hash:   hash,
		Stale: func() bool {
			current, ok := p.hashes.Get(nodeID)
			return !ok || current != hash
		},
	})
	switch {
	case errors.Is(err, coordinator.ErrStale), errors.Is(err, coordinator.ErrCleared):
		p.logger.Debug("materialization skipped", "node", nodeID, "reason", err)
		return &Outcome{Action: ActionSkipped, Hash: hash, Query: compiled}, nil
	case err != nil:
		hooks.executionError(nodeID, err)
		return nil, err
	}

	hooks.executionSuccess(nodeID, result)
	return &Outcome{Action: ActionExecuted, Hash: hash, Query: compiled, Result: result}, nil
}

// loadExisting serves a node from its live table: a coordinated metadata
// probe, no rebuild.
func (p *Processor) loadExisting(ctx context.Context, nodeID string, rec core.Record, hooks Hooks) (*Outcome, error) {
	meta, err := p.mat.Probe(ctx, nodeID)
	if err != nil {
		hooks.executionError(nodeID, err)
		return nil, fmt.Errorf("failed to load table for %s: %w", nodeID, err)
	}
	result := &core.QueryResult{
		TableName: rec.TableName,
		RowCount:  meta.RowCount,
		Columns:   meta.Columns,
	}
	hooks.executionSuccess(nodeID, result)
	return &Outcome{Action: ActionReused, Hash: rec.QueryHash, Result: result}, nil
}

// InvalidateNode marks a changed node and everything downstream of it
// stale: cached hashes are dropped so the next process recompiles, and
// materialization records lose their hash while their tables stay up for
// any reader still on them. Returns the affected node IDs, the node
// itself included.
func (p *Processor) InvalidateNode(nodeID string) []string {
	affected := p.Graph().Downstream(nodeID)
	for _, id := range affected {
		p.hashes.Invalidate(id)
	}
	p.mat.Invalidate(affected...)
	if len(affected) > 0 {
		p.logger.Debug("invalidated downstream", "origin", nodeID, "nodes", affected)
	}
	return affected
}

// DeleteNodeHash drops only the node's cached hash. Full teardown of a
// removed node is RemoveNode.
func (p *Processor) DeleteNodeHash(nodeID string) {
	p.hashes.Invalidate(nodeID)
}

// RemoveNode tears down a deleted node: cached hash gone, any pending
// debounced build cancelled, record dropped, table dropped through the
// coordinator.
func (p *Processor) RemoveNode(ctx context.Context, nodeID string) error {
	p.hashes.Invalidate(nodeID)
	return p.mat.Remove(ctx, nodeID)
}

// ClearPending marks every queued operation cancelled. Queued callers
// resolve as skips; the in-flight operation finishes. Returns how many
// operations were cleared.
func (p *Processor) ClearPending() int {
	return p.coord.ClearPending()
}

// IsMaterialized reports whether the node has a live table.
func (p *Processor) IsMaterialized(nodeID string) bool {
	rec, ok := p.mat.Record(nodeID)
	return ok && rec.Materialized
}

// MaterializedTableName returns the node's table name if it has a live
// table.
func (p *Processor) MaterializedTableName(nodeID string) (string, bool) {
	rec, ok := p.mat.Record(nodeID)
	if !ok || !rec.Materialized {
		return "", false
	}
	return rec.TableName, true
}

// Records returns a snapshot of all materialization records.
func (p *Processor) Records() map[string]core.Record {
	return p.mat.Records()
}
