// Package watch reprocesses the pipeline when node files change on disk.
//
// A fsnotify watcher covers the nodes directory recursively. Change events
// are debounced, then the pipeline is re-discovered and diffed against the
// processor's current graph: changed nodes are invalidated (their downstream
// included), deleted nodes are torn down, and every node is reprocessed under
// the auto-execute policy. Nodes that opt out of auto-execution surface a
// notice instead of running.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"

	"github.com/tracescope-labs/tracescope/internal/graph"
	"github.com/tracescope-labs/tracescope/internal/journal"
	"github.com/tracescope-labs/tracescope/internal/pipeline"
	"github.com/tracescope-labs/tracescope/internal/processor"
	"github.com/tracescope-labs/tracescope/pkg/core"
)

// fileDebounce collapses editor save bursts into one reload.
const fileDebounce = 100 * time.Millisecond

// Config holds configuration for the watch service.
type Config struct {
	NodesDir    string
	Processor   *processor.Processor
	Journal     core.Journal // optional; runs are journaled when set
	Environment string
	Logger      *slog.Logger
}

// Watcher owns the watch loop.
type Watcher struct {
	nodesDir string
	proc     *processor.Processor
	journal  core.Journal
	env      string
	logger   *slog.Logger

	// seen tracks nodes whose results have already been surfaced this
	// session. Manual-only nodes with a live table are loaded once and
	// then left alone, the same way a displayed result stays displayed.
	seen map[string]bool
}

// New creates a watch service over the given nodes directory.
func New(cfg Config) *Watcher {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Watcher{
		nodesDir: cfg.NodesDir,
		proc:     cfg.Processor,
		journal:  cfg.Journal,
		env:      cfg.Environment,
		logger:   logger,
		seen:     make(map[string]bool),
	}
}

// Run processes the pipeline once, then blocks watching for file changes
// until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watchDirRecursive(watcher, w.nodesDir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.nodesDir, err)
	}

	w.logger.Info("watching for changes", "dir", w.nodesDir)
	w.processAll(ctx)

	changes := make(chan struct{}, 1)
	eg, egctx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return w.eventLoop(egctx, watcher, changes)
	})
	eg.Go(func() error {
		return w.changeLoop(egctx, changes)
	})
	return eg.Wait()
}

// eventLoop filters raw fsnotify events and signals the change channel after
// a debounce window. Newly created directories are added to the watch set.
func (w *Watcher) eventLoop(ctx context.Context, watcher *fsnotify.Watcher, changes chan<- struct{}) error {
	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}

			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := watcher.Add(event.Name); err != nil {
						w.logger.Warn("failed to watch new directory", "dir", event.Name, "error", err)
					}
					continue
				}
			}

			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if filepath.Ext(event.Name) != ".sql" {
				continue
			}

			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(fileDebounce, func() {
				select {
				case changes <- struct{}{}:
				default:
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("watcher error", "error", err)
		}
	}
}

func (w *Watcher) changeLoop(ctx context.Context, changes <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-changes:
			w.reload(ctx)
		}
	}
}

// reload re-discovers the pipeline, diffs it against the current graph, and
// reprocesses. Discovery problems keep the previous graph in place so a file
// saved mid-edit does not tear anything down.
func (w *Watcher) reload(ctx context.Context) {
	result, err := pipeline.Discover(w.nodesDir, w.logger)
	if err != nil {
		w.logger.Error("failed to reload pipeline", "error", err)
		return
	}

	// Files that failed to parse this round must not read as deletions.
	broken := make(map[string]bool, len(result.Errors))
	for _, e := range result.Errors {
		w.logger.Warn("node file failed to parse", "path", e.Path, "error", e.Message)
		broken[e.Path] = true
	}

	newGraph, err := graph.FromNodes(result.Nodes)
	if err != nil {
		w.logger.Error("failed to rebuild graph", "error", err)
		return
	}

	oldGraph := w.proc.Graph()
	newNodes := make(map[string]*core.Node, len(result.Nodes))
	for _, n := range result.Nodes {
		newNodes[n.ID] = n
	}

	var changed, deleted []string
	for _, old := range oldGraph.Nodes() {
		fresh, ok := newNodes[old.ID]
		switch {
		case !ok && !broken[old.FilePath]:
			deleted = append(deleted, old.ID)
		case ok && nodeChanged(old, fresh):
			changed = append(changed, old.ID)
		}
	}

	w.proc.SetGraph(newGraph)

	for _, id := range deleted {
		if err := w.proc.RemoveNode(ctx, id); err != nil {
			w.logger.Error("failed to remove node", "node", id, "error", err)
		}
		delete(w.seen, id)
		w.logger.Info("node removed", "node", id)
	}

	var stale []string
	for _, id := range changed {
		stale = append(stale, w.proc.InvalidateNode(id)...)
		if n, ok := newGraph.Node(id); ok && !n.AutoExecute {
			w.logger.Info("manual node changed, not rebuilding automatically", "node", id)
		}
	}

	if len(changed) > 0 || len(deleted) > 0 {
		w.logger.Info("pipeline changed",
			"changed", len(changed),
			"deleted", len(deleted),
			"invalidated", len(stale))
	}

	w.processAll(ctx)
}

// processAll walks the graph in dependency order and reprocesses every node
// under the auto-execute policy. Node failures are isolated: the remaining
// nodes still run and the journal records each outcome.
func (w *Watcher) processAll(ctx context.Context) {
	order, err := w.proc.Graph().TopologicalSort()
	if err != nil {
		w.logger.Error("failed to order graph", "error", err)
		return
	}

	var rec *journal.Recorder
	var runID string
	if w.journal != nil {
		run, err := w.journal.CreateRun(w.env, "watch")
		if err != nil {
			w.logger.Warn("failed to create journal run", "error", err)
		} else {
			runID = run.ID
			rec = journal.NewRecorder(w.journal, runID, w.logger)
		}
	}

	var executed, reused, failed int
	for _, node := range order {
		if ctx.Err() != nil {
			w.completeRun(runID, failed, true)
			return
		}

		opts := processor.Options{HasExistingResult: w.seen[node.ID]}
		if rec != nil {
			opts.Hooks = rec.Hooks()
		}

		out, err := w.proc.Process(ctx, node.ID, opts)
		if rec != nil {
			rec.FinishNode(node.ID, out, err)
		}

		switch {
		case err != nil:
			failed++
			w.logger.Error("node failed", "node", node.ID, "error", err)
		case out.Action == processor.ActionExecuted:
			executed++
			w.seen[node.ID] = true
			w.logger.Info("node executed",
				"node", node.ID,
				"table", out.Result.TableName,
				"rows", out.Result.RowCount)
		case out.Action == processor.ActionReused:
			reused++
			w.seen[node.ID] = true
			w.logger.Debug("node up to date", "node", node.ID)
		case out.Action == processor.ActionManualRequired:
			w.logger.Info("node requires a manual run", "node", node.ID)
		case out.Action == processor.ActionSkipped:
			w.logger.Debug("node skipped, superseded while queued", "node", node.ID)
		}
	}

	w.completeRun(runID, failed, false)

	w.logger.Info("pipeline processed",
		"nodes", len(order),
		"executed", executed,
		"reused", reused,
		"failed", failed)
}

func (w *Watcher) completeRun(runID string, failed int, cancelled bool) {
	if w.journal == nil || runID == "" {
		return
	}

	status := core.RunStatusCompleted
	var msg string
	switch {
	case cancelled:
		status = core.RunStatusCancelled
	case failed > 0:
		status = core.RunStatusFailed
		msg = fmt.Sprintf("%d nodes failed", failed)
	}

	if err := w.journal.CompleteRun(runID, status, msg); err != nil {
		w.logger.Warn("failed to complete journal run", "error", err)
	}
}

// nodeChanged compares the fields that feed compilation or execution policy.
// Cosmetic fields (description, meta) never reach the compiled query, so
// edits to them do not invalidate anything.
func nodeChanged(a, b *core.Node) bool {
	return a.SQL != b.SQL ||
		a.AutoExecute != b.AutoExecute ||
		!slices.Equal(a.DependsOn, b.DependsOn) ||
		!slices.Equal(a.Modules, b.Modules) ||
		!slices.Equal(a.Preambles, b.Preambles)
}

// watchDirRecursive adds a directory and all subdirectories to the watcher.
// Hidden directories inside the tree are skipped.
func watchDirRecursive(watcher *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && d.Name()[0] == '.' {
				return filepath.SkipDir
			}
			return watcher.Add(path)
		}
		return nil
	})
}
