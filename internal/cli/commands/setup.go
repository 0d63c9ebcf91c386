package commands

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/tracescope-labs/tracescope/internal/cli/config"
	"github.com/tracescope-labs/tracescope/internal/graph"
	"github.com/tracescope-labs/tracescope/internal/journal"
	"github.com/tracescope-labs/tracescope/internal/pipeline"
	"github.com/tracescope-labs/tracescope/internal/processor"
	"github.com/tracescope-labs/tracescope/pkg/core"
	"github.com/tracescope-labs/tracescope/pkg/engines/duckdb"
)

// CommandContext holds common dependencies for CLI commands.
type CommandContext struct {
	Cfg    *config.Config
	Logger *slog.Logger
	Engine core.Engine
	Graph  *graph.Graph
	Proc   *processor.Processor
}

// NewCommandContext connects the engine, discovers the node pipeline, and
// builds a processor over it. Returns the context and a cleanup function that
// must be called (typically via defer). Batch commands pass a zero debounce;
// watch passes the configured window so edit bursts collapse.
func NewCommandContext(cmd *cobra.Command, debounce time.Duration) (*CommandContext, func(), error) {
	cfg := config.FromContext(cmd.Context())
	logger := config.GetLogger(cmd.Context())

	if err := cfg.ValidateDirectories(); err != nil {
		return nil, nil, err
	}

	eng := duckdb.New(logger)
	if err := eng.Connect(cmd.Context(), core.EngineConfig{Path: cfg.Database}); err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	result, err := pipeline.Discover(cfg.NodesDir, logger)
	if err != nil {
		_ = eng.Close()
		return nil, nil, fmt.Errorf("failed to discover nodes: %w", err)
	}
	for _, perr := range result.Errors {
		fmt.Fprintf(cmd.ErrOrStderr(), "Warning: %s: %s\n", perr.Path, perr.Message)
	}

	g, err := graph.FromNodes(result.Nodes)
	if err != nil {
		_ = eng.Close()
		return nil, nil, err
	}

	proc := processor.New(processor.Config{
		Graph:    g,
		Engine:   eng,
		Debounce: debounce,
		Logger:   logger,
	})

	cleanup := func() {
		_ = eng.Close()
	}

	return &CommandContext{
		Cfg:    cfg,
		Logger: logger,
		Engine: eng,
		Graph:  g,
		Proc:   proc,
	}, cleanup, nil
}

// openJournal opens the run journal at the configured path, creating it and
// running migrations on first use.
func openJournal(cfg *config.Config, logger *slog.Logger) (core.Journal, error) {
	j := journal.New(logger)
	if err := j.Open(cfg.JournalPath); err != nil {
		return nil, err
	}
	return j, nil
}
