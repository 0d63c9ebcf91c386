package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tracescope-labs/tracescope/internal/journal"
	"github.com/tracescope-labs/tracescope/internal/processor"
	"github.com/tracescope-labs/tracescope/pkg/core"
)

// NewRunCommand creates the run command.
func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Build every node in dependency order",
		Long: `Compile and execute all nodes in topological order.

Every node is rebuilt, including nodes marked auto_execute: false; a batch
run is the manual trigger those nodes wait for. Results are recorded in the
run journal.`,
		Example: `  # Build the whole pipeline
  tracescope run

  # Build against a persistent database
  tracescope run --database traces.duckdb`,
		Aliases: []string{"build"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRun(cmd)
		},
	}

	return cmd
}

func runRun(cmd *cobra.Command) error {
	cmdCtx, cleanup, err := NewCommandContext(cmd, 0)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	start := time.Now()

	nodes, err := cmdCtx.Graph.TopologicalSort()
	if err != nil {
		return fmt.Errorf("failed to sort nodes: %w", err)
	}
	fmt.Fprintf(out, "Found %d nodes\n", len(nodes))

	// The journal is observational: if it cannot be opened the run still
	// proceeds, just without history.
	var (
		j     core.Journal
		rec   *journal.Recorder
		runID string
	)
	if opened, jerr := openJournal(cmdCtx.Cfg, cmdCtx.Logger); jerr != nil {
		cmdCtx.Logger.Warn("journal unavailable", "error", jerr)
	} else {
		j = opened
		defer func() { _ = j.Close() }()
		if run, cerr := j.CreateRun(cmdCtx.Cfg.Environment, "run"); cerr != nil {
			cmdCtx.Logger.Warn("failed to create journal run", "error", cerr)
		} else {
			runID = run.ID
			rec = journal.NewRecorder(j, runID, cmdCtx.Logger)
		}
	}

	var executed, failed int
	for _, node := range nodes {
		opts := processor.Options{Manual: true}
		if rec != nil {
			opts.Hooks = rec.Hooks()
		}

		outcome, perr := cmdCtx.Proc.Process(ctx, node.ID, opts)
		if rec != nil {
			rec.FinishNode(node.ID, outcome, perr)
		}

		if perr != nil {
			failed++
			fmt.Fprintf(out, "  %s  FAILED: %v\n", node.ID, perr)
			continue
		}

		executed++
		if outcome.Result != nil {
			fmt.Fprintf(out, "  %s -> %s (%d rows)\n", node.ID, outcome.Result.TableName, outcome.Result.RowCount)
		} else {
			fmt.Fprintf(out, "  %s  %s\n", node.ID, outcome.Action)
		}
	}

	if j != nil && runID != "" {
		status := core.RunStatusCompleted
		errMsg := ""
		if failed > 0 {
			status = core.RunStatusFailed
			errMsg = fmt.Sprintf("%d nodes failed", failed)
		}
		if cerr := j.CompleteRun(runID, status, errMsg); cerr != nil {
			cmdCtx.Logger.Warn("failed to complete journal run", "error", cerr)
		}
	}

	elapsed := time.Since(start)
	fmt.Fprintf(out, "Completed in %s: %d built, %d failed\n", elapsed.Round(time.Millisecond), executed, failed)

	if failed > 0 {
		return fmt.Errorf("run failed: %d of %d nodes failed", failed, len(nodes))
	}
	return nil
}
