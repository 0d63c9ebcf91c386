package commands

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tracescope-labs/tracescope/internal/cli/config"
	"github.com/tracescope-labs/tracescope/internal/watch"
	"github.com/tracescope-labs/tracescope/pkg/core"
)

// NewWatchCommand creates the watch command.
func NewWatchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch the nodes directory and reprocess on change",
		Long: `Process the pipeline once, then watch the nodes directory and reprocess
changed nodes and their dependents as files are saved.

Only nodes with auto_execute enabled are rebuilt on change; manual nodes
log a notice and keep their last result until an explicit run. Unchanged
queries are recognized by hash and reuse their tables.`,
		Example: `  # Watch with the default 300ms debounce
  tracescope watch

  # Collapse rapid editor saves over a longer window
  tracescope watch --debounce 1s`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runWatch(cmd)
		},
	}

	return cmd
}

func runWatch(cmd *cobra.Command) error {
	cfg := config.FromContext(cmd.Context())

	cmdCtx, cleanup, err := NewCommandContext(cmd, cfg.Debounce)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var j core.Journal
	if opened, jerr := openJournal(cfg, cmdCtx.Logger); jerr != nil {
		cmdCtx.Logger.Warn("journal unavailable", "error", jerr)
	} else {
		j = opened
		defer func() { _ = j.Close() }()
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Watching %s (press Ctrl+C to stop)\n", cfg.NodesDir)

	w := watch.New(watch.Config{
		NodesDir:    cfg.NodesDir,
		Processor:   cmdCtx.Proc,
		Journal:     j,
		Environment: cfg.Environment,
		Logger:      cmdCtx.Logger,
	})
	return w.Run(ctx)
}
