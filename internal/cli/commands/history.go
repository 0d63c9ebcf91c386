package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/tracescope-labs/tracescope/internal/cli/config"
	"github.com/tracescope-labs/tracescope/pkg/core"
)

// NewHistoryCommand creates the history command.
func NewHistoryCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show recent runs from the journal",
		Long: `Show recent pipeline runs recorded in the journal.

With a run ID, shows the per-node outcomes of that run.`,
		Example: `  # Show the last 10 runs
  tracescope history

  # Show more runs
  tracescope history -n 50

  # Show per-node outcomes of one run
  tracescope history 4f7c2a1e-...`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				return runHistoryDetail(cmd, args[0])
			}
			return runHistory(cmd, limit)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "Maximum number of runs to show")

	return cmd
}

// runInfo is the JSON shape of one journal run.
type runInfo struct {
	ID          string        `json:"id"`
	Environment string        `json:"environment"`
	Trigger     string        `json:"trigger"`
	Status      string        `json:"status"`
	StartedAt   string        `json:"started_at"`
	CompletedAt string        `json:"completed_at,omitempty"`
	DurationMS  int64         `json:"duration_ms,omitempty"`
	Error       string        `json:"error,omitempty"`
	Nodes       []nodeRunInfo `json:"nodes,omitempty"`
}

type nodeRunInfo struct {
	NodeID      string `json:"node_id"`
	Status      string `json:"status"`
	Table       string `json:"table,omitempty"`
	QueryHash   string `json:"query_hash,omitempty"`
	RowCount    int64  `json:"row_count"`
	ExecutionMS int64  `json:"execution_ms"`
	Error       string `json:"error,omitempty"`
}

func openHistoryJournal(cmd *cobra.Command) (core.Journal, *config.Config, error) {
	cfg := config.FromContext(cmd.Context())
	logger := config.GetLogger(cmd.Context())

	if _, err := os.Stat(cfg.JournalPath); err != nil {
		return nil, nil, fmt.Errorf("no journal found at %s (run the pipeline first)", cfg.JournalPath)
	}

	j, err := openJournal(cfg, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open journal: %w", err)
	}
	return j, cfg, nil
}

func runHistory(cmd *cobra.Command, limit int) error {
	j, cfg, err := openHistoryJournal(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = j.Close() }()

	runs, err := j.ListRuns(limit)
	if err != nil {
		return fmt.Errorf("failed to list runs: %w", err)
	}

	w := cmd.OutOrStdout()
	if len(runs) == 0 {
		_, _ = fmt.Fprintln(w, "No runs recorded yet")
		return nil
	}

	if cfg.OutputFormat == "json" {
		infos := make([]runInfo, 0, len(runs))
		for _, run := range runs {
			infos = append(infos, toRunInfo(run, nil))
		}
		return encodeJSON(w, infos)
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Run", "Env", "Trigger", "Status", "Started", "Duration", "Error"})

	for _, run := range runs {
		t.AppendRow(table.Row{
			run.ID,
			run.Environment,
			run.Trigger,
			string(run.Status),
			run.StartedAt.Format("2006-01-02 15:04:05"),
			runDuration(run),
			run.Error,
		})
	}

	t.Render()
	_, _ = fmt.Fprintf(w, "(%d runs)\n", len(runs))
	return nil
}

func runHistoryDetail(cmd *cobra.Command, runID string) error {
	j, cfg, err := openHistoryJournal(cmd)
	if err != nil {
		return err
	}
	defer func() { _ = j.Close() }()

	run, err := j.GetRun(runID)
	if err != nil {
		return err
	}

	nodeRuns, err := j.GetNodeRunsForRun(runID)
	if err != nil {
		return fmt.Errorf("failed to list node runs: %w", err)
	}

	w := cmd.OutOrStdout()
	if cfg.OutputFormat == "json" {
		return encodeJSON(w, toRunInfo(run, nodeRuns))
	}

	_, _ = fmt.Fprintf(w, "Run %s (%s, %s): %s\n", run.ID, run.Environment, run.Trigger, run.Status)
	_, _ = fmt.Fprintf(w, "Started %s, duration %s\n", run.StartedAt.Format("2006-01-02 15:04:05"), runDuration(run))
	if run.Error != "" {
		_, _ = fmt.Fprintf(w, "Error: %s\n", run.Error)
	}

	if len(nodeRuns) == 0 {
		_, _ = fmt.Fprintln(w, "No node runs recorded")
		return nil
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Node", "Status", "Table", "Rows", "Duration", "Error"})

	for _, nr := range nodeRuns {
		t.AppendRow(table.Row{
			nr.NodeID,
			string(nr.Status),
			nr.TableName,
			nr.RowCount,
			fmt.Sprintf("%dms", nr.ExecutionMS),
			nr.Error,
		})
	}

	t.Render()
	return nil
}

func toRunInfo(run *core.Run, nodeRuns []*core.NodeRun) runInfo {
	info := runInfo{
		ID:          run.ID,
		Environment: run.Environment,
		Trigger:     run.Trigger,
		Status:      string(run.Status),
		StartedAt:   run.StartedAt.Format(time.RFC3339),
		Error:       run.Error,
	}
	if run.CompletedAt != nil {
		info.CompletedAt = run.CompletedAt.Format(time.RFC3339)
		info.DurationMS = run.CompletedAt.Sub(run.StartedAt).Milliseconds()
	}
	for _, nr := range nodeRuns {
		info.Nodes = append(info.Nodes, nodeRunInfo{
			NodeID:      nr.NodeID,
			Status:      string(nr.Status),
			Table:       nr.TableName,
			QueryHash:   nr.QueryHash,
			RowCount:    nr.RowCount,
			ExecutionMS: nr.ExecutionMS,
			Error:       nr.Error,
		})
	}
	return info
}

func runDuration(run *core.Run) string {
	if run.CompletedAt == nil {
		return "-"
	}
	return run.CompletedAt.Sub(run.StartedAt).Round(time.Millisecond).String()
}

func encodeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
