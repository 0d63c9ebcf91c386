package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/tracescope-labs/tracescope/pkg/core"
)

// NewListCommand creates the list command.
func NewListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List all nodes and their dependencies",
		Long: `List discovered nodes in execution order with their dependencies,
execution policy, and last recorded run.`,
		Example: `  # List all nodes
  tracescope list

  # List nodes as JSON
  tracescope list --output json`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runList(cmd)
		},
	}

	return cmd
}

// nodeInfo is the JSON shape of one listed node.
type nodeInfo struct {
	ID          string       `json:"id"`
	FilePath    string       `json:"file_path"`
	AutoExecute bool         `json:"auto_execute"`
	DependsOn   []string     `json:"depends_on,omitempty"`
	Table       string       `json:"table"`
	LastRun     *lastRunInfo `json:"last_run,omitempty"`
}

type lastRunInfo struct {
	Status      string `json:"status"`
	RowCount    int64  `json:"row_count"`
	CompletedAt string `json:"completed_at,omitempty"`
}

func runList(cmd *cobra.Command) error {
	cmdCtx, cleanup, err := NewCommandContext(cmd, 0)
	if err != nil {
		return err
	}
	defer cleanup()

	nodes, err := cmdCtx.Graph.TopologicalSort()
	if err != nil {
		return fmt.Errorf("failed to sort nodes: %w", err)
	}

	// Only consult the journal if one exists; listing should not create it.
	var j core.Journal
	if _, serr := os.Stat(cmdCtx.Cfg.JournalPath); serr == nil {
		if opened, jerr := openJournal(cmdCtx.Cfg, cmdCtx.Logger); jerr != nil {
			cmdCtx.Logger.Warn("journal unavailable", "error", jerr)
		} else {
			j = opened
			defer func() { _ = j.Close() }()
		}
	}

	infos := make([]nodeInfo, 0, len(nodes))
	for _, node := range nodes {
		tableName, _ := core.TableName(node.ID)
		info := nodeInfo{
			ID:          node.ID,
			FilePath:    node.FilePath,
			AutoExecute: node.AutoExecute,
			DependsOn:   node.DependsOn,
			Table:       tableName,
		}
		if j != nil {
			if nr, nerr := j.GetLatestNodeRun(node.ID); nerr == nil && nr != nil {
				lr := &lastRunInfo{Status: string(nr.Status), RowCount: nr.RowCount}
				if nr.CompletedAt != nil {
					lr.CompletedAt = nr.CompletedAt.Format(time.RFC3339)
				}
				info.LastRun = lr
			}
		}
		infos = append(infos, info)
	}

	if cmdCtx.Cfg.OutputFormat == "json" {
		return listJSON(cmd.OutOrStdout(), infos)
	}
	return listTable(cmd.OutOrStdout(), infos)
}

func listTable(w io.Writer, infos []nodeInfo) error {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"#", "Node", "Policy", "Depends On", "Table", "Last Run"})

	for i, info := range infos {
		policy := "auto"
		if !info.AutoExecute {
			policy = "manual"
		}
		lastRun := "-"
		if info.LastRun != nil {
			lastRun = info.LastRun.Status
		}
		t.AppendRow(table.Row{i + 1, info.ID, policy, strings.Join(info.DependsOn, ", "), info.Table, lastRun})
	}

	t.Render()
	_, _ = fmt.Fprintf(w, "(%d nodes)\n", len(infos))
	return nil
}

func listJSON(w io.Writer, infos []nodeInfo) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(infos)
}
