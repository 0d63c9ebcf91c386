package commands

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	clitest "github.com/tracescope-labs/tracescope/internal/cli/testutil"
	"github.com/tracescope-labs/tracescope/internal/journal"
)

func latestRunID(t *testing.T, journalPath string) string {
	t.Helper()

	j := journal.New(nil)
	require.NoError(t, j.Open(journalPath))
	defer func() { _ = j.Close() }()

	runs, err := j.ListRuns(1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	return runs[0].ID
}

func TestHistoryCommand_NoJournal(t *testing.T) {
	project := clitest.SetupTestProject(t)
	cfg := testConfig(project)

	_, err := execute(t, NewHistoryCommand(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no journal found")
}

func TestHistoryCommand_ListsRuns(t *testing.T) {
	project := clitest.SetupTestProject(t)
	cfg := testConfig(project)

	_, err := execute(t, NewRunCommand(), cfg)
	require.NoError(t, err)

	out, err := execute(t, NewHistoryCommand(), cfg)
	require.NoError(t, err)

	assert.Contains(t, out, "test")
	assert.Contains(t, out, "run")
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "(1 runs)")
}

func TestHistoryCommand_Detail(t *testing.T) {
	project := clitest.SetupTestProject(t)
	cfg := testConfig(project)

	_, err := execute(t, NewRunCommand(), cfg)
	require.NoError(t, err)

	runID := latestRunID(t, cfg.JournalPath)

	out, err := execute(t, NewHistoryCommand(), cfg, runID)
	require.NoError(t, err)

	assert.Contains(t, out, runID)
	assert.Contains(t, out, "events")
	assert.Contains(t, out, "rollup")
	assert.Contains(t, out, "success")
	assert.Contains(t, out, "_exp_materialized_events")
}

func TestHistoryCommand_DetailUnknownRun(t *testing.T) {
	project := clitest.SetupTestProject(t)
	cfg := testConfig(project)

	_, err := execute(t, NewRunCommand(), cfg)
	require.NoError(t, err)

	_, err = execute(t, NewHistoryCommand(), cfg, "no-such-run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run not found")
}

func TestHistoryCommand_JSON(t *testing.T) {
	project := clitest.SetupTestProject(t)
	cfg := testConfig(project)

	_, err := execute(t, NewRunCommand(), cfg)
	require.NoError(t, err)

	cfg.OutputFormat = "json"
	out, err := execute(t, NewHistoryCommand(), cfg)
	require.NoError(t, err)

	var infos []runInfo
	require.NoError(t, json.Unmarshal([]byte(out), &infos))
	require.Len(t, infos, 1)
	assert.Equal(t, "completed", infos[0].Status)
	assert.Equal(t, "run", infos[0].Trigger)
	assert.Equal(t, "test", infos[0].Environment)
	assert.NotEmpty(t, infos[0].CompletedAt)
	assert.Empty(t, infos[0].Nodes)

	runID := latestRunID(t, cfg.JournalPath)
	out, err = execute(t, NewHistoryCommand(), cfg, runID)
	require.NoError(t, err)

	var detail runInfo
	require.NoError(t, json.Unmarshal([]byte(out), &detail))
	assert.Equal(t, runID, detail.ID)
	require.Len(t, detail.Nodes, 2)
	for _, nr := range detail.Nodes {
		assert.Equal(t, "success", nr.Status)
		assert.Equal(t, int64(1), nr.RowCount)
		assert.NotEmpty(t, nr.QueryHash)
	}
}
