package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracescope-labs/tracescope/internal/cli/config"
	clitest "github.com/tracescope-labs/tracescope/internal/cli/testutil"
)

// executeRoot runs the root command with fresh config state, returning
// stdout and stderr separately.
func executeRoot(t *testing.T, args ...string) (string, string, error) {
	t.Helper()

	config.ResetConfig()
	cmd := NewRootCmd()

	outBuf := new(bytes.Buffer)
	errBuf := new(bytes.Buffer)
	cmd.SetOut(outBuf)
	cmd.SetErr(errBuf)
	if args == nil {
		args = []string{}
	}
	cmd.SetArgs(args)

	err := cmd.ExecuteContext(context.Background())
	return outBuf.String(), errBuf.String(), err
}

func TestRootCmd_Version(t *testing.T) {
	out, _, err := executeRoot(t, "--version")
	require.NoError(t, err)

	assert.Contains(t, out, "tracescope "+Version)
	assert.Contains(t, out, "Built with Go and DuckDB")
}

func TestRootCmd_RunListHistory(t *testing.T) {
	project := clitest.SetupTestProject(t)
	t.Chdir(project)

	out, _, err := executeRoot(t, "run")
	require.NoError(t, err)
	assert.Contains(t, out, "Found 2 nodes")
	assert.Contains(t, out, "2 built, 0 failed")

	out, _, err = executeRoot(t, "history")
	require.NoError(t, err)
	assert.Contains(t, out, "(1 runs)")
	assert.Contains(t, out, "completed")

	out, _, err = executeRoot(t, "list", "--output", "json")
	require.NoError(t, err)

	var infos []struct {
		ID          string `json:"id"`
		AutoExecute bool   `json:"auto_execute"`
		Table       string `json:"table"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &infos))
	require.Len(t, infos, 2)
	assert.Equal(t, "events", infos[0].ID)
	assert.Equal(t, "_exp_materialized_events", infos[0].Table)
	assert.True(t, infos[0].AutoExecute)
}

func TestRootCmd_FlagsAnchorProject(t *testing.T) {
	project := clitest.SetupTestProject(t)
	t.Chdir(t.TempDir())

	journalPath := filepath.Join(project, "history.db")
	out, _, err := executeRoot(t, "run",
		"--nodes-dir", filepath.Join(project, "nodes"),
		"--journal", journalPath,
		"--env", "prod")
	require.NoError(t, err)
	assert.Contains(t, out, "Found 2 nodes")

	_, statErr := os.Stat(journalPath)
	assert.NoError(t, statErr, "journal should be created at the flag path")
}

func TestRootCmd_InvalidOutputFlag(t *testing.T) {
	project := clitest.SetupTestProject(t)
	t.Chdir(project)

	_, _, err := executeRoot(t, "list", "--output", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown output format")
}

func TestRootCmd_VerbosePrintsConfigFile(t *testing.T) {
	project := clitest.SetupTestProject(t)
	t.Chdir(project)

	_, errOut, err := executeRoot(t, "list", "-v")
	require.NoError(t, err)
	assert.Contains(t, errOut, "Using config file:")
}
