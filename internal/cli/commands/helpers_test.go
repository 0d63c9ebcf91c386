package commands

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"

	"github.com/tracescope-labs/tracescope/internal/cli/config"
	"github.com/tracescope-labs/tracescope/internal/testutil"
)

// testConfig builds a config pointing at a test project, bypassing the
// loader. Commands read it from the command context.
func testConfig(projectRoot string) *config.Config {
	return &config.Config{
		ProjectRoot:  projectRoot,
		NodesDir:     filepath.Join(projectRoot, "nodes"),
		JournalPath:  filepath.Join(projectRoot, ".tracescope", "journal.db"),
		Environment:  "test",
		OutputFormat: "table",
	}
}

// execute runs a command with the config and a test logger injected into its
// context, capturing combined output.
func execute(t *testing.T, cmd *cobra.Command, cfg *config.Config, args ...string) (string, error) {
	t.Helper()

	ctx := config.WithConfig(context.Background(), cfg)
	ctx = config.WithLogger(ctx, testutil.NewTestLogger(t))

	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	if args == nil {
		args = []string{}
	}
	cmd.SetArgs(args)

	err := cmd.ExecuteContext(ctx)
	return buf.String(), err
}
