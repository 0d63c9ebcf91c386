package watch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracescope-labs/tracescope/internal/enginetest"
	"github.com/tracescope-labs/tracescope/internal/graph"
	"github.com/tracescope-labs/tracescope/internal/journal"
	"github.com/tracescope-labs/tracescope/internal/pipeline"
	"github.com/tracescope-labs/tracescope/internal/processor"
	"github.com/tracescope-labs/tracescope/internal/testutil"
	"github.com/tracescope-labs/tracescope/pkg/core"
)

const waitFor = 2 * time.Second

func writeNode(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newWatcher(t *testing.T, dir string, eng core.Engine, j core.Journal) (*Watcher, *processor.Processor) {
	t.Helper()
	logger := testutil.NewTestLogger(t)

	result, err := pipeline.Discover(dir, logger)
	require.NoError(t, err)
	require.False(t, result.HasErrors(), "fixture nodes must parse: %+v", result.Errors)

	g, err := graph.FromNodes(result.Nodes)
	require.NoError(t, err)

	proc := processor.New(processor.Config{
		Graph:  g,
		Engine: eng,
		Logger: logger,
	})

	w := New(Config{
		NodesDir:    dir,
		Processor:   proc,
		Journal:     j,
		Environment: "test",
		Logger:      logger,
	})
	return w, proc
}

func creates(eng *enginetest.Engine) []string {
	return eng.ExecsMatching("CREATE TABLE")
}

func TestProcessAll_ExecutesInDependencyOrder(t *testing.T) {
	dir := t.TempDir()
	writeNode(t, dir, "events.sql", "SELECT 1 AS id")
	writeNode(t, dir, "rollup.sql", `/*---
name: rollup
depends: [events]
---*/
SELECT count(*) FROM {{ ref('events') }}`)

	eng := &enginetest.Engine{}
	w, _ := newWatcher(t, dir, eng, nil)

	w.processAll(context.Background())

	built := creates(eng)
	require.Len(t, built, 2)
	assert.Contains(t, built[0], "_exp_materialized_events")
	assert.Contains(t, built[1], "_exp_materialized_rollup")
	assert.Contains(t, built[1], "FROM _exp_materialized_events")
}

func TestProcessAll_ManualNodeDoesNotExecute(t *testing.T) {
	dir := t.TempDir()
	writeNode(t, dir, "events.sql", "SELECT 1")
	writeNode(t, dir, "report.sql", `/*---
auto_execute: false
---*/
SELECT 2`)

	eng := &enginetest.Engine{}
	w, _ := newWatcher(t, dir, eng, nil)

	w.processAll(context.Background())

	built := creates(eng)
	require.Len(t, built, 1)
	assert.Contains(t, built[0], "_exp_materialized_events")
}

func TestProcessAll_JournalsOutcomes(t *testing.T) {
	dir := t.TempDir()
	writeNode(t, dir, "good.sql", "SELECT 1")
	writeNode(t, dir, "bad.sql", "SELECT * FROM {{ ref('nope') }}")

	j := journal.New(testutil.NewTestLogger(t))
	require.NoError(t, j.Open(":memory:"))
	t.Cleanup(func() { _ = j.Close() })

	eng := &enginetest.Engine{}
	w, _ := newWatcher(t, dir, eng, j)

	w.processAll(context.Background())

	runs, err := j.ListRuns(5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, core.RunStatusFailed, runs[0].Status)
	assert.Equal(t, "1 nodes failed", runs[0].Error)
	assert.Equal(t, "watch", runs[0].Trigger)
	require.NotNil(t, runs[0].CompletedAt)

	nodeRuns, err := j.GetNodeRunsForRun(runs[0].ID)
	require.NoError(t, err)
	require.Len(t, nodeRuns, 2)

	byNode := make(map[string]*core.NodeRun)
	for _, nr := range nodeRuns {
		byNode[nr.NodeID] = nr
	}
	require.Contains(t, byNode, "good")
	require.Contains(t, byNode, "bad")
	assert.Equal(t, core.NodeRunStatusSuccess, byNode["good"].Status)
	assert.Equal(t, core.NodeRunStatusFailed, byNode["bad"].Status)
	assert.Contains(t, byNode["bad"].Error, "nope")

	// The failure did not stop the good node from building.
	require.Len(t, creates(eng), 1)
}

func TestProcessAll_SecondPassReuses(t *testing.T) {
	dir := t.TempDir()
	writeNode(t, dir, "events.sql", "SELECT 1")

	j := journal.New(testutil.NewTestLogger(t))
	require.NoError(t, j.Open(":memory:"))
	t.Cleanup(func() { _ = j.Close() })

	eng := &enginetest.Engine{}
	w, _ := newWatcher(t, dir, eng, j)

	ctx := context.Background()
	w.processAll(ctx)
	w.processAll(ctx)

	// One build, two journaled runs: executed then reused.
	require.Len(t, creates(eng), 1)

	runs, err := j.ListRuns(5)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	latest, err := j.GetLatestNodeRun("events")
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, core.NodeRunStatusReused, latest.Status)
}

func TestReload_ChangedNodeRebuildsDownstream(t *testing.T) {
	dir := t.TempDir()
	base := writeNode(t, dir, "events.sql", "SELECT 1 AS id")
	writeNode(t, dir, "rollup.sql", `/*---
depends: [events]
---*/
SELECT count(*) FROM {{ ref('events') }}`)

	eng := &enginetest.Engine{}
	w, proc := newWatcher(t, dir, eng, nil)

	ctx := context.Background()
	w.processAll(ctx)
	require.Len(t, creates(eng), 2)

	require.NoError(t, os.WriteFile(base, []byte("SELECT 2 AS id"), 0o644))
	w.reload(ctx)

	built := creates(eng)
	require.Len(t, built, 4)
	assert.Contains(t, built[2], "SELECT 2 AS id")
	assert.Contains(t, built[3], "_exp_materialized_rollup")

	rec, ok := proc.Records()["rollup"]
	require.True(t, ok)
	assert.True(t, rec.Materialized)
	assert.NotEmpty(t, rec.QueryHash)
}

func TestReload_UnchangedFilesRebuildNothing(t *testing.T) {
	dir := t.TempDir()
	writeNode(t, dir, "events.sql", "SELECT 1")

	eng := &enginetest.Engine{}
	w, _ := newWatcher(t, dir, eng, nil)

	ctx := context.Background()
	w.processAll(ctx)
	w.reload(ctx)

	require.Len(t, creates(eng), 1)
}

func TestReload_DeletedNodeTornDown(t *testing.T) {
	dir := t.TempDir()
	writeNode(t, dir, "events.sql", "SELECT 1")
	scratch := writeNode(t, dir, "scratch.sql", "SELECT 2")

	eng := &enginetest.Engine{}
	w, proc := newWatcher(t, dir, eng, nil)

	ctx := context.Background()
	w.processAll(ctx)
	require.True(t, proc.IsMaterialized("scratch"))

	require.NoError(t, os.Remove(scratch))
	w.reload(ctx)

	assert.False(t, proc.IsMaterialized("scratch"))
	_, ok := proc.Graph().Node("scratch")
	assert.False(t, ok)
	// Initial build drop plus the teardown drop.
	assert.Len(t, eng.ExecsMatching("DROP TABLE IF EXISTS _exp_materialized_scratch"), 2)
	// The surviving node is untouched.
	assert.Len(t, eng.ExecsMatching("DROP TABLE IF EXISTS _exp_materialized_events"), 1)
}

func TestReload_BrokenFileIsNotADeletion(t *testing.T) {
	dir := t.TempDir()
	writeNode(t, dir, "events.sql", "SELECT 1")
	path := writeNode(t, dir, "extra.sql", "SELECT 2")

	eng := &enginetest.Engine{}
	w, proc := newWatcher(t, dir, eng, nil)

	ctx := context.Background()
	w.processAll(ctx)
	require.True(t, proc.IsMaterialized("extra"))

	// A save mid-edit: frontmatter with an unknown field fails to parse.
	require.NoError(t, os.WriteFile(path, []byte(`/*---
materialize: table
---*/
SELECT 2`), 0o644))
	w.reload(ctx)

	// The node drops out of the graph but keeps its table and record.
	assert.True(t, proc.IsMaterialized("extra"))
	assert.Len(t, eng.ExecsMatching("DROP TABLE IF EXISTS _exp_materialized_extra"), 1)

	// Fixing the file brings it back without a rebuild.
	require.NoError(t, os.WriteFile(path, []byte("SELECT 2"), 0o644))
	w.reload(ctx)
	_, ok := proc.Graph().Node("extra")
	assert.True(t, ok)
	assert.Len(t, eng.ExecsMatching("CREATE TABLE _exp_materialized_extra"), 1)
}

func TestReload_ManualNodeChangeLoadsInsteadOfBuilding(t *testing.T) {
	dir := t.TempDir()
	path := writeNode(t, dir, "report.sql", `/*---
auto_execute: false
---*/
SELECT 1`)

	eng := &enginetest.Engine{}
	w, proc := newWatcher(t, dir, eng, nil)

	ctx := context.Background()
	_, err := proc.Process(ctx, "report", processor.Options{Manual: true})
	require.NoError(t, err)
	require.Len(t, creates(eng), 1)

	require.NoError(t, os.WriteFile(path, []byte(`/*---
auto_execute: false
---*/
SELECT 99`), 0o644))
	w.reload(ctx)

	// Still one build: the change marks the node stale but only an
	// explicit run rebuilds it.
	assert.Len(t, creates(eng), 1)

	rec, ok := proc.Records()["report"]
	require.True(t, ok)
	assert.True(t, rec.Materialized)
	assert.Empty(t, rec.QueryHash)
}

func TestProcessAll_ManualResultLoadedOnce(t *testing.T) {
	dir := t.TempDir()
	writeNode(t, dir, "report.sql", `/*---
auto_execute: false
---*/
SELECT 1`)

	eng := &enginetest.Engine{}
	w, proc := newWatcher(t, dir, eng, nil)

	ctx := context.Background()
	_, err := proc.Process(ctx, "report", processor.Options{Manual: true})
	require.NoError(t, err)

	w.processAll(ctx)
	probes := eng.MetadataCalls()

	w.processAll(ctx)
	assert.Equal(t, probes, eng.MetadataCalls(), "a loaded result should stay loaded")
}

func TestNodeChanged(t *testing.T) {
	base := func() *core.Node {
		return &core.Node{
			ID:          "n",
			SQL:         "SELECT 1",
			DependsOn:   []string{"a"},
			AutoExecute: true,
			Modules:     []string{"json"},
			Preambles:   []string{"SET x=1"},
			Description: "desc",
		}
	}

	tests := []struct {
		name    string
		mutate  func(*core.Node)
		changed bool
	}{
		{"identical", func(n *core.Node) {}, false},
		{"sql", func(n *core.Node) { n.SQL = "SELECT 2" }, true},
		{"auto_execute", func(n *core.Node) { n.AutoExecute = false }, true},
		{"depends", func(n *core.Node) { n.DependsOn = []string{"b"} }, true},
		{"modules", func(n *core.Node) { n.Modules = nil }, true},
		{"preambles", func(n *core.Node) { n.Preambles = append(n.Preambles, "SET y=2") }, true},
		{"description only", func(n *core.Node) { n.Description = "other" }, false},
		{"file path only", func(n *core.Node) { n.FilePath = "/moved.sql" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, b := base(), base()
			tt.mutate(b)
			assert.Equal(t, tt.changed, nodeChanged(a, b))
		})
	}
}

func TestRun_ReactsToFileChanges(t *testing.T) {
	dir := t.TempDir()
	base := writeNode(t, dir, "events.sql", "SELECT 1 AS id")

	eng := &enginetest.Engine{}
	w, _ := newWatcher(t, dir, eng, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx)
	}()

	// Initial pass builds the node.
	require.Eventually(t, func() bool {
		return len(creates(eng)) == 1
	}, waitFor, 20*time.Millisecond)

	// An edit triggers a rebuild with the new query.
	require.NoError(t, os.WriteFile(base, []byte("SELECT 42 AS id"), 0o644))
	require.Eventually(t, func() bool {
		for _, c := range creates(eng) {
			if strings.Contains(c, "SELECT 42") {
				return true
			}
		}
		return false
	}, waitFor, 20*time.Millisecond)

	// A brand new file gets discovered and built.
	writeNode(t, dir, "fresh.sql", "SELECT 7")
	require.Eventually(t, func() bool {
		return len(eng.ExecsMatching("CREATE TABLE _exp_materialized_fresh")) == 1
	}, waitFor, 20*time.Millisecond)

	// Nodes in a directory created while watching are picked up too.
	sub := filepath.Join(dir, "reports")
	require.NoError(t, os.Mkdir(sub, 0o755))
	time.Sleep(300 * time.Millisecond)
	writeNode(t, sub, "daily.sql", "SELECT 8")
	require.Eventually(t, func() bool {
		return len(eng.ExecsMatching("CREATE TABLE _exp_materialized_daily")) == 1
	}, waitFor, 20*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("watcher did not stop on context cancellation")
	}
}
