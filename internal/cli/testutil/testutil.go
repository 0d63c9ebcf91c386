// Package testutil provides test fixtures for CLI testing.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

// SetupTestProject creates a temporary project with a config file and a
// small two-node pipeline. Returns the project root.
func SetupTestProject(t *testing.T) string {
	t.Helper()

	tmpDir := t.TempDir()

	nodesDir := filepath.Join(tmpDir, "nodes")
	if err := os.MkdirAll(nodesDir, 0755); err != nil {
		t.Fatalf("failed to create nodes directory: %v", err)
	}

	configFile := `nodes_dir: nodes
journal_path: .tracescope/journal.db
environment: test
`
	if err := os.WriteFile(filepath.Join(tmpDir, "tracescope.yaml"), []byte(configFile), 0644); err != nil {
		t.Fatalf("failed to create tracescope.yaml: %v", err)
	}

	events := `/*---
name: events
description: Raw trace events
---*/
SELECT 1 AS id, 'slice' AS kind`
	if err := os.WriteFile(filepath.Join(nodesDir, "events.sql"), []byte(events), 0644); err != nil {
		t.Fatalf("failed to create events.sql: %v", err)
	}

	rollup := `/*---
name: rollup
depends: [events]
---*/
SELECT kind, COUNT(*) AS n FROM {{ ref('events') }} GROUP BY kind`
	if err := os.WriteFile(filepath.Join(nodesDir, "rollup.sql"), []byte(rollup), 0644); err != nil {
		t.Fatalf("failed to create rollup.sql: %v", err)
	}

	return tmpDir
}

// AddNode writes one more node file into the project's nodes directory.
func AddNode(t *testing.T, projectRoot, name, content string) string {
	t.Helper()

	path := filepath.Join(projectRoot, "nodes", name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to create %s: %v", name, err)
	}
	return path
}
