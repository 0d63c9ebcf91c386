package pipeline

import (
	"errors"
	"testing"
)

func TestExtractFrontmatter_ValidBasic(t *testing.T) {
	content := `/*---
name: slow_frames
depends:
  - frame_stats
---*/

SELECT * FROM frame_stats WHERE dur_ms > 16.6`

	result, err := ExtractFrontmatter(content)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if !result.HasYAML {
		t.Error("expected HasYAML to be true")
	}
	if result.Config.Name != "slow_frames" {
		t.Errorf("expected name 'slow_frames', got %q", result.Config.Name)
	}
	if len(result.Config.Depends) != 1 || result.Config.Depends[0] != "frame_stats" {
		t.Errorf("expected depends [frame_stats], got %v", result.Config.Depends)
	}

	expectedSQL := "SELECT * FROM frame_stats WHERE dur_ms > 16.6"
	if result.SQL != expectedSQL {
		t.Errorf("expected SQL %q, got %q", expectedSQL, result.SQL)
	}
}

func TestExtractFrontmatter_AllFields(t *testing.T) {
	content := `/*---
name: jank_summary
description: per-process jank counts
depends:
  - slow_frames
  - process_names
auto_execute: false
modules:
  - json
preambles:
  - "SET memory_limit = '1GB'"
meta:
  team: perf
---*/

SELECT process, COUNT(*) FROM slow_frames GROUP BY process`

	result, err := ExtractFrontmatter(content)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cfg := result.Config
	if cfg.Name != "jank_summary" {
		t.Errorf("expected name 'jank_summary', got %q", cfg.Name)
	}
	if cfg.Description != "per-process jank counts" {
		t.Errorf("unexpected description: %q", cfg.Description)
	}
	if len(cfg.Depends) != 2 {
		t.Errorf("expected 2 depends, got %v", cfg.Depends)
	}
	if cfg.AutoExecute == nil || *cfg.AutoExecute {
		t.Error("expected auto_execute false")
	}
	if len(cfg.Modules) != 1 || cfg.Modules[0] != "json" {
		t.Errorf("expected modules [json], got %v", cfg.Modules)
	}
	if len(cfg.Preambles) != 1 {
		t.Errorf("expected 1 preamble, got %v", cfg.Preambles)
	}
	if cfg.Meta["team"] != "perf" {
		t.Errorf("expected meta team 'perf', got %v", cfg.Meta["team"])
	}
}

func TestExtractFrontmatter_NoFrontmatter(t *testing.T) {
	content := "SELECT 1"

	result, err := ExtractFrontmatter(content)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result.HasYAML {
		t.Error("expected HasYAML to be false")
	}
	if result.SQL != "SELECT 1" {
		t.Errorf("expected SQL unchanged, got %q", result.SQL)
	}
}

func TestExtractFrontmatter_UnknownField(t *testing.T) {
	content := `/*---
name: x
materialized: table
---*/
SELECT 1`

	_, err := ExtractFrontmatter(content)
	if err == nil {
		t.Fatal("expected error for unknown field")
	}

	var unknownErr *UnknownFieldError
	if !errors.As(err, &unknownErr) {
		t.Fatalf("expected UnknownFieldError, got %T", err)
	}
	if unknownErr.Field != "materialized" {
		t.Errorf("expected field 'materialized', got %q", unknownErr.Field)
	}
}

func TestExtractFrontmatter_InvalidYAML(t *testing.T) {
	content := `/*---
name: [unclosed
---*/
SELECT 1`

	_, err := ExtractFrontmatter(content)
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}

	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected ParseError, got %T", err)
	}
}

func TestFrontmatterResult_Node_Defaults(t *testing.T) {
	result, err := ExtractFrontmatter("SELECT 1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	node := result.Node("/nodes/frame_stats.sql", "frame_stats.sql")
	if node.ID != "frame_stats" {
		t.Errorf("expected ID from filename, got %q", node.ID)
	}
	if !node.AutoExecute {
		t.Error("expected auto_execute to default to true")
	}
	if node.HasFrontmatter {
		t.Error("expected HasFrontmatter false")
	}
}

func TestFrontmatterResult_Node_NameWins(t *testing.T) {
	content := `/*---
name: custom_name
---*/
SELECT 1`

	result, err := ExtractFrontmatter(content)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	node := result.Node("/nodes/file.sql", "file.sql")
	if node.ID != "custom_name" {
		t.Errorf("expected frontmatter name to win, got %q", node.ID)
	}
}
