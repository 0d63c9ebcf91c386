package analyzer

import (
	"errors"
	"testing"

	"github.com/tracescope-labs/tracescope/pkg/core"
)

func knownSet(ids ...string) func(string) bool {
	set := make(map[string]bool)
	for _, id := range ids {
		set[id] = true
	}
	return func(id string) bool { return set[id] }
}

func TestExtractRefs(t *testing.T) {
	sql := `SELECT * FROM {{ ref('frame_stats') }} f
JOIN {{ ref("process_names") }} p ON f.pid = p.pid
JOIN {{ ref('frame_stats') }} f2 ON f2.id = f.id`

	refs := ExtractRefs(sql)
	if len(refs) != 2 {
		t.Fatalf("expected 2 refs, got %v", refs)
	}
	if refs[0] != "frame_stats" || refs[1] != "process_names" {
		t.Errorf("unexpected refs: %v", refs)
	}
}

func TestExtractModules(t *testing.T) {
	sql := `INCLUDE MODULE android.frames;
include module json
SELECT 1`

	modules := ExtractModules(sql)
	if len(modules) != 2 {
		t.Fatalf("expected 2 modules, got %v", modules)
	}
	if modules[0] != "android.frames" || modules[1] != "json" {
		t.Errorf("unexpected modules: %v", modules)
	}
}

func TestCompile_ResolvesRefs(t *testing.T) {
	node := &core.Node{
		ID:  "slow_frames",
		SQL: "SELECT * FROM {{ ref('frame_stats') }} WHERE dur_ms > 16.6",
	}

	q, err := Compile(node, knownSet("frame_stats"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := "SELECT * FROM _exp_materialized_frame_stats WHERE dur_ms > 16.6"
	if q.SQL != want {
		t.Errorf("expected %q, got %q", want, q.SQL)
	}
}

func TestCompile_UnknownRef(t *testing.T) {
	node := &core.Node{
		ID:  "slow_frames",
		SQL: "SELECT * FROM {{ ref('missing') }}",
	}

	_, err := Compile(node, knownSet("frame_stats"))
	if err == nil {
		t.Fatal("expected error for unknown ref")
	}

	var refErr *UnknownRefError
	if !errors.As(err, &refErr) {
		t.Fatalf("expected UnknownRefError, got %T", err)
	}
	if refErr.Ref != "missing" {
		t.Errorf("expected ref 'missing', got %q", refErr.Ref)
	}
}

func TestCompile_UnsupportedExpression(t *testing.T) {
	node := &core.Node{
		ID:  "x",
		SQL: "SELECT {{ config.value }} FROM t",
	}

	_, err := Compile(node, knownSet())
	if err == nil {
		t.Fatal("expected error for unsupported expression")
	}

	var parseErr *ParseError
	if !errors.As(err, &parseErr) {
		t.Fatalf("expected ParseError, got %T", err)
	}
}

func TestCompile_ModulesAndPreambles(t *testing.T) {
	node := &core.Node{
		ID:        "jank",
		SQL:       "INCLUDE MODULE json;\nSELECT 1",
		Modules:   []string{"icu", "json"},
		Preambles: []string{"SET memory_limit = '1GB'", "  "},
	}

	q, err := Compile(node, knownSet())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if q.SQL != "SELECT 1" {
		t.Errorf("expected directive stripped, got %q", q.SQL)
	}
	if len(q.Modules) != 2 || q.Modules[0] != "icu" || q.Modules[1] != "json" {
		t.Errorf("expected sorted unique modules [icu json], got %v", q.Modules)
	}
	if len(q.Preambles) != 1 {
		t.Errorf("expected blank preamble dropped, got %v", q.Preambles)
	}
}

func TestCompile_SanitizedRefTableName(t *testing.T) {
	node := &core.Node{
		ID:  "reader",
		SQL: "SELECT * FROM {{ ref('frame-stats') }}",
	}

	q, err := Compile(node, knownSet("frame-stats"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := "SELECT * FROM _exp_materialized_frame_stats"
	if q.SQL != want {
		t.Errorf("expected %q, got %q", want, q.SQL)
	}
}
