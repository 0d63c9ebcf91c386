// Package analyzer compiles node SQL into engine-ready queries. It
// resolves {{ ref('...') }} expressions to materialized table names and
// extracts INCLUDE MODULE directives into module loads.
package analyzer

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/tracescope-labs/tracescope/pkg/core"
)

// refPattern matches {{ ref('node_id') }} expressions.
var refPattern = regexp.MustCompile(`\{\{\s*ref\(\s*['"]([^'"]+)['"]\s*\)\s*\}\}`)

// exprPattern matches any remaining {{ ... }} expression after ref
// resolution. Anything it finds is unsupported.
var exprPattern = regexp.MustCompile(`\{\{[^}]*\}\}`)

// includePattern matches INCLUDE MODULE directive lines.
var includePattern = regexp.MustCompile(`(?im)^\s*INCLUDE\s+MODULE\s+([A-Za-z0-9_.]+)\s*;?\s*$`)

// ExtractRefs returns the node IDs referenced by ref() expressions, in
// order of first appearance without duplicates.
func ExtractRefs(sql string) []string {
	var refs []string
	seen := make(map[string]bool)
	for _, m := range refPattern.FindAllStringSubmatch(sql, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			refs = append(refs, m[1])
		}
	}
	return refs
}

// ExtractModules returns the module names pulled in by INCLUDE MODULE
// directives, in order of first appearance without duplicates.
func ExtractModules(sql string) []string {
	var modules []string
	seen := make(map[string]bool)
	for _, m := range includePattern.FindAllStringSubmatch(sql, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			modules = append(modules, m[1])
		}
	}
	return modules
}

// Compile turns a node into an engine-ready query. known reports whether
// a node ID exists in the loaded graph; refs to unknown IDs fail.
func Compile(node *core.Node, known func(id string) bool) (core.Query, error) {
	sql := node.SQL

	// Pull INCLUDE MODULE directives out of the SQL body.
	inline := ExtractModules(sql)
	sql = strings.TrimSpace(includePattern.ReplaceAllString(sql, ""))

	var refErr error
	sql = refPattern.ReplaceAllStringFunc(sql, func(expr string) string {
		ref := refPattern.FindStringSubmatch(expr)[1]
		if !known(ref) {
			if refErr == nil {
				refErr = &UnknownRefError{Node: node.ID, Ref: ref}
			}
			return expr
		}
		table, _ := core.TableName(ref)
		return table
	})
	if refErr != nil {
		return core.Query{}, refErr
	}

	if leftover := exprPattern.FindString(sql); leftover != "" {
		return core.Query{}, &ParseError{
			Node:    node.ID,
			Message: fmt.Sprintf("unsupported template expression %s", leftover),
		}
	}

	modules := mergeModules(node.Modules, inline)

	preambles := make([]string, 0, len(node.Preambles))
	for _, p := range node.Preambles {
		if s := strings.TrimSpace(p); s != "" {
			preambles = append(preambles, s)
		}
	}

	return core.Query{
		SQL:       sql,
		Modules:   modules,
		Preambles: preambles,
	}, nil
}

// mergeModules unions declared and inline modules into a sorted,
// deduplicated list.
func mergeModules(declared, inline []string) []string {
	seen := make(map[string]bool)
	var modules []string
	for _, list := range [][]string{declared, inline} {
		for _, m := range list {
			m = strings.TrimSpace(m)
			if m == "" || seen[m] {
				continue
			}
			seen[m] = true
			modules = append(modules, m)
		}
	}
	sort.Strings(modules)
	return modules
}

// UnknownRefError reports a ref() expression naming a node that does not
// exist.
type UnknownRefError struct {
	Node string
	Ref  string
}

func (e *UnknownRefError) Error() string {
	return fmt.Sprintf("node %s references unknown node %q", e.Node, e.Ref)
}

// ParseError reports SQL the analyzer cannot compile.
type ParseError struct {
	Node    string
	Message string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("node %s: %s", e.Node, e.Message)
}
