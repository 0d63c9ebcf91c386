package pipeline

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/tracescope-labs/tracescope/pkg/core"
)

// Result contains the outcome of a discovery run.
type Result struct {
	Nodes []*core.Node

	// Errors are non-fatal per-file failures; the remaining files still
	// load.
	Errors []NodeError

	Duration time.Duration
}

// NodeError represents a non-fatal error for one node file.
type NodeError struct {
	Path    string
	Message string
}

// HasErrors returns true if any file failed to load.
func (r *Result) HasErrors() bool {
	return len(r.Errors) > 0
}

// Summary returns a human-readable summary of the discovery run.
func (r *Result) Summary() string {
	return fmt.Sprintf("nodes: %d loaded, %d failed | duration: %s",
		len(r.Nodes), len(r.Errors), r.Duration.Round(time.Millisecond))
}

// Discover walks the nodes directory and parses every .sql file found.
// Files that fail to parse are reported in Result.Errors and skipped.
// Duplicate node IDs keep the first file and report the rest.
func Discover(dir string, logger *slog.Logger) (*Result, error) {
	start := time.Now()
	result := &Result{}

	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve nodes directory: %w", err)
	}
	if _, err := os.Stat(absDir); err != nil {
		return nil, fmt.Errorf("nodes directory: %w", err)
	}

	seen := make(map[string]string) // node ID -> file path

	walkErr := filepath.Walk(absDir, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil || info.IsDir() || !strings.HasSuffix(info.Name(), ".sql") {
			return nil //nolint:nilerr // Skip directories and non-.sql files
		}

		node, err := ParseFile(path)
		if err != nil {
			logger.Debug("node parse error", "path", path, "error", err.Error())
			result.Errors = append(result.Errors, NodeError{Path: path, Message: err.Error()})
			return nil // Continue with other files
		}

		if prev, dup := seen[node.ID]; dup {
			result.Errors = append(result.Errors, NodeError{
				Path:    path,
				Message: fmt.Sprintf("duplicate node ID %q (already defined in %s)", node.ID, prev),
			})
			return nil
		}
		seen[node.ID] = path

		logger.Debug("parsed node", "path", path, "node", node.ID)
		result.Nodes = append(result.Nodes, node)
		return nil
	})
	if walkErr != nil {
		return nil, walkErr
	}

	result.Duration = time.Since(start)

	logger.Info("discovery completed",
		"nodes", len(result.Nodes),
		"failed", len(result.Errors),
		"duration_ms", result.Duration.Milliseconds())

	return result, nil
}

// ParseFile reads and parses a single node file.
func ParseFile(path string) (*core.Node, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path: %w", err)
	}

	content, err := os.ReadFile(absPath) //nolint:gosec // G304: paths come from directory walks and config
	if err != nil {
		return nil, fmt.Errorf("failed to read node file: %w", err)
	}

	return ParseContent(absPath, content)
}

// ParseContent parses node file content into a core.Node.
func ParseContent(path string, content []byte) (*core.Node, error) {
	result, err := ExtractFrontmatter(string(content))
	if err != nil {
		switch e := err.(type) {
		case *ParseError:
			e.File = path
		case *UnknownFieldError:
			e.File = path
		}
		return nil, err
	}

	node := result.Node(path, filepath.Base(path))
	if node.SQL == "" {
		return nil, &ParseError{File: path, Message: "node file has no SQL content"}
	}

	return node, nil
}
