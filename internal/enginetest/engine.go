// Package enginetest provides a scriptable in-memory core.Engine for
// tests that exercise materialization and execution flow without a real
// database.
package enginetest

import (
	"context"
	"strings"
	"sync"

	"github.com/tracescope-labs/tracescope/pkg/core"
)

// Engine records every statement it receives and returns scripted
// responses. The zero value is usable.
type Engine struct {
	mu            sync.Mutex
	connected     bool
	execs         []string
	modules       []string
	metadataCalls int

	// FailOn maps a statement substring to the error Exec returns for
	// any statement containing it.
	FailOn map[string]error

	// FailModule maps a module name to the error LoadModule returns.
	FailModule map[string]error

	// Metadata maps a table name to the metadata TableMetadata returns.
	// Unknown tables get an empty metadata struct, not an error, unless
	// MetadataErr is set.
	Metadata map[string]*core.TableMetadata

	// MetadataErr, if set, fails every TableMetadata call.
	MetadataErr error

	// OnExec, if set, runs inside Exec after the statement is recorded.
	// Tests use it to block a build mid-flight.
	OnExec func(stmt string)
}

var _ core.Engine = (*Engine)(nil)

func (e *Engine) Connect(ctx context.Context, cfg core.EngineConfig) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connected = true
	return nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connected = false
	return nil
}

func (e *Engine) Exec(ctx context.Context, stmt string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	e.execs = append(e.execs, stmt)
	hook := e.OnExec
	var failErr error
	for sub, err := range e.FailOn {
		if strings.Contains(stmt, sub) {
			failErr = err
			break
		}
	}
	e.mu.Unlock()

	if hook != nil {
		hook(stmt)
	}
	return failErr
}

func (e *Engine) Query(ctx context.Context, stmt string) (*core.Rows, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.execs = append(e.execs, stmt)
	return &core.Rows{}, nil
}

func (e *Engine) LoadModule(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.modules = append(e.modules, name)
	if err, ok := e.FailModule[name]; ok {
		return err
	}
	return nil
}

func (e *Engine) TableMetadata(ctx context.Context, table string) (*core.TableMetadata, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.metadataCalls++
	if e.MetadataErr != nil {
		return nil, e.MetadataErr
	}
	if meta, ok := e.Metadata[table]; ok {
		return meta, nil
	}
	return &core.TableMetadata{Name: table}, nil
}

// Execs returns a copy of every statement passed to Exec and Query, in
// order.
func (e *Engine) Execs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.execs))
	copy(out, e.execs)
	return out
}

// MetadataCalls returns how many times TableMetadata was called.
func (e *Engine) MetadataCalls() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.metadataCalls
}

// Modules returns a copy of every module name passed to LoadModule.
func (e *Engine) Modules() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.modules))
	copy(out, e.modules)
	return out
}

// ExecsMatching returns recorded statements containing the substring.
func (e *Engine) ExecsMatching(sub string) []string {
	var out []string
	for _, stmt := range e.Execs() {
		if strings.Contains(stmt, sub) {
			out = append(out, stmt)
		}
	}
	return out
}
