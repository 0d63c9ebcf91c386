package core

import (
	"context"
	"database/sql"
	"time"
)

// Engine defines the interface that all query engines must implement.
type Engine interface {
	// Connect establishes a connection to the engine.
	Connect(ctx context.Context, cfg EngineConfig) error

	// Close closes the engine connection.
	Close() error

	// Exec executes a SQL statement that doesn't return rows.
	Exec(ctx context.Context, sql string) error

	// Query executes a SQL statement that returns rows.
	Query(ctx context.Context, sql string) (*Rows, error)

	// LoadModule makes an engine module's tables and functions available
	// to subsequent statements on the same connection.
	LoadModule(ctx context.Context, name string) error

	// TableMetadata retrieves the row count and column shape of a table.
	TableMetadata(ctx context.Context, table string) (*TableMetadata, error)
}

// EngineConfig holds configuration for connecting to an engine.
type EngineConfig struct {
	// Path is the database location. Empty means in-memory.
	Path string
	// Options are engine-specific connection options.
	Options map[string]string
}

// Column represents a column in an engine table.
type Column struct {
	Name     string
	Type     string
	Nullable bool
	Position int
}

// TableMetadata holds metadata about a materialized table.
type TableMetadata struct {
	Name     string
	Columns  []Column
	RowCount int64
}

// QueryResult describes the outcome of materializing a node query.
type QueryResult struct {
	TableName string
	RowCount  int64
	Columns   []Column
	Duration  time.Duration
}

// Rows wraps sql.Rows to provide a consistent interface.
type Rows struct {
	*sql.Rows
}
