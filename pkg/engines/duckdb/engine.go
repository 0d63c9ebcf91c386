// Package duckdb provides a DuckDB query engine for tracescope.
package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/tracescope-labs/tracescope/pkg/core"

	_ "github.com/marcboeker/go-duckdb" // duckdb driver
)

// identRe matches names that are safe to interpolate into DDL unquoted.
var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Engine implements the core.Engine interface for DuckDB.
type Engine struct {
	db     *sql.DB
	cfg    core.EngineConfig
	logger *slog.Logger
}

// New creates a new DuckDB engine instance.
func New(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Engine{logger: logger}
}

// Connect establishes a connection to DuckDB.
// An empty path opens an in-memory database.
func (e *Engine) Connect(ctx context.Context, cfg core.EngineConfig) error {
	path := cfg.Path
	if path == "" {
		path = ":memory:"
	}

	db, err := sql.Open("duckdb", path)
	if err != nil {
		return fmt.Errorf("failed to open duckdb connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping duckdb: %w", err)
	}

	// Single connection so LOAD and SET apply to every later statement.
	db.SetMaxOpenConns(1)

	for key, value := range cfg.Options {
		if !identRe.MatchString(key) {
			_ = db.Close()
			return fmt.Errorf("invalid setting name %q", key)
		}
		stmt := fmt.Sprintf("SET %s = '%s'", key, value)
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return fmt.Errorf("failed to apply setting %s: %w", key, err)
		}
	}

	e.db = db
	e.cfg = cfg
	e.logger.Debug("connected to duckdb", "path", path)

	return nil
}

// Close closes the database connection.
func (e *Engine) Close() error {
	if e.db != nil {
		e.logger.Debug("closing duckdb connection")
		return e.db.Close()
	}
	return nil
}

// Exec executes a SQL statement that doesn't return rows.
func (e *Engine) Exec(ctx context.Context, sqlStr string) error {
	if e.db == nil {
		return fmt.Errorf("database connection not established")
	}
	if _, err := e.db.ExecContext(ctx, sqlStr); err != nil {
		return fmt.Errorf("failed to execute SQL: %w", err)
	}
	return nil
}

// Query executes a SQL statement that returns rows.
func (e *Engine) Query(ctx context.Context, sqlStr string) (*core.Rows, error) {
	if e.db == nil {
		return nil, fmt.Errorf("database connection not established")
	}
	//nolint:rowserrcheck // rows.Err() must be checked by caller after iteration completes
	rows, err := e.db.QueryContext(ctx, sqlStr)
	if err != nil {
		return nil, fmt.Errorf("failed to execute query: %w", err)
	}
	return &core.Rows{Rows: rows}, nil
}

// LoadModule installs and loads a DuckDB extension so its functions and
// tables are available to subsequent statements.
func (e *Engine) LoadModule(ctx context.Context, name string) error {
	if e.db == nil {
		return fmt.Errorf("database connection not established")
	}
	if !identRe.MatchString(name) {
		return fmt.Errorf("invalid module name %q", name)
	}
	if _, err := e.db.ExecContext(ctx, "INSTALL "+name); err != nil {
		return fmt.Errorf("failed to install module %s: %w", name, err)
	}
	if _, err := e.db.ExecContext(ctx, "LOAD "+name); err != nil {
		return fmt.Errorf("failed to load module %s: %w", name, err)
	}
	e.logger.Debug("loaded module", "module", name)
	return nil
}

// TableMetadata retrieves the column shape and row count of a table.
// The column probe selects zero rows; the count is a separate statement
// and degrades to zero if it fails.
func (e *Engine) TableMetadata(ctx context.Context, table string) (*core.TableMetadata, error) {
	if e.db == nil {
		return nil, fmt.Errorf("database connection not established")
	}
	if !identRe.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}

	rows, err := e.db.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s LIMIT 0", table))
	if err != nil {
		return nil, fmt.Errorf("failed to probe table %s: %w", table, err)
	}

	types, err := rows.ColumnTypes()
	// Close before the count query: the pool holds a single connection.
	_ = rows.Close()
	if err != nil {
		return nil, fmt.Errorf("failed to read column types for %s: %w", table, err)
	}

	columns := make([]core.Column, 0, len(types))
	for i, ct := range types {
		col := core.Column{
			Name:     ct.Name(),
			Type:     ct.DatabaseTypeName(),
			Position: i + 1,
		}
		if nullable, ok := ct.Nullable(); ok {
			col.Nullable = nullable
		}
		columns = append(columns, col)
	}

	var rowCount int64
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s", table) //nolint:gosec // Table names are validated above
	if err := e.db.QueryRowContext(ctx, countQuery).Scan(&rowCount); err != nil {
		// Non-fatal error, just set to 0
		rowCount = 0
	}

	return &core.TableMetadata{
		Name:     table,
		Columns:  columns,
		RowCount: rowCount,
	}, nil
}

// Ensure Engine implements core.Engine interface
var _ core.Engine = (*Engine)(nil)
