package journal

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // SQLite driver (pure Go)

	"github.com/tracescope-labs/tracescope/pkg/core"
)

// SQLiteJournal implements core.Journal over a SQLite database.
type SQLiteJournal struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// New creates a journal instance. Open must be called before use.
func New(logger *slog.Logger) *SQLiteJournal {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &SQLiteJournal{logger: logger}
}

// Open opens the journal database and runs pending migrations.
// Use ":memory:" for an in-memory journal.
func (j *SQLiteJournal) Open(path string) error {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("failed to create journal directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open journal database: %w", err)
	}

	// One connection: an in-memory journal would otherwise get a fresh
	// empty database on every pooled connection.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping journal database: %w", err)
	}

	j.db = db
	j.path = path

	if err := j.Migrate(); err != nil {
		_ = db.Close()
		j.db = nil
		return err
	}

	j.logger.Debug("journal opened", "path", path)
	return nil
}

// Close closes the journal database connection.
func (j *SQLiteJournal) Close() error {
	if j.db != nil {
		return j.db.Close()
	}
	return nil
}

// CreateRun records the start of a processing session.
func (j *SQLiteJournal) CreateRun(environment, trigger string) (*core.Run, error) {
	if j.db == nil {
		return nil, fmt.Errorf("journal not opened")
	}

	run := &core.Run{
		ID:          uuid.New().String(),
		Environment: environment,
		Trigger:     trigger,
		Status:      core.RunStatusRunning,
		StartedAt:   time.Now().UTC(),
	}

	_, err := j.db.Exec(
		`INSERT INTO runs (id, environment, triggered_by, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.Environment, run.Trigger, run.Status, run.StartedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	return run, nil
}

// GetRun retrieves a run by ID.
func (j *SQLiteJournal) GetRun(id string) (*core.Run, error) {
	if j.db == nil {
		return nil, fmt.Errorf("journal not opened")
	}

	run := &core.Run{}
	var completedAt sql.NullTime
	var errMsg sql.NullString

	err := j.db.QueryRow(
		`SELECT id, environment, triggered_by, status, started_at, completed_at, error FROM runs WHERE id = ?`,
		id,
	).Scan(&run.ID, &run.Environment, &run.Trigger, &run.Status, &run.StartedAt, &completedAt, &errMsg)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	if errMsg.Valid {
		run.Error = errMsg.String
	}

	return run, nil
}

// CompleteRun marks a run as finished with the given status.
func (j *SQLiteJournal) CompleteRun(id string, status core.RunStatus, errMsg string) error {
	if j.db == nil {
		return fmt.Errorf("journal not opened")
	}

	now := time.Now().UTC()
	var errorPtr *string
	if errMsg != "" {
		errorPtr = &errMsg
	}

	result, err := j.db.Exec(
		`UPDATE runs SET status = ?, completed_at = ?, error = ? WHERE id = ?`,
		status, now, errorPtr, id,
	)
	if err != nil {
		return fmt.Errorf("failed to complete run: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return fmt.Errorf("run not found: %s", id)
	}

	return nil
}

// ListRuns retrieves the most recent runs, newest first.
func (j *SQLiteJournal) ListRuns(limit int) ([]*core.Run, error) {
	if j.db == nil {
		return nil, fmt.Errorf("journal not opened")
	}
	if limit <= 0 {
		limit = 20
	}

	rows, err := j.db.Query(
		`SELECT id, environment, triggered_by, status, started_at, completed_at, error
		 FROM runs ORDER BY started_at DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*core.Run
	for rows.Next() {
		run := &core.Run{}
		var completedAt sql.NullTime
		var errMsg sql.NullString

		err := rows.Scan(&run.ID, &run.Environment, &run.Trigger, &run.Status, &run.StartedAt, &completedAt, &errMsg)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}

		if completedAt.Valid {
			run.CompletedAt = &completedAt.Time
		}
		if errMsg.Valid {
			run.Error = errMsg.String
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

// RecordNodeRun records a node materialization attempt. A missing ID is
// generated; StartedAt is stamped with the current time.
func (j *SQLiteJournal) RecordNodeRun(nodeRun *core.NodeRun) error {
	if j.db == nil {
		return fmt.Errorf("journal not opened")
	}

	if nodeRun.ID == "" {
		nodeRun.ID = uuid.New().String()
	}
	nodeRun.StartedAt = time.Now().UTC()

	_, err := j.db.Exec(
		`INSERT INTO node_runs (id, run_id, node_id, status, table_name, query_hash, row_count, started_at, error, execution_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nodeRun.ID, nodeRun.RunID, nodeRun.NodeID, nodeRun.Status, nodeRun.TableName,
		nodeRun.QueryHash, nodeRun.RowCount, nodeRun.StartedAt, nodeRun.Error, nodeRun.ExecutionMS,
	)
	if err != nil {
		return fmt.Errorf("failed to record node run: %w", err)
	}

	return nil
}

// UpdateNodeRun marks a node run finished with the given status and row
// count. Execution time is derived from the recorded start time.
func (j *SQLiteJournal) UpdateNodeRun(id string, status core.NodeRunStatus, rowCount int64, errMsg string) error {
	if j.db == nil {
		return fmt.Errorf("journal not opened")
	}

	now := time.Now().UTC()
	var errorPtr *string
	if errMsg != "" {
		errorPtr = &errMsg
	}

	var startedAt time.Time
	err := j.db.QueryRow(`SELECT started_at FROM node_runs WHERE id = ?`, id).Scan(&startedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("node run not found: %s", id)
	}
	if err != nil {
		return fmt.Errorf("failed to get node run start time: %w", err)
	}

	executionMS := now.Sub(startedAt).Milliseconds()

	_, err = j.db.Exec(
		`UPDATE node_runs SET status = ?, row_count = ?, completed_at = ?, error = ?, execution_ms = ? WHERE id = ?`,
		status, rowCount, now, errorPtr, executionMS, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update node run: %w", err)
	}

	return nil
}

// GetNodeRunsForRun retrieves all node runs for a given run.
func (j *SQLiteJournal) GetNodeRunsForRun(runID string) ([]*core.NodeRun, error) {
	if j.db == nil {
		return nil, fmt.Errorf("journal not opened")
	}

	rows, err := j.db.Query(
		`SELECT id, run_id, node_id, status, table_name, query_hash, row_count, started_at, completed_at, error, execution_ms
		 FROM node_runs WHERE run_id = ? ORDER BY started_at`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get node runs: %w", err)
	}
	defer rows.Close()

	var nodeRuns []*core.NodeRun
	for rows.Next() {
		nr, err := scanNodeRun(rows)
		if err != nil {
			return nil, err
		}
		nodeRuns = append(nodeRuns, nr)
	}

	return nodeRuns, rows.Err()
}

// GetLatestNodeRun retrieves the most recent run for a node, or nil if
// the node has never run.
func (j *SQLiteJournal) GetLatestNodeRun(nodeID string) (*core.NodeRun, error) {
	if j.db == nil {
		return nil, fmt.Errorf("journal not opened")
	}

	row := j.db.QueryRow(
		`SELECT id, run_id, node_id, status, table_name, query_hash, row_count, started_at, completed_at, error, execution_ms
		 FROM node_runs WHERE node_id = ? ORDER BY started_at DESC LIMIT 1`,
		nodeID,
	)

	nr, err := scanNodeRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return nr, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNodeRun(row rowScanner) (*core.NodeRun, error) {
	nr := &core.NodeRun{}
	var tableName, queryHash, errMsg sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(&nr.ID, &nr.RunID, &nr.NodeID, &nr.Status, &tableName, &queryHash,
		&nr.RowCount, &nr.StartedAt, &completedAt, &errMsg, &nr.ExecutionMS)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan node run: %w", err)
	}

	nr.TableName = tableName.String
	nr.QueryHash = queryHash.String
	nr.Error = errMsg.String
	if completedAt.Valid {
		nr.CompletedAt = &completedAt.Time
	}

	return nr, nil
}

// Ensure SQLiteJournal implements the Journal interface
var _ core.Journal = (*SQLiteJournal)(nil)
