package core

import "time"

// Journal defines the interface for run history persistence.
type Journal interface {
	Open(path string) error
	Close() error

	// Run operations
	CreateRun(environment, trigger string) (*Run, error)
	GetRun(id string) (*Run, error)
	CompleteRun(id string, status RunStatus, errMsg string) error
	ListRuns(limit int) ([]*Run, error)

	// Node run operations
	RecordNodeRun(nodeRun *NodeRun) error
	UpdateNodeRun(id string, status NodeRunStatus, rowCount int64, errMsg string) error
	GetNodeRunsForRun(runID string) ([]*NodeRun, error)
	GetLatestNodeRun(nodeID string) (*NodeRun, error)
}

// RunStatus represents the status of a processing session.
type RunStatus string

// Run status constants.
const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Run represents one processing session (a batch run or a watch session).
type Run struct {
	ID          string
	Environment string
	Trigger     string
	Status      RunStatus
	StartedAt   time.Time
	CompletedAt *time.Time
	Error       string
}

// NodeRunStatus represents the status of an individual node execution.
type NodeRunStatus string

// Node run status constants.
const (
	NodeRunStatusPending NodeRunStatus = "pending"
	NodeRunStatusRunning NodeRunStatus = "running"
	NodeRunStatusSuccess NodeRunStatus = "success"
	NodeRunStatusFailed  NodeRunStatus = "failed"
	NodeRunStatusSkipped NodeRunStatus = "skipped"
	NodeRunStatusReused  NodeRunStatus = "reused"
)

// NodeRun represents a single materialization attempt within a run.
type NodeRun struct {
	ID          string
	RunID       string
	NodeID      string
	Status      NodeRunStatus
	TableName   string
	QueryHash   string
	RowCount    int64
	StartedAt   time.Time
	CompletedAt *time.Time
	Error       string
	ExecutionMS int64
}
