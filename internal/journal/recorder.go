package journal

import (
	"log/slog"
	"sync"

	"github.com/tracescope-labs/tracescope/internal/processor"
	"github.com/tracescope-labs/tracescope/pkg/core"
)

// Recorder translates processor lifecycle events into journal rows for a
// single run. A node run row is opened when analysis completes (that is the
// first moment the query hash is known) and closed by FinishNode with the
// final status. Journal failures are logged and swallowed so that recording
// problems never interfere with execution.
type Recorder struct {
	journal core.Journal
	runID   string
	logger  *slog.Logger

	mu   sync.Mutex
	open map[string]string // node ID -> node_runs row ID
}

// NewRecorder creates a recorder for the given run.
func NewRecorder(j core.Journal, runID string, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Recorder{
		journal: j,
		runID:   runID,
		logger:  logger,
		open:    make(map[string]string),
	}
}

// Hooks returns processor hooks that open a journal row per analyzed node.
func (r *Recorder) Hooks() processor.Hooks {
	return processor.Hooks{
		OnAnalysisComplete: r.nodeAnalyzed,
	}
}

func (r *Recorder) nodeAnalyzed(nodeID, hash string) {
	table, _ := core.TableName(nodeID)
	nr := &core.NodeRun{
		RunID:     r.runID,
		NodeID:    nodeID,
		Status:    core.NodeRunStatusRunning,
		TableName: table,
		QueryHash: hash,
	}
	if err := r.journal.RecordNodeRun(nr); err != nil {
		r.logger.Warn("failed to record node run", "node", nodeID, "error", err)
		return
	}

	r.mu.Lock()
	r.open[nodeID] = nr.ID
	r.mu.Unlock()
}

// FinishNode closes the node's journal row using the processing outcome. A
// node that failed before analysis completed has no open row yet; one is
// created so the failure still shows up in history.
func (r *Recorder) FinishNode(nodeID string, out *processor.Outcome, err error) {
	r.mu.Lock()
	id, ok := r.open[nodeID]
	delete(r.open, nodeID)
	r.mu.Unlock()

	if err != nil {
		if !ok {
			nr := &core.NodeRun{RunID: r.runID, NodeID: nodeID, Status: core.NodeRunStatusFailed}
			if recErr := r.journal.RecordNodeRun(nr); recErr != nil {
				r.logger.Warn("failed to record node failure", "node", nodeID, "error", recErr)
				return
			}
			id = nr.ID
		}
		if updErr := r.journal.UpdateNodeRun(id, core.NodeRunStatusFailed, 0, err.Error()); updErr != nil {
			r.logger.Warn("failed to record node failure", "node", nodeID, "error", updErr)
		}
		return
	}

	if !ok || out == nil {
		// Nothing was analyzed (no-op or manual-required outcome).
		return
	}

	var rows int64
	if out.Result != nil {
		rows = out.Result.RowCount
	}

	status := core.NodeRunStatusSuccess
	switch out.Action {
	case processor.ActionReused:
		status = core.NodeRunStatusReused
	case processor.ActionSkipped:
		status = core.NodeRunStatusSkipped
		rows = 0
	}

	if updErr := r.journal.UpdateNodeRun(id, status, rows, ""); updErr != nil {
		r.logger.Warn("failed to update node run", "node", nodeID, "error", updErr)
	}
}
