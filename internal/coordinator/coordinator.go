// Package coordinator serializes engine operations. Operations enter a
// FIFO queue; a single drain loop executes them one at a time, so the
// engine never sees concurrent statements. Queued operations can be
// cleared, lose their context, or go stale before they run; all three are
// detected at dequeue and the operation is skipped without executing.
package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCleared is returned to waiters whose queued operation was removed by
// ClearPending before it ran.
var ErrCleared = errors.New("operation cleared before execution")

// ErrStale is returned to waiters whose queued operation was obsoleted by
// a newer change before it ran. A fresher operation is responsible for
// the node now.
var ErrStale = errors.New("operation stale before execution")

// Operation is one unit of serialized engine work.
type Operation struct {
	// NodeID names the node the operation serves, for logging.
	NodeID string
	// Run does the engine work. It receives the submitter's context.
	Run func(ctx context.Context) error
	// Stale, if set, is consulted at dequeue time. Returning true skips
	// the operation.
	Stale func() bool
}

type queuedOp struct {
	Operation
	ctx       context.Context
	done      chan error
	cancelled bool
}

// Coordinator owns the operation queue and the executing flag.
type Coordinator struct {
	mu        sync.Mutex
	pending   []*queuedOp
	executing bool
	logger    *slog.Logger
}

// New creates a coordinator.
func New(logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Coordinator{logger: logger}
}

// Execute enqueues an operation and blocks until it completes, is
// skipped, or ctx ends. The first submitter after an idle period starts
// the drain loop; later submitters just queue behind it.
//
// If ctx ends while the operation is still queued, Execute returns
// ctx.Err() immediately. The operation itself stays queued and is
// discarded at dequeue because its context is dead.
//
// An operation's Run must not submit to the same coordinator and wait on
// the result; the drain loop would be waiting on itself.
func (c *Coordinator) Execute(ctx context.Context, op Operation) error {
	q := &queuedOp{
		Operation: op,
		ctx:       ctx,
		done:      make(chan error, 1),
	}

	c.mu.Lock()
	c.pending = append(c.pending, q)
	start := !c.executing
	if start {
		c.executing = true
	}
	depth := len(c.pending)
	c.mu.Unlock()

	c.logger.Debug("operation enqueued", "node", op.NodeID, "queue_depth", depth, "starts_drain", start)

	if start {
		go c.drain()
	}

	select {
	case err := <-q.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ClearPending marks every queued operation cancelled. The operations
// stay in the queue and are discarded at dequeue; their waiters receive
// ErrCleared. The currently executing operation is not touched.
func (c *Coordinator) ClearPending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	cleared := 0
	for _, q := range c.pending {
		if !q.cancelled {
			q.cancelled = true
			cleared++
		}
	}
	if cleared > 0 {
		c.logger.Debug("cleared pending operations", "count", cleared)
	}
	return cleared
}

// PendingCount returns the number of queued operations, including
// cancelled ones that have not been dequeued yet.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// drain executes queued operations in FIFO order until the queue is
// empty, then clears the executing flag and exits. Exactly one drain
// loop exists at a time.
func (c *Coordinator) drain() {
	for {
		c.mu.Lock()
		if len(c.pending) == 0 {
			c.executing = false
			c.mu.Unlock()
			return
		}
		q := c.pending[0]
		c.pending = c.pending[1:]
		cancelled := q.cancelled
		c.mu.Unlock()

		switch {
		case cancelled:
			c.logger.Debug("skipping cleared operation", "node", q.NodeID)
			q.done <- ErrCleared
		case q.ctx.Err() != nil:
			c.logger.Debug("skipping operation with dead context", "node", q.NodeID)
			q.done <- q.ctx.Err()
		case q.Stale != nil && q.Stale():
			c.logger.Debug("skipping stale operation", "node", q.NodeID)
			q.done <- ErrStale
		default:
			start := time.Now()
			err := q.Run(q.ctx)
			if err != nil {
				c.logger.Debug("operation failed", "node", q.NodeID, "duration_ms", time.Since(start).Milliseconds(), "error", err)
			} else {
				c.logger.Debug("operation completed", "node", q.NodeID, "duration_ms", time.Since(start).Milliseconds())
			}
			q.done <- err
		}
	}
}
