// Package store is the relational persistence layer for task runs and stack
// runs. It owns the atomic claim and suspend primitives everything else
// builds on: the pending→processing compare-and-set is the only lock in the
// system, and Suspend's transaction is what keeps the run forest consistent
// across crashes.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/loomworks/loom/internal/runs"
)

var (
	// ErrNotFound is returned when a referenced run does not exist.
	ErrNotFound = errors.New("store: run not found")

	// ErrAlreadyClaimed is returned by Claim when the stack run is not
	// pending. Duplicate triggers hit this and back off.
	ErrAlreadyClaimed = errors.New("store: stack run already claimed")

	// ErrChildOutstanding is returned by Suspend when the parent already
	// waits on a live child. A slice may have at most one call in flight.
	ErrChildOutstanding = errors.New("store: parent already waiting on a child")

	// ErrNotSuspended is returned by Resume when the parent is not waiting.
	ErrNotSuspended = errors.New("store: stack run is not suspended")
)

// Store is the persistence contract for the engine. All mutations are
// idempotent under retry: re-applying a terminal write to an already-terminal
// row is a no-op, never an error that aborts the caller.
type Store interface {
	// CreateTaskRun inserts a queued task run.
	CreateTaskRun(ctx context.Context, taskID string, input json.RawMessage) (*runs.TaskRun, error)

	// CreateRootStackRun inserts the pending root stack run for a task run
	// and points the task run at it.
	CreateRootStackRun(ctx context.Context, taskRunID, taskID string, input json.RawMessage) (*runs.StackRun, error)

	// Submit performs CreateTaskRun and CreateRootStackRun in one
	// transaction, so a crash can never leave a task run without its root.
	Submit(ctx context.Context, taskID string, input json.RawMessage) (*runs.TaskRun, *runs.StackRun, error)

	// Claim transitions a pending stack run to processing. Exactly one of N
	// concurrent claims succeeds; the rest get ErrAlreadyClaimed.
	Claim(ctx context.Context, stackRunID string) (*runs.StackRun, error)

	// Complete records a successful outcome. No-op if already terminal.
	Complete(ctx context.Context, stackRunID string, result json.RawMessage) error

	// Fail records a failed outcome. No-op if already terminal.
	Fail(ctx context.Context, stackRunID string, errMsg string) error

	// Suspend atomically inserts the pending child and transitions the
	// processing parent to suspended_waiting_child with the continuation
	// stored, as a single transaction.
	Suspend(ctx context.Context, parentID string, child *runs.StackRun, continuation []byte) error

	// Resume makes a suspended parent claimable again: status back to
	// pending, resume payload stored, continuation intact.
	Resume(ctx context.Context, parentID string, payload json.RawMessage) error

	// Requeue resets a processing stack run to pending and bumps its retry
	// count. Used by the reconciler and crash recovery, never the hot path.
	Requeue(ctx context.Context, stackRunID string) (*runs.StackRun, error)

	// FindWaiter returns the stack run waiting on the given child, or nil.
	FindWaiter(ctx context.Context, childID string) (*runs.StackRun, error)

	GetTaskRun(ctx context.Context, id string) (*runs.TaskRun, error)
	GetStackRun(ctx context.Context, id string) (*runs.StackRun, error)

	// ListStackRuns returns all stack runs of a task run, oldest first.
	// Partial progress stays inspectable after the task run ends.
	ListStackRuns(ctx context.Context, taskRunID string) ([]*runs.StackRun, error)

	// ListStalled returns live stack runs whose updated_at is older than
	// the cutoff, for the reconciler sweep.
	ListStalled(ctx context.Context, cutoff time.Time) ([]*runs.StackRun, error)

	// FinishTaskRun writes the terminal status of a task run. No-op if the
	// task run is already terminal.
	FinishTaskRun(ctx context.Context, id string, status runs.TaskStatus, result json.RawMessage, errMsg string) error

	// MarkTaskRunRunning flips a queued task run to running.
	MarkTaskRunRunning(ctx context.Context, id string) error

	// MarkTaskRunSuspended records that the task run's root chain is parked
	// waiting on the given stack run.
	MarkTaskRunSuspended(ctx context.Context, id, waitingOnStackRunID string) error

	// MarkTaskRunResumed clears the waiting pointer after a resume.
	MarkTaskRunResumed(ctx context.Context, id string) error

	// CancelTaskRun flags a non-terminal task run as cancelled. The flag is
	// honored at claim time by the processor.
	CancelTaskRun(ctx context.Context, id string) error

	Close() error
}
