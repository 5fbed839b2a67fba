// Package runs defines the persistent records of the suspend/resume engine:
// task runs (user-visible executions) and stack runs (individual slices).
package runs

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TaskStatus is the lifecycle state of a task run.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "queued"
	TaskRunning   TaskStatus = "running"
	TaskSuspended TaskStatus = "suspended"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
)

// Terminal reports whether the task run can no longer change state.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed
}

// StackStatus is the lifecycle state of a stack run.
type StackStatus string

const (
	StackPending    StackStatus = "pending"
	StackProcessing StackStatus = "processing"
	StackSuspended  StackStatus = "suspended_waiting_child"
	StackCompleted  StackStatus = "completed"
	StackFailed     StackStatus = "failed"
)

// Terminal reports whether the stack run can no longer change state.
func (s StackStatus) Terminal() bool {
	return s == StackCompleted || s == StackFailed
}

// Live reports whether the stack run still participates in its causal chain.
func (s StackStatus) Live() bool {
	return s == StackPending || s == StackProcessing || s == StackSuspended
}

// TaskRun is a persistent, user-visible execution instance. One per external
// submission; never deleted. Its terminal result or error always equals the
// terminal outcome of its root stack run.
type TaskRun struct {
	ID                  string          `json:"id"`
	TaskID              string          `json:"task_id"`
	Input               json.RawMessage `json:"input,omitempty"`
	Status              TaskStatus      `json:"status"`
	Result              json.RawMessage `json:"result,omitempty"`
	Error               string          `json:"error,omitempty"`
	WaitingOnStackRunID string          `json:"waiting_on_stack_run_id,omitempty"`
	Cancelled           bool            `json:"cancelled,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
	SuspendedAt         *time.Time      `json:"suspended_at,omitempty"`
	ResumedAt           *time.Time      `json:"resumed_at,omitempty"`
	EndedAt             *time.Time      `json:"ended_at,omitempty"`
}

// StackRun is one slice of execution: either the root task, or a single
// external call made by a parent slice. Stack runs form a forest rooted at
// task runs; a parent waits on at most one live child at a time.
type StackRun struct {
	ID               string          `json:"id"`
	ParentStackRunID string          `json:"parent_stack_run_id,omitempty"`
	ParentTaskRunID  string          `json:"parent_task_run_id"`
	ServiceName      string          `json:"service_name"`
	MethodName       string          `json:"method_name"`
	Args             json.RawMessage `json:"args,omitempty"`
	Status           StackStatus     `json:"status"`
	Result           json.RawMessage `json:"result,omitempty"`
	Error            string          `json:"error,omitempty"`

	// Continuation is the opaque blob a suspended slice left behind. The
	// engine stores and replays it verbatim; only the executor adapter can
	// interpret it.
	Continuation []byte `json:"continuation,omitempty"`

	// ResumePayload carries the resolved child outcome to inject on resume.
	ResumePayload json.RawMessage `json:"resume_payload,omitempty"`

	WaitingOnStackRunID string    `json:"waiting_on_stack_run_id,omitempty"`
	RetryCount          int       `json:"retry_count"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// IsRoot reports whether this stack run is the root slice of its task run.
func (r *StackRun) IsRoot() bool {
	return r.ParentStackRunID == ""
}

// Resuming reports whether this stack run has a pending child result to
// inject, i.e. it is past its first generation.
func (r *StackRun) Resuming() bool {
	return len(r.Continuation) > 0 && len(r.ResumePayload) > 0
}

// TaskService is the reserved service name for slices executed by the task
// runtime. Any other service name is dispatched to a service adapter.
const TaskService = "tasks"

// GenerateTaskRunID creates a unique task run identifier.
func GenerateTaskRunID() string {
	u := uuid.New().String()
	return "trun_" + strings.ReplaceAll(u[:13], "-", "")
}

// GenerateStackRunID creates a unique stack run identifier.
func GenerateStackRunID() string {
	u := uuid.New().String()
	return "srun_" + strings.ReplaceAll(u[:13], "-", "")
}
