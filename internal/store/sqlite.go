package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/loomworks/loom/internal/runs"
)

// ContinuationSealer encrypts continuation blobs at rest. Open must pass
// unsealed input through unchanged.
type ContinuationSealer interface {
	Seal(plain []byte) ([]byte, error)
	Open(blob []byte) ([]byte, error)
}

// Option configures the store.
type Option func(*SQLite)

// WithSealer encrypts continuations before they reach the database.
func WithSealer(sealer ContinuationSealer) Option {
	return func(s *SQLite) { s.sealer = sealer }
}

// SQLite is the Store implementation backed by a local sqlite database.
type SQLite struct {
	db     *sql.DB
	sealer ContinuationSealer
}

// OpenSQLite opens (and if needed creates) the run database at path.
func OpenSQLite(path string, opts ...Option) (*SQLite, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("store: create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	// modernc sqlite is single-writer; one connection avoids SQLITE_BUSY
	// churn under concurrent triggers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLite{db: db}
	for _, opt := range opts {
		opt(s)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) initSchema(ctx context.Context) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA foreign_keys=ON;`,
		`PRAGMA busy_timeout=5000;`,
		`
CREATE TABLE IF NOT EXISTS task_runs (
  id TEXT PRIMARY KEY,
  task_id TEXT NOT NULL,
  input TEXT,
  status TEXT NOT NULL,
  result TEXT,
  error TEXT NOT NULL DEFAULT '',
  waiting_on_stack_run_id TEXT NOT NULL DEFAULT '',
  cancelled INTEGER NOT NULL DEFAULT 0,
  created_at_ns INTEGER NOT NULL,
  updated_at_ns INTEGER NOT NULL,
  suspended_at_ns INTEGER NOT NULL DEFAULT 0,
  resumed_at_ns INTEGER NOT NULL DEFAULT 0,
  ended_at_ns INTEGER NOT NULL DEFAULT 0
);`,
		`
CREATE TABLE IF NOT EXISTS stack_runs (
  id TEXT PRIMARY KEY,
  parent_stack_run_id TEXT NOT NULL DEFAULT '',
  parent_task_run_id TEXT NOT NULL,
  service_name TEXT NOT NULL,
  method_name TEXT NOT NULL,
  args TEXT,
  status TEXT NOT NULL,
  result TEXT,
  error TEXT NOT NULL DEFAULT '',
  continuation BLOB,
  resume_payload TEXT,
  waiting_on_stack_run_id TEXT NOT NULL DEFAULT '',
  retry_count INTEGER NOT NULL DEFAULT 0,
  created_at_ns INTEGER NOT NULL,
  updated_at_ns INTEGER NOT NULL
);`,
		`CREATE INDEX IF NOT EXISTS idx_stack_runs_waiting ON stack_runs(waiting_on_stack_run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_stack_runs_task ON stack_runs(parent_task_run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_stack_runs_status ON stack_runs(status, updated_at_ns);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: init schema: %w", err)
		}
	}
	return nil
}

// CreateTaskRun inserts a queued task run.
func (s *SQLite) CreateTaskRun(ctx context.Context, taskID string, input json.RawMessage) (*runs.TaskRun, error) {
	return s.createTaskRun(ctx, s.db, taskID, input)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLite) createTaskRun(ctx context.Context, ex execer, taskID string, input json.RawMessage) (*runs.TaskRun, error) {
	now := time.Now()
	tr := &runs.TaskRun{
		ID:        runs.GenerateTaskRunID(),
		TaskID:    taskID,
		Input:     input,
		Status:    runs.TaskQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := ex.ExecContext(ctx,
		`INSERT INTO task_runs (id, task_id, input, status, created_at_ns, updated_at_ns)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		tr.ID, tr.TaskID, rawToDB(tr.Input), string(tr.Status), now.UnixNano(), now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("store: create task run: %w", err)
	}
	return tr, nil
}

// CreateRootStackRun inserts the pending root stack run and points the task
// run at it.
func (s *SQLite) CreateRootStackRun(ctx context.Context, taskRunID, taskID string, input json.RawMessage) (*runs.StackRun, error) {
	return s.createRootStackRun(ctx, s.db, taskRunID, taskID, input)
}

func (s *SQLite) createRootStackRun(ctx context.Context, ex execer, taskRunID, taskID string, input json.RawMessage) (*runs.StackRun, error) {
	now := time.Now()
	sr := &runs.StackRun{
		ID:              runs.GenerateStackRunID(),
		ParentTaskRunID: taskRunID,
		ServiceName:     runs.TaskService,
		MethodName:      taskID,
		Args:            input,
		Status:          runs.StackPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	_, err := ex.ExecContext(ctx,
		`INSERT INTO stack_runs (id, parent_task_run_id, service_name, method_name, args, status, created_at_ns, updated_at_ns)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sr.ID, sr.ParentTaskRunID, sr.ServiceName, sr.MethodName, rawToDB(sr.Args), string(sr.Status), now.UnixNano(), now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("store: create root stack run: %w", err)
	}
	_, err = ex.ExecContext(ctx,
		`UPDATE task_runs SET waiting_on_stack_run_id = ?, updated_at_ns = ? WHERE id = ?`,
		sr.ID, now.UnixNano(), taskRunID)
	if err != nil {
		return nil, fmt.Errorf("store: link root stack run: %w", err)
	}
	return sr, nil
}

// Submit creates the task run and its root stack run in one transaction.
func (s *SQLite) Submit(ctx context.Context, taskID string, input json.RawMessage) (*runs.TaskRun, *runs.StackRun, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("store: begin submit: %w", err)
	}
	defer tx.Rollback()

	tr, err := s.createTaskRun(ctx, tx, taskID, input)
	if err != nil {
		return nil, nil, err
	}
	sr, err := s.createRootStackRun(ctx, tx, tr.ID, taskID, input)
	if err != nil {
		return nil, nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, fmt.Errorf("store: commit submit: %w", err)
	}
	tr.WaitingOnStackRunID = sr.ID
	return tr, sr, nil
}

// Claim transitions pending→processing. The UPDATE's WHERE clause is the
// compare-and-set: under concurrent triggers exactly one caller sees a row
// change.
func (s *SQLite) Claim(ctx context.Context, stackRunID string) (*runs.StackRun, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE stack_runs SET status = ?, updated_at_ns = ? WHERE id = ? AND status = ?`,
		string(runs.StackProcessing), time.Now().UnixNano(), stackRunID, string(runs.StackPending))
	if err != nil {
		return nil, fmt.Errorf("store: claim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("store: claim rows: %w", err)
	}
	if n == 0 {
		if _, err := s.GetStackRun(ctx, stackRunID); err != nil {
			return nil, err
		}
		return nil, ErrAlreadyClaimed
	}
	return s.GetStackRun(ctx, stackRunID)
}

// Complete records a successful outcome. Re-applying to a terminal row is a
// no-op.
func (s *SQLite) Complete(ctx context.Context, stackRunID string, result json.RawMessage) error {
	return s.finishStackRun(ctx, stackRunID, runs.StackCompleted, result, "")
}

// Fail records a failed outcome. Re-applying to a terminal row is a no-op.
func (s *SQLite) Fail(ctx context.Context, stackRunID string, errMsg string) error {
	return s.finishStackRun(ctx, stackRunID, runs.StackFailed, nil, errMsg)
}

func (s *SQLite) finishStackRun(ctx context.Context, id string, status runs.StackStatus, result json.RawMessage, errMsg string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE stack_runs SET status = ?, result = ?, error = ?, waiting_on_stack_run_id = '', updated_at_ns = ?
		 WHERE id = ? AND status NOT IN (?, ?)`,
		string(status), rawToDB(result), errMsg, time.Now().UnixNano(),
		id, string(runs.StackCompleted), string(runs.StackFailed))
	if err != nil {
		return fmt.Errorf("store: finish stack run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetStackRun(ctx, id); err != nil {
			return err
		}
		// Already terminal — idempotent no-op.
	}
	return nil
}

// Suspend inserts the child and parks the parent in one transaction. A crash
// can never leave a suspended parent without its child, or vice versa.
func (s *SQLite) Suspend(ctx context.Context, parentID string, child *runs.StackRun, continuation []byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin suspend: %w", err)
	}
	defer tx.Rollback()

	var status, waitingOn string
	err = tx.QueryRowContext(ctx,
		`SELECT status, waiting_on_stack_run_id FROM stack_runs WHERE id = ?`, parentID).
		Scan(&status, &waitingOn)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("store: suspend lookup: %w", err)
	}
	switch runs.StackStatus(status) {
	case runs.StackSuspended:
		if waitingOn == child.ID {
			return nil // retried suspend of the same parent/child pair
		}
		return ErrChildOutstanding
	case runs.StackProcessing:
		// expected
	default:
		return fmt.Errorf("store: suspend from status %q: %w", status, ErrNotSuspended)
	}

	stored := continuation
	if s.sealer != nil {
		if stored, err = s.sealer.Seal(continuation); err != nil {
			return fmt.Errorf("store: seal continuation: %w", err)
		}
	}

	now := time.Now()
	child.Status = runs.StackPending
	child.CreatedAt = now
	child.UpdatedAt = now
	_, err = tx.ExecContext(ctx,
		`INSERT INTO stack_runs (id, parent_stack_run_id, parent_task_run_id, service_name, method_name, args, status, created_at_ns, updated_at_ns)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		child.ID, child.ParentStackRunID, child.ParentTaskRunID, child.ServiceName, child.MethodName,
		rawToDB(child.Args), string(child.Status), now.UnixNano(), now.UnixNano())
	if err != nil {
		return fmt.Errorf("store: insert child: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE stack_runs SET status = ?, continuation = ?, resume_payload = NULL, waiting_on_stack_run_id = ?, updated_at_ns = ?
		 WHERE id = ?`,
		string(runs.StackSuspended), stored, child.ID, now.UnixNano(), parentID)
	if err != nil {
		return fmt.Errorf("store: park parent: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit suspend: %w", err)
	}
	return nil
}

// Resume makes a suspended parent claimable again with the resume payload
// stored and the continuation intact.
func (s *SQLite) Resume(ctx context.Context, parentID string, payload json.RawMessage) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE stack_runs SET status = ?, resume_payload = ?, waiting_on_stack_run_id = '', updated_at_ns = ?
		 WHERE id = ? AND status = ?`,
		string(runs.StackPending), rawToDB(payload), time.Now().UnixNano(),
		parentID, string(runs.StackSuspended))
	if err != nil {
		return fmt.Errorf("store: resume: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetStackRun(ctx, parentID); err != nil {
			return err
		}
		// Already resumed (or terminal) — idempotent no-op under retry.
	}
	return nil
}

// Requeue resets a processing stack run to pending and bumps its retry count.
func (s *SQLite) Requeue(ctx context.Context, stackRunID string) (*runs.StackRun, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE stack_runs SET status = ?, retry_count = retry_count + 1, updated_at_ns = ?
		 WHERE id = ? AND status = ?`,
		string(runs.StackPending), time.Now().UnixNano(), stackRunID, string(runs.StackProcessing))
	if err != nil {
		return nil, fmt.Errorf("store: requeue: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, err
	} else if n == 0 {
		if _, err := s.GetStackRun(ctx, stackRunID); err != nil {
			return nil, err
		}
		return nil, ErrAlreadyClaimed
	}
	return s.GetStackRun(ctx, stackRunID)
}

// FindWaiter returns the stack run waiting on childID, or nil when the child
// has no parent (root slice).
func (s *SQLite) FindWaiter(ctx context.Context, childID string) (*runs.StackRun, error) {
	row := s.db.QueryRowContext(ctx,
		stackRunSelect+` WHERE waiting_on_stack_run_id = ?`, childID)
	sr, err := scanStackRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: find waiter: %w", err)
	}
	if err := s.unseal(sr); err != nil {
		return nil, err
	}
	return sr, nil
}

// unseal decrypts a stack run's continuation in place.
func (s *SQLite) unseal(sr *runs.StackRun) error {
	if s.sealer == nil || len(sr.Continuation) == 0 {
		return nil
	}
	plain, err := s.sealer.Open(sr.Continuation)
	if err != nil {
		return fmt.Errorf("store: open continuation of %s: %w", sr.ID, err)
	}
	sr.Continuation = plain
	return nil
}

const taskRunSelect = `SELECT id, task_id, input, status, result, error, waiting_on_stack_run_id, cancelled,
 created_at_ns, updated_at_ns, suspended_at_ns, resumed_at_ns, ended_at_ns FROM task_runs`

const stackRunSelect = `SELECT id, parent_stack_run_id, parent_task_run_id, service_name, method_name, args,
 status, result, error, continuation, resume_payload, waiting_on_stack_run_id, retry_count,
 created_at_ns, updated_at_ns FROM stack_runs`

// GetTaskRun reads a task run by id.
func (s *SQLite) GetTaskRun(ctx context.Context, id string) (*runs.TaskRun, error) {
	row := s.db.QueryRowContext(ctx, taskRunSelect+` WHERE id = ?`, id)
	tr, err := scanTaskRun(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get task run: %w", err)
	}
	return tr, nil
}

// GetStackRun reads a stack run by id.
func (s *SQLite) GetStackRun(ctx context.Context, id string) (*runs.StackRun, error) {
	row := s.db.QueryRowContext(ctx, stackRunSelect+` WHERE id = ?`, id)
	sr, err := scanStackRun(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get stack run: %w", err)
	}
	if err := s.unseal(sr); err != nil {
		return nil, err
	}
	return sr, nil
}

// ListStackRuns returns all stack runs of a task run, oldest first.
func (s *SQLite) ListStackRuns(ctx context.Context, taskRunID string) ([]*runs.StackRun, error) {
	rows, err := s.db.QueryContext(ctx,
		stackRunSelect+` WHERE parent_task_run_id = ? ORDER BY created_at_ns ASC`, taskRunID)
	if err != nil {
		return nil, fmt.Errorf("store: list stack runs: %w", err)
	}
	defer rows.Close()
	return s.collectStackRuns(rows)
}

// ListStalled returns live stack runs untouched since the cutoff.
func (s *SQLite) ListStalled(ctx context.Context, cutoff time.Time) ([]*runs.StackRun, error) {
	rows, err := s.db.QueryContext(ctx,
		stackRunSelect+` WHERE status IN (?, ?, ?) AND updated_at_ns < ? ORDER BY updated_at_ns ASC`,
		string(runs.StackPending), string(runs.StackProcessing), string(runs.StackSuspended),
		cutoff.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("store: list stalled: %w", err)
	}
	defer rows.Close()
	return s.collectStackRuns(rows)
}

// FinishTaskRun writes the terminal outcome of a task run. No-op when the
// task run is already terminal — terminal states are immutable.
func (s *SQLite) FinishTaskRun(ctx context.Context, id string, status runs.TaskStatus, result json.RawMessage, errMsg string) error {
	if !status.Terminal() {
		return fmt.Errorf("store: finish task run with non-terminal status %q", status)
	}
	now := time.Now().UnixNano()
	res, err := s.db.ExecContext(ctx,
		`UPDATE task_runs SET status = ?, result = ?, error = ?, waiting_on_stack_run_id = '', ended_at_ns = ?, updated_at_ns = ?
		 WHERE id = ? AND status NOT IN (?, ?)`,
		string(status), rawToDB(result), errMsg, now, now,
		id, string(runs.TaskCompleted), string(runs.TaskFailed))
	if err != nil {
		return fmt.Errorf("store: finish task run: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		if _, err := s.GetTaskRun(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// MarkTaskRunRunning flips a queued task run to running.
func (s *SQLite) MarkTaskRunRunning(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE task_runs SET status = ?, updated_at_ns = ? WHERE id = ? AND status = ?`,
		string(runs.TaskRunning), time.Now().UnixNano(), id, string(runs.TaskQueued))
	if err != nil {
		return fmt.Errorf("store: mark running: %w", err)
	}
	return nil
}

// MarkTaskRunSuspended parks the task run while its root chain waits.
func (s *SQLite) MarkTaskRunSuspended(ctx context.Context, id, waitingOn string) error {
	now := time.Now().UnixNano()
	_, err := s.db.ExecContext(ctx,
		`UPDATE task_runs SET status = ?, waiting_on_stack_run_id = ?, suspended_at_ns = ?, updated_at_ns = ?
		 WHERE id = ? AND status NOT IN (?, ?)`,
		string(runs.TaskSuspended), waitingOn, now, now,
		id, string(runs.TaskCompleted), string(runs.TaskFailed))
	if err != nil {
		return fmt.Errorf("store: mark suspended: %w", err)
	}
	return nil
}

// MarkTaskRunResumed clears the waiting pointer after a resume.
func (s *SQLite) MarkTaskRunResumed(ctx context.Context, id string) error {
	now := time.Now().UnixNano()
	_, err := s.db.ExecContext(ctx,
		`UPDATE task_runs SET status = ?, waiting_on_stack_run_id = '', resumed_at_ns = ?, updated_at_ns = ?
		 WHERE id = ? AND status = ?`,
		string(runs.TaskRunning), now, now, id, string(runs.TaskSuspended))
	if err != nil {
		return fmt.Errorf("store: mark resumed: %w", err)
	}
	return nil
}

// CancelTaskRun flags a non-terminal task run as cancelled.
func (s *SQLite) CancelTaskRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE task_runs SET cancelled = 1, updated_at_ns = ?
		 WHERE id = ? AND status NOT IN (?, ?)`,
		time.Now().UnixNano(), id, string(runs.TaskCompleted), string(runs.TaskFailed))
	if err != nil {
		return fmt.Errorf("store: cancel task run: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		if _, err := s.GetTaskRun(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTaskRun(row rowScanner) (*runs.TaskRun, error) {
	var tr runs.TaskRun
	var input, result sql.NullString
	var status string
	var cancelled int
	var created, updated, suspended, resumed, ended int64
	err := row.Scan(&tr.ID, &tr.TaskID, &input, &status, &result, &tr.Error,
		&tr.WaitingOnStackRunID, &cancelled, &created, &updated, &suspended, &resumed, &ended)
	if err != nil {
		return nil, err
	}
	tr.Input = dbToRaw(input)
	tr.Result = dbToRaw(result)
	tr.Status = runs.TaskStatus(status)
	tr.Cancelled = cancelled != 0
	tr.CreatedAt = time.Unix(0, created)
	tr.UpdatedAt = time.Unix(0, updated)
	tr.SuspendedAt = nsToTime(suspended)
	tr.ResumedAt = nsToTime(resumed)
	tr.EndedAt = nsToTime(ended)
	return &tr, nil
}

func scanStackRun(row rowScanner) (*runs.StackRun, error) {
	var sr runs.StackRun
	var args, result, resume sql.NullString
	var status string
	var created, updated int64
	err := row.Scan(&sr.ID, &sr.ParentStackRunID, &sr.ParentTaskRunID, &sr.ServiceName, &sr.MethodName,
		&args, &status, &result, &sr.Error, &sr.Continuation, &resume,
		&sr.WaitingOnStackRunID, &sr.RetryCount, &created, &updated)
	if err != nil {
		return nil, err
	}
	sr.Args = dbToRaw(args)
	sr.Result = dbToRaw(result)
	sr.ResumePayload = dbToRaw(resume)
	sr.Status = runs.StackStatus(status)
	sr.CreatedAt = time.Unix(0, created)
	sr.UpdatedAt = time.Unix(0, updated)
	return &sr, nil
}

func (s *SQLite) collectStackRuns(rows *sql.Rows) ([]*runs.StackRun, error) {
	var out []*runs.StackRun
	for rows.Next() {
		sr, err := scanStackRun(rows)
		if err != nil {
			return nil, err
		}
		if err := s.unseal(sr); err != nil {
			return nil, err
		}
		out = append(out, sr)
	}
	return out, rows.Err()
}

func rawToDB(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func dbToRaw(s sql.NullString) json.RawMessage {
	if !s.Valid || s.String == "" {
		return nil
	}
	return json.RawMessage(s.String)
}

func nsToTime(ns int64) *time.Time {
	if ns == 0 {
		return nil
	}
	t := time.Unix(0, ns)
	return &t
}
