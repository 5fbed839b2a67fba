package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/loomworks/loom/internal/runs"
	"github.com/loomworks/loom/internal/secrets"
)

func newTestStore(t *testing.T) *SQLite {
	t.Helper()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSubmitCreatesPair(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tr, root, err := s.Submit(ctx, "greet", json.RawMessage(`{"x":1}`))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if tr.Status != runs.TaskQueued {
		t.Errorf("task status: got %q, want %q", tr.Status, runs.TaskQueued)
	}
	if root.Status != runs.StackPending {
		t.Errorf("root status: got %q, want %q", root.Status, runs.StackPending)
	}
	if root.ServiceName != runs.TaskService || root.MethodName != "greet" {
		t.Errorf("root call: got %s.%s", root.ServiceName, root.MethodName)
	}
	if !root.IsRoot() {
		t.Error("root should have no parent stack run")
	}

	got, err := s.GetTaskRun(ctx, tr.ID)
	if err != nil {
		t.Fatalf("GetTaskRun: %v", err)
	}
	if got.WaitingOnStackRunID != root.ID {
		t.Errorf("task waiting pointer: got %q, want %q", got.WaitingOnStackRunID, root.ID)
	}
	if string(got.Input) != `{"x":1}` {
		t.Errorf("input: got %s", got.Input)
	}
}

func TestClaimTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, root, err := s.Submit(ctx, "greet", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	claimed, err := s.Claim(ctx, root.ID)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if claimed.Status != runs.StackProcessing {
		t.Errorf("status: got %q, want %q", claimed.Status, runs.StackProcessing)
	}

	if _, err := s.Claim(ctx, root.ID); err != ErrAlreadyClaimed {
		t.Errorf("second claim: got %v, want ErrAlreadyClaimed", err)
	}
	if _, err := s.Claim(ctx, "srun_missing"); err != ErrNotFound {
		t.Errorf("missing claim: got %v, want ErrNotFound", err)
	}
}

func TestConcurrentClaimsExactlyOneWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, root, err := s.Submit(ctx, "greet", nil)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	const workers = 16
	var wg sync.WaitGroup
	results := make(chan error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Claim(ctx, root.ID)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	wins, losses := 0, 0
	for err := range results {
		switch err {
		case nil:
			wins++
		case ErrAlreadyClaimed:
			losses++
		default:
			t.Fatalf("unexpected claim error: %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("wins: got %d, want 1", wins)
	}
	if losses != workers-1 {
		t.Errorf("losses: got %d, want %d", losses, workers-1)
	}
}

func TestSuspendInsertsChildAtomically(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tr, root, _ := s.Submit(ctx, "greet", nil)
	if _, err := s.Claim(ctx, root.ID); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	child := &runs.StackRun{
		ID:               runs.GenerateStackRunID(),
		ParentStackRunID: root.ID,
		ParentTaskRunID:  tr.ID,
		ServiceName:      "echo",
		MethodName:       "echo",
		Args:             json.RawMessage(`"hi"`),
	}
	cont := []byte("opaque-state")

	if err := s.Suspend(ctx, root.ID, child, cont); err != nil {
		t.Fatalf("Suspend: %v", err)
	}

	parent, err := s.GetStackRun(ctx, root.ID)
	if err != nil {
		t.Fatalf("GetStackRun parent: %v", err)
	}
	if parent.Status != runs.StackSuspended {
		t.Errorf("parent status: got %q, want %q", parent.Status, runs.StackSuspended)
	}
	if parent.WaitingOnStackRunID != child.ID {
		t.Errorf("waiting pointer: got %q, want %q", parent.WaitingOnStackRunID, child.ID)
	}
	if string(parent.Continuation) != "opaque-state" {
		t.Errorf("continuation: got %q", parent.Continuation)
	}

	got, err := s.GetStackRun(ctx, child.ID)
	if err != nil {
		t.Fatalf("GetStackRun child: %v", err)
	}
	if got.Status != runs.StackPending {
		t.Errorf("child status: got %q, want %q", got.Status, runs.StackPending)
	}

	// Retrying the same parent/child pair is a no-op.
	if err := s.Suspend(ctx, root.ID, child, cont); err != nil {
		t.Errorf("idempotent suspend retry: %v", err)
	}
}

func TestSuspendRejectsSecondChild(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tr, root, _ := s.Submit(ctx, "greet", nil)
	s.Claim(ctx, root.ID)

	first := &runs.StackRun{
		ID: runs.GenerateStackRunID(), ParentStackRunID: root.ID, ParentTaskRunID: tr.ID,
		ServiceName: "echo", MethodName: "echo",
	}
	if err := s.Suspend(ctx, root.ID, first, []byte("s1")); err != nil {
		t.Fatalf("first Suspend: %v", err)
	}

	second := &runs.StackRun{
		ID: runs.GenerateStackRunID(), ParentStackRunID: root.ID, ParentTaskRunID: tr.ID,
		ServiceName: "echo", MethodName: "echo",
	}
	if err := s.Suspend(ctx, root.ID, second, []byte("s2")); err != ErrChildOutstanding {
		t.Errorf("second Suspend: got %v, want ErrChildOutstanding", err)
	}

	// The rejected child must not exist.
	if _, err := s.GetStackRun(ctx, second.ID); err != ErrNotFound {
		t.Errorf("rejected child lookup: got %v, want ErrNotFound", err)
	}
}

func TestResumeRestoresClaimability(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tr, root, _ := s.Submit(ctx, "greet", nil)
	s.Claim(ctx, root.ID)

	child := &runs.StackRun{
		ID: runs.GenerateStackRunID(), ParentStackRunID: root.ID, ParentTaskRunID: tr.ID,
		ServiceName: "echo", MethodName: "echo",
	}
	if err := s.Suspend(ctx, root.ID, child, []byte("frozen")); err != nil {
		t.Fatalf("Suspend: %v", err)
	}

	payload := json.RawMessage(`{"result":"pong"}`)
	if err := s.Resume(ctx, root.ID, payload); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	parent, _ := s.GetStackRun(ctx, root.ID)
	if parent.Status != runs.StackPending {
		t.Errorf("status after resume: got %q, want %q", parent.Status, runs.StackPending)
	}
	if string(parent.Continuation) != "frozen" {
		t.Errorf("continuation must survive resume: got %q", parent.Continuation)
	}
	if string(parent.ResumePayload) != string(payload) {
		t.Errorf("resume payload: got %s", parent.ResumePayload)
	}
	if parent.WaitingOnStackRunID != "" {
		t.Errorf("waiting pointer should clear, got %q", parent.WaitingOnStackRunID)
	}
	if !parent.Resuming() {
		t.Error("parent should report Resuming")
	}

	// Replayed resume is a no-op, not an error.
	if err := s.Resume(ctx, root.ID, payload); err != nil {
		t.Errorf("replayed resume: %v", err)
	}
}

func TestCompleteIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, root, _ := s.Submit(ctx, "greet", nil)
	s.Claim(ctx, root.ID)

	result := json.RawMessage(`"done"`)
	if err := s.Complete(ctx, root.ID, result); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := s.Complete(ctx, root.ID, json.RawMessage(`"other"`)); err != nil {
		t.Fatalf("repeated Complete: %v", err)
	}

	sr, _ := s.GetStackRun(ctx, root.ID)
	if sr.Status != runs.StackCompleted {
		t.Errorf("status: got %q", sr.Status)
	}
	if string(sr.Result) != `"done"` {
		t.Errorf("result must not change on replay: got %s", sr.Result)
	}

	// Fail after complete is also a no-op.
	if err := s.Fail(ctx, root.ID, "late failure"); err != nil {
		t.Fatalf("Fail after Complete: %v", err)
	}
	sr, _ = s.GetStackRun(ctx, root.ID)
	if sr.Status != runs.StackCompleted {
		t.Errorf("terminal status flipped: got %q", sr.Status)
	}
}

func TestFindWaiter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tr, root, _ := s.Submit(ctx, "greet", nil)
	s.Claim(ctx, root.ID)

	child := &runs.StackRun{
		ID: runs.GenerateStackRunID(), ParentStackRunID: root.ID, ParentTaskRunID: tr.ID,
		ServiceName: "echo", MethodName: "echo",
	}
	s.Suspend(ctx, root.ID, child, []byte("x"))

	waiter, err := s.FindWaiter(ctx, child.ID)
	if err != nil {
		t.Fatalf("FindWaiter: %v", err)
	}
	if waiter == nil || waiter.ID != root.ID {
		t.Fatalf("waiter: got %+v, want %s", waiter, root.ID)
	}

	// The root has no waiter.
	waiter, err = s.FindWaiter(ctx, root.ID)
	if err != nil {
		t.Fatalf("FindWaiter root: %v", err)
	}
	if waiter != nil {
		t.Errorf("root waiter: got %+v, want nil", waiter)
	}
}

func TestListStackRunsFormsTree(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tr, root, _ := s.Submit(ctx, "greet", nil)
	s.Claim(ctx, root.ID)

	child := &runs.StackRun{
		ID: runs.GenerateStackRunID(), ParentStackRunID: root.ID, ParentTaskRunID: tr.ID,
		ServiceName: "echo", MethodName: "echo",
	}
	s.Suspend(ctx, root.ID, child, []byte("x"))

	list, err := s.ListStackRuns(ctx, tr.ID)
	if err != nil {
		t.Fatalf("ListStackRuns: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("list length: got %d, want 2", len(list))
	}

	byID := make(map[string]*runs.StackRun, len(list))
	for _, sr := range list {
		byID[sr.ID] = sr
	}
	roots := 0
	for _, sr := range list {
		if sr.IsRoot() {
			roots++
			continue
		}
		if _, ok := byID[sr.ParentStackRunID]; !ok {
			t.Errorf("orphaned stack run %s: parent %s missing", sr.ID, sr.ParentStackRunID)
		}
		if sr.ParentTaskRunID != tr.ID {
			t.Errorf("stack run %s belongs to %s, want %s", sr.ID, sr.ParentTaskRunID, tr.ID)
		}
	}
	if roots != 1 {
		t.Errorf("roots: got %d, want 1", roots)
	}
}

func TestListStalled(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, root, _ := s.Submit(ctx, "greet", nil)
	s.Claim(ctx, root.ID)

	stalled, err := s.ListStalled(ctx, time.Now().Add(time.Second))
	if err != nil {
		t.Fatalf("ListStalled: %v", err)
	}
	if len(stalled) != 1 || stalled[0].ID != root.ID {
		t.Fatalf("stalled: got %v", stalled)
	}

	// A fresh cutoff in the past matches nothing.
	stalled, err = s.ListStalled(ctx, time.Now().Add(-time.Minute))
	if err != nil {
		t.Fatalf("ListStalled past: %v", err)
	}
	if len(stalled) != 0 {
		t.Errorf("stalled with past cutoff: got %d, want 0", len(stalled))
	}
}

func TestRequeueBumpsRetry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, root, _ := s.Submit(ctx, "greet", nil)
	s.Claim(ctx, root.ID)

	sr, err := s.Requeue(ctx, root.ID)
	if err != nil {
		t.Fatalf("Requeue: %v", err)
	}
	if sr.Status != runs.StackPending {
		t.Errorf("status: got %q, want pending", sr.Status)
	}
	if sr.RetryCount != 1 {
		t.Errorf("retry count: got %d, want 1", sr.RetryCount)
	}

	// Requeue of a non-processing run is rejected.
	if _, err := s.Requeue(ctx, root.ID); err != ErrAlreadyClaimed {
		t.Errorf("requeue pending: got %v, want ErrAlreadyClaimed", err)
	}
}

func TestFinishTaskRunIsFinal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tr, _, _ := s.Submit(ctx, "greet", nil)

	if err := s.FinishTaskRun(ctx, tr.ID, runs.TaskCompleted, json.RawMessage(`"ok"`), ""); err != nil {
		t.Fatalf("FinishTaskRun: %v", err)
	}
	if err := s.FinishTaskRun(ctx, tr.ID, runs.TaskFailed, nil, "late"); err != nil {
		t.Fatalf("second FinishTaskRun: %v", err)
	}

	got, _ := s.GetTaskRun(ctx, tr.ID)
	if got.Status != runs.TaskCompleted {
		t.Errorf("terminal status flipped: got %q", got.Status)
	}
	if string(got.Result) != `"ok"` {
		t.Errorf("result: got %s", got.Result)
	}
	if got.EndedAt == nil {
		t.Error("ended_at not set")
	}
}

func TestSealedContinuationRoundTrip(t *testing.T) {
	dir := t.TempDir()
	sealer, err := secrets.OpenSealer(filepath.Join(dir, ".age-key"))
	if err != nil {
		t.Fatalf("OpenSealer: %v", err)
	}
	s, err := OpenSQLite(filepath.Join(dir, "runs.db"), WithSealer(sealer))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	tr, root, _ := s.Submit(ctx, "greet", nil)
	s.Claim(ctx, root.ID)

	child := &runs.StackRun{
		ID: runs.GenerateStackRunID(), ParentStackRunID: root.ID, ParentTaskRunID: tr.ID,
		ServiceName: "echo", MethodName: "echo",
	}
	cont := []byte("sensitive-frame-state")
	if err := s.Suspend(ctx, root.ID, child, cont); err != nil {
		t.Fatalf("Suspend: %v", err)
	}

	// Reads see the plaintext.
	parent, err := s.GetStackRun(ctx, root.ID)
	if err != nil {
		t.Fatalf("GetStackRun: %v", err)
	}
	if string(parent.Continuation) != "sensitive-frame-state" {
		t.Errorf("continuation: got %q", parent.Continuation)
	}
	waiter, err := s.FindWaiter(ctx, child.ID)
	if err != nil {
		t.Fatalf("FindWaiter: %v", err)
	}
	if string(waiter.Continuation) != "sensitive-frame-state" {
		t.Errorf("waiter continuation: got %q", waiter.Continuation)
	}

	// The database row does not.
	var raw []byte
	err = s.db.QueryRowContext(ctx,
		`SELECT continuation FROM stack_runs WHERE id = ?`, root.ID).Scan(&raw)
	if err != nil {
		t.Fatalf("raw select: %v", err)
	}
	if !secrets.IsSealed(raw) {
		t.Errorf("stored continuation is not sealed: %q", raw)
	}
}

func TestCancelTaskRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tr, _, _ := s.Submit(ctx, "greet", nil)

	if err := s.CancelTaskRun(ctx, tr.ID); err != nil {
		t.Fatalf("CancelTaskRun: %v", err)
	}
	got, _ := s.GetTaskRun(ctx, tr.ID)
	if !got.Cancelled {
		t.Error("cancelled flag not set")
	}

	if err := s.CancelTaskRun(ctx, "trun_missing"); err != ErrNotFound {
		t.Errorf("cancel missing: got %v, want ErrNotFound", err)
	}
}
