// Package engine drives stack runs forward. Each Process call is one
// discrete, stateless step: claim a run, execute one slice, persist the
// outcome, and fire at most one downstream trigger. No goroutine ever owns a
// task across steps; everything a step needs lives in the store.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/loomworks/loom/internal/codec"
	"github.com/loomworks/loom/internal/events"
	"github.com/loomworks/loom/internal/executor"
	"github.com/loomworks/loom/internal/runs"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/trigger"
)

// Processor executes one stack run step per trigger.
type Processor struct {
	store   store.Store
	adapter executor.Adapter
	trig    trigger.Trigger
	bus     *events.Bus
}

// NewProcessor creates a processor. The trigger is attached separately with
// SetTrigger because local transports need the processor first.
func NewProcessor(st store.Store, adapter executor.Adapter, bus *events.Bus) *Processor {
	return &Processor{store: st, adapter: adapter, bus: bus}
}

// SetTrigger attaches the transport used to chain to the next run.
func (p *Processor) SetTrigger(t trigger.Trigger) {
	p.trig = t
}

// Process handles one trigger for a stack run. Duplicate triggers are
// idempotent no-ops; a returned error means the step must be retried (the
// run stays claimed until the reconciler requeues it).
func (p *Processor) Process(ctx context.Context, stackRunID string) error {
	sr, err := p.store.Claim(ctx, stackRunID)
	if errors.Is(err, store.ErrAlreadyClaimed) {
		slog.Debug("duplicate trigger", "stack_run_id", stackRunID)
		return nil
	}
	if errors.Is(err, store.ErrNotFound) {
		// Trigger referencing a nonexistent run: rejected, never silently
		// accepted as work.
		slog.Warn("trigger for unknown stack run", "stack_run_id", stackRunID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("engine: claim %s: %w", stackRunID, err)
	}

	p.publish(events.EventRunClaimed, sr, nil)

	tr, err := p.store.GetTaskRun(ctx, sr.ParentTaskRunID)
	if err != nil {
		return fmt.Errorf("engine: load task run %s: %w", sr.ParentTaskRunID, err)
	}

	var outcome executor.Outcome
	switch {
	case tr.Cancelled:
		outcome = executor.Failed("task run cancelled")
	default:
		if sr.IsRoot() && tr.Status == runs.TaskQueued {
			if err := p.store.MarkTaskRunRunning(ctx, tr.ID); err != nil {
				return err
			}
		}
		outcome, err = p.adapter.Run(ctx, sr)
		if err != nil {
			// Infrastructure failure: leave the run claimed; the
			// reconciler requeues it past the liveness threshold.
			return fmt.Errorf("engine: run slice %s: %w", sr.ID, err)
		}
	}

	switch outcome.Kind {
	case executor.KindCompleted:
		if err := p.store.Complete(ctx, sr.ID, outcome.Result); err != nil {
			return err
		}
		p.publish(events.EventRunCompleted, sr, nil)
		return p.resolve(ctx, sr, tr, outcome.Result, "")

	case executor.KindFailed:
		if err := p.store.Fail(ctx, sr.ID, outcome.Err); err != nil {
			return err
		}
		p.publish(events.EventRunFailed, sr, map[string]any{"error": outcome.Err})
		return p.resolve(ctx, sr, tr, nil, outcome.Err)

	case executor.KindSuspended:
		return p.suspend(ctx, sr, outcome)

	default:
		return fmt.Errorf("engine: adapter returned unknown outcome %q for %s", outcome.Kind, sr.ID)
	}
}

// suspend turns a Suspended outcome into a pending child plus a parent
// parked in suspended_waiting_child, then chains to the child. The store
// transaction guarantees the parent/child pair is created exactly once, so
// the one external call of this slice is effectively deduplicated.
func (p *Processor) suspend(ctx context.Context, sr *runs.StackRun, outcome executor.Outcome) error {
	child := &runs.StackRun{
		ID:               runs.GenerateStackRunID(),
		ParentStackRunID: sr.ID,
		ParentTaskRunID:  sr.ParentTaskRunID,
		ServiceName:      outcome.Call.Service,
		MethodName:       outcome.Call.Method,
		Args:             outcome.Call.Args,
	}

	if err := p.store.Suspend(ctx, sr.ID, child, outcome.Continuation); err != nil {
		if errors.Is(err, store.ErrChildOutstanding) {
			// A slice may not start a second call before its first is
			// resolved.
			slog.Error("causality violation rejected",
				"stack_run_id", sr.ID, "service", child.ServiceName, "method", child.MethodName)
		}
		return fmt.Errorf("engine: suspend %s: %w", sr.ID, err)
	}

	if err := p.store.MarkTaskRunSuspended(ctx, sr.ParentTaskRunID, child.ID); err != nil {
		return err
	}

	p.publish(events.EventRunSuspended, sr, map[string]any{
		"child_id":      child.ID,
		"child_service": child.ServiceName,
		"child_method":  child.MethodName,
	})

	// The parent is inert now; the child drives the chain forward.
	p.trig.Fire(ctx, child.ID)
	return nil
}

// resolve propagates a terminal stack run outcome: revive the waiting parent
// with the result injected, or, for the root, finish the owning task run.
func (p *Processor) resolve(ctx context.Context, sr *runs.StackRun, tr *runs.TaskRun, result json.RawMessage, errMsg string) error {
	parent, err := p.store.FindWaiter(ctx, sr.ID)
	if err != nil {
		return fmt.Errorf("engine: find waiter of %s: %w", sr.ID, err)
	}

	if parent != nil {
		payload := codec.ResumePayload{Result: result, Error: errMsg}
		if cont, err := codec.Decode(parent.Continuation); err == nil {
			payload.CallID = cont.CallID
		}

		if err := p.store.Resume(ctx, parent.ID, codec.EncodePayload(payload)); err != nil {
			return fmt.Errorf("engine: resume %s: %w", parent.ID, err)
		}
		if err := p.store.MarkTaskRunResumed(ctx, tr.ID); err != nil {
			return err
		}

		p.publish(events.EventRunResumed, parent, map[string]any{"child_id": sr.ID})
		p.trig.Fire(ctx, parent.ID)
		return nil
	}

	if !sr.IsRoot() {
		// A non-root slice whose parent no longer waits on it: its outcome
		// has already been delivered by an earlier retry.
		slog.Debug("no waiter for resolved run", "stack_run_id", sr.ID)
		return nil
	}

	// Root slice finished: the task run reaches the same terminal state.
	if errMsg != "" {
		if err := p.store.FinishTaskRun(ctx, tr.ID, runs.TaskFailed, nil, errMsg); err != nil {
			return err
		}
		p.publish(events.EventTaskFailed, sr, map[string]any{"error": errMsg})
		return nil
	}
	if err := p.store.FinishTaskRun(ctx, tr.ID, runs.TaskCompleted, result, ""); err != nil {
		return err
	}
	p.publish(events.EventTaskCompleted, sr, nil)
	return nil
}

// ReplayResolve re-runs outcome propagation for an already-terminal stack
// run. Covers the crash window between persisting a child's outcome and
// resuming its parent; Resume is idempotent, so replaying a delivered
// outcome is a no-op.
func (p *Processor) ReplayResolve(ctx context.Context, stackRunID string) error {
	sr, err := p.store.GetStackRun(ctx, stackRunID)
	if err != nil {
		return err
	}
	if !sr.Status.Terminal() {
		return fmt.Errorf("engine: replay of non-terminal run %s", sr.ID)
	}
	tr, err := p.store.GetTaskRun(ctx, sr.ParentTaskRunID)
	if err != nil {
		return err
	}
	return p.resolve(ctx, sr, tr, sr.Result, sr.Error)
}

// FailRun records a failure outcome for a stack run without an adapter
// invocation and propagates it through the normal completion path. Only the
// reconciler calls this, for runs past their retry budget.
func (p *Processor) FailRun(ctx context.Context, stackRunID, errMsg string) error {
	sr, err := p.store.GetStackRun(ctx, stackRunID)
	if err != nil {
		return err
	}
	tr, err := p.store.GetTaskRun(ctx, sr.ParentTaskRunID)
	if err != nil {
		return err
	}
	if err := p.store.Fail(ctx, sr.ID, errMsg); err != nil {
		return err
	}
	p.publish(events.EventRunFailed, sr, map[string]any{"error": errMsg})
	return p.resolve(ctx, sr, tr, nil, errMsg)
}

func (p *Processor) publish(t events.EventType, sr *runs.StackRun, payload map[string]any) {
	if p.bus == nil {
		return
	}
	if payload == nil {
		payload = map[string]any{}
	}
	payload["stack_run_id"] = sr.ID
	payload["service"] = sr.ServiceName
	payload["method"] = sr.MethodName
	p.bus.Publish(events.NewEvent(t, events.SourceProcessor, sr.ParentTaskRunID, payload))
}
