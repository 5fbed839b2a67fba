// Package reconciler is the fallback sweep behind the trigger chain. Lost
// triggers and crashed invocations leave runs stuck in live states; the
// sweep re-fires them, and past a retry budget fails them through the normal
// completion path. It is the only component allowed to change a run's status
// without an adapter invocation.
package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loomworks/loom/internal/engine"
	"github.com/loomworks/loom/internal/events"
	"github.com/loomworks/loom/internal/runs"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/trigger"
)

// Config tunes the sweep.
type Config struct {
	Interval   time.Duration // sweep period (default 15s)
	Threshold  time.Duration // liveness threshold (default 30s)
	MaxRetries int           // requeues before a run is failed (default 3)
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 15 * time.Second
	}
	if c.Threshold <= 0 {
		c.Threshold = 30 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
}

// Reconciler periodically re-drives stalled stack runs.
type Reconciler struct {
	store store.Store
	proc  *engine.Processor
	trig  trigger.Trigger
	bus   *events.Bus
	cfg   Config
	cron  *cron.Cron
}

// New creates a reconciler over the store and processor.
func New(st store.Store, proc *engine.Processor, trig trigger.Trigger, bus *events.Bus, cfg Config) *Reconciler {
	cfg.applyDefaults()
	return &Reconciler{store: st, proc: proc, trig: trig, bus: bus, cfg: cfg}
}

// Start schedules the periodic sweep.
func (r *Reconciler) Start(ctx context.Context) {
	r.cron = cron.New()
	r.cron.Schedule(cron.Every(r.cfg.Interval), cron.FuncJob(func() {
		if err := r.SweepOnce(ctx); err != nil {
			slog.Error("reconciler sweep failed", "error", err)
		}
	}))
	r.cron.Start()
	slog.Info("reconciler started", "interval", r.cfg.Interval, "threshold", r.cfg.Threshold)
}

// Stop halts the sweep schedule.
func (r *Reconciler) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
}

// SweepOnce scans for runs untouched past the liveness threshold and
// re-drives each one. Also used as crash recovery at startup with a zero
// threshold, which catches everything left in flight.
func (r *Reconciler) SweepOnce(ctx context.Context) error {
	return r.sweep(ctx, time.Now().Add(-r.cfg.Threshold))
}

// RecoverAll re-drives every live run regardless of age. Called once at
// startup, before the gateway accepts traffic.
func (r *Reconciler) RecoverAll(ctx context.Context) error {
	return r.sweep(ctx, time.Now())
}

func (r *Reconciler) sweep(ctx context.Context, cutoff time.Time) error {
	stalled, err := r.store.ListStalled(ctx, cutoff)
	if err != nil {
		return err
	}

	for _, sr := range stalled {
		switch sr.Status {
		case runs.StackPending:
			// Trigger went missing; fire it again. Processing is
			// idempotent, so a late duplicate is harmless.
			slog.Info("re-firing stalled pending run", "stack_run_id", sr.ID, "retries", sr.RetryCount)
			r.publish(events.EventSweepRetriggered, sr)
			r.trig.Fire(ctx, sr.ID)

		case runs.StackProcessing:
			if sr.RetryCount >= r.cfg.MaxRetries {
				msg := "stack run timed out: retry budget exhausted"
				slog.Warn("failing stalled run", "stack_run_id", sr.ID, "retries", sr.RetryCount)
				r.publish(events.EventSweepFailed, sr)
				if err := r.proc.FailRun(ctx, sr.ID, msg); err != nil {
					slog.Error("fail stalled run", "stack_run_id", sr.ID, "error", err)
				}
				continue
			}
			if _, err := r.store.Requeue(ctx, sr.ID); err != nil {
				if !errors.Is(err, store.ErrAlreadyClaimed) {
					slog.Error("requeue stalled run", "stack_run_id", sr.ID, "error", err)
				}
				continue
			}
			slog.Info("requeued stalled run", "stack_run_id", sr.ID, "retries", sr.RetryCount+1)
			r.publish(events.EventSweepRetriggered, sr)
			r.trig.Fire(ctx, sr.ID)

		case runs.StackSuspended:
			// A suspended parent is inert by design; its child drives the
			// chain and surfaces in this sweep itself when stalled. Only a
			// dangling waiting pointer means the chain is truly broken.
			child, err := r.store.GetStackRun(ctx, sr.WaitingOnStackRunID)
			if errors.Is(err, store.ErrNotFound) {
				slog.Error("suspended run waits on missing child",
					"stack_run_id", sr.ID, "child_id", sr.WaitingOnStackRunID)
				r.publish(events.EventSweepFailed, sr)
				if err := r.proc.FailRun(ctx, sr.ID, "waiting on nonexistent stack run"); err != nil {
					slog.Error("fail orphaned parent", "stack_run_id", sr.ID, "error", err)
				}
				continue
			}
			if err != nil {
				slog.Error("inspect suspended run", "stack_run_id", sr.ID, "error", err)
				continue
			}
			if child.Status.Terminal() && sr.WaitingOnStackRunID == child.ID {
				// Child resolved but the resume was lost. Replay it.
				slog.Info("replaying lost resume", "stack_run_id", sr.ID, "child_id", child.ID)
				r.publish(events.EventSweepRetriggered, sr)
				if err := r.proc.ReplayResolve(ctx, child.ID); err != nil {
					slog.Error("replay resume", "child_id", child.ID, "error", err)
				}
			}
		}
	}
	return nil
}

func (r *Reconciler) publish(t events.EventType, sr *runs.StackRun) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(events.NewEvent(t, events.SourceReconciler, sr.ParentTaskRunID, map[string]any{
		"stack_run_id": sr.ID,
		"status":       string(sr.Status),
		"retries":      sr.RetryCount,
	}))
}
