package trigger

import (
	"context"
	"log/slog"
	"sync"
)

// Pool dispatches triggers to a fixed set of workers over a bounded queue.
// Unlike Local it caps concurrent slice executions, so a burst of chained
// triggers cannot exhaust the process. A full queue drops the trigger; the
// reconciler re-fires dropped runs on its next sweep.
type Pool struct {
	proc    Processor
	queue   chan string
	workers int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a pool of workers over proc. queueSize bounds the number of
// triggers waiting for a worker.
func NewPool(proc Processor, workers, queueSize int) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Pool{
		proc:    proc,
		queue:   make(chan string, queueSize),
		workers: workers,
	}
}

// Start launches the worker goroutines.
func (p *Pool) Start() {
	p.ctx, p.cancel = context.WithCancel(context.Background())
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.work()
	}
	slog.Info("trigger pool started", "workers", p.workers, "queue", cap(p.queue))
}

// Stop drains nothing: in-flight steps finish, queued triggers are abandoned
// to the reconciler.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	slog.Info("trigger pool stopped")
}

// Fire enqueues the stack run for a worker. Never blocks.
func (p *Pool) Fire(ctx context.Context, stackRunID string) {
	select {
	case p.queue <- stackRunID:
	default:
		slog.Warn("trigger queue full, dropping; reconciler will re-fire", "stack_run_id", stackRunID)
	}
}

func (p *Pool) work() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case id := <-p.queue:
			// Detached so shutdown does not abort a step mid-write.
			if err := p.proc.Process(context.WithoutCancel(p.ctx), id); err != nil {
				slog.Error("trigger: process failed", "stack_run_id", id, "error", err)
			}
		}
	}
}
