// Package trigger delivers "process this stack run" signals. The engine
// never polls: every state change that makes another run processable fires
// exactly one downstream trigger. Delivery is asynchronous and at-least-once;
// the claim CAS makes duplicates harmless and the reconciler covers losses.
package trigger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Trigger fires processing of a stack run. Fire must not block on the run
// actually being processed; it returns once delivery has been handed off.
type Trigger interface {
	Fire(ctx context.Context, stackRunID string)
}

// Func adapts a function to the Trigger interface.
type Func func(ctx context.Context, stackRunID string)

// Fire calls f.
func (f Func) Fire(ctx context.Context, stackRunID string) {
	f(ctx, stackRunID)
}

// Processor is the subset of the engine a local trigger drives.
type Processor interface {
	Process(ctx context.Context, stackRunID string) error
}

// Local dispatches triggers to an in-process processor on fresh goroutines.
// Used by single-process deployments and tests.
type Local struct {
	proc Processor
	wg   sync.WaitGroup
}

// NewLocal creates a local trigger over proc.
func NewLocal(proc Processor) *Local {
	return &Local{proc: proc}
}

// Fire processes the stack run on a new goroutine. Each invocation is an
// independent unit that reads everything it needs from the store.
func (l *Local) Fire(ctx context.Context, stackRunID string) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if err := l.proc.Process(context.WithoutCancel(ctx), stackRunID); err != nil {
			slog.Error("trigger: process failed", "stack_run_id", stackRunID, "error", err)
		}
	}()
}

// Wait blocks until all fired triggers have been processed. Test helper.
func (l *Local) Wait() {
	l.wg.Wait()
}

// HTTP posts stack run ids to a processor endpoint, fire-and-forget, with a
// bounded retry. Lost deliveries are recovered by the reconciler sweep.
type HTTP struct {
	endpoint string
	client   *http.Client
	attempts int
	backoff  time.Duration
}

// NewHTTP creates an HTTP trigger posting to endpoint.
func NewHTTP(endpoint string) *HTTP {
	return &HTTP{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
		attempts: 3,
		backoff:  250 * time.Millisecond,
	}
}

type triggerRequest struct {
	StackRunID string `json:"stack_run_id"`
}

// Fire delivers the trigger on a background goroutine.
func (h *HTTP) Fire(ctx context.Context, stackRunID string) {
	go func() {
		ctx := context.WithoutCancel(ctx)
		body, _ := json.Marshal(triggerRequest{StackRunID: stackRunID})

		backoff := h.backoff
		var lastErr error
		for attempt := 0; attempt < h.attempts; attempt++ {
			if attempt > 0 {
				time.Sleep(backoff)
				backoff *= 2
			}
			if lastErr = h.post(ctx, body); lastErr == nil {
				return
			}
		}
		slog.Warn("trigger: delivery failed, reconciler will retry",
			"stack_run_id", stackRunID, "endpoint", h.endpoint, "error", lastErr)
	}()
}

func (h *HTTP) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("trigger: endpoint returned %s", resp.Status)
	}
	return nil
}
