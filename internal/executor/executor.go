// Package executor defines the boundary to the runtime that actually
// executes task code. The engine hands an adapter one stack run, the adapter
// runs exactly one slice, and returns one of three outcomes. A slice performs
// at most one external call before returning Suspended or finishing; that
// bound is what makes the engine's causal ordering provable.
package executor

import (
	"context"
	"encoding/json"

	"github.com/loomworks/loom/internal/runs"
)

// Kind tags an Outcome.
type Kind string

const (
	KindCompleted Kind = "completed"
	KindFailed    Kind = "failed"
	KindSuspended Kind = "suspended"
)

// Call describes the external call a suspended slice wants made: the uniform
// (service, method, args) triple every external operation reduces to.
type Call struct {
	Service string          `json:"service"`
	Method  string          `json:"method"`
	Args    json.RawMessage `json:"args,omitempty"`
}

// Outcome is the result of running one slice.
type Outcome struct {
	Kind   Kind
	Result json.RawMessage // KindCompleted
	Err    string          // KindFailed

	// KindSuspended: the requested call plus the encoded continuation the
	// engine must store verbatim and replay on resume.
	Call         Call
	Continuation []byte
}

// Completed builds a successful outcome.
func Completed(result json.RawMessage) Outcome {
	return Outcome{Kind: KindCompleted, Result: result}
}

// Failed builds a failed outcome.
func Failed(msg string) Outcome {
	return Outcome{Kind: KindFailed, Err: msg}
}

// Suspended builds a suspension outcome.
func Suspended(call Call, continuation []byte) Outcome {
	return Outcome{Kind: KindSuspended, Call: call, Continuation: continuation}
}

// Adapter runs one slice of a stack run. For a fresh run it starts from the
// run's args; for a resumed run (continuation and resume payload set) it
// continues from the exact suspension point with the child result injected.
// Run must be side-effect-free to retry apart from the one external call it
// may request, which the engine deduplicates through the child row.
type Adapter interface {
	Run(ctx context.Context, sr *runs.StackRun) (Outcome, error)
}

// AdapterFunc adapts a function to the Adapter interface.
type AdapterFunc func(ctx context.Context, sr *runs.StackRun) (Outcome, error)

// Run calls f.
func (f AdapterFunc) Run(ctx context.Context, sr *runs.StackRun) (Outcome, error) {
	return f(ctx, sr)
}
