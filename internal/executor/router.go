package executor

import (
	"context"
	"fmt"

	"github.com/loomworks/loom/internal/runs"
	"github.com/loomworks/loom/internal/services"
)

// Router is the top-level adapter the processor invokes. Slices of the
// reserved "tasks" service run on the task runtime and may suspend; every
// other slice is a plain service call that resolves within the slice.
type Router struct {
	tasks    Adapter
	services *services.Registry
}

// NewRouter builds a router over the task runtime and service registry.
func NewRouter(tasks Adapter, reg *services.Registry) *Router {
	return &Router{tasks: tasks, services: reg}
}

// Run dispatches one slice.
func (r *Router) Run(ctx context.Context, sr *runs.StackRun) (Outcome, error) {
	if sr.ServiceName == runs.TaskService {
		if r.tasks == nil {
			return Outcome{}, fmt.Errorf("executor: no task runtime configured")
		}
		return r.tasks.Run(ctx, sr)
	}

	result, err := r.services.Invoke(ctx, sr.ServiceName, sr.MethodName, sr.Args)
	if err != nil {
		// Service errors are task errors: terminal outcomes that propagate
		// up the chain, not engine failures.
		return Failed(err.Error()), nil
	}
	return Completed(result), nil
}
