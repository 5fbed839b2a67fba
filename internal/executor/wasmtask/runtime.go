package wasmtask

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	extism "github.com/extism/go-sdk"

	"github.com/loomworks/loom/internal/codec"
	"github.com/loomworks/loom/internal/executor"
	"github.com/loomworks/loom/internal/runs"
)

// sliceInput is what the guest's "run" export receives.
type sliceInput struct {
	Task string          `json:"task"`
	Args json.RawMessage `json:"args,omitempty"`

	// Set only on resume: the state the guest handed back at suspension,
	// and the resolved outcome of the call it was waiting for.
	State  []byte          `json:"state,omitempty"`
	Resume json.RawMessage `json:"resume,omitempty"`
}

// sliceOutput is what the guest's "run" export returns.
type sliceOutput struct {
	Status string          `json:"status"` // "completed" | "failed" | "suspended"
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`

	// Suspended only: the one external call this slice wants, plus the
	// guest state to replay when its result arrives.
	Call   *executor.Call `json:"call,omitempty"`
	CallID string         `json:"call_id,omitempty"`
	State  []byte         `json:"state,omitempty"`
}

// Runtime loads task modules and runs their slices. Implements
// executor.Adapter for the reserved "tasks" service.
type Runtime struct {
	mu      sync.RWMutex
	plugins map[string]*extism.Plugin
}

// NewRuntime creates an empty wasm task runtime.
func NewRuntime() *Runtime {
	return &Runtime{plugins: make(map[string]*extism.Plugin)}
}

// LoadDir loads every *.json manifest under dir.
func (r *Runtime) LoadDir(ctx context.Context, dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("wasmtask: read task dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		m, err := LoadManifest(filepath.Join(dir, e.Name()))
		if err != nil {
			slog.Warn("skipping task manifest", "file", e.Name(), "error", err)
			continue
		}
		if err := r.Load(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

// Load instantiates the wasm module behind a manifest.
func (r *Runtime) Load(ctx context.Context, m *Manifest) error {
	em := buildExtismManifest(m)

	plugin, err := extism.NewPlugin(ctx, em, extism.PluginConfig{EnableWasi: true}, hostFunctions(m.Name))
	if err != nil {
		return fmt.Errorf("wasmtask: load task %q: %w", m.Name, err)
	}
	if !plugin.FunctionExists("run") {
		plugin.Close(ctx)
		return fmt.Errorf("wasmtask: task %q missing required \"run\" export", m.Name)
	}

	r.mu.Lock()
	r.plugins[m.Name] = plugin
	r.mu.Unlock()

	slog.Info("task module loaded", "task", m.Name, "wasm", m.WasmPath)
	return nil
}

// Run executes one slice of the task named by the stack run's method.
func (r *Runtime) Run(ctx context.Context, sr *runs.StackRun) (executor.Outcome, error) {
	r.mu.RLock()
	plugin, ok := r.plugins[sr.MethodName]
	r.mu.RUnlock()
	if !ok {
		// Unknown task is a task error, attributable to this run.
		return executor.Failed(fmt.Sprintf("unknown task %q", sr.MethodName)), nil
	}

	in := sliceInput{Task: sr.MethodName, Args: sr.Args}
	if sr.Resuming() {
		cont, err := codec.Decode(sr.Continuation)
		if err != nil {
			// Undecodable continuation: surfaced as a failure of this run,
			// never a processor crash.
			return executor.Failed(fmt.Sprintf("decode continuation: %v", err)), nil
		}
		in.State = cont.Blob
		in.Resume = sr.ResumePayload
	}

	input, err := json.Marshal(in)
	if err != nil {
		return executor.Outcome{}, fmt.Errorf("wasmtask: marshal slice input: %w", err)
	}

	_, output, err := plugin.CallWithContext(ctx, "run", input)
	if err != nil {
		return executor.Failed(fmt.Sprintf("task %q: %v", sr.MethodName, err)), nil
	}

	var out sliceOutput
	if err := json.Unmarshal(output, &out); err != nil {
		return executor.Failed(fmt.Sprintf("task %q returned malformed outcome: %v", sr.MethodName, err)), nil
	}

	switch out.Status {
	case "completed":
		return executor.Completed(out.Result), nil
	case "failed":
		return executor.Failed(out.Error), nil
	case "suspended":
		if out.Call == nil {
			return executor.Failed(fmt.Sprintf("task %q suspended without a call", sr.MethodName)), nil
		}
		cont := codec.Encode(codec.Continuation{Blob: out.State, CallID: out.CallID})
		return executor.Suspended(*out.Call, cont), nil
	default:
		return executor.Failed(fmt.Sprintf("task %q returned unknown status %q", sr.MethodName, out.Status)), nil
	}
}

// Tasks returns the loaded task names.
func (r *Runtime) Tasks() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		names = append(names, name)
	}
	return names
}

// Close releases all loaded modules.
func (r *Runtime) Close(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, p := range r.plugins {
		if err := p.Close(ctx); err != nil {
			slog.Warn("close task module", "task", name, "error", err)
		}
	}
	r.plugins = nil
}

// hostLogMessage is the JSON structure for loom.log calls.
type hostLogMessage struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// hostFunctions builds the host API exposed to task modules. Deliberately
// tiny: task code reaches the outside world by suspending, not via host
// calls.
func hostFunctions(taskName string) []extism.HostFunction {
	logFn := extism.NewHostFunctionWithStack(
		"log",
		func(_ context.Context, p *extism.CurrentPlugin, stack []uint64) {
			input, err := p.ReadBytes(stack[0])
			if err != nil {
				slog.Error("host: failed to read log input", "task", taskName, "error", err)
				return
			}
			var msg hostLogMessage
			if err := json.Unmarshal(input, &msg); err != nil {
				slog.Warn("host: invalid log message", "task", taskName, "raw", string(input))
				return
			}
			switch msg.Level {
			case "debug":
				slog.Debug("task", "task", taskName, "msg", msg.Message)
			case "warn":
				slog.Warn("task", "task", taskName, "msg", msg.Message)
			case "error":
				slog.Error("task", "task", taskName, "msg", msg.Message)
			default:
				slog.Info("task", "task", taskName, "msg", msg.Message)
			}
		},
		[]extism.ValueType{extism.ValueTypePTR},
		nil,
	)
	logFn.SetNamespace("loom")
	return []extism.HostFunction{logFn}
}

var _ executor.Adapter = (*Runtime)(nil)
