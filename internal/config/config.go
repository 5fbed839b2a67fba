// Package config loads the Loom configuration: a JSONC file with
// ${{ .Env.VAR }} templates, plus an optional .env file.
package config

import "time"

// Config is the root configuration for Loom.
type Config struct {
	Gateway    GatewayConfig    `json:"gateway"`
	Store      StoreConfig      `json:"store"`
	Trigger    TriggerConfig    `json:"trigger"`
	Reconciler ReconcilerConfig `json:"reconciler"`
	Events     EventsConfig     `json:"events"`
	Tasks      TasksConfig      `json:"tasks"`
}

// GatewayConfig holds the gateway server settings.
type GatewayConfig struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// StoreConfig holds the run database settings.
type StoreConfig struct {
	Path string `json:"path"` // sqlite file (default: $LOOM_PATH/runs.db)

	// Encrypt seals continuation blobs at rest with an age key. The key is
	// generated on first use at KeyFile.
	Encrypt bool   `json:"encrypt,omitempty"`
	KeyFile string `json:"key_file,omitempty"` // default: $LOOM_PATH/.age-key
}

// TriggerConfig selects the chaining transport.
type TriggerConfig struct {
	// Endpoint is the processor URL triggers are posted to. Empty means
	// in-process dispatch.
	Endpoint string `json:"endpoint,omitempty"`

	// Workers bounds concurrent slice executions for in-process dispatch.
	// Zero means one goroutine per trigger.
	Workers   int `json:"workers,omitempty"`
	QueueSize int `json:"queue_size,omitempty"`
}

// ReconcilerConfig tunes the stalled-run sweep.
type ReconcilerConfig struct {
	Interval   Duration `json:"interval"`    // sweep period
	Threshold  Duration `json:"threshold"`   // liveness threshold
	MaxRetries int      `json:"max_retries"` // requeues before failing a run
}

// EventsConfig holds event bus settings.
type EventsConfig struct {
	BufferSize int    `json:"buffer_size"`
	LogDir     string `json:"log_dir,omitempty"` // JSONL event log (empty = disabled)
}

// TasksConfig configures the wasm task runtime.
type TasksConfig struct {
	Dir string `json:"dir"` // task manifest directory (default: $LOOM_PATH/tasks)
}

// Duration wraps time.Duration for JSON unmarshaling.
type Duration time.Duration

func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	// Remove quotes
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}
