package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoadJSONCWithComments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.jsonc")
	writeFile(t, path, `{
  // gateway settings
  "gateway": {
    "host": "0.0.0.0",
    "port": 9000, // trailing comma below too
  },
  "reconciler": {
    "interval": "5s",
    "threshold": "1m",
  },
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Host != "0.0.0.0" || cfg.Gateway.Port != 9000 {
		t.Errorf("gateway: got %s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
	}
	if cfg.Reconciler.Interval.Duration() != 5*time.Second {
		t.Errorf("interval: got %v", cfg.Reconciler.Interval.Duration())
	}
	if cfg.Reconciler.Threshold.Duration() != time.Minute {
		t.Errorf("threshold: got %v", cfg.Reconciler.Threshold.Duration())
	}
	// Unset fields still get defaults.
	if cfg.Reconciler.MaxRetries != 3 {
		t.Errorf("max retries default: got %d", cfg.Reconciler.MaxRetries)
	}
	if cfg.Events.BufferSize != 1024 {
		t.Errorf("buffer size default: got %d", cfg.Events.BufferSize)
	}
}

func TestLoadExpandsEnvTemplates(t *testing.T) {
	t.Setenv("LOOM_TEST_DB", "/tmp/loom-test.db")

	path := filepath.Join(t.TempDir(), "config.jsonc")
	writeFile(t, path, `{
  "store": { "path": "${{ .Env.LOOM_TEST_DB }}" },
  "trigger": { "endpoint": "${{.Env.LOOM_TEST_MISSING}}" }
}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Store.Path != "/tmp/loom-test.db" {
		t.Errorf("store path: got %q", cfg.Store.Path)
	}
	// Missing vars expand to empty, which falls back to in-process dispatch.
	if cfg.Trigger.Endpoint != "" {
		t.Errorf("endpoint: got %q", cfg.Trigger.Endpoint)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Gateway.Host != "127.0.0.1" || cfg.Gateway.Port != 18720 {
		t.Errorf("gateway: got %s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
	}
	if cfg.Store.Path == "" {
		t.Error("store path default missing")
	}
	if cfg.Reconciler.Interval.Duration() != 15*time.Second {
		t.Errorf("interval: got %v", cfg.Reconciler.Interval.Duration())
	}
}

func TestLoadDotenv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	writeFile(t, path, `
# comment
LOOM_DOTENV_A=plain
LOOM_DOTENV_B="double quoted"
LOOM_DOTENV_C='single quoted'
LOOM_DOTENV_KEPT=new-value
not-a-pair
`)

	t.Setenv("LOOM_DOTENV_KEPT", "original")
	for _, k := range []string{"LOOM_DOTENV_A", "LOOM_DOTENV_B", "LOOM_DOTENV_C"} {
		os.Unsetenv(k)
		defer os.Unsetenv(k)
	}

	if err := LoadDotenv(path); err != nil {
		t.Fatalf("LoadDotenv: %v", err)
	}
	if got := os.Getenv("LOOM_DOTENV_A"); got != "plain" {
		t.Errorf("A: got %q", got)
	}
	if got := os.Getenv("LOOM_DOTENV_B"); got != "double quoted" {
		t.Errorf("B: got %q", got)
	}
	if got := os.Getenv("LOOM_DOTENV_C"); got != "single quoted" {
		t.Errorf("C: got %q", got)
	}
	// Existing vars are never overridden.
	if got := os.Getenv("LOOM_DOTENV_KEPT"); got != "original" {
		t.Errorf("KEPT: got %q", got)
	}
}

func TestLoadDotenvMissingFile(t *testing.T) {
	if err := LoadDotenv(filepath.Join(t.TempDir(), "nope.env")); err != nil {
		t.Errorf("missing dotenv: %v", err)
	}
}
