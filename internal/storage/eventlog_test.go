package storage

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/loomworks/loom/internal/events"
)

func waitForFile(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(path); err == nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("log file never appeared: %s", path)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func readLines(t *testing.T, path string) []events.Event {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()

	var out []events.Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev events.Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			t.Fatalf("bad JSONL line %q: %v", scanner.Text(), err)
		}
		out = append(out, ev)
	}
	return out
}

func TestEventLoggerWritesPerTaskRun(t *testing.T) {
	dir := t.TempDir()
	bus := events.NewBus(16)
	defer bus.Close()

	logger := NewEventLogger(dir, bus)
	defer logger.Close()

	bus.Publish(events.NewEvent(events.EventRunClaimed, events.SourceProcessor, "trun_aaa", map[string]any{
		"stack_run_id": "srun_1",
	}))
	bus.Publish(events.NewEvent(events.EventRunCompleted, events.SourceProcessor, "trun_aaa", nil))
	bus.Publish(events.NewEvent(events.EventTaskSubmitted, events.SourceGateway, "trun_bbb", nil))

	aPath := filepath.Join(dir, "trun_aaa.jsonl")
	bPath := filepath.Join(dir, "trun_bbb.jsonl")
	waitForFile(t, aPath)
	waitForFile(t, bPath)

	deadline := time.Now().Add(2 * time.Second)
	for len(readLines(t, aPath)) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("trun_aaa log has %d lines, want 2", len(readLines(t, aPath)))
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Handlers run concurrently, so assert on membership, not order.
	seen := map[events.EventType]events.Event{}
	for _, ev := range readLines(t, aPath) {
		seen[ev.Type] = ev
	}
	if _, ok := seen[events.EventRunCompleted]; !ok {
		t.Error("missing run.completed event")
	}
	claimed, ok := seen[events.EventRunClaimed]
	if !ok {
		t.Fatal("missing run.claimed event")
	}
	if claimed.Payload["stack_run_id"] != "srun_1" {
		t.Errorf("payload: got %v", claimed.Payload)
	}

	b := readLines(t, bPath)
	if len(b) != 1 || b[0].Type != events.EventTaskSubmitted {
		t.Errorf("trun_bbb events: got %v", b)
	}
}

func TestEventLoggerGlobalFallback(t *testing.T) {
	dir := t.TempDir()
	bus := events.NewBus(16)
	defer bus.Close()

	logger := NewEventLogger(dir, bus)
	defer logger.Close()

	bus.Publish(events.NewEvent(events.EventSweepRetriggered, events.SourceReconciler, "", nil))

	waitForFile(t, filepath.Join(dir, "_global.jsonl"))
}
