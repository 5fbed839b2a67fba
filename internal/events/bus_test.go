package events

import (
	"sync"
	"testing"
	"time"
)

func TestBusPublishSubscribe(t *testing.T) {
	bus := NewBus(64)
	defer bus.Close()

	var mu sync.Mutex
	var received []Event

	bus.Subscribe(func(e Event) {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
	}, EventRunClaimed)

	bus.Publish(NewEvent(EventRunClaimed, SourceProcessor, "trun_1", nil))
	bus.Publish(NewEvent(EventRunCompleted, SourceProcessor, "trun_1", nil))

	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	if len(received) != 1 {
		t.Fatalf("expected 1 event, got %d", len(received))
	}
	if received[0].Type != EventRunClaimed {
		t.Errorf("expected run.claimed, got %s", received[0].Type)
	}
	if received[0].TaskRunID != "trun_1" {
		t.Errorf("expected trun_1, got %s", received[0].TaskRunID)
	}
}

func TestBusSubscribeAll(t *testing.T) {
	bus := NewBus(64)
	defer bus.Close()

	var mu sync.Mutex
	count := 0

	bus.Subscribe(func(e Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})

	bus.Publish(NewEvent(EventTaskSubmitted, SourceGateway, "trun_1", nil))
	bus.Publish(NewEvent(EventRunSuspended, SourceProcessor, "trun_1", nil))

	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()

	if count != 2 {
		t.Errorf("expected 2 events, got %d", count)
	}
}

func TestBusHistory(t *testing.T) {
	bus := NewBus(64)
	defer bus.Close()

	for i := 0; i < 3; i++ {
		bus.Publish(NewEvent(EventRunClaimed, SourceProcessor, "trun_1", map[string]any{"i": i}))
	}

	time.Sleep(50 * time.Millisecond)

	history := bus.History(10)
	if len(history) != 3 {
		t.Fatalf("expected 3 events in history, got %d", len(history))
	}
}

func TestRingBuffer(t *testing.T) {
	rb := NewRingBuffer(3)

	for i := 0; i < 5; i++ {
		rb.Add(NewEvent(EventRunClaimed, SourceProcessor, "", map[string]any{"i": i}))
	}

	events := rb.Get(10)
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	if events[2].Payload["i"] != 4 {
		t.Errorf("expected newest event last, got %v", events[2].Payload["i"])
	}
}
