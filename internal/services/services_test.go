package services

import (
	"context"
	"encoding/json"
	"slices"
	"testing"
)

func TestRegistryInvoke(t *testing.T) {
	r := NewRegistry()
	r.Register("upper", ServiceFunc(func(_ context.Context, method string, args json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`"` + method + `"`), nil
	}))

	out, err := r.Invoke(context.Background(), "upper", "shout", nil)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if string(out) != `"shout"` {
		t.Errorf("result: got %s", out)
	}
}

func TestRegistryUnknownService(t *testing.T) {
	r := NewRegistry()
	if _, err := r.Invoke(context.Background(), "nope", "m", nil); err == nil {
		t.Error("expected error for unknown service")
	}
}

func TestRegistryNames(t *testing.T) {
	r := NewRegistry()
	RegisterBuiltins(r)

	names := r.Names()
	slices.Sort(names)
	want := []string{"clock", "echo", "math"}
	if !slices.Equal(names, want) {
		t.Errorf("names: got %v, want %v", names, want)
	}
}

func TestEchoService(t *testing.T) {
	out, err := echoService(context.Background(), "anything", json.RawMessage(`{"k":1}`))
	if err != nil {
		t.Fatalf("echo: %v", err)
	}
	if string(out) != `{"k":1}` {
		t.Errorf("result: got %s", out)
	}

	out, err = echoService(context.Background(), "anything", nil)
	if err != nil {
		t.Fatalf("echo nil: %v", err)
	}
	if string(out) != `null` {
		t.Errorf("nil args: got %s", out)
	}
}

func TestMathSum(t *testing.T) {
	out, err := mathService(context.Background(), "sum", json.RawMessage(`[1, 2, 3.5]`))
	if err != nil {
		t.Fatalf("sum: %v", err)
	}
	if string(out) != `6.5` {
		t.Errorf("sum: got %s", out)
	}

	if _, err := mathService(context.Background(), "sum", json.RawMessage(`"x"`)); err == nil {
		t.Error("expected error for non-array args")
	}
	if _, err := mathService(context.Background(), "sqrt", nil); err == nil {
		t.Error("expected error for unknown method")
	}
}
