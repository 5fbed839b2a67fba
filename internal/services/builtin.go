package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// RegisterBuiltins installs the small set of services that ship with the
// engine. Real deployments register their own adapters next to these.
func RegisterBuiltins(r *Registry) {
	r.Register("echo", ServiceFunc(echoService))
	r.Register("clock", ServiceFunc(clockService))
	r.Register("math", ServiceFunc(mathService))
}

// echoService returns its arguments unchanged, whatever the method.
func echoService(_ context.Context, _ string, args json.RawMessage) (json.RawMessage, error) {
	if len(args) == 0 {
		return json.RawMessage(`null`), nil
	}
	return args, nil
}

func clockService(_ context.Context, method string, _ json.RawMessage) (json.RawMessage, error) {
	switch method {
	case "now":
		return json.Marshal(time.Now().UTC().Format(time.RFC3339Nano))
	default:
		return nil, fmt.Errorf("clock: unknown method %q", method)
	}
}

func mathService(_ context.Context, method string, args json.RawMessage) (json.RawMessage, error) {
	switch method {
	case "sum":
		var nums []float64
		if err := json.Unmarshal(args, &nums); err != nil {
			return nil, fmt.Errorf("math.sum: %w", err)
		}
		var total float64
		for _, n := range nums {
			total += n
		}
		return json.Marshal(total)
	default:
		return nil, fmt.Errorf("math: unknown method %q", method)
	}
}
