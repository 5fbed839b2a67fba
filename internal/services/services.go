// Package services is the uniform boundary to external collaborators. Every
// external call a slice makes is dispatched here as an opaque
// (service, method, args) triple; the engine neither knows nor cares what a
// service does with it.
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// Service handles method calls for one external collaborator.
type Service interface {
	Invoke(ctx context.Context, method string, args json.RawMessage) (json.RawMessage, error)
}

// ServiceFunc adapts a function to the Service interface.
type ServiceFunc func(ctx context.Context, method string, args json.RawMessage) (json.RawMessage, error)

// Invoke calls f.
func (f ServiceFunc) Invoke(ctx context.Context, method string, args json.RawMessage) (json.RawMessage, error) {
	return f(ctx, method, args)
}

// Registry maps service names to adapters.
type Registry struct {
	mu       sync.RWMutex
	services map[string]Service
}

// NewRegistry creates an empty service registry.
func NewRegistry() *Registry {
	return &Registry{services: make(map[string]Service)}
}

// Register adds a service adapter under name. Re-registering replaces it.
func (r *Registry) Register(name string, svc Service) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.services[name] = svc
}

// Invoke dispatches one call. An unknown service is a task error, not an
// infrastructure error: it propagates up the causal chain like any other
// failure raised by task code.
func (r *Registry) Invoke(ctx context.Context, service, method string, args json.RawMessage) (json.RawMessage, error) {
	r.mu.RLock()
	svc, ok := r.services[service]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown service %q", service)
	}
	return svc.Invoke(ctx, method, args)
}

// Names returns the registered service names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.services))
	for name := range r.services {
		names = append(names, name)
	}
	return names
}
