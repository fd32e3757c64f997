package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Common errors returned by the Registry
var (
	ErrUnknownHandler  = errors.New("unknown task handler")
	ErrHandlerExists   = errors.New("task handler already registered")
	ErrNilHandler      = errors.New("task handler cannot be nil")
	ErrEmptyHandlerKey = errors.New("task handler name cannot be empty")
	ErrNoHandlers      = errors.New("no task handlers registered")
)

// Handler executes the work for one task type. It receives the decoded task
// payload and returns the output payload recorded on success.
//
// Lease-expiry redelivery means a handler can run more than once for the
// same task id; handlers must be idempotent or guard their side effects
// against an already-recorded result.
type Handler func(ctx context.Context, payload []byte) ([]byte, error)

// Registry maps handler names to typed handler functions. Registration
// happens at startup; lookups during execution fail fast with
// ErrUnknownHandler rather than resolving anything dynamically per task.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a named handler. Returns an error for an empty name, a nil
// handler, or a name that is already taken.
func (r *Registry) Register(name string, h Handler) error {
	if name == "" {
		return ErrEmptyHandlerKey
	}
	if h == nil {
		return fmt.Errorf("%w: %s", ErrNilHandler, name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("%w: %s", ErrHandlerExists, name)
	}
	r.handlers[name] = h
	return nil
}

// Resolve returns the handler registered under name, or ErrUnknownHandler.
func (r *Registry) Resolve(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownHandler, name)
	}
	return h, nil
}

// Names returns the registered handler names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}

// Validate confirms the registry is usable at startup: at least one handler
// must be registered before a pool starts consuming.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.handlers) == 0 {
		return ErrNoHandlers
	}
	return nil
}
