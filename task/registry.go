package task

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/xraph/stepflow"
)

// HandlerFunc is a type-erased task handler working on raw JSON.
type HandlerFunc func(ctx context.Context, input json.RawMessage) (json.RawMessage, error)

// Registry maps handler names to handler functions.
// It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]HandlerFunc),
	}
}

// Register adds or replaces a handler.
func (r *Registry) Register(name string, h HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// RegisterTyped registers a typed handler. The input is JSON-decoded into
// In before the call and the result encoded from Out after it. A decode
// failure is reported as a TaskError of kind InvalidInput.
//
// This is a package-level generic function because Go does not allow
// generic methods on non-generic receiver types.
func RegisterTyped[In, Out any](r *Registry, name string, fn func(ctx context.Context, in In) (Out, error)) {
	r.Register(name, func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
		var in In
		if len(input) > 0 {
			if err := json.Unmarshal(input, &in); err != nil {
				return nil, stepflow.NewTaskError("InvalidInput", fmt.Sprintf("decode input for %q: %v", name, err))
			}
		}
		out, err := fn(ctx, in)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("encode output for %q: %w", name, err)
		}
		return data, nil
	})
}

// Get returns the handler for the given name.
// Returns false if no handler is registered.
func (r *Registry) Get(name string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Names returns all registered handler names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
