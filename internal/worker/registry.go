// Package worker runs the executor pool: N concurrent loops pulling
// claimed tasks off the queue and dispatching them to registered
// handlers, with heartbeats, a supervisor for lost workers, and elastic
// sizing between configured bounds.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/aristath/conductor/internal/task"
)

// Invocation carries one claimed task into its handler along with a
// snapshot of the instance's shared variables.
type Invocation struct {
	Task task.Task
	Vars map[string]any
}

// Result is what a handler hands back on success. Output is recorded on
// the instance; Vars entries are merged into the instance's shared
// variable map under its lock.
type Result struct {
	Output json.RawMessage
	Vars   map[string]any
}

/// Handler executes one task type. The runtime is handler-agnostic: it
// dispatches by the task's declared type and owns nothing about what a
// task does. Handlers must observe ctx for cooperative cancellation and
// timeouts.
type Handler interface {
	Execute(ctx context.Context, inv Invocation) (Result, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, inv Invocation) (Result, error)

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx context.Context, inv Invocation) (Result, error) {
	return f(ctx, inv)
}

// Registry maps task types to their handlers. Compensation handlers
// live here too, under their own names.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a task type. Registering a type twice is
// an error; replacing a live handler mid-run is never intended.
func (r *Registry) Register(taskType string, h Handler) error {
	if taskType == "" {
		return fmt.Errorf("handler type must not be empty")
	}
	if h == nil {
		return fmt.Errorf("handler for type %q is nil", taskType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.handlers[taskType]; dup {
		return fmt.Errorf("handler for type %q already registered", taskType)
	}
	r.handlers[taskType] = h
	return nil
}

// RegisterFunc binds a plain function as the handler for a task type.
func (r *Registry) RegisterFunc(taskType string, fn HandlerFunc) error {
	return r.Register(taskType, fn)
}

// Get returns the handler for a task type.
func (r *Registry) Get(taskType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[taskType]
	return h, ok
}

// Types returns the registered task types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
