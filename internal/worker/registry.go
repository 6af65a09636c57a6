// Package worker runs tasks: a handler registry, a pool of worker
// processes with crash isolation, and the supervisor loop that claims,
// dispatches, heartbeats, and retries.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/fa-krug/Yana-sub000/internal/queue"
)

// Handler executes one task payload and returns its JSON result.
type Handler func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Registry maps task types to handlers. It is populated once at startup
// and read-only afterwards; a type nobody registered fails the task
// instead of crashing a worker.
type Registry struct {
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

// Register binds a handler to a task type. Registering the same type
// twice is a programming error.
func (r *Registry) Register(taskType string, h Handler) {
	if taskType == "" || h == nil {
		panic("worker: Register requires a task type and handler")
	}
	if _, dup := r.handlers[taskType]; dup {
		panic(fmt.Sprintf("worker: handler already registered for %q", taskType))
	}
	r.handlers[taskType] = h
}

// Handler looks up the handler for a task type.
func (r *Registry) Handler(taskType string) (Handler, bool) {
	h, ok := r.handlers[taskType]
	return h, ok
}

// Types lists registered task types, sorted.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Run dispatches one task in the calling goroutine. This is the inline
// execution path for the no-workers debug mode; queue.Service uses it as
// its InlineRunner.
func (r *Registry) Run(ctx context.Context, task *queue.Task) (json.RawMessage, error) {
	h, ok := r.Handler(task.Type)
	if !ok {
		return nil, fmt.Errorf("unknown task type %q", task.Type)
	}
	return safeInvoke(ctx, h, task.Payload)
}

// safeInvoke turns a handler panic into an error so one bad payload
// cannot take the caller down.
func safeInvoke(ctx context.Context, h Handler, payload json.RawMessage) (result json.RawMessage, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return h(ctx, payload)
}
