package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"
)

// Process is one worker slot: a goroutine that executes tasks serially.
// It stands in for a child process; the channel pair is its pipe and an
// escaped panic is its crash. The pool watches done and respawns.
type Process struct {
	id       string
	registry *Registry
	logger   *slog.Logger

	tasks   chan ProcessTask
	results chan<- Result
	done    chan struct{}
}

func newProcess(id string, registry *Registry, results chan<- Result, logger *slog.Logger) *Process {
	return &Process{
		id:       id,
		registry: registry,
		logger:   logger.With("worker_id", id),
		tasks:    make(chan ProcessTask),
		results:  results,
		done:     make(chan struct{}),
	}
}

func (p *Process) start(ctx context.Context) {
	go p.run(ctx)
}

func (p *Process) run(ctx context.Context) {
	defer close(p.done)
	defer func() {
		if rec := recover(); rec != nil {
			p.logger.Error("worker process crashed", "panic", rec, "stack", string(debug.Stack()))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-p.tasks:
			if !ok {
				return
			}
			p.results <- p.execute(ctx, msg)
		}
	}
}

// execute runs one task and always produces a result message. Handler
// panics are contained here so the slot survives them.
func (p *Process) execute(ctx context.Context, msg ProcessTask) (res Result) {
	logger := p.logger.With("task_id", msg.Task.ID, "task_type", msg.Task.Type)
	start := time.Now()
	logger.Info("processing task")

	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("handler panicked", "panic", rec, "stack", string(debug.Stack()))
			observeExecution(msg.Task.Type, "failed", time.Since(start))
			res = failedResult(msg.Task.ID, fmt.Sprintf("panic: %v", rec))
		}
	}()

	h, ok := p.registry.Handler(msg.Task.Type)
	if !ok {
		logger.Error("no handler for task type")
		observeExecution(msg.Task.Type, "failed", time.Since(start))
		return failedResult(msg.Task.ID, fmt.Sprintf("unknown task type %q", msg.Task.Type))
	}

	result, err := h(ctx, msg.Task.Payload)
	if err != nil {
		logger.Warn("task failed", "error", err, "duration_ms", time.Since(start).Milliseconds())
		observeExecution(msg.Task.Type, "failed", time.Since(start))
		return failedResult(msg.Task.ID, err.Error())
	}

	logger.Info("task completed", "duration_ms", time.Since(start).Milliseconds())
	observeExecution(msg.Task.Type, "completed", time.Since(start))
	return completeResult(msg.Task.ID, result)
}
