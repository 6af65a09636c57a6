// Package queue is the durable task queue: a Postgres-backed store with
// atomic claims and leases, and a service layer that adds lifecycle
// events, the synchronous debug path, and the scheduled-run audit trail.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fa-krug/Yana-sub000/internal/events"
)

// Storage is the store surface the service drives. *Store implements it;
// tests substitute an in-memory fake.
type Storage interface {
	Insert(ctx context.Context, taskType string, payload json.RawMessage, maxRetries int, scheduleID *int64, runAfter *time.Time) (*Task, error)
	Get(ctx context.Context, id int64) (*Task, error)
	Claim(ctx context.Context, id int64, workerID string, lease time.Duration) (*Task, error)
	ClaimNext(ctx context.Context, workerID string, lease time.Duration) (*Task, error)
	Heartbeat(ctx context.Context, id int64, workerID string, lease time.Duration) error
	Complete(ctx context.Context, id int64, workerID string, result json.RawMessage) (*Task, error)
	Fail(ctx context.Context, id int64, workerID string, errMsg string) (*Task, error)
	MarkRetry(ctx context.Context, id int64, runAfter *time.Time) (*Task, error)
	Cancel(ctx context.Context, id int64) (*Task, error)
	ReclaimExpired(ctx context.Context) ([]ReclaimedTask, error)
	List(ctx context.Context, filter TaskFilter, page Page) (*TaskPage, error)
	ClearHistory(ctx context.Context, olderThan time.Duration) (int64, error)
	Counts(ctx context.Context) (StatusCounts, error)
	InsertExecution(ctx context.Context, exec TaskExecution) error
	EnqueueDueSchedules(ctx context.Context, now time.Time) ([]*Task, error)
}

// InlineRunner executes a task in the calling goroutine. The worker
// registry satisfies this for the synchronous debug mode.
type InlineRunner interface {
	Run(ctx context.Context, task *Task) (json.RawMessage, error)
}

type ServiceOptions struct {
	NodeID        string
	LeaseDuration time.Duration
	// SyncMode runs handlers inline at enqueue time instead of leaving
	// tasks for the worker pool (DISABLE_WORKERS).
	SyncMode bool
}

type Service struct {
	store  Storage
	pub    events.Publisher
	logger *slog.Logger

	nodeID string
	lease  time.Duration
	sync   bool
	runner InlineRunner

	wakeFn func()
}

func NewService(store Storage, pub events.Publisher, logger *slog.Logger, opts ServiceOptions) *Service {
	if pub == nil {
		pub = events.NoopPublisher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	lease := opts.LeaseDuration
	if lease <= 0 {
		lease = 5 * time.Minute
	}
	nodeID := opts.NodeID
	if nodeID == "" {
		nodeID = "yana-inline"
	}
	return &Service{
		store:  store,
		pub:    pub,
		logger: logger,
		nodeID: nodeID,
		lease:  lease,
		sync:   opts.SyncMode,
	}
}

// SetInlineRunner wires the handler registry for sync mode. Without a
// runner, sync mode degrades to plain enqueueing.
func (s *Service) SetInlineRunner(r InlineRunner) {
	s.runner = r
}

// SetWakeup registers the pool's wake signal, called after any mutation
// that makes a task claimable.
func (s *Service) SetWakeup(fn func()) {
	s.wakeFn = fn
}

// SyncMode reports whether handlers run inline at enqueue time.
func (s *Service) SyncMode() bool {
	return s.sync
}

type EnqueueOptions struct {
	MaxRetries int // 0 means DefaultMaxRetries
	RunAfter   *time.Time
	ScheduleID *int64
}

// Enqueue persists a pending task and emits task-created. In sync mode
// the task is then claimed, executed, and finalized inline, and the
// returned task is terminal.
func (s *Service) Enqueue(ctx context.Context, taskType string, payload json.RawMessage, opts *EnqueueOptions) (*Task, error) {
	if taskType == "" {
		return nil, fmt.Errorf("task type is required")
	}
	maxRetries := DefaultMaxRetries
	var runAfter *time.Time
	var scheduleID *int64
	if opts != nil {
		if opts.MaxRetries > 0 {
			maxRetries = opts.MaxRetries
		}
		runAfter = opts.RunAfter
		scheduleID = opts.ScheduleID
	}

	task, err := s.store.Insert(ctx, taskType, payload, maxRetries, scheduleID, runAfter)
	if err != nil {
		return nil, err
	}
	s.publish(events.TypeTaskCreated, task)

	if s.sync && s.runner != nil {
		return s.runInline(ctx, task)
	}

	s.wake()
	return task, nil
}

// runInline drives the same claim/complete/fail statements the pooled
// path uses, so statuses and events come out identical.
func (s *Service) runInline(ctx context.Context, task *Task) (*Task, error) {
	running, err := s.store.Claim(ctx, task.ID, s.nodeID, s.lease)
	if err != nil {
		return nil, fmt.Errorf("claim task %d inline: %w", task.ID, err)
	}
	s.publish(events.TypeTaskUpdated, running)

	result, runErr := s.runner.Run(ctx, running)
	if runErr != nil {
		failed, failErr := s.Fail(ctx, task.ID, s.nodeID, runErr.Error())
		if failErr != nil {
			return nil, failErr
		}
		return failed, nil
	}
	return s.Complete(ctx, task.ID, s.nodeID, result)
}

// ClaimNext hands the oldest eligible pending task to workerID.
func (s *Service) ClaimNext(ctx context.Context, workerID string) (*Task, error) {
	task, err := s.store.ClaimNext(ctx, workerID, s.lease)
	if err != nil {
		return nil, err
	}
	s.publish(events.TypeTaskUpdated, task)
	return task, nil
}

// Heartbeat renews workerID's lease on a running task.
func (s *Service) Heartbeat(ctx context.Context, id int64, workerID string) error {
	return s.store.Heartbeat(ctx, id, workerID, s.lease)
}

// Complete finalizes a task as completed and emits task-updated.
// ErrStaleResult passes through untouched so the pool can drop the
// outcome quietly.
func (s *Service) Complete(ctx context.Context, id int64, workerID string, result json.RawMessage) (*Task, error) {
	task, err := s.store.Complete(ctx, id, workerID, result)
	if err != nil {
		return nil, err
	}
	s.recordExecution(ctx, task, ExecutionSuccess, "")
	s.publish(events.TypeTaskUpdated, task)
	return task, nil
}

// Fail finalizes a task as failed and emits task-updated.
func (s *Service) Fail(ctx context.Context, id int64, workerID string, errMsg string) (*Task, error) {
	task, err := s.store.Fail(ctx, id, workerID, errMsg)
	if err != nil {
		return nil, err
	}
	s.recordExecution(ctx, task, ExecutionFailed, task.ErrorString())
	s.publish(events.TypeTaskUpdated, task)
	return task, nil
}

// Retry resets a failed task to pending right away.
func (s *Service) Retry(ctx context.Context, id int64) (*Task, error) {
	return s.retryAt(ctx, id, nil)
}

// RetryAfter resets a failed task to pending but keeps it unclaimable
// until at. The pool uses this for backoff.
func (s *Service) RetryAfter(ctx context.Context, id int64, at time.Time) (*Task, error) {
	return s.retryAt(ctx, id, &at)
}

func (s *Service) retryAt(ctx context.Context, id int64, at *time.Time) (*Task, error) {
	task, err := s.store.MarkRetry(ctx, id, at)
	if err != nil {
		return nil, err
	}
	s.publish(events.TypeTaskUpdated, task)
	s.wake()
	return task, nil
}

// Cancel forces a pending or running task to failed with the fixed
// cancellation error. A running task's worker is not interrupted; its
// eventual result is discarded as stale.
func (s *Service) Cancel(ctx context.Context, id int64) (*Task, error) {
	task, err := s.store.Cancel(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.StartedAt != nil {
		s.recordExecution(ctx, task, ExecutionFailed, task.ErrorString())
	}
	s.publish(events.TypeTaskUpdated, task)
	return task, nil
}

// ReclaimExpired requeues or fails running tasks with lapsed leases and
// emits task-updated for each.
func (s *Service) ReclaimExpired(ctx context.Context) (int, error) {
	reclaimed, err := s.store.ReclaimExpired(ctx)
	if err != nil {
		return 0, err
	}
	for _, r := range reclaimed {
		ev := events.Event{Type: events.TypeTaskUpdated, TaskID: r.ID, Status: string(r.Status)}
		if r.Error != nil {
			ev.Error = *r.Error
		}
		s.pub.Publish(ev)

		if r.Status == StatusFailed {
			if task, getErr := s.store.Get(ctx, r.ID); getErr == nil {
				s.recordExecution(ctx, task, ExecutionFailed, task.ErrorString())
			}
		}
	}
	if len(reclaimed) > 0 {
		s.logger.Warn("reclaimed expired task leases", "count", len(reclaimed))
		s.wake()
	}
	return len(reclaimed), nil
}

func (s *Service) Get(ctx context.Context, id int64) (*Task, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, filter TaskFilter, page Page) (*TaskPage, error) {
	return s.store.List(ctx, filter, page)
}

// ClearHistory deletes terminal tasks older than the given number of
// days and returns how many went.
func (s *Service) ClearHistory(ctx context.Context, days int) (int64, error) {
	if days < 0 {
		return 0, fmt.Errorf("days must be >= 0")
	}
	return s.store.ClearHistory(ctx, time.Duration(days)*24*time.Hour)
}

func (s *Service) Counts(ctx context.Context) (StatusCounts, error) {
	return s.store.Counts(ctx)
}

// RunDueSchedules materialises due cron schedules into tasks and emits
// task-created for each.
func (s *Service) RunDueSchedules(ctx context.Context) (int, error) {
	tasks, err := s.store.EnqueueDueSchedules(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	for _, task := range tasks {
		s.publish(events.TypeTaskCreated, task)
	}
	if len(tasks) > 0 {
		s.wake()
	}
	return len(tasks), nil
}

// recordExecution writes the audit row for schedule-spawned tasks. The
// audit is best-effort; a write failure is logged, never propagated.
func (s *Service) recordExecution(ctx context.Context, task *Task, status ExecutionStatus, errMsg string) {
	if task.ScheduleID == nil {
		return
	}
	exec := TaskExecution{
		ScheduleID: *task.ScheduleID,
		TaskID:     task.ID,
		ExecutedAt: time.Now(),
		Status:     status,
	}
	if errMsg != "" {
		exec.Error = &errMsg
	}
	if task.StartedAt != nil && task.CompletedAt != nil {
		ms := task.CompletedAt.Sub(*task.StartedAt).Milliseconds()
		exec.DurationMS = &ms
	}
	if err := s.store.InsertExecution(ctx, exec); err != nil {
		s.logger.Error("record task execution", "task_id", task.ID, "schedule_id", *task.ScheduleID, "error", err)
	}
}

func (s *Service) publish(eventType string, task *Task) {
	ev := events.Event{
		Type:     eventType,
		TaskID:   task.ID,
		TaskType: task.Type,
		Status:   string(task.Status),
	}
	if task.Status == StatusCompleted && len(task.Result) > 0 {
		ev.Result = task.Result
	}
	if task.Error != nil {
		ev.Error = *task.Error
	}
	s.pub.Publish(ev)
}

func (s *Service) wake() {
	if s.wakeFn != nil {
		s.wakeFn()
	}
}

// IsNotFound reports whether err means the task does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrTaskNotFound)
}
