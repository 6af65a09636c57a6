package queue

import "errors"

var (
	// ErrNoTasks means no pending task is eligible for claim right now.
	ErrNoTasks = errors.New("no tasks available")

	// ErrTaskNotFound means the id does not exist.
	ErrTaskNotFound = errors.New("task not found")

	// ErrNotCancellable means cancel was called on a terminal task.
	ErrNotCancellable = errors.New("task is not pending or running")

	// ErrRetriesExhausted means retry was called at the retry budget.
	ErrRetriesExhausted = errors.New("retries exhausted")

	// ErrStaleResult means a completion raced a cancel or lease reclaim;
	// the reported outcome was discarded.
	ErrStaleResult = errors.New("stale result for task no longer claimed")

	// ErrScheduleNotFound means the schedule id or name does not exist.
	ErrScheduleNotFound = errors.New("schedule not found")
)
