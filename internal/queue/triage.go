package queue

import (
	"context"
	"time"
)

// FailedTaskSummary is one line of `yana triage`.
type FailedTaskSummary struct {
	ID          int64
	Type        string
	Retries     int
	MaxRetries  int
	Error       *string
	ScheduleID  *int64
	CompletedAt *time.Time
}

// ListFailed returns recent failed tasks, optionally narrowed to one
// task type.
func (s *Store) ListFailed(ctx context.Context, limit int, taskType string) ([]FailedTaskSummary, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, type, retries, max_retries, error, schedule_id, completed_at
		FROM tasks
		WHERE status = 'failed'`
	args := []any{limit}
	if taskType != "" {
		query += " AND type = $2"
		args = append(args, taskType)
	}
	query += " ORDER BY completed_at DESC NULLS LAST, id DESC LIMIT $1"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []FailedTaskSummary
	for rows.Next() {
		var item FailedTaskSummary
		if err := rows.Scan(&item.ID, &item.Type, &item.Retries, &item.MaxRetries,
			&item.Error, &item.ScheduleID, &item.CompletedAt); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// RequeueFailed puts one failed task back to pending with a fresh retry
// budget. This is the operator override for exhausted tasks; the normal
// Retry path consumes the budget instead.
func (s *Store) RequeueFailed(ctx context.Context, id int64) (int64, error) {
	query := `
		UPDATE tasks
		SET status = 'pending',
		    retries = 0,
		    error = NULL,
		    result = NULL,
		    run_after = NULL,
		    claimed_by = NULL,
		    lease_expires_at = NULL,
		    started_at = NULL,
		    completed_at = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'failed'`
	tag, err := s.pool.Exec(ctx, query, id)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// RequeueAllFailed does the same for every failed task.
func (s *Store) RequeueAllFailed(ctx context.Context) (int64, error) {
	query := `
		UPDATE tasks
		SET status = 'pending',
		    retries = 0,
		    error = NULL,
		    result = NULL,
		    run_after = NULL,
		    claimed_by = NULL,
		    lease_expires_at = NULL,
		    started_at = NULL,
		    completed_at = NULL,
		    updated_at = NOW()
		WHERE status = 'failed'`
	tag, err := s.pool.Exec(ctx, query)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
