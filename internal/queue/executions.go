package queue

import (
	"context"
	"time"
)

// InsertExecution appends one audit row. Rows are immutable after this.
func (s *Store) InsertExecution(ctx context.Context, exec TaskExecution) error {
	query := `
		INSERT INTO task_executions (schedule_id, task_id, executed_at, status, error, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6)`
	executedAt := exec.ExecutedAt
	if executedAt.IsZero() {
		executedAt = time.Now()
	}
	_, err := s.pool.Exec(ctx, query,
		exec.ScheduleID, exec.TaskID, executedAt, exec.Status, exec.Error, exec.DurationMS)
	return err
}

// ListExecutions returns the most recent runs of a schedule.
func (s *Store) ListExecutions(ctx context.Context, scheduleID int64, limit int) ([]*TaskExecution, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, schedule_id, task_id, executed_at, status, error, duration_ms
		FROM task_executions
		WHERE schedule_id = $1
		ORDER BY executed_at DESC, id DESC
		LIMIT $2`
	rows, err := s.pool.Query(ctx, query, scheduleID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var execs []*TaskExecution
	for rows.Next() {
		var e TaskExecution
		if err := rows.Scan(&e.ID, &e.ScheduleID, &e.TaskID, &e.ExecutedAt, &e.Status, &e.Error, &e.DurationMS); err != nil {
			return nil, err
		}
		execs = append(execs, &e)
	}
	return execs, rows.Err()
}

// ClearExecutions deletes audit rows older than the cutoff.
func (s *Store) ClearExecutions(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	tag, err := s.pool.Exec(ctx, `DELETE FROM task_executions WHERE executed_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
