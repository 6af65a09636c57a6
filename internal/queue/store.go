package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store owns the tasks table. All mutations are self-contained
// statements; claiming relies on FOR UPDATE SKIP LOCKED so concurrent
// dispatchers can never double-claim a row.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const taskColumns = `
	id, type, status, payload, result, error, retries, max_retries,
	schedule_id, run_after, claimed_by, lease_expires_at,
	created_at, updated_at, started_at, completed_at`

const leaseExpiredError = "Worker lease expired: heartbeat lost or worker crashed"

func scanTask(row pgx.Row) (*Task, error) {
	var t Task
	err := row.Scan(
		&t.ID, &t.Type, &t.Status, &t.Payload, &t.Result, &t.Error, &t.Retries, &t.MaxRetries,
		&t.ScheduleID, &t.RunAfter, &t.ClaimedBy, &t.LeaseExpiresAt,
		&t.CreatedAt, &t.UpdatedAt, &t.StartedAt, &t.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// Insert persists a new pending task.
func (s *Store) Insert(ctx context.Context, taskType string, payload json.RawMessage, maxRetries int, scheduleID *int64, runAfter *time.Time) (*Task, error) {
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	query := `
		INSERT INTO tasks (type, payload, max_retries, schedule_id, run_after)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING` + taskColumns
	task, err := scanTask(s.pool.QueryRow(ctx, query, taskType, payload, maxRetries, scheduleID, runAfter))
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	return task, nil
}

// Get fetches one task by id.
func (s *Store) Get(ctx context.Context, id int64) (*Task, error) {
	query := `SELECT` + taskColumns + ` FROM tasks WHERE id = $1`
	task, err := scanTask(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return task, nil
}

// ClaimNext atomically selects the oldest eligible pending task and
// transitions it to running under a lease. FIFO by creation time.
func (s *Store) ClaimNext(ctx context.Context, workerID string, lease time.Duration) (*Task, error) {
	leaseExpires := time.Now().Add(lease)
	query := `
		WITH candidate AS (
			SELECT id
			FROM tasks
			WHERE status = 'pending'
			  AND (run_after IS NULL OR run_after <= NOW())
			ORDER BY created_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE tasks
		SET status = 'running',
		    started_at = NOW(),
		    claimed_by = $1,
		    lease_expires_at = $2,
		    updated_at = NOW()
		FROM candidate
		WHERE tasks.id = candidate.id
		RETURNING` + taskColumns
	task, err := scanTask(s.pool.QueryRow(ctx, query, workerID, leaseExpires))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoTasks
		}
		return nil, err
	}
	return task, nil
}

// Claim transitions one specific pending task to running. The inline
// (no-workers) execution path uses this so a freshly enqueued task runs
// in the caller, not whatever happens to be oldest.
func (s *Store) Claim(ctx context.Context, id int64, workerID string, lease time.Duration) (*Task, error) {
	leaseExpires := time.Now().Add(lease)
	query := `
		UPDATE tasks
		SET status = 'running',
		    started_at = NOW(),
		    claimed_by = $2,
		    lease_expires_at = $3,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING` + taskColumns
	task, err := scanTask(s.pool.QueryRow(ctx, query, id, workerID, leaseExpires))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoTasks
		}
		return nil, err
	}
	return task, nil
}

// Heartbeat renews the lease on a running task. Fenced on the claiming
// worker so a reclaimed task cannot be re-leased by its old owner.
func (s *Store) Heartbeat(ctx context.Context, id int64, workerID string, lease time.Duration) error {
	leaseExpires := time.Now().Add(lease)
	query := `
		UPDATE tasks
		SET lease_expires_at = $1, updated_at = NOW()
		WHERE id = $2 AND claimed_by = $3 AND status = 'running'`
	tag, err := s.pool.Exec(ctx, query, leaseExpires, id, workerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStaleResult
	}
	return nil
}

// Complete finalizes a running task as completed. Returns ErrStaleResult
// when the task was cancelled or reclaimed since the claim.
func (s *Store) Complete(ctx context.Context, id int64, workerID string, result json.RawMessage) (*Task, error) {
	query := `
		UPDATE tasks
		SET status = 'completed',
		    result = $3,
		    error = NULL,
		    completed_at = NOW(),
		    run_after = NULL,
		    claimed_by = NULL,
		    lease_expires_at = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND claimed_by = $2 AND status = 'running'
		RETURNING` + taskColumns
	task, err := scanTask(s.pool.QueryRow(ctx, query, id, workerID, result))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrStaleResult
		}
		return nil, err
	}
	return task, nil
}

// Fail finalizes a running task as failed with the given error message.
func (s *Store) Fail(ctx context.Context, id int64, workerID string, errMsg string) (*Task, error) {
	query := `
		UPDATE tasks
		SET status = 'failed',
		    error = $3,
		    result = NULL,
		    completed_at = NOW(),
		    run_after = NULL,
		    claimed_by = NULL,
		    lease_expires_at = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND claimed_by = $2 AND status = 'running'
		RETURNING` + taskColumns
	task, err := scanTask(s.pool.QueryRow(ctx, query, id, workerID, summarizeError(errMsg)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrStaleResult
		}
		return nil, err
	}
	return task, nil
}

// MarkRetry moves a failed task back to pending, consuming one retry.
// runAfter gates the next claim; nil means immediately eligible.
func (s *Store) MarkRetry(ctx context.Context, id int64, runAfter *time.Time) (*Task, error) {
	query := `
		UPDATE tasks
		SET status = 'pending',
		    retries = retries + 1,
		    error = NULL,
		    result = NULL,
		    run_after = $2,
		    claimed_by = NULL,
		    lease_expires_at = NULL,
		    started_at = NULL,
		    completed_at = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND status = 'failed' AND retries < max_retries
		RETURNING` + taskColumns
	task, err := scanTask(s.pool.QueryRow(ctx, query, id, runAfter))
	if err == nil {
		return task, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}

	// Zero rows: tell the caller which precondition failed.
	current, getErr := s.Get(ctx, id)
	if getErr != nil {
		return nil, getErr
	}
	if current.Status != StatusFailed {
		return nil, fmt.Errorf("cannot retry task %d in status %s", id, current.Status)
	}
	return nil, ErrRetriesExhausted
}

// Cancel forces a pending or running task to failed. The executing
// worker is not signalled; its eventual result is fenced out as stale.
func (s *Store) Cancel(ctx context.Context, id int64) (*Task, error) {
	query := `
		UPDATE tasks
		SET status = 'failed',
		    error = $2,
		    result = NULL,
		    completed_at = NOW(),
		    run_after = NULL,
		    claimed_by = NULL,
		    lease_expires_at = NULL,
		    updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'running')
		RETURNING` + taskColumns
	task, err := scanTask(s.pool.QueryRow(ctx, query, id, CancelledByAdminError))
	if err == nil {
		return task, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if _, getErr := s.Get(ctx, id); getErr != nil {
		return nil, getErr
	}
	return nil, ErrNotCancellable
}

// ReclaimedTask is the slice element ReclaimExpired reports for event
// emission.
type ReclaimedTask struct {
	ID     int64
	Status TaskStatus
	Error  *string
}

// ReclaimExpired recovers running tasks whose lease lapsed: back to
// pending while retries remain, otherwise failed with a lease-expiry
// error. Closes the crashed-worker gap.
func (s *Store) ReclaimExpired(ctx context.Context) ([]ReclaimedTask, error) {
	query := `
		WITH expired AS (
			SELECT id FROM tasks
			WHERE status = 'running' AND lease_expires_at < NOW()
			FOR UPDATE SKIP LOCKED
		)
		UPDATE tasks
		SET status = CASE WHEN tasks.retries < tasks.max_retries THEN 'pending' ELSE 'failed' END,
		    retries = CASE WHEN tasks.retries < tasks.max_retries THEN tasks.retries + 1 ELSE tasks.retries END,
		    error = CASE WHEN tasks.retries < tasks.max_retries THEN NULL ELSE $1 END,
		    result = NULL,
		    started_at = CASE WHEN tasks.retries < tasks.max_retries THEN NULL ELSE tasks.started_at END,
		    completed_at = CASE WHEN tasks.retries < tasks.max_retries THEN NULL ELSE NOW() END,
		    run_after = NULL,
		    claimed_by = NULL,
		    lease_expires_at = NULL,
		    updated_at = NOW()
		FROM expired
		WHERE tasks.id = expired.id
		RETURNING tasks.id, tasks.status, tasks.error`
	rows, err := s.pool.Query(ctx, query, leaseExpiredError)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reclaimed []ReclaimedTask
	for rows.Next() {
		var r ReclaimedTask
		if err := rows.Scan(&r.ID, &r.Status, &r.Error); err != nil {
			return nil, err
		}
		reclaimed = append(reclaimed, r)
	}
	return reclaimed, rows.Err()
}

// List returns tasks newest-first with the filter applied, plus the
// total match count for pagination.
func (s *Store) List(ctx context.Context, filter TaskFilter, page Page) (*TaskPage, error) {
	page = page.normalized()

	var conds []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, st := range filter.Statuses {
			statuses = append(statuses, string(st))
		}
		conds = append(conds, fmt.Sprintf("status = ANY(%s)", arg(statuses)))
	}
	if len(filter.Types) > 0 {
		conds = append(conds, fmt.Sprintf("type = ANY(%s)", arg(filter.Types)))
	}
	if !filter.CreatedFrom.IsZero() {
		conds = append(conds, fmt.Sprintf("created_at >= %s", arg(filter.CreatedFrom)))
	}
	if !filter.CreatedTo.IsZero() {
		conds = append(conds, fmt.Sprintf("created_at <= %s", arg(filter.CreatedTo)))
	}

	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int64
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM tasks"+where, args...).Scan(&total); err != nil {
		return nil, err
	}

	query := "SELECT" + taskColumns + " FROM tasks" + where +
		fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT %s OFFSET %s", arg(page.Limit), arg(page.Offset))
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tasks := make([]*Task, 0, page.Limit)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &TaskPage{Tasks: tasks, Total: total, Limit: page.Limit, Offset: page.Offset}, nil
}

// ClearHistory deletes terminal tasks created before the cutoff.
func (s *Store) ClearHistory(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	query := `DELETE FROM tasks WHERE status IN ('completed', 'failed') AND created_at < $1`
	tag, err := s.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Counts reports per-status totals and the age of the oldest pending
// task.
func (s *Store) Counts(ctx context.Context) (StatusCounts, error) {
	var counts StatusCounts
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return counts, err
	}
	defer rows.Close()
	for rows.Next() {
		var status TaskStatus
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return counts, err
		}
		switch status {
		case StatusPending:
			counts.Pending = n
		case StatusRunning:
			counts.Running = n
		case StatusCompleted:
			counts.Completed = n
		case StatusFailed:
			counts.Failed = n
		}
	}
	if err := rows.Err(); err != nil {
		return counts, err
	}

	var oldestSeconds float64
	err = s.pool.QueryRow(ctx,
		`SELECT COALESCE(EXTRACT(EPOCH FROM (NOW() - MIN(created_at))), 0) FROM tasks WHERE status = 'pending'`,
	).Scan(&oldestSeconds)
	if err != nil {
		return counts, err
	}
	counts.OldestPendingAge = time.Duration(oldestSeconds * float64(time.Second))
	return counts, nil
}
