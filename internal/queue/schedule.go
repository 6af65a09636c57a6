package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/robfig/cron/v3"
)

// Standard 5-field cron, minutes resolution.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// NextRun computes the first fire time of expr strictly after from.
func NextRun(expr string, from time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched.Next(from), nil
}

const scheduleColumns = `
	id, name, cron_expr, task_type, payload, max_retries, enabled,
	last_run_at, next_run_at, created_at, updated_at`

func scanSchedule(row pgx.Row) (*Schedule, error) {
	var sc Schedule
	err := row.Scan(
		&sc.ID, &sc.Name, &sc.CronExpr, &sc.TaskType, &sc.Payload, &sc.MaxRetries, &sc.Enabled,
		&sc.LastRunAt, &sc.NextRunAt, &sc.CreatedAt, &sc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &sc, nil
}

// EnqueueDueSchedules turns every due enabled schedule into one pending
// task and advances its next run, all in a single transaction. Due rows
// are taken FOR UPDATE SKIP LOCKED, so a concurrent sweep cannot enqueue
// the same due instant twice.
func (s *Store) EnqueueDueSchedules(ctx context.Context, now time.Time) ([]*Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT`+scheduleColumns+`
		FROM schedules
		WHERE enabled AND next_run_at <= $1
		FOR UPDATE SKIP LOCKED`, now)
	if err != nil {
		return nil, err
	}
	var due []*Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		due = append(due, sc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(due) == 0 {
		return nil, nil
	}

	tasks := make([]*Task, 0, len(due))
	for _, sc := range due {
		task, err := scanTask(tx.QueryRow(ctx, `
			INSERT INTO tasks (type, payload, max_retries, schedule_id)
			VALUES ($1, $2, $3, $4)
			RETURNING`+taskColumns,
			sc.TaskType, sc.Payload, sc.MaxRetries, sc.ID))
		if err != nil {
			return nil, fmt.Errorf("enqueue schedule %s: %w", sc.Name, err)
		}
		tasks = append(tasks, task)

		next, err := NextRun(sc.CronExpr, now)
		if err != nil {
			return nil, err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE schedules
			SET last_run_at = next_run_at, next_run_at = $1, updated_at = NOW()
			WHERE id = $2`, next, sc.ID); err != nil {
			return nil, fmt.Errorf("advance schedule %s: %w", sc.Name, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return tasks, nil
}

// UpsertSchedule creates or replaces a named schedule. The cron
// expression is validated and next_run_at recomputed here.
func (s *Store) UpsertSchedule(ctx context.Context, sc Schedule) (*Schedule, error) {
	next, err := NextRun(sc.CronExpr, time.Now())
	if err != nil {
		return nil, err
	}
	if sc.MaxRetries <= 0 {
		sc.MaxRetries = DefaultMaxRetries
	}
	if len(sc.Payload) == 0 {
		sc.Payload = []byte(`{}`)
	}
	query := `
		INSERT INTO schedules (name, cron_expr, task_type, payload, max_retries, enabled, next_run_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (name) DO UPDATE
		SET cron_expr = EXCLUDED.cron_expr,
		    task_type = EXCLUDED.task_type,
		    payload = EXCLUDED.payload,
		    max_retries = EXCLUDED.max_retries,
		    enabled = EXCLUDED.enabled,
		    next_run_at = EXCLUDED.next_run_at,
		    updated_at = NOW()
		RETURNING` + scheduleColumns
	return scanSchedule(s.pool.QueryRow(ctx, query,
		sc.Name, sc.CronExpr, sc.TaskType, sc.Payload, sc.MaxRetries, sc.Enabled, next))
}

func (s *Store) GetSchedule(ctx context.Context, id int64) (*Schedule, error) {
	sc, err := scanSchedule(s.pool.QueryRow(ctx,
		`SELECT`+scheduleColumns+` FROM schedules WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrScheduleNotFound
		}
		return nil, err
	}
	return sc, nil
}

func (s *Store) ListSchedules(ctx context.Context) ([]*Schedule, error) {
	rows, err := s.pool.Query(ctx, `SELECT`+scheduleColumns+` FROM schedules ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []*Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, sc)
	}
	return schedules, rows.Err()
}
