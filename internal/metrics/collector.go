// Package metrics polls the database for gauge-style observability:
// queue depth per status, how long the oldest pending task has waited,
// and feed/article totals. Counter-style metrics live next to the code
// that increments them.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	defaultInterval = 5 * time.Second
	queryTimeout    = 2 * time.Second
)

var (
	taskDepthGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "yana_tasks_depth",
		Help: "Tasks per status.",
	}, []string{"status"})
	oldestPendingGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "yana_oldest_pending_age_seconds",
		Help: "Age of the oldest pending task.",
	})
	feedCountGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "yana_feeds",
		Help: "Number of configured feeds.",
	})
	articleCountGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "yana_articles",
		Help: "Number of stored articles.",
	})
)

var taskStatuses = []string{"pending", "running", "completed", "failed"}

// StartCollector polls until ctx is cancelled. Failures are logged and
// retried on the next tick; a broken database never stops the sweep.
func StartCollector(ctx context.Context, pool *pgxpool.Pool, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = defaultInterval
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if err := collectTaskMetrics(ctx, pool); err != nil {
				logWarn(logger, "Queue metrics collection failed", err)
			}
			if err := collectContentMetrics(ctx, pool); err != nil {
				logWarn(logger, "Content metrics collection failed", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

func collectTaskMetrics(ctx context.Context, pool *pgxpool.Pool) error {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	rows, err := pool.Query(queryCtx, `
		SELECT status, COUNT(*)
		FROM tasks
		GROUP BY status
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	counts := make(map[string]int64, len(taskStatuses))
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return err
		}
		counts[status] = count
	}
	if err := rows.Err(); err != nil {
		return err
	}
	// Statuses with no rows must read zero, not keep a stale value.
	for _, status := range taskStatuses {
		taskDepthGauge.WithLabelValues(status).Set(float64(counts[status]))
	}

	var oldestSeconds float64
	if err := pool.QueryRow(queryCtx, `
		SELECT COALESCE(EXTRACT(EPOCH FROM (NOW() - MIN(created_at))), 0)
		FROM tasks
		WHERE status = 'pending'
	`).Scan(&oldestSeconds); err != nil {
		return err
	}
	oldestPendingGauge.Set(oldestSeconds)
	return nil
}

func collectContentMetrics(ctx context.Context, pool *pgxpool.Pool) error {
	queryCtx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	var feedCount int64
	var articleCount int64
	if err := pool.QueryRow(queryCtx, `
		SELECT
			(SELECT COUNT(*) FROM feeds),
			(SELECT COUNT(*) FROM articles)
	`).Scan(&feedCount, &articleCount); err != nil {
		return err
	}

	feedCountGauge.Set(float64(feedCount))
	articleCountGauge.Set(float64(articleCount))
	return nil
}

func logWarn(logger *slog.Logger, message string, err error) {
	if logger == nil || err == nil {
		return
	}
	logger.Warn(message, "error", err)
}
