package worker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	tasksClaimed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "yana_tasks_claimed_total",
		Help: "Total number of tasks claimed by this node's pool",
	})

	tasksExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "yana_tasks_executed_total",
		Help: "Total number of task executions by type and outcome",
	}, []string{"type", "status"})

	taskRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "yana_task_retries_total",
		Help: "Total number of retries scheduled after failed executions",
	}, []string{"type"})

	execDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "yana_task_exec_duration_seconds",
		Help:    "Handler execution time",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	queueWaitTime = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "yana_queue_wait_duration_seconds",
		Help:    "Time a task spent pending before being claimed",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})

	workersBusy = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "yana_workers_busy",
		Help: "Worker slots currently executing a task",
	})

	workerRespawns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "yana_worker_respawns_total",
		Help: "Worker processes restarted after an unexpected exit",
	})

	leaseReclaims = promauto.NewCounter(prometheus.CounterOpts{
		Name: "yana_lease_reclaims_total",
		Help: "Tasks recovered from expired leases",
	})
)

func observeExecution(taskType, status string, d time.Duration) {
	tasksExecuted.WithLabelValues(taskType, status).Inc()
	execDuration.WithLabelValues(taskType).Observe(d.Seconds())
}
