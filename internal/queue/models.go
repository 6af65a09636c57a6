package queue

import (
	"encoding/json"
	"time"
)

type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusRunning   TaskStatus = "running"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
)

// Terminal reports whether a status admits no further transition except
// an explicit retry.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the four known statuses.
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// DefaultMaxRetries applies when an enqueue does not override it.
const DefaultMaxRetries = 3

// CancelledByAdminError is the error recorded on cancelled tasks.
const CancelledByAdminError = "Cancelled by admin"

type Task struct {
	ID             int64           `json:"id"`
	Type           string          `json:"type"`
	Status         TaskStatus      `json:"status"`
	Payload        json.RawMessage `json:"payload"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *string         `json:"error,omitempty"`
	Retries        int             `json:"retries"`
	MaxRetries     int             `json:"maxRetries"`
	ScheduleID     *int64          `json:"scheduleId,omitempty"`
	RunAfter       *time.Time      `json:"runAfter,omitempty"`
	ClaimedBy      *string         `json:"claimedBy,omitempty"`
	LeaseExpiresAt *time.Time      `json:"leaseExpiresAt,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	StartedAt      *time.Time      `json:"startedAt,omitempty"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`
}

// ErrorString returns the stored error or "".
func (t *Task) ErrorString() string {
	if t.Error == nil {
		return ""
	}
	return *t.Error
}

// TaskFilter narrows List results. Empty slices and zero times mean "any".
type TaskFilter struct {
	Statuses    []TaskStatus
	Types       []string
	CreatedFrom time.Time
	CreatedTo   time.Time
}

type Page struct {
	Limit  int
	Offset int
}

const defaultPageLimit = 50
const maxPageLimit = 500

func (p Page) normalized() Page {
	if p.Limit <= 0 {
		p.Limit = defaultPageLimit
	}
	if p.Limit > maxPageLimit {
		p.Limit = maxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// TaskPage is one List result page, newest first.
type TaskPage struct {
	Tasks  []*Task `json:"tasks"`
	Total  int64   `json:"total"`
	Limit  int     `json:"limit"`
	Offset int     `json:"offset"`
}

// StatusCounts feeds queue metrics and the operator API.
type StatusCounts struct {
	Pending          int64         `json:"pending"`
	Running          int64         `json:"running"`
	Completed        int64         `json:"completed"`
	Failed           int64         `json:"failed"`
	OldestPendingAge time.Duration `json:"oldestPendingAgeMs"`
}

// Schedule is a cron entry the beat loop turns into tasks.
type Schedule struct {
	ID         int64           `json:"id"`
	Name       string          `json:"name"`
	CronExpr   string          `json:"cronExpr"`
	TaskType   string          `json:"taskType"`
	Payload    json.RawMessage `json:"payload"`
	MaxRetries int             `json:"maxRetries"`
	Enabled    bool            `json:"enabled"`
	LastRunAt  *time.Time      `json:"lastRunAt,omitempty"`
	NextRunAt  time.Time       `json:"nextRunAt"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// ExecutionStatus marks a scheduled run's outcome.
type ExecutionStatus string

const (
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
)

// TaskExecution is the immutable audit record of one run of a scheduled
// task. Written once when the spawned task reaches a terminal status.
type TaskExecution struct {
	ID         int64           `json:"id"`
	ScheduleID int64           `json:"scheduleId"`
	TaskID     int64           `json:"taskId"`
	ExecutedAt time.Time       `json:"executedAt"`
	Status     ExecutionStatus `json:"status"`
	Error      *string         `json:"error,omitempty"`
	DurationMS *int64          `json:"durationMs,omitempty"`
}
