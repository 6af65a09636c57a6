package web

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/fa-krug/Yana-sub000/internal/events"
)

// eventFilter narrows the SSE stream to one task, task type, or status.
type eventFilter struct {
	taskType string
	status   string
	taskID   *int64
}

func parseEventFilter(r *http.Request) (eventFilter, error) {
	query := r.URL.Query()
	filter := eventFilter{
		taskType: strings.TrimSpace(query.Get("type")),
		status:   strings.TrimSpace(query.Get("status")),
	}
	if val := strings.TrimSpace(query.Get("task_id")); val != "" {
		parsed, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return eventFilter{}, fmt.Errorf("invalid task_id")
		}
		filter.taskID = &parsed
	}
	return filter, nil
}

func (f eventFilter) Matches(event events.Event) bool {
	if f.taskType != "" && event.TaskType != f.taskType {
		return false
	}
	if f.status != "" && event.Status != f.status {
		return false
	}
	if f.taskID != nil && event.TaskID != *f.taskID {
		return false
	}
	return true
}
