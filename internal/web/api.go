package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fa-krug/Yana-sub000/internal/aggregate"
	"github.com/fa-krug/Yana-sub000/internal/events"
	"github.com/fa-krug/Yana-sub000/internal/feeds"
	"github.com/fa-krug/Yana-sub000/internal/queue"
	"github.com/fa-krug/Yana-sub000/internal/scrape"
)

const (
	maxBodyBytes = 1 << 20

	// refreshWaitTimeout bounds a ?wait=1 refresh. Background aggregation
	// itself has no deadline; only the caller's wait does.
	refreshWaitTimeout = 5 * time.Minute

	// refreshPollInterval is the fallback probe while waiting on the event
	// stream. The broker drops events to slow subscribers, so the wait
	// cannot rely on the stream alone.
	refreshPollInterval = 2 * time.Second
)

type enqueueRequest struct {
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	MaxRetries int             `json:"maxRetries"`
}

func (s *Server) handleEnqueueTask(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Type == "" {
		writeError(w, http.StatusBadRequest, "type is required")
		return
	}
	payload := req.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	var opts *queue.EnqueueOptions
	if req.MaxRetries > 0 {
		opts = &queue.EnqueueOptions{MaxRetries: req.MaxRetries}
	}
	task, err := s.queue.Enqueue(r.Context(), req.Type, payload, opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	filter, page, err := parseTaskQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := s.queue.List(r.Context(), filter, page)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	task, err := s.queue.Get(r.Context(), id)
	if err != nil {
		if queue.IsNotFound(err) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleRetryTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	task, err := s.queue.Retry(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, task)
	case queue.IsNotFound(err):
		writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, queue.ErrRetriesExhausted):
		writeError(w, http.StatusConflict, "retries exhausted")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	task, err := s.queue.Cancel(r.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, task)
	case queue.IsNotFound(err):
		writeError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, queue.ErrNotCancellable):
		writeError(w, http.StatusConflict, "task is not pending or running")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	days := 30
	if v := r.URL.Query().Get("days"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, "invalid days")
			return
		}
		days = parsed
	}
	deleted, err := s.queue.ClearHistory(r.Context(), days)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": deleted})
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	counts, err := s.queue.Counts(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	body := map[string]any{
		"syncMode": s.queue.SyncMode(),
		"queue":    counts,
	}
	if s.workers != nil {
		body["workers"] = s.workers.Status()
		body["counters"] = s.workers.Counters()
	}
	writeJSON(w, http.StatusOK, body)
}

type refreshResponse struct {
	Success bool            `json:"success"`
	TaskID  int64           `json:"taskId"`
	Status  string          `json:"status,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Message string          `json:"message,omitempty"`
	Errors  []string        `json:"errors,omitempty"`
}

// handleRefreshFeed enqueues aggregate_feed for one feed. With ?wait=1 it
// blocks until the task reaches a terminal status and reports the outcome.
func (s *Server) handleRefreshFeed(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if s.feeds != nil {
		if _, err := s.feeds.GetFeed(r.Context(), id); err != nil {
			if errors.Is(err, feeds.ErrFeedNotFound) {
				writeError(w, http.StatusNotFound, "feed not found")
				return
			}
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}
	force := truthyParam(r, "force")
	wait := truthyParam(r, "wait")

	payload, err := json.Marshal(map[string]any{"feedId": id, "forceRefresh": force})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	// Subscribe before enqueueing so the terminal event cannot slip past
	// between insert and subscription.
	var ch <-chan events.Event
	var cancel func()
	if wait && s.broker != nil {
		ch, cancel, _ = s.broker.Subscribe()
		defer cancel()
	}

	task, err := s.queue.Enqueue(r.Context(), "aggregate_feed", payload, nil)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !wait {
		writeJSON(w, http.StatusAccepted, refreshResponse{Success: true, TaskID: task.ID, Status: string(task.Status)})
		return
	}

	final, err := s.awaitTerminal(r.Context(), task, ch)
	if err != nil {
		writeError(w, http.StatusGatewayTimeout, err.Error())
		return
	}
	if final.Status == queue.StatusFailed {
		resp := refreshResponse{
			Success: false,
			TaskID:  final.ID,
			Status:  string(final.Status),
			Message: "feed aggregation failed",
		}
		if final.Error != nil {
			resp.Errors = []string{*final.Error}
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}
	writeJSON(w, http.StatusOK, refreshResponse{
		Success: true,
		TaskID:  final.ID,
		Status:  string(final.Status),
		Result:  final.Result,
	})
}

// awaitTerminal waits for the task to finish, following the event stream
// with a periodic direct probe as backstop.
func (s *Server) awaitTerminal(ctx context.Context, task *queue.Task, ch <-chan events.Event) (*queue.Task, error) {
	if task.Status.Terminal() {
		return task, nil
	}
	ctx, cancel := context.WithTimeout(ctx, refreshWaitTimeout)
	defer cancel()

	ticker := time.NewTicker(refreshPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, errors.New("timed out waiting for aggregation to finish")
		case event, open := <-ch:
			if !open {
				ch = nil
				continue
			}
			if event.TaskID != task.ID {
				continue
			}
			if status := queue.TaskStatus(event.Status); status.Terminal() {
				return s.queue.Get(ctx, task.ID)
			}
		case <-ticker.C:
			current, err := s.queue.Get(ctx, task.ID)
			if err != nil {
				return nil, err
			}
			if current.Status.Terminal() {
				return current, nil
			}
		}
	}
}

type previewRequest struct {
	Title      string          `json:"title"`
	URL        string          `json:"url"`
	Kind       feeds.Kind      `json:"kind"`
	Aggregator string          `json:"aggregator"`
	Options    json.RawMessage `json:"options"`
}

type previewResponse struct {
	Success   bool              `json:"success"`
	Article   *feeds.RawArticle `json:"article,omitempty"`
	Message   string            `json:"message,omitempty"`
	ErrorType string            `json:"errorType,omitempty"`
}

// handlePreviewFeed runs the ladder against a feed that need not exist
// yet. Failures carry the scraper's structured error kind, with the empty
// result and the deadline kept distinct.
func (s *Server) handlePreviewFeed(w http.ResponseWriter, r *http.Request) {
	if s.previewer == nil {
		writeError(w, http.StatusNotFound, "preview not configured")
		return
	}
	var req previewRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.URL == "" || req.Aggregator == "" {
		writeJSON(w, http.StatusBadRequest, previewResponse{
			Success:   false,
			Message:   "url and aggregator are required",
			ErrorType: string(scrape.KindValidation),
		})
		return
	}
	feed := &feeds.Feed{
		Title:      req.Title,
		URL:        req.URL,
		Kind:       req.Kind,
		Aggregator: req.Aggregator,
		Options:    req.Options,
	}

	article, err := s.previewer.Preview(r.Context(), feed, s.previewTimeout)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, previewResponse{Success: true, Article: article})
	case errors.Is(err, scrape.ErrUnknownAggregator):
		writeJSON(w, http.StatusBadRequest, previewResponse{
			Success:   false,
			Message:   err.Error(),
			ErrorType: string(scrape.KindValidation),
		})
	case errors.Is(err, aggregate.ErrPreviewEmpty):
		writeJSON(w, http.StatusOK, previewResponse{
			Success:   false,
			Message:   err.Error(),
			ErrorType: "empty",
		})
	default:
		writeJSON(w, http.StatusOK, previewResponse{
			Success:   false,
			Message:   err.Error(),
			ErrorType: string(scrape.KindOf(err)),
		})
	}
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	if s.schedules == nil {
		writeError(w, http.StatusNotFound, "schedules not configured")
		return
	}
	schedules, err := s.schedules.ListSchedules(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"schedules": schedules})
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	if s.schedules == nil {
		writeError(w, http.StatusNotFound, "schedules not configured")
		return
	}
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if _, err := s.schedules.GetSchedule(r.Context(), id); err != nil {
		if errors.Is(err, queue.ErrScheduleNotFound) {
			writeError(w, http.StatusNotFound, "schedule not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = parsed
	}
	executions, err := s.schedules.ListExecutions(r.Context(), id, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": executions})
}

func decodeBody(r *http.Request, dst any) error {
	body := http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	defer body.Close()
	dec := json.NewDecoder(body)
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return errors.New("invalid JSON body")
	}
	return nil
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id < 1 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

func truthyParam(r *http.Request, name string) bool {
	switch strings.ToLower(strings.TrimSpace(r.URL.Query().Get(name))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

func parseTaskQuery(r *http.Request) (queue.TaskFilter, queue.Page, error) {
	query := r.URL.Query()
	var filter queue.TaskFilter
	var page queue.Page

	if raw := query.Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			status := queue.TaskStatus(strings.TrimSpace(part))
			if !status.Valid() {
				return filter, page, errors.New("invalid status filter")
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	if raw := query.Get("type"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				filter.Types = append(filter.Types, trimmed)
			}
		}
	}
	if raw := query.Get("from"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, page, errors.New("invalid from timestamp (want RFC3339)")
		}
		filter.CreatedFrom = parsed
	}
	if raw := query.Get("to"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return filter, page, errors.New("invalid to timestamp (want RFC3339)")
		}
		filter.CreatedTo = parsed
	}
	if raw := query.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			return filter, page, errors.New("invalid limit")
		}
		page.Limit = parsed
	}
	if raw := query.Get("offset"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			return filter, page, errors.New("invalid offset")
		}
		page.Offset = parsed
	}
	return filter, page, nil
}
