package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fa-krug/Yana-sub000/internal/aggregate"
	"github.com/fa-krug/Yana-sub000/internal/feeds"
	"github.com/fa-krug/Yana-sub000/internal/queue"
	"github.com/fa-krug/Yana-sub000/internal/scrape"
)

func TestAuthorize(t *testing.T) {
	s := &Server{token: "token", limiter: newAuthLimiter(10, time.Minute, 10)}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	if s.authorize(w, req) {
		t.Fatal("expected unauthorized without header")
	}
	if w.Result().StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Result().StatusCode)
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Authorization", "Bearer token")
	w = httptest.NewRecorder()
	if !s.authorize(w, req) {
		t.Fatal("expected authorized with correct token")
	}

	s = &Server{token: ""}
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w = httptest.NewRecorder()
	if !s.authorize(w, req) {
		t.Fatal("expected authorized when token not configured")
	}
}

func TestAuthorizeRateLimit(t *testing.T) {
	s := &Server{token: "token", limiter: newAuthLimiter(1, time.Minute, 10)}

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	if s.authorize(w, req) {
		t.Fatal("expected unauthorized without header")
	}
	if w.Result().StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Result().StatusCode)
	}

	w = httptest.NewRecorder()
	if s.authorize(w, req) {
		t.Fatal("expected unauthorized without header")
	}
	if w.Result().StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Result().StatusCode)
	}
}

func TestAuthorizeAllowlist(t *testing.T) {
	allowlist, err := ParseCIDRAllowlist("192.0.2.0/24")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s := &Server{token: "", limiter: newAuthLimiter(10, time.Minute, 10), allow: allowlist}

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "198.51.100.10:1234"
	w := httptest.NewRecorder()
	if s.authorize(w, req) {
		t.Fatal("expected denied for non-allowlisted host")
	}
	if w.Result().StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Result().StatusCode)
	}

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "192.0.2.10:1234"
	w = httptest.NewRecorder()
	if !s.authorize(w, req) {
		t.Fatal("expected allowed for allowlisted host")
	}
}

// fakeQueue satisfies TaskQueue with canned behavior per test.
type fakeQueue struct {
	tasks     map[int64]*queue.Task
	nextID    int64
	enqueued  []string
	retryErr  error
	cancelErr error
	// when set, Enqueue returns the task already terminal, the way the
	// sync/debug path does.
	terminal *queue.Task
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{tasks: map[int64]*queue.Task{}, nextID: 1}
}

func (f *fakeQueue) Enqueue(_ context.Context, taskType string, payload json.RawMessage, opts *queue.EnqueueOptions) (*queue.Task, error) {
	f.enqueued = append(f.enqueued, taskType)
	if f.terminal != nil {
		f.tasks[f.terminal.ID] = f.terminal
		return f.terminal, nil
	}
	task := &queue.Task{ID: f.nextID, Type: taskType, Status: queue.StatusPending, Payload: payload, MaxRetries: queue.DefaultMaxRetries, CreatedAt: time.Now()}
	if opts != nil && opts.MaxRetries > 0 {
		task.MaxRetries = opts.MaxRetries
	}
	f.nextID++
	f.tasks[task.ID] = task
	return task, nil
}

func (f *fakeQueue) Get(_ context.Context, id int64) (*queue.Task, error) {
	task, ok := f.tasks[id]
	if !ok {
		return nil, queue.ErrTaskNotFound
	}
	return task, nil
}

func (f *fakeQueue) List(_ context.Context, _ queue.TaskFilter, page queue.Page) (*queue.TaskPage, error) {
	return &queue.TaskPage{Limit: page.Limit, Offset: page.Offset}, nil
}

func (f *fakeQueue) Retry(_ context.Context, id int64) (*queue.Task, error) {
	if f.retryErr != nil {
		return nil, f.retryErr
	}
	return f.Get(context.Background(), id)
}

func (f *fakeQueue) Cancel(_ context.Context, id int64) (*queue.Task, error) {
	if f.cancelErr != nil {
		return nil, f.cancelErr
	}
	return f.Get(context.Background(), id)
}

func (f *fakeQueue) ClearHistory(_ context.Context, _ int) (int64, error) { return 3, nil }

func (f *fakeQueue) Counts(_ context.Context) (queue.StatusCounts, error) {
	return queue.StatusCounts{Pending: 1}, nil
}

func (f *fakeQueue) SyncMode() bool { return f.terminal != nil }

type fakeFeeds struct {
	feed *feeds.Feed
}

func (f *fakeFeeds) GetFeed(_ context.Context, id int64) (*feeds.Feed, error) {
	if f.feed == nil || f.feed.ID != id {
		return nil, feeds.ErrFeedNotFound
	}
	return f.feed, nil
}

type fakePreviewer struct {
	article *feeds.RawArticle
	err     error
}

func (f *fakePreviewer) Preview(_ context.Context, _ *feeds.Feed, _ time.Duration) (*feeds.RawArticle, error) {
	return f.article, f.err
}

func serveAPI(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestEnqueueTaskEndpoint(t *testing.T) {
	fq := newFakeQueue()
	s := NewServer(ServerOptions{Queue: fq})

	w := serveAPI(t, s, http.MethodPost, "/api/tasks", `{"type":"fetch_icon","payload":{"feedId":3}}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var task queue.Task
	if err := json.Unmarshal(w.Body.Bytes(), &task); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if task.Type != "fetch_icon" {
		t.Fatalf("expected fetch_icon, got %q", task.Type)
	}

	w = serveAPI(t, s, http.MethodPost, "/api/tasks", `{"payload":{}}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing type, got %d", w.Code)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	s := NewServer(ServerOptions{Queue: newFakeQueue()})
	w := serveAPI(t, s, http.MethodGet, "/api/tasks/99", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestRetryExhaustedConflict(t *testing.T) {
	fq := newFakeQueue()
	fq.retryErr = queue.ErrRetriesExhausted
	s := NewServer(ServerOptions{Queue: fq})

	w := serveAPI(t, s, http.MethodPost, "/api/tasks/1/retry", "")
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
}

func TestCancelTerminalConflict(t *testing.T) {
	fq := newFakeQueue()
	fq.cancelErr = queue.ErrNotCancellable
	s := NewServer(ServerOptions{Queue: fq})

	w := serveAPI(t, s, http.MethodPost, "/api/tasks/1/cancel", "")
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
}

func TestListTasksRejectsBadStatus(t *testing.T) {
	s := NewServer(ServerOptions{Queue: newFakeQueue()})
	w := serveAPI(t, s, http.MethodGet, "/api/tasks?status=bogus", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestClearHistoryEndpoint(t *testing.T) {
	s := NewServer(ServerOptions{Queue: newFakeQueue()})
	w := serveAPI(t, s, http.MethodDelete, "/api/tasks/history?days=7", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]int64
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if body["deleted"] != 3 {
		t.Fatalf("expected 3 deleted, got %d", body["deleted"])
	}
}

func TestRefreshFeedUnknownFeed(t *testing.T) {
	s := NewServer(ServerOptions{Queue: newFakeQueue(), Feeds: &fakeFeeds{}})
	w := serveAPI(t, s, http.MethodPost, "/api/feeds/5/refresh", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestRefreshFeedEnqueues(t *testing.T) {
	fq := newFakeQueue()
	s := NewServer(ServerOptions{
		Queue: fq,
		Feeds: &fakeFeeds{feed: &feeds.Feed{ID: 5, Aggregator: "rss"}},
	})
	w := serveAPI(t, s, http.MethodPost, "/api/feeds/5/refresh?force=1", "")
	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	if len(fq.enqueued) != 1 || fq.enqueued[0] != "aggregate_feed" {
		t.Fatalf("expected one aggregate_feed enqueue, got %v", fq.enqueued)
	}
}

func TestRefreshFeedWaitReportsFailure(t *testing.T) {
	errMsg := "aggregate rss: connection refused"
	fq := newFakeQueue()
	fq.terminal = &queue.Task{
		ID:     8,
		Type:   "aggregate_feed",
		Status: queue.StatusFailed,
		Error:  &errMsg,
	}
	s := NewServer(ServerOptions{
		Queue: fq,
		Feeds: &fakeFeeds{feed: &feeds.Feed{ID: 5, Aggregator: "rss"}},
	})

	w := serveAPI(t, s, http.MethodPost, "/api/feeds/5/refresh?wait=1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp refreshResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Success {
		t.Fatal("expected success=false for failed task")
	}
	if len(resp.Errors) != 1 || resp.Errors[0] != errMsg {
		t.Fatalf("expected task error surfaced, got %v", resp.Errors)
	}
}

func TestRefreshFeedWaitReportsResult(t *testing.T) {
	fq := newFakeQueue()
	fq.terminal = &queue.Task{
		ID:     9,
		Type:   "aggregate_feed",
		Status: queue.StatusCompleted,
		Result: json.RawMessage(`{"articlesCreated":3,"articlesUpdated":0}`),
	}
	s := NewServer(ServerOptions{
		Queue: fq,
		Feeds: &fakeFeeds{feed: &feeds.Feed{ID: 5, Aggregator: "rss"}},
	})

	w := serveAPI(t, s, http.MethodPost, "/api/feeds/5/refresh?wait=1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp refreshResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Success {
		t.Fatalf("expected success, got %s", w.Body.String())
	}
	if string(resp.Result) != `{"articlesCreated":3,"articlesUpdated":0}` {
		t.Fatalf("unexpected result: %s", resp.Result)
	}
}

func TestPreviewEndpoint(t *testing.T) {
	article := &feeds.RawArticle{Title: "hello", URL: "https://example.com/a"}
	s := NewServer(ServerOptions{Queue: newFakeQueue(), Previewer: &fakePreviewer{article: article}})

	w := serveAPI(t, s, http.MethodPost, "/api/feeds/preview", `{"url":"https://example.com/feed","aggregator":"rss"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp previewResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Success || resp.Article == nil || resp.Article.URL != article.URL {
		t.Fatalf("unexpected response: %s", w.Body.String())
	}
}

func TestPreviewEndpointErrorTypes(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		wantType string
	}{
		{"timeout", &scrape.Error{Kind: scrape.KindTimeout, Op: "preview", Err: context.DeadlineExceeded}, "timeout"},
		{"empty", aggregate.ErrPreviewEmpty, "empty"},
		{"parse", scrape.Errorf(scrape.KindParse, "aggregate", "bad xml"), "parse"},
		{"unclassified", errors.New("boom"), "unknown"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := NewServer(ServerOptions{Queue: newFakeQueue(), Previewer: &fakePreviewer{err: tc.err}})
			w := serveAPI(t, s, http.MethodPost, "/api/feeds/preview", `{"url":"https://example.com/feed","aggregator":"rss"}`)
			if w.Code != http.StatusOK {
				t.Fatalf("expected 200, got %d", w.Code)
			}
			var resp previewResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode response: %v", err)
			}
			if resp.Success {
				t.Fatal("expected success=false")
			}
			if resp.ErrorType != tc.wantType {
				t.Fatalf("expected errorType %q, got %q", tc.wantType, resp.ErrorType)
			}
		})
	}
}

func TestPreviewEndpointValidation(t *testing.T) {
	s := NewServer(ServerOptions{Queue: newFakeQueue(), Previewer: &fakePreviewer{}})
	w := serveAPI(t, s, http.MethodPost, "/api/feeds/preview", `{"url":""}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	var resp previewResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ErrorType != "validation" {
		t.Fatalf("expected validation errorType, got %q", resp.ErrorType)
	}
}
