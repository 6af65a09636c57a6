// Package web is the operator HTTP surface: health and Prometheus
// endpoints, the task lifecycle event stream, and the JSON API over
// tasks, workers, feeds, and schedules. Auth is a bearer token and/or a
// CIDR allowlist with failed-auth rate limiting.
package web

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fa-krug/Yana-sub000/internal/events"
	"github.com/fa-krug/Yana-sub000/internal/feeds"
	"github.com/fa-krug/Yana-sub000/internal/queue"
	"github.com/fa-krug/Yana-sub000/internal/worker"
)

// TaskQueue is the queue service slice the API drives.
type TaskQueue interface {
	Enqueue(ctx context.Context, taskType string, payload json.RawMessage, opts *queue.EnqueueOptions) (*queue.Task, error)
	Get(ctx context.Context, id int64) (*queue.Task, error)
	List(ctx context.Context, filter queue.TaskFilter, page queue.Page) (*queue.TaskPage, error)
	Retry(ctx context.Context, id int64) (*queue.Task, error)
	Cancel(ctx context.Context, id int64) (*queue.Task, error)
	ClearHistory(ctx context.Context, days int) (int64, error)
	Counts(ctx context.Context) (queue.StatusCounts, error)
	SyncMode() bool
}

// Schedules serves the read side of the schedule endpoints. *queue.Store
// implements it.
type Schedules interface {
	ListSchedules(ctx context.Context) ([]*queue.Schedule, error)
	GetSchedule(ctx context.Context, id int64) (*queue.Schedule, error)
	ListExecutions(ctx context.Context, scheduleID int64, limit int) ([]*queue.TaskExecution, error)
}

// WorkerSource reports worker pool state for /api/workers. Nil when the
// node runs without a pool.
type WorkerSource interface {
	Status() []worker.WorkerStatus
	Counters() worker.Counters
}

// FeedGetter resolves feeds for the refresh endpoint.
type FeedGetter interface {
	GetFeed(ctx context.Context, id int64) (*feeds.Feed, error)
}

// Previewer runs the feed preview ladder inline.
type Previewer interface {
	Preview(ctx context.Context, feed *feeds.Feed, timeout time.Duration) (*feeds.RawArticle, error)
}

type ServerOptions struct {
	Addr string

	DB        *pgxpool.Pool
	Queue     TaskQueue
	Schedules Schedules
	Workers   WorkerSource
	Feeds     FeedGetter
	Previewer Previewer
	Broker    *events.Broker

	PreviewTimeout time.Duration

	AuthToken      string
	Allowlist      *CIDRAllowlist
	AuthLimit      int
	AuthWindow     time.Duration
	AuthMaxEntries int
	TLS            *tls.Config

	Logger *slog.Logger
}

type Server struct {
	addr      string
	db        *pgxpool.Pool
	queue     TaskQueue
	schedules Schedules
	workers   WorkerSource
	feeds     FeedGetter
	previewer Previewer
	broker    *events.Broker

	previewTimeout time.Duration

	token   string
	limiter *authLimiter
	allow   *CIDRAllowlist
	tls     *tls.Config
	logger  *slog.Logger
}

func NewServer(opts ServerOptions) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	authLimit := opts.AuthLimit
	if authLimit <= 0 {
		authLimit = DefaultAuthLimit
	}
	authWindow := opts.AuthWindow
	if authWindow <= 0 {
		authWindow = DefaultAuthWindow
	}
	authMaxEntries := opts.AuthMaxEntries
	if authMaxEntries <= 0 {
		authMaxEntries = DefaultAuthMaxEntries
	}
	return &Server{
		addr:           opts.Addr,
		db:             opts.DB,
		queue:          opts.Queue,
		schedules:      opts.Schedules,
		workers:        opts.Workers,
		feeds:          opts.Feeds,
		previewer:      opts.Previewer,
		broker:         opts.Broker,
		previewTimeout: opts.PreviewTimeout,
		token:          opts.AuthToken,
		limiter:        newAuthLimiter(authLimit, authWindow, authMaxEntries),
		allow:          opts.Allowlist,
		tls:            opts.TLS,
		logger:         logger,
	}
}

// Handler builds the route table. Split from Start so tests can drive
// the mux without a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.guard(s.handleHealthz))
	mux.HandleFunc("GET /metrics", s.guard(func(w http.ResponseWriter, r *http.Request) {
		promhttp.Handler().ServeHTTP(w, r)
	}))
	mux.HandleFunc("GET /api/events", s.guard(s.handleEvents))

	mux.HandleFunc("POST /api/tasks", s.guard(s.handleEnqueueTask))
	mux.HandleFunc("GET /api/tasks", s.guard(s.handleListTasks))
	mux.HandleFunc("DELETE /api/tasks/history", s.guard(s.handleClearHistory))
	mux.HandleFunc("GET /api/tasks/{id}", s.guard(s.handleGetTask))
	mux.HandleFunc("POST /api/tasks/{id}/retry", s.guard(s.handleRetryTask))
	mux.HandleFunc("POST /api/tasks/{id}/cancel", s.guard(s.handleCancelTask))

	mux.HandleFunc("GET /api/workers", s.guard(s.handleWorkers))

	mux.HandleFunc("POST /api/feeds/{id}/refresh", s.guard(s.handleRefreshFeed))
	mux.HandleFunc("POST /api/feeds/preview", s.guard(s.handlePreviewFeed))

	mux.HandleFunc("GET /api/schedules", s.guard(s.handleListSchedules))
	mux.HandleFunc("GET /api/schedules/{id}/executions", s.guard(s.handleListExecutions))

	return mux
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// Long enough for a synchronous preview ladder run.
		WriteTimeout:   0,
		IdleTimeout:    60 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	if s.tls != nil {
		server.TLSConfig = s.tls
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("server shutdown error", "error", err)
		}
	}()

	if s.tls != nil {
		return server.ListenAndServeTLS("", "")
	}
	return server.ListenAndServe()
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.Ping(r.Context()); err != nil {
			s.logger.Warn("health check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte("unhealthy"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.broker == nil {
		writeError(w, http.StatusNotFound, "events not configured")
		return
	}
	filter, err := parseEventFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	flusher, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("streaming unsupported"))
		return
	}

	ch, cancel, snapshot := s.broker.Subscribe()
	defer cancel()
	for _, event := range snapshot {
		if !filter.Matches(event) {
			continue
		}
		if err := writeEvent(w, event); err != nil {
			return
		}
		flusher.Flush()
	}

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case event := <-ch:
			if !filter.Matches(event) {
				continue
			}
			if err := writeEvent(w, event); err != nil {
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, event events.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
	return err
}

// guard wraps a handler with allowlist and token checks.
func (s *Server) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authorize(w, r) {
			return
		}
		next(w, r)
	}
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request) bool {
	host := remoteHost(r.RemoteAddr)
	if s.allow != nil && !s.allow.Allows(host) {
		limited := false
		if s.limiter != nil && !s.limiter.allow(host, time.Now()) {
			limited = true
		}
		slog.Warn(
			"Denied request",
			"path", r.URL.Path,
			"method", r.Method,
			"remote_addr", r.RemoteAddr,
			"remote_host", host,
			"reason", "allowlist",
			"rate_limited", limited,
		)
		if limited {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte("rate limited"))
		} else {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte("forbidden"))
		}
		return false
	}
	if s.token == "" {
		return true
	}
	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		token := strings.TrimSpace(authHeader[len("bearer "):])
		if token == s.token {
			return true
		}
	}
	limited := false
	if s.limiter != nil && !s.limiter.allow(host, time.Now()) {
		limited = true
	}
	slog.Warn(
		"Unauthorized request",
		"path", r.URL.Path,
		"method", r.Method,
		"remote_addr", r.RemoteAddr,
		"remote_host", host,
		"rate_limited", limited,
	)
	if limited {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("rate limited"))
	} else {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte("unauthorized"))
	}
	return false
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
