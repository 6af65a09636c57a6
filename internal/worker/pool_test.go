package worker

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fa-krug/Yana-sub000/internal/queue"
)

func taskFixture(id int64, taskType string) *queue.Task {
	return &queue.Task{
		ID:         id,
		Type:       taskType,
		Status:     queue.StatusPending,
		Payload:    json.RawMessage(`{}`),
		MaxRetries: queue.DefaultMaxRetries,
		CreatedAt:  time.Now(),
	}
}

// fakePoolQueue is an in-memory Queue with just enough lifecycle rules
// for the pool to run against.
type fakePoolQueue struct {
	mu    sync.Mutex
	tasks map[int64]*queue.Task
	order []int64

	wakeFn      func()
	completions map[int64]json.RawMessage
	failures    map[int64]string
	retryCalls  int
	retryDelays []time.Duration
	heartbeats  int
	reclaims    int
}

func newFakePoolQueue() *fakePoolQueue {
	return &fakePoolQueue{
		tasks:       map[int64]*queue.Task{},
		completions: map[int64]json.RawMessage{},
		failures:    map[int64]string{},
	}
}

func (f *fakePoolQueue) add(t *queue.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[t.ID] = t
	f.order = append(f.order, t.ID)
}

func (f *fakePoolQueue) clone(t *queue.Task) *queue.Task {
	c := *t
	return &c
}

func (f *fakePoolQueue) ClaimNext(ctx context.Context, workerID string) (*queue.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, id := range f.order {
		t := f.tasks[id]
		if t.Status != queue.StatusPending {
			continue
		}
		f.order = append(f.order[:i], f.order[i+1:]...)
		t.Status = queue.StatusRunning
		t.ClaimedBy = &workerID
		return f.clone(t), nil
	}
	return nil, queue.ErrNoTasks
}

func (f *fakePoolQueue) Heartbeat(ctx context.Context, id int64, workerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return nil
}

func (f *fakePoolQueue) Complete(ctx context.Context, id int64, workerID string, result json.RawMessage) (*queue.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok || t.Status != queue.StatusRunning {
		return nil, queue.ErrStaleResult
	}
	t.Status = queue.StatusCompleted
	t.Result = result
	f.completions[id] = result
	return f.clone(t), nil
}

func (f *fakePoolQueue) Fail(ctx context.Context, id int64, workerID string, errMsg string) (*queue.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok || t.Status != queue.StatusRunning {
		return nil, queue.ErrStaleResult
	}
	t.Status = queue.StatusFailed
	t.Error = &errMsg
	f.failures[id] = errMsg
	return f.clone(t), nil
}

func (f *fakePoolQueue) Retry(ctx context.Context, id int64) (*queue.Task, error) {
	return f.retryAt(id, 0)
}

func (f *fakePoolQueue) RetryAfter(ctx context.Context, id int64, at time.Time) (*queue.Task, error) {
	return f.retryAt(id, time.Until(at))
}

func (f *fakePoolQueue) retryAt(id int64, delay time.Duration) (*queue.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, queue.ErrTaskNotFound
	}
	if t.Retries >= t.MaxRetries {
		return nil, queue.ErrRetriesExhausted
	}
	t.Status = queue.StatusPending
	t.Retries++
	t.Error = nil
	f.order = append(f.order, id)
	f.retryCalls++
	f.retryDelays = append(f.retryDelays, delay)
	return f.clone(t), nil
}

func (f *fakePoolQueue) ReclaimExpired(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reclaims++
	return 0, nil
}

func (f *fakePoolQueue) SetWakeup(fn func()) {
	f.wakeFn = fn
}

func (f *fakePoolQueue) status(id int64) queue.TaskStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tasks[id].Status
}

func (f *fakePoolQueue) completed(id int64) (json.RawMessage, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res, ok := f.completions[id]
	return res, ok
}

// stepPool drives one claim/execute/finalize round without the
// supervisor loop, keeping the test deterministic.
func stepPool(t *testing.T, p *Pool, ctx context.Context) {
	t.Helper()
	p.dispatch(ctx)
	select {
	case res := <-p.results:
		p.finalize(res)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
	}
}

func TestPoolProcessesTask(t *testing.T) {
	q := newFakePoolQueue()
	q.add(taskFixture(1, "aggregate_feed"))

	reg := NewRegistry()
	reg.Register("aggregate_feed", func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"articlesCreated":5}`), nil
	})

	p := NewPool(q, reg, discardLogger(), PoolOptions{NodeID: "node", Count: 1})
	for i := range p.slots {
		p.spawn(i)
	}
	defer p.stopProcesses()

	stepPool(t, p, context.Background())

	res, ok := q.completed(1)
	if !ok {
		t.Fatal("expected task 1 to be completed")
	}
	if string(res) != `{"articlesCreated":5}` {
		t.Errorf("unexpected result %s", res)
	}
	c := p.Counters()
	if c.Claimed != 1 || c.Completed != 1 || c.Failed != 0 {
		t.Errorf("unexpected counters %+v", c)
	}
}

func TestPoolRetriesUntilExhausted(t *testing.T) {
	q := newFakePoolQueue()
	task := taskFixture(1, "aggregate_feed")
	task.MaxRetries = 2
	q.add(task)

	calls := 0
	reg := NewRegistry()
	reg.Register("aggregate_feed", func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		calls++
		return nil, context.DeadlineExceeded
	})

	// Zero base means immediate retries.
	p := NewPool(q, reg, discardLogger(), PoolOptions{NodeID: "node", Count: 1, RetryBackoffBase: 0})
	for i := range p.slots {
		p.spawn(i)
	}
	defer p.stopProcesses()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		stepPool(t, p, ctx)
	}

	if calls != 3 {
		t.Errorf("expected 3 attempts, got %d", calls)
	}
	if q.retryCalls != 2 {
		t.Errorf("expected 2 retries, got %d", q.retryCalls)
	}
	if got := q.status(1); got != queue.StatusFailed {
		t.Errorf("expected final status failed, got %s", got)
	}
	c := p.Counters()
	if c.Failed != 3 || c.Retried != 2 {
		t.Errorf("unexpected counters %+v", c)
	}
}

func TestPoolBacksOffBetweenRetries(t *testing.T) {
	q := newFakePoolQueue()
	q.add(taskFixture(1, "aggregate_feed"))

	reg := NewRegistry()
	reg.Register("aggregate_feed", func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		return nil, context.DeadlineExceeded
	})

	p := NewPool(q, reg, discardLogger(), PoolOptions{
		NodeID: "node", Count: 1,
		RetryBackoffBase: time.Minute, RetryBackoffMax: 5 * time.Minute,
	})
	for i := range p.slots {
		p.spawn(i)
	}
	defer p.stopProcesses()

	stepPool(t, p, context.Background())

	if len(q.retryDelays) != 1 {
		t.Fatalf("expected 1 retry, got %d", len(q.retryDelays))
	}
	// First retry waits about one base interval.
	if d := q.retryDelays[0]; d < 50*time.Second || d > time.Minute {
		t.Errorf("expected ~1m delay, got %s", d)
	}
}

func TestPoolContainsPanics(t *testing.T) {
	q := newFakePoolQueue()
	task := taskFixture(1, "aggregate_feed")
	task.MaxRetries = 1
	q.add(task)

	calls := 0
	reg := NewRegistry()
	reg.Register("aggregate_feed", func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		calls++
		if calls == 1 {
			panic("bad payload")
		}
		return json.RawMessage(`{"success":true}`), nil
	})

	p := NewPool(q, reg, discardLogger(), PoolOptions{NodeID: "node", Count: 1, RetryBackoffBase: 0})
	for i := range p.slots {
		p.spawn(i)
	}
	defer p.stopProcesses()

	ctx := context.Background()
	stepPool(t, p, ctx)

	q.mu.Lock()
	failure := q.failures[1]
	q.mu.Unlock()
	if !strings.Contains(failure, "panic: bad payload") {
		t.Errorf("expected recorded panic, got %q", failure)
	}

	// The retry succeeds on the same slot; no respawn happened.
	stepPool(t, p, ctx)
	if _, ok := q.completed(1); !ok {
		t.Error("expected retry to complete")
	}
	if c := p.Counters(); c.Respawned != 0 {
		t.Errorf("expected no respawns, got %d", c.Respawned)
	}
}

func TestPoolStatusTransitions(t *testing.T) {
	q := newFakePoolQueue()
	q.add(taskFixture(1, "aggregate_feed"))

	release := make(chan struct{})
	started := make(chan struct{})
	reg := NewRegistry()
	reg.Register("aggregate_feed", func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		close(started)
		<-release
		return json.RawMessage(`{}`), nil
	})

	p := NewPool(q, reg, discardLogger(), PoolOptions{NodeID: "node", Count: 2})
	for i := range p.slots {
		p.spawn(i)
	}
	defer p.stopProcesses()

	p.dispatch(context.Background())
	<-started

	status := p.Status()
	if len(status) != 2 {
		t.Fatalf("expected 2 slots, got %d", len(status))
	}
	var busy, idle int
	for _, ws := range status {
		switch ws.State {
		case string(slotBusy):
			busy++
			if ws.TaskID == nil || *ws.TaskID != 1 {
				t.Errorf("busy slot missing task id: %+v", ws)
			}
		case string(slotIdle):
			idle++
		}
	}
	if busy != 1 || idle != 1 {
		t.Errorf("expected 1 busy / 1 idle, got %d/%d", busy, idle)
	}

	close(release)
	select {
	case res := <-p.results:
		p.finalize(res)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
	}

	for _, ws := range p.Status() {
		if ws.State == string(slotBusy) {
			t.Errorf("expected no busy slots after finalize, got %+v", ws)
		}
	}
}

func TestPoolWakeDispatchesWithoutPolling(t *testing.T) {
	q := newFakePoolQueue()
	done := make(chan struct{})
	reg := NewRegistry()
	reg.Register("aggregate_feed", func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		close(done)
		return json.RawMessage(`{}`), nil
	})

	// Poll interval far beyond the test horizon: only a wake can
	// trigger dispatch.
	p := NewPool(q, reg, discardLogger(), PoolOptions{NodeID: "node", Count: 1, PollInterval: time.Hour})
	if q.wakeFn == nil {
		t.Fatal("expected NewPool to register its wakeup with the queue")
	}

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- p.Start(ctx) }()

	time.Sleep(20 * time.Millisecond)
	q.add(taskFixture(1, "aggregate_feed"))
	q.wakeFn()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("wake did not trigger dispatch")
	}

	cancel()
	if err := <-errc; err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if _, ok := q.completed(1); !ok {
		t.Error("expected task to be completed before shutdown")
	}
}

func TestPoolDrainsOnShutdown(t *testing.T) {
	q := newFakePoolQueue()
	q.add(taskFixture(1, "aggregate_feed"))

	started := make(chan struct{})
	reg := NewRegistry()
	reg.Register("aggregate_feed", func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		close(started)
		time.Sleep(50 * time.Millisecond)
		return json.RawMessage(`{"success":true}`), nil
	})

	p := NewPool(q, reg, discardLogger(), PoolOptions{NodeID: "node", Count: 1, PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- p.Start(ctx) }()

	<-started
	cancel()

	select {
	case err := <-errc:
		if err != nil {
			t.Fatalf("Start returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not shut down")
	}

	// The in-flight task finished during the drain.
	if _, ok := q.completed(1); !ok {
		t.Error("expected in-flight task to complete before shutdown")
	}
}

func TestRetryDelayTable(t *testing.T) {
	base := time.Second
	max := 5 * time.Minute

	tests := []struct {
		retries int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{8, 256 * time.Second},
		{9, max},
		{40, max},
	}
	for _, tt := range tests {
		if got := RetryDelay(base, max, tt.retries); got != tt.want {
			t.Errorf("retries=%d: expected %s, got %s", tt.retries, tt.want, got)
		}
	}

	if got := RetryDelay(0, max, 3); got != 0 {
		t.Errorf("zero base must mean immediate retry, got %s", got)
	}
}
