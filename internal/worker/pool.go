package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/fa-krug/Yana-sub000/internal/queue"
)

// Queue is the service surface the pool drives.
type Queue interface {
	ClaimNext(ctx context.Context, workerID string) (*queue.Task, error)
	Heartbeat(ctx context.Context, id int64, workerID string) error
	Complete(ctx context.Context, id int64, workerID string, result json.RawMessage) (*queue.Task, error)
	Fail(ctx context.Context, id int64, workerID string, errMsg string) (*queue.Task, error)
	Retry(ctx context.Context, id int64) (*queue.Task, error)
	RetryAfter(ctx context.Context, id int64, at time.Time) (*queue.Task, error)
	ReclaimExpired(ctx context.Context) (int, error)
	SetWakeup(fn func())
}

type PoolOptions struct {
	NodeID           string
	Count            int
	PollInterval     time.Duration
	LeaseDuration    time.Duration
	ReclaimInterval  time.Duration
	RetryBackoffBase time.Duration
	RetryBackoffMax  time.Duration
	ShutdownTimeout  time.Duration
}

func (o PoolOptions) withDefaults() PoolOptions {
	if o.NodeID == "" {
		o.NodeID = "yana"
	}
	if o.Count <= 0 {
		o.Count = 4
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = 5 * time.Minute
	}
	if o.ReclaimInterval <= 0 {
		o.ReclaimInterval = time.Minute
	}
	if o.RetryBackoffMax <= 0 {
		o.RetryBackoffMax = 5 * time.Minute
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 30 * time.Second
	}
	return o
}

type slotState string

const (
	slotSpawning slotState = "spawning"
	slotIdle     slotState = "idle"
	slotBusy     slotState = "busy"
	slotExited   slotState = "exited"
)

type slot struct {
	id   string
	proc *Process

	state      slotState
	task       *queue.Task
	startedAt  time.Time
	cancelProc context.CancelFunc
	cancelBeat context.CancelFunc

	processed int64
	failed    int64
	restarts  int64
}

// WorkerStatus is one slot's view for the operator API.
type WorkerStatus struct {
	ID        string     `json:"id"`
	State     string     `json:"state"`
	TaskID    *int64     `json:"taskId,omitempty"`
	TaskType  *string    `json:"taskType,omitempty"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
	Processed int64      `json:"processed"`
	Failed    int64      `json:"failed"`
	Restarts  int64      `json:"restarts"`
}

// Counters are pool-lifetime totals.
type Counters struct {
	Claimed   int64 `json:"claimed"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Retried   int64 `json:"retried"`
	Respawned int64 `json:"respawned"`
	Reclaimed int64 `json:"reclaimed"`
}

// Pool owns a fixed set of worker processes. A single supervisor
// goroutine claims work, routes it to idle slots, finalizes results,
// and respawns dead slots; per-task heartbeats run alongside.
type Pool struct {
	opts     PoolOptions
	queue    Queue
	registry *Registry
	logger   *slog.Logger

	mu       sync.Mutex
	slots    []*slot
	counters Counters

	wake    chan struct{}
	results chan Result
	exits   chan int
}

func NewPool(q Queue, registry *Registry, logger *slog.Logger, opts PoolOptions) *Pool {
	opts = opts.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		opts:     opts,
		queue:    q,
		registry: registry,
		logger:   logger,
		slots:    make([]*slot, opts.Count),
		wake:     make(chan struct{}, 1),
		results:  make(chan Result, opts.Count),
		exits:    make(chan int, opts.Count),
	}
	q.SetWakeup(p.Wake)
	return p
}

// Wake nudges the supervisor to claim immediately instead of waiting for
// the next poll tick. Safe from any goroutine; extra pokes coalesce.
func (p *Pool) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Start runs the supervisor until ctx is cancelled, then drains.
func (p *Pool) Start(ctx context.Context) error {
	p.logger.Info("starting worker pool", "workers", p.opts.Count, "node_id", p.opts.NodeID)

	for i := range p.slots {
		p.spawn(i)
	}
	go p.runReclaimer(ctx)

	// Jitter keeps multiple nodes from sweeping in lockstep.
	jitter := time.Duration(rand.Intn(200)) * time.Millisecond
	ticker := time.NewTicker(p.opts.PollInterval + jitter)
	defer ticker.Stop()

	p.dispatch(ctx)
	for {
		select {
		case <-ctx.Done():
			return p.drain()
		case <-p.wake:
			p.dispatch(ctx)
		case <-ticker.C:
			p.dispatch(ctx)
		case res := <-p.results:
			p.finalize(res)
			p.dispatch(ctx)
		case idx := <-p.exits:
			p.respawn(ctx, idx)
			p.dispatch(ctx)
		}
	}
}

func (p *Pool) spawn(idx int) {
	id := fmt.Sprintf("%s#%d", p.opts.NodeID, idx+1)
	procCtx, cancel := context.WithCancel(context.Background())
	proc := newProcess(id, p.registry, p.results, p.logger)

	p.mu.Lock()
	prev := p.slots[idx]
	sl := &slot{id: id, proc: proc, state: slotSpawning, cancelProc: cancel}
	if prev != nil {
		sl.processed = prev.processed
		sl.failed = prev.failed
		sl.restarts = prev.restarts
	}
	p.slots[idx] = sl
	p.mu.Unlock()

	proc.start(procCtx)

	p.mu.Lock()
	sl.state = slotIdle
	p.mu.Unlock()

	go func(idx int, done <-chan struct{}) {
		<-done
		p.exits <- idx
	}(idx, proc.done)
}

// respawn replaces a slot whose goroutine died. Its in-flight task, if
// any, is left to lease reclamation.
func (p *Pool) respawn(ctx context.Context, idx int) {
	p.mu.Lock()
	sl := p.slots[idx]
	wasBusy := sl.state == slotBusy
	var orphan int64
	if wasBusy && sl.task != nil {
		orphan = sl.task.ID
	}
	if sl.cancelBeat != nil {
		sl.cancelBeat()
		sl.cancelBeat = nil
	}
	sl.state = slotExited
	sl.task = nil
	p.mu.Unlock()

	if wasBusy {
		workersBusy.Dec()
	}
	if ctx.Err() != nil {
		return
	}

	p.mu.Lock()
	sl.restarts++
	p.counters.Respawned++
	p.mu.Unlock()
	workerRespawns.Inc()

	if wasBusy {
		p.logger.Error("worker process died mid-task, lease reclaim will recover it",
			"worker_id", sl.id, "task_id", orphan)
	} else {
		p.logger.Error("worker process died, respawning", "worker_id", sl.id)
	}
	p.spawn(idx)
}

func (p *Pool) idleSlot() *slot {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, sl := range p.slots {
		if sl.state == slotIdle {
			return sl
		}
	}
	return nil
}

// dispatch claims tasks for every idle slot until the queue runs dry.
func (p *Pool) dispatch(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	for {
		sl := p.idleSlot()
		if sl == nil {
			return
		}
		task, err := p.queue.ClaimNext(ctx, sl.id)
		if err != nil {
			if !errors.Is(err, queue.ErrNoTasks) && ctx.Err() == nil {
				p.logger.Error("failed to claim task", "error", err)
			}
			return
		}
		p.assign(sl, task)
	}
}

func (p *Pool) assign(sl *slot, task *queue.Task) {
	beatCtx, cancelBeat := context.WithCancel(context.Background())

	p.mu.Lock()
	sl.state = slotBusy
	sl.task = task
	sl.startedAt = time.Now()
	sl.cancelBeat = cancelBeat
	p.counters.Claimed++
	p.mu.Unlock()

	tasksClaimed.Inc()
	queueWaitTime.Observe(time.Since(task.CreatedAt).Seconds())
	workersBusy.Inc()

	go p.runHeartbeat(beatCtx, task.ID, sl.id)

	select {
	case sl.proc.tasks <- newProcessTask(task):
	case <-sl.proc.done:
		// Slot died before accepting; the exit watcher handles it and
		// the claimed task comes back via lease reclamation.
	}
}

// finalize records one result message and frees the slot.
func (p *Pool) finalize(res Result) {
	p.mu.Lock()
	var sl *slot
	for _, s := range p.slots {
		if s.state == slotBusy && s.task != nil && s.task.ID == res.TaskID {
			sl = s
			break
		}
	}
	if sl == nil {
		p.mu.Unlock()
		p.logger.Warn("result for unassigned task", "task_id", res.TaskID, "type", res.Type)
		return
	}
	if sl.cancelBeat != nil {
		sl.cancelBeat()
		sl.cancelBeat = nil
	}
	sl.state = slotIdle
	sl.task = nil
	p.mu.Unlock()
	workersBusy.Dec()

	// Completion gets its own deadline so shutdown cannot strand it.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch res.Type {
	case MsgTaskComplete:
		_, err := p.queue.Complete(ctx, res.TaskID, sl.id, res.Result)
		switch {
		case err == nil:
			p.mu.Lock()
			sl.processed++
			p.counters.Completed++
			p.mu.Unlock()
		case errors.Is(err, queue.ErrStaleResult):
			p.logger.Info("discarded stale completion", "task_id", res.TaskID, "worker_id", sl.id)
		default:
			p.logger.Error("failed to record completion", "task_id", res.TaskID, "error", err)
		}
	case MsgTaskFailed:
		failed, err := p.queue.Fail(ctx, res.TaskID, sl.id, res.Error)
		switch {
		case err == nil:
			p.mu.Lock()
			sl.failed++
			p.counters.Failed++
			p.mu.Unlock()
			if failed.Retries < failed.MaxRetries {
				p.scheduleRetry(ctx, failed)
			}
		case errors.Is(err, queue.ErrStaleResult):
			p.logger.Info("discarded stale failure", "task_id", res.TaskID, "worker_id", sl.id)
		default:
			p.logger.Error("failed to record failure", "task_id", res.TaskID, "error", err)
		}
	default:
		p.logger.Error("unknown result message type", "type", res.Type, "task_id", res.TaskID)
	}
}

func (p *Pool) scheduleRetry(ctx context.Context, task *queue.Task) {
	delay := RetryDelay(p.opts.RetryBackoffBase, p.opts.RetryBackoffMax, task.Retries)
	var err error
	if delay <= 0 {
		_, err = p.queue.Retry(ctx, task.ID)
	} else {
		_, err = p.queue.RetryAfter(ctx, task.ID, time.Now().Add(delay))
	}
	if err != nil {
		if !errors.Is(err, queue.ErrRetriesExhausted) {
			p.logger.Error("failed to schedule retry", "task_id", task.ID, "error", err)
		}
		return
	}

	p.mu.Lock()
	p.counters.Retried++
	p.mu.Unlock()
	taskRetries.WithLabelValues(task.Type).Inc()
	p.logger.Info("scheduled retry", "task_id", task.ID, "attempt", task.Retries+1, "delay", delay.String())
}

// RetryDelay is the backoff before the next attempt: base doubled per
// prior retry, capped at max. Zero base means immediate retries.
func RetryDelay(base, max time.Duration, retries int) time.Duration {
	if base <= 0 {
		return 0
	}
	if retries >= 20 {
		return max
	}
	d := base << uint(retries)
	if d <= 0 || d > max {
		return max
	}
	return d
}

func (p *Pool) runHeartbeat(ctx context.Context, taskID int64, workerID string) {
	ticker := time.NewTicker(p.opts.LeaseDuration / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.queue.Heartbeat(ctx, taskID, workerID); err != nil {
				p.logger.Error("heartbeat failed", "task_id", taskID, "worker_id", workerID, "error", err)
			}
		}
	}
}

func (p *Pool) runReclaimer(ctx context.Context) {
	ticker := time.NewTicker(p.opts.ReclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.queue.ReclaimExpired(ctx)
			if err != nil {
				if ctx.Err() == nil {
					p.logger.Error("failed to reclaim expired leases", "error", err)
				}
				continue
			}
			if n > 0 {
				p.mu.Lock()
				p.counters.Reclaimed += int64(n)
				p.mu.Unlock()
				leaseReclaims.Add(float64(n))
			}
		}
	}
}

func (p *Pool) busyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, sl := range p.slots {
		if sl.state == slotBusy {
			n++
		}
	}
	return n
}

// drain waits for in-flight tasks, then stops the processes. Tasks still
// running at the deadline are cancelled and left to lease reclamation.
func (p *Pool) drain() error {
	busy := p.busyCount()
	p.logger.Info("worker pool draining", "busy", busy, "timeout", p.opts.ShutdownTimeout.String())

	timer := time.NewTimer(p.opts.ShutdownTimeout)
	defer timer.Stop()

	for p.busyCount() > 0 {
		select {
		case res := <-p.results:
			p.finalize(res)
		case <-timer.C:
			p.logger.Warn("shutdown deadline reached, abandoning in-flight tasks", "busy", p.busyCount())
			p.stopProcesses()
			return nil
		}
	}

	p.stopProcesses()
	p.logger.Info("worker pool stopped")
	return nil
}

func (p *Pool) stopProcesses() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, sl := range p.slots {
		if sl.cancelProc != nil {
			sl.cancelProc()
		}
	}
}

// Status reports every slot for the operator API.
func (p *Pool) Status() []WorkerStatus {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]WorkerStatus, 0, len(p.slots))
	for _, sl := range p.slots {
		ws := WorkerStatus{
			ID:        sl.id,
			State:     string(sl.state),
			Processed: sl.processed,
			Failed:    sl.failed,
			Restarts:  sl.restarts,
		}
		if sl.task != nil {
			id := sl.task.ID
			taskType := sl.task.Type
			started := sl.startedAt
			ws.TaskID = &id
			ws.TaskType = &taskType
			ws.StartedAt = &started
		}
		out = append(out, ws)
	}
	return out
}

// Counters returns pool-lifetime totals.
func (p *Pool) Counters() Counters {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.counters
}
