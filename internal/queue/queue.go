// Package queue drives asynchronous per-session propagation work: a bounded
// worker pool drains enqueued tasks, retries transient failures with backoff
// and reports terminal outcomes back to the owner through a completion hook.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/MohamedElrefae/accounting-system-sub012/internal/obs"
	"github.com/MohamedElrefae/accounting-system-sub012/internal/session"
)

// Status is the lifecycle state of a single propagation task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Task is one unit of fan-out work: reload the authorization view of a single
// session. EventID is a non-owning back-reference to the propagation event
// the task belongs to.
type Task struct {
	SessionID  string
	UserID     string
	EventID    string
	Attempt    int
	Status     Status
	EnqueuedAt time.Time
	Err        error
}

// Snapshot is a point-in-time count of all tasks the queue has seen.
type Snapshot struct {
	Total     int `json:"total_tasks"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

const (
	defaultWorkers     = 4
	defaultMaxAttempts = 3
	defaultBackoff     = 100 * time.Millisecond
	defaultTaskTimeout = 5 * time.Second
)

// Option configures Queue behavior.
type Option func(*Queue)

// WithWorkers bounds worker-pool concurrency.
func WithWorkers(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.workers = n
		}
	}
}

// WithMaxAttempts sets the total attempt budget per task (1 means no retry).
func WithMaxAttempts(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

// WithBackoff sets the base delay between attempts; it doubles per retry.
func WithBackoff(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.backoff = d
		}
	}
}

// WithTaskTimeout sets the per-task deadline, measured from enqueue. This is
// the queue's share of the propagation latency contract.
func WithTaskTimeout(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.taskTimeout = d
		}
	}
}

// WithRateLimit paces session reload calls so a large fan-out cannot
// stampede the session backend.
func WithRateLimit(perSecond, burst int) Option {
	return func(q *Queue) {
		if perSecond > 0 && burst > 0 {
			q.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithCompletionHook registers a callback invoked exactly once per task when
// it reaches a terminal status. Called outside the queue lock.
func WithCompletionHook(fn func(Task)) Option {
	return func(q *Queue) { q.onDone = fn }
}

// Queue buffers propagation tasks and drains them with bounded concurrency.
// Tasks for the same session run one at a time, in enqueue order; there is no
// ordering guarantee across sessions.
type Queue struct {
	mgr         session.Manager
	workers     int
	maxAttempts int
	backoff     time.Duration
	taskTimeout time.Duration
	limiter     *rate.Limiter
	onDone      func(Task)

	mu       sync.Mutex
	pending  []*Task
	inflight map[string]struct{} // sessions with a running task
	counts   Snapshot
	closed   bool

	wake chan struct{}
	stop chan struct{}
	wg   sync.WaitGroup
}

// New creates a queue and starts its worker pool.
func New(mgr session.Manager, opts ...Option) *Queue {
	q := &Queue{
		mgr:         mgr,
		workers:     defaultWorkers,
		maxAttempts: defaultMaxAttempts,
		backoff:     defaultBackoff,
		taskTimeout: defaultTaskTimeout,
		inflight:    make(map[string]struct{}),
		wake:        make(chan struct{}, 1),
		stop:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

// Enqueue appends a task and returns immediately. Returns false after Close.
func (q *Queue) Enqueue(t Task) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	t.Status = StatusPending
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}
	q.pending = append(q.pending, &t)
	q.counts.Total++
	q.counts.Pending++
	q.mu.Unlock()

	obs.QueueDepth.Inc()
	q.signal()
	return true
}

// Status returns a consistent point-in-time snapshot of task counts.
func (q *Queue) Status() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.counts
}

// Close stops accepting work and waits for in-flight tasks to finish. Tasks
// still pending are abandoned without a completion callback.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	abandoned := len(q.pending)
	q.pending = nil
	q.mu.Unlock()

	// Abandoned tasks never reach finish, so the depth gauge settles here.
	for i := 0; i < abandoned; i++ {
		obs.QueueDepth.Dec()
	}
	close(q.stop)
	q.wg.Wait()
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		t := q.claim()
		for t != nil {
			q.run(t)
			t = q.claim()
		}
		select {
		case <-q.stop:
			return
		case <-q.wake:
		}
	}
}

// claim pops the first pending task whose session is idle.
func (q *Queue) claim() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	for i, t := range q.pending {
		if _, busy := q.inflight[t.SessionID]; busy {
			continue
		}
		q.pending = append(q.pending[:i], q.pending[i+1:]...)
		q.inflight[t.SessionID] = struct{}{}
		t.Status = StatusRunning
		q.counts.Pending--
		q.counts.Running++
		return t
	}
	return nil
}

func (q *Queue) run(t *Task) {
	ctx, cancel := context.WithDeadline(context.Background(), t.EnqueuedAt.Add(q.taskTimeout))
	defer cancel()

	var err error
	for attempt := 1; attempt <= q.maxAttempts; attempt++ {
		t.Attempt = attempt
		if q.limiter != nil {
			if werr := q.limiter.Wait(ctx); werr != nil {
				err = werr
				break
			}
		}
		err = q.mgr.ReloadSessionAuthorization(ctx, t.SessionID)
		if err == nil {
			break
		}
		if ctx.Err() != nil || attempt == q.maxAttempts {
			break
		}
		delay := q.backoff << (attempt - 1)
		select {
		case <-ctx.Done():
		case <-time.After(delay):
		}
		if ctx.Err() != nil {
			err = fmt.Errorf("session %s: %w", t.SessionID, ctx.Err())
			break
		}
	}
	q.finish(t, err)
}

func (q *Queue) finish(t *Task, err error) {
	q.mu.Lock()
	delete(q.inflight, t.SessionID)
	q.counts.Running--
	if err == nil {
		t.Status = StatusSucceeded
		q.counts.Succeeded++
	} else {
		t.Status = StatusFailed
		t.Err = err
		q.counts.Failed++
	}
	hook := q.onDone
	q.mu.Unlock()

	obs.QueueDepth.Dec()
	obs.ObserveTask(string(t.Status), time.Since(t.EnqueuedAt))

	// A queued task for the same session may have been skipped while this one
	// was in flight.
	q.signal()
	if hook != nil {
		hook(*t)
	}
}
