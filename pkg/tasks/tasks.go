// Package tasks serializes out-of-band agent requests. A single worker
// drains a FIFO queue so at most one deferred turn runs at a time, and
// finished records are retained for later retrieval.
package tasks

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/deskpal/deskpal/pkg/kv"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// storePrefix namespaces task records inside the kv store.
const storePrefix = "tasks/"

// Task is one deferred request and its outcome.
type Task struct {
	ID         string    `msgpack:"id"`
	Message    string    `msgpack:"message"`
	Status     Status    `msgpack:"status"`
	Result     string    `msgpack:"result,omitempty"`
	Error      string    `msgpack:"error,omitempty"`
	CreatedAt  time.Time `msgpack:"created_at"`
	StartedAt  time.Time `msgpack:"started_at,omitempty"`
	FinishedAt time.Time `msgpack:"finished_at,omitempty"`
}

// Duration returns the wall time the task spent running.
func (t Task) Duration() time.Duration {
	if t.StartedAt.IsZero() || t.FinishedAt.IsZero() {
		return 0
	}
	return t.FinishedAt.Sub(t.StartedAt)
}

// Runner executes one deferred request and returns its result text.
type Runner func(ctx context.Context, message string) (string, error)

// Config configures a Queue.
type Config struct {
	// Run executes each task. Required.
	Run Runner

	// Store persists task records across restarts. Nil keeps records in
	// memory only.
	Store kv.Store

	// OnDone is called after each task completes or fails. Cancelled
	// tasks do not trigger it.
	OnDone func(Task)
}

// Queue is a FIFO deferred task queue drained by one worker.
type Queue struct {
	cfg    Config
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	tasks   map[string]*Task
	order   []string
	pending []string
	running bool
	closed  bool

	wg sync.WaitGroup
}

// NewQueue creates a queue, reloading any persisted records. Records a
// previous process left running are marked failed; pending records stay
// queued and run once Resume or the next Submit starts the worker.
func NewQueue(cfg Config) (*Queue, error) {
	if cfg.Run == nil {
		return nil, errors.New("tasks: Config.Run is required")
	}
	if cfg.Store == nil {
		cfg.Store = kv.NewMemory()
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		tasks:  make(map[string]*Task),
	}
	if err := q.reload(); err != nil {
		cancel()
		return nil, err
	}
	return q, nil
}

func (q *Queue) reload() error {
	var loaded []*Task
	for e, err := range q.cfg.Store.List(context.Background(), storePrefix) {
		if err != nil {
			return err
		}
		var t Task
		if err := msgpack.Unmarshal(e.Value, &t); err != nil {
			slog.Warn("tasks: dropping undecodable record", "key", e.Key, "error", err)
			continue
		}
		if t.Status == StatusRunning {
			t.Status = StatusFailed
			t.Error = "interrupted by restart"
			if t.FinishedAt.IsZero() {
				t.FinishedAt = time.Now()
			}
			q.persist(&t)
		}
		loaded = append(loaded, &t)
	}
	sort.Slice(loaded, func(i, j int) bool {
		return loaded[i].CreatedAt.Before(loaded[j].CreatedAt)
	})
	for _, t := range loaded {
		q.tasks[t.ID] = t
		q.order = append(q.order, t.ID)
		if t.Status == StatusPending {
			q.pending = append(q.pending, t.ID)
		}
	}
	return nil
}

// Resume starts the worker if reloaded pending tasks are waiting. It is
// separate from NewQueue so read-only callers can inspect and cancel
// records without running them.
func (q *Queue) Resume() {
	q.mu.Lock()
	if q.closed || q.running || len(q.pending) == 0 {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.wg.Add(1)
	n := len(q.pending)
	q.mu.Unlock()

	slog.Info("tasks: resuming", "pending", n)
	go q.process()
}

// Submit enqueues a message and returns the new task id. The worker
// starts if idle.
func (q *Queue) Submit(message string) (string, error) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return "", errors.New("tasks: queue closed")
	}
	task := &Task{
		ID:        uuid.NewString(),
		Message:   message,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}
	q.tasks[task.ID] = task
	q.order = append(q.order, task.ID)
	q.pending = append(q.pending, task.ID)
	start := !q.running
	if start {
		q.running = true
		q.wg.Add(1)
	}
	q.mu.Unlock()

	q.persist(task)
	slog.Info("tasks: submitted", "id", task.ID)
	if start {
		go q.process()
	}
	return task.ID, nil
}

// Cancel removes a still-pending task from the queue. Running or
// finished tasks cannot be cancelled; the return value reports whether
// the cancellation took effect.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	task, ok := q.tasks[id]
	if !ok || task.Status != StatusPending {
		q.mu.Unlock()
		return false
	}
	for i, pid := range q.pending {
		if pid == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			break
		}
	}
	task.Status = StatusCancelled
	task.FinishedAt = time.Now()
	q.mu.Unlock()

	q.persist(task)
	slog.Info("tasks: cancelled", "id", id)
	return true
}

// Get returns a snapshot of one task.
func (q *Queue) Get(id string) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	task, ok := q.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *task, true
}

// All returns snapshots of every known task in submission order.
func (q *Queue) All() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Task, 0, len(q.order))
	for _, id := range q.order {
		out = append(out, *q.tasks[id])
	}
	return out
}

// Close stops the worker and waits for an in-flight task to return.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
	return nil
}

// process drains the pending queue head-first until it is empty.
func (q *Queue) process() {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		if q.closed || len(q.pending) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		id := q.pending[0]
		q.pending = q.pending[1:]
		task := q.tasks[id]
		task.Status = StatusRunning
		task.StartedAt = time.Now()
		q.mu.Unlock()

		q.persist(task)
		slog.Info("tasks: running", "id", id)

		result, err := q.cfg.Run(q.ctx, task.Message)

		q.mu.Lock()
		if err != nil {
			task.Status = StatusFailed
			task.Error = err.Error()
		} else {
			task.Status = StatusCompleted
			task.Result = result
		}
		task.FinishedAt = time.Now()
		snapshot := *task
		q.mu.Unlock()

		q.persist(task)
		if err != nil {
			slog.Warn("tasks: failed", "id", id, "error", err)
		} else {
			slog.Info("tasks: completed", "id", id, "duration", snapshot.Duration())
		}
		if q.cfg.OnDone != nil {
			q.cfg.OnDone(snapshot)
		}
	}
}

func (q *Queue) persist(task *Task) {
	q.mu.Lock()
	data, err := msgpack.Marshal(task)
	q.mu.Unlock()
	if err != nil {
		slog.Error("tasks: encode record", "id", task.ID, "error", err)
		return
	}
	if err := q.cfg.Store.Set(context.Background(), storePrefix+task.ID, data); err != nil {
		slog.Error("tasks: persist record", "id", task.ID, "error", err)
	}
}
