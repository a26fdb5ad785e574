package tasks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/deskpal/deskpal/pkg/kv"
)

func TestSubmitAndComplete(t *testing.T) {
	done := make(chan Task, 1)
	q, err := NewQueue(Config{
		Run: func(_ context.Context, message string) (string, error) {
			return "echo: " + message, nil
		},
		OnDone: func(task Task) { done <- task },
	})
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	defer q.Close()

	id, err := q.Submit("hello")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	select {
	case task := <-done:
		if task.ID != id {
			t.Errorf("ID = %q; want %q", task.ID, id)
		}
		if task.Status != StatusCompleted {
			t.Errorf("Status = %q; want completed", task.Status)
		}
		if task.Result != "echo: hello" {
			t.Errorf("Result = %q; want echo: hello", task.Result)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("task never completed")
	}

	got, ok := q.Get(id)
	if !ok || got.Status != StatusCompleted {
		t.Errorf("Get = %+v, %v; want completed task", got, ok)
	}
}

func TestSerialFIFO(t *testing.T) {
	var inFlight, maxInFlight atomic.Int32
	var mu sync.Mutex
	var order []string
	done := make(chan struct{}, 3)

	q, err := NewQueue(Config{
		Run: func(_ context.Context, message string) (string, error) {
			n := inFlight.Add(1)
			if m := maxInFlight.Load(); n > m {
				maxInFlight.Store(n)
			}
			time.Sleep(10 * time.Millisecond)
			mu.Lock()
			order = append(order, message)
			mu.Unlock()
			inFlight.Add(-1)
			return "", nil
		},
		OnDone: func(Task) { done <- struct{}{} },
	})
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	defer q.Close()

	for _, m := range []string{"a", "b", "c"} {
		if _, err := q.Submit(m); err != nil {
			t.Fatalf("Submit %s: %v", m, err)
		}
	}
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("tasks never drained")
		}
	}

	if got := maxInFlight.Load(); got != 1 {
		t.Errorf("max in flight = %d; want 1", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Errorf("order = %v; want [a b c]", order)
	}
}

func TestCancelPendingOnly(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	done := make(chan Task, 2)

	q, err := NewQueue(Config{
		Run: func(_ context.Context, message string) (string, error) {
			started <- struct{}{}
			<-release
			return "", nil
		},
		OnDone: func(task Task) { done <- task },
	})
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	defer q.Close()

	first, _ := q.Submit("first")
	<-started
	second, _ := q.Submit("second")

	if !q.Cancel(second) {
		t.Error("Cancel(pending) = false; want true")
	}
	if q.Cancel(first) {
		t.Error("Cancel(running) = true; want false")
	}
	if q.Cancel("no-such-id") {
		t.Error("Cancel(unknown) = true; want false")
	}

	close(release)
	select {
	case task := <-done:
		if task.ID != first {
			t.Errorf("completed task = %q; want %q", task.ID, first)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first task never finished")
	}

	got, _ := q.Get(second)
	if got.Status != StatusCancelled {
		t.Errorf("second Status = %q; want cancelled", got.Status)
	}
	// The cancelled task must never have run.
	select {
	case task := <-done:
		t.Errorf("unexpected completion: %+v", task)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFailedTask(t *testing.T) {
	done := make(chan Task, 1)
	q, err := NewQueue(Config{
		Run: func(context.Context, string) (string, error) {
			return "", errors.New("gateway unavailable")
		},
		OnDone: func(task Task) { done <- task },
	})
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	defer q.Close()

	q.Submit("doomed")
	select {
	case task := <-done:
		if task.Status != StatusFailed {
			t.Errorf("Status = %q; want failed", task.Status)
		}
		if task.Error != "gateway unavailable" {
			t.Errorf("Error = %q; want gateway unavailable", task.Error)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("task never failed")
	}
}

func TestReloadPersistedRecords(t *testing.T) {
	store := kv.NewMemory()
	done := make(chan Task, 1)

	q, err := NewQueue(Config{
		Run:    func(context.Context, string) (string, error) { return "ok", nil },
		Store:  store,
		OnDone: func(task Task) { done <- task },
	})
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	id, _ := q.Submit("remember me")
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("task never completed")
	}
	q.Close()

	q2, err := NewQueue(Config{
		Run:   func(context.Context, string) (string, error) { return "", nil },
		Store: store,
	})
	if err != nil {
		t.Fatalf("NewQueue reload: %v", err)
	}
	defer q2.Close()

	got, ok := q2.Get(id)
	if !ok {
		t.Fatal("reloaded queue lost the task")
	}
	if got.Status != StatusCompleted || got.Result != "ok" {
		t.Errorf("reloaded task = %+v; want completed/ok", got)
	}
}

func TestReloadRequeuesPending(t *testing.T) {
	store := kv.NewMemory()

	// A record submitted but never started by a previous process.
	stale := Task{
		ID:        "pending-1",
		Message:   "still waiting",
		Status:    StatusPending,
		CreatedAt: time.Now().Add(-time.Hour),
	}
	data, err := msgpack.Marshal(&stale)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := store.Set(context.Background(), storePrefix+stale.ID, data); err != nil {
		t.Fatalf("Set: %v", err)
	}

	done := make(chan Task, 1)
	q, err := NewQueue(Config{
		Run:    func(_ context.Context, message string) (string, error) { return "ran: " + message, nil },
		Store:  store,
		OnDone: func(task Task) { done <- task },
	})
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	defer q.Close()

	got, ok := q.Get("pending-1")
	if !ok || got.Status != StatusPending {
		t.Fatalf("reloaded task = %+v, %v; want pending", got, ok)
	}
	// Nothing runs until the worker is resumed.
	select {
	case task := <-done:
		t.Fatalf("task ran before Resume: %+v", task)
	case <-time.After(50 * time.Millisecond):
	}

	q.Resume()
	select {
	case task := <-done:
		if task.ID != "pending-1" || task.Status != StatusCompleted {
			t.Errorf("resumed task = %+v; want pending-1 completed", task)
		}
		if task.Result != "ran: still waiting" {
			t.Errorf("Result = %q; want ran: still waiting", task.Result)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("resumed task never completed")
	}
}

func TestCancelReloadedPending(t *testing.T) {
	store := kv.NewMemory()

	stale := Task{
		ID:        "pending-2",
		Message:   "never mind",
		Status:    StatusPending,
		CreatedAt: time.Now().Add(-time.Hour),
	}
	data, err := msgpack.Marshal(&stale)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := store.Set(context.Background(), storePrefix+stale.ID, data); err != nil {
		t.Fatalf("Set: %v", err)
	}

	// A read-only queue never calls Resume, so the record stays pending
	// and can be cancelled offline.
	q, err := NewQueue(Config{
		Run:   func(context.Context, string) (string, error) { return "", errors.New("inspection only") },
		Store: store,
	})
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	defer q.Close()

	if !q.Cancel("pending-2") {
		t.Fatal("Cancel(reloaded pending) = false; want true")
	}
	got, _ := q.Get("pending-2")
	if got.Status != StatusCancelled {
		t.Errorf("Status = %q; want cancelled", got.Status)
	}

	// The cancellation must be persisted for the next process.
	q2, err := NewQueue(Config{
		Run:   func(context.Context, string) (string, error) { return "", nil },
		Store: store,
	})
	if err != nil {
		t.Fatalf("NewQueue reload: %v", err)
	}
	defer q2.Close()
	got, _ = q2.Get("pending-2")
	if got.Status != StatusCancelled {
		t.Errorf("reloaded Status = %q; want cancelled", got.Status)
	}
}

func TestReloadMarksInterrupted(t *testing.T) {
	store := kv.NewMemory()

	// A record left running by a crashed process.
	stale := Task{
		ID:        "stale-1",
		Message:   "unfinished",
		Status:    StatusRunning,
		CreatedAt: time.Now().Add(-time.Hour),
		StartedAt: time.Now().Add(-time.Hour),
	}
	data, err := msgpack.Marshal(&stale)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := store.Set(context.Background(), storePrefix+stale.ID, data); err != nil {
		t.Fatalf("Set: %v", err)
	}

	q, err := NewQueue(Config{
		Run:   func(context.Context, string) (string, error) { return "", nil },
		Store: store,
	})
	if err != nil {
		t.Fatalf("NewQueue: %v", err)
	}
	defer q.Close()

	got, ok := q.Get("stale-1")
	if !ok {
		t.Fatal("stale record not loaded")
	}
	if got.Status != StatusFailed || got.Error != "interrupted by restart" {
		t.Errorf("stale task = %+v; want failed/interrupted", got)
	}
}
