package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dedezza1D/orderflow/internal/queue"
	"github.com/dedezza1D/orderflow/internal/store"
	"github.com/dedezza1D/orderflow/internal/task"
)

// fakeStore implements Store in memory with the same claim semantics as
// Postgres: optimistic version CAS and one execution row per attempt.
type fakeStore struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*store.Task
	execs map[string]*store.TaskExecution
	byID  map[uuid.UUID]*store.TaskExecution
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tasks: map[uuid.UUID]*store.Task{},
		execs: map[string]*store.TaskExecution{},
		byID:  map[uuid.UUID]*store.TaskExecution{},
	}
}

func (f *fakeStore) addTask(kind string, maxAttempts int) *store.Task {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := &store.Task{
		ID:             uuid.New(),
		Kind:           kind,
		Payload:        json.RawMessage(`{}`),
		IdempotencyKey: uuid.NewString(),
		Status:         store.StatusQueued,
		MaxAttempts:    maxAttempts,
		Version:        1,
	}
	f.tasks[t.ID] = t
	return t
}

func (f *fakeStore) GetTask(ctx context.Context, id uuid.UUID) (*store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (f *fakeStore) UpdateTaskStatus(ctx context.Context, id uuid.UUID, expectedVersion int, newStatus store.TaskStatus) (*store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if t.Version != expectedVersion {
		return nil, store.ErrVersionConflict
	}
	t.Status = newStatus
	t.Version++
	cp := *t
	return &cp, nil
}

func (f *fakeStore) CreateExecution(ctx context.Context, taskID uuid.UUID, attempt int) (*store.TaskExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fmt.Sprintf("%s:%d", taskID, attempt)
	if _, dup := f.execs[key]; dup {
		return nil, store.ErrAlreadyExists
	}
	e := &store.TaskExecution{
		ID:        uuid.New(),
		TaskID:    taskID,
		Attempt:   attempt,
		Status:    store.ExecStarted,
		StartedAt: time.Now(),
	}
	f.execs[key] = e
	f.byID[e.ID] = e
	if t, ok := f.tasks[taskID]; ok && attempt > t.Attempts {
		t.Attempts = attempt
	}
	cp := *e
	return &cp, nil
}

func (f *fakeStore) FinishExecution(ctx context.Context, execID uuid.UUID, status store.ExecutionStatus, errMsg *string) (*store.TaskExecution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.byID[execID]
	if !ok {
		return nil, store.ErrNotFound
	}
	now := time.Now()
	e.Status = status
	e.Error = errMsg
	e.FinishedAt = &now
	cp := *e
	return &cp, nil
}

func (f *fakeStore) status(id uuid.UUID) store.TaskStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tasks[id].Status
}

func (f *fakeStore) executions(id uuid.UUID) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, e := range f.execs {
		if e.TaskID == id {
			n++
		}
	}
	return n
}

func testPolicy() task.RetryPolicy {
	return task.RetryPolicy{
		MaxAttempts:       3,
		BackoffBase:       5 * time.Millisecond,
		BackoffMax:        20 * time.Millisecond,
		VisibilityTimeout: 300 * time.Millisecond,
		Workers:           2,
	}
}

func enqueueTask(t *testing.T, q queue.Queue, tk *store.Task) {
	t.Helper()
	env := task.Envelope{
		ID:             tk.ID,
		Kind:           tk.Kind,
		Payload:        tk.Payload,
		IdempotencyKey: tk.IdempotencyKey,
		EnqueuedAt:     time.Now(),
	}
	body, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	if err := q.Enqueue(context.Background(), tk.Kind, body, tk.IdempotencyKey); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
}

func runPool(t *testing.T, q queue.Queue, st Store, reg *task.Registry) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	pool := NewPool(q, st, reg, zap.NewNop(), Config{PollTimeout: 20 * time.Millisecond})
	done := make(chan struct{})
	go func() {
		_ = pool.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatalf("pool did not drain")
		}
	})
	return cancel
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", msg)
}

func TestPoolExecutesAndCompletes(t *testing.T) {
	q := queue.NewMemory()
	st := newFakeStore()
	reg := task.NewRegistry()

	var mu sync.Mutex
	var gotKeys []string
	reg.Register("send_confirmation", func(ctx context.Context, env task.Envelope) error {
		mu.Lock()
		gotKeys = append(gotKeys, env.IdempotencyKey)
		mu.Unlock()
		return nil
	}, testPolicy())

	tk := st.addTask("send_confirmation", 3)
	enqueueTask(t, q, tk)
	runPool(t, q, st, reg)

	waitFor(t, func() bool { return st.status(tk.ID) == store.StatusCompleted }, "task completion")

	mu.Lock()
	defer mu.Unlock()
	if len(gotKeys) != 1 {
		t.Fatalf("handler ran %d times, want 1", len(gotKeys))
	}
	if gotKeys[0] != tk.IdempotencyKey {
		t.Fatalf("handler did not receive the idempotency key")
	}
	if st.executions(tk.ID) != 1 {
		t.Fatalf("expected 1 execution, got %d", st.executions(tk.ID))
	}
}

func TestPoolRetriesTransientThenSucceeds(t *testing.T) {
	q := queue.NewMemory()
	st := newFakeStore()
	reg := task.NewRegistry()

	var calls int32
	var mu sync.Mutex
	reg.Register("charge", func(ctx context.Context, env task.Envelope) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return task.Transient(errors.New("gateway timeout"))
		}
		return nil
	}, testPolicy())

	tk := st.addTask("charge", 3)
	enqueueTask(t, q, tk)
	runPool(t, q, st, reg)

	waitFor(t, func() bool { return st.status(tk.ID) == store.StatusCompleted }, "retry then success")

	if st.executions(tk.ID) != 2 {
		t.Fatalf("expected 2 executions got %d", st.executions(tk.ID))
	}
	if len(q.DeadLetters()) != 0 {
		t.Fatalf("unexpected dead letters: %v", q.DeadLetters())
	}
}

func TestPoolPermanentFailureDeadLettersImmediately(t *testing.T) {
	q := queue.NewMemory()
	st := newFakeStore()
	reg := task.NewRegistry()

	var calls int32
	var mu sync.Mutex
	reg.Register("charge", func(ctx context.Context, env task.Envelope) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return task.Permanent(errors.New("invalid payload"))
	}, testPolicy())

	tk := st.addTask("charge", 3)
	enqueueTask(t, q, tk)
	runPool(t, q, st, reg)

	waitFor(t, func() bool { return st.status(tk.ID) == store.StatusFailed }, "permanent failure")
	waitFor(t, func() bool { return len(q.DeadLetters()) == 1 }, "dead letter")

	// give redelivery a chance to happen wrongly
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("permanent failure retried: %d calls", calls)
	}
	dls := q.DeadLetters()
	if len(dls) != 1 || dls[0].TaskID != tk.ID.String() {
		t.Fatalf("expected exactly one dead letter for the task, got %+v", dls)
	}
}

func TestPoolMaxAttemptsDeadLettersOnce(t *testing.T) {
	q := queue.NewMemory()
	st := newFakeStore()
	reg := task.NewRegistry()

	var calls int32
	var mu sync.Mutex
	reg.Register("charge", func(ctx context.Context, env task.Envelope) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return task.Transient(errors.New("still down"))
	}, testPolicy())

	tk := st.addTask("charge", 3)
	enqueueTask(t, q, tk)
	runPool(t, q, st, reg)

	waitFor(t, func() bool { return st.status(tk.ID) == store.StatusFailed }, "exhausted retries")
	waitFor(t, func() bool { return len(q.DeadLetters()) == 1 }, "dead letter")

	time.Sleep(150 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if calls > 3 {
		t.Fatalf("retry count exceeded max attempts: %d calls", calls)
	}
	if len(q.DeadLetters()) != 1 {
		t.Fatalf("task must appear in dead-letter exactly once, got %d", len(q.DeadLetters()))
	}
}

func TestPoolCancelledTaskNotExecuted(t *testing.T) {
	q := queue.NewMemory()
	st := newFakeStore()
	reg := task.NewRegistry()

	var calls int32
	var mu sync.Mutex
	reg.Register("send_confirmation", func(ctx context.Context, env task.Envelope) error {
		mu.Lock()
		calls++
		mu.Unlock()
		return nil
	}, testPolicy())

	tk := st.addTask("send_confirmation", 3)
	// logical cancellation while still queued
	if _, err := st.UpdateTaskStatus(context.Background(), tk.ID, 1, store.StatusCancelled); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	enqueueTask(t, q, tk)
	runPool(t, q, st, reg)

	waitFor(t, func() bool {
		stats, _ := q.Stats(context.Background())
		return stats.Depths["send_confirmation"] == 0
	}, "cancelled delivery settled")

	mu.Lock()
	defer mu.Unlock()
	if calls != 0 {
		t.Fatalf("cancelled task executed %d times", calls)
	}
}

func TestPoolHeartbeatKeepsLongHandlerClaimed(t *testing.T) {
	q := queue.NewMemory()
	st := newFakeStore()
	reg := task.NewRegistry()

	policy := testPolicy()
	policy.VisibilityTimeout = 60 * time.Millisecond
	policy.Workers = 2

	var calls int32
	var mu sync.Mutex
	reg.Register("import", func(ctx context.Context, env task.Envelope) error {
		mu.Lock()
		calls++
		mu.Unlock()
		time.Sleep(200 * time.Millisecond) // several visibility windows
		return nil
	}, policy)

	tk := st.addTask("import", 3)
	enqueueTask(t, q, tk)
	runPool(t, q, st, reg)

	waitFor(t, func() bool { return st.status(tk.ID) == store.StatusCompleted }, "long handler completion")

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("long-running handler redelivered concurrently: %d calls", calls)
	}
}
