package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dedezza1D/orderflow/internal/producer"
	"github.com/dedezza1D/orderflow/internal/queue"
	"github.com/dedezza1D/orderflow/internal/store"
	"github.com/dedezza1D/orderflow/internal/task"
)

// fakeTaskStore mirrors the idempotency-key dedup of the real CreateTask.
type fakeTaskStore struct {
	mu    sync.Mutex
	byKey map[string]*store.Task
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{byKey: map[string]*store.Task{}}
}

func (f *fakeTaskStore) CreateTask(ctx context.Context, p store.CreateTaskParams) (*store.Task, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.byKey[p.IdempotencyKey]; ok {
		cp := *t
		return &cp, false, nil
	}
	t := &store.Task{
		ID:             uuid.New(),
		Kind:           p.Kind,
		Payload:        p.Payload,
		IdempotencyKey: p.IdempotencyKey,
		Status:         store.StatusQueued,
		MaxAttempts:    p.MaxAttempts,
		Version:        1,
	}
	f.byKey[p.IdempotencyKey] = t
	cp := *t
	return &cp, true, nil
}

// fakeAdminStore backs the read/cancel endpoints with the same error
// contract as the real store: ErrNotFound for a missing row,
// ErrVersionConflict when the row exists but is no longer queued.
type fakeAdminStore struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*store.Task
}

func newFakeAdminStore() *fakeAdminStore {
	return &fakeAdminStore{tasks: map[uuid.UUID]*store.Task{}}
}

func (f *fakeAdminStore) add(t store.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := t
	f.tasks[t.ID] = &cp
}

func (f *fakeAdminStore) GetTask(ctx context.Context, id uuid.UUID) (*store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (f *fakeAdminStore) ListTasks(ctx context.Context, p store.ListTasksParams) ([]store.Task, error) {
	return nil, nil
}

func (f *fakeAdminStore) CancelTask(ctx context.Context, id uuid.UUID) (*store.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if t.Status != store.StatusQueued {
		return nil, store.ErrVersionConflict
	}
	t.Status = store.StatusCancelled
	t.Version++
	cp := *t
	return &cp, nil
}

func (f *fakeAdminStore) ListExecutions(ctx context.Context, taskID uuid.UUID, limit int) ([]store.TaskExecution, error) {
	return nil, nil
}

func (f *fakeAdminStore) ListSchedules(ctx context.Context) ([]store.Schedule, error) {
	return nil, nil
}

func startServer(t *testing.T, srv *Server) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		_ = srv.httpServer.Serve(ln)
	}()
	t.Cleanup(func() { _ = ln.Close() })
	return fmt.Sprintf("http://%s", ln.Addr().String())
}

func TestHealthReportsQueueDepths(t *testing.T) {
	q := queue.NewMemory()
	if err := q.Enqueue(context.Background(), "send_confirmation", []byte(`{}`), "k1"); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := q.PublishDeadLetter(context.Background(), queue.DeadLetter{TaskID: "t1", Kind: "charge", Error: "boom"}); err != nil {
		t.Fatalf("dead letter: %v", err)
	}

	srv := NewServer(Config{Port: "0"}, zap.NewNop(), nil, nil, q)
	baseURL := startServer(t, srv)

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get(baseURL + "/api/v1/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	var health struct {
		Status      string            `json:"status"`
		QueueDepths map[string]uint64 `json:"queue_depths"`
		DeadLetters uint64            `json:"dead_letters"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Status != "ok" {
		t.Fatalf("status = %q", health.Status)
	}
	if health.QueueDepths["send_confirmation"] != 1 {
		t.Fatalf("queue depths = %v", health.QueueDepths)
	}
	if health.DeadLetters != 1 {
		t.Fatalf("dead letters = %d", health.DeadLetters)
	}
}

func newSubmitServer(t *testing.T) (*Server, *queue.Memory, string) {
	t.Helper()
	q := queue.NewMemory()
	reg := task.NewRegistry()
	reg.Register("send_confirmation", func(ctx context.Context, env task.Envelope) error { return nil }, task.DefaultRetryPolicy())
	reg.Register("process_orders", func(ctx context.Context, env task.Envelope) error { return nil }, task.DefaultRetryPolicy())

	p := producer.New(newFakeTaskStore(), q, reg, zap.NewNop())
	srv := NewServer(Config{Port: "0"}, zap.NewNop(), nil, p, q)
	baseURL := startServer(t, srv)
	return srv, q, baseURL
}

func TestSubmitTaskAcceptedAndDeduplicated(t *testing.T) {
	_, q, baseURL := newSubmitServer(t)
	client := &http.Client{Timeout: 2 * time.Second}

	body := []byte(`{"kind":"send_confirmation","payload":{"order_id":7},"idempotency_key":"order-7-confirm"}`)

	resp, err := client.Post(baseURL+"/api/v1/tasks", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST /tasks: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		b, _ := io.ReadAll(resp.Body)
		t.Fatalf("expected 202, got %d body=%s", resp.StatusCode, string(b))
	}

	var first struct {
		Task struct {
			ID string `json:"id"`
		} `json:"task"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&first); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if first.Task.ID == "" {
		t.Fatalf("expected non-empty task.id")
	}

	// same key again: same task id, still 202, no second broker message
	resp2, err := client.Post(baseURL+"/api/v1/tasks", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("second POST: %v", err)
	}
	defer resp2.Body.Close()

	if resp2.StatusCode != http.StatusAccepted {
		t.Fatalf("duplicate submit: expected 202, got %d", resp2.StatusCode)
	}
	var second struct {
		Task struct {
			ID string `json:"id"`
		} `json:"task"`
	}
	if err := json.NewDecoder(resp2.Body).Decode(&second); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if second.Task.ID != first.Task.ID {
		t.Fatalf("duplicate submit returned a different task: %s vs %s", second.Task.ID, first.Task.ID)
	}

	stats, err := q.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Depths["send_confirmation"] != 1 {
		t.Fatalf("expected exactly one queued message, depths = %v", stats.Depths)
	}
}

func TestSubmitTaskValidation(t *testing.T) {
	_, _, baseURL := newSubmitServer(t)
	client := &http.Client{Timeout: 2 * time.Second}

	cases := []struct {
		name string
		body string
		want int
	}{
		{"unknown kind", `{"kind":"no_such_kind","payload":{}}`, http.StatusBadRequest},
		{"missing kind", `{"payload":{}}`, http.StatusBadRequest},
		{"broken json", `{"kind":`, http.StatusBadRequest},
	}
	for _, tc := range cases {
		resp, err := client.Post(baseURL+"/api/v1/tasks", "application/json", bytes.NewReader([]byte(tc.body)))
		if err != nil {
			t.Fatalf("%s: POST: %v", tc.name, err)
		}
		resp.Body.Close()
		if resp.StatusCode != tc.want {
			t.Fatalf("%s: expected %d, got %d", tc.name, tc.want, resp.StatusCode)
		}
	}
}

func TestSubmitTaskKeyReuseAcrossKindsConflicts(t *testing.T) {
	_, _, baseURL := newSubmitServer(t)
	client := &http.Client{Timeout: 2 * time.Second}

	first := []byte(`{"kind":"send_confirmation","payload":{},"idempotency_key":"shared-key"}`)
	resp, err := client.Post(baseURL+"/api/v1/tasks", "application/json", bytes.NewReader(first))
	if err != nil {
		t.Fatalf("POST /tasks: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}

	// same key, different kind: a caller bug, not a dedup
	second := []byte(`{"kind":"process_orders","payload":{},"idempotency_key":"shared-key"}`)
	resp2, err := client.Post(baseURL+"/api/v1/tasks", "application/json", bytes.NewReader(second))
	if err != nil {
		t.Fatalf("second POST: %v", err)
	}
	defer resp2.Body.Close()
	if resp2.StatusCode != http.StatusConflict {
		b, _ := io.ReadAll(resp2.Body)
		t.Fatalf("expected 409 for key reuse across kinds, got %d body=%s", resp2.StatusCode, string(b))
	}
}

func TestCancelTaskStatusCodes(t *testing.T) {
	st := newFakeAdminStore()
	queued := store.Task{ID: uuid.New(), Kind: "send_confirmation", Status: store.StatusQueued, Version: 1}
	st.add(queued)

	srv := NewServer(Config{Port: "0"}, zap.NewNop(), st, nil, nil)
	baseURL := startServer(t, srv)
	client := &http.Client{Timeout: 2 * time.Second}

	cancelURL := fmt.Sprintf("%s/api/v1/tasks/%s/cancel", baseURL, queued.ID)

	resp, err := client.Post(cancelURL, "application/json", nil)
	if err != nil {
		t.Fatalf("POST /cancel: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first cancel: expected 200, got %d", resp.StatusCode)
	}
	var cancelled getTaskResponse
	if err := json.NewDecoder(resp.Body).Decode(&cancelled); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cancelled.Task.Status != store.StatusCancelled {
		t.Fatalf("status after cancel = %q", cancelled.Task.Status)
	}

	// no longer queued: conflict, not an internal error
	resp2, err := client.Post(cancelURL, "application/json", nil)
	if err != nil {
		t.Fatalf("second POST /cancel: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusConflict {
		t.Fatalf("second cancel: expected 409, got %d", resp2.StatusCode)
	}

	resp3, err := client.Post(fmt.Sprintf("%s/api/v1/tasks/%s/cancel", baseURL, uuid.New()), "application/json", nil)
	if err != nil {
		t.Fatalf("unknown id POST /cancel: %v", err)
	}
	resp3.Body.Close()
	if resp3.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown task cancel: expected 404, got %d", resp3.StatusCode)
	}
}

func TestGetTaskRejectsBadID(t *testing.T) {
	_, _, baseURL := newSubmitServer(t)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(baseURL + "/api/v1/tasks/not-a-uuid")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed id, got %d", resp.StatusCode)
	}
}
