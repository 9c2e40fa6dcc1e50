package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/dedezza1D/orderflow/internal/store"
	"github.com/dedezza1D/orderflow/internal/task"
)

type apiError struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string, details string) {
	writeJSON(w, status, apiError{Error: msg, Details: details})
}

type healthResponse struct {
	Status      string            `json:"status"`
	QueueDepths map[string]uint64 `json:"queue_depths,omitempty"`
	DeadLetters uint64            `json:"dead_letters"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	if s.queue != nil {
		stats, err := s.queue.Stats(r.Context())
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "degraded"})
			return
		}
		resp.QueueDepths = stats.Depths
		resp.DeadLetters = stats.DeadLetters
	}
	writeJSON(w, http.StatusOK, resp)
}

type submitTaskRequest struct {
	Kind           string          `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

type submitTaskResponse struct {
	Task store.Task `json:"task"`
}

// handleSubmitTask accepts work. Resubmitting the same idempotency key with
// the same kind is not a conflict: the existing task comes back with 202.
// Reusing the key with a different kind is, and gets 409.
func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid_json", err.Error())
		return
	}
	if req.Kind == "" {
		writeErr(w, http.StatusBadRequest, "validation_error", "kind is required")
		return
	}

	t, err := s.producer.Submit(r.Context(), req.Kind, req.Payload, req.IdempotencyKey)
	if err != nil {
		switch {
		case errors.Is(err, task.ErrInvalidKind):
			writeErr(w, http.StatusBadRequest, "validation_error", err.Error())
		case errors.Is(err, task.ErrKeyConflict):
			writeErr(w, http.StatusConflict, "idempotency_conflict", err.Error())
		case errors.Is(err, task.ErrBrokerUnavailable):
			writeErr(w, http.StatusServiceUnavailable, "broker_unavailable", "task accepted but not published; resubmit with the same idempotency_key")
		default:
			writeErr(w, http.StatusInternalServerError, "internal_error", err.Error())
		}
		return
	}

	writeJSON(w, http.StatusAccepted, submitTaskResponse{Task: *t})
}

type getTaskResponse struct {
	Task store.Task `json:"task"`
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	idStr := mux.Vars(r)["id"]
	id, err := uuid.Parse(idStr)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "validation_error", "invalid task id")
		return
	}

	t, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeErr(w, http.StatusNotFound, "not_found", "task not found")
			return
		}
		writeErr(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, getTaskResponse{Task: *t})
}

type listTasksResponse struct {
	Items  []store.Task `json:"items"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	qp := r.URL.Query()

	var status *store.TaskStatus
	if v := qp.Get("status"); v != "" {
		sv := store.TaskStatus(v)
		switch sv {
		case store.StatusQueued, store.StatusProcessing, store.StatusCompleted, store.StatusFailed, store.StatusCancelled:
			status = &sv
		default:
			writeErr(w, http.StatusBadRequest, "validation_error", "invalid status")
			return
		}
	}

	var kind *string
	if v := qp.Get("kind"); v != "" {
		kind = &v
	}

	limit := 50
	if v := qp.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 200 {
			writeErr(w, http.StatusBadRequest, "validation_error", "limit must be 1..200")
			return
		}
		limit = n
	}

	offset := 0
	if v := qp.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeErr(w, http.StatusBadRequest, "validation_error", "offset must be >= 0")
			return
		}
		offset = n
	}

	items, err := s.store.ListTasks(r.Context(), store.ListTasksParams{
		Status: status,
		Kind:   kind,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, listTasksResponse{
		Items:  items,
		Limit:  limit,
		Offset: offset,
	})
}

// handleCancelTask flips a still-queued task to cancelled. The worker drops
// the broker message when it sees the status; a task already claimed keeps
// running.
func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	idStr := mux.Vars(r)["id"]
	id, err := uuid.Parse(idStr)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "validation_error", "invalid task id")
		return
	}

	t, err := s.store.CancelTask(r.Context(), id)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeErr(w, http.StatusNotFound, "not_found", "task not found")
		case errors.Is(err, store.ErrVersionConflict):
			writeErr(w, http.StatusConflict, "not_cancellable", "task is no longer queued")
		default:
			writeErr(w, http.StatusInternalServerError, "internal_error", err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, getTaskResponse{Task: *t})
}

type listExecutionsResponse struct {
	Items []store.TaskExecution `json:"items"`
	Limit int                   `json:"limit"`
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	idStr := mux.Vars(r)["id"]
	taskID, err := uuid.Parse(idStr)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "validation_error", "invalid task id")
		return
	}

	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 200 {
			writeErr(w, http.StatusBadRequest, "validation_error", "limit must be 1..200")
			return
		}
		limit = n
	}

	items, err := s.store.ListExecutions(r.Context(), taskID, limit)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}

	writeJSON(w, http.StatusOK, listExecutionsResponse{
		Items: items,
		Limit: limit,
	})
}

type listSchedulesResponse struct {
	Items []store.Schedule `json:"items"`
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	items, err := s.store.ListSchedules(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	writeJSON(w, http.StatusOK, listSchedulesResponse{Items: items})
}
