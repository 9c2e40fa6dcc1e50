package store

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type TaskStatus string

const (
	StatusQueued     TaskStatus = "queued"
	StatusProcessing TaskStatus = "processing"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
	StatusCancelled  TaskStatus = "cancelled"
)

// Task is the durable record of one unit of work. The broker carries the
// envelope; this row owns status, attempts and the idempotency key.
type Task struct {
	ID             uuid.UUID       `json:"id"`
	Kind           string          `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
	Status         TaskStatus      `json:"status"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	Version        int             `json:"version"`
}

type ExecutionStatus string

const (
	ExecStarted   ExecutionStatus = "started"
	ExecSucceeded ExecutionStatus = "succeeded"
	ExecFailed    ExecutionStatus = "failed"
)

// TaskExecution is one attempt's result record; (task_id, attempt) is unique
// so duplicate deliveries of the same attempt collapse.
type TaskExecution struct {
	ID         uuid.UUID       `json:"id"`
	TaskID     uuid.UUID       `json:"task_id"`
	Attempt    int             `json:"attempt"`
	Status     ExecutionStatus `json:"status"`
	Error      *string         `json:"error,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}

// Schedule is a persisted periodic-fire entry. Exactly one of CronExpr or
// Interval is set. NextFireAt is recomputed only after a fire is durably
// recorded and is always strictly in the future relative to that fire.
type Schedule struct {
	Name        string          `json:"name"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	CronExpr    *string         `json:"cron_expr,omitempty"`
	Interval    time.Duration   `json:"interval,omitempty"`
	Enabled     bool            `json:"enabled"`
	LastFiredAt *time.Time      `json:"last_fired_at,omitempty"`
	NextFireAt  time.Time       `json:"next_fire_at"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// Product is one catalog record, keyed by the feed's stable external key.
// Checksum covers the imported attributes; an unchanged re-import is a no-op.
type Product struct {
	ExternalKey string            `json:"external_key"`
	Shop        string            `json:"shop"`
	Name        string            `json:"name"`
	Category    string            `json:"category"`
	Model       string            `json:"model,omitempty"`
	Price       int64             `json:"price"`
	PriceRRC    int64             `json:"price_rrc"`
	Quantity    int               `json:"quantity"`
	Parameters  map[string]string `json:"parameters"`
	Checksum    string            `json:"checksum"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

type OrderStatus string

const (
	OrderNew       OrderStatus = "new"
	OrderConfirmed OrderStatus = "confirmed"
)

type Order struct {
	ID        int64       `json:"id"`
	Status    OrderStatus `json:"status"`
	UserEmail string      `json:"user_email"`
	UserName  string      `json:"user_name"`
	Total     int64       `json:"total"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}
