package task

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Envelope is the unit of work that travels over the broker. The database row
// (internal/store.Task) is the durable record; the envelope only carries what a
// handler needs to run safely under at-least-once delivery — most importantly
// the idempotency key.
type Envelope struct {
	ID             uuid.UUID       `json:"id"`
	Kind           string          `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
	EnqueuedAt     time.Time       `json:"enqueued_at"`

	// Attempt is filled in by the worker from the broker's delivery count.
	// It is not part of the wire format.
	Attempt int `json:"-"`
}

// Handler executes one task attempt. Returning nil acks the delivery.
// Wrap errors with Transient or Permanent to pick the retry path; a bare
// error is treated as transient.
type Handler func(ctx context.Context, env Envelope) error

// RetryPolicy controls how a kind is executed and retried.
type RetryPolicy struct {
	MaxAttempts int
	BackoffBase time.Duration
	BackoffMax  time.Duration

	// VisibilityTimeout is how long the broker honors a claim before
	// redelivering an unacked task. Size it to the expected handler duration;
	// the worker heartbeats to extend it for legitimately long runs.
	VisibilityTimeout time.Duration

	// Workers bounds concurrency for this kind.
	Workers int
}

// DefaultRetryPolicy mirrors the worker defaults in config.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       5,
		BackoffBase:       500 * time.Millisecond,
		BackoffMax:        10 * time.Second,
		VisibilityTimeout: 30 * time.Second,
		Workers:           4,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = def.BackoffBase
	}
	if p.BackoffMax <= 0 {
		p.BackoffMax = def.BackoffMax
	}
	if p.VisibilityTimeout <= 0 {
		p.VisibilityTimeout = def.VisibilityTimeout
	}
	if p.Workers <= 0 {
		p.Workers = def.Workers
	}
	return p
}
