package queue

import (
	"context"
	"time"
)

// Subjects live under one prefix so a single broker stream captures every
// kind plus the dead-letter channel.
const (
	SubjectPrefix = "tasks."
	KindDead      = "dead"
)

func SubjectFor(kind string) string { return SubjectPrefix + kind }

// Delivery is one claimed task message. The claim is honored until the
// visibility timeout elapses; Extend renews it, Ack settles it, Nack schedules
// redelivery after the given delay.
type Delivery interface {
	Kind() string
	Body() []byte
	// Attempt is the broker's delivery count for this message, starting at 1.
	Attempt() int
	// Headers carries cross-process metadata (trace propagation).
	Headers() map[string][]string
	Ack() error
	Nack(delay time.Duration) error
	Extend() error
}

// Consumer pulls deliveries for a single kind. Fetch blocks up to wait and
// returns an empty batch on timeout, not an error.
type Consumer interface {
	Fetch(ctx context.Context, batch int, wait time.Duration) ([]Delivery, error)
}

// ConsumeOptions sizes the claim protocol per kind.
type ConsumeOptions struct {
	VisibilityTimeout time.Duration
	// MaxDeliver caps broker-side redeliveries. The worker dead-letters
	// before this trips; it is the backstop, not the policy.
	MaxDeliver int
}

// DeadLetter is the terminal record published for a task that will never be
// redelivered.
type DeadLetter struct {
	TaskID   string    `json:"task_id"`
	Kind     string    `json:"kind"`
	Attempt  int       `json:"attempt"`
	Error    string    `json:"error"`
	Body     []byte    `json:"body"`
	FailedAt time.Time `json:"failed_at"`
}

// Stats is the operational surface: backlog per kind plus dead-letter count.
type Stats struct {
	Depths      map[string]uint64 `json:"depths"`
	DeadLetters uint64            `json:"dead_letters"`
}

// Queue is the durable at-least-once channel between producers and workers.
// Implementations must survive process restarts without losing enqueued work
// and must make unacked deliveries visible again after the visibility timeout.
//
// msgID is the broker-level dedup key: enqueueing the same msgID twice within
// the broker's dedup window is a no-op. Producers pass the idempotency key,
// the scheduler passes the fire identity.
type Queue interface {
	Enqueue(ctx context.Context, kind string, body []byte, msgID string) error
	Consume(kind string, opts ConsumeOptions) (Consumer, error)
	PublishDeadLetter(ctx context.Context, dl DeadLetter) error
	Stats(ctx context.Context) (Stats, error)
	Close()
}
