// Package producer is the narrow interface the web layer (and the scheduler)
// uses to hand work to the task core: validate the kind, persist the task row,
// publish the envelope.
package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dedezza1D/orderflow/internal/observability"
	"github.com/dedezza1D/orderflow/internal/queue"
	"github.com/dedezza1D/orderflow/internal/store"
	"github.com/dedezza1D/orderflow/internal/task"
)

// TaskStore is the slice of the store the producer needs.
type TaskStore interface {
	CreateTask(ctx context.Context, p store.CreateTaskParams) (*store.Task, bool, error)
}

type Producer struct {
	store    TaskStore
	queue    queue.Queue
	registry *task.Registry
	logger   *zap.Logger
}

func New(st TaskStore, q queue.Queue, reg *task.Registry, logger *zap.Logger) *Producer {
	return &Producer{store: st, queue: q, registry: reg, logger: logger}
}

// Submit enqueues one task. The idempotency key identifies the logical
// business operation: submitting the same key twice returns the first task's
// id and enqueues nothing new. An empty key opts out of dedup and gets a
// generated one.
//
// The row is persisted before the publish. If the broker is down the caller
// gets ErrBrokerUnavailable and the row stays queued; re-submitting the same
// key retries the publish, and the broker's msg-id dedup keeps replays
// harmless.
func (p *Producer) Submit(ctx context.Context, kind string, payload json.RawMessage, idempotencyKey string) (*store.Task, error) {
	if !p.registry.Has(kind) {
		return nil, fmt.Errorf("%w: %q", task.ErrInvalidKind, kind)
	}
	if idempotencyKey == "" {
		idempotencyKey = uuid.NewString()
	}
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}

	policy, _ := p.registry.Policy(kind)

	t, created, err := p.store.CreateTask(ctx, store.CreateTaskParams{
		Kind:           kind,
		Payload:        payload,
		IdempotencyKey: idempotencyKey,
		MaxAttempts:    policy.MaxAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("persist task: %w", err)
	}

	if !created && t.Kind != kind {
		return nil, fmt.Errorf("%w: key %q already belongs to kind %q", task.ErrKeyConflict, idempotencyKey, t.Kind)
	}
	if !created && t.Status != store.StatusQueued {
		// already past the queue; nothing to publish
		return t, nil
	}

	env := task.Envelope{
		ID:             t.ID,
		Kind:           t.Kind,
		Payload:        t.Payload,
		IdempotencyKey: t.IdempotencyKey,
		EnqueuedAt:     time.Now(),
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}

	if err := p.queue.Enqueue(ctx, kind, body, idempotencyKey); err != nil {
		p.logger.Warn("enqueue failed, task row kept for re-publish",
			zap.String("task_id", t.ID.String()),
			zap.String("kind", kind),
			zap.Error(err),
		)
		return nil, err
	}

	observability.TasksSubmittedTotal.WithLabelValues(kind).Inc()

	p.logger.Info("task submitted",
		zap.String("task_id", t.ID.String()),
		zap.String("kind", kind),
		zap.Bool("created", created),
	)
	return t, nil
}
