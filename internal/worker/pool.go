// Package worker runs the concurrent task executors: it pulls deliveries per
// kind, claims the task row, runs the registered handler and translates the
// outcome into queue operations (ack, delayed nack, dead-letter). Handler
// errors never crash the pool.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/dedezza1D/orderflow/internal/observability"
	"github.com/dedezza1D/orderflow/internal/queue"
	"github.com/dedezza1D/orderflow/internal/store"
	"github.com/dedezza1D/orderflow/internal/task"
)

// Store is the slice of the persistent store the pool needs.
type Store interface {
	GetTask(ctx context.Context, id uuid.UUID) (*store.Task, error)
	UpdateTaskStatus(ctx context.Context, id uuid.UUID, expectedVersion int, newStatus store.TaskStatus) (*store.Task, error)
	CreateExecution(ctx context.Context, taskID uuid.UUID, attempt int) (*store.TaskExecution, error)
	FinishExecution(ctx context.Context, execID uuid.UUID, status store.ExecutionStatus, errMsg *string) (*store.TaskExecution, error)
}

type Config struct {
	// PollTimeout is the max wait per fetch before looping (and noticing
	// shutdown).
	PollTimeout time.Duration
	// StatsInterval is how often queue depths are exported as gauges.
	// Zero disables the reporter.
	StatsInterval time.Duration
}

type Pool struct {
	queue    queue.Queue
	store    Store
	registry *task.Registry
	logger   *zap.Logger
	cfg      Config

	wg sync.WaitGroup
}

func NewPool(q queue.Queue, st Store, reg *task.Registry, logger *zap.Logger, cfg Config) *Pool {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 2 * time.Second
	}
	return &Pool{queue: q, store: st, registry: reg, logger: logger, cfg: cfg}
}

// Run blocks until ctx is cancelled, then drains in-flight handlers.
func (p *Pool) Run(ctx context.Context) error {
	kinds := p.registry.Kinds()
	if len(kinds) == 0 {
		return errors.New("worker: no task kinds registered")
	}

	for _, kind := range kinds {
		policy, _ := p.registry.Policy(kind)

		consumer, err := p.queue.Consume(kind, queue.ConsumeOptions{
			VisibilityTimeout: policy.VisibilityTimeout,
			// one extra delivery beyond the retry budget so the final
			// redelivery still reaches the dead-letter path in-app
			MaxDeliver: policy.MaxAttempts + 1,
		})
		if err != nil {
			return fmt.Errorf("consume %s: %w", kind, err)
		}

		p.wg.Add(1)
		go p.fetchLoop(ctx, kind, policy, consumer)

		p.logger.Info("worker loop started",
			zap.String("kind", kind),
			zap.Int("concurrency", policy.Workers),
			zap.Duration("visibility_timeout", policy.VisibilityTimeout),
			zap.Int("max_attempts", policy.MaxAttempts),
		)
	}

	if p.cfg.StatsInterval > 0 {
		p.wg.Add(1)
		go p.reportStats(ctx)
	}

	<-ctx.Done()
	p.wg.Wait()
	p.logger.Info("worker pool stopped")
	return nil
}

func (p *Pool) fetchLoop(ctx context.Context, kind string, policy task.RetryPolicy, consumer queue.Consumer) {
	defer p.wg.Done()

	sem := make(chan struct{}, policy.Workers)
	var handlers sync.WaitGroup
	defer handlers.Wait()

	brokerDown := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		deliveries, err := consumer.Fetch(ctx, policy.Workers, p.cfg.PollTimeout)
		if err != nil {
			// infrastructure failure: back off at the connection level,
			// the loop itself never dies
			brokerDown++
			delay := policy.Backoff(brokerDown)
			p.logger.Warn("fetch error, backing off",
				zap.String("kind", kind),
				zap.Duration("delay", delay),
				zap.Error(err),
			)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		brokerDown = 0

		for _, d := range deliveries {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				_ = d.Nack(0)
				return
			}
			handlers.Add(1)
			go func(d queue.Delivery) {
				defer handlers.Done()
				defer func() { <-sem }()
				p.process(ctx, policy, d)
			}(d)
		}
	}
}

func (p *Pool) process(ctx context.Context, policy task.RetryPolicy, d queue.Delivery) {
	// Extract with the same carrier the publish side injects with; NATS
	// headers are case-sensitive, an http.Header round trip loses the keys.
	if hdrs := d.Headers(); hdrs != nil {
		ctx = otel.GetTextMapPropagator().Extract(ctx, observability.NATSHeaderCarrier{H: hdrs})
	}
	tr := otel.Tracer("orderflow/worker")
	ctx, span := tr.Start(ctx, "orderflow.handle_delivery")
	defer span.End()

	// stop the heartbeat as soon as this delivery is settled
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go p.heartbeat(hbCtx, d, policy.VisibilityTimeout)

	var env task.Envelope
	if err := json.Unmarshal(d.Body(), &env); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "bad_envelope")
		p.logger.Error("undecodable envelope, dropping", zap.String("kind", d.Kind()), zap.Error(err))
		_ = d.Ack()
		return
	}
	env.Attempt = d.Attempt()

	span.SetAttributes(
		attribute.String("task.id", env.ID.String()),
		attribute.String("task.kind", env.Kind),
		attribute.Int("task.attempt", env.Attempt),
	)

	tk, err := p.store.GetTask(ctx, env.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			_ = d.Ack()
			return
		}
		_ = d.Nack(policy.Backoff(env.Attempt))
		return
	}

	// Terminal tasks (including logical cancellation) are settled at claim
	// time; in-flight work is never forcibly cancelled.
	if tk.Status == store.StatusCompleted || tk.Status == store.StatusFailed || tk.Status == store.StatusCancelled {
		_ = d.Ack()
		return
	}

	if env.Attempt > tk.MaxAttempts {
		p.deadLetter(ctx, tk, env, d, fmt.Errorf("max attempts exceeded (%d)", tk.MaxAttempts))
		return
	}

	// Claim the row. The version CAS makes the claim exclusive: a concurrent
	// duplicate delivery loses and acks.
	claimed, err := p.tryClaim(ctx, tk.ID)
	if err != nil {
		if errors.Is(err, store.ErrVersionConflict) {
			_ = d.Ack()
			return
		}
		_ = d.Nack(policy.Backoff(env.Attempt))
		return
	}

	handler, _, ok := p.registry.Resolve(tk.Kind)
	if !ok {
		p.deadLetterClaimed(ctx, claimed, env, d, fmt.Errorf("no handler registered for kind %q", tk.Kind))
		return
	}

	// One execution row per attempt. A redelivery of an attempt that was
	// already recorded means the handler ran (or runs elsewhere): ack.
	exec, err := p.store.CreateExecution(ctx, tk.ID, env.Attempt)
	if err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			p.logger.Info("attempt already recorded, acking duplicate delivery",
				zap.String("task_id", tk.ID.String()),
				zap.Int("attempt", env.Attempt),
				zap.String("kind", tk.Kind),
			)
			_ = d.Ack()
			return
		}
		_ = p.requeue(ctx, tk.ID)
		_ = d.Nack(policy.Backoff(env.Attempt))
		return
	}

	observability.TasksStartedTotal.WithLabelValues(tk.Kind).Inc()
	start := time.Now()
	runErr := handler(ctx, env)
	observability.TaskDuration.WithLabelValues(tk.Kind).Observe(time.Since(start).Seconds())

	if runErr == nil {
		if err := p.finishExecution(ctx, exec.ID, store.ExecSucceeded, nil); err != nil {
			_ = p.requeue(ctx, tk.ID)
			_ = d.Nack(policy.Backoff(env.Attempt))
			return
		}
		if _, err := p.store.UpdateTaskStatus(ctx, tk.ID, claimed.Version, store.StatusCompleted); err != nil && !errors.Is(err, store.ErrVersionConflict) {
			_ = d.Nack(policy.Backoff(env.Attempt))
			return
		}
		observability.TasksCompletedTotal.WithLabelValues(tk.Kind).Inc()
		p.logger.Info("task processed",
			zap.String("task_id", tk.ID.String()),
			zap.Int("attempt", env.Attempt),
			zap.String("kind", tk.Kind),
		)
		_ = d.Ack()
		return
	}

	span.RecordError(runErr)
	span.SetStatus(codes.Error, runErr.Error())

	if err := p.finishExecution(ctx, exec.ID, store.ExecFailed, &runErr); err != nil {
		_ = p.requeue(ctx, tk.ID)
		_ = d.Nack(policy.Backoff(env.Attempt))
		return
	}

	if task.IsPermanent(runErr) {
		observability.TasksFailedTotal.WithLabelValues(tk.Kind, "permanent").Inc()
		p.deadLetterClaimed(ctx, claimed, env, d, runErr)
		return
	}

	observability.TasksFailedTotal.WithLabelValues(tk.Kind, "retryable").Inc()

	if env.Attempt >= tk.MaxAttempts {
		p.deadLetterClaimed(ctx, claimed, env, d, fmt.Errorf("max attempts reached (%d): %w", tk.MaxAttempts, runErr))
		return
	}

	// transient: back to the queue, redeliver after backoff
	_ = p.requeue(ctx, tk.ID)
	delay := policy.Backoff(env.Attempt)
	p.logger.Warn("task failed, will retry",
		zap.String("task_id", tk.ID.String()),
		zap.Int("attempt", env.Attempt),
		zap.String("kind", tk.Kind),
		zap.Duration("delay", delay),
		zap.String("error", runErr.Error()),
	)
	_ = d.Nack(delay)
}

// heartbeat extends the visibility claim while a handler legitimately runs
// long, so the broker doesn't hand the task to a second worker mid-flight.
func (p *Pool) heartbeat(ctx context.Context, d queue.Delivery, visibility time.Duration) {
	interval := visibility / 3
	if interval <= 0 {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := d.Extend(); err != nil {
				p.logger.Warn("heartbeat extend failed", zap.Error(err))
			}
		}
	}
}

func (p *Pool) tryClaim(ctx context.Context, id uuid.UUID) (*store.Task, error) {
	for i := 0; i < 3; i++ {
		t, err := p.store.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		updated, err := p.store.UpdateTaskStatus(ctx, id, t.Version, store.StatusProcessing)
		if err == nil {
			return updated, nil
		}
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		return nil, err
	}
	return nil, store.ErrVersionConflict
}

func (p *Pool) requeue(ctx context.Context, id uuid.UUID) error {
	t, err := p.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	_, err = p.store.UpdateTaskStatus(ctx, id, t.Version, store.StatusQueued)
	if errors.Is(err, store.ErrVersionConflict) {
		return nil
	}
	return err
}

func (p *Pool) finishExecution(ctx context.Context, execID uuid.UUID, status store.ExecutionStatus, cause *error) error {
	var msg *string
	if cause != nil && *cause != nil {
		s := (*cause).Error()
		msg = &s
	}
	_, err := p.store.FinishExecution(ctx, execID, status, msg)
	return err
}

// deadLetter settles a task that was never claimed in this delivery
// (attempt budget already blown before the claim).
func (p *Pool) deadLetter(ctx context.Context, tk *store.Task, env task.Envelope, d queue.Delivery, reason error) {
	if exec, err := p.store.CreateExecution(ctx, tk.ID, env.Attempt); err == nil {
		_ = p.finishExecution(ctx, exec.ID, store.ExecFailed, &reason)
	}
	p.publishDeadLetter(ctx, tk, env, d, reason)
	if t, err := p.store.GetTask(ctx, tk.ID); err == nil {
		_, _ = p.store.UpdateTaskStatus(ctx, t.ID, t.Version, store.StatusFailed)
	}
	_ = d.Ack()
}

// deadLetterClaimed settles a claimed task permanently: dead-letter message,
// failed status, ack. The task is never redelivered again.
func (p *Pool) deadLetterClaimed(ctx context.Context, claimed *store.Task, env task.Envelope, d queue.Delivery, reason error) {
	if exec, err := p.store.CreateExecution(ctx, claimed.ID, env.Attempt); err == nil {
		_ = p.finishExecution(ctx, exec.ID, store.ExecFailed, &reason)
	}
	p.publishDeadLetter(ctx, claimed, env, d, reason)
	_, _ = p.store.UpdateTaskStatus(ctx, claimed.ID, claimed.Version, store.StatusFailed)
	_ = d.Ack()
}

func (p *Pool) publishDeadLetter(ctx context.Context, tk *store.Task, env task.Envelope, d queue.Delivery, reason error) {
	dl := queue.DeadLetter{
		TaskID:   tk.ID.String(),
		Kind:     tk.Kind,
		Attempt:  env.Attempt,
		Error:    reason.Error(),
		Body:     d.Body(),
		FailedAt: time.Now(),
	}
	if err := p.queue.PublishDeadLetter(ctx, dl); err != nil {
		p.logger.Error("failed to publish dead letter",
			zap.String("task_id", tk.ID.String()),
			zap.Error(err),
		)
		return
	}
	observability.TasksDeadLetteredTotal.WithLabelValues(tk.Kind).Inc()
	p.logger.Error("task dead-lettered",
		zap.String("task_id", tk.ID.String()),
		zap.Int("attempt", env.Attempt),
		zap.String("kind", tk.Kind),
		zap.String("error", reason.Error()),
	)
}

func (p *Pool) reportStats(ctx context.Context) {
	defer p.wg.Done()
	t := time.NewTicker(p.cfg.StatsInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			st, err := p.queue.Stats(ctx)
			if err != nil {
				p.logger.Warn("queue stats failed", zap.Error(err))
				continue
			}
			for kind, depth := range st.Depths {
				observability.QueueDepth.WithLabelValues(kind).Set(float64(depth))
			}
			observability.DeadLetterDepth.Set(float64(st.DeadLetters))
		}
	}
}
