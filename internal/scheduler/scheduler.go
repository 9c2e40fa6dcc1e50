// Package scheduler turns persisted schedule entries into task submissions.
// Any number of instances may run; a database lease elects one leader per
// tick, and the fire itself is a compare-and-set on the entry's next fire
// time, so a lost lease race can never double-fire.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/dedezza1D/orderflow/internal/observability"
	"github.com/dedezza1D/orderflow/internal/store"
)

const leaseName = "scheduler"

// ScheduleStore is the slice of the store the scheduler needs.
type ScheduleStore interface {
	DueSchedules(ctx context.Context, now time.Time) ([]store.Schedule, error)
	RecordFire(ctx context.Context, name string, expectedNext, firedAt, nextFire time.Time) error
	AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, name, owner string) error
}

// Submitter hands a fired schedule to the task core. The producer satisfies
// this; the idempotency key carries the fire identity so replays collapse.
type Submitter interface {
	Submit(ctx context.Context, kind string, payload json.RawMessage, idempotencyKey string) (*store.Task, error)
}

type Config struct {
	Tick     time.Duration
	LeaseTTL time.Duration
	// Owner identifies this instance in the lease table. Defaults to a
	// random uuid per process.
	Owner string
}

type Scheduler struct {
	store  ScheduleStore
	submit Submitter
	logger *zap.Logger
	cfg    Config

	now    func() time.Time
	leader bool
}

func New(st ScheduleStore, submit Submitter, logger *zap.Logger, cfg Config) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = 5 * time.Second
	}
	if cfg.LeaseTTL < 2*cfg.Tick {
		cfg.LeaseTTL = 2 * cfg.Tick
	}
	if cfg.Owner == "" {
		cfg.Owner = uuid.NewString()
	}
	return &Scheduler{
		store:  st,
		submit: submit,
		logger: logger,
		cfg:    cfg,
		now:    time.Now,
	}
}

// Run ticks until ctx is cancelled, then releases the lease if held.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started",
		zap.String("owner", s.cfg.Owner),
		zap.Duration("tick", s.cfg.Tick),
		zap.Duration("lease_ttl", s.cfg.LeaseTTL),
	)

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if s.leader {
				relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := s.store.ReleaseLease(relCtx, leaseName, s.cfg.Owner); err != nil {
					s.logger.Warn("lease release failed", zap.Error(err))
				}
				cancel()
			}
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	leader, err := s.store.AcquireLease(ctx, leaseName, s.cfg.Owner, s.cfg.LeaseTTL)
	if err != nil {
		s.logger.Error("lease acquire failed", zap.Error(err))
		return
	}
	if leader != s.leader {
		s.leader = leader
		if leader {
			s.logger.Info("became scheduler leader", zap.String("owner", s.cfg.Owner))
		} else {
			s.logger.Info("lost scheduler leadership", zap.String("owner", s.cfg.Owner))
		}
	}
	if !leader {
		return
	}
	s.evaluate(ctx, s.now())
}

// evaluate fires every due entry once. RecordFire runs before the submit:
// losing the CAS means another instance (or an earlier replay) already owns
// this fire. A crash between the two leaves one missed publish, which the
// next due window plus the broker's msg-id dedup keeps safe.
func (s *Scheduler) evaluate(ctx context.Context, now time.Time) {
	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		s.logger.Error("due schedules query failed", zap.Error(err))
		return
	}

	for _, sc := range due {
		fire := sc.NextFireAt
		next, err := s.nextAfter(sc, now)
		if err != nil {
			s.logger.Error("schedule has unusable timing, skipping",
				zap.String("schedule", sc.Name),
				zap.Error(err),
			)
			continue
		}

		if err := s.store.RecordFire(ctx, sc.Name, fire, now, next); err != nil {
			if errors.Is(err, store.ErrVersionConflict) {
				observability.ScheduleConflictsTotal.WithLabelValues(sc.Name).Inc()
				s.logger.Info("schedule fire already claimed elsewhere",
					zap.String("schedule", sc.Name),
					zap.Time("fire", fire),
				)
				continue
			}
			s.logger.Error("record fire failed",
				zap.String("schedule", sc.Name),
				zap.Error(err),
			)
			continue
		}

		key := FireKey(sc.Name, fire)
		if _, err := s.submit.Submit(ctx, sc.Kind, sc.Payload, key); err != nil {
			s.logger.Error("scheduled submit failed",
				zap.String("schedule", sc.Name),
				zap.String("kind", sc.Kind),
				zap.String("key", key),
				zap.Error(err),
			)
			continue
		}

		observability.ScheduleFiresTotal.WithLabelValues(sc.Name).Inc()
		s.logger.Info("schedule fired",
			zap.String("schedule", sc.Name),
			zap.String("kind", sc.Kind),
			zap.Time("fire", fire),
			zap.Time("next", next),
		)
	}
}

// nextAfter computes the fire time following now. Interval entries advance
// from the recorded fire in whole periods, so the cadence keeps its phase; an
// instance that was down for an hour fires each schedule once and resumes on
// the original grid instead of replaying the backlog.
func (s *Scheduler) nextAfter(sc store.Schedule, now time.Time) (time.Time, error) {
	if sc.CronExpr != nil && *sc.CronExpr != "" {
		spec, err := cron.ParseStandard(*sc.CronExpr)
		if err != nil {
			return time.Time{}, fmt.Errorf("parse cron %q: %w", *sc.CronExpr, err)
		}
		return spec.Next(now), nil
	}
	if sc.Interval > 0 {
		next := sc.NextFireAt.Add(sc.Interval)
		if !next.After(now) {
			behind := now.Sub(sc.NextFireAt).Truncate(sc.Interval)
			next = sc.NextFireAt.Add(behind + sc.Interval)
		}
		return next, nil
	}
	return time.Time{}, fmt.Errorf("schedule %q has neither cron expression nor interval", sc.Name)
}

// FireKey is the idempotency key for one fire of one schedule. It doubles as
// the broker msg-id, so a duplicate fire within the dedup window publishes
// nothing.
func FireKey(name string, fire time.Time) string {
	return fmt.Sprintf("sched:%s:%d", name, fire.Unix())
}
