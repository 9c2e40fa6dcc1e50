package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

const scheduleColumns = `name, kind, payload, cron_expr, interval_seconds, enabled, last_fired_at, next_fire_at, created_at, updated_at`

// EnsureSchedule seeds an entry if it does not exist yet. Existing entries
// keep their recorded fire state across restarts; only the definition fields
// are refreshed.
func (s *Store) EnsureSchedule(ctx context.Context, sc Schedule) error {
	var interval *int64
	if sc.Interval > 0 {
		secs := int64(sc.Interval / time.Second)
		interval = &secs
	}
	payload := sc.Payload
	if len(payload) == 0 {
		payload = []byte(`{}`)
	}

	_, err := s.db.Exec(ctx, `
INSERT INTO schedules (name, kind, payload, cron_expr, interval_seconds, enabled, next_fire_at)
VALUES ($1, $2, $3::jsonb, $4, $5, $6, $7)
ON CONFLICT (name) DO UPDATE
SET kind = EXCLUDED.kind,
    payload = EXCLUDED.payload,
    cron_expr = EXCLUDED.cron_expr,
    interval_seconds = EXCLUDED.interval_seconds,
    enabled = EXCLUDED.enabled,
    updated_at = now();
`, sc.Name, sc.Kind, payload, sc.CronExpr, interval, sc.Enabled, sc.NextFireAt)
	return err
}

func (s *Store) ListSchedules(ctx context.Context) ([]Schedule, error) {
	rows, err := s.db.Query(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY name;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSchedules(rows)
}

// DueSchedules returns enabled entries whose next fire time has arrived.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]Schedule, error) {
	rows, err := s.db.Query(ctx, `
SELECT `+scheduleColumns+`
FROM schedules
WHERE enabled AND next_fire_at <= $1
ORDER BY next_fire_at;
`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSchedules(rows)
}

// RecordFire durably records a fire with compare-and-set on the expected next
// fire time. A concurrent or replayed fire loses the CAS and gets
// ErrVersionConflict; the scheduler reports that as a schedule conflict, not
// a failure.
func (s *Store) RecordFire(ctx context.Context, name string, expectedNext, firedAt, nextFire time.Time) error {
	tag, err := s.db.Exec(ctx, `
UPDATE schedules
SET last_fired_at = $3,
    next_fire_at = $4,
    updated_at = now()
WHERE name = $1 AND next_fire_at = $2;
`, name, expectedNext, firedAt, nextFire)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

func scanSchedules(rows pgx.Rows) ([]Schedule, error) {
	var out []Schedule
	for rows.Next() {
		var (
			sc       Schedule
			interval *int64
		)
		if err := rows.Scan(&sc.Name, &sc.Kind, &sc.Payload, &sc.CronExpr, &interval, &sc.Enabled, &sc.LastFiredAt, &sc.NextFireAt, &sc.CreatedAt, &sc.UpdatedAt); err != nil {
			return nil, err
		}
		if interval != nil {
			sc.Interval = time.Duration(*interval) * time.Second
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// GetSchedule fetches one entry by name.
func (s *Store) GetSchedule(ctx context.Context, name string) (*Schedule, error) {
	rows, err := s.db.Query(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE name = $1;`, name)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list, err := scanSchedules(rows)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, ErrNotFound
	}
	return &list[0], nil
}
