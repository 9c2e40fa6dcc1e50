package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const taskColumns = `id, kind, payload, idempotency_key, status, attempts, max_attempts, created_at, updated_at, version`

type CreateTaskParams struct {
	Kind           string
	Payload        []byte // JSON
	IdempotencyKey string
	MaxAttempts    int
}

// CreateTask inserts a task row. The idempotency key is unique: submitting
// the same key again returns the existing task with created=false instead of
// a second row.
func (s *Store) CreateTask(ctx context.Context, p CreateTaskParams) (*Task, bool, error) {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 5
	}
	id := uuid.New()

	q := `
INSERT INTO tasks (id, kind, payload, idempotency_key, status, max_attempts)
VALUES ($1, $2, $3::jsonb, $4, 'queued', $5)
ON CONFLICT (idempotency_key) DO NOTHING
RETURNING ` + taskColumns + `;
`
	var t Task
	err := s.db.QueryRow(ctx, q, id, p.Kind, p.Payload, p.IdempotencyKey, p.MaxAttempts).Scan(
		&t.ID, &t.Kind, &t.Payload, &t.IdempotencyKey, &t.Status, &t.Attempts, &t.MaxAttempts, &t.CreatedAt, &t.UpdatedAt, &t.Version,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		existing, getErr := s.GetTaskByKey(ctx, p.IdempotencyKey)
		if getErr != nil {
			return nil, false, getErr
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &t, true, nil
}

func (s *Store) GetTask(ctx context.Context, id uuid.UUID) (*Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE id = $1;`
	return s.scanTask(s.db.QueryRow(ctx, q, id))
}

func (s *Store) GetTaskByKey(ctx context.Context, idempotencyKey string) (*Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE idempotency_key = $1;`
	return s.scanTask(s.db.QueryRow(ctx, q, idempotencyKey))
}

func (s *Store) scanTask(row pgx.Row) (*Task, error) {
	var t Task
	err := row.Scan(
		&t.ID, &t.Kind, &t.Payload, &t.IdempotencyKey, &t.Status, &t.Attempts, &t.MaxAttempts, &t.CreatedAt, &t.UpdatedAt, &t.Version,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

type ListTasksParams struct {
	Status *TaskStatus
	Kind   *string
	Limit  int
	Offset int
}

func (s *Store) ListTasks(ctx context.Context, p ListTasksParams) ([]Task, error) {
	limit := p.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	offset := p.Offset
	if offset < 0 {
		offset = 0
	}

	q := `
SELECT ` + taskColumns + `
FROM tasks
WHERE ($1::text IS NULL OR status = $1)
  AND ($2::text IS NULL OR kind = $2)
ORDER BY created_at DESC
LIMIT $3 OFFSET $4;
`
	var status *string
	if p.Status != nil {
		sv := string(*p.Status)
		status = &sv
	}

	rows, err := s.db.Query(ctx, q, status, p.Kind, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Task, 0, limit)
	for rows.Next() {
		var t Task
		if err := rows.Scan(&t.ID, &t.Kind, &t.Payload, &t.IdempotencyKey, &t.Status, &t.Attempts, &t.MaxAttempts, &t.CreatedAt, &t.UpdatedAt, &t.Version); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTaskStatus moves a task with optimistic locking: the caller's version
// must match or ErrVersionConflict is returned. This is how exactly one
// worker claims a delivered task.
func (s *Store) UpdateTaskStatus(ctx context.Context, id uuid.UUID, expectedVersion int, newStatus TaskStatus) (*Task, error) {
	q := `
UPDATE tasks
SET status = $3,
    version = version + 1,
    updated_at = now()
WHERE id = $1 AND version = $2
RETURNING ` + taskColumns + `;
`
	var t Task
	err := s.db.QueryRow(ctx, q, id, expectedVersion, string(newStatus)).Scan(
		&t.ID, &t.Kind, &t.Payload, &t.IdempotencyKey, &t.Status, &t.Attempts, &t.MaxAttempts, &t.CreatedAt, &t.UpdatedAt, &t.Version,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		// either not found OR version mismatch; check existence
		if _, getErr := s.GetTask(ctx, id); errors.Is(getErr, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, ErrVersionConflict
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// CancelTask is the logical cancellation marker: it only lands while the task
// still sits unclaimed in the queue. Claimed work runs to completion; the
// worker checks the status at claim time and drops cancelled deliveries.
func (s *Store) CancelTask(ctx context.Context, id uuid.UUID) (*Task, error) {
	q := `
UPDATE tasks
SET status = 'cancelled',
    version = version + 1,
    updated_at = now()
WHERE id = $1 AND status = 'queued'
RETURNING ` + taskColumns + `;
`
	var t Task
	err := s.db.QueryRow(ctx, q, id).Scan(
		&t.ID, &t.Kind, &t.Payload, &t.IdempotencyKey, &t.Status, &t.Attempts, &t.MaxAttempts, &t.CreatedAt, &t.UpdatedAt, &t.Version,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, getErr := s.GetTask(ctx, id); errors.Is(getErr, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, ErrVersionConflict
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}
