package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// CreateExecution records the start of one attempt and bumps the task's
// attempt counter. (task_id, attempt) is unique: a duplicate delivery of the
// same attempt gets ErrAlreadyExists and must not run the handler again.
func (s *Store) CreateExecution(ctx context.Context, taskID uuid.UUID, attempt int) (*TaskExecution, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	id := uuid.New()
	q := `
INSERT INTO task_executions (id, task_id, attempt, status)
VALUES ($1, $2, $3, 'started')
RETURNING id, task_id, attempt, status, error, started_at, finished_at;
`
	var e TaskExecution
	err = tx.QueryRow(ctx, q, id, taskID, attempt).Scan(
		&e.ID, &e.TaskID, &e.Attempt, &e.Status, &e.Error, &e.StartedAt, &e.FinishedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrAlreadyExists
		}
		return nil, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE tasks SET attempts = GREATEST(attempts, $2), updated_at = now() WHERE id = $1`,
		taskID, attempt,
	); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Store) FinishExecution(ctx context.Context, execID uuid.UUID, status ExecutionStatus, errMsg *string) (*TaskExecution, error) {
	q := `
UPDATE task_executions
SET status = $2,
    error = $3,
    finished_at = $4
WHERE id = $1
RETURNING id, task_id, attempt, status, error, started_at, finished_at;
`
	now := time.Now()

	var e TaskExecution
	err := s.db.QueryRow(ctx, q, execID, string(status), errMsg, now).Scan(
		&e.ID, &e.TaskID, &e.Attempt, &e.Status, &e.Error, &e.StartedAt, &e.FinishedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Store) ListExecutions(ctx context.Context, taskID uuid.UUID, limit int) ([]TaskExecution, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	q := `
SELECT id, task_id, attempt, status, error, started_at, finished_at
FROM task_executions
WHERE task_id = $1
ORDER BY attempt DESC
LIMIT $2;
`
	rows, err := s.db.Query(ctx, q, taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]TaskExecution, 0, limit)
	for rows.Next() {
		var e TaskExecution
		if err := rows.Scan(&e.ID, &e.TaskID, &e.Attempt, &e.Status, &e.Error, &e.StartedAt, &e.FinishedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
