package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
)

const orderColumns = `id, status, user_email, user_name, total, created_at, updated_at`

type CreateOrderParams struct {
	UserEmail string
	UserName  string
	Total     int64
}

func (s *Store) CreateOrder(ctx context.Context, p CreateOrderParams) (*Order, error) {
	q := `
INSERT INTO orders (status, user_email, user_name, total)
VALUES ('new', $1, $2, $3)
RETURNING ` + orderColumns + `;
`
	var o Order
	err := s.db.QueryRow(ctx, q, p.UserEmail, p.UserName, p.Total).Scan(
		&o.ID, &o.Status, &o.UserEmail, &o.UserName, &o.Total, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *Store) GetOrder(ctx context.Context, id int64) (*Order, error) {
	var o Order
	err := s.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1;`, id).Scan(
		&o.ID, &o.Status, &o.UserEmail, &o.UserName, &o.Total, &o.CreatedAt, &o.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &o, nil
}

func (s *Store) ListOrdersByStatus(ctx context.Context, status OrderStatus, limit int) ([]Order, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.Query(ctx, `
SELECT `+orderColumns+` FROM orders WHERE status = $1 ORDER BY created_at LIMIT $2;
`, string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Order
	for rows.Next() {
		var o Order
		if err := rows.Scan(&o.ID, &o.Status, &o.UserEmail, &o.UserName, &o.Total, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// ConfirmOrder moves new -> confirmed. It reports false when the order was
// already confirmed by an earlier (possibly redelivered) run, which callers
// treat as done, not as an error.
func (s *Store) ConfirmOrder(ctx context.Context, id int64) (bool, error) {
	tag, err := s.db.Exec(ctx, `
UPDATE orders SET status = 'confirmed', updated_at = now()
WHERE id = $1 AND status = 'new';
`, id)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
