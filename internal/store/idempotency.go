package store

import "context"

// MarkProcessed claims an idempotency key for a side effect. The first caller
// gets true and may apply the effect; every later caller (duplicate delivery,
// retried attempt that already passed this step) gets false and must skip.
// This is the guard that keeps "charge payment" from running twice under
// at-least-once delivery.
func (s *Store) MarkProcessed(ctx context.Context, key string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
INSERT INTO idempotency_keys (key) VALUES ($1)
ON CONFLICT (key) DO NOTHING;
`, key)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}
