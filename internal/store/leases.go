package store

import (
	"context"
	"time"
)

// AcquireLease takes or renews a named lease for owner. The update wins when
// the lease is free, expired, or already held by the same owner; otherwise
// another instance is the leader and false is returned. The scheduler renews
// well inside the TTL, so a crashed leader is replaced after at most one TTL.
func (s *Store) AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	expires := time.Now().Add(ttl)
	tag, err := s.db.Exec(ctx, `
INSERT INTO scheduler_leases (name, owner, expires_at)
VALUES ($1, $2, $3)
ON CONFLICT (name) DO UPDATE
SET owner = EXCLUDED.owner,
    expires_at = EXCLUDED.expires_at
WHERE scheduler_leases.expires_at < now()
   OR scheduler_leases.owner = EXCLUDED.owner;
`, name, owner, expires)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseLease drops the lease if owner still holds it (graceful shutdown).
func (s *Store) ReleaseLease(ctx context.Context, name, owner string) error {
	_, err := s.db.Exec(ctx, `
DELETE FROM scheduler_leases WHERE name = $1 AND owner = $2;
`, name, owner)
	return err
}
