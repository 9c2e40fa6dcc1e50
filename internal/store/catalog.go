package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
)

// UpsertOutcome classifies one catalog upsert.
type UpsertOutcome string

const (
	UpsertCreated   UpsertOutcome = "created"
	UpsertUpdated   UpsertOutcome = "updated"
	UpsertUnchanged UpsertOutcome = "unchanged"
)

// UpsertProduct applies one feed record in its own transaction, keyed by
// external_key. An absent record is inserted, a changed checksum updates in
// place, a matching checksum is a no-op — re-importing an unchanged feed
// converges without writes.
func (s *Store) UpsertProduct(ctx context.Context, p Product) (UpsertOutcome, error) {
	params, err := json.Marshal(p.Parameters)
	if err != nil {
		return "", err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var stored string
	err = tx.QueryRow(ctx,
		`SELECT checksum FROM products WHERE external_key = $1 FOR UPDATE`,
		p.ExternalKey,
	).Scan(&stored)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if _, err := tx.Exec(ctx, `
INSERT INTO products (external_key, shop, name, category, model, price, price_rrc, quantity, parameters, checksum)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::jsonb, $10);
`, p.ExternalKey, p.Shop, p.Name, p.Category, p.Model, p.Price, p.PriceRRC, p.Quantity, params, p.Checksum); err != nil {
			return "", err
		}
		if err := tx.Commit(ctx); err != nil {
			return "", err
		}
		return UpsertCreated, nil

	case err != nil:
		return "", err

	case stored == p.Checksum:
		if err := tx.Commit(ctx); err != nil {
			return "", err
		}
		return UpsertUnchanged, nil

	default:
		if _, err := tx.Exec(ctx, `
UPDATE products
SET shop = $2, name = $3, category = $4, model = $5,
    price = $6, price_rrc = $7, quantity = $8,
    parameters = $9::jsonb, checksum = $10, updated_at = now()
WHERE external_key = $1;
`, p.ExternalKey, p.Shop, p.Name, p.Category, p.Model, p.Price, p.PriceRRC, p.Quantity, params, p.Checksum); err != nil {
			return "", err
		}
		if err := tx.Commit(ctx); err != nil {
			return "", err
		}
		return UpsertUpdated, nil
	}
}

func (s *Store) GetProduct(ctx context.Context, externalKey string) (*Product, error) {
	var (
		p      Product
		params []byte
	)
	err := s.db.QueryRow(ctx, `
SELECT external_key, shop, name, category, model, price, price_rrc, quantity, parameters, checksum, created_at, updated_at
FROM products WHERE external_key = $1;
`, externalKey).Scan(
		&p.ExternalKey, &p.Shop, &p.Name, &p.Category, &p.Model, &p.Price, &p.PriceRRC, &p.Quantity, &params, &p.Checksum, &p.CreatedAt, &p.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(params, &p.Parameters); err != nil {
		return nil, err
	}
	return &p, nil
}

// ShopNames lists the distinct shops present in the catalog.
func (s *Store) ShopNames(ctx context.Context) ([]string, error) {
	rows, err := s.db.Query(ctx, `SELECT DISTINCT shop FROM products ORDER BY shop;`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

// ProductsByShop lists one shop's catalog records.
func (s *Store) ProductsByShop(ctx context.Context, shop string) ([]Product, error) {
	rows, err := s.db.Query(ctx, `
SELECT external_key, shop, name, category, model, price, price_rrc, quantity, parameters, checksum, created_at, updated_at
FROM products WHERE shop = $1 ORDER BY external_key;
`, shop)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Product
	for rows.Next() {
		var (
			p      Product
			params []byte
		)
		if err := rows.Scan(&p.ExternalKey, &p.Shop, &p.Name, &p.Category, &p.Model, &p.Price, &p.PriceRRC, &p.Quantity, &params, &p.Checksum, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(params, &p.Parameters); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// AdjustQuantity reserves (negative delta) or restocks stock for one product
// in a single short transaction; it fails rather than drive quantity below
// zero.
func (s *Store) AdjustQuantity(ctx context.Context, externalKey string, delta int) error {
	tag, err := s.db.Exec(ctx, `
UPDATE products
SET quantity = quantity + $2, updated_at = now()
WHERE external_key = $1 AND quantity + $2 >= 0;
`, externalKey, delta)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetProduct(ctx, externalKey); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrVersionConflict
	}
	return nil
}
