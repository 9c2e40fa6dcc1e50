package handlers

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/dedezza1D/orderflow/internal/task"
)

type AvailabilityPayload struct {
	// Shop narrows the refresh to one shop. Empty means fan out over every
	// shop in the catalog.
	Shop string `json:"shop,omitempty"`
}

// UpdateAvailability refreshes product availability. The scheduled entry
// carries an empty shop and fans out one task per shop; each per-shop task
// walks that shop's catalog. The fan-out keys chain off the parent's
// idempotency key, so a redelivered fan-out enqueues the same children.
func (h *Handlers) UpdateAvailability(ctx context.Context, env task.Envelope) error {
	var p AvailabilityPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return task.Permanent(fmt.Errorf("decode availability payload: %w", err))
	}

	if p.Shop == "" {
		return h.fanOutShops(ctx, env)
	}
	return h.refreshShop(ctx, p.Shop)
}

func (h *Handlers) fanOutShops(ctx context.Context, env task.Envelope) error {
	shops, err := h.store.ShopNames(ctx)
	if err != nil {
		return fmt.Errorf("list shops: %w", err)
	}
	if len(shops) == 0 {
		h.logger.Warn("no shops in catalog, nothing to refresh")
		return nil
	}

	for _, shop := range shops {
		payload, _ := json.Marshal(AvailabilityPayload{Shop: shop})
		key := fmt.Sprintf("%s:%s", env.IdempotencyKey, shop)
		if _, err := h.submit.Submit(ctx, KindUpdateAvailability, payload, key); err != nil {
			return fmt.Errorf("fan out shop %s: %w", shop, err)
		}
	}

	h.logger.Info("availability refresh fanned out", zap.Int("shops", len(shops)))
	return nil
}

func (h *Handlers) refreshShop(ctx context.Context, shop string) error {
	products, err := h.store.ProductsByShop(ctx, shop)
	if err != nil {
		return fmt.Errorf("load catalog for %s: %w", shop, err)
	}

	// the supplier availability check lives here once there is an external
	// source to ask; today the refresh walks the catalog and reports
	for _, p := range products {
		h.logger.Debug("availability checked",
			zap.String("product", p.ExternalKey),
			zap.Int("quantity", p.Quantity),
		)
	}

	h.logger.Info("shop availability refreshed",
		zap.String("shop", shop),
		zap.Int("products", len(products)),
	)
	return nil
}
