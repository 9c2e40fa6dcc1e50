package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/dedezza1D/orderflow/internal/store"
	"github.com/dedezza1D/orderflow/internal/task"
)

// ProcessOrders is the periodic sweep over new orders: confirm each and
// enqueue its notification. The notification key is derived from the order
// id, so a sweep that crashed between confirm and enqueue re-enqueues the
// same key on the next run and nothing is sent twice.
func (h *Handlers) ProcessOrders(ctx context.Context, env task.Envelope) error {
	orders, err := h.store.ListOrdersByStatus(ctx, store.OrderNew, 500)
	if err != nil {
		return fmt.Errorf("list new orders: %w", err)
	}

	confirmed := 0
	for _, o := range orders {
		ok, err := h.store.ConfirmOrder(ctx, o.ID)
		if err != nil {
			return fmt.Errorf("confirm order %d: %w", o.ID, err)
		}
		if ok {
			confirmed++
		}

		// submit even when another run already confirmed: that run may
		// have died before this point, and the key collapses duplicates
		payload, _ := json.Marshal(ConfirmationPayload{OrderID: o.ID})
		key := fmt.Sprintf("order-%d-confirm", o.ID)
		if _, err := h.submit.Submit(ctx, KindSendConfirmation, payload, key); err != nil {
			return fmt.Errorf("enqueue confirmation for order %d: %w", o.ID, err)
		}
	}

	h.logger.Info("new orders processed",
		zap.Int("seen", len(orders)),
		zap.Int("confirmed", confirmed),
	)
	return nil
}

type OrderItem struct {
	ExternalKey string `json:"external_key"`
	Quantity    int    `json:"quantity"`
}

type ProcessOrderPayload struct {
	OrderID int64       `json:"order_id"`
	Items   []OrderItem `json:"items"`
}

// ProcessOrder runs the full order workflow: reserve stock, charge payment,
// confirm, enqueue the notification. Each side effect is guarded by a
// per-step idempotency key, so a redelivery resumes after the last completed
// step instead of repeating it. The guards are claimed before the effect:
// a crash in between loses at most that one effect, never doubles it.
func (h *Handlers) ProcessOrder(ctx context.Context, env task.Envelope) error {
	var p ProcessOrderPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return task.Permanent(fmt.Errorf("decode order payload: %w", err))
	}
	if p.OrderID == 0 {
		return task.Permanent(fmt.Errorf("order payload missing order_id"))
	}

	o, err := h.store.GetOrder(ctx, p.OrderID)
	if errors.Is(err, store.ErrNotFound) {
		return task.Permanent(fmt.Errorf("order %d not found", p.OrderID))
	}
	if err != nil {
		return fmt.Errorf("load order %d: %w", p.OrderID, err)
	}

	if err := h.reserveStock(ctx, env.IdempotencyKey, p.Items); err != nil {
		return err
	}

	if err := h.chargePayment(ctx, env.IdempotencyKey, o); err != nil {
		return err
	}

	if _, err := h.store.ConfirmOrder(ctx, o.ID); err != nil {
		return fmt.Errorf("confirm order %d: %w", o.ID, err)
	}

	payload, _ := json.Marshal(ConfirmationPayload{OrderID: o.ID})
	key := fmt.Sprintf("order-%d-confirm", o.ID)
	if _, err := h.submit.Submit(ctx, KindSendConfirmation, payload, key); err != nil {
		return fmt.Errorf("enqueue confirmation for order %d: %w", o.ID, err)
	}

	h.logger.Info("order workflow completed", zap.Int64("order_id", o.ID))
	return nil
}

// reserveStock decrements each item's quantity, one guard per item so a
// partially reserved order resumes where it stopped.
func (h *Handlers) reserveStock(ctx context.Context, key string, items []OrderItem) error {
	for _, it := range items {
		first, err := h.store.MarkProcessed(ctx, key+":reserve:"+it.ExternalKey)
		if err != nil {
			return fmt.Errorf("claim reserve key: %w", err)
		}
		if !first {
			continue
		}
		err = h.store.AdjustQuantity(ctx, it.ExternalKey, -it.Quantity)
		switch {
		case errors.Is(err, store.ErrNotFound):
			return task.Permanent(fmt.Errorf("product %s not in catalog", it.ExternalKey))
		case errors.Is(err, store.ErrVersionConflict):
			return task.Permanent(fmt.Errorf("insufficient stock for %s", it.ExternalKey))
		case err != nil:
			return fmt.Errorf("reserve %s: %w", it.ExternalKey, err)
		}
	}
	return nil
}

func (h *Handlers) chargePayment(ctx context.Context, key string, o *store.Order) error {
	first, err := h.store.MarkProcessed(ctx, key+":charge")
	if err != nil {
		return fmt.Errorf("claim charge key: %w", err)
	}
	if !first {
		h.logger.Info("payment already charged, skipping", zap.Int64("order_id", o.ID))
		return nil
	}
	if err := h.gateway.Charge(ctx, o.ID, o.Total); err != nil {
		return fmt.Errorf("charge order %d: %w", o.ID, err)
	}
	return nil
}
