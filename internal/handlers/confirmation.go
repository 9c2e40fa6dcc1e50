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

type ConfirmationPayload struct {
	OrderID int64 `json:"order_id"`
}

// SendConfirmation notifies the customer that their order is confirmed.
// The idempotency key of the task guards the send: a redelivered message
// finds the key already claimed and skips silently.
func (h *Handlers) SendConfirmation(ctx context.Context, env task.Envelope) error {
	var p ConfirmationPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return task.Permanent(fmt.Errorf("decode confirmation payload: %w", err))
	}
	if p.OrderID == 0 {
		return task.Permanent(fmt.Errorf("confirmation payload missing order_id"))
	}

	o, err := h.store.GetOrder(ctx, p.OrderID)
	if errors.Is(err, store.ErrNotFound) {
		return task.Permanent(fmt.Errorf("order %d not found", p.OrderID))
	}
	if err != nil {
		return fmt.Errorf("load order %d: %w", p.OrderID, err)
	}

	first, err := h.store.MarkProcessed(ctx, "notify:"+env.IdempotencyKey)
	if err != nil {
		return fmt.Errorf("claim notification key: %w", err)
	}
	if !first {
		h.logger.Info("confirmation already sent, skipping",
			zap.Int64("order_id", o.ID),
			zap.String("key", env.IdempotencyKey),
		)
		return nil
	}

	if err := h.notifier.SendOrderConfirmation(ctx, *o); err != nil {
		return fmt.Errorf("send confirmation for order %d: %w", o.ID, err)
	}

	h.logger.Info("order confirmation sent",
		zap.Int64("order_id", o.ID),
		zap.String("email", o.UserEmail),
	)
	return nil
}

// LogNotifier writes the confirmation to the log instead of a mail gateway.
// Deployments with a real transport swap this out.
type LogNotifier struct {
	Logger *zap.Logger
}

func (n *LogNotifier) SendOrderConfirmation(ctx context.Context, o store.Order) error {
	n.Logger.Info("order confirmation",
		zap.Int64("order_id", o.ID),
		zap.String("email", o.UserEmail),
		zap.String("name", o.UserName),
		zap.Int64("total", o.Total),
	)
	return nil
}
