// Package handlers holds the business task handlers of the order platform:
// order confirmation notifications, the periodic new-order sweep, the
// reserve-then-charge order workflow, and the availability refresh fan-out.
// Every handler tolerates duplicate delivery; side effects sit behind
// idempotency-key guards.
package handlers

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/dedezza1D/orderflow/internal/store"
	"github.com/dedezza1D/orderflow/internal/task"
)

const (
	KindSendConfirmation   = "send_confirmation"
	KindProcessOrders      = "process_orders"
	KindProcessOrder       = "process_order"
	KindUpdateAvailability = "update_availability"
)

// Store is the slice of the database the handlers need.
type Store interface {
	GetOrder(ctx context.Context, id int64) (*store.Order, error)
	ListOrdersByStatus(ctx context.Context, status store.OrderStatus, limit int) ([]store.Order, error)
	ConfirmOrder(ctx context.Context, id int64) (bool, error)
	MarkProcessed(ctx context.Context, key string) (bool, error)
	AdjustQuantity(ctx context.Context, externalKey string, delta int) error
	ShopNames(ctx context.Context) ([]string, error)
	ProductsByShop(ctx context.Context, shop string) ([]store.Product, error)
}

// Submitter enqueues follow-up tasks (the producer satisfies this).
type Submitter interface {
	Submit(ctx context.Context, kind string, payload json.RawMessage, idempotencyKey string) (*store.Task, error)
}

// Notifier delivers order confirmations to the customer. The real transport
// (SMTP, push, ...) lives behind this interface; LogNotifier is the built-in
// implementation.
type Notifier interface {
	SendOrderConfirmation(ctx context.Context, o store.Order) error
}

// Gateway charges payments. Charging the same order id twice is the
// gateway's problem to reject; the workflow's idempotency guard means we
// never ask it to.
type Gateway interface {
	Charge(ctx context.Context, orderID int64, amount int64) error
}

type Handlers struct {
	store    Store
	submit   Submitter
	notifier Notifier
	gateway  Gateway
	logger   *zap.Logger
}

func New(st Store, submit Submitter, notifier Notifier, gateway Gateway, logger *zap.Logger) *Handlers {
	return &Handlers{
		store:    st,
		submit:   submit,
		notifier: notifier,
		gateway:  gateway,
		logger:   logger,
	}
}

// Register wires every handler into the registry under the shared base
// policy. The sweep and fan-out kinds run with fewer concurrent workers;
// they are enqueued by the scheduler, one at a time.
func (h *Handlers) Register(reg *task.Registry, base task.RetryPolicy) {
	sweep := base
	sweep.Workers = 1

	reg.Register(KindSendConfirmation, h.SendConfirmation, base)
	reg.Register(KindProcessOrders, h.ProcessOrders, sweep)
	reg.Register(KindProcessOrder, h.ProcessOrder, base)
	reg.Register(KindUpdateAvailability, h.UpdateAvailability, sweep)
}
