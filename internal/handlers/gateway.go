package handlers

import (
	"context"

	"go.uber.org/zap"
)

// LogGateway records charges in the log. Deployments wire a real payment
// provider behind the Gateway interface instead.
type LogGateway struct {
	Logger *zap.Logger
}

func (g *LogGateway) Charge(ctx context.Context, orderID, amount int64) error {
	g.Logger.Info("payment charged",
		zap.Int64("order_id", orderID),
		zap.Int64("amount", amount),
	)
	return nil
}
