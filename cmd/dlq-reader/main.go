package main

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/dedezza1D/orderflow/internal/config"
	"github.com/dedezza1D/orderflow/internal/logging"
	"github.com/dedezza1D/orderflow/internal/queue"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	logger, err := logging.New(logging.Config{Level: cfg.LogLevel})
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	q, err := queue.NewJetStream(context.Background(), queue.Config{
		NATSURL:        cfg.NATSURL,
		StreamName:     cfg.NATSStreamName,
		ConsumerPrefix: "dlq-reader",
		DedupWindow:    cfg.NATSDedupWindow,
	})
	if err != nil {
		logger.Fatal("nats connection failed", zap.Error(err))
	}
	defer q.Close()

	consumer, err := q.Consume(queue.KindDead, queue.ConsumeOptions{
		VisibilityTimeout: 30 * time.Second,
	})
	if err != nil {
		logger.Fatal("dead-letter subscribe failed", zap.Error(err))
	}

	logger.Info("listening for dead letters", zap.String("subject", queue.SubjectFor(queue.KindDead)))

	ctx := context.Background()
	for {
		deliveries, err := consumer.Fetch(ctx, 10, 2*time.Second)
		if err != nil {
			logger.Fatal("fetch failed", zap.Error(err))
		}

		for _, d := range deliveries {
			var dl queue.DeadLetter
			if err := json.Unmarshal(d.Body(), &dl); err != nil {
				logger.Error("bad dead-letter JSON", zap.Error(err))
				_ = d.Ack()
				continue
			}

			pretty, _ := json.MarshalIndent(dl, "", "  ")
			logger.Info("dead letter", zap.String("json", string(pretty)))

			_ = d.Ack()
		}
	}
}
