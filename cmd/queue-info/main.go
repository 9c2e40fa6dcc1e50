package main

import (
	"context"
	"fmt"
	"sort"

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
		ConsumerPrefix: "queue-info",
		DedupWindow:    cfg.NATSDedupWindow,
	})
	if err != nil {
		logger.Fatal("nats connection failed", zap.Error(err))
	}
	defer q.Close()

	stats, err := q.Stats(context.Background())
	if err != nil {
		logger.Fatal("stats failed", zap.Error(err))
	}

	kinds := make([]string, 0, len(stats.Depths))
	for k := range stats.Depths {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)

	fmt.Println("STREAM:", cfg.NATSStreamName)
	fmt.Println("DEPTH PER KIND:")
	if len(kinds) == 0 {
		fmt.Println("  (empty)")
	}
	for _, k := range kinds {
		fmt.Printf("  %-24s %d\n", k, stats.Depths[k])
	}
	fmt.Println("DEAD LETTERS:", stats.DeadLetters)
}
