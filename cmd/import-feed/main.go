package main

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/dedezza1D/orderflow/internal/catalog"
	"github.com/dedezza1D/orderflow/internal/config"
	"github.com/dedezza1D/orderflow/internal/logging"
	"github.com/dedezza1D/orderflow/internal/queue"
	"github.com/dedezza1D/orderflow/internal/registry"
	"github.com/dedezza1D/orderflow/internal/store"
)

// Enqueues a catalog import for one feed file. The feed travels inline in the
// payload, so the worker never needs this machine's filesystem, and the
// idempotency key is the feed's content hash: re-running on an unchanged file
// enqueues nothing new.
func main() {
	if len(os.Args) != 2 {
		fmt.Fprintf(os.Stderr, "usage: %s <feed.yaml>\n", os.Args[0])
		os.Exit(2)
	}
	feedPath := os.Args[1]

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		panic(err)
	}

	logger, err := logging.New(logging.Config{Level: cfg.LogLevel})
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	data, err := os.ReadFile(feedPath)
	if err != nil {
		logger.Fatal("read feed", zap.Error(err))
	}
	// fail fast on malformed feeds before anything is enqueued
	feed, err := catalog.ParseFeed(data)
	if err != nil {
		logger.Fatal("parse feed", zap.Error(err))
	}

	ctx := context.Background()

	st, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("db connection failed", zap.Error(err))
	}
	defer st.Close()

	q, err := queue.NewJetStream(ctx, queue.Config{
		NATSURL:        cfg.NATSURL,
		StreamName:     cfg.NATSStreamName,
		ConsumerPrefix: cfg.NATSConsumerPrefix,
		DedupWindow:    cfg.NATSDedupWindow,
	})
	if err != nil {
		logger.Fatal("nats connection failed", zap.Error(err))
	}
	defer q.Close()

	_, p := registry.Build(st, q, logger, cfg)

	payload, err := json.Marshal(catalog.ImportPayload{Feed: string(data)})
	if err != nil {
		logger.Fatal("encode payload", zap.Error(err))
	}
	key := fmt.Sprintf("import:%s:%x", feed.Shop, sha256.Sum256(data))

	t, err := p.Submit(ctx, catalog.KindImport, payload, key)
	if err != nil {
		logger.Fatal("submit import", zap.Error(err))
	}

	logger.Info("catalog import enqueued",
		zap.String("task_id", t.ID.String()),
		zap.String("shop", feed.Shop),
		zap.Int("goods", len(feed.Goods)),
	)
}
