package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/dedezza1D/orderflow/api/httpapi"
	"github.com/dedezza1D/orderflow/internal/config"
	"github.com/dedezza1D/orderflow/internal/logging"
	"github.com/dedezza1D/orderflow/internal/observability"
	"github.com/dedezza1D/orderflow/internal/queue"
	"github.com/dedezza1D/orderflow/internal/registry"
	"github.com/dedezza1D/orderflow/internal/store"
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

	observability.RegisterMetrics()

	shutdownTracing, err := observability.InitTracing(context.Background(), observability.OTelConfig{
		ServiceName: firstNonEmpty(cfg.OTELServiceName, "orderflow-api"),
		Endpoint:    cfg.OTELExporterOTLPEndpoint,
		Env:         cfg.Env,
	})
	if err != nil {
		logger.Fatal("otel init failed", zap.Error(err))
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	// Postgres store
	st, err := store.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("db connection failed", zap.Error(err))
	}
	defer st.Close()

	if err := st.Migrate(context.Background()); err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}

	// NATS JetStream queue (publisher)
	q, err := queue.NewJetStream(context.Background(), queue.Config{
		NATSURL:        cfg.NATSURL,
		StreamName:     cfg.NATSStreamName,
		ConsumerPrefix: cfg.NATSConsumerPrefix,
		DedupWindow:    cfg.NATSDedupWindow,
	})
	if err != nil {
		logger.Fatal("nats connection failed", zap.Error(err))
	}
	defer q.Close()

	// The API validates kinds against the same registry the worker runs.
	_, p := registry.Build(st, q, logger, cfg)

	server := httpapi.NewServer(httpapi.Config{Port: cfg.HTTPPort}, logger, st, p, q)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		if err := server.Start(); err != nil && err.Error() != "http: Server closed" {
			logger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-stop
	logger.Info("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
