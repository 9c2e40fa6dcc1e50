package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/dedezza1D/orderflow/internal/config"
	"github.com/dedezza1D/orderflow/internal/handlers"
	"github.com/dedezza1D/orderflow/internal/logging"
	"github.com/dedezza1D/orderflow/internal/observability"
	"github.com/dedezza1D/orderflow/internal/queue"
	"github.com/dedezza1D/orderflow/internal/registry"
	"github.com/dedezza1D/orderflow/internal/scheduler"
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
		ServiceName: firstNonEmpty(cfg.OTELServiceName, "orderflow-scheduler"),
		Endpoint:    cfg.OTELExporterOTLPEndpoint,
		Env:         cfg.Env,
	})
	if err != nil {
		logger.Fatal("otel init failed", zap.Error(err))
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	// Metrics endpoint
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		addr := fmt.Sprintf(":%d", cfg.SchedulerMetricsPort)
		logger.Info("scheduler metrics server starting", zap.String("addr", addr))
		_ = http.ListenAndServe(addr, mux)
	}()

	st, err := store.New(context.Background(), cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("db connection failed", zap.Error(err))
	}
	defer st.Close()

	if err := st.Migrate(context.Background()); err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}

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

	_, p := registry.Build(st, q, logger, cfg)

	if err := seedSchedules(context.Background(), st); err != nil {
		logger.Fatal("seed schedules failed", zap.Error(err))
	}

	sched := scheduler.New(st, p, logger, scheduler.Config{
		Tick:     cfg.SchedulerTick,
		LeaseTTL: cfg.SchedulerLeaseTTL,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-stop
		logger.Info("shutdown signal received")
		cancel()
	}()

	if err := sched.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal("scheduler failed", zap.Error(err))
	}
}

// seedSchedules makes sure the built-in periodic entries exist. Existing
// entries keep their fire state; only the definitions are refreshed.
func seedSchedules(ctx context.Context, st *store.Store) error {
	now := time.Now()
	seeds := []store.Schedule{
		{
			Name:       "process-orders",
			Kind:       handlers.KindProcessOrders,
			Payload:    json.RawMessage(`{}`),
			Interval:   30 * time.Minute,
			Enabled:    true,
			NextFireAt: now.Add(time.Minute),
		},
		{
			Name:       "update-availability",
			Kind:       handlers.KindUpdateAvailability,
			Payload:    json.RawMessage(`{}`),
			Interval:   2 * time.Hour,
			Enabled:    true,
			NextFireAt: now.Add(5 * time.Minute),
		},
	}
	for _, sc := range seeds {
		if err := st.EnsureSchedule(ctx, sc); err != nil {
			return fmt.Errorf("ensure %s: %w", sc.Name, err)
		}
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
