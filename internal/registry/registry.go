// Package registry assembles the task registry every process shares: the API
// validates kinds against it, the worker executes from it, the scheduler
// submits into it.
package registry

import (
	"go.uber.org/zap"

	"github.com/dedezza1D/orderflow/internal/catalog"
	"github.com/dedezza1D/orderflow/internal/config"
	"github.com/dedezza1D/orderflow/internal/handlers"
	"github.com/dedezza1D/orderflow/internal/producer"
	"github.com/dedezza1D/orderflow/internal/queue"
	"github.com/dedezza1D/orderflow/internal/store"
	"github.com/dedezza1D/orderflow/internal/task"
)

// Build wires the registry, the producer, and every business handler. The
// producer and the handlers share the registry, so follow-up submissions
// from inside handlers go through the same kind validation as the API.
func Build(st *store.Store, q queue.Queue, logger *zap.Logger, cfg *config.Config) (*task.Registry, *producer.Producer) {
	reg := task.NewRegistry()
	p := producer.New(st, q, reg, logger)

	base := task.RetryPolicy{
		MaxAttempts:       cfg.WorkerMaxAttempts,
		BackoffBase:       cfg.WorkerBackoffBase,
		BackoffMax:        cfg.WorkerBackoffMax,
		VisibilityTimeout: cfg.WorkerVisibilityTimeout,
		Workers:           cfg.WorkerConcurrency,
	}

	h := handlers.New(st, p, &handlers.LogNotifier{Logger: logger}, &handlers.LogGateway{Logger: logger}, logger)
	h.Register(reg, base)

	// feed imports can outlive a normal visibility window; one at a time,
	// with room for the heartbeat to extend
	importPolicy := base
	importPolicy.Workers = 1
	im := catalog.NewImporter(st, logger)
	reg.Register(catalog.KindImport, im.Handle, importPolicy)

	return reg, p
}
