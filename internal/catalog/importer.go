package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/dedezza1D/orderflow/internal/observability"
	"github.com/dedezza1D/orderflow/internal/store"
	"github.com/dedezza1D/orderflow/internal/task"
)

// KindImport is the task kind the importer handles.
const KindImport = "catalog_import"

// CatalogStore is the slice of the store the importer needs. Each record is
// applied in its own transaction, so a failed record never rolls back its
// neighbours.
type CatalogStore interface {
	UpsertProduct(ctx context.Context, p store.Product) (store.UpsertOutcome, error)
}

// ImportPayload names the feed to import. Feed carries the YAML inline;
// Path points at a file on the worker's filesystem. Exactly one is set.
type ImportPayload struct {
	Feed string `json:"feed,omitempty"`
	Path string `json:"path,omitempty"`
}

// Summary counts what one import did to the catalog.
type Summary struct {
	Created   int      `json:"created"`
	Updated   int      `json:"updated"`
	Unchanged int      `json:"unchanged"`
	Errored   int      `json:"errored"`
	Errors    []string `json:"errors,omitempty"`
}

type Importer struct {
	store  CatalogStore
	logger *zap.Logger
}

func NewImporter(st CatalogStore, logger *zap.Logger) *Importer {
	return &Importer{store: st, logger: logger}
}

// Handle is the catalog_import task handler. A feed that cannot be read or
// parsed is a permanent failure; database trouble mid-import is transient,
// and the per-record checksums make the retry converge instead of repeating
// work.
func (im *Importer) Handle(ctx context.Context, env task.Envelope) error {
	var p ImportPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return task.Permanent(fmt.Errorf("decode import payload: %w", err))
	}

	data := []byte(p.Feed)
	if p.Feed == "" {
		if p.Path == "" {
			return task.Permanent(fmt.Errorf("import payload names neither feed nor path"))
		}
		var err error
		data, err = os.ReadFile(p.Path)
		if err != nil {
			if os.IsNotExist(err) {
				return task.Permanent(fmt.Errorf("feed file: %w", err))
			}
			return task.Transient(fmt.Errorf("read feed file: %w", err))
		}
	}

	feed, err := ParseFeed(data)
	if err != nil {
		return task.Permanent(err)
	}

	sum, err := im.Import(ctx, feed)

	im.logger.Info("catalog import finished",
		zap.String("task_id", env.ID.String()),
		zap.String("shop", feed.Shop),
		zap.Int("created", sum.Created),
		zap.Int("updated", sum.Updated),
		zap.Int("unchanged", sum.Unchanged),
		zap.Int("errored", sum.Errored),
	)
	if err != nil {
		return task.Transient(err)
	}
	return nil
}

// Import applies every record of the feed. Record-level data errors are
// counted and reported in the summary; a store error aborts and is returned
// so the caller can retry the remainder.
func (im *Importer) Import(ctx context.Context, feed *Feed) (Summary, error) {
	var sum Summary

	records, recordErrs := feed.Records()
	for _, re := range recordErrs {
		sum.Errored++
		sum.Errors = append(sum.Errors, re.Error())
		observability.ImportRecordsTotal.WithLabelValues("errored").Inc()
		im.logger.Warn("feed record skipped",
			zap.String("shop", feed.Shop),
			zap.Int("good_id", re.GoodID),
			zap.Error(re.Err),
		)
	}

	for _, rec := range records {
		outcome, err := im.store.UpsertProduct(ctx, rec)
		if err != nil {
			return sum, fmt.Errorf("upsert %s: %w", rec.ExternalKey, err)
		}
		observability.ImportRecordsTotal.WithLabelValues(string(outcome)).Inc()
		switch outcome {
		case store.UpsertCreated:
			sum.Created++
		case store.UpsertUpdated:
			sum.Updated++
		case store.UpsertUnchanged:
			sum.Unchanged++
		}
	}
	return sum, nil
}
