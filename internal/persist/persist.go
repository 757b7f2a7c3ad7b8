// Package persist upserts a batch of normalized events into an EventStore,
// isolating per-record failures and counting what happened to each event.
package persist

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-events-crawler/internal/crawler"
	"github.com/JakeFAU/realtime-events-crawler/internal/metrics"
)

// Adapter writes event batches for one source at a time.
type Adapter struct {
	store  crawler.EventStore
	logger *zap.Logger
}

// New constructs an Adapter over store.
func New(store crawler.EventStore, logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{store: store, logger: logger.Named("persist")}
}

// Upsert writes events for source. With force set, every stored event from
// source is deleted first. Events sharing a natural key inside the batch are
// written once and the repeats counted as skipped. A failing record is logged
// and counted; the rest of the batch continues. The returned error is non-nil
// only when the force delete fails or ctx is done.
func (a *Adapter) Upsert(ctx context.Context, source string, events []crawler.Event, force bool) (crawler.UpsertResult, error) {
	var result crawler.UpsertResult
	logger := a.logger.With(zap.String("source", source))

	if force {
		deleted, err := a.store.DeleteBySource(ctx, source)
		if err != nil {
			return result, fmt.Errorf("clear events for %s: %w", source, err)
		}
		result.Deleted = deleted
		logger.Info("cleared source before insert", zap.Int("deleted", deleted))
	}

	seen := make(map[string]struct{}, len(events))
	for _, event := range events {
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("upsert interrupted: %w", err)
		}
		event.Source = source
		key := event.Key()
		id := key.String()
		if _, dup := seen[id]; dup {
			result.Skipped++
			continue
		}
		seen[id] = struct{}{}

		outcome, err := a.store.Upsert(ctx, event)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return result, fmt.Errorf("upsert interrupted: %w", err)
			}
			result.Failed++
			logger.Warn("event upsert failed", zap.String("key", id), zap.Error(err))
			continue
		}
		switch outcome {
		case crawler.OutcomeInserted:
			result.Inserted++
		case crawler.OutcomeUpdated:
			result.Updated++
		}
	}

	metrics.ObserveUpsert(source, "inserted", result.Inserted)
	metrics.ObserveUpsert(source, "updated", result.Updated)
	metrics.ObserveUpsert(source, "skipped", result.Skipped)
	metrics.ObserveUpsert(source, "failed", result.Failed)
	logger.Info("persistence pass complete",
		zap.Int("inserted", result.Inserted),
		zap.Int("updated", result.Updated),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed),
	)
	return result, nil
}
