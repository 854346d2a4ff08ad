package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/eugener/palantir/internal/storage"
)

const pruneEvery = time.Hour

// RetentionWorker prunes usage rows older than the retention window.
type RetentionWorker struct {
	store     storage.UsageStore
	retention time.Duration
}

// NewRetentionWorker creates a RetentionWorker with the given window.
func NewRetentionWorker(store storage.UsageStore, retention time.Duration) *RetentionWorker {
	return &RetentionWorker{store: store, retention: retention}
}

// Name returns the worker identifier.
func (w *RetentionWorker) Name() string { return "usage_retention" }

// Run prunes on an hourly ticker until ctx is cancelled.
func (w *RetentionWorker) Run(ctx context.Context) error {
	if w.retention <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(pruneEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cutoff := time.Now().Add(-w.retention)
			n, err := w.store.PruneUsage(ctx, cutoff)
			if err != nil {
				slog.Warn("usage prune failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("usage pruned", "rows", n, "older_than", cutoff.Format(time.RFC3339))
			}
		case <-ctx.Done():
			return nil
		}
	}
}
