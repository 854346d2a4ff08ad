// Package storage defines persistence interfaces for the broker.
package storage

import (
	"context"
	"time"

	tunnel "github.com/eugener/palantir/internal"
)

// UsageStore manages tunneled-request usage persistence.
type UsageStore interface {
	InsertUsage(ctx context.Context, records []tunnel.UsageRecord) error
	RecentErrors(ctx context.Context, limit int) ([]tunnel.UsageRecord, error)
	PruneUsage(ctx context.Context, olderThan time.Time) (int64, error)
}
