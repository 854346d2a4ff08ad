package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	tunnel "github.com/eugener/palantir/internal"
)

// fakeStore collects inserted records for assertions.
type fakeStore struct {
	mu      sync.Mutex
	records []tunnel.UsageRecord
}

func (f *fakeStore) InsertUsage(_ context.Context, records []tunnel.UsageRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, records...)
	return nil
}

func (f *fakeStore) RecentErrors(context.Context, int) ([]tunnel.UsageRecord, error) {
	return nil, nil
}

func (f *fakeStore) PruneUsage(context.Context, time.Time) (int64, error) { return 0, nil }

func (f *fakeStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

func TestUsageRecorder_FlushesOnShutdown(t *testing.T) {
	t.Parallel()
	store := &fakeStore{}
	rec := NewUsageRecorder(store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx) }()

	for range 7 {
		rec.Record(tunnel.UsageRecord{UserID: "u1", Outcome: "ok"})
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("recorder did not drain")
	}
	if got := store.count(); got != 7 {
		t.Errorf("flushed = %d, want 7", got)
	}

	// IDs are assigned during flush.
	store.mu.Lock()
	defer store.mu.Unlock()
	for _, r := range store.records {
		if r.ID == "" {
			t.Error("record flushed without an id")
		}
	}
}

func TestUsageRecorder_BatchFlush(t *testing.T) {
	t.Parallel()
	store := &fakeStore{}
	rec := NewUsageRecorder(store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rec.Run(ctx)

	// A full batch triggers an immediate flush without waiting for the ticker.
	for range usageBatchSize {
		rec.Record(tunnel.UsageRecord{UserID: "u1"})
	}

	deadline := time.Now().Add(2 * time.Second)
	for store.count() < usageBatchSize {
		if time.Now().After(deadline) {
			t.Fatalf("flushed = %d, want %d", store.count(), usageBatchSize)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
