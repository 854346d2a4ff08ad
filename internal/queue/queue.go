// Package queue implements the agent-side bounded request queue with
// priority ordering, TTL expiry, and snapshot persistence across restarts.
package queue

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	tunnel "github.com/eugener/palantir/internal"
)

// snapshotVersion is the persisted envelope version. Restore refuses
// snapshots with any other version.
const snapshotVersion = 1

// Policy selects the behavior when enqueueing into a full queue.
type Policy int

const (
	// DropNewest rejects the incoming item (default).
	DropNewest Policy = iota
	// DropOldest evicts the oldest item of the lowest priority present to
	// make room, unless that priority is above the incoming item's.
	DropOldest
)

// Item is one queued request payload.
type Item struct {
	Payload    []byte    `json:"payload"`
	Priority   int       `json:"priority"` // higher drains first
	EnqueuedAt time.Time `json:"enqueued_at"`
	RetryCount int       `json:"retry_count"`
}

// Queue is a bounded ordered queue: FIFO within a priority level.
type Queue struct {
	mu     sync.Mutex
	items  []Item
	limit  int
	ttl    time.Duration
	policy Policy
}

// New creates a queue bounded to limit items; entries older than ttl are
// dropped at dequeue time. ttl <= 0 disables expiry.
func New(limit int, ttl time.Duration, policy Policy) *Queue {
	if limit <= 0 {
		limit = 100
	}
	return &Queue{limit: limit, ttl: ttl, policy: policy}
}

// Enqueue adds an item. On a full queue the configured policy applies;
// DropNewest rejects with queue_full.
func (q *Queue) Enqueue(payload []byte, priority int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.limit {
		if q.policy == DropNewest {
			return tunnel.Ef(tunnel.CodeQueueFull, "queue full at %d items", q.limit)
		}
		// DropOldest: evict the oldest lowest-priority entry.
		victim := 0
		for i, it := range q.items {
			if it.Priority < q.items[victim].Priority {
				victim = i
			}
		}
		if q.items[victim].Priority > priority {
			return tunnel.Ef(tunnel.CodeQueueFull, "queue full of higher-priority items")
		}
		q.items = append(q.items[:victim], q.items[victim+1:]...)
	}

	q.items = append(q.items, Item{
		Payload:    payload,
		Priority:   priority,
		EnqueuedAt: time.Now(),
	})
	return nil
}

// Dequeue removes and returns the next item: highest priority first, FIFO
// within a priority. Expired items are dropped and logged. Returns nil when
// the queue is empty.
func (q *Queue) Dequeue() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	for {
		idx := -1
		for i, it := range q.items {
			if idx == -1 || it.Priority > q.items[idx].Priority {
				idx = i
			}
		}
		if idx == -1 {
			return nil
		}
		it := q.items[idx]
		q.items = append(q.items[:idx], q.items[idx+1:]...)
		if q.ttl > 0 && now.Sub(it.EnqueuedAt) > q.ttl {
			slog.Info("queued request expired", "age", now.Sub(it.EnqueuedAt).Round(time.Second))
			continue
		}
		return &it
	}
}

// Len returns the current queue depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// snapshot is the persisted envelope. The version field keeps the format
// forward-compatible; unknown versions are refused on restore.
type snapshot struct {
	Version int    `json:"version"`
	SavedAt string `json:"saved_at"`
	Items   []Item `json:"items"`
}

// Persist writes the queue contents to path atomically (write temp, rename).
func (q *Queue) Persist(path string) error {
	q.mu.Lock()
	items := make([]Item, len(q.items))
	copy(items, q.items)
	q.mu.Unlock()

	// Stable order in the file: priority desc, then enqueue order.
	sort.SliceStable(items, func(i, j int) bool { return items[i].Priority > items[j].Priority })

	data, err := json.Marshal(snapshot{
		Version: snapshotVersion,
		SavedAt: time.Now().UTC().Format(time.RFC3339),
		Items:   items,
	})
	if err != nil {
		return fmt.Errorf("marshal queue snapshot: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write queue snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename queue snapshot: %w", err)
	}
	return nil
}

// Restore replays a snapshot written by Persist. A missing file is not an
// error; an unknown snapshot version is refused with configuration_error.
func (q *Queue) Restore(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read queue snapshot: %w", err)
	}

	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return 0, fmt.Errorf("parse queue snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return 0, tunnel.Ef(tunnel.CodeConfiguration, "queue snapshot version %d not supported", snap.Version)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	restored := 0
	for _, it := range snap.Items {
		if len(q.items) >= q.limit {
			break
		}
		q.items = append(q.items, it)
		restored++
	}
	return restored, nil
}
