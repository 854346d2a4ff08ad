package sqlite

import (
	"context"
	"strings"
	"time"

	tunnel "github.com/eugener/palantir/internal"
)

// InsertUsage batch-inserts usage records.
func (s *Store) InsertUsage(ctx context.Context, records []tunnel.UsageRecord) error {
	if len(records) == 0 {
		return nil
	}

	// cols must match the number of columns in the INSERT below.
	// Single multi-row INSERT avoids N round-trips for large batches.
	const cols = 12
	placeholders := make([]string, len(records))
	args := make([]any, 0, len(records)*cols)

	for i, r := range records {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			r.ID, r.UserID, string(r.Tier), r.Method, r.Path,
			r.StatusCode, r.Outcome,
			r.BytesIn, r.BytesOut, r.DurationMs,
			r.CorrelationID, r.CreatedAt.UTC().Format(time.RFC3339),
		)
	}

	query := `INSERT INTO usage_records
		(id, user_id, tier, method, path, status_code, outcome,
		 bytes_in, bytes_out, duration_ms, correlation_id, created_at)
		VALUES ` + strings.Join(placeholders, ", ")

	_, err := s.write.ExecContext(ctx, query, args...)
	return err
}

// RecentErrors returns the newest failed requests for diagnostics.
func (s *Store) RecentErrors(ctx context.Context, limit int) ([]tunnel.UsageRecord, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT id, user_id, tier, method, path, status_code, outcome,
		        bytes_in, bytes_out, duration_ms, correlation_id, created_at
		 FROM usage_records
		 WHERE outcome != 'ok'
		 ORDER BY created_at DESC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []tunnel.UsageRecord
	for rows.Next() {
		var r tunnel.UsageRecord
		var tier, createdAt string
		if err := rows.Scan(&r.ID, &r.UserID, &tier, &r.Method, &r.Path,
			&r.StatusCode, &r.Outcome, &r.BytesIn, &r.BytesOut, &r.DurationMs,
			&r.CorrelationID, &createdAt); err != nil {
			return nil, err
		}
		r.Tier = tunnel.Tier(tier)
		r.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// PruneUsage deletes rows older than the cutoff and returns how many.
func (s *Store) PruneUsage(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.write.ExecContext(ctx,
		`DELETE FROM usage_records WHERE created_at < ?`,
		olderThan.UTC().Format(time.RFC3339))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
