package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/hyperjump/chatsearch/internal/models"
)

// RecordSearchStat appends one search statistics row.
func (s *SQLiteStorage) RecordSearchStat(ctx context.Context, stat *models.SearchStat) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO search_stats (id, ts, query_hash, mode, result_count, latency_ms, cache_hit, degraded)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		stat.ID, toUnix(stat.Timestamp), stat.QueryHash, stat.Mode, stat.ResultCount, stat.LatencyMS,
		boolToInt(stat.CacheHit), boolToInt(stat.Degraded),
	)
	if err != nil {
		return fmt.Errorf("failed to record search stat: %w", err)
	}
	return nil
}

// ListSearchStats returns up to limit stats recorded at or after since, newest first.
func (s *SQLiteStorage) ListSearchStats(ctx context.Context, since time.Time, limit int) ([]*models.SearchStat, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts, query_hash, mode, result_count, latency_ms, cache_hit, degraded
		 FROM search_stats WHERE ts >= ? ORDER BY ts DESC, id LIMIT ?`,
		toUnix(since), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list search stats: %w", err)
	}
	defer rows.Close()

	var out []*models.SearchStat
	for rows.Next() {
		var st models.SearchStat
		var ts int64
		var hit, degraded int
		if err := rows.Scan(&st.ID, &ts, &st.QueryHash, &st.Mode, &st.ResultCount, &st.LatencyMS, &hit, &degraded); err != nil {
			return nil, err
		}
		st.Timestamp = fromUnix(ts)
		st.CacheHit = hit != 0
		st.Degraded = degraded != 0
		out = append(out, &st)
	}
	return out, rows.Err()
}
