package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hyperjump/chatsearch/internal/models"
)

// GetQueryEmbedding returns the cached embedding for a query hash under provider.
// A miss returns (nil, nil).
func (s *SQLiteStorage) GetQueryEmbedding(ctx context.Context, queryHash, provider string) (*models.QueryEmbeddingCacheEntry, error) {
	var e models.QueryEmbeddingCacheEntry
	var blob []byte
	var created, accessed int64
	err := s.db.QueryRowContext(ctx,
		`SELECT query_hash, provider, query_text, vector, created_at, last_accessed, access_count
		 FROM query_embedding_cache WHERE query_hash = ? AND provider = ?`,
		queryHash, provider,
	).Scan(&e.QueryHash, &e.Provider, &e.QueryText, &blob, &created, &accessed, &e.AccessCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read query embedding: %w", err)
	}
	if e.Vector, err = DecodeVector(blob); err != nil {
		return nil, err
	}
	e.CreatedAt = fromUnix(created)
	e.LastAccessed = fromUnix(accessed)
	return &e, nil
}

// PutQueryEmbedding stores a cache entry, replacing any expired entry under the same key.
func (s *SQLiteStorage) PutQueryEmbedding(ctx context.Context, e *models.QueryEmbeddingCacheEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO query_embedding_cache
			(query_hash, provider, query_text, vector, created_at, last_accessed, access_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(query_hash, provider) DO UPDATE SET
			query_text = excluded.query_text,
			vector = excluded.vector,
			created_at = excluded.created_at,
			last_accessed = excluded.last_accessed,
			access_count = excluded.access_count`,
		e.QueryHash, e.Provider, e.QueryText, EncodeVector(e.Vector),
		toUnix(e.CreatedAt), toUnix(e.LastAccessed), e.AccessCount,
	)
	if err != nil {
		return fmt.Errorf("failed to store query embedding: %w", err)
	}
	return nil
}

// TouchQueryEmbedding records one access at the given time.
func (s *SQLiteStorage) TouchQueryEmbedding(ctx context.Context, queryHash, provider string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE query_embedding_cache SET last_accessed = ?, access_count = access_count + 1
		 WHERE query_hash = ? AND provider = ?`,
		toUnix(at), queryHash, provider,
	)
	return err
}

// PurgeQueryEmbeddings removes entries created before expiredBefore, and entries created before
// idleBefore that were accessed fewer than minAccess times. Returns the number removed.
func (s *SQLiteStorage) PurgeQueryEmbeddings(ctx context.Context, expiredBefore, idleBefore time.Time, minAccess int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM query_embedding_cache
		 WHERE created_at < ? OR (created_at < ? AND access_count < ?)`,
		toUnix(expiredBefore), toUnix(idleBefore), minAccess,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge query embeddings: %w", err)
	}
	return res.RowsAffected()
}

// CountQueryEmbeddings returns the number of persisted query embeddings.
func (s *SQLiteStorage) CountQueryEmbeddings(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM query_embedding_cache`).Scan(&count)
	return count, err
}

const resultColumns = `key, value, mode, result_count, latency_ms, tags, ttl_ms, created_at, last_accessed, access_count`

func scanResult(sc interface{ Scan(...any) error }) (*models.ResultCacheEntry, error) {
	var e models.ResultCacheEntry
	var tags string
	var ttlMS, created, accessed int64
	if err := sc.Scan(&e.Key, &e.Value, &e.Mode, &e.ResultCount, &e.LatencyMS, &tags, &ttlMS,
		&created, &accessed, &e.AccessCount); err != nil {
		return nil, err
	}
	if tags != "" {
		if err := json.Unmarshal([]byte(tags), &e.Tags); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tags for %s: %w", e.Key, err)
		}
	}
	e.TTL = time.Duration(ttlMS) * time.Millisecond
	e.CreatedAt = fromUnix(created)
	e.LastAccessed = fromUnix(accessed)
	return &e, nil
}

// LoadResult returns the persisted result cache entry for key. A miss returns (nil, nil).
// Expiry is left to the caller.
func (s *SQLiteStorage) LoadResult(ctx context.Context, key string) (*models.ResultCacheEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+resultColumns+` FROM result_cache WHERE key = ?`, key)
	e, err := scanResult(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load cached result: %w", err)
	}
	return e, nil
}

// StoreResult writes or replaces a result cache entry.
func (s *SQLiteStorage) StoreResult(ctx context.Context, e *models.ResultCacheEntry) error {
	tags, err := json.Marshal(e.Tags)
	if err != nil {
		return fmt.Errorf("failed to marshal tags: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO result_cache (`+resultColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			mode = excluded.mode,
			result_count = excluded.result_count,
			latency_ms = excluded.latency_ms,
			tags = excluded.tags,
			ttl_ms = excluded.ttl_ms,
			created_at = excluded.created_at,
			last_accessed = excluded.last_accessed,
			access_count = excluded.access_count`,
		e.Key, e.Value, e.Mode, e.ResultCount, e.LatencyMS, string(tags), e.TTL.Milliseconds(),
		toUnix(e.CreatedAt), toUnix(e.LastAccessed), e.AccessCount,
	)
	if err != nil {
		return fmt.Errorf("failed to store cached result: %w", err)
	}
	return nil
}

// DeleteResults removes the given keys. Missing keys are ignored.
func (s *SQLiteStorage) DeleteResults(ctx context.Context, keys ...string) error {
	for start := 0; start < len(keys); start += maxQueryArgs {
		end := min(start+maxQueryArgs, len(keys))
		args := make([]any, 0, end-start)
		for _, k := range keys[start:end] {
			args = append(args, k)
		}
		if _, err := s.db.ExecContext(ctx,
			`DELETE FROM result_cache WHERE key IN (`+placeholders(len(args))+`)`, args...); err != nil {
			return fmt.Errorf("failed to delete cached results: %w", err)
		}
	}
	return nil
}

// ListResults returns every persisted result cache entry.
func (s *SQLiteStorage) ListResults(ctx context.Context) ([]*models.ResultCacheEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+resultColumns+` FROM result_cache`)
	if err != nil {
		return nil, fmt.Errorf("failed to list cached results: %w", err)
	}
	defer rows.Close()

	var out []*models.ResultCacheEntry
	for rows.Next() {
		e, err := scanResult(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
