package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hyperjump/chatsearch/internal/models"
)

// LoadIndexMeta returns the persisted vector index meta, or ErrNotFound before the first insert.
func (s *SQLiteStorage) LoadIndexMeta(ctx context.Context) (*models.IndexMeta, error) {
	var meta models.IndexMeta
	var seed int64
	var projection []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT dimensions, bits, seed, generation, projection FROM index_meta WHERE id = 1`,
	).Scan(&meta.Dimensions, &meta.Bits, &seed, &meta.Generation, &projection)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("index meta: %w", ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load index meta: %w", err)
	}
	meta.Seed = uint64(seed)
	if meta.Projection, err = DecodeVector(projection); err != nil {
		return nil, fmt.Errorf("failed to decode projection: %w", err)
	}
	return &meta, nil
}

func saveIndexMeta(ctx context.Context, tx *sql.Tx, meta *models.IndexMeta) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO index_meta (id, dimensions, bits, seed, generation, projection)
		 VALUES (1, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			dimensions = excluded.dimensions,
			bits = excluded.bits,
			seed = excluded.seed,
			generation = excluded.generation,
			projection = excluded.projection`,
		meta.Dimensions, meta.Bits, int64(meta.Seed), meta.Generation, EncodeVector(meta.Projection),
	)
	if err != nil {
		return fmt.Errorf("failed to save index meta: %w", err)
	}
	return nil
}

// WriteEmbeddings persists records and their bucket assignments in one transaction.
// meta is written in the same transaction when non-nil.
func (s *SQLiteStorage) WriteEmbeddings(ctx context.Context, meta *models.IndexMeta, records []*models.EmbeddingRecord, buckets []*models.BucketAssignment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if meta != nil {
		if err := saveIndexMeta(ctx, tx, meta); err != nil {
			return err
		}
	}

	recStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO embeddings (id, vector, norm, source_hash, provider, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			vector = excluded.vector,
			norm = excluded.norm,
			source_hash = excluded.source_hash,
			provider = excluded.provider,
			updated_at = excluded.updated_at`,
	)
	if err != nil {
		return err
	}
	defer recStmt.Close()

	for _, rec := range records {
		if _, err := recStmt.ExecContext(ctx, rec.ID, EncodeVector(rec.Vector), rec.Norm, rec.SourceHash, rec.Provider,
			toUnix(rec.CreatedAt), toUnix(rec.UpdatedAt)); err != nil {
			return fmt.Errorf("failed to write embedding %s: %w", rec.ID, err)
		}
	}

	if err := insertBuckets(ctx, tx, buckets); err != nil {
		return err
	}
	return tx.Commit()
}

func insertBuckets(ctx context.Context, tx *sql.Tx, buckets []*models.BucketAssignment) error {
	if len(buckets) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO bucket_assignments (id, bucket_id, signature, generation)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			bucket_id = excluded.bucket_id,
			signature = excluded.signature,
			generation = excluded.generation`,
	)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, b := range buckets {
		if _, err := stmt.ExecContext(ctx, b.ID, b.BucketID, int64(b.Signature), b.Generation); err != nil {
			return fmt.Errorf("failed to write bucket assignment %s: %w", b.ID, err)
		}
	}
	return nil
}

// DeleteEmbedding removes the embedding and bucket assignment for id in one transaction.
func (s *SQLiteStorage) DeleteEmbedding(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM bucket_assignments WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete bucket assignment %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM embeddings WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to delete embedding %s: %w", id, err)
	}
	return tx.Commit()
}

// LoadEmbeddings returns every stored embedding record.
func (s *SQLiteStorage) LoadEmbeddings(ctx context.Context) ([]*models.EmbeddingRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, vector, norm, source_hash, provider, created_at, updated_at FROM embeddings ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("failed to load embeddings: %w", err)
	}
	defer rows.Close()

	var out []*models.EmbeddingRecord
	for rows.Next() {
		var rec models.EmbeddingRecord
		var blob []byte
		var created, updated int64
		if err := rows.Scan(&rec.ID, &blob, &rec.Norm, &rec.SourceHash, &rec.Provider, &created, &updated); err != nil {
			return nil, err
		}
		if rec.Vector, err = DecodeVector(blob); err != nil {
			return nil, fmt.Errorf("embedding %s: %w", rec.ID, err)
		}
		rec.CreatedAt = fromUnix(created)
		rec.UpdatedAt = fromUnix(updated)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// LoadBucketAssignments returns every stored bucket assignment.
func (s *SQLiteStorage) LoadBucketAssignments(ctx context.Context) ([]*models.BucketAssignment, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, bucket_id, signature, generation FROM bucket_assignments`)
	if err != nil {
		return nil, fmt.Errorf("failed to load bucket assignments: %w", err)
	}
	defer rows.Close()

	var out []*models.BucketAssignment
	for rows.Next() {
		var b models.BucketAssignment
		var sig int64
		if err := rows.Scan(&b.ID, &b.BucketID, &sig, &b.Generation); err != nil {
			return nil, err
		}
		b.Signature = uint64(sig)
		out = append(out, &b)
	}
	return out, rows.Err()
}

// ReplaceBucketAssignments swaps the full assignment set in one transaction.
// meta is written in the same transaction when non-nil.
func (s *SQLiteStorage) ReplaceBucketAssignments(ctx context.Context, meta *models.IndexMeta, buckets []*models.BucketAssignment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if meta != nil {
		if err := saveIndexMeta(ctx, tx, meta); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM bucket_assignments`); err != nil {
		return fmt.Errorf("failed to clear bucket assignments: %w", err)
	}
	if err := insertBuckets(ctx, tx, buckets); err != nil {
		return err
	}
	return tx.Commit()
}

// CountEmbeddings returns the number of stored embeddings.
func (s *SQLiteStorage) CountEmbeddings(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM embeddings`).Scan(&count)
	return count, err
}

// LastEmbeddingUpdate returns the most recent embedding write time, zero when empty.
func (s *SQLiteStorage) LastEmbeddingUpdate(ctx context.Context) (time.Time, error) {
	var last sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(updated_at) FROM embeddings`).Scan(&last); err != nil {
		return time.Time{}, err
	}
	return fromUnix(last.Int64), nil
}
