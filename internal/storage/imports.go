package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/hyperjump/chatsearch/internal/models"
)

// GetImportSource returns the import record with id, or ErrNotFound.
func (s *SQLiteStorage) GetImportSource(ctx context.Context, id string) (*models.ImportSource, error) {
	var src models.ImportSource
	var mtime, imported int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, path, mtime, size, messages, imported_at FROM import_sources WHERE id = ?`, id,
	).Scan(&src.ID, &src.Path, &mtime, &src.Size, &src.Messages, &imported)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("import source %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	src.ModTime = fromUnix(mtime)
	src.ImportedAt = fromUnix(imported)
	return &src, nil
}

// PutImportSource inserts or replaces an import record.
func (s *SQLiteStorage) PutImportSource(ctx context.Context, src *models.ImportSource) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO import_sources (id, path, mtime, size, messages, imported_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			path = excluded.path,
			mtime = excluded.mtime,
			size = excluded.size,
			messages = excluded.messages,
			imported_at = excluded.imported_at`,
		src.ID, src.Path, toUnix(src.ModTime), src.Size, src.Messages, toUnix(src.ImportedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to record import source %s: %w", src.Path, err)
	}
	return nil
}

// DeleteImportSource removes an import record. Deleting a missing record is not an error.
func (s *SQLiteStorage) DeleteImportSource(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM import_sources WHERE id = ?`, id)
	return err
}
