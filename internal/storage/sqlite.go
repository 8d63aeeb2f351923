package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hyperjump/chatsearch/internal/models"
)

// SQLiteStorage is the persistent store for messages, the vector index, both cache tiers,
// and search statistics.
type SQLiteStorage struct {
	db   *sql.DB
	path string
}

// NewSQLiteStorage opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist. ":memory:" opens a private in-memory
// database.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dbPath != ":memory:" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	db, err := sql.Open(DriverName, dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStorage{db: db, path: dbPath}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		chat_id TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_chat_id ON messages(chat_id);
	CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages(created_at);

	CREATE TABLE IF NOT EXISTS embeddings (
		id TEXT PRIMARY KEY,
		vector BLOB NOT NULL,
		norm REAL NOT NULL,
		source_hash TEXT NOT NULL DEFAULT '',
		provider TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS bucket_assignments (
		id TEXT PRIMARY KEY,
		bucket_id TEXT NOT NULL,
		signature INTEGER NOT NULL,
		generation INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_bucket_assignments_bucket ON bucket_assignments(bucket_id);

	CREATE TABLE IF NOT EXISTS index_meta (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		dimensions INTEGER NOT NULL,
		bits INTEGER NOT NULL,
		seed INTEGER NOT NULL,
		generation INTEGER NOT NULL,
		projection BLOB
	);

	CREATE TABLE IF NOT EXISTS query_embedding_cache (
		query_hash TEXT NOT NULL,
		provider TEXT NOT NULL,
		query_text TEXT NOT NULL,
		vector BLOB NOT NULL,
		created_at INTEGER NOT NULL,
		last_accessed INTEGER NOT NULL,
		access_count INTEGER NOT NULL DEFAULT 1,
		PRIMARY KEY (query_hash, provider)
	);

	CREATE TABLE IF NOT EXISTS result_cache (
		key TEXT PRIMARY KEY,
		value BLOB NOT NULL,
		mode TEXT NOT NULL DEFAULT '',
		result_count INTEGER NOT NULL DEFAULT 0,
		latency_ms INTEGER NOT NULL DEFAULT 0,
		tags TEXT NOT NULL DEFAULT '',
		ttl_ms INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		last_accessed INTEGER NOT NULL,
		access_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS search_stats (
		id TEXT PRIMARY KEY,
		ts INTEGER NOT NULL,
		query_hash TEXT NOT NULL,
		mode TEXT NOT NULL,
		result_count INTEGER NOT NULL,
		latency_ms INTEGER NOT NULL,
		cache_hit INTEGER NOT NULL DEFAULT 0,
		degraded INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_search_stats_ts ON search_stats(ts);

	CREATE TABLE IF NOT EXISTS import_sources (
		id TEXT PRIMARY KEY,
		path TEXT NOT NULL,
		mtime INTEGER NOT NULL,
		size INTEGER NOT NULL,
		messages INTEGER NOT NULL DEFAULT 0,
		imported_at INTEGER NOT NULL
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return err
	}
	return addColumn(db, "embeddings", "provider", `TEXT NOT NULL DEFAULT ''`)
}

// addColumn adds column to table when a database created by an older schema lacks it.
func addColumn(db *sql.DB, table, column, decl string) error {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&n)
	if err != nil || n > 0 {
		return err
	}
	_, err = db.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, decl))
	return err
}

// Path returns the database path the storage was opened with.
func (s *SQLiteStorage) Path() string {
	return s.path
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

const messageColumns = `id, chat_id, role, category, content, created_at, updated_at`

func scanMessage(sc interface{ Scan(...any) error }) (*models.Message, error) {
	var msg models.Message
	var created, updated int64
	if err := sc.Scan(&msg.ID, &msg.ChatID, &msg.Role, &msg.Category, &msg.Content, &created, &updated); err != nil {
		return nil, err
	}
	msg.CreatedAt = fromUnix(created)
	msg.UpdatedAt = fromUnix(updated)
	return &msg, nil
}

// UpsertMessage inserts msg or replaces the stored message with the same ID.
// CreatedAt defaults to now; UpdatedAt is always set to now.
func (s *SQLiteStorage) UpsertMessage(ctx context.Context, msg *models.Message) error {
	now := time.Now().UTC()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	msg.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (`+messageColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			chat_id = excluded.chat_id,
			role = excluded.role,
			category = excluded.category,
			content = excluded.content,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at`,
		msg.ID, msg.ChatID, msg.Role, msg.Category, msg.Content, toUnix(msg.CreatedAt), toUnix(msg.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert message %s: %w", msg.ID, err)
	}
	return nil
}

// GetMessage returns a message by ID, or ErrNotFound.
func (s *SQLiteStorage) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return msg, nil
}

// GetMessages resolves ids to messages. Unknown IDs are absent from the result.
func (s *SQLiteStorage) GetMessages(ctx context.Context, ids []string) (map[string]*models.Message, error) {
	out := make(map[string]*models.Message, len(ids))
	for start := 0; start < len(ids); start += maxQueryArgs {
		end := min(start+maxQueryArgs, len(ids))
		batch := ids[start:end]
		args := make([]any, len(batch))
		for i, id := range batch {
			args[i] = id
		}
		query := `SELECT ` + messageColumns + ` FROM messages WHERE id IN (` + placeholders(len(batch)) + `)`
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("failed to query messages: %w", err)
		}
		for rows.Next() {
			msg, err := scanMessage(rows)
			if err != nil {
				rows.Close()
				return nil, err
			}
			out[msg.ID] = msg
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// DeleteMessage removes a message by ID. Deleting a missing message is not an error.
func (s *SQLiteStorage) DeleteMessage(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	return err
}

// ListMessages returns messages newest first with offset and limit.
func (s *SQLiteStorage) ListMessages(ctx context.Context, offset, limit int) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages ORDER BY created_at DESC, id LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []*models.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// CountMessages returns the total number of messages.
func (s *SQLiteStorage) CountMessages(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&count)
	return count, err
}

// ListIndexCandidates returns up to limit messages with ID greater than afterID, ordered by ID,
// each paired with the source hash and provider of its current embedding ("" when not indexed).
func (s *SQLiteStorage) ListIndexCandidates(ctx context.Context, afterID string, limit int) ([]*models.IndexCandidate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT m.id, m.chat_id, m.role, m.category, m.content, m.created_at, m.updated_at,
			COALESCE(e.source_hash, ''), COALESCE(e.provider, '')
		 FROM messages m LEFT JOIN embeddings e ON e.id = m.id
		 WHERE m.id > ? ORDER BY m.id LIMIT ?`,
		afterID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list index candidates: %w", err)
	}
	defer rows.Close()

	var out []*models.IndexCandidate
	for rows.Next() {
		var msg models.Message
		var created, updated int64
		var hash, provider string
		if err := rows.Scan(&msg.ID, &msg.ChatID, &msg.Role, &msg.Category, &msg.Content, &created, &updated, &hash, &provider); err != nil {
			return nil, err
		}
		msg.CreatedAt = fromUnix(created)
		msg.UpdatedAt = fromUnix(updated)
		out = append(out, &models.IndexCandidate{Message: &msg, IndexedHash: hash, IndexedProvider: provider})
	}
	return out, rows.Err()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
