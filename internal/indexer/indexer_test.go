package indexer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/chatsearch/internal/config"
	"github.com/hyperjump/chatsearch/internal/embedding"
	"github.com/hyperjump/chatsearch/internal/keyword"
	"github.com/hyperjump/chatsearch/internal/models"
	"github.com/hyperjump/chatsearch/internal/search"
	"github.com/hyperjump/chatsearch/internal/storage"
	"github.com/hyperjump/chatsearch/internal/vector"
)

type fixture struct {
	idx     *Indexer
	store   *storage.SQLiteStorage
	lexical *keyword.BleveIndex
	engine  *search.Engine
	vectors *vector.Index
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	lex, err := keyword.NewBleveIndex("", keyword.SearchOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = lex.Close() })

	vectors := vector.New(store, vector.DefaultOptions())
	engine := search.NewEngine(store, embedding.NewLocalEmbedder(64), vectors, lex, config.SearchConfig{
		DefaultLimit: 10, MaxLimit: 100, BatchSize: 8, EmbedConcurrency: 2, ProviderTimeout: time.Second,
	})
	return &fixture{
		idx:     NewIndexer(store, lex, engine, WithExtensions([]string{".jsonl"})),
		store:   store,
		lexical: lex,
		engine:  engine,
		vectors: vectors,
	}
}

func TestExtensionAllowed(t *testing.T) {
	tests := []struct {
		ext     string
		allowed []string
		want    bool
	}{
		{".jsonl", []string{".jsonl", ".ndjson"}, true},
		{".JSONL", []string{"jsonl"}, true},
		{".json", []string{".jsonl"}, false},
		{"", []string{".jsonl"}, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, extensionAllowed(tt.ext, tt.allowed), "extensionAllowed(%q, %v)", tt.ext, tt.allowed)
	}
}

func TestPreprocess(t *testing.T) {
	assert.Equal(t, "hello world", Preprocess("  hello \n\t world  "))
	assert.Equal(t, "ab", Preprocess("a\x00b"))
	assert.Equal(t, "", Preprocess(" \n "))
}

func TestIndexer_IndexAndDeleteMessage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	msg, err := f.idx.IndexMessage(ctx, &models.MessageInput{ChatID: "c1", Role: "user", Content: "  How do refunds   work? "})
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	assert.Equal(t, "How do refunds work?", msg.Content)

	stored, err := f.store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, msg.Content, stored.Content)

	lex, err := f.lexical.Search(ctx, "refunds", nil, 10)
	require.NoError(t, err)
	require.Len(t, lex, 1)
	assert.Equal(t, msg.ID, lex[0].ID)

	rec, err := f.vectors.Get(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, embedding.HashText(msg.Content), rec.SourceHash)

	require.NoError(t, f.idx.DeleteMessage(ctx, msg.ID))
	_, err = f.store.GetMessage(ctx, msg.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = f.vectors.Get(ctx, msg.ID)
	assert.ErrorIs(t, err, vector.ErrNotFound)
	lex, err = f.lexical.Search(ctx, "refunds", nil, 10)
	require.NoError(t, err)
	assert.Empty(t, lex)

	assert.ErrorIs(t, f.idx.DeleteMessage(ctx, msg.ID), storage.ErrNotFound)
}

func TestIndexer_RejectsInvalidMessages(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.idx.IndexMessage(ctx, &models.MessageInput{Content: "no chat"})
	assert.ErrorIs(t, err, ErrInvalidMessage)
	_, err = f.idx.IndexMessage(ctx, &models.MessageInput{ChatID: "c", Content: " \n "})
	assert.ErrorIs(t, err, ErrInvalidMessage)
}

const export = `{"id":"a1","chat_id":"c1","role":"user","content":"Where is my refund?","created_at":"2024-05-01T10:00:00Z"}
{"chat_id":"c1","role":"assistant","content":"Refunds take five business days."}

not json
{"chat_id":"","content":"missing chat"}
{"chat_id":"c2","role":"user","content":"Weather talk"}
`

func TestIndexer_ImportJSONL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	report, err := f.idx.ImportJSONL(ctx, strings.NewReader(export), "")
	require.NoError(t, err)
	assert.Equal(t, 3, report.Imported)
	assert.Equal(t, 2, report.Failed)
	require.NotNil(t, report.Index)
	assert.Equal(t, 3, report.Index.Processed)

	msg, err := f.store.GetMessage(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), msg.CreatedAt.UTC())

	count, err := f.lexical.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), count)

	resp, err := f.engine.Search(ctx, &models.SearchQuery{Query: "refund", Mode: models.ModeHybrid})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Results)
}

func TestIndexer_ImportFileIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "export.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(export), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	n, err := f.idx.ImportDirectory(ctx, dir)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	report, err := f.idx.ImportFile(ctx, path)
	require.NoError(t, err)
	assert.True(t, report.Skipped, "unchanged file is skipped")

	require.NoError(t, f.idx.ForgetFile(ctx, path))
	report, err = f.idx.ImportFile(ctx, path)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Imported)

	total, err := f.store.CountMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total, "lines without IDs map to the same message on re-import")

	_, err = f.idx.ImportFile(ctx, filepath.Join(dir, "notes.txt"))
	assert.Error(t, err)
}

func TestIndexer_ReindexLexical(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	for i, content := range []string{"alpha beta", "gamma delta", "epsilon"} {
		require.NoError(t, f.store.UpsertMessage(ctx, &models.Message{
			ID: string(rune('a' + i)), ChatID: "c", Content: content,
		}))
	}
	n, err := f.idx.ReindexLexical(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	res, err := f.lexical.Search(ctx, "gamma", nil, 10)
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "b", res[0].ID)
}
