package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/chatsearch/internal/models"
)

func newTestStorage(t *testing.T) *SQLiteStorage {
	t.Helper()
	store, err := NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStorage_Messages(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	msg := &models.Message{ID: "m1", ChatID: "c1", Role: "user", Content: "hello world", CreatedAt: created}
	require.NoError(t, store.UpsertMessage(ctx, msg))
	assert.False(t, msg.UpdatedAt.IsZero())

	got, err := store.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "hello world", got.Content)
	assert.True(t, got.CreatedAt.Equal(created))

	msg.Content = "edited"
	require.NoError(t, store.UpsertMessage(ctx, msg))
	got, err = store.GetMessage(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "edited", got.Content)

	require.NoError(t, store.UpsertMessage(ctx, &models.Message{ID: "m2", ChatID: "c2", Content: "second"}))
	n, err := store.CountMessages(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	byID, err := store.GetMessages(ctx, []string{"m1", "m2", "missing"})
	require.NoError(t, err)
	assert.Len(t, byID, 2)
	assert.Equal(t, "c2", byID["m2"].ChatID)

	list, err := store.ListMessages(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "m2", list[0].ID, "newest first")

	require.NoError(t, store.DeleteMessage(ctx, "m1"))
	require.NoError(t, store.DeleteMessage(ctx, "m1"))
	_, err = store.GetMessage(ctx, "m1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStorage_OnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "chat.db")
	store, err := NewSQLiteStorage(path)
	require.NoError(t, err)
	require.NoError(t, store.UpsertMessage(context.Background(), &models.Message{ID: "m1", ChatID: "c", Content: "x"}))
	require.NoError(t, store.Close())

	store, err = NewSQLiteStorage(path)
	require.NoError(t, err)
	defer store.Close()
	n, err := store.CountMessages(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, path, store.Path())
}

func TestSQLiteStorage_IndexCandidatesPaginate(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, store.UpsertMessage(ctx, &models.Message{ID: fmt.Sprintf("m%d", i), ChatID: "c", Content: "text"}))
	}
	require.NoError(t, store.WriteEmbeddings(ctx, nil,
		[]*models.EmbeddingRecord{{ID: "m1", Vector: []float32{1, 0}, Norm: 1, SourceHash: "h1", Provider: "remote"}}, nil))

	page, err := store.ListIndexCandidates(ctx, "", 3)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, "m0", page[0].Message.ID)
	assert.Equal(t, "", page[0].IndexedHash)
	assert.Equal(t, "h1", page[1].IndexedHash)
	assert.Equal(t, "remote", page[1].IndexedProvider)

	page, err = store.ListIndexCandidates(ctx, page[2].Message.ID, 3)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "m3", page[0].Message.ID)
}

func TestSQLiteStorage_Embeddings(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	_, err := store.LoadIndexMeta(ctx)
	assert.ErrorIs(t, err, ErrNotFound)

	meta := &models.IndexMeta{Dimensions: 2, Bits: 2, Seed: 1 << 63, Generation: 1, Projection: []float32{1, 0, 0, 1}}
	now := time.Now()
	records := []*models.EmbeddingRecord{
		{ID: "a", Vector: []float32{3, 4}, Norm: 5, SourceHash: "ha", CreatedAt: now, UpdatedAt: now},
		{ID: "b", Vector: []float32{0, 1}, Norm: 1, SourceHash: "hb", CreatedAt: now, UpdatedAt: now},
	}
	buckets := []*models.BucketAssignment{
		{ID: "a", BucketID: "11", Signature: 3, Generation: 1},
		{ID: "b", BucketID: "10", Signature: 1 << 63, Generation: 1},
	}
	require.NoError(t, store.WriteEmbeddings(ctx, meta, records, buckets))

	gotMeta, err := store.LoadIndexMeta(ctx)
	require.NoError(t, err)
	assert.Equal(t, meta.Seed, gotMeta.Seed)
	assert.Equal(t, meta.Projection, gotMeta.Projection)

	recs, err := store.LoadEmbeddings(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, []float32{3, 4}, recs[0].Vector)
	assert.Equal(t, 5.0, recs[0].Norm)

	bs, err := store.LoadBucketAssignments(ctx)
	require.NoError(t, err)
	require.Len(t, bs, 2)
	sigs := map[string]uint64{}
	for _, b := range bs {
		sigs[b.ID] = b.Signature
	}
	assert.Equal(t, uint64(1<<63), sigs["b"])

	meta.Generation = 2
	require.NoError(t, store.ReplaceBucketAssignments(ctx, meta,
		[]*models.BucketAssignment{{ID: "a", BucketID: "01", Signature: 2, Generation: 2}}))
	bs, err = store.LoadBucketAssignments(ctx)
	require.NoError(t, err)
	require.Len(t, bs, 1)
	assert.Equal(t, 2, bs[0].Generation)

	require.NoError(t, store.DeleteEmbedding(ctx, "a"))
	require.NoError(t, store.DeleteEmbedding(ctx, "a"))
	n, err := store.CountEmbeddings(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	bs, err = store.LoadBucketAssignments(ctx)
	require.NoError(t, err)
	assert.Empty(t, bs)

	last, err := store.LastEmbeddingUpdate(ctx)
	require.NoError(t, err)
	assert.False(t, last.IsZero())
}

func TestSQLiteStorage_QueryEmbeddingCache(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	got, err := store.GetQueryEmbedding(ctx, "h", "local")
	require.NoError(t, err)
	assert.Nil(t, got)

	entry := &models.QueryEmbeddingCacheEntry{QueryHash: "h", QueryText: "hello", Vector: []float32{0.5, 0.5},
		Provider: "local", CreatedAt: t0, LastAccessed: t0, AccessCount: 1}
	require.NoError(t, store.PutQueryEmbedding(ctx, entry))
	require.NoError(t, store.TouchQueryEmbedding(ctx, "h", "local", t0.Add(time.Minute)))

	got, err = store.GetQueryEmbedding(ctx, "h", "local")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(2), got.AccessCount)
	assert.Equal(t, []float32{0.5, 0.5}, got.Vector)
	assert.True(t, got.LastAccessed.Equal(t0.Add(time.Minute)))

	other, err := store.GetQueryEmbedding(ctx, "h", "remote")
	require.NoError(t, err)
	assert.Nil(t, other, "entries are per provider")

	require.NoError(t, store.PutQueryEmbedding(ctx, &models.QueryEmbeddingCacheEntry{QueryHash: "cold", QueryText: "cold",
		Vector: []float32{1}, Provider: "local", CreatedAt: t0, LastAccessed: t0, AccessCount: 1}))
	removed, err := store.PurgeQueryEmbeddings(ctx, t0.Add(-time.Hour), t0.Add(time.Hour), 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
	n, err := store.CountQueryEmbeddings(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSQLiteStorage_ResultCache(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	miss, err := store.LoadResult(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, miss)

	e := &models.ResultCacheEntry{Key: "k", Value: []byte(`{"results":[]}`), Mode: "hybrid", ResultCount: 3,
		Tags: []string{"scope:all", "chat:c1"}, TTL: 5 * time.Minute, CreatedAt: time.Now(), LastAccessed: time.Now(), AccessCount: 2}
	require.NoError(t, store.StoreResult(ctx, e))
	require.NoError(t, store.StoreResult(ctx, &models.ResultCacheEntry{Key: "k2", Value: []byte("x"), TTL: time.Second}))

	got, err := store.LoadResult(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, e.Value, got.Value)
	assert.Equal(t, e.Tags, got.Tags)
	assert.Equal(t, 5*time.Minute, got.TTL)
	assert.Equal(t, int64(2), got.AccessCount)

	all, err := store.ListResults(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, store.DeleteResults(ctx, "k", "absent"))
	got, err = store.LoadResult(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLiteStorage_SearchStats(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, store.RecordSearchStat(ctx, &models.SearchStat{
			ID: fmt.Sprintf("s%d", i), Timestamp: base.Add(time.Duration(i) * time.Hour),
			QueryHash: "q", Mode: models.ModeHybrid, ResultCount: i, CacheHit: i == 2, Degraded: i == 1,
		}))
	}
	stats, err := store.ListSearchStats(ctx, base.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, stats, 2)
	assert.Equal(t, "s2", stats[0].ID)
	assert.True(t, stats[0].CacheHit)
	assert.True(t, stats[1].Degraded)
}

func TestCodec(t *testing.T) {
	vec := []float32{1.5, -2, 0, 3.25}
	got, err := DecodeVector(EncodeVector(vec))
	require.NoError(t, err)
	assert.Equal(t, vec, got)

	_, err = DecodeVector([]byte{1, 2, 3})
	assert.Error(t, err)

	empty, err := DecodeVector(nil)
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestSQLiteStorage_ImportSources(t *testing.T) {
	store := newTestStorage(t)
	ctx := context.Background()

	_, err := store.GetImportSource(ctx, "file:x")
	assert.ErrorIs(t, err, ErrNotFound)

	mtime := time.Date(2024, 7, 2, 8, 30, 0, 123, time.UTC)
	src := &models.ImportSource{ID: "file:x", Path: "/inbox/x.jsonl", ModTime: mtime, Size: 42, Messages: 3, ImportedAt: mtime}
	require.NoError(t, store.PutImportSource(ctx, src))

	src.Size = 50
	require.NoError(t, store.PutImportSource(ctx, src))
	got, err := store.GetImportSource(ctx, "file:x")
	require.NoError(t, err)
	assert.Equal(t, int64(50), got.Size)
	assert.True(t, got.ModTime.Equal(mtime))
	assert.Equal(t, 3, got.Messages)

	require.NoError(t, store.DeleteImportSource(ctx, "file:x"))
	require.NoError(t, store.DeleteImportSource(ctx, "file:x"))
	_, err = store.GetImportSource(ctx, "file:x")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStorage_AddsProviderColumnToOlderDatabases(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.db")
	store, err := NewSQLiteStorage(path)
	require.NoError(t, err)
	_, err = store.db.Exec(`ALTER TABLE embeddings DROP COLUMN provider`)
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store, err = NewSQLiteStorage(path)
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()
	require.NoError(t, store.WriteEmbeddings(ctx, nil,
		[]*models.EmbeddingRecord{{ID: "m1", Vector: []float32{1}, Norm: 1, Provider: "local"}}, nil))
	recs, err := store.LoadEmbeddings(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "local", recs[0].Provider)
}
