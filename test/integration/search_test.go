package integration

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/chatsearch/internal/cache"
	"github.com/hyperjump/chatsearch/internal/config"
	"github.com/hyperjump/chatsearch/internal/embedding"
	"github.com/hyperjump/chatsearch/internal/indexer"
	"github.com/hyperjump/chatsearch/internal/keyword"
	"github.com/hyperjump/chatsearch/internal/models"
	"github.com/hyperjump/chatsearch/internal/search"
	"github.com/hyperjump/chatsearch/internal/storage"
	"github.com/hyperjump/chatsearch/internal/vector"
)

const dimensions = 32

type stack struct {
	store    *storage.SQLiteStorage
	embedder embedding.Embedder
	vectors  *vector.Index
	lexical  *keyword.BleveIndex
	results  *cache.ResultCache
	engine   *search.Engine
	indexer  *indexer.Indexer
}

func (s *stack) close() {
	_ = s.lexical.Close()
	_ = s.embedder.Close()
	_ = s.store.Close()
}

// openStack builds every component over dir, the way the server does.
func openStack(t *testing.T, dir string, embCfg config.EmbeddingConfig) *stack {
	t.Helper()
	ctx := context.Background()
	store, err := storage.NewSQLiteStorage(filepath.Join(dir, "chatsearch.db"))
	require.NoError(t, err)

	emb, err := embedding.New(embCfg, nil)
	require.NoError(t, err)
	queryCache, err := embedding.NewEmbeddingCache(emb, store, embedding.NewCacheConfig(embCfg))
	require.NoError(t, err)

	// A low threshold makes the corpus large enough for bucketed search.
	vectors := vector.New(store, vector.Options{Bits: 4, BruteForceThreshold: 8, RebuildDirtyRatio: 0.1, Seed: 7, ProbeNeighbors: true})
	require.NoError(t, vectors.Load(ctx))

	lex, err := keyword.NewBleveIndex(filepath.Join(dir, "bleve"), keyword.SearchOptions{})
	require.NoError(t, err)

	results := cache.New(cache.Config{MaxBytes: 1 << 20, TTL: time.Minute, PersistMinAccess: 2, EvictFraction: 0.2}, store)
	engine := search.NewEngine(store, emb, vectors, lex, config.SearchConfig{
		DefaultLimit: 10, MaxLimit: 50, TopKCandidates: 50, SemanticBoost: 1.2, FusionMode: "average",
		BatchSize: 8, EmbedConcurrency: 4, ProviderTimeout: 5 * time.Second,
	}, search.WithQueryCache(queryCache), search.WithResultCache(results))
	idx := indexer.NewIndexer(store, lex, engine, indexer.WithExtensions([]string{".jsonl"}))
	return &stack{store: store, embedder: emb, vectors: vectors, lexical: lex, results: results, engine: engine, indexer: idx}
}

func localConfig() config.EmbeddingConfig {
	return config.EmbeddingConfig{Provider: "local", Dimensions: dimensions, CacheSize: 100, CacheTTL: time.Hour}
}

func importCorpus(t *testing.T, s *stack, dir string, corpus *Corpus) *models.ImportReport {
	t.Helper()
	data, err := corpus.JSONL()
	require.NoError(t, err)
	path := filepath.Join(dir, "export.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	report, err := s.indexer.ImportFile(context.Background(), path)
	require.NoError(t, err)
	return report
}

func resultIDs(resp *models.SearchResponse) []string {
	ids := make([]string, len(resp.Results))
	for i, r := range resp.Results {
		ids[i] = r.Message.ID
	}
	return ids
}

func TestIntegration_ImportAndSearch(t *testing.T) {
	dir := t.TempDir()
	s := openStack(t, dir, localConfig())
	defer s.close()
	ctx := context.Background()
	corpus := BuildCorpus()

	report := importCorpus(t, s, dir, corpus)
	assert.Equal(t, len(corpus.Messages), report.Imported)
	assert.Zero(t, report.Failed)
	require.NotNil(t, report.Index)
	assert.Equal(t, len(corpus.Messages), report.Index.Processed)
	assert.Equal(t, len(corpus.Messages), s.vectors.Size())

	for _, mode := range []string{models.ModeLexical, models.ModeHybrid} {
		for _, tc := range corpus.Cases {
			resp, err := s.engine.Search(ctx, &models.SearchQuery{Query: tc.Query, Mode: mode, Limit: 10})
			require.NoError(t, err, "%s %q", mode, tc.Query)
			assert.False(t, resp.Degraded)
			assert.Subset(t, resultIDs(resp), tc.ExpectedIDs, "%s %q", mode, tc.Query)
		}
	}

	resp, err := s.engine.Search(ctx, &models.SearchQuery{
		Query:   "refund invoice declined",
		Filters: &models.SearchFilters{ChatIDs: []string{"billing"}, Roles: []string{"assistant"}},
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	for _, r := range resp.Results {
		assert.Equal(t, "billing", r.Message.ChatID)
		assert.Equal(t, "assistant", r.Message.Role)
	}

	again, err := s.indexer.ImportFile(ctx, filepath.Join(dir, "export.jsonl"))
	require.NoError(t, err)
	assert.True(t, again.Skipped, "unchanged export is skipped")
}

func TestIntegration_ReopenIsDeterministic(t *testing.T) {
	dir := t.TempDir()
	corpus := BuildCorpus()
	query := &models.SearchQuery{Query: "kafka consumer rebalance loop", Mode: models.ModeSemantic, NoCache: true}

	s := openStack(t, dir, localConfig())
	importCorpus(t, s, dir, corpus)
	before, err := s.engine.Search(context.Background(), query)
	require.NoError(t, err)
	stats, err := s.vectors.Stats(context.Background())
	require.NoError(t, err)
	s.close()

	s = openStack(t, dir, localConfig())
	defer s.close()
	after, err := s.engine.Search(context.Background(), query)
	require.NoError(t, err)
	reopened, err := s.vectors.Stats(context.Background())
	require.NoError(t, err)

	assert.Equal(t, resultIDs(before), resultIDs(after))
	assert.Equal(t, stats.Generation, reopened.Generation)
	assert.Equal(t, stats.Size, reopened.Size)
	assert.NotEmpty(t, after.Results)
}

func TestIntegration_RemoteProviderDownFallsBack(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"overloaded"}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	dir := t.TempDir()
	cfg := localConfig()
	cfg.Provider = "remote"
	cfg.RemoteURL = srv.URL
	cfg.MaxRetries = 1
	cfg.Timeout = 2 * time.Second
	s := openStack(t, dir, cfg)
	defer s.close()
	ctx := context.Background()

	corpus := BuildCorpus()
	report := importCorpus(t, s, dir, corpus)
	require.NotNil(t, report.Index)
	assert.Equal(t, len(corpus.Messages), report.Index.Processed)
	assert.Zero(t, report.Index.Failed)

	resp, err := s.engine.Search(ctx, &models.SearchQuery{Query: "password reset email"})
	require.NoError(t, err)
	assert.False(t, resp.Degraded, "local fallback keeps semantic search available")
	assert.Subset(t, resultIDs(resp), []string{"msg-002", "msg-003"})

	st, err := s.engine.Status(ctx)
	require.NoError(t, err)
	require.NotNil(t, st.Fallback)
	assert.EqualValues(t, len(corpus.Messages)+1, st.Fallback.Fallbacks)
	assert.Positive(t, calls.Load())
}

func TestIntegration_ResultCacheAcrossWrites(t *testing.T) {
	dir := t.TempDir()
	s := openStack(t, dir, localConfig())
	defer s.close()
	ctx := context.Background()
	importCorpus(t, s, dir, BuildCorpus())

	q := func() *models.SearchQuery {
		return &models.SearchQuery{Query: "friday pizza order", Filters: &models.SearchFilters{ChatIDs: []string{"random"}}}
	}
	first, err := s.engine.Search(ctx, q())
	require.NoError(t, err)
	assert.False(t, first.CacheHit)
	second, err := s.engine.Search(ctx, q())
	require.NoError(t, err)
	assert.True(t, second.CacheHit)

	// A write in another chat leaves the scoped entry alone.
	_, err = s.indexer.IndexMessage(ctx, &models.MessageInput{ChatID: "support", Content: "pizza is not a support topic"})
	require.NoError(t, err)
	third, err := s.engine.Search(ctx, q())
	require.NoError(t, err)
	assert.True(t, third.CacheHit)

	msg, err := s.indexer.IndexMessage(ctx, &models.MessageInput{ChatID: "random", Content: "friday pizza order placed"})
	require.NoError(t, err)
	fourth, err := s.engine.Search(ctx, q())
	require.NoError(t, err)
	assert.False(t, fourth.CacheHit)
	assert.Contains(t, resultIDs(fourth), msg.ID)
}

func TestIntegration_VectorExampleScenario(t *testing.T) {
	store, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "vectors.db"))
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	idx := vector.New(store, vector.DefaultOptions())
	require.NoError(t, idx.BatchUpsert(ctx, []vector.Item{
		{ID: "A", Vector: []float32{1, 0}},
		{ID: "B", Vector: []float32{0.9, 0.1}},
		{ID: "C", Vector: []float32{-1, 0}},
	}))

	hits, err := idx.Search(ctx, []float32{1, 0}, vector.SearchOptions{TopK: 2})
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "A", hits[0].ID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-9)
	assert.Equal(t, "B", hits[1].ID)
	assert.InDelta(t, 0.9939, hits[1].Score, 1e-3)

	reopened := vector.New(store, vector.DefaultOptions())
	again, err := reopened.Search(ctx, []float32{1, 0}, vector.SearchOptions{TopK: 2})
	require.NoError(t, err)
	assert.Equal(t, hits, again)
}
