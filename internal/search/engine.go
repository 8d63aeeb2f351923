// Package search provides the semantic search engine: query embedding through a cache,
// vector index lookup, hydration and filtering, fusion with lexical results, and batch
// indexing of the archive.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hyperjump/chatsearch/internal/cache"
	"github.com/hyperjump/chatsearch/internal/config"
	"github.com/hyperjump/chatsearch/internal/embedding"
	"github.com/hyperjump/chatsearch/internal/models"
	"github.com/hyperjump/chatsearch/internal/vector"
	"github.com/hyperjump/chatsearch/pkg/utils"
)

// ErrNoLexical is returned for lexical searches when no lexical searcher is configured.
var ErrNoLexical = errors.New("lexical search is not configured")

// LexicalSearcher is the full-text collaborator. Scores should be in [0,1].
type LexicalSearcher interface {
	Search(ctx context.Context, query string, filters *models.SearchFilters, limit int) ([]*models.ScoredItem, error)
}

// MessageResolver hydrates result IDs into messages. Unknown IDs are absent from the map.
type MessageResolver interface {
	GetMessages(ctx context.Context, ids []string) (map[string]*models.Message, error)
}

// Store is what the engine reads messages from and appends statistics to.
type Store interface {
	MessageResolver
	ListIndexCandidates(ctx context.Context, afterID string, limit int) ([]*models.IndexCandidate, error)
	CountMessages(ctx context.Context) (int64, error)
	RecordSearchStat(ctx context.Context, stat *models.SearchStat) error
}

// Engine runs semantic, lexical and hybrid search over indexed messages.
type Engine struct {
	store    Store
	embedder embedding.Embedder
	index    *vector.Index
	lexical  LexicalSearcher
	cfg      config.SearchConfig

	queryCache  *embedding.EmbeddingCache
	resultCache *cache.ResultCache
	logger      *zap.Logger
	now         func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithQueryCache routes query embeddings through c. c must wrap the engine's embedder.
func WithQueryCache(c *embedding.EmbeddingCache) Option {
	return func(e *Engine) { e.queryCache = c }
}

// WithResultCache caches encoded responses of Search in c.
func WithResultCache(c *cache.ResultCache) Option {
	return func(e *Engine) { e.resultCache = c }
}

// WithClock overrides time.Now for statistics timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a search engine. lexical may be nil, in which case hybrid search is
// semantic only and lexical search fails with ErrNoLexical.
func NewEngine(store Store, embedder embedding.Embedder, index *vector.Index, lexical LexicalSearcher, cfg config.SearchConfig, opts ...Option) *Engine {
	if cfg.TopKCandidates <= 0 {
		cfg.TopKCandidates = 100
	}
	if cfg.SemanticBoost <= 0 {
		cfg.SemanticBoost = 1.2
	}
	if cfg.FusionMode == "" {
		cfg.FusionMode = FusionAverage
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.EmbedConcurrency <= 0 {
		cfg.EmbedConcurrency = 4
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 10 * time.Second
	}
	e := &Engine{
		store:    store,
		embedder: embedder,
		index:    index,
		lexical:  lexical,
		cfg:      cfg,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Search validates q, serves it from the result cache when possible, and otherwise dispatches
// on q.Mode. Every call appends a statistics record.
func (e *Engine) Search(ctx context.Context, q *models.SearchQuery) (*models.SearchResponse, error) {
	start := e.now()
	if err := q.Validate(e.cfg.DefaultLimit, e.cfg.MaxLimit); err != nil {
		return nil, err
	}
	norm := utils.NormalizeQuery(q.Query)
	key := CacheKey(norm, q.Mode, q.Limit, q.Filters)

	var epoch uint64
	if e.resultCache != nil && !q.NoCache {
		epoch = e.resultCache.Epoch()
		if raw, ok := e.resultCache.Get(ctx, key); ok {
			var resp models.SearchResponse
			if err := json.Unmarshal(raw, &resp); err == nil {
				resp.CacheHit = true
				resp.QueryTime = e.now().Sub(start).Milliseconds()
				e.recordStat(ctx, norm, &resp)
				return &resp, nil
			}
			e.resultCache.Invalidate(ctx, key)
			epoch = e.resultCache.Epoch()
		}
	}

	var (
		resp *models.SearchResponse
		err  error
	)
	switch q.Mode {
	case models.ModeSemantic:
		var results []*models.SearchResult
		results, err = e.SemanticSearch(ctx, norm, q.Filters, q.Limit)
		resp = &models.SearchResponse{Results: results}
	case models.ModeLexical:
		resp, err = e.lexicalSearch(ctx, norm, q.Filters, q.Limit)
	default:
		resp, err = e.HybridSearch(ctx, norm, q.Filters, q.Limit)
	}
	if err != nil {
		return nil, err
	}
	resp.Query = q.Query
	resp.Mode = q.Mode
	resp.Total = len(resp.Results)
	resp.QueryTime = e.now().Sub(start).Milliseconds()

	// Degraded responses are not cached so the next query retries the semantic side.
	if e.resultCache != nil && !q.NoCache && !resp.Degraded {
		if raw, err := json.Marshal(resp); err == nil {
			e.resultCache.Set(ctx, key, raw, cache.SetOptions{
				Tags:        resultTags(q.Filters, resp.Results),
				Mode:        q.Mode,
				ResultCount: resp.Total,
				LatencyMS:   resp.QueryTime,
				Epoch:       epoch,
			})
		}
	}
	e.recordStat(ctx, norm, resp)
	return resp, nil
}

func (e *Engine) recordStat(ctx context.Context, norm string, resp *models.SearchResponse) {
	stat := &models.SearchStat{
		ID:          uuid.NewString(),
		Timestamp:   e.now(),
		QueryHash:   embedding.HashText(norm),
		Mode:        resp.Mode,
		ResultCount: resp.Total,
		LatencyMS:   resp.QueryTime,
		CacheHit:    resp.CacheHit,
		Degraded:    resp.Degraded,
	}
	if err := e.store.RecordSearchStat(ctx, stat); err != nil {
		e.logger.Debug("failed to record search stat", zap.Error(err))
	}
}

func (e *Engine) embedQuery(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ProviderTimeout)
	defer cancel()
	if e.queryCache != nil {
		return e.queryCache.Embed(ctx, text)
	}
	return e.embedder.Embed(ctx, text)
}

// semanticCandidates embeds the query, searches the index, and returns filtered hits in score
// order together with their messages.
func (e *Engine) semanticCandidates(ctx context.Context, norm string, filters *models.SearchFilters, limit int) ([]*models.ScoredItem, map[string]*models.Message, error) {
	vec, err := e.embedQuery(ctx, norm)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to embed query: %w", err)
	}
	hits, err := e.index.Search(ctx, vec, vector.SearchOptions{
		TopK:     max(e.cfg.TopKCandidates, limit),
		MinScore: e.cfg.MinSemanticScore,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("vector search failed: %w", err)
	}
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	msgs, err := e.store.GetMessages(ctx, ids)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to hydrate results: %w", err)
	}
	items := make([]*models.ScoredItem, 0, min(len(hits), limit))
	for _, h := range hits {
		msg, ok := msgs[h.ID]
		if !ok || !filters.Matches(msg) {
			continue
		}
		items = append(items, &models.ScoredItem{ID: h.ID, Score: h.Score})
		if len(items) == limit {
			break
		}
	}
	return items, msgs, nil
}

// SemanticSearch returns up to limit messages most similar to query, after filters.
// Scores are cosine similarities.
func (e *Engine) SemanticSearch(ctx context.Context, query string, filters *models.SearchFilters, limit int) ([]*models.SearchResult, error) {
	norm := utils.NormalizeQuery(query)
	if norm == "" {
		return nil, models.ErrEmptyQuery
	}
	if limit <= 0 {
		limit = e.defaultLimit()
	}
	items, msgs, err := e.semanticCandidates(ctx, norm, filters, limit)
	if err != nil {
		return nil, err
	}
	results := make([]*models.SearchResult, len(items))
	for i, it := range items {
		msg := msgs[it.ID]
		results[i] = &models.SearchResult{
			Message:       msg,
			Score:         it.Score,
			SemanticScore: it.Score,
			Snippet:       Snippet(msg.Content, norm, DefaultSnippetLength),
			Rank:          i + 1,
			Sources:       []string{SourceSemantic},
		}
	}
	return results, nil
}

// HybridSearch runs semantic and lexical search concurrently and fuses the results. When the
// semantic side fails the response holds the lexical results alone and is marked Degraded; the
// same holds the other way round. Only when both sides fail is an error returned.
func (e *Engine) HybridSearch(ctx context.Context, query string, filters *models.SearchFilters, limit int) (*models.SearchResponse, error) {
	norm := utils.NormalizeQuery(query)
	if norm == "" {
		return nil, models.ErrEmptyQuery
	}
	if limit <= 0 {
		limit = e.defaultLimit()
	}
	candidates := max(e.cfg.TopKCandidates, limit)

	var (
		semItems, lexItems []*models.ScoredItem
		msgs               map[string]*models.Message
		semErr, lexErr     error
		g                  errgroup.Group
	)
	g.Go(func() error {
		semItems, msgs, semErr = e.semanticCandidates(ctx, norm, filters, candidates)
		return nil
	})
	if e.lexical != nil {
		g.Go(func() error {
			lexItems, lexErr = e.lexical.Search(ctx, norm, filters, candidates)
			return nil
		})
	}
	_ = g.Wait()

	degraded := false
	if semErr != nil {
		if e.lexical == nil || lexErr != nil {
			return nil, errors.Join(semErr, lexErr)
		}
		e.logger.Warn("semantic search failed, returning lexical results only",
			zap.String("query", norm), zap.Error(semErr))
		semItems, degraded = nil, true
	}
	if lexErr != nil {
		e.logger.Warn("lexical search failed, returning semantic results only",
			zap.String("query", norm), zap.Error(lexErr))
		lexItems, degraded = nil, true
	}

	fused := Fuse(semItems, lexItems, FusionOptions{SemanticBoost: e.cfg.SemanticBoost, Mode: e.cfg.FusionMode})
	results, err := e.hydrate(ctx, fused, msgs, filters, norm, limit)
	if err != nil {
		return nil, err
	}
	return &models.SearchResponse{Results: results, Degraded: degraded}, nil
}

func (e *Engine) lexicalSearch(ctx context.Context, norm string, filters *models.SearchFilters, limit int) (*models.SearchResponse, error) {
	if e.lexical == nil {
		return nil, ErrNoLexical
	}
	items, err := e.lexical.Search(ctx, norm, filters, limit)
	if err != nil {
		return nil, fmt.Errorf("lexical search failed: %w", err)
	}
	results, err := e.hydrate(ctx, Fuse(nil, items, FusionOptions{}), nil, filters, norm, limit)
	if err != nil {
		return nil, err
	}
	return &models.SearchResponse{Results: results}, nil
}

// hydrate resolves fused IDs to messages, drops IDs that no longer resolve or fail filters,
// and truncates to limit. known holds messages already fetched.
func (e *Engine) hydrate(ctx context.Context, fused []*FusedResult, known map[string]*models.Message, filters *models.SearchFilters, norm string, limit int) ([]*models.SearchResult, error) {
	var missing []string
	for _, r := range fused {
		if _, ok := known[r.ID]; !ok {
			missing = append(missing, r.ID)
		}
	}
	if len(missing) > 0 {
		fetched, err := e.store.GetMessages(ctx, missing)
		if err != nil {
			return nil, fmt.Errorf("failed to hydrate results: %w", err)
		}
		if known == nil {
			known = fetched
		} else {
			for id, m := range fetched {
				known[id] = m
			}
		}
	}

	results := make([]*models.SearchResult, 0, min(len(fused), limit))
	for _, r := range fused {
		msg, ok := known[r.ID]
		if !ok || !filters.Matches(msg) {
			continue
		}
		snippet := r.Snippet
		if snippet == "" {
			snippet = Snippet(msg.Content, norm, DefaultSnippetLength)
		}
		results = append(results, &models.SearchResult{
			Message:       msg,
			Score:         r.Score,
			SemanticScore: r.SemanticScore,
			LexicalScore:  r.LexicalScore,
			Snippet:       snippet,
			Rank:          len(results) + 1,
			Sources:       r.Sources,
		})
		if len(results) == limit {
			break
		}
	}
	return results, nil
}

// FindSimilar returns up to limit messages most similar to the message id, excluding itself.
// It fails with vector.ErrNotFound when id has no embedding.
func (e *Engine) FindSimilar(ctx context.Context, id string, limit int) ([]*models.SearchResult, error) {
	if limit <= 0 {
		limit = e.defaultLimit()
	}
	rec, err := e.index.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	hits, err := e.index.Search(ctx, rec.Vector, vector.SearchOptions{
		TopK:      limit,
		MinScore:  e.cfg.MinSemanticScore,
		Predicate: func(other string) bool { return other != id },
	})
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	msgs, err := e.store.GetMessages(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to hydrate results: %w", err)
	}
	results := make([]*models.SearchResult, 0, len(hits))
	for _, h := range hits {
		msg, ok := msgs[h.ID]
		if !ok {
			continue
		}
		results = append(results, &models.SearchResult{
			Message:       msg,
			Score:         h.Score,
			SemanticScore: h.Score,
			Snippet:       utils.Truncate(msg.Content, DefaultSnippetLength),
			Rank:          len(results) + 1,
			Sources:       []string{SourceSemantic},
		})
	}
	return results, nil
}

func (e *Engine) defaultLimit() int {
	if e.cfg.DefaultLimit > 0 {
		return e.cfg.DefaultLimit
	}
	return 10
}
