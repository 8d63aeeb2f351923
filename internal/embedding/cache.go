package embedding

import (
	"context"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/hyperjump/chatsearch/internal/models"
	"github.com/hyperjump/chatsearch/pkg/utils"
)

// CacheStore is the persistent tier of the query embedding cache. Get returns (nil, nil) on miss.
type CacheStore interface {
	GetQueryEmbedding(ctx context.Context, queryHash, provider string) (*models.QueryEmbeddingCacheEntry, error)
	PutQueryEmbedding(ctx context.Context, e *models.QueryEmbeddingCacheEntry) error
	TouchQueryEmbedding(ctx context.Context, queryHash, provider string, at time.Time) error
	PurgeQueryEmbeddings(ctx context.Context, expiredBefore, idleBefore time.Time, minAccess int64) (int64, error)
}

// CacheConfig bounds the query embedding cache.
type CacheConfig struct {
	// Size is the memory tier capacity in entries.
	Size int
	// TTL expires entries by age regardless of use.
	TTL time.Duration
	// Retention is the age after which entries accessed fewer than MinAccess times are purged.
	Retention time.Duration
	MinAccess int64
}

// CacheStats counts cache outcomes.
type CacheStats struct {
	Hits       int64 `json:"hits"`
	Misses     int64 `json:"misses"`
	MemorySize int   `json:"memory_size"`
}

type memEntry struct {
	vec       []float32
	createdAt time.Time
}

// EmbeddingCache memoizes query embeddings per provider in a memory LRU backed by an optional
// persistent store. Only access bookkeeping of an entry changes after it is created.
type EmbeddingCache struct {
	embedder Embedder
	memory   *lru.Cache[string, memEntry]
	store    CacheStore
	cfg      CacheConfig
	logger   *zap.Logger
	now      func() time.Time

	hits   atomic.Int64
	misses atomic.Int64
}

// CacheOption configures an EmbeddingCache.
type CacheOption func(*EmbeddingCache)

// WithCacheLogger sets the cache logger.
func WithCacheLogger(l *zap.Logger) CacheOption {
	return func(c *EmbeddingCache) { c.logger = l }
}

// WithCacheClock overrides time.Now.
func WithCacheClock(now func() time.Time) CacheOption {
	return func(c *EmbeddingCache) { c.now = now }
}

// NewEmbeddingCache wraps embedder. store may be nil for a memory-only cache.
func NewEmbeddingCache(embedder Embedder, store CacheStore, cfg CacheConfig, opts ...CacheOption) (*EmbeddingCache, error) {
	if cfg.Size <= 0 {
		cfg.Size = 10000
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 7 * 24 * time.Hour
	}
	memory, err := lru.New[string, memEntry](cfg.Size)
	if err != nil {
		return nil, err
	}
	c := &EmbeddingCache{
		embedder: embedder,
		memory:   memory,
		store:    store,
		cfg:      cfg,
		logger:   zap.NewNop(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func memKey(hash, provider string) string {
	return provider + "|" + hash
}

// Embed returns the embedding of text, which should already be normalized. Cached vectors are
// looked up under the embedder's primary provider; a vector produced by a fallback provider is
// stored under the fallback's name and so is not served for the primary.
func (c *EmbeddingCache) Embed(ctx context.Context, text string) ([]float32, error) {
	hash := HashText(text)
	provider := c.embedder.Name()
	key := memKey(hash, provider)
	now := c.now()

	if e, ok := c.memory.Get(key); ok {
		if now.Sub(e.createdAt) < c.cfg.TTL {
			c.hits.Add(1)
			c.touch(ctx, hash, provider, now)
			return utils.CloneVector(e.vec), nil
		}
		c.memory.Remove(key)
	}

	if c.store != nil {
		entry, err := c.store.GetQueryEmbedding(ctx, hash, provider)
		if err != nil {
			c.logger.Debug("query embedding cache read failed", zap.Error(err))
		} else if entry != nil && now.Sub(entry.CreatedAt) < c.cfg.TTL && len(entry.Vector) == c.embedder.Dimensions() {
			c.hits.Add(1)
			c.memory.Add(key, memEntry{vec: entry.Vector, createdAt: entry.CreatedAt})
			c.touch(ctx, hash, provider, now)
			return utils.CloneVector(entry.Vector), nil
		}
	}

	c.misses.Add(1)
	vec, source, err := EmbedWithSource(ctx, c.embedder, text)
	if err != nil {
		return nil, err
	}
	c.memory.Add(memKey(hash, source), memEntry{vec: utils.CloneVector(vec), createdAt: now})
	if c.store != nil {
		err := c.store.PutQueryEmbedding(ctx, &models.QueryEmbeddingCacheEntry{
			QueryHash:    hash,
			QueryText:    text,
			Vector:       vec,
			Provider:     source,
			CreatedAt:    now,
			LastAccessed: now,
			AccessCount:  1,
		})
		if err != nil {
			c.logger.Debug("query embedding cache write failed", zap.Error(err))
		}
	}
	return vec, nil
}

func (c *EmbeddingCache) touch(ctx context.Context, hash, provider string, at time.Time) {
	if c.store == nil {
		return
	}
	if err := c.store.TouchQueryEmbedding(ctx, hash, provider, at); err != nil {
		c.logger.Debug("query embedding cache touch failed", zap.Error(err))
	}
}

// Purge drops expired memory entries and purges the persistent tier by TTL and by low access
// count after the retention window. Returns the number of persistent rows removed.
func (c *EmbeddingCache) Purge(ctx context.Context) (int64, error) {
	now := c.now()
	for _, key := range c.memory.Keys() {
		if e, ok := c.memory.Peek(key); ok && now.Sub(e.createdAt) >= c.cfg.TTL {
			c.memory.Remove(key)
		}
	}
	if c.store == nil {
		return 0, nil
	}
	idleBefore := time.Time{}
	if c.cfg.Retention > 0 {
		idleBefore = now.Add(-c.cfg.Retention)
	}
	n, err := c.store.PurgeQueryEmbeddings(ctx, now.Add(-c.cfg.TTL), idleBefore, c.cfg.MinAccess)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.logger.Info("purged query embeddings", zap.Int64("removed", n))
	}
	return n, nil
}

// Embedder returns the wrapped embedder.
func (c *EmbeddingCache) Embedder() Embedder {
	return c.embedder
}

// Stats returns hit and miss counters.
func (c *EmbeddingCache) Stats() CacheStats {
	return CacheStats{
		Hits:       c.hits.Load(),
		Misses:     c.misses.Load(),
		MemorySize: c.memory.Len(),
	}
}
