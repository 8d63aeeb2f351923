// Package cache provides the result cache: encoded result sets keyed by normalized query,
// bounded by a byte budget and a per-entry TTL, with an optional persistent tier.
package cache

import (
	"bytes"
	"context"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/chatsearch/internal/models"
)

// PersistentTier stores entries that proved popular. LoadResult returns (nil, nil) on miss.
type PersistentTier interface {
	LoadResult(ctx context.Context, key string) (*models.ResultCacheEntry, error)
	StoreResult(ctx context.Context, e *models.ResultCacheEntry) error
	DeleteResults(ctx context.Context, keys ...string) error
	ListResults(ctx context.Context) ([]*models.ResultCacheEntry, error)
}

// Config bounds the cache.
type Config struct {
	// MaxBytes is the memory budget. Entries larger than it are never cached.
	MaxBytes int64
	// TTL is the default entry lifetime.
	TTL time.Duration
	// PersistMinAccess is the access count at which an entry is written to the persistent tier.
	PersistMinAccess int64
	// EvictFraction is the share of lowest-scoring entries removed per eviction pass.
	EvictFraction float64
}

// DefaultConfig returns the default cache bounds.
func DefaultConfig() Config {
	return Config{MaxBytes: 32 << 20, TTL: 10 * time.Minute, PersistMinAccess: 2, EvictFraction: 0.2}
}

// SetOptions describes an entry being cached.
type SetOptions struct {
	TTL         time.Duration
	Tags        []string
	Mode        string
	ResultCount int
	LatencyMS   int64
	// Epoch, when non-zero, is the value of ResultCache.Epoch taken before the result was
	// computed. The entry is dropped if an invalidation ran since.
	Epoch uint64
}

// Stats reports cache counters.
type Stats struct {
	Hits           int64 `json:"hits"`
	Misses         int64 `json:"misses"`
	PersistentHits int64 `json:"persistent_hits"`
	Evictions      int64 `json:"evictions"`
	Entries        int   `json:"entries"`
	Bytes          int64 `json:"bytes"`
	MaxBytes       int64 `json:"max_bytes"`
}

// Option configures a ResultCache.
type Option func(*ResultCache)

// WithLogger sets the cache logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *ResultCache) { c.logger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *ResultCache) { c.now = now }
}

// ResultCache is safe for concurrent use. Its lock is independent of any other component.
type ResultCache struct {
	cfg    Config
	tier   PersistentTier
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*models.ResultCacheEntry
	bytes   int64
	stats   Stats
	// epoch advances, under mu, on every invalidation. Writes prepared under an older epoch
	// are discarded.
	epoch atomic.Uint64
}

// New creates a result cache. tier may be nil for a memory-only cache.
func New(cfg Config, tier PersistentTier, opts ...Option) *ResultCache {
	def := DefaultConfig()
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = def.MaxBytes
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.PersistMinAccess <= 0 {
		cfg.PersistMinAccess = def.PersistMinAccess
	}
	if cfg.EvictFraction <= 0 || cfg.EvictFraction > 1 {
		cfg.EvictFraction = def.EvictFraction
	}
	c := &ResultCache{
		cfg:     cfg,
		tier:    tier,
		logger:  zap.NewNop(),
		now:     time.Now,
		entries: make(map[string]*models.ResultCacheEntry),
	}
	c.epoch.Store(1)
	for _, o := range opts {
		o(c)
	}
	return c
}

// Epoch returns the current invalidation epoch. Pass it in SetOptions to cache a result only
// if nothing was invalidated while it was being computed.
func (c *ResultCache) Epoch() uint64 {
	return c.epoch.Load()
}

// Get returns the cached value for key. Expiry is checked on every read; an expired entry is
// removed from both tiers and reported as a miss. A memory miss consults the persistent tier
// and promotes a valid entry.
func (c *ResultCache) Get(ctx context.Context, key string) ([]byte, bool) {
	now := c.now()

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		if e.Expired(now) {
			c.removeLocked(key)
			c.stats.Misses++
			c.mu.Unlock()
			c.deleteFromTier(ctx, key)
			return nil, false
		}
		persist := c.accessLocked(e, now)
		value := bytes.Clone(e.Value)
		epoch := c.epoch.Load()
		c.stats.Hits++
		c.mu.Unlock()
		if persist != nil {
			c.storeInTier(ctx, persist, epoch)
		}
		return value, true
	}
	c.mu.Unlock()

	if c.tier == nil {
		c.miss()
		return nil, false
	}
	epoch := c.epoch.Load()
	e, err := c.tier.LoadResult(ctx, key)
	if err != nil {
		c.logger.Debug("persistent result cache read failed", zap.String("key", key), zap.Error(err))
		c.miss()
		return nil, false
	}
	if e == nil {
		c.miss()
		return nil, false
	}
	if e.Expired(now) {
		c.deleteFromTier(ctx, key)
		c.miss()
		return nil, false
	}

	c.mu.Lock()
	if c.epoch.Load() != epoch {
		// Invalidated while reading the tier; the loaded copy may be one it just deleted.
		c.stats.Misses++
		c.mu.Unlock()
		return nil, false
	}
	e.AccessCount++
	e.LastAccessed = now
	c.insertLocked(e)
	c.stats.Hits++
	c.stats.PersistentHits++
	value := bytes.Clone(e.Value)
	c.mu.Unlock()
	return value, true
}

func (c *ResultCache) miss() {
	c.mu.Lock()
	c.stats.Misses++
	c.mu.Unlock()
}

// accessLocked records one access and returns a copy to persist when the entry just reached
// the persistence threshold.
func (c *ResultCache) accessLocked(e *models.ResultCacheEntry, now time.Time) *models.ResultCacheEntry {
	e.AccessCount++
	e.LastAccessed = now
	if c.tier == nil || e.AccessCount != c.cfg.PersistMinAccess {
		return nil
	}
	cp := *e
	cp.Tags = append([]string(nil), e.Tags...)
	return &cp
}

// Set caches value under key. An entry larger than the whole budget is not cached. After the
// insert, lowest-scoring entries are evicted until the cache is within budget.
func (c *ResultCache) Set(ctx context.Context, key string, value []byte, opts SetOptions) {
	now := c.now()
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = c.cfg.TTL
	}
	e := &models.ResultCacheEntry{
		Key:          key,
		Value:        bytes.Clone(value),
		Mode:         opts.Mode,
		ResultCount:  opts.ResultCount,
		LatencyMS:    opts.LatencyMS,
		Tags:         append([]string(nil), opts.Tags...),
		TTL:          ttl,
		CreatedAt:    now,
		LastAccessed: now,
		AccessCount:  1,
	}
	if e.Size() > c.cfg.MaxBytes {
		c.logger.Debug("result too large to cache", zap.String("key", key), zap.Int64("size", e.Size()))
		return
	}

	c.mu.Lock()
	epoch := c.epoch.Load()
	if opts.Epoch != 0 && opts.Epoch != epoch {
		c.mu.Unlock()
		c.logger.Debug("result computed before an invalidation, not caching", zap.String("key", key))
		return
	}
	c.insertLocked(e)
	var persist *models.ResultCacheEntry
	if c.tier != nil && e.AccessCount >= c.cfg.PersistMinAccess {
		cp := *e
		persist = &cp
	}
	c.mu.Unlock()

	if persist != nil {
		c.storeInTier(ctx, persist, epoch)
	}
}

func (c *ResultCache) insertLocked(e *models.ResultCacheEntry) {
	c.removeLocked(e.Key)
	c.entries[e.Key] = e
	c.bytes += e.Size()
	c.evictLocked()
}

func (c *ResultCache) removeLocked(key string) bool {
	old, ok := c.entries[key]
	if !ok {
		return false
	}
	delete(c.entries, key)
	c.bytes -= old.Size()
	return true
}

// score ranks entries for eviction: access count per second since last access, with a 1ms floor.
func score(e *models.ResultCacheEntry, now time.Time) float64 {
	idle := math.Max(now.Sub(e.LastAccessed).Seconds(), 0.001)
	return float64(e.AccessCount) / idle
}

// evictLocked removes the lowest-scoring EvictFraction of entries (at least one) per pass
// until the cache fits its budget.
func (c *ResultCache) evictLocked() {
	if c.bytes <= c.cfg.MaxBytes {
		return
	}
	now := c.now()
	for c.bytes > c.cfg.MaxBytes && len(c.entries) > 0 {
		ranked := make([]*models.ResultCacheEntry, 0, len(c.entries))
		for _, e := range c.entries {
			ranked = append(ranked, e)
		}
		sort.Slice(ranked, func(i, j int) bool {
			si, sj := score(ranked[i], now), score(ranked[j], now)
			if si != sj {
				return si < sj
			}
			return ranked[i].Key < ranked[j].Key
		})
		n := max(1, int(float64(len(ranked))*c.cfg.EvictFraction))
		for _, e := range ranked[:n] {
			c.removeLocked(e.Key)
			c.stats.Evictions++
		}
	}
}

// Invalidate removes key from both tiers.
func (c *ResultCache) Invalidate(ctx context.Context, key string) {
	c.mu.Lock()
	c.removeLocked(key)
	c.epoch.Add(1)
	c.mu.Unlock()
	c.deleteFromTier(ctx, key)
}

// InvalidateTags removes every entry carrying any of tags from both tiers and returns the
// number of memory entries removed.
func (c *ResultCache) InvalidateTags(ctx context.Context, tags ...string) (int, error) {
	if len(tags) == 0 {
		return 0, nil
	}
	return c.InvalidateWhere(ctx, func(e *models.ResultCacheEntry) bool {
		for _, t := range tags {
			if e.HasTag(t) {
				return true
			}
		}
		return false
	})
}

// InvalidateWhere removes every entry matching pred from both tiers and returns the number of
// memory entries removed.
func (c *ResultCache) InvalidateWhere(ctx context.Context, pred func(*models.ResultCacheEntry) bool) (int, error) {
	c.mu.Lock()
	removed := 0
	for key, e := range c.entries {
		if pred(e) {
			c.removeLocked(key)
			removed++
		}
	}
	c.epoch.Add(1)
	c.mu.Unlock()

	if c.tier == nil {
		return removed, nil
	}
	persisted, err := c.tier.ListResults(ctx)
	if err != nil {
		return removed, err
	}
	var keys []string
	for _, e := range persisted {
		if pred(e) {
			keys = append(keys, e.Key)
		}
	}
	if len(keys) == 0 {
		return removed, nil
	}
	return removed, c.tier.DeleteResults(ctx, keys...)
}

// PurgeExpired removes expired entries from both tiers and returns how many were removed.
func (c *ResultCache) PurgeExpired(ctx context.Context) (int, error) {
	now := c.now()
	c.mu.Lock()
	removed := 0
	for key, e := range c.entries {
		if e.Expired(now) {
			c.removeLocked(key)
			removed++
		}
	}
	c.mu.Unlock()

	if c.tier == nil {
		return removed, nil
	}
	persisted, err := c.tier.ListResults(ctx)
	if err != nil {
		return removed, err
	}
	var keys []string
	for _, e := range persisted {
		if e.Expired(now) {
			keys = append(keys, e.Key)
		}
	}
	if len(keys) == 0 {
		return removed, nil
	}
	return removed + len(keys), c.tier.DeleteResults(ctx, keys...)
}

// Stats returns a snapshot of the cache counters.
func (c *ResultCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.stats
	st.Entries = len(c.entries)
	st.Bytes = c.bytes
	st.MaxBytes = c.cfg.MaxBytes
	return st
}

// storeInTier writes e to the persistent tier unless an invalidation ran after epoch. An
// invalidation that lands during the write may have listed the tier before e arrived, so the
// epoch is checked again afterwards and the write is undone if it moved.
func (c *ResultCache) storeInTier(ctx context.Context, e *models.ResultCacheEntry, epoch uint64) {
	if c.epoch.Load() != epoch {
		return
	}
	if err := c.tier.StoreResult(ctx, e); err != nil {
		c.logger.Warn("failed to persist cached result", zap.String("key", e.Key), zap.Error(err))
		return
	}
	if c.epoch.Load() != epoch {
		c.deleteFromTier(ctx, e.Key)
	}
}

func (c *ResultCache) deleteFromTier(ctx context.Context, key string) {
	if c.tier == nil {
		return
	}
	if err := c.tier.DeleteResults(ctx, key); err != nil {
		c.logger.Warn("failed to delete cached result", zap.String("key", key), zap.Error(err))
	}
}
