package cache

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/chatsearch/internal/models"
	"github.com/hyperjump/chatsearch/internal/storage"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func newSQLiteTier(t *testing.T) *storage.SQLiteStorage {
	t.Helper()
	s, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestResultCache_TTL(t *testing.T) {
	clock := newClock()
	c := New(Config{TTL: time.Minute}, nil, WithClock(clock.now))
	ctx := context.Background()

	c.Set(ctx, "q", []byte("v"), SetOptions{TTL: 10 * time.Second})
	clock.advance(9 * time.Second)
	v, ok := c.Get(ctx, "q")
	require.True(t, ok)
	assert.Equal(t, []byte("v"), v)

	clock.advance(time.Second)
	_, ok = c.Get(ctx, "q")
	assert.False(t, ok, "miss at exactly ttl")
	assert.Equal(t, 0, c.Stats().Entries)
}

func TestResultCache_ValueIsCopied(t *testing.T) {
	c := New(DefaultConfig(), nil)
	ctx := context.Background()
	buf := []byte("abc")
	c.Set(ctx, "k", buf, SetOptions{})
	buf[0] = 'X'
	v, ok := c.Get(ctx, "k")
	require.True(t, ok)
	v[1] = 'Y'
	v2, _ := c.Get(ctx, "k")
	assert.Equal(t, "abc", string(v2))
}

func TestResultCache_EvictionBound(t *testing.T) {
	clock := newClock()
	const budget = 2000
	c := New(Config{MaxBytes: budget}, nil, WithClock(clock.now))
	ctx := context.Background()

	var maxEntry int64
	for i := 0; i < 200; i++ {
		value := []byte(strings.Repeat("x", 10+i%90))
		e := models.ResultCacheEntry{Key: fmt.Sprintf("k%03d", i), Value: value}
		maxEntry = max(maxEntry, e.Size())
		c.Set(ctx, e.Key, value, SetOptions{})
		clock.advance(time.Millisecond)
		assert.LessOrEqual(t, c.Stats().Bytes, int64(budget)+maxEntry)
	}
	assert.Greater(t, c.Stats().Evictions, int64(0))
}

func TestResultCache_EvictsLowestScoreFirst(t *testing.T) {
	clock := newClock()
	one := (&models.ResultCacheEntry{Key: "hot", Value: make([]byte, 100)}).Size()
	c := New(Config{MaxBytes: 3 * one, EvictFraction: 0.2}, nil, WithClock(clock.now))
	ctx := context.Background()

	c.Set(ctx, "hot", make([]byte, 100), SetOptions{})
	c.Set(ctx, "old", make([]byte, 100), SetOptions{})
	clock.advance(time.Second)
	for i := 0; i < 5; i++ {
		_, ok := c.Get(ctx, "hot")
		require.True(t, ok)
	}
	clock.advance(time.Minute)
	c.Set(ctx, "new", make([]byte, 100), SetOptions{})
	c.Set(ctx, "nwr", make([]byte, 100), SetOptions{})

	_, ok := c.Get(ctx, "old")
	assert.False(t, ok, "least used entry is evicted")
	_, ok = c.Get(ctx, "hot")
	assert.True(t, ok)
}

func TestResultCache_OversizedEntryNotCached(t *testing.T) {
	c := New(Config{MaxBytes: 100}, nil)
	ctx := context.Background()
	c.Set(ctx, "small", []byte("s"), SetOptions{})
	c.Set(ctx, "big", make([]byte, 500), SetOptions{})
	_, ok := c.Get(ctx, "big")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "small")
	assert.True(t, ok, "an oversized insert does not flush the cache")
}

func TestResultCache_PersistsAfterMinAccessAndPromotes(t *testing.T) {
	clock := newClock()
	tier := newSQLiteTier(t)
	ctx := context.Background()
	c := New(Config{TTL: time.Hour, PersistMinAccess: 2}, tier, WithClock(clock.now))

	c.Set(ctx, "once", []byte("1"), SetOptions{})
	c.Set(ctx, "twice", []byte("2"), SetOptions{Tags: []string{"chat:c1"}, Mode: models.ModeHybrid})
	_, ok := c.Get(ctx, "twice")
	require.True(t, ok)

	persisted, err := tier.ListResults(ctx)
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, "twice", persisted[0].Key)
	assert.Equal(t, []string{"chat:c1"}, persisted[0].Tags)

	restarted := New(Config{TTL: time.Hour, PersistMinAccess: 2}, tier, WithClock(clock.now))
	v, ok := restarted.Get(ctx, "twice")
	require.True(t, ok)
	assert.Equal(t, []byte("2"), v)
	assert.Equal(t, int64(1), restarted.Stats().PersistentHits)
	assert.Equal(t, 1, restarted.Stats().Entries, "promoted to memory")

	_, ok = restarted.Get(ctx, "once")
	assert.False(t, ok)

	clock.advance(time.Hour)
	fresh := New(Config{TTL: time.Hour}, tier, WithClock(clock.now))
	_, ok = fresh.Get(ctx, "twice")
	assert.False(t, ok, "expired persistent entries miss")
	persisted, err = tier.ListResults(ctx)
	require.NoError(t, err)
	assert.Empty(t, persisted, "and are purged lazily")
}

func TestResultCache_InvalidateTagsBothTiers(t *testing.T) {
	tier := newSQLiteTier(t)
	ctx := context.Background()
	c := New(Config{PersistMinAccess: 1}, tier)

	c.Set(ctx, "a", []byte("a"), SetOptions{Tags: []string{"scope:all", "chat:c1"}})
	c.Set(ctx, "b", []byte("b"), SetOptions{Tags: []string{"scope:all", "chat:c2"}})
	c.Set(ctx, "c", []byte("c"), SetOptions{Tags: []string{"msg:m9"}})

	n, err := c.InvalidateTags(ctx, "chat:c1", "msg:m9")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, ok := c.Get(ctx, "a")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "b")
	assert.True(t, ok)

	persisted, err := tier.ListResults(ctx)
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, "b", persisted[0].Key)

	c.Invalidate(ctx, "b")
	persisted, err = tier.ListResults(ctx)
	require.NoError(t, err)
	assert.Empty(t, persisted)

	c.Set(ctx, "d", []byte("d"), SetOptions{Mode: models.ModeLexical})
	n, err = c.InvalidateWhere(ctx, func(e *models.ResultCacheEntry) bool { return e.Mode == models.ModeLexical })
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestResultCache_PurgeExpired(t *testing.T) {
	clock := newClock()
	tier := newSQLiteTier(t)
	ctx := context.Background()
	c := New(Config{TTL: time.Minute, PersistMinAccess: 1}, tier, WithClock(clock.now))
	c.Set(ctx, "short", []byte("s"), SetOptions{TTL: time.Second})
	c.Set(ctx, "long", []byte("l"), SetOptions{})

	clock.advance(2 * time.Second)
	n, err := c.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n, "one memory entry and its persisted copy")
	assert.Equal(t, 1, c.Stats().Entries)
}

// interleavedTier runs hooks around persistent-tier calls to force an invalidation into the
// window between a cache decision and the tier write or read it leads to.
type interleavedTier struct {
	*storage.SQLiteStorage
	beforeStore func()
	afterLoad   func()
}

func (t *interleavedTier) StoreResult(ctx context.Context, e *models.ResultCacheEntry) error {
	if t.beforeStore != nil {
		hook := t.beforeStore
		t.beforeStore = nil
		hook()
	}
	return t.SQLiteStorage.StoreResult(ctx, e)
}

func (t *interleavedTier) LoadResult(ctx context.Context, key string) (*models.ResultCacheEntry, error) {
	e, err := t.SQLiteStorage.LoadResult(ctx, key)
	if t.afterLoad != nil {
		hook := t.afterLoad
		t.afterLoad = nil
		hook()
	}
	return e, err
}

func TestResultCache_TierWriteDoesNotResurrectInvalidatedEntry(t *testing.T) {
	tier := &interleavedTier{SQLiteStorage: newSQLiteTier(t)}
	ctx := context.Background()
	c := New(Config{TTL: time.Hour, PersistMinAccess: 2}, tier)

	c.Set(ctx, "k", []byte("stale"), SetOptions{Tags: []string{"chat:c1"}})
	tier.beforeStore = func() {
		_, err := c.InvalidateTags(ctx, "chat:c1")
		require.NoError(t, err)
	}
	_, ok := c.Get(ctx, "k")
	require.True(t, ok, "the read itself preceded the invalidation")

	v, ok := c.Get(ctx, "k")
	assert.False(t, ok, "got %q after invalidation", v)
	persisted, err := tier.ListResults(ctx)
	require.NoError(t, err)
	assert.Empty(t, persisted)
}

func TestResultCache_InvalidationDuringTierReadIsNotPromoted(t *testing.T) {
	tier := &interleavedTier{SQLiteStorage: newSQLiteTier(t)}
	ctx := context.Background()
	writer := New(Config{TTL: time.Hour, PersistMinAccess: 1}, tier)
	writer.Set(ctx, "k", []byte("stale"), SetOptions{Tags: []string{"chat:c1"}})

	c := New(Config{TTL: time.Hour}, tier)
	tier.afterLoad = func() {
		_, err := c.InvalidateTags(ctx, "chat:c1")
		require.NoError(t, err)
	}
	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Stats().Entries)
	_, ok = c.Get(ctx, "k")
	assert.False(t, ok)
}

func TestResultCache_SetFromOlderEpochIsDropped(t *testing.T) {
	c := New(DefaultConfig(), nil)
	ctx := context.Background()

	epoch := c.Epoch()
	c.Invalidate(ctx, "unrelated")
	c.Set(ctx, "k", []byte("computed before the write"), SetOptions{Epoch: epoch})
	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)

	c.Set(ctx, "k", []byte("fresh"), SetOptions{Epoch: c.Epoch()})
	v, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("fresh"), v)
}
