package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hyperjump/chatsearch/internal/models"
)

// DefaultRedisPrefix namespaces result cache keys in Redis.
const DefaultRedisPrefix = "chatsearch:results:"

// RedisTier is a PersistentTier backed by Redis. Entries are stored as JSON with a Redis
// expiry matching their remaining TTL.
type RedisTier struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisTier connects to addr and verifies the connection.
func NewRedisTier(ctx context.Context, addr string) (*RedisTier, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return NewRedisTierFromClient(client, DefaultRedisPrefix), nil
}

// NewRedisTierFromClient wraps an existing client.
func NewRedisTierFromClient(client redis.UniversalClient, prefix string) *RedisTier {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisTier{client: client, prefix: prefix, now: time.Now}
}

// LoadResult returns the entry for key, or (nil, nil) when absent.
func (r *RedisTier) LoadResult(ctx context.Context, key string) (*models.ResultCacheEntry, error) {
	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var e models.ResultCacheEntry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to decode cached result: %w", err)
	}
	return &e, nil
}

// StoreResult writes e with an expiry of its remaining TTL. Already expired entries are skipped.
func (r *RedisTier) StoreResult(ctx context.Context, e *models.ResultCacheEntry) error {
	remaining := e.TTL - r.now().Sub(e.CreatedAt)
	if remaining <= 0 {
		return nil
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode cached result: %w", err)
	}
	return r.client.Set(ctx, r.prefix+e.Key, data, remaining).Err()
}

// DeleteResults removes keys.
func (r *RedisTier) DeleteResults(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.prefix + k
	}
	return r.client.Del(ctx, full...).Err()
}

// ListResults scans every entry under the prefix.
func (r *RedisTier) ListResults(ctx context.Context) ([]*models.ResultCacheEntry, error) {
	var out []*models.ResultCacheEntry
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		data, err := r.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		var e models.ResultCacheEntry
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("failed to decode cached result: %w", err)
		}
		out = append(out, &e)
	}
	return out, iter.Err()
}

// Close closes the Redis client.
func (r *RedisTier) Close() error {
	return r.client.Close()
}
