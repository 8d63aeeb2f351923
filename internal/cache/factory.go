package cache

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/hyperjump/chatsearch/internal/config"
	"github.com/hyperjump/chatsearch/internal/storage"
)

// NewFromConfig builds the result cache with the persistent tier selected by cfg.Backend.
// The returned close func releases a Redis connection when one was opened.
func NewFromConfig(ctx context.Context, cfg config.CacheConfig, store *storage.SQLiteStorage, logger *zap.Logger) (*ResultCache, func() error, error) {
	noop := func() error { return nil }
	c := Config{
		MaxBytes:         cfg.MaxBytes,
		TTL:              cfg.TTL,
		PersistMinAccess: cfg.PersistMinAccess,
		EvictFraction:    cfg.EvictFraction,
	}
	switch cfg.Backend {
	case "sqlite", "":
		return New(c, store, WithLogger(logger)), noop, nil
	case "none":
		return New(c, nil, WithLogger(logger)), noop, nil
	case "redis":
		tier, err := NewRedisTier(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, nil, err
		}
		return New(c, tier, WithLogger(logger)), tier.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown cache backend: %s (supported: sqlite, redis, none)", cfg.Backend)
	}
}
