package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/chatsearch/internal/cache"
	"github.com/hyperjump/chatsearch/internal/config"
	"github.com/hyperjump/chatsearch/internal/embedding"
	"github.com/hyperjump/chatsearch/internal/indexer"
	"github.com/hyperjump/chatsearch/internal/keyword"
	"github.com/hyperjump/chatsearch/internal/search"
	"github.com/hyperjump/chatsearch/internal/storage"
	"github.com/hyperjump/chatsearch/internal/vector"
)

const maintenanceInterval = 5 * time.Minute

// Components holds initialized services.
type Components struct {
	Storage     *storage.SQLiteStorage
	Embedder    embedding.Embedder
	QueryCache  *embedding.EmbeddingCache
	ResultCache *cache.ResultCache
	Vectors     *vector.Index
	Lexical     *keyword.BleveIndex
	Engine      *search.Engine
	Indexer     *indexer.Indexer

	closeCache func() error
}

// Close releases every component that holds a file, connection, or model session.
func (c *Components) Close() error {
	var errs []error
	if c.closeCache != nil {
		errs = append(errs, c.closeCache())
	}
	if c.Lexical != nil {
		errs = append(errs, c.Lexical.Close())
	}
	if c.Embedder != nil {
		errs = append(errs, c.Embedder.Close())
	}
	if c.Storage != nil {
		errs = append(errs, c.Storage.Close())
	}
	return errors.Join(errs...)
}

func initializeComponents(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *Components, err error) {
	c := &Components{}
	defer func() {
		if err != nil {
			_ = c.Close()
		}
	}()

	c.Storage, err = storage.NewSQLiteStorage(cfg.Storage.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	c.Embedder, err = embedding.New(cfg.Embedding, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedder: %w", err)
	}
	c.QueryCache, err = embedding.NewEmbeddingCache(c.Embedder, c.Storage, embedding.NewCacheConfig(cfg.Embedding),
		embedding.WithCacheLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize embedding cache: %w", err)
	}

	c.Vectors = vector.New(c.Storage, vector.Options{
		Bits:                cfg.Vector.BucketBits,
		BruteForceThreshold: cfg.Vector.BruteForceThreshold,
		RebuildDirtyRatio:   cfg.Vector.RebuildDirtyRatio,
		Seed:                cfg.Vector.Seed,
		ProbeNeighbors:      cfg.Vector.ProbeNeighbors,
	}, vector.WithLogger(logger))
	if err := c.Vectors.Load(ctx); err != nil {
		return nil, fmt.Errorf("failed to load vector index: %w", err)
	}

	c.Lexical, err = keyword.NewBleveIndex(cfg.Storage.BleveIndexPath, keyword.SearchOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize keyword index: %w", err)
	}

	engineOpts := []search.Option{search.WithLogger(logger), search.WithQueryCache(c.QueryCache)}
	if cfg.Cache.EnabledOrDefault() {
		c.ResultCache, c.closeCache, err = cache.NewFromConfig(ctx, cfg.Cache, c.Storage, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize result cache: %w", err)
		}
		engineOpts = append(engineOpts, search.WithResultCache(c.ResultCache))
	}
	c.Engine = search.NewEngine(c.Storage, c.Embedder, c.Vectors, c.Lexical, cfg.Search, engineOpts...)
	c.Indexer = indexer.NewIndexer(c.Storage, c.Lexical, c.Engine,
		indexer.WithLogger(logger), indexer.WithExtensions(cfg.Watch.Extensions))

	if err := c.syncLexical(ctx, logger); err != nil {
		return nil, err
	}
	logger.Debug("components initialized",
		zap.String("provider", c.Embedder.Name()),
		zap.Int("dimensions", c.Embedder.Dimensions()),
		zap.Int("vectors", c.Vectors.Size()),
		zap.Bool("result_cache", c.ResultCache != nil))
	return c, nil
}

// syncLexical rebuilds the keyword index when it disagrees with the message store, e.g. after
// the index directory was deleted.
func (c *Components) syncLexical(ctx context.Context, logger *zap.Logger) error {
	want, err := c.Storage.CountMessages(ctx)
	if err != nil {
		return fmt.Errorf("failed to count messages: %w", err)
	}
	have, err := c.Lexical.Count()
	if err != nil {
		return fmt.Errorf("failed to count keyword index: %w", err)
	}
	if int64(have) == want {
		return nil
	}
	logger.Warn("keyword index out of sync, rebuilding", zap.Int64("messages", want), zap.Uint64("indexed", have))
	if _, err := c.Indexer.ReindexLexical(ctx); err != nil {
		return fmt.Errorf("failed to rebuild keyword index: %w", err)
	}
	return nil
}

// runMaintenance purges expired cache entries until ctx is done.
func (c *Components) runMaintenance(ctx context.Context, logger *zap.Logger) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if n, err := c.QueryCache.Purge(ctx); err != nil {
			logger.Warn("embedding cache purge failed", zap.Error(err))
		} else if n > 0 {
			logger.Debug("embedding cache purged", zap.Int64("rows", n))
		}
		if c.ResultCache == nil {
			continue
		}
		if n, err := c.ResultCache.PurgeExpired(ctx); err != nil {
			logger.Warn("result cache purge failed", zap.Error(err))
		} else if n > 0 {
			logger.Debug("result cache purged", zap.Int("entries", n))
		}
	}
}
