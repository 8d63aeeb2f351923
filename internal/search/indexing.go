package search

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hyperjump/chatsearch/internal/cache"
	"github.com/hyperjump/chatsearch/internal/embedding"
	"github.com/hyperjump/chatsearch/internal/models"
	"github.com/hyperjump/chatsearch/internal/vector"
)

// IndexAll embeds every message whose content changed since it was last indexed, or whose
// vector came from a provider other than the configured one (a fallback answer while the
// primary was down). Messages are processed in chunks of the configured batch size; embedding
// calls within a chunk run concurrently, each under the provider timeout, and chunks run one
// after another. A started chunk runs to completion: cancellation is checked between chunks
// and reported in the result. Per-message failures are counted and never abort the run.
func (e *Engine) IndexAll(ctx context.Context) (*models.IndexReport, error) {
	start := e.now()
	report := &models.IndexReport{}
	defer func() { report.Duration = e.now().Sub(start).Milliseconds() }()

	after := ""
	for {
		if ctx.Err() != nil {
			report.Canceled = true
			break
		}
		page, err := e.store.ListIndexCandidates(ctx, after, e.cfg.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				report.Canceled = true
				break
			}
			return report, fmt.Errorf("failed to list messages: %w", err)
		}
		if len(page) == 0 {
			break
		}
		after = page[len(page)-1].Message.ID

		var stale []*models.Message
		for _, c := range page {
			if c.Message.Content == "" || e.current(c.Message.Content, c.IndexedHash, c.IndexedProvider) {
				report.Skipped++
				continue
			}
			stale = append(stale, c.Message)
		}
		ok, failed := e.indexChunk(context.WithoutCancel(ctx), stale)
		report.Processed += ok
		report.Failed += failed
	}

	if report.Processed > 0 && e.resultCache != nil {
		if _, err := e.resultCache.InvalidateWhere(ctx, func(*models.ResultCacheEntry) bool { return true }); err != nil {
			e.logger.Warn("failed to invalidate result cache", zap.Error(err))
		}
	}
	e.logger.Info("index run finished",
		zap.Int("processed", report.Processed),
		zap.Int("failed", report.Failed),
		zap.Int("skipped", report.Skipped),
		zap.Bool("canceled", report.Canceled))
	return report, nil
}

// current reports whether a vector indexed from content with hash and provider is up to date.
func (e *Engine) current(content, hash, provider string) bool {
	return embedding.HashText(content) == hash && provider == e.embedder.Name()
}

// indexChunk embeds msgs concurrently and writes the successful vectors in one batch. If the
// batch is rejected, items are retried one by one so a single bad vector fails alone.
func (e *Engine) indexChunk(ctx context.Context, msgs []*models.Message) (ok, failed int) {
	if len(msgs) == 0 {
		return 0, 0
	}
	vecs := make([][]float32, len(msgs))
	providers := make([]string, len(msgs))
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(e.cfg.EmbedConcurrency)
	for i, m := range msgs {
		g.Go(func() error {
			vec, provider, err := e.embedDocument(ctx, m.Content)
			if err != nil {
				e.logger.Debug("failed to embed message", zap.String("id", m.ID), zap.Error(err))
				mu.Lock()
				failed++
				mu.Unlock()
				return nil
			}
			vecs[i], providers[i] = vec, provider
			return nil
		})
	}
	_ = g.Wait()

	items := make([]vector.Item, 0, len(msgs))
	for i, m := range msgs {
		if vecs[i] != nil {
			items = append(items, vector.Item{
				ID: m.ID, Vector: vecs[i], SourceHash: embedding.HashText(m.Content), Provider: providers[i],
			})
		}
	}
	if len(items) == 0 {
		return 0, failed
	}
	err := e.index.BatchUpsert(ctx, items)
	if err == nil {
		return len(items), failed
	}
	e.logger.Debug("batch upsert rejected, retrying per item", zap.Error(err))
	for _, it := range items {
		if err := e.index.Upsert(ctx, it.ID, it.Vector, vector.Metadata{SourceHash: it.SourceHash, Provider: it.Provider}); err != nil {
			e.logger.Warn("failed to index message", zap.String("id", it.ID), zap.Error(err))
			failed++
			continue
		}
		ok++
	}
	return ok, failed
}

// embedDocument embeds text under the provider timeout and names the provider that answered.
func (e *Engine) embedDocument(ctx context.Context, text string) ([]float32, string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ProviderTimeout)
	defer cancel()
	return embedding.EmbedWithSource(ctx, e.embedder, text)
}

// IndexMessage embeds msg and writes it to the vector index, then invalidates cached
// responses that the message could change. The embedding is reused when the content is
// already indexed by the configured provider. If an edited message cannot be embedded, its
// old vector is dropped so semantic search stops matching the old content; IndexAll embeds
// it later.
func (e *Engine) IndexMessage(ctx context.Context, msg *models.Message) error {
	defer e.invalidate(ctx, TagAll, ChatTag(msg.ChatID), MessageTag(msg.ID))
	hash := embedding.HashText(msg.Content)
	rec, err := e.index.Get(ctx, msg.ID)
	if err == nil && e.current(msg.Content, rec.SourceHash, rec.Provider) {
		return nil
	}
	edited := err == nil && rec.SourceHash != hash

	vec, provider, err := e.embedDocument(ctx, msg.Content)
	if err != nil {
		if edited {
			if derr := e.index.Delete(ctx, msg.ID); derr != nil {
				e.logger.Warn("failed to drop outdated vector", zap.String("id", msg.ID), zap.Error(derr))
			}
		}
		return fmt.Errorf("failed to embed message %s: %w", msg.ID, err)
	}
	if err := e.index.Upsert(ctx, msg.ID, vec, vector.Metadata{SourceHash: hash, Provider: provider}); err != nil {
		return fmt.Errorf("failed to index message %s: %w", msg.ID, err)
	}
	return nil
}

// RemoveMessage deletes id from the vector index and drops cached responses that include it.
func (e *Engine) RemoveMessage(ctx context.Context, id string) error {
	if err := e.index.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to remove message %s: %w", id, err)
	}
	e.invalidate(ctx, MessageTag(id))
	return nil
}

// InvalidateChat drops cached responses that may depend on chat id.
func (e *Engine) InvalidateChat(ctx context.Context, chatID string) {
	e.invalidate(ctx, TagAll, ChatTag(chatID))
}

func (e *Engine) invalidate(ctx context.Context, tags ...string) {
	if e.resultCache == nil {
		return
	}
	if _, err := e.resultCache.InvalidateTags(ctx, tags...); err != nil {
		e.logger.Warn("failed to invalidate result cache", zap.Strings("tags", tags), zap.Error(err))
	}
}

// RebuildBuckets recomputes every bucket assignment of the vector index.
func (e *Engine) RebuildBuckets(ctx context.Context) error {
	return e.index.RebuildBuckets(ctx)
}

// Status describes the engine's components.
type Status struct {
	Messages       int64                    `json:"messages"`
	Index          vector.Stats             `json:"index"`
	Provider       string                   `json:"provider"`
	Dimensions     int                      `json:"dimensions"`
	Fallback       *embedding.FallbackStats `json:"fallback,omitempty"`
	EmbeddingCache *embedding.CacheStats    `json:"embedding_cache,omitempty"`
	ResultCache    *cache.Stats             `json:"result_cache,omitempty"`
}

// Status reports message count, index statistics, and cache counters.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	n, err := e.store.CountMessages(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to count messages: %w", err)
	}
	stats, err := e.index.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read index stats: %w", err)
	}
	st := &Status{
		Messages:   n,
		Index:      stats,
		Provider:   e.embedder.Name(),
		Dimensions: e.embedder.Dimensions(),
	}
	if fb, ok := e.embedder.(*embedding.FallbackEmbedder); ok {
		s := fb.Stats()
		st.Fallback = &s
	}
	if e.queryCache != nil {
		s := e.queryCache.Stats()
		st.EmbeddingCache = &s
	}
	if e.resultCache != nil {
		s := e.resultCache.Stats()
		st.ResultCache = &s
	}
	return st, nil
}
