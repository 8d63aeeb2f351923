package embedding

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// primaryShare is the part of the caller's remaining deadline given to the primary provider.
// The rest is left for the fallback.
const primaryShare = 0.75

// FallbackStats counts how calls were served.
type FallbackStats struct {
	Primary   int64 `json:"primary"`
	Fallbacks int64 `json:"fallbacks"`
	Failures  int64 `json:"failures"`
}

// FallbackEmbedder tries a primary provider and falls back to a secondary one on failure.
// The decision is made per call: a failed call never disables the primary for later calls.
type FallbackEmbedder struct {
	primary  Embedder
	fallback Embedder
	logger   *zap.Logger

	primaryOK atomic.Int64
	fallbacks atomic.Int64
	failures  atomic.Int64
}

// NewFallbackEmbedder composes primary and fallback. Both must produce the same dimension.
func NewFallbackEmbedder(primary, fallback Embedder, logger *zap.Logger) (*FallbackEmbedder, error) {
	if primary.Dimensions() != fallback.Dimensions() {
		return nil, fmt.Errorf("%w: primary %s has %d, fallback %s has %d", ErrDimensionMismatch,
			primary.Name(), primary.Dimensions(), fallback.Name(), fallback.Dimensions())
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FallbackEmbedder{primary: primary, fallback: fallback, logger: logger}, nil
}

// Embed returns the primary embedding, or the fallback embedding if the primary fails.
func (f *FallbackEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, _, err := f.EmbedWithSource(ctx, text)
	return vec, err
}

// primaryContext bounds the primary call to a share of ctx's remaining time, so a primary
// that hangs until its deadline still leaves the fallback time to answer.
func primaryContext(ctx context.Context) (context.Context, context.CancelFunc) {
	deadline, ok := ctx.Deadline()
	if !ok {
		return context.WithCancel(ctx)
	}
	share := time.Duration(float64(time.Until(deadline)) * primaryShare)
	return context.WithTimeout(ctx, max(share, 0))
}

// EmbedWithSource is Embed that also names the provider that produced the vector. The
// fallback runs on ctx, so it is skipped only when the caller's own context is done.
func (f *FallbackEmbedder) EmbedWithSource(ctx context.Context, text string) ([]float32, string, error) {
	pctx, cancel := primaryContext(ctx)
	vec, err := f.primary.Embed(pctx, text)
	cancel()
	if err == nil {
		f.primaryOK.Add(1)
		return vec, f.primary.Name(), nil
	}
	if ctx.Err() != nil || errors.Is(err, ErrEmptyText) {
		return nil, "", err
	}
	f.logger.Warn("primary embedding provider failed, using fallback",
		zap.String("primary", f.primary.Name()),
		zap.String("fallback", f.fallback.Name()),
		zap.Error(err))

	vec, ferr := f.fallback.Embed(ctx, text)
	if ferr != nil {
		f.failures.Add(1)
		return nil, "", fmt.Errorf("%w: primary: %v; fallback: %v", ErrProviderFailed, err, ferr)
	}
	f.fallbacks.Add(1)
	return vec, f.fallback.Name(), nil
}

// EmbedBatch embeds the whole batch with the primary, or with the fallback if that fails.
func (f *FallbackEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	pctx, cancel := primaryContext(ctx)
	vecs, err := f.primary.EmbedBatch(pctx, texts)
	cancel()
	if err == nil {
		f.primaryOK.Add(1)
		return vecs, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}
	f.logger.Warn("primary embedding provider failed for batch, using fallback",
		zap.Int("texts", len(texts)),
		zap.Error(err))
	vecs, ferr := f.fallback.EmbedBatch(ctx, texts)
	if ferr != nil {
		f.failures.Add(1)
		return nil, fmt.Errorf("%w: primary: %v; fallback: %v", ErrProviderFailed, err, ferr)
	}
	f.fallbacks.Add(1)
	return vecs, nil
}

// Dimensions returns the shared dimension.
func (f *FallbackEmbedder) Dimensions() int {
	return f.primary.Dimensions()
}

// Name returns the primary provider name.
func (f *FallbackEmbedder) Name() string {
	return f.primary.Name()
}

// Stats returns call counters.
func (f *FallbackEmbedder) Stats() FallbackStats {
	return FallbackStats{
		Primary:   f.primaryOK.Load(),
		Fallbacks: f.fallbacks.Load(),
		Failures:  f.failures.Load(),
	}
}

// Close closes both providers.
func (f *FallbackEmbedder) Close() error {
	return errors.Join(f.primary.Close(), f.fallback.Close())
}
