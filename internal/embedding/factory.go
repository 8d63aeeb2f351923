package embedding

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/chatsearch/internal/config"
)

// New builds the embedder selected by cfg.Provider. "remote" and "onnx" are wrapped in a
// FallbackEmbedder over the local provider so a failing call still yields a vector.
func New(cfg config.EmbeddingConfig, logger *zap.Logger) (Embedder, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	local := NewLocalEmbedder(cfg.Dimensions)

	switch cfg.Provider {
	case ProviderLocal, "":
		return local, nil
	case ProviderRemote:
		retry := DefaultRetryConfig()
		if cfg.MaxRetries > 0 {
			retry.MaxRetries = cfg.MaxRetries
		}
		remote, err := NewRemoteEmbedder(RemoteConfig{
			URL:        cfg.RemoteURL,
			APIKey:     cfg.APIKey,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
			Timeout:    cfg.Timeout,
			Retry:      retry,
		}, logger)
		if err != nil {
			return nil, err
		}
		return NewFallbackEmbedder(remote, local, logger)
	case ProviderONNX:
		onnx, err := NewONNXEmbedder(cfg.ModelPath, cfg.Dimensions, cfg.MaxTokens)
		if err != nil {
			logger.Warn("onnx embedder unavailable, using local provider", zap.Error(err))
			return local, nil
		}
		return NewFallbackEmbedder(onnx, local, logger)
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s (supported: remote, local, onnx)", cfg.Provider)
	}
}

// NewCacheConfig maps the embedding config onto cache bounds.
func NewCacheConfig(cfg config.EmbeddingConfig) CacheConfig {
	return CacheConfig{
		Size:      cfg.CacheSize,
		TTL:       durationOr(cfg.CacheTTL, 7*24*time.Hour),
		Retention: cfg.CacheRetention,
		MinAccess: cfg.CacheMinAccess,
	}
}

func durationOr(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}
