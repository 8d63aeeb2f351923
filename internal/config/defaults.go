package config

import "time"

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = "/usr/local/var/chatsearch/data/db/chatsearch.db"
	}
	if cfg.Storage.BleveIndexPath == "" {
		cfg.Storage.BleveIndexPath = "/usr/local/var/chatsearch/data/indices/bleve"
	}

	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = "local"
	}
	if cfg.Embedding.RemoteURL == "" {
		cfg.Embedding.RemoteURL = "https://api.openai.com/v1/embeddings"
	}
	if cfg.Embedding.Model == "" {
		cfg.Embedding.Model = "text-embedding-3-small"
	}
	if cfg.Embedding.Dimensions == 0 {
		cfg.Embedding.Dimensions = 384
	}
	if cfg.Embedding.Timeout == 0 {
		cfg.Embedding.Timeout = 30 * time.Second
	}
	if cfg.Embedding.MaxRetries == 0 {
		cfg.Embedding.MaxRetries = 3
	}
	if cfg.Embedding.MaxTokens == 0 {
		cfg.Embedding.MaxTokens = 256
	}
	if cfg.Embedding.CacheSize == 0 {
		cfg.Embedding.CacheSize = 10000
	}
	if cfg.Embedding.CacheTTL == 0 {
		cfg.Embedding.CacheTTL = 7 * 24 * time.Hour
	}
	if cfg.Embedding.CacheRetention == 0 {
		cfg.Embedding.CacheRetention = 24 * time.Hour
	}
	if cfg.Embedding.CacheMinAccess == 0 {
		cfg.Embedding.CacheMinAccess = 2
	}

	if cfg.Vector.BucketBits == 0 {
		cfg.Vector.BucketBits = 8
	}
	if cfg.Vector.BruteForceThreshold == 0 {
		cfg.Vector.BruteForceThreshold = 1000
	}
	if cfg.Vector.RebuildDirtyRatio == 0 {
		cfg.Vector.RebuildDirtyRatio = 0.10
	}
	if cfg.Vector.Seed == 0 {
		cfg.Vector.Seed = 42
	}

	if cfg.Search.DefaultLimit == 0 {
		cfg.Search.DefaultLimit = 10
	}
	if cfg.Search.MaxLimit == 0 {
		cfg.Search.MaxLimit = 100
	}
	if cfg.Search.TopKCandidates == 0 {
		cfg.Search.TopKCandidates = 100
	}
	if cfg.Search.SemanticBoost == 0 {
		cfg.Search.SemanticBoost = 1.2
	}
	if cfg.Search.FusionMode == "" {
		cfg.Search.FusionMode = "average"
	}
	if cfg.Search.BatchSize == 0 {
		cfg.Search.BatchSize = 32
	}
	if cfg.Search.EmbedConcurrency == 0 {
		cfg.Search.EmbedConcurrency = 4
	}
	if cfg.Search.ProviderTimeout == 0 {
		cfg.Search.ProviderTimeout = 10 * time.Second
	}

	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = "sqlite"
	}
	if cfg.Cache.MaxBytes == 0 {
		cfg.Cache.MaxBytes = 32 << 20
	}
	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = 10 * time.Minute
	}
	if cfg.Cache.PersistMinAccess == 0 {
		cfg.Cache.PersistMinAccess = 2
	}
	if cfg.Cache.EvictFraction == 0 {
		cfg.Cache.EvictFraction = 0.2
	}
	if cfg.Cache.RedisAddr == "" {
		cfg.Cache.RedisAddr = "localhost:6379"
	}

	if cfg.Watch.Extensions == nil {
		cfg.Watch.Extensions = []string{".jsonl"}
	}
}
