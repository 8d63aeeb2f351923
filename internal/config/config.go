// Package config provides configuration loading and structs for the chatsearch engine.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvAPIKey overrides embedding.api_key when set.
const EnvAPIKey = "CHATSEARCH_API_KEY"

// Config holds all configuration for the application.
type Config struct {
	Debug     bool            `yaml:"debug"`
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Vector    VectorConfig    `yaml:"vector"`
	Search    SearchConfig    `yaml:"search"`
	Cache     CacheConfig     `yaml:"cache"`
	Watch     WatchConfig     `yaml:"watch"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StorageConfig holds paths for the database and the lexical index.
type StorageConfig struct {
	DatabasePath   string `yaml:"database_path"`
	BleveIndexPath string `yaml:"bleve_index_path"`
}

// EmbeddingConfig selects and tunes the embedding provider and the query embedding cache.
type EmbeddingConfig struct {
	// Provider is "remote" (with local fallback), "local", or "onnx".
	Provider   string        `yaml:"provider"`
	RemoteURL  string        `yaml:"remote_url"`
	APIKey     string        `yaml:"api_key"`
	Model      string        `yaml:"model"`
	Dimensions int           `yaml:"dimensions"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	ModelPath  string        `yaml:"model_path"`
	MaxTokens  int           `yaml:"max_tokens"`
	// Query embedding cache.
	CacheSize      int           `yaml:"cache_size"`
	CacheTTL       time.Duration `yaml:"cache_ttl"`
	CacheRetention time.Duration `yaml:"cache_retention"`
	CacheMinAccess int64         `yaml:"cache_min_access"`
}

// VectorConfig tunes the vector index and its LSH buckets.
type VectorConfig struct {
	BucketBits          int     `yaml:"bucket_bits"`
	BruteForceThreshold int     `yaml:"brute_force_threshold"`
	RebuildDirtyRatio   float64 `yaml:"rebuild_dirty_ratio"`
	Seed                uint64  `yaml:"seed"`
	ProbeNeighbors      bool    `yaml:"probe_neighbors"`
}

// SearchConfig holds query, fusion, and batch indexing settings.
type SearchConfig struct {
	DefaultLimit     int     `yaml:"default_limit"`
	MaxLimit         int     `yaml:"max_limit"`
	TopKCandidates   int     `yaml:"top_k_candidates"`
	MinSemanticScore float64 `yaml:"min_semantic_score"`
	// SemanticBoost multiplies semantic scores before fusion. Must be > 1.0.
	SemanticBoost float64 `yaml:"semantic_boost"`
	// FusionMode combines scores of IDs found by both sides: "average", "sum", or "max".
	FusionMode       string        `yaml:"fusion_mode"`
	BatchSize        int           `yaml:"batch_size"`
	EmbedConcurrency int           `yaml:"embed_concurrency"`
	ProviderTimeout  time.Duration `yaml:"provider_timeout"`
}

// CacheConfig holds result cache settings.
type CacheConfig struct {
	Enabled *bool `yaml:"enabled"`
	// Backend is the persistent tier: "sqlite", "redis", or "none".
	Backend          string        `yaml:"backend"`
	MaxBytes         int64         `yaml:"max_bytes"`
	TTL              time.Duration `yaml:"ttl"`
	PersistMinAccess int64         `yaml:"persist_min_access"`
	EvictFraction    float64       `yaml:"evict_fraction"`
	RedisAddr        string        `yaml:"redis_addr"`
}

// EnabledOrDefault returns whether the result cache is on; defaults to true when unset.
func (c *CacheConfig) EnabledOrDefault() bool {
	if c.Enabled != nil {
		return *c.Enabled
	}
	return true
}

// WatchConfig holds the archive inbox directories watched for JSONL exports.
type WatchConfig struct {
	Directories []string `yaml:"directories"`
	Extensions  []string `yaml:"extensions"`
}

// Load reads and parses the config file at path, expands paths, and applies defaults.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)
	if key := os.Getenv(EnvAPIKey); key != "" {
		cfg.Embedding.APIKey = key
	}

	configDir := filepath.Dir(path)
	cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)
	cfg.Storage.BleveIndexPath = expandPath(cfg.Storage.BleveIndexPath, configDir)
	if cfg.Embedding.ModelPath != "" {
		cfg.Embedding.ModelPath = expandPath(cfg.Embedding.ModelPath, configDir)
	}
	for i := range cfg.Watch.Directories {
		cfg.Watch.Directories[i] = expandPath(cfg.Watch.Directories[i], configDir)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the config to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate rejects settings the engine cannot honor.
func (c *Config) Validate() error {
	switch c.Embedding.Provider {
	case "remote", "local", "onnx":
	default:
		return fmt.Errorf("invalid embedding.provider %q (supported: remote, local, onnx)", c.Embedding.Provider)
	}
	if c.Vector.BucketBits < 1 || c.Vector.BucketBits > 64 {
		return fmt.Errorf("vector.bucket_bits must be in [1, 64], got %d", c.Vector.BucketBits)
	}
	if c.Search.SemanticBoost <= 1.0 {
		return fmt.Errorf("search.semantic_boost must be > 1.0, got %g", c.Search.SemanticBoost)
	}
	switch c.Search.FusionMode {
	case "average", "sum", "max":
	default:
		return fmt.Errorf("invalid search.fusion_mode %q (supported: average, sum, max)", c.Search.FusionMode)
	}
	switch c.Cache.Backend {
	case "sqlite", "redis", "none":
	default:
		return fmt.Errorf("invalid cache.backend %q (supported: sqlite, redis, none)", c.Cache.Backend)
	}
	if c.Cache.EvictFraction <= 0 || c.Cache.EvictFraction > 1 {
		return fmt.Errorf("cache.evict_fraction must be in (0, 1], got %g", c.Cache.EvictFraction)
	}
	return nil
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if path == ":memory:" || filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
