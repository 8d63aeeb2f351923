package models

import "time"

// EmbeddingRecord is a stored per-message embedding. Norm is always sqrt(sum(v_i^2)) of Vector.
type EmbeddingRecord struct {
	ID         string    `json:"id"`
	Vector     []float32 `json:"-"`
	Norm       float64   `json:"norm"`
	SourceHash string    `json:"source_hash"`
	// Provider names the embedder that produced Vector.
	Provider   string    `json:"provider,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// BucketAssignment maps an identifier to its LSH bucket for one projection generation.
type BucketAssignment struct {
	BucketID   string `json:"bucket_id"`
	ID         string `json:"id"`
	Signature  uint64 `json:"signature"`
	Generation int    `json:"generation"`
}

// QueryEmbeddingCacheEntry memoizes the embedding of a normalized query under one provider.
type QueryEmbeddingCacheEntry struct {
	QueryHash    string    `json:"query_hash"`
	QueryText    string    `json:"query_text"`
	Vector       []float32 `json:"-"`
	Provider     string    `json:"provider"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
	AccessCount  int64     `json:"access_count"`
}

// IndexMeta is the persisted identity of a vector index: its dimensionality and the
// random projection used for bucketing. Projection is row-major, Bits rows of Dimensions.
type IndexMeta struct {
	Dimensions int       `json:"dimensions"`
	Bits       int       `json:"bits"`
	Seed       uint64    `json:"seed"`
	Generation int       `json:"generation"`
	Projection []float32 `json:"-"`
}
