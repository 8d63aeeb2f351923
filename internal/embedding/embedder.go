// Package embedding turns text into fixed-length vectors through pluggable providers and
// memoizes query embeddings.
package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

var (
	// ErrProviderFailed is returned when a provider cannot produce an embedding.
	ErrProviderFailed = errors.New("embedding provider failed")
	// ErrEmptyText is returned for blank input.
	ErrEmptyText = errors.New("text cannot be empty")
	// ErrDimensionMismatch is returned when a provider yields vectors of an unexpected length.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
)

// Provider names.
const (
	ProviderRemote = "remote"
	ProviderLocal  = "local"
	ProviderONNX   = "onnx"
)

// Embedder produces vector embeddings for text. Every vector from one embedder has
// Dimensions() elements.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	// Name identifies the provider that produced a vector; cached vectors are keyed by it.
	Name() string
	Close() error
}

// sourceReporter is implemented by composite embedders whose vectors may come from
// different providers on different calls.
type sourceReporter interface {
	EmbedWithSource(ctx context.Context, text string) ([]float32, string, error)
}

// EmbedWithSource embeds text and reports which provider produced the vector.
func EmbedWithSource(ctx context.Context, e Embedder, text string) ([]float32, string, error) {
	if sr, ok := e.(sourceReporter); ok {
		return sr.EmbedWithSource(ctx, text)
	}
	vec, err := e.Embed(ctx, text)
	return vec, e.Name(), err
}

// HashText returns the hex SHA-256 of text. It keys caches and detects changed content.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func embedEach(ctx context.Context, e Embedder, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out[i] = vec
	}
	return out, nil
}
