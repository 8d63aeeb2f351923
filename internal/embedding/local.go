package embedding

import (
	"context"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/hyperjump/chatsearch/pkg/utils"
)

// LocalEmbedder is a deterministic feature-hashing embedder that needs no network or model.
// Words and their character trigrams are hashed into signed buckets and the result is
// L2-normalized, so texts sharing vocabulary score high cosine similarity.
type LocalEmbedder struct {
	dimensions int
}

// NewLocalEmbedder returns a local embedder of the given dimension (384 when <= 0).
func NewLocalEmbedder(dimensions int) *LocalEmbedder {
	if dimensions <= 0 {
		dimensions = 384
	}
	return &LocalEmbedder{dimensions: dimensions}
}

// Embed returns the feature-hashed embedding of text.
func (e *LocalEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, ErrEmptyText
	}
	terms := utils.Terms(trimmed)
	if len(terms) == 0 {
		terms = []string{trimmed}
	}

	vec := make([]float32, e.dimensions)
	for _, term := range terms {
		e.add(vec, "w:"+term, 1.0)
		padded := []rune("^" + term + "$")
		for i := 0; i+3 <= len(padded); i++ {
			e.add(vec, "t:"+string(padded[i:i+3]), 0.5)
		}
	}
	utils.NormalizeL2(vec)
	return vec, nil
}

func (e *LocalEmbedder) add(vec []float32, feature string, weight float32) {
	h := xxhash.Sum64String(feature)
	idx := int(h % uint64(e.dimensions))
	if h&(1<<63) != 0 {
		weight = -weight
	}
	vec[idx] += weight
}

// EmbedBatch calls Embed for each text.
func (e *LocalEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return embedEach(ctx, e, texts)
}

// Dimensions returns the embedding dimension.
func (e *LocalEmbedder) Dimensions() int {
	return e.dimensions
}

// Name returns ProviderLocal.
func (e *LocalEmbedder) Name() string {
	return ProviderLocal
}

// Close is a no-op for LocalEmbedder.
func (e *LocalEmbedder) Close() error {
	return nil
}
