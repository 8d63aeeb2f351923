package search

import (
	"sort"

	"github.com/hyperjump/chatsearch/internal/models"
)

// Fusion modes for IDs found by both the semantic and the lexical side.
const (
	FusionAverage = "average"
	FusionSum     = "sum"
	FusionMax     = "max"
)

// Result sources.
const (
	SourceSemantic = "semantic"
	SourceLexical  = "lexical"
)

// FusionOptions configures Fuse.
type FusionOptions struct {
	// SemanticBoost multiplies semantic scores. Lexical scores are used as is.
	SemanticBoost float64
	// Mode is one of FusionAverage, FusionSum, FusionMax. Unknown modes average.
	Mode string
}

// FusedResult holds a message ID with its fused and per-side scores.
type FusedResult struct {
	ID            string
	Score         float64
	SemanticScore float64
	LexicalScore  float64
	Snippet       string
	Sources       []string
}

// Fuse merges semantic and lexical hits. A semantic hit scores SemanticScore*boost, a lexical
// hit scores LexicalScore, and an ID found by both combines the two by opts.Mode. Results are
// sorted by score descending, then by ID ascending.
func Fuse(semantic, lexical []*models.ScoredItem, opts FusionOptions) []*FusedResult {
	boost := opts.SemanticBoost
	if boost <= 0 {
		boost = 1
	}
	byID := make(map[string]*FusedResult, len(semantic)+len(lexical))
	for _, it := range semantic {
		byID[it.ID] = &FusedResult{
			ID:            it.ID,
			SemanticScore: it.Score,
			Snippet:       it.Snippet,
			Sources:       []string{SourceSemantic},
		}
	}
	for _, it := range lexical {
		r, ok := byID[it.ID]
		if !ok {
			r = &FusedResult{ID: it.ID}
			byID[it.ID] = r
		}
		r.LexicalScore = it.Score
		r.Sources = append(r.Sources, SourceLexical)
		// Lexical snippets carry highlighting; prefer them.
		if it.Snippet != "" {
			r.Snippet = it.Snippet
		}
	}

	out := make([]*FusedResult, 0, len(byID))
	for _, r := range byID {
		r.Score = combine(r, boost, opts.Mode)
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func combine(r *FusedResult, boost float64, mode string) float64 {
	sem := r.SemanticScore * boost
	if len(r.Sources) == 1 {
		if r.Sources[0] == SourceSemantic {
			return sem
		}
		return r.LexicalScore
	}
	switch mode {
	case FusionSum:
		return sem + r.LexicalScore
	case FusionMax:
		return max(sem, r.LexicalScore)
	default:
		return (sem + r.LexicalScore) / 2
	}
}
