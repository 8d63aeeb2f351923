package models

// ScoredItem is a ranked hit from either the semantic or the lexical side.
type ScoredItem struct {
	ID      string  `json:"id"`
	Score   float64 `json:"score"`
	Snippet string  `json:"snippet,omitempty"`
}

// SearchResult represents a single search hit with its message and scores.
type SearchResult struct {
	Message       *Message `json:"message"`
	Score         float64  `json:"score"`
	SemanticScore float64  `json:"semantic_score"`
	LexicalScore  float64  `json:"lexical_score"`
	Snippet       string   `json:"snippet,omitempty"`
	Rank          int      `json:"rank"`
	Sources       []string `json:"sources,omitempty"`
}

// SearchResponse is the response for a search request.
type SearchResponse struct {
	Query     string          `json:"query"`
	Mode      string          `json:"mode"`
	Results   []*SearchResult `json:"results"`
	Total     int             `json:"total"`
	QueryTime int64           `json:"query_time_ms"`
	CacheHit  bool            `json:"cache_hit"`
	// Degraded is set when semantic search failed and only lexical results are returned.
	Degraded bool `json:"degraded,omitempty"`
}
