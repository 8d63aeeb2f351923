package models

import "time"

// SearchStat is one append-only statistics record written per query.
type SearchStat struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	QueryHash   string    `json:"query_hash"`
	Mode        string    `json:"mode"`
	ResultCount int       `json:"result_count"`
	LatencyMS   int64     `json:"latency_ms"`
	CacheHit    bool      `json:"cache_hit"`
	Degraded    bool      `json:"degraded"`
}

// IndexReport summarizes a batch indexing run. Failed items never abort the run.
type IndexReport struct {
	Processed int   `json:"processed"`
	Failed    int   `json:"failed"`
	Skipped   int   `json:"skipped"`
	Canceled  bool  `json:"canceled,omitempty"`
	Duration  int64 `json:"duration_ms"`
}
