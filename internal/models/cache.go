package models

import "time"

// ResultCacheEntry is a cached, encoded result set. It is valid only while now-CreatedAt < TTL.
type ResultCacheEntry struct {
	Key          string        `json:"key"`
	Value        []byte        `json:"value"`
	Mode         string        `json:"mode"`
	ResultCount  int           `json:"result_count"`
	LatencyMS    int64         `json:"latency_ms"`
	Tags         []string      `json:"tags,omitempty"`
	TTL          time.Duration `json:"ttl"`
	CreatedAt    time.Time     `json:"created_at"`
	LastAccessed time.Time     `json:"last_accessed"`
	AccessCount  int64         `json:"access_count"`
}

// Expired reports whether the entry is no longer valid at now.
func (e *ResultCacheEntry) Expired(now time.Time) bool {
	return now.Sub(e.CreatedAt) >= e.TTL
}

// Size approximates the memory footprint of the entry in bytes.
func (e *ResultCacheEntry) Size() int64 {
	n := int64(len(e.Key) + len(e.Value) + len(e.Mode) + 64)
	for _, t := range e.Tags {
		n += int64(len(t))
	}
	return n
}

// HasTag reports whether the entry carries tag.
func (e *ResultCacheEntry) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}
