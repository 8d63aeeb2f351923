// Package storage persists messages, embeddings, bucket assignments, cache tiers, and search
// statistics in SQLite.
package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested row doesn't exist.
var ErrNotFound = errors.New("not found")

// maxQueryArgs bounds the number of bound parameters per IN (...) query.
const maxQueryArgs = 500

func toUnix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnix(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
