package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSearchQuery_Validate(t *testing.T) {
	tests := []struct {
		name      string
		query     *SearchQuery
		wantErr   bool
		wantLimit int
		wantMode  string
	}{
		{"empty query", &SearchQuery{Query: ""}, true, 0, ""},
		{"blank query", &SearchQuery{Query: "   "}, true, 0, ""},
		{"sets default limit", &SearchQuery{Query: "x"}, false, 10, ModeHybrid},
		{"caps limit", &SearchQuery{Query: "x", Limit: 500}, false, 100, ModeHybrid},
		{"keeps semantic mode", &SearchQuery{Query: "x", Mode: ModeSemantic, Limit: 3}, false, 3, ModeSemantic},
		{"unknown mode becomes hybrid", &SearchQuery{Query: "x", Mode: "fuzzy"}, false, 10, ModeHybrid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.query.Validate(10, 100)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrEmptyQuery)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantLimit, tt.query.Limit)
			assert.Equal(t, tt.wantMode, tt.query.Mode)
		})
	}
}

func TestSearchFilters_Matches(t *testing.T) {
	day := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	msg := &Message{ID: "m1", ChatID: "c1", Role: "user", Category: "billing", CreatedAt: day}

	from := day.Add(-time.Hour)
	to := day.Add(time.Hour)
	late := day.Add(time.Minute)

	var nilFilter *SearchFilters
	assert.True(t, nilFilter.Matches(msg))
	assert.True(t, nilFilter.IsEmpty())
	assert.True(t, (&SearchFilters{From: &from, To: &to}).Matches(msg))
	assert.True(t, (&SearchFilters{From: &day}).Matches(msg), "From is inclusive")
	assert.False(t, (&SearchFilters{To: &day}).Matches(msg), "To is exclusive")
	assert.False(t, (&SearchFilters{From: &late}).Matches(msg))
	assert.True(t, (&SearchFilters{ChatIDs: []string{"c2", "c1"}}).Matches(msg))
	assert.False(t, (&SearchFilters{ChatIDs: []string{"c2"}}).Matches(msg))
	assert.False(t, (&SearchFilters{Categories: []string{"shipping"}}).Matches(msg))
	assert.False(t, (&SearchFilters{Roles: []string{"assistant"}}).Matches(msg))
	assert.False(t, (&SearchFilters{}).Matches(nil))
}

func TestResultCacheEntry_Expired(t *testing.T) {
	now := time.Now()
	e := &ResultCacheEntry{Key: "k", CreatedAt: now, TTL: time.Minute, Tags: []string{"chat:c1"}}
	assert.False(t, e.Expired(now.Add(59*time.Second)))
	assert.True(t, e.Expired(now.Add(time.Minute)))
	assert.True(t, e.HasTag("chat:c1"))
	assert.False(t, e.HasTag("chat:c2"))
	assert.Greater(t, e.Size(), int64(0))
}
