package models

import (
	"errors"
	"strings"
	"time"
)

// Search modes.
const (
	ModeHybrid   = "hybrid"
	ModeSemantic = "semantic"
	ModeLexical  = "lexical"
)

// ErrEmptyQuery is returned when a query has no searchable text.
var ErrEmptyQuery = errors.New("query cannot be empty")

// SearchFilters restrict candidates after retrieval. Zero values mean "no restriction".
type SearchFilters struct {
	From       *time.Time `json:"from,omitempty"`
	To         *time.Time `json:"to,omitempty"`
	ChatIDs    []string   `json:"chat_ids,omitempty"`
	Categories []string   `json:"categories,omitempty"`
	Roles      []string   `json:"roles,omitempty"`
}

// IsEmpty reports whether f restricts nothing.
func (f *SearchFilters) IsEmpty() bool {
	return f == nil || (f.From == nil && f.To == nil && len(f.ChatIDs) == 0 && len(f.Categories) == 0 && len(f.Roles) == 0)
}

// Matches reports whether msg passes every filter. A nil filter matches everything.
// The date range is inclusive on From and exclusive on To.
func (f *SearchFilters) Matches(msg *Message) bool {
	if f == nil {
		return true
	}
	if msg == nil {
		return false
	}
	if f.From != nil && msg.CreatedAt.Before(*f.From) {
		return false
	}
	if f.To != nil && !msg.CreatedAt.Before(*f.To) {
		return false
	}
	if len(f.ChatIDs) > 0 && !containsString(f.ChatIDs, msg.ChatID) {
		return false
	}
	if len(f.Categories) > 0 && !containsString(f.Categories, msg.Category) {
		return false
	}
	if len(f.Roles) > 0 && !containsString(f.Roles, msg.Role) {
		return false
	}
	return true
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// SearchQuery represents a search request.
type SearchQuery struct {
	Query   string         `json:"query"`
	Mode    string         `json:"mode,omitempty"`
	Limit   int            `json:"limit,omitempty"`
	Filters *SearchFilters `json:"filters,omitempty"`
	NoCache bool           `json:"no_cache,omitempty"`
}

// Validate ensures the query has valid fields and sets defaults.
// Returns ErrEmptyQuery if the query is blank; otherwise normalizes limit and mode.
func (q *SearchQuery) Validate(defaultLimit, maxLimit int) error {
	if strings.TrimSpace(q.Query) == "" {
		return ErrEmptyQuery
	}
	if defaultLimit <= 0 {
		defaultLimit = 10
	}
	if maxLimit <= 0 {
		maxLimit = 100
	}
	if q.Limit <= 0 {
		q.Limit = defaultLimit
	}
	if q.Limit > maxLimit {
		q.Limit = maxLimit
	}
	switch q.Mode {
	case ModeHybrid, ModeSemantic, ModeLexical:
	default:
		q.Mode = ModeHybrid
	}
	return nil
}
