package search

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"slices"

	"github.com/hyperjump/chatsearch/internal/models"
)

// Result cache tags. A cached response carries TagAll unless its filters restrict it to a set
// of chats, in which case it carries ChatTag for each of them. Every returned message adds
// MessageTag.
const TagAll = "scope:all"

// ChatTag tags responses that depend on the contents of chat id.
func ChatTag(id string) string { return "chat:" + id }

// MessageTag tags responses that include message id.
func MessageTag(id string) string { return "msg:" + id }

type cacheKey struct {
	Query   string                `json:"q"`
	Mode    string                `json:"m"`
	Limit   int                   `json:"l"`
	Filters *models.SearchFilters `json:"f,omitempty"`
}

// CacheKey derives the result cache key of a normalized query. Filter lists are order
// insensitive.
func CacheKey(norm, mode string, limit int, filters *models.SearchFilters) string {
	k := cacheKey{Query: norm, Mode: mode, Limit: limit}
	if !filters.IsEmpty() {
		f := *filters
		f.ChatIDs = sortedCopy(f.ChatIDs)
		f.Categories = sortedCopy(f.Categories)
		f.Roles = sortedCopy(f.Roles)
		if f.From != nil {
			from := f.From.UTC()
			f.From = &from
		}
		if f.To != nil {
			to := f.To.UTC()
			f.To = &to
		}
		k.Filters = &f
	}
	raw, _ := json.Marshal(k)
	sum := sha256.Sum256(raw)
	return "search:" + hex.EncodeToString(sum[:])
}

func sortedCopy(s []string) []string {
	if len(s) == 0 {
		return nil
	}
	out := slices.Clone(s)
	slices.Sort(out)
	return slices.Compact(out)
}

func resultTags(filters *models.SearchFilters, results []*models.SearchResult) []string {
	var tags []string
	if filters != nil && len(filters.ChatIDs) > 0 {
		for _, id := range sortedCopy(filters.ChatIDs) {
			tags = append(tags, ChatTag(id))
		}
	} else {
		tags = append(tags, TagAll)
	}
	for _, r := range results {
		tags = append(tags, MessageTag(r.Message.ID))
	}
	return tags
}
