// Package cli provides output helpers for the chatsearch command line.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/hyperjump/chatsearch/internal/models"
	"github.com/hyperjump/chatsearch/internal/search"
	"github.com/hyperjump/chatsearch/pkg/utils"
)

// OutputFormat selects how results are written.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputCompact is one result per line.
	OutputCompact OutputFormat = "compact"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// ParseOutputFormat maps a flag value to a format.
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch OutputFormat(s) {
	case OutputText, OutputCompact, OutputJSON:
		return OutputFormat(s), nil
	}
	return "", fmt.Errorf("unknown output format %q; use text, compact, or json", s)
}

// WriteJSON writes v as indented JSON.
func WriteJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// WriteSearchResults writes a search response to w in the given format.
// Unknown formats are written as text.
func WriteSearchResults(w io.Writer, response *models.SearchResponse, format OutputFormat) error {
	switch format {
	case OutputJSON:
		return WriteJSON(w, response)
	case OutputCompact:
		for _, r := range response.Results {
			writeCompact(w, r)
		}
		return nil
	default:
		writeSearchResultsText(w, response)
		return nil
	}
}

func writeSearchResultsText(w io.Writer, response *models.SearchResponse) {
	fmt.Fprintf(w, "\nFound %d results in %dms (mode: %s", response.Total, response.QueryTime, response.Mode)
	if response.CacheHit {
		fmt.Fprint(w, ", cached")
	}
	fmt.Fprintln(w, ")")
	if response.Degraded {
		fmt.Fprintln(w, "warning: semantic search unavailable, showing partial results")
	}
	fmt.Fprintln(w)
	for _, r := range response.Results {
		writeOneResult(w, r)
	}
}

func writeOneResult(w io.Writer, r *models.SearchResult) {
	fmt.Fprintf(w, "─────────────────────────────────────────────────────────\n")
	fmt.Fprintf(w, "[%s] Rank: %d | Score: %.4f (Semantic: %.4f, Lexical: %.4f)\n",
		strings.Join(r.Sources, "+"), r.Rank, r.Score, r.SemanticScore, r.LexicalScore)
	writeMessageHeader(w, r.Message)
	text := r.Snippet
	if text == "" && r.Message != nil {
		text = r.Message.Content
	}
	fmt.Fprintf(w, "\n%s\n\n", Truncate(text, 200))
}

func writeMessageHeader(w io.Writer, m *models.Message) {
	if m == nil {
		return
	}
	fmt.Fprintf(w, "ID: %s\n", m.ID)
	fmt.Fprintf(w, "Chat: %s", m.ChatID)
	if m.Role != "" {
		fmt.Fprintf(w, " | Role: %s", m.Role)
	}
	if m.Category != "" {
		fmt.Fprintf(w, " | Category: %s", m.Category)
	}
	if !m.CreatedAt.IsZero() {
		fmt.Fprintf(w, " | %s", m.CreatedAt.Format("2006-01-02 15:04"))
	}
	fmt.Fprintln(w)
}

func writeCompact(w io.Writer, r *models.SearchResult) {
	id, chat, content := "", "", r.Snippet
	if r.Message != nil {
		id, chat = r.Message.ID, r.Message.ChatID
		if content == "" {
			content = r.Message.Content
		}
	}
	fmt.Fprintf(w, "%d\t%.4f\t%s\t%s\t%s\n", r.Rank, r.Score, id, chat, TruncateWords(oneLine(content), 20))
}

// WriteSimilar writes messages similar to id.
func WriteSimilar(w io.Writer, id string, results []*models.SearchResult, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, map[string]interface{}{"id": id, "results": results, "total": len(results)})
	}
	resp := &models.SearchResponse{Query: id, Mode: "similar", Results: results, Total: len(results)}
	return WriteSearchResults(w, resp, format)
}

// WriteStatus writes engine status.
func WriteStatus(w io.Writer, st *search.Status, diskBytes *int64, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, map[string]interface{}{"engine": st, "disk_usage_bytes": diskBytes})
	}
	fmt.Fprintf(w, "messages:           %d\n", st.Messages)
	fmt.Fprintf(w, "embeddings:         %d\n", st.Index.Size)
	fmt.Fprintf(w, "buckets:            %d (generation %d, %d stale)\n", st.Index.Buckets, st.Index.Generation, st.Index.Dirty)
	fmt.Fprintf(w, "provider:           %s (%d dims)\n", st.Provider, st.Dimensions)
	if st.Fallback != nil {
		fmt.Fprintf(w, "provider calls:     %d primary, %d fallback, %d failed\n",
			st.Fallback.Primary, st.Fallback.Fallbacks, st.Fallback.Failures)
	}
	if st.EmbeddingCache != nil {
		fmt.Fprintf(w, "embedding cache:    %d hits, %d misses, %d in memory\n",
			st.EmbeddingCache.Hits, st.EmbeddingCache.Misses, st.EmbeddingCache.MemorySize)
	}
	if st.ResultCache != nil {
		fmt.Fprintf(w, "result cache:       %d entries, %d/%d bytes, %d hits, %d misses, %d evictions\n",
			st.ResultCache.Entries, st.ResultCache.Bytes, st.ResultCache.MaxBytes,
			st.ResultCache.Hits, st.ResultCache.Misses, st.ResultCache.Evictions)
	}
	if diskBytes != nil {
		fmt.Fprintf(w, "disk_usage_bytes:   %d\n", *diskBytes)
	}
	return nil
}

// WriteIndexReport writes the outcome of an index run.
func WriteIndexReport(w io.Writer, r *models.IndexReport, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, r)
	}
	fmt.Fprintf(w, "processed %d, failed %d, skipped %d in %dms", r.Processed, r.Failed, r.Skipped, r.Duration)
	if r.Canceled {
		fmt.Fprint(w, " (canceled)")
	}
	fmt.Fprintln(w)
	return nil
}

// WriteImportReport writes the outcome of importing one source.
func WriteImportReport(w io.Writer, source string, r *models.ImportReport, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, map[string]interface{}{"source": source, "report": r})
	}
	if r.Skipped {
		fmt.Fprintf(w, "%s: unchanged, skipped\n", source)
		return nil
	}
	fmt.Fprintf(w, "%s: imported %d, failed %d\n", source, r.Imported, r.Failed)
	if r.Index != nil {
		fmt.Fprint(w, "  embeddings: ")
		return WriteIndexReport(w, r.Index, format)
	}
	return nil
}

// Truncate truncates s to maxLen runes and appends "..." if truncated.
func Truncate(s string, maxLen int) string {
	return utils.Truncate(s, maxLen)
}

// TruncateWords returns up to maxWords from the space-separated string.
func TruncateWords(s string, maxWords int) string {
	words := strings.Fields(s)
	if len(words) <= maxWords {
		return s
	}
	return strings.Join(words[:maxWords], " ") + "..."
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
