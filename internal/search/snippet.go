package search

import (
	"strings"
	"unicode/utf8"

	"github.com/hyperjump/chatsearch/pkg/utils"
)

// DefaultSnippetLength is the snippet size in runes.
const DefaultSnippetLength = 160

// Snippet returns a window of content of at most maxLen runes around the first occurrence of
// any query term, with "..." marking cut ends. Without a match the window starts at the
// beginning of content.
func Snippet(content, query string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = DefaultSnippetLength
	}
	runes := []rune(content)
	if len(runes) <= maxLen {
		return content
	}

	start := 0
	lower := strings.ToLower(content)
	for _, term := range utils.Terms(query) {
		if i := strings.Index(lower, term); i >= 0 {
			// Byte offsets in lower match content only for case mappings of equal width;
			// fall back to the beginning otherwise.
			if len(lower) == len(content) {
				hit := utf8.RuneCountInString(content[:i])
				start = max(0, hit-maxLen/4)
			}
			break
		}
	}
	end := min(len(runes), start+maxLen)
	if end-start < maxLen {
		start = max(0, end-maxLen)
	}

	var b strings.Builder
	if start > 0 {
		b.WriteString("...")
	}
	b.WriteString(strings.TrimSpace(string(runes[start:end])))
	if end < len(runes) {
		b.WriteString("...")
	}
	return b.String()
}
