// Package keyword provides the lexical side of hybrid search: a Bleve full-text index over
// message content with term filters on chat, category and role and a date-range filter.
package keyword

import (
	"time"

	"github.com/hyperjump/chatsearch/internal/models"
)

// Field names in the index mapping.
const (
	fieldContent   = "content"
	fieldChatID    = "chat_id"
	fieldRole      = "role"
	fieldCategory  = "category"
	fieldCreatedAt = "created_at"
)

// SearchOptions tune lexical matching. The zero value is an exact (analyzed) match query.
type SearchOptions struct {
	// Fuzziness is the maximum edit distance per term (1 or 2). Zero disables fuzzy matching.
	Fuzziness int
}

// messageDoc is the indexed representation of a message.
type messageDoc struct {
	Content   string    `json:"content"`
	ChatID    string    `json:"chat_id"`
	Role      string    `json:"role"`
	Category  string    `json:"category"`
	CreatedAt time.Time `json:"created_at"`
}

func newMessageDoc(m *models.Message) *messageDoc {
	return &messageDoc{
		Content:   m.Content,
		ChatID:    m.ChatID,
		Role:      m.Role,
		Category:  m.Category,
		CreatedAt: m.CreatedAt,
	}
}
