// Package models defines core data structures for messages, embeddings, queries, and search results.
package models

import "time"

// Message is a single chat message in the archive. It is the domain object search results hydrate to.
type Message struct {
	ID        string    `json:"id" db:"id"`
	ChatID    string    `json:"chat_id" db:"chat_id"`
	Role      string    `json:"role" db:"role"`
	Category  string    `json:"category,omitempty" db:"category"`
	Content   string    `json:"content" db:"content"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// MessageInput is the input for ingesting or updating a message.
type MessageInput struct {
	ID        string    `json:"id,omitempty"`
	ChatID    string    `json:"chat_id"`
	Role      string    `json:"role,omitempty"`
	Category  string    `json:"category,omitempty"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// IndexCandidate pairs a source message with the content hash and provider its embedding was
// last built from. Both are empty when the message has never been embedded.
type IndexCandidate struct {
	Message         *Message
	IndexedHash     string
	IndexedProvider string
}

// ImportSource records an archive file that was imported, so unchanged files are skipped.
type ImportSource struct {
	ID         string    `json:"id"`
	Path       string    `json:"path"`
	ModTime    time.Time `json:"mtime"`
	Size       int64     `json:"size"`
	Messages   int       `json:"messages"`
	ImportedAt time.Time `json:"imported_at"`
}

// ImportReport summarizes a JSONL import. Lines that fail to parse or store are counted in
// Failed and do not abort the import.
type ImportReport struct {
	Imported int          `json:"imported"`
	Failed   int          `json:"failed"`
	Skipped  bool         `json:"skipped,omitempty"`
	Index    *IndexReport `json:"index,omitempty"`
}
