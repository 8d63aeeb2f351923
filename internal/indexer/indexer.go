// Package indexer ingests chat messages: it stores them, keeps the lexical and semantic
// indexes current, and imports JSONL chat exports.
package indexer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/chatsearch/internal/models"
)

// ErrInvalidMessage is returned for messages without a chat or without content.
var ErrInvalidMessage = errors.New("invalid message")

const lexicalBatchSize = 100

// Store persists messages and import records.
type Store interface {
	UpsertMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	DeleteMessage(ctx context.Context, id string) error
	ListMessages(ctx context.Context, offset, limit int) ([]*models.Message, error)
	GetImportSource(ctx context.Context, id string) (*models.ImportSource, error)
	PutImportSource(ctx context.Context, src *models.ImportSource) error
	DeleteImportSource(ctx context.Context, id string) error
}

// LexicalIndex is the full-text index messages are written to.
type LexicalIndex interface {
	IndexMessage(ctx context.Context, m *models.Message) error
	IndexMessages(ctx context.Context, msgs []*models.Message) error
	Delete(ctx context.Context, id string) error
}

// SemanticIndex keeps message embeddings current and owns result cache invalidation.
type SemanticIndex interface {
	IndexMessage(ctx context.Context, msg *models.Message) error
	RemoveMessage(ctx context.Context, id string) error
	IndexAll(ctx context.Context) (*models.IndexReport, error)
	InvalidateChat(ctx context.Context, chatID string)
}

// Indexer writes messages to the store and both indexes.
type Indexer struct {
	store      Store
	lexical    LexicalIndex
	semantic   SemanticIndex
	extensions []string
	logger     *zap.Logger
}

// IndexerOption configures an Indexer.
type IndexerOption func(*Indexer)

// WithLogger sets the indexer logger.
func WithLogger(l *zap.Logger) IndexerOption {
	return func(idx *Indexer) { idx.logger = l }
}

// WithExtensions limits file imports to the given extensions. Empty allows every file.
func WithExtensions(exts []string) IndexerOption {
	return func(idx *Indexer) { idx.extensions = exts }
}

// NewIndexer creates an indexer. lexical may be nil.
func NewIndexer(store Store, lexical LexicalIndex, semantic SemanticIndex, opts ...IndexerOption) *Indexer {
	idx := &Indexer{
		store:    store,
		lexical:  lexical,
		semantic: semantic,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(idx)
	}
	return idx
}

func newMessage(in *models.MessageInput) (*models.Message, error) {
	content := Preprocess(in.Content)
	if strings.TrimSpace(in.ChatID) == "" {
		return nil, fmt.Errorf("%w: chat_id is required", ErrInvalidMessage)
	}
	if content == "" {
		return nil, fmt.Errorf("%w: content is empty", ErrInvalidMessage)
	}
	id := in.ID
	if id == "" {
		id = uuid.NewString()
	}
	return &models.Message{
		ID:        id,
		ChatID:    in.ChatID,
		Role:      in.Role,
		Category:  in.Category,
		Content:   content,
		CreatedAt: in.CreatedAt,
	}, nil
}

// IndexMessage stores a message and indexes it lexically and semantically. A message without
// an ID gets a UUID. An embedding failure is logged and left for the next IndexAll run; the
// message is still stored and lexically searchable.
func (idx *Indexer) IndexMessage(ctx context.Context, in *models.MessageInput) (*models.Message, error) {
	msg, err := newMessage(in)
	if err != nil {
		return nil, err
	}
	if err := idx.store.UpsertMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to store message: %w", err)
	}
	if idx.lexical != nil {
		if err := idx.lexical.IndexMessage(ctx, msg); err != nil {
			return nil, fmt.Errorf("failed to index keywords: %w", err)
		}
	}
	if err := idx.semantic.IndexMessage(ctx, msg); err != nil {
		idx.logger.Warn("failed to embed message, will retry on next index run",
			zap.String("id", msg.ID), zap.Error(err))
	}
	idx.logger.Debug("indexer message indexed", zap.String("id", msg.ID), zap.String("chat_id", msg.ChatID))
	return msg, nil
}

// DeleteMessage removes a message from both indexes and the store. It returns the store's
// not-found error for unknown IDs.
func (idx *Indexer) DeleteMessage(ctx context.Context, id string) error {
	if _, err := idx.store.GetMessage(ctx, id); err != nil {
		return err
	}
	if idx.lexical != nil {
		if err := idx.lexical.Delete(ctx, id); err != nil {
			return fmt.Errorf("failed to delete from keyword index: %w", err)
		}
	}
	if err := idx.semantic.RemoveMessage(ctx, id); err != nil {
		return fmt.Errorf("failed to delete from vector index: %w", err)
	}
	if err := idx.store.DeleteMessage(ctx, id); err != nil {
		return fmt.Errorf("failed to delete message: %w", err)
	}
	idx.logger.Debug("indexer message deleted", zap.String("id", id))
	return nil
}

// ReindexLexical writes every stored message to the lexical index and returns the count.
func (idx *Indexer) ReindexLexical(ctx context.Context) (int, error) {
	if idx.lexical == nil {
		return 0, nil
	}
	start := time.Now()
	n := 0
	for offset := 0; ; offset += lexicalBatchSize {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		msgs, err := idx.store.ListMessages(ctx, offset, lexicalBatchSize)
		if err != nil {
			return n, fmt.Errorf("failed to list messages: %w", err)
		}
		if len(msgs) == 0 {
			break
		}
		if err := idx.lexical.IndexMessages(ctx, msgs); err != nil {
			return n, err
		}
		n += len(msgs)
	}
	idx.logger.Info("lexical index rebuilt", zap.Int("messages", n), zap.Duration("took", time.Since(start)))
	return n, nil
}
