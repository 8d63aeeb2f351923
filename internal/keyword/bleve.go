package keyword

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	blevequery "github.com/blevesearch/bleve/v2/search/query"

	"github.com/hyperjump/chatsearch/internal/models"
	"github.com/hyperjump/chatsearch/pkg/utils"
)

const snippetSeparator = " … "

// BleveIndex is the lexical index of chat messages.
type BleveIndex struct {
	index bleve.Index
	opts  SearchOptions
}

func newMapping() mapping.IndexMapping {
	im := bleve.NewIndexMapping()

	docMapping := bleve.NewDocumentMapping()
	// Standard analyzer (lowercase + tokenize, no stemming) so a query term matches the
	// exact word the user typed.
	content := bleve.NewTextFieldMapping()
	content.Analyzer = standard.Name
	docMapping.AddFieldMappingsAt(fieldContent, content)

	for _, f := range []string{fieldChatID, fieldRole, fieldCategory} {
		km := bleve.NewKeywordFieldMapping()
		km.IncludeInAll = false
		docMapping.AddFieldMappingsAt(f, km)
	}
	created := bleve.NewDateTimeFieldMapping()
	created.IncludeInAll = false
	docMapping.AddFieldMappingsAt(fieldCreatedAt, created)

	im.AddDocumentMapping("message", docMapping)
	im.DefaultType = "message"
	im.DefaultMapping = docMapping
	return im
}

// NewBleveIndex creates or opens a Bleve index at path. An empty path or ":memory:" creates
// an in-memory index.
func NewBleveIndex(path string, opts SearchOptions) (*BleveIndex, error) {
	if path == "" || path == ":memory:" {
		index, err := bleve.NewMemOnly(newMapping())
		if err != nil {
			return nil, fmt.Errorf("failed to create in-memory Bleve index: %w", err)
		}
		return &BleveIndex{index: index, opts: opts}, nil
	}

	if _, err := os.Stat(path); err == nil {
		index, openErr := bleve.Open(path)
		if openErr != nil {
			return nil, fmt.Errorf("failed to open Bleve index: %w", openErr)
		}
		return &BleveIndex{index: index, opts: opts}, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}
	index, err := bleve.New(path, newMapping())
	if err != nil {
		return nil, fmt.Errorf("failed to create Bleve index: %w", err)
	}
	return &BleveIndex{index: index, opts: opts}, nil
}

// IndexMessage adds or replaces a message.
func (b *BleveIndex) IndexMessage(ctx context.Context, m *models.Message) error {
	if err := b.index.Index(m.ID, newMessageDoc(m)); err != nil {
		return fmt.Errorf("failed to index message %s: %w", m.ID, err)
	}
	return nil
}

// IndexMessages adds or replaces messages in one batch.
func (b *BleveIndex) IndexMessages(ctx context.Context, msgs []*models.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	batch := b.index.NewBatch()
	for _, m := range msgs {
		if err := batch.Index(m.ID, newMessageDoc(m)); err != nil {
			return fmt.Errorf("failed to batch message %s: %w", m.ID, err)
		}
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("failed to index batch: %w", err)
	}
	return nil
}

// Delete removes a message. Deleting an unknown id is not an error.
func (b *BleveIndex) Delete(ctx context.Context, id string) error {
	return b.index.Delete(id)
}

// Search runs a match query over message content, restricted by filters, and returns up to
// limit hits by descending relevance with highlighted snippets. The top hit scores 1.
func (b *BleveIndex) Search(ctx context.Context, query string, filters *models.SearchFilters, limit int) ([]*models.ScoredItem, error) {
	if strings.TrimSpace(query) == "" {
		return nil, models.ErrEmptyQuery
	}
	if limit <= 0 {
		limit = 10
	}

	var q blevequery.Query = b.textQuery(query)
	if clauses := filterClauses(filters); len(clauses) > 0 {
		q = bleve.NewConjunctionQuery(append([]blevequery.Query{q}, clauses...)...)
	}

	req := bleve.NewSearchRequest(q)
	req.Size = limit
	req.Highlight = bleve.NewHighlight()
	req.Highlight.AddField(fieldContent)

	res, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("Bleve search failed: %w", err)
	}
	// Scores are normalized to [0,1] by the best hit so they fuse with cosine similarities.
	out := make([]*models.ScoredItem, len(res.Hits))
	for i, hit := range res.Hits {
		score := 0.0
		if res.MaxScore > 0 {
			score = hit.Score / res.MaxScore
		}
		out[i] = &models.ScoredItem{
			ID:      hit.ID,
			Score:   score,
			Snippet: strings.Join(hit.Fragments[fieldContent], snippetSeparator),
		}
	}
	return out, nil
}

// textQuery builds the content query. With fuzziness set, each term becomes a fuzzy query and
// any term may match.
func (b *BleveIndex) textQuery(query string) blevequery.Query {
	terms := utils.Terms(query)
	if b.opts.Fuzziness <= 0 || len(terms) == 0 {
		mq := bleve.NewMatchQuery(query)
		mq.SetField(fieldContent)
		return mq
	}
	queries := make([]blevequery.Query, 0, len(terms))
	for _, term := range terms {
		fq := bleve.NewFuzzyQuery(term)
		fq.SetFuzziness(b.opts.Fuzziness)
		fq.SetField(fieldContent)
		queries = append(queries, fq)
	}
	if len(queries) == 1 {
		return queries[0]
	}
	return bleve.NewDisjunctionQuery(queries...)
}

// filterClauses turns filters into required clauses. Each list is a disjunction of exact terms.
func filterClauses(f *models.SearchFilters) []blevequery.Query {
	if f.IsEmpty() {
		return nil
	}
	var clauses []blevequery.Query
	if f.From != nil || f.To != nil {
		inclusive, exclusive := true, false
		dq := bleve.NewDateRangeInclusiveQuery(derefTime(f.From), derefTime(f.To), &inclusive, &exclusive)
		dq.SetField(fieldCreatedAt)
		clauses = append(clauses, dq)
	}
	if q := anyTerm(fieldChatID, f.ChatIDs); q != nil {
		clauses = append(clauses, q)
	}
	if q := anyTerm(fieldCategory, f.Categories); q != nil {
		clauses = append(clauses, q)
	}
	if q := anyTerm(fieldRole, f.Roles); q != nil {
		clauses = append(clauses, q)
	}
	return clauses
}

func anyTerm(field string, values []string) blevequery.Query {
	if len(values) == 0 {
		return nil
	}
	qs := make([]blevequery.Query, len(values))
	for i, v := range values {
		tq := bleve.NewTermQuery(v)
		tq.SetField(field)
		qs[i] = tq
	}
	return bleve.NewDisjunctionQuery(qs...)
}

// Count returns the number of indexed messages.
func (b *BleveIndex) Count() (uint64, error) {
	return b.index.DocCount()
}

// Close closes the index.
func (b *BleveIndex) Close() error {
	return b.index.Close()
}

// derefTime returns the zero time for nil, which Bleve treats as an open range endpoint.
func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
