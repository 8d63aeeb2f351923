package vector

import (
	"time"

	"github.com/hyperjump/chatsearch/internal/models"
)

type entry struct {
	vec        []float32
	norm       float64
	sourceHash string
	provider   string
	createdAt  time.Time
	updatedAt  time.Time
	sig        uint64
	// gen is the generation of the persisted bucket assignment, 0 when there is none.
	gen int
}

// mirror is the in-memory copy of one index's persisted state. It is owned by exactly one
// Index and mutated only after the corresponding store write has committed.
type mirror struct {
	generation int
	entries    map[string]*entry
	buckets    map[uint64]map[string]struct{}
	// stale holds IDs whose bucket assignment is missing or from an older generation.
	stale map[string]struct{}
}

func newMirror(generation int) *mirror {
	return &mirror{
		generation: generation,
		entries:    make(map[string]*entry),
		buckets:    make(map[uint64]map[string]struct{}),
		stale:      make(map[string]struct{}),
	}
}

func (m *mirror) size() int { return len(m.entries) }

func (m *mirror) dirty() int { return len(m.stale) }

func (m *mirror) put(id string, e *entry) {
	m.remove(id)
	m.entries[id] = e
	if e.gen != m.generation {
		m.stale[id] = struct{}{}
		return
	}
	b, ok := m.buckets[e.sig]
	if !ok {
		b = make(map[string]struct{})
		m.buckets[e.sig] = b
	}
	b[id] = struct{}{}
}

func (m *mirror) remove(id string) {
	old, ok := m.entries[id]
	if !ok {
		return
	}
	delete(m.entries, id)
	delete(m.stale, id)
	if b, ok := m.buckets[old.sig]; ok {
		delete(b, id)
		if len(b) == 0 {
			delete(m.buckets, old.sig)
		}
	}
}

func (m *mirror) record(id string) *models.EmbeddingRecord {
	e, ok := m.entries[id]
	if !ok {
		return nil
	}
	vec := make([]float32, len(e.vec))
	copy(vec, e.vec)
	return &models.EmbeddingRecord{
		ID:         id,
		Vector:     vec,
		Norm:       e.norm,
		SourceHash: e.sourceHash,
		Provider:   e.provider,
		CreatedAt:  e.createdAt,
		UpdatedAt:  e.updatedAt,
	}
}
