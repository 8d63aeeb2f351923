// Package vector provides the persistent vector index: exact cosine search for small indexes
// and random-projection (LSH) bucketed candidate search for large ones.
package vector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/chatsearch/internal/models"
	"github.com/hyperjump/chatsearch/internal/storage"
)

var (
	// ErrDimensionMismatch is returned when a vector's length differs from the index dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")
	// ErrNonFinite is returned for vectors containing NaN or Inf.
	ErrNonFinite = errors.New("vector contains NaN or Inf")
	// ErrEmptyVector is returned for zero-length vectors.
	ErrEmptyVector = errors.New("empty vector")
	// ErrZeroQuery is returned when a query vector has zero magnitude.
	ErrZeroQuery = errors.New("query vector has zero magnitude")
	// ErrNotFound is returned by Get for unknown identifiers.
	ErrNotFound = errors.New("embedding not found")
)

// Store is the persistence the index writes through. Writes of records together with their
// bucket assignments (and meta, when given) must be atomic.
type Store interface {
	LoadIndexMeta(ctx context.Context) (*models.IndexMeta, error)
	WriteEmbeddings(ctx context.Context, meta *models.IndexMeta, records []*models.EmbeddingRecord, buckets []*models.BucketAssignment) error
	DeleteEmbedding(ctx context.Context, id string) error
	LoadEmbeddings(ctx context.Context) ([]*models.EmbeddingRecord, error)
	LoadBucketAssignments(ctx context.Context) ([]*models.BucketAssignment, error)
	ReplaceBucketAssignments(ctx context.Context, meta *models.IndexMeta, buckets []*models.BucketAssignment) error
}

// Options tunes bucketing and search strategy.
type Options struct {
	// Bits is the LSH signature width. Changing it for an existing index starts a new
	// projection generation and rebuilds every assignment.
	Bits int
	// BruteForceThreshold is the size below which searches scan every vector.
	BruteForceThreshold int
	// RebuildDirtyRatio triggers RebuildBuckets when dirty/size exceeds it.
	RebuildDirtyRatio float64
	// Seed seeds the projection created for a new index.
	Seed uint64
	// ProbeNeighbors also scans buckets at Hamming distance 1 from the query's bucket.
	ProbeNeighbors bool
}

// DefaultOptions returns the default index options.
func DefaultOptions() Options {
	return Options{Bits: 8, BruteForceThreshold: 1000, RebuildDirtyRatio: 0.10, Seed: 42}
}

// Option configures an Index.
type Option func(*Index)

// WithLogger sets the logger for the index.
func WithLogger(l *zap.Logger) Option {
	return func(x *Index) {
		x.logger = l
	}
}

// WithClock overrides time.Now for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(x *Index) {
		x.now = now
	}
}

// Metadata accompanies an upserted vector.
type Metadata struct {
	SourceHash string
	Provider   string
}

// Item is one element of a batch upsert.
type Item struct {
	ID         string
	Vector     []float32
	SourceHash string
	Provider   string
}

// SearchOptions bounds a search.
type SearchOptions struct {
	// TopK limits the number of results; <= 0 returns every match.
	TopK int
	// MinScore excludes results scoring below it.
	MinScore float64
	// Predicate, when set, must return true for an ID to be scored.
	Predicate func(id string) bool
}

// VectorResult is a single search hit.
type VectorResult struct {
	ID    string  `json:"id"`
	Score float64 `json:"score"`
}

// Stats describes the index state.
type Stats struct {
	Size       int  `json:"size"`
	Dimensions int  `json:"dimensions"`
	Buckets    int  `json:"buckets"`
	Dirty      int  `json:"dirty"`
	Generation int  `json:"generation"`
	Bits       int  `json:"bits"`
	Loaded     bool `json:"loaded"`
}

// Index maps message IDs to embeddings and answers nearest-neighbor queries.
//
// Writes go to the store first and are applied to the in-memory mirror only after they
// commit, so a failed write never changes search results. Writers are serialized; searches
// see either the state before or after a write.
//
// Bucketed search is approximate: a true neighbor whose signature differs from the query's
// in any bit is missed unless neighbor probing reaches it. Indexes smaller than
// BruteForceThreshold are always searched exactly.
type Index struct {
	store  Store
	opts   Options
	logger *zap.Logger
	now    func() time.Time

	writeMu sync.Mutex // serializes Upsert, BatchUpsert, Delete, RebuildBuckets, Load

	mu         sync.RWMutex // guards everything below
	meta       *models.IndexMeta
	metaLoaded bool
	projection *Projection
	mirror     *mirror
	loaded     bool
}

// New creates an index over store. Nothing is read until the first operation.
func New(store Store, opts Options, options ...Option) *Index {
	def := DefaultOptions()
	if opts.Bits == 0 {
		opts.Bits = def.Bits
	}
	if opts.BruteForceThreshold == 0 {
		opts.BruteForceThreshold = def.BruteForceThreshold
	}
	if opts.RebuildDirtyRatio == 0 {
		opts.RebuildDirtyRatio = def.RebuildDirtyRatio
	}
	x := &Index{
		store:  store,
		opts:   opts,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, o := range options {
		o(x)
	}
	return x
}

// Load reads meta, records, and assignments from the store and replaces the mirror.
// A rebuild runs afterwards when too many assignments are stale.
func (x *Index) Load(ctx context.Context) error {
	x.writeMu.Lock()
	defer x.writeMu.Unlock()
	return x.loadLocked(ctx)
}

func (x *Index) loadLocked(ctx context.Context) error {
	if err := x.loadMetaLocked(ctx); err != nil {
		return err
	}
	records, err := x.store.LoadEmbeddings(ctx)
	if err != nil {
		return fmt.Errorf("failed to load embeddings: %w", err)
	}
	assignments, err := x.store.LoadBucketAssignments(ctx)
	if err != nil {
		return fmt.Errorf("failed to load bucket assignments: %w", err)
	}

	x.mu.RLock()
	meta := x.meta
	x.mu.RUnlock()

	gen := 0
	if meta != nil {
		gen = meta.Generation
	}
	byID := make(map[string]*models.BucketAssignment, len(assignments))
	for _, a := range assignments {
		byID[a.ID] = a
	}
	m := newMirror(gen)
	for _, rec := range records {
		if meta != nil && len(rec.Vector) != meta.Dimensions {
			return fmt.Errorf("embedding %s has %d dimensions, index has %d: %w",
				rec.ID, len(rec.Vector), meta.Dimensions, ErrDimensionMismatch)
		}
		e := &entry{
			vec:        rec.Vector,
			norm:       rec.Norm,
			sourceHash: rec.SourceHash,
			provider:   rec.Provider,
			createdAt:  rec.CreatedAt,
			updatedAt:  rec.UpdatedAt,
		}
		if a, ok := byID[rec.ID]; ok {
			e.sig = a.Signature
			e.gen = a.Generation
		}
		m.put(rec.ID, e)
	}

	x.mu.Lock()
	x.mirror = m
	x.loaded = true
	x.mu.Unlock()

	x.logger.Debug("vector index loaded",
		zap.Int("size", m.size()),
		zap.Int("dirty", m.dirty()),
		zap.Int("generation", gen))

	return x.maybeRebuildLocked(ctx)
}

// loadMetaLocked reads the persisted meta once. When the configured signature width differs
// from the persisted one, a new projection generation is created and persisted.
func (x *Index) loadMetaLocked(ctx context.Context) error {
	x.mu.RLock()
	done := x.metaLoaded
	x.mu.RUnlock()
	if done {
		return nil
	}

	meta, err := x.store.LoadIndexMeta(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		x.mu.Lock()
		x.metaLoaded = true
		x.mu.Unlock()
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load index meta: %w", err)
	}

	var proj *Projection
	if meta.Bits != x.opts.Bits {
		next := &models.IndexMeta{
			Dimensions: meta.Dimensions,
			Bits:       x.opts.Bits,
			Seed:       meta.Seed,
			Generation: meta.Generation + 1,
		}
		if proj, err = NewProjection(next.Bits, next.Dimensions, next.Seed+uint64(next.Generation)); err != nil {
			return err
		}
		next.Projection = proj.planes
		if err := x.store.WriteEmbeddings(ctx, next, nil, nil); err != nil {
			return fmt.Errorf("failed to persist new projection generation: %w", err)
		}
		x.logger.Info("bucket width changed, new projection generation",
			zap.Int("old_bits", meta.Bits),
			zap.Int("bits", next.Bits),
			zap.Int("generation", next.Generation))
		meta = next
	} else if proj, err = projectionFromPlanes(meta.Bits, meta.Dimensions, meta.Projection); err != nil {
		return err
	}

	x.mu.Lock()
	x.meta = meta
	x.projection = proj
	x.metaLoaded = true
	x.mu.Unlock()
	return nil
}

func (x *Index) ensureLoaded(ctx context.Context) error {
	x.mu.RLock()
	loaded := x.loaded
	x.mu.RUnlock()
	if loaded {
		return nil
	}
	x.writeMu.Lock()
	defer x.writeMu.Unlock()
	x.mu.RLock()
	loaded = x.loaded
	x.mu.RUnlock()
	if loaded {
		return nil
	}
	return x.loadLocked(ctx)
}

func validate(vec []float32) error {
	if len(vec) == 0 {
		return ErrEmptyVector
	}
	if !finite(vec) {
		return ErrNonFinite
	}
	return nil
}

// prepareMeta returns the meta and projection to write under. For an empty index a new meta
// is created with dims; isNew reports that it must be persisted with the write.
func (x *Index) prepareMeta(dims int) (*models.IndexMeta, *Projection, bool, error) {
	x.mu.RLock()
	meta, proj := x.meta, x.projection
	x.mu.RUnlock()
	if meta != nil {
		if dims != meta.Dimensions {
			return nil, nil, false, fmt.Errorf("got %d, index has %d: %w", dims, meta.Dimensions, ErrDimensionMismatch)
		}
		return meta, proj, false, nil
	}
	proj, err := NewProjection(x.opts.Bits, dims, x.opts.Seed)
	if err != nil {
		return nil, nil, false, err
	}
	meta = &models.IndexMeta{
		Dimensions: dims,
		Bits:       x.opts.Bits,
		Seed:       x.opts.Seed,
		Generation: 1,
		Projection: proj.planes,
	}
	return meta, proj, true, nil
}

// Upsert stores vec for id, replacing any previous vector. The first successful insert fixes
// the index dimension.
func (x *Index) Upsert(ctx context.Context, id string, vec []float32, md Metadata) error {
	return x.BatchUpsert(ctx, []Item{{ID: id, Vector: vec, SourceHash: md.SourceHash, Provider: md.Provider}})
}

// BatchUpsert validates every item, then writes them all in one transaction. A single invalid
// item rejects the whole batch without writing.
func (x *Index) BatchUpsert(ctx context.Context, items []Item) error {
	if len(items) == 0 {
		return nil
	}
	for _, it := range items {
		if it.ID == "" {
			return fmt.Errorf("empty id")
		}
		if err := validate(it.Vector); err != nil {
			return fmt.Errorf("item %s: %w", it.ID, err)
		}
		if len(it.Vector) != len(items[0].Vector) {
			return fmt.Errorf("item %s: got %d, batch has %d: %w",
				it.ID, len(it.Vector), len(items[0].Vector), ErrDimensionMismatch)
		}
	}

	x.writeMu.Lock()
	defer x.writeMu.Unlock()

	if err := x.loadMetaLocked(ctx); err != nil {
		return err
	}
	meta, proj, isNew, err := x.prepareMeta(len(items[0].Vector))
	if err != nil {
		return err
	}

	now := x.now().UTC()
	records := make([]*models.EmbeddingRecord, 0, len(items))
	buckets := make([]*models.BucketAssignment, 0, len(items))
	entries := make(map[string]*entry, len(items))
	x.mu.RLock()
	for _, it := range items {
		vec := make([]float32, len(it.Vector))
		copy(vec, it.Vector)
		created := now
		if x.mirror != nil {
			if old, ok := x.mirror.entries[it.ID]; ok {
				created = old.createdAt
			}
		}
		sig := proj.Signature(vec)
		e := &entry{
			vec:        vec,
			norm:       L2Norm(vec),
			sourceHash: it.SourceHash,
			provider:   it.Provider,
			createdAt:  created,
			updatedAt:  now,
			sig:        sig,
			gen:        meta.Generation,
		}
		entries[it.ID] = e
		records = append(records, &models.EmbeddingRecord{
			ID: it.ID, Vector: vec, Norm: e.norm, SourceHash: it.SourceHash, Provider: it.Provider,
			CreatedAt: created, UpdatedAt: now,
		})
		buckets = append(buckets, &models.BucketAssignment{
			BucketID: BucketID(sig, meta.Bits), ID: it.ID, Signature: sig, Generation: meta.Generation,
		})
	}
	x.mu.RUnlock()

	var metaToWrite *models.IndexMeta
	if isNew {
		metaToWrite = meta
	}
	if err := x.store.WriteEmbeddings(ctx, metaToWrite, records, buckets); err != nil {
		return fmt.Errorf("failed to persist embeddings: %w", err)
	}

	x.mu.Lock()
	if isNew {
		x.meta = meta
		x.projection = proj
		if x.mirror != nil {
			x.mirror.generation = meta.Generation
		}
	}
	if x.loaded {
		for _, it := range items {
			x.mirror.put(it.ID, entries[it.ID])
		}
	}
	x.mu.Unlock()

	return x.maybeRebuildLocked(ctx)
}

// Delete removes id's vector and assignment. Deleting an unknown ID is not an error.
func (x *Index) Delete(ctx context.Context, id string) error {
	x.writeMu.Lock()
	defer x.writeMu.Unlock()

	if err := x.store.DeleteEmbedding(ctx, id); err != nil {
		return fmt.Errorf("failed to delete embedding: %w", err)
	}
	x.mu.Lock()
	if x.loaded {
		x.mirror.remove(id)
	}
	x.mu.Unlock()
	return nil
}

// RebuildBuckets recomputes every signature with the current projection and replaces all
// persisted assignments in one transaction.
func (x *Index) RebuildBuckets(ctx context.Context) error {
	if err := x.ensureLoaded(ctx); err != nil {
		return err
	}
	x.writeMu.Lock()
	defer x.writeMu.Unlock()
	return x.rebuildLocked(ctx)
}

func (x *Index) rebuildLocked(ctx context.Context) error {
	x.mu.RLock()
	meta, proj, m := x.meta, x.projection, x.mirror
	if meta == nil || m == nil {
		x.mu.RUnlock()
		return nil
	}
	ids := make([]string, 0, m.size())
	sigs := make(map[string]uint64, m.size())
	buckets := make([]*models.BucketAssignment, 0, m.size())
	for id, e := range m.entries {
		sig := proj.Signature(e.vec)
		ids = append(ids, id)
		sigs[id] = sig
		buckets = append(buckets, &models.BucketAssignment{
			BucketID: BucketID(sig, meta.Bits), ID: id, Signature: sig, Generation: meta.Generation,
		})
	}
	x.mu.RUnlock()

	start := time.Now()
	if err := x.store.ReplaceBucketAssignments(ctx, nil, buckets); err != nil {
		return fmt.Errorf("failed to persist bucket assignments: %w", err)
	}

	next := newMirror(meta.Generation)
	x.mu.Lock()
	for _, id := range ids {
		old := x.mirror.entries[id]
		e := *old
		e.sig = sigs[id]
		e.gen = meta.Generation
		next.put(id, &e)
	}
	x.mirror = next
	x.mu.Unlock()

	x.logger.Info("rebuilt vector buckets",
		zap.Int("size", len(ids)),
		zap.Int("buckets", len(next.buckets)),
		zap.Int("generation", meta.Generation),
		zap.Duration("took", time.Since(start)))
	return nil
}

func (x *Index) maybeRebuildLocked(ctx context.Context) error {
	x.mu.RLock()
	if !x.loaded || x.mirror.size() == 0 {
		x.mu.RUnlock()
		return nil
	}
	ratio := float64(x.mirror.dirty()) / float64(x.mirror.size())
	x.mu.RUnlock()
	if ratio <= x.opts.RebuildDirtyRatio {
		return nil
	}
	x.logger.Debug("dirty ratio above threshold, rebuilding buckets", zap.Float64("ratio", ratio))
	return x.rebuildLocked(ctx)
}

// Search returns the vectors most similar to q by cosine similarity, sorted by score
// descending and then ID ascending.
func (x *Index) Search(ctx context.Context, q []float32, opts SearchOptions) ([]*VectorResult, error) {
	if err := validate(q); err != nil {
		return nil, err
	}
	if err := x.ensureLoaded(ctx); err != nil {
		return nil, err
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	m := x.mirror
	if m.size() == 0 {
		return nil, nil
	}
	if len(q) != x.meta.Dimensions {
		return nil, fmt.Errorf("query has %d, index has %d: %w", len(q), x.meta.Dimensions, ErrDimensionMismatch)
	}
	qnorm := L2Norm(q)
	if qnorm == 0 {
		return nil, ErrZeroQuery
	}

	var candidates []string
	if m.size() >= x.opts.BruteForceThreshold {
		candidates = x.bucketCandidates(m, q)
		if len(candidates) == 0 {
			x.logger.Debug("no bucket candidates, falling back to brute force", zap.Int("size", m.size()))
		}
	}
	if candidates == nil {
		candidates = make([]string, 0, m.size())
		for id := range m.entries {
			candidates = append(candidates, id)
		}
	}

	results := make([]*VectorResult, 0, len(candidates))
	for _, id := range candidates {
		if opts.Predicate != nil && !opts.Predicate(id) {
			continue
		}
		e := m.entries[id]
		score := Cosine(q, e.vec, qnorm, e.norm)
		if score < opts.MinScore {
			continue
		}
		results = append(results, &VectorResult{ID: id, Score: score})
	}
	sortResults(results)
	if opts.TopK > 0 && len(results) > opts.TopK {
		results = results[:opts.TopK]
	}
	return results, nil
}

// bucketCandidates collects the query bucket, optional Hamming-1 neighbors, and every stale
// entry, which is not reachable through any current bucket. Returns nil when empty.
func (x *Index) bucketCandidates(m *mirror, q []float32) []string {
	sig := x.projection.Signature(q)
	sigs := []uint64{sig}
	if x.opts.ProbeNeighbors {
		sigs = append(sigs, neighbors(sig, x.projection.Bits())...)
	}
	var out []string
	for _, s := range sigs {
		for id := range m.buckets[s] {
			out = append(out, id)
		}
	}
	if len(out) == 0 {
		return nil
	}
	for id := range m.stale {
		out = append(out, id)
	}
	return out
}

func sortResults(results []*VectorResult) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})
}

// Get returns a copy of the record for id, or ErrNotFound.
func (x *Index) Get(ctx context.Context, id string) (*models.EmbeddingRecord, error) {
	if err := x.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	rec := x.mirror.record(id)
	if rec == nil {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return rec, nil
}

// Size returns the number of vectors in the loaded mirror; 0 before the first load.
func (x *Index) Size() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.mirror == nil {
		return 0
	}
	return x.mirror.size()
}

// Dimensions returns the index dimension, 0 until the first vector is stored.
func (x *Index) Dimensions() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if x.meta == nil {
		return 0
	}
	return x.meta.Dimensions
}

// Stats loads the index if needed and describes its state.
func (x *Index) Stats(ctx context.Context) (Stats, error) {
	if err := x.ensureLoaded(ctx); err != nil {
		return Stats{}, err
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	st := Stats{
		Size:    x.mirror.size(),
		Buckets: len(x.mirror.buckets),
		Dirty:   x.mirror.dirty(),
		Bits:    x.opts.Bits,
		Loaded:  x.loaded,
	}
	if x.meta != nil {
		st.Dimensions = x.meta.Dimensions
		st.Generation = x.meta.Generation
		st.Bits = x.meta.Bits
	}
	return st, nil
}
