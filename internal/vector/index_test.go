package vector

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/chatsearch/internal/models"
	"github.com/hyperjump/chatsearch/internal/storage"
)

func newStore(t *testing.T) *storage.SQLiteStorage {
	t.Helper()
	s, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

type failingStore struct {
	*storage.SQLiteStorage
	fail bool
}

func (f *failingStore) WriteEmbeddings(ctx context.Context, meta *models.IndexMeta, recs []*models.EmbeddingRecord, b []*models.BucketAssignment) error {
	if f.fail {
		return errors.New("disk full")
	}
	return f.SQLiteStorage.WriteEmbeddings(ctx, meta, recs, b)
}

func randomVec(rng *rand.Rand, dims int) []float32 {
	v := make([]float32, dims)
	for i := range v {
		v[i] = float32(rng.NormFloat64())
	}
	return v
}

func TestIndex_ExampleScenario(t *testing.T) {
	idx := New(newStore(t), DefaultOptions())
	ctx := context.Background()
	require.NoError(t, idx.Upsert(ctx, "A", []float32{1, 0}, Metadata{}))
	require.NoError(t, idx.Upsert(ctx, "B", []float32{0.9, 0.1}, Metadata{}))
	require.NoError(t, idx.Upsert(ctx, "C", []float32{-1, 0}, Metadata{}))

	res, err := idx.Search(ctx, []float32{1, 0}, SearchOptions{TopK: 2})
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, "A", res[0].ID)
	assert.InDelta(t, 1.0, res[0].Score, 1e-9)
	assert.Equal(t, "B", res[1].ID)
	assert.InDelta(t, 0.9939, res[1].Score, 1e-3)

	all, err := idx.Search(ctx, []float32{1, 0}, SearchOptions{})
	require.NoError(t, err)
	assert.Len(t, all, 2, "negative similarity is below the default minimum score")
}

func TestIndex_DimensionInvariant(t *testing.T) {
	store := newStore(t)
	idx := New(store, DefaultOptions())
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, "a", []float32{1, 2, 3}, Metadata{}))
	assert.Equal(t, 3, idx.Dimensions())

	err := idx.Upsert(ctx, "b", []float32{1, 2}, Metadata{})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
	st, err := idx.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Size)

	_, err = idx.Search(ctx, []float32{1, 2}, SearchOptions{})
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	reopened := New(store, DefaultOptions())
	err = reopened.Upsert(ctx, "c", []float32{1}, Metadata{})
	assert.ErrorIs(t, err, ErrDimensionMismatch, "dimension is persisted")
}

func TestIndex_ValidationRejectsWholeBatch(t *testing.T) {
	idx := New(newStore(t), DefaultOptions())
	ctx := context.Background()

	err := idx.BatchUpsert(ctx, []Item{
		{ID: "ok", Vector: []float32{1, 0}},
		{ID: "nan", Vector: []float32{float32(math.NaN()), 0}},
	})
	assert.ErrorIs(t, err, ErrNonFinite)
	assert.ErrorIs(t, idx.Upsert(ctx, "e", nil, Metadata{}), ErrEmptyVector)
	assert.ErrorIs(t, idx.Upsert(ctx, "inf", []float32{float32(math.Inf(1))}, Metadata{}), ErrNonFinite)

	st, err := idx.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, st.Size)
	assert.Equal(t, 0, st.Dimensions)
}

func TestIndex_NormConsistency(t *testing.T) {
	store := newStore(t)
	idx := New(store, DefaultOptions())
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(1, 2))
	for i := 0; i < 20; i++ {
		require.NoError(t, idx.Upsert(ctx, fmt.Sprintf("id%d", i%7), randomVec(rng, 16), Metadata{SourceHash: "h"}))
	}
	recs, err := store.LoadEmbeddings(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 7)
	for _, r := range recs {
		assert.InDelta(t, L2Norm(r.Vector), r.Norm, 1e-9)
		got, err := idx.Get(ctx, r.ID)
		require.NoError(t, err)
		assert.Equal(t, r.Vector, got.Vector)
	}
}

func TestIndex_SearchErrors(t *testing.T) {
	idx := New(newStore(t), DefaultOptions())
	ctx := context.Background()

	res, err := idx.Search(ctx, []float32{1, 0}, SearchOptions{TopK: 3})
	require.NoError(t, err)
	assert.Empty(t, res, "empty index")

	require.NoError(t, idx.Upsert(ctx, "a", []float32{1, 0}, Metadata{}))
	_, err = idx.Search(ctx, []float32{0, 0}, SearchOptions{})
	assert.ErrorIs(t, err, ErrZeroQuery)
	_, err = idx.Search(ctx, []float32{}, SearchOptions{})
	assert.ErrorIs(t, err, ErrEmptyVector)

	_, err = idx.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIndex_DeterministicTieBreak(t *testing.T) {
	idx := New(newStore(t), DefaultOptions())
	ctx := context.Background()
	for _, id := range []string{"d", "b", "c", "a", "e"} {
		require.NoError(t, idx.Upsert(ctx, id, []float32{1, 1}, Metadata{}))
	}
	first, err := idx.Search(ctx, []float32{1, 1}, SearchOptions{TopK: 5})
	require.NoError(t, err)
	second, err := idx.Search(ctx, []float32{1, 1}, SearchOptions{TopK: 5})
	require.NoError(t, err)
	assert.Equal(t, first, second)
	var ids []string
	for _, r := range first {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, ids)
}

func TestIndex_PredicateAndMinScore(t *testing.T) {
	idx := New(newStore(t), DefaultOptions())
	ctx := context.Background()
	require.NoError(t, idx.BatchUpsert(ctx, []Item{
		{ID: "x", Vector: []float32{1, 0}},
		{ID: "y", Vector: []float32{1, 1}},
		{ID: "z", Vector: []float32{0, 1}},
	}))
	res, err := idx.Search(ctx, []float32{1, 0}, SearchOptions{
		MinScore:  0.5,
		Predicate: func(id string) bool { return id != "x" },
	})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, "y", res[0].ID)
}

func TestIndex_DeleteIsIdempotent(t *testing.T) {
	store := newStore(t)
	idx := New(store, DefaultOptions())
	ctx := context.Background()
	require.NoError(t, idx.Upsert(ctx, "a", []float32{1, 0}, Metadata{}))
	require.NoError(t, idx.Delete(ctx, "a"))
	require.NoError(t, idx.Delete(ctx, "a"))
	assert.Equal(t, 0, idx.Size())

	bs, err := store.LoadBucketAssignments(ctx)
	require.NoError(t, err)
	assert.Empty(t, bs)
}

func TestIndex_FailedWriteLeavesMirrorUnchanged(t *testing.T) {
	fs := &failingStore{SQLiteStorage: newStore(t)}
	idx := New(fs, DefaultOptions())
	ctx := context.Background()
	require.NoError(t, idx.Upsert(ctx, "a", []float32{1, 0}, Metadata{}))
	_, err := idx.Search(ctx, []float32{1, 0}, SearchOptions{})
	require.NoError(t, err)

	fs.fail = true
	err = idx.Upsert(ctx, "a", []float32{0, 1}, Metadata{})
	require.Error(t, err)
	err = idx.Upsert(ctx, "b", []float32{0, 1}, Metadata{})
	require.Error(t, err)

	rec, err := idx.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0}, rec.Vector)
	assert.Equal(t, 1, idx.Size())
}

func TestIndex_FirstInsertFailureDoesNotFixDimension(t *testing.T) {
	fs := &failingStore{SQLiteStorage: newStore(t), fail: true}
	idx := New(fs, DefaultOptions())
	ctx := context.Background()
	require.Error(t, idx.Upsert(ctx, "a", []float32{1, 0, 0}, Metadata{}))
	fs.fail = false
	require.NoError(t, idx.Upsert(ctx, "a", []float32{1, 0}, Metadata{}))
	assert.Equal(t, 2, idx.Dimensions())
}

func TestIndex_LazyLoadSeesPersistedWrites(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	writer := New(store, DefaultOptions())
	require.NoError(t, writer.Upsert(ctx, "a", []float32{1, 0}, Metadata{SourceHash: "h", Provider: "local"}))
	assert.Equal(t, 0, writer.Size(), "mirror not loaded yet")

	res, err := writer.Search(ctx, []float32{1, 0}, SearchOptions{})
	require.NoError(t, err)
	require.Len(t, res, 1)
	assert.Equal(t, 1, writer.Size())

	other := New(store, DefaultOptions())
	rec, err := other.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "h", rec.SourceHash)
	assert.Equal(t, "local", rec.Provider)
}

func TestIndex_FallbackMatchesBruteForce(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(7, 7))

	bucketed := New(store, Options{Bits: 64, BruteForceThreshold: 1, Seed: 3})
	var items []Item
	for i := 0; i < 50; i++ {
		items = append(items, Item{ID: fmt.Sprintf("v%02d", i), Vector: randomVec(rng, 8)})
	}
	require.NoError(t, bucketed.BatchUpsert(ctx, items))

	q := randomVec(rng, 8)
	got, err := bucketed.Search(ctx, q, SearchOptions{TopK: 5, MinScore: -1})
	require.NoError(t, err)

	exact := New(store, Options{Bits: 64, BruteForceThreshold: math.MaxInt, Seed: 3})
	want, err := exact.Search(ctx, q, SearchOptions{TopK: 5, MinScore: -1})
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestIndex_NeighborProbingCoversOneBitIndex(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	rng := rand.New(rand.NewPCG(9, 9))

	probing := New(store, Options{Bits: 1, BruteForceThreshold: 1, ProbeNeighbors: true})
	for i := 0; i < 30; i++ {
		require.NoError(t, probing.Upsert(ctx, fmt.Sprintf("v%02d", i), randomVec(rng, 4), Metadata{}))
	}
	q := randomVec(rng, 4)
	got, err := probing.Search(ctx, q, SearchOptions{MinScore: -1})
	require.NoError(t, err)
	assert.Len(t, got, 30)
}

func TestIndex_LoadRebuildsDirtyAssignments(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()

	seed := New(store, Options{Bits: 4})
	require.NoError(t, seed.Upsert(ctx, "a", []float32{1, 0, 0}, Metadata{}))
	var recs []*models.EmbeddingRecord
	for i := 0; i < 9; i++ {
		v := []float32{float32(i), 1, -1}
		recs = append(recs, &models.EmbeddingRecord{ID: fmt.Sprintf("raw%d", i), Vector: v, Norm: L2Norm(v)})
	}
	require.NoError(t, store.WriteEmbeddings(ctx, nil, recs, nil))

	idx := New(store, Options{Bits: 4})
	st, err := idx.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, st.Size)
	assert.Equal(t, 0, st.Dirty)

	bs, err := store.LoadBucketAssignments(ctx)
	require.NoError(t, err)
	assert.Len(t, bs, 10)
}

func TestIndex_BitsChangeStartsNewGeneration(t *testing.T) {
	store := newStore(t)
	ctx := context.Background()
	first := New(store, Options{Bits: 4})
	require.NoError(t, first.BatchUpsert(ctx, []Item{
		{ID: "a", Vector: []float32{1, 0}},
		{ID: "b", Vector: []float32{0, 1}},
	}))

	second := New(store, Options{Bits: 8})
	st, err := second.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Generation)
	assert.Equal(t, 8, st.Bits)
	assert.Equal(t, 0, st.Dirty)

	meta, err := store.LoadIndexMeta(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, meta.Generation)
	assert.Len(t, meta.Projection, 8*2)
	bs, err := store.LoadBucketAssignments(ctx)
	require.NoError(t, err)
	for _, b := range bs {
		assert.Equal(t, 2, b.Generation)
		assert.Len(t, b.BucketID, 8)
	}
}

func TestIndex_ConcurrentReadersAndWriter(t *testing.T) {
	idx := New(newStore(t), DefaultOptions())
	ctx := context.Background()
	require.NoError(t, idx.Upsert(ctx, "seed", []float32{1, 0, 0}, Metadata{}))

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			_ = idx.Upsert(ctx, fmt.Sprintf("w%d", i), []float32{float32(i), 1, 0}, Metadata{})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 50; i++ {
			res, err := idx.Search(ctx, []float32{1, 0, 0}, SearchOptions{TopK: 3})
			assert.NoError(t, err)
			assert.NotEmpty(t, res)
		}
	}()
	wg.Wait()
	assert.Equal(t, 51, idx.Size())
}
