package keyword

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/chatsearch/internal/models"
)

var base = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func fixture(t *testing.T) *BleveIndex {
	t.Helper()
	idx, err := NewBleveIndex("", SearchOptions{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })

	msgs := []*models.Message{
		{ID: "m1", ChatID: "c1", Role: "user", Category: "billing", Content: "What is the refund policy for annual plans?", CreatedAt: base},
		{ID: "m2", ChatID: "c1", Role: "assistant", Category: "billing", Content: "Refunds are issued within 30 days of purchase.", CreatedAt: base.Add(time.Hour)},
		{ID: "m3", ChatID: "c2", Role: "user", Category: "support", Content: "My refund never arrived and the policy page is empty.", CreatedAt: base.Add(48 * time.Hour)},
		{ID: "m4", ChatID: "c3", Role: "user", Category: "general", Content: "Let's talk about the weather.", CreatedAt: base.Add(72 * time.Hour)},
	}
	require.NoError(t, idx.IndexMessages(context.Background(), msgs))
	return idx
}

func ids(items []*models.ScoredItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ID
	}
	return out
}

func TestBleveIndex_SearchFindsContent(t *testing.T) {
	idx := fixture(t)
	res, err := idx.Search(context.Background(), "refund policy", nil, 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"m1", "m3"}, ids(res))
	for i := 1; i < len(res); i++ {
		assert.GreaterOrEqual(t, res[i-1].Score, res[i].Score)
	}
	assert.InDelta(t, 1.0, res[0].Score, 1e-9)
	assert.Contains(t, res[0].Snippet, "<mark>")

	count, err := idx.Count()
	require.NoError(t, err)
	assert.Equal(t, uint64(4), count)
}

func TestBleveIndex_Filters(t *testing.T) {
	idx := fixture(t)
	ctx := context.Background()

	res, err := idx.Search(ctx, "refund", &models.SearchFilters{ChatIDs: []string{"c2"}}, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"m3"}, ids(res))

	res, err = idx.Search(ctx, "refund", &models.SearchFilters{Roles: []string{"user"}, Categories: []string{"billing"}}, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, ids(res))

	from, to := base, base.Add(24*time.Hour)
	res, err = idx.Search(ctx, "refund policy", &models.SearchFilters{From: &from, To: &to}, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, ids(res))

	later := base.Add(time.Hour)
	res, err = idx.Search(ctx, "refund refunds", &models.SearchFilters{From: &later}, 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"m2", "m3"}, ids(res))
}

func TestBleveIndex_Fuzzy(t *testing.T) {
	idx, err := NewBleveIndex(":memory:", SearchOptions{Fuzziness: 1})
	require.NoError(t, err)
	defer idx.Close()
	ctx := context.Background()
	require.NoError(t, idx.IndexMessage(ctx, &models.Message{ID: "a", ChatID: "c", Content: "weather forecast", CreatedAt: base}))

	res, err := idx.Search(ctx, "wether", nil, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, ids(res))
}

func TestBleveIndex_EmptyQuery(t *testing.T) {
	idx := fixture(t)
	_, err := idx.Search(context.Background(), "  ", nil, 10)
	assert.ErrorIs(t, err, models.ErrEmptyQuery)
}

func TestBleveIndex_Delete(t *testing.T) {
	idx := fixture(t)
	ctx := context.Background()
	require.NoError(t, idx.Delete(ctx, "m4"))
	require.NoError(t, idx.Delete(ctx, "missing"))

	res, err := idx.Search(ctx, "weather", nil, 10)
	require.NoError(t, err)
	assert.Empty(t, res)
}

func TestBleveIndex_ReopensOnDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "bleve")
	idx, err := NewBleveIndex(path, SearchOptions{})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, idx.IndexMessage(ctx, &models.Message{ID: "x", ChatID: "c", Content: "uniqueword", CreatedAt: base}))
	require.NoError(t, idx.Close())

	_, err = os.Stat(path)
	require.NoError(t, err)

	reopened, err := NewBleveIndex(path, SearchOptions{})
	require.NoError(t, err)
	defer reopened.Close()
	res, err := reopened.Search(ctx, "uniqueword", nil, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, ids(res))
}
