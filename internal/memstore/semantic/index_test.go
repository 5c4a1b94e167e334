package semantic

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/nerdlabs/memstore/internal/memstore/embedding"
)

// TestMain verifies ensure()'s errgroup workers (the only goroutines this
// package spawns) always wind down before the test binary exits.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeEngine struct {
	vectors map[string][]float32
	dims    int
}

func (f *fakeEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	return make([]float32, f.dims), nil
}

func (f *fakeEngine) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return f.Embed(ctx, text)
}

func (f *fakeEngine) Dimensions() int { return f.dims }
func (f *fakeEngine) Name() string    { return "fake" }

func newTestIndex(t *testing.T, engine embedding.Engine) *Index {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "semantic.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	idx := New(db, engine)
	require.NoError(t, idx.Initialize())
	return idx
}

func TestStoreAndLoadBlockEmbedding(t *testing.T) {
	idx := newTestIndex(t, nil)

	require.NoError(t, idx.StoreBlockEmbedding("b1", []float32{1, 0, 0}))

	all, err := idx.LoadAllBlockEmbeddings()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 0}, all["b1"])
}

func TestDeleteBlockEmbedding(t *testing.T) {
	idx := newTestIndex(t, nil)
	require.NoError(t, idx.StoreBlockEmbedding("b1", []float32{1, 0, 0}))
	require.NoError(t, idx.DeleteBlockEmbedding("b1"))

	all, err := idx.LoadAllBlockEmbeddings()
	require.NoError(t, err)
	_, ok := all["b1"]
	assert.False(t, ok)
}

func TestRefreshBlockEmbeddingNoEngineIsNoop(t *testing.T) {
	idx := newTestIndex(t, nil)
	idx.RefreshBlockEmbedding(context.Background(), "b1", "some content")

	all, err := idx.LoadAllBlockEmbeddings()
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestRefreshBlockEmbeddingWithEngine(t *testing.T) {
	engine := &fakeEngine{dims: 3, vectors: map[string][]float32{"hello": {1, 2, 3}}}
	idx := newTestIndex(t, engine)

	idx.RefreshBlockEmbedding(context.Background(), "b1", "hello")

	all, err := idx.LoadAllBlockEmbeddings()
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3}, all["b1"])
}

func TestEnsureBlockEmbeddingsSkipsAlreadyEmbedded(t *testing.T) {
	engine := &fakeEngine{dims: 3}
	idx := newTestIndex(t, engine)
	require.NoError(t, idx.StoreBlockEmbedding("existing", []float32{1, 1, 1}))

	generated, err := idx.EnsureBlockEmbeddings(context.Background(), []Item{
		{ID: "existing", Content: "already embedded"},
		{ID: "new-one", Content: "needs embedding"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, generated)
}

func TestSearchBlocksRanksByScoreDescending(t *testing.T) {
	engine := &fakeEngine{dims: 3}
	idx := newTestIndex(t, engine)
	require.NoError(t, idx.StoreBlockEmbedding("close", []float32{1, 0, 0}))
	require.NoError(t, idx.StoreBlockEmbedding("far", []float32{0, 1, 0}))
	engine.vectors = map[string][]float32{"query": {1, 0, 0}}

	items := []Item{{ID: "close", Content: "x"}, {ID: "far", Content: "y"}}
	results, err := idx.SearchBlocks(context.Background(), "query", items, 5, 0.0)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "close", results[0].Item.ID)
	assert.InDelta(t, 1.0, results[0].Score, 0.0001)
}

func TestSearchBlocksNoEngineReturnsUnavailable(t *testing.T) {
	idx := newTestIndex(t, nil)
	_, err := idx.SearchBlocks(context.Background(), "query", []Item{{ID: "a", Content: "x"}}, 5, 0.5)
	require.Error(t, err)
	var unavailable *embedding.ErrUnavailable
	assert.ErrorAs(t, err, &unavailable)
}

func TestCosineIdenticalAndOrthogonal(t *testing.T) {
	score, err := embedding.Cosine([]float32{1, 0, 0}, []float32{1, 0, 0})
	require.NoError(t, err)
	assert.InDelta(t, 1.0, score, 0.0001)

	score, err = embedding.Cosine([]float32{1, 0, 0}, []float32{0, 1, 0})
	require.NoError(t, err)
	assert.InDelta(t, 0.0, score, 0.0001)
}

func TestCosineDimensionMismatch(t *testing.T) {
	_, err := embedding.Cosine([]float32{1, 0}, []float32{1, 0, 0})
	require.Error(t, err)
	var mismatch *embedding.DimensionMismatchError
	assert.ErrorAs(t, err, &mismatch)
}
