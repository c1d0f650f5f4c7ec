package ingest

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cumulusvec/cumulus/blobstore"
	"github.com/cumulusvec/cumulus/catalog"
	"github.com/cumulusvec/cumulus/errs"
	"github.com/cumulusvec/cumulus/layout"
	"github.com/cumulusvec/cumulus/metadata"
	"github.com/cumulusvec/cumulus/model"
)

func setup(t *testing.T) (*blobstore.MemoryStore, *catalog.Catalog) {
	t.Helper()
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	cat := catalog.New(store)

	_, err := cat.CreateBucket(ctx, "docs")
	require.NoError(t, err)

	desc := &model.IndexDescriptor{Bucket: "docs", IndexName: "embeddings", Dimension: 2, Metric: "cosine"}
	require.NoError(t, desc.Normalize())
	_, err = cat.CreateIndex(ctx, desc)
	require.NoError(t, err)
	return store, cat
}

func TestSliceRoundtrip(t *testing.T) {
	records := []model.VectorRecord{
		{Key: "a", Embedding: []float32{1, 0}, Metadata: metadata.Document{"lang": "go"}},
		{Key: "b", Embedding: []float32{0, 1}},
	}

	for _, format := range []model.SliceFormat{model.FormatJSONL, model.FormatJSONLZstd} {
		blob, err := EncodeSlice(format, records)
		require.NoError(t, err)

		got, err := DecodeSlice(format, blob)
		require.NoError(t, err)
		assert.Equal(t, records, got, "format %s", format)
	}
}

func TestSliceIDsSortByCounter(t *testing.T) {
	a := NewSliceID(1)
	b := NewSliceID(2)
	c := NewSliceID(100)

	assert.Less(t, a, b)
	assert.Less(t, b, c)

	n, err := CounterValue(c)
	require.NoError(t, err)
	assert.EqualValues(t, 100, n)
}

func TestCounterIsMonotone(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	c := NewCounter(store, "docs", "embeddings")

	var values []uint64
	for i := 0; i < 5; i++ {
		v, err := c.Next(ctx)
		require.NoError(t, err)
		values = append(values, v)
	}
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, values)
}

func TestCounterConcurrentClaimsAreUnique(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()

	const n = 20
	var mu sync.Mutex
	seen := make(map[uint64]bool)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := NewCounter(store, "docs", "embeddings").Next(ctx)
			require.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			assert.False(t, seen[v], "value %d assigned twice", v)
			seen[v] = true
		}()
	}
	wg.Wait()
	assert.Len(t, seen, n)
}

func TestIsCounterKey(t *testing.T) {
	assert.True(t, IsCounterKey("docs/embeddings/raw/.counter"))
	assert.True(t, IsCounterKey("docs/embeddings/raw/.counter.00000000000000000003"))
	assert.False(t, IsCounterKey("docs/embeddings/raw/00000000000000000003-ab.jsonl"))
}

func TestPutVectorsWritesSlice(t *testing.T) {
	ctx := context.Background()
	store, cat := setup(t)
	ing := NewIngestor(store, cat)

	sliceID, err := ing.PutVectors(ctx, "docs", "embeddings", []model.VectorRecord{
		{Key: "doc-1", Embedding: []float32{1, 0}, Metadata: metadata.Document{"category": "a"}},
		{Key: "doc-2", Embedding: []float32{0, 1}},
	})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sliceID, "00000000000000000001-"))

	blob, err := store.Get(ctx, layout.Slice("docs", "embeddings", sliceID, "jsonl"))
	require.NoError(t, err)
	records, err := DecodeSlice(model.FormatJSONL, blob)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "doc-1", records[0].Key)
}

func TestPutVectorsValidation(t *testing.T) {
	ctx := context.Background()
	store, cat := setup(t)
	ing := NewIngestor(store, cat, WithMaxBatch(2))

	// Wrong dimension.
	_, err := ing.PutVectors(ctx, "docs", "embeddings", []model.VectorRecord{
		{Key: "a", Embedding: []float32{1, 2, 3}},
	})
	assert.True(t, errs.IsKind(err, errs.KindValidation))

	// Empty key.
	_, err = ing.PutVectors(ctx, "docs", "embeddings", []model.VectorRecord{
		{Key: "", Embedding: []float32{1, 2}},
	})
	assert.True(t, errs.IsKind(err, errs.KindValidation))

	// Empty batch.
	_, err = ing.PutVectors(ctx, "docs", "embeddings", nil)
	assert.True(t, errs.IsKind(err, errs.KindValidation))

	// Over cap.
	_, err = ing.PutVectors(ctx, "docs", "embeddings", []model.VectorRecord{
		{Key: "a", Embedding: []float32{1, 0}},
		{Key: "b", Embedding: []float32{1, 0}},
		{Key: "c", Embedding: []float32{1, 0}},
	})
	assert.True(t, errs.IsKind(err, errs.KindValidation))

	// Unknown index.
	_, err = ing.PutVectors(ctx, "docs", "nope", []model.VectorRecord{
		{Key: "a", Embedding: []float32{1, 0}},
	})
	assert.True(t, errs.IsNotFound(err))

	// Nothing leaked into raw/ besides counter machinery.
	keys, err := store.List(ctx, layout.RawPrefix("docs", "embeddings"))
	require.NoError(t, err)
	for _, key := range keys {
		assert.True(t, IsCounterKey(key), "unexpected slice object %s", key)
	}
}

func TestFormatFromKey(t *testing.T) {
	f, err := FormatFromKey("docs/e/raw/00000000000000000001-ab.jsonl")
	require.NoError(t, err)
	assert.Equal(t, model.FormatJSONL, f)

	f, err = FormatFromKey("docs/e/raw/00000000000000000001-ab.jsonl.zst")
	require.NoError(t, err)
	assert.Equal(t, model.FormatJSONLZstd, f)

	_, err = FormatFromKey("docs/e/raw/x.parquet")
	assert.Error(t, err)
}
