package indexer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cumulusvec/cumulus/blobstore"
	"github.com/cumulusvec/cumulus/catalog"
	"github.com/cumulusvec/cumulus/ingest"
	"github.com/cumulusvec/cumulus/layout"
	"github.com/cumulusvec/cumulus/manifest"
	"github.com/cumulusvec/cumulus/model"
	"github.com/cumulusvec/cumulus/shard"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MinBuildVectors = 1
	cfg.LeaseTTL = time.Second
	return cfg
}

func setup(t *testing.T, dim int, metric string) (*blobstore.MemoryStore, *catalog.Catalog, *ingest.Ingestor, *Indexer) {
	t.Helper()
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	cat := catalog.New(store)

	_, err := cat.CreateBucket(ctx, "docs")
	require.NoError(t, err)
	desc := &model.IndexDescriptor{Bucket: "docs", IndexName: "vecs", Dimension: dim, Metric: metric}
	require.NoError(t, desc.Normalize())
	_, err = cat.CreateIndex(ctx, desc)
	require.NoError(t, err)

	return store, cat, ingest.NewIngestor(store, cat), New(store, cat, testConfig(), nil)
}

func loadManifest(t *testing.T, cat *catalog.Catalog, store blobstore.Store) *manifest.Manifest {
	t.Helper()
	ctx := context.Background()
	desc, err := cat.GetIndex(ctx, "docs", "vecs")
	require.NoError(t, err)
	m, err := manifest.NewStore(store).Load(ctx, desc)
	require.NoError(t, err)
	return m
}

func TestBuildPublishesManifestWithArtifacts(t *testing.T) {
	ctx := context.Background()
	store, cat, ing, ix := setup(t, 2, "cosine")

	_, err := ing.PutVectors(ctx, "docs", "vecs", []model.VectorRecord{
		{Key: "a", Embedding: []float32{1, 0}},
		{Key: "b", Embedding: []float32{0, 1}},
	})
	require.NoError(t, err)

	built, err := ix.BuildIndex(ctx, "docs", "vecs")
	require.NoError(t, err)
	assert.Equal(t, 1, built)

	m := loadManifest(t, cat, store)
	require.Len(t, m.Shards, 1)
	ref := m.Shards[0]
	assert.Equal(t, 2, ref.VectorCount)
	assert.Len(t, ref.SourceSlices, 1)

	// All four artifacts plus the ready marker exist.
	for _, name := range []string{
		layout.IndexBin, layout.IndexConfigJSON, layout.KeymapBin, layout.MetadataJSONL, layout.ReadyMarker,
	} {
		_, err := store.Get(ctx, layout.ShardArtifact("docs", "vecs", ref.ShardID, name))
		require.NoError(t, err, "missing artifact %s", name)
	}

	// Keymap, index and metadata line counts agree.
	keymapBlob, err := store.Get(ctx, layout.ShardArtifact("docs", "vecs", ref.ShardID, layout.KeymapBin))
	require.NoError(t, err)
	entries, err := shard.DecodeKeyMap(keymapBlob)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	metaBlob, err := store.Get(ctx, layout.ShardArtifact("docs", "vecs", ref.ShardID, layout.MetadataJSONL))
	require.NoError(t, err)
	assert.Equal(t, 2, shard.CountRecordLines(metaBlob))
}

func TestBuildSplitsIntoBoundedShards(t *testing.T) {
	ctx := context.Background()
	_, cat, ing, ix := setup(t, 2, "euclidean")
	ix.cfg.SMax = 10

	var records []model.VectorRecord
	for i := 0; i < 25; i++ {
		records = append(records, model.VectorRecord{
			Key:       fmt.Sprintf("key-%02d", i),
			Embedding: []float32{float32(i), float32(i % 7)},
		})
	}
	_, err := ing.PutVectors(ctx, "docs", "vecs", records)
	require.NoError(t, err)

	built, err := ix.BuildIndex(ctx, "docs", "vecs")
	require.NoError(t, err)
	assert.Equal(t, 3, built, "25 vectors at SMax=10 make 3 shards")

	m := loadManifest(t, cat, ix.store)
	total := 0
	for _, ref := range m.Shards {
		assert.LessOrEqual(t, ref.VectorCount, 10)
		total += ref.VectorCount
	}
	assert.Equal(t, 25, total)
}

func TestBuildBelowThresholdWaitsForIdle(t *testing.T) {
	ctx := context.Background()
	_, _, ing, ix := setup(t, 2, "cosine")
	ix.cfg.MinBuildVectors = 100
	ix.cfg.IdleAfter = time.Hour

	_, err := ing.PutVectors(ctx, "docs", "vecs", []model.VectorRecord{
		{Key: "a", Embedding: []float32{1, 0}},
	})
	require.NoError(t, err)

	built, err := ix.BuildIndex(ctx, "docs", "vecs")
	require.NoError(t, err)
	assert.Zero(t, built, "below threshold and not yet idle")

	// Same backlog, but now the slice has aged past IdleAfter.
	ix.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	built, err = ix.BuildIndex(ctx, "docs", "vecs")
	require.NoError(t, err)
	assert.Equal(t, 1, built)
}

func TestCrashBeforePointerFlipIsRecovered(t *testing.T) {
	ctx := context.Background()
	store, cat, ing, ix := setup(t, 2, "cosine")

	_, err := ing.PutVectors(ctx, "docs", "vecs", []model.VectorRecord{
		{Key: "a", Embedding: []float32{1, 0}},
		{Key: "b", Embedding: []float32{0, 1}},
	})
	require.NoError(t, err)

	_, err = ix.BuildIndex(ctx, "docs", "vecs")
	require.NoError(t, err)

	// Simulate a crash between artifact writes and the pointer flip: the
	// manifest disappears, shard artifacts and slices remain.
	require.NoError(t, store.Delete(ctx, layout.ManifestPointer("docs", "vecs")))
	require.NoError(t, store.Delete(ctx, "docs/vecs/manifest.v1.json"))

	// A fresh cycle rebuilds the same slice group into the same shard id
	// and republishes; every vector lands in the manifest exactly once.
	built, err := ix.BuildIndex(ctx, "docs", "vecs")
	require.NoError(t, err)
	assert.Equal(t, 1, built)

	m := loadManifest(t, cat, store)
	require.Len(t, m.Shards, 1)
	assert.Equal(t, 2, m.TotalVectors())
}

func TestConsumedSlicesDeletedAfterRetention(t *testing.T) {
	ctx := context.Background()
	store, _, ing, ix := setup(t, 2, "cosine")
	ix.cfg.Retention = time.Hour

	_, err := ing.PutVectors(ctx, "docs", "vecs", []model.VectorRecord{
		{Key: "a", Embedding: []float32{1, 0}},
	})
	require.NoError(t, err)
	_, err = ix.BuildIndex(ctx, "docs", "vecs")
	require.NoError(t, err)

	// Slice still present inside the retention window.
	keys, err := store.List(ctx, layout.RawPrefix("docs", "vecs"))
	require.NoError(t, err)
	sliceSeen := false
	for _, key := range keys {
		if !ingest.IsCounterKey(key) {
			sliceSeen = true
		}
	}
	assert.True(t, sliceSeen)

	// Past retention, the next cycle reclaims it.
	ix.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = ix.BuildIndex(ctx, "docs", "vecs")
	require.NoError(t, err)

	keys, err = store.List(ctx, layout.RawPrefix("docs", "vecs"))
	require.NoError(t, err)
	for _, key := range keys {
		assert.True(t, ingest.IsCounterKey(key), "slice %s should be reclaimed", key)
	}
}

func TestOrphanShardRemovedAfterGrace(t *testing.T) {
	ctx := context.Background()
	store, _, ing, ix := setup(t, 2, "cosine")

	// An unreferenced shard directory, e.g. left by a crashed worker.
	for _, name := range []string{layout.IndexBin, layout.ReadyMarker} {
		require.NoError(t, store.Put(ctx, layout.ShardArtifact("docs", "vecs", "999999-dead", name), []byte("x")))
	}

	// Within grace: untouched even by a build cycle.
	_, err := ing.PutVectors(ctx, "docs", "vecs", []model.VectorRecord{
		{Key: "a", Embedding: []float32{1, 0}},
	})
	require.NoError(t, err)
	_, err = ix.BuildIndex(ctx, "docs", "vecs")
	require.NoError(t, err)
	_, err = store.Get(ctx, layout.ShardArtifact("docs", "vecs", "999999-dead", layout.IndexBin))
	require.NoError(t, err)

	// Past grace: reclaimed.
	ix.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	_, err = ix.BuildIndex(ctx, "docs", "vecs")
	require.NoError(t, err)

	keys, err := store.List(ctx, layout.ShardPrefix("docs", "vecs", "999999-dead"))
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestRunOnceSweepsAllIndexes(t *testing.T) {
	ctx := context.Background()
	store, cat, ing, ix := setup(t, 2, "cosine")

	desc := &model.IndexDescriptor{Bucket: "docs", IndexName: "other", Dimension: 2, Metric: "euclidean"}
	require.NoError(t, desc.Normalize())
	_, err := cat.CreateIndex(ctx, desc)
	require.NoError(t, err)

	_, err = ing.PutVectors(ctx, "docs", "vecs", []model.VectorRecord{{Key: "a", Embedding: []float32{1, 0}}})
	require.NoError(t, err)
	_, err = ing.PutVectors(ctx, "docs", "other", []model.VectorRecord{{Key: "b", Embedding: []float32{0, 1}}})
	require.NoError(t, err)

	require.NoError(t, ix.RunOnce(ctx))

	for _, index := range []string{"vecs", "other"} {
		d, err := cat.GetIndex(ctx, "docs", index)
		require.NoError(t, err)
		m, err := manifest.NewStore(store).Load(ctx, d)
		require.NoError(t, err)
		assert.False(t, m.Empty(), "index %s should have shards", index)
	}
}

func TestPartitionTailGroup(t *testing.T) {
	records := make([]sourced, 7)
	groups := partition(records, 3)
	require.Len(t, groups, 3)
	assert.Len(t, groups[0], 3)
	assert.Len(t, groups[1], 3)
	assert.Len(t, groups[2], 1)
}
