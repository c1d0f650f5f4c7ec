package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func key(id string) shardKey {
	return shardKey{bucket: "docs", index: "embeddings", shardID: id}
}

func TestCacheHitPinsEntry(t *testing.T) {
	c := newShardCache(100)
	c.put(key("a"), &cachedShard{size: 40})
	c.unpin(key("a"))

	got, ok := c.get(key("a"))
	require.True(t, ok)
	assert.NotNil(t, got)
	c.unpin(key("a"))
}

func TestCacheEvictsLRUWhenOverCapacity(t *testing.T) {
	c := newShardCache(100)
	c.put(key("a"), &cachedShard{size: 60})
	c.unpin(key("a"))
	c.put(key("b"), &cachedShard{size: 60})
	c.unpin(key("b"))

	// a was least recently used and unpinned: gone.
	_, ok := c.get(key("a"))
	assert.False(t, ok)
	_, ok = c.get(key("b"))
	assert.True(t, ok)
	c.unpin(key("b"))

	used, entries := c.stats()
	assert.EqualValues(t, 60, used)
	assert.Equal(t, 1, entries)
}

func TestCachePinnedEntriesSurviveEviction(t *testing.T) {
	c := newShardCache(100)
	c.put(key("a"), &cachedShard{size: 60}) // still pinned
	c.put(key("b"), &cachedShard{size: 60}) // over budget, but a is pinned

	_, ok := c.get(key("a"))
	require.True(t, ok)
	c.unpin(key("a"))
	c.unpin(key("a"))
	c.unpin(key("b"))

	// After unpinning, the next eviction pass trims back under capacity.
	c.put(key("c"), &cachedShard{size: 10})
	c.unpin(key("c"))
	used, _ := c.stats()
	assert.LessOrEqual(t, used, int64(100))
}

func TestCachePutRaceReturnsExisting(t *testing.T) {
	c := newShardCache(100)
	first := &cachedShard{size: 10}
	second := &cachedShard{size: 10}

	got := c.put(key("a"), first)
	assert.Same(t, first, got)

	got = c.put(key("a"), second)
	assert.Same(t, first, got)
}

func TestCacheInvalidateDropsIndexEntries(t *testing.T) {
	c := newShardCache(1000)
	c.put(key("a"), &cachedShard{size: 10})
	c.unpin(key("a"))
	other := shardKey{bucket: "other", index: "idx", shardID: "x"}
	c.put(other, &cachedShard{size: 10})
	c.unpin(other)

	c.invalidate("docs", "embeddings")

	_, ok := c.get(key("a"))
	assert.False(t, ok)
	_, ok = c.get(other)
	assert.True(t, ok)
}
