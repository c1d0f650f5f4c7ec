// Package query implements the read path: kNN fan-out across shards, result
// merge, point lookup, listing and tombstone deletes.
package query

import (
	"container/list"
	"sync"

	"github.com/cumulusvec/cumulus/ivfpq"
	"github.com/cumulusvec/cumulus/shard"
)

// shardKey identifies a cached shard.
type shardKey struct {
	bucket, index, shardID string
}

// cachedShard bundles the deserialized artifacts a search needs. The
// metadata.jsonl blob is not cached; records are range-read on demand.
type cachedShard struct {
	index  *ivfpq.Index
	keymap []shard.KeyEntry
	config shard.Config
	// size is the byte weight charged against the cache capacity (the
	// marshaled index plus keymap blob sizes).
	size int64
}

type cacheItem struct {
	key   shardKey
	shard *cachedShard
	pins  int
}

// shardCache is a byte-bounded LRU over shard artifacts. Entries pinned by
// an in-flight search are never evicted; eviction takes the coldest
// unpinned entry. A single oversized shard is admitted anyway: refusing it
// would make the shard unqueryable.
type shardCache struct {
	mu       sync.Mutex
	capacity int64
	used     int64
	entries  map[shardKey]*list.Element
	ll       *list.List // front = most recently used
}

func newShardCache(capacity int64) *shardCache {
	return &shardCache{
		capacity: capacity,
		entries:  make(map[shardKey]*list.Element),
		ll:       list.New(),
	}
}

// get returns and pins a cached shard. Callers must unpin.
func (c *shardCache) get(key shardKey) (*cachedShard, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	c.ll.MoveToFront(elem)
	item := elem.Value.(*cacheItem)
	item.pins++
	return item.shard, true
}

// put inserts and pins a shard, evicting cold entries as needed. If the key
// raced in concurrently, the existing entry wins and is returned instead.
func (c *shardCache) put(key shardKey, s *cachedShard) *cachedShard {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.ll.MoveToFront(elem)
		item := elem.Value.(*cacheItem)
		item.pins++
		return item.shard
	}

	c.used += s.size
	c.evictLocked()

	elem := c.ll.PushFront(&cacheItem{key: key, shard: s, pins: 1})
	c.entries[key] = elem
	return s
}

// unpin releases a pin taken by get or put.
func (c *shardCache) unpin(key shardKey) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return
	}
	item := elem.Value.(*cacheItem)
	if item.pins > 0 {
		item.pins--
	}
	c.evictLocked()
}

// evictLocked drops cold unpinned entries until within capacity.
func (c *shardCache) evictLocked() {
	for c.used > c.capacity {
		evicted := false
		for elem := c.ll.Back(); elem != nil; elem = elem.Prev() {
			item := elem.Value.(*cacheItem)
			if item.pins > 0 {
				continue
			}
			c.ll.Remove(elem)
			delete(c.entries, item.key)
			c.used -= item.shard.size
			evicted = true
			break
		}
		if !evicted {
			// Everything left is pinned; stay over budget until unpin.
			return
		}
	}
}

// invalidate drops unpinned entries belonging to (bucket, index). The
// planner does not call it; entries of shards dropped from a manifest leave
// the cache through LRU eviction.
func (c *shardCache) invalidate(bucket, index string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var next *list.Element
	for elem := c.ll.Front(); elem != nil; elem = next {
		next = elem.Next()
		item := elem.Value.(*cacheItem)
		if item.key.bucket != bucket || item.key.index != index || item.pins > 0 {
			continue
		}
		c.ll.Remove(elem)
		delete(c.entries, item.key)
		c.used -= item.shard.size
	}
}

// stats returns current usage for tests and introspection.
func (c *shardCache) stats() (used int64, entries int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used, len(c.entries)
}
