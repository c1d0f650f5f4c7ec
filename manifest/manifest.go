// Package manifest implements the authoritative per-index shard listing and
// its versioned, atomically-flipped persistence.
//
// A manifest version is an immutable object `manifest.v{N}.json` created with
// a conditional put; `manifest.json` is a tiny mutable pointer naming the
// current version. Creation of the version object is the arbiter: two racing
// publishers cannot both create v{N}, so the loser re-reads and retries
// against the new base. Nothing is visible until the pointer flips.
package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/cumulusvec/cumulus/blobstore"
	"github.com/cumulusvec/cumulus/errs"
	"github.com/cumulusvec/cumulus/layout"
	"github.com/cumulusvec/cumulus/model"
)

// ShardRef is one published shard in a manifest.
type ShardRef struct {
	ShardID      string   `json:"shardId"`
	VectorCount  int      `json:"vectorCount"`
	Checksum     uint32   `json:"checksum"`
	SourceSlices []string `json:"sourceSlices"`
}

// Tombstone marks a key as deleted. Barrier is the largest slice id that
// existed when the delete was issued: a record survives its key's tombstone
// only if it originates from a younger slice (a re-submission after the
// delete).
type Tombstone struct {
	DeletedAt time.Time `json:"deletedAt"`
	Barrier   string    `json:"barrier"`
}

// Covers reports whether a record from sliceID is deleted by this tombstone.
func (t Tombstone) Covers(sliceID string) bool {
	return sliceID <= t.Barrier
}

// Manifest is the current contents of one index.
type Manifest struct {
	Descriptor model.IndexDescriptor `json:"indexDescriptor"`
	Shards     []ShardRef            `json:"shards"`
	Tombstones map[string]Tombstone  `json:"tombstones,omitempty"`
	Version    uint64                `json:"version"`
}

// Empty reports whether the manifest lists no shards.
func (m *Manifest) Empty() bool { return len(m.Shards) == 0 }

// TotalVectors sums vector counts across shards.
func (m *Manifest) TotalVectors() int {
	total := 0
	for _, s := range m.Shards {
		total += s.VectorCount
	}
	return total
}

// MaxSliceID returns the lexicographically largest slice id consumed by any
// shard, or "" for an empty manifest. The indexer uses it to find
// un-consumed slices.
func (m *Manifest) MaxSliceID() string {
	max := ""
	for _, shard := range m.Shards {
		for _, id := range shard.SourceSlices {
			if id > max {
				max = id
			}
		}
	}
	return max
}

// ConsumedSlices returns the set of all slice ids referenced by shards.
func (m *Manifest) ConsumedSlices() map[string]bool {
	out := make(map[string]bool)
	for _, shard := range m.Shards {
		for _, id := range shard.SourceSlices {
			out[id] = true
		}
	}
	return out
}

// HasShard reports whether the manifest references shardID.
func (m *Manifest) HasShard(shardID string) bool {
	for _, s := range m.Shards {
		if s.ShardID == shardID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy suitable for building the next version.
func (m *Manifest) Clone() *Manifest {
	out := &Manifest{
		Descriptor: m.Descriptor,
		Version:    m.Version,
		Shards:     make([]ShardRef, len(m.Shards)),
		Tombstones: make(map[string]Tombstone, len(m.Tombstones)),
	}
	for i, s := range m.Shards {
		out.Shards[i] = s
		out.Shards[i].SourceSlices = append([]string(nil), s.SourceSlices...)
	}
	for k, v := range m.Tombstones {
		out.Tombstones[k] = v
	}
	return out
}

// pointer is the body of manifest.json.
type pointer struct {
	Current string `json:"current"`
	Version uint64 `json:"version"`
}

// Store reads and publishes manifests for all indexes.
type Store struct {
	store blobstore.Store
}

// NewStore creates a manifest Store.
func NewStore(store blobstore.Store) *Store {
	return &Store{store: store}
}

// Load returns the current manifest for (bucket, index). A missing pointer
// yields an empty version-0 manifest carrying the given descriptor, so a
// freshly created index is queryable before its first build.
func (s *Store) Load(ctx context.Context, desc *model.IndexDescriptor) (*Manifest, error) {
	data, err := s.store.Get(ctx, layout.ManifestPointer(desc.Bucket, desc.IndexName))
	if err != nil {
		if errs.IsNotFound(err) {
			return &Manifest{Descriptor: *desc, Tombstones: map[string]Tombstone{}}, nil
		}
		return nil, err
	}

	var ptr pointer
	if err := json.Unmarshal(data, &ptr); err != nil {
		return nil, errs.New(errs.KindCorruption, "manifest.load", err)
	}

	body, err := s.store.Get(ctx, layout.ManifestVersion(desc.Bucket, desc.IndexName, ptr.Version))
	if err != nil {
		if errs.IsNotFound(err) {
			return nil, errs.Newf(errs.KindCorruption, "manifest.load",
				"pointer names missing version %d", ptr.Version)
		}
		return nil, err
	}

	var m Manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, errs.New(errs.KindCorruption, "manifest.load", err)
	}
	if m.Version != ptr.Version {
		return nil, errs.Newf(errs.KindCorruption, "manifest.load",
			"version object says %d, pointer says %d", m.Version, ptr.Version)
	}
	if err := m.Descriptor.Normalize(); err != nil {
		return nil, errs.New(errs.KindCorruption, "manifest.load", err)
	}
	if m.Tombstones == nil {
		m.Tombstones = map[string]Tombstone{}
	}
	return &m, nil
}

// Publish writes next as the successor of the version it was cloned from.
// next.Version must already be base+1. Returns Conflict if another publisher
// won the race for that version; the caller re-reads and retries its cycle.
func (s *Store) Publish(ctx context.Context, next *Manifest) error {
	if next.Version == 0 {
		return errs.Newf(errs.KindFatal, "manifest.publish", "refusing to publish version 0")
	}
	bucket, index := next.Descriptor.Bucket, next.Descriptor.IndexName

	body, err := json.Marshal(next)
	if err != nil {
		return errs.New(errs.KindFatal, "manifest.publish", err)
	}

	// Phase 1: the immutable version object. Conditional create arbitrates
	// concurrent publishers.
	versionKey := layout.ManifestVersion(bucket, index, next.Version)
	if err := s.store.PutIfAbsent(ctx, versionKey, body); err != nil {
		if errs.IsConflict(err) {
			return errs.Newf(errs.KindConflict, "manifest.publish",
				"version %d already published", next.Version)
		}
		return err
	}

	// Phase 2: flip the pointer. Only the winner of phase 1 reaches this,
	// so a plain put is safe under the build lease.
	ptr, err := json.Marshal(pointer{
		Current: fmt.Sprintf("manifest.v%d.json", next.Version),
		Version: next.Version,
	})
	if err != nil {
		return errs.New(errs.KindFatal, "manifest.publish", err)
	}
	return s.store.Put(ctx, layout.ManifestPointer(bucket, index), ptr)
}

// Versions lists all persisted manifest version numbers for an index in
// ascending order, for retention and debugging.
func (s *Store) Versions(ctx context.Context, bucket, index string) ([]uint64, error) {
	keys, err := s.store.List(ctx, layout.IndexPrefix(bucket, index))
	if err != nil {
		return nil, err
	}
	var versions []uint64
	for _, key := range keys {
		var v uint64
		if _, err := fmt.Sscanf(key, layout.IndexPrefix(bucket, index)+"manifest.v%d.json", &v); err == nil {
			versions = append(versions, v)
		}
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions, nil
}
