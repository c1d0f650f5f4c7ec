package query

import (
	"context"
	"encoding/base64"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/cumulusvec/cumulus"
	"github.com/cumulusvec/cumulus/blobstore"
	"github.com/cumulusvec/cumulus/catalog"
	"github.com/cumulusvec/cumulus/distance"
	"github.com/cumulusvec/cumulus/errs"
	"github.com/cumulusvec/cumulus/ingest"
	"github.com/cumulusvec/cumulus/ivfpq"
	"github.com/cumulusvec/cumulus/layout"
	"github.com/cumulusvec/cumulus/lease"
	"github.com/cumulusvec/cumulus/manifest"
	"github.com/cumulusvec/cumulus/metadata"
	"github.com/cumulusvec/cumulus/model"
	"github.com/cumulusvec/cumulus/shard"
)

// Config tunes the planner.
type Config struct {
	// CacheBytes bounds the shard artifact cache. Default 256 MiB.
	CacheBytes int64
	// Parallelism bounds concurrent per-shard searches. Defaults to
	// GOMAXPROCS.
	Parallelism int
	// AllowPartial returns partial results when a shard is unavailable
	// instead of failing the whole query. Corrupt shards are always
	// quarantined and skipped regardless of this flag.
	AllowPartial bool
	// LeaseTTL is used when DeleteVectors takes the build lease.
	LeaseTTL time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		CacheBytes:  256 << 20,
		Parallelism: runtime.GOMAXPROCS(0),
	}
}

// Planner answers queries against the manifests the indexer publishes.
type Planner struct {
	store     blobstore.Store
	catalog   *catalog.Catalog
	manifests *manifest.Store
	leases    *lease.Manager
	cache     *shardCache
	cfg       Config
	logger    *cumulus.Logger
	now       func() time.Time
}

// New creates a Planner.
func New(store blobstore.Store, cat *catalog.Catalog, cfg Config, logger *cumulus.Logger) *Planner {
	if cfg.CacheBytes <= 0 {
		cfg.CacheBytes = 256 << 20
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = runtime.GOMAXPROCS(0)
	}
	if logger == nil {
		logger = cumulus.NewLogger(nil)
	}
	return &Planner{
		store:     store,
		catalog:   cat,
		manifests: manifest.NewStore(store),
		leases:    lease.NewManager(store, cfg.LeaseTTL),
		cache:     newShardCache(cfg.CacheBytes),
		cfg:       cfg,
		logger:    logger.Component("query"),
		now:       time.Now,
	}
}

// Options control one Query call.
type Options struct {
	TopK int
	// NProbe overrides the descriptor's default when > 0. Clamped per
	// shard to that shard's effective cluster count.
	NProbe         int
	Filter         *metadata.Filter
	ReturnData     bool
	ReturnMetadata bool
}

// candidate is one per-shard hit before the global merge.
type candidate struct {
	key      string
	internal float32
	shardID  string
	ordinal  uint32
	entry    shard.KeyEntry
}

// Query runs approximate kNN across all shards of the index and merges the
// best TopK under the index metric. An index with no published shards
// returns an empty match list.
func (p *Planner) Query(ctx context.Context, bucket, index string, q []float32, opts Options) ([]model.Match, error) {
	desc, err := p.catalog.GetIndex(ctx, bucket, index)
	if err != nil {
		return nil, err
	}
	if opts.TopK < 1 {
		return nil, errs.Newf(errs.KindValidation, "query.query", "topK must be >= 1")
	}
	if len(q) != desc.Dimension {
		return nil, errs.Newf(errs.KindValidation, "query.query",
			"query dimension %d, index wants %d", len(q), desc.Dimension)
	}

	m, err := p.manifests.Load(ctx, desc)
	if err != nil {
		return nil, err
	}
	if m.Empty() {
		return []model.Match{}, nil
	}

	qv := q
	if desc.DistanceMetric == distance.MetricCosine {
		normalized, ok := distance.NormalizeL2Copy(q)
		if !ok {
			return nil, errs.Newf(errs.KindValidation, "query.query", "zero-norm query vector")
		}
		qv = normalized
	}

	nprobe := opts.NProbe
	if nprobe <= 0 {
		nprobe = desc.DefaultNProbe
	}

	candidates, err := p.fanOut(ctx, desc, m, qv, opts.TopK, nprobe)
	if err != nil {
		return nil, err
	}

	merged := mergeCandidates(candidates)
	return p.materialize(ctx, desc, merged, opts)
}

// fanOut searches every shard in parallel with bounded concurrency.
func (p *Planner) fanOut(ctx context.Context, desc *model.IndexDescriptor, m *manifest.Manifest, q []float32, k, nprobe int) ([]candidate, error) {
	limit := int64(p.cfg.Parallelism)
	if int64(len(m.Shards)) < limit {
		limit = int64(len(m.Shards))
	}
	sem := semaphore.NewWeighted(limit)

	var mu sync.Mutex
	var all []candidate

	g, gctx := errgroup.WithContext(ctx)
	for _, ref := range m.Shards {
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			hits, err := p.searchShard(gctx, desc, m, ref, q, k, nprobe)
			if err != nil {
				if errs.IsKind(err, errs.KindCorruption) {
					p.logger.Warn("shard quarantined for this query",
						"bucket", desc.Bucket, "index", desc.IndexName,
						"shard", ref.ShardID, "error", err)
					return nil
				}
				if p.cfg.AllowPartial {
					p.logger.Warn("shard skipped, returning partial results",
						"bucket", desc.Bucket, "index", desc.IndexName,
						"shard", ref.ShardID, "error", err)
					return nil
				}
				return err
			}

			mu.Lock()
			all = append(all, hits...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return all, nil
}

// searchShard loads one shard through the cache and runs the ANN search.
func (p *Planner) searchShard(ctx context.Context, desc *model.IndexDescriptor, m *manifest.Manifest, ref manifest.ShardRef, q []float32, k, nprobe int) ([]candidate, error) {
	cached, release, err := p.loadShard(ctx, desc, ref)
	if err != nil {
		return nil, err
	}
	defer release()

	// Tombstoned ordinals are excluded inside the ANN search so the heap
	// is not wasted on dead entries.
	var exclude *roaring.Bitmap
	if len(m.Tombstones) > 0 {
		exclude = roaring.New()
		for ordinal, entry := range cached.keymap {
			if tomb, ok := m.Tombstones[entry.Key]; ok && tomb.Covers(entry.SliceID) {
				exclude.Add(uint32(ordinal))
			}
		}
	}

	results, err := cached.index.Search(q, k, nprobe, exclude)
	if err != nil {
		return nil, err
	}

	hits := make([]candidate, 0, len(results))
	for _, r := range results {
		if int(r.Ordinal) >= len(cached.keymap) {
			return nil, errs.Newf(errs.KindCorruption, "query.search_shard",
				"shard %s returned ordinal %d beyond keymap length %d",
				ref.ShardID, r.Ordinal, len(cached.keymap))
		}
		entry := cached.keymap[r.Ordinal]
		hits = append(hits, candidate{
			key:      entry.Key,
			internal: r.Distance,
			shardID:  ref.ShardID,
			ordinal:  r.Ordinal,
			entry:    entry,
		})
	}
	return hits, nil
}

// loadShard returns a pinned cached shard and its release function.
func (p *Planner) loadShard(ctx context.Context, desc *model.IndexDescriptor, ref manifest.ShardRef) (*cachedShard, func(), error) {
	key := shardKey{bucket: desc.Bucket, index: desc.IndexName, shardID: ref.ShardID}
	release := func() { p.cache.unpin(key) }

	if cached, ok := p.cache.get(key); ok {
		return cached, release, nil
	}

	bucket, index := desc.Bucket, desc.IndexName
	indexBlob, err := p.store.Get(ctx, layout.ShardArtifact(bucket, index, ref.ShardID, layout.IndexBin))
	if err != nil {
		return nil, nil, err
	}
	if sum, err := ivfpq.Checksum(indexBlob); err != nil || sum != ref.Checksum {
		return nil, nil, errs.Newf(errs.KindCorruption, "query.load_shard",
			"shard %s index.bin checksum mismatch", ref.ShardID)
	}

	x, err := ivfpq.Unmarshal(indexBlob)
	if err != nil {
		return nil, nil, err
	}

	configBlob, err := p.store.Get(ctx, layout.ShardArtifact(bucket, index, ref.ShardID, layout.IndexConfigJSON))
	if err != nil {
		return nil, nil, err
	}
	cfg, err := shard.DecodeConfig(configBlob)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Check(x); err != nil {
		return nil, nil, err
	}

	keymapBlob, err := p.store.Get(ctx, layout.ShardArtifact(bucket, index, ref.ShardID, layout.KeymapBin))
	if err != nil {
		return nil, nil, err
	}
	keymap, err := shard.DecodeKeyMap(keymapBlob)
	if err != nil {
		return nil, nil, err
	}
	if len(keymap) != x.NTotal() {
		return nil, nil, errs.Newf(errs.KindCorruption, "query.load_shard",
			"shard %s keymap length %d != index ntotal %d", ref.ShardID, len(keymap), x.NTotal())
	}

	cached := p.cache.put(key, &cachedShard{
		index:  x,
		keymap: keymap,
		config: cfg,
		size:   int64(len(indexBlob) + len(keymapBlob)),
	})
	return cached, release, nil
}

// mergeCandidates applies last-writer-wins dedup by key (largest source
// slice id wins) and globally orders by ascending internal distance with
// (shardID, ordinal) tie-break.
func mergeCandidates(all []candidate) []candidate {
	latest := make(map[string]candidate, len(all))
	for _, c := range all {
		prev, ok := latest[c.key]
		switch {
		case !ok:
			latest[c.key] = c
		case c.entry.SliceID > prev.entry.SliceID:
			latest[c.key] = c
		case c.entry.SliceID == prev.entry.SliceID && better(c, prev):
			latest[c.key] = c
		}
	}

	merged := make([]candidate, 0, len(latest))
	for _, c := range latest {
		merged = append(merged, c)
	}
	sort.Slice(merged, func(i, j int) bool { return better(merged[i], merged[j]) })
	return merged
}

// better orders candidates by ascending internal distance, then shard id,
// then ordinal.
func better(a, b candidate) bool {
	if a.internal != b.internal {
		return a.internal < b.internal
	}
	if a.shardID != b.shardID {
		return a.shardID < b.shardID
	}
	return a.ordinal < b.ordinal
}

// materialize applies the metadata filter and builds the response, fetching
// record lines by range only for candidates that are actually considered.
func (p *Planner) materialize(ctx context.Context, desc *model.IndexDescriptor, merged []candidate, opts Options) ([]model.Match, error) {
	needRecord := !opts.Filter.Empty() || opts.ReturnData || opts.ReturnMetadata

	matches := make([]model.Match, 0, opts.TopK)
	for _, c := range merged {
		if len(matches) == opts.TopK {
			break
		}

		match := model.Match{
			Key:   c.key,
			Score: distance.Score(desc.DistanceMetric, c.internal),
		}
		if needRecord {
			rec, err := p.fetchRecord(ctx, desc, c.shardID, c.entry)
			if err != nil {
				return nil, err
			}
			if !opts.Filter.Empty() && !opts.Filter.Matches(rec.Metadata) {
				continue
			}
			if opts.ReturnData {
				match.Data = rec.Embedding
			}
			if opts.ReturnMetadata {
				match.Metadata = rec.Metadata
			}
		}
		matches = append(matches, match)
	}
	return matches, nil
}

// fetchRecord range-reads one record line from metadata.jsonl.
func (p *Planner) fetchRecord(ctx context.Context, desc *model.IndexDescriptor, shardID string, entry shard.KeyEntry) (model.VectorRecord, error) {
	key := layout.ShardArtifact(desc.Bucket, desc.IndexName, shardID, layout.MetadataJSONL)
	line, err := p.store.GetRange(ctx, key, entry.MetaOffset, entry.MetaLen)
	if err != nil {
		return model.VectorRecord{}, err
	}
	return shard.DecodeRecordLine(line)
}

// located points at the newest visible instance of a key.
type located struct {
	shardID string
	entry   shard.KeyEntry
}

// locate scans the manifest newest-shard-first and returns the winning
// instance per requested key, honoring tombstones. Missing keys are simply
// absent from the result.
func (p *Planner) locate(ctx context.Context, desc *model.IndexDescriptor, m *manifest.Manifest, keys []string) (map[string]located, error) {
	wanted := make(map[string]bool, len(keys))
	for _, k := range keys {
		wanted[k] = true
	}

	best := make(map[string]located)
	for i := len(m.Shards) - 1; i >= 0; i-- {
		ref := m.Shards[i]
		cached, release, err := p.loadShard(ctx, desc, ref)
		if err != nil {
			return nil, err
		}
		for _, entry := range cached.keymap {
			if !wanted[entry.Key] {
				continue
			}
			if tomb, ok := m.Tombstones[entry.Key]; ok && tomb.Covers(entry.SliceID) {
				continue
			}
			if prev, ok := best[entry.Key]; !ok || entry.SliceID > prev.entry.SliceID {
				best[entry.Key] = located{shardID: ref.ShardID, entry: entry}
			}
		}
		release()
	}
	return best, nil
}

// GetVectors returns the records for the requested keys, preserving request
// order. Missing keys are omitted, not errored.
func (p *Planner) GetVectors(ctx context.Context, bucket, index string, keys []string, returnData, returnMetadata bool) ([]model.VectorRecord, error) {
	desc, err := p.catalog.GetIndex(ctx, bucket, index)
	if err != nil {
		return nil, err
	}
	m, err := p.manifests.Load(ctx, desc)
	if err != nil {
		return nil, err
	}
	if m.Empty() || len(keys) == 0 {
		return []model.VectorRecord{}, nil
	}

	found, err := p.locate(ctx, desc, m, keys)
	if err != nil {
		return nil, err
	}

	out := make([]model.VectorRecord, 0, len(found))
	seen := make(map[string]bool, len(keys))
	for _, key := range keys {
		loc, ok := found[key]
		if !ok || seen[key] {
			continue
		}
		seen[key] = true

		rec, err := p.fetchRecord(ctx, desc, loc.shardID, loc.entry)
		if err != nil {
			return nil, err
		}
		rec.Key = key
		if !returnData {
			rec.Embedding = nil
		}
		if !returnMetadata {
			rec.Metadata = nil
		}
		out = append(out, rec)
	}
	return out, nil
}

// listToken encodes the pagination cursor: manifest version, shard index,
// intra-shard offset.
func listToken(version uint64, shardIdx, offset int) string {
	return base64.URLEncoding.EncodeToString(fmt.Appendf(nil, "%d:%d:%d", version, shardIdx, offset))
}

func parseListToken(token string) (version uint64, shardIdx, offset int, err error) {
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return 0, 0, 0, errs.Newf(errs.KindValidation, "query.list_vectors", "bad pagination token")
	}
	if _, err := fmt.Sscanf(string(raw), "%d:%d:%d", &version, &shardIdx, &offset); err != nil {
		return 0, 0, 0, errs.Newf(errs.KindValidation, "query.list_vectors", "bad pagination token")
	}
	return version, shardIdx, offset, nil
}

// ListVectors pages over keys in manifest shard order, intra-shard ordinal
// order. The token pins the manifest version it was issued against; a page
// requested after the manifest moved on restarts the listing from the first
// shard of the new version (best effort, per the listing contract).
func (p *Planner) ListVectors(ctx context.Context, bucket, index string, maxResults int, token string) ([]string, string, error) {
	desc, err := p.catalog.GetIndex(ctx, bucket, index)
	if err != nil {
		return nil, "", err
	}
	if maxResults < 1 {
		maxResults = 500
	}
	m, err := p.manifests.Load(ctx, desc)
	if err != nil {
		return nil, "", err
	}
	if m.Empty() {
		return []string{}, "", nil
	}

	startShard, startOffset := 0, 0
	if token != "" {
		version, shardIdx, offset, err := parseListToken(token)
		if err != nil {
			return nil, "", err
		}
		if version == m.Version {
			startShard, startOffset = shardIdx, offset
		}
	}

	// Visibility needs the newest instance of every key, so the walk
	// carries a global latest map.
	newest, err := p.newestInstances(ctx, desc, m)
	if err != nil {
		return nil, "", err
	}

	var keys []string
	for shardIdx := startShard; shardIdx < len(m.Shards); shardIdx++ {
		ref := m.Shards[shardIdx]
		cached, release, err := p.loadShard(ctx, desc, ref)
		if err != nil {
			return nil, "", err
		}

		offset := 0
		if shardIdx == startShard {
			offset = startOffset
		}
		for ; offset < len(cached.keymap); offset++ {
			entry := cached.keymap[offset]
			if tomb, ok := m.Tombstones[entry.Key]; ok && tomb.Covers(entry.SliceID) {
				continue
			}
			if newest[entry.Key] != entry.SliceID {
				continue
			}
			keys = append(keys, entry.Key)
			if len(keys) == maxResults {
				release()
				next := listToken(m.Version, shardIdx, offset+1)
				return keys, next, nil
			}
		}
		release()
	}
	return keys, "", nil
}

// newestInstances maps every key to its largest visible slice id.
func (p *Planner) newestInstances(ctx context.Context, desc *model.IndexDescriptor, m *manifest.Manifest) (map[string]string, error) {
	newest := make(map[string]string)
	for _, ref := range m.Shards {
		cached, release, err := p.loadShard(ctx, desc, ref)
		if err != nil {
			return nil, err
		}
		for _, entry := range cached.keymap {
			if entry.SliceID > newest[entry.Key] {
				newest[entry.Key] = entry.SliceID
			}
		}
		release()
	}
	return newest, nil
}

// DeleteVectors appends tombstones for the given keys under the build lease
// and publishes a new manifest version immediately: deletion is visible
// without waiting for an indexer cycle. Physical removal is left to a
// future compaction.
func (p *Planner) DeleteVectors(ctx context.Context, bucket, index string, keys []string) error {
	desc, err := p.catalog.GetIndex(ctx, bucket, index)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}

	held, err := p.leases.Acquire(ctx, bucket, index)
	if err != nil {
		return err
	}
	defer func() { _ = held.Release(ctx) }()

	m, err := p.manifests.Load(ctx, desc)
	if err != nil {
		return err
	}

	barrier, err := p.deletionBarrier(ctx, desc, m)
	if err != nil {
		return err
	}

	next := m.Clone()
	next.Version++
	deletedAt := p.now().UTC()
	for _, key := range keys {
		next.Tombstones[key] = manifest.Tombstone{DeletedAt: deletedAt, Barrier: barrier}
	}
	return p.manifests.Publish(ctx, next)
}

// deletionBarrier returns the largest slice id in existence at delete time:
// anything at or below it is covered by the new tombstones, later
// re-submissions are not.
func (p *Planner) deletionBarrier(ctx context.Context, desc *model.IndexDescriptor, m *manifest.Manifest) (string, error) {
	barrier := m.MaxSliceID()

	rawKeys, err := p.store.List(ctx, layout.RawPrefix(desc.Bucket, desc.IndexName))
	if err != nil {
		return "", err
	}
	for _, key := range rawKeys {
		if ingest.IsCounterKey(key) {
			continue
		}
		if id := layout.SliceID(key); id > barrier {
			barrier = id
		}
	}
	// An empty barrier covers nothing, which is right: with no slices in
	// existence there is nothing for the tombstone to delete.
	return barrier, nil
}
