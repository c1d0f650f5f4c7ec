// Package indexer implements the background build path: it compiles pending
// slices into size-bounded IVF-PQ shards and publishes them through new
// manifest versions. One logical worker runs per (bucket, index), serialized
// by the build lease.
package indexer

import (
	"context"
	"math"
	"runtime"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

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
	"github.com/cumulusvec/cumulus/model"
	"github.com/cumulusvec/cumulus/shard"
)

// Config tunes the build cycle.
type Config struct {
	// SMax caps vectors per shard so one shard's raw vectors fit in RAM
	// during training.
	SMax int
	// MinBuildVectors is the minimum pending vector count before a cycle
	// builds. Smaller backlogs still build once the oldest pending slice
	// exceeds IdleAfter.
	MinBuildVectors int
	// IdleAfter forces a build of any backlog older than this.
	IdleAfter time.Duration
	// Retention keeps consumed slices around this long before deletion.
	Retention time.Duration
	// OrphanGrace protects freshly written but not yet referenced shards
	// (and abandoned slices) from the cleanup pass.
	OrphanGrace time.Duration
	// PublishSubset publishes successfully built shards even when some
	// groups of the cycle failed; when false a cycle with any failed group
	// aborts entirely. Regardless of the flag, a cycle where fewer than
	// half the groups built aborts.
	PublishSubset bool
	// Parallelism bounds concurrent shard builds. Defaults to GOMAXPROCS.
	Parallelism int
	// LeaseTTL is the build lease time-to-live.
	LeaseTTL time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		SMax:            10_000,
		MinBuildVectors: 10_000,
		IdleAfter:       30 * time.Second,
		Retention:       time.Hour,
		OrphanGrace:     24 * time.Hour,
		PublishSubset:   true,
		Parallelism:     runtime.GOMAXPROCS(0),
		LeaseTTL:        lease.DefaultTTL,
	}
}

// Indexer builds shards for every index in the deployment.
type Indexer struct {
	store     blobstore.Store
	catalog   *catalog.Catalog
	manifests *manifest.Store
	leases    *lease.Manager
	cfg       Config
	logger    *cumulus.Logger
	now       func() time.Time
}

// New creates an Indexer.
func New(store blobstore.Store, cat *catalog.Catalog, cfg Config, logger *cumulus.Logger) *Indexer {
	if cfg.SMax <= 0 {
		cfg.SMax = 10_000
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = runtime.GOMAXPROCS(0)
	}
	if logger == nil {
		logger = cumulus.NewLogger(nil)
	}
	return &Indexer{
		store:     store,
		catalog:   cat,
		manifests: manifest.NewStore(store),
		leases:    lease.NewManager(store, cfg.LeaseTTL),
		cfg:       cfg,
		logger:    logger.Component("indexer"),
		now:       time.Now,
	}
}

// RunOnce walks every index and runs one build cycle each. Lease conflicts
// are skips, not errors: another worker owns that index right now.
func (ix *Indexer) RunOnce(ctx context.Context) error {
	buckets, err := ix.catalog.ListBuckets(ctx)
	if err != nil {
		return err
	}
	for _, bucket := range buckets {
		indexes, err := ix.catalog.ListIndexes(ctx, bucket.Name)
		if err != nil {
			return err
		}
		for _, desc := range indexes {
			if _, err := ix.BuildIndex(ctx, desc.Bucket, desc.IndexName); err != nil {
				if errs.IsConflict(err) {
					continue
				}
				return err
			}
		}
	}
	return nil
}

// Run loops RunOnce on the given interval until ctx is canceled.
func (ix *Indexer) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := ix.RunOnce(ctx); err != nil && !errs.IsConflict(err) {
				ix.logger.Error("build sweep failed", "error", err)
			}
		}
	}
}

// BuildIndex runs one build cycle for a single index and returns the number
// of shards published. A zero return with nil error means nothing was
// pending (or below threshold): re-running with no new slices is a no-op.
func (ix *Indexer) BuildIndex(ctx context.Context, bucket, index string) (int, error) {
	desc, err := ix.catalog.GetIndex(ctx, bucket, index)
	if err != nil {
		return 0, err
	}

	held, err := ix.leases.Acquire(ctx, bucket, index)
	if err != nil {
		return 0, err
	}
	defer func() { _ = held.Release(ctx) }()

	current, err := ix.manifests.Load(ctx, desc)
	if err != nil {
		return 0, err
	}

	// Housekeeping first: it only touches objects outside the manifest.
	if err := ix.cleanup(ctx, desc, current); err != nil {
		ix.logger.Warn("cleanup pass failed", "bucket", bucket, "index", index, "error", err)
	}

	pending, err := ix.pendingSlices(ctx, desc, current)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	records, total, oldest, err := ix.readSlices(ctx, desc, pending)
	if err != nil {
		return 0, err
	}
	if total == 0 {
		return 0, nil
	}
	if total < ix.cfg.MinBuildVectors && ix.now().Sub(oldest) < ix.cfg.IdleAfter {
		return 0, nil
	}

	groups := partition(records, ix.cfg.SMax)
	built, err := ix.buildGroups(ctx, desc, current, groups)
	if err != nil {
		return 0, err
	}
	if len(built) == 0 {
		return 0, errs.Newf(errs.KindTransient, "indexer.build", "no shard group built for %s/%s", bucket, index)
	}
	if len(built)*2 < len(groups) {
		return 0, errs.Newf(errs.KindTransient, "indexer.build",
			"only %d of %d shard groups built, aborting cycle", len(built), len(groups))
	}
	if !ix.cfg.PublishSubset && len(built) < len(groups) {
		return 0, errs.Newf(errs.KindTransient, "indexer.build",
			"%d of %d shard groups failed and subset publication is off", len(groups)-len(built), len(groups))
	}

	// The lease must still be ours before anything becomes visible.
	if err := held.Renew(ctx); err != nil {
		return 0, err
	}

	next := current.Clone()
	next.Version++
	sort.Slice(built, func(i, j int) bool { return built[i].ShardID < built[j].ShardID })
	next.Shards = append(next.Shards, built...)
	if err := ix.manifests.Publish(ctx, next); err != nil {
		return 0, err
	}

	ix.logger.Info("manifest published",
		"bucket", bucket,
		"index", index,
		"version", next.Version,
		"new_shards", len(built),
		"total_vectors", next.TotalVectors(),
	)
	return len(built), nil
}

// sliceRef is one pending slice in ascending id order.
type sliceRef struct {
	id  string
	key string
}

// pendingSlices lists raw/ and keeps slices newer than anything the current
// manifest consumed.
func (ix *Indexer) pendingSlices(ctx context.Context, desc *model.IndexDescriptor, m *manifest.Manifest) ([]sliceRef, error) {
	keys, err := ix.store.List(ctx, layout.RawPrefix(desc.Bucket, desc.IndexName))
	if err != nil {
		return nil, err
	}

	consumed := m.ConsumedSlices()
	maxConsumed := m.MaxSliceID()

	var pending []sliceRef
	for _, key := range keys {
		if ingest.IsCounterKey(key) {
			continue
		}
		id := layout.SliceID(key)
		if id == "" || consumed[id] || id <= maxConsumed {
			continue
		}
		pending = append(pending, sliceRef{id: id, key: key})
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].id < pending[j].id })
	return pending, nil
}

// sourced couples a record with the slice it came from.
type sourced struct {
	rec     model.VectorRecord
	sliceID string
}

// readSlices streams pending slices in ascending id order.
func (ix *Indexer) readSlices(ctx context.Context, desc *model.IndexDescriptor, pending []sliceRef) ([]sourced, int, time.Time, error) {
	var out []sourced
	oldest := ix.now()
	for _, ref := range pending {
		info, err := ix.store.Head(ctx, ref.key)
		if err != nil {
			return nil, 0, oldest, err
		}
		if info.LastModified.Before(oldest) {
			oldest = info.LastModified
		}

		blob, err := ix.store.Get(ctx, ref.key)
		if err != nil {
			return nil, 0, oldest, err
		}
		format, err := ingest.FormatFromKey(ref.key)
		if err != nil {
			return nil, 0, oldest, err
		}
		records, err := ingest.DecodeSlice(format, blob)
		if err != nil {
			return nil, 0, oldest, err
		}
		for _, rec := range records {
			if len(rec.Embedding) != desc.Dimension {
				return nil, 0, oldest, errs.Newf(errs.KindCorruption, "indexer.read_slices",
					"slice %s record %q has dimension %d, index wants %d",
					ref.id, rec.Key, len(rec.Embedding), desc.Dimension)
			}
			out = append(out, sourced{rec: rec, sliceID: ref.id})
		}
	}
	return out, len(out), oldest, nil
}

// partition splits records into shard groups of at most sMax vectors. The
// tail group may be smaller and is still published.
func partition(records []sourced, sMax int) [][]sourced {
	var groups [][]sourced
	for len(records) > 0 {
		n := sMax
		if n > len(records) {
			n = len(records)
		}
		groups = append(groups, records[:n])
		records = records[n:]
	}
	return groups
}

// buildGroups trains shard groups in parallel with bounded fan-out and
// returns refs for every group that reached its ready marker. A failed
// group is logged and skipped; the caller decides whether the cycle may
// publish a subset.
func (ix *Indexer) buildGroups(ctx context.Context, desc *model.IndexDescriptor, current *manifest.Manifest, groups [][]sourced) ([]manifest.ShardRef, error) {
	limit := ix.cfg.Parallelism
	if len(groups) < limit {
		limit = len(groups)
	}

	refs := make([]*manifest.ShardRef, len(groups))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for n, group := range groups {
		g.Go(func() error {
			ref, err := ix.buildShard(gctx, desc, uint64(len(current.Shards)+n+1), group)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				ix.logger.Warn("shard build failed",
					"bucket", desc.Bucket, "index", desc.IndexName, "group", n, "error", err)
				return nil
			}
			refs[n] = ref
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var out []manifest.ShardRef
	for _, ref := range refs {
		if ref != nil {
			out = append(out, *ref)
		}
	}
	return out, nil
}

// buildShard trains one IVF-PQ shard and writes its artifacts. The ready
// marker goes last: without it the shard is invisible, so a crash at any
// earlier point leaves nothing to undo.
func (ix *Indexer) buildShard(ctx context.Context, desc *model.IndexDescriptor, seq uint64, group []sourced) (*manifest.ShardRef, error) {
	sources := sourceSlices(group)
	shardID := shard.NewID(seq, sources)
	n := len(group)
	dim := desc.Dimension

	// Clusters are bounded by actual shard size so tiny shards still train.
	nlistEff := clamp(int(math.Round(math.Sqrt(float64(n)))), model.MinNList, desc.IVFNList)

	vectors := make([]float32, n*dim)
	for i, s := range group {
		copy(vectors[i*dim:(i+1)*dim], s.rec.Embedding)
		if desc.DistanceMetric == distance.MetricCosine {
			distance.NormalizeL2InPlace(vectors[i*dim : (i+1)*dim])
		}
	}

	x, err := ivfpq.New(ivfpq.Config{
		Dimension: dim,
		Metric:    desc.DistanceMetric,
		NList:     nlistEff,
		M:         desc.PQM,
		NBits:     desc.PQNBits,
	})
	if err != nil {
		return nil, err
	}
	if err := x.Train(trainingSample(vectors, dim, n, nlistEff, shard.Seed(shardID)), shard.Seed(shardID)); err != nil {
		return nil, err
	}
	if err := x.Add(vectors); err != nil {
		return nil, err
	}

	indexBlob, err := x.Marshal()
	if err != nil {
		return nil, err
	}
	checksum, err := ivfpq.Checksum(indexBlob)
	if err != nil {
		return nil, err
	}

	return ix.writeShardArtifacts(ctx, desc, shardID, group, sources, x, indexBlob, checksum)
}

func (ix *Indexer) writeShardArtifacts(ctx context.Context, desc *model.IndexDescriptor, shardID string, group []sourced, sources []string, x *ivfpq.Index, indexBlob []byte, checksum uint32) (*manifest.ShardRef, error) {
	records := make([]model.VectorRecord, len(group))
	for i, s := range group {
		records[i] = s.rec
	}
	metaBlob, ranges, err := shard.EncodeRecords(records)
	if err != nil {
		return nil, err
	}

	entries := make([]shard.KeyEntry, len(group))
	for i, s := range group {
		entries[i] = shard.KeyEntry{
			Key:        s.rec.Key,
			SliceID:    s.sliceID,
			MetaOffset: ranges[i].MetaOffset,
			MetaLen:    ranges[i].MetaLen,
		}
	}
	keymapBlob, err := shard.EncodeKeyMap(entries)
	if err != nil {
		return nil, err
	}

	if len(entries) != x.NTotal() {
		return nil, errs.Newf(errs.KindFatal, "indexer.build_shard",
			"keymap length %d != index ntotal %d", len(entries), x.NTotal())
	}

	configBlob, err := shard.ConfigFromIndex(x).Encode()
	if err != nil {
		return nil, err
	}

	bucket, index := desc.Bucket, desc.IndexName
	artifacts := map[string][]byte{
		layout.IndexBin:        indexBlob,
		layout.IndexConfigJSON: configBlob,
		layout.KeymapBin:       keymapBlob,
		layout.MetadataJSONL:   metaBlob,
	}
	for name, blob := range artifacts {
		if err := ix.store.Put(ctx, layout.ShardArtifact(bucket, index, shardID, name), blob); err != nil {
			return nil, err
		}
	}

	readyBlob, err := shard.ReadyMarker{
		ShardID:     shardID,
		VectorCount: len(group),
		Checksum:    checksum,
		CreatedAt:   ix.now().UTC(),
	}.Encode()
	if err != nil {
		return nil, err
	}
	if err := ix.store.Put(ctx, layout.ShardArtifact(bucket, index, shardID, layout.ReadyMarker), readyBlob); err != nil {
		return nil, err
	}

	return &manifest.ShardRef{
		ShardID:      shardID,
		VectorCount:  len(group),
		Checksum:     checksum,
		SourceSlices: sources,
	}, nil
}

func sourceSlices(group []sourced) []string {
	var out []string
	seen := map[string]bool{}
	for _, s := range group {
		if !seen[s.sliceID] {
			seen[s.sliceID] = true
			out = append(out, s.sliceID)
		}
	}
	sort.Strings(out)
	return out
}

// trainingSample selects up to 30*nlist vectors by deterministic stride
// sampling.
func trainingSample(vectors []float32, dim, n, nlist int, seed int64) []float32 {
	want := 30 * nlist
	if n <= want {
		return vectors
	}
	stride := n / want
	offset := int(uint64(seed) % uint64(stride))
	sample := make([]float32, 0, want*dim)
	for i := offset; i < n && len(sample) < want*dim; i += stride {
		sample = append(sample, vectors[i*dim:(i+1)*dim]...)
	}
	return sample
}

func clamp(v, lo, hi int) int {
	if hi < lo {
		hi = lo
	}
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// cleanup deletes consumed slices past retention and unconsumed slices past
// the orphan grace period, and removes shard directories that are
// unreferenced and older than the orphan grace period. Counter claims are
// left in place, and no shard the current manifest references is touched.
func (ix *Indexer) cleanup(ctx context.Context, desc *model.IndexDescriptor, m *manifest.Manifest) error {
	bucket, index := desc.Bucket, desc.IndexName
	consumed := m.ConsumedSlices()
	now := ix.now()

	// Consumed slices past retention.
	rawKeys, err := ix.store.List(ctx, layout.RawPrefix(bucket, index))
	if err != nil {
		return err
	}
	for _, key := range rawKeys {
		if ingest.IsCounterKey(key) {
			continue
		}
		id := layout.SliceID(key)
		info, err := ix.store.Head(ctx, key)
		if err != nil {
			continue
		}
		age := now.Sub(info.LastModified)

		switch {
		case consumed[id] && age > ix.cfg.Retention:
			// Referenced by a published shard and out of its retention
			// window: safe to drop, the shard carries the data now.
		case !consumed[id] && age > ix.cfg.OrphanGrace:
			// Abandoned: nothing consumed it within the grace period.
		default:
			continue
		}

		// The counter claim stays: releasing it would let the value be
		// reassigned, and a reissued slice id could sort below the
		// consumed watermark and never be indexed.
		if err := ix.store.Delete(ctx, key); err != nil {
			return err
		}
		ix.logger.Debug("slice reclaimed", "bucket", bucket, "index", index, "slice", id)
	}

	// Unreferenced shard directories older than grace.
	shardKeys, err := ix.store.List(ctx, layout.ShardsPrefix(bucket, index))
	if err != nil {
		return err
	}
	byShard := map[string][]string{}
	for _, key := range shardKeys {
		if id := layout.ShardID(key); id != "" {
			byShard[id] = append(byShard[id], key)
		}
	}
	for shardID, keys := range byShard {
		if m.HasShard(shardID) {
			continue
		}
		stale := true
		for _, key := range keys {
			info, err := ix.store.Head(ctx, key)
			if err != nil || now.Sub(info.LastModified) < ix.cfg.OrphanGrace {
				stale = false
				break
			}
		}
		if !stale {
			continue
		}
		for _, key := range keys {
			if err := ix.store.Delete(ctx, key); err != nil {
				return err
			}
		}
		ix.logger.Info("orphan shard removed", "bucket", bucket, "index", index, "shard", shardID)
	}
	return nil
}
