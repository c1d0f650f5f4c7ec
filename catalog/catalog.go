// Package catalog persists bucket and index descriptors as well-known
// objects in the blob store. It is the shared registry the ingest, index and
// query paths resolve descriptors through.
package catalog

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/cumulusvec/cumulus/blobstore"
	"github.com/cumulusvec/cumulus/errs"
	"github.com/cumulusvec/cumulus/layout"
	"github.com/cumulusvec/cumulus/model"
)

// Catalog provides descriptor CRUD over a blob store.
type Catalog struct {
	store blobstore.Store
	now   func() time.Time
}

// New creates a Catalog.
func New(store blobstore.Store) *Catalog {
	return &Catalog{store: store, now: time.Now}
}

// CreateBucket creates a vector bucket. Conflict if it already exists.
func (c *Catalog) CreateBucket(ctx context.Context, name string) (*model.VectorBucket, error) {
	if err := model.ValidateName("bucket", name); err != nil {
		return nil, err
	}

	bucket := &model.VectorBucket{Name: name, CreatedAt: c.now().UTC()}
	data, err := json.Marshal(bucket)
	if err != nil {
		return nil, errs.New(errs.KindFatal, "catalog.create_bucket", err)
	}

	if err := c.store.PutIfAbsent(ctx, layout.Bucket(name), data); err != nil {
		if errs.IsConflict(err) {
			return nil, errs.Newf(errs.KindConflict, "catalog.create_bucket", "bucket %q exists", name)
		}
		return nil, err
	}
	return bucket, nil
}

// GetBucket fetches a bucket descriptor.
func (c *Catalog) GetBucket(ctx context.Context, name string) (*model.VectorBucket, error) {
	data, err := c.store.Get(ctx, layout.Bucket(name))
	if err != nil {
		if errs.IsNotFound(err) {
			return nil, errs.Newf(errs.KindNotFound, "catalog.get_bucket", "bucket %q", name)
		}
		return nil, err
	}
	var bucket model.VectorBucket
	if err := json.Unmarshal(data, &bucket); err != nil {
		return nil, errs.New(errs.KindCorruption, "catalog.get_bucket", err)
	}
	return &bucket, nil
}

// ListBuckets returns all buckets sorted by name.
func (c *Catalog) ListBuckets(ctx context.Context) ([]*model.VectorBucket, error) {
	keys, err := c.store.List(ctx, "")
	if err != nil {
		return nil, err
	}

	var buckets []*model.VectorBucket
	for _, key := range keys {
		if !strings.HasSuffix(key, "/"+layout.BucketObject) {
			continue
		}
		name := strings.TrimSuffix(key, "/"+layout.BucketObject)
		if strings.Contains(name, "/") {
			continue
		}
		bucket, err := c.GetBucket(ctx, name)
		if err != nil {
			return nil, err
		}
		buckets = append(buckets, bucket)
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Name < buckets[j].Name })
	return buckets, nil
}

// DeleteBucket removes an empty bucket. Conflict while it still holds
// indexes.
func (c *Catalog) DeleteBucket(ctx context.Context, name string) error {
	if _, err := c.GetBucket(ctx, name); err != nil {
		return err
	}

	indexes, err := c.ListIndexes(ctx, name)
	if err != nil {
		return err
	}
	if len(indexes) > 0 {
		return errs.Newf(errs.KindConflict, "catalog.delete_bucket", "bucket %q holds %d indexes", name, len(indexes))
	}
	return c.store.Delete(ctx, layout.Bucket(name))
}

// CreateIndex creates an index descriptor in an existing bucket. The
// descriptor must already be normalized; Conflict if the index exists.
func (c *Catalog) CreateIndex(ctx context.Context, desc *model.IndexDescriptor) (*model.IndexDescriptor, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	if _, err := c.GetBucket(ctx, desc.Bucket); err != nil {
		return nil, err
	}

	desc.CreatedAt = c.now().UTC()
	data, err := json.Marshal(desc)
	if err != nil {
		return nil, errs.New(errs.KindFatal, "catalog.create_index", err)
	}

	if err := c.store.PutIfAbsent(ctx, layout.Index(desc.Bucket, desc.IndexName), data); err != nil {
		if errs.IsConflict(err) {
			return nil, errs.Newf(errs.KindConflict, "catalog.create_index", "index %q/%q exists", desc.Bucket, desc.IndexName)
		}
		return nil, err
	}
	return desc, nil
}

// GetIndex fetches an index descriptor.
func (c *Catalog) GetIndex(ctx context.Context, bucket, index string) (*model.IndexDescriptor, error) {
	data, err := c.store.Get(ctx, layout.Index(bucket, index))
	if err != nil {
		if errs.IsNotFound(err) {
			// Distinguish a missing bucket from a missing index for the
			// caller's status mapping.
			if _, berr := c.GetBucket(ctx, bucket); berr != nil {
				return nil, berr
			}
			return nil, errs.Newf(errs.KindNotFound, "catalog.get_index", "index %q/%q", bucket, index)
		}
		return nil, err
	}

	var desc model.IndexDescriptor
	if err := json.Unmarshal(data, &desc); err != nil {
		return nil, errs.New(errs.KindCorruption, "catalog.get_index", err)
	}
	if err := desc.Normalize(); err != nil {
		return nil, errs.New(errs.KindCorruption, "catalog.get_index", err)
	}
	return &desc, nil
}

// ListIndexes returns all index descriptors in a bucket sorted by name.
func (c *Catalog) ListIndexes(ctx context.Context, bucket string) ([]*model.IndexDescriptor, error) {
	if _, err := c.GetBucket(ctx, bucket); err != nil {
		return nil, err
	}

	keys, err := c.store.List(ctx, layout.BucketPrefix(bucket))
	if err != nil {
		return nil, err
	}

	var indexes []*model.IndexDescriptor
	for _, key := range keys {
		if !strings.HasSuffix(key, "/"+layout.IndexObject) {
			continue
		}
		rel := strings.TrimPrefix(key, layout.BucketPrefix(bucket))
		name := strings.TrimSuffix(rel, "/"+layout.IndexObject)
		if name == "" || strings.Contains(name, "/") {
			continue
		}
		desc, err := c.GetIndex(ctx, bucket, name)
		if err != nil {
			return nil, err
		}
		indexes = append(indexes, desc)
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i].IndexName < indexes[j].IndexName })
	return indexes, nil
}

// DeleteIndex removes an index descriptor and every object below it:
// slices, shards, manifests, counter and lease.
func (c *Catalog) DeleteIndex(ctx context.Context, bucket, index string) error {
	if _, err := c.GetIndex(ctx, bucket, index); err != nil {
		return err
	}

	keys, err := c.store.List(ctx, layout.IndexPrefix(bucket, index))
	if err != nil {
		return err
	}
	// Descriptor last, so a crash mid-delete leaves a discoverable index.
	descriptor := layout.Index(bucket, index)
	for _, key := range keys {
		if key == descriptor {
			continue
		}
		if err := c.store.Delete(ctx, key); err != nil {
			return err
		}
	}
	return c.store.Delete(ctx, descriptor)
}

// UpdateDefaultNProbe persists the only mutable descriptor field.
func (c *Catalog) UpdateDefaultNProbe(ctx context.Context, bucket, index string, nprobe int) (*model.IndexDescriptor, error) {
	desc, err := c.GetIndex(ctx, bucket, index)
	if err != nil {
		return nil, err
	}
	if nprobe < 1 || nprobe > desc.IVFNList {
		return nil, errs.Newf(errs.KindValidation, "catalog.update_nprobe", "nprobe %d out of [1,%d]", nprobe, desc.IVFNList)
	}
	desc.DefaultNProbe = nprobe

	data, err := json.Marshal(desc)
	if err != nil {
		return nil, errs.New(errs.KindFatal, "catalog.update_nprobe", err)
	}
	if err := c.store.Put(ctx, layout.Index(bucket, index), data); err != nil {
		return nil, err
	}
	return desc, nil
}
