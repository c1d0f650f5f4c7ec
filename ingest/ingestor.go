package ingest

import (
	"context"

	"github.com/cumulusvec/cumulus"
	"github.com/cumulusvec/cumulus/blobstore"
	"github.com/cumulusvec/cumulus/catalog"
	"github.com/cumulusvec/cumulus/errs"
	"github.com/cumulusvec/cumulus/layout"
	"github.com/cumulusvec/cumulus/model"
)

// DefaultMaxBatch is the per-call vector cap.
const DefaultMaxBatch = 10_000

// Ingestor accepts vector batches and durably appends them to object storage
// as ordered slices. Vectors become visible to queries only after the
// indexer publishes a manifest referencing them.
type Ingestor struct {
	store    blobstore.Store
	catalog  *catalog.Catalog
	format   model.SliceFormat
	maxBatch int
	logger   *cumulus.Logger
}

// Option configures an Ingestor.
type Option func(*Ingestor)

// WithSliceFormat selects the slice encoding (default JSONL).
func WithSliceFormat(format model.SliceFormat) Option {
	return func(i *Ingestor) { i.format = format }
}

// WithMaxBatch overrides the per-call vector cap.
func WithMaxBatch(n int) Option {
	return func(i *Ingestor) { i.maxBatch = n }
}

// WithLogger sets the logger.
func WithLogger(l *cumulus.Logger) Option {
	return func(i *Ingestor) { i.logger = l }
}

// NewIngestor creates an Ingestor.
func NewIngestor(store blobstore.Store, cat *catalog.Catalog, opts ...Option) *Ingestor {
	ing := &Ingestor{
		store:    store,
		catalog:  cat,
		format:   model.FormatJSONL,
		maxBatch: DefaultMaxBatch,
		logger:   cumulus.NewLogger(nil).Component("ingest"),
	}
	for _, opt := range opts {
		opt(ing)
	}
	return ing
}

// PutVectors validates and durably writes one batch as a single slice.
// Returns the assigned slice id.
//
// Later batches may re-submit a key from an earlier slice; both records
// persist and the query path prefers the one from the larger slice id.
func (i *Ingestor) PutVectors(ctx context.Context, bucket, index string, records []model.VectorRecord) (string, error) {
	desc, err := i.catalog.GetIndex(ctx, bucket, index)
	if err != nil {
		return "", err
	}

	if len(records) == 0 {
		return "", errs.Newf(errs.KindValidation, "ingest.put_vectors", "empty vector batch")
	}
	if len(records) > i.maxBatch {
		return "", errs.Newf(errs.KindValidation, "ingest.put_vectors",
			"batch of %d exceeds cap %d", len(records), i.maxBatch)
	}
	for n, rec := range records {
		if rec.Key == "" {
			return "", errs.Newf(errs.KindValidation, "ingest.put_vectors", "record %d has empty key", n)
		}
		if len(rec.Embedding) != desc.Dimension {
			return "", errs.Newf(errs.KindValidation, "ingest.put_vectors",
				"record %q has dimension %d, index wants %d", rec.Key, len(rec.Embedding), desc.Dimension)
		}
	}

	counter, err := NewCounter(i.store, bucket, index).Next(ctx)
	if err != nil {
		return "", err
	}
	sliceID := NewSliceID(counter)

	blob, err := EncodeSlice(i.format, records)
	if err != nil {
		return "", err
	}

	key := layout.Slice(bucket, index, sliceID, i.format.Ext())
	// The random suffix makes the key fresh; a conditional create turns a
	// retried partial failure into a clean conflict instead of a rewrite.
	if err := i.store.PutIfAbsent(ctx, key, blob); err != nil {
		return "", err
	}

	i.logger.Info("slice written",
		"bucket", bucket,
		"index", index,
		"slice", sliceID,
		"vectors", len(records),
		"bytes", len(blob),
	)
	return sliceID, nil
}
