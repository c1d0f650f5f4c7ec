// Package model defines the shared domain types: vector buckets, index
// descriptors, vector records and query matches. Types here are plain data;
// behavior lives in the components that own them.
package model

import (
	"fmt"
	"regexp"
	"time"

	"github.com/cumulusvec/cumulus/distance"
	"github.com/cumulusvec/cumulus/errs"
	"github.com/cumulusvec/cumulus/metadata"
)

// DataType is the storage element type of an index.
type DataType string

// Float32 is the only supported data type.
const Float32 DataType = "float32"

// namePattern constrains bucket and index names: lowercase DNS-ish labels,
// 2..63 characters.
var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,62}$`)

// ValidateName checks a bucket or index name against the naming rules.
func ValidateName(kind, name string) error {
	if !namePattern.MatchString(name) {
		return errs.Newf(errs.KindValidation, "model.validate",
			"%s name %q must match %s", kind, name, namePattern.String())
	}
	return nil
}

// VectorBucket is the top-level namespace holding indexes.
type VectorBucket struct {
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createdAt"`
}

// IndexDescriptor describes one named index within a bucket. It is immutable
// after creation except for DefaultNProbe.
type IndexDescriptor struct {
	Bucket         string          `json:"bucket"`
	IndexName      string          `json:"indexName"`
	Dimension      int             `json:"dimension"`
	DataType       DataType        `json:"dataType"`
	DistanceMetric distance.Metric `json:"-"`
	Metric         string          `json:"distanceMetric"`
	IVFNList       int             `json:"ivfNlist"`
	PQM            int             `json:"pqM"`
	PQNBits        int             `json:"pqNbits"`
	DefaultNProbe  int             `json:"defaultNprobe"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// Descriptor tuning bounds.
const (
	MinNList = 16
	MaxNList = 65536
)

// Normalize resolves the wire metric string and fills defaults for optional
// tuning fields. Call after decoding and before Validate.
func (d *IndexDescriptor) Normalize() error {
	m, err := distance.ParseMetric(d.Metric)
	if err != nil {
		return errs.New(errs.KindValidation, "model.descriptor", err)
	}
	d.DistanceMetric = m
	if d.DataType == "" {
		d.DataType = Float32
	}
	if d.IVFNList == 0 {
		d.IVFNList = 1024
	}
	if d.PQM == 0 {
		d.PQM = defaultSubspaces(d.Dimension)
	}
	if d.PQNBits == 0 {
		d.PQNBits = 8
	}
	if d.DefaultNProbe == 0 {
		d.DefaultNProbe = 8
	}
	return nil
}

// defaultSubspaces picks the largest divisor of dim that is <= 8.
func defaultSubspaces(dim int) int {
	for m := 8; m > 1; m-- {
		if dim%m == 0 {
			return m
		}
	}
	return 1
}

// Validate checks descriptor invariants.
func (d *IndexDescriptor) Validate() error {
	if err := ValidateName("bucket", d.Bucket); err != nil {
		return err
	}
	if err := ValidateName("index", d.IndexName); err != nil {
		return err
	}
	if d.Dimension < 1 {
		return errs.Newf(errs.KindValidation, "model.descriptor", "dimension must be >= 1, got %d", d.Dimension)
	}
	if d.DataType != Float32 {
		return errs.Newf(errs.KindValidation, "model.descriptor", "unsupported data type %q", d.DataType)
	}
	if d.IVFNList < MinNList || d.IVFNList > MaxNList {
		return errs.Newf(errs.KindValidation, "model.descriptor", "ivfNlist %d out of [%d,%d]", d.IVFNList, MinNList, MaxNList)
	}
	if d.PQM < 1 || d.Dimension%d.PQM != 0 {
		return errs.Newf(errs.KindValidation, "model.descriptor", "pqM %d must divide dimension %d", d.PQM, d.Dimension)
	}
	if d.PQNBits < 1 || d.PQNBits > 8 {
		return errs.Newf(errs.KindValidation, "model.descriptor", "pqNbits %d out of [1,8]", d.PQNBits)
	}
	if d.DefaultNProbe < 1 || d.DefaultNProbe > d.IVFNList {
		return errs.Newf(errs.KindValidation, "model.descriptor", "defaultNprobe %d out of [1,%d]", d.DefaultNProbe, d.IVFNList)
	}
	return nil
}

// VectorRecord is one ingested vector with its client-chosen key.
type VectorRecord struct {
	Key       string            `json:"key"`
	Embedding []float32         `json:"embedding"`
	Metadata  metadata.Document `json:"metadata,omitempty"`
}

// Match is one query result.
type Match struct {
	Key      string            `json:"key"`
	Score    float32           `json:"score"`
	Data     []float32         `json:"data,omitempty"`
	Metadata metadata.Document `json:"metadata,omitempty"`
}

// SliceFormat selects the slice object encoding.
type SliceFormat string

const (
	// FormatJSONL is newline-delimited JSON, one record per line.
	FormatJSONL SliceFormat = "jsonl"
	// FormatJSONLZstd is zstd-compressed JSONL.
	FormatJSONLZstd SliceFormat = "jsonl.zst"
)

// Ext returns the object key extension for the format.
func (f SliceFormat) Ext() string { return string(f) }

// ParseSliceFormat parses a slice format name as configured via SLICE_FORMAT.
func ParseSliceFormat(s string) (SliceFormat, error) {
	switch s {
	case "", "jsonl", "ndjson":
		return FormatJSONL, nil
	case "jsonl.zst", "zstd":
		return FormatJSONLZstd, nil
	default:
		return "", fmt.Errorf("unsupported slice format %q", s)
	}
}
