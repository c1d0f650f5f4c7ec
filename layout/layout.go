// Package layout owns every object key written under the store prefix.
// Apart from the slice counter objects, whose keys ingest.Counter builds
// itself, components never build keys by hand; keeping the scheme in one
// place is what makes listing, cleanup and tests agree on it.
//
// Layout under the configured root prefix (default "vectors/"):
//
//	{bucket}/.bucket.json
//	{bucket}/{index}/.index.json
//	{bucket}/{index}/raw/.counter
//	{bucket}/{index}/raw/.counter.{N}
//	{bucket}/{index}/.lease
//	{bucket}/{index}/manifest.json
//	{bucket}/{index}/manifest.v{N}.json
//	{bucket}/{index}/raw/{slice_id}.{ext}
//	{bucket}/{index}/shards/{shard_id}/{index.bin,index.config.json,keymap.bin,metadata.jsonl,ready}
package layout

import (
	"fmt"
	"path"
	"strings"
)

// Well-known object basenames.
const (
	BucketObject   = ".bucket.json"
	IndexObject    = ".index.json"
	CounterObject  = ".counter"
	LeaseObject    = ".lease"
	ManifestObject = "manifest.json"

	IndexBin        = "index.bin"
	IndexConfigJSON = "index.config.json"
	KeymapBin       = "keymap.bin"
	MetadataJSONL   = "metadata.jsonl"
	ReadyMarker     = "ready"
)

// Bucket returns the key of a bucket descriptor.
func Bucket(bucket string) string {
	return path.Join(bucket, BucketObject)
}

// BucketPrefix returns the listing prefix for everything in a bucket.
func BucketPrefix(bucket string) string {
	return bucket + "/"
}

// Index returns the key of an index descriptor.
func Index(bucket, index string) string {
	return path.Join(bucket, index, IndexObject)
}

// IndexPrefix returns the listing prefix for everything in an index.
func IndexPrefix(bucket, index string) string {
	return path.Join(bucket, index) + "/"
}

// Counter returns the key of the slice counter object.
func Counter(bucket, index string) string {
	return path.Join(bucket, index, "raw", CounterObject)
}

// Lease returns the key of the build lease object.
func Lease(bucket, index string) string {
	return path.Join(bucket, index, LeaseObject)
}

// ManifestPointer returns the key of the mutable manifest pointer.
func ManifestPointer(bucket, index string) string {
	return path.Join(bucket, index, ManifestObject)
}

// ManifestVersion returns the key of an immutable manifest version.
func ManifestVersion(bucket, index string, version uint64) string {
	return path.Join(bucket, index, fmt.Sprintf("manifest.v%d.json", version))
}

// RawPrefix returns the listing prefix for slice objects.
func RawPrefix(bucket, index string) string {
	return path.Join(bucket, index, "raw") + "/"
}

// Slice returns the key of a slice object.
func Slice(bucket, index, sliceID, ext string) string {
	return path.Join(bucket, index, "raw", sliceID+"."+ext)
}

// SliceID extracts the slice id from a slice object key, stripping the
// extension. Returns "" if the key is not under a raw/ segment.
func SliceID(key string) string {
	dir := path.Dir(key)
	if path.Base(dir) != "raw" {
		return ""
	}
	base := path.Base(key)
	if i := strings.IndexByte(base, '.'); i > 0 {
		return base[:i]
	}
	return base
}

// ShardsPrefix returns the listing prefix for all shards of an index.
func ShardsPrefix(bucket, index string) string {
	return path.Join(bucket, index, "shards") + "/"
}

// ShardPrefix returns the listing prefix for one shard's artifacts.
func ShardPrefix(bucket, index, shardID string) string {
	return path.Join(bucket, index, "shards", shardID) + "/"
}

// ShardArtifact returns the key of one shard artifact file.
func ShardArtifact(bucket, index, shardID, name string) string {
	return path.Join(bucket, index, "shards", shardID, name)
}

// ShardID extracts the shard id from any key under shards/.
// Returns "" if the key is not a shard artifact.
func ShardID(key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		if p == "shards" && i+1 < len(parts) {
			return parts[i+1]
		}
	}
	return ""
}
