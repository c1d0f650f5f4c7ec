// Package cumulus is a horizontally scalable vector search service backed by
// S3-compatible object storage.
//
// Vectors are ingested as immutable slices, compiled asynchronously into
// IVF-PQ shards, and queried by fanning one kNN request across every shard
// listed in the index manifest. The service speaks the S3-Vectors JSON
// envelope over HTTP; see the httpapi package.
//
// This root package carries what every component shares: the structured
// logger. Domain behavior lives in the sub-packages (blobstore, catalog,
// ingest, indexer, query, ...).
package cumulus
