// Package blobstore is the capability layer over an S3-compatible object
// store. It is the only package that talks to storage SDKs; everything above
// it sees the Store interface and the errs taxonomy.
package blobstore

import (
	"context"
	"time"
)

// ObjectInfo describes an object without its body.
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// Store is the object-store contract the core depends on.
//
// Error kinds: Get/GetRange/Head return KindNotFound for absent keys,
// PutIfAbsent returns KindConflict when the key already exists, and all
// operations return KindTransient for retryable store failures. List must be
// read-your-writes for a completed Put of the listed key; eventual
// consistency is tolerated only for slice discovery.
type Store interface {
	// Put writes an object, overwriting any existing one.
	Put(ctx context.Context, key string, data []byte) error
	// PutIfAbsent writes an object only if the key does not exist. This is
	// the single concurrency primitive the core builds on.
	PutIfAbsent(ctx context.Context, key string, data []byte) error
	// Get reads a whole object.
	Get(ctx context.Context, key string) ([]byte, error)
	// GetRange reads length bytes starting at off. A length of -1 reads to
	// the end of the object.
	GetRange(ctx context.Context, key string, off, length int64) ([]byte, error)
	// Head returns object metadata.
	Head(ctx context.Context, key string) (ObjectInfo, error)
	// Delete removes an object. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// List returns all keys with the given prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)
}
