// Package minio implements blobstore.Store for MinIO and other S3-compatible
// endpoints reached through the MinIO SDK.
package minio

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"path"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"

	"github.com/cumulusvec/cumulus/blobstore"
	"github.com/cumulusvec/cumulus/errs"
)

// Store implements blobstore.Store on the MinIO SDK.
//
// PutIfAbsent uses the stat-then-put fallback: the endpoint is not assumed to
// honor `If-None-Match`, so a small create/create race window remains. The
// index build path tolerates this because publication is temp-then-ready and
// the lease serializes manifest writers; deployments that need a hard
// conditional create should wrap the store with s3.CASStore.
type Store struct {
	client *minio.Client
	bucket string
	prefix string
}

// NewStore creates a new MinIO-backed store. rootPrefix is prepended to all
// keys (e.g. "vectors/").
func NewStore(client *minio.Client, bucket, rootPrefix string) *Store {
	return &Store{client: client, bucket: bucket, prefix: rootPrefix}
}

func (s *Store) key(name string) string {
	return path.Join(s.prefix, name)
}

func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, s.bucket, s.key(key),
		bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{})
	return mapError("blobstore.put", err)
}

func (s *Store) PutIfAbsent(ctx context.Context, key string, data []byte) error {
	_, err := s.client.StatObject(ctx, s.bucket, s.key(key), minio.StatObjectOptions{})
	if err == nil {
		return errs.Newf(errs.KindConflict, "blobstore.put_if_absent", "object %s exists", key)
	}
	if mapped := mapError("blobstore.put_if_absent", err); !errs.IsNotFound(mapped) {
		return mapped
	}
	return s.Put(ctx, key, data)
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	return s.getRange(ctx, key, minio.GetObjectOptions{})
}

func (s *Store) GetRange(ctx context.Context, key string, off, length int64) ([]byte, error) {
	opts := minio.GetObjectOptions{}
	if length < 0 {
		if err := opts.SetRange(off, 0); err != nil {
			return nil, errs.New(errs.KindValidation, "blobstore.get", err)
		}
	} else {
		if err := opts.SetRange(off, off+length-1); err != nil {
			return nil, errs.New(errs.KindValidation, "blobstore.get", err)
		}
	}
	return s.getRange(ctx, key, opts)
}

func (s *Store) getRange(ctx context.Context, key string, opts minio.GetObjectOptions) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, s.key(key), opts)
	if err != nil {
		return nil, mapError("blobstore.get", err)
	}
	defer func() { _ = obj.Close() }()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, mapError("blobstore.get", err)
	}
	return data, nil
}

func (s *Store) Head(ctx context.Context, key string) (blobstore.ObjectInfo, error) {
	info, err := s.client.StatObject(ctx, s.bucket, s.key(key), minio.StatObjectOptions{})
	if err != nil {
		return blobstore.ObjectInfo{}, mapError("blobstore.head", err)
	}
	return blobstore.ObjectInfo{
		Key:          key,
		Size:         info.Size,
		ETag:         info.ETag,
		LastModified: info.LastModified,
	}, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	err := s.client.RemoveObject(ctx, s.bucket, s.key(key), minio.RemoveObjectOptions{})
	err = mapError("blobstore.delete", err)
	if errs.IsNotFound(err) {
		return nil
	}
	return err
}

func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	fullPrefix := s.key(prefix)
	if strings.HasSuffix(prefix, "/") && !strings.HasSuffix(fullPrefix, "/") {
		fullPrefix += "/"
	}

	var keys []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    fullPrefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, mapError("blobstore.list", obj.Err)
		}
		key := strings.TrimPrefix(obj.Key, s.prefix)
		key = strings.TrimPrefix(key, "/")
		if key != "" {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// mapError translates MinIO SDK errors into the errs taxonomy.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	resp := minio.ToErrorResponse(err)
	switch {
	case resp.Code == "NoSuchKey" || resp.Code == "NotFound" || resp.StatusCode == http.StatusNotFound:
		return errs.New(errs.KindNotFound, op, err)
	case resp.Code == "PreconditionFailed" || resp.StatusCode == http.StatusPreconditionFailed:
		return errs.New(errs.KindConflict, op, err)
	case resp.StatusCode >= 500 || resp.Code == "SlowDown" || resp.StatusCode == http.StatusTooManyRequests:
		return errs.New(errs.KindTransient, op, err)
	case resp.Code == "AccessDenied" || resp.Code == "InvalidAccessKeyId" || resp.Code == "SignatureDoesNotMatch":
		return errs.New(errs.KindValidation, op, err)
	case resp.StatusCode == 0:
		// No HTTP response at all: network-level failure, retryable.
		return errs.New(errs.KindTransient, op, fmt.Errorf("network: %w", err))
	default:
		return errs.New(errs.KindTransient, op, err)
	}
}
