// Package s3 implements blobstore.Store on AWS S3 (and any endpoint speaking
// the S3 API with conditional-write support).
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"

	"github.com/cumulusvec/cumulus/blobstore"
	"github.com/cumulusvec/cumulus/errs"
)

// Store implements blobstore.Store for S3. PutIfAbsent relies on the
// `If-None-Match: *` conditional write, which S3 and recent MinIO releases
// honor natively.
type Store struct {
	client   *s3.Client
	uploader *manager.Uploader
	bucket   string
	prefix   string
}

// NewStore creates a new S3 store. rootPrefix is prepended to all keys
// (e.g. "vectors/").
func NewStore(client *s3.Client, bucket, rootPrefix string) *Store {
	return &Store{
		client:   client,
		uploader: manager.NewUploader(client),
		bucket:   bucket,
		prefix:   rootPrefix,
	}
}

func (s *Store) key(name string) string {
	return path.Join(s.prefix, name)
}

func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
		Body:   bytes.NewReader(data),
	})
	return mapError("blobstore.put", err)
}

func (s *Store) PutIfAbsent(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key(key)),
		Body:        bytes.NewReader(data),
		IfNoneMatch: aws.String("*"),
	})
	return mapError("blobstore.put_if_absent", err)
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	return s.get(ctx, key, nil)
}

func (s *Store) GetRange(ctx context.Context, key string, off, length int64) ([]byte, error) {
	var rng string
	if length < 0 {
		rng = fmt.Sprintf("bytes=%d-", off)
	} else {
		rng = fmt.Sprintf("bytes=%d-%d", off, off+length-1)
	}
	return s.get(ctx, key, &rng)
}

func (s *Store) get(ctx context.Context, key string, rng *string) ([]byte, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
		Range:  rng,
	})
	if err != nil {
		return nil, mapError("blobstore.get", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errs.New(errs.KindTransient, "blobstore.get", err)
	}
	return data, nil
}

func (s *Store) Head(ctx context.Context, key string) (blobstore.ObjectInfo, error) {
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
	})
	if err != nil {
		return blobstore.ObjectInfo{}, mapError("blobstore.head", err)
	}
	info := blobstore.ObjectInfo{Key: key, Size: aws.ToInt64(head.ContentLength), ETag: aws.ToString(head.ETag)}
	if head.LastModified != nil {
		info.LastModified = *head.LastModified
	}
	return info, nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key(key)),
	})
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
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(fullPrefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, mapError("blobstore.list", err)
		}
		for _, obj := range page.Contents {
			key := aws.ToString(obj.Key)
			key = strings.TrimPrefix(key, s.prefix)
			key = strings.TrimPrefix(key, "/")
			if key != "" {
				keys = append(keys, key)
			}
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// mapError translates SDK errors into the errs taxonomy.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}

	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return errs.New(errs.KindNotFound, op, err)
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return errs.New(errs.KindNotFound, op, err)
	}

	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		switch code := respErr.HTTPStatusCode(); {
		case code == http.StatusNotFound:
			return errs.New(errs.KindNotFound, op, err)
		case code == http.StatusPreconditionFailed || code == http.StatusConflict:
			return errs.New(errs.KindConflict, op, err)
		case code >= 500 || code == http.StatusTooManyRequests:
			return errs.New(errs.KindTransient, op, err)
		}
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict":
			return errs.New(errs.KindConflict, op, err)
		case "SlowDown", "InternalError", "ServiceUnavailable", "RequestTimeout":
			return errs.New(errs.KindTransient, op, err)
		}
	}

	// Network-level failures without an HTTP response are retryable.
	return errs.New(errs.KindTransient, op, err)
}
