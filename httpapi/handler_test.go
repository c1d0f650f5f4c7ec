package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cumulusvec/cumulus/blobstore"
	"github.com/cumulusvec/cumulus/catalog"
	"github.com/cumulusvec/cumulus/indexer"
	"github.com/cumulusvec/cumulus/ingest"
	"github.com/cumulusvec/cumulus/query"
)

type harness struct {
	mux     *http.ServeMux
	indexer *indexer.Indexer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := blobstore.NewMemoryStore()
	cat := catalog.New(store)

	ixCfg := indexer.DefaultConfig()
	ixCfg.MinBuildVectors = 1
	ixCfg.LeaseTTL = time.Second
	ix := indexer.New(store, cat, ixCfg, nil)

	h := New(
		cat,
		ingest.NewIngestor(store, cat),
		query.New(store, cat, query.Config{LeaseTTL: time.Second}, nil),
		nil,
	)
	return &harness{mux: h.Mux(), indexer: ix}
}

// call posts a JSON body to an operation and decodes the response.
func (h *harness) call(t *testing.T, op string, body string) (int, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/"+op, bytes.NewReader([]byte(body)))
	rec := httptest.NewRecorder()
	h.mux.ServeHTTP(rec, req)

	var out map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	}
	return rec.Code, out
}

func (h *harness) build(t *testing.T, bucket, index string) {
	t.Helper()
	built, err := h.indexer.BuildIndex(context.Background(), bucket, index)
	require.NoError(t, err)
	require.Greater(t, built, 0)
}

func TestBucketAndIndexLifecycle(t *testing.T) {
	h := newHarness(t)

	code, resp := h.call(t, "CreateVectorBucket", `{"vectorBucketName":"bkt"}`)
	require.Equal(t, http.StatusOK, code)
	assert.NotNil(t, resp["vectorBucket"])

	code, _ = h.call(t, "CreateVectorBucket", `{"vectorBucketName":"bkt"}`)
	assert.Equal(t, http.StatusConflict, code)

	code, _ = h.call(t, "CreateVectorBucket", `{"vectorBucketName":"NOT-VALID!"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, resp = h.call(t, "CreateIndex",
		`{"vectorBucketName":"bkt","indexName":"idx","dimension":4,"distanceMetric":"cosine","dataType":"float32"}`)
	require.Equal(t, http.StatusOK, code)
	idx := resp["Index"].(map[string]any)
	assert.Equal(t, "idx", idx["indexName"])
	assert.EqualValues(t, 4, idx["dimension"])

	code, resp = h.call(t, "GetIndex", `{"vectorBucketName":"bkt","indexName":"idx"}`)
	require.Equal(t, http.StatusOK, code)
	view := resp["index"].(map[string]any)
	assert.Equal(t, "cosine", view["distanceMetric"])
	assert.Contains(t, view["indexArn"], "bucket/bkt/index/idx")

	// Bucket with an index refuses deletion.
	code, _ = h.call(t, "DeleteVectorBucket", `{"vectorBucketName":"bkt"}`)
	assert.Equal(t, http.StatusConflict, code)

	code, _ = h.call(t, "DeleteIndex", `{"vectorBucketName":"bkt","indexName":"idx"}`)
	assert.Equal(t, http.StatusOK, code)
	code, _ = h.call(t, "DeleteVectorBucket", `{"vectorBucketName":"bkt"}`)
	assert.Equal(t, http.StatusOK, code)
}

func TestQueryMissingBucketIs404(t *testing.T) {
	h := newHarness(t)
	code, _ := h.call(t, "QueryVectors",
		`{"vectorBucketName":"missing-bucket","indexName":"idx","queryVector":{"float32":[1,0]},"topK":1}`)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestDimensionMismatchIs400(t *testing.T) {
	h := newHarness(t)
	h.call(t, "CreateVectorBucket", `{"vectorBucketName":"bkt"}`)
	h.call(t, "CreateIndex",
		`{"vectorBucketName":"bkt","indexName":"idx","dimension":4,"distanceMetric":"cosine","dataType":"float32"}`)

	code, _ := h.call(t, "PutVectors",
		`{"vectorBucketName":"bkt","indexName":"idx","vectors":[{"key":"k","data":{"float32":[1,0]}}]}`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestPutBuildQueryRoundtrip(t *testing.T) {
	h := newHarness(t)
	h.call(t, "CreateVectorBucket", `{"vectorBucketName":"bkt"}`)
	h.call(t, "CreateIndex",
		`{"vectorBucketName":"bkt","indexName":"idx","dimension":4,"distanceMetric":"cosine","dataType":"float32"}`)

	code, _ := h.call(t, "PutVectors", `{
		"vectorBucketName":"bkt","indexName":"idx",
		"vectors":[
			{"key":"doc-1","data":{"float32":[1,0,0,0]},"metadata":{"category":"a"}},
			{"key":"doc-2","data":{"float32":[0,1,0,0]},"metadata":{"category":"b"}}
		]}`)
	require.Equal(t, http.StatusOK, code)

	// Queries before any build see an empty index, not an error.
	code, resp := h.call(t, "QueryVectors",
		`{"vectorBucketName":"bkt","indexName":"idx","queryVector":{"float32":[1,0,0,0]},"topK":2}`)
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, resp["matches"])

	h.build(t, "bkt", "idx")

	code, resp = h.call(t, "QueryVectors",
		`{"vectorBucketName":"bkt","indexName":"idx","queryVector":{"float32":[1,0,0,0]},"topK":2,"returnMetadata":true}`)
	require.Equal(t, http.StatusOK, code)
	matches := resp["matches"].([]any)
	require.Len(t, matches, 2)
	first := matches[0].(map[string]any)
	assert.Equal(t, "doc-1", first["key"])
	assert.InDelta(t, 1.0, first["score"].(float64), 1e-3)

	// Filtered query returns only the matching category.
	code, resp = h.call(t, "QueryVectors",
		`{"vectorBucketName":"bkt","indexName":"idx","queryVector":{"float32":[1,0,0,0]},"topK":5,"filter":{"category":"b"}}`)
	require.Equal(t, http.StatusOK, code)
	matches = resp["matches"].([]any)
	require.Len(t, matches, 1)
	assert.Equal(t, "doc-2", matches[0].(map[string]any)["key"])

	// GetVectors with every key missing is a 200 and empty list.
	code, resp = h.call(t, "GetVectors",
		`{"vectorBucketName":"bkt","indexName":"idx","keys":["nope"],"returnData":true}`)
	require.Equal(t, http.StatusOK, code)
	assert.Empty(t, resp["vectors"])

	code, resp = h.call(t, "GetVectors",
		`{"vectorBucketName":"bkt","indexName":"idx","keys":["doc-1"],"returnData":true}`)
	require.Equal(t, http.StatusOK, code)
	vectors := resp["vectors"].([]any)
	require.Len(t, vectors, 1)

	// ListVectors then DeleteVectors.
	code, resp = h.call(t, "ListVectors", `{"vectorBucketName":"bkt","indexName":"idx"}`)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, resp["vectors"], 2)

	code, _ = h.call(t, "DeleteVectors", `{"vectorBucketName":"bkt","indexName":"idx","keys":["doc-1"]}`)
	require.Equal(t, http.StatusOK, code)

	code, resp = h.call(t, "QueryVectors",
		`{"vectorBucketName":"bkt","indexName":"idx","queryVector":{"float32":[1,0,0,0]},"topK":2}`)
	require.Equal(t, http.StatusOK, code)
	matches = resp["matches"].([]any)
	require.Len(t, matches, 1)
	assert.Equal(t, "doc-2", matches[0].(map[string]any)["key"])
}

func TestBadJSONBodyIs400(t *testing.T) {
	h := newHarness(t)
	code, _ := h.call(t, "CreateVectorBucket", `{not json`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestBadFilterIs400(t *testing.T) {
	h := newHarness(t)
	h.call(t, "CreateVectorBucket", `{"vectorBucketName":"bkt"}`)
	h.call(t, "CreateIndex",
		`{"vectorBucketName":"bkt","indexName":"idx","dimension":2,"distanceMetric":"cosine","dataType":"float32"}`)

	code, _ := h.call(t, "QueryVectors",
		`{"vectorBucketName":"bkt","indexName":"idx","queryVector":{"float32":[1,0]},"topK":1,"filter":{"f":{"$regex":".*"}}}`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestHealthz(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
