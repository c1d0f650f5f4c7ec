// Package httpapi exposes the S3-Vectors-shaped JSON envelope over HTTP.
// One operation per URL path, POST bodies, lowerCamelCase fields; the
// envelope only maps wire shapes to core calls and error kinds to status
// codes.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/cumulusvec/cumulus"
	"github.com/cumulusvec/cumulus/catalog"
	"github.com/cumulusvec/cumulus/errs"
	"github.com/cumulusvec/cumulus/ingest"
	"github.com/cumulusvec/cumulus/metadata"
	"github.com/cumulusvec/cumulus/model"
	"github.com/cumulusvec/cumulus/query"
)

// Handler routes the S3-Vectors operations.
type Handler struct {
	catalog *catalog.Catalog
	ingest  *ingest.Ingestor
	planner *query.Planner
	logger  *cumulus.Logger
	// OnPut, when set, nudges the indexer after a successful PutVectors.
	// A hint only: correctness never depends on it firing.
	OnPut func(bucket, index string)
}

// New creates the HTTP handler.
func New(cat *catalog.Catalog, ing *ingest.Ingestor, planner *query.Planner, logger *cumulus.Logger) *Handler {
	if logger == nil {
		logger = cumulus.NewLogger(nil)
	}
	return &Handler{catalog: cat, ingest: ing, planner: planner, logger: logger.Component("http")}
}

// Mux returns the request multiplexer with every operation registered.
func (h *Handler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	ops := map[string]func(http.ResponseWriter, *http.Request){
		"CreateVectorBucket": h.createVectorBucket,
		"ListVectorBuckets":  h.listVectorBuckets,
		"GetVectorBucket":    h.getVectorBucket,
		"DeleteVectorBucket": h.deleteVectorBucket,
		"CreateIndex":        h.createIndex,
		"ListIndexes":        h.listIndexes,
		"GetIndex":           h.getIndex,
		"DeleteIndex":        h.deleteIndex,
		"PutVectors":         h.putVectors,
		"ListVectors":        h.listVectors,
		"GetVectors":         h.getVectors,
		"QueryVectors":       h.queryVectors,
		"DeleteVectors":      h.deleteVectors,
	}
	for name, fn := range ops {
		mux.HandleFunc("POST /"+name, fn)
	}
	return mux
}

// vectorData is the S3-Vectors embedding envelope.
type vectorData struct {
	Float32 []float32 `json:"float32"`
}

type wireVector struct {
	Key      string            `json:"key"`
	Data     *vectorData       `json:"data,omitempty"`
	Metadata metadata.Document `json:"metadata,omitempty"`
}

func decode[T any](w http.ResponseWriter, r *http.Request) (T, bool) {
	var req T
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errs.Newf(errs.KindValidation, "httpapi.decode", "invalid request body: %v", err))
		return req, false
	}
	return req, true
}

func (h *Handler) createVectorBucket(w http.ResponseWriter, r *http.Request) {
	req, ok := decode[struct {
		VectorBucketName string `json:"vectorBucketName"`
	}](w, r)
	if !ok {
		return
	}
	bucket, err := h.catalog.CreateBucket(r.Context(), req.VectorBucketName)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"vectorBucket": bucket})
}

func (h *Handler) listVectorBuckets(w http.ResponseWriter, r *http.Request) {
	buckets, err := h.catalog.ListBuckets(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if buckets == nil {
		buckets = []*model.VectorBucket{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"vectorBuckets": buckets})
}

func (h *Handler) getVectorBucket(w http.ResponseWriter, r *http.Request) {
	req, ok := decode[struct {
		VectorBucketName string `json:"vectorBucketName"`
	}](w, r)
	if !ok {
		return
	}
	bucket, err := h.catalog.GetBucket(r.Context(), req.VectorBucketName)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"bucket":     bucket.Name,
		"created_at": bucket.CreatedAt,
	})
}

func (h *Handler) deleteVectorBucket(w http.ResponseWriter, r *http.Request) {
	req, ok := decode[struct {
		VectorBucketName string `json:"vectorBucketName"`
	}](w, r)
	if !ok {
		return
	}
	if err := h.catalog.DeleteBucket(r.Context(), req.VectorBucketName); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "vector bucket deleted"})
}

func (h *Handler) createIndex(w http.ResponseWriter, r *http.Request) {
	req, ok := decode[struct {
		VectorBucketName string `json:"vectorBucketName"`
		IndexName        string `json:"indexName"`
		Dimension        int    `json:"dimension"`
		DistanceMetric   string `json:"distanceMetric"`
		DataType         string `json:"dataType"`
	}](w, r)
	if !ok {
		return
	}

	desc := &model.IndexDescriptor{
		Bucket:    req.VectorBucketName,
		IndexName: req.IndexName,
		Dimension: req.Dimension,
		Metric:    strings.ToLower(req.DistanceMetric),
		DataType:  model.DataType(strings.ToLower(req.DataType)),
	}
	if err := desc.Normalize(); err != nil {
		writeError(w, err)
		return
	}
	created, err := h.catalog.CreateIndex(r.Context(), desc)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"Index": indexView(created)})
}

// indexView is the GetIndex/CreateIndex wire shape.
func indexView(desc *model.IndexDescriptor) map[string]any {
	return map[string]any{
		"vectorBucketName": desc.Bucket,
		"indexName":        desc.IndexName,
		"indexArn":         "arn:aws:s3vectors:::bucket/" + desc.Bucket + "/index/" + desc.IndexName,
		"creationTime":     desc.CreatedAt,
		"dataType":         desc.DataType,
		"dimension":        desc.Dimension,
		"distanceMetric":   desc.Metric,
	}
}

func (h *Handler) listIndexes(w http.ResponseWriter, r *http.Request) {
	req, ok := decode[struct {
		VectorBucketName string `json:"vectorBucketName"`
	}](w, r)
	if !ok {
		return
	}
	indexes, err := h.catalog.ListIndexes(r.Context(), req.VectorBucketName)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]map[string]any, 0, len(indexes))
	for _, desc := range indexes {
		views = append(views, indexView(desc))
	}
	writeJSON(w, http.StatusOK, map[string]any{"indexes": views})
}

func (h *Handler) getIndex(w http.ResponseWriter, r *http.Request) {
	req, ok := decode[struct {
		VectorBucketName string `json:"vectorBucketName"`
		IndexName        string `json:"indexName"`
	}](w, r)
	if !ok {
		return
	}
	desc, err := h.catalog.GetIndex(r.Context(), req.VectorBucketName, req.IndexName)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"index": indexView(desc)})
}

func (h *Handler) deleteIndex(w http.ResponseWriter, r *http.Request) {
	req, ok := decode[struct {
		VectorBucketName string `json:"vectorBucketName"`
		IndexName        string `json:"indexName"`
	}](w, r)
	if !ok {
		return
	}
	if err := h.catalog.DeleteIndex(r.Context(), req.VectorBucketName, req.IndexName); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "index deleted"})
}

func (h *Handler) putVectors(w http.ResponseWriter, r *http.Request) {
	req, ok := decode[struct {
		VectorBucketName string       `json:"vectorBucketName"`
		IndexName        string       `json:"indexName"`
		Vectors          []wireVector `json:"vectors"`
	}](w, r)
	if !ok {
		return
	}

	records := make([]model.VectorRecord, 0, len(req.Vectors))
	for _, v := range req.Vectors {
		rec := model.VectorRecord{Key: v.Key, Metadata: v.Metadata}
		if v.Data != nil {
			rec.Embedding = v.Data.Float32
		}
		records = append(records, rec)
	}

	if _, err := h.ingest.PutVectors(r.Context(), req.VectorBucketName, req.IndexName, records); err != nil {
		writeError(w, err)
		return
	}
	if h.OnPut != nil {
		h.OnPut(req.VectorBucketName, req.IndexName)
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "vectors accepted"})
}

func (h *Handler) listVectors(w http.ResponseWriter, r *http.Request) {
	req, ok := decode[struct {
		VectorBucketName string `json:"vectorBucketName"`
		IndexName        string `json:"indexName"`
		MaxResults       int    `json:"maxResults"`
		NextToken        string `json:"nextToken"`
	}](w, r)
	if !ok {
		return
	}

	keys, next, err := h.planner.ListVectors(r.Context(), req.VectorBucketName, req.IndexName, req.MaxResults, req.NextToken)
	if err != nil {
		writeError(w, err)
		return
	}
	vectors := make([]wireVector, 0, len(keys))
	for _, key := range keys {
		vectors = append(vectors, wireVector{Key: key})
	}
	resp := map[string]any{"vectors": vectors}
	if next != "" {
		resp["nextToken"] = next
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getVectors(w http.ResponseWriter, r *http.Request) {
	req, ok := decode[struct {
		VectorBucketName string   `json:"vectorBucketName"`
		IndexName        string   `json:"indexName"`
		Keys             []string `json:"keys"`
		ReturnData       bool     `json:"returnData"`
		ReturnMetadata   bool     `json:"returnMetadata"`
	}](w, r)
	if !ok {
		return
	}

	records, err := h.planner.GetVectors(r.Context(), req.VectorBucketName, req.IndexName, req.Keys, req.ReturnData, req.ReturnMetadata)
	if err != nil {
		writeError(w, err)
		return
	}
	vectors := make([]wireVector, 0, len(records))
	for _, rec := range records {
		v := wireVector{Key: rec.Key, Metadata: rec.Metadata}
		if req.ReturnData {
			v.Data = &vectorData{Float32: rec.Embedding}
		}
		vectors = append(vectors, v)
	}
	// All keys missing is still a 200 with an empty list.
	writeJSON(w, http.StatusOK, map[string]any{"vectors": vectors})
}

func (h *Handler) queryVectors(w http.ResponseWriter, r *http.Request) {
	req, ok := decode[struct {
		VectorBucketName string          `json:"vectorBucketName"`
		IndexName        string          `json:"indexName"`
		QueryVector      vectorData      `json:"queryVector"`
		TopK             int             `json:"topK"`
		NProbe           int             `json:"nprobe"`
		ReturnData       bool            `json:"returnData"`
		ReturnMetadata   bool            `json:"returnMetadata"`
		Filter           json.RawMessage `json:"filter"`
	}](w, r)
	if !ok {
		return
	}

	filter, err := metadata.ParseFilter(req.Filter)
	if err != nil {
		writeError(w, errs.New(errs.KindValidation, "httpapi.query_vectors", err))
		return
	}

	matches, err := h.planner.Query(r.Context(), req.VectorBucketName, req.IndexName, req.QueryVector.Float32, query.Options{
		TopK:           req.TopK,
		NProbe:         req.NProbe,
		Filter:         filter,
		ReturnData:     req.ReturnData,
		ReturnMetadata: req.ReturnMetadata,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	wire := make([]map[string]any, 0, len(matches))
	for _, m := range matches {
		entry := map[string]any{"key": m.Key, "score": m.Score}
		if req.ReturnData {
			entry["data"] = vectorData{Float32: m.Data}
		}
		if req.ReturnMetadata {
			entry["metadata"] = m.Metadata
		}
		wire = append(wire, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"matches": wire})
}

func (h *Handler) deleteVectors(w http.ResponseWriter, r *http.Request) {
	req, ok := decode[struct {
		VectorBucketName string   `json:"vectorBucketName"`
		IndexName        string   `json:"indexName"`
		Keys             []string `json:"keys"`
	}](w, r)
	if !ok {
		return
	}
	if err := h.planner.DeleteVectors(r.Context(), req.VectorBucketName, req.IndexName, req.Keys); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "vectors deleted"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps the error taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errs.KindOf(err) {
	case errs.KindValidation:
		status = http.StatusBadRequest
	case errs.KindNotFound:
		status = http.StatusNotFound
	case errs.KindConflict:
		status = http.StatusConflict
	case errs.KindTransient:
		status = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", "1")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		status = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, status, map[string]string{"message": err.Error()})
}
