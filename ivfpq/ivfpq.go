// Package ivfpq implements the Inverted-File + Product-Quantization
// approximate nearest-neighbor index used for shard search.
//
// Vectors are assigned to one of nlist coarse cells; the residual against
// the cell centroid is compressed to m sub-quantizer codes of nbits bits.
// Search probes the nprobe closest cells and scores candidates with
// asymmetric distance computation: one lookup table per subspace, built once
// per probed cell from the query residual (euclidean) or from the query
// itself (cosine).
package ivfpq

import (
	"container/heap"
	"math/rand"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/cumulusvec/cumulus/distance"
	"github.com/cumulusvec/cumulus/errs"
	"github.com/cumulusvec/cumulus/internal/kmeans"
	"github.com/cumulusvec/cumulus/internal/math32"
)

// Library identification embedded in every shard's index.config.json, so a
// reader can refuse blobs written by an incompatible encoder.
const (
	LibraryID      = "cumulus-ivfpq"
	LibraryVersion = "1"
)

const kmeansIterations = 25

// Config holds the index hyperparameters.
type Config struct {
	Dimension int
	Metric    distance.Metric
	NList     int
	M         int
	NBits     int
}

func (c Config) validate() error {
	if c.Dimension < 1 {
		return errs.Newf(errs.KindValidation, "ivfpq.config", "dimension %d", c.Dimension)
	}
	if c.NList < 1 {
		return errs.Newf(errs.KindValidation, "ivfpq.config", "nlist %d", c.NList)
	}
	if c.M < 1 || c.Dimension%c.M != 0 {
		return errs.Newf(errs.KindValidation, "ivfpq.config", "m %d must divide dimension %d", c.M, c.Dimension)
	}
	if c.NBits < 1 || c.NBits > 8 {
		return errs.Newf(errs.KindValidation, "ivfpq.config", "nbits %d out of [1,8]", c.NBits)
	}
	return nil
}

// ksub returns the number of centroids per subspace.
func (c Config) ksub() int { return 1 << c.NBits }

// dsub returns the dimensions per subspace.
func (c Config) dsub() int { return c.Dimension / c.M }

// Index is a trained IVF-PQ index over one shard. Not safe for concurrent
// mutation; concurrent Search calls are safe once building is done.
type Index struct {
	cfg Config

	// centroids is the coarse quantizer, nlist * dim.
	centroids []float32
	// codebooks is m * ksub * dsub, indexed [m][code][d].
	codebooks []float32

	// Inverted lists: per cell, the vector ordinals and their PQ codes
	// (len(codes) == len(ids) * m).
	listIDs   [][]uint32
	listCodes [][]byte

	ntotal  uint32
	trained bool
}

// New creates an untrained index.
func New(cfg Config) (*Index, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Index{
		cfg:       cfg,
		listIDs:   make([][]uint32, cfg.NList),
		listCodes: make([][]byte, cfg.NList),
	}, nil
}

// Config returns the index hyperparameters.
func (x *Index) Config() Config { return x.cfg }

// NTotal returns the number of added vectors.
func (x *Index) NTotal() int { return int(x.ntotal) }

// Trained reports whether Train has completed.
func (x *Index) Trained() bool { return x.trained }

// Train learns the coarse quantizer and the PQ codebooks from the training
// sample (flat, n * dim). The seed makes training deterministic per shard.
func (x *Index) Train(sample []float32, seed int64) error {
	n := len(sample) / x.cfg.Dimension
	if n == 0 {
		return errs.Newf(errs.KindValidation, "ivfpq.train", "empty training sample")
	}
	if len(sample)%x.cfg.Dimension != 0 {
		return errs.Newf(errs.KindValidation, "ivfpq.train", "sample length %d not a multiple of dimension %d", len(sample), x.cfg.Dimension)
	}

	rng := rand.New(rand.NewSource(seed))
	dim := x.cfg.Dimension

	x.centroids = kmeans.Train(sample, dim, x.cfg.NList, kmeansIterations, rng)
	// Fewer distinct training points than nlist shrinks the quantizer.
	x.cfg.NList = len(x.centroids) / dim
	x.listIDs = make([][]uint32, x.cfg.NList)
	x.listCodes = make([][]byte, x.cfg.NList)

	// PQ codebooks are trained on residuals so codes stay centered near
	// zero regardless of which cell a vector lands in.
	residuals := make([]float32, len(sample))
	for i := 0; i < n; i++ {
		vec := sample[i*dim : (i+1)*dim]
		cell := kmeans.Assign(vec, x.centroids, dim)
		centroid := x.centroids[cell*dim : (cell+1)*dim]
		for d := 0; d < dim; d++ {
			residuals[i*dim+d] = vec[d] - centroid[d]
		}
	}

	dsub, ksub := x.cfg.dsub(), x.cfg.ksub()
	x.codebooks = make([]float32, x.cfg.M*ksub*dsub)
	sub := make([]float32, n*dsub)
	for m := 0; m < x.cfg.M; m++ {
		for i := 0; i < n; i++ {
			copy(sub[i*dsub:(i+1)*dsub], residuals[i*dim+m*dsub:i*dim+(m+1)*dsub])
		}
		book := kmeans.Train(sub, dsub, ksub, kmeansIterations, rng)
		// A tiny sample can yield fewer than ksub centroids; pad by
		// repeating so every possible code stays decodable.
		for len(book) < ksub*dsub {
			book = append(book, book[:min(dsub, ksub*dsub-len(book))]...)
		}
		copy(x.codebooks[m*ksub*dsub:(m+1)*ksub*dsub], book)
	}

	x.trained = true
	return nil
}

// Add appends vectors (flat, n * dim) with consecutive internal ordinals
// starting at NTotal.
func (x *Index) Add(vectors []float32) error {
	if !x.trained {
		return errs.Newf(errs.KindFatal, "ivfpq.add", "index not trained")
	}
	dim := x.cfg.Dimension
	if len(vectors)%dim != 0 {
		return errs.Newf(errs.KindValidation, "ivfpq.add", "vector data length %d not a multiple of dimension %d", len(vectors), dim)
	}

	n := len(vectors) / dim
	residual := make([]float32, dim)
	for i := 0; i < n; i++ {
		vec := vectors[i*dim : (i+1)*dim]
		cell := kmeans.Assign(vec, x.centroids, dim)
		centroid := x.centroids[cell*dim : (cell+1)*dim]
		for d := 0; d < dim; d++ {
			residual[d] = vec[d] - centroid[d]
		}

		x.listIDs[cell] = append(x.listIDs[cell], x.ntotal)
		x.listCodes[cell] = append(x.listCodes[cell], x.encode(residual)...)
		x.ntotal++
	}
	return nil
}

// encode maps a residual to m codes.
func (x *Index) encode(residual []float32) []byte {
	dsub, ksub := x.cfg.dsub(), x.cfg.ksub()
	codes := make([]byte, x.cfg.M)
	for m := 0; m < x.cfg.M; m++ {
		sub := residual[m*dsub : (m+1)*dsub]
		book := x.codebooks[m*ksub*dsub : (m+1)*ksub*dsub]
		codes[m] = byte(kmeans.Assign(sub, book, dsub))
	}
	return codes
}

// Result is one search hit.
type Result struct {
	Ordinal  uint32
	Distance float32 // internal distance: ascending means closer
}

// Search returns up to k results for q, probing the nprobe closest cells.
// nprobe is clamped to [1, nlist]. Ordinals present in exclude are skipped
// (pass nil for none). Results are sorted by ascending internal distance
// with ordinal as tie-break.
func (x *Index) Search(q []float32, k, nprobe int, exclude *roaring.Bitmap) ([]Result, error) {
	if !x.trained {
		return nil, errs.Newf(errs.KindFatal, "ivfpq.search", "index not trained")
	}
	if len(q) != x.cfg.Dimension {
		return nil, errs.Newf(errs.KindValidation, "ivfpq.search", "query dimension %d, index dimension %d", len(q), x.cfg.Dimension)
	}
	if k < 1 || x.ntotal == 0 {
		return nil, nil
	}
	if nprobe < 1 {
		nprobe = 1
	}
	if nprobe > x.cfg.NList {
		nprobe = x.cfg.NList
	}

	dim, dsub, ksub := x.cfg.Dimension, x.cfg.dsub(), x.cfg.ksub()
	cells := kmeans.NearestCentroids(q, x.centroids, dim, nprobe)

	h := &resultHeap{}
	heap.Init(h)
	table := make([]float32, x.cfg.M*ksub)
	residual := make([]float32, dim)

	for _, cell := range cells {
		ids := x.listIDs[cell]
		if len(ids) == 0 {
			continue
		}
		centroid := x.centroids[cell*dim : (cell+1)*dim]

		// Per-cell ADC tables: from the query residual (euclidean) or the
		// query itself (cosine).
		var cellBase float32
		switch x.cfg.Metric {
		case distance.MetricCosine:
			// q·v ≈ q·centroid + q_sub·book_sub summed over subspaces;
			// internal distance is the negated inner product.
			cellBase = -math32.Dot(q, centroid)
			for m := 0; m < x.cfg.M; m++ {
				qs := q[m*dsub : (m+1)*dsub]
				for c := 0; c < ksub; c++ {
					entry := x.codebooks[(m*ksub+c)*dsub : (m*ksub+c+1)*dsub]
					table[m*ksub+c] = -math32.Dot(qs, entry)
				}
			}
		default:
			for d := 0; d < dim; d++ {
				residual[d] = q[d] - centroid[d]
			}
			for m := 0; m < x.cfg.M; m++ {
				rs := residual[m*dsub : (m+1)*dsub]
				for c := 0; c < ksub; c++ {
					entry := x.codebooks[(m*ksub+c)*dsub : (m*ksub+c+1)*dsub]
					table[m*ksub+c] = math32.SquaredL2(rs, entry)
				}
			}
		}

		codes := x.listCodes[cell]
		for i, ordinal := range ids {
			if exclude != nil && exclude.Contains(ordinal) {
				continue
			}
			dist := cellBase
			base := i * x.cfg.M
			for m := 0; m < x.cfg.M; m++ {
				dist += table[m*ksub+int(codes[base+m])]
			}
			pushBounded(h, Result{Ordinal: ordinal, Distance: dist}, k)
		}
	}

	out := make([]Result, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(Result)
	}
	return out, nil
}

// pushBounded keeps the k best (smallest-distance) results in a max-heap.
func pushBounded(h *resultHeap, r Result, k int) {
	if h.Len() < k {
		heap.Push(h, r)
		return
	}
	if worse(r, (*h)[0]) {
		return
	}
	(*h)[0] = r
	heap.Fix(h, 0)
}

// worse reports whether a ranks after b.
func worse(a, b Result) bool {
	if a.Distance != b.Distance {
		return a.Distance > b.Distance
	}
	return a.Ordinal > b.Ordinal
}

// resultHeap is a max-heap by distance, so the root is the current worst.
type resultHeap []Result

func (h resultHeap) Len() int            { return len(h) }
func (h resultHeap) Less(i, j int) bool  { return worse(h[i], h[j]) }
func (h resultHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *resultHeap) Push(x any)         { *h = append(*h, x.(Result)) }
func (h *resultHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
