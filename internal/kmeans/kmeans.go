// Package kmeans implements Lloyd's algorithm over flat []float32 data.
// It backs both the IVF coarse quantizer and the PQ codebooks.
package kmeans

import (
	"math"
	"math/rand"

	"github.com/cumulusvec/cumulus/internal/math32"
)

// Train trains k centroids from the given vectors using Lloyd's algorithm
// under squared-L2 distance and returns the flattened centroids (k * dim).
// The rng drives centroid seeding; pass a deterministically seeded source so
// shard builds are reproducible. If there are fewer than k vectors, k is
// reduced to the vector count.
func Train(vectors []float32, dim, k, maxIter int, rng *rand.Rand) []float32 {
	n := len(vectors) / dim
	if n == 0 || k < 1 {
		return nil
	}
	if k > n {
		k = n
	}

	centroids := make([]float32, k*dim)
	perm := rng.Perm(n)
	for i := 0; i < k; i++ {
		copy(centroids[i*dim:(i+1)*dim], vectors[perm[i]*dim:(perm[i]+1)*dim])
	}

	assignments := make([]int, n)
	counts := make([]int, k)
	sums := make([]float32, k*dim)

	for iter := 0; iter < maxIter; iter++ {
		changed := false

		for i := 0; i < n; i++ {
			vec := vectors[i*dim : (i+1)*dim]
			best := nearest(vec, centroids, dim)
			if assignments[i] != best {
				assignments[i] = best
				changed = true
			}
		}

		if !changed && iter > 0 {
			break
		}

		for i := range sums {
			sums[i] = 0
		}
		for i := range counts {
			counts[i] = 0
		}
		for i := 0; i < n; i++ {
			cluster := assignments[i]
			vec := vectors[i*dim : (i+1)*dim]
			for d := 0; d < dim; d++ {
				sums[cluster*dim+d] += vec[d]
			}
			counts[cluster]++
		}

		for j := 0; j < k; j++ {
			if counts[j] > 0 {
				scale := 1.0 / float32(counts[j])
				for d := 0; d < dim; d++ {
					centroids[j*dim+d] = sums[j*dim+d] * scale
				}
			} else {
				// Re-seed empty cluster with a random point.
				idx := rng.Intn(n)
				copy(centroids[j*dim:(j+1)*dim], vectors[idx*dim:(idx+1)*dim])
			}
		}
	}

	return centroids
}

// nearest finds the closest centroid for a vector.
func nearest(vec, centroids []float32, dim int) int {
	k := len(centroids) / dim
	best := 0
	minDist := float32(math.MaxFloat32)
	for j := 0; j < k; j++ {
		d := math32.SquaredL2(vec, centroids[j*dim:(j+1)*dim])
		if d < minDist {
			minDist = d
			best = j
		}
	}
	return best
}

// Assign finds the closest centroid for a vector.
func Assign(vec, centroids []float32, dim int) int {
	return nearest(vec, centroids, dim)
}

// NearestCentroids returns the indices of the n closest centroids to the
// query vector, closest first.
func NearestCentroids(query, centroids []float32, dim, n int) []int {
	k := len(centroids) / dim
	if n > k {
		n = k
	}

	type centroidDist struct {
		id   int
		dist float32
	}
	dists := make([]centroidDist, k)
	for i := 0; i < k; i++ {
		dists[i] = centroidDist{id: i, dist: math32.SquaredL2(query, centroids[i*dim:(i+1)*dim])}
	}

	// Partial selection sort: n is small (nprobe) compared to k.
	result := make([]int, n)
	for i := 0; i < n; i++ {
		best := i
		for j := i + 1; j < k; j++ {
			if dists[j].dist < dists[best].dist {
				best = j
			}
		}
		dists[i], dists[best] = dists[best], dists[i]
		result[i] = dists[i].id
	}
	return result
}
