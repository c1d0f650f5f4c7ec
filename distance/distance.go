// Package distance provides the public API for vector distance calculations
// and the distance metric enumeration used throughout the index build and
// query paths.
package distance

import (
	"fmt"
	"slices"

	"github.com/cumulusvec/cumulus/internal/math32"
)

// Dot calculates the dot product of two vectors.
// Assumes vectors are the same length (caller's responsibility).
func Dot(a, b []float32) float32 {
	return math32.Dot(a, b)
}

// SquaredL2 calculates the squared L2 (Euclidean) distance between two vectors.
// Assumes vectors are the same length (caller's responsibility).
func SquaredL2(a, b []float32) float32 {
	return math32.SquaredL2(a, b)
}

// L2 calculates the L2 (Euclidean) distance between two vectors.
func L2(a, b []float32) float32 {
	return math32.Sqrt(math32.SquaredL2(a, b))
}

// NormalizeL2InPlace L2-normalizes v in place.
// Returns false if v has zero L2 norm.
func NormalizeL2InPlace(v []float32) bool {
	if len(v) == 0 {
		return false
	}
	norm2 := math32.Dot(v, v)
	if norm2 == 0 {
		return false
	}
	inv := 1 / math32.Sqrt(norm2)
	math32.ScaleInPlace(v, inv)
	return true
}

// NormalizeL2Copy returns a normalized copy of src.
// Returns false if src has zero L2 norm.
func NormalizeL2Copy(src []float32) ([]float32, bool) {
	dst := slices.Clone(src)
	if !NormalizeL2InPlace(dst) {
		return nil, false
	}
	return dst, true
}

// Metric represents the distance metric used for vector comparison.
type Metric int

const (
	// MetricEuclidean orders matches by ascending L2 distance.
	MetricEuclidean Metric = iota
	// MetricCosine orders matches by descending cosine similarity. Vectors
	// are unit-normalized at index build and query time, so the similarity
	// reduces to an inner product.
	MetricCosine
)

func (m Metric) String() string {
	switch m {
	case MetricEuclidean:
		return "euclidean"
	case MetricCosine:
		return "cosine"
	default:
		return fmt.Sprintf("unknown(%d)", int(m))
	}
}

// ParseMetric parses the wire representation of a metric.
func ParseMetric(s string) (Metric, error) {
	switch s {
	case "euclidean":
		return MetricEuclidean, nil
	case "cosine":
		return MetricCosine, nil
	default:
		return 0, fmt.Errorf("unsupported distance metric %q", s)
	}
}

// Func is a function type for distance calculation. Smaller values always
// mean "closer": cosine uses the negated inner product internally so both
// metrics merge under a single ascending ordering.
type Func func(a, b []float32) float32

// Provider returns the internal distance function for the given metric.
func Provider(m Metric) (Func, error) {
	switch m {
	case MetricEuclidean:
		return SquaredL2, nil
	case MetricCosine:
		return func(a, b []float32) float32 { return -math32.Dot(a, b) }, nil
	default:
		return nil, fmt.Errorf("unsupported metric: %v", m)
	}
}

// Score converts an internal distance to the user-visible score: cosine
// similarity in [-1,1] for cosine, raw L2 distance for euclidean.
func Score(m Metric, internal float32) float32 {
	switch m {
	case MetricCosine:
		return -internal
	default:
		return math32.Sqrt(internal)
	}
}
