package distance

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDot(t *testing.T) {
	assert.InDelta(t, 11.0, Dot([]float32{1, 2, 3}, []float32{3, 1, 2}), 1e-6)
	assert.InDelta(t, 0.0, Dot([]float32{1, 0}, []float32{0, 1}), 1e-6)
}

func TestSquaredL2(t *testing.T) {
	assert.InDelta(t, 2.0, SquaredL2([]float32{1, 0}, []float32{0, 1}), 1e-6)
	assert.InDelta(t, 0.0, SquaredL2([]float32{1, 2}, []float32{1, 2}), 1e-6)
}

func TestNormalizeL2InPlace(t *testing.T) {
	v := []float32{3, 4}
	require.True(t, NormalizeL2InPlace(v))
	assert.InDelta(t, 0.6, v[0], 1e-6)
	assert.InDelta(t, 0.8, v[1], 1e-6)

	zero := []float32{0, 0}
	assert.False(t, NormalizeL2InPlace(zero))
}

func TestNormalizeL2Copy(t *testing.T) {
	src := []float32{2, 0}
	dst, ok := NormalizeL2Copy(src)
	require.True(t, ok)
	assert.Equal(t, []float32{2, 0}, src)
	assert.InDelta(t, 1.0, dst[0], 1e-6)
}

func TestParseMetric(t *testing.T) {
	m, err := ParseMetric("cosine")
	require.NoError(t, err)
	assert.Equal(t, MetricCosine, m)

	m, err = ParseMetric("euclidean")
	require.NoError(t, err)
	assert.Equal(t, MetricEuclidean, m)

	_, err = ParseMetric("manhattan")
	assert.Error(t, err)
}

func TestProviderCosineOrdersByInnerProduct(t *testing.T) {
	f, err := Provider(MetricCosine)
	require.NoError(t, err)

	q := []float32{1, 0, 0, 0}
	near, _ := NormalizeL2Copy([]float32{1, 1, 0, 0})
	far, _ := NormalizeL2Copy([]float32{0, 1, 0, 0})

	// Smaller internal distance means closer.
	assert.Less(t, f(q, q), f(q, near))
	assert.Less(t, f(q, near), f(q, far))
}

func TestScore(t *testing.T) {
	// Cosine similarity of identical unit vectors is 1.
	f, _ := Provider(MetricCosine)
	q := []float32{1, 0}
	assert.InDelta(t, 1.0, Score(MetricCosine, f(q, q)), 1e-6)

	// Euclidean score is the plain L2 distance.
	g, _ := Provider(MetricEuclidean)
	d := g([]float32{0, 0}, []float32{3, 4})
	assert.InDelta(t, 5.0, Score(MetricEuclidean, d), 1e-6)
	assert.InDelta(t, float64(math.Sqrt(2)), Score(MetricEuclidean, 2), 1e-6)
}
