package kmeans

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clusteredData builds n points around k well-separated anchors.
func clusteredData(n, dim, k int, rng *rand.Rand) []float32 {
	out := make([]float32, 0, n*dim)
	for i := 0; i < n; i++ {
		anchor := float32(i%k) * 100
		for d := 0; d < dim; d++ {
			out = append(out, anchor+rng.Float32())
		}
	}
	return out
}

func TestTrainFindsSeparatedClusters(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	data := clusteredData(300, 4, 3, rng)

	centroids := Train(data, 4, 3, 25, rng)
	require.Len(t, centroids, 3*4)

	// Every point must sit close to its assigned centroid.
	for i := 0; i < 300; i++ {
		vec := data[i*4 : (i+1)*4]
		c := Assign(vec, centroids, 4)
		for d := 0; d < 4; d++ {
			assert.InDelta(t, vec[d], centroids[c*4+d], 2.0)
		}
	}
}

func TestTrainClampsKToN(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	data := []float32{1, 2, 3, 4} // two 2-dim vectors

	centroids := Train(data, 2, 16, 10, rng)
	assert.Len(t, centroids, 2*2)
}

func TestTrainEmptyInput(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	assert.Nil(t, Train(nil, 4, 8, 10, rng))
}

func TestTrainIsDeterministicForSeed(t *testing.T) {
	data := clusteredData(100, 2, 4, rand.New(rand.NewSource(7)))

	a := Train(data, 2, 4, 20, rand.New(rand.NewSource(99)))
	b := Train(data, 2, 4, 20, rand.New(rand.NewSource(99)))
	assert.Equal(t, a, b)
}

func TestNearestCentroids(t *testing.T) {
	centroids := []float32{
		0, 0,
		10, 0,
		0, 10,
	}
	got := NearestCentroids([]float32{1, 1}, centroids, 2, 2)
	require.Len(t, got, 2)
	assert.Equal(t, 0, got[0])

	// n beyond k is clamped.
	got = NearestCentroids([]float32{1, 1}, centroids, 2, 10)
	assert.Len(t, got, 3)
}
