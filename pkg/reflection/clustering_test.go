package reflection_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/oceanbase/reflective-memory-go/pkg/reflection"
)

func twoGroups() [][]float64 {
	return [][]float64{
		{1, 0, 0}, {0.95, 0.05, 0}, {0.9, 0.1, 0},
		{0, 0, 1}, {0, 0.05, 0.95}, {0.02, 0, 0.9},
		{0, 1, 0},
	}
}

func TestCosineDistance(t *testing.T) {
	assert.InDelta(t, 0, reflection.CosineDistance([]float64{1, 2}, []float64{2, 4}), 1e-9)
	assert.InDelta(t, 1, reflection.CosineDistance([]float64{1, 0}, []float64{0, 1}), 1e-9)
	assert.InDelta(t, 2, reflection.CosineDistance([]float64{1, 0}, []float64{-1, 0}), 1e-9)
	assert.Equal(t, 1.0, reflection.CosineDistance([]float64{0, 0}, []float64{1, 0}))
}

func TestDBSCAN(t *testing.T) {
	groups := reflection.DBSCAN{Eps: 0.1, MinPts: 2}.Cluster(twoGroups())
	assert.Equal(t, [][]int{{0, 1, 2}, {3, 4, 5}}, groups)
}

func TestDBSCAN_AllNoise(t *testing.T) {
	points := [][]float64{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}
	assert.Empty(t, reflection.DBSCAN{Eps: 0.35, MinPts: 2}.Cluster(points))
}

func TestKMeans(t *testing.T) {
	groups := reflection.KMeans{K: 3}.Cluster(twoGroups())
	assert.Len(t, groups, 3)
	assert.ElementsMatch(t, [][]int{{0, 1, 2}, {3, 4, 5}, {6}}, groups)
}

func TestKMeans_KAboveN(t *testing.T) {
	groups := reflection.KMeans{K: 5}.Cluster([][]float64{{1, 0}, {0, 1}})
	assert.Len(t, groups, 2)
}

func TestAdaptive_DropsSmallGroups(t *testing.T) {
	a := reflection.NewAdaptive(0.1, 3, 100, 10)
	assert.Equal(t, [][]int{{0, 1, 2}, {3, 4, 5}}, a.Cluster(twoGroups()))
}

func TestAdaptive_FallsBackToKMeans(t *testing.T) {
	// Pairs are too sparse for eps, so DBSCAN finds nothing.
	points := [][]float64{
		{1, 0.3, 0}, {1, 0, 0.3}, {1, 0.2, 0.2},
		{0, 1, 0.3}, {0.3, 1, 0}, {0.2, 1, 0.2},
	}
	a := reflection.NewAdaptive(0.001, 3, 100, 10)
	groups := a.Cluster(points)
	assert.ElementsMatch(t, [][]int{{0, 1, 2}, {3, 4, 5}}, groups)
}

func TestAdaptive_LargeSampleUsesKMeans(t *testing.T) {
	a := reflection.NewAdaptive(0.1, 3, 4, 10)
	groups := a.Cluster(twoGroups())
	for _, g := range groups {
		assert.GreaterOrEqual(t, len(g), 3)
	}
	assert.NotEmpty(t, groups)
}

func TestAdaptive_TooFewPoints(t *testing.T) {
	a := reflection.NewAdaptive(0.35, 3, 100, 10)
	assert.Nil(t, a.Cluster([][]float64{{1, 0}, {1, 0}}))
}
