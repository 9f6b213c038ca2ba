package reflection

import (
	"math"
	"sort"
)

// Clusterer groups points by similarity. Each group lists indexes into
// points. Points that fit no group are left out.
type Clusterer interface {
	Cluster(points [][]float64) [][]int
}

// CosineDistance returns 1 - cos(a, b). Zero vectors are at distance 1 from
// everything.
func CosineDistance(a, b []float64) float64 {
	n := min(len(a), len(b))
	var dot, na, nb float64
	for i := 0; i < n; i++ {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
}

// DBSCAN is density-based clustering over cosine distance.
type DBSCAN struct {
	// Eps is the neighborhood radius.
	Eps float64

	// MinPts is the neighborhood size (the point included) that makes a core point.
	MinPts int
}

const noise = -1

// Cluster implements Clusterer.
func (d DBSCAN) Cluster(points [][]float64) [][]int {
	n := len(points)
	labels := make([]int, n)
	visited := make([]bool, n)
	for i := range labels {
		labels[i] = noise
	}

	neighbors := func(i int) []int {
		var out []int
		for j := 0; j < n; j++ {
			if CosineDistance(points[i], points[j]) <= d.Eps {
				out = append(out, j)
			}
		}
		return out
	}

	cluster := 0
	for i := 0; i < n; i++ {
		if visited[i] {
			continue
		}
		visited[i] = true
		seeds := neighbors(i)
		if len(seeds) < d.MinPts {
			continue
		}
		labels[i] = cluster
		for k := 0; k < len(seeds); k++ {
			j := seeds[k]
			if labels[j] == noise {
				labels[j] = cluster
			}
			if visited[j] {
				continue
			}
			visited[j] = true
			if more := neighbors(j); len(more) >= d.MinPts {
				seeds = append(seeds, more...)
			}
		}
		cluster++
	}
	return groups(labels, cluster)
}

// KMeans is centroid-based clustering over cosine distance with
// deterministic farthest-point seeding.
type KMeans struct {
	K       int
	MaxIter int
}

// Cluster implements Clusterer.
func (km KMeans) Cluster(points [][]float64) [][]int {
	n := len(points)
	k := min(km.K, n)
	if k <= 0 {
		return nil
	}
	iters := km.MaxIter
	if iters <= 0 {
		iters = 50
	}

	centroids := seedFarthest(points, k)
	labels := make([]int, n)
	for i := range labels {
		labels[i] = noise
	}
	for it := 0; it < iters; it++ {
		changed := false
		for i, p := range points {
			best, bestDist := 0, math.Inf(1)
			for c, centroid := range centroids {
				if d := CosineDistance(p, centroid); d < bestDist {
					best, bestDist = c, d
				}
			}
			if labels[i] != best {
				labels[i] = best
				changed = true
			}
		}
		if !changed {
			break
		}
		for c := range centroids {
			if m := mean(points, labels, c); m != nil {
				centroids[c] = m
			}
		}
	}
	return groups(labels, k)
}

func seedFarthest(points [][]float64, k int) [][]float64 {
	chosen := []int{0}
	dist := make([]float64, len(points))
	for i := range points {
		dist[i] = CosineDistance(points[i], points[0])
	}
	for len(chosen) < k {
		far := -1
		for i, d := range dist {
			if far < 0 || d > dist[far] {
				far = i
			}
		}
		chosen = append(chosen, far)
		for i := range points {
			dist[i] = math.Min(dist[i], CosineDistance(points[i], points[far]))
		}
	}
	centroids := make([][]float64, k)
	for c, i := range chosen {
		centroids[c] = append([]float64(nil), points[i]...)
	}
	return centroids
}

func mean(points [][]float64, labels []int, c int) []float64 {
	var sum []float64
	count := 0
	for i, p := range points {
		if labels[i] != c {
			continue
		}
		if sum == nil {
			sum = make([]float64, len(p))
		}
		for j := range sum {
			if j < len(p) {
				sum[j] += p[j]
			}
		}
		count++
	}
	for j := range sum {
		sum[j] /= float64(count)
	}
	return sum
}

func groups(labels []int, k int) [][]int {
	out := make([][]int, k)
	for i, l := range labels {
		if l >= 0 {
			out[l] = append(out[l], i)
		}
	}
	res := out[:0]
	for _, g := range out {
		if len(g) > 0 {
			res = append(res, g)
		}
	}
	return res
}

// Adaptive runs DBSCAN and falls back to k-means when the sample is too
// large for DBSCAN or DBSCAN finds no group of MinSize points. Groups smaller
// than MinSize are dropped and the rest are ordered largest first.
type Adaptive struct {
	Eps         float64
	MinSize     int
	MaxPoints   int
	MaxClusters int
}

// NewAdaptive builds the clusterer from pipeline settings.
func NewAdaptive(eps float64, minSize, maxPoints, maxClusters int) *Adaptive {
	return &Adaptive{Eps: eps, MinSize: minSize, MaxPoints: maxPoints, MaxClusters: maxClusters}
}

// Cluster implements Clusterer.
func (a *Adaptive) Cluster(points [][]float64) [][]int {
	if len(points) < a.MinSize {
		return nil
	}
	var out [][]int
	if a.MaxPoints <= 0 || len(points) <= a.MaxPoints {
		out = a.keep(DBSCAN{Eps: a.Eps, MinPts: max(2, a.MinSize/2)}.Cluster(points))
	}
	if len(out) == 0 {
		out = a.keep(KMeans{K: a.kmeansK(len(points))}.Cluster(points))
	}
	return out
}

func (a *Adaptive) kmeansK(n int) int {
	limit := a.MaxClusters
	if limit <= 0 {
		limit = 10
	}
	return max(2, min(n/max(1, a.MinSize), limit))
}

func (a *Adaptive) keep(gs [][]int) [][]int {
	var out [][]int
	for _, g := range gs {
		if len(g) >= a.MinSize {
			out = append(out, g)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return len(out[i]) > len(out[j]) })
	if a.MaxClusters > 0 && len(out) > a.MaxClusters {
		out = out[:a.MaxClusters]
	}
	return out
}
