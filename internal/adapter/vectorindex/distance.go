package vectorindex

import (
	"fmt"
	"math"
	"sort"

	"medrag/internal/domain"
)

// scoreFunc returns the raw score of the metric for a pair of vectors.
func scoreFunc(metric domain.Metric) (func(a, b []float32) float64, error) {
	switch metric {
	case domain.MetricL2:
		return squaredL2, nil
	case domain.MetricIP:
		return dot, nil
	case domain.MetricCosine:
		return cosineSimilarity, nil
	}
	return nil, fmt.Errorf("%w: metric %q cannot score vectors", domain.ErrConfiguration, metric)
}

func squaredL2(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

func cosineSimilarity(a, b []float32) float64 {
	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}

	if normA == 0 || normB == 0 {
		return 0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

// sortNeighbors orders neighbors best first; equal scores keep row order.
func sortNeighbors(ns []domain.Neighbor, p domain.Polarity) {
	sort.SliceStable(ns, func(i, j int) bool {
		if ns[i].Score != ns[j].Score {
			return p.Better(ns[i].Score, ns[j].Score)
		}
		return ns[i].Row < ns[j].Row
	})
}

func checkDimension(want int, vectors ...[]float32) error {
	for _, v := range vectors {
		if len(v) != want {
			return fmt.Errorf("vector dimension mismatch: expected %d, got %d", want, len(v))
		}
	}
	return nil
}
