package port

import "medrag/internal/domain"

// VectorIndex is a nearest-neighbor index over fixed-dimension vectors.
// Rows are numbered in insertion order starting at 0.
type VectorIndex interface {
	// Add appends vectors; their rows continue from Len().
	Add(vectors [][]float32) error

	// Search returns at most k neighbors with raw metric scores, best first.
	Search(query []float32, k int) ([]domain.Neighbor, error)

	Len() int
	Dimension() int
	Metric() domain.Metric
	Kind() domain.IndexKind

	// Save persists the index under dir.
	Save(dir string) error

	Close() error
}
