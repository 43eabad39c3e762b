package vectorindex

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/philippgille/chromem-go"

	"medrag/internal/domain"
)

// ChromemFile is the exported chromem database of a chromem index.
const ChromemFile = "chromem.gob.gz"

const chromemCollection = "vectors"

var errNoEmbedding = errors.New("chromem index only accepts precomputed embeddings")

// Chromem stores vectors in a chromem-go collection. chromem normalizes
// embeddings, so only cosine similarity is supported.
type Chromem struct {
	db         *chromem.DB
	collection *chromem.Collection
	dimension  int
}

func noEmbedding(context.Context, string) ([]float32, error) {
	return nil, errNoEmbedding
}

// NewChromem creates an empty in-memory chromem index.
func NewChromem(metric domain.Metric, dim int) (*Chromem, error) {
	if metric != domain.MetricCosine {
		return nil, fmt.Errorf("%w: chromem index requires cosine, got %q", domain.ErrConfiguration, metric)
	}
	if dim <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive, got %d", domain.ErrConfiguration, dim)
	}
	db := chromem.NewDB()
	c, err := db.CreateCollection(chromemCollection, nil, noEmbedding)
	if err != nil {
		return nil, fmt.Errorf("creating collection: %w", err)
	}
	return &Chromem{db: db, collection: c, dimension: dim}, nil
}

// OpenChromem imports the database saved in dir.
func OpenChromem(dir string, dim int) (*Chromem, error) {
	db := chromem.NewDB()
	if err := db.ImportFromFile(filepath.Join(dir, ChromemFile), ""); err != nil {
		return nil, fmt.Errorf("importing chromem db: %w", err)
	}
	c := db.GetCollection(chromemCollection, noEmbedding)
	if c == nil {
		return nil, fmt.Errorf("collection %q not found", chromemCollection)
	}
	return &Chromem{db: db, collection: c, dimension: dim}, nil
}

func (c *Chromem) Add(vectors [][]float32) error {
	if err := checkDimension(c.dimension, vectors...); err != nil {
		return err
	}
	base := c.collection.Count()
	docs := make([]chromem.Document, len(vectors))
	for i, v := range vectors {
		id := strconv.Itoa(base + i)
		docs[i] = chromem.Document{ID: id, Embedding: v, Content: id}
	}
	return c.collection.AddDocuments(context.Background(), docs, runtime.NumCPU())
}

func (c *Chromem) Search(query []float32, k int) ([]domain.Neighbor, error) {
	if err := checkDimension(c.dimension, query); err != nil {
		return nil, err
	}

	// chromem requires nResults <= doc count
	n := c.collection.Count()
	if n == 0 || k <= 0 {
		return nil, nil
	}
	if k > n {
		k = n
	}

	results, err := c.collection.QueryEmbedding(context.Background(), query, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("querying collection: %w", err)
	}
	out := make([]domain.Neighbor, 0, len(results))
	for _, r := range results {
		row, err := strconv.Atoi(r.ID)
		if err != nil {
			return nil, fmt.Errorf("unexpected document id %q", r.ID)
		}
		out = append(out, domain.Neighbor{Row: row, Score: float64(r.Similarity)})
	}
	sortNeighbors(out, domain.HigherIsBetter)
	return out, nil
}

func (c *Chromem) Len() int               { return c.collection.Count() }
func (c *Chromem) Dimension() int         { return c.dimension }
func (c *Chromem) Metric() domain.Metric  { return domain.MetricCosine }
func (c *Chromem) Kind() domain.IndexKind { return domain.IndexChromem }
func (c *Chromem) Close() error           { return nil }

func (c *Chromem) Save(dir string) error {
	return c.db.ExportToFile(filepath.Join(dir, ChromemFile), true, "")
}
