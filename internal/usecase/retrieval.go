package usecase

import (
	"context"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"medrag/internal/domain"
	"medrag/internal/observability"
	"medrag/internal/port"
)

// DefaultMinFusionDepth is the smallest per-corpus candidate count requested
// from each backend when several backends are fused.
const DefaultMinFusionDepth = 100

// Backend is one retrieval backend with one Retriever per corpus of the group.
type Backend struct {
	Name       string
	Retrievers []port.Retriever
}

// RetrievalSystem fans a query out over a backend × corpus grid, merges each
// backend's corpora by its native ordering, and fuses backends with
// Reciprocal Rank Fusion.
type RetrievalSystem struct {
	name           string
	backends       []Backend
	extracter      port.DocExtracter
	minFusionDepth int
	closers        []io.Closer
	logger         *zap.Logger
	metrics        *observability.Metrics
}

type SystemOption func(*RetrievalSystem)

// WithExtracter resolves fused ids in one batch instead of per backend.
func WithExtracter(e port.DocExtracter) SystemOption {
	return func(s *RetrievalSystem) {
		s.extracter = e
	}
}

func WithMinFusionDepth(n int) SystemOption {
	return func(s *RetrievalSystem) {
		if n > 0 {
			s.minFusionDepth = n
		}
	}
}

func WithSystemLogger(logger *zap.Logger) SystemOption {
	return func(s *RetrievalSystem) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithSystemMetrics(m *observability.Metrics) SystemOption {
	return func(s *RetrievalSystem) {
		s.metrics = m
	}
}

// WithClosers hands resources to the system; Close releases them.
func WithClosers(closers ...io.Closer) SystemOption {
	return func(s *RetrievalSystem) {
		s.closers = append(s.closers, closers...)
	}
}

// NewRetrievalSystem validates the grid: at least one backend, unique
// backend names, and at least one retriever per backend.
func NewRetrievalSystem(name string, backends []Backend, opts ...SystemOption) (*RetrievalSystem, error) {
	if len(backends) == 0 {
		return nil, fmt.Errorf("%w: retriever %q has no backends", domain.ErrConfiguration, name)
	}
	seen := make(map[string]struct{}, len(backends))
	for _, b := range backends {
		if _, dup := seen[b.Name]; dup {
			return nil, fmt.Errorf("%w: backend %q listed twice", domain.ErrConfiguration, b.Name)
		}
		seen[b.Name] = struct{}{}
		if len(b.Retrievers) == 0 {
			return nil, fmt.Errorf("%w: backend %q has no corpora", domain.ErrConfiguration, b.Name)
		}
	}

	s := &RetrievalSystem{
		name:           name,
		backends:       backends,
		minFusionDepth: DefaultMinFusionDepth,
		logger:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *RetrievalSystem) Name() string { return s.name }

// candidate is a hit together with the retriever that produced it.
type candidate struct {
	hit       domain.Hit
	retriever port.Retriever
}

// Retrieve returns at most k results and their scores as parallel slices.
// With one backend the scores are the backend's own; otherwise they are
// RRF sums of 1/(rrfK + rank + 1).
func (s *RetrievalSystem) Retrieve(ctx context.Context, question string, k, rrfK int) ([]domain.FusedResult, []float64, error) {
	start := time.Now()
	queryID := uuid.NewString()

	if k <= 0 {
		return []domain.FusedResult{}, []float64{}, nil
	}

	fusing := len(s.backends) > 1
	depth := k
	if fusing {
		depth = max(2*k, s.minFusionDepth)
	}

	perBackend, err := s.search(ctx, question, depth)
	if err != nil {
		return nil, nil, err
	}

	var (
		top    []candidate
		scores []float64
	)
	if fusing {
		top, scores = fuse(perBackend, k, rrfK)
	} else {
		top = perBackend[0]
		if len(top) > k {
			top = top[:k]
		}
		scores = make([]float64, len(top))
		for i, c := range top {
			scores[i] = c.hit.Score
		}
	}

	results := s.resolve(ctx, top)
	for i := range results {
		results[i].Score = scores[i]
	}

	elapsed := time.Since(start)
	s.metrics.ObserveRetrieve(s.name, elapsed)
	s.logger.Debug("retrieve",
		zap.String("query_id", queryID),
		zap.String("retriever", s.name),
		zap.Int("backends", len(s.backends)),
		zap.Int("k", k),
		zap.Int("depth", depth),
		zap.Int("results", len(results)),
		zap.Duration("elapsed", elapsed))

	return results, scores, nil
}

// search queries every retriever of the grid concurrently and returns, per
// backend, the concatenation of its corpora re-sorted by its polarity.
func (s *RetrievalSystem) search(ctx context.Context, question string, depth int) ([][]candidate, error) {
	grid := make([][][]domain.Hit, len(s.backends))
	for i, b := range s.backends {
		grid[i] = make([][]domain.Hit, len(b.Retrievers))
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, b := range s.backends {
		i, b := i, b
		for j, r := range b.Retrievers {
			j, r := j, r
			g.Go(func() error {
				t := time.Now()
				hits, err := r.Search(gctx, question, depth, port.IDOnly())
				if err != nil {
					return fmt.Errorf("%s over %s: %w", b.Name, r.Corpus(), err)
				}
				s.metrics.ObserveSearch(b.Name, time.Since(t), len(hits))
				grid[i][j] = hits
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := make([][]candidate, len(s.backends))
	for i, b := range s.backends {
		var all []candidate
		for j, r := range b.Retrievers {
			for _, h := range grid[i][j] {
				all = append(all, candidate{hit: h, retriever: r})
			}
		}
		if len(b.Retrievers) > 1 {
			p := b.Retrievers[0].Polarity()
			sort.SliceStable(all, func(x, y int) bool {
				return p.Better(all[x].hit.Score, all[y].hit.Score)
			})
		}
		merged[i] = all
	}
	return merged, nil
}

// fuse applies Reciprocal Rank Fusion. Each document keeps the hit of the
// first backend that produced it; ties keep first-seen order.
func fuse(perBackend [][]candidate, k, rrfK int) ([]candidate, []float64) {
	var order []string
	first := make(map[string]candidate)
	sums := make(map[string]float64)

	for _, hits := range perBackend {
		for rank, c := range hits {
			id := c.hit.ID
			if _, seen := first[id]; !seen {
				first[id] = c
				order = append(order, id)
			}
			sums[id] += 1 / float64(rrfK+rank+1)
		}
	}

	sort.SliceStable(order, func(i, j int) bool {
		return sums[order[i]] > sums[order[j]]
	})
	if len(order) > k {
		order = order[:k]
	}

	top := make([]candidate, len(order))
	scores := make([]float64, len(order))
	for i, id := range order {
		top[i] = first[id]
		scores[i] = sums[id]
	}
	return top, scores
}

// resolve fills in titles and contents of the final results, through the
// shared extracter when one is configured, otherwise through the retriever
// that produced each hit.
func (s *RetrievalSystem) resolve(ctx context.Context, top []candidate) []domain.FusedResult {
	results := make([]domain.FusedResult, len(top))

	if s.extracter != nil {
		ids := make([]string, len(top))
		for i, c := range top {
			ids[i] = c.hit.ID
		}
		for i, rec := range s.extracter.Extract(ctx, ids) {
			results[i] = domain.FusedResult{ID: top[i].hit.ID, Title: rec.Title, Content: rec.Content}
		}
		return results
	}

	// Batch per retriever, preserving result positions.
	type group struct {
		positions []int
		hits      []domain.Hit
	}
	groups := make(map[port.Retriever]*group)
	var owners []port.Retriever
	for i, c := range top {
		g, ok := groups[c.retriever]
		if !ok {
			g = &group{}
			groups[c.retriever] = g
			owners = append(owners, c.retriever)
		}
		g.positions = append(g.positions, i)
		g.hits = append(g.hits, c.hit)
	}
	for _, r := range owners {
		g := groups[r]
		for n, h := range r.Resolve(ctx, g.hits) {
			s.metrics.ResolutionGap(string(h.Gap))
			results[g.positions[n]] = domain.FusedResult{ID: h.ID, Title: h.Chunk.Title, Content: h.Chunk.Content}
		}
	}
	return results
}

// Close releases the resources handed over with WithClosers.
func (s *RetrievalSystem) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
