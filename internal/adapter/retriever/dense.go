package retriever

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"medrag/internal/adapter/chunkstore"
	"medrag/internal/adapter/vectorindex"
	"medrag/internal/domain"
	"medrag/internal/port"
)

// Dense answers queries from a vector index whose rows map back to shard
// lines through the index metadata.
type Dense struct {
	name    string
	corpus  string
	encoder port.Encoder
	index   port.VectorIndex
	rows    []domain.MetadataRow
	chunks  *chunkstore.Store
	logger  *zap.Logger
}

// NewDense checks that index, metadata and encoder agree.
func NewDense(name, corpus string, encoder port.Encoder, index port.VectorIndex, rows []domain.MetadataRow, chunks *chunkstore.Store, logger *zap.Logger) (*Dense, error) {
	if len(rows) != index.Len() {
		return nil, fmt.Errorf("%w: %s/%s index has %d rows but metadata has %d",
			domain.ErrIndexUnavailable, corpus, name, index.Len(), len(rows))
	}
	if d := encoder.Dimension(); d != 0 && d != index.Dimension() {
		return nil, fmt.Errorf("%w: %s/%s encoder %s produces dimension %d, index expects %d",
			domain.ErrConfiguration, corpus, name, encoder.Name(), d, index.Dimension())
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dense{
		name:    name,
		corpus:  corpus,
		encoder: encoder,
		index:   index,
		rows:    rows,
		chunks:  chunks,
		logger:  logger,
	}, nil
}

// OpenDense loads the persisted index and metadata in dir.
func OpenDense(name, corpus, dir string, encoder port.Encoder, chunks *chunkstore.Store, opts vectorindex.Options, logger *zap.Logger) (*Dense, error) {
	index, _, err := vectorindex.Open(dir, opts)
	if err != nil {
		return nil, err
	}
	rows, err := vectorindex.ReadMetadata(dir)
	if err != nil {
		index.Close()
		return nil, err
	}
	d, err := NewDense(name, corpus, encoder, index, rows, chunks, logger)
	if err != nil {
		index.Close()
		return nil, err
	}
	return d, nil
}

func (r *Dense) Name() string              { return r.name }
func (r *Dense) Corpus() string            { return r.corpus }
func (r *Dense) Polarity() domain.Polarity { return r.index.Metric().Polarity() }

func (r *Dense) Search(ctx context.Context, query string, k int, opts ...port.SearchOption) ([]domain.Hit, error) {
	o := port.ApplySearchOptions(opts...)
	if r.index.Len() == 0 || k <= 0 {
		return []domain.Hit{}, nil
	}

	q, err := r.encoder.EncodeQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}
	neighbors, err := r.index.Search(q, k)
	if err != nil {
		return nil, fmt.Errorf("vector search failed: %w", err)
	}

	hits := make([]domain.Hit, 0, len(neighbors))
	for _, n := range neighbors {
		if n.Row < 0 || n.Row >= len(r.rows) {
			return nil, fmt.Errorf("%w: %s/%s returned row %d beyond metadata", domain.ErrIndexUnavailable, r.corpus, r.name, n.Row)
		}
		meta := r.rows[n.Row]
		addr := domain.Address{Corpus: r.corpus, Shard: meta.Source, Row: meta.Row}
		hits = append(hits, domain.Hit{ID: addr.Key(), Score: n.Score, Address: addr})
	}

	p := r.Polarity()
	sort.SliceStable(hits, func(i, j int) bool {
		return p.Better(hits[i].Score, hits[j].Score)
	})
	for i := range hits {
		hits[i].Rank = i
	}

	if !o.IDOnly {
		hits = r.Resolve(ctx, hits)
	}
	return hits, nil
}

// Resolve reads each unresolved hit's shard line. Unreadable lines become
// placeholders; the hit keeps its score and rank.
func (r *Dense) Resolve(ctx context.Context, hits []domain.Hit) []domain.Hit {
	for i := range hits {
		if hits[i].Resolved {
			continue
		}
		chunk, gap := r.chunks.Resolve(hits[i].Address)
		hits[i].Chunk = chunk
		hits[i].Gap = gap
		hits[i].Resolved = true
	}
	return hits
}

func (r *Dense) Close() error {
	return r.index.Close()
}
