package retriever

import (
	"context"
	"math"
	"sort"

	"go.uber.org/zap"

	"medrag/internal/domain"
	"medrag/internal/port"
)

// Lexical ranks chunks of one corpus with Okapi BM25 over a LexicalStore.
type Lexical struct {
	name      string
	corpus    string
	store     port.LexicalStore
	tokenizer port.Tokenizer
	k1        float64
	b         float64
	logger    *zap.Logger
}

func NewLexical(name, corpus string, store port.LexicalStore, tokenizer port.Tokenizer, k1, b float64, logger *zap.Logger) *Lexical {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lexical{
		name:      name,
		corpus:    corpus,
		store:     store,
		tokenizer: tokenizer,
		k1:        k1,
		b:         b,
		logger:    logger,
	}
}

func (r *Lexical) Name() string              { return r.name }
func (r *Lexical) Corpus() string            { return r.corpus }
func (r *Lexical) Polarity() domain.Polarity { return domain.HigherIsBetter }

type scored struct {
	chunk port.StoredChunk
	score float64
}

func (r *Lexical) Search(ctx context.Context, query string, k int, opts ...port.SearchOption) ([]domain.Hit, error) {
	o := port.ApplySearchOptions(opts...)

	queryTokens := r.tokenizer.Tokenize(query)
	if len(queryTokens) == 0 || k <= 0 {
		return []domain.Hit{}, nil
	}

	stats, err := r.store.GetStats()
	if err != nil {
		return nil, err
	}
	if stats.TotalChunks == 0 {
		return []domain.Hit{}, nil
	}

	N := float64(stats.TotalChunks)
	candidates := make(map[string]*scored)

	for _, term := range queryTokens {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		postings, err := r.store.GetPostings(term)
		if err != nil {
			return nil, err
		}

		n := float64(len(postings))
		idf := math.Log((N-n+0.5)/(n+0.5) + 1)

		for _, posting := range postings {
			c, ok := candidates[posting.ChunkID]
			if !ok {
				chunk, err := r.store.GetChunk(posting.ChunkID)
				if err != nil {
					r.logger.Warn("posting references unknown chunk",
						zap.String("backend", r.name),
						zap.String("id", posting.ChunkID))
					continue
				}
				c = &scored{chunk: chunk}
				candidates[posting.ChunkID] = c
			}

			dl := float64(c.chunk.Length)
			tf := float64(posting.TF)
			c.score += idf * (tf * (r.k1 + 1)) / (tf + r.k1*(1-r.b+r.b*dl/stats.AvgChunkLen))
		}
	}

	results := make([]*scored, 0, len(candidates))
	for _, c := range candidates {
		results = append(results, c)
	}

	// Ties go to the chunk indexed first.
	sort.Slice(results, func(i, j int) bool {
		if results[i].score != results[j].score {
			return results[i].score > results[j].score
		}
		return results[i].chunk.Seq < results[j].chunk.Seq
	})

	if len(results) > k {
		results = results[:k]
	}

	hits := make([]domain.Hit, len(results))
	for i, c := range results {
		hits[i] = domain.Hit{
			ID:      c.chunk.Chunk.ID,
			Score:   c.score,
			Rank:    i,
			Address: c.chunk.Address,
		}
		if !o.IDOnly {
			hits[i].Chunk = c.chunk.Chunk
			hits[i].Resolved = true
		}
	}
	return hits, nil
}

// Resolve looks up the stored text of unresolved hits.
func (r *Lexical) Resolve(ctx context.Context, hits []domain.Hit) []domain.Hit {
	for i := range hits {
		if hits[i].Resolved {
			continue
		}
		chunk, err := r.store.GetChunk(hits[i].ID)
		if err != nil {
			r.logger.Warn("chunk resolution gap",
				zap.String("backend", r.name),
				zap.String("id", hits[i].ID),
				zap.String("reason", string(domain.GapUnknownID)))
			hits[i].Chunk = domain.GapUnknownID.Placeholder(hits[i].ID, 0)
			hits[i].Gap = domain.GapUnknownID
		} else {
			hits[i].Chunk = chunk.Chunk
		}
		hits[i].Resolved = true
	}
	return hits
}

func (r *Lexical) Close() error {
	return r.store.Close()
}
