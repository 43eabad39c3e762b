package port

import (
	"context"

	"medrag/internal/domain"
)

// Retriever searches one backend over one corpus.
type Retriever interface {
	// Name returns the backend name.
	Name() string

	// Corpus returns the corpus the retriever searches.
	Corpus() string

	// Polarity returns the ordering direction of the raw hit scores.
	Polarity() domain.Polarity

	// Search returns at most k hits, most relevant first.
	// Zero hits is not an error.
	Search(ctx context.Context, query string, k int, opts ...SearchOption) ([]domain.Hit, error)

	// Resolve fills in the text of hits returned by an id-only search.
	// Unresolvable hits receive a placeholder chunk.
	Resolve(ctx context.Context, hits []domain.Hit) []domain.Hit
}

// SearchOptions holds per-call search settings.
type SearchOptions struct {
	IDOnly bool
}

type SearchOption func(*SearchOptions)

// IDOnly skips text resolution; hits carry ids, scores and addresses only.
func IDOnly() SearchOption {
	return func(o *SearchOptions) {
		o.IDOnly = true
	}
}

// ApplySearchOptions folds opts into a SearchOptions value.
func ApplySearchOptions(opts ...SearchOption) SearchOptions {
	var o SearchOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
