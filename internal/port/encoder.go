package port

import (
	"context"

	"medrag/internal/domain"
)

// Encoder turns text into embedding vectors.
type Encoder interface {
	// EncodeQuery embeds a single query text.
	EncodeQuery(ctx context.Context, text string) ([]float32, error)

	// EncodePassages embeds chunks; the result has one vector per passage, in order.
	EncodePassages(ctx context.Context, passages []domain.Passage) ([][]float32, error)

	// Dimension returns the vector length, or 0 if unknown until first use.
	Dimension() int

	// Name returns the model name.
	Name() string
}

// ConcurrencySafe is implemented by encoders that may be called from several
// goroutines at once.
type ConcurrencySafe interface {
	ConcurrencySafe() bool
}
