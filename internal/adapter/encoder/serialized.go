package encoder

import (
	"context"
	"sync"

	"medrag/internal/domain"
	"medrag/internal/port"
)

// Serialized guards an encoder that must not be called concurrently.
type Serialized struct {
	mu    sync.Mutex
	inner port.Encoder
}

func NewSerialized(inner port.Encoder) *Serialized {
	return &Serialized{inner: inner}
}

func (s *Serialized) EncodeQuery(ctx context.Context, text string) ([]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.EncodeQuery(ctx, text)
}

func (s *Serialized) EncodePassages(ctx context.Context, passages []domain.Passage) ([][]float32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inner.EncodePassages(ctx, passages)
}

func (s *Serialized) Dimension() int        { return s.inner.Dimension() }
func (s *Serialized) Name() string          { return s.inner.Name() }
func (s *Serialized) ConcurrencySafe() bool { return true }

// Unwrap returns the guarded encoder.
func (s *Serialized) Unwrap() port.Encoder { return s.inner }
