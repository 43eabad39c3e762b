package encoder

import (
	"context"
	"hash/fnv"
	"math"

	"medrag/internal/adapter/analyzer"
	"medrag/internal/domain"
	"medrag/internal/port"
)

// Hash is a deterministic offline encoder: tokens are hashed into a fixed
// number of buckets and the counts L2-normalized. It needs no model and is
// used for tests and air-gapped builds.
type Hash struct {
	dimension int
	formatter Formatter
	tokenizer port.Tokenizer
}

func NewHash(dimension int, formatter Formatter) *Hash {
	if dimension <= 0 {
		dimension = 256
	}
	return &Hash{
		dimension: dimension,
		formatter: formatter,
		tokenizer: analyzer.NewTokenizer(false),
	}
}

func (e *Hash) EncodeQuery(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return e.embed(text), nil
}

func (e *Hash) EncodePassages(ctx context.Context, passages []domain.Passage) ([][]float32, error) {
	out := make([][]float32, len(passages))
	for i, p := range passages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = e.embed(e.formatter.Text(p))
	}
	return out, nil
}

func (e *Hash) embed(text string) []float32 {
	v := make([]float32, e.dimension)
	for _, tok := range e.tokenizer.Tokenize(text) {
		h := fnv.New32a()
		h.Write([]byte(tok))
		v[h.Sum32()%uint32(e.dimension)]++
	}

	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return v
	}
	norm = math.Sqrt(norm)
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
	return v
}

func (e *Hash) Dimension() int        { return e.dimension }
func (e *Hash) Name() string          { return "hash" }
func (e *Hash) ConcurrencySafe() bool { return true }
