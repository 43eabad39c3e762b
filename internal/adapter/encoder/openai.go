package encoder

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
	"go.uber.org/zap"

	"medrag/config"
	"medrag/internal/domain"
)

// OpenAI talks to an OpenAI-compatible /embeddings endpoint, such as a
// text-embeddings-inference server hosting a retrieval model. Query and
// passage models may differ.
type OpenAI struct {
	passages  *embeddings.EmbedderImpl
	queries   *embeddings.EmbedderImpl
	model     string
	formatter Formatter
	dimension atomic.Int64
	guard     *guard
}

func newLangchainEmbedder(cfg config.EncoderConfig, model, token string) (*embeddings.EmbedderImpl, error) {
	timeout := 60 * time.Second
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}

	opts := []openai.Option{
		openai.WithModel(model),
		openai.WithEmbeddingModel(model),
		openai.WithToken(token),
		openai.WithHTTPClient(&http.Client{Timeout: timeout}),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}

	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 32
	}
	return embeddings.NewEmbedder(llm,
		embeddings.WithBatchSize(batch),
		embeddings.WithStripNewLines(false))
}

// NewOpenAI builds an encoder for an OpenAI-compatible server.
func NewOpenAI(cfg config.EncoderConfig, formatter Formatter, logger *zap.Logger) (*OpenAI, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("%w: encoder model required", domain.ErrConfiguration)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	// langchaingo requires a token; local inference servers ignore it.
	token := "placeholder"
	if cfg.APIKeyEnv != "" {
		token = os.Getenv(cfg.APIKeyEnv)
		if token == "" {
			return nil, fmt.Errorf("%w: API key not found in environment variable: %s", domain.ErrConfiguration, cfg.APIKeyEnv)
		}
	}

	passages, err := newLangchainEmbedder(cfg, cfg.Model, token)
	if err != nil {
		return nil, err
	}
	queries := passages
	if cfg.QueryModel != "" && cfg.QueryModel != cfg.Model {
		if queries, err = newLangchainEmbedder(cfg, cfg.QueryModel, token); err != nil {
			return nil, err
		}
	}

	e := &OpenAI{
		passages:  passages,
		queries:   queries,
		model:     cfg.Model,
		formatter: formatter,
		guard:     newGuard(cfg.Model, cfg.RequestsPerSecond, logger),
	}
	e.dimension.Store(int64(cfg.Dimension))
	return e, nil
}

func (e *OpenAI) EncodeQuery(ctx context.Context, text string) ([]float32, error) {
	var vec []float32
	err := e.guard.do(ctx, "query", func(ctx context.Context) error {
		var err error
		vec, err = e.queries.EmbedQuery(ctx, text)
		return err
	})
	if err != nil {
		return nil, e.wrap(err)
	}
	if err := e.check(vec); err != nil {
		return nil, err
	}
	return vec, nil
}

func (e *OpenAI) EncodePassages(ctx context.Context, passages []domain.Passage) ([][]float32, error) {
	if len(passages) == 0 {
		return nil, nil
	}
	texts := e.formatter.Texts(passages)

	var vecs [][]float32
	err := e.guard.do(ctx, "passages", func(ctx context.Context) error {
		var err error
		vecs, err = e.passages.EmbedDocuments(ctx, texts)
		return err
	})
	if err != nil {
		return nil, e.wrap(err)
	}
	if len(vecs) != len(passages) {
		return nil, fmt.Errorf("%w: %s returned %d vectors for %d passages", domain.ErrEncoder, e.model, len(vecs), len(passages))
	}
	if err := e.check(vecs...); err != nil {
		return nil, err
	}
	return vecs, nil
}

// check learns the dimension from the first response and rejects any
// vector that disagrees with it.
func (e *OpenAI) check(vecs ...[]float32) error {
	for _, v := range vecs {
		want := e.dimension.Load()
		if want == 0 && e.dimension.CompareAndSwap(0, int64(len(v))) {
			continue
		}
		if int64(len(v)) != e.dimension.Load() {
			return fmt.Errorf("%w: %s returned dimension %d, want %d", domain.ErrEncoder, e.model, len(v), e.dimension.Load())
		}
	}
	return nil
}

func (e *OpenAI) wrap(err error) error {
	if isCircuitOpen(err) {
		return fmt.Errorf("%w: %s unavailable: %v", domain.ErrEncoder, e.model, err)
	}
	return fmt.Errorf("%w: %s: %v", domain.ErrEncoder, e.model, err)
}

func (e *OpenAI) Dimension() int        { return int(e.dimension.Load()) }
func (e *OpenAI) Name() string          { return e.model }
func (e *OpenAI) ConcurrencySafe() bool { return true }
