//go:build cgo

package encoder

import (
	"context"
	"fmt"
	"path/filepath"

	fastembed "github.com/anush008/fastembed-go"

	"medrag/config"
	"medrag/internal/domain"
)

var fastembedModels = map[string]fastembed.EmbeddingModel{
	"BAAI/bge-small-en-v1.5":                 fastembed.BGESmallENV15,
	"BAAI/bge-small-en":                      fastembed.BGESmallEN,
	"BAAI/bge-base-en-v1.5":                  fastembed.BGEBaseENV15,
	"BAAI/bge-base-en":                       fastembed.BGEBaseEN,
	"sentence-transformers/all-MiniLM-L6-v2": fastembed.AllMiniLML6V2,
}

var fastembedDimensions = map[fastembed.EmbeddingModel]int{
	fastembed.BGESmallENV15: 384,
	fastembed.BGESmallEN:    384,
	fastembed.BGEBaseENV15:  768,
	fastembed.BGEBaseEN:     768,
	fastembed.AllMiniLML6V2: 384,
}

// FastEmbed runs a local ONNX model. The underlying session is not safe
// for concurrent use, so the factory wraps it in Serialized.
type FastEmbed struct {
	model     *fastembed.FlagEmbedding
	name      string
	dimension int
	batchSize int
	formatter Formatter
}

func NewFastEmbed(cfg config.EncoderConfig, formatter Formatter) (*FastEmbed, error) {
	model, ok := fastembedModels[cfg.Model]
	if !ok {
		model = fastembed.EmbeddingModel(cfg.Model)
		if _, known := fastembedDimensions[model]; !known {
			return nil, fmt.Errorf("%w: unsupported fastembed model %q", domain.ErrConfiguration, cfg.Model)
		}
	}

	cacheDir := cfg.CacheDir
	if cacheDir == "" {
		cacheDir = filepath.Join(".", "local_cache")
	}
	maxLength := cfg.MaxLength
	if maxLength == 0 {
		maxLength = 512
	}
	showProgress := false

	flag, err := fastembed.NewFlagEmbedding(&fastembed.InitOptions{
		Model:                model,
		CacheDir:             cacheDir,
		MaxLength:            maxLength,
		ShowDownloadProgress: &showProgress,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: initializing fastembed: %v", domain.ErrEncoder, err)
	}

	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 256
	}
	return &FastEmbed{
		model:     flag,
		name:      cfg.Model,
		dimension: fastembedDimensions[model],
		batchSize: batch,
		formatter: formatter,
	}, nil
}

func (e *FastEmbed) EncodeQuery(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vec, err := e.model.QueryEmbed(text)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrEncoder, err)
	}
	return vec, nil
}

func (e *FastEmbed) EncodePassages(ctx context.Context, passages []domain.Passage) ([][]float32, error) {
	if len(passages) == 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	vecs, err := e.model.PassageEmbed(e.formatter.Texts(passages), e.batchSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrEncoder, err)
	}
	return vecs, nil
}

func (e *FastEmbed) Dimension() int { return e.dimension }
func (e *FastEmbed) Name() string   { return e.name }

func (e *FastEmbed) Close() error {
	return e.model.Destroy()
}
