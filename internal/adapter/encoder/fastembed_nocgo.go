//go:build !cgo

package encoder

import (
	"context"
	"errors"

	"medrag/config"
	"medrag/internal/domain"
)

// ErrFastEmbedNotAvailable is returned when the binary was built without cgo.
var ErrFastEmbedNotAvailable = errors.New("fastembed: not available (binary built without CGO support, use the openai provider instead)")

type FastEmbed struct{}

func NewFastEmbed(config.EncoderConfig, Formatter) (*FastEmbed, error) {
	return nil, ErrFastEmbedNotAvailable
}

func (e *FastEmbed) EncodeQuery(context.Context, string) ([]float32, error) {
	return nil, ErrFastEmbedNotAvailable
}

func (e *FastEmbed) EncodePassages(context.Context, []domain.Passage) ([][]float32, error) {
	return nil, ErrFastEmbedNotAvailable
}

func (e *FastEmbed) Dimension() int { return 0 }
func (e *FastEmbed) Name() string   { return "fastembed" }
func (e *FastEmbed) Close() error   { return nil }
