package encoder

import (
	"fmt"

	"go.uber.org/zap"

	"medrag/config"
	"medrag/internal/domain"
	"medrag/internal/port"
)

// New builds the encoder described by cfg. Encoders that are not known to
// be safe for concurrent use are wrapped in Serialized.
func New(cfg config.EncoderConfig, logger *zap.Logger) (port.Encoder, error) {
	formatter, err := NewFormatter(cfg.Format, cfg.Separator)
	if err != nil {
		return nil, err
	}

	var enc port.Encoder
	switch cfg.Provider {
	case "hash":
		enc = NewHash(cfg.Dimension, formatter)
	case "openai":
		enc, err = NewOpenAI(cfg, formatter, logger)
	case "fastembed":
		enc, err = NewFastEmbed(cfg, formatter)
	default:
		return nil, fmt.Errorf("%w: unknown encoder provider %q", domain.ErrConfiguration, cfg.Provider)
	}
	if err != nil {
		return nil, err
	}
	return Guard(enc, cfg.ConcurrentSafe), nil
}

// Guard wraps enc in Serialized unless it is declared safe for concurrent use.
func Guard(enc port.Encoder, concurrentSafe bool) port.Encoder {
	if concurrentSafe {
		return enc
	}
	if cs, ok := enc.(port.ConcurrencySafe); ok && cs.ConcurrencySafe() {
		return enc
	}
	return NewSerialized(enc)
}
