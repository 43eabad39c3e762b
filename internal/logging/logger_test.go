package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"medrag/config"
	"medrag/internal/domain"
)

func TestNewWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(config.LoggingConfig{Level: "debug", Format: "json"}, &buf)
	require.NoError(t, err)

	logger.Debug("retrieve", zap.String("retriever", "rrf-2"), zap.Int("k", 32))
	require.NoError(t, logger.Sync())

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "retrieve", entry["msg"])
	assert.Equal(t, "debug", entry["level"])
	assert.Equal(t, "rrf-2", entry["retriever"])
	assert.Contains(t, entry, "ts")
}

func TestNewWithWriter_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(config.LoggingConfig{Level: "warn", Format: "console"}, &buf)
	require.NoError(t, err)

	logger.Info("hidden")
	logger.Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestNewWithWriter_InvalidSettings(t *testing.T) {
	_, err := NewWithWriter(config.LoggingConfig{Level: "loud"}, &bytes.Buffer{})
	assert.ErrorIs(t, err, domain.ErrConfiguration)

	_, err = NewWithWriter(config.LoggingConfig{Format: "xml"}, &bytes.Buffer{})
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}
