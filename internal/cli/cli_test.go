package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medrag/config"
	"medrag/internal/domain"
)

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{500 * time.Millisecond, "<1s"},
		{42 * time.Second, "42s"},
		{3*time.Minute + 5*time.Second, "3m5s"},
		{2*time.Hour + 7*time.Minute, "2h7m"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatDuration(tt.d))
	}
}

func TestPrintResults(t *testing.T) {
	var buf bytes.Buffer
	printResults(&buf, "q", nil)
	assert.Equal(t, "No results found.\n", buf.String())

	buf.Reset()
	printResults(&buf, "aspirin", []domain.FusedResult{
		{ID: "cardio_0", Title: "Aspirin", Content: strings.Repeat("x", 600), Score: 0.0198},
	})
	out := buf.String()
	assert.Contains(t, out, "Found 1 results for: aspirin")
	assert.Contains(t, out, "--- [1] cardio_0 (score: 0.0198) ---")
	assert.Contains(t, out, strings.Repeat("x", 500)+"...")
}

func TestPrintResults_TruncatesOnRuneBoundary(t *testing.T) {
	var buf bytes.Buffer
	printResults(&buf, "dose", []domain.FusedResult{
		{ID: "pharm_0", Content: strings.Repeat("μg", 300)},
	})
	out := buf.String()
	assert.True(t, utf8.ValidString(out))
	assert.Contains(t, out, strings.Repeat("μg", 250)+"...")
	assert.NotContains(t, out, strings.Repeat("μg", 251))
}

func TestConfigInitThenValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "medrag.yaml")

	rootCmd.SetArgs([]string{"config", "init", path})
	require.NoError(t, rootCmd.Execute())
	require.FileExists(t, path)

	loaded, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig().Retrieve, loaded.Retrieve)

	rootCmd.SetArgs([]string{"--config", path, "config", "validate"})
	require.NoError(t, rootCmd.Execute())

	require.NoError(t, os.WriteFile(path, []byte("retrieve:\n  retriever: nope\n"), 0644))
	rootCmd.SetArgs([]string{"--config", path, "config", "validate"})
	assert.ErrorIs(t, rootCmd.Execute(), domain.ErrConfiguration)
}
