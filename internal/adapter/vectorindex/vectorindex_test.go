package vectorindex

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medrag/internal/domain"
)

var points = [][]float32{
	{1, 0},
	{0, 1},
	{3, 3},
	{-1, 0},
}

func rows(ns []domain.Neighbor) []int {
	out := make([]int, len(ns))
	for i, n := range ns {
		out[i] = n.Row
	}
	return out
}

func TestFlat_SearchOrdering(t *testing.T) {
	tests := []struct {
		metric domain.Metric
		query  []float32
		want   []int
	}{
		// Distances from (1,0): 0, 2, 13, 4.
		{domain.MetricL2, []float32{1, 0}, []int{0, 1, 3}},
		// Dot with (1,1): 1, 1, 6, -1. Ties keep row order.
		{domain.MetricIP, []float32{1, 1}, []int{2, 0, 1}},
		{domain.MetricCosine, []float32{1, 1}, []int{2, 0, 1}},
	}
	for _, tt := range tests {
		t.Run(string(tt.metric), func(t *testing.T) {
			idx, err := NewFlat(tt.metric, 2)
			require.NoError(t, err)
			require.NoError(t, idx.Add(points))

			got, err := idx.Search(tt.query, 3)
			require.NoError(t, err)
			assert.Equal(t, tt.want, rows(got))
		})
	}
}

func TestFlat_L2ScoresAreSquaredDistances(t *testing.T) {
	idx, err := NewFlat(domain.MetricL2, 2)
	require.NoError(t, err)
	require.NoError(t, idx.Add(points))

	got, err := idx.Search([]float32{1, 0}, 10)
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.InDelta(t, 0.0, got[0].Score, 1e-9)
	assert.InDelta(t, 2.0, got[1].Score, 1e-9)
	assert.InDelta(t, 13.0, got[3].Score, 1e-9)
}

func TestFlat_DimensionMismatch(t *testing.T) {
	idx, err := NewFlat(domain.MetricIP, 2)
	require.NoError(t, err)
	assert.Error(t, idx.Add([][]float32{{1, 2, 3}}))
	_, err = idx.Search([]float32{1}, 1)
	assert.Error(t, err)
}

func TestFlat_EmptySearch(t *testing.T) {
	idx, err := NewFlat(domain.MetricIP, 2)
	require.NoError(t, err)
	got, err := idx.Search([]float32{1, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestNew_RejectsBadConfig(t *testing.T) {
	_, err := New(domain.IndexFlat, domain.MetricBM25, 2, Options{})
	assert.ErrorIs(t, err, domain.ErrConfiguration)
	_, err = New(domain.IndexChromem, domain.MetricL2, 2, Options{})
	assert.ErrorIs(t, err, domain.ErrConfiguration)
	_, err = New("annoy", domain.MetricL2, 2, Options{})
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestSaveOpen_RoundTrip(t *testing.T) {
	// Query (2,1): squared L2 is 2, 4, 5, 9 so row 0 is nearest; dot and
	// cosine both favour row 2.
	kinds := []struct {
		kind    domain.IndexKind
		metric  domain.Metric
		wantTop int
	}{
		{domain.IndexFlat, domain.MetricL2, 0},
		{domain.IndexHNSW, domain.MetricIP, 2},
		{domain.IndexChromem, domain.MetricCosine, 2},
	}
	for _, k := range kinds {
		t.Run(string(k.kind), func(t *testing.T) {
			dir := t.TempDir()
			opts := Options{HNSWM: 8, HNSWEfSearch: 16}
			idx, err := New(k.kind, k.metric, 2, opts)
			require.NoError(t, err)
			require.NoError(t, idx.Add(points[:2]))
			require.NoError(t, idx.Add(points[2:]))
			require.NoError(t, idx.Save(dir))
			require.NoError(t, WriteManifest(dir, idx, "hash", opts))

			before, err := idx.Search([]float32{2, 1}, 2)
			require.NoError(t, err)

			loaded, m, err := Open(dir, opts)
			require.NoError(t, err)
			defer loaded.Close()

			assert.Equal(t, k.kind, m.Kind)
			assert.Equal(t, k.metric, loaded.Metric())
			assert.Equal(t, 4, loaded.Len())
			assert.Equal(t, 2, loaded.Dimension())
			assert.Equal(t, "hash", m.Encoder)

			after, err := loaded.Search([]float32{2, 1}, 2)
			require.NoError(t, err)
			assert.Equal(t, rows(before), rows(after))
			assert.Equal(t, k.wantTop, after[0].Row)
		})
	}
}

func TestOpen_MissingIndex(t *testing.T) {
	_, _, err := Open(t.TempDir(), Options{})
	assert.ErrorIs(t, err, domain.ErrIndexUnavailable)
}

func TestOpen_RowCountMismatch(t *testing.T) {
	dir := t.TempDir()
	idx, err := NewFlat(domain.MetricIP, 2)
	require.NoError(t, err)
	require.NoError(t, idx.Add(points))
	require.NoError(t, idx.Save(dir))
	require.NoError(t, idx.Add(points))
	require.NoError(t, WriteManifest(dir, idx, "", Options{}))

	_, _, err = Open(dir, Options{})
	assert.ErrorIs(t, err, domain.ErrIndexUnavailable)
}

func TestMetadata_WriteRead(t *testing.T) {
	dir := t.TempDir()
	w, err := CreateMetadata(dir)
	require.NoError(t, err)
	require.NoError(t, w.AppendShard("a", 2))
	require.NoError(t, w.AppendShard("b", 1))
	assert.Equal(t, 3, w.Rows())
	require.NoError(t, w.Close())

	got, err := ReadMetadata(dir)
	require.NoError(t, err)
	assert.Equal(t, []domain.MetadataRow{
		{Row: 0, Source: "a"},
		{Row: 1, Source: "a"},
		{Row: 0, Source: "b"},
	}, got)

	// Recreating truncates.
	w, err = CreateMetadata(dir)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	got, err = ReadMetadata(dir)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReadMetadata_Invalid(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, MetadataFile), []byte("{\"row\":0}\n"), 0644))
	_, err := ReadMetadata(dir)
	assert.ErrorIs(t, err, domain.ErrIndexUnavailable)
}

func TestArtifact_RoundTrip(t *testing.T) {
	path := ArtifactPath(t.TempDir(), "a")
	require.NoError(t, WriteEmbeddings(path, points))

	got, err := ReadEmbeddings(path)
	require.NoError(t, err)
	assert.Equal(t, points, got)
}

func TestArtifact_Corrupt(t *testing.T) {
	path := ArtifactPath(t.TempDir(), "a")
	require.NoError(t, WriteEmbeddings(path, points))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data[:len(data)-3], 0644))

	_, err = ReadEmbeddings(path)
	assert.ErrorIs(t, err, ErrCorruptArtifact)
}

func TestArtifact_RaggedRows(t *testing.T) {
	path := ArtifactPath(t.TempDir(), "a")
	assert.Error(t, WriteEmbeddings(path, [][]float32{{1, 2}, {1}}))
}
