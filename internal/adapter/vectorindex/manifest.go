package vectorindex

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	afs "medrag/internal/adapter/fs"
	"medrag/internal/domain"
	"medrag/internal/port"
)

const ManifestFile = "manifest.json"

// Manifest describes a persisted index.
type Manifest struct {
	Kind      domain.IndexKind `json:"kind"`
	Metric    domain.Metric    `json:"metric"`
	Dimension int              `json:"dimension"`
	Rows      int              `json:"rows"`
	Encoder   string           `json:"encoder,omitempty"`
	HNSWM     int              `json:"hnsw_m,omitempty"`
}

// Options tunes index construction.
type Options struct {
	HNSWM              int
	HNSWEfConstruction int
	HNSWEfSearch       int
}

// New creates an empty index of the given kind.
func New(kind domain.IndexKind, metric domain.Metric, dim int, opts Options) (port.VectorIndex, error) {
	switch kind {
	case domain.IndexFlat, "":
		return NewFlat(metric, dim)
	case domain.IndexHNSW:
		return NewHNSW(metric, dim, opts)
	case domain.IndexChromem:
		return NewChromem(metric, dim)
	}
	return nil, fmt.Errorf("%w: unknown index kind %q", domain.ErrConfiguration, kind)
}

// WriteManifest records idx under dir.
func WriteManifest(dir string, idx port.VectorIndex, encoder string, opts Options) error {
	m := Manifest{
		Kind:      idx.Kind(),
		Metric:    idx.Metric(),
		Dimension: idx.Dimension(),
		Rows:      idx.Len(),
		Encoder:   encoder,
	}
	if idx.Kind() == domain.IndexHNSW {
		m.HNSWM = opts.HNSWM
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return afs.WriteFileAtomic(filepath.Join(dir, ManifestFile), data)
}

// ReadManifest loads the manifest in dir.
func ReadManifest(dir string) (Manifest, error) {
	var m Manifest
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return m, fmt.Errorf("%w: no index at %s", domain.ErrIndexUnavailable, dir)
		}
		return m, fmt.Errorf("%w: %v", domain.ErrIndexUnavailable, err)
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, fmt.Errorf("%w: manifest %s: %v", domain.ErrIndexUnavailable, dir, err)
	}
	return m, nil
}

// Open loads the persisted index in dir.
func Open(dir string, opts Options) (port.VectorIndex, Manifest, error) {
	m, err := ReadManifest(dir)
	if err != nil {
		return nil, m, err
	}

	var idx port.VectorIndex
	switch m.Kind {
	case domain.IndexFlat:
		idx, err = OpenFlat(dir)
	case domain.IndexHNSW:
		idx, err = OpenHNSW(dir, opts)
	case domain.IndexChromem:
		idx, err = OpenChromem(dir, m.Dimension)
	default:
		return nil, m, fmt.Errorf("%w: manifest %s names unknown kind %q", domain.ErrIndexUnavailable, dir, m.Kind)
	}
	if err != nil {
		return nil, m, fmt.Errorf("%w: %v", domain.ErrIndexUnavailable, err)
	}
	if idx.Len() != m.Rows {
		idx.Close()
		return nil, m, fmt.Errorf("%w: %s holds %d rows, manifest says %d", domain.ErrIndexUnavailable, dir, idx.Len(), m.Rows)
	}
	return idx, m, nil
}
