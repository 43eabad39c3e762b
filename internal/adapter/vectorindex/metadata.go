package vectorindex

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"medrag/internal/adapter/chunkstore"
	"medrag/internal/domain"
)

const (
	MetadataFile = "metadatas.jsonl"
	EmbeddingDir = "embedding"
)

// MetadataWriter appends index metadata rows. Rows must be appended only
// after the matching vectors were added to the index.
type MetadataWriter struct {
	f      *os.File
	bw     *bufio.Writer
	n      int
	closed bool
}

// CreateMetadata truncates the metadata file in dir and opens it for appending.
func CreateMetadata(dir string) (*MetadataWriter, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	f, err := os.Create(filepath.Join(dir, MetadataFile))
	if err != nil {
		return nil, err
	}
	return &MetadataWriter{f: f, bw: bufio.NewWriter(f)}, nil
}

// AppendShard appends rows 0..n-1 of shard.
func (w *MetadataWriter) AppendShard(shard string, n int) error {
	enc := json.NewEncoder(w.bw)
	for i := 0; i < n; i++ {
		if err := enc.Encode(domain.MetadataRow{Row: i, Source: shard}); err != nil {
			return err
		}
	}
	w.n += n
	return w.bw.Flush()
}

// Rows returns how many rows were appended.
func (w *MetadataWriter) Rows() int {
	return w.n
}

// Close flushes and closes the file. Further calls are no-ops.
func (w *MetadataWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.bw.Flush(); err != nil {
		w.f.Close()
		return err
	}
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

// ReadMetadata loads the metadata rows of the index in dir.
func ReadMetadata(dir string) ([]domain.MetadataRow, error) {
	path := filepath.Join(dir, MetadataFile)
	var rows []domain.MetadataRow
	err := chunkstore.Lines(path, func(i int, line []byte) error {
		var row domain.MetadataRow
		if err := json.Unmarshal(line, &row); err != nil {
			return fmt.Errorf("line %d: %w", i+1, err)
		}
		if row.Source == "" || row.Row < 0 {
			return fmt.Errorf("line %d: invalid row %+v", i+1, row)
		}
		rows = append(rows, row)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: metadata %s: %v", domain.ErrIndexUnavailable, path, err)
	}
	return rows, nil
}

// ArtifactPath returns the embedding artifact of shard inside an index dir.
func ArtifactPath(dir, shard string) string {
	return filepath.Join(dir, EmbeddingDir, shard+ArtifactExt)
}
