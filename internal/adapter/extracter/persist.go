// Package extracter resolves chunk ids to text, either from a fully loaded
// id→text map or by reading the addressed shard line on demand.
package extracter

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"go.uber.org/zap"

	"medrag/internal/adapter/chunkstore"
	afs "medrag/internal/adapter/fs"
	"medrag/internal/domain"
)

// loadOrBuild loads the JSON map at path, or builds it by scanning corpora
// and persists it. An unreadable map file is rebuilt.
func loadOrBuild[V any](path string, store *chunkstore.Store, corpora []string, logger *zap.Logger,
	entry func(domain.Address, domain.Chunk) V) (map[string]V, error) {

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		var m map[string]V
		uerr := json.Unmarshal(data, &m)
		if uerr == nil {
			logger.Info("loaded id map", zap.String("path", path), zap.Int("ids", len(m)))
			return m, nil
		}
		logger.Warn("id map unreadable, rebuilding", zap.String("path", path), zap.Error(uerr))
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	m := make(map[string]V)
	duplicates := 0
	for _, corpus := range corpora {
		err := store.Scan(corpus, func(addr domain.Address, chunk domain.Chunk) error {
			if _, seen := m[chunk.ID]; seen {
				duplicates++
				return nil
			}
			m[chunk.ID] = entry(addr, chunk)
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	if duplicates > 0 {
		logger.Warn("duplicate chunk ids kept first occurrence", zap.Int("duplicates", duplicates))
	}

	// encoding/json writes map keys sorted, so rebuilds are byte-identical.
	data, err = json.Marshal(m)
	if err != nil {
		return nil, err
	}
	if err := afs.WriteFileAtomic(path, data); err != nil {
		return nil, fmt.Errorf("persist %s: %w", path, err)
	}
	logger.Info("built id map", zap.String("path", path), zap.Int("ids", len(m)))
	return m, nil
}

func placeholder(id string, gap domain.Gap, row int) domain.Record {
	c := gap.Placeholder(id, row)
	return domain.Record{ID: id, Title: c.Title, Content: c.Content}
}
