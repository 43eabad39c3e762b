package extracter

import (
	"context"

	"go.uber.org/zap"

	"medrag/internal/adapter/chunkstore"
	"medrag/internal/domain"
	"medrag/internal/observability"
)

type text struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Cache holds the full id→text map in memory. It is immutable after
// construction and safe for concurrent use.
type Cache struct {
	texts   map[string]text
	logger  *zap.Logger
	metrics *observability.Metrics
}

// NewCache loads the map at path or builds it from every shard of corpora.
func NewCache(store *chunkstore.Store, corpora []string, path string, logger *zap.Logger, metrics *observability.Metrics) (*Cache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	texts, err := loadOrBuild(path, store, corpora, logger, func(_ domain.Address, c domain.Chunk) text {
		return text{Title: c.Title, Content: c.Content}
	})
	if err != nil {
		return nil, err
	}
	return &Cache{texts: texts, logger: logger, metrics: metrics}, nil
}

func (c *Cache) Extract(ctx context.Context, ids []string) []domain.Record {
	out := make([]domain.Record, len(ids))
	for i, id := range ids {
		t, ok := c.texts[id]
		if !ok {
			c.logger.Warn("chunk resolution gap", zap.String("id", id), zap.String("reason", string(domain.GapUnknownID)))
			c.metrics.ResolutionGap(string(domain.GapUnknownID))
			out[i] = placeholder(id, domain.GapUnknownID, 0)
			continue
		}
		out[i] = domain.Record{ID: id, Title: t.Title, Content: t.Content}
	}
	return out
}

// Len returns the number of ids in the map.
func (c *Cache) Len() int {
	return len(c.texts)
}
