package extracter

import (
	"context"

	"go.uber.org/zap"

	"medrag/internal/adapter/chunkstore"
	"medrag/internal/domain"
	"medrag/internal/observability"
)

// Lazy keeps only id→location and reads the addressed line per lookup.
type Lazy struct {
	store     *chunkstore.Store
	locations map[string]domain.Location
	logger    *zap.Logger
	metrics   *observability.Metrics
}

// NewLazy loads the location map at path or builds it from every shard of corpora.
func NewLazy(store *chunkstore.Store, corpora []string, path string, logger *zap.Logger, metrics *observability.Metrics) (*Lazy, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	locations, err := loadOrBuild(path, store, corpora, logger, func(addr domain.Address, _ domain.Chunk) domain.Location {
		return domain.Location{
			Path:  store.RelPath(store.ShardPath(addr.Corpus, addr.Shard)),
			Index: addr.Row,
		}
	})
	if err != nil {
		return nil, err
	}
	return &Lazy{store: store, locations: locations, logger: logger, metrics: metrics}, nil
}

func (l *Lazy) Extract(ctx context.Context, ids []string) []domain.Record {
	out := make([]domain.Record, len(ids))
	for i, id := range ids {
		loc, ok := l.locations[id]
		if !ok {
			out[i] = l.gap(id, domain.GapUnknownID, loc)
			continue
		}
		chunk, gap := chunkstore.ReadRow(l.store.AbsPath(loc.Path), loc.Index)
		if gap != domain.GapNone {
			out[i] = l.gap(id, gap, loc)
			continue
		}
		out[i] = domain.Record{ID: id, Title: chunk.Title, Content: chunk.Content}
	}
	return out
}

func (l *Lazy) gap(id string, gap domain.Gap, loc domain.Location) domain.Record {
	l.logger.Warn("chunk resolution gap",
		zap.String("id", id),
		zap.String("path", loc.Path),
		zap.Int("row", loc.Index),
		zap.String("reason", string(gap)))
	l.metrics.ResolutionGap(string(gap))
	return placeholder(id, gap, loc.Index)
}

func (l *Lazy) Len() int {
	return len(l.locations)
}
