package usecase

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"medrag/internal/adapter/chunkstore"
	afs "medrag/internal/adapter/fs"
	"medrag/internal/adapter/vectorindex"
	"medrag/internal/domain"
	"medrag/internal/observability"
	"medrag/internal/port"
)

// BuildRequest names the dense index to build.
type BuildRequest struct {
	Backend string
	Corpus  string
	// Dir is the index directory: <db_dir>/<corpus>/index/<backend>.
	Dir     string
	Kind    domain.IndexKind
	Metric  domain.Metric
	Options vectorindex.Options
}

// ShardEvent reports the outcome of one shard during a build.
type ShardEvent struct {
	Shard  string
	Status string
	Rows   int
}

// BuildResult summarizes a dense index build.
type BuildResult struct {
	Embedded int
	Reused   int
	Skipped  int
	Failed   int
	Rows     int
	Errors   []string
}

// IndexBuilder embeds corpus shards and assembles a vector index with its
// row metadata.
type IndexBuilder struct {
	chunks    *chunkstore.Store
	encoder   port.Encoder
	workers   int
	batchSize int
	logger    *zap.Logger
	metrics   *observability.Metrics
	progress  func(ShardEvent)
}

type BuilderOption func(*IndexBuilder)

// WithWorkers sets how many shards are embedded at once.
func WithWorkers(n int) BuilderOption {
	return func(b *IndexBuilder) {
		if n > 0 {
			b.workers = n
		}
	}
}

// WithBatchSize sets how many passages go to the encoder per call.
func WithBatchSize(n int) BuilderOption {
	return func(b *IndexBuilder) {
		if n > 0 {
			b.batchSize = n
		}
	}
}

func WithBuildLogger(logger *zap.Logger) BuilderOption {
	return func(b *IndexBuilder) {
		if logger != nil {
			b.logger = logger
		}
	}
}

func WithBuildMetrics(m *observability.Metrics) BuilderOption {
	return func(b *IndexBuilder) {
		b.metrics = m
	}
}

// WithProgress registers a callback invoked once per shard and phase.
// It may be called from several goroutines.
func WithProgress(fn func(ShardEvent)) BuilderOption {
	return func(b *IndexBuilder) {
		b.progress = fn
	}
}

func NewIndexBuilder(chunks *chunkstore.Store, encoder port.Encoder, opts ...BuilderOption) *IndexBuilder {
	b := &IndexBuilder{
		chunks:    chunks,
		encoder:   encoder,
		workers:   1,
		batchSize: 64,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Build embeds every shard that has no artifact yet, then constructs the
// index from all artifacts in shard order and rewrites the metadata file.
func (b *IndexBuilder) Build(ctx context.Context, req BuildRequest) (*BuildResult, error) {
	shards, err := b.chunks.Shards(req.Corpus)
	if err != nil {
		return nil, fmt.Errorf("failed to list shards: %w", err)
	}

	result := &BuildResult{}
	if err := b.embedAll(ctx, req, shards, result); err != nil {
		return nil, err
	}

	idx, err := b.assemble(req, shards, result)
	if err != nil {
		return nil, err
	}
	defer idx.Close()

	if err := idx.Save(req.Dir); err != nil {
		return nil, fmt.Errorf("failed to save index: %w", err)
	}
	if err := vectorindex.WriteManifest(req.Dir, idx, b.encoder.Name(), req.Options); err != nil {
		return nil, fmt.Errorf("failed to write manifest: %w", err)
	}
	result.Rows = idx.Len()

	b.logger.Info("index built",
		zap.String("backend", req.Backend),
		zap.String("corpus", req.Corpus),
		zap.String("kind", string(idx.Kind())),
		zap.String("metric", string(idx.Metric())),
		zap.Int("rows", result.Rows),
		zap.Int("embedded", result.Embedded),
		zap.Int("reused", result.Reused),
		zap.Int("skipped", result.Skipped),
		zap.Int("failed", result.Failed))
	return result, nil
}

// embedAll runs the embedding phase. Shards are independent, so they are
// embedded concurrently; only the index assembly needs shard order.
func (b *IndexBuilder) embedAll(ctx context.Context, req BuildRequest, shards []chunkstore.Shard, result *BuildResult) error {
	var mu sync.Mutex
	record := func(shard, status string, rows int, err error) {
		mu.Lock()
		switch status {
		case observability.ShardEmbedded:
			result.Embedded++
		case observability.ShardReused:
			result.Reused++
		case observability.ShardSkipped:
			result.Skipped++
		case observability.ShardFailed:
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", shard, err))
		}
		mu.Unlock()
		b.metrics.IndexShard(req.Backend, status)
		b.report(ShardEvent{Shard: shard, Status: status, Rows: rows})
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.workers)

	for _, shard := range shards {
		shard := shard
		artifact := vectorindex.ArtifactPath(req.Dir, shard.Name)

		if afs.Exists(artifact) {
			record(shard.Name, observability.ShardReused, 0, nil)
			continue
		}
		if shard.Size == 0 {
			b.logger.Info("skipping empty shard", zap.String("shard", shard.Path))
			record(shard.Name, observability.ShardSkipped, 0, nil)
			continue
		}

		g.Go(func() error {
			rows, err := b.embedShard(gctx, shard, artifact)
			switch {
			case err == nil:
				b.logger.Info("embedded shard", zap.String("shard", shard.Name), zap.Int("rows", rows))
				record(shard.Name, observability.ShardEmbedded, rows, nil)
				return nil
			case errors.Is(err, os.ErrNotExist):
				b.logger.Info("skipping missing shard", zap.String("shard", shard.Path))
				record(shard.Name, observability.ShardSkipped, 0, nil)
				return nil
			case isFatal(err):
				return err
			default:
				b.logger.Error("shard failed", zap.String("shard", shard.Path), zap.Error(err))
				record(shard.Name, observability.ShardFailed, 0, err)
				return nil
			}
		})
	}
	return g.Wait()
}

// isFatal reports errors that abort the whole build: a bad line would
// desynchronize embeddings and metadata, and encoder or context failures
// affect every shard.
func isFatal(err error) bool {
	return errors.Is(err, domain.ErrDataIntegrity) ||
		errors.Is(err, domain.ErrEncoder) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func (b *IndexBuilder) embedShard(ctx context.Context, shard chunkstore.Shard, artifact string) (int, error) {
	var passages []domain.Passage
	err := chunkstore.Lines(shard.Path, func(row int, line []byte) error {
		chunk, err := chunkstore.ParseChunk(line)
		if err != nil {
			return fmt.Errorf("%w: %s row %d: %v", domain.ErrDataIntegrity, shard.Path, row, err)
		}
		passages = append(passages, domain.Passage{Title: chunk.Title, Content: chunk.Content})
		return nil
	})
	if err != nil {
		return 0, err
	}

	vectors := make([][]float32, 0, len(passages))
	for start := 0; start < len(passages); start += b.batchSize {
		end := start + b.batchSize
		if end > len(passages) {
			end = len(passages)
		}
		batch, err := b.encoder.EncodePassages(ctx, passages[start:end])
		if err != nil {
			return 0, err
		}
		if len(batch) != end-start {
			return 0, fmt.Errorf("%w: %d vectors for %d passages", domain.ErrEncoder, len(batch), end-start)
		}
		vectors = append(vectors, batch...)
	}

	if err := vectorindex.WriteEmbeddings(artifact, vectors); err != nil {
		return 0, fmt.Errorf("failed to write embeddings: %w", err)
	}
	return len(vectors), nil
}

// assemble adds artifacts to a new index in shard order, appending metadata
// after each successful add so both stay row-aligned.
func (b *IndexBuilder) assemble(req BuildRequest, shards []chunkstore.Shard, result *BuildResult) (port.VectorIndex, error) {
	var idx port.VectorIndex
	meta, err := vectorindex.CreateMetadata(req.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to create metadata: %w", err)
	}
	defer meta.Close()

	for _, shard := range shards {
		artifact := vectorindex.ArtifactPath(req.Dir, shard.Name)
		if !afs.Exists(artifact) {
			continue
		}
		vectors, err := vectorindex.ReadEmbeddings(artifact)
		if err != nil {
			b.logger.Error("unreadable embeddings, shard left out of index", zap.String("artifact", artifact), zap.Error(err))
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", shard.Name, err))
			continue
		}
		rows, err := chunkstore.CountRows(shard.Path)
		if err != nil || rows != len(vectors) {
			b.logger.Error("embeddings out of date, shard left out of index",
				zap.String("shard", shard.Name), zap.Int("rows", rows), zap.Int("vectors", len(vectors)), zap.Error(err))
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %d vectors for %d rows", shard.Name, len(vectors), rows))
			continue
		}
		if len(vectors) == 0 {
			continue
		}

		if idx == nil {
			if idx, err = vectorindex.New(req.Kind, req.Metric, len(vectors[0]), req.Options); err != nil {
				return nil, err
			}
		}
		if err := idx.Add(vectors); err != nil {
			idx.Close()
			return nil, fmt.Errorf("failed to add %s: %w", shard.Name, err)
		}
		if err := meta.AppendShard(shard.Name, len(vectors)); err != nil {
			idx.Close()
			return nil, fmt.Errorf("failed to append metadata: %w", err)
		}
	}

	if idx == nil {
		dim := b.encoder.Dimension()
		if dim == 0 {
			return nil, fmt.Errorf("%w: corpus %s has no embeddings and encoder %s has no configured dimension",
				domain.ErrConfiguration, req.Corpus, b.encoder.Name())
		}
		if idx, err = vectorindex.New(req.Kind, req.Metric, dim, req.Options); err != nil {
			return nil, err
		}
	}
	if err := meta.Close(); err != nil {
		idx.Close()
		return nil, fmt.Errorf("failed to close metadata: %w", err)
	}
	return idx, nil
}

func (b *IndexBuilder) report(e ShardEvent) {
	if b.progress != nil {
		b.progress(e)
	}
}
