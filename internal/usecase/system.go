package usecase

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"medrag/config"
	"medrag/internal/adapter/analyzer"
	"medrag/internal/adapter/cache"
	"medrag/internal/adapter/chunkstore"
	"medrag/internal/adapter/encoder"
	"medrag/internal/adapter/extracter"
	"medrag/internal/adapter/lexical"
	"medrag/internal/adapter/retriever"
	"medrag/internal/adapter/vectorindex"
	"medrag/internal/domain"
	"medrag/internal/observability"
	"medrag/internal/port"
)

const queryCacheTTL = 10 * time.Minute

// NewChunkStore returns the shard reader rooted at cfg.DBDir.
func NewChunkStore(cfg *config.Config, logger *zap.Logger) *chunkstore.Store {
	return chunkstore.New(cfg.DBDir,
		chunkstore.WithPatterns(cfg.Index.ShardPatterns, cfg.Index.Excludes),
		chunkstore.WithLogger(logger))
}

// VectorOptions returns the index options configured for dense backends.
func VectorOptions(cfg *config.Config) vectorindex.Options {
	return vectorindex.Options{
		HNSWM:              cfg.Index.HNSWM,
		HNSWEfConstruction: cfg.Index.HNSWEfConstruction,
		HNSWEfSearch:       cfg.Index.HNSWEfSearch,
	}
}

// OpenRetrievalSystem loads every persisted index the named retriever set
// needs over the corpus group. Any missing piece fails the whole load.
func OpenRetrievalSystem(ctx context.Context, cfg *config.Config, retrieverName, group string,
	logger *zap.Logger, metrics *observability.Metrics) (*RetrievalSystem, error) {

	if logger == nil {
		logger = zap.NewNop()
	}
	backendNames, err := cfg.RetrieverSet(retrieverName)
	if err != nil {
		return nil, err
	}
	corpora, err := cfg.CorpusGroup(group)
	if err != nil {
		return nil, err
	}

	chunks := NewChunkStore(cfg, logger)
	var closers []io.Closer
	fail := func(err error) (*RetrievalSystem, error) {
		for _, c := range closers {
			c.Close()
		}
		return nil, err
	}

	backends := make([]Backend, 0, len(backendNames))
	for _, name := range backendNames {
		bcfg := cfg.Backends[name]
		b := Backend{Name: name}

		switch bcfg.Kind {
		case config.KindLexical:
			tokenizer := analyzer.NewTokenizer(cfg.Lexical.Stemming)
			for _, corpus := range corpora {
				store, err := openLexicalStore(ctx, cfg, name, corpus, chunks, tokenizer, logger)
				if err != nil {
					return fail(fmt.Errorf("backend %s over %s: %w", name, corpus, err))
				}
				closers = append(closers, store)
				b.Retrievers = append(b.Retrievers,
					retriever.NewLexical(name, corpus, store, tokenizer, cfg.Lexical.K1, cfg.Lexical.B, logger))
			}

		case config.KindDense:
			metric, err := domain.ParseMetric(bcfg.Metric)
			if err != nil {
				return fail(fmt.Errorf("backend %s: %w", name, err))
			}
			if metric == domain.MetricBM25 {
				return fail(fmt.Errorf("%w: dense backend %s cannot use metric %q", domain.ErrConfiguration, name, bcfg.Metric))
			}
			enc, err := encoder.New(bcfg.Encoder, logger)
			if err != nil {
				return fail(fmt.Errorf("backend %s: %w", name, err))
			}
			if c := encoderCloser(enc); c != nil {
				closers = append(closers, c)
			}
			if cfg.Retrieve.QueryCacheSize > 0 {
				enc = cache.NewCachedEncoder(enc, cache.NewQueryCache(cfg.Retrieve.QueryCacheSize, queryCacheTTL))
			}
			for _, corpus := range corpora {
				d, err := retriever.OpenDense(name, corpus, cfg.IndexDir(corpus, name), enc, chunks, VectorOptions(cfg), logger)
				if err != nil {
					return fail(fmt.Errorf("backend %s over %s: %w", name, corpus, err))
				}
				if d.Polarity() != metric.Polarity() {
					d.Close()
					return fail(fmt.Errorf("%w: backend %s over %s was built with a metric incompatible with %q",
						domain.ErrConfiguration, name, corpus, bcfg.Metric))
				}
				closers = append(closers, d)
				b.Retrievers = append(b.Retrievers, d)
			}

		default:
			return fail(fmt.Errorf("%w: backend %q has unknown kind %q", domain.ErrConfiguration, name, bcfg.Kind))
		}
		backends = append(backends, b)
	}

	opts := []SystemOption{
		WithMinFusionDepth(cfg.Retrieve.MinFusionDepth),
		WithSystemLogger(logger),
		WithSystemMetrics(metrics),
		WithClosers(closers...),
	}
	if cfg.Retrieve.Cache {
		idCache, err := extracter.NewCache(chunks, corpora, cfg.CachePath(group, true), logger, metrics)
		if err != nil {
			return fail(err)
		}
		opts = append(opts, WithExtracter(idCache))
	}

	system, err := NewRetrievalSystem(retrieverName, backends, opts...)
	if err != nil {
		return fail(err)
	}
	logger.Info("retrieval system ready",
		zap.String("retriever", retrieverName),
		zap.String("corpus", group),
		zap.Strings("backends", backendNames),
		zap.Bool("cache", cfg.Retrieve.Cache))
	return system, nil
}

// openLexicalStore opens the persisted bbolt index, or builds an in-memory
// one from the shards when the backend is configured with the memory store.
func openLexicalStore(ctx context.Context, cfg *config.Config, backend, corpus string, chunks *chunkstore.Store,
	tokenizer *analyzer.Tokenizer, logger *zap.Logger) (port.LexicalStore, error) {

	if cfg.Backends[backend].Index == config.LexicalStoreMemory {
		store := lexical.NewMemoryStore()
		if _, err := NewLexicalIndexer(chunks, tokenizer, logger).Index(ctx, corpus, store); err != nil {
			return nil, err
		}
		return store, nil
	}
	return lexical.OpenBoltStore(cfg.LexicalIndexPath(corpus, backend))
}

// NewExtracter returns the cache or lazy extracter for a corpus group.
func NewExtracter(cfg *config.Config, group string, cache bool, logger *zap.Logger, metrics *observability.Metrics) (port.DocExtracter, error) {
	corpora, err := cfg.CorpusGroup(group)
	if err != nil {
		return nil, err
	}
	chunks := NewChunkStore(cfg, logger)
	path := cfg.CachePath(group, cache)
	if cache {
		return extracter.NewCache(chunks, corpora, path, logger, metrics)
	}
	return extracter.NewLazy(chunks, corpora, path, logger, metrics)
}

// IndexRequest selects what BuildIndexes builds.
type IndexRequest struct {
	Backend string
	Group   string
	// Force re-embeds every shard and rebuilds lexical stores.
	Force bool
	// Progress, when set, receives every shard event with its corpus.
	Progress func(corpus string, e ShardEvent)
}

// BuildIndexes builds the index of one backend for every corpus of a group.
func BuildIndexes(ctx context.Context, cfg *config.Config, req IndexRequest,
	logger *zap.Logger, metrics *observability.Metrics) error {

	if logger == nil {
		logger = zap.NewNop()
	}
	bcfg, ok := cfg.Backends[req.Backend]
	if !ok {
		return fmt.Errorf("%w: unknown backend %q", domain.ErrConfiguration, req.Backend)
	}
	corpora, err := cfg.CorpusGroup(req.Group)
	if err != nil {
		return err
	}
	metric, err := domain.ParseMetric(bcfg.Metric)
	if err != nil {
		return err
	}
	chunks := NewChunkStore(cfg, logger)

	progress := func(corpus string) func(ShardEvent) {
		if req.Progress == nil {
			return nil
		}
		return func(e ShardEvent) { req.Progress(corpus, e) }
	}

	switch bcfg.Kind {
	case config.KindLexical:
		if bcfg.Index == config.LexicalStoreMemory {
			logger.Info("memory lexical store is built at load time", zap.String("backend", req.Backend))
			return nil
		}
		tokenizer := analyzer.NewTokenizer(cfg.Lexical.Stemming)
		hash := lexical.ComputeConfigHash(cfg.Lexical, cfg.Index.ShardPatterns)
		for _, corpus := range corpora {
			indexer := NewLexicalIndexer(chunks, tokenizer, logger)
			indexer.OnShard(progress(corpus))
			if _, err := indexer.IndexBolt(ctx, corpus, cfg.LexicalIndexPath(corpus, req.Backend), hash, req.Force); err != nil {
				return fmt.Errorf("lexical index %s over %s: %w", req.Backend, corpus, err)
			}
		}

	case config.KindDense:
		kind, err := domain.ParseIndexKind(bcfg.Index)
		if err != nil {
			return err
		}
		enc, err := encoder.New(bcfg.Encoder, logger)
		if err != nil {
			return err
		}
		if c := encoderCloser(enc); c != nil {
			defer c.Close()
		}
		for _, corpus := range corpora {
			dir := cfg.IndexDir(corpus, req.Backend)
			if req.Force {
				if err := os.RemoveAll(filepath.Join(dir, vectorindex.EmbeddingDir)); err != nil {
					return err
				}
			}
			builder := NewIndexBuilder(chunks, enc,
				WithWorkers(cfg.Index.Workers),
				WithBatchSize(bcfg.Encoder.BatchSize),
				WithBuildLogger(logger),
				WithBuildMetrics(metrics),
				WithProgress(progress(corpus)))
			result, err := builder.Build(ctx, BuildRequest{
				Backend: req.Backend,
				Corpus:  corpus,
				Dir:     dir,
				Kind:    kind,
				Metric:  metric,
				Options: VectorOptions(cfg),
			})
			if err != nil {
				return fmt.Errorf("dense index %s over %s: %w", req.Backend, corpus, err)
			}
			if result.Failed > 0 {
				logger.Warn("some shards were left out of the index",
					zap.String("backend", req.Backend),
					zap.String("corpus", corpus),
					zap.Strings("errors", result.Errors))
			}
		}

	default:
		return fmt.Errorf("%w: backend %q has unknown kind %q", domain.ErrConfiguration, req.Backend, bcfg.Kind)
	}
	return nil
}

// encoderCloser finds an io.Closer through Unwrap chains of wrapping encoders.
func encoderCloser(enc port.Encoder) io.Closer {
	for {
		if c, ok := enc.(io.Closer); ok {
			return c
		}
		u, ok := enc.(interface{ Unwrap() port.Encoder })
		if !ok {
			return nil
		}
		enc = u.Unwrap()
	}
}
