package usecase

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"medrag/internal/adapter/analyzer"
	"medrag/internal/adapter/chunkstore"
	"medrag/internal/adapter/lexical"
	"medrag/internal/domain"
	"medrag/internal/port"
)

const lexicalBatchSize = 1000

// LexicalIndexer builds the inverted index of a lexical backend from shards.
type LexicalIndexer struct {
	chunks    *chunkstore.Store
	tokenizer *analyzer.Tokenizer
	logger    *zap.Logger
	progress  func(ShardEvent)
}

func NewLexicalIndexer(chunks *chunkstore.Store, tokenizer *analyzer.Tokenizer, logger *zap.Logger) *LexicalIndexer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LexicalIndexer{chunks: chunks, tokenizer: tokenizer, logger: logger}
}

// OnShard registers a per-shard progress callback.
func (u *LexicalIndexer) OnShard(fn func(ShardEvent)) {
	u.progress = fn
}

// LexicalResult contains the results of a lexical indexing run.
type LexicalResult struct {
	ShardsIndexed int
	ShardsSkipped int
	ChunksIndexed int
	Reused        bool
	Reason        string
}

// Index adds every chunk of corpus to store and records corpus statistics.
// A malformed line aborts the run with ErrDataIntegrity.
func (u *LexicalIndexer) Index(ctx context.Context, corpus string, store port.LexicalStore) (*LexicalResult, error) {
	shards, err := u.chunks.Shards(corpus)
	if err != nil {
		return nil, fmt.Errorf("failed to list shards: %w", err)
	}

	result := &LexicalResult{}
	seq := 0
	totalLen := 0
	batch := make([]port.StoredChunk, 0, lexicalBatchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := store.BatchIndex(batch); err != nil {
			return fmt.Errorf("failed to index batch: %w", err)
		}
		batch = batch[:0]
		return nil
	}

	for _, shard := range shards {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if shard.Size == 0 {
			result.ShardsSkipped++
			u.report(ShardEvent{Shard: shard.Name, Status: "skipped"})
			continue
		}

		rows := 0
		err := chunkstore.Lines(shard.Path, func(row int, line []byte) error {
			chunk, err := chunkstore.ParseChunk(line)
			if err != nil {
				return fmt.Errorf("%w: %s row %d: %v", domain.ErrDataIntegrity, shard.Path, row, err)
			}
			tf, n := u.tokenizer.Frequencies(chunk.Title + " " + chunk.Content)
			batch = append(batch, port.StoredChunk{
				Chunk:   chunk,
				Address: domain.Address{Corpus: corpus, Shard: shard.Name, Row: row},
				Seq:     seq,
				Length:  n,
				TF:      tf,
			})
			seq++
			rows++
			totalLen += n
			if len(batch) >= lexicalBatchSize {
				return flush()
			}
			return nil
		})
		if err != nil {
			if os.IsNotExist(err) {
				result.ShardsSkipped++
				continue
			}
			return nil, err
		}
		result.ShardsIndexed++
		u.report(ShardEvent{Shard: shard.Name, Status: "indexed", Rows: rows})
	}
	if err := flush(); err != nil {
		return nil, err
	}

	avg := 0.0
	if seq > 0 {
		avg = float64(totalLen) / float64(seq)
	}
	if err := store.UpdateStats(domain.Stats{TotalChunks: seq, AvgChunkLen: avg}); err != nil {
		return nil, fmt.Errorf("failed to update stats: %w", err)
	}
	result.ChunksIndexed = seq

	u.logger.Info("lexical index built",
		zap.String("corpus", corpus),
		zap.Int("shards", result.ShardsIndexed),
		zap.Int("chunks", seq),
		zap.Float64("avg_len", avg))
	return result, nil
}

// IndexBolt builds the bbolt index at path unless it was already built with
// the same settings. force rebuilds regardless.
func (u *LexicalIndexer) IndexBolt(ctx context.Context, corpus, path, configHash string, force bool) (*LexicalResult, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	store, err := lexical.NewBoltStore(path)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	migration, err := store.CheckMigration(configHash)
	if err != nil {
		return nil, err
	}
	if !migration.NeedsRebuild && !force {
		n, _ := store.Count()
		u.logger.Info("lexical index up to date", zap.String("corpus", corpus), zap.Int("chunks", n))
		return &LexicalResult{Reused: true, ChunksIndexed: n}, nil
	}
	if !migration.Fresh {
		reason := migration.Reason
		if reason == "" {
			reason = "forced rebuild"
		}
		u.logger.Info("rebuilding lexical index", zap.String("corpus", corpus), zap.String("reason", reason))
	}
	// A fresh store may still hold rows from an interrupted build.
	if err := store.Clear(); err != nil {
		return nil, fmt.Errorf("failed to clear index: %w", err)
	}

	result, err := u.Index(ctx, corpus, store)
	if err != nil {
		return nil, err
	}
	result.Reason = migration.Reason
	if err := store.MarkBuilt(configHash); err != nil {
		return nil, fmt.Errorf("failed to record schema: %w", err)
	}
	return result, nil
}

func (u *LexicalIndexer) report(e ShardEvent) {
	if u.progress != nil {
		u.progress(e)
	}
}
