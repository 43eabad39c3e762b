package chunkstore

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"go.uber.org/zap"
)

// DefaultShardPattern matches shard files inside a corpus chunk directory.
const DefaultShardPattern = "*.jsonl"

// Store is a read-only view over <root>/<corpus>/chunk/<shard>.jsonl files.
type Store struct {
	root     string
	includes []string
	excludes []string
	logger   *zap.Logger
}

// Shard is one shard file of a corpus.
type Shard struct {
	Corpus string
	Name   string
	Path   string
	Size   int64
}

type Option func(*Store)

// WithPatterns overrides the shard include and exclude globs.
func WithPatterns(includes, excludes []string) Option {
	return func(s *Store) {
		if len(includes) > 0 {
			s.includes = includes
		}
		s.excludes = excludes
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func New(root string, opts ...Option) *Store {
	s := &Store{
		root:     root,
		includes: []string{DefaultShardPattern},
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Root returns the db directory the store reads from.
func (s *Store) Root() string {
	return s.root
}

// ChunkDir returns the directory holding the shards of corpus.
func (s *Store) ChunkDir(corpus string) string {
	return filepath.Join(s.root, corpus, "chunk")
}

// ShardPath returns the file path of a shard by name.
func (s *Store) ShardPath(corpus, shard string) string {
	return filepath.Join(s.ChunkDir(corpus), shard+".jsonl")
}

// RelPath returns path relative to the store root, slash-separated.
func (s *Store) RelPath(path string) string {
	rel, err := filepath.Rel(s.root, path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}

// AbsPath is the inverse of RelPath.
func (s *Store) AbsPath(rel string) string {
	return filepath.Join(s.root, filepath.FromSlash(rel))
}

// Shards lists the shard files of corpus in lexicographic order.
// A missing corpus directory yields no shards.
func (s *Store) Shards(corpus string) ([]Shard, error) {
	dir := s.ChunkDir(corpus)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.logger.Debug("corpus has no chunk directory", zap.String("corpus", corpus), zap.String("dir", dir))
			return nil, nil
		}
		return nil, err
	}

	var shards []Shard
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !s.shouldInclude(name) || s.shouldExclude(name) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return nil, err
		}
		shards = append(shards, Shard{
			Corpus: corpus,
			Name:   ShardName(name),
			Path:   filepath.Join(dir, name),
			Size:   info.Size(),
		})
	}

	sort.Slice(shards, func(i, j int) bool {
		return shards[i].Name < shards[j].Name
	})
	return shards, nil
}

// ShardName strips the extension from a shard file name.
func ShardName(file string) string {
	base := filepath.Base(file)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func (s *Store) shouldInclude(name string) bool {
	for _, pattern := range s.includes {
		matched, err := doublestar.Match(pattern, name)
		if err == nil && matched {
			return true
		}
	}
	return false
}

func (s *Store) shouldExclude(name string) bool {
	for _, pattern := range s.excludes {
		matched, err := doublestar.Match(pattern, name)
		if err == nil && matched {
			return true
		}
	}
	return false
}
