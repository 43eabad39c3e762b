package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"

	"medrag/internal/domain"
)

// EnvPrefix marks environment variables that override file settings.
const EnvPrefix = "MEDRAG_"

// Config holds all configuration for the retrieval engine.
type Config struct {
	DBDir      string                   `yaml:"db_dir"`
	Corpora    map[string][]string      `yaml:"corpora"`
	Backends   map[string]BackendConfig `yaml:"backends"`
	Retrievers map[string][]string      `yaml:"retrievers"`
	Retrieve   RetrieveConfig           `yaml:"retrieve"`
	Index      IndexConfig              `yaml:"index"`
	Lexical    LexicalConfig            `yaml:"lexical"`
	Logging    LoggingConfig            `yaml:"logging"`
	Metrics    MetricsConfig            `yaml:"metrics"`
}

// BackendConfig describes one retrieval backend.
type BackendConfig struct {
	Kind    string        `yaml:"kind"`   // "lexical" or "dense"
	Metric  string        `yaml:"metric"` // "bm25", "l2", "ip", "cosine"
	Index   string        `yaml:"index"`  // dense: "flat", "hnsw", "chromem"; lexical: "bolt", "memory"
	Encoder EncoderConfig `yaml:"encoder,omitempty"`
}

// EncoderConfig holds embedding model configuration of a dense backend.
type EncoderConfig struct {
	Provider          string  `yaml:"provider"`              // "openai", "fastembed", "hash"
	Model             string  `yaml:"model"`                 // passage model
	QueryModel        string  `yaml:"query_model,omitempty"` // defaults to Model
	BaseURL           string  `yaml:"base_url,omitempty"`
	APIKeyEnv         string  `yaml:"api_key_env,omitempty"`
	Dimension         int     `yaml:"dimension"`
	Format            string  `yaml:"format"` // "concat", "contriever", "sep", "pair"
	Separator         string  `yaml:"separator,omitempty"`
	BatchSize         int     `yaml:"batch_size"`
	MaxLength         int     `yaml:"max_length,omitempty"`
	CacheDir          string  `yaml:"cache_dir,omitempty"`
	ConcurrentSafe    bool    `yaml:"concurrent_safe"`
	RequestsPerSecond float64 `yaml:"requests_per_second,omitempty"`
	TimeoutSeconds    int     `yaml:"timeout_seconds,omitempty"`
}

// RetrieveConfig holds query-time settings.
type RetrieveConfig struct {
	Retriever      string `yaml:"retriever"`
	Corpus         string `yaml:"corpus"`
	TopK           int    `yaml:"top_k"`
	RRFK           int    `yaml:"rrf_k"`
	Cache          bool   `yaml:"cache"`
	MinFusionDepth int    `yaml:"min_fusion_depth"`
	// QueryCacheSize bounds the cached query vectors per dense backend; 0 disables.
	QueryCacheSize int `yaml:"query_cache_size"`
}

// IndexConfig holds index build settings.
type IndexConfig struct {
	ShardPatterns      []string `yaml:"shard_patterns"`
	Excludes           []string `yaml:"excludes"`
	HNSWM              int      `yaml:"hnsw_m"`
	HNSWEfConstruction int      `yaml:"hnsw_ef_construction"`
	HNSWEfSearch       int      `yaml:"hnsw_ef_search"`
	Workers            int      `yaml:"workers"`
}

// LexicalConfig holds BM25 settings.
type LexicalConfig struct {
	K1       float64 `yaml:"k1"`
	B        float64 `yaml:"b"`
	Stemming bool    `yaml:"stemming"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "console" or "json"
}

// MetricsConfig holds prometheus settings.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

const (
	KindLexical = "lexical"
	KindDense   = "dense"

	LexicalStoreBolt   = "bolt"
	LexicalStoreMemory = "memory"
)

var (
	encoderProviders = []string{"openai", "fastembed", "hash"}
	passageFormats   = []string{"concat", "contriever", "sep", "pair"}
)

// DefaultConfig returns the default configuration: the four source corpora,
// their two composite groups, and the bm25/contriever/specter/medcpt backends.
func DefaultConfig() *Config {
	return &Config{
		DBDir: "./corpus",
		Corpora: map[string][]string{
			"pubmed":     {"pubmed"},
			"textbooks":  {"textbooks"},
			"statpearls": {"statpearls"},
			"wikipedia":  {"wikipedia"},
			"medtext":    {"textbooks", "statpearls"},
			"medcorp":    {"pubmed", "textbooks", "statpearls", "wikipedia"},
		},
		Backends: map[string]BackendConfig{
			"bm25": {
				Kind:   KindLexical,
				Metric: string(domain.MetricBM25),
				Index:  LexicalStoreBolt,
			},
			"contriever": {
				Kind:   KindDense,
				Metric: string(domain.MetricIP),
				Index:  string(domain.IndexFlat),
				Encoder: EncoderConfig{
					Provider:  "openai",
					Model:     "facebook/contriever",
					BaseURL:   "http://localhost:8080/v1",
					Dimension: 768,
					Format:    "contriever",
					BatchSize: 32,
				},
			},
			"specter": {
				Kind:   KindDense,
				Metric: string(domain.MetricL2),
				Index:  string(domain.IndexFlat),
				Encoder: EncoderConfig{
					Provider:  "openai",
					Model:     "allenai/specter",
					BaseURL:   "http://localhost:8081/v1",
					Dimension: 768,
					Format:    "sep",
					Separator: "[SEP]",
					BatchSize: 32,
				},
			},
			"medcpt": {
				Kind:   KindDense,
				Metric: string(domain.MetricIP),
				Index:  string(domain.IndexFlat),
				Encoder: EncoderConfig{
					Provider:   "openai",
					Model:      "ncbi/MedCPT-Article-Encoder",
					QueryModel: "ncbi/MedCPT-Query-Encoder",
					BaseURL:    "http://localhost:8082/v1",
					Dimension:  768,
					Format:     "pair",
					BatchSize:  32,
				},
			},
		},
		Retrievers: map[string][]string{
			"bm25":       {"bm25"},
			"contriever": {"contriever"},
			"specter":    {"specter"},
			"medcpt":     {"medcpt"},
			"rrf-2":      {"bm25", "medcpt"},
			"rrf-4":      {"bm25", "contriever", "specter", "medcpt"},
		},
		Retrieve: RetrieveConfig{
			Retriever:      "bm25",
			Corpus:         "textbooks",
			TopK:           32,
			RRFK:           100,
			Cache:          false,
			MinFusionDepth: 100,
			QueryCacheSize: 256,
		},
		Index: IndexConfig{
			ShardPatterns:      []string{"*.jsonl"},
			HNSWM:              32,
			HNSWEfConstruction: 128,
			HNSWEfSearch:       64,
			Workers:            4,
		},
		Lexical: LexicalConfig{
			K1:       1.2,
			B:        0.75,
			Stemming: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Metrics: MetricsConfig{
			Enabled:   false,
			Namespace: "medrag",
		},
	}
}

// Load loads configuration from a YAML file layered over the defaults, then
// applies MEDRAG_* environment overrides. A missing or empty path yields the
// defaults plus environment.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults, err := yamlv3.Marshal(DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("marshal defaults: %w", err)
	}
	if err := k.Load(rawbytes.Provider(defaults), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		content, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("%w: parse %s: %v", domain.ErrConfiguration, path, err)
			}
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "yaml"}); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConfiguration, err)
	}
	return &cfg, nil
}

// envKey maps MEDRAG_RETRIEVE_TOP_K to retrieve.top_k and MEDRAG_DB_DIR to db_dir.
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	for _, section := range []string{"retrieve", "index", "lexical", "logging", "metrics"} {
		if strings.HasPrefix(key, section+"_") {
			return section + "." + strings.TrimPrefix(key, section+"_")
		}
	}
	return key
}

// LoadFromDir loads configuration from a directory (looks for medrag.yaml).
func LoadFromDir(dir string) (*Config, error) {
	path := filepath.Join(dir, "medrag.yaml")
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	}

	path = filepath.Join(dir, ".medrag", "config.yaml")
	if _, err := os.Stat(path); err == nil {
		return Load(path)
	}

	return Load("")
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	data, err := yamlv3.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Validate checks every name reference and option value.
func (c *Config) Validate() error {
	if c.DBDir == "" {
		return fmt.Errorf("%w: db_dir is empty", domain.ErrConfiguration)
	}
	if c.Retrieve.TopK <= 0 {
		return fmt.Errorf("%w: retrieve.top_k must be positive, got %d", domain.ErrConfiguration, c.Retrieve.TopK)
	}
	if c.Retrieve.RRFK < 0 {
		return fmt.Errorf("%w: retrieve.rrf_k must not be negative, got %d", domain.ErrConfiguration, c.Retrieve.RRFK)
	}
	for _, name := range sortedKeys(c.Corpora) {
		if len(c.Corpora[name]) == 0 {
			return fmt.Errorf("%w: corpus group %q has no corpora", domain.ErrConfiguration, name)
		}
	}
	for _, name := range sortedKeys(c.Backends) {
		if err := c.Backends[name].validate(); err != nil {
			return fmt.Errorf("backend %q: %w", name, err)
		}
	}
	for _, name := range sortedKeys(c.Retrievers) {
		if _, err := c.RetrieverSet(name); err != nil {
			return err
		}
	}
	if _, err := c.RetrieverSet(c.Retrieve.Retriever); err != nil {
		return err
	}
	if _, err := c.CorpusGroup(c.Retrieve.Corpus); err != nil {
		return err
	}
	return nil
}

func (b BackendConfig) validate() error {
	metric, err := domain.ParseMetric(b.Metric)
	if err != nil {
		return err
	}
	switch b.Kind {
	case KindLexical:
		if metric != domain.MetricBM25 {
			return fmt.Errorf("%w: lexical backends score with bm25, got %q", domain.ErrConfiguration, b.Metric)
		}
		if b.Index != "" && b.Index != LexicalStoreBolt && b.Index != LexicalStoreMemory {
			return fmt.Errorf("%w: unknown lexical store %q", domain.ErrConfiguration, b.Index)
		}
	case KindDense:
		if metric == domain.MetricBM25 {
			return fmt.Errorf("%w: dense backends need l2, ip or cosine", domain.ErrConfiguration)
		}
		kind, err := domain.ParseIndexKind(b.Index)
		if err != nil {
			return err
		}
		if kind == domain.IndexChromem && metric != domain.MetricCosine {
			return fmt.Errorf("%w: chromem index only supports cosine, got %q", domain.ErrConfiguration, b.Metric)
		}
		if !contains(encoderProviders, b.Encoder.Provider) {
			return fmt.Errorf("%w: unknown encoder provider %q", domain.ErrConfiguration, b.Encoder.Provider)
		}
		if b.Encoder.Format != "" && !contains(passageFormats, b.Encoder.Format) {
			return fmt.Errorf("%w: unknown passage format %q", domain.ErrConfiguration, b.Encoder.Format)
		}
	default:
		return fmt.Errorf("%w: unknown backend kind %q", domain.ErrConfiguration, b.Kind)
	}
	return nil
}

// CorpusGroup returns the corpora of a named group.
func (c *Config) CorpusGroup(name string) ([]string, error) {
	corpora, ok := c.Corpora[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown corpus %q", domain.ErrConfiguration, name)
	}
	return corpora, nil
}

// RetrieverSet returns the backend names of a named retriever set. Duplicate
// names are dropped so that each backend fuses once.
func (c *Config) RetrieverSet(name string) ([]string, error) {
	names, ok := c.Retrievers[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown retriever %q", domain.ErrConfiguration, name)
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: retriever %q has no backends", domain.ErrConfiguration, name)
	}
	seen := make(map[string]struct{}, len(names))
	backends := make([]string, 0, len(names))
	for _, b := range names {
		if _, ok := c.Backends[b]; !ok {
			return nil, fmt.Errorf("%w: retriever %q references unknown backend %q", domain.ErrConfiguration, name, b)
		}
		if _, dup := seen[b]; dup {
			continue
		}
		seen[b] = struct{}{}
		backends = append(backends, b)
	}
	return backends, nil
}

// IndexDir returns where the index of backend over corpus lives.
func (c *Config) IndexDir(corpus, backend string) string {
	return filepath.Join(c.DBDir, corpus, "index", backend)
}

// LexicalIndexPath returns the bbolt file of a lexical backend over corpus.
func (c *Config) LexicalIndexPath(corpus, backend string) string {
	return filepath.Join(c.IndexDir(corpus, backend), "lexical.db")
}

// CachePath returns the persisted id map of a corpus group.
func (c *Config) CachePath(group string, cache bool) string {
	if cache {
		return filepath.Join(c.DBDir, group+"_id2text.json")
	}
	return filepath.Join(c.DBDir, group+"_id2path.json")
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
