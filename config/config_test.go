package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"medrag/internal/domain"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Retrieve.TopK != 32 {
		t.Errorf("expected TopK=32, got %d", cfg.Retrieve.TopK)
	}
	if cfg.Retrieve.RRFK != 100 {
		t.Errorf("expected RRFK=100, got %d", cfg.Retrieve.RRFK)
	}
	if cfg.Lexical.K1 != 1.2 {
		t.Errorf("expected K1=1.2, got %f", cfg.Lexical.K1)
	}
	if cfg.Lexical.B != 0.75 {
		t.Errorf("expected B=0.75, got %f", cfg.Lexical.B)
	}
	if cfg.Index.HNSWM != 32 {
		t.Errorf("expected HNSWM=32, got %d", cfg.Index.HNSWM)
	}
	if got := cfg.Backends["specter"].Metric; got != "l2" {
		t.Errorf("expected specter metric l2, got %q", got)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoad_NonExistent(t *testing.T) {
	cfg, err := Load("/nonexistent/path/config.yaml")
	if err != nil {
		t.Errorf("expected no error for non-existent file, got %v", err)
	}
	if cfg == nil {
		t.Fatal("expected default config, got nil")
	}
	if cfg.Retrieve.TopK != 32 {
		t.Errorf("expected default TopK, got %d", cfg.Retrieve.TopK)
	}
}

func TestLoad_ValidYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "medrag.yaml")

	content := `
db_dir: /data/corpus
lexical:
  stemming: false
retrieve:
  top_k: 10
  retriever: rrf-2
backends:
  local:
    kind: dense
    metric: cosine
    index: chromem
    encoder:
      provider: hash
      dimension: 64
retrievers:
  mine: [bm25, local]
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.DBDir != "/data/corpus" {
		t.Errorf("expected DBDir=/data/corpus, got %q", cfg.DBDir)
	}
	if cfg.Lexical.Stemming != false {
		t.Errorf("expected Stemming=false, got %v", cfg.Lexical.Stemming)
	}
	if cfg.Lexical.K1 != 1.2 {
		t.Errorf("expected default K1 to survive, got %f", cfg.Lexical.K1)
	}
	if cfg.Retrieve.TopK != 10 {
		t.Errorf("expected TopK=10, got %d", cfg.Retrieve.TopK)
	}
	if _, ok := cfg.Backends["medcpt"]; !ok {
		t.Error("expected default backends to be kept")
	}
	if cfg.Backends["local"].Encoder.Dimension != 64 {
		t.Errorf("expected local dimension 64, got %d", cfg.Backends["local"].Encoder.Dimension)
	}
	set, err := cfg.RetrieverSet("mine")
	if err != nil {
		t.Fatal(err)
	}
	if len(set) != 2 || set[1] != "local" {
		t.Errorf("unexpected retriever set %v", set)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("unexpected validation error: %v", err)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("MEDRAG_RETRIEVE_TOP_K", "7")
	t.Setenv("MEDRAG_DB_DIR", "/srv/medrag")
	t.Setenv("MEDRAG_LOGGING_LEVEL", "debug")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Retrieve.TopK != 7 {
		t.Errorf("expected TopK=7 from env, got %d", cfg.Retrieve.TopK)
	}
	if cfg.DBDir != "/srv/medrag" {
		t.Errorf("expected DBDir from env, got %q", cfg.DBDir)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("expected debug level, got %q", cfg.Logging.Level)
	}
}

func TestLoadFromDir(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "medrag.yaml")

	content := `
retrieve:
  rrf_k: 60
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromDir(tmpDir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Retrieve.RRFK != 60 {
		t.Errorf("expected RRFK=60, got %d", cfg.Retrieve.RRFK)
	}
}

func TestLoadFromDir_Defaults(t *testing.T) {
	cfg, err := LoadFromDir(t.TempDir())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Retrieve.Retriever != "bm25" {
		t.Errorf("expected default retriever, got %q", cfg.Retrieve.Retriever)
	}
}

func TestSave_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "medrag.yaml")
	cfg := DefaultConfig()
	cfg.Retrieve.Corpus = "medcorp"
	if err := cfg.Save(path); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Retrieve.Corpus != "medcorp" {
		t.Errorf("expected corpus medcorp, got %q", loaded.Retrieve.Corpus)
	}
	if got := loaded.Backends["medcpt"].Encoder.QueryModel; got != "ncbi/MedCPT-Query-Encoder" {
		t.Errorf("unexpected query model %q", got)
	}
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown retriever", func(c *Config) { c.Retrieve.Retriever = "nope" }},
		{"unknown corpus", func(c *Config) { c.Retrieve.Corpus = "nope" }},
		{"unknown backend in set", func(c *Config) { c.Retrievers["bad"] = []string{"bm25", "ghost"} }},
		{"unknown kind", func(c *Config) { c.Backends["x"] = BackendConfig{Kind: "graph", Metric: "ip"} }},
		{"unknown metric", func(c *Config) { c.Backends["x"] = BackendConfig{Kind: "dense", Metric: "hamming"} }},
		{"chromem needs cosine", func(c *Config) {
			c.Backends["x"] = BackendConfig{Kind: "dense", Metric: "l2", Index: "chromem", Encoder: EncoderConfig{Provider: "hash"}}
		}},
		{"unknown provider", func(c *Config) {
			c.Backends["x"] = BackendConfig{Kind: "dense", Metric: "ip", Encoder: EncoderConfig{Provider: "magic"}}
		}},
		{"zero top k", func(c *Config) { c.Retrieve.TopK = 0 }},
		{"empty corpus group", func(c *Config) { c.Corpora["void"] = nil }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if !errors.Is(err, domain.ErrConfiguration) {
				t.Errorf("expected configuration error, got %v", err)
			}
		})
	}
}

func TestRetrieverSet_Dedup(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Retrievers["twice"] = []string{"bm25", "bm25"}
	set, err := cfg.RetrieverSet("twice")
	if err != nil {
		t.Fatal(err)
	}
	if len(set) != 1 {
		t.Errorf("expected duplicates dropped, got %v", set)
	}
}

func TestPaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DBDir = "/db"
	if got := cfg.IndexDir("pubmed", "medcpt"); got != filepath.Join("/db", "pubmed", "index", "medcpt") {
		t.Errorf("unexpected index dir %q", got)
	}
	if got := cfg.CachePath("medcorp", true); got != filepath.Join("/db", "medcorp_id2text.json") {
		t.Errorf("unexpected cache path %q", got)
	}
	if got := cfg.CachePath("medcorp", false); got != filepath.Join("/db", "medcorp_id2path.json") {
		t.Errorf("unexpected lazy path %q", got)
	}
}
