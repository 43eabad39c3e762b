package usecase

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"medrag/config"
	"medrag/internal/domain"
	"medrag/internal/observability"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.DBDir = t.TempDir()
	cfg.Corpora = map[string][]string{
		"textbooks":  {"textbooks"},
		"statpearls": {"statpearls"},
		"medtext":    {"textbooks", "statpearls"},
	}
	cfg.Backends = map[string]config.BackendConfig{
		"bm25": {Kind: config.KindLexical, Metric: "bm25", Index: config.LexicalStoreBolt},
		"mem":  {Kind: config.KindLexical, Metric: "bm25", Index: config.LexicalStoreMemory},
		"hash": {
			Kind:   config.KindDense,
			Metric: "ip",
			Index:  "flat",
			Encoder: config.EncoderConfig{
				Provider:  "hash",
				Dimension: 64,
				Format:    "concat",
				BatchSize: 2,
			},
		},
	}
	cfg.Retrievers = map[string][]string{
		"bm25": {"bm25"},
		"hash": {"hash"},
		"mem":  {"mem"},
		"rrf":  {"bm25", "hash"},
	}
	cfg.Retrieve.Retriever = "rrf"
	cfg.Retrieve.Corpus = "medtext"
	require.NoError(t, cfg.Validate())

	writeShard(t, cfg.DBDir, "textbooks", "cardio",
		`{"id":"cardio_0","title":"Aspirin","content":"Aspirin lowers the risk of myocardial infarction."}`,
		`{"id":"cardio_1","title":"Statins","content":"Statins reduce cholesterol."}`)
	writeShard(t, cfg.DBDir, "statpearls", "renal",
		`{"id":"renal_0","title":"Kidney","content":"The kidney filters blood and regulates electrolytes."}`)
	return cfg
}

func buildAll(t *testing.T, cfg *config.Config, backends ...string) {
	t.Helper()
	for _, b := range backends {
		require.NoError(t, BuildIndexes(context.Background(), cfg, IndexRequest{Backend: b, Group: "medtext"},
			zaptest.NewLogger(t), nil))
	}
}

func TestOpenRetrievalSystem_FusesLexicalAndDense(t *testing.T) {
	cfg := testConfig(t)
	buildAll(t, cfg, "bm25", "hash")

	metrics := observability.NewMetrics("test")
	sys, err := OpenRetrievalSystem(context.Background(), cfg, "rrf", "medtext", zaptest.NewLogger(t), metrics)
	require.NoError(t, err)
	defer sys.Close()

	results, scores, err := sys.Retrieve(context.Background(), "aspirin myocardial infarction", 2, 100)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "cardio_0", results[0].ID)
	assert.Equal(t, "Aspirin", results[0].Title)
	assert.InDelta(t, 2.0/101, scores[0], 1e-12)
}

func TestOpenRetrievalSystem_WithCache(t *testing.T) {
	cfg := testConfig(t)
	cfg.Retrieve.Cache = true
	buildAll(t, cfg, "bm25")

	sys, err := OpenRetrievalSystem(context.Background(), cfg, "bm25", "medtext", zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	defer sys.Close()

	results, _, err := sys.Retrieve(context.Background(), "kidney electrolytes", 1, 100)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "renal_0", results[0].ID)
	assert.Equal(t, "The kidney filters blood and regulates electrolytes.", results[0].Content)
	assert.FileExists(t, cfg.CachePath("medtext", true))
}

func TestOpenRetrievalSystem_MemoryLexicalStore(t *testing.T) {
	cfg := testConfig(t)
	sys, err := OpenRetrievalSystem(context.Background(), cfg, "mem", "textbooks", nil, nil)
	require.NoError(t, err)
	defer sys.Close()

	results, _, err := sys.Retrieve(context.Background(), "statins", 3, 100)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "cardio_1", results[0].ID)
}

func TestOpenRetrievalSystem_MissingIndexFails(t *testing.T) {
	cfg := testConfig(t)
	buildAll(t, cfg, "bm25")

	_, err := OpenRetrievalSystem(context.Background(), cfg, "rrf", "medtext", nil, nil)
	assert.ErrorIs(t, err, domain.ErrIndexUnavailable)

	_, err = OpenRetrievalSystem(context.Background(), cfg, "nope", "medtext", nil, nil)
	assert.ErrorIs(t, err, domain.ErrConfiguration)

	_, err = OpenRetrievalSystem(context.Background(), cfg, "bm25", "nope", nil, nil)
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestOpenRetrievalSystem_ConcurrentQueries(t *testing.T) {
	cfg := testConfig(t)
	cfg.Retrieve.Cache = true
	buildAll(t, cfg, "bm25", "hash")

	sys, err := OpenRetrievalSystem(context.Background(), cfg, "rrf", "medtext", zaptest.NewLogger(t), observability.NewMetrics("test"))
	require.NoError(t, err)
	defer sys.Close()
	extract, err := NewExtracter(cfg, "medtext", true, nil, nil)
	require.NoError(t, err)

	questions := []string{"aspirin myocardial infarction", "kidney electrolytes", "statins cholesterol"}
	want := make([][]domain.FusedResult, len(questions))
	for i, q := range questions {
		want[i], _, err = sys.Retrieve(context.Background(), q, 3, 100)
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, 16)
	for g := 0; g < 16; g++ {
		g := g
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				qi := (g + i) % len(questions)
				results, scores, err := sys.Retrieve(context.Background(), questions[qi], 3, 100)
				if err != nil {
					errs <- err
					return
				}
				if len(results) != len(scores) || !assert.ObjectsAreEqual(want[qi], results) {
					errs <- fmt.Errorf("goroutine %d: %q returned %v", g, questions[qi], results)
					return
				}
				records := extract.Extract(context.Background(), []string{"renal_0", "cardio_1", "ghost"})
				if len(records) != 3 || records[0].Title != "Kidney" || records[2].Title != "Unknown document" {
					errs <- fmt.Errorf("goroutine %d: extract returned %v", g, records)
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestOpenRetrievalSystem_RejectsBadDenseMetric(t *testing.T) {
	cfg := testConfig(t)
	buildAll(t, cfg, "hash")

	for _, metric := range []string{"", "hamming", "bm25"} {
		t.Run(metric, func(t *testing.T) {
			bad := *cfg
			bad.Backends = map[string]config.BackendConfig{"hash": cfg.Backends["hash"]}
			b := bad.Backends["hash"]
			b.Metric = metric
			bad.Backends["hash"] = b

			_, err := OpenRetrievalSystem(context.Background(), &bad, "hash", "medtext", nil, nil)
			assert.ErrorIs(t, err, domain.ErrConfiguration)
		})
	}

	// The index was built with ip; a distance metric would misorder it.
	b := cfg.Backends["hash"]
	b.Metric = "l2"
	cfg.Backends["hash"] = b
	_, err := OpenRetrievalSystem(context.Background(), cfg, "hash", "medtext", nil, nil)
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestBuildIndexes_ForceReembeds(t *testing.T) {
	cfg := testConfig(t)
	buildAll(t, cfg, "hash")

	var statuses []string
	err := BuildIndexes(context.Background(), cfg, IndexRequest{
		Backend: "hash",
		Group:   "textbooks",
		Progress: func(corpus string, e ShardEvent) {
			statuses = append(statuses, corpus+"/"+e.Shard+":"+e.Status)
		},
	}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"textbooks/cardio:reused"}, statuses)

	statuses = nil
	err = BuildIndexes(context.Background(), cfg, IndexRequest{
		Backend: "hash",
		Group:   "textbooks",
		Force:   true,
		Progress: func(corpus string, e ShardEvent) {
			statuses = append(statuses, corpus+"/"+e.Shard+":"+e.Status)
		},
	}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"textbooks/cardio:embedded"}, statuses)
}

func TestNewExtracter_LazyAndCache(t *testing.T) {
	cfg := testConfig(t)

	lazy, err := NewExtracter(cfg, "medtext", false, zaptest.NewLogger(t), nil)
	require.NoError(t, err)
	records := lazy.Extract(context.Background(), []string{"renal_0", "ghost"})
	require.Len(t, records, 2)
	assert.Equal(t, "Kidney", records[0].Title)
	assert.Equal(t, "Unknown document", records[1].Title)

	_, err = os.Stat(cfg.CachePath("medtext", false))
	require.NoError(t, err)

	cache, err := NewExtracter(cfg, "medtext", true, nil, nil)
	require.NoError(t, err)
	records = cache.Extract(context.Background(), []string{"cardio_1"})
	assert.Equal(t, "Statins reduce cholesterol.", records[0].Content)
}
