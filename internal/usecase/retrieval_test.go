package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"medrag/internal/domain"
	"medrag/internal/observability"
	"medrag/internal/port"
)

// stubRetriever returns canned hits and resolves ids from texts.
type stubRetriever struct {
	name     string
	corpus   string
	polarity domain.Polarity
	hits     []domain.Hit
	texts    map[string]string
	err      error

	searches int
	lastK    int
	resolved int
}

func (s *stubRetriever) Name() string              { return s.name }
func (s *stubRetriever) Corpus() string            { return s.corpus }
func (s *stubRetriever) Polarity() domain.Polarity { return s.polarity }

func (s *stubRetriever) Search(_ context.Context, _ string, k int, opts ...port.SearchOption) ([]domain.Hit, error) {
	s.searches++
	s.lastK = k
	if s.err != nil {
		return nil, s.err
	}
	n := min(k, len(s.hits))
	out := make([]domain.Hit, n)
	copy(out, s.hits[:n])
	if !port.ApplySearchOptions(opts...).IDOnly {
		out = s.Resolve(context.Background(), out)
	}
	return out, nil
}

func (s *stubRetriever) Resolve(_ context.Context, hits []domain.Hit) []domain.Hit {
	for i := range hits {
		s.resolved++
		text, ok := s.texts[hits[i].ID]
		if !ok {
			hits[i].Chunk = domain.GapUnknownID.Placeholder(hits[i].ID, 0)
			hits[i].Gap = domain.GapUnknownID
		} else {
			hits[i].Chunk = domain.Chunk{ID: hits[i].ID, Title: "T " + hits[i].ID, Content: text}
		}
		hits[i].Resolved = true
	}
	return hits
}

func stub(name, corpus string, p domain.Polarity, hits ...domain.Hit) *stubRetriever {
	texts := make(map[string]string, len(hits))
	for _, h := range hits {
		texts[h.ID] = "text of " + h.ID
	}
	return &stubRetriever{name: name, corpus: corpus, polarity: p, hits: hits, texts: texts}
}

func hit(id string, score float64) domain.Hit {
	return domain.Hit{ID: id, Score: score}
}

func ids(results []domain.FusedResult) []string {
	out := make([]string, len(results))
	for i, r := range results {
		out[i] = r.ID
	}
	return out
}

func TestRetrieve_MergesCorporaByDistance(t *testing.T) {
	a := stub("specter", "textbooks", domain.LowerIsBetter, hit("a0", 0.5), hit("a1", 2.0), hit("a2", 3.0))
	b := stub("specter", "statpearls", domain.LowerIsBetter, hit("b0", 0.1), hit("b1", 1.0), hit("b2", 4.0))
	sys, err := NewRetrievalSystem("specter", []Backend{{Name: "specter", Retrievers: []port.Retriever{a, b}}})
	require.NoError(t, err)

	results, scores, err := sys.Retrieve(context.Background(), "q", 4, 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"b0", "a0", "b1", "a1"}, ids(results))
	assert.Equal(t, []float64{0.1, 0.5, 1.0, 2.0}, scores)
	assert.Equal(t, 4, a.lastK)
}

func TestRetrieve_MergesCorporaBySimilarity(t *testing.T) {
	a := stub("bm25", "textbooks", domain.HigherIsBetter, hit("a0", 9), hit("a1", 3))
	b := stub("bm25", "statpearls", domain.HigherIsBetter, hit("b0", 7), hit("b1", 5))
	sys, err := NewRetrievalSystem("bm25", []Backend{{Name: "bm25", Retrievers: []port.Retriever{a, b}}})
	require.NoError(t, err)

	results, scores, err := sys.Retrieve(context.Background(), "q", 10, 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"a0", "b0", "b1", "a1"}, ids(results))
	assert.Equal(t, []float64{9, 7, 5, 3}, scores)
}

func TestRetrieve_FusionKeepsAllCorpusCandidates(t *testing.T) {
	a := stub("specter", "textbooks", domain.LowerIsBetter, hit("a0", 0.5), hit("a1", 2.0), hit("a2", 3.0))
	b := stub("specter", "statpearls", domain.LowerIsBetter, hit("b0", 0.1), hit("b1", 1.0), hit("b2", 4.0))
	empty := stub("bm25", "textbooks", domain.HigherIsBetter)
	sys, err := NewRetrievalSystem("rrf", []Backend{
		{Name: "specter", Retrievers: []port.Retriever{a, b}},
		{Name: "bm25", Retrievers: []port.Retriever{empty}},
	})
	require.NoError(t, err)

	results, scores, err := sys.Retrieve(context.Background(), "q", 10, 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"b0", "a0", "b1", "a1", "a2", "b2"}, ids(results))
	for j, s := range scores {
		assert.InDelta(t, 1/float64(100+j+1), s, 1e-12)
	}
	assert.Equal(t, DefaultMinFusionDepth, a.lastK)
}

func TestRetrieve_ReciprocalRankFusion(t *testing.T) {
	x := stub("bm25", "textbooks", domain.HigherIsBetter, hit("d1", 12), hit("d2", 8))
	y := stub("medcpt", "textbooks", domain.HigherIsBetter, hit("d3", 0.9), hit("d4", 0.8), hit("d1", 0.7))
	sys, err := NewRetrievalSystem("rrf-2", []Backend{
		{Name: "bm25", Retrievers: []port.Retriever{x}},
		{Name: "medcpt", Retrievers: []port.Retriever{y}},
	})
	require.NoError(t, err)

	results, scores, err := sys.Retrieve(context.Background(), "q", 3, 100)
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, []string{"d1", "d3", "d2"}, ids(results))
	assert.InDelta(t, 1.0/101+1.0/103, scores[0], 1e-12)
	assert.InDelta(t, 1.0/101, scores[1], 1e-12)
	assert.InDelta(t, 1.0/102, scores[2], 1e-12)
	assert.Equal(t, scores[0], results[0].Score)

	// d1 takes its text from the first backend that produced it.
	assert.Equal(t, "text of d1", results[0].Content)
	assert.Equal(t, 1, y.resolved, "only d3 is resolved by the second backend")
}

func TestRetrieve_FusionDepth(t *testing.T) {
	x := stub("bm25", "c", domain.HigherIsBetter)
	y := stub("medcpt", "c", domain.HigherIsBetter)
	sys, err := NewRetrievalSystem("rrf", []Backend{
		{Name: "bm25", Retrievers: []port.Retriever{x}},
		{Name: "medcpt", Retrievers: []port.Retriever{y}},
	}, WithMinFusionDepth(10))
	require.NoError(t, err)

	_, _, err = sys.Retrieve(context.Background(), "q", 32, 100)
	require.NoError(t, err)
	assert.Equal(t, 64, x.lastK)

	_, _, err = sys.Retrieve(context.Background(), "q", 2, 100)
	require.NoError(t, err)
	assert.Equal(t, 10, y.lastK)
}

func TestRetrieve_SingleBackendKeepsNativeScores(t *testing.T) {
	r := stub("medcpt", "pubmed", domain.HigherIsBetter, hit("p1", 0.93), hit("p2", 0.71), hit("p3", 0.2))
	sys, err := NewRetrievalSystem("medcpt", []Backend{{Name: "medcpt", Retrievers: []port.Retriever{r}}})
	require.NoError(t, err)

	results, scores, err := sys.Retrieve(context.Background(), "q", 2, 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1", "p2"}, ids(results))
	assert.Equal(t, []float64{0.93, 0.71}, scores)
	assert.Equal(t, 2, r.lastK)
	assert.Equal(t, "T p1", results[0].Title)
}

func TestRetrieve_ResolutionGapsBecomePlaceholders(t *testing.T) {
	r := stub("bm25", "c", domain.HigherIsBetter, hit("ok", 3), hit("lost", 2))
	delete(r.texts, "lost")
	metrics := observability.NewMetrics("test")
	sys, err := NewRetrievalSystem("bm25", []Backend{{Name: "bm25", Retrievers: []port.Retriever{r}}},
		WithSystemMetrics(metrics), WithSystemLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)

	results, scores, err := sys.Retrieve(context.Background(), "q", 2, 100)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "text of ok", results[0].Content)
	assert.Equal(t, "lost", results[1].ID)
	assert.Equal(t, "Unknown document", results[1].Title)
	assert.Equal(t, "Document ID not found", results[1].Content)
	assert.Equal(t, 2.0, scores[1])
}

type stubExtracter struct {
	calls [][]string
}

func (e *stubExtracter) Extract(_ context.Context, ids []string) []domain.Record {
	e.calls = append(e.calls, ids)
	out := make([]domain.Record, len(ids))
	for i, id := range ids {
		out[i] = domain.Record{ID: id, Title: "cached", Content: "cached " + id}
	}
	return out
}

func TestRetrieve_UsesExtracterWhenConfigured(t *testing.T) {
	x := stub("bm25", "c", domain.HigherIsBetter, hit("d1", 5), hit("d2", 4))
	y := stub("medcpt", "c", domain.HigherIsBetter, hit("d2", 0.9))
	ex := &stubExtracter{}
	sys, err := NewRetrievalSystem("rrf", []Backend{
		{Name: "bm25", Retrievers: []port.Retriever{x}},
		{Name: "medcpt", Retrievers: []port.Retriever{y}},
	}, WithExtracter(ex))
	require.NoError(t, err)

	results, _, err := sys.Retrieve(context.Background(), "q", 2, 100)
	require.NoError(t, err)
	assert.Equal(t, []string{"d2", "d1"}, ids(results))
	assert.Equal(t, "cached d2", results[0].Content)
	require.Len(t, ex.calls, 1)
	assert.Equal(t, []string{"d2", "d1"}, ex.calls[0])
	assert.Zero(t, x.resolved)
}

func TestRetrieve_EmptyResults(t *testing.T) {
	sys, err := NewRetrievalSystem("rrf", []Backend{
		{Name: "bm25", Retrievers: []port.Retriever{stub("bm25", "c", domain.HigherIsBetter)}},
		{Name: "medcpt", Retrievers: []port.Retriever{stub("medcpt", "c", domain.HigherIsBetter)}},
	})
	require.NoError(t, err)

	results, scores, err := sys.Retrieve(context.Background(), "q", 5, 100)
	require.NoError(t, err)
	assert.NotNil(t, results)
	assert.NotNil(t, scores)
	assert.Empty(t, results)
	assert.Empty(t, scores)

	results, scores, err = sys.Retrieve(context.Background(), "q", 0, 100)
	require.NoError(t, err)
	assert.NotNil(t, results)
	assert.Empty(t, scores)
}

func TestRetrieve_SearchErrorFails(t *testing.T) {
	bad := stub("medcpt", "c", domain.HigherIsBetter)
	bad.err = domain.ErrEncoder
	sys, err := NewRetrievalSystem("rrf", []Backend{
		{Name: "bm25", Retrievers: []port.Retriever{stub("bm25", "c", domain.HigherIsBetter, hit("d", 1))}},
		{Name: "medcpt", Retrievers: []port.Retriever{bad}},
	})
	require.NoError(t, err)

	_, _, err = sys.Retrieve(context.Background(), "q", 5, 100)
	assert.ErrorIs(t, err, domain.ErrEncoder)
}

func TestNewRetrievalSystem_Validation(t *testing.T) {
	_, err := NewRetrievalSystem("none", nil)
	assert.ErrorIs(t, err, domain.ErrConfiguration)

	_, err = NewRetrievalSystem("empty", []Backend{{Name: "bm25"}})
	assert.ErrorIs(t, err, domain.ErrConfiguration)

	r := stub("bm25", "c", domain.HigherIsBetter)
	_, err = NewRetrievalSystem("dup", []Backend{
		{Name: "bm25", Retrievers: []port.Retriever{r}},
		{Name: "bm25", Retrievers: []port.Retriever{r}},
	})
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

func TestRetrievalSystem_CloseReleasesResources(t *testing.T) {
	var closed []string
	boom := errors.New("boom")
	sys, err := NewRetrievalSystem("bm25",
		[]Backend{{Name: "bm25", Retrievers: []port.Retriever{stub("bm25", "c", domain.HigherIsBetter)}}},
		WithClosers(
			closerFunc(func() error { closed = append(closed, "a"); return boom }),
			closerFunc(func() error { closed = append(closed, "b"); return nil }),
		))
	require.NoError(t, err)

	assert.ErrorIs(t, sys.Close(), boom)
	assert.Equal(t, []string{"a", "b"}, closed)
}
