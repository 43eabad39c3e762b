package lexical

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medrag/config"
	"medrag/internal/domain"
	"medrag/internal/port"
)

func sampleChunks(offset int, ids ...string) []port.StoredChunk {
	out := make([]port.StoredChunk, len(ids))
	for i, id := range ids {
		out[i] = port.StoredChunk{
			Chunk:   domain.Chunk{ID: id, Title: "T" + id, Content: "content of " + id},
			Address: domain.Address{Corpus: "c", Shard: "s", Row: offset + i},
			Seq:     offset + i,
			Length:  2,
			TF:      map[string]int{"renal": 1, id: 2},
		}
	}
	return out
}

func TestBoltStore_BatchIndexMergesPostings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lexical.db")
	store, err := NewBoltStore(path)
	require.NoError(t, err)

	require.NoError(t, store.BatchIndex(sampleChunks(0, "s_0", "s_1")))
	require.NoError(t, store.BatchIndex(sampleChunks(2, "s_2")))
	require.NoError(t, store.UpdateStats(domain.Stats{TotalChunks: 3, AvgChunkLen: 2}))
	require.NoError(t, store.Close())

	ro, err := OpenBoltStore(path)
	require.NoError(t, err)
	defer ro.Close()

	postings, err := ro.GetPostings("renal")
	require.NoError(t, err)
	ids := make([]string, len(postings))
	for i, p := range postings {
		ids[i] = p.ChunkID
	}
	assert.Equal(t, []string{"s_0", "s_1", "s_2"}, ids)

	postings, err = ro.GetPostings("s_1")
	require.NoError(t, err)
	assert.Equal(t, []domain.Posting{{ChunkID: "s_1", TF: 2}}, postings)

	missing, err := ro.GetPostings("absent")
	require.NoError(t, err)
	assert.Empty(t, missing)

	chunk, err := ro.GetChunk("s_2")
	require.NoError(t, err)
	assert.Equal(t, "Ts_2", chunk.Chunk.Title)
	assert.Equal(t, domain.Address{Corpus: "c", Shard: "s", Row: 2}, chunk.Address)
	assert.Nil(t, chunk.TF)

	_, err = ro.GetChunk("nope")
	assert.Error(t, err)

	stats, err := ro.GetStats()
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalChunks)

	n, err := ro.Count()
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestOpenBoltStore_Missing(t *testing.T) {
	_, err := OpenBoltStore(filepath.Join(t.TempDir(), "none.db"))
	assert.ErrorIs(t, err, domain.ErrIndexUnavailable)
}

func TestBoltStore_CheckMigration(t *testing.T) {
	store, err := NewBoltStore(filepath.Join(t.TempDir(), "lexical.db"))
	require.NoError(t, err)
	defer store.Close()

	result, err := store.CheckMigration("h1")
	require.NoError(t, err)
	assert.True(t, result.Fresh)
	assert.True(t, result.NeedsRebuild)

	require.NoError(t, store.MarkBuilt("h1"))
	result, err = store.CheckMigration("h1")
	require.NoError(t, err)
	assert.False(t, result.NeedsRebuild)

	result, err = store.CheckMigration("h2")
	require.NoError(t, err)
	assert.True(t, result.NeedsRebuild)
	assert.Equal(t, "index configuration changed", result.Reason)

	require.NoError(t, store.SetSchemaInfo(&SchemaInfo{Version: CurrentSchemaVersion + 1, ConfigHash: "h1"}))
	result, err = store.CheckMigration("h1")
	require.NoError(t, err)
	assert.True(t, result.NeedsRebuild)
	assert.Equal(t, CurrentSchemaVersion+1, result.OldVersion)
}

func TestBoltStore_Clear(t *testing.T) {
	store, err := NewBoltStore(filepath.Join(t.TempDir(), "lexical.db"))
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.BatchIndex(sampleChunks(0, "s_0")))
	require.NoError(t, store.MarkBuilt("h1"))
	require.NoError(t, store.Clear())

	n, err := store.Count()
	require.NoError(t, err)
	assert.Zero(t, n)

	info, err := store.GetSchemaInfo()
	require.NoError(t, err)
	assert.Zero(t, info.Version)
}

func TestComputeConfigHash(t *testing.T) {
	base := config.LexicalConfig{K1: 1.2, B: 0.75, Stemming: true}
	h := ComputeConfigHash(base, []string{"*.jsonl"})

	tuned := base
	tuned.K1 = 2.0
	assert.Equal(t, h, ComputeConfigHash(tuned, []string{"*.jsonl"}))

	unstemmed := base
	unstemmed.Stemming = false
	assert.NotEqual(t, h, ComputeConfigHash(unstemmed, []string{"*.jsonl"}))
	assert.NotEqual(t, h, ComputeConfigHash(base, []string{"*.json"}))
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.BatchIndex(sampleChunks(0, "s_0", "s_1")))

	postings, err := store.GetPostings("renal")
	require.NoError(t, err)
	assert.Len(t, postings, 2)

	chunk, err := store.GetChunk("s_1")
	require.NoError(t, err)
	assert.Nil(t, chunk.TF)
	assert.Equal(t, 1, chunk.Seq)

	_, err = store.GetChunk("s_9")
	assert.Error(t, err)
	assert.NoError(t, store.Close())
}
