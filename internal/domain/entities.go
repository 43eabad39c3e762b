package domain

import "strconv"

// Chunk is one line of a corpus shard.
type Chunk struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Address locates a chunk inside a corpus: shard name plus 0-based row.
type Address struct {
	Corpus string
	Shard  string
	Row    int
}

// Key returns the composite identifier used for dense hits.
func (a Address) Key() string {
	return a.Shard + "_" + strconv.Itoa(a.Row)
}

// Passage is the encoder input for a single chunk.
type Passage struct {
	Title   string
	Content string
}

// Hit is one result of a single backend search.
type Hit struct {
	ID      string
	Score   float64
	Rank    int
	Address Address
	// Resolved is set once Chunk holds the hit's text.
	Resolved bool
	Chunk    Chunk
	// Gap is set when Chunk is a placeholder.
	Gap Gap
}

// FusedResult is a result of the RetrievalSystem.
type FusedResult struct {
	ID      string  `json:"id"`
	Title   string  `json:"title"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// MetadataRow maps a vector index row back to its shard.
// Row is the chunk's position inside Source, not the global index row.
type MetadataRow struct {
	Row    int    `json:"row"`
	Source string `json:"source"`
}

// Neighbor is a raw vector index result.
type Neighbor struct {
	Row   int
	Score float64
}

// Record is a DocExtracter output.
type Record struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Location is the lazy-mode address of a chunk, relative to the db dir.
type Location struct {
	Path  string `json:"fpath"`
	Index int    `json:"index"`
}

type Posting struct {
	ChunkID string
	TF      int
}

type Stats struct {
	TotalChunks int
	AvgChunkLen float64
}
