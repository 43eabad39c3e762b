package port

import "medrag/internal/domain"

// LexicalStore holds the inverted index of a lexical backend.
type LexicalStore interface {
	GetChunk(id string) (StoredChunk, error)

	GetPostings(term string) ([]domain.Posting, error)

	GetStats() (domain.Stats, error)

	BatchIndex(chunks []StoredChunk) error

	UpdateStats(stats domain.Stats) error

	Close() error
}

// StoredChunk is a chunk as kept by a lexical store.
type StoredChunk struct {
	Chunk   domain.Chunk
	Address domain.Address
	// Seq is the global insertion position, used to break score ties.
	Seq    int
	Length int
	TF     map[string]int
}
