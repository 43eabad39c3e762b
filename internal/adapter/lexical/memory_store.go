package lexical

import (
	"fmt"
	"sort"
	"sync"

	"medrag/internal/domain"
	"medrag/internal/port"
)

// MemoryStore is an in-process LexicalStore, rebuilt from shards at startup.
type MemoryStore struct {
	mu       sync.RWMutex
	chunks   map[string]port.StoredChunk
	postings map[string][]domain.Posting
	stats    domain.Stats
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chunks:   make(map[string]port.StoredChunk),
		postings: make(map[string][]domain.Posting),
	}
}

func (s *MemoryStore) GetChunk(id string) (port.StoredChunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chunk, ok := s.chunks[id]
	if !ok {
		return port.StoredChunk{}, fmt.Errorf("chunk not found: %s", id)
	}
	return chunk, nil
}

func (s *MemoryStore) GetPostings(term string) ([]domain.Posting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.postings[term], nil
}

func (s *MemoryStore) GetStats() (domain.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats, nil
}

func (s *MemoryStore) UpdateStats(stats domain.Stats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = stats
	return nil
}

func (s *MemoryStore) BatchIndex(chunks []port.StoredChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, chunk := range chunks {
		tf := chunk.TF
		chunk.TF = nil
		s.chunks[chunk.Chunk.ID] = chunk

		terms := make([]string, 0, len(tf))
		for term := range tf {
			terms = append(terms, term)
		}
		sort.Strings(terms)
		for _, term := range terms {
			s.postings[term] = append(s.postings[term], domain.Posting{
				ChunkID: chunk.Chunk.ID,
				TF:      tf[term],
			})
		}
	}

	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
