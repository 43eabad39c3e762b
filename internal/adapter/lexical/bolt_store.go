package lexical

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"medrag/internal/domain"
	"medrag/internal/port"
)

var (
	bucketChunks = []byte("chunks")
	bucketTerms  = []byte("terms")
	bucketStats  = []byte("stats")
	keyStats     = []byte("corpus_stats")
)

// BoltStore is a LexicalStore persisted in a single bbolt file.
type BoltStore struct {
	db *bbolt.DB
}

// NewBoltStore opens or creates a writable store at path.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketChunks, bucketTerms, bucketStats} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// OpenBoltStore opens an existing store read-only.
func OpenBoltStore(path string) (*BoltStore, error) {
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: lexical index %s does not exist", domain.ErrIndexUnavailable, path)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrIndexUnavailable, err)
	}
	db, err := bbolt.Open(path, 0400, &bbolt.Options{ReadOnly: true, Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", domain.ErrIndexUnavailable, path, err)
	}
	err = db.View(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketChunks, bucketTerms, bucketStats} {
			if tx.Bucket(b) == nil {
				return fmt.Errorf("bucket %s missing", b)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrIndexUnavailable, path, err)
	}
	return &BoltStore{db: db}, nil
}

type chunkMeta struct {
	Title   string `json:"title"`
	Content string `json:"content"`
	Corpus  string `json:"corpus"`
	Shard   string `json:"shard"`
	Row     int    `json:"row"`
	Seq     int    `json:"seq"`
	Length  int    `json:"len"`
}

func (s *BoltStore) GetChunk(id string) (port.StoredChunk, error) {
	var chunk port.StoredChunk
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketChunks).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("chunk not found: %s", id)
		}
		var meta chunkMeta
		if err := json.Unmarshal(data, &meta); err != nil {
			return err
		}
		chunk = port.StoredChunk{
			Chunk:   domain.Chunk{ID: id, Title: meta.Title, Content: meta.Content},
			Address: domain.Address{Corpus: meta.Corpus, Shard: meta.Shard, Row: meta.Row},
			Seq:     meta.Seq,
			Length:  meta.Length,
		}
		return nil
	})
	return chunk, err
}

func (s *BoltStore) GetPostings(term string) ([]domain.Posting, error) {
	var postings []domain.Posting
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketTerms).Get([]byte(term))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &postings)
	})
	return postings, err
}

func (s *BoltStore) GetStats() (domain.Stats, error) {
	var stats domain.Stats
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketStats).Get(keyStats)
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &stats)
	})
	return stats, err
}

func (s *BoltStore) UpdateStats(stats domain.Stats) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		data, err := json.Marshal(stats)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketStats).Put(keyStats, data)
	})
}

// BatchIndex stores chunks and merges their term frequencies into the postings.
func (s *BoltStore) BatchIndex(chunks []port.StoredChunk) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		chunksBucket := tx.Bucket(bucketChunks)
		termsBucket := tx.Bucket(bucketTerms)

		allPostings := make(map[string][]domain.Posting)

		for _, chunk := range chunks {
			meta := chunkMeta{
				Title:   chunk.Chunk.Title,
				Content: chunk.Chunk.Content,
				Corpus:  chunk.Address.Corpus,
				Shard:   chunk.Address.Shard,
				Row:     chunk.Address.Row,
				Seq:     chunk.Seq,
				Length:  chunk.Length,
			}
			data, err := json.Marshal(meta)
			if err != nil {
				return err
			}
			if err := chunksBucket.Put([]byte(chunk.Chunk.ID), data); err != nil {
				return err
			}

			for term, tf := range chunk.TF {
				allPostings[term] = append(allPostings[term], domain.Posting{
					ChunkID: chunk.Chunk.ID,
					TF:      tf,
				})
			}
		}

		terms := make([]string, 0, len(allPostings))
		for term := range allPostings {
			terms = append(terms, term)
		}
		sort.Strings(terms)

		for _, term := range terms {
			var existing []domain.Posting
			if data := termsBucket.Get([]byte(term)); data != nil {
				if err := json.Unmarshal(data, &existing); err != nil {
					return fmt.Errorf("corrupt postings for %q: %w", term, err)
				}
			}
			existing = append(existing, allPostings[term]...)
			data, err := json.Marshal(existing)
			if err != nil {
				return err
			}
			if err := termsBucket.Put([]byte(term), data); err != nil {
				return err
			}
		}

		return nil
	})
}

// Count returns the number of stored chunks.
func (s *BoltStore) Count() (int, error) {
	var n int
	err := s.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketChunks).Stats().KeyN
		return nil
	})
	return n, err
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
