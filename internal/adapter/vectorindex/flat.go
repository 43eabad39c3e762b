package vectorindex

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"go.etcd.io/bbolt"

	"medrag/internal/domain"
)

// FlatFile is the bbolt file holding a flat index.
const FlatFile = "flat.db"

var (
	bucketVectors = []byte("vectors")
	bucketMeta    = []byte("meta")

	keyMetric    = []byte("metric")
	keyDimension = []byte("dimension")
)

// Flat is an exact brute-force index. Vectors live in memory and are
// persisted to bbolt, one key per row.
type Flat struct {
	metric    domain.Metric
	dimension int
	score     func(a, b []float32) float64
	vectors   [][]float32
}

// NewFlat creates an empty flat index.
func NewFlat(metric domain.Metric, dim int) (*Flat, error) {
	score, err := scoreFunc(metric)
	if err != nil {
		return nil, err
	}
	if dim <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive, got %d", domain.ErrConfiguration, dim)
	}
	return &Flat{metric: metric, dimension: dim, score: score}, nil
}

// OpenFlat loads a flat index saved in dir.
func OpenFlat(dir string) (*Flat, error) {
	path := filepath.Join(dir, FlatFile)
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer db.Close()

	var f *Flat
	err = db.View(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		vecs := tx.Bucket(bucketVectors)
		if meta == nil || vecs == nil {
			return errors.New("missing buckets")
		}
		dim, err := strconv.Atoi(string(meta.Get(keyDimension)))
		if err != nil {
			return fmt.Errorf("bad dimension: %w", err)
		}
		f, err = NewFlat(domain.Metric(meta.Get(keyMetric)), dim)
		if err != nil {
			return err
		}

		f.vectors, err = readVectors(vecs, dim)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	return f, nil
}

func (f *Flat) Add(vectors [][]float32) error {
	if err := checkDimension(f.dimension, vectors...); err != nil {
		return err
	}
	f.vectors = append(f.vectors, vectors...)
	return nil
}

// Search scores every row against the query.
func (f *Flat) Search(query []float32, k int) ([]domain.Neighbor, error) {
	if err := checkDimension(f.dimension, query); err != nil {
		return nil, err
	}
	if len(f.vectors) == 0 || k <= 0 {
		return nil, nil
	}

	scores := make([]domain.Neighbor, len(f.vectors))
	for row, v := range f.vectors {
		scores[row] = domain.Neighbor{Row: row, Score: f.score(query, v)}
	}
	sortNeighbors(scores, f.metric.Polarity())

	if k > len(scores) {
		k = len(scores)
	}
	return scores[:k], nil
}

func (f *Flat) Len() int               { return len(f.vectors) }
func (f *Flat) Dimension() int         { return f.dimension }
func (f *Flat) Metric() domain.Metric  { return f.metric }
func (f *Flat) Kind() domain.IndexKind { return domain.IndexFlat }
func (f *Flat) Close() error           { return nil }

func (f *Flat) Save(dir string) error {
	err := writeBolt(filepath.Join(dir, FlatFile), func(tx *bbolt.Tx) error {
		meta, err := tx.CreateBucket(bucketMeta)
		if err != nil {
			return err
		}
		if err := meta.Put(keyMetric, []byte(f.metric)); err != nil {
			return err
		}
		if err := meta.Put(keyDimension, []byte(strconv.Itoa(f.dimension))); err != nil {
			return err
		}
		return putVectors(tx, f.vectors)
	})
	if err != nil {
		return fmt.Errorf("failed to save flat index: %w", err)
	}
	return nil
}

// writeBolt fills a fresh bbolt file next to path and swaps it in.
func writeBolt(path string, fill func(tx *bbolt.Tx) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	os.Remove(tmp)

	db, err := bbolt.Open(tmp, 0600, nil)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}
	err = db.Update(fill)
	if cerr := db.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, path)
}

func rowKey(row int) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(row))
	return key
}

func putVectors(tx *bbolt.Tx, vectors [][]float32) error {
	vecs, err := tx.CreateBucket(bucketVectors)
	if err != nil {
		return err
	}
	vecs.FillPercent = 1.0
	for row, v := range vectors {
		if err := vecs.Put(rowKey(row), encodeVector(v)); err != nil {
			return err
		}
	}
	return nil
}

// readVectors relies on big-endian row keys: the cursor visits rows in order.
func readVectors(vecs *bbolt.Bucket, dim int) ([][]float32, error) {
	out := make([][]float32, 0, vecs.Stats().KeyN)
	err := vecs.ForEach(func(k, v []byte) error {
		row := binary.BigEndian.Uint64(k)
		if row != uint64(len(out)) {
			return fmt.Errorf("row %d out of sequence", row)
		}
		vec, err := decodeVector(v, dim)
		if err != nil {
			return fmt.Errorf("row %d: %w", row, err)
		}
		out = append(out, vec)
		return nil
	})
	return out, err
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, x := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(x))
	}
	return buf
}

func decodeVector(b []byte, dim int) ([]float32, error) {
	if len(b) != 4*dim {
		return nil, fmt.Errorf("%d bytes, want %d", len(b), 4*dim)
	}
	v := make([]float32, dim)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v, nil
}
