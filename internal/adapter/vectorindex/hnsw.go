package vectorindex

import (
	"container/heap"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"go.etcd.io/bbolt"

	"medrag/internal/domain"
)

// HNSWFile is the bbolt file holding an hnsw index.
const HNSWFile = "hnsw.db"

const (
	defaultHNSWM              = 16
	defaultHNSWEfSearch       = 64
	defaultHNSWEfConstruction = 128
)

var (
	bucketLinks = []byte("links")

	keyM              = []byte("m")
	keyEfConstruction = []byte("ef_construction")
	keyEntry          = []byte("entry")
	keyMaxLevel       = []byte("max_level")
)

// HNSW is an approximate index: a layered proximity graph over rows.
// Queries descend greedily to the bottom layer and then run a beam search
// of width efSearch; the survivors are rescored with the metric.
//
// Add is not safe for concurrent use. Search is, once the graph is built.
type HNSW struct {
	metric         domain.Metric
	dimension      int
	score          func(a, b []float32) float64
	lowerIsBetter  bool
	m              int
	efConstruction int
	efSearch       int
	ml             float64
	rng            *rand.Rand

	vectors [][]float32
	// links[row][level] holds the neighbors of row on that level.
	links    [][][]int32
	entry    int
	maxLevel int
}

// NewHNSW creates an empty hnsw index.
func NewHNSW(metric domain.Metric, dim int, opts Options) (*HNSW, error) {
	score, err := scoreFunc(metric)
	if err != nil {
		return nil, err
	}
	if dim <= 0 {
		return nil, fmt.Errorf("%w: dimension must be positive, got %d", domain.ErrConfiguration, dim)
	}

	h := &HNSW{
		metric:         metric,
		dimension:      dim,
		score:          score,
		lowerIsBetter:  metric.Polarity() == domain.LowerIsBetter,
		m:              defaultHNSWM,
		efConstruction: defaultHNSWEfConstruction,
		efSearch:       defaultHNSWEfSearch,
		// Fixed seed keeps builds reproducible.
		rng:   rand.New(rand.NewSource(1)),
		entry: -1,
	}
	if opts.HNSWM >= 2 {
		h.m = opts.HNSWM
	}
	if opts.HNSWEfConstruction > 0 {
		h.efConstruction = opts.HNSWEfConstruction
	}
	if opts.HNSWEfSearch > 0 {
		h.efSearch = opts.HNSWEfSearch
	}
	h.ml = 1 / math.Log(float64(h.m))
	return h, nil
}

// dist orders rows for traversal: lower is closer for every metric.
func (h *HNSW) dist(a, b []float32) float64 {
	s := h.score(a, b)
	if h.lowerIsBetter {
		return s
	}
	return -s
}

func (h *HNSW) Add(vectors [][]float32) error {
	if err := checkDimension(h.dimension, vectors...); err != nil {
		return err
	}
	for _, v := range vectors {
		h.insert(v)
	}
	return nil
}

func (h *HNSW) randomLevel() int {
	return int(math.Floor(-math.Log(1-h.rng.Float64()) * h.ml))
}

func (h *HNSW) insert(v []float32) {
	row := len(h.vectors)
	level := h.randomLevel()
	h.vectors = append(h.vectors, v)
	h.links = append(h.links, make([][]int32, level+1))

	if h.entry < 0 {
		h.entry, h.maxLevel = row, level
		return
	}

	eps := []hnswCandidate{{row: h.entry, dist: h.dist(v, h.vectors[h.entry])}}
	for lc := h.maxLevel; lc > level; lc-- {
		eps = h.searchLayer(v, eps, 1, lc)
	}
	for lc := min(level, h.maxLevel); lc >= 0; lc-- {
		found := h.searchLayer(v, eps, h.efConstruction, lc)
		h.links[row][lc] = h.selectNeighbors(v, found, h.m)
		for _, n := range h.links[row][lc] {
			h.connect(int(n), row, lc)
		}
		eps = found
	}

	if level > h.maxLevel {
		h.entry, h.maxLevel = row, level
	}
}

func (h *HNSW) maxLinks(level int) int {
	if level == 0 {
		return 2 * h.m
	}
	return h.m
}

// connect adds to as a neighbor of from, pruning from's list when it overflows.
func (h *HNSW) connect(from, to, level int) {
	links := append(h.links[from][level], int32(to))
	if limit := h.maxLinks(level); len(links) > limit {
		base := h.vectors[from]
		cands := make([]hnswCandidate, len(links))
		for i, r := range links {
			cands[i] = hnswCandidate{row: int(r), dist: h.dist(base, h.vectors[r])}
		}
		sortCandidates(cands)
		links = h.selectNeighbors(base, cands, limit)
	}
	h.links[from][level] = links
}

// selectNeighbors keeps up to m of cands, which are sorted closest first.
// A candidate closer to an already kept neighbor than to base is set aside
// and only used to fill remaining slots.
func (h *HNSW) selectNeighbors(base []float32, cands []hnswCandidate, m int) []int32 {
	out := make([]int32, 0, min(m, len(cands)))
	if len(cands) <= m {
		for _, c := range cands {
			out = append(out, int32(c.row))
		}
		return out
	}

	var pruned []hnswCandidate
	for _, c := range cands {
		if len(out) >= m {
			break
		}
		keep := true
		for _, s := range out {
			if h.dist(h.vectors[c.row], h.vectors[s]) < c.dist {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, int32(c.row))
		} else {
			pruned = append(pruned, c)
		}
	}
	for _, c := range pruned {
		if len(out) >= m {
			break
		}
		out = append(out, int32(c.row))
	}
	return out
}

// searchLayer runs a beam search of width ef on one level and returns the
// closest rows found, closest first.
func (h *HNSW) searchLayer(q []float32, eps []hnswCandidate, ef, level int) []hnswCandidate {
	visited := make(map[int]struct{}, ef*4)
	frontier := &nearHeap{}
	found := &farHeap{}
	for _, ep := range eps {
		if _, seen := visited[ep.row]; seen {
			continue
		}
		visited[ep.row] = struct{}{}
		heap.Push(frontier, ep)
		heap.Push(found, ep)
		if found.Len() > ef {
			heap.Pop(found)
		}
	}

	for frontier.Len() > 0 {
		c := heap.Pop(frontier).(hnswCandidate)
		if found.Len() >= ef && c.dist > found.nearHeap[0].dist {
			break
		}
		for _, n := range h.links[c.row][level] {
			row := int(n)
			if _, seen := visited[row]; seen {
				continue
			}
			visited[row] = struct{}{}

			d := h.dist(q, h.vectors[row])
			if found.Len() < ef || d < found.nearHeap[0].dist {
				next := hnswCandidate{row: row, dist: d}
				heap.Push(frontier, next)
				heap.Push(found, next)
				if found.Len() > ef {
					heap.Pop(found)
				}
			}
		}
	}

	out := make([]hnswCandidate, found.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(found).(hnswCandidate)
	}
	return out
}

// Search returns approximate neighbors rescored with the metric.
func (h *HNSW) Search(query []float32, k int) ([]domain.Neighbor, error) {
	if err := checkDimension(h.dimension, query); err != nil {
		return nil, err
	}
	if h.entry < 0 || k <= 0 {
		return nil, nil
	}

	eps := []hnswCandidate{{row: h.entry, dist: h.dist(query, h.vectors[h.entry])}}
	for lc := h.maxLevel; lc > 0; lc-- {
		eps = h.searchLayer(query, eps, 1, lc)
	}
	found := h.searchLayer(query, eps, max(h.efSearch, k), 0)
	if len(found) > k {
		found = found[:k]
	}

	out := make([]domain.Neighbor, len(found))
	for i, c := range found {
		out[i] = domain.Neighbor{Row: c.row, Score: h.score(query, h.vectors[c.row])}
	}
	sortNeighbors(out, h.metric.Polarity())
	return out, nil
}

func (h *HNSW) Len() int               { return len(h.vectors) }
func (h *HNSW) Dimension() int         { return h.dimension }
func (h *HNSW) Metric() domain.Metric  { return h.metric }
func (h *HNSW) Kind() domain.IndexKind { return domain.IndexHNSW }
func (h *HNSW) Close() error           { return nil }

func (h *HNSW) Save(dir string) error {
	err := writeBolt(filepath.Join(dir, HNSWFile), func(tx *bbolt.Tx) error {
		meta, err := tx.CreateBucket(bucketMeta)
		if err != nil {
			return err
		}
		fields := []struct {
			key   []byte
			value string
		}{
			{keyMetric, string(h.metric)},
			{keyDimension, strconv.Itoa(h.dimension)},
			{keyM, strconv.Itoa(h.m)},
			{keyEfConstruction, strconv.Itoa(h.efConstruction)},
			{keyEntry, strconv.Itoa(h.entry)},
			{keyMaxLevel, strconv.Itoa(h.maxLevel)},
		}
		for _, f := range fields {
			if err := meta.Put(f.key, []byte(f.value)); err != nil {
				return err
			}
		}

		if err := putVectors(tx, h.vectors); err != nil {
			return err
		}
		links, err := tx.CreateBucket(bucketLinks)
		if err != nil {
			return err
		}
		links.FillPercent = 1.0
		for row, levels := range h.links {
			if err := links.Put(rowKey(row), encodeLinks(levels)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save hnsw index: %w", err)
	}
	return nil
}

// OpenHNSW loads an hnsw index saved in dir. The query beam width comes from
// opts; the graph parameters come from the file.
func OpenHNSW(dir string, opts Options) (*HNSW, error) {
	path := filepath.Join(dir, HNSWFile)
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}
	db, err := bbolt.Open(path, 0600, &bbolt.Options{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer db.Close()

	var h *HNSW
	err = db.View(func(tx *bbolt.Tx) error {
		meta := tx.Bucket(bucketMeta)
		vecs := tx.Bucket(bucketVectors)
		links := tx.Bucket(bucketLinks)
		if meta == nil || vecs == nil || links == nil {
			return errors.New("missing buckets")
		}

		ints := map[string]int{}
		for _, key := range [][]byte{keyDimension, keyM, keyEfConstruction, keyEntry, keyMaxLevel} {
			n, err := strconv.Atoi(string(meta.Get(key)))
			if err != nil {
				return fmt.Errorf("bad %s: %w", key, err)
			}
			ints[string(key)] = n
		}

		var err error
		h, err = NewHNSW(domain.Metric(meta.Get(keyMetric)), ints[string(keyDimension)], Options{
			HNSWM:              ints[string(keyM)],
			HNSWEfConstruction: ints[string(keyEfConstruction)],
			HNSWEfSearch:       opts.HNSWEfSearch,
		})
		if err != nil {
			return err
		}
		if h.vectors, err = readVectors(vecs, h.dimension); err != nil {
			return err
		}
		h.entry, h.maxLevel = ints[string(keyEntry)], ints[string(keyMaxLevel)]

		h.links = make([][][]int32, len(h.vectors))
		err = links.ForEach(func(k, v []byte) error {
			row := binary.BigEndian.Uint64(k)
			if row >= uint64(len(h.links)) {
				return fmt.Errorf("links for unknown row %d", row)
			}
			levels, err := decodeLinks(v, len(h.vectors))
			if err != nil {
				return fmt.Errorf("row %d: %w", row, err)
			}
			h.links[row] = levels
			return nil
		})
		if err != nil {
			return err
		}
		return h.checkGraph()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}
	return h, nil
}

// checkGraph verifies that every level a traversal can reach exists.
func (h *HNSW) checkGraph() error {
	if len(h.vectors) == 0 {
		if h.entry != -1 {
			return errors.New("entry point in empty graph")
		}
		return nil
	}
	if h.entry < 0 || h.entry >= len(h.vectors) || len(h.links[h.entry]) != h.maxLevel+1 {
		return fmt.Errorf("bad entry point %d", h.entry)
	}
	for row, levels := range h.links {
		if len(levels) == 0 {
			return fmt.Errorf("row %d has no links", row)
		}
		for level, ns := range levels {
			for _, n := range ns {
				if len(h.links[n]) <= level {
					return fmt.Errorf("row %d links to row %d above its top level", row, n)
				}
			}
		}
	}
	return nil
}

// encodeLinks writes the level count, then per level a count and the rows,
// all as little-endian uint32.
func encodeLinks(levels [][]int32) []byte {
	size := 1
	for _, ns := range levels {
		size += 1 + len(ns)
	}
	buf := make([]byte, 0, 4*size)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(levels)))
	for _, ns := range levels {
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(ns)))
		for _, n := range ns {
			buf = binary.LittleEndian.AppendUint32(buf, uint32(n))
		}
	}
	return buf
}

func decodeLinks(b []byte, rows int) ([][]int32, error) {
	next := func() (uint32, error) {
		if len(b) < 4 {
			return 0, errors.New("truncated links")
		}
		v := binary.LittleEndian.Uint32(b)
		b = b[4:]
		return v, nil
	}

	count, err := next()
	if err != nil {
		return nil, err
	}
	if int(count) > len(b)/4 {
		return nil, fmt.Errorf("%d levels in %d bytes", count, len(b))
	}
	levels := make([][]int32, count)
	for level := range levels {
		n, err := next()
		if err != nil {
			return nil, err
		}
		if int(n) > len(b)/4 {
			return nil, fmt.Errorf("%d links in %d bytes", n, len(b))
		}
		ns := make([]int32, n)
		for i := range ns {
			r, _ := next()
			if int(r) >= rows {
				return nil, fmt.Errorf("link to row %d of %d", r, rows)
			}
			ns[i] = int32(r)
		}
		levels[level] = ns
	}
	if len(b) != 0 {
		return nil, fmt.Errorf("%d trailing bytes", len(b))
	}
	return levels, nil
}

type hnswCandidate struct {
	row  int
	dist float64
}

func sortCandidates(cs []hnswCandidate) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].dist != cs[j].dist {
			return cs[i].dist < cs[j].dist
		}
		return cs[i].row < cs[j].row
	})
}

// nearHeap pops the closest candidate first.
type nearHeap []hnswCandidate

func (h nearHeap) Len() int { return len(h) }
func (h nearHeap) Less(i, j int) bool {
	if h[i].dist != h[j].dist {
		return h[i].dist < h[j].dist
	}
	return h[i].row < h[j].row
}
func (h nearHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *nearHeap) Push(x any)   { *h = append(*h, x.(hnswCandidate)) }
func (h *nearHeap) Pop() any {
	old := *h
	x := old[len(old)-1]
	*h = old[:len(old)-1]
	return x
}

// farHeap pops the furthest candidate first; nearHeap[0] is the furthest.
type farHeap struct{ nearHeap }

func (h farHeap) Less(i, j int) bool { return h.nearHeap.Less(j, i) }
