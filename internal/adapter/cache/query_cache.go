// Package cache keeps recently encoded query vectors so that one question
// fanned out over several corpora is embedded once per model.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"medrag/internal/domain"
	"medrag/internal/port"
)

type QueryCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	order   []string
	maxSize int
	ttl     time.Duration
}

type cacheEntry struct {
	vector    []float32
	timestamp time.Time
}

func NewQueryCache(maxSize int, ttl time.Duration) *QueryCache {
	if maxSize <= 0 {
		maxSize = 256
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &QueryCache{
		entries: make(map[string]*cacheEntry),
		order:   make([]string, 0, maxSize),
		maxSize: maxSize,
		ttl:     ttl,
	}
}

func cacheKey(model, query string) string {
	data := make([]byte, 0, len(model)+1+len(query))
	data = append(data, model...)
	data = append(data, 0)
	data = append(data, query...)
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:16])
}

// Get returns a copy of the cached vector.
func (c *QueryCache) Get(model, query string) ([]float32, bool) {
	key := cacheKey(model, query)
	c.mu.RLock()
	entry, exists := c.entries[key]
	c.mu.RUnlock()

	if !exists {
		return nil, false
	}

	if time.Since(entry.timestamp) > c.ttl {
		c.mu.Lock()
		if c.entries[key] == entry {
			delete(c.entries, key)
			c.removeFromOrder(key)
		}
		c.mu.Unlock()
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	// A concurrent Put may have evicted or replaced the entry meanwhile.
	if current, ok := c.entries[key]; !ok || current != entry {
		return nil, false
	}
	c.moveToEnd(key)
	return append([]float32(nil), entry.vector...), true
}

func (c *QueryCache) Put(model, query string, vector []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := cacheKey(model, query)
	entry := &cacheEntry{
		vector:    append([]float32(nil), vector...),
		timestamp: time.Now(),
	}

	if _, exists := c.entries[key]; exists {
		c.entries[key] = entry
		c.moveToEnd(key)
		return
	}

	if len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	c.entries[key] = entry
	c.order = append(c.order, key)
}

// Invalidate drops every entry.
func (c *QueryCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*cacheEntry)
	c.order = c.order[:0]
}

func (c *QueryCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *QueryCache) evictOldest() {
	if len(c.order) == 0 {
		return
	}
	oldest := c.order[0]
	c.order = c.order[1:]
	delete(c.entries, oldest)
}

func (c *QueryCache) moveToEnd(key string) {
	c.removeFromOrder(key)
	c.order = append(c.order, key)
}

func (c *QueryCache) removeFromOrder(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			return
		}
	}
}

// CachedEncoder serves repeated EncodeQuery calls from a QueryCache.
// Concurrent calls for the same text share one encoder request.
type CachedEncoder struct {
	encoder port.Encoder
	cache   *QueryCache
	group   singleflight.Group
}

func NewCachedEncoder(encoder port.Encoder, cache *QueryCache) *CachedEncoder {
	return &CachedEncoder{
		encoder: encoder,
		cache:   cache,
	}
}

func (e *CachedEncoder) EncodeQuery(ctx context.Context, text string) ([]float32, error) {
	model := e.encoder.Name()
	if v, hit := e.cache.Get(model, text); hit {
		return v, nil
	}

	v, err, _ := e.group.Do(cacheKey(model, text), func() (any, error) {
		vec, err := e.encoder.EncodeQuery(ctx, text)
		if err != nil {
			return nil, err
		}
		e.cache.Put(model, text, vec)
		return vec, nil
	})
	if err != nil {
		return nil, err
	}
	return append([]float32(nil), v.([]float32)...), nil
}

// EncodePassages is not cached.
func (e *CachedEncoder) EncodePassages(ctx context.Context, passages []domain.Passage) ([][]float32, error) {
	return e.encoder.EncodePassages(ctx, passages)
}

func (e *CachedEncoder) Dimension() int        { return e.encoder.Dimension() }
func (e *CachedEncoder) Name() string          { return e.encoder.Name() }
func (e *CachedEncoder) ConcurrencySafe() bool { return true }

func (e *CachedEncoder) Unwrap() port.Encoder { return e.encoder }
