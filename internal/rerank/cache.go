package rerank

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache defaults.
const (
	DefaultCacheEntries = 10000
	DefaultCacheTTL     = 3600 * time.Second
)

// Fingerprint identifies one rerank computation: the query plus the
// candidate set, order-independent. The same query over the same chunks
// always hits the same cache entry regardless of hybrid ordering.
func Fingerprint(query string, chunkIDs []string) string {
	sorted := make([]string, len(chunkIDs))
	copy(sorted, chunkIDs)
	sort.Strings(sorted)

	h := sha256.New()
	h.Write([]byte(query))
	h.Write([]byte{0})
	for _, id := range sorted {
		h.Write([]byte(id))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// CacheStats reports cache effectiveness.
type CacheStats struct {
	Entries    int     `json:"entries"`
	Capacity   int     `json:"capacity"`
	Hits       int64   `json:"hits"`
	Misses     int64   `json:"misses"`
	HitRate    float64 `json:"hit_rate"`
	TTLSeconds int     `json:"ttl_seconds"`
}

// Cache is a TTL-bounded LRU of cross-encoder scores keyed by
// fingerprint. Values map chunk ID to score so they apply regardless of
// candidate ordering.
type Cache struct {
	lru    *expirable.LRU[string, map[string]float64]
	ttl    time.Duration
	size   int
	hits   atomic.Int64
	misses atomic.Int64
}

// NewCache creates a cache with the given capacity and entry TTL.
// Non-positive arguments fall back to the defaults.
func NewCache(entries int, ttl time.Duration) *Cache {
	if entries <= 0 {
		entries = DefaultCacheEntries
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Cache{
		lru:  expirable.NewLRU[string, map[string]float64](entries, nil, ttl),
		ttl:  ttl,
		size: entries,
	}
}

// Get returns the cached scores for a fingerprint.
func (c *Cache) Get(fingerprint string) (map[string]float64, bool) {
	scores, ok := c.lru.Get(fingerprint)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return scores, ok
}

// Put stores scores for a fingerprint.
func (c *Cache) Put(fingerprint string, scores map[string]float64) {
	c.lru.Add(fingerprint, scores)
}

// Stats reports current cache state.
func (c *Cache) Stats() CacheStats {
	hits, misses := c.hits.Load(), c.misses.Load()
	var rate float64
	if hits+misses > 0 {
		rate = float64(hits) / float64(hits+misses)
	}
	return CacheStats{
		Entries:    c.lru.Len(),
		Capacity:   c.size,
		Hits:       hits,
		Misses:     misses,
		HitRate:    rate,
		TTLSeconds: int(c.ttl / time.Second),
	}
}
