package search

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
	"time"

	"github.com/Futs/kuroibara-sub003/internal/models"
)

// cacheEntry is a cached SearchResultPage with its own TTL.
type cacheEntry struct {
	page      *models.SearchResultPage
	createdAt time.Time
	ttl       time.Duration
}

func (e *cacheEntry) isExpired() bool {
	return time.Since(e.createdAt) > e.ttl
}

// resultCache is an LRU cache with per-entry TTL for SearchResultPages,
// adapted from the teacher's SearchResultCache.
type resultCache struct {
	mu         sync.Mutex
	entries    map[string]*cacheEntry
	order      []string
	maxSize    int
	defaultTTL time.Duration
}

func newResultCache(maxSize int, defaultTTL time.Duration) *resultCache {
	return &resultCache{
		entries:    make(map[string]*cacheEntry),
		maxSize:    maxSize,
		defaultTTL: defaultTTL,
	}
}

func (c *resultCache) get(key string) (*models.SearchResultPage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if entry.isExpired() {
		delete(c.entries, key)
		c.removeFromOrder(key)
		return nil, false
	}
	c.moveToEnd(key)
	return entry.page, true
}

func (c *resultCache) put(key string, page *models.SearchResultPage) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := &cacheEntry{page: page, createdAt: time.Now(), ttl: c.defaultTTL}
	if _, exists := c.entries[key]; exists {
		c.entries[key] = entry
		c.moveToEnd(key)
		return
	}
	if len(c.entries) >= c.maxSize {
		c.evictLRU()
	}
	c.entries[key] = entry
	c.order = append(c.order, key)
}

// invalidateAll clears the cache, used when a source becomes newly
// admissible after being down (§4.5).
func (c *resultCache) invalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
	c.order = c.order[:0]
}

func (c *resultCache) moveToEnd(key string) {
	c.removeFromOrder(key)
	c.order = append(c.order, key)
}

func (c *resultCache) removeFromOrder(key string) {
	for i, k := range c.order {
		if k == key {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *resultCache) evictLRU() {
	if len(c.order) == 0 {
		return
	}
	lruKey := c.order[0]
	delete(c.entries, lruKey)
	c.order = c.order[1:]
}

// cacheKey builds the deterministic key from (normalized query, page,
// limit, filter signature).
func cacheKey(req models.SearchRequest) string {
	keyData := struct {
		Query  string
		Page   int
		Limit  int
		Filter models.Filter
	}{
		Query:  normalizeTitle(req.Query),
		Page:   req.Page,
		Limit:  req.Limit,
		Filter: req.Filter,
	}
	data, _ := json.Marshal(keyData)
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
