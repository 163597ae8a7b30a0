// Package cache memoizes expensive derived reads (popular grants, search
// pages, statistics) behind logical keys. Entries carry dependency tags so a
// single record mutation can fan out to every derived view that touched it,
// in O(entries-with-tag) instead of scanning key patterns.
package cache

import (
	"sync"
	"time"
)

// Tags shared by the engine's derived views.
const (
	TagSearch       = "search"
	TagPopular      = "popular"
	TagDeadlineSoon = "deadline_soon"
	TagStats        = "stats"
	TagSuggest      = "suggest"
)

// GrantTag returns the dependency tag for a single grant record.
func GrantTag(id string) string { return "grant:" + id }

// RelatedTag returns the dependency tag for a grant's related-grants views.
func RelatedTag(id string) string { return "related:" + id }

// TaxonomyTag returns the dependency tag for a taxonomy's derived views.
func TaxonomyTag(name string) string { return "taxonomy:" + name }

type entry struct {
	value     any
	expiresAt time.Time
	tags      []string
}

// Cache is an in-process TTL cache with tag-based invalidation. All methods
// are safe for concurrent use. Concurrent misses on the same key may each run
// the compute function; cached computations are pure reads, so the duplicate
// work is accepted rather than serialized.
//
// A nil *Cache is valid and always misses, so callers degrade to direct
// computation when caching is disabled.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
	byTag   map[string]map[string]struct{}
	clock   func() time.Time
}

// New returns an empty cache.
func New() *Cache {
	return &Cache{
		entries: make(map[string]entry),
		byTag:   make(map[string]map[string]struct{}),
		clock:   time.Now,
	}
}

// GetOrCompute returns the cached value for key when present and unexpired;
// otherwise it invokes compute, stores the result under the given tags, and
// returns it. A compute error is returned as-is and nothing is stored.
func (c *Cache) GetOrCompute(key string, ttl time.Duration, tags []string, compute func() (any, error)) (any, error) {
	if c == nil {
		return compute()
	}

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && c.clock().Before(e.expiresAt) {
		return e.value, nil
	}

	value, err := compute()
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.removeLocked(key)
	c.entries[key] = entry{value: value, expiresAt: c.clock().Add(ttl), tags: tags}
	for _, tag := range tags {
		keys, ok := c.byTag[tag]
		if !ok {
			keys = make(map[string]struct{})
			c.byTag[tag] = keys
		}
		keys[key] = struct{}{}
	}
	c.mu.Unlock()

	return value, nil
}

// Get returns the unexpired value for key, if any.
func (c *Cache) Get(key string) (any, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || !c.clock().Before(e.expiresAt) {
		return nil, false
	}
	return e.value, true
}

// Invalidate removes a single entry. The next GetOrCompute for the key is
// guaranteed to invoke its compute function.
func (c *Cache) Invalidate(key string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.removeLocked(key)
	c.mu.Unlock()
}

// InvalidateByTag removes every entry carrying the tag.
func (c *Cache) InvalidateByTag(tag string) int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := c.byTag[tag]
	removed := len(keys)
	for key := range keys {
		c.removeLocked(key)
	}
	return removed
}

// InvalidateGrant removes every derived view that depends on the grant:
// its own entry, related lists, and the shared search/popular/deadline/stats
// views. Called after any grant record mutation.
func (c *Cache) InvalidateGrant(id string) {
	if c == nil {
		return
	}
	c.InvalidateByTag(GrantTag(id))
	c.InvalidateByTag(RelatedTag(id))
	c.InvalidateByTag(TagSearch)
	c.InvalidateByTag(TagPopular)
	c.InvalidateByTag(TagDeadlineSoon)
	c.InvalidateByTag(TagStats)
	c.InvalidateByTag(TagSuggest)
}

// FlushAll clears the entire namespace.
func (c *Cache) FlushAll() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.entries = make(map[string]entry)
	c.byTag = make(map[string]map[string]struct{})
	c.mu.Unlock()
}

// Len reports the number of live entries, expired or not.
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *Cache) removeLocked(key string) {
	e, ok := c.entries[key]
	if !ok {
		return
	}
	delete(c.entries, key)
	for _, tag := range e.tags {
		if keys, ok := c.byTag[tag]; ok {
			delete(keys, key)
			if len(keys) == 0 {
				delete(c.byTag, tag)
			}
		}
	}
}
