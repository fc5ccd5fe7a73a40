package dkim

import (
	"context"
	"math"
	"sync"
)

// CachingKeyFetcher wraps a KeyFetcher with a bounded least-recently-used
// cache keyed on selector+sdid, so repeated verification of signatures from
// the same signer does not re-issue a DNS query per signature. Adapted from
// the teacher's generic LRU buffer, specialized here to hold *PublicKey
// values rather than bare presence.
type CachingKeyFetcher struct {
	inner KeyFetcher

	mu           sync.Mutex
	maxCapacity  int
	usageCounter uint64
	entries      map[string]cacheEntry
}

type cacheEntry struct {
	key      *PublicKey
	lastUsed uint64
}

// NewCachingKeyFetcher wraps inner with an LRU cache holding up to
// maxCapacity resolved keys.
func NewCachingKeyFetcher(inner KeyFetcher, maxCapacity int) *CachingKeyFetcher {
	if maxCapacity < 1 {
		maxCapacity = 1
	}
	return &CachingKeyFetcher{
		inner:       inner,
		maxCapacity: maxCapacity,
		entries:     make(map[string]cacheEntry),
	}
}

func cacheKey(selector, sdid string) string { return selector + "@" + sdid }

// Fetch returns a cached PublicKey if one is held for selector+sdid,
// otherwise delegates to the wrapped KeyFetcher and caches the result
// (evicting the least recently used entry if the cache is full).
func (c *CachingKeyFetcher) Fetch(ctx context.Context, selector, sdid string) (*PublicKey, error) {
	k := cacheKey(selector, sdid)

	c.mu.Lock()
	if entry, ok := c.entries[k]; ok {
		c.usageCounter++
		entry.lastUsed = c.usageCounter
		c.entries[k] = entry
		c.mu.Unlock()
		return entry.key, nil
	}
	c.mu.Unlock()

	pk, err := c.inner.Fetch(ctx, selector, sdid)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.usageCounter++
	if _, present := c.entries[k]; !present && len(c.entries) >= c.maxCapacity {
		var oldestKey string
		oldestCounter := uint64(math.MaxUint64)
		for ek, entry := range c.entries {
			if entry.lastUsed < oldestCounter {
				oldestKey = ek
				oldestCounter = entry.lastUsed
			}
		}
		delete(c.entries, oldestKey)
	}
	c.entries[k] = cacheEntry{key: pk, lastUsed: c.usageCounter}
	return pk, nil
}

// Len reports how many keys are currently cached.
func (c *CachingKeyFetcher) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
