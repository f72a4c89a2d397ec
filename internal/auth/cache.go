package auth

import (
	"sync"
	"sync/atomic"
	"time"
)

// AuthCache is a TTL cache of resolved principals with stale-while-revalidate.
// Reads on the hot path take no lock.
type AuthCache struct {
	store sync.Map // map[string]*cacheEntry, keyed by full API key
	ttl   time.Duration
	now   func() time.Time
}

type cacheEntry struct {
	principal  *Principal
	expiresAt  time.Time
	refreshing atomic.Bool
}

// AuthCacheGetResult holds the result of a cache lookup.
type AuthCacheGetResult struct {
	Principal    *Principal
	Hit          bool
	NeedsRefresh bool // only one caller per stale entry sees true
}

// NewAuthCache creates a cache with the given TTL.
func NewAuthCache(ttl time.Duration) *AuthCache {
	return &AuthCache{ttl: ttl, now: time.Now}
}

// Get performs a non-blocking cache lookup.
func (c *AuthCache) Get(apiKey string) AuthCacheGetResult {
	val, ok := c.store.Load(apiKey)
	if !ok {
		return AuthCacheGetResult{}
	}

	entry := val.(*cacheEntry)
	if c.now().Before(entry.expiresAt) {
		return AuthCacheGetResult{Principal: entry.principal, Hit: true}
	}
	return AuthCacheGetResult{
		Principal:    entry.principal,
		Hit:          true,
		NeedsRefresh: entry.refreshing.CompareAndSwap(false, true),
	}
}

// Set stores a principal with a fresh TTL.
func (c *AuthCache) Set(apiKey string, p *Principal) {
	c.store.Store(apiKey, &cacheEntry{
		principal: p,
		expiresAt: c.now().Add(c.ttl),
	})
}

// Delete removes an entry from the cache.
func (c *AuthCache) Delete(apiKey string) {
	c.store.Delete(apiKey)
}
