package proxy

import (
	"time"

	"github.com/ghettovoice/sipproxy/dns"
	"github.com/ghettovoice/sipproxy/metrics"
)

type cacheEntry struct {
	targets dns.Targets
	err     error
}

// TargetCache holds resolution results keyed by destination.
// Failed resolutions are cached as well so that repeated requests to a
// broken domain do not hammer the resolver.
//
// TargetCache is safe for concurrent use.
type TargetCache struct {
	entries *expiringLRU[string, cacheEntry]
	metrics *metrics.Metrics
}

// NewTargetCache creates a cache holding at most size results.
func NewTargetCache(size int, m *metrics.Metrics) *TargetCache {
	if size <= 0 {
		size = 4096
	}
	return &TargetCache{
		entries: newExpiringLRU[string, cacheEntry](size, m.TargetCacheSize),
		metrics: m,
	}
}

// Lookup returns the cached result of the key.
// The last return value reports whether the key was found.
func (c *TargetCache) Lookup(key string) (dns.Targets, error, bool) { //nolint:revive
	e, _, ok := c.entries.get(key)
	c.metrics.TargetCacheLookup(ok)
	if !ok {
		return nil, nil, false
	}
	return e.targets, e.err, true
}

// Store caches the result under the key for ttl. Non-positive TTLs are ignored.
func (c *TargetCache) Store(key string, ts dns.Targets, err error, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.entries.put(key, cacheEntry{ts, err}, ttl)
}

// Len returns the number of cached results.
func (c *TargetCache) Len() int { return c.entries.len() }

// Clear removes all results.
func (c *TargetCache) Clear() { c.entries.purge() }
