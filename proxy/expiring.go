package proxy

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type expEntry[V any] struct {
	val     V
	expires time.Time
	tmr     *time.Timer
}

// expiringLRU is a bounded map whose entries remove themselves after their TTL.
// Lookups treat entries past their expiry as missing even if the removal
// has not run yet.
type expiringLRU[K comparable, V any] struct {
	mu     sync.Mutex
	lru    *lru.Cache[K, *expEntry[V]]
	onSize func(int)
}

func newExpiringLRU[K comparable, V any](size int, onSize func(int)) *expiringLRU[K, V] {
	c := &expiringLRU[K, V]{onSize: onSize}
	// the size is always positive, NewWithEvict fails only on size <= 0
	c.lru, _ = lru.NewWithEvict(size, func(_ K, e *expEntry[V]) { e.tmr.Stop() })
	return c
}

func (c *expiringLRU[K, V]) get(key K) (V, time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.lru.Get(key)
	if !ok {
		return zero, time.Time{}, false
	}
	if !time.Now().Before(e.expires) {
		c.lru.Remove(key)
		c.sizeChanged()
		return zero, time.Time{}, false
	}
	return e.val, e.expires, true
}

func (c *expiringLRU[K, V]) put(key K, val V, ttl time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.lru.Peek(key); ok {
		// Add replaces the value in place without the eviction callback
		old.tmr.Stop()
	}
	e := &expEntry[V]{val: val, expires: time.Now().Add(ttl)}
	e.tmr = time.AfterFunc(ttl, func() { c.expire(key, e) })
	c.lru.Add(key, e)
	c.sizeChanged()
	return e.expires
}

func (c *expiringLRU[K, V]) remove(key K) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	ok := c.lru.Remove(key)
	if ok {
		c.sizeChanged()
	}
	return ok
}

func (c *expiringLRU[K, V]) expire(key K, e *expEntry[V]) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cur, ok := c.lru.Peek(key); ok && cur == e {
		c.lru.Remove(key)
		c.sizeChanged()
	}
}

func (c *expiringLRU[K, V]) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *expiringLRU[K, V]) purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lru.Purge()
	c.sizeChanged()
}

func (c *expiringLRU[K, V]) sizeChanged() {
	if c.onSize != nil {
		c.onSize(c.lru.Len())
	}
}
