package tenant

import (
	"context"
	"errors"
	"sync"
	"time"
)

type cachedOverride struct {
	override *Override // nil means the tenant has no override
	expires  time.Time
}

// CachedSource memoizes a Lookup for ttl, including misses.
type CachedSource struct {
	next Lookup
	ttl  time.Duration
	now  func() time.Time

	mu      sync.Mutex
	entries map[string]cachedOverride
}

// NewCachedSource wraps next.
func NewCachedSource(next Lookup, ttl time.Duration) *CachedSource {
	return &CachedSource{
		next:    next,
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]cachedOverride),
	}
}

// Override implements Lookup.
func (c *CachedSource) Override(ctx context.Context, tenantID string) (*Override, error) {
	now := c.now()

	c.mu.Lock()
	e, ok := c.entries[tenantID]
	c.mu.Unlock()
	if ok && now.Before(e.expires) {
		if e.override == nil {
			return nil, ErrNotFound
		}
		o := *e.override
		return &o, nil
	}

	o, err := c.next.Override(ctx, tenantID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	c.mu.Lock()
	c.entries[tenantID] = cachedOverride{override: o, expires: now.Add(c.ttl)}
	c.mu.Unlock()

	if o == nil {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

// Sweep deletes expired entries and reports how many were dropped.
func (c *CachedSource) Sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, e := range c.entries {
		if !now.Before(e.expires) {
			delete(c.entries, id)
			n++
		}
	}
	return n
}

// Len returns the number of cached tenants, expired or not.
func (c *CachedSource) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Invalidate drops the cached entry for tenantID so the next lookup reads
// through.
func (c *CachedSource) Invalidate(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, tenantID)
}
