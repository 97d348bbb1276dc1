package sources

import (
	"context"
	"sync"
	"time"
)

// CachedStore wraps a Store with a short TTL cache on ListEnabled, the call
// the producer manager issues on every reconcile tick. Writes pass through
// and invalidate the cache so reconciliation sees changes immediately.
type CachedStore struct {
	Store

	mu        sync.RWMutex
	enabled   []DataSource
	fetchedAt time.Time
	ttl       time.Duration
}

// NewCachedStore wraps inner with the given TTL.
func NewCachedStore(inner Store, ttl time.Duration) *CachedStore {
	return &CachedStore{Store: inner, ttl: ttl}
}

// ListEnabled returns the cached snapshot when fresh.
func (c *CachedStore) ListEnabled(ctx context.Context) ([]DataSource, error) {
	c.mu.RLock()
	if c.enabled != nil && time.Since(c.fetchedAt) <= c.ttl {
		out := c.enabled
		c.mu.RUnlock()
		return out, nil
	}
	c.mu.RUnlock()

	fresh, err := c.Store.ListEnabled(ctx)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.enabled = fresh
	c.fetchedAt = time.Now()
	c.mu.Unlock()
	return fresh, nil
}

// Create invalidates the cache after the write.
func (c *CachedStore) Create(ctx context.Context, in CreateInput) (*DataSource, error) {
	src, err := c.Store.Create(ctx, in)
	if err == nil {
		c.invalidate()
	}
	return src, err
}

// Update invalidates the cache after the write.
func (c *CachedStore) Update(ctx context.Context, id int, in UpdateInput) (*DataSource, error) {
	src, err := c.Store.Update(ctx, id, in)
	if err == nil {
		c.invalidate()
	}
	return src, err
}

// Delete invalidates the cache after the write.
func (c *CachedStore) Delete(ctx context.Context, id int) error {
	err := c.Store.Delete(ctx, id)
	if err == nil {
		c.invalidate()
	}
	return err
}

func (c *CachedStore) invalidate() {
	c.mu.Lock()
	c.enabled = nil
	c.mu.Unlock()
}
