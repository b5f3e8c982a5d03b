package hints

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache stores generated hints. A miss is (nil, false, nil).
type Cache interface {
	Get(ctx context.Context, key CacheKey) (*Entry, bool, error)
	Set(ctx context.Context, key CacheKey, e Entry) error
}

// MemoryCache is a size-bounded in-process cache with a fixed TTL.
type MemoryCache struct {
	lru *expirable.LRU[string, Entry]
}

// NewMemoryCache creates a cache holding at most size entries for ttl.
func NewMemoryCache(size int, ttl time.Duration) *MemoryCache {
	if size <= 0 {
		size = DefaultConfig().CacheSize
	}
	return &MemoryCache{lru: expirable.NewLRU[string, Entry](size, nil, ttl)}
}

func (c *MemoryCache) Get(_ context.Context, key CacheKey) (*Entry, bool, error) {
	e, ok := c.lru.Get(key.String())
	if !ok {
		return nil, false, nil
	}
	return &e, true, nil
}

func (c *MemoryCache) Set(_ context.Context, key CacheKey, e Entry) error {
	c.lru.Add(key.String(), e)
	return nil
}

// Len returns the number of live entries.
func (c *MemoryCache) Len() int {
	return c.lru.Len()
}
