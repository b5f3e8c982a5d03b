package hints

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/abhisek/codecoach/internal/store"
)

// StoreCache keeps hints in the shared store's hints bucket with a TTL.
type StoreCache struct {
	repo store.Repo
	ttl  time.Duration
	now  func() time.Time
}

// NewStoreCache creates a cache on repo.
func NewStoreCache(repo store.Repo, ttl time.Duration) *StoreCache {
	return &StoreCache{repo: repo, ttl: ttl, now: time.Now}
}

func (c *StoreCache) Get(ctx context.Context, key CacheKey) (*Entry, bool, error) {
	rec, err := c.repo.Get(ctx, store.BucketHints, key.String())
	if errors.Is(err, store.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var e Entry
	if err := json.Unmarshal(rec.Value, &e); err != nil {
		return nil, false, fmt.Errorf("decode cached hint: %w", err)
	}
	return &e, true, nil
}

func (c *StoreCache) Set(ctx context.Context, key CacheKey, e Entry) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode hint: %w", err)
	}
	rec := &store.Record{Bucket: store.BucketHints, Key: key.String(), Value: b}
	if c.ttl > 0 {
		rec.ExpiresAt = c.now().Add(c.ttl)
	}
	_, err = c.repo.Put(ctx, rec)
	return err
}
