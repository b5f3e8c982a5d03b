package hints

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/abhisek/codecoach/internal/store"
)

var testKey = CacheKey{Language: "go", CodeHash: "abc", ErrorKind: "undefined", Level: 2}

func TestCacheKeyString(t *testing.T) {
	assert.Equal(t, "go|abc|undefined|2", testKey.String())
}

func TestMemoryCache(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(2, time.Hour)

	_, ok, err := c.Get(ctx, testKey)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, testKey, Entry{Content: "x"}))
	e, ok, err := c.Get(ctx, testKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "x", e.Content)

	// Oldest entry is evicted past capacity.
	for i := 3; i <= 4; i++ {
		k := testKey
		k.Level = i
		require.NoError(t, c.Set(ctx, k, Entry{Content: "y"}))
	}
	_, ok, _ = c.Get(ctx, testKey)
	assert.False(t, ok)
	assert.Equal(t, 2, c.Len())
}

func TestMemoryCacheExpires(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(8, 20*time.Millisecond)
	require.NoError(t, c.Set(ctx, testKey, Entry{Content: "x"}))

	require.Eventually(t, func() bool {
		_, ok, _ := c.Get(ctx, testKey)
		return !ok
	}, time.Second, 5*time.Millisecond)
}

type fakeRedis struct {
	mu      sync.Mutex
	data    map[string]string
	ttls    map[string]time.Duration
	failGet error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: make(map[string]string), ttls: make(map[string]time.Duration)}
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failGet != nil {
		return redis.NewStringResult("", f.failGet)
	}
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = string(value.([]byte))
	f.ttls[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func TestRedisCache(t *testing.T) {
	ctx := context.Background()
	fake := newFakeRedis()
	c := NewRedisCache(fake, "", time.Hour)

	_, ok, err := c.Get(ctx, testKey)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, testKey, Entry{Content: "x", RelatedDocs: []string{"scope"}, NextLevelAvailable: true}))
	assert.Equal(t, time.Hour, fake.ttls["codecoach:hint:go|abc|undefined|2"])

	e, ok, err := c.Get(ctx, testKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, Entry{Content: "x", RelatedDocs: []string{"scope"}, NextLevelAvailable: true}, *e)
}

func TestRedisCacheErrorIsReported(t *testing.T) {
	fake := newFakeRedis()
	fake.failGet = errors.New("connection refused")
	c := NewRedisCache(fake, "p:", time.Hour)

	_, ok, err := c.Get(context.Background(), testKey)
	assert.False(t, ok)
	assert.ErrorContains(t, err, "connection refused")
}

func TestControllerSurvivesCacheFailure(t *testing.T) {
	fake := newFakeRedis()
	fake.failGet = errors.New("connection refused")
	gen := &stubGenerator{}
	c := newTestController(t, gen, newTestClock(), WithCache(NewRedisCache(fake, "", time.Hour)))

	h, err := c.RequestHint(context.Background(), autoReq(baseCode))
	require.NoError(t, err)
	assert.Equal(t, SourceGenerator, h.Source)
	assert.Equal(t, 1, gen.count())
}

func TestStoreCache(t *testing.T) {
	ctx := context.Background()
	repo := store.NewMemoryRepo()
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	repo.SetClock(func() time.Time { return now })

	c := NewStoreCache(repo, time.Hour)
	c.now = func() time.Time { return now }

	require.NoError(t, c.Set(ctx, testKey, Entry{Content: "x"}))
	e, ok, err := c.Get(ctx, testKey)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "x", e.Content)

	rec, err := repo.Get(ctx, store.BucketHints, testKey.String())
	require.NoError(t, err)
	assert.Equal(t, now.Add(time.Hour), rec.ExpiresAt)

	now = now.Add(time.Hour)
	_, ok, err = c.Get(ctx, testKey)
	require.NoError(t, err)
	assert.False(t, ok)
}
