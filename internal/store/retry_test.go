package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// flakyRepo fails the first n calls to Get and Put with a transient error.
type flakyRepo struct {
	*MemoryRepo
	failures int
	calls    int
}

var errDiskBusy = errors.New("database is locked")

func (f *flakyRepo) Get(ctx context.Context, bucket, key string) (*Record, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errDiskBusy
	}
	return f.MemoryRepo.Get(ctx, bucket, key)
}

func (f *flakyRepo) Put(ctx context.Context, rec *Record) (*Record, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, errDiskBusy
	}
	return f.MemoryRepo.Put(ctx, rec)
}

func fastRetry() RetryConfig {
	return RetryConfig{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func TestWithRetry_RecoversFromTransientErrors(t *testing.T) {
	inner := &flakyRepo{MemoryRepo: NewMemoryRepo(), failures: 2}
	r := WithRetry(inner, fastRetry(), zaptest.NewLogger(t))

	_, err := r.Put(context.Background(), &Record{Bucket: "b", Key: "k"})
	require.NoError(t, err)
	assert.Equal(t, 3, inner.calls)
}

func TestWithRetry_ExhaustedIsUnavailable(t *testing.T) {
	inner := &flakyRepo{MemoryRepo: NewMemoryRepo(), failures: 10}
	r := WithRetry(inner, fastRetry(), zaptest.NewLogger(t))

	_, err := r.Put(context.Background(), &Record{Bucket: "b", Key: "k"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 3, inner.calls)
}

func TestWithRetry_NotFoundIsNotRetried(t *testing.T) {
	inner := &flakyRepo{MemoryRepo: NewMemoryRepo()}
	r := WithRetry(inner, fastRetry(), nil)

	_, err := r.Get(context.Background(), "b", "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, inner.calls)
}

func TestWithRetry_CallerErrorPassesThrough(t *testing.T) {
	r := WithRetry(NewMemoryRepo(), fastRetry(), nil)
	boom := errors.New("invariant broken")
	calls := 0
	_, err := r.Update(context.Background(), "b", "k", func(*Record) (*Record, error) {
		calls++
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 1, calls)
}
