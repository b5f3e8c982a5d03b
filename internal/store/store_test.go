package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	s, err := Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestOpen_AppliesPragmas(t *testing.T) {
	db := openTestStore(t).DB()

	// journal_mode reports "memory" for in-memory databases.
	for pragma, want := range map[string]string{"foreign_keys": "1", "synchronous": "1", "busy_timeout": "5000"} {
		var got string
		require.NoError(t, db.QueryRow("PRAGMA "+pragma).Scan(&got), pragma)
		assert.Equal(t, want, got, pragma)
	}
}

// repoFactories runs the same contract against every Repo implementation.
func repoFactories(t *testing.T) map[string]func(t *testing.T) Repo {
	return map[string]func(t *testing.T) Repo{
		"memory": func(t *testing.T) Repo { return NewMemoryRepo() },
		"sqlite": func(t *testing.T) Repo { return openTestStore(t).Repo() },
	}
}

func TestRepo_GetPut(t *testing.T) {
	for name, newRepo := range repoFactories(t) {
		t.Run(name, func(t *testing.T) {
			r := newRepo(t)
			ctx := context.Background()

			_, err := r.Get(ctx, BucketMistakes, "m1")
			assert.ErrorIs(t, err, ErrNotFound)

			stored, err := r.Put(ctx, &Record{Bucket: BucketMistakes, Key: "m1", Owner: "u1", Value: []byte(`{"a":1}`)})
			require.NoError(t, err)
			assert.Equal(t, int64(1), stored.Version)

			got, err := r.Get(ctx, BucketMistakes, "m1")
			require.NoError(t, err)
			assert.Equal(t, "u1", got.Owner)
			assert.JSONEq(t, `{"a":1}`, string(got.Value))

			stored, err = r.Put(ctx, &Record{Bucket: BucketMistakes, Key: "m1", Owner: "u1", Value: []byte(`{"a":2}`)})
			require.NoError(t, err)
			assert.Equal(t, int64(2), stored.Version)

			require.NoError(t, r.Delete(ctx, BucketMistakes, "m1"))
			_, err = r.Get(ctx, BucketMistakes, "m1")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestRepo_CompareAndSwap(t *testing.T) {
	for name, newRepo := range repoFactories(t) {
		t.Run(name, func(t *testing.T) {
			r := newRepo(t)
			ctx := context.Background()
			rec := &Record{Bucket: BucketReviews, Key: "k", Value: []byte("1")}

			_, err := r.CompareAndSwap(ctx, rec, 0)
			require.NoError(t, err)

			_, err = r.CompareAndSwap(ctx, rec, 0)
			assert.ErrorIs(t, err, ErrConflict, "key already exists")

			rec.Value = []byte("2")
			stored, err := r.CompareAndSwap(ctx, rec, 1)
			require.NoError(t, err)
			assert.Equal(t, int64(2), stored.Version)

			_, err = r.CompareAndSwap(ctx, rec, 1)
			assert.ErrorIs(t, err, ErrConflict, "stale version")
		})
	}
}

func TestRepo_UpdateConcurrent(t *testing.T) {
	for name, newRepo := range repoFactories(t) {
		t.Run(name, func(t *testing.T) {
			r := newRepo(t)
			ctx := context.Background()

			const workers, increments = 4, 10
			var wg sync.WaitGroup
			errs := make(chan error, workers*increments)
			for w := 0; w < workers; w++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for i := 0; i < increments; i++ {
						_, err := r.Update(ctx, BucketPatterns, "counter", func(cur *Record) (*Record, error) {
							n := 0
							if cur != nil {
								fmt.Sscanf(string(cur.Value), "%d", &n)
							}
							return &Record{Value: []byte(fmt.Sprint(n + 1))}, nil
						})
						if err != nil {
							errs <- err
						}
					}
				}()
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				// The optimistic loop may give up under heavy contention;
				// lost updates are what must never happen.
				require.ErrorIs(t, err, ErrConflict)
			}

			got, err := r.Get(ctx, BucketPatterns, "counter")
			require.NoError(t, err)
			assert.Equal(t, fmt.Sprint(got.Version), string(got.Value), "every stored version is one increment")
		})
	}
}

func TestRepo_UpdateCallerError(t *testing.T) {
	for name, newRepo := range repoFactories(t) {
		t.Run(name, func(t *testing.T) {
			r := newRepo(t)
			boom := errors.New("boom")
			_, err := r.Update(context.Background(), BucketReviews, "k", func(*Record) (*Record, error) {
				return nil, boom
			})
			assert.ErrorIs(t, err, boom)
			_, err = r.Get(context.Background(), BucketReviews, "k")
			assert.ErrorIs(t, err, ErrNotFound, "nothing persisted")
		})
	}
}

func TestRepo_DueBeforeOrdering(t *testing.T) {
	base := time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)
	for name, newRepo := range repoFactories(t) {
		t.Run(name, func(t *testing.T) {
			r := newRepo(t)
			ctx := context.Background()
			put := func(key, owner string, due time.Time) {
				_, err := r.Put(ctx, &Record{Bucket: BucketReviews, Key: key, Owner: owner, DueAt: due})
				require.NoError(t, err)
			}
			put("b", "u1", base)
			put("a", "u1", base)
			put("c", "u1", base.Add(-time.Hour))
			put("d", "u1", base.Add(time.Hour))
			put("e", "u2", base)
			put("f", "u1", time.Time{})

			got, err := r.DueBefore(ctx, BucketReviews, "u1", base)
			require.NoError(t, err)
			var keys []string
			for _, rec := range got {
				keys = append(keys, rec.Key)
			}
			assert.Equal(t, []string{"c", "a", "b"}, keys)
		})
	}
}

func TestRepo_TTL(t *testing.T) {
	now := time.Now()
	for name, newRepo := range repoFactories(t) {
		t.Run(name, func(t *testing.T) {
			r := newRepo(t)
			ctx := context.Background()
			_, err := r.Put(ctx, &Record{Bucket: BucketHints, Key: "old", ExpiresAt: now.Add(-time.Minute)})
			require.NoError(t, err)
			_, err = r.Put(ctx, &Record{Bucket: BucketHints, Key: "fresh", ExpiresAt: now.Add(time.Hour)})
			require.NoError(t, err)

			_, err = r.Get(ctx, BucketHints, "old")
			assert.ErrorIs(t, err, ErrNotFound)
			_, err = r.Get(ctx, BucketHints, "fresh")
			assert.NoError(t, err)

			n, err := r.PurgeExpired(ctx, now.Add(2*time.Hour))
			require.NoError(t, err)
			assert.LessOrEqual(t, n, 2)
			_, err = r.Get(ctx, BucketHints, "fresh")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestRepo_DeleteOwner(t *testing.T) {
	for name, newRepo := range repoFactories(t) {
		t.Run(name, func(t *testing.T) {
			r := newRepo(t)
			ctx := context.Background()
			for _, b := range []string{BucketMistakes, BucketReviews} {
				_, err := r.Put(ctx, &Record{Bucket: b, Key: "x", Owner: "alice"})
				require.NoError(t, err)
			}
			_, err := r.Put(ctx, &Record{Bucket: BucketMistakes, Key: "y", Owner: "bob"})
			require.NoError(t, err)

			n, err := r.DeleteOwner(ctx, "alice")
			require.NoError(t, err)
			assert.Equal(t, 2, n)

			left, err := r.List(ctx, BucketMistakes, "bob")
			require.NoError(t, err)
			assert.Len(t, left, 1)
			gone, err := r.List(ctx, BucketMistakes, "alice")
			require.NoError(t, err)
			assert.Empty(t, gone)
		})
	}
}
