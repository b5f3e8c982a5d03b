package spacedrep

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/abhisek/codecoach/internal/store"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

const day = 24 * time.Hour

// flakyRepo fails every call while down is set.
type flakyRepo struct {
	store.Repo
	down atomic.Bool
}

func (r *flakyRepo) err(op string) error {
	return fmt.Errorf("%s: %w", op, store.ErrUnavailable)
}

func (r *flakyRepo) Get(ctx context.Context, bucket, key string) (*store.Record, error) {
	if r.down.Load() {
		return nil, r.err("get")
	}
	return r.Repo.Get(ctx, bucket, key)
}

func (r *flakyRepo) Put(ctx context.Context, rec *store.Record) (*store.Record, error) {
	if r.down.Load() {
		return nil, r.err("put")
	}
	return r.Repo.Put(ctx, rec)
}

func (r *flakyRepo) Update(ctx context.Context, bucket, key string, fn store.UpdateFunc) (*store.Record, error) {
	if r.down.Load() {
		return nil, r.err("update")
	}
	return r.Repo.Update(ctx, bucket, key, fn)
}

func (r *flakyRepo) DueBefore(ctx context.Context, bucket, owner string, asOf time.Time) ([]*store.Record, error) {
	if r.down.Load() {
		return nil, r.err("due")
	}
	return r.Repo.DueBefore(ctx, bucket, owner, asOf)
}

func newTestScheduler(t *testing.T, repo store.Repo, opts ...Option) *Scheduler {
	t.Helper()
	opts = append([]Option{WithClock(func() time.Time { return t0 })}, opts...)
	return NewScheduler(repo, DefaultConfig(), zaptest.NewLogger(t), opts...)
}

func TestScheduler_FirstDueAfterOneDay(t *testing.T) {
	s := newTestScheduler(t, store.NewMemoryRepo())

	it, err := s.Schedule(context.Background(), Schedulable{Key: "p1", Kind: KindPattern, UserID: "u1", CreatedAt: t0})
	require.NoError(t, err)
	assert.Equal(t, t0.Add(day), it.DueAt)
	assert.Equal(t, 1, it.IntervalDays)
	assert.Equal(t, DefaultEaseFactor, it.EaseFactor)
	assert.Equal(t, ReviewScheduled, it.Status(t0))
	assert.Equal(t, ReviewDue, it.Status(t0.Add(day)))
}

func TestScheduler_LadderIntervals(t *testing.T) {
	s := newTestScheduler(t, store.NewMemoryRepo())
	ctx := context.Background()

	it, err := s.Schedule(ctx, Schedulable{Key: "m1", UserID: "u1", CreatedAt: t0})
	require.NoError(t, err)

	var observed []int
	prev := t0
	for i := 0; i < 5; i++ {
		observed = append(observed, int(it.DueAt.Sub(prev)/day))
		prev = it.DueAt
		it, err = s.RecordOutcome(ctx, Outcome{UserID: "u1", Key: "m1", Correct: true, ResponseTimeMs: 2000, At: it.DueAt, Token: fmt.Sprint(i)})
		require.NoError(t, err)
		assert.True(t, it.DueAt.After(prev))
	}
	assert.Equal(t, []int{1, 3, 7, 14, 30}, observed)
	assert.Equal(t, 5, it.ReviewCount)
	assert.False(t, it.OnLadder())
}

func TestScheduler_EaseFloor(t *testing.T) {
	s := newTestScheduler(t, store.NewMemoryRepo())
	ctx := context.Background()

	_, err := s.Schedule(ctx, Schedulable{Key: "m1", UserID: "u1", CreatedAt: t0})
	require.NoError(t, err)

	at := t0
	for i := 0; i < 20; i++ {
		at = at.Add(day)
		it, err := s.RecordOutcome(ctx, Outcome{UserID: "u1", Key: "m1", Correct: false, At: at})
		require.NoError(t, err)
		assert.GreaterOrEqual(t, it.EaseFactor, MinEaseFactor)
		assert.Equal(t, 1, it.IntervalDays)
		assert.Equal(t, at.Add(day), it.DueAt)
	}
}

func TestScheduler_IdempotentToken(t *testing.T) {
	events := store.NewMemoryEventRepo()
	s := newTestScheduler(t, store.NewMemoryRepo(), WithEventRepo(events))
	ctx := context.Background()

	_, err := s.Schedule(ctx, Schedulable{Key: "m1", UserID: "u1", CreatedAt: t0})
	require.NoError(t, err)

	o := Outcome{UserID: "u1", Key: "m1", Correct: true, Token: "occ-1", At: t0.Add(day)}
	first, err := s.RecordOutcome(ctx, o)
	require.NoError(t, err)
	second, err := s.RecordOutcome(ctx, o)
	require.NoError(t, err)

	assert.Equal(t, first.IntervalDays, second.IntervalDays)
	assert.Equal(t, first.DueAt, second.DueAt)
	assert.Equal(t, 1, second.ReviewCount)

	logged, err := events.QueryEvents(ctx, store.EventReview, store.QueryOpts{Owner: "u1"})
	require.NoError(t, err)
	assert.Len(t, logged, 1)
}

func TestScheduler_ConcurrentDuplicateSubmissions(t *testing.T) {
	s := newTestScheduler(t, store.NewMemoryRepo())
	ctx := context.Background()

	_, err := s.Schedule(ctx, Schedulable{Key: "m1", UserID: "u1", CreatedAt: t0})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.RecordOutcome(ctx, Outcome{UserID: "u1", Key: "m1", Correct: true, Token: "same", At: t0.Add(day)})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	it, err := s.Get(ctx, "u1", "m1")
	require.NoError(t, err)
	assert.Equal(t, 1, it.ReviewCount)
	assert.Equal(t, 3, it.IntervalDays)
}

func TestScheduler_ScheduleTwiceKeepsProgress(t *testing.T) {
	s := newTestScheduler(t, store.NewMemoryRepo())
	ctx := context.Background()

	_, err := s.Schedule(ctx, Schedulable{Key: "p1", UserID: "u1", Severity: 3, CreatedAt: t0})
	require.NoError(t, err)
	_, err = s.RecordOutcome(ctx, Outcome{UserID: "u1", Key: "p1", Correct: true, At: t0.Add(day)})
	require.NoError(t, err)

	it, err := s.Schedule(ctx, Schedulable{Key: "p1", UserID: "u1", Severity: 5, CreatedAt: t0.Add(2 * day)})
	require.NoError(t, err)
	assert.Equal(t, 1, it.ReviewCount)
	assert.Equal(t, 3, it.IntervalDays)
	assert.Equal(t, 5.0, it.Severity)
}

func TestScheduler_DueNowOrdering(t *testing.T) {
	s := newTestScheduler(t, store.NewMemoryRepo())
	ctx := context.Background()

	schedule := func(key string, created time.Time, severity float64) {
		_, err := s.Schedule(ctx, Schedulable{Key: key, UserID: "u1", Severity: severity, CreatedAt: created})
		require.NoError(t, err)
	}
	schedule("b", t0, 1)
	schedule("a", t0, 1)
	schedule("hot", t0, 4)
	schedule("early", t0.Add(-time.Hour), 0)
	schedule("later", t0.Add(2*day), 9)
	_, err := s.Schedule(ctx, Schedulable{Key: "other", UserID: "u2", CreatedAt: t0})
	require.NoError(t, err)

	due, err := s.DueNow(ctx, "u1", t0.Add(day))
	require.NoError(t, err)

	keys := make([]string, len(due))
	for i, it := range due {
		keys[i] = it.Key
	}
	assert.Equal(t, []string{"early", "hot", "a", "b"}, keys)
}

func TestScheduler_DisableExcludesFromDue(t *testing.T) {
	s := newTestScheduler(t, store.NewMemoryRepo())
	ctx := context.Background()

	_, err := s.Schedule(ctx, Schedulable{Key: "p1", UserID: "u1", CreatedAt: t0})
	require.NoError(t, err)
	it, err := s.Disable(ctx, "u1", "p1")
	require.NoError(t, err)
	assert.True(t, it.Disabled)
	assert.Equal(t, ReviewDisabled, it.Status(t0.Add(10*day)))

	due, err := s.DueNow(ctx, "u1", t0.Add(10*day))
	require.NoError(t, err)
	assert.Empty(t, due)

	_, err = s.RecordOutcome(ctx, Outcome{UserID: "u1", Key: "p1", Correct: true})
	assert.ErrorIs(t, err, ErrDisabled)

	_, err = s.Disable(ctx, "u1", "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestScheduler_Validation(t *testing.T) {
	s := newTestScheduler(t, store.NewMemoryRepo())
	ctx := context.Background()

	var verr *ValidationError
	_, err := s.Schedule(ctx, Schedulable{Key: "k"})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "user_id", verr.Field)

	_, err = s.RecordOutcome(ctx, Outcome{UserID: "u1"})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "key", verr.Field)

	_, err = s.RecordOutcome(ctx, Outcome{UserID: "u1", Key: "missing"})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestScheduler_WorksWhileStoreDown(t *testing.T) {
	repo := &flakyRepo{Repo: store.NewMemoryRepo()}
	s := newTestScheduler(t, repo)
	ctx := context.Background()

	_, err := s.Schedule(ctx, Schedulable{Key: "m1", UserID: "u1", CreatedAt: t0})
	require.NoError(t, err)

	repo.down.Store(true)
	it, err := s.RecordOutcome(ctx, Outcome{UserID: "u1", Key: "m1", Correct: true, At: t0.Add(day)})
	require.NoError(t, err)
	assert.Equal(t, 3, it.IntervalDays)
	_, err = s.Schedule(ctx, Schedulable{Key: "m2", UserID: "u1", CreatedAt: t0})
	require.NoError(t, err)
	assert.Equal(t, 2, s.Pending())

	due, err := s.DueNow(ctx, "u1", t0.Add(day))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "m2", due[0].Key)

	left, err := s.Flush(ctx)
	assert.ErrorIs(t, err, store.ErrUnavailable)
	assert.Equal(t, 2, left)

	repo.down.Store(false)
	left, err = s.Flush(ctx)
	require.NoError(t, err)
	assert.Zero(t, left)

	stored, err := repo.Get(ctx, store.BucketReviews, itemKey("u1", "m1"))
	require.NoError(t, err)
	got, err := fromRecord(stored)
	require.NoError(t, err)
	assert.Equal(t, 3, got.IntervalDays)
}

func TestScheduler_FlushKeepsOutcomesFromOtherSessions(t *testing.T) {
	shared := store.NewMemoryRepo()
	repoA := &flakyRepo{Repo: shared}
	a := newTestScheduler(t, repoA)
	b := newTestScheduler(t, shared)
	ctx := context.Background()

	_, err := a.Schedule(ctx, Schedulable{Key: "m1", UserID: "u1", CreatedAt: t0})
	require.NoError(t, err)

	repoA.down.Store(true)
	_, err = a.RecordOutcome(ctx, Outcome{UserID: "u1", Key: "m1", Correct: true, At: t0.Add(day), Token: "a1"})
	require.NoError(t, err)
	_, err = b.RecordOutcome(ctx, Outcome{UserID: "u1", Key: "m1", Correct: true, At: t0.Add(day), Token: "b1"})
	require.NoError(t, err)

	repoA.down.Store(false)
	left, err := a.Flush(ctx)
	require.NoError(t, err)
	assert.Zero(t, left)

	stored, err := shared.Get(ctx, store.BucketReviews, itemKey("u1", "m1"))
	require.NoError(t, err)
	got, err := fromRecord(stored)
	require.NoError(t, err)
	assert.Equal(t, 2, got.ReviewCount, "both sessions' outcomes survive")
	assert.ElementsMatch(t, []string{"a1", "b1"}, got.AppliedTokens)

	mine, err := a.Get(ctx, "u1", "m1")
	require.NoError(t, err)
	assert.Equal(t, 2, mine.ReviewCount)

	_, err = a.RecordOutcome(ctx, Outcome{UserID: "u1", Key: "m1", Correct: true, At: t0.Add(day), Token: "a1"})
	require.NoError(t, err)
	again, err := shared.Get(ctx, store.BucketReviews, itemKey("u1", "m1"))
	require.NoError(t, err)
	assert.Equal(t, stored.Version, again.Version, "replayed token is not applied twice")
}

func TestScheduler_FlushDropsChangesThatNoLongerApply(t *testing.T) {
	shared := store.NewMemoryRepo()
	repoA := &flakyRepo{Repo: shared}
	a := newTestScheduler(t, repoA)
	b := newTestScheduler(t, shared)
	ctx := context.Background()

	_, err := a.Schedule(ctx, Schedulable{Key: "m1", UserID: "u1", CreatedAt: t0})
	require.NoError(t, err)

	repoA.down.Store(true)
	_, err = a.RecordOutcome(ctx, Outcome{UserID: "u1", Key: "m1", Correct: true, At: t0.Add(day), Token: "a1"})
	require.NoError(t, err)
	_, err = b.Disable(ctx, "u1", "m1")
	require.NoError(t, err)

	repoA.down.Store(false)
	left, err := a.Flush(ctx)
	require.NoError(t, err)
	assert.Zero(t, left)

	got, err := a.Get(ctx, "u1", "m1")
	require.NoError(t, err)
	assert.True(t, got.Disabled)
	assert.Zero(t, got.ReviewCount)
}

func TestScheduler_UnknownItemWhileStoreDown(t *testing.T) {
	repo := &flakyRepo{Repo: store.NewMemoryRepo()}
	s := newTestScheduler(t, repo)
	repo.down.Store(true)

	_, err := s.RecordOutcome(context.Background(), Outcome{UserID: "u1", Key: "m1", Correct: true})
	assert.ErrorIs(t, err, store.ErrUnavailable)
}

func TestScheduler_ForgetDropsPending(t *testing.T) {
	repo := &flakyRepo{Repo: store.NewMemoryRepo()}
	s := newTestScheduler(t, repo)
	repo.down.Store(true)

	_, err := s.Schedule(context.Background(), Schedulable{Key: "m1", UserID: "u1"})
	require.NoError(t, err)
	_, err = s.Schedule(context.Background(), Schedulable{Key: "m1", UserID: "u2"})
	require.NoError(t, err)

	s.Forget("u1")
	assert.Equal(t, 1, s.Pending())
}
