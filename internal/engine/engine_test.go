package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/abhisek/codecoach/internal/hints"
	"github.com/abhisek/codecoach/internal/mistakes"
	"github.com/abhisek/codecoach/internal/signal"
	"github.com/abhisek/codecoach/internal/spacedrep"
	"github.com/abhisek/codecoach/internal/store"
)

const code = "def total(xs):\n    s = 0\n    for x in xs:\n        s += x\n    return s\n"

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type stubGenerator struct {
	mu    sync.Mutex
	calls int
}

func (g *stubGenerator) Generate(_ context.Context, req hints.GenerateRequest) (*hints.GenerateResponse, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	return &hints.GenerateResponse{
		Content:            fmt.Sprintf("hint for level %d", req.Level),
		NextLevelAvailable: req.Level < hints.MaxLevel,
	}, nil
}

type recordingPublisher struct {
	mu       sync.Mutex
	patterns []mistakes.Pattern
	due      []*spacedrep.ReviewItem
}

func (p *recordingPublisher) PatternQualified(_ context.Context, pat mistakes.Pattern) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.patterns = append(p.patterns, pat)
	return nil
}

func (p *recordingPublisher) ReviewDue(_ context.Context, it *spacedrep.ReviewItem) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.due = append(p.due, it)
	return nil
}

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *testClock, store.Repo) {
	t.Helper()
	clock := &testClock{t: t0}
	repo := store.NewMemoryRepo()
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	e := New(repo, &stubGenerator{}, DefaultConfig(), zaptest.NewLogger(t), opts...)
	t.Cleanup(e.Close)
	return e, clock, repo
}

func TestEngine_RepeatedMistakeSchedulesReview(t *testing.T) {
	pub := &recordingPublisher{}
	e, clock, _ := newTestEngine(t, WithPublisher(pub))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := e.RecordMistake(ctx, mistakes.Event{
			UserID:    "u1",
			Timestamp: clock.Now(),
			Language:  "python",
			ErrorKind: "IndentationError",
			Snippet:   "def f():\nprint(1)\n",
		})
		require.NoError(t, err)
		if i < 2 {
			clock.Advance(4 * time.Hour)
		}
	}
	created := clock.Now()

	patterns, err := e.PatternsNeedingReinforcement(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	assert.Equal(t, 3, patterns[0].Frequency)

	item, err := e.Scheduler().Get(ctx, "u1", patterns[0].PatternKey)
	require.NoError(t, err)
	assert.Equal(t, spacedrep.KindPattern, item.Kind)
	assert.Equal(t, created.Add(24*time.Hour), item.DueAt)
	require.Len(t, pub.patterns, 1)

	due, err := e.DueNow(ctx, "u1", created.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, due, 1)

	n, err := e.PublishDue(ctx, "u1", created.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Len(t, pub.due, 1)
}

func TestEngine_OutcomeMirrorsOntoMistakes(t *testing.T) {
	e, clock, _ := newTestEngine(t)
	ctx := context.Background()

	rec, err := e.RecordMistake(ctx, mistakes.Event{UserID: "u1", Language: "go", ErrorKind: "undefined", Snippet: "x := y"})
	require.NoError(t, err)
	_, err = e.Schedule(ctx, spacedrep.Schedulable{Key: rec.MistakeID, Kind: spacedrep.KindMistake, UserID: "u1"})
	require.NoError(t, err)

	clock.Advance(24 * time.Hour)
	item, err := e.RecordOutcome(ctx, spacedrep.Outcome{UserID: "u1", Key: rec.MistakeID, Correct: true, Token: "t1"})
	require.NoError(t, err)
	assert.Equal(t, 3, item.IntervalDays)

	records, err := e.Mistakes().Records(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 1, records[0].ReviewCount)
	assert.True(t, item.DueAt.Equal(records[0].NextReviewAt))
}

func TestEngine_StruggleTriggersHint(t *testing.T) {
	results := make(chan HintResult, 4)
	e, _, _ := newTestEngine(t, OnHint(func(r HintResult) { results <- r }))

	e.OpenDocument("doc1", "u1", "python")
	_, ok := e.Ingest(signal.RawEvent{Timestamp: t0, Kind: "insert", DocumentID: "doc1", ContextKey: "fn:total", Content: code})
	require.True(t, ok)
	for i := 1; i <= 5; i++ {
		_, ok := e.Ingest(signal.RawEvent{Timestamp: t0.Add(time.Duration(i) * time.Second), Kind: "delete", DocumentID: "doc1", ContextKey: "fn:total"})
		require.True(t, ok)
	}

	select {
	case r := <-results:
		require.NoError(t, r.Err)
		require.NotNil(t, r.Hint)
		assert.Equal(t, "fn:total", r.ContextKey)
		assert.Equal(t, 1, r.Hint.Level)
		assert.Equal(t, hints.SourceGenerator, r.Hint.Source)
		assert.True(t, r.Signal.Confidence >= 0.5)
	case <-time.After(2 * time.Second):
		t.Fatal("no hint delivered")
	}
}

func TestEngine_ManualAndEscalation(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	e.OpenDocument("doc1", "u1", "python")
	e.Ingest(signal.RawEvent{Kind: "insert", DocumentID: "doc1", Content: code})
	e.Ingest(signal.RawEvent{Kind: "diagnosticRaised", DocumentID: "doc1", Diagnostic: &signal.Diagnostic{Code: "TypeError"}})

	h, err := e.RequestHint(ctx, HintRequest{DocumentID: "doc1"})
	require.NoError(t, err)
	assert.Equal(t, 1, h.Level)

	hctx, ok := e.Hints().Lookup("doc1")
	require.True(t, ok)
	assert.Equal(t, "TypeError", hctx.ErrorKind)

	h, err = e.RequestHint(ctx, HintRequest{DocumentID: "doc1", Trigger: hints.TriggerNextLevel})
	require.NoError(t, err)
	assert.Equal(t, 2, h.Level)
}

func TestEngine_UnknownDocument(t *testing.T) {
	e, _, _ := newTestEngine(t)
	_, err := e.RequestHint(context.Background(), HintRequest{DocumentID: "nope"})
	assert.ErrorIs(t, err, ErrUnknownDocument)

	_, ok := e.Ingest(signal.RawEvent{Kind: "insert", DocumentID: "nope"})
	assert.False(t, ok)
}

func TestEngine_CloseDocumentEndsEpisodes(t *testing.T) {
	e, _, _ := newTestEngine(t)
	ctx := context.Background()

	e.OpenDocument("doc1", "u1", "python")
	_, err := e.RequestHint(ctx, HintRequest{DocumentID: "doc1", Code: code})
	require.NoError(t, err)
	assert.Equal(t, 1, e.Hints().Active())

	e.CloseDocument("doc1")
	assert.Zero(t, e.Hints().Active())
	_, ok := e.Ingest(signal.RawEvent{Kind: "insert", DocumentID: "doc1"})
	assert.False(t, ok)
}

func TestEngine_SweepEndsIdleEpisodes(t *testing.T) {
	e, clock, _ := newTestEngine(t)
	ctx := context.Background()

	e.OpenDocument("doc1", "u1", "python")
	_, err := e.RequestHint(ctx, HintRequest{DocumentID: "doc1", Code: code})
	require.NoError(t, err)

	clock.Advance(DefaultConfig().Hints.EpisodeCooldown + time.Second)
	assert.Equal(t, 1, e.Sweep(clock.Now()))
	assert.Zero(t, e.Hints().Active())
}

func TestEngine_EraseUser(t *testing.T) {
	events := store.NewMemoryEventRepo()
	e, _, repo := newTestEngine(t, WithEventRepo(events))
	ctx := context.Background()

	rec, err := e.RecordMistake(ctx, mistakes.Event{UserID: "u1", Language: "python", ErrorKind: "NameError"})
	require.NoError(t, err)
	_, err = e.Schedule(ctx, spacedrep.Schedulable{Key: rec.MistakeID, UserID: "u1"})
	require.NoError(t, err)
	_, err = e.RecordMistake(ctx, mistakes.Event{UserID: "u2", Language: "python", ErrorKind: "NameError"})
	require.NoError(t, err)

	n, err := e.EraseUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, n) // mistake, review item, mistake event

	left, err := repo.List(ctx, store.BucketMistakes, "u1")
	require.NoError(t, err)
	assert.Empty(t, left)
	records, err := e.Mistakes().Records(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, records)

	other, err := e.Mistakes().Records(ctx, "u2")
	require.NoError(t, err)
	assert.Len(t, other, 1)
}

func TestEngine_FlushWithHealthyStore(t *testing.T) {
	e, _, _ := newTestEngine(t)
	n, err := e.Flush(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEngine_CloseIsIdempotent(t *testing.T) {
	e := New(store.NewMemoryRepo(), nil, DefaultConfig(), zaptest.NewLogger(t))
	e.Close()
	e.Close()
	_, err := e.RecordMistake(context.Background(), mistakes.Event{UserID: "u1", Language: "go", ErrorKind: "x"})
	assert.ErrorIs(t, err, mistakes.ErrClosed)
}

func TestEngine_DrainDeliversQueuedHints(t *testing.T) {
	var mu sync.Mutex
	var got []HintResult
	e, _, _ := newTestEngine(t, OnHint(func(r HintResult) {
		mu.Lock()
		got = append(got, r)
		mu.Unlock()
	}))

	e.OpenDocument("doc1", "u1", "python")
	e.Ingest(signal.RawEvent{Timestamp: t0, Kind: "insert", DocumentID: "doc1", Content: code})
	for i := 1; i <= 5; i++ {
		e.Ingest(signal.RawEvent{Timestamp: t0.Add(time.Duration(i) * time.Second), Kind: "delete", DocumentID: "doc1"})
	}
	e.Drain()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.NoError(t, got[0].Err)

	// Explicit requests still work until Close.
	h, err := e.RequestHint(context.Background(), HintRequest{DocumentID: "doc1", Trigger: hints.TriggerNextLevel})
	require.NoError(t, err)
	assert.Equal(t, 2, h.Level)

	e.Close()
	_, err = e.RequestHint(context.Background(), HintRequest{DocumentID: "doc1"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestEngine_RecordOutcomeLogsUnmirroredPattern(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	e := New(store.NewMemoryRepo(), &stubGenerator{}, DefaultConfig(), zap.New(core),
		WithClock(func() time.Time { return t0 }))
	t.Cleanup(e.Close)
	ctx := context.Background()

	_, err := e.Schedule(ctx, spacedrep.Schedulable{Key: "python|IndentationError", Kind: spacedrep.KindPattern, UserID: "u1", CreatedAt: t0})
	require.NoError(t, err)
	e.Mistakes().Close()

	it, err := e.RecordOutcome(ctx, spacedrep.Outcome{UserID: "u1", Key: "python|IndentationError", Correct: true, At: t0.Add(24 * time.Hour)})
	require.NoError(t, err, "the review itself is stored")
	assert.Equal(t, 1, it.ReviewCount)

	entries := logs.FilterMessage("review not mirrored to pattern").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "python|IndentationError", entries[0].ContextMap()["pattern_key"])
	assert.Contains(t, entries[0].ContextMap()["error"], mistakes.ErrClosed.Error())
}

// reviewWriteFailRepo rejects writes to the reviews bucket while broken.
type reviewWriteFailRepo struct {
	store.Repo
	broken atomic.Bool
}

func (r *reviewWriteFailRepo) Update(ctx context.Context, bucket, key string, fn store.UpdateFunc) (*store.Record, error) {
	if bucket == store.BucketReviews && r.broken.Load() {
		return nil, errors.New("disk I/O error")
	}
	return r.Repo.Update(ctx, bucket, key, fn)
}

func TestEngine_PatternScheduledAfterFailedSchedule(t *testing.T) {
	repo := &reviewWriteFailRepo{Repo: store.NewMemoryRepo()}
	clock := &testClock{t: t0}
	e := New(repo, &stubGenerator{}, DefaultConfig(), zaptest.NewLogger(t), WithClock(clock.Now))
	t.Cleanup(e.Close)
	ctx := context.Background()

	repo.broken.Store(true)
	for i := 0; i < 3; i++ {
		_, err := e.RecordMistake(ctx, mistakes.Event{
			UserID:    "u1",
			Timestamp: clock.Now(),
			Language:  "python",
			ErrorKind: "IndentationError",
			Snippet:   "def f():\nprint(1)\n",
		})
		require.NoError(t, err)
		clock.Advance(time.Hour)
	}
	patterns, err := e.PatternsNeedingReinforcement(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	_, err = e.Scheduler().Get(ctx, "u1", patterns[0].PatternKey)
	require.ErrorIs(t, err, store.ErrNotFound)

	repo.broken.Store(false)
	left, err := e.Flush(ctx)
	require.NoError(t, err)
	assert.Zero(t, left)

	item, err := e.Scheduler().Get(ctx, "u1", patterns[0].PatternKey)
	require.NoError(t, err)
	assert.Equal(t, spacedrep.KindPattern, item.Kind)
}
