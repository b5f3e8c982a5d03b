// Package mistakes records discrete mistakes, clusters them into
// recurring patterns by code-shape fingerprint and reports the patterns
// that need reinforcement.
package mistakes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/abhisek/codecoach/internal/codeshape"
	"github.com/abhisek/codecoach/internal/store"
)

const instrumentationName = "github.com/abhisek/codecoach/internal/mistakes"

// DefaultEaseFactor is the SM-2 starting ease of a new record.
const DefaultEaseFactor = 2.5

// ErrClosed is returned after Close.
var ErrClosed = errors.New("mistakes: aggregator closed")

// Notifier is told when a pattern first needs reinforcement.
type Notifier interface {
	PatternQualified(ctx context.Context, p Pattern) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, p Pattern) error

func (f NotifierFunc) PatternQualified(ctx context.Context, p Pattern) error { return f(ctx, p) }

// qualification marks a pattern whose first qualification was announced.
type qualification struct {
	PatternKey  string    `json:"pattern_key"`
	QualifiedAt time.Time `json:"qualified_at"`
}

type job struct {
	ctx context.Context
	fn  func(ctx context.Context, u *userState) (any, error)
	res chan jobResult
}

type jobResult struct {
	val any
	err error
}

// userState is owned by the user's worker goroutine.
type userState struct {
	userID  string
	loaded  bool
	records []Record
	pending []Record // records the store did not accept yet

	// unannounced holds pattern keys that qualified but whose
	// notification or marker did not go through.
	unannounced map[string]struct{}
}

type worker struct {
	jobs  chan job
	state *userState
}

// Aggregator serializes all mutations of one user through a dedicated
// goroutine; different users proceed concurrently.
type Aggregator struct {
	repo     store.Repo
	events   store.EventRepo
	notifier Notifier
	cfg      Config
	logger   *zap.Logger
	now      func() time.Time

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool
	wg      sync.WaitGroup

	meter            metric.Meter
	mistakeCounter   metric.Int64Counter
	qualifiedCounter metric.Int64Counter
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithNotifier sets the receiver of first-qualification notices.
func WithNotifier(n Notifier) Option {
	return func(a *Aggregator) { a.notifier = n }
}

// WithEventRepo records every mistake as an event.
func WithEventRepo(repo store.EventRepo) Option {
	return func(a *Aggregator) { a.events = repo }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Aggregator) { a.now = now }
}

// NewAggregator creates an aggregator persisting to repo.
func NewAggregator(repo store.Repo, cfg Config, logger *zap.Logger, opts ...Option) *Aggregator {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Aggregator{
		repo:    repo,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		workers: make(map[string]*worker),
		meter:   otel.Meter(instrumentationName),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.initMetrics()
	return a
}

func (a *Aggregator) initMetrics() {
	var err error
	a.mistakeCounter, err = a.meter.Int64Counter(
		"codecoach.mistakes.recorded_total",
		metric.WithDescription("Total number of mistakes recorded"),
		metric.WithUnit("{mistake}"),
	)
	if err != nil {
		a.logger.Warn("failed to create mistake counter", zap.Error(err))
	}
	a.qualifiedCounter, err = a.meter.Int64Counter(
		"codecoach.mistakes.patterns_qualified_total",
		metric.WithDescription("Total number of patterns that first needed reinforcement"),
		metric.WithUnit("{pattern}"),
	)
	if err != nil {
		a.logger.Warn("failed to create pattern counter", zap.Error(err))
	}
}

// submit runs fn on the user's worker and waits for its result.
func (a *Aggregator) submit(ctx context.Context, userID string, fn func(ctx context.Context, u *userState) (any, error)) (any, error) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil, ErrClosed
	}
	w, ok := a.workers[userID]
	if !ok {
		size := a.cfg.QueueSize
		if size <= 0 {
			size = 1
		}
		w = &worker{jobs: make(chan job, size), state: &userState{userID: userID}}
		a.workers[userID] = w
		a.wg.Add(1)
		go a.run(w)
	}
	// Sending under the lock keeps Close from closing the channel
	// mid-send.
	j := job{ctx: ctx, fn: fn, res: make(chan jobResult, 1)}
	select {
	case w.jobs <- j:
		a.mu.Unlock()
	case <-ctx.Done():
		a.mu.Unlock()
		return nil, ctx.Err()
	}

	select {
	case r := <-j.res:
		return r.val, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (a *Aggregator) run(w *worker) {
	defer a.wg.Done()
	for j := range w.jobs {
		if err := j.ctx.Err(); err != nil {
			j.res <- jobResult{err: err}
			continue
		}
		val, err := j.fn(j.ctx, w.state)
		j.res <- jobResult{val: val, err: err}
	}
}

// Close stops all workers after their queued jobs finish.
func (a *Aggregator) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	for _, w := range a.workers {
		close(w.jobs)
	}
	a.mu.Unlock()
	a.wg.Wait()
}

// RecordMistake validates and stores ev, reclusters the user's records
// and notifies once if the record's pattern newly needs reinforcement.
// When the store is unavailable the record is kept in memory and written
// by Flush, and a notification that could not be confirmed is retried
// there too.
func (a *Aggregator) RecordMistake(ctx context.Context, ev Event) (*Record, error) {
	switch {
	case ev.UserID == "":
		return nil, &ValidationError{Field: "user_id"}
	case ev.Language == "":
		return nil, &ValidationError{Field: "language"}
	case ev.ErrorKind == "":
		return nil, &ValidationError{Field: "error_kind"}
	}

	v, err := a.submit(ctx, ev.UserID, func(ctx context.Context, u *userState) (any, error) {
		return a.record(ctx, u, ev)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Record), nil
}

func (a *Aggregator) record(ctx context.Context, u *userState, ev Event) (*Record, error) {
	if err := a.ensureLoaded(ctx, u); err != nil {
		return nil, err
	}

	rec := Record{
		MistakeID:          ev.MistakeID,
		UserID:             ev.UserID,
		Timestamp:          ev.Timestamp,
		Language:           ev.Language,
		ErrorKind:          ev.ErrorKind,
		ContextFingerprint: codeshape.Fingerprint(ev.Language, ev.ErrorKind, ev.Snippet),
		EaseFactor:         DefaultEaseFactor,
	}
	if rec.MistakeID == "" {
		rec.MistakeID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = a.now()
	}
	for _, r := range u.records {
		if r.MistakeID == rec.MistakeID {
			return &r, nil
		}
	}

	if err := a.persist(ctx, u, rec); err != nil {
		return nil, err
	}
	u.records = append(u.records, rec)

	if a.mistakeCounter != nil {
		a.mistakeCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("language", rec.Language)))
	}
	if a.events != nil {
		if err := a.events.AppendMistakeEvent(ctx, store.MistakeEventData{
			UserID:      rec.UserID,
			MistakeID:   rec.MistakeID,
			Language:    rec.Language,
			ErrorKind:   rec.ErrorKind,
			Fingerprint: rec.ContextFingerprint,
		}); err != nil {
			a.logger.Warn("failed to log mistake event", zap.Error(err))
		}
	}

	a.checkQualified(ctx, u, rec.MistakeID)
	return &rec, nil
}

// checkQualified announces the pattern holding mistakeID when it needs
// reinforcement. A failed announcement is remembered for Flush.
func (a *Aggregator) checkQualified(ctx context.Context, u *userState, mistakeID string) {
	now := a.now()
	for _, p := range Cluster(u.records, now, a.cfg) {
		if !contains(p.MemberMistakeIDs, mistakeID) {
			continue
		}
		if !p.NeedsReinforcement(a.cfg) {
			return
		}
		if err := a.announce(ctx, u.userID, p, now); err != nil {
			a.logger.Warn("pattern announcement deferred",
				zap.String("pattern_key", p.PatternKey), zap.Error(err))
			if u.unannounced == nil {
				u.unannounced = make(map[string]struct{})
			}
			u.unannounced[p.PatternKey] = struct{}{}
		}
		return
	}
}

// announce notifies about p unless its qualification marker exists. The
// marker is written only after the notifier succeeded, so a failure at
// any step leaves the pattern to be announced again. Notifiers must
// tolerate a repeated notice.
func (a *Aggregator) announce(ctx context.Context, userID string, p Pattern, now time.Time) error {
	_, err := a.repo.Get(ctx, store.BucketPatterns, qualificationKey(userID, p.PatternKey))
	switch {
	case err == nil:
		return nil
	case !errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("read qualification: %w", err)
	}

	if a.notifier != nil {
		if err := a.notifier.PatternQualified(ctx, p); err != nil {
			return fmt.Errorf("notify: %w", err)
		}
	}
	first, err := a.markQualified(ctx, userID, p.PatternKey, now)
	if err != nil {
		return fmt.Errorf("mark qualified: %w", err)
	}
	if !first {
		return nil
	}
	if a.qualifiedCounter != nil {
		a.qualifiedCounter.Add(ctx, 1)
	}
	a.logger.Info("pattern needs reinforcement",
		zap.String("user_id", userID),
		zap.String("pattern_key", p.PatternKey),
		zap.Int("frequency", p.Frequency))
	return nil
}

// markQualified stores the qualification marker. It reports true only
// for the call that created it.
func (a *Aggregator) markQualified(ctx context.Context, userID, patternKey string, now time.Time) (bool, error) {
	created := false
	_, err := a.repo.Update(ctx, store.BucketPatterns, qualificationKey(userID, patternKey), func(cur *store.Record) (*store.Record, error) {
		if cur != nil {
			return nil, nil
		}
		b, err := json.Marshal(qualification{PatternKey: patternKey, QualifiedAt: now})
		if err != nil {
			return nil, err
		}
		created = true
		return &store.Record{Owner: userID, Value: b}, nil
	})
	if err != nil {
		return false, err
	}
	return created, nil
}

func qualificationKey(userID, patternKey string) string {
	return userID + "/" + patternKey
}

// persist writes rec, queueing it in u.pending while the store is
// unavailable. A queued copy of the same mistake is replaced.
func (a *Aggregator) persist(ctx context.Context, u *userState, rec Record) error {
	err := a.put(ctx, rec)
	if err == nil || !errors.Is(err, store.ErrUnavailable) {
		return err
	}
	a.logger.Warn("store unavailable, queueing mistake",
		zap.String("user_id", rec.UserID), zap.String("mistake_id", rec.MistakeID), zap.Error(err))
	for i := range u.pending {
		if u.pending[i].MistakeID == rec.MistakeID {
			u.pending[i] = rec
			return nil
		}
	}
	u.pending = append(u.pending, rec)
	return nil
}

func (a *Aggregator) put(ctx context.Context, rec Record) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode mistake: %w", err)
	}
	_, err = a.repo.Put(ctx, &store.Record{
		Bucket: store.BucketMistakes,
		Key:    rec.MistakeID,
		Owner:  rec.UserID,
		Value:  b,
	})
	return err
}

// load reads the user's records from the store once. Records gathered
// in memory before the first successful read are kept; for a mistake
// known both ways the in-memory copy wins.
func (a *Aggregator) load(ctx context.Context, u *userState) error {
	if u.loaded {
		return nil
	}
	recs, err := a.repo.List(ctx, store.BucketMistakes, u.userID)
	if err != nil {
		return fmt.Errorf("load mistakes: %w", err)
	}
	known := make(map[string]bool, len(u.records))
	for _, r := range u.records {
		known[r.MistakeID] = true
	}
	merged := make([]Record, 0, len(recs)+len(u.records))
	for _, r := range recs {
		var m Record
		if err := json.Unmarshal(r.Value, &m); err != nil {
			a.logger.Warn("skipping undecodable mistake", zap.String("key", r.Key), zap.Error(err))
			continue
		}
		if !known[m.MistakeID] {
			merged = append(merged, m)
		}
	}
	local := len(u.records) > 0
	u.records = append(merged, u.records...)
	u.loaded = true

	// Mistakes seen during an outage may complete a pattern only now.
	// Flush announces it; an existing marker makes that a no-op.
	if local {
		for _, p := range Reinforcement(Cluster(u.records, a.now(), a.cfg), a.cfg) {
			if u.unannounced == nil {
				u.unannounced = make(map[string]struct{})
			}
			u.unannounced[p.PatternKey] = struct{}{}
		}
	}
	return nil
}

// ensureLoaded is load for callers that can work on in-memory state
// alone while the store is unavailable.
func (a *Aggregator) ensureLoaded(ctx context.Context, u *userState) error {
	err := a.load(ctx, u)
	if err != nil && errors.Is(err, store.ErrUnavailable) {
		a.logger.Warn("store unavailable, using in-memory mistakes",
			zap.String("user_id", u.userID), zap.Error(err))
		return nil
	}
	return err
}

// PatternsNeedingReinforcement returns the user's qualifying patterns,
// most severe first.
func (a *Aggregator) PatternsNeedingReinforcement(ctx context.Context, userID string) ([]Pattern, error) {
	all, err := a.Patterns(ctx, userID)
	if err != nil {
		return nil, err
	}
	return Reinforcement(all, a.cfg), nil
}

// Patterns returns every pattern of the user ordered by key.
func (a *Aggregator) Patterns(ctx context.Context, userID string) ([]Pattern, error) {
	if userID == "" {
		return nil, &ValidationError{Field: "user_id"}
	}
	v, err := a.submit(ctx, userID, func(ctx context.Context, u *userState) (any, error) {
		if err := a.ensureLoaded(ctx, u); err != nil {
			return nil, err
		}
		return Cluster(u.records, a.now(), a.cfg), nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Pattern), nil
}

// Pattern returns the pattern with key.
func (a *Aggregator) Pattern(ctx context.Context, userID, patternKey string) (*Pattern, bool, error) {
	all, err := a.Patterns(ctx, userID)
	if err != nil {
		return nil, false, err
	}
	for i := range all {
		if all[i].PatternKey == patternKey {
			return &all[i], true, nil
		}
	}
	return nil, false, nil
}

// Records returns the user's records in time order.
func (a *Aggregator) Records(ctx context.Context, userID string) ([]Record, error) {
	v, err := a.submit(ctx, userID, func(ctx context.Context, u *userState) (any, error) {
		if err := a.ensureLoaded(ctx, u); err != nil {
			return nil, err
		}
		out := append([]Record(nil), u.records...)
		sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Record), nil
}

// ReviewUpdate mirrors scheduler state onto a mistake record.
type ReviewUpdate struct {
	ReviewCount  int
	EaseFactor   float64
	NextReviewAt time.Time
	Resolved     bool
}

// ApplyReview copies the scheduler's view of a mistake onto its record.
func (a *Aggregator) ApplyReview(ctx context.Context, userID, mistakeID string, upd ReviewUpdate) error {
	_, err := a.submit(ctx, userID, func(ctx context.Context, u *userState) (any, error) {
		if err := a.ensureLoaded(ctx, u); err != nil {
			return nil, err
		}
		for i := range u.records {
			if u.records[i].MistakeID != mistakeID {
				continue
			}
			r := &u.records[i]
			r.ReviewCount = upd.ReviewCount
			r.EaseFactor = upd.EaseFactor
			r.NextReviewAt = upd.NextReviewAt
			r.Resolved = r.Resolved || upd.Resolved
			return nil, a.persist(ctx, u, *r)
		}
		return nil, fmt.Errorf("mistake %q: %w", mistakeID, store.ErrNotFound)
	})
	return err
}

// Flush retries queued writes and deferred pattern announcements for
// every known user and returns how many are still outstanding.
func (a *Aggregator) Flush(ctx context.Context) (int, error) {
	a.mu.Lock()
	users := make([]string, 0, len(a.workers))
	for id := range a.workers {
		users = append(users, id)
	}
	a.mu.Unlock()

	left := 0
	var firstErr error
	for _, id := range users {
		v, err := a.submit(ctx, id, func(ctx context.Context, u *userState) (any, error) {
			return a.flushUser(ctx, u)
		})
		if n, ok := v.(int); ok {
			left += n
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return left, firstErr
}

func (a *Aggregator) flushUser(ctx context.Context, u *userState) (int, error) {
	var lastErr error
	if err := a.load(ctx, u); err != nil {
		lastErr = err
	}

	var keep []Record
	for _, r := range u.pending {
		if err := a.put(ctx, r); err != nil {
			keep = append(keep, r)
			lastErr = err
		}
	}
	u.pending = keep

	if len(u.unannounced) > 0 {
		now := a.now()
		retry := u.unannounced
		u.unannounced = make(map[string]struct{})
		for _, p := range Cluster(u.records, now, a.cfg) {
			if _, ok := retry[p.PatternKey]; !ok || !p.NeedsReinforcement(a.cfg) {
				continue
			}
			if err := a.announce(ctx, u.userID, p, now); err != nil {
				u.unannounced[p.PatternKey] = struct{}{}
				lastErr = err
			}
		}
	}
	return len(u.pending) + len(u.unannounced), lastErr
}

// Forget drops in-memory state for the user, including queued writes.
// Stored records are removed by the caller through store.Repo.DeleteOwner.
func (a *Aggregator) Forget(ctx context.Context, userID string) error {
	_, err := a.submit(ctx, userID, func(_ context.Context, u *userState) (any, error) {
		u.records = nil
		u.pending = nil
		u.unannounced = nil
		u.loaded = false
		return nil, nil
	})
	return err
}

func contains(ids []string, id string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}
