// Package spacedrep schedules reviews of mistakes and mistake patterns on
// a fixed ladder followed by SM-2 ease-factor growth.
package spacedrep

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/abhisek/codecoach/internal/store"
)

const instrumentationName = "github.com/abhisek/codecoach/internal/spacedrep"

// ErrDisabled is returned when recording an outcome for a disabled item.
var ErrDisabled = errors.New("spacedrep: item disabled")

// Scheduler manages spaced repetition review scheduling. Items are
// persisted in the reviews bucket; when the store is unavailable the
// scheduler keeps working from its in-memory copies and Flush replays
// the queued changes onto the stored items later.
type Scheduler struct {
	repo      store.Repo
	eventRepo store.EventRepo
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time

	mu      sync.Mutex
	items   map[string]*ReviewItem  // last known state by store key
	pending map[string][]mutation // unwritten changes by store key, oldest first

	meter          metric.Meter
	outcomeCounter metric.Int64Counter
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithEventRepo records review outcomes as events.
func WithEventRepo(repo store.EventRepo) Option {
	return func(s *Scheduler) { s.eventRepo = repo }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// NewScheduler creates a scheduler persisting to repo.
func NewScheduler(repo store.Repo, cfg Config, logger *zap.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Scheduler{
		repo:    repo,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		items:   make(map[string]*ReviewItem),
		pending: make(map[string][]mutation),
		meter:   otel.Meter(instrumentationName),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.initMetrics()
	return s
}

func (s *Scheduler) initMetrics() {
	var err error
	s.outcomeCounter, err = s.meter.Int64Counter(
		"codecoach.reviews.outcomes_total",
		metric.WithDescription("Total number of review outcomes recorded"),
		metric.WithUnit("{review}"),
	)
	if err != nil {
		s.logger.Warn("failed to create review counter", zap.Error(err))
	}
}

// mutation derives the next state of an item from cur, which is nil when
// the item does not exist. It returns nil to leave the item unchanged.
type mutation func(cur *ReviewItem) (*ReviewItem, error)

// mutate applies fn to the current item atomically. While the item has
// unwritten changes fn runs on the in-memory copy and is queued, so Flush
// can apply it again on top of whatever the store holds by then.
func (s *Scheduler) mutate(ctx context.Context, userID, key string, fn mutation) (*ReviewItem, error) {
	id := itemKey(userID, key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dirty := s.pending[id]; !dirty {
		var out *ReviewItem
		_, err := s.repo.Update(ctx, store.BucketReviews, id, func(cur *store.Record) (*store.Record, error) {
			var item *ReviewItem
			if cur != nil {
				var err error
				if item, err = fromRecord(cur); err != nil {
					return nil, err
				}
			}
			next, err := fn(item.clone())
			if err != nil {
				return nil, err
			}
			if next == nil {
				out = item
				return nil, nil
			}
			out = next
			return toRecord(next)
		})
		if err == nil {
			if out != nil {
				s.items[id] = out.clone()
			}
			return out, nil
		}
		if !errors.Is(err, store.ErrUnavailable) {
			return nil, err
		}
		s.logger.Warn("store unavailable, keeping review item in memory",
			zap.String("user_id", userID), zap.String("key", key), zap.Error(err))
	}

	cur := s.items[id]
	next, err := fn(cur.clone())
	if err != nil {
		if cur == nil && errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("review item %q: %w", key, store.ErrUnavailable)
		}
		return nil, err
	}
	if next == nil {
		return cur.clone(), nil
	}
	s.items[id] = next.clone()
	s.pending[id] = append(s.pending[id], fn)
	return next, nil
}

// Schedule creates the review item for sch, first due one ladder rung
// after its creation. Scheduling an existing item only refreshes its
// severity.
func (s *Scheduler) Schedule(ctx context.Context, sch Schedulable) (*ReviewItem, error) {
	switch {
	case sch.UserID == "":
		return nil, &ValidationError{Field: "user_id"}
	case sch.Key == "":
		return nil, &ValidationError{Field: "key"}
	}
	if sch.Kind == "" {
		sch.Kind = KindMistake
	}
	created := sch.CreatedAt
	if created.IsZero() {
		created = s.now()
	}

	return s.mutate(ctx, sch.UserID, sch.Key, func(cur *ReviewItem) (*ReviewItem, error) {
		if cur != nil {
			if cur.Severity == sch.Severity {
				return nil, nil
			}
			cur.Severity = sch.Severity
			return cur, nil
		}
		return &ReviewItem{
			Key:          sch.Key,
			Kind:         sch.Kind,
			UserID:       sch.UserID,
			DueAt:        created.Add(days(Ladder[0])),
			IntervalDays: Ladder[0],
			EaseFactor:   DefaultEaseFactor,
			Severity:     sch.Severity,
			CreatedAt:    created,
		}, nil
	})
}

// RecordOutcome advances the item after a review. A token that was
// already applied returns the stored item unchanged.
func (s *Scheduler) RecordOutcome(ctx context.Context, o Outcome) (*ReviewItem, error) {
	switch {
	case o.UserID == "":
		return nil, &ValidationError{Field: "user_id"}
	case o.Key == "":
		return nil, &ValidationError{Field: "key"}
	}
	at := o.At
	if at.IsZero() {
		at = s.now()
	}
	q := Quality(o.Correct, time.Duration(o.ResponseTimeMs)*time.Millisecond, s.cfg.FastResponse)

	applied := false
	item, err := s.mutate(ctx, o.UserID, o.Key, func(cur *ReviewItem) (*ReviewItem, error) {
		applied = false
		if cur == nil {
			return nil, fmt.Errorf("review item %q: %w", o.Key, store.ErrNotFound)
		}
		if o.Token != "" && cur.hasToken(o.Token) {
			return nil, nil
		}
		if cur.Disabled {
			return nil, ErrDisabled
		}
		cur.Stage, cur.IntervalDays, cur.EaseFactor = advance(cur.Stage, cur.IntervalDays, cur.EaseFactor, q)
		cur.DueAt = at.Add(days(cur.IntervalDays))
		cur.ReviewCount++
		cur.LastReviewAt = at
		cur.LastOutcome = "incorrect"
		if o.Correct {
			cur.LastOutcome = "correct"
		}
		if err := cur.check(at); err != nil {
			s.logger.Error("refusing to store review outcome", zap.String("key", o.Key), zap.Error(err))
			return nil, err
		}
		if o.Token != "" {
			cur.addToken(o.Token, s.cfg.TokenHistory)
		}
		applied = true
		return cur, nil
	})
	if err != nil {
		return nil, err
	}
	if !applied {
		return item, nil
	}

	if s.outcomeCounter != nil {
		s.outcomeCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.Bool("correct", o.Correct),
			attribute.String("kind", string(item.Kind)),
		))
	}
	if s.eventRepo != nil {
		if err := s.eventRepo.AppendReviewEvent(ctx, store.ReviewEventData{
			UserID:       item.UserID,
			Key:          item.Key,
			Correct:      o.Correct,
			Quality:      q,
			IntervalDays: item.IntervalDays,
			EaseFactor:   item.EaseFactor,
		}); err != nil {
			s.logger.Warn("failed to log review event", zap.Error(err))
		}
	}
	return item, nil
}

// Disable makes the item terminal; it never becomes due again.
func (s *Scheduler) Disable(ctx context.Context, userID, key string) (*ReviewItem, error) {
	return s.mutate(ctx, userID, key, func(cur *ReviewItem) (*ReviewItem, error) {
		if cur == nil {
			return nil, fmt.Errorf("review item %q: %w", key, store.ErrNotFound)
		}
		if cur.Disabled {
			return nil, nil
		}
		cur.Disabled = true
		return cur, nil
	})
}

// Get returns the user's item with key.
func (s *Scheduler) Get(ctx context.Context, userID, key string) (*ReviewItem, error) {
	id := itemKey(userID, key)
	s.mu.Lock()
	if _, dirty := s.pending[id]; dirty {
		it := s.items[id].clone()
		s.mu.Unlock()
		return it, nil
	}
	s.mu.Unlock()

	rec, err := s.repo.Get(ctx, store.BucketReviews, id)
	if errors.Is(err, store.ErrUnavailable) {
		s.mu.Lock()
		it, ok := s.items[id]
		s.mu.Unlock()
		if ok {
			return it.clone(), nil
		}
	}
	if err != nil {
		return nil, err
	}
	return fromRecord(rec)
}

// DueNow returns the user's enabled items with DueAt <= asOf, earliest
// first, then by descending severity, then by key.
func (s *Scheduler) DueNow(ctx context.Context, userID string, asOf time.Time) ([]*ReviewItem, error) {
	recs, err := s.repo.DueBefore(ctx, store.BucketReviews, userID, asOf)
	if err != nil && !errors.Is(err, store.ErrUnavailable) {
		return nil, err
	}

	byID := make(map[string]*ReviewItem)
	s.mu.Lock()
	if err != nil {
		s.logger.Warn("store unavailable, answering due items from memory",
			zap.String("user_id", userID), zap.Error(err))
		for id, it := range s.items {
			if it.UserID == userID {
				byID[id] = it.clone()
			}
		}
	}
	for _, rec := range recs {
		it, derr := fromRecord(rec)
		if derr != nil {
			s.logger.Warn("skipping undecodable review item", zap.String("key", rec.Key), zap.Error(derr))
			continue
		}
		byID[rec.Key] = it
	}
	for id := range s.pending {
		if it := s.items[id]; it.UserID == userID {
			byID[id] = it.clone()
		}
	}
	s.mu.Unlock()

	due := make([]*ReviewItem, 0, len(byID))
	for _, it := range byID {
		if it.IsDue(asOf) {
			due = append(due, it)
		}
	}
	SortDue(due)
	return due, nil
}

// Items returns every item of the user ordered by key.
func (s *Scheduler) Items(ctx context.Context, userID string) ([]*ReviewItem, error) {
	recs, err := s.repo.List(ctx, store.BucketReviews, userID)
	if err != nil {
		return nil, err
	}
	out := make([]*ReviewItem, 0, len(recs))
	for _, rec := range recs {
		it, err := fromRecord(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, nil
}

// SortDue orders items by DueAt, then severity descending, then key.
func SortDue(items []*ReviewItem) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if !a.DueAt.Equal(b.DueAt) {
			return a.DueAt.Before(b.DueAt)
		}
		if a.Severity != b.Severity {
			return a.Severity > b.Severity
		}
		return a.Key < b.Key
	})
}

// Flush replays changes queued while the store was unavailable onto the
// stored items and returns how many items are still pending. Replaying
// instead of overwriting keeps outcomes another session recorded in the
// meantime; applied tokens stop an outcome from counting twice.
func (s *Scheduler) Flush(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	for id, ops := range s.pending {
		var out *ReviewItem
		_, err := s.repo.Update(ctx, store.BucketReviews, id, func(cur *store.Record) (*store.Record, error) {
			var item *ReviewItem
			if cur != nil {
				var err error
				if item, err = fromRecord(cur); err != nil {
					return nil, err
				}
			}
			next, changed := s.replay(id, item, ops)
			out = next
			if !changed {
				return nil, nil
			}
			return toRecord(next)
		})
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if out != nil {
			s.items[id] = out.clone()
		}
		delete(s.pending, id)
	}
	return len(s.pending), firstErr
}

// replay applies ops in order. A change that no longer applies, such as
// an outcome for an item another session disabled, is dropped.
func (s *Scheduler) replay(id string, item *ReviewItem, ops []mutation) (*ReviewItem, bool) {
	changed := false
	for _, op := range ops {
		next, err := op(item.clone())
		if err != nil {
			s.logger.Warn("dropping queued review change", zap.String("key", id), zap.Error(err))
			continue
		}
		if next != nil {
			item, changed = next, true
		}
	}
	return item, changed
}

// Pending returns the number of unwritten items.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Forget drops in-memory state for the user, including unwritten items.
func (s *Scheduler) Forget(userID string) {
	prefix := itemKey(userID, "")
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range s.items {
		if strings.HasPrefix(id, prefix) {
			delete(s.items, id)
			delete(s.pending, id)
		}
	}
}
