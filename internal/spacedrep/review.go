package spacedrep

import (
	"fmt"
	"time"
)

// Kind distinguishes what a review item reinforces.
type Kind string

const (
	KindMistake Kind = "mistake"
	KindPattern Kind = "pattern"
)

// Schedulable is a unit handed to the scheduler.
type Schedulable struct {
	Key       string // mistake ID or pattern key
	Kind      Kind
	UserID    string
	Severity  float64
	CreatedAt time.Time // zero means now
}

// Outcome is the result of one review occurrence.
type Outcome struct {
	UserID         string
	Key            string
	Correct        bool
	ResponseTimeMs int64
	Token          string    // idempotency token of the occurrence
	At             time.Time // zero means now
}

// ReviewItem holds the spaced repetition state of one schedulable unit.
type ReviewItem struct {
	Key           string    `json:"key"`
	Kind          Kind      `json:"kind"`
	UserID        string    `json:"user_id"`
	DueAt         time.Time `json:"due_at"`
	IntervalDays  int       `json:"interval_days"`
	EaseFactor    float64   `json:"ease_factor"`
	Stage         int       `json:"stage"`
	ReviewCount   int       `json:"review_count"`
	Severity      float64   `json:"severity"`
	Disabled      bool      `json:"disabled"`
	LastOutcome   string    `json:"last_outcome,omitempty"` // correct or incorrect
	LastReviewAt  time.Time `json:"last_review_at,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	AppliedTokens []string  `json:"applied_tokens,omitempty"`
}

// IsDue returns true if the item is due at asOf.
func (it *ReviewItem) IsDue(asOf time.Time) bool {
	return !it.Disabled && !asOf.Before(it.DueAt)
}

// OverdueDays returns how many days past due the item is. Returns 0 if
// not yet due.
func (it *ReviewItem) OverdueDays(now time.Time) float64 {
	if now.Before(it.DueAt) {
		return 0
	}
	return now.Sub(it.DueAt).Hours() / 24.0
}

// OnLadder reports whether the item still follows the fixed ladder.
func (it *ReviewItem) OnLadder() bool {
	return it.Stage < len(Ladder)
}

// ReviewStatus describes an item's review status for display.
type ReviewStatus string

const (
	ReviewScheduled ReviewStatus = "scheduled"
	ReviewDue       ReviewStatus = "due"
	ReviewDisabled  ReviewStatus = "disabled"
)

// Status returns the review status at now.
func (it *ReviewItem) Status(now time.Time) ReviewStatus {
	switch {
	case it.Disabled:
		return ReviewDisabled
	case it.IsDue(now):
		return ReviewDue
	default:
		return ReviewScheduled
	}
}

func (it *ReviewItem) hasToken(token string) bool {
	for _, t := range it.AppliedTokens {
		if t == token {
			return true
		}
	}
	return false
}

func (it *ReviewItem) addToken(token string, limit int) {
	it.AppliedTokens = append(it.AppliedTokens, token)
	if limit > 0 && len(it.AppliedTokens) > limit {
		it.AppliedTokens = it.AppliedTokens[len(it.AppliedTokens)-limit:]
	}
}

func (it *ReviewItem) clone() *ReviewItem {
	if it == nil {
		return nil
	}
	c := *it
	c.AppliedTokens = append([]string(nil), it.AppliedTokens...)
	return &c
}

// ValidationError reports a malformed schedule request or outcome.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("spacedrep: %s is required", e.Field)
}

// InvariantError reports a state the scheduler refuses to persist.
type InvariantError struct {
	Key    string
	Reason string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("spacedrep: invariant violated for %s: %s", e.Key, e.Reason)
}

// check validates the state produced by an outcome recorded at at.
func (it *ReviewItem) check(at time.Time) error {
	switch {
	case it.IntervalDays < 1:
		return &InvariantError{Key: it.Key, Reason: fmt.Sprintf("interval %d days", it.IntervalDays)}
	case !it.DueAt.After(at):
		return &InvariantError{Key: it.Key, Reason: "due date not after the outcome"}
	case it.EaseFactor < MinEaseFactor:
		return &InvariantError{Key: it.Key, Reason: fmt.Sprintf("ease factor %.2f below %.2f", it.EaseFactor, MinEaseFactor)}
	}
	return nil
}
