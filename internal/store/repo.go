package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a key does not exist or has expired.
	ErrNotFound = errors.New("store: not found")

	// ErrConflict is returned when a compare-and-set loses a race.
	ErrConflict = errors.New("store: version conflict")

	// ErrUnavailable wraps failures of the underlying storage engine after
	// retries are exhausted.
	ErrUnavailable = errors.New("store: unavailable")
)

// Buckets used by the engine.
const (
	BucketMistakes = "mistakes"
	BucketReviews  = "reviews"
	BucketHints    = "hints"
	BucketPatterns = "patterns"
)

// Record is a versioned value stored under (Bucket, Key).
type Record struct {
	Bucket    string
	Key       string
	Owner     string // User that owns the record; used for range queries and erasure
	Value     []byte
	Version   int64     // Incremented on every write; 0 means not yet stored
	DueAt     time.Time // Zero if the record is not range-indexed by due time
	ExpiresAt time.Time // Zero means no expiry
	UpdatedAt time.Time
}

// Expired reports whether the record's TTL has passed at now.
func (r *Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Clone returns a deep copy of r.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Value = append([]byte(nil), r.Value...)
	return &c
}

// UpdateFunc computes the next value of a record. cur is nil when the key
// does not exist. Returning (nil, nil) leaves the record unchanged.
type UpdateFunc func(cur *Record) (*Record, error)

// Repo is the key-value contract the engine persists through: per-key
// atomic update, range by due timestamp and TTL on entries.
type Repo interface {
	// Get returns the record for key, or ErrNotFound.
	Get(ctx context.Context, bucket, key string) (*Record, error)

	// Put writes rec unconditionally and returns the stored version.
	Put(ctx context.Context, rec *Record) (*Record, error)

	// CompareAndSwap writes rec only if the stored version equals
	// expected. expected 0 means the key must not exist.
	CompareAndSwap(ctx context.Context, rec *Record, expected int64) (*Record, error)

	// Update atomically applies fn to the current record.
	Update(ctx context.Context, bucket, key string, fn UpdateFunc) (*Record, error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, bucket, key string) error

	// List returns all live records of owner in bucket ordered by key.
	List(ctx context.Context, bucket, owner string) ([]*Record, error)

	// DueBefore returns records of owner in bucket with DueAt <= asOf,
	// ordered by DueAt then key.
	DueBefore(ctx context.Context, bucket, owner string, asOf time.Time) ([]*Record, error)

	// DeleteOwner removes every record owned by owner across all buckets.
	DeleteOwner(ctx context.Context, owner string) (int, error)

	// PurgeExpired removes records whose TTL passed at now.
	PurgeExpired(ctx context.Context, now time.Time) (int, error)
}

// maxUpdateAttempts bounds the optimistic retry loop in casUpdate.
const maxUpdateAttempts = 8

// casUpdate implements Update on top of Get and CompareAndSwap.
func casUpdate(ctx context.Context, r Repo, bucket, key string, fn UpdateFunc) (*Record, error) {
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		cur, err := r.Get(ctx, bucket, key)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if errors.Is(err, ErrNotFound) {
			cur = nil
		}

		next, err := fn(cur.Clone())
		if err != nil {
			return nil, err
		}
		if next == nil {
			return cur, nil
		}
		next.Bucket, next.Key = bucket, key

		var expected int64
		if cur != nil {
			expected = cur.Version
		}
		stored, err := r.CompareAndSwap(ctx, next, expected)
		if errors.Is(err, ErrConflict) {
			continue
		}
		return stored, err
	}
	return nil, ErrConflict
}
