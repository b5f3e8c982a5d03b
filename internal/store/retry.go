package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// RetryConfig bounds how storage operations are retried.
type RetryConfig struct {
	MaxAttempts     uint          `koanf:"max_attempts"`
	InitialInterval time.Duration `koanf:"initial_interval"`
	MaxInterval     time.Duration `koanf:"max_interval"`
}

// DefaultRetryConfig returns the default retry policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     4,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     time.Second,
	}
}

// RetryingRepo decorates a Repo with exponential backoff on transient
// failures. Exhausted retries surface as ErrUnavailable.
type RetryingRepo struct {
	inner  Repo
	cfg    RetryConfig
	logger *zap.Logger
}

// WithRetry wraps r with retry behavior.
func WithRetry(r Repo, cfg RetryConfig, logger *zap.Logger) *RetryingRepo {
	if cfg.MaxAttempts == 0 {
		cfg = DefaultRetryConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryingRepo{inner: r, cfg: cfg, logger: logger}
}

// permanentErr reports errors that retrying cannot fix.
func permanentErr(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// callerError marks an error returned by an UpdateFunc so it passes
// through untouched.
type callerError struct{ err error }

func (e *callerError) Error() string { return e.err.Error() }
func (e *callerError) Unwrap() error { return e.err }

func retry[T any](ctx context.Context, r *RetryingRepo, op string, fn func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialInterval
	b.MaxInterval = r.cfg.MaxInterval

	res, err := backoff.Retry(ctx, func() (T, error) {
		v, err := fn()
		if err == nil {
			return v, nil
		}
		var ce *callerError
		if permanentErr(err) || errors.As(err, &ce) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(r.cfg.MaxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			r.logger.Warn("store operation failed, retrying",
				zap.String("op", op),
				zap.Duration("backoff", next),
				zap.Error(err))
		}),
	)
	if err == nil {
		return res, nil
	}

	var ce *callerError
	if errors.As(err, &ce) {
		return res, ce.err
	}
	if permanentErr(err) || errors.Is(err, ErrUnavailable) {
		return res, err
	}
	return res, fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

func (r *RetryingRepo) Get(ctx context.Context, bucket, key string) (*Record, error) {
	return retry(ctx, r, "get", func() (*Record, error) { return r.inner.Get(ctx, bucket, key) })
}

func (r *RetryingRepo) Put(ctx context.Context, rec *Record) (*Record, error) {
	return retry(ctx, r, "put", func() (*Record, error) { return r.inner.Put(ctx, rec) })
}

func (r *RetryingRepo) CompareAndSwap(ctx context.Context, rec *Record, expected int64) (*Record, error) {
	return retry(ctx, r, "cas", func() (*Record, error) { return r.inner.CompareAndSwap(ctx, rec, expected) })
}

func (r *RetryingRepo) Update(ctx context.Context, bucket, key string, fn UpdateFunc) (*Record, error) {
	wrapped := func(cur *Record) (*Record, error) {
		next, err := fn(cur)
		if err != nil {
			return nil, &callerError{err}
		}
		return next, nil
	}
	return retry(ctx, r, "update", func() (*Record, error) { return r.inner.Update(ctx, bucket, key, wrapped) })
}

func (r *RetryingRepo) Delete(ctx context.Context, bucket, key string) error {
	_, err := retry(ctx, r, "delete", func() (struct{}, error) { return struct{}{}, r.inner.Delete(ctx, bucket, key) })
	return err
}

func (r *RetryingRepo) List(ctx context.Context, bucket, owner string) ([]*Record, error) {
	return retry(ctx, r, "list", func() ([]*Record, error) { return r.inner.List(ctx, bucket, owner) })
}

func (r *RetryingRepo) DueBefore(ctx context.Context, bucket, owner string, asOf time.Time) ([]*Record, error) {
	return retry(ctx, r, "due", func() ([]*Record, error) { return r.inner.DueBefore(ctx, bucket, owner, asOf) })
}

func (r *RetryingRepo) DeleteOwner(ctx context.Context, owner string) (int, error) {
	return retry(ctx, r, "delete-owner", func() (int, error) { return r.inner.DeleteOwner(ctx, owner) })
}

func (r *RetryingRepo) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	return retry(ctx, r, "purge", func() (int, error) { return r.inner.PurgeExpired(ctx, now) })
}
