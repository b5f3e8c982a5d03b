package llm

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

type retrying struct {
	inner Provider
	cfg   RetryConfig
}

// WithRetry retries transient failures of p with jittered exponential
// backoff. Rejections, truncation and cancellation fail at once. A reply
// that breaks its schema gets exactly one more try.
func WithRetry(p Provider, cfg RetryConfig) Provider {
	return &retrying{inner: p, cfg: cfg}
}

func (r *retrying) Generate(ctx context.Context, req Request) (*Response, error) {
	tries := max(r.cfg.MaxAttempts, 1)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialWait
	b.MaxInterval = r.cfg.MaxWait
	b.RandomizationFactor = 0.2
	if r.cfg.Multiplier > 0 {
		b.Multiplier = r.cfg.Multiplier
	}

	var reshaped bool
	op := func() (*Response, error) {
		resp, err := r.inner.Generate(ctx, req)
		if err == nil {
			return resp, nil
		}
		if !transient(err, &reshaped) || waitOutlivesDeadline(ctx, err) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	return backoff.Retry(ctx, op, backoff.WithBackOff(b), backoff.WithMaxTries(uint(tries)))
}

func (r *retrying) ModelID() string {
	return r.inner.ModelID()
}

// transient reports whether err is worth another attempt. Schema
// violations qualify once; *reshaped records that the chance was used.
func transient(err error, reshaped *bool) bool {
	var (
		maxTok  *ErrMaxTokensExceeded
		invalid *ErrInvalidResponse
	)
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	case errors.As(err, &maxTok), IsRejected(err):
		return false
	case errors.As(err, &invalid):
		if *reshaped {
			return false
		}
		*reshaped = true
	}
	return true
}

// waitOutlivesDeadline reports whether a rate limit asks for a longer
// pause than ctx has left.
func waitOutlivesDeadline(ctx context.Context, err error) bool {
	var rl *ErrRateLimit
	if !errors.As(err, &rl) || rl.RetryAfter <= 0 {
		return false
	}
	dl, ok := ctx.Deadline()
	return ok && time.Until(dl) < rl.RetryAfter
}
