package hints

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidContext is returned for an empty or unknown context key,
	// or an escalation on a context that has no episode.
	ErrInvalidContext = errors.New("hints: invalid context")

	// ErrUpstreamTimeout is returned when the generator missed its deadline.
	ErrUpstreamTimeout = errors.New("hints: upstream timeout")

	// ErrUpstreamRejected is returned when the generator refused the request.
	ErrUpstreamRejected = errors.New("hints: upstream rejected request")

	// ErrUpstreamUnavailable covers every other generator failure.
	ErrUpstreamUnavailable = errors.New("hints: upstream unavailable")

	// ErrRateLimited is matched by *RateLimitError.
	ErrRateLimited = errors.New("hints: rate limited")

	// ErrEpisodeReset is returned to callers waiting on a generation that
	// was cancelled because its episode ended.
	ErrEpisodeReset = errors.New("hints: episode reset")
)

// RateLimitError carries how long the caller should wait.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("hints: rate limited (retry after %s)", e.RetryAfter)
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// ValidationError reports a malformed request field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("hints: invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidContext }
