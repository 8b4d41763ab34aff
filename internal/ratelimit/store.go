// Package ratelimit implements per-client fixed-window request limiting.
//
// A window opens on a client's first request and admits up to Limit requests
// until Period has elapsed, after which the next request opens a new window.
// Rejected requests do not count against the window. Because windows are
// fixed, a client can issue up to 2*Limit requests across a window boundary.
package ratelimit

import (
	"context"
	"errors"
	"time"
)

// ErrInvalidConfig is returned for a non-positive limit or period.
var ErrInvalidConfig = errors.New("rate limit and period must be positive")

// Config is the immutable limiter configuration.
type Config struct {
	Limit  int
	Period time.Duration
}

// Validate checks that both Limit and Period are positive.
func (c Config) Validate() error {
	if c.Limit <= 0 || c.Period <= 0 {
		return ErrInvalidConfig
	}
	return nil
}

// Result is the outcome of a single Take.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	// ResetAt is when the current window ends.
	ResetAt time.Time
	// RetryAfter is the time until ResetAt, measured from the Take.
	RetryAfter time.Duration
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds, never below one,
// as required by the Retry-After header.
func (r Result) RetryAfterSeconds() int {
	secs := int((r.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Store counts requests per key. Implementations must make Take atomic per
// key so concurrent requests from one client cannot exceed the limit.
type Store interface {
	Take(ctx context.Context, key string, now time.Time) (Result, error)
}
