package ratelimit

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/tjfontaine/grok-gateway/internal/domain"
	"github.com/tjfontaine/grok-gateway/internal/pipeline"
)

// Response headers describing the caller's window.
const (
	HeaderLimit      = "x-ratelimit-limit-requests"
	HeaderRemaining  = "x-ratelimit-remaining-requests"
	HeaderReset      = "x-ratelimit-reset-requests"
	HeaderRetryAfter = "Retry-After"
)

// alwaysExempt paths are never rate limited, whatever the configuration adds.
var alwaysExempt = []string{"/health"}

// DecisionObserver is told about every admit and reject, typically for metrics.
type DecisionObserver interface {
	ObserveRateLimit(allowed bool)
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithObserver reports decisions to o.
func WithObserver(o DecisionObserver) Option {
	return func(l *Limiter) {
		l.observer = o
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// Limiter is the rate limiting pipeline stage.
type Limiter struct {
	store    Store
	exempt   map[string]struct{}
	logger   *slog.Logger
	observer DecisionObserver
	now      func() time.Time
}

// New creates a limiter over store. Requests to /health and to exemptPaths
// are admitted without touching the store.
func New(store Store, exemptPaths []string, logger *slog.Logger, opts ...Option) *Limiter {
	l := &Limiter{
		store:  store,
		exempt: make(map[string]struct{}, len(exemptPaths)+len(alwaysExempt)),
		logger: logger,
		now:    time.Now,
	}
	for _, p := range alwaysExempt {
		l.exempt[p] = struct{}{}
	}
	for _, p := range exemptPaths {
		l.exempt[p] = struct{}{}
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Name identifies the stage in logs.
func (l *Limiter) Name() string { return "rate_limit" }

// Process implements pipeline.Stage.
func (l *Limiter) Process(ex *pipeline.Exchange) pipeline.Decision {
	r := ex.Request
	if _, ok := l.exempt[r.URL.Path]; ok {
		return pipeline.Allow(nil)
	}

	key := ex.Identity.Key
	if key == "" {
		key = "anonymous"
	}

	res, err := l.store.Take(r.Context(), key, l.now())
	if err != nil {
		// A store outage must not take the API down with it.
		l.logger.Error("rate limit store unavailable, admitting request",
			slog.String("client", key),
			slog.String("error", err.Error()),
		)
		return pipeline.Allow(nil)
	}

	if l.observer != nil {
		l.observer.ObserveRateLimit(res.Allowed)
	}

	headers := Headers(res)
	if res.Allowed {
		return pipeline.Allow(headers)
	}

	retry := res.RetryAfterSeconds()
	headers.Set(HeaderRetryAfter, strconv.Itoa(retry))
	l.logger.Warn("rate limit exceeded",
		slog.String("client", key),
		slog.String("path", r.URL.Path),
		slog.Int("retry_after", retry),
	)
	return pipeline.Deny(domain.ErrRateLimit(
		fmt.Sprintf("rate limit of %d requests exceeded, retry in %d seconds", res.Limit, retry),
	), headers)
}

// Headers renders the window state of res.
func Headers(res Result) http.Header {
	h := make(http.Header, 3)
	h.Set(HeaderLimit, strconv.Itoa(res.Limit))
	h.Set(HeaderRemaining, strconv.Itoa(res.Remaining))
	h.Set(HeaderReset, strconv.Itoa(res.RetryAfterSeconds())+"s")
	return h
}
