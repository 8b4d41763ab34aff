package ratelimit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/grok-gateway/internal/domain"
	"github.com/tjfontaine/grok-gateway/internal/pipeline"
)

type failingStore struct{}

func (failingStore) Take(context.Context, string, time.Time) (Result, error) {
	return Result{}, errors.New("connection refused")
}

type countingStore struct {
	Store
	calls int
}

func (c *countingStore) Take(ctx context.Context, key string, now time.Time) (Result, error) {
	c.calls++
	return c.Store.Take(ctx, key, now)
}

type decisionCounter struct{ allowed, rejected int }

func (d *decisionCounter) ObserveRateLimit(allowed bool) {
	if allowed {
		d.allowed++
	} else {
		d.rejected++
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func exchange(path, identity string) *pipeline.Exchange {
	return &pipeline.Exchange{
		Request:  httptest.NewRequest(http.MethodPost, path, nil),
		Identity: pipeline.Identity{Key: identity, Kind: "token"},
		State:    pipeline.StateAuthChecked,
	}
}

func TestLimiter_AdmitThenReject(t *testing.T) {
	store := newMemoryStore(t, 2, time.Minute)
	obs := &decisionCounter{}
	now := epoch
	l := New(store, []string{"/health"}, quietLogger(), WithObserver(obs), WithClock(func() time.Time { return now }))

	d := l.Process(exchange("/api/v1/chat/completions", "token:a"))
	require.True(t, d.Allow)
	assert.Equal(t, "2", d.Headers.Get(HeaderLimit))
	assert.Equal(t, "1", d.Headers.Get(HeaderRemaining))
	assert.Equal(t, "60s", d.Headers.Get(HeaderReset))

	now = now.Add(15 * time.Second)
	d = l.Process(exchange("/api/v1/chat/completions", "token:a"))
	require.True(t, d.Allow)
	assert.Equal(t, "0", d.Headers.Get(HeaderRemaining))

	d = l.Process(exchange("/api/v1/chat/completions", "token:a"))
	require.False(t, d.Allow)
	assert.Equal(t, domain.ErrorTypeRateLimit, d.Err.Type)
	assert.Equal(t, domain.ErrorCodeRateLimitExceeded, d.Err.Code)
	assert.Equal(t, http.StatusTooManyRequests, d.Err.HTTPStatusCode())
	assert.Equal(t, "45", d.Headers.Get(HeaderRetryAfter))
	assert.Equal(t, "0", d.Headers.Get(HeaderRemaining))

	assert.Equal(t, 2, obs.allowed)
	assert.Equal(t, 1, obs.rejected)
}

func TestLimiter_ExemptPathsSkipStore(t *testing.T) {
	store := &countingStore{Store: newMemoryStore(t, 1, time.Minute)}
	l := New(store, []string{"/health"}, quietLogger())

	for i := 0; i < 5; i++ {
		d := l.Process(exchange("/health", "ip:1.1.1.1"))
		assert.True(t, d.Allow)
		assert.Empty(t, d.Headers)
	}
	assert.Zero(t, store.calls)

	assert.True(t, l.Process(exchange("/api/v1/chat/completions", "ip:1.1.1.1")).Allow)
	assert.False(t, l.Process(exchange("/api/v1/chat/completions", "ip:1.1.1.1")).Allow)
	assert.Equal(t, 2, store.calls)
}

func TestLimiter_HealthExemptRegardlessOfConfig(t *testing.T) {
	for _, exempt := range [][]string{nil, {}, {"/metrics"}} {
		store := &countingStore{Store: newMemoryStore(t, 1, time.Minute)}
		l := New(store, exempt, quietLogger())

		for i := 0; i < 3; i++ {
			assert.True(t, l.Process(exchange("/health", "ip:1.1.1.1")).Allow)
		}
		assert.Zero(t, store.calls)
	}
}

func TestLimiter_StoreFailureFailsOpen(t *testing.T) {
	l := New(failingStore{}, nil, quietLogger())

	d := l.Process(exchange("/api/v1/chat/completions", "token:a"))
	assert.True(t, d.Allow)
}

func TestLimiter_EmptyIdentitySharesAnonymousWindow(t *testing.T) {
	l := New(newMemoryStore(t, 1, time.Minute), nil, quietLogger())

	assert.True(t, l.Process(exchange("/x", "")).Allow)
	assert.False(t, l.Process(exchange("/x", "")).Allow)
}
