package runtime

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"

	"github.com/tjfontaine/grok-gateway/internal/config"
	"github.com/tjfontaine/grok-gateway/internal/domain"
	"github.com/tjfontaine/grok-gateway/internal/ratelimit"
)

const testToken = "s3cret-token"

// upstreamStub answers every call with a minimal chat completion and counts
// what reached it.
type upstreamStub struct {
	calls atomic.Int64
}

func (u *upstreamStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	io.Copy(io.Discard, r.Body)
	u.calls.Add(1)
	w.Header().Set("Content-Type", "application/json")
	io.WriteString(w, `{"id":"chatcmpl-1","object":"chat.completion","created":1,"model":"grok-3-mini-beta",`+
		`"choices":[{"index":0,"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}],`+
		`"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`)
}

func testConfig(upstreamURL string) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Port: 0},
		Auth: config.AuthConfig{
			HeaderName:  "Authorization",
			ExcludeDocs: true,
		},
		RateLimit: config.RateLimitConfig{
			Limit:         100,
			PeriodSeconds: 3600,
			ExemptPaths:   []string{"/health"},
			Backend:       "memory",
			SweepInterval: time.Minute,
		},
		Upstream: config.UpstreamConfig{
			APIKey:         "test-key",
			BaseURL:        upstreamURL,
			ConnectTimeout: time.Second,
			RequestTimeout: 5 * time.Second,
			IdleTimeout:    5 * time.Second,
			StreamBuffer:   16,
		},
		Models: config.ModelsConfig{
			Chat:   "grok-3-mini-beta",
			Image:  "grok-2-image",
			Vision: "grok-2-vision-latest",
		},
		Validation: config.ValidationConfig{
			MaxTools:               20,
			MaxFunctionName:        64,
			MaxFunctionDescription: 1024,
			MaxParameterDepth:      5,
		},
	}
}

func newGateway(t *testing.T, mutate func(*config.Config), opts ...Option) (*Gateway, *upstreamStub) {
	t.Helper()
	stub := &upstreamStub{}
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)

	cfg := testConfig(srv.URL)
	if mutate != nil {
		mutate(cfg)
	}
	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	g, err := New(context.Background(), cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { g.close() })
	return g, stub
}

type call struct {
	method string
	path   string
	body   string
	header map[string]string
}

func (c call) do(h http.Handler) *httptest.ResponseRecorder {
	var body io.Reader
	if c.body != "" {
		body = strings.NewReader(c.body)
	}
	req := httptest.NewRequest(c.method, c.path, body)
	for k, v := range c.header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

const chatBody = `{"messages":[{"role":"user","content":"hello"}]}`

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func TestNew_AuthEnabledWithoutTokenFails(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.Auth.Enabled = true

	_, err := New(context.Background(), cfg, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	require.Error(t, err)

	var cfgErr *domain.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "AUTH_TOKEN", cfgErr.Key)
}

func TestNew_RejectsNilLogger(t *testing.T) {
	_, err := New(context.Background(), testConfig("http://127.0.0.1:1"), WithLogger(nil))
	assert.Error(t, err)
}

func TestNew_UnreachableRedisFails(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:1")
	cfg.RateLimit.Backend = "redis"
	cfg.RateLimit.RedisURL = "redis://127.0.0.1:1"

	_, err := New(context.Background(), cfg, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	assert.Error(t, err)
}

func TestGateway_HealthAlwaysAvailable(t *testing.T) {
	g, _ := newGateway(t, func(c *config.Config) {
		c.Auth.Enabled = true
		c.Auth.Token = testToken
		c.RateLimit.Limit = 1
	})
	h := g.Handler()

	for i := 0; i < 5; i++ {
		rec := call{method: http.MethodGet, path: "/health"}.do(h)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "healthy", gjson.Get(rec.Body.String(), "status").String())
		assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
		assert.NotEmpty(t, rec.Header().Get("X-Process-Time"))
	}
}

func TestGateway_HealthExemptWhateverTheExemptPaths(t *testing.T) {
	for _, exempt := range [][]string{nil, {"/metrics"}} {
		g, _ := newGateway(t, func(c *config.Config) {
			c.RateLimit.Limit = 1
			c.RateLimit.ExemptPaths = exempt
		})
		h := g.Handler()

		for i := 0; i < 3; i++ {
			rec := call{method: http.MethodGet, path: "/health"}.do(h)
			require.Equal(t, http.StatusOK, rec.Code, "exempt=%v call=%d", exempt, i)
		}
	}
}

func TestGateway_AuthDisabledNeverChallenges(t *testing.T) {
	g, stub := newGateway(t, nil)

	rec := call{method: http.MethodPost, path: "/api/v1/chat/completions", body: chatBody}.do(g.Handler())
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("WWW-Authenticate"))
	assert.EqualValues(t, 1, stub.calls.Load())
}

func TestGateway_AuthEnabled(t *testing.T) {
	g, stub := newGateway(t, func(c *config.Config) {
		c.Auth.Enabled = true
		c.Auth.Token = testToken
	})
	h := g.Handler()

	tests := []struct {
		name     string
		header   map[string]string
		wantCode int
		wantErr  string
	}{
		{name: "missing", wantCode: http.StatusUnauthorized, wantErr: "missing_authorization"},
		{name: "wrong scheme", header: map[string]string{"Authorization": "Basic " + testToken}, wantCode: http.StatusUnauthorized, wantErr: "missing_authorization"},
		{name: "wrong token", header: bearer("nope"), wantCode: http.StatusUnauthorized, wantErr: "invalid_token"},
		{name: "valid", header: bearer(testToken), wantCode: http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := call{method: http.MethodPost, path: "/api/v1/chat/completions", body: chatBody, header: tt.header}.do(h)
			require.Equal(t, tt.wantCode, rec.Code)
			if tt.wantErr != "" {
				assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))
				assert.Equal(t, tt.wantErr, gjson.Get(rec.Body.String(), "error.code").String())
			}
		})
	}
	assert.EqualValues(t, 1, stub.calls.Load(), "only the authenticated call reaches upstream")
}

func TestGateway_RateLimitExceeded(t *testing.T) {
	g, stub := newGateway(t, func(c *config.Config) {
		c.RateLimit.Limit = 2
		c.RateLimit.PeriodSeconds = 60
	})
	h := g.Handler()
	c := call{method: http.MethodPost, path: "/api/v1/chat/completions", body: chatBody}

	first := c.do(h)
	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, "2", first.Header().Get(ratelimit.HeaderLimit))
	assert.Equal(t, "1", first.Header().Get(ratelimit.HeaderRemaining))

	require.Equal(t, http.StatusOK, c.do(h).Code)

	rec := c.do(h)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get(ratelimit.HeaderRemaining))
	assert.NotEmpty(t, rec.Header().Get(ratelimit.HeaderRetryAfter))
	assert.Equal(t, "rate_limit_exceeded", gjson.Get(rec.Body.String(), "error.code").String())
	assert.NotEmpty(t, rec.Header().Get("X-Process-Time"))
	assert.EqualValues(t, 2, stub.calls.Load())
}

func TestGateway_UnverifiedTokensShareAddressWindow(t *testing.T) {
	g, stub := newGateway(t, func(c *config.Config) {
		c.RateLimit.Limit = 2
	})
	h := g.Handler()

	admitted := 0
	for i := 0; i < 20; i++ {
		rec := call{
			method: http.MethodPost,
			path:   "/api/v1/chat/completions",
			body:   chatBody,
			header: bearer(fmt.Sprintf("junk-%d", i)),
		}.do(h)
		if rec.Code == http.StatusOK {
			admitted++
		}
	}
	assert.Equal(t, 2, admitted)
	assert.EqualValues(t, 2, stub.calls.Load())
}

func TestGateway_AuthRunsBeforeRateLimit(t *testing.T) {
	g, _ := newGateway(t, func(c *config.Config) {
		c.Auth.Enabled = true
		c.Auth.Token = testToken
		c.RateLimit.Limit = 1
	})
	h := g.Handler()

	for i := 0; i < 3; i++ {
		rec := call{method: http.MethodPost, path: "/api/v1/chat/completions", body: chatBody}.do(h)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	rec := call{method: http.MethodPost, path: "/api/v1/chat/completions", body: chatBody, header: bearer(testToken)}.do(h)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGateway_ConcurrentClientsAdmitExactlyLimit(t *testing.T) {
	const (
		clients    = 50
		perClient  = 20
		limit      = 10
		totalCalls = clients * perClient
	)
	g, stub := newGateway(t, func(c *config.Config) {
		c.Server.TrustForwardedFor = true
		c.RateLimit.Limit = limit
	})
	h := g.Handler()

	var admitted, rejected atomic.Int64
	var eg errgroup.Group
	eg.SetLimit(64)
	for i := 0; i < totalCalls; i++ {
		ip := fmt.Sprintf("10.0.0.%d", i%clients)
		eg.Go(func() error {
			rec := call{
				method: http.MethodGet,
				path:   "/api/v1/responses/resp_1",
				header: map[string]string{"X-Forwarded-For": ip},
			}.do(h)
			switch rec.Code {
			case http.StatusOK:
				admitted.Add(1)
			case http.StatusTooManyRequests:
				rejected.Add(1)
			default:
				return fmt.Errorf("unexpected status %d", rec.Code)
			}
			return nil
		})
	}
	require.NoError(t, eg.Wait())

	assert.EqualValues(t, clients*limit, admitted.Load())
	assert.EqualValues(t, totalCalls-clients*limit, rejected.Load())
	assert.EqualValues(t, clients*limit, stub.calls.Load())
}

func TestGateway_IdenticalRequestsAreNotDeduplicated(t *testing.T) {
	g, stub := newGateway(t, nil)
	h := g.Handler()

	c := call{method: http.MethodPost, path: "/api/v1/chat/completions", body: chatBody}
	require.Equal(t, http.StatusOK, c.do(h).Code)
	require.Equal(t, http.StatusOK, c.do(h).Code)
	assert.EqualValues(t, 2, stub.calls.Load())
}

func TestGateway_UnknownRouteIsJSON(t *testing.T) {
	g, _ := newGateway(t, nil)

	rec := call{method: http.MethodGet, path: "/api/v1/nope"}.do(g.Handler())
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "not_found_error", gjson.Get(rec.Body.String(), "error.type").String())
}

func TestGateway_MetricsBehindAuth(t *testing.T) {
	g, _ := newGateway(t, func(c *config.Config) {
		c.Auth.Enabled = true
		c.Auth.Token = testToken
		c.Metrics.Enabled = true
	})
	h := g.Handler()

	rec := call{method: http.MethodGet, path: "/metrics"}.do(h)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = call{method: http.MethodGet, path: "/metrics", header: bearer(testToken)}.do(h)
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, "grok_gateway_auth_denials_total")
	assert.Contains(t, body, "grok_gateway_http_requests_total")
}

func TestGateway_MetricsDisabledByDefault(t *testing.T) {
	g, _ := newGateway(t, nil)

	rec := call{method: http.MethodGet, path: "/metrics"}.do(g.Handler())
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGateway_RedisBackend(t *testing.T) {
	mr := miniredis.RunT(t)

	g, _ := newGateway(t, func(c *config.Config) {
		c.RateLimit.Backend = "redis"
		c.RateLimit.RedisURL = "redis://" + mr.Addr()
		c.RateLimit.Limit = 1
	})
	h := g.Handler()

	c := call{method: http.MethodPost, path: "/api/v1/chat/completions", body: chatBody}
	require.Equal(t, http.StatusOK, c.do(h).Code)
	assert.Equal(t, http.StatusTooManyRequests, c.do(h).Code)
	assert.NotEmpty(t, mr.Keys(), "window lives in redis")
}

func TestGateway_ServeAndShutdown(t *testing.T) {
	g, _ := newGateway(t, nil)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	var serveErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		serveErr = g.Serve(ctx, ln)
	}()

	url := "http://" + ln.Addr().String() + "/health"
	require.Eventually(t, func() bool {
		resp, err := http.Get(url)
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer shutdownCancel()
	require.NoError(t, g.Shutdown(shutdownCtx))

	wg.Wait()
	assert.NoError(t, serveErr)
}
