// Package metrics exposes gateway counters and histograms to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tjfontaine/grok-gateway/internal/requestlog"
)

// Collector owns a private registry so tests and multiple gateways in one
// process do not collide on the global one.
type Collector struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	rateLimitDecisions *prometheus.CounterVec
	authDenials        *prometheus.CounterVec

	upstreamRequests *prometheus.CounterVec
	upstreamDuration *prometheus.HistogramVec

	streamFrames     prometheus.Counter
	streamFallbacks  prometheus.Counter
	streamTerminated *prometheus.CounterVec
}

// NewCollector registers all gateway metrics under namespace.
func NewCollector(namespace string) *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	c := &Collector{registry: reg}

	c.httpRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"method", "path"},
	)

	c.rateLimitDecisions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_decisions_total",
			Help:      "Rate limiter decisions by outcome",
		},
		[]string{"decision"},
	)

	c.authDenials = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_denials_total",
			Help:      "Requests denied by the auth gate",
		},
		[]string{"code"},
	)

	c.upstreamRequests = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "Requests sent to the upstream API",
		},
		[]string{"path", "status"},
	)

	c.upstreamDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_request_duration_seconds",
			Help:      "Upstream time to response headers in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"path"},
	)

	c.streamFrames = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_frames_total",
		Help:      "SSE frames relayed to clients",
	})

	c.streamFallbacks = factory.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stream_fallbacks_total",
		Help:      "Streaming requests served in buffered mode",
	})

	c.streamTerminated = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_terminated_total",
			Help:      "Streams ended with a terminal error frame",
		},
		[]string{"code"},
	)

	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// ObserveRequest records a completed HTTP request.
func (c *Collector) ObserveRequest(method, path string, status int, duration time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// ObserveRateLimit records an admit or reject.
func (c *Collector) ObserveRateLimit(allowed bool) {
	decision := "rejected"
	if allowed {
		decision = "admitted"
	}
	c.rateLimitDecisions.WithLabelValues(decision).Inc()
}

// ObserveAuthDenial records a denied request by error code.
func (c *Collector) ObserveAuthDenial(code string) {
	c.authDenials.WithLabelValues(code).Inc()
}

// ObserveUpstream records one upstream call. status is 0 when no response
// was received.
func (c *Collector) ObserveUpstream(path string, status int, duration time.Duration) {
	path = requestlog.NormalizePath(path)
	c.upstreamRequests.WithLabelValues(path, strconv.Itoa(status)).Inc()
	c.upstreamDuration.WithLabelValues(path).Observe(duration.Seconds())
}

// ObserveStreamFrame records a relayed SSE frame.
func (c *Collector) ObserveStreamFrame() { c.streamFrames.Inc() }

// ObserveStreamFallback records a stream request downgraded to buffered mode.
func (c *Collector) ObserveStreamFallback() { c.streamFallbacks.Inc() }

// ObserveStreamTerminated records a stream cut short by an error.
func (c *Collector) ObserveStreamTerminated(code string) {
	c.streamTerminated.WithLabelValues(code).Inc()
}
