// Package runtime wires the gateway's components from configuration and
// manages the server lifecycle.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/tjfontaine/grok-gateway/internal/auth"
	"github.com/tjfontaine/grok-gateway/internal/config"
	"github.com/tjfontaine/grok-gateway/internal/handlers"
	"github.com/tjfontaine/grok-gateway/internal/metrics"
	"github.com/tjfontaine/grok-gateway/internal/pipeline"
	"github.com/tjfontaine/grok-gateway/internal/ratelimit"
	"github.com/tjfontaine/grok-gateway/internal/relay"
	"github.com/tjfontaine/grok-gateway/internal/requestlog"
	"github.com/tjfontaine/grok-gateway/internal/server"
	"github.com/tjfontaine/grok-gateway/internal/tokens"
	"github.com/tjfontaine/grok-gateway/internal/upstream"
	"github.com/tjfontaine/grok-gateway/internal/validate"
)

// Stage order in the chain. Auth runs first so rejected callers never
// consume rate limit quota.
const (
	orderAuth      = 10
	orderRateLimit = 20
)

// Gateway owns every component built from one configuration.
type Gateway struct {
	cfg    *config.Config
	logger *slog.Logger
	redis  redis.UniversalClient

	metrics *metrics.Collector
	memory  *ratelimit.MemoryStore
	server  *server.Server

	mu      sync.Mutex
	closers []func() error
}

// New builds a gateway. It fails when the configuration is unusable, for
// example authentication enabled without a token or an unreachable Redis.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Gateway, error) {
	g := &Gateway{
		cfg:    cfg,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(g); err != nil {
			return nil, fmt.Errorf("apply option: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	g.metrics = metrics.NewCollector("grok_gateway")

	store, err := g.newStore(ctx)
	if err != nil {
		g.close()
		return nil, fmt.Errorf("rate limit store: %w", err)
	}

	authCfg := auth.Config{
		Enabled:     cfg.Auth.Enabled,
		Token:       cfg.Auth.Token,
		HeaderName:  cfg.Auth.HeaderName,
		ExcludeDocs: cfg.Auth.ExcludeDocs,
	}
	gate, err := auth.NewGate(authCfg, g.logger, auth.WithObserver(g.metrics))
	if err != nil {
		g.close()
		return nil, err
	}
	limiter := ratelimit.New(store, cfg.RateLimit.ExemptPaths, g.logger, ratelimit.WithObserver(g.metrics))

	chain := pipeline.NewExecutor(pipeline.ExecutorConfig{
		Stages: []pipeline.StageConfig{
			{Order: orderAuth, Reached: pipeline.StateAuthChecked, Stage: gate},
			{Order: orderRateLimit, Reached: pipeline.StateRateChecked, Stage: limiter},
		},
		Identifier: auth.NewIdentifier(authCfg, cfg.Server.TrustForwardedFor),
		Recorder:   requestlog.New(g.logger, g.metrics),
	})

	client := upstream.NewClient(cfg.Upstream.APIKey,
		upstream.WithBaseURL(cfg.Upstream.BaseURL),
		upstream.WithConnectTimeout(cfg.Upstream.ConnectTimeout),
		upstream.WithRequestTimeout(cfg.Upstream.RequestTimeout),
		upstream.WithIdleTimeout(cfg.Upstream.IdleTimeout),
		upstream.WithObserver(g.metrics),
	)
	rl := relay.New(client, g.logger,
		relay.WithBuffer(cfg.Upstream.StreamBuffer),
		relay.WithObserver(g.metrics),
	)
	validator := validate.New(validate.Limits{
		MaxTools:               cfg.Validation.MaxTools,
		MaxFunctionName:        cfg.Validation.MaxFunctionName,
		MaxFunctionDescription: cfg.Validation.MaxFunctionDescription,
		MaxParameterDepth:      cfg.Validation.MaxParameterDepth,
	}, cfg.Upstream.NativeToolsEnabled, g.logger)

	h := handlers.New(rl, validator, tokens.NewCounter(), handlers.Models{
		Chat:   cfg.Models.Chat,
		Image:  cfg.Models.Image,
		Vision: cfg.Models.Vision,
	}, g.logger)

	serverOpts := []server.Option{server.WithRequestTimeout(cfg.Upstream.RequestTimeout)}
	if cfg.Metrics.Enabled {
		serverOpts = append(serverOpts, server.WithMetrics(g.metrics.Handler()))
	}
	g.server = server.New(cfg.Server.Port, g.logger, chain, h, serverOpts...)

	g.logger.Info("gateway configured",
		slog.Bool("auth_enabled", cfg.Auth.Enabled),
		slog.String("auth_header", cfg.Auth.HeaderName),
		slog.Int("rate_limit", cfg.RateLimit.Limit),
		slog.Duration("rate_limit_period", cfg.RateLimit.Period()),
		slog.String("rate_limit_backend", cfg.RateLimit.Backend),
		slog.Bool("native_tools_enabled", cfg.Upstream.NativeToolsEnabled),
		slog.Bool("metrics_enabled", cfg.Metrics.Enabled),
	)
	return g, nil
}

func (g *Gateway) newStore(ctx context.Context) (ratelimit.Store, error) {
	rlCfg := ratelimit.Config{Limit: g.cfg.RateLimit.Limit, Period: g.cfg.RateLimit.Period()}

	switch g.cfg.RateLimit.Backend {
	case "redis":
		client := g.redis
		if client == nil {
			c, err := ratelimit.NewRedisClient(ctx, g.cfg.RateLimit.RedisURL)
			if err != nil {
				return nil, err
			}
			g.addCloser(c.Close)
			client = c
		}
		return ratelimit.NewRedisStore(client, rlCfg)
	default:
		store, err := ratelimit.NewMemoryStore(rlCfg)
		if err != nil {
			return nil, err
		}
		g.memory = store
		return store, nil
	}
}

// Handler returns the gateway's root HTTP handler.
func (g *Gateway) Handler() http.Handler {
	return g.server.Handler()
}

// Metrics returns the gateway's metrics collector.
func (g *Gateway) Metrics() *metrics.Collector {
	return g.metrics
}

// Start listens on the configured port and serves until Shutdown.
func (g *Gateway) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", g.cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", g.cfg.Server.Port, err)
	}
	return g.Serve(ctx, ln)
}

// Serve serves on ln until Shutdown. Background work such as sweeping
// expired rate limit windows stops when ctx is done.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	if g.memory != nil {
		g.memory.StartSweeper(ctx, g.cfg.RateLimit.SweepInterval)
	}
	return g.server.Serve(ln)
}

// Shutdown drains in-flight requests until ctx expires, then releases
// external connections.
func (g *Gateway) Shutdown(ctx context.Context) error {
	err := g.server.Shutdown(ctx)
	if cerr := g.close(); cerr != nil {
		err = errors.Join(err, cerr)
	}
	if err != nil {
		g.logger.Error("failed to shutdown gateway", slog.String("error", err.Error()))
		return err
	}
	g.logger.Info("gateway shutdown complete")
	return nil
}

func (g *Gateway) addCloser(fn func() error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closers = append(g.closers, fn)
}

func (g *Gateway) close() error {
	g.mu.Lock()
	closers := g.closers
	g.closers = nil
	g.mu.Unlock()

	var errs []error
	for _, fn := range closers {
		if err := fn(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
