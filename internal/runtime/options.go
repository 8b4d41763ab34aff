package runtime

import (
	"errors"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Option is a functional option for configuring a Gateway.
type Option func(*Gateway) error

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) error {
		if logger == nil {
			return errors.New("logger must not be nil")
		}
		g.logger = logger
		return nil
	}
}

// WithRedisClient uses client for the redis rate limit backend instead of
// dialing the configured URL. The caller keeps ownership of client.
func WithRedisClient(client redis.UniversalClient) Option {
	return func(g *Gateway) error {
		g.redis = client
		return nil
	}
}
