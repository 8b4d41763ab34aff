package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "grok-gateway:ratelimit:"

// takeScript applies the fixed-window rule atomically. The key expires when
// the window ends, so the first request after expiry opens a new window.
// Returns {allowed, count, pttl}.
var takeScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local limit = tonumber(ARGV[1])
local period = tonumber(ARGV[2])
if current >= limit then
	local ttl = redis.call('PTTL', KEYS[1])
	if ttl < 0 then
		redis.call('PEXPIRE', KEYS[1], period)
		ttl = period
	end
	return {0, current, ttl}
end
current = redis.call('INCR', KEYS[1])
if current == 1 then
	redis.call('PEXPIRE', KEYS[1], period)
end
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
	redis.call('PEXPIRE', KEYS[1], period)
	ttl = period
end
return {1, current, ttl}
`)

// RedisStore shares windows between gateway replicas through Redis.
type RedisStore struct {
	cfg    Config
	client redis.UniversalClient
}

// NewRedisStore creates a store on an existing client.
func NewRedisStore(client redis.UniversalClient, cfg Config) (*RedisStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &RedisStore{cfg: cfg, client: client}, nil
}

// NewRedisClient parses a redis:// URL and pings the server.
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// Take implements Store.
func (s *RedisStore) Take(ctx context.Context, key string, now time.Time) (Result, error) {
	vals, err := takeScript.Run(ctx, s.client,
		[]string{redisKeyPrefix + key},
		s.cfg.Limit, s.cfg.Period.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("rate limit script: %w", err)
	}
	if len(vals) != 3 {
		return Result{}, fmt.Errorf("rate limit script: unexpected reply %v", vals)
	}

	ttl := time.Duration(vals[2]) * time.Millisecond
	remaining := s.cfg.Limit - int(vals[1])
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:    vals[0] == 1,
		Limit:      s.cfg.Limit,
		Remaining:  remaining,
		ResetAt:    now.Add(ttl),
		RetryAfter: ttl,
	}, nil
}
