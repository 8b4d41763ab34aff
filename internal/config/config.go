// Package config loads gateway configuration from the environment and an
// optional YAML file.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/tjfontaine/grok-gateway/internal/domain"
)

// FileEnv names the environment variable pointing at an optional YAML file.
const FileEnv = "GATEWAY_CONFIG_FILE"

// Config is the complete gateway configuration, read once at startup.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Auth       AuthConfig       `koanf:"auth"`
	RateLimit  RateLimitConfig  `koanf:"rate_limit"`
	Upstream   UpstreamConfig   `koanf:"upstream"`
	Models     ModelsConfig     `koanf:"models"`
	Validation ValidationConfig `koanf:"validation"`
	Log        LogConfig        `koanf:"log"`
	Metrics    MetricsConfig    `koanf:"metrics"`
	Telemetry  TelemetryConfig  `koanf:"telemetry"`
}

// ServerConfig controls the listener and client address resolution.
type ServerConfig struct {
	Port              int  `koanf:"port"`
	TrustForwardedFor bool `koanf:"trust_forwarded_for"`
}

// AuthConfig controls the shared-token gate.
type AuthConfig struct {
	Enabled     bool   `koanf:"enabled"`
	Token       string `koanf:"token"`
	HeaderName  string `koanf:"header_name"`
	ExcludeDocs bool   `koanf:"exclude_docs"`
}

// RateLimitConfig controls the fixed-window limiter and its store.
type RateLimitConfig struct {
	Limit         int           `koanf:"limit"`
	PeriodSeconds int           `koanf:"period_seconds"`
	ExemptPaths   []string      `koanf:"exempt_paths"`
	Backend       string        `koanf:"backend"` // memory, redis
	RedisURL      string        `koanf:"redis_url"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
}

// Period returns the window length.
func (c RateLimitConfig) Period() time.Duration {
	return time.Duration(c.PeriodSeconds) * time.Second
}

// UpstreamConfig points at the xAI API and bounds calls to it.
type UpstreamConfig struct {
	APIKey             string        `koanf:"api_key"`
	BaseURL            string        `koanf:"base_url"`
	ConnectTimeout     time.Duration `koanf:"connect_timeout"`
	RequestTimeout     time.Duration `koanf:"request_timeout"`
	IdleTimeout        time.Duration `koanf:"idle_timeout"`
	StreamBuffer       int           `koanf:"stream_buffer"`
	NativeToolsEnabled bool          `koanf:"native_tools_enabled"`
}

// ModelsConfig names the models used when a request omits one.
type ModelsConfig struct {
	Chat   string `koanf:"chat"`
	Image  string `koanf:"image"`
	Vision string `koanf:"vision"`
}

// ValidationConfig bounds tool definitions in chat requests.
type ValidationConfig struct {
	MaxTools               int `koanf:"max_tools"`
	MaxFunctionName        int `koanf:"max_function_name"`
	MaxFunctionDescription int `koanf:"max_function_description"`
	MaxParameterDepth      int `koanf:"max_parameter_depth"`
}

// LogConfig selects the slog level and handler.
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // json, text
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `koanf:"enabled"`
}

// TelemetryConfig toggles trace export.
type TelemetryConfig struct {
	Stdout bool `koanf:"stdout"`
}

// envKeys maps the environment variables the gateway honours to config keys.
var envKeys = map[string]string{
	"PORT":                            "server.port",
	"TRUST_FORWARDED_FOR":             "server.trust_forwarded_for",
	"AUTH_ENABLED":                    "auth.enabled",
	"AUTH_TOKEN":                      "auth.token",
	"AUTH_HEADER_NAME":                "auth.header_name",
	"AUTH_EXCLUDE_DOCS":               "auth.exclude_docs",
	"RATE_LIMIT":                      "rate_limit.limit",
	"RATE_LIMIT_PERIOD_SECONDS":       "rate_limit.period_seconds",
	"RATE_LIMIT_EXEMPT_PATHS":         "rate_limit.exempt_paths",
	"RATE_LIMIT_BACKEND":              "rate_limit.backend",
	"RATE_LIMIT_REDIS_URL":            "rate_limit.redis_url",
	"RATE_LIMIT_SWEEP_INTERVAL":       "rate_limit.sweep_interval",
	"XAI_API_KEY":                     "upstream.api_key",
	"XAI_API_BASE":                    "upstream.base_url",
	"UPSTREAM_CONNECT_TIMEOUT":        "upstream.connect_timeout",
	"UPSTREAM_REQUEST_TIMEOUT":        "upstream.request_timeout",
	"UPSTREAM_IDLE_TIMEOUT":           "upstream.idle_timeout",
	"UPSTREAM_STREAM_BUFFER":          "upstream.stream_buffer",
	"XAI_NATIVE_TOOLS_ENABLED":        "upstream.native_tools_enabled",
	"DEFAULT_CHAT_MODEL":              "models.chat",
	"DEFAULT_IMAGE_GEN_MODEL":         "models.image",
	"DEFAULT_VISION_MODEL":            "models.vision",
	"MAX_TOOLS_PER_REQUEST":           "validation.max_tools",
	"MAX_FUNCTION_NAME_LENGTH":        "validation.max_function_name",
	"MAX_FUNCTION_DESCRIPTION_LENGTH": "validation.max_function_description",
	"MAX_PARAMETER_DEPTH":             "validation.max_parameter_depth",
	"LOG_LEVEL":                       "log.level",
	"LOG_FORMAT":                      "log.format",
	"METRICS_ENABLED":                 "metrics.enabled",
	"OTEL_STDOUT_ENABLED":             "telemetry.stdout",
}

var defaults = map[string]any{
	"server.port":                         8000,
	"server.trust_forwarded_for":          false,
	"auth.enabled":                        false,
	"auth.token":                          "",
	"auth.header_name":                    "Authorization",
	"auth.exclude_docs":                   true,
	"rate_limit.limit":                    100,
	"rate_limit.period_seconds":           3600,
	"rate_limit.exempt_paths":             []string{"/health"},
	"rate_limit.backend":                  "memory",
	"rate_limit.sweep_interval":           "1m",
	"upstream.base_url":                   "https://api.x.ai/v1",
	"upstream.connect_timeout":            "10s",
	"upstream.request_timeout":            "60s",
	"upstream.idle_timeout":               "60s",
	"upstream.stream_buffer":              16,
	"upstream.native_tools_enabled":       false,
	"models.chat":                         "grok-3-mini-beta",
	"models.image":                        "grok-2-image",
	"models.vision":                       "grok-2-vision-latest",
	"validation.max_tools":                20,
	"validation.max_function_name":        64,
	"validation.max_function_description": 1024,
	"validation.max_parameter_depth":      5,
	"log.level":                           "info",
	"log.format":                          "json",
	"metrics.enabled":                     false,
	"telemetry.stdout":                    false,
}

// Load reads configuration once at startup. Precedence, lowest first:
// built-in defaults, the YAML file named by GATEWAY_CONFIG_FILE, environment.
func Load() (*Config, error) {
	k := koanf.New(".")

	for key, v := range defaults {
		k.Set(key, v)
	}

	if path := os.Getenv(FileEnv); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.ProviderWithValue("", ".", mapEnv), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Secrets in the YAML file may reference the environment.
	cfg.Auth.Token = substituteEnvVars(cfg.Auth.Token)
	cfg.Upstream.APIKey = substituteEnvVars(cfg.Upstream.APIKey)
	cfg.RateLimit.RedisURL = substituteEnvVars(cfg.RateLimit.RedisURL)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// mapEnv translates a known environment variable into a config key and
// value. Unknown variables are skipped.
func mapEnv(name, value string) (string, interface{}) {
	key, ok := envKeys[name]
	if !ok {
		return "", nil
	}
	if key == "rate_limit.exempt_paths" {
		var paths []string
		for _, p := range strings.Split(value, ",") {
			if p = strings.TrimSpace(p); p != "" {
				paths = append(paths, p)
			}
		}
		return key, paths
	}
	return key, value
}

// Validate rejects configuration the gateway cannot safely run with.
func (c *Config) Validate() error {
	if c.Auth.Enabled && strings.TrimSpace(c.Auth.Token) == "" {
		return &domain.ConfigError{Key: "AUTH_TOKEN", Message: "must be set when AUTH_ENABLED is true"}
	}
	if strings.TrimSpace(c.Auth.HeaderName) == "" {
		return &domain.ConfigError{Key: "AUTH_HEADER_NAME", Message: "must not be empty"}
	}
	if c.RateLimit.Limit <= 0 {
		return &domain.ConfigError{Key: "RATE_LIMIT", Message: "must be positive"}
	}
	if c.RateLimit.PeriodSeconds <= 0 {
		return &domain.ConfigError{Key: "RATE_LIMIT_PERIOD_SECONDS", Message: "must be positive"}
	}
	switch c.RateLimit.Backend {
	case "memory":
	case "redis":
		if c.RateLimit.RedisURL == "" {
			return &domain.ConfigError{Key: "RATE_LIMIT_REDIS_URL", Message: "required for the redis backend"}
		}
	default:
		return &domain.ConfigError{Key: "RATE_LIMIT_BACKEND", Message: fmt.Sprintf("unknown backend %q", c.RateLimit.Backend)}
	}
	if c.Upstream.StreamBuffer <= 0 {
		return &domain.ConfigError{Key: "UPSTREAM_STREAM_BUFFER", Message: "must be positive"}
	}
	if c.Upstream.ConnectTimeout <= 0 || c.Upstream.RequestTimeout <= 0 || c.Upstream.IdleTimeout <= 0 {
		return &domain.ConfigError{Key: "UPSTREAM_*_TIMEOUT", Message: "timeouts must be positive"}
	}
	return nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
