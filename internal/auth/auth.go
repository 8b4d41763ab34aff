// Package auth implements the shared-token authentication gate and the
// client identity used for rate limiting.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tjfontaine/grok-gateway/internal/domain"
	"github.com/tjfontaine/grok-gateway/internal/pipeline"
)

const (
	authorizationHeader = "Authorization"
	bearerPrefix        = "Bearer "
)

var (
	alwaysExempt = []string{"/health"}
	docsPaths    = []string{"/docs", "/redoc", "/openapi.json"}
)

// Config is the immutable authentication configuration.
type Config struct {
	Enabled     bool
	Token       string
	HeaderName  string
	ExcludeDocs bool
}

// DenialObserver is notified of every denied request, typically for metrics.
type DenialObserver interface {
	ObserveAuthDenial(code string)
}

// Option configures a Gate.
type Option func(*Gate)

// WithObserver reports denials to o.
func WithObserver(o DenialObserver) Option {
	return func(g *Gate) {
		g.observer = o
	}
}

// Gate admits or denies requests based on a single shared token.
type Gate struct {
	enabled    bool
	headerName string
	bearer     bool
	tokenHash  [32]byte
	exempt     map[string]struct{}
	logger     *slog.Logger
	observer   DenialObserver
}

// NewGate validates cfg and builds a gate. It fails when authentication is
// enabled without a token; callers must refuse to start in that case.
func NewGate(cfg Config, logger *slog.Logger, opts ...Option) (*Gate, error) {
	if cfg.Enabled && strings.TrimSpace(cfg.Token) == "" {
		return nil, &domain.ConfigError{Key: "AUTH_TOKEN", Message: "must be set when AUTH_ENABLED is true"}
	}

	headerName := cfg.HeaderName
	if headerName == "" {
		headerName = authorizationHeader
	}

	g := &Gate{
		enabled:    cfg.Enabled,
		headerName: headerName,
		bearer:     http.CanonicalHeaderKey(headerName) == authorizationHeader,
		tokenHash:  sha256.Sum256([]byte(cfg.Token)),
		exempt:     make(map[string]struct{}),
		logger:     logger,
	}
	for _, p := range alwaysExempt {
		g.exempt[p] = struct{}{}
	}
	if cfg.ExcludeDocs {
		for _, p := range docsPaths {
			g.exempt[p] = struct{}{}
		}
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Name identifies the stage in logs.
func (g *Gate) Name() string { return "auth" }

// Process implements pipeline.Stage.
func (g *Gate) Process(ex *pipeline.Exchange) pipeline.Decision {
	apiErr := g.Check(ex.Request)
	if apiErr == nil {
		return pipeline.Allow(nil)
	}

	var headers http.Header
	if g.bearer {
		headers = http.Header{"Www-Authenticate": {"Bearer"}}
	}

	g.logger.Warn("authentication denied",
		slog.String("remote_addr", ex.Request.RemoteAddr),
		slog.String("path", ex.Request.URL.Path),
		slog.String("reason", string(apiErr.Code)),
	)
	if g.observer != nil {
		g.observer.ObserveAuthDenial(string(apiErr.Code))
	}
	return pipeline.Deny(apiErr, headers)
}

// Check returns nil when r may proceed.
func (g *Gate) Check(r *http.Request) *domain.APIError {
	if !g.enabled {
		return nil
	}
	if _, ok := g.exempt[r.URL.Path]; ok {
		return nil
	}

	presented, ok := g.credential(r)
	if !ok {
		if g.bearer {
			return domain.ErrAuthentication(domain.ErrorCodeMissingAuthorization,
				"missing or malformed Authorization header, expected 'Bearer <token>'")
		}
		return domain.ErrAuthentication(domain.ErrorCodeMissingAuthorization,
			"missing "+g.headerName+" header")
	}

	presentedHash := sha256.Sum256([]byte(presented))
	if subtle.ConstantTimeCompare(presentedHash[:], g.tokenHash[:]) != 1 {
		return domain.ErrAuthentication(domain.ErrorCodeInvalidToken, "invalid authentication token")
	}
	return nil
}

// credential extracts the presented token. In Authorization mode the value
// must carry the exact "Bearer " prefix; a custom header is taken raw.
func (g *Gate) credential(r *http.Request) (string, bool) {
	return extractCredential(r, g.headerName, g.bearer)
}

func extractCredential(r *http.Request, headerName string, bearer bool) (string, bool) {
	value := r.Header.Get(headerName)
	if !bearer {
		return value, value != ""
	}
	if !strings.HasPrefix(value, bearerPrefix) {
		return "", false
	}
	token := value[len(bearerPrefix):]
	return token, token != ""
}

// Fingerprint returns a short, non-reversible identifier for a credential,
// safe to log and to use as a storage key.
func Fingerprint(token string) string {
	hash := sha256.Sum256([]byte(token))
	return hex.EncodeToString(hash[:8])
}
