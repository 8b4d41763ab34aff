package auth

import (
	"net"
	"net/http"
	"strings"

	"github.com/tjfontaine/grok-gateway/internal/pipeline"
)

// Identifier keys clients by their presented credential, falling back to the
// network address. With authentication disabled nothing verifies the
// credential, so every client is keyed by address.
type Identifier struct {
	enabled           bool
	headerName        string
	bearer            bool
	trustForwardedFor bool
}

// NewIdentifier reads credentials from the same header as the gate.
// X-Forwarded-For is only honoured when trustForwardedFor is set, since any
// client can forge it.
func NewIdentifier(cfg Config, trustForwardedFor bool) *Identifier {
	headerName := cfg.HeaderName
	if headerName == "" {
		headerName = authorizationHeader
	}
	return &Identifier{
		enabled:           cfg.Enabled,
		headerName:        headerName,
		bearer:            http.CanonicalHeaderKey(headerName) == authorizationHeader,
		trustForwardedFor: trustForwardedFor,
	}
}

// Identify implements pipeline.Identifier.
func (i *Identifier) Identify(r *http.Request) pipeline.Identity {
	if !i.enabled {
		return pipeline.Identity{Key: "ip:" + i.clientIP(r), Kind: "ip"}
	}
	if token, ok := extractCredential(r, i.headerName, i.bearer); ok {
		return pipeline.Identity{Key: "token:" + Fingerprint(token), Kind: "token"}
	}
	return pipeline.Identity{Key: "ip:" + i.clientIP(r), Kind: "ip"}
}

func (i *Identifier) clientIP(r *http.Request) string {
	if i.trustForwardedFor {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
