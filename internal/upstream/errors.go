package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/tjfontaine/grok-gateway/internal/domain"
)

// callError pairs the client-facing error with the transport cause, which
// only ever reaches logs.
type callError struct {
	api   *domain.APIError
	cause error
}

func (e *callError) Error() string {
	return fmt.Sprintf("%s: %v", e.api.Error(), e.cause)
}

func (e *callError) Unwrap() []error {
	return []error{e.api, e.cause}
}

func translateTransportError(parent context.Context, err error, idleExpired bool) error {
	if perr := parent.Err(); perr != nil {
		if errors.Is(perr, context.DeadlineExceeded) {
			return &callError{api: domain.ErrUpstreamTimeout("request deadline exceeded"), cause: err}
		}
		return fmt.Errorf("request abandoned by client: %w", perr)
	}
	if idleExpired || isTimeout(err) {
		return &callError{api: domain.ErrUpstreamTimeout("upstream did not respond in time"), cause: err}
	}
	return &callError{api: domain.ErrUpstream("upstream service unavailable"), cause: err}
}

// translateStatus converts an upstream error reply. Client errors keep their
// status so callers can fix their request; upstream failures become 502.
// The upstream's Retry-After hint is kept on rate limit replies.
func translateStatus(status int, header http.Header, body []byte) *domain.APIError {
	msg := upstreamMessage(body)
	if msg == "" {
		msg = http.StatusText(status)
	}

	switch {
	case status == http.StatusTooManyRequests:
		return domain.ErrRateLimit("upstream rate limit: " + msg).
			WithStatusCode(status).
			WithRetryAfter(strings.TrimSpace(header.Get("Retry-After")))
	case status == http.StatusUnauthorized:
		// The gateway's own upstream credentials were rejected; not the caller's fault.
		return domain.ErrUpstream("upstream rejected the gateway credentials")
	case status == http.StatusForbidden:
		return domain.NewAPIError(domain.ErrorTypePermission, msg).WithStatusCode(status)
	case status == http.StatusNotFound:
		return domain.ErrNotFound(msg)
	case status >= 400 && status < 500:
		return domain.ErrInvalidRequest(msg).WithStatusCode(status)
	default:
		return domain.ErrUpstream(fmt.Sprintf("upstream error (status %d): %s", status, msg))
	}
}

// upstreamMessage extracts a human-readable message from the common error
// body shapes: {"error":{"message":...}}, {"error":"..."}, {"detail":"..."}.
func upstreamMessage(body []byte) string {
	if !gjson.ValidBytes(body) {
		return strings.TrimSpace(truncate(string(body), 200))
	}
	for _, path := range []string{"error.message", "error", "detail", "message"} {
		if v := gjson.GetBytes(body, path); v.Exists() && v.Type == gjson.String {
			return v.String()
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
