package codec

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/tjfontaine/grok-gateway/internal/domain"
)

func TestFormatError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantType   string
		wantCode   string
	}{
		{
			name:       "missing authorization",
			err:        domain.ErrAuthentication(domain.ErrorCodeMissingAuthorization, "missing bearer token"),
			wantStatus: http.StatusUnauthorized,
			wantType:   "authentication_error",
			wantCode:   "missing_authorization",
		},
		{
			name:       "rate limited",
			err:        domain.ErrRateLimit("too many requests"),
			wantStatus: http.StatusTooManyRequests,
			wantType:   "rate_limit_error",
			wantCode:   "rate_limit_exceeded",
		},
		{
			name:       "upstream timeout",
			err:        domain.ErrUpstreamTimeout("upstream did not respond"),
			wantStatus: http.StatusGatewayTimeout,
			wantType:   "upstream_error",
			wantCode:   "upstream_timeout",
		},
		{
			name:       "upstream protocol",
			err:        domain.ErrUpstreamProtocol("not json"),
			wantStatus: http.StatusBadGateway,
			wantType:   "upstream_protocol_error",
			wantCode:   "invalid_upstream_response",
		},
		{
			name:       "plain error hides message",
			err:        errors.New("dial tcp: secret detail"),
			wantStatus: http.StatusInternalServerError,
			wantType:   "server_error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := FormatError(tt.err)
			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}

			var body struct {
				Error struct {
					Message string `json:"message"`
					Type    string `json:"type"`
					Code    string `json:"code"`
				} `json:"error"`
			}
			if err := json.Unmarshal(resp.Body, &body); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if body.Error.Type != tt.wantType {
				t.Errorf("type = %q, want %q", body.Error.Type, tt.wantType)
			}
			if body.Error.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", body.Error.Code, tt.wantCode)
			}
			if strings.Contains(body.Error.Message, "secret") {
				t.Errorf("message leaked internal error: %q", body.Error.Message)
			}
		})
	}
}

func TestFormatError_ValidationFields(t *testing.T) {
	err := domain.ErrValidation([]domain.FieldError{
		{Field: "model", Message: "required"},
		{Field: "messages", Message: "must not be empty"},
	})

	resp := FormatError(err)
	if resp.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", resp.StatusCode)
	}

	var body struct {
		Error struct {
			Fields []domain.FieldError `json:"fields"`
		} `json:"error"`
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(body.Error.Fields) != 2 {
		t.Fatalf("fields = %v, want 2 entries", body.Error.Fields)
	}
}

func TestFormatStreamError(t *testing.T) {
	frame := string(FormatStreamError(domain.ErrStreamTerminated(domain.ErrorCodeUpstreamDisconnected, "upstream closed")))

	if !strings.HasPrefix(frame, "data: {") || !strings.HasSuffix(frame, "\n\n") {
		t.Fatalf("not an SSE data frame: %q", frame)
	}
	if !strings.Contains(frame, `"type":"stream_terminated_error"`) {
		t.Errorf("frame missing error type: %q", frame)
	}
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, domain.ErrPermission(domain.ErrorCodeNativeToolsDisabled, "server-side tools are disabled"))

	if rec.Code != http.StatusForbidden {
		t.Errorf("status = %d, want 403", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestWriteError_RetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, domain.ErrRateLimit("upstream rate limit: slow down").WithRetryAfter("7"))

	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "7" {
		t.Errorf("Retry-After = %q, want 7", got)
	}

	rec = httptest.NewRecorder()
	WriteError(rec, domain.ErrUpstream("upstream service unavailable"))
	if got := rec.Header().Get("Retry-After"); got != "" {
		t.Errorf("Retry-After = %q, want none", got)
	}
}
