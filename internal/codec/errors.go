// Package codec renders canonical domain errors in the OpenAI-compatible
// wire format used by every gateway endpoint.
package codec

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/tjfontaine/grok-gateway/internal/domain"
)

// ErrorResponse is a rendered error ready to be written to a client.
type ErrorResponse struct {
	StatusCode int
	RetryAfter string
	Body       []byte
}

// ToCanonicalError converts any error to a domain.APIError.
// If the error is already a domain.APIError, it returns it directly.
// Otherwise, it wraps the error in a generic server error.
func ToCanonicalError(err error) *domain.APIError {
	var apiErr *domain.APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return domain.ErrServer("internal server error")
}

// FormatError formats a domain error as an OpenAI-style error response.
func FormatError(err error) *ErrorResponse {
	apiErr := ToCanonicalError(err)
	return &ErrorResponse{
		StatusCode: apiErr.HTTPStatusCode(),
		RetryAfter: apiErr.RetryAfter,
		Body:       marshalError(apiErr),
	}
}

// FormatStreamError renders err as a single SSE data frame. It is emitted as
// the last frame of a stream that fails after the headers were committed.
func FormatStreamError(err error) []byte {
	body := marshalError(ToCanonicalError(err))
	frame := make([]byte, 0, len(body)+8)
	frame = append(frame, "data: "...)
	frame = append(frame, body...)
	frame = append(frame, "\n\n"...)
	return frame
}

func marshalError(apiErr *domain.APIError) []byte {
	errObj := map[string]interface{}{
		"message": apiErr.Message,
		"type":    WireErrorType(apiErr.Type),
	}
	if apiErr.Code != "" {
		errObj["code"] = string(apiErr.Code)
	}
	if apiErr.Param != "" {
		errObj["param"] = apiErr.Param
	}
	if len(apiErr.Fields) > 0 {
		errObj["fields"] = apiErr.Fields
	}

	body, _ := json.Marshal(map[string]interface{}{
		"error": errObj,
	})
	return body
}

// WireErrorType maps a domain error type to the type string clients see.
func WireErrorType(t domain.ErrorType) string {
	switch t {
	case domain.ErrorTypeInvalidRequest:
		return "invalid_request_error"
	case domain.ErrorTypeAuthentication:
		return "authentication_error"
	case domain.ErrorTypePermission:
		return "permission_error"
	case domain.ErrorTypeNotFound:
		return "not_found_error"
	case domain.ErrorTypeRateLimit:
		return "rate_limit_error"
	case domain.ErrorTypeUpstream:
		return "upstream_error"
	case domain.ErrorTypeUpstreamProtocol:
		return "upstream_protocol_error"
	case domain.ErrorTypeStreamTerminated:
		return "stream_terminated_error"
	default:
		return "server_error"
	}
}

// WriteError writes err as a JSON error response.
func WriteError(w http.ResponseWriter, err error) {
	resp := FormatError(err)
	if resp.RetryAfter != "" {
		w.Header().Set("Retry-After", resp.RetryAfter)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(resp.StatusCode)
	w.Write(resp.Body)
}

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		WriteError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

// WriteRaw writes an already-encoded JSON body.
func WriteRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}
