// Package domain provides canonical error types for the gateway.
package domain

import (
	"fmt"
	"net/http"
	"strings"
)

// ErrorType represents the category of an API error.
type ErrorType string

const (
	// ErrorTypeInvalidRequest indicates a malformed or invalid request.
	ErrorTypeInvalidRequest ErrorType = "invalid_request"

	// ErrorTypeAuthentication indicates an authentication failure.
	ErrorTypeAuthentication ErrorType = "authentication"

	// ErrorTypePermission indicates a feature the deployment does not permit.
	ErrorTypePermission ErrorType = "permission"

	// ErrorTypeNotFound indicates a resource was not found.
	ErrorTypeNotFound ErrorType = "not_found"

	// ErrorTypeRateLimit indicates rate limiting was triggered.
	ErrorTypeRateLimit ErrorType = "rate_limit"

	// ErrorTypeUpstream indicates the upstream API failed or was unreachable.
	ErrorTypeUpstream ErrorType = "upstream"

	// ErrorTypeUpstreamProtocol indicates the upstream answered with an unparseable body.
	ErrorTypeUpstreamProtocol ErrorType = "upstream_protocol"

	// ErrorTypeStreamTerminated indicates a stream ended abnormally after the
	// response headers were sent.
	ErrorTypeStreamTerminated ErrorType = "stream_terminated"

	// ErrorTypeServer indicates an internal server error.
	ErrorTypeServer ErrorType = "server"
)

// ErrorCode provides additional specificity beyond the error type.
type ErrorCode string

const (
	ErrorCodeMissingAuthorization ErrorCode = "missing_authorization"
	ErrorCodeInvalidToken         ErrorCode = "invalid_token"
	ErrorCodeRateLimitExceeded    ErrorCode = "rate_limit_exceeded"
	ErrorCodeValidation           ErrorCode = "validation_error"
	ErrorCodeNativeToolsDisabled  ErrorCode = "native_tools_disabled"
	ErrorCodeUpstreamUnavailable  ErrorCode = "upstream_unavailable"
	ErrorCodeUpstreamTimeout      ErrorCode = "upstream_timeout"
	ErrorCodeInvalidUpstream      ErrorCode = "invalid_upstream_response"
	ErrorCodeUpstreamDisconnected ErrorCode = "upstream_disconnected"
	ErrorCodeUpstreamIdleTimeout  ErrorCode = "upstream_idle_timeout"
)

// FieldError names one offending request field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// APIError represents a canonical API error that handlers and pipeline
// stages return and the codec renders for clients.
type APIError struct {
	// Type is the category of error
	Type ErrorType `json:"type"`

	// Code is an optional specific error code
	Code ErrorCode `json:"code,omitempty"`

	// Message is the human-readable error message
	Message string `json:"message"`

	// Param is the parameter that caused the error (if applicable)
	Param string `json:"param,omitempty"`

	// Fields lists every invalid field of a rejected request body
	Fields []FieldError `json:"fields,omitempty"`

	// StatusCode is the suggested HTTP status code
	StatusCode int `json:"-"`

	// RetryAfter is sent as the Retry-After header when set
	RetryAfter string `json:"-"`
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// HTTPStatusCode returns the appropriate HTTP status code for this error.
func (e *APIError) HTTPStatusCode() int {
	if e.StatusCode != 0 {
		return e.StatusCode
	}

	switch e.Type {
	case ErrorTypeInvalidRequest:
		if e.Code == ErrorCodeValidation {
			return http.StatusUnprocessableEntity
		}
		return http.StatusBadRequest
	case ErrorTypeAuthentication:
		return http.StatusUnauthorized
	case ErrorTypePermission:
		return http.StatusForbidden
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeRateLimit:
		return http.StatusTooManyRequests
	case ErrorTypeUpstream, ErrorTypeUpstreamProtocol:
		if e.Code == ErrorCodeUpstreamTimeout {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// NewAPIError creates a new API error.
func NewAPIError(errType ErrorType, message string) *APIError {
	return &APIError{
		Type:    errType,
		Message: message,
	}
}

// WithCode adds an error code to the error.
func (e *APIError) WithCode(code ErrorCode) *APIError {
	e.Code = code
	return e
}

// WithParam adds a parameter name to the error.
func (e *APIError) WithParam(param string) *APIError {
	e.Param = param
	return e
}

// WithStatusCode sets a specific HTTP status code.
func (e *APIError) WithStatusCode(code int) *APIError {
	e.StatusCode = code
	return e
}

// WithRetryAfter sets the Retry-After value sent with the error.
func (e *APIError) WithRetryAfter(v string) *APIError {
	e.RetryAfter = v
	return e
}

// Convenience constructors

// ErrInvalidRequest creates an invalid request error.
func ErrInvalidRequest(message string) *APIError {
	return NewAPIError(ErrorTypeInvalidRequest, message)
}

// ErrValidation creates a 422 error carrying every offending field.
func ErrValidation(fields []FieldError) *APIError {
	names := make([]string, 0, len(fields))
	for _, f := range fields {
		names = append(names, f.Field)
	}
	e := NewAPIError(ErrorTypeInvalidRequest, "request validation failed: "+strings.Join(names, ", ")).
		WithCode(ErrorCodeValidation)
	e.Fields = fields
	if len(fields) == 1 {
		e.Param = fields[0].Field
	}
	return e
}

// ErrAuthentication creates an authentication error.
func ErrAuthentication(code ErrorCode, message string) *APIError {
	return NewAPIError(ErrorTypeAuthentication, message).WithCode(code)
}

// ErrPermission creates a permission error.
func ErrPermission(code ErrorCode, message string) *APIError {
	return NewAPIError(ErrorTypePermission, message).WithCode(code)
}

// ErrNotFound creates a not found error.
func ErrNotFound(message string) *APIError {
	return NewAPIError(ErrorTypeNotFound, message)
}

// ErrRateLimit creates a rate limit error.
func ErrRateLimit(message string) *APIError {
	return NewAPIError(ErrorTypeRateLimit, message).
		WithCode(ErrorCodeRateLimitExceeded)
}

// ErrUpstream creates a 502 for an unreachable or failing upstream.
func ErrUpstream(message string) *APIError {
	return NewAPIError(ErrorTypeUpstream, message).
		WithCode(ErrorCodeUpstreamUnavailable)
}

// ErrUpstreamTimeout creates a 504 for an upstream that did not answer in time.
func ErrUpstreamTimeout(message string) *APIError {
	return NewAPIError(ErrorTypeUpstream, message).
		WithCode(ErrorCodeUpstreamTimeout)
}

// ErrUpstreamProtocol creates a 502 for a response body the gateway cannot parse.
func ErrUpstreamProtocol(message string) *APIError {
	return NewAPIError(ErrorTypeUpstreamProtocol, message).
		WithCode(ErrorCodeInvalidUpstream)
}

// ErrStreamTerminated creates the error carried by a terminal SSE error frame.
func ErrStreamTerminated(code ErrorCode, message string) *APIError {
	return NewAPIError(ErrorTypeStreamTerminated, message).WithCode(code)
}

// ErrServer creates a server error.
func ErrServer(message string) *APIError {
	return NewAPIError(ErrorTypeServer, message)
}

// ConfigError reports configuration the gateway refuses to start with.
type ConfigError struct {
	Key     string
	Message string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid configuration %s: %s", e.Key, e.Message)
}
