// Package handlers implements the gateway's HTTP endpoints. Request and
// response bodies stay raw JSON: defaults and backfilled fields are patched
// in with sjson rather than round-tripped through Go structs.
package handlers

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/tjfontaine/grok-gateway/internal/codec"
	"github.com/tjfontaine/grok-gateway/internal/domain"
	"github.com/tjfontaine/grok-gateway/internal/relay"
	"github.com/tjfontaine/grok-gateway/internal/requestlog"
	"github.com/tjfontaine/grok-gateway/internal/tokens"
	"github.com/tjfontaine/grok-gateway/internal/upstream"
	"github.com/tjfontaine/grok-gateway/internal/validate"
)

// maxBodyBytes bounds request bodies; base64 images make vision requests large.
const maxBodyBytes = 20 << 20

// Models names the default model per endpoint family.
type Models struct {
	Chat   string
	Image  string
	Vision string
}

// Handler serves every gateway endpoint. It holds no per-request state.
type Handler struct {
	relay     *relay.Relay
	validator *validate.Validator
	counter   *tokens.Counter
	models    Models
	logger    *slog.Logger
	now       func() time.Time
}

// New creates the endpoint handlers.
func New(r *relay.Relay, v *validate.Validator, c *tokens.Counter, models Models, logger *slog.Logger) *Handler {
	return &Handler{
		relay:     r,
		validator: v,
		counter:   c,
		models:    models,
		logger:    logger,
		now:       time.Now,
	}
}

// Health reports liveness. It never touches the upstream.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	codec.WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": upstream.Version,
	})
}

// readBody reads the whole request body, bounded by maxBodyBytes.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, domain.ErrInvalidRequest(fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit)).
				WithStatusCode(http.StatusRequestEntityTooLarge)
		}
		return nil, domain.ErrInvalidRequest("failed to read request body")
	}
	return body, nil
}

// withDefaultModel sets "model" when the caller omitted it or left it empty.
func withDefaultModel(body []byte, model string) ([]byte, string, error) {
	if m := gjson.GetBytes(body, "model"); m.String() != "" {
		return body, m.String(), nil
	}
	out, err := sjson.SetBytes(body, "model", model)
	if err != nil {
		return nil, "", domain.ErrInvalidRequest("request body must be a JSON object")
	}
	return out, model, nil
}

// fail renders err and records it on the request log entry.
func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	requestlog.AddError(r.Context(), err)
	codec.WriteError(w, err)
}

// stream relays an SSE reply; Stream renders its own errors.
func (h *Handler) stream(w http.ResponseWriter, r *http.Request, path string, body []byte) {
	requestlog.AddField(r.Context(), "stream", "true")
	if err := h.relay.Stream(w, r, path, body); err != nil {
		requestlog.AddError(r.Context(), err)
	}
}
