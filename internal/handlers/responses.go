package handlers

import (
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/grok-gateway/internal/codec"
	"github.com/tjfontaine/grok-gateway/internal/domain"
	"github.com/tjfontaine/grok-gateway/internal/relay"
	"github.com/tjfontaine/grok-gateway/internal/requestlog"
)

const responsesPath = "/responses"

// CreateResponse proxies the Responses API, streamed or buffered.
func (h *Handler) CreateResponse(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.validator.Responses(body); err != nil {
		h.fail(w, r, err)
		return
	}

	if relay.WantsStream(body) {
		h.stream(w, r, responsesPath, body)
		return
	}
	resp, err := h.relay.Buffered(r.Context(), http.MethodPost, responsesPath, body)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	codec.WriteRaw(w, http.StatusOK, resp)
}

// GetResponse retrieves a stored response by id.
func (h *Handler) GetResponse(w http.ResponseWriter, r *http.Request) {
	h.responseByID(w, r, http.MethodGet)
}

// DeleteResponse deletes a stored response by id.
func (h *Handler) DeleteResponse(w http.ResponseWriter, r *http.Request) {
	h.responseByID(w, r, http.MethodDelete)
}

func (h *Handler) responseByID(w http.ResponseWriter, r *http.Request, method string) {
	id := chi.URLParam(r, "id")
	if id == "" {
		h.fail(w, r, domain.ErrInvalidRequest("response id is required").WithParam("id"))
		return
	}
	requestlog.AddField(r.Context(), "response_id", id)

	resp, err := h.relay.Buffered(r.Context(), method, responsesPath+"/"+url.PathEscape(id), nil)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	codec.WriteRaw(w, http.StatusOK, resp)
}
