package handlers

import (
	"log/slog"
	"net/http"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/tjfontaine/grok-gateway/internal/codec"
	"github.com/tjfontaine/grok-gateway/internal/requestlog"
)

const imagesPath = "/images/generations"

// unsupportedImageParams are accepted for SDK compatibility but not forwarded.
var unsupportedImageParams = []string{"quality", "size", "style"}

// Images proxies image generation. It serves both /images/generate and the
// OpenAI SDK's /images/generations.
func (h *Handler) Images(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	warnings, err := h.validator.Images(body)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	for _, msg := range warnings {
		h.logger.Warn(msg, slog.String("request_id", requestlog.GetRequestID(r.Context())))
	}
	for _, key := range unsupportedImageParams {
		if gjson.GetBytes(body, key).Exists() {
			if body, err = sjson.DeleteBytes(body, key); err != nil {
				h.fail(w, r, err)
				return
			}
		}
	}

	body, model, err := withDefaultModel(body, h.models.Image)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	requestlog.AddField(r.Context(), "model", model)

	resp, err := h.relay.Buffered(r.Context(), http.MethodPost, imagesPath, body)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if !gjson.GetBytes(resp, "model").Exists() {
		if patched, err := sjson.SetBytes(resp, "model", model); err == nil {
			resp = patched
		}
	}
	codec.WriteRaw(w, http.StatusOK, resp)
}
