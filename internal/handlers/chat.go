package handlers

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/tjfontaine/grok-gateway/internal/codec"
	"github.com/tjfontaine/grok-gateway/internal/domain"
	"github.com/tjfontaine/grok-gateway/internal/relay"
	"github.com/tjfontaine/grok-gateway/internal/requestlog"
)

const chatPath = "/chat/completions"

// Chat proxies OpenAI-compatible chat completions. Streaming requests that
// carry image input are served buffered and marked with X-Stream-Fallback.
func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.validator.Chat(body); err != nil {
		h.fail(w, r, err)
		return
	}

	body, model, err := withDefaultModel(body, h.models.Chat)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	requestlog.AddField(r.Context(), "model", model)

	var resp []byte
	switch {
	case relay.WantsStream(body) && relay.HasImageInput(body):
		requestlog.AddField(r.Context(), "stream_fallback", "true")
		resp, err = h.relay.BufferedFallback(r.Context(), chatPath, body)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		w.Header().Set(relay.FallbackHeader, "true")
	case relay.WantsStream(body):
		h.stream(w, r, chatPath, body)
		return
	default:
		resp, err = h.relay.Buffered(r.Context(), http.MethodPost, chatPath, body)
		if err != nil {
			h.fail(w, r, err)
			return
		}
	}

	resp, err = h.backfillChat(body, resp, model)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	codec.WriteRaw(w, http.StatusOK, resp)
}

// backfillChat fills in the fields OpenAI SDKs expect when the upstream
// reply left them out.
func (h *Handler) backfillChat(req, resp []byte, model string) ([]byte, error) {
	root := gjson.ParseBytes(resp)
	if !root.IsObject() {
		return nil, domain.ErrUpstreamProtocol("upstream returned a chat completion that is not a JSON object")
	}

	set := map[string]any{}
	if !root.Get("id").Exists() {
		set["id"] = "chatcmpl-" + uuid.NewString()[:8]
	}
	if !root.Get("object").Exists() {
		set["object"] = "chat.completion"
	}
	if !root.Get("created").Exists() {
		set["created"] = h.now().Unix()
	}
	if !root.Get("model").Exists() {
		set["model"] = model
	}
	if !root.Get("usage").Exists() {
		set["usage"] = h.counter.ChatUsage(req, resp)
	}

	var err error
	for _, key := range []string{"id", "object", "created", "model", "usage"} {
		v, ok := set[key]
		if !ok {
			continue
		}
		if resp, err = sjson.SetBytes(resp, key, v); err != nil {
			return nil, domain.ErrServer("failed to complete upstream response")
		}
	}
	return resp, nil
}
