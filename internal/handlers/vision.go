package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/tjfontaine/grok-gateway/internal/codec"
	"github.com/tjfontaine/grok-gateway/internal/domain"
	"github.com/tjfontaine/grok-gateway/internal/requestlog"
)

const (
	defaultVisionPrompt      = "What's in this image?"
	defaultVisionDetail      = "high"
	defaultVisionMaxTokens   = 1024
	defaultVisionTemperature = 0.01
)

type visionImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail"`
}

type visionPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *visionImageURL `json:"image_url,omitempty"`
}

type visionMessage struct {
	Role    string       `json:"role"`
	Content []visionPart `json:"content"`
}

type visionChatRequest struct {
	Model       string          `json:"model"`
	Messages    []visionMessage `json:"messages"`
	MaxTokens   int64           `json:"max_tokens"`
	Temperature float64         `json:"temperature"`
	User        string          `json:"user,omitempty"`
}

// Vision analyzes one image. The request is rewritten into a chat completion
// with an image part and the reply is reduced to {model, created, content,
// usage}.
func (h *Handler) Vision(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.validator.Vision(body); err != nil {
		h.fail(w, r, err)
		return
	}

	chatReq := h.visionChatRequest(gjson.ParseBytes(body))
	requestlog.AddField(r.Context(), "model", chatReq.Model)

	payload, err := json.Marshal(chatReq)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	resp, err := h.relay.Buffered(r.Context(), http.MethodPost, chatPath, payload)
	if err != nil {
		h.fail(w, r, err)
		return
	}

	out, err := h.visionResponse(resp, chatReq.Model)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	codec.WriteRaw(w, http.StatusOK, out)
}

func (h *Handler) visionChatRequest(req gjson.Result) visionChatRequest {
	url := req.Get("image.url").String()
	if url == "" {
		url = req.Get("image.b64_json").String()
		if !strings.HasPrefix(url, "data:") {
			url = "data:image/jpeg;base64," + url
		}
	}

	model := req.Get("model").String()
	if model == "" {
		model = h.models.Vision
	}
	prompt := req.Get("prompt").String()
	if prompt == "" {
		prompt = defaultVisionPrompt
	}
	detail := req.Get("detail").String()
	if detail == "" {
		detail = defaultVisionDetail
	}

	out := visionChatRequest{
		Model: model,
		Messages: []visionMessage{{
			Role: "user",
			Content: []visionPart{
				{Type: "image_url", ImageURL: &visionImageURL{URL: url, Detail: detail}},
				{Type: "text", Text: prompt},
			},
		}},
		MaxTokens:   defaultVisionMaxTokens,
		Temperature: defaultVisionTemperature,
		User:        req.Get("user").String(),
	}
	if v := req.Get("max_tokens"); v.Exists() {
		out.MaxTokens = v.Int()
	}
	if v := req.Get("temperature"); v.Exists() {
		out.Temperature = v.Float()
	}
	return out
}

func (h *Handler) visionResponse(resp []byte, model string) ([]byte, error) {
	root := gjson.ParseBytes(resp)
	content := root.Get("choices.0.message.content")
	if !content.Exists() {
		return nil, domain.ErrUpstreamProtocol("upstream chat completion has no message content")
	}

	if m := root.Get("model").String(); m != "" {
		model = m
	}
	created := h.now().Unix()
	if c := root.Get("created"); c.Exists() {
		created = c.Int()
	}
	usage := root.Get("usage").Raw
	if usage == "" {
		usage = "{}"
	}

	out := []byte(`{}`)
	var err error
	if out, err = sjson.SetBytes(out, "model", model); err != nil {
		return nil, err
	}
	if out, err = sjson.SetBytes(out, "created", created); err != nil {
		return nil, err
	}
	if out, err = sjson.SetBytes(out, "content", content.String()); err != nil {
		return nil, err
	}
	if out, err = sjson.SetRawBytes(out, "usage", []byte(usage)); err != nil {
		return nil, err
	}
	return out, nil
}
