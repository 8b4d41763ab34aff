// Package validate checks request bodies before they are forwarded upstream.
// Bodies stay raw JSON; checks read them with gjson and collect every
// offending field into one validation error.
package validate

import (
	"fmt"
	"log/slog"

	"github.com/tidwall/gjson"

	"github.com/tjfontaine/grok-gateway/internal/domain"
)

// Limits bounds caller-supplied tool definitions.
type Limits struct {
	MaxTools               int
	MaxFunctionName        int
	MaxFunctionDescription int
	MaxParameterDepth      int
}

// DefaultLimits matches the gateway's configuration defaults.
var DefaultLimits = Limits{
	MaxTools:               20,
	MaxFunctionName:        64,
	MaxFunctionDescription: 1024,
	MaxParameterDepth:      5,
}

// Validator is safe for concurrent use.
type Validator struct {
	limits      Limits
	nativeTools bool
	logger      *slog.Logger
}

// New creates a validator. nativeTools permits server-side tools on the
// Responses endpoint.
func New(limits Limits, nativeTools bool, logger *slog.Logger) *Validator {
	return &Validator{limits: limits, nativeTools: nativeTools, logger: logger}
}

// Chat checks a chat completion request.
func (v *Validator) Chat(body []byte) error {
	root, err := object(body)
	if err != nil {
		return err
	}

	var c collector
	c.optionalString(root, "model")
	messages := root.Get("messages")
	switch {
	case !messages.Exists():
		c.add("messages", "field required")
	case !messages.IsArray():
		c.add("messages", "must be an array")
	case len(messages.Array()) == 0:
		c.add("messages", "must contain at least one message")
	default:
		for i, msg := range messages.Array() {
			field := fmt.Sprintf("messages[%d]", i)
			if !msg.IsObject() {
				c.add(field, "must be an object")
				continue
			}
			if msg.Get("role").Type != gjson.String || msg.Get("role").String() == "" {
				c.add(field+".role", "field required")
			}
			if !msg.Get("content").Exists() {
				c.add(field+".content", "field required")
			}
		}
	}
	c.optionalNumber(root, "max_tokens", 1, 0)
	c.optionalNumber(root, "temperature", 0, 2)
	c.optionalNumber(root, "top_p", 0, 1)
	c.optionalBool(root, "stream")

	names := v.tools(&c, root.Get("tools"))
	v.toolChoice(&c, root, names)
	return c.err()
}

// Images checks an image generation request. Parameters the upstream ignores
// are returned as warnings.
func (v *Validator) Images(body []byte) ([]string, error) {
	root, err := object(body)
	if err != nil {
		return nil, err
	}

	var c collector
	prompt := root.Get("prompt")
	if !prompt.Exists() {
		c.add("prompt", "field required")
	} else if prompt.Type != gjson.String || prompt.String() == "" {
		c.add("prompt", "must be a non-empty string")
	}
	c.optionalString(root, "model")
	if n := root.Get("n"); n.Exists() {
		if n.Type != gjson.Number || n.Float() != float64(n.Int()) || n.Int() < 1 || n.Int() > 10 {
			c.add("n", "must be an integer between 1 and 10")
		}
	}
	if rf := root.Get("response_format"); rf.Exists() {
		if s := rf.String(); rf.Type != gjson.String || (s != "url" && s != "b64_json") {
			c.add("response_format", "must be one of url, b64_json")
		}
	}
	if err := c.err(); err != nil {
		return nil, err
	}

	var warnings []string
	for _, key := range []string{"quality", "size", "style"} {
		if root.Get(key).Exists() {
			warnings = append(warnings, fmt.Sprintf("parameter %q is not supported by the image model and was ignored", key))
		}
	}
	return warnings, nil
}

// Vision checks an image analysis request.
func (v *Validator) Vision(body []byte) error {
	root, err := object(body)
	if err != nil {
		return err
	}

	var c collector
	image := root.Get("image")
	switch {
	case !image.Exists():
		c.add("image", "field required")
	case !image.IsObject():
		c.add("image", "must be an object")
	default:
		url, b64 := image.Get("url"), image.Get("b64_json")
		if url.String() == "" && b64.String() == "" {
			c.add("image", "one of url or b64_json is required")
		}
	}
	c.optionalString(root, "model")
	c.optionalString(root, "prompt")
	if d := root.Get("detail"); d.Exists() {
		if s := d.String(); s != "auto" && s != "low" && s != "high" {
			c.add("detail", "must be one of auto, low, high")
		}
	}
	c.optionalNumber(root, "max_tokens", 1, 0)
	c.optionalNumber(root, "temperature", 0, 2)
	return c.err()
}

// nativeToolTypes run on the upstream's servers rather than the caller's.
var nativeToolTypes = map[string]bool{
	"web_search":     true,
	"x_search":       true,
	"code_execution": true,
}

// Responses checks a Responses API request. Server-side tools are refused
// with a permission error unless enabled.
func (v *Validator) Responses(body []byte) error {
	root, err := object(body)
	if err != nil {
		return err
	}

	var c collector
	if m := root.Get("model"); m.Type != gjson.String || m.String() == "" {
		c.add("model", "field required")
	}
	if in := root.Get("input"); !in.Exists() || in.Type == gjson.Null {
		c.add("input", "field required")
	}
	c.optionalBool(root, "stream")

	tools := root.Get("tools")
	if tools.Exists() && !tools.IsArray() {
		c.add("tools", "must be an array")
	}
	if err := c.err(); err != nil {
		return err
	}

	for _, tool := range tools.Array() {
		if t := tool.Get("type").String(); nativeToolTypes[t] && !v.nativeTools {
			v.logger.Warn("server-side tool requested while disabled", slog.String("tool", t))
			return domain.ErrPermission(domain.ErrorCodeNativeToolsDisabled,
				"native agentic tools are disabled on this server").WithParam("tools")
		}
	}
	return nil
}

func object(body []byte) (gjson.Result, error) {
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, domain.ErrInvalidRequest("request body is not valid JSON")
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return gjson.Result{}, domain.ErrInvalidRequest("request body must be a JSON object")
	}
	return root, nil
}

// collector accumulates field errors so one response reports all of them.
type collector struct {
	fields []domain.FieldError
}

func (c *collector) add(field, message string) {
	c.fields = append(c.fields, domain.FieldError{Field: field, Message: message})
}

func (c *collector) err() error {
	if len(c.fields) == 0 {
		return nil
	}
	return domain.ErrValidation(c.fields)
}

func (c *collector) optionalString(root gjson.Result, key string) {
	if r := root.Get(key); r.Exists() && r.Type != gjson.String && r.Type != gjson.Null {
		c.add(key, "must be a string")
	}
}

func (c *collector) optionalBool(root gjson.Result, key string) {
	if r := root.Get(key); r.Exists() && !r.IsBool() && r.Type != gjson.Null {
		c.add(key, "must be a boolean")
	}
}

// optionalNumber checks lo <= value and, when hi > lo, value <= hi.
func (c *collector) optionalNumber(root gjson.Result, key string, lo, hi float64) {
	r := root.Get(key)
	if !r.Exists() || r.Type == gjson.Null {
		return
	}
	if r.Type != gjson.Number {
		c.add(key, "must be a number")
		return
	}
	f := r.Float()
	switch {
	case hi > lo && (f < lo || f > hi):
		c.add(key, fmt.Sprintf("must be between %g and %g", lo, hi))
	case hi <= lo && f < lo:
		c.add(key, fmt.Sprintf("must be at least %g", lo))
	}
}
