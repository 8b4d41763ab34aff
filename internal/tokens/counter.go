// Package tokens estimates token usage for chat requests and responses whose
// upstream reply omitted a usage block.
package tokens

import (
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tiktoken-go/tokenizer"
)

// Token overhead for chat formatting, following the OpenAI cookbook.
const (
	tokensPerMessage = 3
	tokensPerRole    = 1
	tokensPerTool    = 7
	tokensPerCall    = 3
	assistantPriming = 3
)

// Usage mirrors the OpenAI usage block.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Counter counts tokens with a tiktoken encoding. Grok's tokenizer is not
// public; o200k_base is close enough for accounting. When the encoding cannot
// be loaded the counter falls back to a characters-per-token estimate.
// A Counter is safe for concurrent use.
type Counter struct {
	encoding      tokenizer.Encoding
	charsPerToken float64

	once  sync.Once
	codec tokenizer.Codec
}

// NewCounter creates a counter using the o200k_base encoding.
func NewCounter() *Counter {
	return &Counter{
		encoding:      tokenizer.O200kBase,
		charsPerToken: 4.0,
	}
}

func (c *Counter) getCodec() tokenizer.Codec {
	c.once.Do(func() {
		codec, err := tokenizer.Get(c.encoding)
		if err == nil {
			c.codec = codec
		}
	})
	return c.codec
}

// Text counts the tokens in s.
func (c *Counter) Text(s string) int {
	if s == "" {
		return 0
	}
	if codec := c.getCodec(); codec != nil {
		if ids, _, err := codec.Encode(s); err == nil {
			return len(ids)
		}
	}
	return int(float64(len(s))/c.charsPerToken + 0.5)
}

// Prompt counts the tokens a chat completion request sends: messages, tool
// calls and tool definitions plus per-item formatting overhead.
func (c *Counter) Prompt(body []byte) int {
	total := 0
	gjson.GetBytes(body, "messages").ForEach(func(_, msg gjson.Result) bool {
		total += tokensPerMessage + tokensPerRole
		total += c.content(msg.Get("content"))
		msg.Get("tool_calls").ForEach(func(_, call gjson.Result) bool {
			total += c.Text(call.Get("function.name").String())
			total += c.Text(call.Get("function.arguments").String())
			total += tokensPerCall
			return true
		})
		return true
	})
	gjson.GetBytes(body, "tools").ForEach(func(_, tool gjson.Result) bool {
		total += c.Text(tool.Get("function.name").String())
		total += c.Text(tool.Get("function.description").String())
		if params := tool.Get("function.parameters"); params.Exists() {
			total += c.Text(params.Raw)
		}
		total += tokensPerTool
		return true
	})
	return total + assistantPriming
}

// Completion counts the tokens in every choice of a chat completion response.
func (c *Counter) Completion(body []byte) int {
	total := 0
	gjson.GetBytes(body, "choices").ForEach(func(_, choice gjson.Result) bool {
		msg := choice.Get("message")
		total += c.content(msg.Get("content"))
		msg.Get("tool_calls").ForEach(func(_, call gjson.Result) bool {
			total += c.Text(call.Get("function.name").String())
			total += c.Text(call.Get("function.arguments").String())
			total += tokensPerCall
			return true
		})
		return true
	})
	return total
}

// ChatUsage estimates the usage block for a request/response pair.
func (c *Counter) ChatUsage(req, resp []byte) Usage {
	u := Usage{
		PromptTokens:     c.Prompt(req),
		CompletionTokens: c.Completion(resp),
	}
	u.TotalTokens = u.PromptTokens + u.CompletionTokens
	return u
}

// content counts string content or the text parts of multi-part content.
func (c *Counter) content(content gjson.Result) int {
	if content.Type == gjson.String {
		return c.Text(content.String())
	}
	total := 0
	if content.IsArray() {
		content.ForEach(func(_, part gjson.Result) bool {
			if part.Get("type").String() == "text" {
				total += c.Text(part.Get("text").String())
			}
			return true
		})
	}
	return total
}
