// Package relay forwards requests to the upstream API and writes the reply
// back to the client, either buffered or as a server-sent event stream.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/tjfontaine/grok-gateway/internal/codec"
	"github.com/tjfontaine/grok-gateway/internal/domain"
	"github.com/tjfontaine/grok-gateway/internal/upstream"
)

// FallbackHeader marks a streaming request that was served buffered.
const FallbackHeader = "X-Stream-Fallback"

const defaultBuffer = 16

var doneFrame = []byte("data: [DONE]\n\n")

// Upstream is the subset of *upstream.Client the relay needs.
type Upstream interface {
	Do(ctx context.Context, method, path string, body []byte) (*upstream.Response, error)
	OpenStream(ctx context.Context, path string, body []byte) (*upstream.Stream, error)
}

// Observer receives stream events, typically a metrics collector.
type Observer interface {
	ObserveStreamFrame()
	ObserveStreamFallback()
	ObserveStreamTerminated(code string)
}

// Option configures a Relay.
type Option func(*Relay)

// WithBuffer sets how many frames may queue between the upstream reader and
// the client writer before the reader blocks.
func WithBuffer(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.buffer = n
		}
	}
}

// WithObserver reports stream events to o.
func WithObserver(o Observer) Option {
	return func(r *Relay) {
		r.observer = o
	}
}

// Relay is shared by all handlers; each call owns its own session.
type Relay struct {
	upstream Upstream
	buffer   int
	logger   *slog.Logger
	observer Observer
}

// New creates a relay over up.
func New(up Upstream, logger *slog.Logger, opts ...Option) *Relay {
	r := &Relay{
		upstream: up,
		buffer:   defaultBuffer,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Buffered forwards body and returns the upstream JSON reply. A reply that is
// not valid JSON is an upstream protocol error.
func (r *Relay) Buffered(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	resp, err := r.upstream.Do(ctx, method, path, body)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(resp.Body) {
		return nil, domain.ErrUpstreamProtocol("upstream returned a response that is not valid JSON")
	}
	return resp.Body, nil
}

// BufferedFallback serves a streaming request in buffered mode. The stream
// flag is cleared before forwarding.
func (r *Relay) BufferedFallback(ctx context.Context, path string, body []byte) ([]byte, error) {
	body, err := DisableStreaming(body)
	if err != nil {
		return nil, err
	}
	if r.observer != nil {
		r.observer.ObserveStreamFallback()
	}
	return r.Buffered(ctx, http.MethodPost, path, body)
}

// Stream relays upstream frames to w in order as they arrive, flushing each
// one. A failure before the first byte is written as a JSON error response.
// Once streaming has begun the outcome is written in-band: a successful
// stream always ends with "data: [DONE]", a failed one with a single error
// frame and no [DONE]. The returned error is for logging only.
func (r *Relay) Stream(w http.ResponseWriter, req *http.Request, path string, body []byte) error {
	ctx := req.Context()

	s, err := r.upstream.OpenStream(ctx, path, body)
	if err != nil {
		if ctx.Err() == nil {
			codec.WriteError(w, err)
		}
		return err
	}
	defer s.Close()

	rc := http.NewResponseController(w)
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return fmt.Errorf("response does not support streaming: %w", err)
	}

	frames := make(chan upstream.Frame, r.buffer)
	result := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		defer close(frames)
		for {
			f, err := s.Next()
			if err != nil {
				result <- err
				return
			}
			select {
			case frames <- f:
			case <-stop:
				return
			}
			if f.Done {
				result <- io.EOF
				return
			}
		}
	}()

	sawDone := false
	for f := range frames {
		if _, err := w.Write(f.Raw); err != nil {
			s.Close()
			return fmt.Errorf("write to client: %w", err)
		}
		if err := rc.Flush(); err != nil {
			s.Close()
			return fmt.Errorf("flush to client: %w", err)
		}
		if r.observer != nil {
			r.observer.ObserveStreamFrame()
		}
		if f.Done {
			sawDone = true
		}
	}

	upErr := <-result
	switch {
	case errors.Is(upErr, io.EOF):
		if !sawDone {
			w.Write(doneFrame)
			rc.Flush()
		}
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		w.Write(codec.FormatStreamError(upErr))
		rc.Flush()
		if r.observer != nil {
			r.observer.ObserveStreamTerminated(string(codec.ToCanonicalError(upErr).Code))
		}
		r.logger.Warn("stream terminated",
			slog.String("path", path),
			slog.String("error", upErr.Error()),
		)
		return upErr
	}
}

// WantsStream reports whether the request body asks for a streamed reply.
func WantsStream(body []byte) bool {
	return gjson.GetBytes(body, "stream").Bool()
}

// HasImageInput reports whether any chat message carries an image part.
// Such requests are served buffered even when streaming was requested.
func HasImageInput(body []byte) bool {
	found := false
	gjson.GetBytes(body, "messages").ForEach(func(_, msg gjson.Result) bool {
		content := msg.Get("content")
		if !content.IsArray() {
			return true
		}
		content.ForEach(func(_, part gjson.Result) bool {
			if part.Get("type").String() == "image_url" || part.Get("image_url").Exists() {
				found = true
				return false
			}
			return true
		})
		return !found
	})
	return found
}

// DisableStreaming clears the stream flag and any stream-only options.
func DisableStreaming(body []byte) ([]byte, error) {
	out, err := sjson.SetBytes(body, "stream", false)
	if err != nil {
		return nil, domain.ErrInvalidRequest("request body is not a JSON object")
	}
	if gjson.GetBytes(out, "stream_options").Exists() {
		out, err = sjson.DeleteBytes(out, "stream_options")
		if err != nil {
			return nil, domain.ErrInvalidRequest("request body is not a JSON object")
		}
	}
	return out, nil
}
