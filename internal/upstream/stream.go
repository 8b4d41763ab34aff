package upstream

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tjfontaine/grok-gateway/internal/domain"
)

var doneMarker = []byte("[DONE]")

// Frame is one server-sent event exactly as the upstream sent it.
type Frame struct {
	// Raw holds every line of the event followed by the blank separator line.
	Raw []byte
	// Data is the concatenated payload of the event's data lines.
	Data []byte
	// Done marks the "data: [DONE]" terminator.
	Done bool
}

// Stream is a lazy, finite, non-restartable sequence of frames. It is not
// safe for concurrent use; Close may be called from any goroutine.
type Stream struct {
	body    io.ReadCloser
	reader  *bufio.Reader
	parent  context.Context
	cancel  context.CancelFunc
	timer   *time.Timer
	idle    time.Duration
	expired atomic.Bool
	done    bool
	err     error

	closeOnce sync.Once
}

// OpenStream posts body to path and returns the event stream once the
// upstream has answered with a 2xx status. Error replies are returned as
// *domain.APIError before any frame is produced.
func (c *Client) OpenStream(ctx context.Context, path string, body []byte) (*Stream, error) {
	parent := ctx
	ctx, cancel := context.WithCancel(ctx)

	s := &Stream{parent: parent, cancel: cancel, idle: c.idleTimeout}
	s.timer = time.AfterFunc(c.idleTimeout, func() {
		s.expired.Store(true)
		cancel()
	})

	req, err := c.newRequest(ctx, http.MethodPost, path, body)
	if err != nil {
		s.Close()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(path, 0, start)
		s.Close()
		return nil, translateTransportError(parent, err, s.expired.Load())
	}
	c.observe(path, resp.StatusCode, start)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		s.Close()
		return nil, translateStatus(resp.StatusCode, resp.Header, respBody)
	}

	s.body = resp.Body
	s.reader = bufio.NewReaderSize(resp.Body, 64*1024)
	s.timer.Stop()
	return s, nil
}

// Next returns the next frame. It returns io.EOF after the [DONE] frame or
// when the upstream closed the stream cleanly without one. Any other error
// is a *domain.APIError of type stream_terminated, or the client's context
// error when the caller went away.
//
// The idle timer only runs inside Next, so time the caller spends between
// calls, for example blocked on a slow client, never counts against the
// upstream.
func (s *Stream) Next() (Frame, error) {
	if s.err != nil {
		return Frame{}, s.err
	}
	if s.done {
		return Frame{}, io.EOF
	}
	s.timer.Reset(s.idle)
	defer s.timer.Stop()

	var raw, data []byte
	for {
		line, err := s.reader.ReadBytes('\n')
		if len(line) > 0 {
			s.timer.Reset(s.idle)
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				if len(line) > 0 {
					raw, data = appendLine(raw, data, line)
				}
				if len(raw) > 0 {
					// Final event without a trailing blank line.
					s.done = true
					return s.frame(raw, data), nil
				}
				s.done = true
				return Frame{}, io.EOF
			}
			s.err = s.translate(err)
			return Frame{}, s.err
		}

		if isBlank(line) {
			if len(raw) == 0 {
				continue
			}
			raw = append(raw, '\n')
			f := s.frame(raw, data)
			if f.Done {
				s.done = true
			}
			return f, nil
		}
		raw, data = appendLine(raw, data, line)
	}
}

func (s *Stream) frame(raw, data []byte) Frame {
	if len(raw) > 0 && !bytes.HasSuffix(raw, []byte("\n\n")) {
		raw = append(raw, '\n')
	}
	return Frame{
		Raw:  raw,
		Data: data,
		Done: bytes.Equal(bytes.TrimSpace(data), doneMarker),
	}
}

func (s *Stream) translate(err error) error {
	if s.parent.Err() != nil {
		return s.parent.Err()
	}
	if s.expired.Load() {
		return domain.ErrStreamTerminated(domain.ErrorCodeUpstreamIdleTimeout, "upstream stopped sending data")
	}
	return domain.ErrStreamTerminated(domain.ErrorCodeUpstreamDisconnected, "upstream connection lost mid-stream")
}

// Close releases the upstream connection. It is safe to call more than once.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.timer.Stop()
		s.cancel()
		if s.body != nil {
			err = s.body.Close()
		}
	})
	return err
}

// appendLine adds one line to the raw event, normalizing CRLF, and collects
// the payload of data lines.
func appendLine(raw, data, line []byte) ([]byte, []byte) {
	line = bytes.TrimRight(line, "\r\n")
	raw = append(raw, line...)
	raw = append(raw, '\n')

	if payload, ok := bytes.CutPrefix(line, []byte("data:")); ok {
		payload = bytes.TrimPrefix(payload, []byte(" "))
		if len(data) > 0 {
			data = append(data, '\n')
		}
		data = append(data, payload...)
	}
	return raw, data
}

func isBlank(line []byte) bool {
	return len(bytes.TrimRight(line, "\r\n")) == 0
}
