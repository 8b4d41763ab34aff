package upstream

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/grok-gateway/internal/domain"
)

// sseServer writes each event, flushing after each, then waits for hold.
func sseServer(t *testing.T, events []string, hold time.Duration) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		for _, ev := range events {
			io.WriteString(w, ev)
			flusher.Flush()
		}
		if hold > 0 {
			select {
			case <-r.Context().Done():
			case <-time.After(hold):
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func collect(t *testing.T, s *Stream) ([]Frame, error) {
	t.Helper()
	var frames []Frame
	for {
		f, err := s.Next()
		if err != nil {
			return frames, err
		}
		frames = append(frames, f)
	}
}

func TestStream_OrderAndDone(t *testing.T) {
	srv := sseServer(t, []string{
		"data: {\"id\":\"A\"}\n\n",
		"data: {\"id\":\"B\"}\n\n",
		"data: [DONE]\n\n",
	}, 0)

	c := NewClient("k", WithBaseURL(srv.URL))
	s, err := c.OpenStream(context.Background(), "/chat/completions", []byte(`{"stream":true}`))
	require.NoError(t, err)
	defer s.Close()

	frames, err := collect(t, s)
	assert.ErrorIs(t, err, io.EOF)
	require.Len(t, frames, 3)
	assert.Equal(t, "data: {\"id\":\"A\"}\n\n", string(frames[0].Raw))
	assert.Equal(t, `{"id":"B"}`, string(frames[1].Data))
	assert.False(t, frames[1].Done)
	assert.True(t, frames[2].Done)

	// Not restartable.
	_, err = s.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestStream_VerbatimNonJSONAndMultiline(t *testing.T) {
	srv := sseServer(t, []string{
		": keep-alive\n\n",
		"event: message\ndata: line one\ndata: line two\n\n",
		"data: not json at all\r\n\r\n",
		"data: [DONE]",
	}, 0)

	c := NewClient("k", WithBaseURL(srv.URL))
	s, err := c.OpenStream(context.Background(), "/chat/completions", nil)
	require.NoError(t, err)
	defer s.Close()

	frames, err := collect(t, s)
	assert.ErrorIs(t, err, io.EOF)
	require.Len(t, frames, 4)
	assert.Equal(t, ": keep-alive\n\n", string(frames[0].Raw))
	assert.Equal(t, "event: message\ndata: line one\ndata: line two\n\n", string(frames[1].Raw))
	assert.Equal(t, "line one\nline two", string(frames[1].Data))
	assert.Equal(t, "data: not json at all\n\n", string(frames[2].Raw))
	assert.True(t, frames[3].Done, "final event without trailing blank line")
}

func TestStream_CleanCloseWithoutDone(t *testing.T) {
	srv := sseServer(t, []string{"data: {\"id\":\"A\"}\n\n"}, 0)

	c := NewClient("k", WithBaseURL(srv.URL))
	s, err := c.OpenStream(context.Background(), "/chat/completions", nil)
	require.NoError(t, err)
	defer s.Close()

	frames, err := collect(t, s)
	assert.ErrorIs(t, err, io.EOF)
	require.Len(t, frames, 1)
	assert.False(t, frames[0].Done)
}

func TestStream_IdleTimeout(t *testing.T) {
	srv := sseServer(t, []string{"data: {\"id\":\"A\"}\n\n"}, 5*time.Second)

	c := NewClient("k", WithBaseURL(srv.URL), WithIdleTimeout(100*time.Millisecond))
	s, err := c.OpenStream(context.Background(), "/chat/completions", nil)
	require.NoError(t, err)
	defer s.Close()

	frames, err := collect(t, s)
	require.Len(t, frames, 1)
	apiErr := apiErrorOf(t, err)
	assert.Equal(t, domain.ErrorTypeStreamTerminated, apiErr.Type)
	assert.Equal(t, domain.ErrorCodeUpstreamIdleTimeout, apiErr.Code)
}

func TestStream_IdleTimerPausedBetweenReads(t *testing.T) {
	srv := sseServer(t, []string{
		"data: {\"id\":\"A\"}\n\n",
		"data: {\"id\":\"B\"}\n\n",
		"data: [DONE]\n\n",
	}, 0)

	c := NewClient("k", WithBaseURL(srv.URL), WithIdleTimeout(50*time.Millisecond))
	s, err := c.OpenStream(context.Background(), "/chat/completions", nil)
	require.NoError(t, err)
	defer s.Close()

	// A slow consumer before the first read and between reads.
	time.Sleep(200 * time.Millisecond)
	first, err := s.Next()
	require.NoError(t, err)
	assert.Equal(t, `{"id":"A"}`, string(first.Data))

	time.Sleep(200 * time.Millisecond)
	rest, err := collect(t, s)
	assert.ErrorIs(t, err, io.EOF)
	require.Len(t, rest, 2)
	assert.True(t, rest[1].Done)
}

func TestStream_IdleTimeoutBeforeHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := NewClient("k", WithBaseURL(srv.URL), WithIdleTimeout(50*time.Millisecond))
	_, err := c.OpenStream(context.Background(), "/chat/completions", nil)

	apiErr := apiErrorOf(t, err)
	assert.Equal(t, domain.ErrorCodeUpstreamTimeout, apiErr.Code)
}

// brokenServer answers with one chunked SSE event and then drops the
// connection without the terminating chunk.
func brokenServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		req, err := http.ReadRequest(bufio.NewReader(conn))
		if err != nil {
			return
		}
		io.Copy(io.Discard, req.Body)

		chunk := "data: {\"id\":\"A\"}\n\n"
		fmt.Fprintf(conn, "HTTP/1.1 200 OK\r\nContent-Type: text/event-stream\r\nTransfer-Encoding: chunked\r\n\r\n")
		fmt.Fprintf(conn, "%x\r\n%s\r\n", len(chunk), chunk)
	}()

	return "http://" + ln.Addr().String()
}

func TestStream_MidStreamDisconnect(t *testing.T) {
	c := NewClient("k", WithBaseURL(brokenServer(t)))
	s, err := c.OpenStream(context.Background(), "/chat/completions", []byte(`{}`))
	require.NoError(t, err)
	defer s.Close()

	frames, err := collect(t, s)
	require.Len(t, frames, 1)
	apiErr := apiErrorOf(t, err)
	assert.Equal(t, domain.ErrorCodeUpstreamDisconnected, apiErr.Code)

	// The error is sticky.
	_, again := s.Next()
	assert.Equal(t, err, again)
}

func TestStream_ErrorStatusBeforeFrames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":{"message":"stream_options not supported"}}`)
	}))
	defer srv.Close()

	c := NewClient("k", WithBaseURL(srv.URL))
	_, err := c.OpenStream(context.Background(), "/chat/completions", []byte(`{}`))

	apiErr := apiErrorOf(t, err)
	assert.Equal(t, http.StatusBadRequest, apiErr.HTTPStatusCode())
	assert.Contains(t, apiErr.Message, "stream_options")
}

func TestStream_CallerCancel(t *testing.T) {
	srv := sseServer(t, []string{"data: {}\n\n"}, 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	c := NewClient("k", WithBaseURL(srv.URL))
	s, err := c.OpenStream(ctx, "/chat/completions", nil)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Next()
	require.NoError(t, err)

	cancel()
	_, err = s.Next()
	assert.ErrorIs(t, err, context.Canceled)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}
