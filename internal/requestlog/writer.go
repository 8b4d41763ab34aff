package requestlog

import (
	"net/http"
	"strconv"
	"time"
)

// ProcessTimeHeader reports, in seconds, how long the gateway took to start
// the response.
const ProcessTimeHeader = "X-Process-Time"

// ResponseWriter wraps http.ResponseWriter to capture the status code and to
// stamp the process time when the response is committed.
type ResponseWriter struct {
	http.ResponseWriter
	start       time.Time
	statusCode  int
	wroteHeader bool
}

// NewResponseWriter wraps w for a request that began at start. The status
// defaults to 200 as net/http does.
func NewResponseWriter(w http.ResponseWriter, start time.Time) *ResponseWriter {
	return &ResponseWriter{ResponseWriter: w, start: start, statusCode: http.StatusOK}
}

// commit stamps the headers that must precede the first byte.
func (rw *ResponseWriter) commit() {
	if rw.wroteHeader {
		return
	}
	rw.wroteHeader = true
	elapsed := time.Since(rw.start).Seconds()
	rw.Header().Set(ProcessTimeHeader, strconv.FormatFloat(elapsed, 'f', 6, 64))
}

func (rw *ResponseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.statusCode = code
	rw.commit()
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *ResponseWriter) Write(b []byte) (int, error) {
	rw.commit()
	return rw.ResponseWriter.Write(b)
}

// Status returns the status written so far.
func (rw *ResponseWriter) Status() int { return rw.statusCode }

// WroteHeader reports whether the response has been committed.
func (rw *ResponseWriter) WroteHeader() bool { return rw.wroteHeader }

// Flush forwards Flush to the underlying ResponseWriter if it supports http.Flusher,
// preserving streaming support (e.g., for SSE).
func (rw *ResponseWriter) Flush() {
	rw.commit()
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *ResponseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
