// Package requestlog emits one structured log record per request and carries
// the request-scoped logging context (request ID, extra fields).
package requestlog

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"time"
)

// Entry is the completed-request summary recorded exactly once per request.
type Entry struct {
	RequestID   string
	Method      string
	Path        string
	Status      int
	Duration    time.Duration
	Identity    string // fingerprint, never the raw credential
	State       string
	Fields      map[string]string
	Panicked    bool
	RemoteAddr  string
	DeniedStage string
}

// Observer receives request outcomes, typically a metrics collector.
type Observer interface {
	ObserveRequest(method, path string, status int, duration time.Duration)
}

// Logger writes request entries to slog.
type Logger struct {
	logger   *slog.Logger
	observer Observer
}

// New creates a request logger. observer may be nil.
func New(logger *slog.Logger, observer Observer) *Logger {
	return &Logger{logger: logger, observer: observer}
}

// Record logs e. A failing sink never affects the response: panics raised by
// the handler or observer are swallowed.
func (l *Logger) Record(e Entry) {
	defer func() {
		_ = recover()
	}()

	path := NormalizePath(e.Path)
	attrs := []slog.Attr{
		slog.String("request_id", e.RequestID),
		slog.String("method", e.Method),
		slog.String("path", path),
		slog.Int("status", e.Status),
		slog.Duration("duration", e.Duration),
		slog.String("state", e.State),
	}
	if e.Identity != "" {
		attrs = append(attrs, slog.String("client", e.Identity))
	}
	if e.RemoteAddr != "" {
		attrs = append(attrs, slog.String("remote_addr", e.RemoteAddr))
	}
	if e.DeniedStage != "" {
		attrs = append(attrs, slog.String("denied_by", e.DeniedStage))
	}
	if e.Panicked {
		attrs = append(attrs, slog.Bool("panic", true))
	}
	for k, v := range e.Fields {
		attrs = append(attrs, slog.String(k, v))
	}

	level := slog.LevelInfo
	if e.Status >= 500 || e.Panicked {
		level = slog.LevelError
	}
	l.logger.LogAttrs(context.Background(), level, "request completed", attrs...)

	if l.observer != nil {
		l.observer.ObserveRequest(e.Method, path, e.Status, e.Duration)
	}
}

var (
	uuidPattern = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	numPattern  = regexp.MustCompile(`^[0-9]+$`)
	// Opaque identifiers such as resp_01HX... mix letters and digits.
	opaquePattern = regexp.MustCompile(`^[A-Za-z0-9_-]*[0-9][A-Za-z0-9_-]*$`)
)

// NormalizePath replaces ID-like path segments with ":id" so log and metric
// cardinality stays bounded.
func NormalizePath(path string) string {
	if path == "" {
		return "/"
	}
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		switch {
		case seg == "":
		case uuidPattern.MatchString(seg), numPattern.MatchString(seg):
			segments[i] = ":id"
		case len(seg) >= 16 && opaquePattern.MatchString(seg):
			segments[i] = ":id"
		}
	}
	return strings.Join(segments, "/")
}
