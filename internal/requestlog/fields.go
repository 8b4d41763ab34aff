package requestlog

import (
	"context"
	"sync"
)

// logFieldsKey identifies request-scoped logging fields.
type logFieldsKey struct{}

// Fields is a request-scoped bag of extra log attributes. Handlers may add to
// it from the streaming producer goroutine, so access is locked.
type Fields struct {
	mu     sync.Mutex
	values map[string]string
}

// WithFields attaches an empty field bag to ctx.
func WithFields(ctx context.Context) (context.Context, *Fields) {
	f := &Fields{values: make(map[string]string)}
	return context.WithValue(ctx, logFieldsKey{}, f), f
}

// Snapshot copies the current fields.
func (f *Fields) Snapshot() map[string]string {
	if f == nil {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.values))
	for k, v := range f.values {
		out[k] = v
	}
	return out
}

// AddField attaches a key/value to the request log entry.
// It is safe to call multiple times. No-op if the request has no field bag.
func AddField(ctx context.Context, key, value string) {
	if value == "" {
		return
	}
	if f, ok := ctx.Value(logFieldsKey{}).(*Fields); ok {
		f.mu.Lock()
		f.values[key] = value
		f.mu.Unlock()
	}
}

// AddError attaches an error message to the request log entry. No-op if err
// is nil.
func AddError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	AddField(ctx, "error", err.Error())
}
