package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/tjfontaine/grok-gateway/internal/codec"
	"github.com/tjfontaine/grok-gateway/internal/domain"
	"github.com/tjfontaine/grok-gateway/internal/requestlog"
)

// State is the position of an exchange in the chain.
type State string

const (
	StateReceived    State = "RECEIVED"
	StateAuthChecked State = "AUTH_CHECKED"
	StateRateChecked State = "RATE_CHECKED"
	StateDispatched  State = "DISPATCHED"
	StateComplete    State = "COMPLETE"
)

// Identity is the key a client is rate limited and logged under.
type Identity struct {
	// Key is "token:<fingerprint>" or "ip:<address>".
	Key string
	// Kind is "token" or "ip".
	Kind string
}

// Exchange is the per-request context passed to every stage.
type Exchange struct {
	Request  *http.Request
	Identity Identity
	State    State
}

// Decision is a stage's verdict.
type Decision struct {
	Allow   bool
	Err     *domain.APIError
	Headers http.Header
}

// Allow admits the request. headers may be nil.
func Allow(headers http.Header) Decision {
	return Decision{Allow: true, Headers: headers}
}

// Deny rejects the request with err. headers are still written.
func Deny(err *domain.APIError, headers http.Header) Decision {
	return Decision{Err: err, Headers: headers}
}

// Stage is one gate in the chain.
type Stage interface {
	Name() string
	Process(ex *Exchange) Decision
}

// Identifier derives a client identity from a request.
type Identifier interface {
	Identify(r *http.Request) Identity
}

// Recorder receives the terminal entry of each request.
type Recorder interface {
	Record(e requestlog.Entry)
}

// ExecutorConfig configures an executor.
type ExecutorConfig struct {
	Stages     []StageConfig
	Identifier Identifier
	Recorder   Recorder
}

// StageConfig is the configuration for a single stage.
type StageConfig struct {
	Order int
	// Reached is the state an exchange enters once this stage admits it.
	Reached State
	Stage   Stage
}

// Executor runs the stages in order in front of a handler.
type Executor struct {
	stages     []StageConfig
	identifier Identifier
	recorder   Recorder
}

// NewExecutor creates an executor from configuration.
func NewExecutor(cfg ExecutorConfig) *Executor {
	stages := make([]StageConfig, len(cfg.Stages))
	copy(stages, cfg.Stages)

	sort.SliceStable(stages, func(i, j int) bool {
		return stages[i].Order < stages[j].Order
	})

	return &Executor{
		stages:     stages,
		identifier: cfg.Identifier,
		recorder:   cfg.Recorder,
	}
}

type identityKey struct{}

// IdentityFrom returns the identity resolved for the request in ctx.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// Middleware wraps next with the chain.
func (e *Executor) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ctx, fields := requestlog.WithFields(r.Context())
		ex := &Exchange{State: StateReceived}
		if e.identifier != nil {
			ex.Identity = e.identifier.Identify(r)
			ctx = context.WithValue(ctx, identityKey{}, ex.Identity)
		}
		r = r.WithContext(ctx)
		ex.Request = r

		rw := requestlog.NewResponseWriter(w, start)
		var deniedBy string

		defer func() {
			rec := recover()
			status := rw.Status()
			if rec != nil && !rw.WroteHeader() {
				status = http.StatusInternalServerError
			}
			if e.recorder != nil {
				e.recorder.Record(requestlog.Entry{
					RequestID:   requestlog.GetRequestID(ctx),
					Method:      r.Method,
					Path:        r.URL.Path,
					Status:      status,
					Duration:    time.Since(start),
					Identity:    ex.Identity.Key,
					State:       string(ex.State),
					Fields:      fields.Snapshot(),
					Panicked:    rec != nil,
					RemoteAddr:  r.RemoteAddr,
					DeniedStage: deniedBy,
				})
			}
			if rec != nil {
				panic(rec)
			}
		}()

		for _, sc := range e.stages {
			d := sc.Stage.Process(ex)
			for k, vs := range d.Headers {
				for _, v := range vs {
					rw.Header().Add(k, v)
				}
			}
			if !d.Allow {
				deniedBy = sc.Stage.Name()
				err := d.Err
				if err == nil {
					err = domain.ErrServer(fmt.Sprintf("denied by %s", deniedBy))
				}
				codec.WriteError(rw, err)
				return
			}
			if sc.Reached != "" {
				ex.State = sc.Reached
			}
		}

		ex.State = StateDispatched
		next.ServeHTTP(rw, r)
		ex.State = StateComplete
	})
}
