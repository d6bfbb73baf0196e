// Package tools holds the tool registry and the dispatcher that validates and routes
// tool calls to their handlers.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vaishcodescape/OpenX-MCP/internal/core"
	"github.com/vaishcodescape/OpenX-MCP/internal/telemetry"
)

var (
	ErrFrozen        = errors.New("tools: registry is frozen")
	ErrDuplicateTool = errors.New("tools: duplicate tool name")
	ErrToolNameEmpty = errors.New("tools: tool name is empty")
	ErrNilHandler    = errors.New("tools: nil handler")
	ErrInvalidSchema = errors.New("tools: invalid schema")
)

// Call is one tool invocation request.
type Call struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// Dispatcher routes calls to tools. *Registry implements it.
type Dispatcher interface {
	Call(ctx context.Context, c Call) Result
}

var _ Dispatcher = (*Registry)(nil)

// CallRecord is what observers see for every dispatched call.
type CallRecord struct {
	RequestID string
	Tool      string
	Arguments map[string]any
	Result    Result
	StartedAt time.Time
	Duration  time.Duration
}

// Observer receives a record of every call after it completes.
type Observer interface {
	ObserveCall(ctx context.Context, rec CallRecord)
}

type ObserverFunc func(ctx context.Context, rec CallRecord)

func (f ObserverFunc) ObserveCall(ctx context.Context, rec CallRecord) { f(ctx, rec) }

type requestIDKey struct{}

// RequestID returns the id of the call being dispatched on ctx.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type Registry struct {
	mu        sync.RWMutex
	byName    map[string]Descriptor
	order     []string
	frozen    bool
	observers []Observer

	policy *core.Policy
	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Registry)

func WithPolicy(p *core.Policy) Option { return func(r *Registry) { r.policy = p } }

func WithLogger(l *slog.Logger) Option { return func(r *Registry) { r.logger = l } }

func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observers = append(r.observers, o) }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{byName: make(map[string]Descriptor), now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	return r
}

// Register adds d. Registration is only possible before Freeze.
func (r *Registry) Register(d Descriptor) error {
	if err := validateDescriptor(d); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return ErrFrozen
	}
	if _, ok := r.byName[d.Name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, d.Name)
	}
	d.Schema = append([]Param(nil), d.Schema...)
	r.byName[d.Name] = d
	r.order = append(r.order, d.Name)
	return nil
}

func (r *Registry) MustRegister(ds ...Descriptor) {
	for _, d := range ds {
		if err := r.Register(d); err != nil {
			panic(err)
		}
	}
}

// Freeze makes the registry read-only.
func (r *Registry) Freeze() {
	r.mu.Lock()
	r.frozen = true
	r.mu.Unlock()
}

func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// AddObserver attaches an observer. Observers may be added after Freeze.
func (r *Registry) AddObserver(o Observer) {
	r.mu.Lock()
	r.observers = append(r.observers, o)
	r.mu.Unlock()
}

// List returns descriptors in registration order.
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Descriptor, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.byName[name])
	}
	return out
}

func (r *Registry) Lookup(name string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byName[name]
	return d, ok
}

// Call validates c and runs the tool's handler. It never panics and never returns both
// a payload and an error.
func (r *Registry) Call(ctx context.Context, c Call) Result {
	if c.RequestID == "" {
		c.RequestID = uuid.NewString()
	}
	started := r.now()
	ctx = context.WithValue(ctx, requestIDKey{}, c.RequestID)

	res := r.dispatch(ctx, c)
	elapsed := time.Since(started)

	status := "ok"
	if !res.OK() {
		status = "error"
	}
	telemetry.IncToolCall(c.Name, status)
	telemetry.ObserveToolDuration(c.Name, elapsed)

	if res.OK() {
		r.logger.Info("tool call completed",
			"request_id", c.RequestID,
			"tool_name", c.Name,
			"duration_ms", elapsed.Milliseconds(),
		)
	} else {
		r.logger.Warn("tool call failed",
			"request_id", c.RequestID,
			"tool_name", c.Name,
			"kind", res.Kind(),
			"err", res.Message(),
			"duration_ms", elapsed.Milliseconds(),
		)
	}

	r.mu.RLock()
	observers := append([]Observer(nil), r.observers...)
	r.mu.RUnlock()
	rec := CallRecord{RequestID: c.RequestID, Tool: c.Name, Arguments: c.Arguments, Result: res, StartedAt: started, Duration: elapsed}
	for _, o := range observers {
		o.ObserveCall(ctx, rec)
	}
	return res
}

func (r *Registry) dispatch(ctx context.Context, c Call) Result {
	d, ok := r.Lookup(c.Name)
	if !ok {
		return Failure(core.KindValidation, fmt.Sprintf("unknown tool %q", c.Name))
	}
	if err := r.policy.CheckTool(c.Name); err != nil {
		return FailureFromError(err)
	}
	args, err := normalizeArgs(d.Schema, c.Arguments)
	if err != nil {
		return FailureFromError(err)
	}
	if err := d.Handler.Validate(args); err != nil {
		if core.KindOf(err) == core.KindInternal {
			err = core.Wrap(core.KindValidation, c.Name, err)
		}
		return FailureFromError(err)
	}
	payload, err := invoke(ctx, d, args)
	if err != nil {
		return FailureFromError(err)
	}
	return Success(payload)
}

func invoke(ctx context.Context, d Descriptor, args Args) (payload any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("tool handler panicked", "tool_name", d.Name, "panic", rec, "stack", string(debug.Stack()))
			payload, err = nil, core.Errorf(core.KindInternal, "tool %s panicked: %v", d.Name, rec)
		}
	}()
	return d.Handler.Invoke(ctx, args)
}
