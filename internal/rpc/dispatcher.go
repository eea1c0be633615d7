package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/scenehost/internal/ecs"
	"github.com/roach88/scenehost/internal/telemetry"
)

var (
	// ErrCancelled resolves calls whose scene was torn down, or whose
	// handler failed without producing a response.
	ErrCancelled = errors.New("rpc: call cancelled")

	// ErrUnknownKind is returned for call kinds with no registered handler.
	ErrUnknownKind = errors.New("rpc: unknown call kind")

	// ErrNotFound is the not-found indication for lookups such as file reads.
	ErrNotFound = errors.New("rpc: not found")
)

// Call identifies one issued request.
type Call struct {
	ID    uint64
	Scene ecs.SceneHandle
	Kind  Kind
	Args  Request
}

// Result is the single response to a Call.
type Result struct {
	Value any
	Err   error
}

// Handler serves one call kind. The context is cancelled when the call is
// cancelled, so long-running handlers should observe it.
type Handler interface {
	Handle(ctx context.Context, sc SceneContext, req Request) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, sc SceneContext, req Request) (any, error)

func (f HandlerFunc) Handle(ctx context.Context, sc SceneContext, req Request) (any, error) {
	return f(ctx, sc, req)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMetrics records call outcomes on m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// Dispatcher routes calls by kind and tracks them per scene until they
// resolve.
type Dispatcher struct {
	mu          sync.Mutex
	handlers    map[Kind]Handler
	nextID      uint64
	outstanding map[ecs.SceneHandle]map[uint64]*Pending
	closed      map[ecs.SceneHandle]bool
	metrics     *telemetry.Metrics
}

// NewDispatcher creates a dispatcher with no handlers.
func NewDispatcher(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		handlers:    make(map[Kind]Handler),
		outstanding: make(map[ecs.SceneHandle]map[uint64]*Pending),
		closed:      make(map[ecs.SceneHandle]bool),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register installs h for kind, replacing any previous handler.
func (d *Dispatcher) Register(kind Kind, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[kind] = h
}

// Registered returns the kinds with a handler, sorted.
func (d *Dispatcher) Registered() []Kind {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Kind, 0, len(d.handlers))
	for k := range d.handlers {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Issue starts a call on behalf of sc and returns immediately. The handler
// runs on its own goroutine. Calls issued for a scene that has already been
// cancelled resolve with ErrCancelled without reaching a handler.
func (d *Dispatcher) Issue(sc SceneContext, req Request) *Pending {
	ctx, cancel := context.WithCancel(context.Background())

	d.mu.Lock()
	d.nextID++
	p := &Pending{
		call:   Call{ID: d.nextID, Scene: sc.Handle, Kind: req.Kind(), Args: req},
		done:   make(chan struct{}),
		cancel: cancel,
		d:      d,
	}
	h, ok := d.handlers[req.Kind()]
	closed := d.closed[sc.Handle]
	if ok && !closed {
		calls := d.outstanding[sc.Handle]
		if calls == nil {
			calls = make(map[uint64]*Pending)
			d.outstanding[sc.Handle] = calls
		}
		calls[p.call.ID] = p
	}
	d.mu.Unlock()

	switch {
	case closed:
		p.resolve(Result{Err: ErrCancelled}, "cancelled")
	case !ok:
		p.resolve(Result{Err: fmt.Errorf("%w: %q", ErrUnknownKind, req.Kind())}, "unknown")
	default:
		go d.run(ctx, h, sc, p)
	}
	return p
}

func (d *Dispatcher) run(ctx context.Context, h Handler, sc SceneContext, p *Pending) {
	ctx, span := telemetry.Tracer().Start(ctx, "rpc."+string(p.call.Kind),
		trace.WithAttributes(
			attribute.String("scene", sc.Handle.String()),
			attribute.Int64("call", int64(p.call.ID)),
		))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			slog.Error("rpc handler panicked", "kind", p.call.Kind, "scene", sc.Handle, "panic", r)
			span.SetStatus(codes.Error, "panic")
			p.resolve(Result{Err: fmt.Errorf("%w: handler panic: %v", ErrCancelled, r)}, "cancelled")
		}
	}()

	v, err := h.Handle(ctx, sc, p.call.Args)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if !p.resolve(Result{Value: v, Err: err}, outcome) {
		slog.Debug("rpc result discarded after cancellation", "kind", p.call.Kind, "scene", sc.Handle, "call", p.call.ID)
	}
}

// CancelScene resolves every outstanding call of h with ErrCancelled and
// refuses further calls from h. It returns the number of calls cancelled.
func (d *Dispatcher) CancelScene(h ecs.SceneHandle) int {
	d.mu.Lock()
	d.closed[h] = true
	calls := d.outstanding[h]
	delete(d.outstanding, h)
	d.mu.Unlock()

	n := 0
	for _, p := range calls {
		if p.resolve(Result{Err: ErrCancelled}, "cancelled") {
			n++
		}
	}
	if n > 0 {
		slog.Debug("cancelled outstanding rpc calls", "scene", h, "count", n)
	}
	return n
}

// Forget drops the cancelled mark for h once its slot is released.
func (d *Dispatcher) Forget(h ecs.SceneHandle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.closed, h)
}

// Outstanding returns the number of unresolved calls for h.
func (d *Dispatcher) Outstanding(h ecs.SceneHandle) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.outstanding[h])
}

func (d *Dispatcher) remove(c Call) {
	d.mu.Lock()
	defer d.mu.Unlock()
	calls := d.outstanding[c.Scene]
	if calls == nil {
		return
	}
	delete(calls, c.ID)
	if len(calls) == 0 {
		delete(d.outstanding, c.Scene)
	}
}

// Pending is the caller's side of an issued call.
type Pending struct {
	call   Call
	once   sync.Once
	done   chan struct{}
	res    Result
	cancel context.CancelFunc
	d      *Dispatcher
}

// Call returns the call this pending result belongs to.
func (p *Pending) Call() Call { return p.call }

// Done is closed once the call has resolved.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the call resolves or ctx is done. A ctx error leaves
// the call outstanding.
func (p *Pending) Wait(ctx context.Context) (any, error) {
	select {
	case <-p.done:
		return p.res.Value, p.res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the resolved result, and false while still pending.
func (p *Pending) Result() (Result, bool) {
	select {
	case <-p.done:
		return p.res, true
	default:
		return Result{}, false
	}
}

// resolve stores r if the call has not resolved yet and reports whether
// it did.
func (p *Pending) resolve(r Result, outcome string) bool {
	delivered := false
	p.once.Do(func() {
		p.res = r
		close(p.done)
		p.cancel()
		delivered = true
	})
	if delivered {
		p.d.remove(p.call)
		p.d.metrics.RPC(string(p.call.Kind), outcome)
	}
	return delivered
}
