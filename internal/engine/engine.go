package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/scenehost/internal/channel"
	"github.com/roach88/scenehost/internal/crdt"
	"github.com/roach88/scenehost/internal/ecs"
	"github.com/roach88/scenehost/internal/lifecycle"
	"github.com/roach88/scenehost/internal/rpc"
	"github.com/roach88/scenehost/internal/scene"
	"github.com/roach88/scenehost/internal/telemetry"
	"github.com/roach88/scenehost/internal/wire"
	"github.com/roach88/scenehost/internal/world"
)

// Engine drives the global tick across every active scene.
//
// Each tick visits scenes in handle order: it seals an inbound batch per
// scene (host diff, bus messages, queued commands), lets the scenes run in
// parallel up to the tick budget, then collects their output in the same
// handle order and merges it into the world view. Handle order is the only
// ordering used on the control path, so two runs with the same inputs see
// the same merged state.
//
// Thread-safety model:
//   - Enqueue, Activate, Deactivate: safe from any goroutine
//   - Tick: serialized internally; Run calls it from one goroutine
//   - Run: must be called from exactly one goroutine
type Engine struct {
	cfg     Config
	manager *lifecycle.Manager
	world   *world.World
	bus     *world.MessageBus
	clock   *Clock
	queue   *commandQueue
	metrics *telemetry.Metrics

	tickMu   sync.Mutex
	known    map[ecs.SceneHandle]string // scenes registered with world and bus
	lastTick time.Time
	closed   atomic.Bool
}

// Config holds the tick parameters.
type Config struct {
	// TickInterval is the wall time between ticks in Run. Zero makes Run
	// tick only when commands are enqueued.
	TickInterval time.Duration

	// TickBudget bounds how long a tick waits for scenes. Scenes that miss
	// it are reported stalled and their output is collected on a later
	// tick. Zero waits for every scene.
	TickBudget time.Duration

	// Workers bounds how many scenes tick concurrently. Zero means no
	// bound.
	Workers int
}

// EngineOption allows configuration of engine parameters.
type EngineOption func(*Engine)

// WithClock resumes the engine from an existing clock.
func WithClock(c *Clock) EngineOption {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithMetrics records stalled ticks.
func WithMetrics(m *telemetry.Metrics) EngineOption {
	return func(e *Engine) {
		e.metrics = m
	}
}

// TickReport summarizes one global tick.
type TickReport struct {
	Tick      uint64
	Scenes    int
	Stalled   []ecs.SceneHandle
	Merged    crdt.MergeStats
	Responses []SceneResponse
}

// SceneResponse is a response collected from a scene.
type SceneResponse struct {
	Scene   ecs.SceneHandle
	SceneID string
	wire.Response
}

// New creates an Engine over an existing manager, world and bus. The bus
// must be the same one registered as the dispatcher's Comms so that
// send_message calls and scene comms responses share a route.
func New(m *lifecycle.Manager, w *world.World, bus *world.MessageBus, cfg Config, opts ...EngineOption) *Engine {
	e := &Engine{
		cfg:     cfg,
		manager: m,
		world:   w,
		bus:     bus,
		clock:   NewClock(),
		queue:   newCommandQueue(),
		known:   make(map[ecs.SceneHandle]string),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Manager() *lifecycle.Manager { return e.manager }
func (e *Engine) World() *world.World         { return e.world }
func (e *Engine) Bus() *world.MessageBus      { return e.bus }
func (e *Engine) Clock() *Clock               { return e.clock }

// Activate starts a scene and registers it with the world view and bus.
// A scene that fails to start is not registered; its handle and the init
// error are returned.
func (e *Engine) Activate(ctx context.Context, d lifecycle.Descriptor) (ecs.SceneHandle, error) {
	if e.closed.Load() {
		return ecs.SceneHandle{}, errClosed()
	}
	h, err := e.manager.Activate(ctx, d)
	if err != nil {
		return h, err
	}
	e.tickMu.Lock()
	e.register(h, d.ID)
	e.tickMu.Unlock()
	return h, nil
}

// Deactivate schedules h for teardown. It stops receiving ticks at once.
func (e *Engine) Deactivate(h ecs.SceneHandle) error {
	if err := e.manager.Deactivate(h); err != nil {
		return err
	}
	e.tickMu.Lock()
	e.unregister(h)
	e.tickMu.Unlock()
	return nil
}

// Enqueue submits a host input event for scene h. It is delivered with
// the next tick's inbound batch.
// Thread-safe: may be called from any goroutine.
func (e *Engine) Enqueue(h ecs.SceneHandle, cmd wire.Command) error {
	if st, err := e.manager.Status(h); err != nil || st != lifecycle.StatusActive {
		return errUnknownScene(h)
	}
	if !e.queue.Enqueue(h, cmd) {
		return errClosed()
	}
	return nil
}

// Tick runs one global tick.
func (e *Engine) Tick(ctx context.Context) (TickReport, error) {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()

	if e.closed.Load() {
		return TickReport{}, errClosed()
	}
	now := time.Now()
	n := e.clock.Next()
	ctx, span := telemetry.Tracer().Start(ctx, "engine.tick", trace.WithAttributes(attribute.Int64("tick", int64(n))))
	defer span.End()

	hosts := e.sync()
	delta := e.delta(now)
	comms := e.bus.Route(ctx)
	commands := e.queue.Drain()

	batches := make([][]channel.Message, len(hosts))
	for i, host := range hosts {
		h := host.Handle()
		batches[i] = e.inbound(n, h, comms[h], commands[h])
	}

	waitCtx := ctx
	if e.cfg.TickBudget > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, e.cfg.TickBudget)
		defer cancel()
	}
	late := make([]bool, len(hosts))
	var g errgroup.Group
	if e.cfg.Workers > 0 {
		g.SetLimit(e.cfg.Workers)
	}
	for i, host := range hosts {
		i, host := i, host
		g.Go(func() error {
			if err := host.Deliver(n, delta, batches[i]); err != nil {
				slog.Warn("scene delivery failed", "scene", host.Handle(), "tick", n, "error", err)
				return nil
			}
			late[i] = !host.AwaitTick(waitCtx, n)
			return nil
		})
	}
	_ = g.Wait()

	report := TickReport{Tick: n, Scenes: len(hosts)}
	for i, host := range hosts {
		if late[i] || host.Stalled() {
			report.Stalled = append(report.Stalled, host.Handle())
			e.metrics.TickStalled()
		}
		e.absorb(ctx, host, &report)
	}
	span.SetAttributes(attribute.Int("scenes", report.Scenes), attribute.Int("stalled", len(report.Stalled)))
	if len(report.Stalled) > 0 {
		slog.Debug("tick finished with stalled scenes", "tick", n, "stalled", len(report.Stalled))
	}
	return report, ctx.Err()
}

// sync reaps self-terminated scenes and brings the world and bus in line
// with the manager's active set.
func (e *Engine) sync() []*scene.Host {
	for _, h := range e.manager.Reap() {
		slog.Info("scene reaped", "scene", h)
	}
	hosts := e.manager.Active()
	live := make(map[ecs.SceneHandle]bool, len(hosts))
	for _, host := range hosts {
		live[host.Handle()] = true
		if _, ok := e.known[host.Handle()]; !ok {
			e.register(host.Handle(), host.SceneID())
		}
	}
	for h := range e.known {
		if !live[h] {
			e.unregister(h)
		}
	}
	return hosts
}

func (e *Engine) register(h ecs.SceneHandle, sceneID string) {
	if _, ok := e.known[h]; ok {
		return
	}
	e.known[h] = sceneID
	e.world.AddScene(h)
	e.bus.Subscribe(h, sceneID)
}

func (e *Engine) unregister(h ecs.SceneHandle) {
	if _, ok := e.known[h]; !ok {
		return
	}
	delete(e.known, h)
	e.world.RemoveScene(h)
	e.bus.Unsubscribe(h)
}

func (e *Engine) delta(now time.Time) float64 {
	defer func() { e.lastTick = now }()
	if e.cfg.TickInterval > 0 {
		return e.cfg.TickInterval.Seconds()
	}
	if e.lastTick.IsZero() {
		return 0
	}
	return now.Sub(e.lastTick).Seconds()
}

// inbound builds scene h's batch: host diff first, then bus messages,
// then queued commands.
func (e *Engine) inbound(n uint64, h ecs.SceneHandle, comms, commands []wire.Command) []channel.Message {
	var msgs []channel.Message
	for _, rec := range e.world.HostDiff(h) {
		b, err := wire.EncodeRecord(rec)
		if err != nil {
			slog.Error("encode host record", "scene", h, "tick", n, "error", err)
			continue
		}
		msgs = append(msgs, channel.Message{Kind: channel.KindCRDT, Data: b})
	}
	for _, cmds := range [][]wire.Command{comms, commands} {
		for _, cmd := range cmds {
			b, err := wire.EncodeCommand(cmd)
			if err != nil {
				slog.Error("encode scene command", "scene", h, "tick", n, "error", err)
				continue
			}
			msgs = append(msgs, channel.Message{Kind: channel.KindCommand, Data: b})
		}
	}
	return msgs
}

// absorb collects a scene's sealed output, merges its records into the
// world view and routes its responses.
func (e *Engine) absorb(ctx context.Context, host *scene.Host, report *TickReport) {
	h := host.Handle()
	var recs []wire.Record
	for _, m := range host.Collect() {
		switch m.Kind {
		case channel.KindCRDT:
			rec, err := wire.DecodeRecord(m.Data)
			if err != nil {
				slog.Warn("dropping malformed scene record", "scene", h, "error", err)
				continue
			}
			recs = append(recs, rec)
		case channel.KindResponse:
			r, err := wire.DecodeResponse(m.Data)
			if err != nil {
				slog.Warn("dropping malformed scene response", "scene", h, "error", err)
				continue
			}
			e.respond(ctx, host, r)
			report.Responses = append(report.Responses, SceneResponse{Scene: h, SceneID: host.SceneID(), Response: r})
		}
	}
	if len(recs) == 0 {
		return
	}
	st := e.world.ApplyOutbound(h, recs)
	report.Merged.Accepted += st.Accepted
	report.Merged.Rejected += st.Rejected
	report.Merged.Appended += st.Appended
	report.Merged.Deleted += st.Deleted
}

func (e *Engine) respond(ctx context.Context, host *scene.Host, r wire.Response) {
	switch r.Kind {
	case wire.ResponseComms:
		from := rpc.SceneContext{Handle: host.Handle(), SceneID: host.SceneID()}
		if err := e.bus.Send(ctx, from, r.Channel, r.Data); err != nil {
			slog.Warn("scene message dropped", "scene", host.Handle(), "channel", r.Channel, "error", err)
		}
	case wire.ResponseLog:
		slog.Info("scene log", "scene", host.Handle(), "scene_id", host.SceneID(), "message", r.Message)
	case wire.ResponseDiagnostic:
		slog.Debug("scene diagnostic", "scene", host.Handle(), "scene_id", host.SceneID(), "message", r.Message)
	}
}

// Run ticks at the configured interval until ctx is cancelled or the
// engine is closed.
//
// ERROR HANDLING: a failed tick is logged and the loop continues. Scene
// faults never surface here; they are contained by the scene host.
func (e *Engine) Run(ctx context.Context) error {
	slog.Info("engine starting", "interval", e.cfg.TickInterval, "budget", e.cfg.TickBudget, "workers", e.cfg.Workers)
	defer func() { slog.Info("engine stopped", "tick", e.clock.Current()) }()

	var ticks <-chan time.Time
	if e.cfg.TickInterval > 0 {
		t := time.NewTicker(e.cfg.TickInterval)
		defer t.Stop()
		ticks = t.C
	}
	for {
		var wake <-chan struct{}
		if ticks == nil {
			wake = e.queue.Wait()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticks:
		case _, ok := <-wake:
			if !ok {
				return errClosed()
			}
		}
		if _, err := e.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if IsClosedError(err) {
				return err
			}
			slog.Error("tick failed", "tick", e.clock.Current(), "error", err)
		}
	}
}

// Pending returns the number of enqueued commands not yet delivered.
func (e *Engine) Pending() int {
	return e.queue.Len()
}

// Close stops accepting ticks and commands. Scenes keep running until
// Shutdown.
func (e *Engine) Close() {
	if e.closed.CompareAndSwap(false, true) {
		e.queue.Close()
	}
}

// Shutdown closes the engine and tears down every scene.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.Close()
	e.tickMu.Lock()
	for h := range e.known {
		e.unregister(h)
	}
	e.tickMu.Unlock()
	return e.manager.Shutdown(ctx)
}
