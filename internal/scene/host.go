package scene

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/scenehost/internal/channel"
	"github.com/roach88/scenehost/internal/content"
	"github.com/roach88/scenehost/internal/crdt"
	"github.com/roach88/scenehost/internal/ecs"
	"github.com/roach88/scenehost/internal/guard"
	"github.com/roach88/scenehost/internal/rpc"
	"github.com/roach88/scenehost/internal/sandbox"
	"github.com/roach88/scenehost/internal/telemetry"
	"github.com/roach88/scenehost/internal/wire"
)

// State is a host lifecycle state.
type State int32

const (
	Idle State = iota
	Loading
	Running
	Terminating
	Dead
	FailedToStart
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case Running:
		return "running"
	case Terminating:
		return "terminating"
	case Dead:
		return "dead"
	case FailedToStart:
		return "failed_to_start"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Calls is the dispatcher surface a host needs.
type Calls interface {
	sandbox.Caller
	CancelScene(h ecs.SceneHandle) int
}

// Config describes one scene host.
type Config struct {
	Handle   ecs.SceneHandle
	SceneID  string
	Title    string
	Portable bool
	Content  content.Resolver
	Values   sandbox.Values

	Runtime sandbox.Runtime
	Calls   Calls
	Guard   *guard.Guard
	Metrics *telemetry.Metrics

	Catalog          *ecs.Catalog
	GrowOnlyCapacity int
	ChannelCapacity  int

	// Initial is merged into the fresh store before the sandbox starts,
	// e.g. a persisted snapshot.
	Initial *crdt.Updates

	// HardBudget bounds one sandbox tick; zero means unbounded.
	HardBudget time.Duration
	// FaultThreshold is the number of consecutive faulted ticks tolerated.
	FaultThreshold int
}

// Host runs one scene.
type Host struct {
	cfg     Config
	env     *sandbox.Env
	rt      sandbox.Runtime
	pair    *channel.Pair
	guard   *guard.Guard
	calls   Calls
	metrics *telemetry.Metrics
	faults  *FaultBudget
	log     *slog.Logger

	state atomic.Int32

	mu          sync.Mutex
	sealedTick  uint64
	sealedDelta float64
	inBacklog   []channel.Message
	completed   uint64
	tickDone    chan struct{} // closed and replaced when a tick completes
	late        bool
	faulted     bool
	lastFault   error
	termErr     error
	final       crdt.Updates

	// worker-only
	lastRun    uint64
	outBacklog []channel.Message
	unsent     crdt.Updates

	cancel    context.CancelFunc
	closeReq  chan struct{} // closed by Stop; the worker closes the runtime after it
	closeOnce sync.Once
	done      chan struct{}
}

// NewHost allocates the scene's store and channel pair. Nothing runs until
// Start.
func NewHost(cfg Config) *Host {
	g := cfg.Guard
	if g == nil {
		g = guard.Default()
	}
	var opts []crdt.Option
	if cfg.GrowOnlyCapacity > 0 {
		opts = append(opts, crdt.WithGrowOnlyCapacity(cfg.GrowOnlyCapacity))
	}
	h := &Host{
		cfg:      cfg,
		rt:       cfg.Runtime,
		pair:     channel.NewPair(cfg.ChannelCapacity),
		guard:    g,
		calls:    cfg.Calls,
		metrics:  cfg.Metrics,
		faults:   NewFaultBudget(cfg.FaultThreshold),
		log:      slog.Default().With("scene", cfg.Handle.String(), "scene_id", cfg.SceneID),
		tickDone: make(chan struct{}),
		closeReq: make(chan struct{}),
		done:     make(chan struct{}),
	}
	h.env = &sandbox.Env{
		Scene: rpc.SceneContext{
			Handle:   cfg.Handle,
			SceneID:  cfg.SceneID,
			Title:    cfg.Title,
			Portable: cfg.Portable,
			Content:  cfg.Content,
		},
		Store:    crdt.New(cfg.Catalog, opts...),
		Entities: ecs.NewAllocator(),
		Guard:    g,
		Values:   cfg.Values,
		Logger:   h.log,
	}
	if cfg.Calls != nil {
		h.env.Calls = cfg.Calls
	}
	return h
}

func (h *Host) Handle() ecs.SceneHandle { return h.cfg.Handle }
func (h *Host) SceneID() string         { return h.cfg.SceneID }
func (h *Host) State() State            { return State(h.state.Load()) }

// Start initializes the sandbox under the guard and starts the worker.
// An init failure leaves the host in FailedToStart and returns a
// CodeInitFailed error.
func (h *Host) Start(ctx context.Context) error {
	if !h.state.CompareAndSwap(int32(Idle), int32(Loading)) {
		return fmt.Errorf("scene %s: start in state %s", h.cfg.Handle, h.State())
	}
	if h.rt == nil {
		return h.failStart(errors.New("no runtime"))
	}

	store := h.env.Store
	if h.cfg.Initial != nil {
		store.Merge(*h.cfg.Initial)
		for _, e := range store.Entities() {
			h.env.Entities.Observe(e)
		}
	}

	err := h.guard.Do(func() error {
		return h.rt.Init(ctx, h.env)
	})
	if err != nil {
		return h.failStart(err)
	}

	wctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.state.Store(int32(Running))
	h.log.Info("scene started")
	go h.work(wctx)
	return nil
}

func (h *Host) failStart(cause error) error {
	h.state.Store(int32(FailedToStart))
	err := &Error{
		Code:    CodeInitFailed,
		Scene:   h.cfg.Handle,
		SceneID: h.cfg.SceneID,
		Message: "sandbox initialization failed",
		Err:     cause,
	}
	h.log.Error("scene failed to start", "error", cause)
	if h.rt != nil {
		if cerr := h.guard.Do(h.rt.Close); cerr != nil {
			h.log.Warn("scene runtime close failed", "error", cerr)
		}
	}
	h.pair.Close()
	h.mu.Lock()
	h.termErr = err
	h.mu.Unlock()
	close(h.done)
	return err
}

// Deliver queues inbound messages for tick n and seals them. Messages
// that do not fit are kept in a backlog and retried first on the next
// delivery; while a backlog exists the host reports itself stalled.
func (h *Host) Deliver(n uint64, delta float64, msgs []channel.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	pending := msgs
	if len(h.inBacklog) > 0 {
		pending = append(h.inBacklog, msgs...)
		h.inBacklog = nil
	}
	h.sealedTick = n
	h.sealedDelta += delta

	rest, err := h.pair.Inbound.SendBatch(pending)
	switch {
	case errors.Is(err, channel.ErrOverflow):
		h.inBacklog = rest
		h.metrics.Overflow(len(rest))
		h.log.Warn("scene inbound queue full", "tick", n, "backlog", len(rest))
		return nil
	case err != nil:
		return err
	}
	return nil
}

// AwaitTick waits until tick n has completed or ctx is done. It reports
// false if the tick is late, which marks the host stalled until a later
// tick completes in time.
func (h *Host) AwaitTick(ctx context.Context, n uint64) bool {
	for {
		h.mu.Lock()
		if h.completed >= n || h.State() >= Terminating {
			h.late = false
			h.mu.Unlock()
			return true
		}
		ch := h.tickDone
		h.mu.Unlock()

		select {
		case <-ch:
		case <-h.done:
		case <-ctx.Done():
			h.mu.Lock()
			h.late = true
			h.mu.Unlock()
			return false
		}
	}
}

// Collect drains the outbound messages sealed so far.
func (h *Host) Collect() []channel.Message {
	if h.State() != Running {
		return nil
	}
	return h.pair.Outbound.TakeBatch()
}

// Stalled reports whether the scene is late or backed up in either
// direction.
func (h *Host) Stalled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.late || len(h.inBacklog) > 0 || h.pair.Outbound.Len() >= h.outboundLimit()
}

func (h *Host) outboundLimit() int {
	if h.cfg.ChannelCapacity > 0 {
		return h.cfg.ChannelCapacity
	}
	return channel.DefaultCapacity
}

// Completed returns the last completed tick.
func (h *Host) Completed() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.completed
}

// Faulted reports whether the latest tick faulted, and the latest fault.
func (h *Host) Faulted() (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.faulted, h.lastFault
}

// Done is closed once the host is Dead or FailedToStart.
func (h *Host) Done() <-chan struct{} { return h.done }

// Err returns why the host stopped: nil after a requested Stop, the fault
// limit error, or the init failure.
func (h *Host) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.termErr
}

// Final returns the store snapshot taken when the worker exited. It is
// only meaningful after Done is closed.
func (h *Host) Final() crdt.Updates {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.final
}

// Cancel stops the scene from ticking without closing its runtime:
// outstanding calls resolve as cancelled at once, the running tick is
// aborted, and any partially collected outbound batch is discarded. The
// worker takes its final snapshot and then waits for Stop to close the
// runtime. Cancel reports whether it moved the host out of Running.
func (h *Host) Cancel() bool {
	if !h.state.CompareAndSwap(int32(Running), int32(Terminating)) {
		return false
	}
	h.log.Info("scene terminating")
	if h.calls != nil {
		h.calls.CancelScene(h.cfg.Handle)
	}
	h.rt.Abort()
	h.cancel()
	h.pair.Inbound.Close()
	return true
}

// Stop cancels the scene if it is still running and lets the worker close
// the runtime. Stop does not wait for the worker; use Done.
func (h *Host) Stop() {
	if h.state.CompareAndSwap(int32(Idle), int32(Dead)) {
		h.pair.Close()
		close(h.done)
		return
	}
	h.Cancel()
	h.closeOnce.Do(func() { close(h.closeReq) })
}

func (h *Host) terminate(err error) {
	h.mu.Lock()
	h.termErr = err
	h.mu.Unlock()
	h.Stop()
}

func (h *Host) work(ctx context.Context) {
	defer h.exit()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-h.pair.Inbound.Wait():
			if !ok {
				return
			}
		}

		h.mu.Lock()
		batch := h.pair.Inbound.TakeBatch()
		n, delta := h.sealedTick, h.sealedDelta
		h.sealedDelta = 0
		h.mu.Unlock()

		if n <= h.lastRun && len(batch) == 0 {
			continue
		}
		h.lastRun = n
		h.runTick(ctx, n, delta, batch)
		if h.State() != Running {
			return
		}
	}
}

func (h *Host) exit() {
	h.guard.Do(func() error {
		h.mu.Lock()
		h.final = h.env.Store.Snapshot()
		h.mu.Unlock()
		return nil
	})
	<-h.closeReq
	if err := h.guard.Do(h.rt.Close); err != nil {
		h.log.Warn("scene runtime close failed", "error", err)
	}
	h.pair.Close()
	h.state.Store(int32(Dead))
	h.log.Info("scene stopped")
	close(h.done)
}

func (h *Host) runTick(ctx context.Context, n uint64, delta float64, batch []channel.Message) {
	ctx, span := telemetry.Tracer().Start(ctx, "scene.tick", trace.WithAttributes(
		attribute.String("scene", h.cfg.Handle.String()),
		attribute.Int64("tick", int64(n)),
	))
	defer span.End()

	in := &sandbox.TickInput{Tick: n, Delta: delta}
	for _, m := range batch {
		switch m.Kind {
		case channel.KindCRDT:
			rec, err := wire.DecodeRecord(m.Data)
			if err != nil {
				h.log.Warn("dropping malformed inbound record", "tick", n, "error", err)
				continue
			}
			in.Received = append(in.Received, rec)
		case channel.KindCommand:
			cmd, err := wire.DecodeCommand(m.Data)
			if err != nil {
				h.log.Warn("dropping malformed inbound command", "tick", n, "error", err)
				continue
			}
			in.Commands = append(in.Commands, cmd)
		}
	}

	tctx := ctx
	if h.cfg.HardBudget > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, h.cfg.HardBudget)
		defer cancel()
	}

	var (
		out     *sandbox.TickOutput
		updates crdt.Updates
		rejects int
	)
	start := time.Now()
	err := h.guard.Do(func() error {
		store := h.env.Store
		// Local changes not yet published (start hook, restored state, or a
		// faulted tick) go out with this tick.
		pending := joinUpdates(h.unsent, store.TakeUpdates())
		h.unsent = crdt.Updates{}
		before := store.Stats().Rejected
		for _, rec := range in.Received {
			if rec.Type != wire.DeleteEntity {
				h.env.Entities.Observe(rec.EntityID())
			}
			wire.Apply(store, rec)
		}
		rejects = int(store.Stats().Rejected - before)
		// Host-originated records are not echoed back.
		store.TakeUpdates()

		var err error
		out, err = h.rt.Tick(tctx, in)
		if err != nil {
			h.unsent = joinUpdates(pending, store.TakeUpdates())
			return err
		}
		updates = joinUpdates(pending, store.TakeUpdates())
		return nil
	})
	h.metrics.Rejected(rejects)

	if h.State() != Running {
		return
	}

	var msgs []channel.Message
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		msgs = append(msgs, h.fault(n, err)...)
	} else {
		h.metrics.TickDone(time.Since(start).Seconds())
		h.faults.Reset()
		h.mu.Lock()
		h.faulted = false
		h.mu.Unlock()
		msgs = append(msgs, encodeOutput(updates, out, h.log)...)
	}
	h.publish(n, msgs)
}

func (h *Host) fault(n uint64, err error) []channel.Message {
	code := CodeScriptFault
	if errors.Is(err, sandbox.ErrAborted) {
		code = CodeTickStalled
	}
	serr := &Error{
		Code:    code,
		Scene:   h.cfg.Handle,
		SceneID: h.cfg.SceneID,
		Tick:    n,
		Message: "tick failed",
		Err:     err,
	}
	h.metrics.Fault()
	h.log.Warn("scene script fault", "tick", n, "code", code, "error", err)

	h.mu.Lock()
	h.faulted = true
	h.lastFault = serr
	h.mu.Unlock()

	resp, encErr := wire.EncodeResponse(wire.Response{Kind: wire.ResponseError, Message: err.Error()})
	var msgs []channel.Message
	if encErr == nil {
		msgs = append(msgs, channel.Message{Kind: channel.KindResponse, Data: resp})
	}

	if limitErr := h.faults.Record(h.cfg.Handle, h.cfg.SceneID, n); limitErr != nil {
		h.log.Error("scene exceeded fault limit", "tick", n, "faults", h.faults.Current())
		h.terminate(limitErr)
	}
	return msgs
}

// publish pushes the tick's outbound messages, retrying any backlog
// first, then marks tick n complete.
func (h *Host) publish(n uint64, msgs []channel.Message) {
	if h.State() == Running {
		pending := msgs
		if len(h.outBacklog) > 0 {
			pending = append(h.outBacklog, msgs...)
		}
		rest, err := h.pair.Outbound.SendBatch(pending)
		h.outBacklog = nil
		if errors.Is(err, channel.ErrOverflow) {
			h.outBacklog = rest
			h.metrics.Overflow(len(rest))
			h.log.Warn("scene outbound queue full", "tick", n, "backlog", len(rest))
		}
	}

	h.mu.Lock()
	h.completed = n
	close(h.tickDone)
	h.tickDone = make(chan struct{})
	h.mu.Unlock()
}

func joinUpdates(a, b crdt.Updates) crdt.Updates {
	if a.Empty() {
		return b
	}
	return crdt.Updates{
		LWW:             append(a.LWW, b.LWW...),
		Appends:         append(a.Appends, b.Appends...),
		DeletedEntities: append(a.DeletedEntities, b.DeletedEntities...),
	}
}

func encodeOutput(updates crdt.Updates, out *sandbox.TickOutput, log *slog.Logger) []channel.Message {
	var msgs []channel.Message
	for _, rec := range wire.Records(updates) {
		b, err := wire.EncodeRecord(rec)
		if err != nil {
			log.Error("encode outbound record", "error", err)
			continue
		}
		msgs = append(msgs, channel.Message{Kind: channel.KindCRDT, Data: b})
	}
	if out == nil {
		return msgs
	}
	for _, r := range out.Responses {
		b, err := wire.EncodeResponse(r)
		if err != nil {
			log.Error("encode outbound response", "error", err)
			continue
		}
		msgs = append(msgs, channel.Message{Kind: channel.KindResponse, Data: b})
	}
	return msgs
}
