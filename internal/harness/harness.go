package harness

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/roach88/scenehost/internal/content"
	"github.com/roach88/scenehost/internal/crdt"
	"github.com/roach88/scenehost/internal/ecs"
	"github.com/roach88/scenehost/internal/engine"
	"github.com/roach88/scenehost/internal/guard"
	"github.com/roach88/scenehost/internal/lifecycle"
	"github.com/roach88/scenehost/internal/manifest"
	"github.com/roach88/scenehost/internal/rpc"
	"github.com/roach88/scenehost/internal/scene"
	"github.com/roach88/scenehost/internal/store"
	"github.com/roach88/scenehost/internal/testutil"
	"github.com/roach88/scenehost/internal/wire"
	"github.com/roach88/scenehost/internal/world"
)

// Fixed settings for scenario runs. A nominal interval gives scripts a
// constant delta; no tick budget makes every tick wait for every scene.
const (
	scenarioInterval = 33 * time.Millisecond
	scenarioHardCap  = 2 * time.Second
	defaultFaults    = 3
	shutdownTimeout  = 5 * time.Second
)

// Status values reported in SceneState.
const (
	StatusRunning = "running"
	StatusStopped = "stopped"
	StatusFailed  = "failed"
)

// run holds the live pieces of one scenario execution.
type run struct {
	s       *Scenario
	engine  *engine.Engine
	tests   *rpc.RecordingHarness
	store   *store.Store
	handles map[string]ecs.SceneHandle
	failed  map[string]bool
	order   []string
	result  *Result
}

// Run executes a scenario and returns the trace, the final scene views and
// the assertion outcome. The returned error is reserved for setup
// failures; assertion failures are reported in Result.Errors.
func Run(ctx context.Context, s *Scenario) (*Result, error) {
	r := &run{
		s:       s,
		tests:   &rpc.RecordingHarness{},
		handles: make(map[string]ecs.SceneHandle),
		failed:  make(map[string]bool),
		result:  NewResult(),
	}
	if err := r.setup(); err != nil {
		return nil, err
	}
	defer func() {
		if r.store != nil {
			r.store.Close()
		}
	}()

	r.activate(ctx)
	for _, hv := range s.Host {
		e, _ := ParseEntity(hv.Entity)
		r.engine.World().SetHostValue(ecs.ComponentID(hv.Component), e, []byte(hv.Value))
	}

	for tick := 1; tick <= s.Ticks; tick++ {
		if err := r.enqueue(tick); err != nil {
			return nil, err
		}
		report, err := r.engine.Tick(ctx)
		if err != nil {
			r.shutdown()
			return nil, fmt.Errorf("tick %d: %w", tick, err)
		}
		r.record(report)
	}
	r.result.Ticks = r.engine.Clock().Current()

	r.capture()
	_, results, _ := r.tests.Snapshot()
	r.result.Tests = results
	for _, a := range s.Assertions {
		if a.Type == AssertStored {
			continue
		}
		if err := r.check(a); err != nil {
			r.result.AddError(err.Error())
		}
	}

	if err := r.shutdown(); err != nil {
		return nil, err
	}
	if err := r.stored(ctx); err != nil {
		return nil, err
	}
	for _, a := range s.Assertions {
		if a.Type != AssertStored {
			continue
		}
		if err := r.check(a); err != nil {
			r.result.AddError(err.Error())
		}
	}
	return r.result, nil
}

func (r *run) setup() error {
	bus := world.NewMessageBus(nil)
	players := rpc.NewMemoryPlayers()
	for _, p := range r.s.Players {
		players.SetConnected(rpc.Player{UserID: p.UserID, Name: p.Name})
	}
	calls := rpc.NewDispatcher()
	rpc.RegisterDefaults(calls, rpc.Collaborators{
		Comms:     bus,
		Players:   players,
		Identity:  rpc.StaticIdentity{UserID: "scenario-user", DisplayName: "Scenario"},
		Tests:     r.tests,
		Portables: rpc.NewMemoryPortables().WithIDs(testutil.NewSequentialIDs("portable").Next),
	})

	faults := r.s.FaultThreshold
	if faults == 0 {
		faults = defaultFaults
	}
	cfg := lifecycle.Config{
		Guard:               guard.New(r.s.Serialize),
		Calls:               calls,
		GrowOnlyCapacity:    r.s.GrowOnlyCapacity,
		ChannelCapacity:     4096,
		HardBudget:          scenarioHardCap,
		FaultThreshold:      faults,
		TeardownConcurrency: 1,
	}
	if r.s.Persist {
		st, err := store.Open(":memory:", store.WithClock(testutil.NewDeterministicClock().Now))
		if err != nil {
			return fmt.Errorf("open scenario store: %w", err)
		}
		r.store = st
		cfg.Persister = st
	}

	var opts []crdt.Option
	if r.s.GrowOnlyCapacity > 0 {
		opts = append(opts, crdt.WithGrowOnlyCapacity(r.s.GrowOnlyCapacity))
	}
	r.engine = engine.New(lifecycle.NewManager(cfg), world.New(nil, nil, opts...), bus,
		engine.Config{TickInterval: scenarioInterval})
	return nil
}

// activate starts every scene in declaration order. Init failures are
// recorded as tick-0 trace events.
func (r *run) activate(ctx context.Context) {
	for _, def := range r.s.Scenes {
		d, err := descriptor(def)
		if err != nil {
			r.initError(def.ID, err)
			continue
		}
		r.order = append(r.order, d.ID)
		h, err := r.engine.Activate(ctx, d)
		if err != nil {
			r.failed[d.ID] = true
			r.initError(d.ID, err)
			continue
		}
		r.handles[d.ID] = h
	}
}

func (r *run) initError(id string, err error) {
	if !slices.Contains(r.order, id) {
		r.order = append(r.order, id)
	}
	r.failed[id] = true
	r.result.Trace = append(r.result.Trace, TraceEvent{Scene: id, Kind: EventInitError, Message: err.Error()})
}

// descriptor builds the activation descriptor for a scene definition.
func descriptor(def SceneDef) (lifecycle.Descriptor, error) {
	if def.Manifest != "" {
		m, err := manifest.Load(def.Manifest)
		if err != nil {
			return lifecycle.Descriptor{}, err
		}
		d := m.Descriptor()
		if def.ID != "" {
			d.ID = def.ID
		}
		if len(def.Env) > 0 {
			env := make(map[string]string, len(d.Env)+len(def.Env))
			for k, v := range d.Env {
				env[k] = v
			}
			for k, v := range def.Env {
				env[k] = v
			}
			d.Env = env
		}
		return d, nil
	}

	files := make(map[string][]byte, len(def.Files)+1)
	for name, body := range def.Files {
		files[name] = []byte(body)
	}
	files["main.lua"] = []byte(def.Script)
	res, err := content.NewMapResolver(files)
	if err != nil {
		return lifecycle.Descriptor{}, fmt.Errorf("scene %s: %w", def.ID, err)
	}
	return lifecycle.Descriptor{ID: def.ID, Main: "main.lua", Env: def.Env, Content: res}, nil
}

func (r *run) enqueue(tick int) error {
	for _, in := range r.s.Inputs {
		if in.Tick != tick {
			continue
		}
		h, ok := r.handles[in.Scene]
		if !ok {
			return fmt.Errorf("input for tick %d: unknown scene %q", tick, in.Scene)
		}
		cmd := wire.Command{Kind: in.Kind, Channel: in.Channel, Data: []byte(in.Data)}
		if err := r.engine.Enqueue(h, cmd); err != nil {
			// A scene stopped by the fault limit no longer takes input.
			slog.Debug("scenario input dropped", "scene", in.Scene, "tick", tick, "error", err)
		}
	}
	return nil
}

func (r *run) record(report engine.TickReport) {
	for _, h := range report.Stalled {
		r.result.Trace = append(r.result.Trace, TraceEvent{Tick: report.Tick, Scene: r.sceneID(h), Kind: EventStalled})
	}
	for _, resp := range report.Responses {
		r.result.Trace = append(r.result.Trace, TraceEvent{
			Tick:    report.Tick,
			Scene:   resp.SceneID,
			Kind:    resp.Kind,
			Channel: resp.Channel,
			Message: resp.Message,
			Data:    string(resp.Data),
		})
	}
}

func (r *run) sceneID(h ecs.SceneHandle) string {
	for id, sh := range r.handles {
		if sh == h {
			return id
		}
	}
	return h.String()
}

// status reports a scene's final status.
func (r *run) status(id string) string {
	if r.failed[id] {
		return StatusFailed
	}
	host, ok := r.engine.Manager().Host(r.handles[id])
	if !ok {
		return StatusStopped
	}
	// A scene over its fault limit stops before publishing that tick.
	if host.State() != scene.Running {
		return StatusStopped
	}
	return StatusRunning
}

// capture records every scene's final status and, for running scenes,
// its world view.
func (r *run) capture() {
	for _, id := range r.order {
		st := SceneState{ID: id, Status: r.status(id)}
		if st.Status == StatusRunning {
			if u, ok := r.engine.World().Snapshot(r.handles[id]); ok {
				st.Lines = dumpUpdates(u)
			}
		}
		r.result.Scenes = append(r.result.Scenes, st)
	}
}

func (r *run) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := r.engine.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (r *run) stored(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	infos, err := r.store.ListScenes(ctx)
	if err != nil {
		return fmt.Errorf("list stored scenes: %w", err)
	}
	for _, info := range infos {
		r.result.Stored = append(r.result.Stored, info.SceneID)
	}
	return nil
}
