package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/scenehost/internal/ecs"
	"github.com/roach88/scenehost/internal/guard"
	"github.com/roach88/scenehost/internal/lifecycle"
	"github.com/roach88/scenehost/internal/rpc"
	"github.com/roach88/scenehost/internal/sandbox"
	"github.com/roach88/scenehost/internal/wire"
	"github.com/roach88/scenehost/internal/world"
)

func newEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	bus := world.NewMessageBus(nil)
	calls := rpc.NewDispatcher()
	rpc.RegisterDefaults(calls, rpc.Collaborators{Comms: bus})
	m := lifecycle.NewManager(lifecycle.Config{
		Guard:               guard.New(false),
		Calls:               calls,
		FaultThreshold:      3,
		TeardownConcurrency: 4,
	})
	e := New(m, world.New(nil, nil), bus, cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return e
}

func activate(t *testing.T, e *Engine, id string, rt sandbox.Runtime) ecs.SceneHandle {
	t.Helper()
	h, err := e.Activate(context.Background(), lifecycle.Descriptor{ID: id, Runtime: rt})
	require.NoError(t, err)
	return h
}

// recorder collects what a scene saw; scene workers write, the test reads.
type recorder struct {
	mu       sync.Mutex
	commands []wire.Command
	received []wire.Record
	ticks    []uint64
}

func (r *recorder) onTick(_ context.Context, _ *sandbox.Env, in *sandbox.TickInput, _ *sandbox.TickOutput) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ticks = append(r.ticks, in.Tick)
	r.commands = append(r.commands, in.Commands...)
	r.received = append(r.received, in.Received...)
	return nil
}

func (r *recorder) snapshot() ([]uint64, []wire.Command, []wire.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint64(nil), r.ticks...),
		append([]wire.Command(nil), r.commands...),
		append([]wire.Record(nil), r.received...)
}

// writer puts "<prefix>:<tick>" on one of its own eight entities each tick.
func writer(prefix string) (*sandbox.FuncRuntime, *[]ecs.EntityID) {
	var ents []ecs.EntityID
	return &sandbox.FuncRuntime{
		OnStart: func(_ context.Context, env *sandbox.Env) error {
			for i := 0; i < 8; i++ {
				id, err := env.Entities.New()
				if err != nil {
					return err
				}
				ents = append(ents, id)
			}
			return nil
		},
		OnTick: func(_ context.Context, env *sandbox.Env, in *sandbox.TickInput, _ *sandbox.TickOutput) error {
			e := ents[in.Tick%8]
			env.Store.Put(ecs.Transform, e, []byte(fmt.Sprintf("%s:%d", prefix, in.Tick)))
			return nil
		},
	}, &ents
}

// TestTick_ScenesStayIsolated tests that two scenes writing the same
// entity numbers for many ticks never see each other's state.
func TestTick_ScenesStayIsolated(t *testing.T) {
	e := newEngine(t, Config{Workers: 2})
	rtA, entsA := writer("a")
	rtB, entsB := writer("b")
	a := activate(t, e, "a", rtA)
	b := activate(t, e, "b", rtB)
	require.Equal(t, *entsA, *entsB, "each scene has its own entity space")

	const ticks = 1000
	for i := 0; i < ticks; i++ {
		rep, err := e.Tick(context.Background())
		require.NoError(t, err)
		require.Equal(t, 2, rep.Scenes)
		require.Empty(t, rep.Stalled)
	}

	for j, ent := range *entsA {
		last := ticks - (ticks-j+8)%8
		va, ok := e.World().Read(a, ecs.Transform, ent)
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("a:%d", last), string(va))
		vb, ok := e.World().Read(b, ecs.Transform, ent)
		require.True(t, ok)
		assert.Equal(t, fmt.Sprintf("b:%d", last), string(vb))
	}
	assert.Equal(t, uint64(ticks), e.Clock().Current())
}

func TestTick_DeliversHostDiffOnce(t *testing.T) {
	e := newEngine(t, Config{})
	rec := &recorder{}
	activate(t, e, "a", &sandbox.FuncRuntime{OnTick: rec.onTick})

	require.True(t, e.World().SetHostValue(ecs.Transform, ecs.PlayerEntity, []byte("p1")))
	for i := 0; i < 3; i++ {
		_, err := e.Tick(context.Background())
		require.NoError(t, err)
	}

	ticks, _, received := rec.snapshot()
	assert.Equal(t, []uint64{1, 2, 3}, ticks)
	require.Len(t, received, 1, "unchanged host values are not resent")
	assert.Equal(t, ecs.PlayerEntity.Pack(), received[0].Entity)
	assert.Equal(t, "p1", string(received[0].Data))
}

func TestTick_RoutesBusMessagesNextTick(t *testing.T) {
	e := newEngine(t, Config{})
	sender := &sandbox.FuncRuntime{
		OnTick: func(_ context.Context, _ *sandbox.Env, in *sandbox.TickInput, out *sandbox.TickOutput) error {
			if in.Tick == 1 {
				out.Send("chat", []byte("hello"))
			}
			return nil
		},
	}
	rec := &recorder{}
	activate(t, e, "sender", sender)
	activate(t, e, "listener", &sandbox.FuncRuntime{OnTick: rec.onTick})

	rep, err := e.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, rep.Responses, 1)
	assert.Equal(t, wire.ResponseComms, rep.Responses[0].Kind)
	assert.Equal(t, "sender", rep.Responses[0].SceneID)

	_, cmds, _ := rec.snapshot()
	assert.Empty(t, cmds, "messages are never delivered in the tick they are sent")

	_, err = e.Tick(context.Background())
	require.NoError(t, err)
	_, cmds, _ = rec.snapshot()
	require.Len(t, cmds, 1)
	assert.Equal(t, wire.Command{Kind: wire.CommandComms, Sender: "sender", Channel: "chat", Data: []byte("hello")}, cmds[0])
}

func TestEnqueue_DeliversInOrder(t *testing.T) {
	e := newEngine(t, Config{})
	rec := &recorder{}
	h := activate(t, e, "a", &sandbox.FuncRuntime{OnTick: rec.onTick})

	require.NoError(t, e.Enqueue(h, wire.Command{Kind: wire.CommandInput, Data: []byte("1")}))
	require.NoError(t, e.Enqueue(h, wire.Command{Kind: wire.CommandInput, Data: []byte("2")}))
	assert.Equal(t, 2, e.Pending())

	_, err := e.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, e.Pending())

	_, cmds, _ := rec.snapshot()
	require.Len(t, cmds, 2)
	assert.Equal(t, "1", string(cmds[0].Data))
	assert.Equal(t, "2", string(cmds[1].Data))

	err = e.Enqueue(ecs.SceneHandle{Index: 9, Generation: 1}, wire.Command{Kind: wire.CommandInput})
	assert.True(t, IsUnknownSceneError(err))
}

// TestTick_SlowSceneDoesNotBlockOthers tests that a scene missing the tick
// budget is reported stalled while the others are merged on time.
func TestTick_SlowSceneDoesNotBlockOthers(t *testing.T) {
	e := newEngine(t, Config{TickBudget: 20 * time.Millisecond})
	fastRT, fastEnts := writer("fast")
	slowRT := &sandbox.FuncRuntime{
		OnTick: func(_ context.Context, env *sandbox.Env, in *sandbox.TickInput, _ *sandbox.TickOutput) error {
			if in.Tick == 1 {
				time.Sleep(200 * time.Millisecond)
				env.Store.Put(ecs.Transform, ecs.EntityID{Number: 700}, []byte("late"))
			}
			return nil
		},
	}
	fast := activate(t, e, "fast", fastRT)
	slow := activate(t, e, "slow", slowRT)

	rep, err := e.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []ecs.SceneHandle{slow}, rep.Stalled)
	_, ok := e.World().Read(fast, ecs.Transform, (*fastEnts)[1])
	assert.True(t, ok, "fast scene merged on time")

	require.Eventually(t, func() bool {
		if _, err := e.Tick(context.Background()); err != nil {
			return false
		}
		_, ok := e.World().Read(slow, ecs.Transform, ecs.EntityID{Number: 700})
		return ok
	}, 3*time.Second, 10*time.Millisecond)
}

// TestTick_ReapsSceneOverFaultLimit tests that a scene that keeps failing
// is removed from the tick without affecting its neighbour.
func TestTick_ReapsSceneOverFaultLimit(t *testing.T) {
	e := newEngine(t, Config{})
	bad := activate(t, e, "bad", &sandbox.FuncRuntime{
		OnTick: func(context.Context, *sandbox.Env, *sandbox.TickInput, *sandbox.TickOutput) error {
			return errors.New("boom")
		},
	})
	okRT, _ := writer("ok")
	good := activate(t, e, "good", okRT)

	var errs int
	require.Eventually(t, func() bool {
		rep, err := e.Tick(context.Background())
		if err != nil {
			return false
		}
		for _, r := range rep.Responses {
			if r.Scene == bad && r.Kind == wire.ResponseError {
				errs++
			}
		}
		return rep.Scenes == 1
	}, 3*time.Second, time.Millisecond)

	// Three faults are tolerated and published; the fourth exceeds the
	// limit and stops the scene before it publishes.
	assert.Equal(t, 3, errs)
	active := e.Manager().Active()
	require.Len(t, active, 1)
	assert.Equal(t, good, active[0].Handle())
	assert.Equal(t, []ecs.SceneHandle{good}, e.World().Scenes())
}

func TestRun_TicksOnCommandsWithoutInterval(t *testing.T) {
	e := newEngine(t, Config{})
	rec := &recorder{}
	h := activate(t, e, "a", &sandbox.FuncRuntime{OnTick: rec.onTick})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.NoError(t, e.Enqueue(h, wire.Command{Kind: wire.CommandSignal}))
	require.Eventually(t, func() bool {
		_, cmds, _ := rec.snapshot()
		return len(cmds) == 1
	}, 3*time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestRun_IntervalAndClose(t *testing.T) {
	e := newEngine(t, Config{TickInterval: 5 * time.Millisecond})
	rec := &recorder{}
	activate(t, e, "a", &sandbox.FuncRuntime{OnTick: rec.onTick})

	done := make(chan error, 1)
	go func() { done <- e.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		ticks, _, _ := rec.snapshot()
		return len(ticks) >= 3
	}, 3*time.Second, 5*time.Millisecond)

	e.Close()
	select {
	case err := <-done:
		assert.True(t, IsClosedError(err))
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after Close")
	}
	_, err := e.Tick(context.Background())
	assert.True(t, IsClosedError(err))
}

func TestDeactivate_StopsTicking(t *testing.T) {
	e := newEngine(t, Config{})
	rec := &recorder{}
	h := activate(t, e, "a", &sandbox.FuncRuntime{OnTick: rec.onTick})

	_, err := e.Tick(context.Background())
	require.NoError(t, err)
	require.NoError(t, e.Deactivate(h))

	rep, err := e.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rep.Scenes)
	assert.Empty(t, e.World().Scenes())
	ticks, _, _ := rec.snapshot()
	assert.Equal(t, []uint64{1}, ticks)
}
