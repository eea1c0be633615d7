package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/scenehost/internal/content"
	"github.com/roach88/scenehost/internal/crdt"
	"github.com/roach88/scenehost/internal/ecs"
	"github.com/roach88/scenehost/internal/guard"
	"github.com/roach88/scenehost/internal/rpc"
	"github.com/roach88/scenehost/internal/sandbox"
	"github.com/roach88/scenehost/internal/scene"
)

func within(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newManager(t *testing.T, mutate ...func(*Config)) *Manager {
	t.Helper()
	cfg := Config{
		Guard:               guard.New(false),
		Calls:               rpc.NewDispatcher(),
		FaultThreshold:      3,
		TeardownConcurrency: 2,
	}
	for _, f := range mutate {
		f(&cfg)
	}
	m := NewManager(cfg)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return m
}

func idle(id string) Descriptor {
	return Descriptor{ID: id, Runtime: &sandbox.FuncRuntime{}}
}

func TestActivateAssignsHandlesInOrder(t *testing.T) {
	m := newManager(t)
	a, err := m.Activate(context.Background(), idle("a"))
	require.NoError(t, err)
	b, err := m.Activate(context.Background(), idle("b"))
	require.NoError(t, err)

	assert.Equal(t, Handle{Index: 1, Generation: 1}, a)
	assert.Equal(t, Handle{Index: 2, Generation: 1}, b)

	active := m.Active()
	require.Len(t, active, 2)
	assert.Equal(t, "a", active[0].SceneID())
	assert.Equal(t, "b", active[1].SceneID())

	st, err := m.Status(a)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, st)
}

func TestStaleHandleRejectedAfterReuse(t *testing.T) {
	m := newManager(t)
	a, err := m.Activate(context.Background(), idle("a"))
	require.NoError(t, err)

	require.NoError(t, m.Deactivate(a))
	assert.Empty(t, m.Active())
	require.NoError(t, m.Wait(within(t)))

	_, err = m.Status(a)
	assert.ErrorIs(t, err, ErrUnknownHandle)

	again, err := m.Activate(context.Background(), idle("a2"))
	require.NoError(t, err)
	assert.Equal(t, Handle{Index: 1, Generation: 2}, again)

	assert.ErrorIs(t, m.Deactivate(a), ErrUnknownHandle)
	_, ok := m.Host(a)
	assert.False(t, ok)
	_, ok = m.Host(again)
	assert.True(t, ok)
	assert.ErrorIs(t, m.Deactivate(Handle{}), ErrUnknownHandle)
}

func TestInitFailureReported(t *testing.T) {
	m := newManager(t)
	h, err := m.Activate(context.Background(), Descriptor{ID: "broken", Runtime: &sandbox.FuncRuntime{
		OnStart: func(context.Context, *sandbox.Env) error { return errors.New("bad script") },
	}})
	require.Error(t, err)
	assert.True(t, scene.IsInitError(err))

	st, serr := m.Status(h)
	assert.Equal(t, StatusFailedToStart, st)
	assert.True(t, scene.IsInitError(serr))
	assert.Empty(t, m.Active())

	require.NoError(t, m.Deactivate(h))
	_, err = m.Status(h)
	assert.ErrorIs(t, err, ErrUnknownHandle)
}

func TestLuaFactoryReadsMain(t *testing.T) {
	files, err := content.NewMapResolver(map[string][]byte{
		"main.lua": []byte(`function onUpdate() crdt.put(1, entity.ROOT, "ok") end`),
	})
	require.NoError(t, err)
	m := newManager(t)

	h, err := m.Activate(context.Background(), Descriptor{ID: "lua", Main: "main.lua", Content: files})
	require.NoError(t, err)
	host, ok := m.Host(h)
	require.True(t, ok)
	require.NoError(t, host.Deliver(1, 0, nil))
	require.True(t, host.AwaitTick(within(t), 1))
	assert.Len(t, host.Collect(), 1)

	_, err = m.Activate(context.Background(), Descriptor{ID: "missing", Main: "nope.lua", Content: files})
	assert.ErrorIs(t, err, content.ErrNotFound)
}

// closeTracker records the order and overlap of runtime teardowns.
type closeTracker struct {
	mu      sync.Mutex
	order   []string
	active  int
	max     int
	entered chan string
	gate    chan struct{}
}

func newCloseTracker() *closeTracker {
	return &closeTracker{entered: make(chan string, 8), gate: make(chan struct{})}
}

func (c *closeTracker) runtime(id string) sandbox.Runtime {
	return &sandbox.FuncRuntime{OnClose: func(*sandbox.Env) error {
		c.mu.Lock()
		c.order = append(c.order, id)
		c.active++
		if c.active > c.max {
			c.max = c.active
		}
		c.mu.Unlock()
		c.entered <- id
		<-c.gate
		c.mu.Lock()
		c.active--
		c.mu.Unlock()
		return nil
	}}
}

func TestTeardownConcurrencyAndFIFO(t *testing.T) {
	m := newManager(t, func(c *Config) { c.TeardownConcurrency = 1 })
	tr := newCloseTracker()

	var handles []Handle
	for _, id := range []string{"a", "b", "c"} {
		h, err := m.Activate(context.Background(), Descriptor{ID: id, Runtime: tr.runtime(id)})
		require.NoError(t, err)
		handles = append(handles, h)
	}
	for _, h := range handles {
		require.NoError(t, m.Deactivate(h))
	}
	assert.Empty(t, m.Active())

	for i, want := range []string{"a", "b", "c"} {
		assert.Equal(t, want, <-tr.entered)
		assert.Equal(t, 2-i, m.Queued())
		tr.gate <- struct{}{}
	}
	require.NoError(t, m.Wait(within(t)))

	assert.Equal(t, []string{"a", "b", "c"}, tr.order)
	assert.Equal(t, 1, tr.max)
}

func TestTeardownRateLimited(t *testing.T) {
	m := newManager(t, func(c *Config) {
		c.TeardownConcurrency = 3
		c.TeardownInterval = 40 * time.Millisecond
	})
	var mu sync.Mutex
	var stamps []time.Time
	for _, id := range []string{"a", "b", "c"} {
		_, err := m.Activate(context.Background(), Descriptor{ID: id, Runtime: &sandbox.FuncRuntime{
			OnClose: func(*sandbox.Env) error {
				mu.Lock()
				stamps = append(stamps, time.Now())
				mu.Unlock()
				return nil
			},
		}})
		require.NoError(t, err)
	}
	start := time.Now()
	for _, host := range m.Active() {
		require.NoError(t, m.Deactivate(host.Handle()))
	}
	require.NoError(t, m.Wait(within(t)))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, stamps, 3)
	assert.GreaterOrEqual(t, time.Since(start), 75*time.Millisecond)
}

type memoryPersister struct {
	mu    sync.Mutex
	saved map[string]crdt.Updates
}

func (p *memoryPersister) SaveSnapshot(_ context.Context, id string, u crdt.Updates) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saved[id] = u
	return nil
}

func (p *memoryPersister) LoadSnapshot(_ context.Context, id string) (crdt.Updates, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.saved[id]
	return u, ok, nil
}

func TestSnapshotSavedAndRestored(t *testing.T) {
	p := &memoryPersister{saved: map[string]crdt.Updates{}}
	m := newManager(t, func(c *Config) { c.Persister = p })

	writer := &sandbox.FuncRuntime{OnTick: func(_ context.Context, env *sandbox.Env, _ *sandbox.TickInput, _ *sandbox.TickOutput) error {
		env.Store.Put(ecs.Transform, ecs.RootEntity, []byte("kept"))
		return nil
	}}
	h, err := m.Activate(context.Background(), Descriptor{ID: "persisted", Runtime: writer})
	require.NoError(t, err)
	host, _ := m.Host(h)
	require.NoError(t, host.Deliver(1, 0, nil))
	require.True(t, host.AwaitTick(within(t), 1))
	require.NoError(t, m.Deactivate(h))
	require.NoError(t, m.Wait(within(t)))

	saved, ok, _ := p.LoadSnapshot(context.Background(), "persisted")
	require.True(t, ok)
	require.Len(t, saved.LWW, 1)
	assert.Equal(t, "kept", string(saved.LWW[0].Data))

	var restored []byte
	reader := &sandbox.FuncRuntime{OnStart: func(_ context.Context, env *sandbox.Env) error {
		restored, _ = env.Store.Read(ecs.Transform, ecs.RootEntity)
		return nil
	}}
	_, err = m.Activate(context.Background(), Descriptor{ID: "persisted", Runtime: reader})
	require.NoError(t, err)
	assert.Equal(t, "kept", string(restored))
}

func TestReapSelfTerminatedScene(t *testing.T) {
	m := newManager(t, func(c *Config) { c.FaultThreshold = 1 })
	h, err := m.Activate(context.Background(), Descriptor{ID: "faulty", Runtime: &sandbox.FuncRuntime{
		OnTick: func(context.Context, *sandbox.Env, *sandbox.TickInput, *sandbox.TickOutput) error {
			return errors.New("always")
		},
	}})
	require.NoError(t, err)
	host, _ := m.Host(h)
	require.NoError(t, host.Deliver(1, 0, nil))
	require.True(t, host.AwaitTick(within(t), 1))
	require.NoError(t, host.Deliver(2, 0, nil))
	<-host.Done()
	assert.True(t, scene.IsFaultLimit(host.Err()))

	assert.Equal(t, []Handle{h}, m.Reap())
	require.NoError(t, m.Wait(within(t)))
	_, err = m.Status(h)
	assert.ErrorIs(t, err, ErrUnknownHandle)
}

type blockingPlayers struct{ entered chan struct{} }

func (b *blockingPlayers) Connected(ctx context.Context) ([]rpc.Player, error) {
	close(b.entered)
	<-ctx.Done()
	return nil, ctx.Err()
}

func (b *blockingPlayers) InScene(context.Context, ecs.SceneHandle) ([]rpc.Player, error) {
	return nil, nil
}

// TestDeactivateCancelsPendingQuery covers a scene torn down while its
// player query is unanswered.
func TestDeactivateCancelsPendingQuery(t *testing.T) {
	d := rpc.NewDispatcher()
	players := &blockingPlayers{entered: make(chan struct{})}
	rpc.RegisterDefaults(d, rpc.Collaborators{Players: players})
	m := newManager(t, func(c *Config) { c.Calls = d })

	result := make(chan error, 1)
	h, err := m.Activate(context.Background(), Descriptor{ID: "asker", Runtime: &sandbox.FuncRuntime{
		OnTick: func(_ context.Context, env *sandbox.Env, _ *sandbox.TickInput, _ *sandbox.TickOutput) error {
			_, err := env.Call(context.Background(), rpc.GetConnectedPlayers{})
			result <- err
			return nil
		},
	}})
	require.NoError(t, err)
	host, _ := m.Host(h)
	require.NoError(t, host.Deliver(1, 0, nil))
	<-players.entered

	require.NoError(t, m.Deactivate(h))
	select {
	case err := <-result:
		assert.ErrorIs(t, err, rpc.ErrCancelled)
	case <-time.After(3 * time.Second):
		t.Fatal("call hung after deactivation")
	}
	require.NoError(t, m.Wait(within(t)))
}

// answeringPlayers answers with a real result once released, whether or
// not the call was cancelled in the meantime.
type answeringPlayers struct {
	entered chan struct{}
	release chan struct{}
}

func (a *answeringPlayers) Connected(context.Context) ([]rpc.Player, error) {
	close(a.entered)
	<-a.release
	return []rpc.Player{{UserID: "u-1", Name: "late"}}, nil
}

func (a *answeringPlayers) InScene(context.Context, ecs.SceneHandle) ([]rpc.Player, error) {
	return nil, nil
}

func TestDeactivateCancelsCallsBeforeThrottledTeardown(t *testing.T) {
	d := rpc.NewDispatcher()
	players := &answeringPlayers{entered: make(chan struct{}), release: make(chan struct{})}
	rpc.RegisterDefaults(d, rpc.Collaborators{Players: players})
	m := newManager(t, func(c *Config) {
		c.Calls = d
		c.TeardownInterval = 500 * time.Millisecond
	})

	first, err := m.Activate(context.Background(), idle("first"))
	require.NoError(t, err)

	var closed atomic.Bool
	result := make(chan error, 1)
	asker, err := m.Activate(context.Background(), Descriptor{ID: "asker", Runtime: &sandbox.FuncRuntime{
		OnTick: func(_ context.Context, env *sandbox.Env, _ *sandbox.TickInput, _ *sandbox.TickOutput) error {
			_, err := env.Call(context.Background(), rpc.GetConnectedPlayers{})
			result <- err
			return nil
		},
		OnClose: func(*sandbox.Env) error {
			closed.Store(true)
			return nil
		},
	}})
	require.NoError(t, err)
	host, _ := m.Host(asker)
	require.NoError(t, host.Deliver(1, 0, nil))
	<-players.entered

	// The first teardown takes the rate token, so the asker's close waits
	// for the next interval.
	require.NoError(t, m.Deactivate(first))
	require.NoError(t, m.Deactivate(asker))
	close(players.release)

	select {
	case err := <-result:
		assert.ErrorIs(t, err, rpc.ErrCancelled)
	case <-time.After(300 * time.Millisecond):
		t.Fatal("call not cancelled on deactivation")
	}
	assert.False(t, closed.Load(), "runtime close is throttled")
	assert.Equal(t, 0, d.Outstanding(asker))

	require.NoError(t, m.Wait(within(t)))
	assert.True(t, closed.Load())
}
