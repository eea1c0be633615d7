package sandbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/scenehost/internal/crdt"
	"github.com/roach88/scenehost/internal/ecs"
	"github.com/roach88/scenehost/internal/guard"
	"github.com/roach88/scenehost/internal/rpc"
	"github.com/roach88/scenehost/internal/wire"
)

var firstEntity = ecs.EntityID{Number: ecs.FirstDynamic}

func newEnv(calls Caller) *Env {
	return &Env{
		Scene:    rpc.SceneContext{Handle: ecs.SceneHandle{Index: 1, Generation: 1}, SceneID: "test"},
		Store:    crdt.New(nil),
		Entities: ecs.NewAllocator(),
		Calls:    calls,
		Guard:    guard.New(true),
		Values:   MapValues{"realm": "local"},
	}
}

func initLua(t *testing.T, env *Env, src string, opts ...LuaOption) *LuaRuntime {
	t.Helper()
	r := NewLuaRuntime("main.lua", []byte(src), opts...)
	require.NoError(t, env.Guard.Do(func() error { return r.Init(context.Background(), env) }))
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func tick(env *Env, r Runtime, in *TickInput) (*TickOutput, error) {
	var out *TickOutput
	err := env.Guard.Do(func() error {
		var err error
		out, err = r.Tick(context.Background(), in)
		return err
	})
	return out, err
}

func TestLuaHooksMutateStore(t *testing.T) {
	env := newEnv(nil)
	r := initLua(t, env, `
local e
function onStart()
  e = entity.new()
  crdt.put(1, e, "start")
end
function onUpdate(dt, commands)
  crdt.put(1, e, "tick " .. #commands)
  for _, c in ipairs(commands) do
    crdt.put(1017, e, c.kind .. ":" .. c.data)
  end
end
`)
	v, ok := env.Store.Read(ecs.Transform, firstEntity)
	require.True(t, ok)
	assert.Equal(t, "start", string(v))

	_, err := tick(env, r, &TickInput{Tick: 1, Delta: 0.016, Commands: []wire.Command{
		{Kind: wire.CommandInput, Data: []byte("click")},
	}})
	require.NoError(t, err)

	v, _ = env.Store.Read(ecs.Transform, firstEntity)
	assert.Equal(t, "tick 1", string(v))
	assert.Equal(t, crdt.Timestamp(2), env.Store.Timestamp(ecs.Transform, firstEntity))
	v, _ = env.Store.Read(ecs.Material, firstEntity)
	assert.Equal(t, "input:click", string(v))
}

func TestLuaRestrictedLibraries(t *testing.T) {
	env := newEnv(nil)
	initLua(t, env, `
assert(dofile == nil)
assert(loadfile == nil)
assert(io == nil)
assert(os == nil)
assert(string.upper("a") == "A")
assert(math.floor(1.5) == 1)
`)

	r := NewLuaRuntime("bad.lua", []byte(`io.open("/etc/passwd")`))
	err := env.Guard.Do(func() error { return r.Init(context.Background(), env) })
	assert.Error(t, err)
}

func TestLuaSyntaxErrorFailsInit(t *testing.T) {
	env := newEnv(nil)
	r := NewLuaRuntime("bad.lua", []byte(`function (`))
	err := env.Guard.Do(func() error { return r.Init(context.Background(), env) })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load bad.lua")
}

func TestLuaScriptErrorIsFault(t *testing.T) {
	env := newEnv(nil)
	r := initLua(t, env, `function onUpdate() error("broken") end`)
	_, err := tick(env, r, &TickInput{Tick: 1})
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrAborted))
	assert.Contains(t, err.Error(), "broken")
}

func TestLuaDeadlineAbortsTick(t *testing.T) {
	env := newEnv(nil)
	r := initLua(t, env, `
function onUpdate()
  local x = 0
  for i = 1, 50000000 do x = x + i end
end
`, WithHookInterval(100))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.Tick(ctx, &TickInput{Tick: 1})
	assert.ErrorIs(t, err, ErrAborted)
}

func TestLuaAbortIsSticky(t *testing.T) {
	env := newEnv(nil)
	r := initLua(t, env, `function onUpdate() end`)
	r.Abort()
	_, err := tick(env, r, &TickInput{Tick: 1})
	assert.ErrorIs(t, err, ErrAborted)
}

func TestLuaConsoleAndEnv(t *testing.T) {
	env := newEnv(nil)
	r := initLua(t, env, `
function onUpdate()
  console.log("realm", env.get("realm"), env.get("missing"), 3, true)
end
`)
	out, err := tick(env, r, &TickInput{Tick: 1})
	require.NoError(t, err)
	require.Len(t, out.Responses, 1)
	assert.Equal(t, wire.Response{Kind: wire.ResponseLog, Message: "realm local nil 3 true"}, out.Responses[0])
}

func TestLuaBulkPrimitives(t *testing.T) {
	env := newEnv(nil)
	r := initLua(t, env, `
function onUpdate()
  local n = engine.submit(engine.receive())
  crdt.put(1, entity.ROOT, "applied " .. n)
end
`)
	received := []wire.Record{
		{Type: wire.PutComponent, Entity: firstEntity.Pack(), Component: uint32(ecs.Material), Timestamp: 5, Data: []byte("red")},
	}
	_, err := tick(env, r, &TickInput{Tick: 1, Received: received})
	require.NoError(t, err)

	v, ok := env.Store.Read(ecs.Material, firstEntity)
	require.True(t, ok)
	assert.Equal(t, "red", string(v))
	v, _ = env.Store.Read(ecs.Transform, ecs.RootEntity)
	assert.Equal(t, "applied 1", string(v))
}

func TestLuaRPCCall(t *testing.T) {
	d := rpc.NewDispatcher()
	rpc.RegisterDefaults(d, rpc.Collaborators{Identity: rpc.StaticIdentity{UserID: "u-1", DisplayName: "One"}})
	env := newEnv(d)
	r := initLua(t, env, `
function onUpdate()
  local user, err = rpc.call("get_user_data")
  assert(err == nil, err)
  crdt.put(1, entity.PLAYER, user.user_id .. "/" .. user.display_name)
  local _, bad = rpc.call("no_such_kind", {})
  crdt.put(1017, entity.PLAYER, bad)
end
`)
	_, err := tick(env, r, &TickInput{Tick: 1})
	require.NoError(t, err)

	v, _ := env.Store.Read(ecs.Transform, ecs.PlayerEntity)
	assert.Equal(t, "u-1/One", string(v))
	v, _ = env.Store.Read(ecs.Material, ecs.PlayerEntity)
	assert.Contains(t, string(v), "unknown call kind")
}

func TestLuaRPCCallNestedArguments(t *testing.T) {
	d := rpc.NewDispatcher()
	rpc.RegisterDefaults(d, rpc.Collaborators{Identity: rpc.StaticIdentity{UserID: "u-1"}})
	env := newEnv(d)
	r := initLua(t, env, `
function onUpdate()
  local loop = {}
  loop.self = loop
  local _, err = rpc.call("get_user_data", {loop = loop})
  crdt.put(1, entity.PLAYER, err or "accepted")

  local deep = {}
  for i = 1, 12 do deep = {inner = deep, list = {i, {i}}} end
  local user, err2 = rpc.call("get_user_data", {deep = deep})
  assert(err2 == nil, err2)
  crdt.put(1017, entity.PLAYER, user.user_id)
end
`)
	_, err := tick(env, r, &TickInput{Tick: 1})
	require.NoError(t, err)

	v, _ := env.Store.Read(ecs.Transform, ecs.PlayerEntity)
	assert.Equal(t, "get_user_data: arguments nested deeper than 16 levels", string(v))
	v, _ = env.Store.Read(ecs.Material, ecs.PlayerEntity)
	assert.Equal(t, "u-1", string(v))
}

func TestFuncRuntime(t *testing.T) {
	env := newEnv(nil)
	started := false
	f := &FuncRuntime{
		OnStart: func(context.Context, *Env) error { started = true; return nil },
		OnTick: func(_ context.Context, env *Env, in *TickInput, out *TickOutput) error {
			if in.Tick == 2 {
				panic("bad tick")
			}
			env.Store.Put(ecs.Transform, ecs.RootEntity, []byte("ok"))
			out.Log("ticked")
			return nil
		},
	}
	require.NoError(t, f.Init(context.Background(), env))
	assert.True(t, started)

	out, err := f.Tick(context.Background(), &TickInput{Tick: 1})
	require.NoError(t, err)
	assert.Len(t, out.Responses, 1)

	_, err = f.Tick(context.Background(), &TickInput{Tick: 2})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad tick")

	f.Abort()
	_, err = f.Tick(context.Background(), &TickInput{Tick: 3})
	assert.ErrorIs(t, err, ErrAborted)
}

func TestFuncRuntimeAbortCancelsContext(t *testing.T) {
	env := newEnv(nil)
	entered := make(chan struct{})
	f := &FuncRuntime{OnTick: func(ctx context.Context, _ *Env, _ *TickInput, _ *TickOutput) error {
		close(entered)
		<-ctx.Done()
		return ctx.Err()
	}}
	require.NoError(t, f.Init(context.Background(), env))

	done := make(chan error, 1)
	go func() {
		_, err := f.Tick(context.Background(), &TickInput{Tick: 1})
		done <- err
	}()
	<-entered
	f.Abort()
	assert.ErrorIs(t, <-done, ErrAborted)
}
