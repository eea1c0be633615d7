package sandbox

import (
	"context"
	"errors"
	"log/slog"

	"github.com/roach88/scenehost/internal/crdt"
	"github.com/roach88/scenehost/internal/ecs"
	"github.com/roach88/scenehost/internal/guard"
	"github.com/roach88/scenehost/internal/rpc"
	"github.com/roach88/scenehost/internal/wire"
)

// ErrAborted is returned by a tick that was stopped by Abort or by its
// deadline.
var ErrAborted = errors.New("sandbox: tick aborted")

// Runtime executes one scene's code.
type Runtime interface {
	// Init loads the scene and runs its start hook.
	Init(ctx context.Context, env *Env) error
	// Tick runs one update. A ctx deadline is a hard limit: the runtime
	// abandons the tick with ErrAborted once it passes.
	Tick(ctx context.Context, in *TickInput) (*TickOutput, error)
	// Abort stops the current and all later ticks. Safe from any goroutine.
	Abort()
	Close() error
}

// Caller issues host-capability calls. *rpc.Dispatcher satisfies it.
type Caller interface {
	Issue(sc rpc.SceneContext, req rpc.Request) *rpc.Pending
}

// Values exposes host values to scene code by key, without exposing how
// the host stores them.
type Values interface {
	Get(key string) ([]byte, bool)
}

// MapValues is a fixed set of values.
type MapValues map[string]string

func (m MapValues) Get(key string) ([]byte, bool) {
	v, ok := m[key]
	if !ok {
		return nil, false
	}
	return []byte(v), true
}

// Env is the explicit context of one scene. The host owns every field;
// the runtime only uses them from inside Init and Tick.
type Env struct {
	Scene    rpc.SceneContext
	Store    *crdt.Store
	Entities *ecs.Allocator
	Calls    Caller
	Guard    *guard.Guard
	Values   Values
	Logger   *slog.Logger
}

// Call issues req for this scene and waits for the answer with the guard
// released, so other scenes keep ticking while this one is suspended.
func (e *Env) Call(ctx context.Context, req rpc.Request) (any, error) {
	if e.Calls == nil {
		return nil, rpc.ErrUnknownKind
	}
	p := e.Calls.Issue(e.Scene, req)
	var (
		v   any
		err error
	)
	e.Guard.Released(func() {
		v, err = p.Wait(ctx)
	})
	return v, err
}

// Value looks up a host value; a nil Values has none.
func (e *Env) Value(key string) ([]byte, bool) {
	if e.Values == nil {
		return nil, false
	}
	return e.Values.Get(key)
}

func (e *Env) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default().With("scene", e.Scene.Handle.String(), "scene_id", e.Scene.SceneID)
}

// TickInput is what a scene sees at the start of a tick.
type TickInput struct {
	Tick     uint64
	Delta    float64 // seconds since the previous tick
	Commands []wire.Command
	Received []wire.Record // CRDT records applied from the host this tick
}

// TickOutput is what a tick emits besides its store mutations.
type TickOutput struct {
	Responses []wire.Response
}

// Log appends a log response.
func (o *TickOutput) Log(msg string) {
	o.Responses = append(o.Responses, wire.Response{Kind: wire.ResponseLog, Message: msg})
}

// Send appends a message for the bus. It is routed with the next tick.
func (o *TickOutput) Send(channel string, data []byte) {
	o.Responses = append(o.Responses, wire.Response{Kind: wire.ResponseComms, Channel: channel, Data: data})
}
