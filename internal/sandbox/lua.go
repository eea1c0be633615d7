package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/Shopify/go-lua"
)

// DefaultHookInterval is the instruction count between deadline checks.
const DefaultHookInterval = 1000

var errClosed = errors.New("sandbox: runtime closed")

// LuaRuntime runs a Lua scene script.
//
// The script sees the base library without file loaders, plus string,
// table and math. The host API is exposed as the crdt, entity, engine,
// rpc, console and env tables. A script may define onStart() and
// onUpdate(dt, commands); both are optional.
type LuaRuntime struct {
	name         string
	source       []byte
	hookInterval int

	l   *lua.State
	env *Env

	// Per-call state, only touched on the goroutine running the script.
	ctx      context.Context
	deadline time.Time
	out      *TickOutput
	in       *TickInput

	aborted atomic.Bool
	closed  bool
}

// LuaOption configures a LuaRuntime.
type LuaOption func(*LuaRuntime)

// WithHookInterval sets how many VM instructions run between deadline
// checks.
func WithHookInterval(n int) LuaOption {
	return func(r *LuaRuntime) {
		if n > 0 {
			r.hookInterval = n
		}
	}
}

// NewLuaRuntime returns a runtime for the script source. name is used in
// error messages.
func NewLuaRuntime(name string, source []byte, opts ...LuaOption) *LuaRuntime {
	r := &LuaRuntime{
		name:         name,
		source:       source,
		hookInterval: DefaultHookInterval,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *LuaRuntime) Init(ctx context.Context, env *Env) error {
	if r.closed {
		return errClosed
	}
	r.env = env
	r.l = lua.NewState()
	openRestricted(r.l)
	r.register()
	lua.SetDebugHook(r.l, r.hook, lua.MaskCount, r.hookInterval)

	return r.protected(ctx, &TickOutput{}, nil, func(l *lua.State) error {
		if err := lua.LoadBuffer(l, string(r.source), r.name, "t"); err != nil {
			return fmt.Errorf("load %s: %w", r.name, err)
		}
		if err := l.ProtectedCall(0, 0, 0); err != nil {
			return fmt.Errorf("run %s: %w", r.name, err)
		}
		return r.callHook(l, "onStart")
	})
}

func (r *LuaRuntime) Tick(ctx context.Context, in *TickInput) (*TickOutput, error) {
	if r.closed || r.l == nil {
		return nil, errClosed
	}
	if r.aborted.Load() {
		return nil, ErrAborted
	}
	out := &TickOutput{}
	err := r.protected(ctx, out, in, func(l *lua.State) error {
		l.Global("onUpdate")
		if !l.IsFunction(-1) {
			l.Pop(1)
			return nil
		}
		l.PushNumber(in.Delta)
		pushCommands(l, in.Commands)
		if err := l.ProtectedCall(2, 0, 0); err != nil {
			return fmt.Errorf("onUpdate: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *LuaRuntime) Abort() {
	r.aborted.Store(true)
}

func (r *LuaRuntime) Close() error {
	r.closed = true
	r.l = nil
	return nil
}

// protected runs f with per-call state installed and converts VM aborts
// and Go panics into errors.
func (r *LuaRuntime) protected(ctx context.Context, out *TickOutput, in *TickInput, f func(*lua.State) error) (err error) {
	r.ctx, r.out, r.in = ctx, out, in
	r.deadline = time.Time{}
	if d, ok := ctx.Deadline(); ok {
		r.deadline = d
	}
	defer func() {
		r.ctx, r.out, r.in = nil, nil, nil
		if p := recover(); p != nil {
			err = fmt.Errorf("script panic: %v", p)
		}
		if err != nil && r.stopped() {
			err = fmt.Errorf("%w: %v", ErrAborted, err)
		}
	}()
	top := r.l.Top()
	defer r.l.SetTop(top)
	return f(r.l)
}

func (r *LuaRuntime) callHook(l *lua.State, name string) error {
	l.Global(name)
	if !l.IsFunction(-1) {
		l.Pop(1)
		return nil
	}
	if err := l.ProtectedCall(0, 0, 0); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func (r *LuaRuntime) stopped() bool {
	if r.aborted.Load() {
		return true
	}
	return !r.deadline.IsZero() && time.Now().After(r.deadline)
}

func (r *LuaRuntime) hook(l *lua.State, _ lua.Debug) {
	if r.stopped() {
		lua.Errorf(l, "tick aborted")
	}
}

// openRestricted opens the libraries a scene may use and removes the
// ones that reach the filesystem.
func openRestricted(l *lua.State) {
	libs := []struct {
		name string
		open lua.Function
	}{
		{"_G", lua.BaseOpen},
		{"string", lua.StringOpen},
		{"table", lua.TableOpen},
		{"math", lua.MathOpen},
	}
	for _, lib := range libs {
		lua.Require(l, lib.name, lib.open, true)
		l.Pop(1)
	}
	for _, name := range []string{"dofile", "loadfile", "load", "loadstring", "require"} {
		l.PushNil()
		l.SetGlobal(name)
	}
}
