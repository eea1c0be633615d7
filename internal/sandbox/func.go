package sandbox

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// FuncRuntime runs a scene written in Go.
type FuncRuntime struct {
	OnStart func(ctx context.Context, env *Env) error
	OnTick  func(ctx context.Context, env *Env, in *TickInput, out *TickOutput) error
	OnClose func(env *Env) error

	env     *Env
	aborted atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
}

func (f *FuncRuntime) Init(ctx context.Context, env *Env) (err error) {
	f.env = env
	if f.OnStart == nil {
		return nil
	}
	defer recoverFault(&err)
	return f.OnStart(ctx, env)
}

func (f *FuncRuntime) Tick(ctx context.Context, in *TickInput) (out *TickOutput, err error) {
	if f.aborted.Load() {
		return nil, ErrAborted
	}
	out = &TickOutput{}
	if f.OnTick == nil {
		return out, nil
	}

	ctx, cancel := context.WithCancel(ctx)
	f.mu.Lock()
	f.cancel = cancel
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.cancel = nil
		f.mu.Unlock()
		cancel()
	}()

	defer recoverFault(&err)
	if err := f.OnTick(ctx, f.env, in, out); err != nil {
		if ctx.Err() != nil || f.aborted.Load() {
			return nil, fmt.Errorf("%w: %v", ErrAborted, err)
		}
		return nil, err
	}
	if ctx.Err() != nil || f.aborted.Load() {
		return nil, ErrAborted
	}
	return out, nil
}

func (f *FuncRuntime) Abort() {
	f.aborted.Store(true)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancel != nil {
		f.cancel()
	}
}

func (f *FuncRuntime) Close() error {
	if f.OnClose == nil || f.env == nil {
		return nil
	}
	return f.OnClose(f.env)
}

func recoverFault(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("script panic: %v", r)
	}
}
