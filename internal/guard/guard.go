// Package guard serializes entry into a scripting engine that is not safe
// to enter from several native threads at once.
//
// A Guard is held only around engine calls: sandbox initialization, one
// tick's script execution, and teardown. Code that waits on I/O or on an
// RPC response from inside an engine call drops the guard for the wait
// with Released, so a scene blocked on the host never stalls other scenes.
//
// When serialization is disabled the guard is a no-op.
package guard

import (
	"sync"
	"sync/atomic"
	"time"
)

// Guard is a process-wide engine lock.
type Guard struct {
	serialize bool
	mu        sync.Mutex
	held      atomic.Bool

	entries atomic.Int64
	heldNs  atomic.Int64
	since   time.Time // guarded by mu
}

// New returns a guard. With serialize false every method is a no-op apart
// from the entry counter.
func New(serialize bool) *Guard {
	return &Guard{serialize: serialize}
}

var (
	defaultOnce  sync.Once
	defaultGuard *Guard
)

// Default returns the process-wide guard. Its mode is fixed the first time
// it is called: serializing unless the platform default says the engine is
// re-entrant, then overridden by SetDefaultMode if called earlier.
func Default() *Guard {
	defaultOnce.Do(func() {
		defaultGuard = New(defaultMode.Load())
	})
	return defaultGuard
}

var defaultMode atomic.Bool

func init() {
	defaultMode.Store(platformSerializes)
}

// SetDefaultMode overrides the platform default. It has no effect once
// Default has been called.
func SetDefaultMode(serialize bool) {
	defaultMode.Store(serialize)
}

// Serializing reports whether the guard actually excludes.
func (g *Guard) Serializing() bool {
	return g.serialize
}

// Enter acquires the guard.
func (g *Guard) Enter() {
	g.entries.Add(1)
	if !g.serialize {
		return
	}
	g.mu.Lock()
	g.held.Store(true)
	g.since = time.Now()
}

// Exit releases the guard. Exiting a guard that is not held means the
// engine's exclusion has already been broken, which is unrecoverable.
func (g *Guard) Exit() {
	if !g.serialize {
		return
	}
	if !g.held.Load() {
		panic("guard: Exit without matching Enter")
	}
	g.heldNs.Add(int64(time.Since(g.since)))
	g.held.Store(false)
	g.mu.Unlock()
}

// Do runs f with the guard held.
func (g *Guard) Do(f func() error) error {
	g.Enter()
	defer g.Exit()
	return f()
}

// Released runs f with the guard temporarily dropped. Must be called while
// holding the guard, from inside an engine call.
func (g *Guard) Released(f func()) {
	g.Exit()
	defer g.Enter()
	f()
}

// Stats reports guard usage.
type Stats struct {
	Entries int64
	Held    time.Duration
}

// Stats returns the number of acquisitions and the cumulative hold time.
func (g *Guard) Stats() Stats {
	return Stats{Entries: g.entries.Load(), Held: time.Duration(g.heldNs.Load())}
}
