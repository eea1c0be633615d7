package engine

import (
	"sync"

	"github.com/roach88/scenehost/internal/ecs"
	"github.com/roach88/scenehost/internal/wire"
)

type queuedCommand struct {
	scene ecs.SceneHandle
	cmd   wire.Command
}

// commandQueue holds host input events until the next tick picks them up.
//
// The queue is unbounded; a scene's inbound channel applies backpressure
// once the commands are delivered.
//
// Thread-safety: Enqueue may be called from any goroutine. Drain is called
// by the tick loop only. The signal channel lets Run wake up for input when
// no tick interval is configured.
type commandQueue struct {
	mu     sync.Mutex
	cmds   []queuedCommand
	closed bool
	signal chan struct{} // buffered, size 1; closed on Close
}

func newCommandQueue() *commandQueue {
	return &commandQueue{
		cmds:   make([]queuedCommand, 0, 64),
		signal: make(chan struct{}, 1),
	}
}

// Enqueue appends a command for scene h. Returns false once closed.
func (q *commandQueue) Enqueue(h ecs.SceneHandle, cmd wire.Command) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.cmds = append(q.cmds, queuedCommand{scene: h, cmd: cmd})
	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// Drain removes every queued command and groups them by scene, keeping
// enqueue order within each scene.
func (q *commandQueue) Drain() map[ecs.SceneHandle][]wire.Command {
	q.mu.Lock()
	cmds := q.cmds
	q.cmds = make([]queuedCommand, 0, cap(cmds))
	q.mu.Unlock()

	if len(cmds) == 0 {
		return nil
	}
	out := make(map[ecs.SceneHandle][]wire.Command)
	for _, c := range cmds {
		out[c.scene] = append(out[c.scene], c.cmd)
	}
	return out
}

// Wait returns a channel that signals when commands may be available.
func (q *commandQueue) Wait() <-chan struct{} {
	return q.signal
}

func (q *commandQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.cmds)
}

// Close stops accepting commands and wakes any waiter.
func (q *commandQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}
