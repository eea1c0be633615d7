// Package scene hosts one scene: its CRDT store, its end of the message
// channel, and its sandbox runtime.
//
// A Host moves through Idle, Loading, Running, Terminating and Dead, or
// stops at FailedToStart if the sandbox cannot be initialized. While
// Running, a worker goroutine owned by the host waits for the control path
// to seal an inbound batch, applies it, runs one sandbox tick under the
// engine guard, and pushes the resulting diff and responses to the
// outbound queue. The store and the runtime are touched only by that
// goroutine once Start returns.
//
// Script faults are caught at the host boundary, logged with the scene's
// identity, and counted against a FaultBudget; they never leave the scene.
package scene
