// Package rpc routes host-capability requests issued by sandboxed scene
// code to the host subsystems that serve them.
//
// A call is issued with Dispatcher.Issue and handled asynchronously. The
// caller receives a *Pending and waits on it; the scene's script suspends
// at the call site without holding the engine guard. Each Pending resolves
// exactly once: with the handler's result, or with ErrCancelled if the
// issuing scene is torn down (CancelScene) or the handler fails before
// answering. A result arriving after cancellation is discarded.
//
// Handlers receive the issuing scene's SceneContext explicitly; there is
// no ambient lookup of per-scene state.
package rpc
