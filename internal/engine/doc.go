// Package engine drives the global tick for every active scene.
//
// ARCHITECTURE:
//
// Tick Flow:
//  1. Reap scenes that stopped on their own; sync the world view and
//     message bus with the active set
//  2. For each scene in handle order, build the inbound batch: host diff
//     records, bus messages from the previous tick, queued host commands
//  3. Deliver and seal each batch, then wait for the scenes in parallel,
//     bounded by the worker limit and the tick budget
//  4. Collect each scene's sealed output in handle order; merge records
//     into that scene's world view and route its responses
//
// A scene that misses the tick budget keeps running. It is reported
// stalled and its output is merged whenever it is sealed.
//
// Logical Clock:
// Ticks are numbered by Clock.Next(). Scene hosts compare against these
// numbers, never against wall time, to decide whether they are behind.
//
// Determinism:
// Scenes run concurrently but the control path only ever observes them
// in handle order. Merge order, bus routing order and report order all
// follow handle order.
package engine
