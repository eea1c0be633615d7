// Package crdt implements the per-scene component state store.
//
// Two merge disciplines are supported, selected per component by the
// ecs.Catalog:
//
//   - Last-writer-wins: each (component, entity) key keeps the value with
//     the greatest logical timestamp. An incoming update is accepted only
//     if its timestamp is strictly greater than the stored one, so equal
//     timestamps are rejected and re-applying the same update never
//     regresses state. A nil payload is a tombstone and obeys the same
//     rule.
//   - Grow-only: each (component, entity) key keeps a bounded FIFO log.
//     Appends always succeed; when the log is full the oldest entry is
//     evicted. Entries are never reordered.
//
// Every mutation marks its key dirty. TakeUpdates returns the diff since
// the previous call and clears the dirty set; the scene host uses it to
// build the scene's outbound batch once per tick.
//
// A Store has a single owner and is not safe for concurrent use.
package crdt
