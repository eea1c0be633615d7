// Package store provides SQLite-backed persistence for scene snapshots.
//
// When a scene is deactivated its final CRDT state is written here, and
// restored the next time a scene with the same id is activated. Each save
// replaces the previous snapshot for that id in one transaction.
//
// # Tables
//
//   - scene_meta: one row per scene id with save time and counts
//   - scene_lww: last-writer-wins values, tombstones stored as NULL data
//   - scene_grow: retained grow-only entries with their position
//   - scene_deleted: entities deleted within the scene
//
// # Deterministic Reads
//
// Reads order by component, entity number, entity version and position.
// This matches the order crdt.Store.Snapshot produces, so a loaded
// snapshot compares equal to the one that was saved.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait up to 5s for locks
//   - foreign_keys=ON: Child rows cascade with their scene
package store
