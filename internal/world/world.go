package world

import (
	"sort"
	"sync"

	"github.com/roach88/scenehost/internal/crdt"
	"github.com/roach88/scenehost/internal/ecs"
	"github.com/roach88/scenehost/internal/telemetry"
	"github.com/roach88/scenehost/internal/wire"
)

type sceneView struct {
	replica *crdt.Store
	sent    map[crdt.Key]crdt.Timestamp // host-owned values already delivered
	appends []wire.Record               // host appends waiting for delivery
}

// World holds the merged view.
type World struct {
	mu      sync.Mutex
	catalog *ecs.Catalog
	opts    []crdt.Option
	host    *crdt.Store // host-owned values on reserved entities
	scenes  map[ecs.SceneHandle]*sceneView
	metrics *telemetry.Metrics
}

// New returns an empty world. A nil catalog means ecs.DefaultCatalog.
func New(catalog *ecs.Catalog, metrics *telemetry.Metrics, opts ...crdt.Option) *World {
	if catalog == nil {
		catalog = ecs.DefaultCatalog()
	}
	return &World{
		catalog: catalog,
		opts:    opts,
		host:    crdt.New(catalog, opts...),
		scenes:  make(map[ecs.SceneHandle]*sceneView),
		metrics: metrics,
	}
}

// AddScene creates the replica for h. Adding an existing scene is a no-op.
func (w *World) AddScene(h ecs.SceneHandle) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.scenes[h]; ok {
		return
	}
	w.scenes[h] = &sceneView{
		replica: crdt.New(w.catalog, w.opts...),
		sent:    make(map[crdt.Key]crdt.Timestamp),
	}
}

// RemoveScene drops the replica of h.
func (w *World) RemoveScene(h ecs.SceneHandle) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.scenes, h)
}

// Scenes returns the known scenes in handle order.
func (w *World) Scenes() []ecs.SceneHandle {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]ecs.SceneHandle, 0, len(w.scenes))
	for h := range w.scenes {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// ApplyOutbound merges records emitted by scene h into its replica.
func (w *World) ApplyOutbound(h ecs.SceneHandle, recs []wire.Record) crdt.MergeStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	v, ok := w.scenes[h]
	if !ok {
		return crdt.MergeStats{}
	}
	st := v.replica.Merge(wire.Updates(recs))
	v.replica.TakeUpdates()
	w.metrics.Rejected(st.Rejected)
	return st
}

// Read returns scene h's value for a key in the merged view.
func (w *World) Read(h ecs.SceneHandle, c ecs.ComponentID, e ecs.EntityID) ([]byte, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	v, ok := w.scenes[h]
	if !ok {
		return nil, false
	}
	return v.replica.Read(c, e)
}

// ReadAll returns scene h's retained grow-only values for a key.
func (w *World) ReadAll(h ecs.SceneHandle, c ecs.ComponentID, e ecs.EntityID) [][]byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	v, ok := w.scenes[h]
	if !ok {
		return nil
	}
	return v.replica.ReadAll(c, e)
}

// Snapshot returns the full merged view of scene h.
func (w *World) Snapshot(h ecs.SceneHandle) (crdt.Updates, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	v, ok := w.scenes[h]
	if !ok {
		return crdt.Updates{}, false
	}
	return v.replica.Snapshot(), true
}

// Entities returns the entities with live values in scene h's view.
func (w *World) Entities(h ecs.SceneHandle) []ecs.EntityID {
	w.mu.Lock()
	defer w.mu.Unlock()
	v, ok := w.scenes[h]
	if !ok {
		return nil
	}
	return v.replica.Entities()
}

// SetHostValue writes a host-owned LWW component on a reserved entity.
// It returns false for dynamic entities, which belong to scenes.
func (w *World) SetHostValue(c ecs.ComponentID, e ecs.EntityID, data []byte) bool {
	if !e.IsReserved() {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.host.Put(c, e, data)
	return ok
}

// HostValue reads a host-owned component.
func (w *World) HostValue(c ecs.ComponentID, e ecs.EntityID) ([]byte, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.host.Read(c, e)
}

// AppendFor queues a grow-only value for one scene, such as a pointer
// event result aimed at that scene's entity.
func (w *World) AppendFor(h ecs.SceneHandle, c ecs.ComponentID, e ecs.EntityID, data []byte) bool {
	if w.catalog.TypeOf(c) != ecs.GrowOnly {
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	v, ok := w.scenes[h]
	if !ok {
		return false
	}
	v.appends = append(v.appends, wire.Record{
		Type: wire.AppendValue, Entity: e.Pack(), Component: uint32(c), Data: append([]byte(nil), data...),
	})
	return true
}

// HostDiff returns the host-owned changes scene h has not seen yet and
// records them as delivered.
func (w *World) HostDiff(h ecs.SceneHandle) []wire.Record {
	w.mu.Lock()
	defer w.mu.Unlock()
	v, ok := w.scenes[h]
	if !ok {
		return nil
	}
	var out []wire.Record
	for _, up := range w.host.Snapshot().LWW {
		k := crdt.Key{Component: up.Component, Entity: up.Entity}
		if v.sent[k] >= up.Timestamp {
			continue
		}
		v.sent[k] = up.Timestamp
		r := wire.Record{
			Type:      wire.PutComponent,
			Entity:    up.Entity.Pack(),
			Component: uint32(up.Component),
			Timestamp: uint64(up.Timestamp),
			Data:      up.Data,
		}
		if up.Deleted {
			r.Type, r.Data = wire.DeleteComponent, nil
		}
		out = append(out, r)
	}
	out = append(out, v.appends...)
	v.appends = nil
	return out
}
