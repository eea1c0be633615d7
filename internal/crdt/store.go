package crdt

import (
	"sort"

	"github.com/roach88/scenehost/internal/ecs"
)

// DefaultGrowOnlyCapacity bounds each grow-only log.
const DefaultGrowOnlyCapacity = 100

// Timestamp is a per-key Lamport timestamp.
type Timestamp uint64

// Outcome reports whether an LWW update replaced the stored value.
type Outcome uint8

const (
	Rejected Outcome = iota
	Accepted
)

func (o Outcome) String() string {
	if o == Accepted {
		return "accepted"
	}
	return "rejected"
}

// Key addresses one component value.
type Key struct {
	Component ecs.ComponentID
	Entity    ecs.EntityID
}

func keyLess(a, b Key) bool {
	if a.Component != b.Component {
		return a.Component < b.Component
	}
	if a.Entity.Number != b.Entity.Number {
		return a.Entity.Number < b.Entity.Number
	}
	return a.Entity.Version < b.Entity.Version
}

type lwwEntry struct {
	ts   Timestamp
	data []byte // nil for tombstones
}

// Stats counts LWW merge outcomes since the store was created.
type Stats struct {
	Accepted int
	Rejected int
	Appended int
	Evicted  int
}

// Store is one scene's CRDT state.
type Store struct {
	catalog  *ecs.Catalog
	capacity int

	lww     map[Key]lwwEntry
	grow    map[Key]*ring
	deleted map[ecs.EntityID]bool

	dirtyLWW     map[Key]struct{}
	pendingGrow  []AppendUpdate
	dirtyDeleted []ecs.EntityID

	stats Stats
}

// Option configures a Store.
type Option func(*Store)

// WithGrowOnlyCapacity sets the per-key grow-only log bound.
// Values below 1 are ignored.
func WithGrowOnlyCapacity(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// New creates an empty store. A nil catalog means ecs.DefaultCatalog.
func New(catalog *ecs.Catalog, opts ...Option) *Store {
	if catalog == nil {
		catalog = ecs.DefaultCatalog()
	}
	s := &Store{
		catalog:  catalog,
		capacity: DefaultGrowOnlyCapacity,
		lww:      make(map[Key]lwwEntry),
		grow:     make(map[Key]*ring),
		deleted:  make(map[ecs.EntityID]bool),
		dirtyLWW: make(map[Key]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Catalog returns the component catalog the store merges with.
func (s *Store) Catalog() *ecs.Catalog {
	return s.catalog
}

// Capacity returns the grow-only bound.
func (s *Store) Capacity() int {
	return s.capacity
}

// key normalizes root components onto the root entity.
func (s *Store) key(component ecs.ComponentID, entity ecs.EntityID) Key {
	if s.catalog.TypeOf(component) == ecs.LWWRoot {
		entity = ecs.RootEntity
	}
	return Key{Component: component, Entity: entity}
}

// ApplyLWW merges a timestamped value. The update is accepted iff the key
// is absent or ts is strictly greater than the stored timestamp. A nil
// payload deletes the component. Updates to grow-only components and to
// deleted entities are rejected.
func (s *Store) ApplyLWW(component ecs.ComponentID, entity ecs.EntityID, ts Timestamp, payload []byte) Outcome {
	if !s.catalog.TypeOf(component).IsLWW() {
		s.stats.Rejected++
		return Rejected
	}
	k := s.key(component, entity)
	if s.deleted[k.Entity] {
		s.stats.Rejected++
		return Rejected
	}
	if cur, ok := s.lww[k]; ok && ts <= cur.ts {
		s.stats.Rejected++
		return Rejected
	}
	s.lww[k] = lwwEntry{ts: ts, data: cloneBytes(payload)}
	s.dirtyLWW[k] = struct{}{}
	s.stats.Accepted++
	return Accepted
}

// Put writes a value on behalf of the local side, stamping it one past the
// stored timestamp. Returns the timestamp used, or false if rejected.
func (s *Store) Put(component ecs.ComponentID, entity ecs.EntityID, payload []byte) (Timestamp, bool) {
	if payload == nil {
		payload = []byte{}
	}
	return s.putLocal(component, entity, payload)
}

// Delete tombstones a component on behalf of the local side.
func (s *Store) Delete(component ecs.ComponentID, entity ecs.EntityID) (Timestamp, bool) {
	return s.putLocal(component, entity, nil)
}

func (s *Store) putLocal(component ecs.ComponentID, entity ecs.EntityID, payload []byte) (Timestamp, bool) {
	k := s.key(component, entity)
	ts := s.lww[k].ts + 1
	if s.ApplyLWW(component, entity, ts, payload) == Rejected {
		return 0, false
	}
	return ts, true
}

// AppendGrowOnly appends payload to the key's log, evicting the oldest
// entry when the log is at capacity. Appends to non-grow-only components
// and to deleted entities are ignored and return false.
func (s *Store) AppendGrowOnly(component ecs.ComponentID, entity ecs.EntityID, payload []byte) bool {
	if s.catalog.TypeOf(component) != ecs.GrowOnly || s.deleted[entity] {
		return false
	}
	k := Key{Component: component, Entity: entity}
	r, ok := s.grow[k]
	if !ok {
		r = newRing(s.capacity)
		s.grow[k] = r
	}
	data := cloneBytes(payload)
	if r.push(data) {
		s.stats.Evicted++
	}
	s.pendingGrow = append(s.pendingGrow, AppendUpdate{Component: component, Entity: entity, Data: data})
	s.stats.Appended++
	return true
}

// Read returns the live LWW value for a key.
func (s *Store) Read(component ecs.ComponentID, entity ecs.EntityID) ([]byte, bool) {
	e, ok := s.lww[s.key(component, entity)]
	if !ok || e.data == nil {
		return nil, false
	}
	return cloneBytes(e.data), true
}

// Timestamp returns the stored timestamp for a key (zero if absent).
func (s *Store) Timestamp(component ecs.ComponentID, entity ecs.EntityID) Timestamp {
	return s.lww[s.key(component, entity)].ts
}

// ReadAll returns a grow-only log oldest-first.
func (s *Store) ReadAll(component ecs.ComponentID, entity ecs.EntityID) [][]byte {
	r, ok := s.grow[Key{Component: component, Entity: entity}]
	if !ok {
		return nil
	}
	return r.items()
}

// DeleteEntity tombstones every LWW value of entity, drops its grow-only
// logs and refuses further writes to it. Reserved entities cannot be
// deleted. Returns false if the entity was already deleted or reserved.
func (s *Store) DeleteEntity(entity ecs.EntityID) bool {
	if entity.IsReserved() || s.deleted[entity] {
		return false
	}
	for k, e := range s.lww {
		if k.Entity != entity || e.data == nil {
			continue
		}
		s.lww[k] = lwwEntry{ts: e.ts + 1}
		s.dirtyLWW[k] = struct{}{}
	}
	s.markDeleted(entity)
	return true
}

func (s *Store) markDeleted(entity ecs.EntityID) {
	for k := range s.grow {
		if k.Entity == entity {
			delete(s.grow, k)
		}
	}
	s.deleted[entity] = true
	s.dirtyDeleted = append(s.dirtyDeleted, entity)
}

// IsDeleted reports whether entity has been deleted.
func (s *Store) IsDeleted(entity ecs.EntityID) bool {
	return s.deleted[entity]
}

// Entities returns every entity with at least one live value, ordered.
func (s *Store) Entities() []ecs.EntityID {
	seen := make(map[ecs.EntityID]struct{})
	for k, e := range s.lww {
		if e.data != nil {
			seen[k.Entity] = struct{}{}
		}
	}
	for k := range s.grow {
		seen[k.Entity] = struct{}{}
	}
	out := make([]ecs.EntityID, 0, len(seen))
	for e := range seen {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pack() < out[j].Pack() })
	return out
}

// Len returns the number of live LWW values.
func (s *Store) Len() int {
	n := 0
	for _, e := range s.lww {
		if e.data != nil {
			n++
		}
	}
	return n
}

// Stats returns merge counters.
func (s *Store) Stats() Stats {
	return s.stats
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
