package crdt

import (
	"sort"

	"github.com/roach88/scenehost/internal/ecs"
)

// LWWUpdate is one last-writer-wins value in a diff. Deleted marks a
// tombstone, in which case Data is nil.
type LWWUpdate struct {
	Component ecs.ComponentID
	Entity    ecs.EntityID
	Timestamp Timestamp
	Data      []byte
	Deleted   bool
}

// AppendUpdate is one grow-only append in a diff.
type AppendUpdate struct {
	Component ecs.ComponentID
	Entity    ecs.EntityID
	Data      []byte
}

// Updates is a serializable set of changes. LWW values are ordered by
// component then entity; appends keep insertion order.
type Updates struct {
	LWW             []LWWUpdate
	Appends         []AppendUpdate
	DeletedEntities []ecs.EntityID
}

// Empty reports whether the diff carries nothing.
func (u Updates) Empty() bool {
	return len(u.LWW) == 0 && len(u.Appends) == 0 && len(u.DeletedEntities) == 0
}

// Len returns the total number of records in the diff.
func (u Updates) Len() int {
	return len(u.LWW) + len(u.Appends) + len(u.DeletedEntities)
}

// TakeUpdates returns everything changed since the previous call and
// clears the dirty set.
func (s *Store) TakeUpdates() Updates {
	keys := make([]Key, 0, len(s.dirtyLWW))
	for k := range s.dirtyLWW {
		keys = append(keys, k)
	}
	u := Updates{
		LWW:             s.lwwUpdates(keys),
		Appends:         s.pendingGrow,
		DeletedEntities: s.dirtyDeleted,
	}
	s.dirtyLWW = make(map[Key]struct{})
	s.pendingGrow = nil
	s.dirtyDeleted = nil
	return u
}

// Snapshot returns the full state: every LWW value including tombstones,
// every retained grow-only entry, and every deleted entity. Dirty tracking
// is left untouched.
func (s *Store) Snapshot() Updates {
	keys := make([]Key, 0, len(s.lww))
	for k := range s.lww {
		keys = append(keys, k)
	}
	u := Updates{LWW: s.lwwUpdates(keys)}

	growKeys := make([]Key, 0, len(s.grow))
	for k := range s.grow {
		growKeys = append(growKeys, k)
	}
	sort.Slice(growKeys, func(i, j int) bool { return keyLess(growKeys[i], growKeys[j]) })
	for _, k := range growKeys {
		for _, data := range s.grow[k].items() {
			u.Appends = append(u.Appends, AppendUpdate{Component: k.Component, Entity: k.Entity, Data: data})
		}
	}

	for e := range s.deleted {
		u.DeletedEntities = append(u.DeletedEntities, e)
	}
	sort.Slice(u.DeletedEntities, func(i, j int) bool {
		return u.DeletedEntities[i].Pack() < u.DeletedEntities[j].Pack()
	})
	return u
}

func (s *Store) lwwUpdates(keys []Key) []LWWUpdate {
	sort.Slice(keys, func(i, j int) bool { return keyLess(keys[i], keys[j]) })
	out := make([]LWWUpdate, 0, len(keys))
	for _, k := range keys {
		e := s.lww[k]
		out = append(out, LWWUpdate{
			Component: k.Component,
			Entity:    k.Entity,
			Timestamp: e.ts,
			Data:      cloneBytes(e.data),
			Deleted:   e.data == nil,
		})
	}
	return out
}

// MergeStats summarizes a Merge call.
type MergeStats struct {
	Accepted int
	Rejected int
	Appended int
	Deleted  int
}

// Merge applies a diff produced by another store. Entity deletions are
// applied first so that writes in the same diff to a deleted entity are
// rejected.
func (s *Store) Merge(u Updates) MergeStats {
	var st MergeStats
	for _, e := range u.DeletedEntities {
		if e.IsReserved() || s.deleted[e] {
			continue
		}
		for k, cur := range s.lww {
			if k.Entity == e && cur.data != nil {
				// Tombstones for the entity's keys travel in the same diff;
				// local values without one are cleared here.
				s.lww[k] = lwwEntry{ts: cur.ts}
				s.dirtyLWW[k] = struct{}{}
			}
		}
		s.markDeleted(e)
		st.Deleted++
	}
	for _, up := range u.LWW {
		var data []byte
		if !up.Deleted {
			data = up.Data
			if data == nil {
				data = []byte{}
			}
		}
		if s.ApplyLWW(up.Component, up.Entity, up.Timestamp, data) == Accepted {
			st.Accepted++
		} else {
			st.Rejected++
		}
	}
	for _, ap := range u.Appends {
		if s.AppendGrowOnly(ap.Component, ap.Entity, ap.Data) {
			st.Appended++
		}
	}
	return st
}
