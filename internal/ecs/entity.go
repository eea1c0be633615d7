package ecs

import (
	"errors"
	"fmt"
)

// Reserved entity numbers. These resolve to host-side singletons.
const (
	RootNumber   uint16 = 0
	PlayerNumber uint16 = 1
	CameraNumber uint16 = 2

	// FirstDynamic is the first number handed out by an Allocator.
	FirstDynamic uint16 = 512
)

var (
	RootEntity   = EntityID{Number: RootNumber}
	PlayerEntity = EntityID{Number: PlayerNumber}
	CameraEntity = EntityID{Number: CameraNumber}
)

// ErrEntitiesExhausted is returned when every dynamic number is in use.
var ErrEntitiesExhausted = errors.New("entity numbers exhausted")

// EntityID identifies an entity within one scene.
type EntityID struct {
	Number  uint16
	Version uint16
}

// Pack returns the 32-bit wire form: number in the low half, version in
// the high half.
func (e EntityID) Pack() uint32 {
	return uint32(e.Number) | uint32(e.Version)<<16
}

// Unpack is the inverse of Pack.
func Unpack(v uint32) EntityID {
	return EntityID{Number: uint16(v), Version: uint16(v >> 16)}
}

// IsReserved reports whether the id names a host-resolved singleton.
func (e EntityID) IsReserved() bool {
	return e.Number < FirstDynamic
}

func (e EntityID) String() string {
	return fmt.Sprintf("%d.%d", e.Number, e.Version)
}

// Allocator hands out entity ids for one scene.
//
// Freed numbers are reused lowest-first with their version bumped, so the
// sequence of ids a scene sees is deterministic for a given sequence of
// New/Free calls. An Allocator is owned by a single scene host and is not
// safe for concurrent use.
type Allocator struct {
	versions map[uint16]uint16 // current version of every number ever used
	live     map[uint16]bool
	free     []uint16 // sorted ascending
	next     uint32
}

// NewAllocator returns an allocator starting at FirstDynamic.
func NewAllocator() *Allocator {
	return &Allocator{
		versions: make(map[uint16]uint16),
		live:     make(map[uint16]bool),
		next:     uint32(FirstDynamic),
	}
}

// New allocates an entity id.
func (a *Allocator) New() (EntityID, error) {
	if len(a.free) > 0 {
		n := a.free[0]
		a.free = a.free[1:]
		a.live[n] = true
		return EntityID{Number: n, Version: a.versions[n]}, nil
	}
	if a.next > 0xFFFF {
		return EntityID{}, ErrEntitiesExhausted
	}
	n := uint16(a.next)
	a.next++
	a.versions[n] = 0
	a.live[n] = true
	return EntityID{Number: n}, nil
}

// Free releases a live id and bumps its version. Returns false if the id
// is reserved, stale, or not live.
func (a *Allocator) Free(id EntityID) bool {
	if id.IsReserved() || !a.IsLive(id) {
		return false
	}
	delete(a.live, id.Number)
	a.versions[id.Number] = id.Version + 1
	a.insertFree(id.Number)
	return true
}

// IsLive reports whether id is the current live version of its number.
// Reserved ids are always live.
func (a *Allocator) IsLive(id EntityID) bool {
	if id.IsReserved() {
		return true
	}
	if !a.live[id.Number] {
		return false
	}
	return a.versions[id.Number] == id.Version
}

// Observe marks an id created by the other side of the bridge as live,
// advancing the local version so later allocations never collide with it.
// Older versions than the one already known are ignored.
func (a *Allocator) Observe(id EntityID) {
	if id.IsReserved() {
		return
	}
	cur, seen := a.versions[id.Number]
	if seen && id.Version < cur {
		return
	}
	a.versions[id.Number] = id.Version
	a.live[id.Number] = true
	a.removeFree(id.Number)
	for a.next <= uint32(id.Number) {
		if uint16(a.next) != id.Number {
			a.versions[uint16(a.next)] = 0
			a.insertFree(uint16(a.next))
		}
		a.next++
	}
}

// Live returns the number of live dynamic entities.
func (a *Allocator) Live() int {
	return len(a.live)
}

func (a *Allocator) insertFree(n uint16) {
	i := 0
	for i < len(a.free) && a.free[i] < n {
		i++
	}
	a.free = append(a.free, 0)
	copy(a.free[i+1:], a.free[i:])
	a.free[i] = n
}

func (a *Allocator) removeFree(n uint16) {
	for i, f := range a.free {
		if f == n {
			a.free = append(a.free[:i], a.free[i+1:]...)
			return
		}
	}
}
