// Package ecs defines scene-scoped entity identity and the fixed catalog
// of component kinds shared by both sides of the scene bridge.
//
// Entity identifiers are (number, version) pairs. A number is live for
// exactly one version at a time; freeing an entity bumps its version so
// that stale references held by a script compare unequal to the live id.
//
// Numbers below FirstDynamic are reserved for singletons that the host
// resolves outside the scene's own id space (the scene root, the primary
// player avatar, the primary camera).
//
// Every ComponentID carries a fixed CRDT discipline. The discipline is part
// of the protocol: a component registered as GrowOnly on one side must be
// GrowOnly on the other.
package ecs
