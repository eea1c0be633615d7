// Package world is the host's authoritative view of every scene.
//
// Each scene's outbound diffs are merged into a replica store that belongs
// to that scene alone, so one scene's mutations can never show up in
// another's view. Components the host owns on reserved entities (the
// player and camera, for example) are kept separately and diffed per
// scene against what that scene has already been sent.
//
// Cross-scene communication goes through the MessageBus, which the
// control path drains in a fixed scene order once per tick.
package world
