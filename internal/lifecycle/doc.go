// Package lifecycle creates and tears down scene hosts.
//
// Scenes are addressed by Handle, an index into a host-owned slot table
// plus a generation that is bumped whenever the slot is released, so a
// handle kept past its scene's lifetime is detectably stale. Nothing in a
// scene holds a pointer back into the manager.
//
// Teardown is throttled. At most TeardownConcurrency scenes are torn down
// at once and teardowns start no faster than one per TeardownInterval;
// further deactivations wait in a FIFO queue. Some engines crash when
// several sandboxes are destroyed simultaneously.
package lifecycle
