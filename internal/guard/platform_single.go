//go:build js || wasip1

package guard

// Single-threaded targets cannot re-enter the engine from another thread.
const platformSerializes = false
