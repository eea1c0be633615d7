//go:build !js && !wasip1

package guard

// platformSerializes is true where scenes run on native threads.
const platformSerializes = true
