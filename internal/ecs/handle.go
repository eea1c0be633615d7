package ecs

import "fmt"

// SceneHandle names a scene by its slot in the host's scene table. The
// generation is bumped every time a slot is reused, so a handle kept past
// its scene's teardown never resolves to the next occupant.
type SceneHandle struct {
	Index      uint32
	Generation uint32
}

// IsZero reports whether h is the zero handle, which is never issued.
func (h SceneHandle) IsZero() bool {
	return h.Generation == 0
}

// Less orders handles by slot, then generation. This is the fixed scene
// iteration order of the control path.
func (h SceneHandle) Less(o SceneHandle) bool {
	if h.Index != o.Index {
		return h.Index < o.Index
	}
	return h.Generation < o.Generation
}

func (h SceneHandle) String() string {
	return fmt.Sprintf("scene#%d.%d", h.Index, h.Generation)
}
