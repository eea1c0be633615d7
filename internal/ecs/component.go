package ecs

import (
	"fmt"
	"sort"
)

// ComponentID identifies a component kind.
type ComponentID uint32

// CRDTType selects the merge discipline for a component kind.
type CRDTType uint8

const (
	// LWWEnt keeps one last-writer-wins value per entity.
	LWWEnt CRDTType = iota
	// LWWRoot keeps a single last-writer-wins value per scene, stored on
	// the root entity.
	LWWRoot
	// GrowOnly keeps a bounded append log per entity.
	GrowOnly
)

func (t CRDTType) String() string {
	switch t {
	case LWWEnt:
		return "lww_ent"
	case LWWRoot:
		return "lww_root"
	case GrowOnly:
		return "grow_only"
	default:
		return fmt.Sprintf("crdt_type(%d)", uint8(t))
	}
}

// IsLWW reports whether values of this type are merged by timestamp.
func (t CRDTType) IsLWW() bool {
	return t == LWWEnt || t == LWWRoot
}

// Well-known component ids.
const (
	Transform           ComponentID = 1
	Material            ComponentID = 1017
	MeshRenderer        ComponentID = 1018
	MeshCollider        ComponentID = 1019
	AudioSource         ComponentID = 1020
	TextShape           ComponentID = 1030
	GltfContainer       ComponentID = 1041
	Animator            ComponentID = 1042
	VideoPlayer         ComponentID = 1043
	EngineInfo          ComponentID = 1048
	UITransform         ComponentID = 1050
	PointerEvents       ComponentID = 1062
	PointerEventsResult ComponentID = 1063
	Raycast             ComponentID = 1067
	RaycastResult       ComponentID = 1068
	CameraMode          ComponentID = 1072
	AvatarAttach        ComponentID = 1073
	PointerLock         ComponentID = 1074
	Visibility          ComponentID = 1081
	AvatarBase          ComponentID = 1087
	AvatarEmoteCommand  ComponentID = 1088
	PlayerIdentityData  ComponentID = 1089
	Billboard           ComponentID = 1090
	RealmInfo           ComponentID = 1106
)

// ComponentDef describes one catalog entry.
type ComponentDef struct {
	ID   ComponentID
	Name string
	Type CRDTType
}

// Catalog maps component ids to their definitions. It is built once and
// read-only afterwards, so it may be shared between scenes.
type Catalog struct {
	defs map[ComponentID]ComponentDef
}

// NewCatalog builds a catalog from defs. Duplicate ids are an error.
func NewCatalog(defs ...ComponentDef) (*Catalog, error) {
	c := &Catalog{defs: make(map[ComponentID]ComponentDef, len(defs))}
	for _, d := range defs {
		if _, dup := c.defs[d.ID]; dup {
			return nil, fmt.Errorf("duplicate component id %d (%s)", d.ID, d.Name)
		}
		c.defs[d.ID] = d
	}
	return c, nil
}

// Lookup returns the definition for id.
func (c *Catalog) Lookup(id ComponentID) (ComponentDef, bool) {
	d, ok := c.defs[id]
	return d, ok
}

// TypeOf returns the discipline for id. Unknown ids are LWWEnt.
func (c *Catalog) TypeOf(id ComponentID) CRDTType {
	if d, ok := c.defs[id]; ok {
		return d.Type
	}
	return LWWEnt
}

// Defs returns every definition ordered by id.
func (c *Catalog) Defs() []ComponentDef {
	out := make([]ComponentDef, 0, len(c.defs))
	for _, d := range c.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

var defaultCatalog = mustCatalog(
	ComponentDef{Transform, "core::Transform", LWWEnt},
	ComponentDef{Material, "core::Material", LWWEnt},
	ComponentDef{MeshRenderer, "core::MeshRenderer", LWWEnt},
	ComponentDef{MeshCollider, "core::MeshCollider", LWWEnt},
	ComponentDef{AudioSource, "core::AudioSource", LWWEnt},
	ComponentDef{TextShape, "core::TextShape", LWWEnt},
	ComponentDef{GltfContainer, "core::GltfContainer", LWWEnt},
	ComponentDef{Animator, "core::Animator", LWWEnt},
	ComponentDef{VideoPlayer, "core::VideoPlayer", LWWEnt},
	ComponentDef{EngineInfo, "core::EngineInfo", LWWRoot},
	ComponentDef{UITransform, "core::UiTransform", LWWEnt},
	ComponentDef{PointerEvents, "core::PointerEvents", LWWEnt},
	ComponentDef{PointerEventsResult, "core::PointerEventsResult", GrowOnly},
	ComponentDef{Raycast, "core::Raycast", LWWEnt},
	ComponentDef{RaycastResult, "core::RaycastResult", LWWEnt},
	ComponentDef{CameraMode, "core::CameraMode", LWWEnt},
	ComponentDef{AvatarAttach, "core::AvatarAttach", LWWEnt},
	ComponentDef{PointerLock, "core::PointerLock", LWWEnt},
	ComponentDef{Visibility, "core::VisibilityComponent", LWWEnt},
	ComponentDef{AvatarBase, "core::AvatarBase", LWWEnt},
	ComponentDef{AvatarEmoteCommand, "core::AvatarEmoteCommand", GrowOnly},
	ComponentDef{PlayerIdentityData, "core::PlayerIdentityData", LWWEnt},
	ComponentDef{Billboard, "core::Billboard", LWWEnt},
	ComponentDef{RealmInfo, "core::RealmInfo", LWWRoot},
)

// DefaultCatalog returns the built-in component catalog.
func DefaultCatalog() *Catalog {
	return defaultCatalog
}

func mustCatalog(defs ...ComponentDef) *Catalog {
	c, err := NewCatalog(defs...)
	if err != nil {
		panic(err)
	}
	return c
}
