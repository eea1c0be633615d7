package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/scenehost/internal/ecs"
)

// Scenario defines a multi-scene run and what must hold afterwards.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Ticks is the number of global ticks to run.
	Ticks int `yaml:"ticks"`

	// Serialize runs every engine call under the process-wide guard.
	Serialize bool `yaml:"serialize,omitempty"`

	// FaultThreshold is the consecutive fault limit. Zero means 3.
	FaultThreshold int `yaml:"fault_threshold,omitempty"`

	// GrowOnlyCapacity bounds grow-only logs. Zero means the default.
	GrowOnlyCapacity int `yaml:"grow_only_capacity,omitempty"`

	// Persist saves every scene's final state to an in-memory store and
	// reports the stored ids.
	Persist bool `yaml:"persist,omitempty"`

	// Players are reported as connected to every scene.
	Players []Player `yaml:"players,omitempty"`

	// Scenes are activated in order, which fixes their handle order.
	Scenes []SceneDef `yaml:"scenes"`

	// Host values are published before the first tick.
	Host []HostValue `yaml:"host,omitempty"`

	// Inputs are enqueued just before their tick runs.
	Inputs []Input `yaml:"inputs,omitempty"`

	// Assertions validate the trace and the final world view.
	Assertions []Assertion `yaml:"assertions"`
}

// SceneDef is one scene. Exactly one of Script and Manifest is set.
type SceneDef struct {
	ID     string            `yaml:"id"`
	Script string            `yaml:"script,omitempty"`
	Files  map[string]string `yaml:"files,omitempty"`
	Env    map[string]string `yaml:"env,omitempty"`

	// Manifest is a path to a scene manifest, relative to the scenario.
	Manifest string `yaml:"manifest,omitempty"`
}

// Player is a connected user.
type Player struct {
	UserID string `yaml:"user_id"`
	Name   string `yaml:"name"`
}

// HostValue sets a component on a reserved entity.
type HostValue struct {
	Entity    string `yaml:"entity"`
	Component uint32 `yaml:"component"`
	Value     string `yaml:"value"`
}

// Input is a host command for one scene.
type Input struct {
	Tick    int    `yaml:"tick"`
	Scene   string `yaml:"scene"`
	Kind    string `yaml:"kind"`
	Channel string `yaml:"channel,omitempty"`
	Data    string `yaml:"data,omitempty"`
}

// Assertion validates the outcome. Type selects which fields are used.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	Scene     string   `yaml:"scene,omitempty"`
	Component uint32   `yaml:"component,omitempty"`
	Entity    string   `yaml:"entity,omitempty"`
	Expect    string   `yaml:"expect,omitempty"`
	ExpectAll []string `yaml:"expect_all,omitempty"`

	// Kind and Message select trace events for trace assertions.
	Kind    string `yaml:"kind,omitempty"`
	Message string `yaml:"message,omitempty"`

	// Count is the exact number of matching events for trace_count.
	Count int `yaml:"count,omitempty"`

	// Status is the expected final status for scene_status.
	Status string `yaml:"status,omitempty"`
}

// Assertion type constants.
const (
	AssertValue         = "value"          // LWW value equals Expect
	AssertAbsent        = "absent"         // no live LWW value
	AssertGrowOnly      = "grow_only"      // grow-only log equals ExpectAll
	AssertTraceContains = "trace_contains" // an event matches Kind and Message
	AssertTraceCount    = "trace_count"    // exactly Count events match
	AssertSceneStatus   = "scene_status"   // final status equals Status
	AssertTestsPassed   = "tests_passed"   // scene reported results, all ok
	AssertStored        = "stored"         // scene snapshot persisted
)

// LoadScenario reads and parses a scenario YAML file. Manifest paths are
// resolved relative to the scenario file.
// Returns an error if the file doesn't exist, is malformed, contains
// unknown fields, or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var s Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	base := filepath.Dir(path)
	for i := range s.Scenes {
		if m := s.Scenes[i].Manifest; m != "" && !filepath.IsAbs(m) {
			s.Scenes[i].Manifest = filepath.Join(base, m)
		}
	}

	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Ticks <= 0 {
		return fmt.Errorf("ticks must be positive")
	}
	if len(s.Scenes) == 0 {
		return fmt.Errorf("scenes list is required and must be non-empty")
	}

	ids := make(map[string]bool)
	for i, sc := range s.Scenes {
		switch {
		case sc.ID == "" && sc.Manifest == "":
			return fmt.Errorf("scenes[%d]: id is required", i)
		case sc.Script != "" && sc.Manifest != "":
			return fmt.Errorf("scenes[%d]: script and manifest are exclusive", i)
		case sc.Script == "" && sc.Manifest == "":
			return fmt.Errorf("scenes[%d]: script or manifest is required", i)
		}
		if sc.ID != "" {
			if ids[sc.ID] {
				return fmt.Errorf("scenes[%d]: duplicate id %q", i, sc.ID)
			}
			ids[sc.ID] = true
		}
	}

	for i, hv := range s.Host {
		e, err := ParseEntity(hv.Entity)
		if err != nil {
			return fmt.Errorf("host[%d]: %w", i, err)
		}
		if !e.IsReserved() {
			return fmt.Errorf("host[%d]: entity %s is not reserved", i, e)
		}
	}

	for i, in := range s.Inputs {
		if in.Tick < 1 || in.Tick > s.Ticks {
			return fmt.Errorf("inputs[%d]: tick %d outside 1..%d", i, in.Tick, s.Ticks)
		}
		if in.Scene == "" || in.Kind == "" {
			return fmt.Errorf("inputs[%d]: scene and kind are required", i)
		}
	}

	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	for i := range s.Assertions {
		if err := validateAssertion(i, &s.Assertions[i]); err != nil {
			return err
		}
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertValue, AssertAbsent, AssertGrowOnly:
		if a.Scene == "" || a.Component == 0 || a.Entity == "" {
			return fmt.Errorf("assertions[%d]: scene, component and entity are required for %s", index, a.Type)
		}
		if _, err := ParseEntity(a.Entity); err != nil {
			return fmt.Errorf("assertions[%d]: %w", index, err)
		}
	case AssertTraceContains:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for trace_contains", index)
		}
	case AssertTraceCount:
		if a.Kind == "" {
			return fmt.Errorf("assertions[%d]: kind is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertSceneStatus:
		if a.Scene == "" || a.Status == "" {
			return fmt.Errorf("assertions[%d]: scene and status are required for scene_status", index)
		}
	case AssertStored:
		if a.Scene == "" {
			return fmt.Errorf("assertions[%d]: scene is required for stored", index)
		}
	case AssertTestsPassed:
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

// ParseEntity accepts "root", "player", "camera", "<number>" or
// "<number>.<version>".
func ParseEntity(s string) (ecs.EntityID, error) {
	switch strings.ToLower(s) {
	case "root":
		return ecs.RootEntity, nil
	case "player":
		return ecs.PlayerEntity, nil
	case "camera":
		return ecs.CameraEntity, nil
	}
	num, ver, hasVer := strings.Cut(s, ".")
	n, err := strconv.ParseUint(num, 10, 16)
	if err != nil {
		return ecs.EntityID{}, fmt.Errorf("entity %q: %w", s, err)
	}
	e := ecs.EntityID{Number: uint16(n)}
	if hasVer {
		v, err := strconv.ParseUint(ver, 10, 16)
		if err != nil {
			return ecs.EntityID{}, fmt.Errorf("entity %q: %w", s, err)
		}
		e.Version = uint16(v)
	}
	return e, nil
}
