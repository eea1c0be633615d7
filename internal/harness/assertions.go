package harness

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/scenehost/internal/ecs"
)

// check evaluates one assertion against the live run.
func (r *run) check(a Assertion) error {
	switch a.Type {
	case AssertValue:
		got, ok, err := r.read(a)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("value %s %d %s: no value, expected %q", a.Scene, a.Component, a.Entity, a.Expect)
		}
		if got != a.Expect {
			return fmt.Errorf("value %s %d %s: got %q, expected %q", a.Scene, a.Component, a.Entity, got, a.Expect)
		}
	case AssertAbsent:
		got, ok, err := r.read(a)
		if err != nil {
			return err
		}
		if ok {
			return fmt.Errorf("absent %s %d %s: found %q", a.Scene, a.Component, a.Entity, got)
		}
	case AssertGrowOnly:
		h, ok := r.handles[a.Scene]
		if !ok {
			return fmt.Errorf("grow_only: unknown scene %q", a.Scene)
		}
		e, _ := ParseEntity(a.Entity)
		var got []string
		for _, v := range r.engine.World().ReadAll(h, ecs.ComponentID(a.Component), e) {
			got = append(got, string(v))
		}
		if !slices.Equal(got, a.ExpectAll) {
			return fmt.Errorf("grow_only %s %d %s: got %q, expected %q", a.Scene, a.Component, a.Entity, got, a.ExpectAll)
		}
	case AssertTraceContains:
		if r.matching(a) == 0 {
			return fmt.Errorf("trace_contains: no %s event from %q containing %q", a.Kind, a.Scene, a.Message)
		}
	case AssertTraceCount:
		if n := r.matching(a); n != a.Count {
			return fmt.Errorf("trace_count: %d %s events from %q containing %q, expected %d", n, a.Kind, a.Scene, a.Message, a.Count)
		}
	case AssertSceneStatus:
		st, ok := r.result.Scene(a.Scene)
		if !ok {
			return fmt.Errorf("scene_status: unknown scene %q", a.Scene)
		}
		if st.Status != a.Status {
			return fmt.Errorf("scene_status %s: got %s, expected %s", a.Scene, st.Status, a.Status)
		}
	case AssertTestsPassed:
		if len(r.result.Tests) == 0 {
			return fmt.Errorf("tests_passed: no test results reported")
		}
		for _, t := range r.result.Tests {
			if !t.OK {
				return fmt.Errorf("tests_passed: %s failed: %s", t.Name, t.Error)
			}
		}
	case AssertStored:
		if !slices.Contains(r.result.Stored, a.Scene) {
			return fmt.Errorf("stored: no snapshot for %q (have %v)", a.Scene, r.result.Stored)
		}
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

func (r *run) read(a Assertion) (string, bool, error) {
	h, ok := r.handles[a.Scene]
	if !ok {
		return "", false, fmt.Errorf("%s: unknown scene %q", a.Type, a.Scene)
	}
	e, err := ParseEntity(a.Entity)
	if err != nil {
		return "", false, err
	}
	v, ok := r.engine.World().Read(h, ecs.ComponentID(a.Component), e)
	return string(v), ok, nil
}

// matching counts trace events of a.Kind, from a.Scene when set, whose
// message contains a.Message.
func (r *run) matching(a Assertion) int {
	n := 0
	for _, ev := range r.result.Trace {
		if ev.Kind != a.Kind {
			continue
		}
		if a.Scene != "" && ev.Scene != a.Scene {
			continue
		}
		if !strings.Contains(ev.Message, a.Message) {
			continue
		}
		n++
	}
	return n
}
