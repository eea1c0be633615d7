package harness

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/scenehost/internal/crdt"
)

// Dump renders a result as stable text: the trace grouped by tick, then
// every scene's final status and world view.
func Dump(name string, r *Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "scenario: %s\n", name)

	byTick := make(map[uint64][]TraceEvent)
	for _, ev := range r.Trace {
		byTick[ev.Tick] = append(byTick[ev.Tick], ev)
	}
	if evs := byTick[0]; len(evs) > 0 {
		writeTick(&b, 0, evs)
	}
	for n := uint64(1); n <= r.Ticks; n++ {
		writeTick(&b, n, byTick[n])
	}

	for _, s := range r.Scenes {
		fmt.Fprintf(&b, "scene %s %s\n", s.ID, s.Status)
		for _, line := range s.Lines {
			fmt.Fprintf(&b, "  %s\n", line)
		}
	}
	for _, id := range r.Stored {
		fmt.Fprintf(&b, "stored %s\n", id)
	}
	return b.String()
}

func writeTick(b *strings.Builder, n uint64, evs []TraceEvent) {
	fmt.Fprintf(b, "tick %d\n", n)
	for _, ev := range evs {
		fmt.Fprintf(b, "  %s %s", ev.Scene, ev.Kind)
		if ev.Channel != "" {
			fmt.Fprintf(b, " #%s", ev.Channel)
		}
		if ev.Message != "" {
			fmt.Fprintf(b, ": %s", ev.Message)
		}
		if ev.Data != "" {
			fmt.Fprintf(b, " data=%q", ev.Data)
		}
		b.WriteByte('\n')
	}
}

// dumpUpdates renders a scene's world view one state entry per line.
func dumpUpdates(u crdt.Updates) []string {
	var lines []string
	for _, up := range u.LWW {
		if up.Deleted {
			lines = append(lines, fmt.Sprintf("lww %d %s ts=%d deleted", up.Component, up.Entity, up.Timestamp))
			continue
		}
		lines = append(lines, fmt.Sprintf("lww %d %s ts=%d %q", up.Component, up.Entity, up.Timestamp, up.Data))
	}
	for _, ap := range u.Appends {
		lines = append(lines, fmt.Sprintf("grow %d %s %q", ap.Component, ap.Entity, ap.Data))
	}
	for _, e := range u.DeletedEntities {
		lines = append(lines, fmt.Sprintf("deleted %s", e))
	}
	return lines
}

// RunWithGolden runs a scenario, requires that it passes and compares its
// dump against testdata/golden/<name>.golden. Run tests with -update to
// rewrite the golden files.
func RunWithGolden(t *testing.T, s *Scenario) *Result {
	t.Helper()

	result, err := Run(context.Background(), s)
	if err != nil {
		t.Fatalf("scenario %s: %v", s.Name, err)
	}
	if !result.Pass {
		t.Errorf("scenario %s failed:\n  %s", s.Name, strings.Join(result.Errors, "\n  "))
	}
	AssertGolden(t, s.Name, Dump(s.Name, result))
	return result
}

// AssertGolden compares got against the named golden file.
func AssertGolden(t *testing.T, name, got string) {
	t.Helper()
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, []byte(got))
}
