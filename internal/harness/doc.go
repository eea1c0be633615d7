// Package harness runs scripted multi-scene scenarios against the real
// engine and checks the outcome.
//
// A scenario is a YAML file naming a set of scenes (inline Lua or a
// manifest), host values to publish, input events to enqueue at given
// ticks, and assertions on the merged world view and the trace of scene
// responses. Scenarios run with a fixed tick delta, no tick budget and
// deterministic id and clock sources, so two runs of the same scenario
// produce byte-identical trace dumps.
//
// # Golden Files
//
// RunWithGolden compares the dump against testdata/golden/<name>.golden.
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
package harness
