package harness

import "github.com/roach88/scenehost/internal/rpc"

// Trace event kinds besides the scene response kinds.
const (
	EventInitError = "init_error"
	EventStalled   = "stalled"
)

// TraceEvent is one observable thing that happened during a scenario.
type TraceEvent struct {
	Tick    uint64 `json:"tick"`
	Scene   string `json:"scene"`
	Kind    string `json:"kind"`
	Channel string `json:"channel,omitempty"`
	Message string `json:"message,omitempty"`
	Data    string `json:"data,omitempty"`
}

// SceneState is a scene's final status and world view.
type SceneState struct {
	ID     string   `json:"id"`
	Status string   `json:"status"` // running, stopped or failed
	Lines  []string `json:"lines"`
}

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if every assertion held.
	Pass bool `json:"pass"`

	Ticks  uint64       `json:"ticks"`
	Trace  []TraceEvent `json:"trace"`
	Scenes []SceneState `json:"scenes"`

	// Tests are the results scenes reported through the test_result call.
	Tests []rpc.TestResult `json:"tests,omitempty"`

	// Stored lists the scene ids with a persisted snapshot after teardown.
	Stored []string `json:"stored,omitempty"`

	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{Pass: true, Trace: []TraceEvent{}}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Scene returns the final state of scene id.
func (r *Result) Scene(id string) (SceneState, bool) {
	for _, s := range r.Scenes {
		if s.ID == id {
			return s, true
		}
	}
	return SceneState{}, false
}
