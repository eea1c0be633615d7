package scene

import (
	"errors"
	"fmt"

	"github.com/roach88/scenehost/internal/ecs"
)

// ErrorCode categorizes scene errors.
type ErrorCode string

const (
	// CodeScriptFault is an uncaught error raised by scene code during a tick.
	CodeScriptFault ErrorCode = "SCRIPT_FAULT"

	// CodeInitFailed means the sandbox never reached Running.
	CodeInitFailed ErrorCode = "INIT_FAILED"

	// CodeTickStalled means a tick overran its hard budget and was abandoned.
	CodeTickStalled ErrorCode = "TICK_STALLED"

	// CodeFaultLimit means consecutive faults exceeded the threshold and the
	// scene was terminated.
	CodeFaultLimit ErrorCode = "FAULT_LIMIT"
)

// Error is a fault isolated to one scene. It never propagates beyond the
// scene host except as a value.
type Error struct {
	Code    ErrorCode
	Scene   ecs.SceneHandle
	SceneID string
	Tick    uint64
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s (scene=%s", e.Code, e.Message, e.Scene)
	if e.SceneID != "" {
		msg += ", id=" + e.SceneID
	}
	if e.Tick > 0 {
		msg += fmt.Sprintf(", tick=%d", e.Tick)
	}
	msg += ")"
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func hasCode(err error, code ErrorCode) bool {
	var se *Error
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}

// IsInitError reports whether err is a sandbox initialization failure.
func IsInitError(err error) bool { return hasCode(err, CodeInitFailed) }

// IsFaultLimit reports whether err terminated a scene for faulting too often.
func IsFaultLimit(err error) bool { return hasCode(err, CodeFaultLimit) }

// IsScriptFault reports whether err is a caught script error.
func IsScriptFault(err error) bool {
	return hasCode(err, CodeScriptFault) || hasCode(err, CodeTickStalled)
}

// FaultBudget counts consecutive faulted ticks and trips once they exceed
// the limit. A clean tick resets the count. A limit of zero or less never
// trips.
type FaultBudget struct {
	limit   int
	current int
}

func NewFaultBudget(limit int) *FaultBudget {
	return &FaultBudget{limit: limit}
}

// Record counts one fault. It returns a CodeFaultLimit error when the
// budget is exhausted.
func (b *FaultBudget) Record(scene ecs.SceneHandle, sceneID string, tick uint64) error {
	b.current++
	if b.limit <= 0 || b.current <= b.limit {
		return nil
	}
	return &Error{
		Code:    CodeFaultLimit,
		Scene:   scene,
		SceneID: sceneID,
		Tick:    tick,
		Message: fmt.Sprintf("%d consecutive faults exceed limit %d", b.current, b.limit),
	}
}

func (b *FaultBudget) Reset()       { b.current = 0 }
func (b *FaultBudget) Current() int { return b.current }
func (b *FaultBudget) Limit() int   { return b.limit }
