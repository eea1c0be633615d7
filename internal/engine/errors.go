package engine

import (
	"errors"
	"fmt"

	"github.com/roach88/scenehost/internal/ecs"
)

// RuntimeError is an error raised by the engine itself rather than by a
// scene.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// Scene is the scene the error refers to, if any.
	Scene ecs.SceneHandle

	// Tick is the global tick during which the error occurred, if any.
	Tick uint64
}

// RuntimeErrorCode categorizes engine errors.
type RuntimeErrorCode string

const (
	// ErrCodeClosed indicates the engine no longer accepts work.
	ErrCodeClosed RuntimeErrorCode = "ENGINE_CLOSED"

	// ErrCodeUnknownScene indicates a handle that is not active.
	ErrCodeUnknownScene RuntimeErrorCode = "UNKNOWN_SCENE"
)

func (e *RuntimeError) Error() string {
	switch {
	case !e.Scene.IsZero() && e.Tick > 0:
		return fmt.Sprintf("%s: %s (scene=%s, tick=%d)", e.Code, e.Message, e.Scene, e.Tick)
	case !e.Scene.IsZero():
		return fmt.Sprintf("%s: %s (scene=%s)", e.Code, e.Message, e.Scene)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
}

// IsClosedError reports whether err is an ENGINE_CLOSED error.
// Uses errors.As to handle wrapped errors.
func IsClosedError(err error) bool {
	var re *RuntimeError
	return errors.As(err, &re) && re.Code == ErrCodeClosed
}

// IsUnknownSceneError reports whether err is an UNKNOWN_SCENE error.
func IsUnknownSceneError(err error) bool {
	var re *RuntimeError
	return errors.As(err, &re) && re.Code == ErrCodeUnknownScene
}

func errClosed() error {
	return &RuntimeError{Code: ErrCodeClosed, Message: "engine is closed"}
}

func errUnknownScene(h ecs.SceneHandle) error {
	return &RuntimeError{Code: ErrCodeUnknownScene, Message: "scene is not active", Scene: h}
}
