package rpc

import (
	"fmt"
	"math"

	"github.com/roach88/scenehost/internal/content"
	"github.com/roach88/scenehost/internal/ecs"
	"github.com/roach88/scenehost/internal/wire"
)

// Kind names a host capability.
type Kind string

const (
	KindSendMessage         Kind = "send_message"
	KindGetConnectedPlayers Kind = "get_connected_players"
	KindGetPlayersInScene   Kind = "get_players_in_scene"
	KindReadFile            Kind = "read_file"
	KindGetTextureSize      Kind = "get_texture_size"
	KindSpawnPortable       Kind = "spawn_portable"
	KindListPortables       Kind = "list_portables"
	KindKillPortable        Kind = "kill_portable"
	KindGetUserData         Kind = "get_user_data"
	KindTestPlan            Kind = "test_plan"
	KindTestResult          Kind = "test_result"
	KindTakeScreenshot      Kind = "take_screenshot"
)

// SceneContext is the explicit per-scene context handed to every handler.
type SceneContext struct {
	Handle   ecs.SceneHandle
	SceneID  string
	Title    string
	Portable bool
	Content  content.Resolver
}

// Request is the argument record of one call kind.
type Request interface {
	Kind() Kind
}

type SendMessage struct {
	Channel string `cbor:"channel"`
	Payload []byte `cbor:"payload"`
}

type GetConnectedPlayers struct{}

type GetPlayersInScene struct{}

type ReadFile struct {
	Path string `cbor:"path"`
}

type GetTextureSize struct {
	Source string `cbor:"source"`
}

type SpawnPortable struct {
	Location string `cbor:"location"`
}

type ListPortables struct{}

type KillPortable struct {
	ID string `cbor:"id"`
}

type GetUserData struct{}

type TestPlan struct {
	Tests []string `cbor:"tests"`
}

type TestResult struct {
	Name        string  `cbor:"name"`
	OK          bool    `cbor:"ok"`
	Error       string  `cbor:"error,omitempty"`
	TotalFrames int     `cbor:"total_frames,omitempty"`
	TotalTime   float64 `cbor:"total_time,omitempty"`
}

type TakeScreenshot struct {
	Name      string  `cbor:"name"`
	Width     int     `cbor:"width"`
	Height    int     `cbor:"height"`
	Threshold float64 `cbor:"threshold,omitempty"`
}

func (SendMessage) Kind() Kind         { return KindSendMessage }
func (GetConnectedPlayers) Kind() Kind { return KindGetConnectedPlayers }
func (GetPlayersInScene) Kind() Kind   { return KindGetPlayersInScene }
func (ReadFile) Kind() Kind            { return KindReadFile }
func (GetTextureSize) Kind() Kind      { return KindGetTextureSize }
func (SpawnPortable) Kind() Kind       { return KindSpawnPortable }
func (ListPortables) Kind() Kind       { return KindListPortables }
func (KillPortable) Kind() Kind        { return KindKillPortable }
func (GetUserData) Kind() Kind         { return KindGetUserData }
func (TestPlan) Kind() Kind            { return KindTestPlan }
func (TestResult) Kind() Kind          { return KindTestResult }
func (TakeScreenshot) Kind() Kind      { return KindTakeScreenshot }

// Result values.

type Player struct {
	UserID string `cbor:"user_id"`
	Name   string `cbor:"name"`
}

type FileContent struct {
	Path    string `cbor:"path"`
	Content []byte `cbor:"content"`
}

type TextureSize struct {
	Width  int `cbor:"width"`
	Height int `cbor:"height"`
}

type PortableInfo struct {
	ID       string `cbor:"id"`
	Location string `cbor:"location"`
	Parent   string `cbor:"parent,omitempty"`
}

type UserData struct {
	UserID      string `cbor:"user_id"`
	DisplayName string `cbor:"display_name"`
	IsGuest     bool   `cbor:"is_guest"`
}

type ScreenshotResult struct {
	Name       string  `cbor:"name"`
	Similarity float64 `cbor:"similarity"`
	Passed     bool    `cbor:"passed"`
}

var factories = map[Kind]func() Request{
	KindSendMessage:         func() Request { return &SendMessage{} },
	KindGetConnectedPlayers: func() Request { return &GetConnectedPlayers{} },
	KindGetPlayersInScene:   func() Request { return &GetPlayersInScene{} },
	KindReadFile:            func() Request { return &ReadFile{} },
	KindGetTextureSize:      func() Request { return &GetTextureSize{} },
	KindSpawnPortable:       func() Request { return &SpawnPortable{} },
	KindListPortables:       func() Request { return &ListPortables{} },
	KindKillPortable:        func() Request { return &KillPortable{} },
	KindGetUserData:         func() Request { return &GetUserData{} },
	KindTestPlan:            func() Request { return &TestPlan{} },
	KindTestResult:          func() Request { return &TestResult{} },
	KindTakeScreenshot:      func() Request { return &TakeScreenshot{} },
}

// Kinds returns every known call kind.
func Kinds() []Kind {
	out := make([]Kind, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	return out
}

// NewRequest builds a typed request from loosely typed arguments, as they
// arrive from a script. Arguments are matched to fields by their wire
// names; unknown arguments are ignored.
func NewRequest(kind Kind, args map[string]any) (Request, error) {
	mk, ok := factories[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	req := mk()
	if len(args) > 0 {
		b, err := wire.Marshal(normalizeArgs(kind, args))
		if err != nil {
			return nil, fmt.Errorf("%s arguments: %w", kind, err)
		}
		if err := wire.Unmarshal(b, req); err != nil {
			return nil, fmt.Errorf("%s arguments: %w", kind, err)
		}
	}
	return deref(req), nil
}

// normalizeArgs converts script-side values to the shapes the request
// fields expect: integral floats become integers and message payloads
// given as strings become bytes.
func normalizeArgs(kind Kind, args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, v := range args {
		if f, ok := v.(float64); ok && f == math.Trunc(f) && math.Abs(f) < 1<<53 {
			v = int64(f)
		}
		out[k] = v
	}
	if s, ok := out["payload"].(string); ok && kind == KindSendMessage {
		out["payload"] = []byte(s)
	}
	return out
}

// deref returns the value form of a factory pointer so handlers can type
// switch on values.
func deref(r Request) Request {
	switch v := r.(type) {
	case *SendMessage:
		return *v
	case *GetConnectedPlayers:
		return *v
	case *GetPlayersInScene:
		return *v
	case *ReadFile:
		return *v
	case *GetTextureSize:
		return *v
	case *SpawnPortable:
		return *v
	case *ListPortables:
		return *v
	case *KillPortable:
		return *v
	case *GetUserData:
		return *v
	case *TestPlan:
		return *v
	case *TestResult:
		return *v
	case *TakeScreenshot:
		return *v
	}
	return r
}

// Generic converts a result value to plain maps, slices and scalars using
// the result types' wire names.
func Generic(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := wire.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := wire.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}
