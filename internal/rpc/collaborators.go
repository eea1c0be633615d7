package rpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/roach88/scenehost/internal/content"
	"github.com/roach88/scenehost/internal/ecs"
)

// Comms hands message-bus sends to the transport.
type Comms interface {
	Send(ctx context.Context, from SceneContext, channel string, payload []byte) error
}

// Players answers player queries.
type Players interface {
	Connected(ctx context.Context) ([]Player, error)
	InScene(ctx context.Context, scene ecs.SceneHandle) ([]Player, error)
}

// Textures reports texture metadata for scene content.
type Textures interface {
	Size(ctx context.Context, sc SceneContext, source string) (TextureSize, error)
}

// Portables manages portable experiences spawned by scenes.
type Portables interface {
	Spawn(ctx context.Context, parent SceneContext, location string) (PortableInfo, error)
	List(ctx context.Context) ([]PortableInfo, error)
	Kill(ctx context.Context, id string) (bool, error)
}

// Identity resolves the local user.
type Identity interface {
	User(ctx context.Context) (UserData, error)
}

// TestHarness receives test hooks verbatim.
type TestHarness interface {
	Plan(ctx context.Context, sc SceneContext, plan TestPlan) error
	Result(ctx context.Context, sc SceneContext, result TestResult) error
	Screenshot(ctx context.Context, sc SceneContext, req TakeScreenshot) (ScreenshotResult, error)
}

// Collaborators are the host subsystems behind the call kinds. Nil fields
// leave their kinds unregistered.
type Collaborators struct {
	Comms     Comms
	Players   Players
	Textures  Textures
	Portables Portables
	Identity  Identity
	Tests     TestHarness
}

// RegisterDefaults installs handlers for every collaborator in c. File
// reads are always served from the calling scene's content resolver.
func RegisterDefaults(d *Dispatcher, c Collaborators) {
	d.Register(KindReadFile, HandlerFunc(readFile))

	if c.Comms != nil {
		d.Register(KindSendMessage, HandlerFunc(func(ctx context.Context, sc SceneContext, req Request) (any, error) {
			r := req.(SendMessage)
			if r.Channel == "" {
				return nil, errors.New("send_message: empty channel")
			}
			return nil, c.Comms.Send(ctx, sc, r.Channel, r.Payload)
		}))
	}
	if c.Players != nil {
		d.Register(KindGetConnectedPlayers, HandlerFunc(func(ctx context.Context, _ SceneContext, _ Request) (any, error) {
			return c.Players.Connected(ctx)
		}))
		d.Register(KindGetPlayersInScene, HandlerFunc(func(ctx context.Context, sc SceneContext, _ Request) (any, error) {
			return c.Players.InScene(ctx, sc.Handle)
		}))
	}
	if c.Textures != nil {
		d.Register(KindGetTextureSize, HandlerFunc(func(ctx context.Context, sc SceneContext, req Request) (any, error) {
			return c.Textures.Size(ctx, sc, req.(GetTextureSize).Source)
		}))
	}
	if c.Portables != nil {
		d.Register(KindSpawnPortable, HandlerFunc(func(ctx context.Context, sc SceneContext, req Request) (any, error) {
			return c.Portables.Spawn(ctx, sc, req.(SpawnPortable).Location)
		}))
		d.Register(KindListPortables, HandlerFunc(func(ctx context.Context, _ SceneContext, _ Request) (any, error) {
			return c.Portables.List(ctx)
		}))
		d.Register(KindKillPortable, HandlerFunc(func(ctx context.Context, _ SceneContext, req Request) (any, error) {
			return c.Portables.Kill(ctx, req.(KillPortable).ID)
		}))
	}
	if c.Identity != nil {
		d.Register(KindGetUserData, HandlerFunc(func(ctx context.Context, _ SceneContext, _ Request) (any, error) {
			return c.Identity.User(ctx)
		}))
	}
	if c.Tests != nil {
		d.Register(KindTestPlan, HandlerFunc(func(ctx context.Context, sc SceneContext, req Request) (any, error) {
			return nil, c.Tests.Plan(ctx, sc, req.(TestPlan))
		}))
		d.Register(KindTestResult, HandlerFunc(func(ctx context.Context, sc SceneContext, req Request) (any, error) {
			return nil, c.Tests.Result(ctx, sc, req.(TestResult))
		}))
		d.Register(KindTakeScreenshot, HandlerFunc(func(ctx context.Context, sc SceneContext, req Request) (any, error) {
			return c.Tests.Screenshot(ctx, sc, req.(TakeScreenshot))
		}))
	}
}

func readFile(ctx context.Context, sc SceneContext, req Request) (any, error) {
	path := req.(ReadFile).Path
	if sc.Content == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	b, err := sc.Content.Read(ctx, path)
	if errors.Is(err, content.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return nil, err
	}
	return FileContent{Path: path, Content: b}, nil
}
