package rpc

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/scenehost/internal/content"
	"github.com/roach88/scenehost/internal/ecs"
)

var sceneA = SceneContext{Handle: ecs.SceneHandle{Index: 1, Generation: 1}, SceneID: "a"}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// blockingPlayers never answers until its context is cancelled.
type blockingPlayers struct {
	entered chan struct{}
	exited  chan struct{}
}

func (b *blockingPlayers) Connected(ctx context.Context) ([]Player, error) {
	close(b.entered)
	<-ctx.Done()
	close(b.exited)
	return []Player{{UserID: "late"}}, nil
}

func (b *blockingPlayers) InScene(context.Context, ecs.SceneHandle) ([]Player, error) {
	return nil, nil
}

func TestIssueResolvesWithHandlerResult(t *testing.T) {
	d := NewDispatcher()
	players := NewMemoryPlayers()
	players.SetConnected(Player{UserID: "u1", Name: "one"})
	RegisterDefaults(d, Collaborators{Players: players})

	p := d.Issue(sceneA, GetConnectedPlayers{})
	v, err := p.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, []Player{{UserID: "u1", Name: "one"}}, v)
	assert.Equal(t, 0, d.Outstanding(sceneA.Handle))
}

func TestCancelSceneUnblocksCaller(t *testing.T) {
	d := NewDispatcher()
	bp := &blockingPlayers{entered: make(chan struct{}), exited: make(chan struct{})}
	RegisterDefaults(d, Collaborators{Players: bp})

	p := d.Issue(sceneA, GetConnectedPlayers{})
	<-bp.entered
	assert.Equal(t, 1, d.Outstanding(sceneA.Handle))

	assert.Equal(t, 1, d.CancelScene(sceneA.Handle))

	v, err := p.Wait(waitCtx(t))
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Nil(t, v)

	// The handler's context was cancelled and its late answer is dropped.
	select {
	case <-bp.exited:
	case <-time.After(2 * time.Second):
		t.Fatal("handler context was not cancelled")
	}
	res, ok := p.Result()
	require.True(t, ok)
	assert.ErrorIs(t, res.Err, ErrCancelled)
}

func TestIssueAfterCancelResolvesImmediately(t *testing.T) {
	d := NewDispatcher()
	var calls atomic.Int32
	d.Register(KindGetUserData, HandlerFunc(func(context.Context, SceneContext, Request) (any, error) {
		calls.Add(1)
		return UserData{}, nil
	}))
	d.CancelScene(sceneA.Handle)

	_, err := d.Issue(sceneA, GetUserData{}).Wait(waitCtx(t))
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Equal(t, int32(0), calls.Load())

	d.Forget(sceneA.Handle)
	_, err = d.Issue(sceneA, GetUserData{}).Wait(waitCtx(t))
	assert.NoError(t, err)
}

func TestAtMostOnceDelivery(t *testing.T) {
	d := NewDispatcher()
	release := make(chan struct{})
	finished := make(chan struct{})
	d.Register(KindGetUserData, HandlerFunc(func(context.Context, SceneContext, Request) (any, error) {
		defer close(finished)
		<-release
		return UserData{UserID: "late"}, nil
	}))

	p := d.Issue(sceneA, GetUserData{})
	require.True(t, p.resolve(Result{Value: "first"}, "ok"))
	close(release)
	<-finished

	v, err := p.Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, "first", v)
	assert.False(t, p.resolve(Result{Value: "again"}, "ok"))
	assert.Equal(t, 0, d.CancelScene(sceneA.Handle))
}

func TestUnknownKind(t *testing.T) {
	d := NewDispatcher()
	_, err := d.Issue(sceneA, ListPortables{}).Wait(waitCtx(t))
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestHandlerPanicResolvesCancelled(t *testing.T) {
	d := NewDispatcher()
	d.Register(KindListPortables, HandlerFunc(func(context.Context, SceneContext, Request) (any, error) {
		panic("boom")
	}))
	_, err := d.Issue(sceneA, ListPortables{}).Wait(waitCtx(t))
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestWaitHonoursContext(t *testing.T) {
	d := NewDispatcher()
	d.Register(KindListPortables, HandlerFunc(func(ctx context.Context, _ SceneContext, _ Request) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	p := d.Issue(sceneA, ListPortables{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := p.Wait(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, 1, d.Outstanding(sceneA.Handle))
	d.CancelScene(sceneA.Handle)
}

func TestReadFile(t *testing.T) {
	d := NewDispatcher()
	RegisterDefaults(d, Collaborators{})
	files, err := content.NewMapResolver(map[string][]byte{"assets/hello.txt": []byte("hi")})
	require.NoError(t, err)
	sc := sceneA
	sc.Content = files

	v, err := d.Issue(sc, ReadFile{Path: "assets/hello.txt"}).Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, FileContent{Path: "assets/hello.txt", Content: []byte("hi")}, v)

	_, err = d.Issue(sc, ReadFile{Path: "missing.txt"}).Wait(waitCtx(t))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSendMessageReachesComms(t *testing.T) {
	d := NewDispatcher()
	got := make(chan string, 1)
	RegisterDefaults(d, Collaborators{Comms: CommsFunc(func(_ context.Context, from SceneContext, ch string, payload []byte) error {
		got <- from.SceneID + "/" + ch + "/" + string(payload)
		return nil
	})})

	req, err := NewRequest(KindSendMessage, map[string]any{"channel": "chat", "payload": "hello"})
	require.NoError(t, err)
	_, err = d.Issue(sceneA, req).Wait(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, "a/chat/hello", <-got)
}
