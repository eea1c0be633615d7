package rpc

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/roach88/scenehost/internal/ecs"
)

// CommsFunc adapts a function to Comms.
type CommsFunc func(ctx context.Context, from SceneContext, channel string, payload []byte) error

func (f CommsFunc) Send(ctx context.Context, from SceneContext, channel string, payload []byte) error {
	return f(ctx, from, channel, payload)
}

// MemoryPlayers is an in-memory player directory.
type MemoryPlayers struct {
	mu        sync.Mutex
	connected []Player
	inScene   map[ecs.SceneHandle][]Player
}

func NewMemoryPlayers() *MemoryPlayers {
	return &MemoryPlayers{inScene: make(map[ecs.SceneHandle][]Player)}
}

func (m *MemoryPlayers) SetConnected(players ...Player) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = append([]Player(nil), players...)
}

func (m *MemoryPlayers) SetInScene(h ecs.SceneHandle, players ...Player) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inScene[h] = append([]Player(nil), players...)
}

func (m *MemoryPlayers) Connected(context.Context) ([]Player, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Player{}, m.connected...), nil
}

func (m *MemoryPlayers) InScene(_ context.Context, h ecs.SceneHandle) ([]Player, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Player{}, m.inScene[h]...), nil
}

// StaticTextures serves sizes from a fixed table.
type StaticTextures map[string]TextureSize

func (t StaticTextures) Size(_ context.Context, _ SceneContext, source string) (TextureSize, error) {
	s, ok := t[source]
	if !ok {
		return TextureSize{}, fmt.Errorf("%w: texture %s", ErrNotFound, source)
	}
	return s, nil
}

// MemoryPortables tracks spawned portables by UUIDv7 id.
type MemoryPortables struct {
	mu    sync.Mutex
	items map[string]PortableInfo
	newID func() (string, error)
}

func NewMemoryPortables() *MemoryPortables {
	return &MemoryPortables{items: make(map[string]PortableInfo), newID: uuidV7}
}

// WithIDs replaces the id source. Ids must sort in spawn order for List
// to keep returning portables in spawn order.
func (m *MemoryPortables) WithIDs(next func() string) *MemoryPortables {
	m.newID = func() (string, error) { return next(), nil }
	return m
}

func uuidV7() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func (m *MemoryPortables) Spawn(_ context.Context, parent SceneContext, location string) (PortableInfo, error) {
	if location == "" {
		return PortableInfo{}, fmt.Errorf("spawn_portable: empty location")
	}
	id, err := m.newID()
	if err != nil {
		return PortableInfo{}, fmt.Errorf("spawn_portable: %w", err)
	}
	info := PortableInfo{ID: id, Location: location, Parent: parent.SceneID}
	m.mu.Lock()
	m.items[info.ID] = info
	m.mu.Unlock()
	return info, nil
}

// List returns portables in id order, which is spawn order for UUIDv7.
func (m *MemoryPortables) List(context.Context) ([]PortableInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PortableInfo, 0, len(m.items))
	for _, p := range m.items {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryPortables) Kill(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.items[id]
	delete(m.items, id)
	return ok, nil
}

// StaticIdentity always reports the same user.
type StaticIdentity UserData

func (s StaticIdentity) User(context.Context) (UserData, error) {
	return UserData(s), nil
}

// RecordingHarness keeps test hook traffic for inspection.
type RecordingHarness struct {
	mu          sync.Mutex
	Plans       []TestPlan
	Results     []TestResult
	Screenshots []TakeScreenshot
}

func (r *RecordingHarness) Plan(_ context.Context, _ SceneContext, plan TestPlan) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Plans = append(r.Plans, plan)
	return nil
}

func (r *RecordingHarness) Result(_ context.Context, _ SceneContext, res TestResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Results = append(r.Results, res)
	return nil
}

// Screenshot records the request and reports a perfect match; no pixels
// are compared.
func (r *RecordingHarness) Screenshot(_ context.Context, _ SceneContext, req TakeScreenshot) (ScreenshotResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Screenshots = append(r.Screenshots, req)
	return ScreenshotResult{Name: req.Name, Similarity: 1, Passed: true}, nil
}

// Snapshot returns copies of the recorded traffic.
func (r *RecordingHarness) Snapshot() ([]TestPlan, []TestResult, []TakeScreenshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]TestPlan(nil), r.Plans...),
		append([]TestResult(nil), r.Results...),
		append([]TakeScreenshot(nil), r.Screenshots...)
}
