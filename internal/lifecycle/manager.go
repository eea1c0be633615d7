package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/roach88/scenehost/internal/content"
	"github.com/roach88/scenehost/internal/crdt"
	"github.com/roach88/scenehost/internal/ecs"
	"github.com/roach88/scenehost/internal/guard"
	"github.com/roach88/scenehost/internal/sandbox"
	"github.com/roach88/scenehost/internal/scene"
	"github.com/roach88/scenehost/internal/telemetry"
)

// Handle addresses an activated scene.
type Handle = ecs.SceneHandle

// ErrUnknownHandle is returned for stale or never-issued handles.
var ErrUnknownHandle = errors.New("lifecycle: unknown scene handle")

// Status of a slot.
type Status int

const (
	StatusActive Status = iota + 1
	StatusFailedToStart
	StatusDeactivating
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusFailedToStart:
		return "failed_to_start"
	case StatusDeactivating:
		return "deactivating"
	default:
		return "unknown"
	}
}

// Descriptor describes a scene to activate.
type Descriptor struct {
	ID       string
	Title    string
	Main     string // entry script path within Content
	Portable bool
	Env      map[string]string
	Content  content.Resolver

	// Runtime overrides the manager's runtime factory when set.
	Runtime sandbox.Runtime
}

// Persister stores final scene snapshots and restores them on activation.
type Persister interface {
	SaveSnapshot(ctx context.Context, sceneID string, u crdt.Updates) error
	LoadSnapshot(ctx context.Context, sceneID string) (crdt.Updates, bool, error)
}

// RuntimeFactory builds the sandbox for a descriptor.
type RuntimeFactory func(ctx context.Context, d Descriptor) (sandbox.Runtime, error)

// LuaFactory loads d.Main from d.Content and runs it as Lua.
func LuaFactory(ctx context.Context, d Descriptor) (sandbox.Runtime, error) {
	if d.Content == nil {
		return nil, fmt.Errorf("scene %s: no content", d.ID)
	}
	src, err := d.Content.Read(ctx, d.Main)
	if err != nil {
		return nil, fmt.Errorf("scene %s: read %s: %w", d.ID, d.Main, err)
	}
	return sandbox.NewLuaRuntime(d.Main, src), nil
}

// Config configures a Manager.
type Config struct {
	Guard     *guard.Guard
	Calls     scene.Calls
	Metrics   *telemetry.Metrics
	Persister Persister
	Runtimes  RuntimeFactory

	Catalog          *ecs.Catalog
	GrowOnlyCapacity int
	ChannelCapacity  int
	HardBudget       time.Duration
	FaultThreshold   int

	TeardownConcurrency int
	TeardownInterval    time.Duration
	// TeardownTimeout bounds the wait for a scene's worker to exit; a scene
	// stuck past it is released without persisting.
	TeardownTimeout time.Duration
}

type slot struct {
	gen    uint32
	used   bool
	status Status
	desc   Descriptor
	host   *scene.Host
	err    error
}

// Manager owns the slot table.
type Manager struct {
	cfg     Config
	sem     *semaphore.Weighted
	limiter *rate.Limiter

	mu      sync.Mutex
	slots   []slot // index 0 is never used
	free    []uint32
	queue   []Handle
	pending sync.WaitGroup
}

// NewManager returns an empty manager.
func NewManager(cfg Config) *Manager {
	if cfg.Runtimes == nil {
		cfg.Runtimes = LuaFactory
	}
	if cfg.Guard == nil {
		cfg.Guard = guard.Default()
	}
	if cfg.TeardownConcurrency <= 0 {
		cfg.TeardownConcurrency = 1
	}
	if cfg.TeardownTimeout <= 0 {
		cfg.TeardownTimeout = 5 * time.Second
	}
	limit := rate.Inf
	if cfg.TeardownInterval > 0 {
		limit = rate.Every(cfg.TeardownInterval)
	}
	return &Manager{
		cfg:     cfg,
		sem:     semaphore.NewWeighted(int64(cfg.TeardownConcurrency)),
		limiter: rate.NewLimiter(limit, 1),
		slots:   make([]slot, 1),
	}
}

// Activate creates a store, channel pair and host for d and starts it.
// If the sandbox fails to initialize the handle is still returned, with
// status StatusFailedToStart, together with the init error.
func (m *Manager) Activate(ctx context.Context, d Descriptor) (Handle, error) {
	h := m.alloc(d)

	var initial *crdt.Updates
	if m.cfg.Persister != nil {
		u, ok, err := m.cfg.Persister.LoadSnapshot(ctx, d.ID)
		if err != nil {
			slog.Warn("scene snapshot not restored", "scene_id", d.ID, "error", err)
		} else if ok {
			initial = &u
		}
	}

	rt := d.Runtime
	if rt == nil {
		var err error
		rt, err = m.cfg.Runtimes(ctx, d)
		if err != nil {
			return h, m.failed(h, err)
		}
	}

	var values sandbox.Values
	if d.Env != nil {
		values = sandbox.MapValues(d.Env)
	}
	host := scene.NewHost(scene.Config{
		Handle:           h,
		SceneID:          d.ID,
		Title:            d.Title,
		Portable:         d.Portable,
		Content:          d.Content,
		Values:           values,
		Runtime:          rt,
		Calls:            m.cfg.Calls,
		Guard:            m.cfg.Guard,
		Metrics:          m.cfg.Metrics,
		Catalog:          m.cfg.Catalog,
		GrowOnlyCapacity: m.cfg.GrowOnlyCapacity,
		ChannelCapacity:  m.cfg.ChannelCapacity,
		Initial:          initial,
		HardBudget:       m.cfg.HardBudget,
		FaultThreshold:   m.cfg.FaultThreshold,
	})
	m.mu.Lock()
	m.slots[h.Index].host = host
	m.mu.Unlock()

	if err := host.Start(ctx); err != nil {
		return h, m.failed(h, err)
	}

	m.mu.Lock()
	m.slots[h.Index].status = StatusActive
	m.reportActive()
	m.mu.Unlock()
	slog.Info("scene activated", "scene", h, "scene_id", d.ID)
	return h, nil
}

func (m *Manager) alloc(d Descriptor) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	var idx uint32
	if len(m.free) > 0 {
		idx = m.free[0]
		m.free = m.free[1:]
	} else {
		m.slots = append(m.slots, slot{gen: 1})
		idx = uint32(len(m.slots) - 1)
	}
	s := &m.slots[idx]
	s.used = true
	s.desc = d
	s.status = StatusFailedToStart // until Start succeeds
	return Handle{Index: idx, Generation: s.gen}
}

func (m *Manager) failed(h Handle, err error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := &m.slots[h.Index]
	s.status = StatusFailedToStart
	s.err = err
	slog.Error("scene failed to start", "scene", h, "scene_id", s.desc.ID, "error", err)
	return err
}

// release frees the slot and bumps its generation. Callers hold mu.
func (m *Manager) release(h Handle) {
	s := &m.slots[h.Index]
	*s = slot{gen: s.gen + 1}
	i := sort.Search(len(m.free), func(i int) bool { return m.free[i] >= h.Index })
	m.free = append(m.free, 0)
	copy(m.free[i+1:], m.free[i:])
	m.free[i] = h.Index
}

func (m *Manager) lookup(h Handle) (*slot, error) {
	if h.Index == 0 || int(h.Index) >= len(m.slots) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}
	s := &m.slots[h.Index]
	if !s.used || s.gen != h.Generation {
		return nil, fmt.Errorf("%w: %s", ErrUnknownHandle, h)
	}
	return s, nil
}

// Status returns the status of h and, for failed scenes, the init error.
func (m *Manager) Status(h Handle) (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.lookup(h)
	if err != nil {
		return 0, err
	}
	return s.status, s.err
}

// Host returns the host of an active scene.
func (m *Manager) Host(h Handle) (*scene.Host, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.lookup(h)
	if err != nil || s.status != StatusActive {
		return nil, false
	}
	return s.host, true
}

// Descriptor returns the descriptor a handle was activated with.
func (m *Manager) Descriptor(h Handle) (Descriptor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.lookup(h)
	if err != nil {
		return Descriptor{}, false
	}
	return s.desc, true
}

// Active returns the running hosts in handle order. This is the fixed
// order in which the control path visits scenes.
func (m *Manager) Active() []*scene.Host {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*scene.Host
	for i := 1; i < len(m.slots); i++ {
		if s := m.slots[i]; s.used && s.status == StatusActive {
			out = append(out, s.host)
		}
	}
	return out
}

// Deactivate removes h from Active and cancels it at once, so outstanding
// calls resolve as cancelled and the running tick is aborted. The rest of
// the teardown is throttled. Failed scenes are released immediately.
func (m *Manager) Deactivate(h Handle) error {
	m.mu.Lock()
	s, err := m.lookup(h)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	switch s.status {
	case StatusDeactivating:
		m.mu.Unlock()
		return nil
	case StatusFailedToStart:
		m.release(h)
		m.mu.Unlock()
		return nil
	}
	s.status = StatusDeactivating
	host := s.host
	m.queue = append(m.queue, h)
	m.pending.Add(1)
	m.reportActive()
	m.mu.Unlock()

	host.Cancel()

	m.mu.Lock()
	m.pump()
	m.mu.Unlock()
	return nil
}

// Reap schedules teardown for active scenes whose host stopped on its own,
// such as after exceeding the fault limit.
func (m *Manager) Reap() []Handle {
	var dead []Handle
	for _, host := range m.Active() {
		select {
		case <-host.Done():
			dead = append(dead, host.Handle())
		default:
		}
	}
	for _, h := range dead {
		if err := m.Deactivate(h); err != nil {
			slog.Warn("reap failed", "scene", h, "error", err)
		}
	}
	return dead
}

// Queued returns the number of deactivations waiting for capacity.
func (m *Manager) Queued() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// pump starts queued teardowns while capacity allows. Callers hold mu.
// Rate reservations are taken here, in queue order, so teardowns start in
// FIFO order even when they wait on the limiter.
func (m *Manager) pump() {
	for len(m.queue) > 0 && m.sem.TryAcquire(1) {
		h := m.queue[0]
		m.queue = m.queue[1:]
		delay := m.limiter.Reserve().Delay()
		host := m.slots[h.Index].host
		id := m.slots[h.Index].desc.ID
		go m.teardown(h, id, host, delay)
	}
	m.cfg.Metrics.SetQueuedTeardowns(len(m.queue))
}

// teardown closes a cancelled scene once its rate reservation is due.
func (m *Manager) teardown(h Handle, sceneID string, host *scene.Host, delay time.Duration) {
	defer m.pending.Done()
	if delay > 0 {
		time.Sleep(delay)
	}

	host.Stop()
	timer := time.NewTimer(m.cfg.TeardownTimeout)
	defer timer.Stop()
	select {
	case <-host.Done():
		if m.cfg.Persister != nil && sceneID != "" {
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.TeardownTimeout)
			if err := m.cfg.Persister.SaveSnapshot(ctx, sceneID, host.Final()); err != nil {
				slog.Error("scene snapshot not saved", "scene", h, "scene_id", sceneID, "error", err)
			}
			cancel()
		}
	case <-timer.C:
		slog.Error("scene did not stop in time, releasing", "scene", h, "scene_id", sceneID)
	}

	if f, ok := m.cfg.Calls.(interface{ Forget(ecs.SceneHandle) }); ok {
		f.Forget(h)
	}
	m.mu.Lock()
	m.release(h)
	m.sem.Release(1)
	m.pump()
	m.mu.Unlock()
	slog.Info("scene deactivated", "scene", h, "scene_id", sceneID)
}

// reportActive updates the active gauge. Callers hold mu.
func (m *Manager) reportActive() {
	n := 0
	for i := 1; i < len(m.slots); i++ {
		if m.slots[i].used && m.slots[i].status == StatusActive {
			n++
		}
	}
	m.cfg.Metrics.SetActive(n)
}

// Wait blocks until every scheduled teardown has finished or ctx is done.
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown deactivates every active scene and waits for the teardowns.
func (m *Manager) Shutdown(ctx context.Context) error {
	for _, host := range m.Active() {
		if err := m.Deactivate(host.Handle()); err != nil {
			return err
		}
	}
	return m.Wait(ctx)
}
