package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"permstate/internal/cache"
	"permstate/internal/models"
	"permstate/internal/permissions"
)

// memoryPlatform keeps states in a map and fires change listeners on writes
type memoryPlatform struct {
	mu        sync.Mutex
	states    map[string]models.PermissionState
	listeners map[string]map[int]func(models.PermissionState)
	nextID    int

	supported bool
	queryErr  error
	setErr    error
	readyErr  error
	closeErr  error
	queries   atomic.Int32
}

func newMemoryPlatform() *memoryPlatform {
	return &memoryPlatform{
		states:    make(map[string]models.PermissionState),
		listeners: make(map[string]map[int]func(models.PermissionState)),
		supported: true,
	}
}

func (p *memoryPlatform) Supported() bool { return p.supported }

func (p *memoryPlatform) Query(ctx context.Context, desc models.Descriptor) (permissions.StatusHandle, error) {
	p.queries.Add(1)
	if p.queryErr != nil {
		return nil, p.queryErr
	}
	return &memoryHandle{platform: p, name: desc.Key()}, nil
}

func (p *memoryPlatform) state(name string) models.PermissionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s, ok := p.states[name]; ok {
		return s
	}
	return models.StatePrompt
}

func (p *memoryPlatform) SetState(ctx context.Context, name string, state models.PermissionState) error {
	if p.setErr != nil {
		return p.setErr
	}
	p.mu.Lock()
	p.states[name] = state
	fns := make([]func(models.PermissionState), 0)
	for _, fn := range p.listeners[name] {
		fns = append(fns, fn)
	}
	p.mu.Unlock()

	for _, fn := range fns {
		fn(state)
	}
	return nil
}

func (p *memoryPlatform) Delete(ctx context.Context, name string) error {
	return p.SetState(ctx, name, models.StatePrompt)
}

func (p *memoryPlatform) Ready(ctx context.Context) error { return p.readyErr }

func (p *memoryPlatform) Close() error { return p.closeErr }

func (p *memoryPlatform) listenerCount(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.listeners[name])
}

type memoryHandle struct {
	platform *memoryPlatform
	name     string
}

func (h *memoryHandle) State() models.PermissionState { return h.platform.state(h.name) }

func (h *memoryHandle) AddChangeListener(fn func(models.PermissionState)) func() {
	p := h.platform
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	if p.listeners[h.name] == nil {
		p.listeners[h.name] = make(map[int]func(models.PermissionState))
	}
	p.listeners[h.name][id] = fn
	p.mu.Unlock()

	return func() {
		p.mu.Lock()
		delete(p.listeners[h.name], id)
		p.mu.Unlock()
	}
}

var errPlatformDown = errors.New("platform down")

func newTestService(t *testing.T, p *memoryPlatform) (*PermissionService, cache.MemoryCache) {
	t.Helper()
	snapshots, err := cache.NewMemoryCache(100)
	if err != nil {
		t.Fatalf("Failed to create snapshot cache: %v", err)
	}
	states := permissions.NewCache(p, permissions.WithQueryTimeout(time.Second))
	s := NewPermissionService(states, snapshots, p, time.Minute, zerolog.Nop())
	t.Cleanup(func() { _ = states.Close() })
	return s, snapshots
}

// countingCache records how the service reads the snapshot cache
type countingCache struct {
	cache.MemoryCache
	gets      atomic.Int32
	multiGets atomic.Int32
}

func (c *countingCache) Get(name string) (models.Snapshot, bool) {
	c.gets.Add(1)
	return c.MemoryCache.Get(name)
}

func (c *countingCache) GetMultiple(names []string) map[string]models.Snapshot {
	c.multiGets.Add(1)
	return c.MemoryCache.GetMultiple(names)
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met: %s", msg)
}
