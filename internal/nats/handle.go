package nats

import (
	"context"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"permstate/internal/models"
)

const (
	watchRetryDelay    = 250 * time.Millisecond
	maxWatchRetryDelay = 10 * time.Second
)

type watchFunc func(ctx context.Context, key string) (jetstream.KeyWatcher, error)

// statusHandle is the result of one Query. A single KV watcher runs while
// at least one change listener is attached; it is reopened if it fails.
type statusHandle struct {
	platform   *Platform
	name       string
	watch      watchFunc
	retryDelay time.Duration

	mu        sync.Mutex
	state     models.PermissionState
	revision  uint64
	listeners map[int]func(models.PermissionState)
	nextID    int
	stop      context.CancelFunc
}

func newStatusHandle(p *Platform, name string, state models.PermissionState, revision uint64) *statusHandle {
	return &statusHandle{
		platform: p,
		name:     name,
		watch: func(ctx context.Context, key string) (jetstream.KeyWatcher, error) {
			return p.kv.Watch(ctx, key)
		},
		retryDelay: watchRetryDelay,
		state:      state,
		revision:   revision,
		listeners:  make(map[int]func(models.PermissionState)),
	}
}

func (h *statusHandle) State() models.PermissionState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *statusHandle) AddChangeListener(fn func(models.PermissionState)) func() {
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.listeners[id] = fn
	if h.stop == nil {
		h.startWatch()
	}
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { h.removeListener(id) })
	}
}

func (h *statusHandle) removeListener(id int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.listeners, id)
	if len(h.listeners) == 0 && h.stop != nil {
		h.stop()
		h.stop = nil
	}
}

// startWatch runs the KV watcher until the last listener leaves. Caller
// holds h.mu.
func (h *statusHandle) startWatch() {
	ctx, cancel := context.WithCancel(context.Background())
	h.stop = cancel
	go h.run(ctx)
}

// run keeps a watcher open, backing off while the bucket refuses one
func (h *statusHandle) run(ctx context.Context) {
	delay := h.retryDelay
	for {
		watcher, err := h.watch(ctx, permissionKey(h.name))
		if err != nil {
			h.platform.logger.Error().Err(err).Str("permission", h.name).Dur("retry_in", delay).Msg("failed to watch permission")
		} else {
			delay = h.retryDelay
			h.pump(ctx, watcher)
			if ctx.Err() != nil {
				return
			}
			h.platform.logger.Warn().Str("permission", h.name).Msg("permission watch closed, reopening")
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		delay = min(delay*2, maxWatchRetryDelay)
	}
}

func (h *statusHandle) pump(ctx context.Context, watcher jetstream.KeyWatcher) {
	defer watcher.Stop()

	for {
		select {
		case entry, ok := <-watcher.Updates():
			if !ok {
				return
			}
			// nil marks the end of the initial values
			if entry == nil {
				continue
			}
			h.apply(entry)

		case <-ctx.Done():
			return
		}
	}
}

// apply records an entry newer than the one the query saw and notifies
// listeners outside the lock
func (h *statusHandle) apply(entry jetstream.KeyValueEntry) {
	state, err := decodeEntry(entry)
	if err != nil {
		h.platform.logger.Warn().Err(err).Str("permission", h.name).Msg("ignoring undecodable permission update")
		return
	}

	h.mu.Lock()
	if entry.Revision() <= h.revision {
		h.mu.Unlock()
		return
	}
	h.revision = entry.Revision()
	h.state = state
	fns := make([]func(models.PermissionState), 0, len(h.listeners))
	for _, fn := range h.listeners {
		fns = append(fns, fn)
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn(state)
	}
}
