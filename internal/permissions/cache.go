// Package permissions turns a one-shot platform permission query plus its
// change notifier into a shared stream per permission name.
//
// Each canonical key owns at most one entry. The entry is created by the
// first subscriber, issues a single query, attaches one change listener once
// the query resolves and is torn down when its last subscriber leaves. A
// later subscription always starts a fresh query.
package permissions

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"permstate/internal/models"
)

// Option configures a Cache
type Option func(*Cache)

// WithLogger sets the logger used for entry lifecycle events
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger.With().Str("component", "PermissionCache").Logger()
	}
}

// WithQueryTimeout bounds every platform query. Zero disables the bound.
func WithQueryTimeout(d time.Duration) Option {
	return func(c *Cache) {
		c.queryTimeout = d
	}
}

// WithHooks installs lifecycle callbacks, typically metrics
func WithHooks(h Hooks) Option {
	return func(c *Cache) {
		c.hooks = h
	}
}

// Cache is the registry of live permission entries. Construct one per
// process (or per test) with NewCache.
type Cache struct {
	platform     Platform
	logger       zerolog.Logger
	queryTimeout time.Duration
	hooks        Hooks

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

// entry is the per-key state. Every field is guarded by Cache.mu.
type entry struct {
	key  string
	desc models.Descriptor
	subs []*Subscription

	live   bool
	state  models.PermissionState
	detach func()
	cancel context.CancelFunc

	evicted  bool
	queue    []delivery
	draining bool
}

type delivery struct {
	targets []*Subscription
	state   models.PermissionState
	err     error
}

// NewCache creates an empty registry over the given platform
func NewCache(platform Platform, opts ...Option) *Cache {
	c := &Cache{
		platform: platform,
		logger:   zerolog.Nop(),
		entries:  make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the stream of states for a descriptor. Nothing happens
// until the stream is subscribed to.
func (c *Cache) State(desc models.Descriptor) *Stream {
	return &Stream{cache: c, desc: desc}
}

// Current subscribes, waits for the first state and unsubscribes
func (c *Cache) Current(ctx context.Context, desc models.Descriptor) (models.PermissionState, error) {
	type result struct {
		state models.PermissionState
		err   error
	}
	ch := make(chan result, 1)

	sub := c.State(desc).Subscribe(Observer{
		OnState: func(s models.PermissionState) {
			select {
			case ch <- result{state: s}:
			default:
			}
		},
		OnError: func(err error) {
			select {
			case ch <- result{err: err}:
			default:
			}
		},
	})
	defer sub.Unsubscribe()

	select {
	case r := <-ch:
		return r.state, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Len returns the number of live entries
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Size is Len under the name the metrics package expects
func (c *Cache) Size() int { return c.Len() }

// Reset tears down every entry: listeners are detached, in-flight queries
// are abandoned and remaining subscribers receive ErrClosed.
func (c *Cache) Reset() {
	c.mu.Lock()
	entries := c.entries
	c.entries = make(map[string]*entry)

	type teardown struct {
		e      *entry
		detach func()
		n      int
	}
	torn := make([]teardown, 0, len(entries))
	for _, e := range entries {
		detach := c.evictLocked(e)
		targets := e.subs
		e.subs = nil
		if len(targets) > 0 {
			e.queue = append(e.queue, delivery{targets: targets, err: ErrClosed})
		}
		torn = append(torn, teardown{e: e, detach: detach, n: len(targets)})
	}
	c.mu.Unlock()

	for _, t := range torn {
		if t.detach != nil {
			t.detach()
		}
		c.hooks.subscriberRemoved(t.e.key, t.n)
		c.hooks.entryClosed(t.e.key)
		c.drain(t.e)
	}
	if len(torn) > 0 {
		c.logger.Debug().Int("entries", len(torn)).Msg("permission cache reset")
	}
}

// Close resets the cache and rejects later subscriptions with ErrClosed
func (c *Cache) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.Reset()
	return nil
}

func (c *Cache) subscribe(desc models.Descriptor, obs Observer) *Subscription {
	sub := newSubscription(c, desc.Key(), obs)

	if !c.platform.Supported() {
		c.logger.Debug().Str("permission", sub.key).Str("subscription", sub.id).Msg("permission API unsupported")
		sub.fail(ErrUnsupported)
		return sub
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		sub.fail(ErrClosed)
		return sub
	}

	e, ok := c.entries[sub.key]
	var ctx context.Context
	if !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(context.Background())
		e = &entry{key: sub.key, desc: desc, cancel: cancel}
		c.entries[sub.key] = e
	}
	sub.entry = e
	e.subs = append(e.subs, sub)
	if e.live {
		e.queue = append(e.queue, delivery{targets: []*Subscription{sub}, state: e.state})
	}
	c.mu.Unlock()

	if !ok {
		c.hooks.entryOpened(e.key)
		c.logger.Debug().Str("permission", e.key).Str("subscription", sub.id).Msg("querying permission")
		go c.query(ctx, e)
	} else {
		c.logger.Debug().Str("permission", e.key).Str("subscription", sub.id).Msg("joined live permission entry")
	}
	c.hooks.subscriberAdded(e.key)
	c.drain(e)
	return sub
}

func (c *Cache) unsubscribe(sub *Subscription) {
	c.mu.Lock()
	e := sub.entry
	removed := false
	for i, s := range e.subs {
		if s == sub {
			e.subs = append(e.subs[:i], e.subs[i+1:]...)
			removed = true
			break
		}
	}
	var detach func()
	closing := false
	if removed && len(e.subs) == 0 && !e.evicted {
		detach = c.evictLocked(e)
		closing = true
	}
	c.mu.Unlock()

	if !removed {
		return
	}
	c.hooks.subscriberRemoved(e.key, 1)
	c.logger.Debug().Str("permission", e.key).Str("subscription", sub.id).Msg("subscriber left")
	if detach != nil {
		detach()
	}
	if closing {
		c.hooks.entryClosed(e.key)
		c.logger.Debug().Str("permission", e.key).Bool("live", detach != nil).Msg("permission entry released")
	}
}

// evictLocked removes e from the registry and returns the listener detach
// func, if one was attached. Caller holds c.mu.
func (c *Cache) evictLocked(e *entry) func() {
	e.evicted = true
	if c.entries[e.key] == e {
		delete(c.entries, e.key)
	}
	e.cancel()
	detach := e.detach
	e.detach = nil
	return detach
}

func (c *Cache) query(ctx context.Context, e *entry) {
	if ctx.Err() != nil {
		return
	}

	qctx := ctx
	if c.queryTimeout > 0 {
		var cancel context.CancelFunc
		qctx, cancel = context.WithTimeout(ctx, c.queryTimeout)
		defer cancel()
	}

	handle, err := c.platform.Query(qctx, e.desc)
	c.hooks.queryDone(e.key, err)
	if err != nil {
		c.reject(e, err)
		return
	}
	c.resolve(e, handle)
}

func (c *Cache) resolve(e *entry, handle StatusHandle) {
	state := handle.State()

	c.mu.Lock()
	if e.evicted {
		c.mu.Unlock()
		c.logger.Debug().Str("permission", e.key).Msg("query resolved after release, ignoring")
		return
	}
	e.live = true
	e.state = state
	e.queue = append(e.queue, delivery{targets: e.snapshot(), state: state})
	c.mu.Unlock()

	remove := handle.AddChangeListener(func(s models.PermissionState) {
		c.change(e, s)
	})

	c.mu.Lock()
	if e.evicted {
		c.mu.Unlock()
		remove()
	} else {
		e.detach = remove
		c.mu.Unlock()
	}

	c.hooks.stateChanged(e.key, state)
	c.drain(e)
}

func (c *Cache) reject(e *entry, err error) {
	c.mu.Lock()
	if e.evicted {
		c.mu.Unlock()
		return
	}
	c.evictLocked(e)
	targets := e.subs
	e.subs = nil
	e.queue = append(e.queue, delivery{targets: targets, err: &QueryError{Key: e.key, Err: err}})
	c.mu.Unlock()

	c.logger.Warn().Err(err).Str("permission", e.key).Msg("permission query failed")
	c.hooks.subscriberRemoved(e.key, len(targets))
	c.hooks.entryClosed(e.key)
	c.drain(e)
}

func (c *Cache) change(e *entry, s models.PermissionState) {
	c.mu.Lock()
	if e.evicted {
		c.mu.Unlock()
		return
	}
	e.state = s
	e.queue = append(e.queue, delivery{targets: e.snapshot(), state: s})
	c.mu.Unlock()

	c.hooks.stateChanged(e.key, s)
	c.drain(e)
}

// drain delivers queued emissions in order. Only one goroutine drains an
// entry at a time; others enqueue and return. Observers run without the
// cache lock held.
func (c *Cache) drain(e *entry) {
	c.mu.Lock()
	if e.draining {
		c.mu.Unlock()
		return
	}
	e.draining = true
	for len(e.queue) > 0 {
		d := e.queue[0]
		e.queue[0] = delivery{}
		e.queue = e.queue[1:]
		c.mu.Unlock()

		for _, sub := range d.targets {
			sub.deliver(d)
		}

		c.mu.Lock()
	}
	e.queue = nil
	e.draining = false
	c.mu.Unlock()
}

// snapshot copies the subscriber list. Caller holds c.mu.
func (e *entry) snapshot() []*Subscription {
	subs := make([]*Subscription, len(e.subs))
	copy(subs, e.subs)
	return subs
}
