package permissions

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"permstate/internal/models"
)

// Observer receives emissions from a Stream. Either field may be nil.
// OnError is terminal: no further calls follow it.
type Observer struct {
	OnState func(models.PermissionState)
	OnError func(error)
}

// Update is one item of the channel form of a Stream
type Update struct {
	State models.PermissionState
	Err   error
}

// Stream is the lazily-started, shared stream of states for one descriptor
type Stream struct {
	cache *Cache
	desc  models.Descriptor
}

// Key returns the canonical key the stream is shared under
func (s *Stream) Key() string {
	return s.desc.Key()
}

// Subscribe attaches an observer. The first subscriber for a key starts the
// platform query; later ones share it and immediately receive the last
// known state if there is one.
func (s *Stream) Subscribe(obs Observer) *Subscription {
	return s.cache.subscribe(s.desc, obs)
}

// Updates delivers the stream over a channel until ctx is done or an error
// arrives. A reader that falls behind only sees the most recent state. An
// error is sent as the last Update before the channel is closed.
func (s *Stream) Updates(ctx context.Context) <-chan Update {
	out := make(chan Update, 1)
	done := make(chan struct{})

	var (
		mu     sync.Mutex
		closed bool
	)
	push := func(u Update) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		for {
			select {
			case out <- u:
				return
			default:
			}
			// drop the stale pending item
			select {
			case <-out:
			default:
			}
		}
	}

	sub := s.Subscribe(Observer{
		OnState: func(state models.PermissionState) {
			push(Update{State: state})
		},
		OnError: func(err error) {
			push(Update{Err: err})
			close(done)
		},
	})

	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		sub.Unsubscribe()

		mu.Lock()
		closed = true
		close(out)
		mu.Unlock()
	}()

	return out
}

// Subscription is a handle to one attached observer
type Subscription struct {
	id       string
	key      string
	cache    *Cache
	entry    *entry
	observer Observer

	canceled atomic.Bool
	finished atomic.Bool
}

func newSubscription(c *Cache, key string, obs Observer) *Subscription {
	return &Subscription{
		id:       uuid.NewString(),
		key:      key,
		cache:    c,
		observer: obs,
	}
}

// ID returns a unique identifier, useful for logging
func (s *Subscription) ID() string { return s.id }

// Key returns the canonical permission key
func (s *Subscription) Key() string { return s.key }

// Unsubscribe detaches the observer. The last subscriber to leave releases
// the entry and its platform listener. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if !s.canceled.CompareAndSwap(false, true) {
		return
	}
	if s.entry == nil {
		return
	}
	s.cache.unsubscribe(s)
}

// Closed reports whether the subscription was canceled or terminated by an error
func (s *Subscription) Closed() bool {
	return s.canceled.Load() || s.finished.Load()
}

func (s *Subscription) deliver(d delivery) {
	if d.err != nil {
		s.fail(d.err)
		return
	}
	if s.Closed() {
		return
	}
	if s.observer.OnState != nil {
		s.observer.OnState(d.state)
	}
}

func (s *Subscription) fail(err error) {
	if s.canceled.Load() || !s.finished.CompareAndSwap(false, true) {
		return
	}
	if s.observer.OnError != nil {
		s.observer.OnError(err)
	}
}
