package permissions

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"permstate/internal/models"
)

// fakeHandle is a status handle whose state is driven by the test
type fakeHandle struct {
	mu        sync.Mutex
	state     models.PermissionState
	listeners map[int]func(models.PermissionState)
	nextID    int

	adds    atomic.Int32
	removes atomic.Int32

	// onAdd runs inside AddChangeListener before the listener is registered
	onAdd func()
}

func newFakeHandle(state models.PermissionState) *fakeHandle {
	return &fakeHandle{state: state, listeners: make(map[int]func(models.PermissionState))}
}

func (h *fakeHandle) State() models.PermissionState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *fakeHandle) AddChangeListener(fn func(models.PermissionState)) func() {
	h.adds.Add(1)
	if h.onAdd != nil {
		h.onAdd()
	}
	h.mu.Lock()
	id := h.nextID
	h.nextID++
	h.listeners[id] = fn
	h.mu.Unlock()

	return func() {
		h.mu.Lock()
		delete(h.listeners, id)
		h.mu.Unlock()
		h.removes.Add(1)
	}
}

func (h *fakeHandle) listenerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners)
}

// simulateStateChange updates the state and notifies listeners, the way a
// platform fires its change event
func (h *fakeHandle) simulateStateChange(s models.PermissionState) {
	h.mu.Lock()
	h.state = s
	fns := make([]func(models.PermissionState), 0, len(h.listeners))
	for _, fn := range h.listeners {
		fns = append(fns, fn)
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}

// fakePlatform answers queries once release is called
type fakePlatform struct {
	supported bool
	honorCtx  bool
	handle    *fakeHandle

	mu    sync.Mutex
	err   error
	gate  chan struct{}
	once  sync.Once
	calls atomic.Int32
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		supported: true,
		handle:    newFakeHandle(models.StatePrompt),
		gate:      make(chan struct{}),
	}
}

func (p *fakePlatform) Supported() bool { return p.supported }

func (p *fakePlatform) Query(ctx context.Context, desc models.Descriptor) (StatusHandle, error) {
	p.calls.Add(1)
	if p.honorCtx {
		select {
		case <-p.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	} else {
		<-p.gate
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return nil, p.err
	}
	return p.handle, nil
}

func (p *fakePlatform) release() {
	p.once.Do(func() { close(p.gate) })
}

func (p *fakePlatform) setErr(err error) {
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
}

// recorder collects everything an observer receives
type recorder struct {
	mu     sync.Mutex
	states []models.PermissionState
	errs   []error
}

func (r *recorder) observer() Observer {
	return Observer{
		OnState: func(s models.PermissionState) {
			r.mu.Lock()
			r.states = append(r.states, s)
			r.mu.Unlock()
		},
		OnError: func(err error) {
			r.mu.Lock()
			r.errs = append(r.errs, err)
			r.mu.Unlock()
		},
	}
}

func (r *recorder) States() []models.PermissionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.PermissionState(nil), r.states...)
}

func (r *recorder) Errs() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *recorder) Last() models.PermissionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return ""
	}
	return r.states[len(r.states)-1]
}

// logBuffer is a bytes.Buffer safe for concurrent log writes
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, time.Millisecond, msg)
}

func setup(t *testing.T, opts ...Option) (*Cache, *fakePlatform) {
	t.Helper()
	p := newFakePlatform()
	c := NewCache(p, opts...)
	t.Cleanup(func() {
		p.release()
		c.Reset()
	})
	return c, p
}
