//go:build unix

// File: reactor/reactor_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Readiness, registration, timeout and lifecycle tests driven by a fake clock.

package reactor

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sys/unix"

	"github.com/momentics/hioload-net/api"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type pipeHandler struct {
	rfd, wfd int
	read     atomic.Bool
	write    atomic.Bool
	readies  atomic.Int32
	timeouts atomic.Int32
	onReady  func()
}

func newPipeHandler(t *testing.T) *pipeHandler {
	t.Helper()
	var p [2]int
	require.NoError(t, unix.Pipe(p[:]))
	require.NoError(t, unix.SetNonblock(p[0], true))
	t.Cleanup(func() {
		unix.Close(p[0])
		unix.Close(p[1])
	})
	return &pipeHandler{rfd: p[0], wfd: p[1]}
}

func (h *pipeHandler) FD() int                { return h.rfd }
func (h *pipeHandler) Interest() (bool, bool) { return h.read.Load(), h.write.Load() }
func (h *pipeHandler) OnTimeout()             { h.timeouts.Add(1) }
func (h *pipeHandler) OnReady(readable, _ bool) {
	if readable {
		h.readies.Add(1)
		var buf [64]byte
		unix.Read(h.rfd, buf[:])
	}
	if h.onReady != nil {
		h.onReady()
	}
}

func newReactor(t *testing.T, opts ...Option) *Reactor {
	t.Helper()
	r, err := New(16, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Release() })
	return r
}

func TestReadinessIsDelivered(t *testing.T) {
	r := newReactor(t)
	h := newPipeHandler(t)
	h.read.Store(true)
	require.NoError(t, r.Listen(h, false))

	_, err := unix.Write(h.wfd, []byte("x"))
	require.NoError(t, err)
	n, err := r.Dispatch(time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.EqualValues(t, 1, h.readies.Load())
}

func TestListenWithoutInterestDoesNotRegister(t *testing.T) {
	r := newReactor(t)
	h := newPipeHandler(t)
	require.NoError(t, r.Listen(h, false))
	_, _, ok := r.Registered(h)
	assert.False(t, ok)
}

func TestPinnedRegistrationSurvivesUnlisten(t *testing.T) {
	r := newReactor(t)
	h := newPipeHandler(t)
	require.NoError(t, r.Listen(h, true))

	read, write, ok := r.Registered(h)
	require.True(t, ok)
	assert.True(t, read)
	assert.False(t, write)

	require.NoError(t, r.Unlisten(h, false))
	_, _, ok = r.Registered(h)
	assert.True(t, ok)

	require.NoError(t, r.Unlisten(h, true))
	_, _, ok = r.Registered(h)
	assert.False(t, ok)
}

func TestInterestDropDeregisters(t *testing.T) {
	r := newReactor(t)
	h := newPipeHandler(t)
	h.read.Store(true)
	require.NoError(t, r.Listen(h, false))
	h.read.Store(false)
	require.NoError(t, r.Unlisten(h, false))
	_, _, ok := r.Registered(h)
	assert.False(t, ok)
}

func TestTimeoutFiresAtDeadlineNotBefore(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	clock := &fakeClock{t: base}
	r := newReactor(t, WithClock(clock.Now))
	h := newPipeHandler(t)

	deadline := base.Add(time.Second)
	r.SetDeadline(h, deadline)

	clock.Set(deadline.Add(-time.Nanosecond))
	_, err := r.Dispatch(0)
	require.NoError(t, err)
	assert.EqualValues(t, 0, h.timeouts.Load())

	clock.Set(deadline)
	_, err = r.Dispatch(0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, h.timeouts.Load())

	_, ok := r.Deadline(h)
	assert.False(t, ok)

	clock.Set(deadline.Add(time.Hour))
	_, err = r.Dispatch(0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, h.timeouts.Load())
}

func TestSetDeadlineZeroRemoves(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	clock := &fakeClock{t: base}
	r := newReactor(t, WithClock(clock.Now))
	h := newPipeHandler(t)

	r.SetDeadline(h, base.Add(time.Second))
	r.SetDeadline(h, time.Time{})
	clock.Set(base.Add(time.Minute))
	_, err := r.Dispatch(0)
	require.NoError(t, err)
	assert.EqualValues(t, 0, h.timeouts.Load())
	assert.Zero(t, r.Stats().Deadlines)
}

func TestTimersFollowTheClock(t *testing.T) {
	base := time.Unix(1_700_000_000, 0)
	clock := &fakeClock{t: base}
	r := newReactor(t, WithClock(clock.Now))

	var once, periodic int
	r.AfterFunc(10*time.Millisecond, func() { once++ })
	every := r.Every(10*time.Millisecond, func() { periodic++ })

	for i := 1; i <= 3; i++ {
		clock.Set(base.Add(time.Duration(i) * 10 * time.Millisecond))
		_, err := r.Dispatch(0)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, once)
	assert.Equal(t, 3, periodic)

	assert.True(t, every.Stop())
	clock.Set(base.Add(time.Second))
	_, err := r.Dispatch(0)
	require.NoError(t, err)
	assert.Equal(t, 3, periodic)
	assert.False(t, every.Stop())
}

func TestPostWakesBlockedDispatch(t *testing.T) {
	r := newReactor(t)
	ran := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := r.Dispatch(-1)
		done <- err
	}()
	require.Eventually(t, func() bool { return r.waiting.Load() }, time.Second, time.Millisecond)
	require.NoError(t, r.Post(func() { close(ran) }))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch not woken")
	}
	select {
	case <-ran:
	default:
		t.Fatal("posted task did not run")
	}
}

func TestConcurrentDispatchIsRejected(t *testing.T) {
	r := newReactor(t)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = r.Dispatch(-1)
	}()
	require.Eventually(t, func() bool { return r.waiting.Load() }, time.Second, time.Millisecond)

	_, err := r.Dispatch(0)
	assert.ErrorIs(t, err, api.ErrConcurrentDispatch)

	require.NoError(t, r.Post(func() {}))
	<-done
}

func TestPanicInCallbackIsRecovered(t *testing.T) {
	r := newReactor(t)
	require.NoError(t, r.Post(func() { panic("boom") }))
	_, err := r.Dispatch(0)
	require.NoError(t, err)
	assert.EqualValues(t, 1, r.Stats().Panics)
}

func TestRetainRelease(t *testing.T) {
	r, err := New(4)
	require.NoError(t, err)
	require.NoError(t, r.Retain())

	require.NoError(t, r.Release())
	assert.False(t, r.Closed())
	_, err = r.Dispatch(0)
	require.NoError(t, err)

	require.NoError(t, r.Release())
	assert.True(t, r.Closed())
	_, err = r.Dispatch(0)
	assert.ErrorIs(t, err, api.ErrReactorClosed)
	assert.ErrorIs(t, r.Post(func() {}), api.ErrReactorClosed)
	assert.ErrorIs(t, r.Retain(), api.ErrReactorClosed)
	assert.ErrorIs(t, r.Release(), api.ErrReactorClosed)
}

func TestReleaseDuringDispatchDefersShutdown(t *testing.T) {
	r, err := New(4)
	require.NoError(t, err)
	released := make(chan struct{})
	require.NoError(t, r.Post(func() {
		require.NoError(t, r.Release())
		assert.True(t, r.Closed())
		close(released)
	}))
	_, err = r.Dispatch(0)
	require.NoError(t, err)
	<-released
	_, err = r.Dispatch(0)
	assert.ErrorIs(t, err, api.ErrReactorClosed)
}

func TestRunStopsOnRelease(t *testing.T) {
	r, err := New(4)
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- r.Run(t.Context()) }()
	require.Eventually(t, func() bool { return r.Stats().Dispatches > 0 }, time.Second, time.Millisecond)
	require.NoError(t, r.Release())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestRunPinnedToCPU(t *testing.T) {
	r, err := New(4, WithCPU(0))
	require.NoError(t, err)
	ran := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- r.Run(t.Context()) }()
	require.NoError(t, r.Post(func() { close(ran) }))
	select {
	case <-ran:
	case <-time.After(5 * time.Second):
		t.Fatal("posted task did not run")
	}
	require.NoError(t, r.Release())
	assert.NoError(t, <-done)
}
