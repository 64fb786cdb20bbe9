// File: reactor/reactor.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral event reactor: registration table, dispatch cycle,
// timeout sweep, timers and cross-goroutine task queue.

package reactor

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/momentics/hioload-net/affinity"
	"github.com/momentics/hioload-net/api"
)

// Handler is the reactor's view of a socket. The reactor never owns it; it
// only keeps a registration keyed by FD and calls back on readiness or when
// the handler's idle deadline expires.
type Handler interface {
	// FD returns the OS handle, or a negative value once closed.
	FD() int
	// Interest reports whether the handler currently has something to read
	// (pending read op or accept loop) and something to write.
	Interest() (read, write bool)
	// OnReady is called from Dispatch when the fd became ready.
	OnReady(readable, writable bool)
	// OnTimeout is called from Dispatch once the idle deadline passed.
	OnTimeout()
}

type registration struct {
	h      Handler
	read   bool
	write  bool
	pinned bool
}

// Stats is a point-in-time snapshot of reactor counters.
type Stats struct {
	Backend       string
	Refs          int
	Registrations int
	Deadlines     int
	Dispatches    uint64
	Events        uint64
	Timeouts      uint64
	Posted        uint64
	Panics        uint64
}

// Reactor multiplexes readiness for every registered handler.
type Reactor struct {
	mux     Multiplexer
	waker   *waker
	events  []Event
	log     api.Logger
	now     func() time.Time
	pollDur time.Duration
	cpu     int

	mu      sync.Mutex
	regs    map[int]*registration
	dropped map[int]struct{}
	index   *timeoutIndex
	refs    int
	closing bool

	postMu sync.Mutex
	posted *queue.Queue

	dispatching atomic.Bool
	waiting     atomic.Bool
	closeOnce   sync.Once

	dispatches atomic.Uint64
	nevents    atomic.Uint64
	timeouts   atomic.Uint64
	nposted    atomic.Uint64
	panics     atomic.Uint64
}

// Option customizes reactor construction.
type Option func(*Reactor)

// WithLogger sets the logger used for handler panics and lifecycle events.
func WithLogger(l api.Logger) Option {
	return func(r *Reactor) {
		if l != nil {
			r.log = l
		}
	}
}

// WithClock replaces time.Now for deadline bookkeeping (tests).
func WithClock(now func() time.Time) Option {
	return func(r *Reactor) {
		if now != nil {
			r.now = now
		}
	}
}

// WithPollInterval bounds a single wait inside Run.
func WithPollInterval(d time.Duration) Option {
	return func(r *Reactor) {
		if d > 0 {
			r.pollDur = d
		}
	}
}

// WithCPU makes Run pin its OS thread to the given CPU.
func WithCPU(cpu int) Option {
	return func(r *Reactor) {
		r.cpu = cpu
	}
}

// New creates a reactor able to report up to capacity events per Dispatch.
// The returned reactor holds one reference; see Retain and Release.
func New(capacity int, opts ...Option) (*Reactor, error) {
	if capacity <= 0 {
		capacity = 256
	}
	mux, err := newMultiplexer(capacity)
	if err != nil {
		return nil, err
	}
	w, err := newWaker()
	if err != nil {
		mux.Close()
		return nil, err
	}
	if err := mux.Add(w.fd(), true, false); err != nil {
		w.close()
		mux.Close()
		return nil, fmt.Errorf("register wake pipe: %w", err)
	}
	r := &Reactor{
		mux:     mux,
		waker:   w,
		events:  make([]Event, capacity),
		log:     api.DiscardLogger(),
		now:     time.Now,
		pollDur: 100 * time.Millisecond,
		cpu:     -1,
		regs:    make(map[int]*registration),
		dropped: make(map[int]struct{}),
		index:   newTimeoutIndex(),
		refs:    1,
		posted:  queue.New(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log.Debug("reactor created", "backend", mux.Name(), "capacity", capacity)
	return r, nil
}

// Retain adds a reference so that several subsystems can share one lifetime.
func (r *Reactor) Retain() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.refs == 0 || r.closing {
		return api.ErrReactorClosed
	}
	r.refs++
	return nil
}

// Release drops a reference. The last release closes the multiplexer, either
// immediately or at the end of the Dispatch call currently in progress.
func (r *Reactor) Release() error {
	r.mu.Lock()
	if r.refs == 0 {
		r.mu.Unlock()
		return api.ErrReactorClosed
	}
	r.refs--
	last := r.refs == 0
	if last {
		r.closing = true
	}
	r.mu.Unlock()
	if !last {
		return nil
	}
	if r.dispatching.CompareAndSwap(false, true) {
		r.shutdown()
		return nil
	}
	r.waker.wake()
	return nil
}

func (r *Reactor) shutdown() {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.regs = make(map[int]*registration)
		r.index.reset()
		r.mu.Unlock()
		r.waker.close()
		if err := r.mux.Close(); err != nil {
			r.log.Warn("reactor close", "err", err)
		}
		r.log.Debug("reactor released", "backend", r.mux.Name())
	})
}

// Closed reports whether the last reference was released.
func (r *Reactor) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closing
}

// Now returns the reactor clock.
func (r *Reactor) Now() time.Time {
	return r.now()
}

// Listen ensures a registration for h whose interest mirrors h.Interest().
// With always=true the registration is pinned: read interest stays on and the
// fd stays registered until Unlisten(h, true), which is what accept sockets
// need.
func (r *Reactor) Listen(h Handler, always bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing {
		return api.ErrReactorClosed
	}
	fd := h.FD()
	if fd < 0 {
		return api.ErrSocketClosed
	}
	reg := r.regs[fd]
	if reg != nil && reg.h != h {
		// fd number reused by a new owner before the old one unregistered.
		delete(r.regs, fd)
		_ = r.mux.Remove(fd)
		reg = nil
	}
	pinned := always || (reg != nil && reg.pinned)
	return r.syncLocked(fd, h, reg, pinned)
}

// Unlisten drops interest. With always=true the fd is deregistered entirely;
// otherwise interest the handler no longer has is removed and the fd is
// deregistered once nothing remains (unless pinned).
func (r *Reactor) Unlisten(h Handler, always bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing {
		return nil
	}
	fd := h.FD()
	if fd < 0 {
		return nil
	}
	reg := r.regs[fd]
	if reg == nil || reg.h != h {
		return nil
	}
	if always {
		return r.removeLocked(fd)
	}
	return r.syncLocked(fd, h, reg, reg.pinned)
}

func (r *Reactor) syncLocked(fd int, h Handler, reg *registration, pinned bool) error {
	read, write := h.Interest()
	if pinned {
		read = true
	}
	switch {
	case reg == nil && !read && !write:
		return nil
	case reg == nil:
		if err := r.mux.Add(fd, read, write); err != nil {
			return err
		}
		r.regs[fd] = &registration{h: h, read: read, write: write, pinned: pinned}
	case !read && !write:
		return r.removeLocked(fd)
	case reg.read != read || reg.write != write || reg.pinned != pinned:
		if reg.read != read || reg.write != write {
			if err := r.mux.Modify(fd, read, write); err != nil {
				return err
			}
		}
		reg.read, reg.write, reg.pinned = read, write, pinned
	default:
		return nil
	}
	r.notifyChangeLocked()
	return nil
}

func (r *Reactor) removeLocked(fd int) error {
	delete(r.regs, fd)
	r.dropped[fd] = struct{}{}
	err := r.mux.Remove(fd)
	r.notifyChangeLocked()
	return err
}

// snapshotting backends read the interest table only when Wait starts.
type snapshotting interface {
	rebuildsOnWait()
}

func (r *Reactor) notifyChangeLocked() {
	if _, ok := r.mux.(snapshotting); ok && r.waiting.Load() {
		r.waker.wake()
	}
}

// Registered reports whether h currently has a registration and its interest.
func (r *Reactor) Registered(h Handler) (read, write, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg := r.regs[h.FD()]
	if reg == nil || reg.h != h {
		return false, false, false
	}
	return reg.read, reg.write, true
}

// SetDeadline records h's idle deadline in the TimeoutIndex. A zero time
// removes it. Handlers are told through OnTimeout.
func (r *Reactor) SetDeadline(h Handler, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing {
		return
	}
	if r.index.set(h, at) && r.waiting.Load() {
		r.waker.wake()
	}
}

// Deadline returns the idle deadline recorded for h.
func (r *Reactor) Deadline(h Handler) (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.index.deadline(h)
}

// AfterFunc runs fn on the dispatching goroutine once d has elapsed.
func (r *Reactor) AfterFunc(d time.Duration, fn func()) *Timer {
	return r.addTimer(d, 0, fn)
}

// Every runs fn on the dispatching goroutine every d until stopped.
func (r *Reactor) Every(d time.Duration, fn func()) *Timer {
	if d <= 0 {
		d = time.Millisecond
	}
	return r.addTimer(d, d, fn)
}

func (r *Reactor) addTimer(d, period time.Duration, fn func()) *Timer {
	e := &deadlineEntry{at: r.now().Add(d), fn: fn, period: period, index: -1}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closing {
		return &Timer{r: r, e: e}
	}
	if r.index.addTimer(e) && r.waiting.Load() {
		r.waker.wake()
	}
	return &Timer{r: r, e: e}
}

// Post queues fn to run on the dispatching goroutine during the next
// Dispatch. It is the way other goroutines hand work to the reactor.
func (r *Reactor) Post(fn func()) error {
	r.mu.Lock()
	closing := r.closing
	r.mu.Unlock()
	if closing {
		return api.ErrReactorClosed
	}
	r.postMu.Lock()
	r.posted.Add(fn)
	r.postMu.Unlock()
	r.nposted.Add(1)
	if r.waiting.Load() {
		r.waker.wake()
	}
	return nil
}

func (r *Reactor) runPosted() int {
	r.postMu.Lock()
	n := r.posted.Length()
	tasks := make([]func(), 0, n)
	for i := 0; i < n; i++ {
		tasks = append(tasks, r.posted.Remove().(func()))
	}
	r.postMu.Unlock()
	for _, fn := range tasks {
		r.safely("posted task", fn)
	}
	return n
}

func (r *Reactor) hasPosted() bool {
	r.postMu.Lock()
	defer r.postMu.Unlock()
	return r.posted.Length() > 0
}

// Dispatch waits up to timeout (negative blocks until an event, a timer or a
// wakeup) and processes one cycle: readiness in OS order, posted tasks, then
// the timeout sweep and due timers. It returns the number of handler
// callbacks made. Only one Dispatch may run at a time.
func (r *Reactor) Dispatch(timeout time.Duration) (int, error) {
	if !r.dispatching.CompareAndSwap(false, true) {
		if r.Closed() {
			return 0, api.ErrReactorClosed
		}
		return 0, api.ErrConcurrentDispatch
	}
	defer func() {
		if r.Closed() {
			r.shutdown()
			return
		}
		r.dispatching.Store(false)
	}()
	if r.Closed() {
		return 0, api.ErrReactorClosed
	}
	r.dispatches.Add(1)

	handled := r.runPosted()

	r.mu.Lock()
	clear(r.dropped)
	r.mu.Unlock()

	r.waiting.Store(true)
	wait := r.waitFor(timeout)
	n, err := r.mux.Wait(r.events, wait)
	r.waiting.Store(false)
	if err != nil {
		return handled, err
	}
	for i := 0; i < n; i++ {
		ev := r.events[i]
		if ev.Fd == r.waker.fd() {
			r.waker.drain()
			continue
		}
		r.mu.Lock()
		var h Handler
		if reg := r.regs[ev.Fd]; reg != nil {
			if _, stale := r.dropped[ev.Fd]; !stale {
				h = reg.h
			}
		}
		r.mu.Unlock()
		if h == nil {
			continue
		}
		r.nevents.Add(1)
		readable := ev.Readable || ev.Hangup
		writable := ev.Writable || ev.Hangup
		r.safely("ready", func() { h.OnReady(readable, writable) })
		handled++
	}
	handled += r.runPosted()
	handled += r.sweep()
	return handled, nil
}

func (r *Reactor) waitFor(timeout time.Duration) time.Duration {
	if r.hasPosted() {
		return 0
	}
	r.mu.Lock()
	next, ok := r.index.next()
	r.mu.Unlock()
	if ok {
		until := next.Sub(r.now())
		if until < 0 {
			until = 0
		}
		if timeout < 0 || until < timeout {
			timeout = until
		}
	}
	return timeout
}

// sweep force-expires idle handlers and fires due timers. It always runs
// after readiness processing so that fresh activity pushes deadlines first.
func (r *Reactor) sweep() int {
	now := r.now()
	r.mu.Lock()
	due := r.index.expire(now, nil)
	r.mu.Unlock()
	for _, e := range due {
		if e.h != nil {
			r.timeouts.Add(1)
			h := e.h
			r.safely("timeout", h.OnTimeout)
			continue
		}
		r.safely("timer", e.fn)
	}
	return len(due)
}

func (r *Reactor) safely(what string, fn func()) {
	defer func() {
		if v := recover(); v != nil {
			r.panics.Add(1)
			r.log.Error("reactor: callback panic", "callback", what, "panic", v, "stack", string(debug.Stack()))
		}
	}()
	fn()
}

// Run drives Dispatch until ctx is done or the reactor is released.
func (r *Reactor) Run(ctx context.Context) error {
	if r.cpu >= 0 {
		unpin, err := affinity.Pin(r.cpu)
		if err != nil {
			r.log.Warn("reactor: cpu pinning failed", "cpu", r.cpu, "err", err, "errClass", api.ErrClass(err))
		} else {
			defer unpin()
			r.log.Debug("reactor: pinned", "cpu", r.cpu)
		}
	}
	stop := context.AfterFunc(ctx, r.waker.wake)
	defer stop()
	for ctx.Err() == nil {
		if _, err := r.Dispatch(r.pollDur); err != nil {
			if errors.Is(err, api.ErrReactorClosed) {
				return nil
			}
			if errors.Is(err, api.ErrConcurrentDispatch) {
				return err
			}
			r.log.Warn("reactor dispatch", "err", err, "errClass", api.ErrClass(err))
		}
	}
	return nil
}

// Stats returns reactor counters.
func (r *Reactor) Stats() Stats {
	r.mu.Lock()
	regs, deadlines, refs := len(r.regs), r.index.len(), r.refs
	r.mu.Unlock()
	return Stats{
		Backend:       r.mux.Name(),
		Refs:          refs,
		Registrations: regs,
		Deadlines:     deadlines,
		Dispatches:    r.dispatches.Load(),
		Events:        r.nevents.Load(),
		Timeouts:      r.timeouts.Load(),
		Posted:        r.nposted.Load(),
		Panics:        r.panics.Load(),
	}
}
