// File: socket/socket.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package socket

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bassosimone/runtimex"
	"github.com/eapache/queue"
	"github.com/jpillora/backoff"
	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/pool"
	"github.com/momentics/hioload-net/reactor"
)

const (
	// maxReadsPerCycle bounds the reads one readiness event may perform so
	// that a chatty peer cannot starve other sockets of the same reactor.
	maxReadsPerCycle   = 16
	maxAcceptsPerCycle = 64

	defaultReadSize      = 16 << 10
	defaultLingerTimeout = 5 * time.Second
)

type state int

const (
	stateOpen state = iota
	stateDraining
	stateClosed
)

// Option configures a Socket.
type Option func(*options)

type options struct {
	log      api.Logger
	linger   time.Duration
	readSize int
	bytes    *pool.BytePool
}

// WithLogger sets the logger used for lifecycle messages.
func WithLogger(l api.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// WithLingerTimeout bounds how long a graceful Close drains input.
func WithLingerTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.linger = d
		}
	}
}

// WithReadSize sets the size of a single read syscall.
func WithReadSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.readSize = n
		}
	}
}

// WithBytePool makes the socket take its buffers from p.
func WithBytePool(p *pool.BytePool) Option {
	return func(o *options) {
		if p != nil {
			o.bytes = p
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		log:      api.DiscardLogger(),
		linger:   defaultLingerTimeout,
		readSize: defaultReadSize,
		bytes:    pool.Default,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Socket is a non-blocking stream socket bound to a reactor.
//
// All methods are safe for concurrent use. Operations on one socket are
// serialized: callbacks run one at a time, in the order the OS reported.
type Socket struct {
	r    *reactor.Reactor
	h    *handle
	opts []Option
	options

	fd        atomic.Int32
	wantRead  atomic.Bool
	wantWrite atomic.Bool
	timeout   atomic.Int64
	last      atomic.Int64
	secured   atomic.Bool
	sess      atomic.Pointer[tlsSession]

	mu      sync.Mutex
	tasks   *queue.Queue
	running bool

	userMu   sync.Mutex
	userData any

	// owned by the serializer
	state       state
	closeReason api.Reason
	eof         bool
	shutWr      bool
	listening   bool
	rop         *readOp
	wop         *writeOp
	acceptFn    AcceptFunc
	acceptWait  *reactor.Timer
	acceptBack  backoff.Backoff
	connectFn   ConnectFunc
	closeFns    []CloseFunc
	ahead       *pool.Buffer
	rbuf        *pool.Buffer
	tls         *tlsSession
	tlsOut      *pool.Buffer
	hsFns       []HandshakeFunc
	hsTimer     *reactor.Timer
	lingerTimer *reactor.Timer
}

// handle is what the reactor sees; it keeps the Handler methods off the
// exported surface of Socket.
type handle struct{ s *Socket }

func (h *handle) FD() int                { return int(h.s.fd.Load()) }
func (h *handle) Interest() (bool, bool) { return h.s.wantRead.Load(), h.s.wantWrite.Load() }
func (h *handle) OnTimeout()             { h.s.submit(h.s.expire) }
func (h *handle) OnReady(rd, wr bool) {
	h.s.submit(func() { h.s.onReady(rd, wr) })
}

// FromFD wraps an already open, connected or listening fd. The fd is put
// in non-blocking mode and owned by the returned Socket.
func FromFD(r *reactor.Reactor, fd int, opts ...Option) (*Socket, error) {
	if fd < 0 {
		return nil, api.ErrInvalidArgument
	}
	if err := sysSetNonblock(fd); err != nil {
		return nil, err
	}
	return newSocket(r, fd, opts), nil
}

func newSocket(r *reactor.Reactor, fd int, opts []Option) *Socket {
	runtimex.Assert(r != nil && fd >= 0)
	s := &Socket{r: r, opts: opts, options: buildOptions(opts), tasks: queue.New()}
	s.acceptBack = backoff.Backoff{Min: acceptRetryMin, Max: acceptRetryMax, Factor: 2}
	s.h = &handle{s: s}
	s.fd.Store(int32(fd))
	s.last.Store(r.Now().UnixNano())
	return s
}

// Open creates an unconnected TCP socket for the family of ip.
func Open(r *reactor.Reactor, ip net.IP, opts ...Option) (*Socket, error) {
	fd, err := sysSocket(ip.To4() == nil && len(ip) == net.IPv6len)
	if err != nil {
		return nil, api.NewStageError(api.StageSocket, ip.String(), err)
	}
	return newSocket(r, fd, opts), nil
}

// Socketpair returns two connected sockets. It is used for in-process
// plumbing and tests.
func Socketpair(r *reactor.Reactor, opts ...Option) (*Socket, *Socket, error) {
	fds, err := sysSocketpair()
	if err != nil {
		return nil, nil, err
	}
	return newSocket(r, fds[0], opts), newSocket(r, fds[1], opts), nil
}

// submit runs task under the socket's serializer: inline if nothing else is
// running, otherwise after the running task returns.
func (s *Socket) submit(task func()) {
	s.mu.Lock()
	if s.running {
		s.tasks.Add(task)
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()
	s.run(task)
}

// enter claims the serializer without queuing.
func (s *Socket) enter() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return false
	}
	s.running = true
	return true
}

func (s *Socket) run(task func()) {
	for task != nil {
		s.safely(task)
		s.mu.Lock()
		if s.tasks.Length() == 0 {
			s.running = false
			task = nil
		} else {
			task = s.tasks.Remove().(func())
		}
		s.mu.Unlock()
	}
}

func (s *Socket) safely(task func()) {
	defer func() {
		if v := recover(); v != nil {
			s.log.Error("socket: callback panic", "fd", s.FD(), "panic", v)
		}
	}()
	task()
}

// FD returns the OS handle, or -1 once closed.
func (s *Socket) FD() int { return int(s.fd.Load()) }

// Reactor returns the reactor this socket is bound to.
func (s *Socket) Reactor() *reactor.Reactor { return s.r }

// Registered reports whether the reactor currently watches this socket.
func (s *Socket) Registered() bool {
	_, _, ok := s.r.Registered(s.h)
	return ok
}

// LocalAddr returns the local address, nil when unknown.
func (s *Socket) LocalAddr() net.Addr {
	if fd := s.FD(); fd >= 0 {
		return sysLocalAddr(fd)
	}
	return nil
}

// RemoteAddr returns the peer address, nil when unknown.
func (s *Socket) RemoteAddr() net.Addr {
	if fd := s.FD(); fd >= 0 {
		return sysRemoteAddr(fd)
	}
	return nil
}

// SetNoDelay toggles TCP_NODELAY.
func (s *Socket) SetNoDelay(on bool) error {
	if fd := s.FD(); fd >= 0 {
		return sysSetNoDelay(fd, on)
	}
	return api.ErrSocketClosed
}

// SetKeepAlive toggles SO_KEEPALIVE.
func (s *Socket) SetKeepAlive(on bool) error {
	if fd := s.FD(); fd >= 0 {
		return sysSetKeepAlive(fd, on)
	}
	return api.ErrSocketClosed
}

// SetLinger sets SO_LINGER; a negative value restores the OS default.
func (s *Socket) SetLinger(sec int) error {
	if fd := s.FD(); fd >= 0 {
		return sysSetLinger(fd, sec)
	}
	return api.ErrSocketClosed
}

// SetUserData attaches an arbitrary value to the socket.
func (s *Socket) SetUserData(v any) {
	s.userMu.Lock()
	s.userData = v
	s.userMu.Unlock()
}

// UserData returns the value set by SetUserData.
func (s *Socket) UserData() any {
	s.userMu.Lock()
	defer s.userMu.Unlock()
	return s.userData
}

// SetTimeout arms the idle timeout. Any successful I/O pushes the deadline
// forward by d; once it passes the socket closes with ReasonTimeout. Zero
// disables it.
func (s *Socket) SetTimeout(d time.Duration) {
	s.timeout.Store(int64(d))
	if s.FD() < 0 {
		return
	}
	if d <= 0 {
		s.r.SetDeadline(s.h, time.Time{})
		return
	}
	now := s.r.Now()
	s.last.Store(now.UnixNano())
	s.r.SetDeadline(s.h, now.Add(d))
}

// Timeout returns the idle timeout.
func (s *Socket) Timeout() time.Duration {
	return time.Duration(s.timeout.Load())
}

// LastActivity returns the time of the last successful I/O.
func (s *Socket) LastActivity() time.Time {
	return time.Unix(0, s.last.Load())
}

func (s *Socket) touch() {
	now := s.r.Now()
	s.last.Store(now.UnixNano())
	if d := s.Timeout(); d > 0 {
		s.r.SetDeadline(s.h, now.Add(d))
	}
}

// OnClose registers fn to learn why the socket closed. If the socket is
// already closed fn runs right away.
func (s *Socket) OnClose(fn CloseFunc) {
	s.submit(func() {
		if s.state == stateClosed {
			fn(s.closeReason)
			return
		}
		s.closeFns = append(s.closeFns, fn)
	})
}

// updateInterest recomputes what the reactor should watch for.
func (s *Socket) updateInterest() {
	var read, write bool
	switch {
	case s.state == stateClosed:
	case s.state == stateDraining:
		read = true
		write = s.tls != nil && s.tlsPending()
	case s.tls != nil:
		read = !s.eof && (s.rop != nil || !s.tls.settled())
		write = s.tlsPending()
	default:
		read = s.rop != nil || (s.acceptFn != nil && s.acceptWait == nil)
		write = s.wop != nil || s.connectFn != nil
	}
	if s.connectFn != nil {
		write = true
	}
	s.wantRead.Store(read)
	s.wantWrite.Store(write)
	if s.state == stateClosed || s.FD() < 0 {
		return
	}
	var err error
	if read || write || s.listening {
		err = s.r.Listen(s.h, s.listening)
	} else {
		err = s.r.Unlisten(s.h, false)
	}
	if err != nil {
		s.log.Warn("socket: reactor registration", "fd", s.FD(), "err", err, "errClass", api.ErrClass(err))
		s.abort(api.ReasonReset, err)
	}
}

func (s *Socket) onReady(readable, writable bool) {
	switch s.state {
	case stateClosed:
		return
	case stateDraining:
		if writable && s.tls != nil {
			if err := s.flushTLS(); err != nil {
				s.finish(api.ReasonClosed)
				return
			}
			s.shutdownWrite()
		}
		if readable && s.state == stateDraining {
			s.drainInput()
		}
		s.updateInterest()
		return
	}
	if writable {
		switch {
		case s.connectFn != nil:
			s.finishConnect()
		case s.tls != nil:
			if err := s.flushTLS(); err != nil {
				s.abort(api.ReasonReset, err)
				return
			}
			s.pumpWrite()
		default:
			s.pumpWrite()
		}
	}
	if readable && s.state == stateOpen {
		switch {
		case s.acceptFn != nil:
			s.acceptLoop()
		case s.tls != nil:
			s.feedTLS()
			s.pumpTLS()
		default:
			s.pumpRead()
		}
	}
	s.updateInterest()
}

func (s *Socket) expire() {
	if s.state == stateClosed {
		return
	}
	s.log.Debug("socket: idle timeout", "fd", s.FD(), "timeout", s.Timeout())
	s.abort(api.ReasonTimeout, api.ErrTimeout)
}
