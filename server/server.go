// File: server/server.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bassosimone/runtimex"
	"github.com/eapache/queue"
	"golang.org/x/time/rate"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/control"
	"github.com/momentics/hioload-net/pool"
	"github.com/momentics/hioload-net/reactor"
	"github.com/momentics/hioload-net/socket"
)

const (
	defaultStallTimeout = 5 * time.Second
	unlistenPoll        = 10 * time.Millisecond
)

// State is the server lifecycle state.
type State int

const (
	StateIdle State = iota
	StateWorking
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWorking:
		return "working"
	case StateStopping:
		return "stopping"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Stats is a point-in-time view of the server.
type Stats struct {
	State       State
	Active      int
	Pending     int
	Accepted    int64
	Rejected    int64
	Deallocated int64
}

// Server accepts connections on every configured bind and drives them
// through Hooks. One Server uses one reactor, which the caller runs.
type Server struct {
	r         *reactor.Reactor
	hooks     Hooks
	log       api.Logger
	metrics   *control.MetricsRegistry
	probes    *control.DebugProbes
	bytes     *pool.BytePool
	tlsConfig func(*tls.Config)
	closeOnce sync.Once

	mu        sync.Mutex
	state     State
	cfg       *Config
	listeners []*Listener
	conns     map[*Connection]struct{}
	pending   *queue.Queue
	limiter   *rate.Limiter
	maint     *reactor.Timer
}

// New creates an idle server bound to r. It holds a reference on r until
// Close.
func New(r *reactor.Reactor, hooks Hooks, opts ...Option) (*Server, error) {
	runtimex.Assert(r != nil)
	if hooks == nil {
		hooks = HooksFuncs{}
	}
	if err := r.Retain(); err != nil {
		return nil, err
	}
	s := &Server{
		r:       r,
		hooks:   hooks,
		log:     api.DiscardLogger(),
		metrics: control.NewMetricsRegistry(),
		bytes:   pool.Default,
		cfg:     DefaultConfig(),
		conns:   make(map[*Connection]struct{}),
		pending: queue.New(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.probes != nil {
		s.probes.RegisterProbe("server.stats", func() any { return s.Stats() })
		control.RegisterReactorProbes(s.probes, "reactor", r)
	}
	return s, nil
}

// State returns the lifecycle state.
func (s *Server) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Listeners returns the configured listeners.
func (s *Server) Listeners() []*Listener {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Listener(nil), s.listeners...)
}

// Metrics returns the registry the server publishes into.
func (s *Server) Metrics() *control.MetricsRegistry { return s.metrics }

// Stats returns current counters.
func (s *Server) Stats() Stats {
	s.mu.Lock()
	st := Stats{State: s.state, Active: len(s.conns), Pending: s.pending.Length()}
	s.mu.Unlock()
	st.Accepted = s.metrics.Counter("server.accepted")
	st.Rejected = s.metrics.Counter("server.rejected")
	st.Deallocated = s.metrics.Counter("server.deallocated")
	return st
}

// Configure opens, binds and listens on every bind of cfg. On failure
// everything opened so far is closed, the server stays idle and the error
// is an *api.StageError.
func (s *Server) Configure(cfg *Config) error {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	if s.state != StateIdle {
		s.mu.Unlock()
		return fmt.Errorf("configure in state %s: %w", s.state, api.ErrInvalidState)
	}
	old := s.listeners
	s.listeners = nil
	s.mu.Unlock()
	for _, l := range old {
		l.sock.Close(false)
	}

	opts := []socket.Option{
		socket.WithLogger(s.log),
		socket.WithLingerTimeout(cfg.LingerTimeout.D()),
		socket.WithReadSize(cfg.ReadSize),
		socket.WithBytePool(s.bytes),
	}
	var opened []*Listener
	for _, bc := range cfg.Binds {
		l, err := s.openListener(bc, opts)
		if err != nil {
			for _, o := range opened {
				o.sock.Close(false)
			}
			s.log.Warn("server: configure failed", "bind", bc.Address, "stage", api.StageOf(err), "err", err, "errClass", api.ErrClass(err))
			return err
		}
		opened = append(opened, l)
	}

	var limiter *rate.Limiter
	if cfg.AcceptRate > 0 {
		burst := max(cfg.AcceptBurst, 1)
		limiter = rate.NewLimiter(rate.Limit(cfg.AcceptRate), burst)
	}
	s.mu.Lock()
	s.cfg = cfg
	s.listeners = opened
	s.limiter = limiter
	s.mu.Unlock()
	for _, l := range opened {
		s.log.Info("server: bound", "addr", l.Addr(), "host", l.cfg.Host, "tls", l.Secure())
	}
	return nil
}

// Listen starts accepting on every configured listener and arms the
// maintenance timer.
func (s *Server) Listen() error {
	s.mu.Lock()
	if s.state != StateIdle || len(s.listeners) == 0 {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("listen in state %s without listeners: %w", st, api.ErrInvalidState)
	}
	s.state = StateWorking
	ls := append([]*Listener(nil), s.listeners...)
	interval := s.cfg.MaintenanceInterval.D()
	if interval <= 0 {
		interval = time.Second
	}
	s.maint = s.r.Every(interval, s.maintain)
	s.mu.Unlock()

	s.metrics.Set("server.state", StateWorking.String())
	for _, l := range ls {
		s.log.Info("server: listening", "addr", l.Addr())
		l.sock.AcceptAsync(func(conn *socket.Socket, err error) {
			s.accept(l, conn, err)
		})
	}
	return nil
}

func (s *Server) accept(l *Listener, conn *socket.Socket, err error) {
	if err != nil {
		if !errors.Is(err, api.ErrCancelled) {
			s.metrics.Inc("server.accept_errors")
			s.log.Warn("server: accept", "addr", l.cfg.Address, "err", err, "errClass", api.ErrClass(err))
		}
		return
	}

	s.mu.Lock()
	cfg := s.cfg
	var reject string
	switch {
	case s.state != StateWorking:
		reject = "stopping"
	case cfg.MaxConnections > 0 && len(s.conns) >= cfg.MaxConnections:
		reject = "max_connections"
	case s.limiter != nil && !s.limiter.Allow():
		reject = "accept_rate"
	}
	var c *Connection
	if reject == "" {
		c = newConnection(s, l, conn, cfg.KeepAlive)
		s.conns[c] = struct{}{}
	}
	active := len(s.conns)
	s.mu.Unlock()

	if reject != "" {
		s.metrics.Inc("server.rejected")
		s.log.Info("server: connection rejected", "reason", reject, "remote", conn.RemoteAddr())
		conn.Close(false)
		return
	}
	l.accepted.Add(1)
	s.metrics.Inc("server.accepted")
	s.metrics.Set("server.active", active)
	s.applyOptions(conn, cfg)
	conn.OnClose(func(reason api.Reason) { s.closed(c, reason) })
	conn.SetTimeout(cfg.IdleTimeout.D())
	s.log.Info("server: accepted", "id", c.id, "remote", conn.RemoteAddr(), "bind", l.cfg.Address)

	if l.tls == nil {
		s.begin(c)
		return
	}
	if err := conn.Secure(l.tls); err != nil {
		conn.Close(false)
		return
	}
	conn.Handshake(cfg.HandshakeTimeout.D(), func(err error) {
		if err != nil {
			s.metrics.Inc("server.handshake_failures")
			s.log.Info("server: handshake failed", "id", c.id, "err", err, "errClass", api.ErrClass(err))
			conn.Close(false)
			return
		}
		s.begin(c)
	})
}

func (s *Server) applyOptions(conn *socket.Socket, cfg *Config) {
	if err := conn.SetNoDelay(cfg.NoDelay); err != nil {
		s.log.Debug("server: no-delay", "err", err)
	}
	if err := conn.SetKeepAlive(cfg.TCPKeepAlive); err != nil {
		s.log.Debug("server: keepalive", "err", err)
	}
	if cfg.Linger >= 0 {
		if err := conn.SetLinger(cfg.Linger); err != nil {
			s.log.Debug("server: linger", "err", err)
		}
	}
}

func (s *Server) begin(c *Connection) {
	if !c.markAllocated() {
		return
	}
	s.hooks.OnAllocate(c)
	if c.sock.Closed() {
		return
	}
	s.hooks.OnRequestBegin(c)
}

// Manage is called by the protocol when it finished a request. The
// connection either starts its next request on the same socket or, once
// its keep-alive budget is spent or SetClose was called, closes gracefully
// and is deallocated.
func (s *Server) Manage(c *Connection) {
	s.hooks.OnRequestEnd(c)
	again := c.next()
	if again && s.State() == StateWorking && !c.sock.Closed() {
		s.hooks.OnRequestBegin(c)
		return
	}
	s.retire(c)
}

func (s *Server) retire(c *Connection) {
	c.markClosing(s.r.Now())
	c.sock.Close(true)
}

// closed runs from the socket's close notification.
func (s *Server) closed(c *Connection, reason api.Reason) {
	c.markFinished(s.r.Now(), reason)
	s.mu.Lock()
	s.pending.Add(c)
	s.mu.Unlock()
	if err := s.r.Post(s.reap); err != nil {
		s.reap()
	}
}

// reap deallocates closed connections.
func (s *Server) reap() {
	for {
		s.mu.Lock()
		if s.pending.Length() == 0 {
			active := len(s.conns)
			s.mu.Unlock()
			s.metrics.Set("server.active", active)
			return
		}
		c := s.pending.Remove().(*Connection)
		_, live := s.conns[c]
		delete(s.conns, c)
		s.mu.Unlock()
		if !live {
			continue
		}
		s.metrics.Inc("server.deallocated")
		if c.wasAllocated() {
			s.hooks.OnDeallocate(c)
		}
		s.log.Info("server: connection closed", "id", c.id, "reason", c.Reason(),
			"requests", c.Requests(), "duration", c.Finished().Sub(c.started))
	}
}

// maintain runs on the reactor every MaintenanceInterval.
func (s *Server) maintain() {
	s.reap()
	now := s.r.Now()
	s.mu.Lock()
	linger := s.cfg.LingerTimeout.D()
	var stuck []*Connection
	for c := range s.conns {
		if since := c.closingSince(); !since.IsZero() && now.Sub(since) > linger {
			stuck = append(stuck, c)
		}
	}
	pending := s.pending.Length()
	s.mu.Unlock()
	s.metrics.Set("server.pending", pending)
	for _, c := range stuck {
		s.log.Debug("server: forcing lingering connection closed", "id", c.id)
		c.sock.Close(false)
	}
}

// Unlisten stops accepting, force-closes every connection and waits until
// they are deallocated or StallTimeout elapsed; connections still open then
// are logged and abandoned. Listeners are closed and the server is idle
// again; call Configure before the next Listen.
//
// Unlisten blocks and must not be called from the reactor's goroutine.
func (s *Server) Unlisten() error {
	s.mu.Lock()
	if s.state != StateWorking {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("unlisten in state %s: %w", st, api.ErrInvalidState)
	}
	s.state = StateStopping
	if s.maint != nil {
		s.maint.Stop()
		s.maint = nil
	}
	ls := s.listeners
	stall := s.cfg.StallTimeout.D()
	conns := make([]*Connection, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	s.metrics.Set("server.state", StateStopping.String())
	if stall <= 0 {
		stall = defaultStallTimeout
	}

	for _, l := range ls {
		l.sock.StopAccept()
	}
	for _, c := range conns {
		c.markClosing(s.r.Now())
		c.sock.Close(false)
	}
	deadline := time.Now().Add(stall)
	for {
		s.reap()
		s.mu.Lock()
		left := len(s.conns)
		s.mu.Unlock()
		if left == 0 {
			break
		}
		if !time.Now().Before(deadline) {
			s.abandon()
			break
		}
		time.Sleep(unlistenPoll)
	}
	for _, l := range ls {
		l.sock.Close(false)
	}

	s.mu.Lock()
	s.listeners = nil
	s.state = StateIdle
	s.mu.Unlock()
	s.metrics.Set("server.state", StateIdle.String())
	s.log.Info("server: stopped", "accepted", s.metrics.Counter("server.accepted"))
	return nil
}

func (s *Server) abandon() {
	s.mu.Lock()
	left := make([]*Connection, 0, len(s.conns))
	for c := range s.conns {
		left = append(left, c)
		delete(s.conns, c)
	}
	s.mu.Unlock()
	for _, c := range left {
		s.metrics.Inc("server.abandoned")
		s.log.Warn("server: abandoned connection", "id", c.id, "remote", c.RemoteAddr(), "started", c.started)
	}
}

// Close stops the server if needed, closes configured listeners and drops
// the reactor reference.
func (s *Server) Close() error {
	var err error
	s.closeOnce.Do(func() {
		if s.State() == StateWorking {
			err = s.Unlisten()
		}
		s.mu.Lock()
		ls := s.listeners
		s.listeners = nil
		s.mu.Unlock()
		for _, l := range ls {
			l.sock.Close(false)
		}
		if s.probes != nil {
			s.probes.UnregisterProbe("server.stats")
			s.probes.UnregisterProbe("reactor.stats")
		}
		if rerr := s.r.Release(); err == nil {
			err = rerr
		}
	})
	return err
}
