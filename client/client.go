// File: client/client.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package client

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/bassosimone/runtimex"
	"github.com/jpillora/backoff"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/pool"
	"github.com/momentics/hioload-net/reactor"
	"github.com/momentics/hioload-net/socket"
)

const defaultResolveTimeout = 5 * time.Second

// State is the client lifecycle state.
type State int

const (
	StateUnconnected State = iota
	StateResolving
	StateConnecting
	StateHandshaking
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "unconnected"
	case StateResolving:
		return "resolving"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Status is the single completion of Connect or Close.
type Status struct {
	Stage api.Stage
	Err   error
}

// OK reports success.
func (st Status) OK() bool { return st.Err == nil }

// StatusFunc receives a Status.
type StatusFunc func(Status)

// Hooks are optional notifications; nil fields are skipped.
type Hooks struct {
	OnConnect func(c *Client)
	OnClose   func(c *Client, reason api.Reason)
}

// Option customizes a Client.
type Option func(*Client)

// WithLogger sets the structured logger.
func WithLogger(l api.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithTLSConfig sets the base TLS configuration, e.g. RootCAs.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(c *Client) { c.tlsBase = cfg }
}

// WithResolver replaces net.DefaultResolver.
func WithResolver(r *net.Resolver) Option {
	return func(c *Client) {
		if r != nil {
			c.resolver = r
		}
	}
}

// WithHooks installs lifecycle hooks.
func WithHooks(h Hooks) Option {
	return func(c *Client) { c.hooks = h }
}

// WithBytePool makes the socket take its buffers from p.
func WithBytePool(p *pool.BytePool) Option {
	return func(c *Client) {
		if p != nil {
			c.bytes = p
		}
	}
}

// Client owns at most one outbound socket at a time.
type Client struct {
	r        *reactor.Reactor
	cfg      *Config
	log      api.Logger
	tlsBase  *tls.Config
	resolver *net.Resolver
	hooks    Hooks
	bytes    *pool.BytePool
	release  sync.Once

	mu       sync.Mutex
	state    State
	sock     *socket.Socket
	addrs    []*net.TCPAddr
	attempts int
	back     *backoff.Backoff
	done     StatusFunc
	timer    *reactor.Timer
	timedOut bool
	cancel   context.CancelFunc
}

// New creates an unconnected client. It holds a reference on r until
// Release.
func New(r *reactor.Reactor, cfg *Config, opts ...Option) (*Client, error) {
	runtimex.Assert(r != nil)
	if cfg == nil {
		return nil, api.ErrInvalidArgument
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := r.Retain(); err != nil {
		return nil, err
	}
	c := &Client{
		r:        r,
		cfg:      cfg,
		log:      api.DiscardLogger(),
		resolver: net.DefaultResolver,
		bytes:    pool.Default,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// State returns the lifecycle state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Socket returns the connected socket, nil unless connected.
func (c *Client) Socket() *socket.Socket {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected {
		return nil
	}
	return c.sock
}

// Attempts returns the connect attempts made by the last Connect.
func (c *Client) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Connect resolves the configured address, connects (retrying with jittered
// backoff up to Retries times) and performs the TLS handshake when enabled.
// fn runs exactly once.
func (c *Client) Connect(fn StatusFunc) {
	c.mu.Lock()
	if c.state != StateUnconnected && c.state != StateClosed {
		st := c.state
		c.mu.Unlock()
		fn(Status{Stage: api.StageConnect, Err: fmt.Errorf("connect in state %s: %w", st, api.ErrInvalidState)})
		return
	}
	c.state = StateResolving
	c.done = fn
	c.attempts = 0
	c.timedOut = false
	c.back = &backoff.Backoff{
		Min:    c.cfg.RetryMin.D(),
		Max:    c.cfg.RetryMax.D(),
		Factor: 2,
		Jitter: true,
	}
	d := c.cfg.ResolveTimeout.D()
	if d <= 0 {
		d = defaultResolveTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), d)
	c.cancel = cancel
	c.mu.Unlock()

	host, port, err := net.SplitHostPort(c.cfg.Address)
	if err != nil {
		c.fail(api.StageResolve, err)
		return
	}
	c.log.Debug("client: resolving", "address", c.cfg.Address)
	go func() {
		defer cancel()
		addrs, err := c.lookup(ctx, host, port)
		if perr := c.r.Post(func() { c.resolved(addrs, err) }); perr != nil {
			c.fail(api.StageResolve, perr)
		}
	}()
}

func (c *Client) lookup(ctx context.Context, host, port string) ([]*net.TCPAddr, error) {
	pn, err := strconv.Atoi(port)
	if err != nil {
		if pn, err = c.resolver.LookupPort(ctx, "tcp", port); err != nil {
			return nil, err
		}
	}
	if ip := net.ParseIP(host); ip != nil {
		return []*net.TCPAddr{{IP: ip, Port: pn}}, nil
	}
	ips, err := c.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	out := make([]*net.TCPAddr, 0, len(ips))
	for _, ip := range ips {
		out = append(out, &net.TCPAddr{IP: ip.IP, Port: pn, Zone: ip.Zone})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no addresses for %s: %w", host, api.ErrInvalidArgument)
	}
	return out, nil
}

func (c *Client) resolved(addrs []*net.TCPAddr, err error) {
	c.mu.Lock()
	if c.state != StateResolving {
		c.mu.Unlock()
		return
	}
	if err != nil {
		c.mu.Unlock()
		c.fail(api.StageResolve, err)
		return
	}
	c.addrs = addrs
	c.state = StateConnecting
	c.mu.Unlock()
	c.dial()
}

func (c *Client) dial() {
	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	addr := c.addrs[c.attempts%len(c.addrs)]
	c.attempts++
	c.timedOut = false
	c.mu.Unlock()

	c.log.Debug("client: connecting", "addr", addr, "attempt", c.Attempts())
	sock, err := socket.Open(c.r, addr.IP,
		socket.WithLogger(c.log),
		socket.WithLingerTimeout(c.cfg.LingerTimeout.D()),
		socket.WithBytePool(c.bytes),
	)
	if err != nil {
		c.retry(api.StageSocket, err)
		return
	}
	c.mu.Lock()
	c.sock = sock
	if d := c.cfg.ConnectTimeout.D(); d > 0 {
		c.timer = c.r.AfterFunc(d, func() {
			c.mu.Lock()
			stale := c.sock != sock || c.state != StateConnecting
			if !stale {
				c.timedOut = true
			}
			c.mu.Unlock()
			if !stale {
				sock.Close(false)
			}
		})
	}
	c.mu.Unlock()
	sock.ConnectAsync(addr, func(err error) { c.connected(sock, err) })
}

func (c *Client) connected(sock *socket.Socket, err error) {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.sock != sock || c.state != StateConnecting {
		c.mu.Unlock()
		sock.Close(false)
		return
	}
	if c.timedOut {
		err = api.NewStageError(api.StageConnect, "", api.ErrTimeout)
	}
	if err != nil {
		c.sock = nil
	}
	c.mu.Unlock()
	if err != nil {
		sock.Close(false)
		c.retry(api.StageConnect, err)
		return
	}

	if c.cfg.NoDelay {
		_ = sock.SetNoDelay(true)
	}
	sock.SetTimeout(c.cfg.IdleTimeout.D())
	sock.OnClose(func(reason api.Reason) { c.sockClosed(sock, reason) })
	if !c.cfg.TLS {
		c.established(sock)
		return
	}

	tcfg, err := c.cfg.tlsConfig(c.tlsBase)
	if err != nil {
		c.abort(sock, api.StageTLS, err)
		return
	}
	c.mu.Lock()
	c.state = StateHandshaking
	c.mu.Unlock()
	if err := sock.Secure(socket.ClientTLS(tcfg)); err != nil {
		c.abort(sock, api.StageTLS, err)
		return
	}
	sock.Handshake(c.cfg.HandshakeTimeout.D(), func(err error) {
		if err != nil {
			stage := api.StageOf(err)
			if stage == api.StageNone {
				stage = api.StageHandshake
			}
			c.abort(sock, stage, err)
			return
		}
		c.established(sock)
	})
}

func (c *Client) established(sock *socket.Socket) {
	c.mu.Lock()
	if c.sock != sock {
		c.mu.Unlock()
		return
	}
	c.state = StateConnected
	c.mu.Unlock()
	c.log.Info("client: connected", "remote", sock.RemoteAddr(), "attempts", c.Attempts(), "tls", c.cfg.TLS)
	if c.hooks.OnConnect != nil {
		c.hooks.OnConnect(c)
	}
	c.finish(Status{})
}

// retry schedules another attempt or fails the workflow.
func (c *Client) retry(stage api.Stage, err error) {
	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	if c.attempts > c.cfg.Retries {
		c.mu.Unlock()
		c.fail(stage, err)
		return
	}
	d := c.back.Duration()
	c.timer = c.r.AfterFunc(d, c.dial)
	c.mu.Unlock()
	c.log.Info("client: retrying", "address", c.cfg.Address, "in", d, "err", err, "errClass", api.ErrClass(err))
}

func (c *Client) abort(sock *socket.Socket, stage api.Stage, err error) {
	c.mu.Lock()
	if c.sock == sock {
		c.sock = nil
	}
	c.mu.Unlock()
	sock.Close(false)
	c.fail(stage, err)
}

// fail ends the current workflow with an error; the client can Connect
// again.
func (c *Client) fail(stage api.Stage, err error) {
	var se *api.StageError
	if !errors.As(err, &se) {
		err = api.NewStageError(stage, c.cfg.Address, err)
	}
	c.mu.Lock()
	if c.state != StateClosed {
		c.state = StateUnconnected
	}
	c.mu.Unlock()
	c.log.Info("client: connect failed", "address", c.cfg.Address, "stage", stage, "err", err, "errClass", api.ErrClass(err))
	c.finish(Status{Stage: stage, Err: err})
}

func (c *Client) finish(st Status) {
	c.mu.Lock()
	fn := c.done
	c.done = nil
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.mu.Unlock()
	if fn != nil {
		fn(st)
	}
}

func (c *Client) sockClosed(sock *socket.Socket, reason api.Reason) {
	c.mu.Lock()
	mine := c.sock == sock
	if mine {
		c.sock = nil
		if c.state == StateConnected || c.state == StateHandshaking {
			c.state = StateClosed
		}
	}
	c.mu.Unlock()
	if mine && c.hooks.OnClose != nil {
		c.hooks.OnClose(c, reason)
	}
}

// Close aborts a Connect in flight (its completion reports ErrCancelled)
// and closes the socket gracefully. fn, when non-nil, runs once the socket
// is fully closed.
func (c *Client) Close(fn StatusFunc) {
	c.mu.Lock()
	sock := c.sock
	c.sock = nil
	c.state = StateClosed
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()
	c.finish(Status{Stage: api.StageConnect, Err: api.NewStageError(api.StageConnect, c.cfg.Address, api.ErrCancelled)})

	if sock == nil {
		if fn != nil {
			fn(Status{})
		}
		return
	}
	sock.OnClose(func(reason api.Reason) {
		if c.hooks.OnClose != nil {
			c.hooks.OnClose(c, reason)
		}
		if fn != nil {
			fn(Status{})
		}
	})
	sock.Close(true)
}

// Release closes the client and drops its reactor reference.
func (c *Client) Release() error {
	var err error
	c.release.Do(func() {
		c.Close(nil)
		err = c.r.Release()
	})
	return err
}

// Request writes payload and then reads one response with target. fn gets
// the read events; a failed write is reported as a terminal read event.
func (c *Client) Request(payload []byte, target socket.Target, fn socket.ReadFunc) {
	sock := c.Socket()
	if sock == nil {
		fn(socket.ReadEvent{Reason: api.ReasonClosed, Err: api.ErrInvalidState})
		return
	}
	sock.WriteAsync(payload, func(ev socket.WriteEvent) {
		if !ev.Done {
			return
		}
		if !ev.OK() {
			fn(socket.ReadEvent{Reason: ev.Reason, Err: ev.Err})
			return
		}
		sock.ReadAsync(target, fn)
	})
}
