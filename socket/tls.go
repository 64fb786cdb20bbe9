// File: socket/tls.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package socket

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/momentics/hioload-net/api"
)

// tlsPlainLimit caps decrypted bytes buffered ahead of the application.
const tlsPlainLimit = 1 << 20

// TLSContext configures Secure.
type TLSContext struct {
	Config *tls.Config
	Server bool
	// Certify, when set, runs after the handshake and may reject the peer.
	Certify func(tls.ConnectionState) error
}

// ServerTLS returns a server-side context.
func ServerTLS(cfg *tls.Config) *TLSContext {
	return &TLSContext{Config: cfg, Server: true}
}

// ClientTLS returns a client-side context.
func ClientTLS(cfg *tls.Config) *TLSContext {
	return &TLSContext{Config: cfg}
}

// Secure layers TLS over the connected socket and starts the handshake.
// Bytes already read ahead are treated as the first TLS records. Use
// Handshake to learn the outcome; reads and writes issued meanwhile wait
// for it.
func (s *Socket) Secure(ctx *TLSContext) error {
	if ctx == nil || ctx.Config == nil {
		return api.ErrInvalidArgument
	}
	if !s.secured.CompareAndSwap(false, true) {
		return api.ErrInvalidState
	}
	s.submit(func() {
		if s.state != stateOpen {
			return
		}
		sess := newTLSSession(ctx, s.LocalAddr(), s.RemoteAddr(), s.notifyTLS)
		if s.ahead != nil && s.ahead.Len() > 0 {
			sess.bio.feed(s.ahead.B)
			s.ahead.Reset()
		}
		s.tls = sess
		s.sess.Store(sess)
		go sess.run()
		s.updateInterest()
	})
	return nil
}

// Secured reports whether Secure was called.
func (s *Socket) Secured() bool { return s.secured.Load() }

// Handshake calls fn once the TLS handshake finished. A positive timeout
// aborts the socket with ReasonTimeout if the handshake takes longer.
func (s *Socket) Handshake(timeout time.Duration, fn HandshakeFunc) {
	s.submit(func() {
		switch {
		case s.tls == nil && s.state == stateOpen:
			fn(api.NewStageError(api.StageHandshake, "", api.ErrInvalidState))
			return
		case s.state != stateOpen:
			fn(api.NewStageError(api.StageHandshake, "", api.ErrSocketClosed))
			return
		}
		if s.tls.settled() {
			fn(s.tls.handshakeErr())
			return
		}
		s.hsFns = append(s.hsFns, fn)
		if timeout > 0 && s.hsTimer == nil {
			s.hsTimer = s.r.AfterFunc(timeout, func() {
				s.submit(func() {
					s.hsTimer = nil
					if s.tls != nil && !s.tls.settled() {
						s.abort(api.ReasonTimeout, api.NewStageError(api.StageHandshake, "", api.ErrTimeout))
					}
				})
			})
		}
		s.updateInterest()
	})
}

// ConnectionState returns the TLS state once the handshake completed.
func (s *Socket) ConnectionState() (tls.ConnectionState, bool) {
	t := s.sess.Load()
	if t == nil {
		return tls.ConnectionState{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state, t.done && t.hsErr == nil
}

// notifyTLS runs on the session goroutine whenever it produced output,
// plaintext or a handshake result.
func (s *Socket) notifyTLS() {
	_ = s.r.Post(func() {
		s.submit(func() {
			if s.state == stateClosed || s.tls == nil {
				return
			}
			if s.state == stateDraining {
				if err := s.flushTLS(); err != nil {
					s.finish(api.ReasonClosed)
					return
				}
				s.shutdownWrite()
				s.updateInterest()
				return
			}
			s.pumpTLS()
			s.updateInterest()
		})
	})
}

// pumpTLS moves a secured socket forward: ciphertext out, handshake result,
// pending write, pending read.
func (s *Socket) pumpTLS() {
	if err := s.flushTLS(); err != nil {
		s.abort(api.ReasonReset, err)
		return
	}
	if s.tls.settled() && len(s.hsFns) > 0 {
		err := s.tls.handshakeErr()
		if s.hsTimer != nil {
			s.hsTimer.Stop()
			s.hsTimer = nil
		}
		fns := s.hsFns
		s.hsFns = nil
		for _, fn := range fns {
			fn(err)
		}
	}
	if s.state != stateOpen {
		return
	}
	if err := s.tls.handshakeErr(); err != nil {
		s.abort(api.ReasonReset, err)
		return
	}
	s.pumpWrite()
	if s.state == stateOpen {
		s.pumpRead()
	}
}

func (s *Socket) failHandshake(err error) {
	if len(s.hsFns) == 0 {
		return
	}
	fns := s.hsFns
	s.hsFns = nil
	var se *api.StageError
	if !errors.As(err, &se) {
		err = api.NewStageError(api.StageHandshake, "", err)
	}
	for _, fn := range fns {
		fn(err)
	}
}

func (s *Socket) pumpTLSWrite(op *writeOp) {
	if !op.encrypted {
		if !s.tls.ready() {
			return
		}
		if _, err := s.tls.conn.Write(op.owned.B); err != nil {
			s.wop = nil
			op.fail(0, api.ReasonReset, err)
			s.abort(api.ReasonReset, err)
			return
		}
		op.encrypted = true
		op.release()
		if err := s.flushTLS(); err != nil {
			s.abort(api.ReasonReset, err)
			return
		}
	}
	if !s.tlsPending() {
		s.wop = nil
		op.done(op.total)
	}
}

// tlsPending reports whether ciphertext is still waiting for the network.
func (s *Socket) tlsPending() bool {
	if s.tls == nil {
		return false
	}
	return (s.tlsOut != nil && s.tlsOut.Len() > 0) || s.tls.bio.outLen() > 0
}

// flushTLS writes queued ciphertext until the OS would block.
func (s *Socket) flushTLS() error {
	if s.tls == nil {
		return nil
	}
	if s.tlsOut == nil {
		s.tlsOut = s.bytes.Get()
	}
	s.tlsOut.B = s.tls.bio.takeOut(s.tlsOut.B)
	for s.tlsOut.Len() > 0 {
		n, err := sysWrite(s.FD(), s.tlsOut.B)
		if n > 0 {
			s.tlsOut.B = append(s.tlsOut.B[:0], s.tlsOut.B[n:]...)
			s.touch()
		}
		if isWouldBlock(err) {
			return nil
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// feedTLS moves ciphertext from the OS into the session.
func (s *Socket) feedTLS() {
	if s.eof {
		return
	}
	if s.rbuf == nil {
		s.rbuf = s.bytes.Get()
	}
	if cap(s.rbuf.B) < s.readSize {
		s.rbuf.B = make([]byte, s.readSize)
	}
	buf := s.rbuf.B[:s.readSize]
	for i := 0; i < maxReadsPerCycle; i++ {
		n, err := sysRead(s.FD(), buf)
		switch {
		case isWouldBlock(err):
			return
		case err != nil:
			s.abort(api.ReasonReset, err)
			return
		case n == 0:
			s.eof = true
			s.tls.bio.feedEOF()
			return
		}
		s.touch()
		s.tls.bio.feed(buf[:n])
	}
}

type tlsSession struct {
	bio     *memConn
	conn    *tls.Conn
	certify func(tls.ConnectionState) error
	notify  func()

	mu      sync.Mutex
	cond    *sync.Cond
	plain   []byte
	state   tls.ConnectionState
	done    bool
	hsErr   error
	readErr error
	closed  bool
}

func newTLSSession(ctx *TLSContext, local, remote net.Addr, notify func()) *tlsSession {
	t := &tlsSession{certify: ctx.Certify, notify: notify}
	t.cond = sync.NewCond(&t.mu)
	t.bio = newMemConn(local, remote, notify)
	if ctx.Server {
		t.conn = tls.Server(t.bio, ctx.Config)
	} else {
		t.conn = tls.Client(t.bio, ctx.Config)
	}
	return t
}

// run performs the blocking handshake and read loop against the in-memory
// transport; the socket feeds and drains that transport without blocking.
func (t *tlsSession) run() {
	err := t.conn.Handshake()
	if err != nil {
		err = api.NewStageError(api.StageHandshake, "", err)
	} else if t.certify != nil {
		if cerr := t.certify(t.conn.ConnectionState()); cerr != nil {
			err = api.NewStageError(api.StageCertify, "", cerr)
		}
	}
	t.mu.Lock()
	t.done = true
	t.hsErr = err
	if err == nil {
		t.state = t.conn.ConnectionState()
	}
	t.mu.Unlock()
	t.notify()
	if err != nil {
		return
	}
	buf := make([]byte, 16<<10)
	for {
		t.mu.Lock()
		for len(t.plain) >= tlsPlainLimit && !t.closed {
			t.cond.Wait()
		}
		closed := t.closed
		t.mu.Unlock()
		if closed {
			return
		}
		n, rerr := t.conn.Read(buf)
		t.mu.Lock()
		t.plain = append(t.plain, buf[:n]...)
		if rerr != nil {
			t.readErr = rerr
		}
		t.mu.Unlock()
		t.notify()
		if rerr != nil {
			return
		}
	}
}

func (t *tlsSession) settled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done
}

func (t *tlsSession) ready() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.done && t.hsErr == nil
}

func (t *tlsSession) handshakeErr() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hsErr
}

// readPlain copies decrypted bytes into p. It returns api.ErrWouldBlock when
// nothing is buffered yet and io.EOF after the peer's close_notify.
func (t *tlsSession) readPlain(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.plain) > 0 {
		n := copy(p, t.plain)
		t.plain = append(t.plain[:0], t.plain[n:]...)
		t.cond.Signal()
		return n, nil
	}
	switch {
	case t.readErr != nil:
		if errors.Is(t.readErr, io.EOF) {
			return 0, io.EOF
		}
		return 0, t.readErr
	case t.hsErr != nil:
		return 0, t.hsErr
	}
	return 0, api.ErrWouldBlock
}

func (t *tlsSession) closeNotify() {
	_ = t.conn.CloseWrite()
}

func (t *tlsSession) close() {
	t.mu.Lock()
	t.closed = true
	t.cond.Broadcast()
	t.mu.Unlock()
	t.bio.Close()
}

// memConn is the net.Conn crypto/tls talks to. Reads block until the socket
// feeds ciphertext; writes never block and are picked up by flushTLS.
type memConn struct {
	mu     sync.Mutex
	cond   *sync.Cond
	in     []byte
	out    []byte
	eof    bool
	closed bool

	local, remote net.Addr
	onOut         func()
}

func newMemConn(local, remote net.Addr, onOut func()) *memConn {
	c := &memConn{local: local, remote: remote, onOut: onOut}
	c.cond = sync.NewCond(&c.mu)
	return c
}

func (c *memConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.in) == 0 && !c.eof && !c.closed {
		c.cond.Wait()
	}
	if c.closed {
		return 0, net.ErrClosed
	}
	if len(c.in) == 0 {
		return 0, io.EOF
	}
	n := copy(p, c.in)
	c.in = append(c.in[:0], c.in[n:]...)
	return n, nil
}

func (c *memConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, net.ErrClosed
	}
	c.out = append(c.out, p...)
	c.mu.Unlock()
	c.onOut()
	return len(p), nil
}

func (c *memConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()
	return nil
}

func (c *memConn) feed(p []byte) {
	c.mu.Lock()
	c.in = append(c.in, p...)
	c.cond.Broadcast()
	c.mu.Unlock()
}

func (c *memConn) feedEOF() {
	c.mu.Lock()
	c.eof = true
	c.cond.Broadcast()
	c.mu.Unlock()
}

// takeOut appends pending ciphertext to dst.
func (c *memConn) takeOut(dst []byte) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	dst = append(dst, c.out...)
	c.out = c.out[:0]
	return dst
}

func (c *memConn) outLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.out)
}

func (c *memConn) LocalAddr() net.Addr              { return c.local }
func (c *memConn) RemoteAddr() net.Addr             { return c.remote }
func (c *memConn) SetDeadline(time.Time) error      { return nil }
func (c *memConn) SetReadDeadline(time.Time) error  { return nil }
func (c *memConn) SetWriteDeadline(time.Time) error { return nil }
