// File: server/connection.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"net"
	"sync"
	"time"

	"github.com/bassosimone/runtimex"
	"github.com/google/uuid"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/socket"
)

// Connection is an accepted socket plus the server's per-connection state.
type Connection struct {
	id       string
	srv      *Server
	sock     *socket.Socket
	listener *Listener
	started  time.Time

	mu        sync.Mutex
	keepAlive int
	closeFlag bool
	closing   time.Time
	finished  time.Time
	reason    api.Reason
	requests  int
	allocated bool
	data      any
}

func newConnection(s *Server, l *Listener, sock *socket.Socket, keepAlive int) *Connection {
	return &Connection{
		id:        runtimex.PanicOnError1(uuid.NewV7()).String(),
		srv:       s,
		sock:      sock,
		listener:  l,
		started:   s.r.Now(),
		keepAlive: keepAlive,
	}
}

// ID returns a unique, time-ordered connection identifier.
func (c *Connection) ID() string { return c.id }

// Socket returns the connection's socket.
func (c *Connection) Socket() *socket.Socket { return c.sock }

// Listener returns the bind the connection arrived on.
func (c *Connection) Listener() *Listener { return c.listener }

// RemoteAddr returns the peer address.
func (c *Connection) RemoteAddr() net.Addr { return c.sock.RemoteAddr() }

// Started returns the accept time.
func (c *Connection) Started() time.Time { return c.started }

// Finished returns the close time, zero while open.
func (c *Connection) Finished() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finished
}

// Reason returns why the connection closed.
func (c *Connection) Reason() api.Reason {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Requests returns the number of requests completed through Manage.
func (c *Connection) Requests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests
}

// KeepAlive returns the number of further requests allowed; negative means
// unlimited.
func (c *Connection) KeepAlive() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keepAlive
}

// SetClose asks Manage to close the connection after the current request.
func (c *Connection) SetClose() {
	c.mu.Lock()
	c.closeFlag = true
	c.mu.Unlock()
}

// CloseRequested reports whether SetClose was called.
func (c *Connection) CloseRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeFlag
}

// SetData attaches protocol state to the connection.
func (c *Connection) SetData(v any) {
	c.mu.Lock()
	c.data = v
	c.mu.Unlock()
}

// Data returns the value set by SetData.
func (c *Connection) Data() any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data
}

// Close closes the connection gracefully, outside the Manage cycle.
func (c *Connection) Close() { c.srv.retire(c) }

// next accounts one finished request and reports whether another may
// start on the same socket.
func (c *Connection) next() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests++
	if c.closeFlag || c.keepAlive == 0 {
		return false
	}
	if c.keepAlive > 0 {
		c.keepAlive--
	}
	return true
}

func (c *Connection) markClosing(now time.Time) {
	c.mu.Lock()
	if c.closing.IsZero() {
		c.closing = now
	}
	c.closeFlag = true
	c.mu.Unlock()
}

func (c *Connection) closingSince() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

func (c *Connection) markAllocated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.allocated || !c.finished.IsZero() {
		return false
	}
	c.allocated = true
	return true
}

func (c *Connection) markFinished(now time.Time, reason api.Reason) {
	c.mu.Lock()
	c.finished = now
	c.reason = reason
	c.mu.Unlock()
}

func (c *Connection) wasAllocated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.allocated
}
