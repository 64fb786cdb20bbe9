// File: server/hooks.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

// Hooks is the contract between the server and a protocol. All hooks run
// on the reactor's dispatching goroutine, or on the goroutine calling
// Unlisten for connections it deallocates.
type Hooks interface {
	// OnAllocate runs once per connection before its first request.
	OnAllocate(c *Connection)
	// OnRequestBegin tells the protocol to start reading the next request.
	OnRequestBegin(c *Connection)
	// OnRequestEnd runs from Manage once the protocol finished a request.
	OnRequestEnd(c *Connection)
	// OnDeallocate runs once the connection closed.
	OnDeallocate(c *Connection)
}

// HooksFuncs adapts plain functions to Hooks. Nil fields are no-ops.
type HooksFuncs struct {
	Allocate     func(c *Connection)
	RequestBegin func(c *Connection)
	RequestEnd   func(c *Connection)
	Deallocate   func(c *Connection)
}

var _ Hooks = HooksFuncs{}

func (h HooksFuncs) OnAllocate(c *Connection) {
	if h.Allocate != nil {
		h.Allocate(c)
	}
}

func (h HooksFuncs) OnRequestBegin(c *Connection) {
	if h.RequestBegin != nil {
		h.RequestBegin(c)
	}
}

func (h HooksFuncs) OnRequestEnd(c *Connection) {
	if h.RequestEnd != nil {
		h.RequestEnd(c)
	}
}

func (h HooksFuncs) OnDeallocate(c *Connection) {
	if h.Deallocate != nil {
		h.Deallocate(c)
	}
}
