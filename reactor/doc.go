// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor provides the process-wide readiness multiplexer that drives
// every non-blocking socket: registrations (fd -> interest set) mirrored into
// epoll (Linux), kqueue (BSD/Darwin) or poll(2) (other unix systems), an idle
// deadline index swept after each readiness batch, timers and a cross-goroutine
// task queue.
//
// A Reactor never owns sockets. It calls back into a Handler when the OS
// reports readiness or when the handler's deadline expires. Dispatch is meant
// to be called repeatedly from one goroutine (see Run); Listen, Unlisten, Post
// and SetDeadline are safe from any goroutine.
package reactor
