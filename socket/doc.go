// Package socket
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Non-blocking, callback-driven sockets driven by a reactor.Reactor.
//
// A Socket owns one OS handle and at most one pending read and one pending
// write. ReadAsync and WriteAsync try the operation immediately; when the OS
// reports would-block the remainder is parked in a ReadOp/WriteOp and the
// socket asks the reactor for readiness. Every operation is resolved exactly
// once: normally, or with Closed, Reset, Timeout or Cancelled.
//
// Callbacks of one socket never run concurrently. Calls made from inside a
// callback are queued and run as soon as the callback returns, still on the
// same goroutine.
package socket
