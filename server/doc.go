// Package server
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// SocketServer: accepts connections on a set of configured binds, hands them
// to a protocol through Hooks and recycles them for keep-alive.
//
// A protocol implements Hooks. OnRequestBegin is its cue to issue reads and
// writes on Connection.Socket(); when it has answered a request it calls
// Server.Manage, which either starts the next request on the same socket or
// closes the connection gracefully.
package server
