// Package client
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// SocketClient: resolve, connect and optionally TLS-handshake one outbound
// connection on a reactor, reporting every workflow through a single Status
// completion.
package client
