// File: server/listener.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"crypto/tls"
	"net"
	"sync/atomic"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/socket"
)

// Listener is one bound, listening socket with its bind configuration.
type Listener struct {
	cfg      BindConfig
	sock     *socket.Socket
	tls      *socket.TLSContext
	accepted atomic.Uint64
}

func (s *Server) openListener(bc BindConfig, opts []socket.Option) (*Listener, error) {
	l := &Listener{cfg: bc}
	if bc.TLS {
		cert, err := tls.LoadX509KeyPair(bc.CertFile, bc.KeyFile)
		if err != nil {
			return nil, api.NewStageError(api.StageTLS, bc.Address, err)
		}
		cfg := &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
		if s.tlsConfig != nil {
			s.tlsConfig(cfg)
		}
		l.tls = socket.ServerTLS(cfg)
	}
	sock, err := socket.Listen(s.r, bc.Address, bc.Backlog, opts...)
	if err != nil {
		return nil, err
	}
	l.sock = sock
	return l, nil
}

// Addr returns the bound address; useful with port 0.
func (l *Listener) Addr() net.Addr { return l.sock.LocalAddr() }

// Config returns the bind configuration.
func (l *Listener) Config() BindConfig { return l.cfg }

// Secure reports whether accepted connections use TLS.
func (l *Listener) Secure() bool { return l.tls != nil }

// Accepted returns how many connections this bind accepted.
func (l *Listener) Accepted() uint64 { return l.accepted.Load() }
