// File: server/options.go
// Package server defines functional options for the Server.
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package server

import (
	"crypto/tls"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/control"
	"github.com/momentics/hioload-net/pool"
)

// Option customizes server initialization.
type Option func(*Server)

// WithLogger sets the structured logger; *slog.Logger fits.
func WithLogger(l api.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics publishes server counters into mr.
func WithMetrics(mr *control.MetricsRegistry) Option {
	return func(s *Server) {
		if mr != nil {
			s.metrics = mr
		}
	}
}

// WithProbes registers debug probes for the server and its reactor.
func WithProbes(dp *control.DebugProbes) Option {
	return func(s *Server) {
		s.probes = dp
	}
}

// WithBytePool makes connections take buffers from p.
func WithBytePool(p *pool.BytePool) Option {
	return func(s *Server) {
		if p != nil {
			s.bytes = p
		}
	}
}

// WithTLSConfig lets the caller adjust the tls.Config built for TLS binds,
// e.g. to require client certificates.
func WithTLSConfig(fn func(*tls.Config)) Option {
	return func(s *Server) {
		s.tlsConfig = fn
	}
}
