//go:build !unix

// File: reactor/mux_other.go
// Author: momentics <momentics@gmail.com>
//
// Stub implementation for platforms without a readiness multiplexer.

package reactor

import (
	"fmt"

	"github.com/momentics/hioload-net/api"
)

func newMultiplexer(capacity int) (Multiplexer, error) {
	return nil, fmt.Errorf("reactor: readiness multiplexing on this platform: %w", api.ErrNotSupported)
}
