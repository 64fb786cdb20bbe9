// Package control
// Author: momentics <momentics@gmail.com>
//
// Runtime metrics and debug introspection for hioload-net.
//
// Provides concurrent-safe primitives including:
//   - A metrics registry of counters and gauges fed by servers and clients
//   - Named debug probes evaluated on demand (reactor, buffer pool, runtime)
package control
