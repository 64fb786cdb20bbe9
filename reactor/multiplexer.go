// File: reactor/multiplexer.go
// Author: momentics <momentics@gmail.com>
//
// Platform-neutral multiplexer contract. Exactly one implementation is
// compiled per target: epoll_linux.go, kqueue_bsd.go, poll_unix.go or
// mux_other.go.

package reactor

import "time"

// Event is one readiness notification returned by a Multiplexer.
type Event struct {
	Fd       int
	Readable bool
	Writable bool
	Hangup   bool // peer hangup or socket error; both directions should be retried
}

// Multiplexer is the OS readiness facility. Implementations are level
// triggered and are only mutated while the reactor lock is held.
type Multiplexer interface {
	// Add starts watching fd with the given interest.
	Add(fd int, read, write bool) error
	// Modify replaces the interest of an already watched fd.
	Modify(fd int, read, write bool) error
	// Remove stops watching fd.
	Remove(fd int) error
	// Wait blocks up to timeout (negative blocks forever) and fills events.
	Wait(events []Event, timeout time.Duration) (int, error)
	// Name reports the backend, e.g. "epoll".
	Name() string
	// Close releases the OS handle.
	Close() error
}

// timeoutMillis converts a wait duration to the millisecond argument used by
// epoll_wait(2) and poll(2), rounding up so short waits do not spin.
func timeoutMillis(d time.Duration) int {
	if d < 0 {
		return -1
	}
	ms := d / time.Millisecond
	if d%time.Millisecond != 0 {
		ms++
	}
	return int(ms)
}
