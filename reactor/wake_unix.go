//go:build unix

// File: reactor/wake_unix.go
// Author: momentics <momentics@gmail.com>
//
// Self-pipe used to interrupt a blocked Wait from another goroutine.

package reactor

import (
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

type waker struct {
	rfd, wfd int
	closed   atomic.Bool
}

func newWaker() (*waker, error) {
	var p [2]int
	if err := unix.Pipe(p[:]); err != nil {
		return nil, fmt.Errorf("wake pipe: %w", err)
	}
	for _, fd := range p {
		unix.CloseOnExec(fd)
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(p[0])
			unix.Close(p[1])
			return nil, fmt.Errorf("wake pipe nonblock: %w", err)
		}
	}
	return &waker{rfd: p[0], wfd: p[1]}, nil
}

func (w *waker) fd() int { return w.rfd }

// wake never blocks; a full pipe already guarantees a pending wakeup.
func (w *waker) wake() {
	if w.closed.Load() {
		return
	}
	_, _ = unix.Write(w.wfd, []byte{1})
}

func (w *waker) drain() {
	var buf [128]byte
	for {
		n, err := unix.Read(w.rfd, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (w *waker) close() {
	if !w.closed.CompareAndSwap(false, true) {
		return
	}
	unix.Close(w.rfd)
	unix.Close(w.wfd)
}
