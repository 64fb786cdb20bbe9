//go:build unix && !linux && !darwin && !dragonfly && !freebsd && !netbsd && !openbsd

// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor - portable poll(2) fallback for the remaining unix systems.

package reactor

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// pollMux rebuilds its pollfd set on every Wait. Interest changes made while
// a Wait is in progress become visible after the reactor wakes it.
type pollMux struct {
	mu       sync.Mutex
	interest map[int]int16
	fds      []unix.PollFd
}

func newMultiplexer(capacity int) (Multiplexer, error) {
	return &pollMux{interest: make(map[int]int16), fds: make([]unix.PollFd, 0, capacity)}, nil
}

func pollMask(read, write bool) int16 {
	var m int16
	if read {
		m |= unix.POLLIN
	}
	if write {
		m |= unix.POLLOUT
	}
	return m
}

func (m *pollMux) Add(fd int, read, write bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interest[fd] = pollMask(read, write)
	return nil
}

func (m *pollMux) Modify(fd int, read, write bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.interest[fd]; !ok {
		return fmt.Errorf("poll modify: fd %d not registered", fd)
	}
	m.interest[fd] = pollMask(read, write)
	return nil
}

func (m *pollMux) Remove(fd int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.interest, fd)
	return nil
}

// Wait snapshots the interest table and calls poll(2).
func (m *pollMux) Wait(events []Event, timeout time.Duration) (int, error) {
	m.fds = m.fds[:0]
	m.mu.Lock()
	for fd, mask := range m.interest {
		m.fds = append(m.fds, unix.PollFd{Fd: int32(fd), Events: mask})
	}
	m.mu.Unlock()
	sort.Slice(m.fds, func(i, j int) bool { return m.fds[i].Fd < m.fds[j].Fd })
	n, err := unix.Poll(m.fds, timeoutMillis(timeout))
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("poll: %w", err)
	}
	out := 0
	for _, p := range m.fds {
		if n == 0 || out == len(events) {
			break
		}
		if p.Revents == 0 {
			continue
		}
		n--
		events[out] = Event{
			Fd:       int(p.Fd),
			Readable: p.Revents&unix.POLLIN != 0,
			Writable: p.Revents&unix.POLLOUT != 0,
			Hangup:   p.Revents&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0,
		}
		out++
	}
	return out, nil
}

func (m *pollMux) Name() string { return "poll" }

func (m *pollMux) Close() error { return nil }

func (m *pollMux) rebuildsOnWait() {}
