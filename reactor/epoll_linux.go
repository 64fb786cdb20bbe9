//go:build linux

// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor - Linux epoll implementation.

package reactor

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// epollMux implements Multiplexer using level-triggered Linux epoll.
type epollMux struct {
	epfd int
	raw  []unix.EpollEvent
}

func newMultiplexer(capacity int) (Multiplexer, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}
	return &epollMux{epfd: epfd, raw: make([]unix.EpollEvent, capacity)}, nil
}

func epollMask(read, write bool) uint32 {
	var ev uint32
	if read {
		ev |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if write {
		ev |= unix.EPOLLOUT
	}
	return ev
}

// Add registers fd with the epoll instance.
func (m *epollMux) Add(fd int, read, write bool) error {
	ev := unix.EpollEvent{Events: epollMask(read, write), Fd: int32(fd)}
	if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll ctl add: %w", err)
	}
	return nil
}

// Modify changes the interest mask of fd.
func (m *epollMux) Modify(fd int, read, write bool) error {
	ev := unix.EpollEvent{Events: epollMask(read, write), Fd: int32(fd)}
	if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("epoll ctl mod: %w", err)
	}
	return nil
}

// Remove deletes fd from the watch list.
func (m *epollMux) Remove(fd int) error {
	if err := unix.EpollCtl(m.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll ctl del: %w", err)
	}
	return nil
}

// Wait blocks in epoll_wait. EINTR is reported as zero events.
func (m *epollMux) Wait(events []Event, timeout time.Duration) (int, error) {
	max := len(events)
	if max > len(m.raw) {
		max = len(m.raw)
	}
	n, err := unix.EpollWait(m.epfd, m.raw[:max], timeoutMillis(timeout))
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("epoll wait: %w", err)
	}
	for i := 0; i < n; i++ {
		raw := m.raw[i]
		events[i] = Event{
			Fd:       int(raw.Fd),
			Readable: raw.Events&(unix.EPOLLIN|unix.EPOLLRDHUP|unix.EPOLLPRI) != 0,
			Writable: raw.Events&unix.EPOLLOUT != 0,
			Hangup:   raw.Events&(unix.EPOLLHUP|unix.EPOLLERR) != 0,
		}
	}
	return n, nil
}

func (m *epollMux) Name() string { return "epoll" }

// Close releases the epoll file descriptor.
func (m *epollMux) Close() error {
	return unix.Close(m.epfd)
}
