//go:build darwin || dragonfly || freebsd || netbsd || openbsd

// Copyright (c) 2025
// Author: momentics <momentics@gmail.com>

// Package reactor - kqueue implementation for BSD and Darwin.

package reactor

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// kqueueMux implements Multiplexer with level-triggered kqueue filters.
// kqueue keeps read and write filters apart, so the current interest of every
// fd is remembered to compute EV_ADD / EV_DELETE changes.
type kqueueMux struct {
	kq       int
	raw      []unix.Kevent_t
	interest map[int]uint8
}

const (
	kqRead  uint8 = 1
	kqWrite uint8 = 2
)

func newMultiplexer(capacity int) (Multiplexer, error) {
	kq, err := unix.Kqueue()
	if err != nil {
		return nil, fmt.Errorf("kqueue create: %w", err)
	}
	unix.CloseOnExec(kq)
	return &kqueueMux{
		kq:       kq,
		raw:      make([]unix.Kevent_t, capacity),
		interest: make(map[int]uint8),
	}, nil
}

func kqMask(read, write bool) uint8 {
	var m uint8
	if read {
		m |= kqRead
	}
	if write {
		m |= kqWrite
	}
	return m
}

func (m *kqueueMux) apply(fd int, old, next uint8) error {
	changes := make([]unix.Kevent_t, 0, 2)
	add := func(filter int, flags int) {
		var ev unix.Kevent_t
		unix.SetKevent(&ev, fd, filter, flags)
		changes = append(changes, ev)
	}
	switch {
	case next&kqRead != 0 && old&kqRead == 0:
		add(unix.EVFILT_READ, unix.EV_ADD|unix.EV_ENABLE)
	case next&kqRead == 0 && old&kqRead != 0:
		add(unix.EVFILT_READ, unix.EV_DELETE)
	}
	switch {
	case next&kqWrite != 0 && old&kqWrite == 0:
		add(unix.EVFILT_WRITE, unix.EV_ADD|unix.EV_ENABLE)
	case next&kqWrite == 0 && old&kqWrite != 0:
		add(unix.EVFILT_WRITE, unix.EV_DELETE)
	}
	if len(changes) == 0 {
		return nil
	}
	if _, err := unix.Kevent(m.kq, changes, nil, nil); err != nil {
		return fmt.Errorf("kevent change: %w", err)
	}
	return nil
}

// Add registers fd for the given filters.
func (m *kqueueMux) Add(fd int, read, write bool) error {
	next := kqMask(read, write)
	if err := m.apply(fd, 0, next); err != nil {
		return err
	}
	m.interest[fd] = next
	return nil
}

// Modify adds and deletes filters so that only the wanted ones remain.
func (m *kqueueMux) Modify(fd int, read, write bool) error {
	next := kqMask(read, write)
	if err := m.apply(fd, m.interest[fd], next); err != nil {
		return err
	}
	m.interest[fd] = next
	return nil
}

// Remove deletes every filter installed for fd.
func (m *kqueueMux) Remove(fd int) error {
	old, ok := m.interest[fd]
	if !ok {
		return nil
	}
	delete(m.interest, fd)
	return m.apply(fd, old, 0)
}

// Wait collects up to len(events) kevents. One event is produced per filter.
func (m *kqueueMux) Wait(events []Event, timeout time.Duration) (int, error) {
	max := len(events)
	if max > len(m.raw) {
		max = len(m.raw)
	}
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(int64(timeout))
		ts = &t
	}
	n, err := unix.Kevent(m.kq, nil, m.raw[:max], ts)
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, fmt.Errorf("kevent wait: %w", err)
	}
	for i := 0; i < n; i++ {
		raw := m.raw[i]
		ev := Event{Fd: int(raw.Ident)}
		switch raw.Filter {
		case unix.EVFILT_READ:
			ev.Readable = true
		case unix.EVFILT_WRITE:
			ev.Writable = true
			ev.Hangup = raw.Flags&unix.EV_EOF != 0
		}
		if raw.Flags&unix.EV_ERROR != 0 {
			ev.Hangup = true
		}
		events[i] = ev
	}
	return n, nil
}

func (m *kqueueMux) Name() string { return "kqueue" }

// Close releases the kqueue descriptor.
func (m *kqueueMux) Close() error {
	return unix.Close(m.kq)
}
