// File: reactor/timeout.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// TimeoutIndex: a binary heap ordered by deadline holding both idle deadlines
// of registered handlers and plain timers. Guarded by the reactor lock.

package reactor

import (
	"container/heap"
	"time"
)

type deadlineEntry struct {
	at     time.Time
	h      Handler // idle deadline owner, nil for timers
	fn     func()
	period time.Duration
	index  int
}

type deadlineHeap []*deadlineEntry

func (q deadlineHeap) Len() int { return len(q) }

func (q deadlineHeap) Less(i, j int) bool { return q[i].at.Before(q[j].at) }

func (q deadlineHeap) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *deadlineHeap) Push(x any) {
	e := x.(*deadlineEntry)
	e.index = len(*q)
	*q = append(*q, e)
}

func (q *deadlineHeap) Pop() any {
	old := *q
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*q = old[:n-1]
	return e
}

// timeoutIndex maps deadline -> handler and keeps one entry per handler.
type timeoutIndex struct {
	q     deadlineHeap
	owner map[Handler]*deadlineEntry
}

func newTimeoutIndex() *timeoutIndex {
	return &timeoutIndex{owner: make(map[Handler]*deadlineEntry)}
}

// set installs, moves or (for a zero deadline) removes h's deadline and
// reports whether the earliest deadline changed.
func (ti *timeoutIndex) set(h Handler, at time.Time) bool {
	e, ok := ti.owner[h]
	if at.IsZero() {
		if ok {
			delete(ti.owner, h)
			heap.Remove(&ti.q, e.index)
		}
		return false
	}
	if ok {
		e.at = at
		heap.Fix(&ti.q, e.index)
	} else {
		e = &deadlineEntry{at: at, h: h}
		ti.owner[h] = e
		heap.Push(&ti.q, e)
	}
	return ti.q[0] == e
}

func (ti *timeoutIndex) deadline(h Handler) (time.Time, bool) {
	e, ok := ti.owner[h]
	if !ok {
		return time.Time{}, false
	}
	return e.at, true
}

func (ti *timeoutIndex) addTimer(e *deadlineEntry) bool {
	heap.Push(&ti.q, e)
	return ti.q[0] == e
}

func (ti *timeoutIndex) removeTimer(e *deadlineEntry) bool {
	if e.index < 0 || e.index >= len(ti.q) || ti.q[e.index] != e {
		return false
	}
	heap.Remove(&ti.q, e.index)
	return true
}

func (ti *timeoutIndex) next() (time.Time, bool) {
	if len(ti.q) == 0 {
		return time.Time{}, false
	}
	return ti.q[0].at, true
}

// expire pops every entry due at now. Periodic timers are re-armed before
// they are returned so that Stop from inside the callback cancels them.
func (ti *timeoutIndex) expire(now time.Time, due []*deadlineEntry) []*deadlineEntry {
	for len(ti.q) > 0 && !ti.q[0].at.After(now) {
		e := heap.Pop(&ti.q).(*deadlineEntry)
		if e.h != nil {
			delete(ti.owner, e.h)
		} else if e.period > 0 {
			e.at = e.at.Add(e.period)
			if !e.at.After(now) {
				e.at = now.Add(e.period)
			}
			heap.Push(&ti.q, e)
		}
		due = append(due, e)
	}
	return due
}

func (ti *timeoutIndex) len() int { return len(ti.q) }

func (ti *timeoutIndex) reset() {
	ti.q = nil
	ti.owner = make(map[Handler]*deadlineEntry)
}

// Timer is a reactor timer created by AfterFunc or Every. Its callback runs
// on the dispatching goroutine after the idle-deadline sweep.
type Timer struct {
	r *Reactor
	e *deadlineEntry
}

// Stop prevents the timer from firing again. It reports whether the timer
// was still pending.
func (t *Timer) Stop() bool {
	if t == nil || t.e == nil {
		return false
	}
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	return t.r.index.removeTimer(t.e)
}
