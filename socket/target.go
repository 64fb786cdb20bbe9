// File: socket/target.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package socket

import (
	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/pool"
)

type targetKind int

const (
	targetAny targetKind = iota
	targetExactly
	targetUntil
)

// Target tells ReadAsync when to deliver data.
type Target struct {
	kind targetKind
	n    int
	term []byte
	fail []int // KMP failure function of term
}

// Any delivers whatever is available, at least one byte.
func Any() Target {
	return Target{kind: targetAny}
}

// Exactly delivers chunks of exactly n bytes.
func Exactly(n int) Target {
	if n <= 0 {
		panic("socket: Exactly requires n > 0")
	}
	return Target{kind: targetExactly, n: n}
}

// Until delivers the stream up to and including term. Bytes are handed over
// as they arrive (Matched=false) so the stream is never buffered whole; the
// chunk that completes term has Matched=true. Bytes after term stay queued
// for the next read.
func Until(term []byte) Target {
	if len(term) == 0 {
		panic("socket: Until requires a non-empty terminator")
	}
	t := Target{kind: targetUntil, term: append([]byte(nil), term...)}
	t.fail = make([]int, len(term))
	k := 0
	for i := 1; i < len(term); i++ {
		for k > 0 && term[i] != term[k] {
			k = t.fail[k-1]
		}
		if term[i] == term[k] {
			k++
		}
		t.fail[i] = k
	}
	return t
}

// step advances the terminator match cursor by one byte.
func (t *Target) step(cursor int, c byte) int {
	for cursor > 0 && c != t.term[cursor] {
		cursor = t.fail[cursor-1]
	}
	if c == t.term[cursor] {
		cursor++
	}
	return cursor
}

// ReadEvent is passed to a ReadFunc. Data is only valid during the call.
type ReadEvent struct {
	Data    []byte
	Matched bool // Until targets: Data ends with the terminator
	Reason  api.Reason
	Err     error
}

// OK reports whether the event carries data rather than an end reason.
func (ev ReadEvent) OK() bool { return ev.Reason == api.ReasonNone }

// ReadFunc receives read completions. Returning true keeps the operation
// installed with the same target; the return value of terminal events
// (Reason != ReasonNone) is ignored.
type ReadFunc func(ev ReadEvent) bool

// WriteEvent is passed to a WriteFunc. N counts bytes written since the
// previous event of the same operation, so the N of all events add up to the
// length of the buffer when the write succeeds.
type WriteEvent struct {
	N      int
	Done   bool
	Reason api.Reason
	Err    error
}

// OK reports whether the event is progress or success.
func (ev WriteEvent) OK() bool { return ev.Reason == api.ReasonNone }

// WriteFunc receives write progress and the final completion.
type WriteFunc func(ev WriteEvent)

// AcceptFunc receives accepted connections. A non-nil error is reported per
// connection and does not stop the accept loop, except ErrCancelled which
// is the last call.
type AcceptFunc func(conn *Socket, err error)

// ConnectFunc receives the outcome of ConnectAsync.
type ConnectFunc func(err error)

// HandshakeFunc receives the outcome of a TLS handshake.
type HandshakeFunc func(err error)

// CloseFunc is told why the socket closed, after pending ops were resolved.
type CloseFunc func(reason api.Reason)

type readOp struct {
	target   Target
	fn       ReadFunc
	bytes    *pool.BytePool
	acc      *pool.Buffer // Exactly: bytes gathered so far
	consumed int
	cursor   int
}

func newReadOp(t Target, fn ReadFunc, bytes *pool.BytePool) *readOp {
	return &readOp{target: t, fn: fn, bytes: bytes}
}

// consume feeds one chunk into the op. It returns the unconsumed suffix and
// whether the op stays installed.
func (op *readOp) consume(data []byte) (rest []byte, keep bool) {
	switch op.target.kind {
	case targetExactly:
		if op.acc == nil {
			op.acc = op.bytes.Get()
		}
		need := op.target.n - op.acc.Len()
		if len(data) < need {
			op.acc.Write(data)
			op.consumed += len(data)
			return nil, true
		}
		chunk := data[:need]
		if op.acc.Len() > 0 {
			op.acc.Write(chunk)
			chunk = op.acc.B
		}
		keep = op.fn(ReadEvent{Data: chunk})
		op.acc.Reset()
		op.consumed = 0
		return data[need:], keep
	case targetUntil:
		for i, c := range data {
			op.cursor = op.target.step(op.cursor, c)
			op.consumed++
			if op.cursor == len(op.target.term) {
				op.cursor = 0
				op.consumed = 0
				keep = op.fn(ReadEvent{Data: data[:i+1], Matched: true})
				return data[i+1:], keep
			}
		}
		return nil, op.fn(ReadEvent{Data: data})
	default:
		op.consumed += len(data)
		return nil, op.fn(ReadEvent{Data: data})
	}
}

// fail resolves the op with a terminal reason. Partially gathered bytes of an
// Exactly target are handed over with the event.
func (op *readOp) fail(reason api.Reason, err error) {
	ev := ReadEvent{Reason: reason, Err: err}
	if op.acc != nil && op.acc.Len() > 0 {
		ev.Data = op.acc.B
	}
	op.fn(ev)
	op.release()
}

func (op *readOp) release() {
	op.bytes.Put(op.acc)
	op.acc = nil
}

type writeOp struct {
	fn        WriteFunc
	bytes     *pool.BytePool
	owned     *pool.Buffer // unsent suffix, never the caller's slice
	off       int
	total     int
	encrypted bool
}

func (op *writeOp) remaining() []byte {
	if op.owned == nil {
		return nil
	}
	return op.owned.B[op.off:]
}

func (op *writeOp) progress(n int) {
	if n > 0 {
		op.fn(WriteEvent{N: n})
	}
}

func (op *writeOp) done(n int) {
	op.release()
	op.fn(WriteEvent{N: n, Done: true})
}

func (op *writeOp) fail(n int, reason api.Reason, err error) {
	op.release()
	op.fn(WriteEvent{N: n, Done: true, Reason: reason, Err: err})
}

func (op *writeOp) release() {
	op.bytes.Put(op.owned)
	op.owned = nil
}
