// File: socket/write.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package socket

import (
	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/pool"
)

// WriteAsync writes b. The socket tries to write immediately; whatever the OS
// does not take is copied and sent on write readiness, so b may be reused as
// soon as WriteAsync returns. fn sees progress events and one Done event. A
// previously pending write is resolved with ReasonCancelled first.
func (s *Socket) WriteAsync(b []byte, fn WriteFunc) {
	if s.enter() {
		s.run(func() { s.startWrite(b, nil, fn) })
		return
	}
	owned := s.bytes.Clone(b)
	s.submit(func() { s.startWrite(owned.B, owned, fn) })
}

func (s *Socket) startWrite(b []byte, owned *pool.Buffer, fn WriteFunc) {
	if old := s.wop; old != nil {
		s.wop = nil
		old.fail(0, api.ReasonCancelled, api.ErrCancelled)
	}
	if s.state != stateOpen {
		s.bytes.Put(owned)
		fn(WriteEvent{Done: true, Reason: api.ReasonClosed, Err: api.ErrSocketClosed})
		return
	}
	if len(b) == 0 {
		s.bytes.Put(owned)
		fn(WriteEvent{Done: true})
		return
	}
	if owned == nil && s.tls != nil {
		owned = s.bytes.Clone(b)
	}
	op := &writeOp{fn: fn, bytes: s.bytes, owned: owned, total: len(b)}
	if s.tls != nil {
		s.wop = op
		s.pumpTLS()
		s.updateInterest()
		return
	}
	sent := 0
	for sent < len(b) {
		n, err := sysWrite(s.FD(), b[sent:])
		sent += n
		if n > 0 {
			s.touch()
		}
		if isWouldBlock(err) {
			break
		}
		if err != nil {
			op.fail(sent, api.ReasonReset, err)
			s.abort(api.ReasonReset, err)
			return
		}
	}
	if sent == len(b) {
		op.done(sent)
		return
	}
	if op.owned == nil {
		op.owned = s.bytes.Clone(b[sent:])
	} else {
		op.off = sent
	}
	s.wop = op
	op.progress(sent)
	s.updateInterest()
}

// CancelWrite resolves the pending write, if any, with ReasonCancelled.
// Bytes already handed to the OS are not recalled.
func (s *Socket) CancelWrite() {
	s.submit(func() {
		if op := s.wop; op != nil {
			s.wop = nil
			op.fail(0, api.ReasonCancelled, api.ErrCancelled)
			s.updateInterest()
		}
	})
}

func (s *Socket) pumpWrite() {
	op := s.wop
	if op == nil {
		return
	}
	if s.tls != nil {
		s.pumpTLSWrite(op)
		return
	}
	sent := 0
	for len(op.remaining()) > 0 {
		n, err := sysWrite(s.FD(), op.remaining())
		op.off += n
		sent += n
		if n > 0 {
			s.touch()
		}
		if isWouldBlock(err) {
			op.progress(sent)
			return
		}
		if err != nil {
			s.wop = nil
			op.fail(sent, api.ReasonReset, err)
			s.abort(api.ReasonReset, err)
			return
		}
	}
	s.wop = nil
	op.done(sent)
}
