// File: socket/read.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package socket

import (
	"errors"
	"io"

	"github.com/momentics/hioload-net/api"
)

// ReadAsync installs a read with target t. Data already buffered or already
// available from the OS is delivered before ReadAsync returns (or, when
// called from a callback, right after that callback). A previously pending
// read is resolved with ReasonCancelled first.
func (s *Socket) ReadAsync(t Target, fn ReadFunc) {
	s.submit(func() {
		if old := s.rop; old != nil {
			s.rop = nil
			old.fail(api.ReasonCancelled, api.ErrCancelled)
		}
		if s.state != stateOpen {
			fn(ReadEvent{Reason: api.ReasonClosed, Err: api.ErrSocketClosed})
			return
		}
		s.rop = newReadOp(t, fn, s.bytes)
		if s.tls != nil {
			s.pumpTLS()
		} else {
			s.pumpRead()
		}
		s.updateInterest()
	})
}

// CancelRead resolves the pending read, if any, with ReasonCancelled.
func (s *Socket) CancelRead() {
	s.submit(func() {
		if op := s.rop; op != nil {
			s.rop = nil
			op.fail(api.ReasonCancelled, api.ErrCancelled)
			s.updateInterest()
		}
	})
}

// pumpRead delivers chunks to the pending read until the OS would block,
// the op is satisfied, or the per-cycle budget is spent.
func (s *Socket) pumpRead() {
	for i := 0; s.rop != nil; i++ {
		if i == maxReadsPerCycle {
			// Buffered bytes produce no readiness; come back next cycle.
			s.repost()
			return
		}
		op := s.rop
		data, reason, err := s.nextChunk()
		switch reason {
		case api.ReasonNone:
		case api.ReasonWouldBlock:
			return
		case api.ReasonReset:
			s.abort(reason, err)
			return
		default:
			s.rop = nil
			op.fail(reason, err)
			return
		}
		rest, keep := op.consume(data)
		s.keepAhead(rest)
		if s.rop == op && !keep {
			s.rop = nil
			op.release()
		}
	}
}

func (s *Socket) repost() {
	err := s.r.Post(func() {
		s.submit(func() {
			if s.state != stateOpen {
				return
			}
			if s.tls != nil {
				s.pumpTLS()
			} else {
				s.pumpRead()
			}
			s.updateInterest()
		})
	})
	if err != nil {
		s.abort(api.ReasonReset, err)
	}
}

// nextChunk returns read-ahead bytes first, then bytes from the OS (or from
// the TLS session). The slice is only valid until keepAhead.
func (s *Socket) nextChunk() ([]byte, api.Reason, error) {
	if s.ahead != nil && s.ahead.Len() > 0 {
		return s.ahead.B, api.ReasonNone, nil
	}
	if s.rbuf == nil {
		s.rbuf = s.bytes.Get()
	}
	if cap(s.rbuf.B) < s.readSize {
		s.rbuf.B = make([]byte, s.readSize)
	}
	buf := s.rbuf.B[:s.readSize]
	if s.tls != nil {
		n, err := s.tls.readPlain(buf)
		switch {
		case err == nil:
			return buf[:n], api.ReasonNone, nil
		case isWouldBlock(err):
			return nil, api.ReasonWouldBlock, nil
		case errors.Is(err, io.EOF):
			return nil, api.ReasonClosed, api.ErrClosed
		}
		return nil, api.ReasonReset, err
	}
	if s.eof {
		return nil, api.ReasonClosed, api.ErrClosed
	}
	n, err := sysRead(s.FD(), buf)
	switch {
	case err == nil && n == 0:
		s.eof = true
		return nil, api.ReasonClosed, api.ErrClosed
	case err == nil:
		s.touch()
		return buf[:n], api.ReasonNone, nil
	case isWouldBlock(err):
		return nil, api.ReasonWouldBlock, nil
	}
	return nil, api.ReasonReset, err
}

// keepAhead stores the unconsumed suffix of the last chunk for the next read.
// rest may alias ahead itself.
func (s *Socket) keepAhead(rest []byte) {
	if len(rest) == 0 {
		if s.ahead != nil {
			s.ahead.Reset()
		}
		return
	}
	if s.ahead == nil {
		s.ahead = s.bytes.Get()
	}
	s.ahead.B = append(s.ahead.B[:0], rest...)
}
