// File: socket/close.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package socket

import (
	"errors"
	"time"

	"github.com/momentics/hioload-net/api"
)

// Close closes the socket. Pending operations are resolved with
// ReasonCancelled before any OnClose callback runs.
//
// A graceful close sends a TLS close_notify when a session is up, shuts the
// write side down and discards input until the peer closes too, bounded by
// the linger timeout. A hard close releases the handle right away.
func (s *Socket) Close(graceful bool) {
	s.submit(func() { s.close(graceful) })
}

// Closed reports whether the handle was released.
func (s *Socket) Closed() bool { return s.FD() < 0 }

func (s *Socket) close(graceful bool) {
	if s.state != stateOpen {
		if !graceful && s.state == stateDraining {
			s.finish(api.ReasonClosed)
		}
		return
	}
	s.cancelPending(api.ReasonCancelled, api.ErrCancelled)
	if !graceful || s.listening || s.eof && s.tls == nil {
		s.finish(api.ReasonClosed)
		return
	}
	if s.tls != nil && s.tls.ready() {
		s.tls.closeNotify()
		if err := s.flushTLS(); err != nil {
			s.finish(api.ReasonClosed)
			return
		}
	}
	s.state = stateDraining
	s.shutdownWrite()
	if s.state != stateDraining {
		return
	}
	s.lingerTimer = s.r.AfterFunc(s.linger, func() {
		s.submit(func() {
			if s.state == stateDraining {
				s.log.Debug("socket: linger expired", "fd", s.FD())
				s.finish(api.ReasonClosed)
			}
		})
	})
	s.drainInput()
	if s.state == stateDraining {
		s.updateInterest()
	}
}

// shutdownWrite sends FIN once queued TLS records are out.
func (s *Socket) shutdownWrite() {
	if s.shutWr || s.tlsPending() {
		return
	}
	s.shutWr = true
	if err := sysShutdownWrite(s.FD()); err != nil {
		s.finish(api.ReasonClosed)
	}
}

// drainInput discards input of a closing socket until the peer's EOF.
func (s *Socket) drainInput() {
	if s.rbuf == nil {
		s.rbuf = s.bytes.Get()
	}
	if cap(s.rbuf.B) < s.readSize {
		s.rbuf.B = make([]byte, s.readSize)
	}
	buf := s.rbuf.B[:s.readSize]
	for i := 0; i < maxReadsPerCycle; i++ {
		n, err := sysRead(s.FD(), buf)
		if isWouldBlock(err) {
			return
		}
		if err != nil || n == 0 {
			s.finish(api.ReasonClosed)
			return
		}
	}
}

// abort tears the socket down after a fatal condition.
func (s *Socket) abort(reason api.Reason, err error) {
	if s.state == stateClosed {
		return
	}
	if reason == api.ReasonReset {
		s.log.Debug("socket: reset", "fd", s.FD(), "err", err, "errClass", api.ErrClass(err))
	}
	s.cancelPending(reason, err)
	s.finish(reason)
}

// cancelPending resolves every installed operation with reason.
func (s *Socket) cancelPending(reason api.Reason, err error) {
	if op := s.rop; op != nil {
		s.rop = nil
		op.fail(reason, err)
	}
	if op := s.wop; op != nil {
		s.wop = nil
		op.fail(0, reason, err)
	}
	if fn := s.connectFn; fn != nil {
		s.connectFn = nil
		fn(api.NewStageError(api.StageConnect, "", err))
	}
	if fn := s.acceptFn; fn != nil {
		s.acceptFn = nil
		fn(nil, err)
	}
	s.failHandshake(err)
}

// finish releases the handle and tells OnClose callbacks why.
func (s *Socket) finish(reason api.Reason) {
	if s.state == stateClosed {
		return
	}
	s.state = stateClosed
	s.closeReason = reason
	s.wantRead.Store(false)
	s.wantWrite.Store(false)
	if s.lingerTimer != nil {
		s.lingerTimer.Stop()
		s.lingerTimer = nil
	}
	if s.hsTimer != nil {
		s.hsTimer.Stop()
		s.hsTimer = nil
	}
	s.stopAcceptWait()
	s.r.SetDeadline(s.h, time.Time{})
	_ = s.r.Unlisten(s.h, true)
	s.listening = false
	if s.tls != nil {
		s.tls.close()
	}
	if fd := int(s.fd.Swap(-1)); fd >= 0 {
		if err := sysClose(fd); err != nil {
			s.log.Debug("socket: close", "fd", fd, "err", err)
		}
	}
	s.bytes.Put(s.ahead)
	s.bytes.Put(s.rbuf)
	s.bytes.Put(s.tlsOut)
	s.ahead, s.rbuf, s.tlsOut = nil, nil, nil
	fns := s.closeFns
	s.closeFns = nil
	for _, fn := range fns {
		fn(reason)
	}
}

func asStageError(err error, target **api.StageError) bool {
	return errors.As(err, target)
}
