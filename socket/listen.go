// File: socket/listen.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package socket

import (
	"fmt"
	"net"
	"time"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/reactor"
)

const (
	acceptRetryMin = 10 * time.Millisecond
	acceptRetryMax = time.Second
)

// acceptFD is swapped in tests to inject accept failures.
var acceptFD = sysAccept

// Listen opens a TCP listening socket on addr ("host:port"). Errors are
// *api.StageError values naming the failed step.
func Listen(r *reactor.Reactor, addr string, backlog int, opts ...Option) (*Socket, error) {
	ta, err := net.ResolveTCPAddr("tcp", addr)
	if err != nil {
		return nil, api.NewStageError(api.StageResolve, addr, err)
	}
	s, err := Open(r, ta.IP, opts...)
	if err != nil {
		return nil, err
	}
	fd := s.FD()
	if err := sysBind(fd, ta); err != nil {
		s.Close(false)
		return nil, api.NewStageError(api.StageBind, addr, err)
	}
	if err := sysListen(fd, backlog); err != nil {
		s.Close(false)
		return nil, api.NewStageError(api.StageListen, addr, err)
	}
	return s, nil
}

// AcceptAsync starts the accept loop. fn runs for every accepted connection
// until StopAccept or Close; the listening fd stays registered with the
// reactor for the whole time, except while accepting is paused after an
// error.
func (s *Socket) AcceptAsync(fn AcceptFunc) {
	s.submit(func() {
		if old := s.acceptFn; old != nil {
			s.acceptFn = nil
			old(nil, api.ErrCancelled)
		}
		s.stopAcceptWait()
		if s.state != stateOpen {
			fn(nil, api.ErrSocketClosed)
			return
		}
		s.acceptFn = fn
		s.listening = true
		s.updateInterest()
		if s.acceptFn != nil {
			s.acceptLoop()
		}
	})
}

// StopAccept ends the accept loop and deregisters the listener without
// closing it.
func (s *Socket) StopAccept() {
	s.submit(func() {
		s.stopAcceptWait()
		if fn := s.acceptFn; fn != nil {
			s.acceptFn = nil
			s.listening = false
			s.wantRead.Store(false)
			_ = s.r.Unlisten(s.h, true)
			fn(nil, api.ErrCancelled)
		}
	})
}

func (s *Socket) acceptLoop() {
	for i := 0; i < maxAcceptsPerCycle && s.acceptFn != nil && s.acceptWait == nil; i++ {
		nfd, err := acceptFD(s.FD())
		if isWouldBlock(err) {
			return
		}
		if err != nil {
			if isResourceExhausted(err) {
				err = fmt.Errorf("%w: %w", api.ErrResourceExhausted, err)
			}
			s.pauseAccept(err)
			s.acceptFn(nil, api.NewStageError(api.StageAccept, "", err))
			return
		}
		s.acceptBack.Reset()
		s.acceptFn(newSocket(s.r, nfd, s.opts), nil)
	}
}

// pauseAccept takes the listener out of the reactor for a backoff period.
// A failing accept (EMFILE and friends) leaves the fd readable, so staying
// registered would wake every Dispatch for nothing.
func (s *Socket) pauseAccept(err error) {
	d := s.acceptBack.Duration()
	s.log.Warn("socket: accept paused", "fd", s.FD(), "for", d, "err", err, "errClass", api.ErrClass(err))
	s.listening = false
	s.wantRead.Store(s.rop != nil)
	_ = s.r.Unlisten(s.h, true)
	var t *reactor.Timer
	t = s.r.AfterFunc(d, func() {
		s.submit(func() {
			if s.acceptWait == t {
				s.resumeAccept()
			}
		})
	})
	s.acceptWait = t
}

func (s *Socket) resumeAccept() {
	s.acceptWait = nil
	if s.acceptFn == nil || s.state != stateOpen {
		return
	}
	s.listening = true
	s.updateInterest()
	s.acceptLoop()
}

func (s *Socket) stopAcceptWait() {
	if s.acceptWait != nil {
		s.acceptWait.Stop()
		s.acceptWait = nil
	}
}

// ConnectAsync starts a non-blocking connect to addr. fn runs once, with
// nil on success or an *api.StageError.
func (s *Socket) ConnectAsync(addr *net.TCPAddr, fn ConnectFunc) {
	s.submit(func() {
		if s.state != stateOpen {
			fn(api.NewStageError(api.StageConnect, addr.String(), api.ErrSocketClosed))
			return
		}
		if s.connectFn != nil {
			fn(api.NewStageError(api.StageConnect, addr.String(), api.ErrInvalidState))
			return
		}
		inProgress, err := sysConnect(s.FD(), addr)
		if err != nil {
			fn(api.NewStageError(api.StageConnect, addr.String(), err))
			return
		}
		if !inProgress {
			s.touch()
			fn(nil)
			return
		}
		s.connectFn = func(err error) {
			if err != nil {
				var se *api.StageError
				if !asStageError(err, &se) {
					err = api.NewStageError(api.StageConnect, addr.String(), err)
				}
			}
			fn(err)
		}
		s.updateInterest()
	})
}

func (s *Socket) finishConnect() {
	fn := s.connectFn
	s.connectFn = nil
	err := sysConnectResult(s.FD())
	if err == nil {
		s.touch()
	}
	fn(err)
}
