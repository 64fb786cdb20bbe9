// Package api
// Author: momentics <momentics@gmail.com>
//
// Common error types and error handling utilities for hioload-net.

package api

import (
	"errors"
	"fmt"
)

// Common errors used across the library.
var (
	ErrWouldBlock         = errors.New("operation would block")
	ErrClosed             = errors.New("connection closed by peer")
	ErrReset              = errors.New("connection reset")
	ErrTimeout            = errors.New("idle timeout exceeded")
	ErrCancelled          = errors.New("operation cancelled")
	ErrSocketClosed       = errors.New("socket is closed")
	ErrReactorClosed      = errors.New("reactor is closed")
	ErrConcurrentDispatch = errors.New("dispatch already running")
	ErrNotSupported       = errors.New("operation not supported")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrResourceExhausted  = errors.New("resource exhausted")
	ErrInvalidState       = errors.New("invalid state")
)

// Reason tells how an asynchronous operation ended.
type Reason int

const (
	// ReasonNone means the operation completed normally.
	ReasonNone Reason = iota
	// ReasonWouldBlock never reaches user callbacks.
	ReasonWouldBlock
	ReasonClosed
	ReasonReset
	ReasonTimeout
	ReasonCancelled
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "ok"
	case ReasonWouldBlock:
		return "would_block"
	case ReasonClosed:
		return "closed"
	case ReasonReset:
		return "reset"
	case ReasonTimeout:
		return "timeout"
	case ReasonCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("reason(%d)", int(r))
}

// Err returns the sentinel error for r, nil for ReasonNone.
func (r Reason) Err() error {
	switch r {
	case ReasonNone:
		return nil
	case ReasonWouldBlock:
		return ErrWouldBlock
	case ReasonClosed:
		return ErrClosed
	case ReasonReset:
		return ErrReset
	case ReasonTimeout:
		return ErrTimeout
	case ReasonCancelled:
		return ErrCancelled
	}
	return fmt.Errorf("unknown reason %d", int(r))
}

// ReasonOf maps an error back onto the taxonomy. Unknown errors are Reset.
func ReasonOf(err error) Reason {
	switch {
	case err == nil:
		return ReasonNone
	case errors.Is(err, ErrWouldBlock):
		return ReasonWouldBlock
	case errors.Is(err, ErrClosed), errors.Is(err, ErrSocketClosed):
		return ReasonClosed
	case errors.Is(err, ErrTimeout):
		return ReasonTimeout
	case errors.Is(err, ErrCancelled):
		return ReasonCancelled
	}
	return ReasonReset
}

// Stage identifies the phase of a server or client workflow that failed.
type Stage string

const (
	StageNone      Stage = ""
	StageResolve   Stage = "resolve"
	StageSocket    Stage = "socket"
	StageBind      Stage = "bind"
	StageListen    Stage = "listen"
	StageAccept    Stage = "accept"
	StageConnect   Stage = "connect"
	StageTLS       Stage = "tls"
	StageHandshake Stage = "handshake"
	StageCertify   Stage = "certify"
)

// StageError is returned by server and client workflows. The partially
// established resource has always been closed when one is reported.
type StageError struct {
	Stage Stage
	Addr  string
	Err   error
}

// NewStageError wraps err with the failing stage.
func NewStageError(stage Stage, addr string, err error) *StageError {
	return &StageError{Stage: stage, Addr: addr, Err: err}
}

// Error implements the error interface.
func (e *StageError) Error() string {
	if e.Addr == "" {
		return fmt.Sprintf("%s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Stage, e.Addr, e.Err)
}

// Unwrap exposes the underlying error to errors.Is / errors.As.
func (e *StageError) Unwrap() error {
	return e.Err
}

// StageOf returns the stage carried by err, or StageNone.
func StageOf(err error) Stage {
	var se *StageError
	if errors.As(err, &se) {
		return se.Stage
	}
	return StageNone
}
