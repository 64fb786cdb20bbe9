// File: api/logger.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package api

import "github.com/bassosimone/errclass"

// Logger abstracts the [*slog.Logger] behavior.
//
// Info is used for lifecycle events (listen, accept, handshake, close),
// Debug for per-I/O events, Warn and Error for conditions that lose work.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// DiscardLogger returns a Logger that drops everything.
func DiscardLogger() Logger {
	return discardLogger{}
}

type discardLogger struct{}

func (discardLogger) Debug(string, ...any) {}
func (discardLogger) Info(string, ...any)  {}
func (discardLogger) Warn(string, ...any)  {}
func (discardLogger) Error(string, ...any) {}

// ErrClass returns a short, stable label for err (e.g. "ECONNRESET").
func ErrClass(err error) string {
	if err == nil {
		return ""
	}
	return errclass.New(err)
}
