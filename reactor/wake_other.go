//go:build !unix

package reactor

import "github.com/momentics/hioload-net/api"

type waker struct{}

func newWaker() (*waker, error) { return nil, api.ErrNotSupported }

func (w *waker) fd() int { return -1 }
func (w *waker) wake()   {}
func (w *waker) drain()  {}
func (w *waker) close()  {}
