// File: socket/sys_other.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

//go:build !unix

package socket

import (
	"net"

	"github.com/momentics/hioload-net/api"
)

func sysSocket(bool) (int, error) { return -1, api.ErrNotSupported }

func sysSocketpair() ([2]int, error) { return [2]int{-1, -1}, api.ErrNotSupported }

func sysSetNonblock(int) error { return api.ErrNotSupported }

func sysRead(int, []byte) (int, error) { return 0, api.ErrNotSupported }

func sysWrite(int, []byte) (int, error) { return 0, api.ErrNotSupported }

func sysClose(int) error { return api.ErrNotSupported }

func sysShutdownWrite(int) error { return api.ErrNotSupported }

func sysBind(int, *net.TCPAddr) error { return api.ErrNotSupported }

func sysListen(int, int) error { return api.ErrNotSupported }

func sysAccept(int) (int, error) { return -1, api.ErrNotSupported }

func sysConnect(int, *net.TCPAddr) (bool, error) { return false, api.ErrNotSupported }

func sysConnectResult(int) error { return api.ErrNotSupported }

func sysSetNoDelay(int, bool) error { return api.ErrNotSupported }

func sysSetKeepAlive(int, bool) error { return api.ErrNotSupported }

func sysSetLinger(int, int) error { return api.ErrNotSupported }

func sysLocalAddr(int) net.Addr { return nil }

func sysRemoteAddr(int) net.Addr { return nil }

func isWouldBlock(err error) bool { return err == api.ErrWouldBlock }

func isResourceExhausted(error) bool { return false }
