// File: pool/bytepool.go
// Package pool
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Owning byte buffers for pending socket operations. A buffer taken from the
// pool belongs to exactly one operation and is returned on every exit path.

package pool

import (
	"sync/atomic"

	"github.com/valyala/bytebufferpool"
)

// Buffer is an owned, growable byte buffer.
type Buffer = bytebufferpool.ByteBuffer

// BytePool wraps bytebufferpool with accounting.
type BytePool struct {
	bp   bytebufferpool.Pool
	gets atomic.Uint64
	puts atomic.Uint64
}

// BytePoolStats aggregates buffer usage counters.
type BytePoolStats struct {
	Gets  uint64
	Puts  uint64
	InUse int64
}

// Default is the process-wide pool used by sockets.
var Default = &BytePool{}

// Get returns an empty buffer.
func (p *BytePool) Get() *Buffer {
	p.gets.Add(1)
	return p.bp.Get()
}

// Clone returns a buffer holding a copy of b.
func (p *BytePool) Clone(b []byte) *Buffer {
	buf := p.Get()
	buf.Set(b)
	return buf
}

// Put returns buf to the pool. A nil buffer is ignored.
func (p *BytePool) Put(buf *Buffer) {
	if buf == nil {
		return
	}
	p.puts.Add(1)
	p.bp.Put(buf)
}

// Stats returns the pool counters.
func (p *BytePool) Stats() BytePoolStats {
	g, u := p.gets.Load(), p.puts.Load()
	return BytePoolStats{Gets: g, Puts: u, InUse: int64(g) - int64(u)}
}

// Get takes a buffer from Default.
func Get() *Buffer { return Default.Get() }

// Clone copies b into a buffer from Default.
func Clone(b []byte) *Buffer { return Default.Clone(b) }

// Put returns buf to Default.
func Put(buf *Buffer) { Default.Put(buf) }
