// File: pool/bytepool_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package pool

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBytePoolAccounting(t *testing.T) {
	p := &BytePool{}
	src := []byte("pending suffix")
	buf := p.Clone(src)
	src[0] = 'X'
	assert.Equal(t, "pending suffix", string(buf.B))

	other := p.Get()
	assert.Zero(t, other.Len())
	assert.Equal(t, BytePoolStats{Gets: 2, Puts: 0, InUse: 2}, p.Stats())

	p.Put(buf)
	p.Put(other)
	p.Put(nil)
	assert.Equal(t, BytePoolStats{Gets: 2, Puts: 2, InUse: 0}, p.Stats())
}

func TestReusedBufferIsEmpty(t *testing.T) {
	p := &BytePool{}
	buf := p.Get()
	buf.SetString("leftover")
	p.Put(buf)
	again := p.Get()
	assert.Zero(t, again.Len())
	p.Put(again)
}
