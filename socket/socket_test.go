// File: socket/socket_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package socket

import (
	"bytes"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/momentics/hioload-net/api"
)

func TestReadAnyReceivesWrittenBytes(t *testing.T) {
	r := runReactor(t)
	a, b := pair(t, r)

	c := newCollector()
	b.ReadAsync(Any(), c.fn)
	writeAll(t, a, []byte("hello"))

	assert.Equal(t, "hello", string(c.waitLen(t, 5)))
}

func TestReadUntilDeliversEachLine(t *testing.T) {
	r := runReactor(t)
	a, b := pair(t, r)

	var (
		mu    sync.Mutex
		lines []string
		cur   []byte
	)
	got := make(chan struct{}, 8)
	b.ReadAsync(Until([]byte("\r\n")), func(ev ReadEvent) bool {
		if !ev.OK() {
			return false
		}
		mu.Lock()
		cur = append(cur, ev.Data...)
		if ev.Matched {
			lines = append(lines, string(cur))
			cur = nil
			got <- struct{}{}
		}
		mu.Unlock()
		return true
	})
	writeAll(t, a, []byte("PING\r\nPONG\r\npartial"))

	for i := 0; i < 2; i++ {
		select {
		case <-got:
		case <-time.After(5 * time.Second):
			t.Fatal("line not delivered")
		}
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"PING\r\n", "PONG\r\n"}, lines)
	assert.Equal(t, "partial", string(cur))
}

func TestSecondReadCancelsFirst(t *testing.T) {
	r := runReactor(t)
	_, b := pair(t, r)

	first := newCollector()
	b.ReadAsync(Any(), first.fn)
	b.ReadAsync(Any(), newCollector().fn)

	ev := first.waitEnd(t)
	assert.Equal(t, api.ReasonCancelled, ev.Reason)
	assert.ErrorIs(t, ev.Err, api.ErrCancelled)
}

func TestCloseResolvesPendingBeforeOnClose(t *testing.T) {
	r := runReactor(t)
	_, b := pair(t, r)

	var (
		mu    sync.Mutex
		order []string
	)
	done := make(chan struct{})
	b.ReadAsync(Any(), func(ev ReadEvent) bool {
		mu.Lock()
		order = append(order, "read:"+ev.Reason.String())
		mu.Unlock()
		return false
	})
	b.OnClose(func(reason api.Reason) {
		mu.Lock()
		order = append(order, "close:"+reason.String())
		mu.Unlock()
		close(done)
	})
	b.Close(false)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("OnClose not called")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"read:cancelled", "close:closed"}, order)
	assert.True(t, b.Closed())
	assert.False(t, b.Registered())
}

func TestOperationsOnClosedSocket(t *testing.T) {
	r := runReactor(t)
	_, b := pair(t, r)
	b.Close(false)

	var rev ReadEvent
	b.ReadAsync(Any(), func(ev ReadEvent) bool { rev = ev; return false })
	assert.Equal(t, api.ReasonClosed, rev.Reason)

	var wev WriteEvent
	b.WriteAsync([]byte("x"), func(ev WriteEvent) { wev = ev })
	assert.True(t, wev.Done)
	assert.ErrorIs(t, wev.Err, api.ErrSocketClosed)

	var reason api.Reason
	b.OnClose(func(rs api.Reason) { reason = rs })
	assert.Equal(t, api.ReasonClosed, reason)
}

func TestPeerCloseEndsReadWithClosed(t *testing.T) {
	r := runReactor(t)
	a, b := pair(t, r)

	c := newCollector()
	b.ReadAsync(Exactly(8), c.fn)
	writeAll(t, a, []byte("abc"))
	a.Close(false)

	ev := c.waitEnd(t)
	assert.Equal(t, api.ReasonClosed, ev.Reason)
	assert.Equal(t, "abc", string(ev.Data))
	assert.False(t, b.Closed())
}

func TestLargeWriteProgressAddsUp(t *testing.T) {
	r := runReactor(t)
	a, b := pair(t, r)

	payload := bytes.Repeat([]byte("0123456789abcdef"), 256<<10)
	want := append([]byte(nil), payload...)

	c := newCollector()
	b.ReadAsync(Any(), c.fn)

	var (
		mu    sync.Mutex
		total int
		dones int
	)
	finished := make(chan struct{})
	a.WriteAsync(payload, func(ev WriteEvent) {
		mu.Lock()
		defer mu.Unlock()
		total += ev.N
		if ev.Done {
			dones++
			close(finished)
		}
	})
	// The caller owns its buffer again once WriteAsync returned.
	for i := range payload {
		payload[i] = 'X'
	}

	got := c.waitLen(t, len(want))
	select {
	case <-finished:
	case <-time.After(5 * time.Second):
		t.Fatal("write not done")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, len(want), total)
	assert.Equal(t, 1, dones)
	assert.True(t, bytes.Equal(want, got))
}

func TestIdleTimeoutClosesSocket(t *testing.T) {
	r := runReactor(t)
	_, b := pair(t, r)

	c := newCollector()
	closed := make(chan api.Reason, 1)
	b.OnClose(func(reason api.Reason) { closed <- reason })
	b.ReadAsync(Any(), c.fn)
	b.SetTimeout(30 * time.Millisecond)

	ev := c.waitEnd(t)
	assert.Equal(t, api.ReasonTimeout, ev.Reason)
	select {
	case reason := <-closed:
		assert.Equal(t, api.ReasonTimeout, reason)
	case <-time.After(5 * time.Second):
		t.Fatal("not closed")
	}
}

func TestActivityPushesDeadline(t *testing.T) {
	r := runReactor(t)
	a, b := pair(t, r)

	b.SetTimeout(time.Hour)
	first, ok := r.Deadline(b.h)
	require.True(t, ok)

	c := newCollector()
	b.ReadAsync(Any(), c.fn)
	time.Sleep(5 * time.Millisecond)
	writeAll(t, a, []byte("x"))
	c.waitLen(t, 1)

	second, ok := r.Deadline(b.h)
	require.True(t, ok)
	assert.True(t, second.After(first))
}

func TestGracefulCloseDrainsUntilPeerCloses(t *testing.T) {
	r := runReactor(t)
	a, b := pair(t, r, WithLingerTimeout(5*time.Second))

	closed := make(chan api.Reason, 1)
	a.OnClose(func(reason api.Reason) { closed <- reason })
	a.Close(true)

	c := newCollector()
	b.ReadAsync(Any(), c.fn)
	assert.Equal(t, api.ReasonClosed, c.waitEnd(t).Reason)
	assert.False(t, a.Closed())

	b.Close(false)
	select {
	case reason := <-closed:
		assert.Equal(t, api.ReasonClosed, reason)
	case <-time.After(5 * time.Second):
		t.Fatal("graceful close did not finish")
	}
}

func TestGracefulCloseLingerExpires(t *testing.T) {
	r := runReactor(t)
	a, _ := pair(t, r, WithLingerTimeout(20*time.Millisecond))

	closed := make(chan api.Reason, 1)
	a.OnClose(func(reason api.Reason) { closed <- reason })
	a.Close(true)

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("linger did not expire")
	}
	assert.True(t, a.Closed())
}

func TestCallbacksDoNotReenter(t *testing.T) {
	r := runReactor(t)
	a, b := pair(t, r)

	var (
		mu       sync.Mutex
		depth    int
		maxDepth int
		events   []api.Reason
	)
	done := make(chan struct{})
	b.ReadAsync(Exactly(1), func(ev ReadEvent) bool {
		mu.Lock()
		depth++
		maxDepth = max(maxDepth, depth)
		events = append(events, ev.Reason)
		n := len(events)
		mu.Unlock()
		if ev.OK() && n == 1 {
			// Queued until this callback returns.
			b.CancelRead()
		}
		if !ev.OK() {
			close(done)
		}
		mu.Lock()
		depth--
		mu.Unlock()
		return true
	})
	writeAll(t, a, []byte("abc"))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("read not cancelled")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxDepth)
	require.NotEmpty(t, events)
	assert.Equal(t, api.ReasonNone, events[0])
	assert.Equal(t, api.ReasonCancelled, events[len(events)-1])
}

func TestListenAcceptConnect(t *testing.T) {
	r := runReactor(t)
	ln, err := Listen(r, "127.0.0.1:0", 16)
	require.NoError(t, err)
	defer ln.Close(false)

	accepted := make(chan *Socket, 1)
	ln.AcceptAsync(func(conn *Socket, err error) {
		if err == nil {
			accepted <- conn
		}
	})
	require.True(t, ln.Registered())

	addr := ln.LocalAddr().(*net.TCPAddr)
	cli, err := Open(r, addr.IP)
	require.NoError(t, err)
	defer cli.Close(false)
	connected := make(chan error, 1)
	cli.ConnectAsync(addr, func(err error) { connected <- err })

	require.NoError(t, <-connected)
	var srv *Socket
	select {
	case srv = <-accepted:
	case <-time.After(5 * time.Second):
		t.Fatal("nothing accepted")
	}
	defer srv.Close(false)
	require.NoError(t, srv.SetNoDelay(true))

	c := newCollector()
	srv.ReadAsync(Any(), c.fn)
	writeAll(t, cli, []byte("ping"))
	assert.Equal(t, "ping", string(c.waitLen(t, 4)))

	ln.StopAccept()
	assert.Eventually(t, func() bool { return !ln.Registered() }, time.Second, time.Millisecond)
}

func TestConnectRefused(t *testing.T) {
	r := runReactor(t)
	ln, err := Listen(r, "127.0.0.1:0", 1)
	require.NoError(t, err)
	addr := ln.LocalAddr().(*net.TCPAddr)
	ln.Close(false)

	cli, err := Open(r, addr.IP)
	require.NoError(t, err)
	defer cli.Close(false)
	connected := make(chan error, 1)
	cli.ConnectAsync(addr, func(err error) { connected <- err })

	select {
	case err := <-connected:
		require.Error(t, err)
		assert.Equal(t, api.StageConnect, api.StageOf(err))
	case <-time.After(5 * time.Second):
		t.Fatal("connect did not resolve")
	}
}

func TestUserData(t *testing.T) {
	r := runReactor(t)
	a, _ := pair(t, r)
	assert.Nil(t, a.UserData())
	a.SetUserData(42)
	assert.Equal(t, 42, a.UserData())
}

// writeRecorder counts write events for one WriteAsync call.
type writeRecorder struct {
	mu     sync.Mutex
	events int
	dones  []WriteEvent
	done   chan struct{}
}

func newWriteRecorder() *writeRecorder {
	return &writeRecorder{done: make(chan struct{})}
}

func (w *writeRecorder) fn(ev WriteEvent) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events++
	if ev.Done {
		w.dones = append(w.dones, ev)
		if len(w.dones) == 1 {
			close(w.done)
		}
	}
}

func (w *writeRecorder) wait(t *testing.T) []WriteEvent {
	t.Helper()
	select {
	case <-w.done:
	case <-time.After(5 * time.Second):
		t.Fatal("write never completed")
	}
	// A second Done would arrive right behind the first.
	time.Sleep(50 * time.Millisecond)
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]WriteEvent(nil), w.dones...)
}

func TestCloseCancelsPendingWriteOnce(t *testing.T) {
	r := runReactor(t)
	a, _ := pair(t, r)

	// Nobody reads the peer, so most of the payload stays pending.
	w := newWriteRecorder()
	a.WriteAsync(bytes.Repeat([]byte{'w'}, 8<<20), w.fn)
	closed := make(chan struct{})
	a.OnClose(func(api.Reason) { close(closed) })
	a.Close(false)

	dones := w.wait(t)
	require.Len(t, dones, 1)
	assert.Equal(t, api.ReasonCancelled, dones[0].Reason)
	assert.ErrorIs(t, dones[0].Err, api.ErrCancelled)
	<-closed
}

func TestSecondWriteCancelsFirst(t *testing.T) {
	r := runReactor(t)
	a, _ := pair(t, r)

	first := newWriteRecorder()
	a.WriteAsync(bytes.Repeat([]byte{'1'}, 8<<20), first.fn)
	a.WriteAsync([]byte("2"), newWriteRecorder().fn)

	dones := first.wait(t)
	require.Len(t, dones, 1)
	assert.Equal(t, api.ReasonCancelled, dones[0].Reason)
	assert.ErrorIs(t, dones[0].Err, api.ErrCancelled)
}

// startHead starts reading up to and including the blank line ending a
// header block; the returned func waits for it.
func startHead(s *Socket) func(t *testing.T) string {
	var head []byte
	got := make(chan error, 1)
	s.ReadAsync(Until([]byte("\r\n\r\n")), func(ev ReadEvent) bool {
		if !ev.OK() {
			got <- ev.Err
			return false
		}
		head = append(head, ev.Data...)
		if ev.Matched {
			got <- nil
			return false
		}
		return true
	})
	return func(t *testing.T) string {
		t.Helper()
		select {
		case err := <-got:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("terminator not matched")
		}
		return string(head)
	}
}

func TestUntilIndependentOfChunking(t *testing.T) {
	const (
		head = "GET / HTTP/1.1\r\nHost: x\r\n\r\n"
		body = "BODYBYTES"
	)
	for _, tc := range []struct {
		name  string
		write func(t *testing.T, s *Socket)
	}{
		{"one write", func(t *testing.T, s *Socket) { writeAll(t, s, []byte(head+body)) }},
		{"byte by byte", func(t *testing.T, s *Socket) {
			for _, c := range []byte(head + body) {
				writeAll(t, s, []byte{c})
			}
		}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r := runReactor(t)
			a, b := pair(t, r)

			wait := startHead(b)
			tc.write(t, a)
			assert.Equal(t, head, wait(t))

			// Bytes after the terminator stay with the socket.
			c := newCollector()
			b.ReadAsync(Exactly(len(body)), c.fn)
			assert.Equal(t, body, string(c.waitLen(t, len(body))))
		})
	}
}
