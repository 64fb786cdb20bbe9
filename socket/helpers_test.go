// File: socket/helpers_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Shared fixtures: a running reactor, socketpairs and read collectors.

package socket

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/momentics/hioload-net/reactor"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// runReactor starts a dispatch loop that stops when the test ends.
func runReactor(t *testing.T, opts ...reactor.Option) *reactor.Reactor {
	t.Helper()
	r, err := reactor.New(64, opts...)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = r.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = r.Release()
	})
	return r
}

func pair(t *testing.T, r *reactor.Reactor, opts ...Option) (*Socket, *Socket) {
	t.Helper()
	a, b, err := Socketpair(r, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		a.Close(false)
		b.Close(false)
	})
	return a, b
}

// collector gathers read events on the test goroutine's behalf.
type collector struct {
	mu     sync.Mutex
	data   []byte
	chunks [][]byte
	ends   []ReadEvent
	ch     chan struct{}
}

func newCollector() *collector {
	return &collector{ch: make(chan struct{}, 1024)}
}

func (c *collector) fn(ev ReadEvent) bool {
	c.mu.Lock()
	if ev.OK() {
		c.data = append(c.data, ev.Data...)
		c.chunks = append(c.chunks, append([]byte(nil), ev.Data...))
	} else {
		c.ends = append(c.ends, ReadEvent{Data: append([]byte(nil), ev.Data...), Reason: ev.Reason, Err: ev.Err})
	}
	c.mu.Unlock()
	c.ch <- struct{}{}
	return true
}

func (c *collector) waitLen(t *testing.T, n int) []byte {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		c.mu.Lock()
		if len(c.data) >= n {
			out := append([]byte(nil), c.data...)
			c.mu.Unlock()
			return out
		}
		c.mu.Unlock()
		select {
		case <-c.ch:
		case <-deadline:
			t.Fatalf("timed out waiting for %d bytes", n)
		}
	}
}

func (c *collector) waitEnd(t *testing.T) ReadEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		c.mu.Lock()
		if len(c.ends) > 0 {
			ev := c.ends[0]
			c.mu.Unlock()
			return ev
		}
		c.mu.Unlock()
		select {
		case <-c.ch:
		case <-deadline:
			t.Fatal("timed out waiting for the read to end")
		}
	}
}

func writeAll(t *testing.T, s *Socket, b []byte) {
	t.Helper()
	done := make(chan WriteEvent, 1)
	s.WriteAsync(b, func(ev WriteEvent) {
		if ev.Done {
			done <- ev
		}
	})
	select {
	case ev := <-done:
		require.True(t, ev.OK(), "write failed: %v", ev.Err)
	case <-time.After(5 * time.Second):
		t.Fatal("write did not complete")
	}
}

// selfSigned returns a server and a client config trusting each other.
func selfSigned(t *testing.T) (*tls.Config, *tls.Config) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	roots := x509.NewCertPool()
	roots.AddCert(cert)
	server := &tls.Config{Certificates: []tls.Certificate{{Certificate: [][]byte{der}, PrivateKey: key, Leaf: cert}}}
	client := &tls.Config{RootCAs: roots, ServerName: "localhost"}
	return server, client
}
