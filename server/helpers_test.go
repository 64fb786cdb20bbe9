// File: server/helpers_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Line echo protocol and loopback helpers for server tests.

package server

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/momentics/hioload-net/reactor"
	"github.com/momentics/hioload-net/socket"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func runReactor(t *testing.T) *reactor.Reactor {
	t.Helper()
	r, err := reactor.New(64)
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

// lineEcho answers every "\n"-terminated line with the same line.
type lineEcho struct {
	srv         *Server
	allocated   atomic.Int32
	deallocated atomic.Int32
	requests    atomic.Int32
	block       chan struct{} // when set, the read callback waits on it
	blocked     chan struct{}
}

func (e *lineEcho) hooks() Hooks {
	return HooksFuncs{
		Allocate:     func(*Connection) { e.allocated.Add(1) },
		RequestBegin: e.begin,
		RequestEnd:   func(*Connection) { e.requests.Add(1) },
		Deallocate:   func(*Connection) { e.deallocated.Add(1) },
	}
}

func (e *lineEcho) begin(c *Connection) {
	var line []byte
	c.Socket().ReadAsync(socket.Until([]byte("\n")), func(ev socket.ReadEvent) bool {
		if e.block != nil {
			select {
			case e.blocked <- struct{}{}:
			default:
			}
			<-e.block
		}
		if !ev.OK() {
			c.Close()
			return false
		}
		line = append(line, ev.Data...)
		if !ev.Matched {
			return true
		}
		c.Socket().WriteAsync(line, func(w socket.WriteEvent) {
			if !w.Done {
				return
			}
			if !w.OK() {
				c.Close()
				return
			}
			e.srv.Manage(c)
		})
		return false
	})
}

func newEchoServer(t *testing.T, r *reactor.Reactor, cfg *Config) (*Server, *lineEcho) {
	t.Helper()
	e := &lineEcho{}
	srv, err := New(r, e.hooks())
	require.NoError(t, err)
	e.srv = srv
	t.Cleanup(func() { _ = srv.Close() })
	if cfg != nil {
		require.NoError(t, srv.Configure(cfg))
	}
	return srv, e
}

func localConfig() *Config {
	cfg := DefaultConfig()
	cfg.Binds = []BindConfig{{Address: "127.0.0.1:0"}}
	cfg.MaintenanceInterval = Duration(20 * time.Millisecond)
	return cfg
}

func dial(t *testing.T, srv *Server) (net.Conn, *bufio.Reader) {
	t.Helper()
	addr := srv.Listeners()[0].Addr().String()
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	require.NoError(t, err)
	require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))
	t.Cleanup(func() { conn.Close() })
	return conn, bufio.NewReader(conn)
}

func roundTrip(t *testing.T, conn net.Conn, br *bufio.Reader, line string) string {
	t.Helper()
	_, err := fmt.Fprint(conn, line)
	require.NoError(t, err)
	got, err := br.ReadString('\n')
	require.NoError(t, err)
	return got
}

// writeCert stores a self-signed certificate for 127.0.0.1 and returns the
// file paths and a pool trusting it.
func writeCert(t *testing.T) (string, string, *x509.CertPool) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(7),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	dir := t.TempDir()
	certFile := filepath.Join(dir, "cert.pem")
	keyFile := filepath.Join(dir, "key.pem")
	require.NoError(t, os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0o600))
	require.NoError(t, os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0o600))

	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	roots := x509.NewCertPool()
	roots.AddCert(cert)
	return certFile, keyFile, roots
}

// recordingLogger keeps Warn messages for assertions.
type recordingLogger struct {
	mu    sync.Mutex
	warns []string
}

func (l *recordingLogger) Debug(string, ...any) {}
func (l *recordingLogger) Info(string, ...any)  {}
func (l *recordingLogger) Error(string, ...any) {}
func (l *recordingLogger) Warn(msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, fmt.Sprint(append([]any{msg}, args...)...))
}
