package tlstest

import (
	"crypto/tls"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/fts/internal/identity"
)

// NewIdentity returns an in-memory node identity.
func NewIdentity(t testing.TB, name string) *identity.Identity {
	t.Helper()
	id, err := identity.Generate(name)
	if err != nil {
		t.Fatalf("generate identity %q: %v", name, err)
	}
	return id
}

// WriteIdentity creates (or reloads) an identity under dir/name.
func WriteIdentity(t testing.TB, dir string, name string) *identity.Identity {
	t.Helper()
	id, err := identity.LoadOrCreate(filepath.Join(dir, name), name)
	if err != nil {
		t.Fatalf("load identity %q: %v", name, err)
	}
	return id
}

// Listen opens a loopback TCP listener closed at test cleanup.
func Listen(t testing.TB) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = ln.Close() })
	return ln
}

// ConnectedPair returns both ends of a loopback TLS connection with the
// handshake complete.
func ConnectedPair(t testing.TB, server, client *identity.Identity) (*tls.Conn, *tls.Conn) {
	t.Helper()
	ln := Listen(t)

	type accepted struct {
		conn *tls.Conn
		err  error
	}
	ch := make(chan accepted, 1)
	go func() {
		raw, err := ln.Accept()
		if err != nil {
			ch <- accepted{err: err}
			return
		}
		conn := tls.Server(raw, server.ServerTLSConfig())
		_ = conn.SetDeadline(time.Now().Add(5 * time.Second))
		err = conn.Handshake()
		_ = conn.SetDeadline(time.Time{})
		ch <- accepted{conn: conn, err: err}
	}()

	raw, err := net.DialTimeout("tcp", ln.Addr().String(), 5*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	cli := tls.Client(raw, client.ClientTLSConfig())
	_ = cli.SetDeadline(time.Now().Add(5 * time.Second))
	if err := cli.Handshake(); err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	_ = cli.SetDeadline(time.Time{})

	srv := <-ch
	if srv.err != nil {
		t.Fatalf("server handshake: %v", srv.err)
	}
	t.Cleanup(func() {
		_ = cli.Close()
		_ = srv.conn.Close()
	})
	return srv.conn, cli
}
