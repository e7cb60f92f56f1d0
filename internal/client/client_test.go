package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/fts/internal/cache"
	"github.com/danmuck/fts/internal/protocol/session"
	"github.com/danmuck/fts/internal/testutil/testlog"
	"github.com/danmuck/fts/internal/testutil/tlstest"
	"github.com/danmuck/fts/internal/transfer"
	"github.com/danmuck/fts/internal/trust"
)

func newDeps(t *testing.T, name string) transfer.Deps {
	t.Helper()
	c, err := cache.Open(cache.NewMemoryStore(), cache.Config{})
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	return transfer.Deps{
		Identity: tlstest.NewIdentity(t, name),
		Trust:    trust.NewStore(trust.NewMemoryBackend()),
		Cache:    c,
	}
}

func testConfig(dir string) transfer.Config {
	return transfer.Config{
		Session: session.Config{
			ReadTimeout:        5 * time.Second,
			AckTimeout:         2 * time.Second,
			VerifyTimeout:      5 * time.Second,
			MaxConnectAttempts: 1,
			ChunkSize:          session.MinChunkSize,
			Backoff:            session.BackoffConfig{InitialDelay: 10 * time.Millisecond, Multiplier: 2},
		},
		Policy:      trust.PolicyAutoAccept,
		DownloadDir: dir,
	}
}

type responder struct {
	addr     string
	deps     transfer.Deps
	accepted atomic.Int32
}

// serve runs Respond for every connection. The first dropFirst connections
// are closed without a handshake.
func serve(t *testing.T, dir string, dropFirst int32) *responder {
	t.Helper()
	ln := tlstest.Listen(t)
	r := &responder{addr: ln.Addr().String(), deps: newDeps(t, "responder")}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			if r.accepted.Add(1) <= dropFirst {
				_ = conn.Close()
				continue
			}
			go transfer.Respond(ctx, testConfig(dir), r.deps, conn)
		}
	}()
	return r
}

func writeFile(t *testing.T, name string, seed int64, n int) (string, []byte) {
	t.Helper()
	data := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(data)
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path, data
}

func assertDelivered(t *testing.T, dir, name string, want []byte) {
	t.Helper()
	got, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		t.Fatalf("read delivered %s: %v", name, err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("delivered %s differs from source", name)
	}
}

func TestParseEndpoint(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{in: "10.0.0.2:7070", want: "10.0.0.2:7070", ok: true},
		{in: " host.lan:7070 ", want: "host.lan:7070", ok: true},
		{in: ":7070", want: "localhost:7070", ok: true},
		{in: "[::1]:7070", want: "[::1]:7070", ok: true},
		{in: "host.lan", ok: false},
		{in: "host.lan:", ok: false},
	}
	for _, tc := range cases {
		ep, err := ParseEndpoint(tc.in)
		if tc.ok != (err == nil) {
			t.Fatalf("ParseEndpoint(%q) err=%v", tc.in, err)
		}
		if tc.ok && ep.Address != tc.want {
			t.Fatalf("ParseEndpoint(%q) = %q want %q", tc.in, ep.Address, tc.want)
		}
		if !tc.ok && !errors.Is(err, ErrInvalidTarget) {
			t.Fatalf("expected ErrInvalidTarget for %q, got %v", tc.in, err)
		}
	}
}

func TestResolvePrefersAlias(t *testing.T) {
	testlog.Start(t)
	aliases := ResolverFunc(func(name string) (Endpoint, error) {
		if name == "laptop" {
			return Endpoint{Name: "laptop", Address: "10.0.0.9:7070", Host: "laptop"}, nil
		}
		if name == "broken" {
			return Endpoint{}, errors.New("registry unreadable")
		}
		return Endpoint{}, ErrUnknownAlias
	})
	d := NewDriver(testConfig(""), transfer.Deps{}, aliases, DefaultOptions())

	ep, err := d.Resolve("laptop")
	if err != nil || ep.Address != "10.0.0.9:7070" || ep.Host != "laptop" {
		t.Fatalf("alias resolve: %+v %v", ep, err)
	}
	ep, err = d.Resolve("127.0.0.1:9000")
	if err != nil || ep.Address != "127.0.0.1:9000" {
		t.Fatalf("literal resolve: %+v %v", ep, err)
	}
	if _, err := d.Resolve("desktop"); !errors.Is(err, ErrInvalidTarget) {
		t.Fatalf("unknown alias without port should be invalid, got %v", err)
	}
	if _, err := d.Resolve("broken"); err == nil || errors.Is(err, ErrInvalidTarget) {
		t.Fatalf("resolver errors should surface, got %v", err)
	}
}

func TestSendAllDeliversEveryFile(t *testing.T) {
	testlog.Start(t)
	downloads := t.TempDir()
	r := serve(t, downloads, 0)
	d := NewDriver(testConfig(""), newDeps(t, "sender"), nil, Options{Parallel: 2, Attempts: 1})

	var paths [][]byte
	var files []string
	for i := 0; i < 5; i++ {
		path, data := writeFile(t, fmt.Sprintf("part-%d.bin", i), int64(i+1), (i+1)*int(session.MinChunkSize)+17)
		files = append(files, path)
		paths = append(paths, data)
	}
	outcomes, err := d.SendAll(context.Background(), Endpoint{Address: r.addr}, files)
	if err != nil {
		t.Fatalf("send all: %v", err)
	}
	if len(outcomes) != len(files) {
		t.Fatalf("expected %d outcomes, got %d", len(files), len(outcomes))
	}
	for i, out := range outcomes {
		if !out.Completed || out.Name != fmt.Sprintf("part-%d.bin", i) {
			t.Fatalf("outcome %d out of order or failed: %+v", i, out)
		}
		assertDelivered(t, downloads, out.Name, paths[i])
	}
}

func TestSendAllReportsPartialFailure(t *testing.T) {
	testlog.Start(t)
	downloads := t.TempDir()
	r := serve(t, downloads, 0)
	d := NewDriver(testConfig(""), newDeps(t, "sender"), nil, DefaultOptions())

	if _, err := d.SendAll(context.Background(), Endpoint{Address: r.addr}, nil); !errors.Is(err, ErrNoFiles) {
		t.Fatalf("expected ErrNoFiles, got %v", err)
	}
	good, data := writeFile(t, "good.bin", 3, 5000)
	missing := filepath.Join(t.TempDir(), "missing.bin")
	outcomes, err := d.SendAll(context.Background(), Endpoint{Address: r.addr}, []string{missing, good})
	if !errors.Is(err, ErrSendIncomplete) {
		t.Fatalf("expected ErrSendIncomplete, got %v", err)
	}
	if f := outcomes[0].Failure; f == nil || f.Kind != transfer.KindInternal {
		t.Fatalf("missing source should fail locally, got %+v", f)
	}
	if !outcomes[1].Completed {
		t.Fatalf("good file should still be delivered: %+v", outcomes[1])
	}
	assertDelivered(t, downloads, "good.bin", data)
}

func TestSendRetriesResumableFailure(t *testing.T) {
	testlog.Start(t)
	downloads := t.TempDir()
	r := serve(t, downloads, 1)
	d := NewDriver(testConfig(""), newDeps(t, "sender"), nil, Options{Parallel: 1, Attempts: 3})

	path, data := writeFile(t, "retry.bin", 4, 3*int(session.MinChunkSize))
	out, err := d.SendTo(context.Background(), r.addr, path)
	if err != nil {
		t.Fatalf("send should succeed on retry: %v", err)
	}
	if got := r.accepted.Load(); got != 2 {
		t.Fatalf("expected 2 connections, got %d", got)
	}
	if !out.Completed {
		t.Fatalf("expected completion: %+v", out)
	}
	assertDelivered(t, downloads, "retry.bin", data)
}

func TestSendDoesNotRetryTrustViolation(t *testing.T) {
	testlog.Start(t)
	r := serve(t, t.TempDir(), 0)
	other := tlstest.NewIdentity(t, "impostor")
	pinned := ResolverFunc(func(name string) (Endpoint, error) {
		return Endpoint{Name: name, Address: r.addr, Host: name, Fingerprint: other.Fingerprint()}, nil
	})
	d := NewDriver(testConfig(""), newDeps(t, "sender"), pinned, Options{Parallel: 1, Attempts: 3})

	path, _ := writeFile(t, "pinned.bin", 5, 100)
	out, err := d.SendTo(context.Background(), "peer", path)
	if err == nil {
		t.Fatalf("pin mismatch should fail")
	}
	if out.Failure.Kind != transfer.KindTrustViolation || out.Failure.Resumable {
		t.Fatalf("expected non-resumable trust violation, got %+v", out.Failure)
	}
	if got := r.accepted.Load(); got != 1 {
		t.Fatalf("trust violations must not retry, saw %d connections", got)
	}
}

func TestSendStopsOnCancel(t *testing.T) {
	testlog.Start(t)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := NewDriver(testConfig(""), newDeps(t, "sender"), nil, Options{Parallel: 1, Attempts: 5})
	path, _ := writeFile(t, "cancelled.bin", 6, 100)
	out := d.Send(ctx, Endpoint{Address: addr}, path)
	if out.Failure == nil || out.Failure.Kind != transfer.KindCancelled {
		t.Fatalf("expected cancellation, got %+v", out.Failure)
	}
}
