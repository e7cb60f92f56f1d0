package identity

import (
	"crypto/tls"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/danmuck/fts/internal/testutil/testlog"
)

func TestLoadOrCreateIsStable(t *testing.T) {
	testlog.Start(t)
	dir := filepath.Join(t.TempDir(), "id")

	first, err := LoadOrCreate(dir, "node-a")
	if err != nil {
		t.Fatalf("create identity: %v", err)
	}
	if first.Name != "node-a" || len(first.Fingerprint()) != 64 {
		t.Fatalf("unexpected identity name=%q fp=%q", first.Name, first.Fingerprint())
	}
	info, err := os.Stat(filepath.Join(dir, KeyFile))
	if err != nil {
		t.Fatalf("stat key: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("key mode=%v", info.Mode().Perm())
	}

	second, err := LoadOrCreate(dir, "ignored-on-reload")
	if err != nil {
		t.Fatalf("reload identity: %v", err)
	}
	if second.Fingerprint() != first.Fingerprint() || second.Name != "node-a" {
		t.Fatalf("reloaded identity differs")
	}
}

func TestGenerateRequiresName(t *testing.T) {
	testlog.Start(t)
	if _, err := Generate("  "); err != ErrNameRequired {
		t.Fatalf("expected ErrNameRequired, got %v", err)
	}
}

func TestMutualHandshakeExposesPeerCertificates(t *testing.T) {
	testlog.Start(t)
	server, err := Generate("server-node")
	if err != nil {
		t.Fatalf("server identity: %v", err)
	}
	client, err := Generate("client-node")
	if err != nil {
		t.Fatalf("client identity: %v", err)
	}

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	srv := tls.Server(a, server.ServerTLSConfig())
	cli := tls.Client(b, client.ClientTLSConfig())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Handshake() }()
	if err := cli.Handshake(); err != nil {
		t.Fatalf("client handshake: %v", err)
	}
	if err := <-errCh; err != nil {
		t.Fatalf("server handshake: %v", err)
	}

	seenByClient, err := PeerCertificate(cli.ConnectionState())
	if err != nil {
		t.Fatalf("client peer cert: %v", err)
	}
	if Fingerprint(seenByClient) != server.Fingerprint() {
		t.Fatalf("client saw wrong server fingerprint")
	}
	seenByServer, err := PeerCertificate(srv.ConnectionState())
	if err != nil {
		t.Fatalf("server peer cert: %v", err)
	}
	if PeerName(seenByServer) != "client-node" || Fingerprint(seenByServer) != client.Fingerprint() {
		t.Fatalf("server saw wrong client identity")
	}
}

func TestPeerCertificateMissing(t *testing.T) {
	testlog.Start(t)
	if _, err := PeerCertificate(tls.ConnectionState{}); err != ErrNoPeerCert {
		t.Fatalf("expected ErrNoPeerCert, got %v", err)
	}
	if PeerName(nil) != "" || Fingerprint(nil) != "" {
		t.Fatalf("nil certificate should yield empty values")
	}
}
