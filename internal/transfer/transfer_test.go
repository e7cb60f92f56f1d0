package transfer

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"math/rand"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/fts/internal/cache"
	"github.com/danmuck/fts/internal/identity"
	"github.com/danmuck/fts/internal/manifest"
	"github.com/danmuck/fts/internal/protocol/frame"
	"github.com/danmuck/fts/internal/protocol/session"
	"github.com/danmuck/fts/internal/testutil/testlog"
	"github.com/danmuck/fts/internal/testutil/tlstest"
	"github.com/danmuck/fts/internal/trust"
	"github.com/google/uuid"
)

const testChunk = int(session.MinChunkSize)

type node struct {
	id    *identity.Identity
	trust *trust.Store
	cache *cache.Cache
}

func newNode(t *testing.T, name string) *node {
	t.Helper()
	c, err := cache.Open(cache.NewMemoryStore(), cache.Config{})
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	return &node{
		id:    tlstest.NewIdentity(t, name),
		trust: trust.NewStore(trust.NewMemoryBackend()),
		cache: c,
	}
}

func (n *node) deps() Deps {
	return Deps{Identity: n.id, Trust: n.trust, Cache: n.cache}
}

func testConfig(dir string) Config {
	return Config{
		Session: session.Config{
			ConnectTimeout:     2 * time.Second,
			HandshakeTimeout:   2 * time.Second,
			ReadTimeout:        5 * time.Second,
			WriteTimeout:       5 * time.Second,
			AckTimeout:         2 * time.Second,
			VerifyTimeout:      5 * time.Second,
			MaxConnectAttempts: 2,
			ChunkSize:          session.MinChunkSize,
			Backoff: session.BackoffConfig{
				InitialDelay: 10 * time.Millisecond,
				Multiplier:   2,
				MaxDelay:     50 * time.Millisecond,
			},
		},
		Policy:      trust.PolicyAutoAccept,
		DownloadDir: dir,
	}
}

func pattern(seed int64, n int) []byte {
	buf := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(buf)
	return buf
}

func writeSource(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	return path
}

// serve accepts one connection and runs a Responder on it.
func serve(t *testing.T, ctx context.Context, cfg Config, n *node) (string, <-chan Outcome) {
	t.Helper()
	ln := tlstest.Listen(t)
	out := make(chan Outcome, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			close(out)
			return
		}
		out <- Respond(ctx, cfg, n.deps(), conn)
	}()
	return ln.Addr().String(), out
}

func await(t *testing.T, ch <-chan Outcome) Outcome {
	t.Helper()
	select {
	case o, ok := <-ch:
		if !ok {
			t.Fatalf("responder never accepted")
		}
		return o
	case <-time.After(15 * time.Second):
		t.Fatalf("timed out waiting for responder outcome")
	}
	return Outcome{}
}

func assertFile(t *testing.T, path string, want []byte) {
	t.Helper()
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read received file: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("received file differs: got %d bytes want %d", len(got), len(want))
	}
}

func TestSendRoundTrip(t *testing.T) {
	testlog.Start(t)
	sender, receiver := newNode(t, "sender"), newNode(t, "receiver")
	downloads := t.TempDir()
	data := pattern(1, 10*testChunk+123)
	src := writeSource(t, "payload.bin", data)

	cfg := testConfig(downloads)
	cfg.Session.Compression = session.CompressionZstd
	addr, results := serve(t, context.Background(), cfg, receiver)

	out := Send(context.Background(), cfg, sender.deps(), Target{Address: addr}, src)
	if err := out.Err(); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	in := await(t, results)
	if err := in.Err(); err != nil {
		t.Fatalf("respond failed: %v", err)
	}
	if !out.Completed || out.ChunksTransferred != 11 || out.ChunksResumed != 0 || out.Bytes != uint64(len(data)) {
		t.Fatalf("unexpected initiator outcome: %+v", out)
	}
	if in.SessionID != out.SessionID || in.Peer != "sender" || in.Name != "payload.bin" {
		t.Fatalf("unexpected responder outcome: %+v", in)
	}
	if in.Path != filepath.Join(downloads, "payload.bin") {
		t.Fatalf("unexpected path %q", in.Path)
	}
	assertFile(t, in.Path, data)
	if refs := receiver.cache.Refs(manifest.Sum(data[:testChunk])); refs != 0 {
		t.Fatalf("pins not released: refs=%d", refs)
	}
	if entries, _ := os.ReadDir(downloads); len(entries) != 1 {
		t.Fatalf("temp files left behind: %d entries", len(entries))
	}
}

func TestSendEmptyFile(t *testing.T) {
	testlog.Start(t)
	sender, receiver := newNode(t, "sender"), newNode(t, "receiver")
	downloads := t.TempDir()
	src := writeSource(t, "empty.txt", nil)

	cfg := testConfig(downloads)
	addr, results := serve(t, context.Background(), cfg, receiver)
	out := Send(context.Background(), cfg, sender.deps(), Target{Address: addr}, src)
	if err := out.Err(); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	in := await(t, results)
	if err := in.Err(); err != nil {
		t.Fatalf("respond failed: %v", err)
	}
	assertFile(t, in.Path, nil)
}

func TestSendResumesFromCache(t *testing.T) {
	testlog.Start(t)
	sender, receiver := newNode(t, "sender"), newNode(t, "receiver")
	downloads := t.TempDir()
	data := pattern(2, 8*testChunk)
	src := writeSource(t, "resume.bin", data)
	for i := 0; i < 4; i++ {
		part := data[i*testChunk : (i+1)*testChunk]
		if err := receiver.cache.Put(manifest.Sum(part), part); err != nil {
			t.Fatalf("seed cache: %v", err)
		}
	}

	cfg := testConfig(downloads)
	addr, results := serve(t, context.Background(), cfg, receiver)
	out := Send(context.Background(), cfg, sender.deps(), Target{Address: addr}, src)
	if err := out.Err(); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if out.ChunksResumed != 4 || out.ChunksTransferred != 4 {
		t.Fatalf("expected 4 resumed and 4 sent, got %+v", out)
	}
	first := await(t, results)
	assertFile(t, first.Path, data)

	// everything is cached now; a repeat only verifies
	addr, results = serve(t, context.Background(), cfg, receiver)
	out = Send(context.Background(), cfg, sender.deps(), Target{Address: addr}, src)
	if err := out.Err(); err != nil {
		t.Fatalf("repeat send failed: %v", err)
	}
	if out.ChunksResumed != 8 || out.ChunksTransferred != 0 {
		t.Fatalf("expected a fully resumed repeat, got %+v", out)
	}
	second := await(t, results)
	if second.Path != filepath.Join(downloads, "resume (1).bin") {
		t.Fatalf("unexpected repeat path %q", second.Path)
	}
	assertFile(t, second.Path, data)
}

func TestSendDeduplicatesRepeatedChunks(t *testing.T) {
	testlog.Start(t)
	sender, receiver := newNode(t, "sender"), newNode(t, "receiver")
	block := pattern(3, testChunk)
	data := bytes.Repeat(block, 8)
	data = append(data, pattern(4, testChunk)...)
	src := writeSource(t, "dup.bin", data)

	cfg := testConfig(t.TempDir())
	addr, results := serve(t, context.Background(), cfg, receiver)
	out := Send(context.Background(), cfg, sender.deps(), Target{Address: addr}, src)
	if err := out.Err(); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	in := await(t, results)
	assertFile(t, in.Path, data)
	stats := receiver.cache.Stats()
	if stats.Entries != 2 || stats.Bytes != int64(2*testChunk) {
		t.Fatalf("expected 2 distinct cached chunks, got %+v", stats)
	}
}

func TestSendFailsOnChangedFingerprint(t *testing.T) {
	testlog.Start(t)
	sender := newNode(t, "sender")
	cfg := testConfig(t.TempDir())
	data := pattern(5, 2*testChunk)
	src := writeSource(t, "pinned.bin", data)

	original := newNode(t, "peer-b")
	addr, results := serve(t, context.Background(), cfg, original)
	if out := Send(context.Background(), cfg, sender.deps(), Target{Address: addr, Host: "peer-b"}, src); out.Err() != nil {
		t.Fatalf("first contact failed: %v", out.Err())
	}
	await(t, results)

	impostor := newNode(t, "peer-b")
	addr, results = serve(t, context.Background(), cfg, impostor)
	out := Send(context.Background(), cfg, sender.deps(), Target{Address: addr, Host: "peer-b"}, src)
	if out.Failure == nil || out.Failure.Kind != KindTrustViolation || out.Failure.Resumable {
		t.Fatalf("expected non-resumable trust violation, got %+v", out.Failure)
	}
	if !errors.Is(out.Err(), trust.ErrTrustViolation) {
		t.Fatalf("expected ErrTrustViolation, got %v", out.Err())
	}
	if in := await(t, results); in.Completed {
		t.Fatalf("impostor session should not complete")
	}
	rec, err := sender.trust.Get(context.Background(), "peer-b")
	if err != nil || rec.Fingerprint != original.id.Fingerprint() {
		t.Fatalf("pinned record changed: %+v err=%v", rec, err)
	}
}

func TestSendRequireApprovalThenApprove(t *testing.T) {
	testlog.Start(t)
	sender, receiver := newNode(t, "sender"), newNode(t, "receiver")
	cfg := testConfig(t.TempDir())
	strict := cfg
	strict.Policy = trust.PolicyRequireApproval
	src := writeSource(t, "approve.bin", pattern(6, testChunk))
	target := Target{Host: "receiver"}

	addr, results := serve(t, context.Background(), cfg, receiver)
	target.Address = addr
	out := Send(context.Background(), strict, sender.deps(), target, src)
	if out.Failure == nil || out.Failure.Kind != KindTrustViolation {
		t.Fatalf("expected trust violation on first contact, got %+v", out.Failure)
	}
	await(t, results)
	rec, err := sender.trust.Get(context.Background(), "receiver")
	if err != nil || rec.Status != trust.StatusPending {
		t.Fatalf("expected pending record, got %+v err=%v", rec, err)
	}

	if err := sender.trust.Approve(context.Background(), "receiver", receiver.id.Fingerprint()); err != nil {
		t.Fatalf("approve: %v", err)
	}
	addr, results = serve(t, context.Background(), cfg, receiver)
	target.Address = addr
	if out := Send(context.Background(), strict, sender.deps(), target, src); out.Err() != nil {
		t.Fatalf("send after approval failed: %v", out.Err())
	}
	await(t, results)
}

func TestSendAliasPinMismatch(t *testing.T) {
	testlog.Start(t)
	sender, receiver := newNode(t, "sender"), newNode(t, "receiver")
	cfg := testConfig(t.TempDir())
	src := writeSource(t, "alias.bin", pattern(7, testChunk))
	other := tlstest.NewIdentity(t, "someone-else")

	addr, results := serve(t, context.Background(), cfg, receiver)
	out := Send(context.Background(), cfg, sender.deps(), Target{Address: addr, Fingerprint: other.Fingerprint()}, src)
	if !errors.Is(out.Err(), ErrFingerprintMismatch) || out.Failure.Kind != KindTrustViolation {
		t.Fatalf("expected fingerprint mismatch, got %v", out.Err())
	}
	await(t, results)
	if _, err := sender.trust.Get(context.Background(), addr); !errors.Is(err, trust.ErrNotFound) {
		t.Fatalf("mismatched pin must not be recorded, got %v", err)
	}
}

func TestSendCancelledThenResumed(t *testing.T) {
	testlog.Start(t)
	sender, receiver := newNode(t, "sender"), newNode(t, "receiver")
	downloads := t.TempDir()
	data := pattern(8, 8*testChunk)
	src := writeSource(t, "cancel.bin", data)

	cfg := testConfig(downloads)
	cfg.Session.Window = 1
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	cancelling := cfg
	cancelling.OnProgress = func(p Progress) {
		if p.Done >= 1 {
			cancel()
		}
	}

	addr, results := serve(t, context.Background(), cfg, receiver)
	out := Send(ctx, cancelling, sender.deps(), Target{Address: addr}, src)
	if out.Failure == nil || out.Failure.Kind != KindCancelled || !out.Failure.Resumable {
		t.Fatalf("expected resumable cancellation, got %+v", out.Failure)
	}
	in := await(t, results)
	if in.Completed || in.Failure == nil || !in.Failure.Resumable {
		t.Fatalf("expected resumable responder failure, got %+v", in.Failure)
	}
	if !receiver.cache.Has(manifest.Sum(data[:testChunk])) {
		t.Fatalf("acknowledged chunk should stay cached")
	}

	addr, results = serve(t, context.Background(), cfg, receiver)
	out = Send(context.Background(), cfg, sender.deps(), Target{Address: addr}, src)
	if err := out.Err(); err != nil {
		t.Fatalf("resumed send failed: %v", err)
	}
	if out.ChunksResumed < 1 || out.ChunksResumed+out.ChunksTransferred != 8 {
		t.Fatalf("unexpected resumed outcome: %+v", out)
	}
	assertFile(t, await(t, results).Path, data)
}

func TestRespondRejectsOversizedFile(t *testing.T) {
	testlog.Start(t)
	sender, receiver := newNode(t, "sender"), newNode(t, "receiver")
	cfg := testConfig(t.TempDir())
	limited := cfg
	limited.Session.MaxFileSize = uint64(testChunk)
	src := writeSource(t, "big.bin", pattern(9, 3*testChunk))

	addr, results := serve(t, context.Background(), limited, receiver)
	out := Send(context.Background(), cfg, sender.deps(), Target{Address: addr}, src)
	if !errors.Is(out.Err(), ErrRejected) || out.Failure.Kind != KindProtocolViolation || out.Failure.Resumable {
		t.Fatalf("expected rejection, got %v", out.Err())
	}
	in := await(t, results)
	if !errors.Is(in.Err(), ErrRejected) {
		t.Fatalf("responder should report the rejection, got %v", in.Err())
	}
}

// rawInitiator drives the wire by hand against a Responder.
func rawInitiator(t *testing.T, addr string, id *identity.Identity) *session.Wire {
	t.Helper()
	raw, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn := tls.Client(raw, id.ClientTLSConfig())
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	if err := conn.Handshake(); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return session.NewWire(conn, frame.DefaultLimits())
}

func offerRaw(t *testing.T, w *session.Wire, data []byte, name string) *manifest.Manifest {
	t.Helper()
	m, err := manifest.Build(bytes.NewReader(data), name, uint64(len(data)), session.MinChunkSize)
	if err != nil {
		t.Fatalf("build manifest: %v", err)
	}
	if err := w.Send(session.OfferFor(uuid.NewString(), m, session.CompressionNone)); err != nil {
		t.Fatalf("send offer: %v", err)
	}
	msg, err := w.Recv()
	if err != nil {
		t.Fatalf("recv accept: %v", err)
	}
	if _, ok := msg.(session.Accept); !ok {
		t.Fatalf("expected accept, got %T", msg)
	}
	return m
}

func TestRespondNacksCorruptChunk(t *testing.T) {
	testlog.Start(t)
	sender, receiver := newNode(t, "sender"), newNode(t, "receiver")
	cfg := testConfig(t.TempDir())
	data := pattern(10, 3*testChunk)

	addr, results := serve(t, context.Background(), cfg, receiver)
	w := rawInitiator(t, addr, sender.id)
	m := offerRaw(t, w, data, "nack.bin")

	bad := append([]byte(nil), data[:testChunk]...)
	bad[0] ^= 0xff
	if err := w.Send(session.Chunk{Index: 0, Data: bad}); err != nil {
		t.Fatalf("send bad chunk: %v", err)
	}
	msg, err := w.Recv()
	if err != nil {
		t.Fatalf("recv nack: %v", err)
	}
	if nack, ok := msg.(session.ChunkNack); !ok || nack.Index != 0 {
		t.Fatalf("expected nack for chunk 0, got %#v", msg)
	}

	for i := 0; i < 3; i++ {
		part := data[i*testChunk : (i+1)*testChunk]
		if err := w.Send(session.Chunk{Index: uint32(i), Data: part}); err != nil {
			t.Fatalf("send chunk %d: %v", i, err)
		}
		msg, err := w.Recv()
		if err != nil {
			t.Fatalf("recv ack %d: %v", i, err)
		}
		if ack, ok := msg.(session.ChunkAck); !ok || ack.Index != uint32(i) {
			t.Fatalf("expected ack for chunk %d, got %#v", i, msg)
		}
	}
	msg, err = w.Recv()
	if err != nil {
		t.Fatalf("recv complete: %v", err)
	}
	done, ok := msg.(session.Complete)
	if !ok || done.Root != m.Root || done.Size != m.Size {
		t.Fatalf("unexpected completion %#v", msg)
	}
	in := await(t, results)
	if err := in.Err(); err != nil {
		t.Fatalf("respond failed: %v", err)
	}
	assertFile(t, in.Path, data)
}

func TestRespondAbortsAfterChunkRetryLimit(t *testing.T) {
	testlog.Start(t)
	sender, receiver := newNode(t, "sender"), newNode(t, "receiver")
	cfg := testConfig(t.TempDir())
	cfg.Session.ChunkRetryLimit = 2
	data := pattern(11, 2*testChunk)

	addr, results := serve(t, context.Background(), cfg, receiver)
	w := rawInitiator(t, addr, sender.id)
	offerRaw(t, w, data, "corrupt.bin")

	bad := append([]byte(nil), data[:testChunk]...)
	bad[len(bad)-1] ^= 0x01
	for i := 0; i < 3; i++ {
		if err := w.Send(session.Chunk{Index: 0, Data: bad}); err != nil {
			t.Fatalf("send bad chunk: %v", err)
		}
		msg, err := w.Recv()
		if err != nil {
			t.Fatalf("recv reply %d: %v", i, err)
		}
		switch reply := msg.(type) {
		case session.ChunkNack:
			if i == 2 {
				t.Fatalf("expected abort after retry limit")
			}
		case session.Abort:
			if i != 2 || reply.Kind != KindIntegrityMismatch.String() {
				t.Fatalf("unexpected abort %#v at attempt %d", reply, i)
			}
		default:
			t.Fatalf("unexpected reply %T", msg)
		}
	}
	in := await(t, results)
	if in.Failure == nil || in.Failure.Kind != KindIntegrityMismatch || in.Failure.Resumable {
		t.Fatalf("expected non-resumable integrity failure, got %+v", in.Failure)
	}
	if !errors.Is(in.Err(), ErrRetryExhausted) {
		t.Fatalf("expected ErrRetryExhausted, got %v", in.Err())
	}
}

func TestRespondRejectsUnsetPolicy(t *testing.T) {
	testlog.Start(t)
	receiver := newNode(t, "receiver")
	cfg := testConfig(t.TempDir())
	cfg.Policy = trust.PolicyUnset
	a, b := net.Pipe()
	defer b.Close()
	out := Respond(context.Background(), cfg, receiver.deps(), a)
	if !errors.Is(out.Err(), ErrConfig) || out.Failure.Kind != KindInternal {
		t.Fatalf("expected config failure, got %v", out.Err())
	}
}

func TestCanTransition(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		from, to State
		ok       bool
	}{
		{StateInit, StateConnecting, true},
		{StateConnecting, StateHandshaking, true},
		{StateHandshaking, StateTrustCheck, true},
		{StateTrustCheck, StateNegotiating, true},
		{StateNegotiating, StateTransferring, true},
		{StateTransferring, StateVerifying, true},
		{StateVerifying, StateClosed, true},
		{StateTransferring, StateFailed, true},
		{StateInit, StateFailed, true},
		{StateInit, StateTransferring, false},
		{StateVerifying, StateTransferring, false},
		{StateClosed, StateFailed, false},
		{StateFailed, StateInit, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.ok {
			t.Fatalf("CanTransition(%s, %s)=%v want %v", tc.from, tc.to, got, tc.ok)
		}
	}
}

func TestErrorResumability(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		kind  Kind
		state State
		want  bool
	}{
		{KindNetwork, StateTransferring, true},
		{KindTimeout, StateNegotiating, true},
		{KindCancelled, StateVerifying, true},
		{KindIntegrityMismatch, StateVerifying, true},
		{KindIntegrityMismatch, StateTransferring, false},
		{KindTrustViolation, StateTrustCheck, false},
		{KindProtocolViolation, StateNegotiating, false},
		{KindInternal, StateClosed, false},
	}
	for _, tc := range cases {
		if got := newError(tc.kind, tc.state, errors.New("x")).Resumable; got != tc.want {
			t.Fatalf("%s during %s resumable=%v want %v", tc.kind, tc.state, got, tc.want)
		}
	}
	if !KindTimeout.Retryable() || KindTrustViolation.Retryable() {
		t.Fatalf("timeout must retry like network, trust violations must not")
	}
	if k, ok := ParseKind("integrity_mismatch"); !ok || k != KindIntegrityMismatch {
		t.Fatalf("ParseKind round trip failed")
	}
	if k, ok := ParseKind("bogus"); ok || k != KindProtocolViolation {
		t.Fatalf("unknown kinds map to protocol violations")
	}
}

func TestClassify(t *testing.T) {
	testlog.Start(t)
	ctx := context.Background()
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	cases := []struct {
		ctx  context.Context
		err  error
		want Kind
	}{
		{cancelled, os.ErrDeadlineExceeded, KindCancelled},
		{ctx, os.ErrDeadlineExceeded, KindTimeout},
		{ctx, &PeerAbortError{Kind: KindIntegrityMismatch}, KindIntegrityMismatch},
		{ctx, &trust.ViolationError{Host: "h"}, KindTrustViolation},
		{ctx, session.ErrMalformed, KindProtocolViolation},
		{ctx, frame.ErrPayloadTooLarge, KindProtocolViolation},
		{ctx, ErrManifestTooLarge, KindProtocolViolation},
		{ctx, errors.New("connection reset"), KindNetwork},
	}
	for _, tc := range cases {
		if got := classify(tc.ctx, tc.err); got != tc.want {
			t.Fatalf("classify(%v)=%s want %s", tc.err, got, tc.want)
		}
	}
}

func TestSendRejectsManifestLargerThanFrame(t *testing.T) {
	testlog.Start(t)
	sender, receiver := newNode(t, "sender"), newNode(t, "receiver")
	cfg := testConfig(t.TempDir())
	tight := cfg
	tight.Limits = frame.Limits{MaxPayloadBytes: 20 << 10}
	chunks := session.MaxManifestChunks(tight.Limits) + 2
	src := writeSource(t, "huge.bin", pattern(12, chunks*testChunk))

	addr, results := serve(t, context.Background(), cfg, receiver)
	out := Send(context.Background(), tight, sender.deps(), Target{Address: addr}, src)
	if out.Failure == nil || out.Failure.Kind != KindProtocolViolation || out.Failure.Resumable {
		t.Fatalf("expected non-resumable protocol violation, got %+v", out.Failure)
	}
	if out.Failure.State != StateNegotiating || !errors.Is(out.Err(), ErrManifestTooLarge) {
		t.Fatalf("expected ErrManifestTooLarge while negotiating, got %v", out.Err())
	}
	in := await(t, results)
	if in.Failure == nil || in.Failure.Kind != KindProtocolViolation {
		t.Fatalf("responder should see the abort as a protocol violation, got %+v", in.Failure)
	}
}

func TestConfigValidateChecksFrameLimits(t *testing.T) {
	testlog.Start(t)
	cfg := testConfig(t.TempDir()).WithDefaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("derived limits should validate: %v", err)
	}
	want := uint64(session.MaxManifestChunks(cfg.Limits)) * uint64(session.MinChunkSize)
	if cfg.Session.MaxFileSize != want {
		t.Fatalf("max file size=%d want %d", cfg.Session.MaxFileSize, want)
	}
	cfg.Session.MaxFileSize = 4 * want
	if err := cfg.Validate(); !errors.Is(err, ErrConfig) {
		t.Fatalf("expected ErrConfig for an unrepresentable max file size, got %v", err)
	}
}

// silentResponder accepts the offer on one connection and records every
// chunk index it reads without acknowledging any of them.
func silentResponder(t *testing.T, n *node) (string, <-chan []uint32) {
	t.Helper()
	ln := tlstest.Listen(t)
	seen := make(chan []uint32, 1)
	go func() {
		var got []uint32
		defer func() { seen <- got }()
		raw, err := ln.Accept()
		if err != nil {
			return
		}
		conn := tls.Server(raw, n.id.ServerTLSConfig())
		defer conn.Close()
		_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
		w := session.NewWire(conn, frame.DefaultLimits())
		msg, err := w.Recv()
		if err != nil {
			return
		}
		offer, ok := msg.(session.Offer)
		if !ok {
			return
		}
		accept := session.Accept{
			SessionID:   offer.SessionID,
			ChunkSize:   offer.ChunkSize,
			Have:        manifest.NewBitmap(len(offer.Chunks)).Bytes(),
			Compression: session.CompressionNone,
		}
		if err := w.Send(accept); err != nil {
			return
		}
		for {
			msg, err := w.Recv()
			if err != nil {
				return
			}
			c, ok := msg.(session.Chunk)
			if !ok {
				return
			}
			got = append(got, c.Index)
		}
	}()
	return ln.Addr().String(), seen
}

func TestSendAckTimeoutResendsWindow(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		window, retries int
	}{
		{window: 2, retries: 2},
		{window: 3, retries: 1},
	}
	for _, tc := range cases {
		sender, receiver := newNode(t, "sender"), newNode(t, "receiver")
		src := writeSource(t, "silent.bin", pattern(13, 8*testChunk))
		cfg := testConfig(t.TempDir())
		cfg.Session.Window = tc.window
		cfg.Session.AckRetryLimit = tc.retries
		cfg.Session.AckTimeout = 100 * time.Millisecond

		addr, seen := silentResponder(t, receiver)
		out := Send(context.Background(), cfg, sender.deps(), Target{Address: addr}, src)
		if out.Failure == nil || out.Failure.Kind != KindTimeout || !out.Failure.Resumable {
			t.Fatalf("window=%d: expected resumable timeout, got %+v", tc.window, out.Failure)
		}
		if out.Failure.State != StateTransferring || out.ChunksTransferred != 0 {
			t.Fatalf("window=%d: unexpected outcome %+v", tc.window, out)
		}

		var got []uint32
		select {
		case got = <-seen:
		case <-time.After(10 * time.Second):
			t.Fatalf("window=%d: responder never finished", tc.window)
		}
		// each round resends the same window from the oldest unacked chunk
		var want []uint32
		for round := 0; round <= tc.retries; round++ {
			for i := 0; i < tc.window; i++ {
				want = append(want, uint32(i))
			}
		}
		if len(got) != len(want) {
			t.Fatalf("window=%d: peer saw chunks %v want %v", tc.window, got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("window=%d: peer saw chunks %v want %v", tc.window, got, want)
			}
		}
	}
}

func TestVerifyMismatchResumesDroppedChunk(t *testing.T) {
	testlog.Start(t)
	sender := newNode(t, "sender")
	store := cache.NewMemoryStore()
	rc, err := cache.Open(store, cache.Config{})
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	receiver := &node{id: tlstest.NewIdentity(t, "receiver"), trust: trust.NewStore(trust.NewMemoryBackend()), cache: rc}
	downloads := t.TempDir()
	data := pattern(14, 5*testChunk)
	src := writeSource(t, "verify.bin", data)
	victim := manifest.Sum(data[testChunk : 2*testChunk])

	cfg := testConfig(downloads)
	rotting := cfg
	rotting.OnProgress = func(p Progress) {
		if p.Done == p.Total {
			store.Corrupt(victim, []byte("bitrot"))
		}
	}
	addr, results := serve(t, context.Background(), rotting, receiver)
	out := Send(context.Background(), cfg, sender.deps(), Target{Address: addr}, src)
	if out.Failure == nil || out.Failure.Kind != KindIntegrityMismatch || !out.Failure.Resumable {
		t.Fatalf("expected resumable integrity mismatch, got %+v", out.Failure)
	}
	if out.Failure.State != StateVerifying {
		t.Fatalf("mismatch should surface while verifying, got %s", out.Failure.State)
	}
	in := await(t, results)
	if in.Failure == nil || in.Failure.Kind != KindIntegrityMismatch || !in.Failure.Resumable {
		t.Fatalf("expected resumable responder failure, got %+v", in.Failure)
	}
	if receiver.cache.Has(victim) || receiver.cache.Refs(victim) != 0 {
		t.Fatalf("corrupt chunk should be dropped and unpinned")
	}

	addr, results = serve(t, context.Background(), cfg, receiver)
	out = Send(context.Background(), cfg, sender.deps(), Target{Address: addr}, src)
	if err := out.Err(); err != nil {
		t.Fatalf("resumed send failed: %v", err)
	}
	if out.ChunksTransferred != 1 || out.ChunksResumed != 4 {
		t.Fatalf("only the dropped chunk should be resent: %+v", out)
	}
	assertFile(t, await(t, results).Path, data)
}

// pushChunk sends chunk i of data and expects its ack.
func pushChunk(t *testing.T, w *session.Wire, data []byte, i int) {
	t.Helper()
	end := min((i+1)*testChunk, len(data))
	if err := w.Send(session.Chunk{Index: uint32(i), Data: data[i*testChunk : end]}); err != nil {
		t.Fatalf("send chunk %d: %v", i, err)
	}
	msg, err := w.Recv()
	if err != nil {
		t.Fatalf("recv ack %d: %v", i, err)
	}
	if ack, ok := msg.(session.ChunkAck); !ok || ack.Index != uint32(i) {
		t.Fatalf("expected ack for chunk %d, got %#v", i, msg)
	}
}

func expectComplete(t *testing.T, w *session.Wire, m *manifest.Manifest) {
	t.Helper()
	msg, err := w.Recv()
	if err != nil {
		t.Fatalf("recv complete: %v", err)
	}
	if done, ok := msg.(session.Complete); !ok || done.Root != m.Root {
		t.Fatalf("unexpected completion %#v", msg)
	}
}

func TestSharedChunkPinnedAcrossSessions(t *testing.T) {
	testlog.Start(t)
	receiver := newNode(t, "receiver")
	cfg := testConfig(t.TempDir())
	shared := pattern(15, testChunk)
	fileA := append(append([]byte(nil), shared...), pattern(16, 2*testChunk)...)
	fileB := append(append([]byte(nil), shared...), pattern(17, 100)...)
	h := manifest.Sum(shared)

	addrA, resultsA := serve(t, context.Background(), cfg, receiver)
	wa := rawInitiator(t, addrA, tlstest.NewIdentity(t, "sender-a"))
	ma := offerRaw(t, wa, fileA, "a.bin")
	pushChunk(t, wa, fileA, 0)
	if refs := receiver.cache.Refs(h); refs != 1 {
		t.Fatalf("session A should pin the shared chunk, refs=%d", refs)
	}

	addrB, resultsB := serve(t, context.Background(), cfg, receiver)
	wb := rawInitiator(t, addrB, tlstest.NewIdentity(t, "sender-b"))
	mb, err := manifest.Build(bytes.NewReader(fileB), "b.bin", uint64(len(fileB)), session.MinChunkSize)
	if err != nil {
		t.Fatalf("build manifest: %v", err)
	}
	if err := wb.Send(session.OfferFor(uuid.NewString(), mb, session.CompressionNone)); err != nil {
		t.Fatalf("send offer: %v", err)
	}
	msg, err := wb.Recv()
	if err != nil {
		t.Fatalf("recv accept: %v", err)
	}
	accept, ok := msg.(session.Accept)
	if !ok {
		t.Fatalf("expected accept, got %T", msg)
	}
	have, err := manifest.BitmapFromBytes(accept.Have, len(mb.Chunks))
	if err != nil || !have.IsSet(0) || have.IsSet(1) {
		t.Fatalf("session B should resume only the shared chunk, have=%v err=%v", accept.Have, err)
	}
	if refs := receiver.cache.Refs(h); refs != 2 {
		t.Fatalf("both sessions should pin the shared chunk, refs=%d", refs)
	}

	pushChunk(t, wb, fileB, 1)
	expectComplete(t, wb, mb)
	inB := await(t, resultsB)
	if err := inB.Err(); err != nil || inB.ChunksResumed != 1 {
		t.Fatalf("session B: %+v err=%v", inB, err)
	}
	if refs := receiver.cache.Refs(h); refs != 1 {
		t.Fatalf("session A still holds its pin, refs=%d", refs)
	}

	pushChunk(t, wa, fileA, 1)
	pushChunk(t, wa, fileA, 2)
	expectComplete(t, wa, ma)
	inA := await(t, resultsA)
	if err := inA.Err(); err != nil {
		t.Fatalf("session A: %v", err)
	}
	if refs := receiver.cache.Refs(h); refs != 0 {
		t.Fatalf("pins not released, refs=%d", refs)
	}
	assertFile(t, inA.Path, fileA)
	assertFile(t, inB.Path, fileB)
	if st := receiver.cache.Stats(); st.Entries != 4 {
		t.Fatalf("expected one copy of the shared chunk, got %+v", st)
	}
}

func TestRespondFailsWhilePlacingFile(t *testing.T) {
	testlog.Start(t)
	sender, receiver := newNode(t, "sender"), newNode(t, "receiver")
	downloads := t.TempDir()
	src := writeSource(t, "place.bin", pattern(18, 2*testChunk))
	rename = func(string, string) error { return errors.New("disk full") }
	t.Cleanup(func() { rename = os.Rename })

	cfg := testConfig(downloads)
	addr, results := serve(t, context.Background(), cfg, receiver)
	out := Send(context.Background(), cfg, sender.deps(), Target{Address: addr}, src)
	if out.Failure == nil || out.Failure.Kind != KindInternal {
		t.Fatalf("expected the peer's internal failure, got %+v", out.Failure)
	}
	in := await(t, results)
	if in.Failure == nil || in.Failure.Kind != KindInternal || in.Failure.State != StateVerifying {
		t.Fatalf("placing failure should fail from verifying, got %+v", in.Failure)
	}
	if in.Completed || in.Path != "" {
		t.Fatalf("failed session must not report a path: %+v", in)
	}
	if entries, _ := os.ReadDir(downloads); len(entries) != 0 {
		t.Fatalf("temp file left behind: %d entries", len(entries))
	}
}
