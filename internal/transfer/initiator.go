package transfer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"os"
	"strings"
	"time"

	"github.com/danmuck/fts/internal/identity"
	"github.com/danmuck/fts/internal/manifest"
	"github.com/danmuck/fts/internal/protocol/session"
	"github.com/danmuck/fts/internal/trust"
	"github.com/rs/zerolog/log"
)

// Target is the remote end of an outbound session. Host keys the trust
// store and defaults to Address; Fingerprint, when set, pins the peer.
type Target struct {
	Address     string
	Host        string
	Fingerprint string
}

type event struct {
	msg session.Message
	err error
}

// Send runs one Initiator session that delivers the file at path to target.
// The returned Outcome carries the terminal failure, if any.
func Send(ctx context.Context, cfg Config, deps Deps, target Target, path string) Outcome {
	cfg = cfg.WithDefaults()
	host := strings.TrimSpace(target.Host)
	if host == "" {
		host = strings.TrimSpace(target.Address)
	}
	s := newSession(RoleInitiator, host, cfg)
	if err := cfg.Validate(); err != nil {
		return s.finish(s.fail(KindInternal, err))
	}
	if deps.Identity == nil || deps.Trust == nil {
		return s.finish(s.fail(KindInternal, fmt.Errorf("%w: identity and trust store required", ErrConfig)))
	}

	f, err := os.Open(path)
	if err != nil {
		return s.finish(s.fail(KindInternal, err))
	}
	defer f.Close()
	m, err := manifest.FromFile(path, cfg.Session.ChunkSize)
	if err != nil {
		return s.finish(s.fail(KindInternal, err))
	}
	s.Manifest = m
	s.ChunkSize = m.ChunkSize

	if e := s.advance(StateConnecting); e != nil {
		return s.finish(e)
	}
	conn, err := dial(ctx, cfg.Session, deps.Identity, target.Address)
	if err != nil {
		return s.finish(s.failIO(ctx, nil, err))
	}
	l := newLink(ctx, conn, cfg)
	defer l.close()

	if e := s.advance(StateHandshaking); e != nil {
		return s.finish(e)
	}
	cert, err := identity.PeerCertificate(conn.ConnectionState())
	if err != nil {
		return s.finish(s.failWith(ctx, l, KindTrustViolation, err))
	}
	fp := identity.Fingerprint(cert)

	if e := s.advance(StateTrustCheck); e != nil {
		return s.finish(e)
	}
	if err := admit(ctx, deps.Trust, host, fp, target.Fingerprint, cfg.Policy); err != nil {
		return s.finish(s.failWith(ctx, l, trustKind(err), err))
	}

	if e := s.advance(StateNegotiating); e != nil {
		return s.finish(e)
	}
	codec, e := s.negotiate(ctx, l, m)
	if e != nil {
		return s.finish(e)
	}
	defer codec.Close()

	if e := s.advance(StateTransferring); e != nil {
		return s.finish(e)
	}
	events := make(chan event, cfg.Session.Window*4+8)
	done := make(chan struct{})
	defer close(done)
	go pump(l, events, done)

	if e := s.stream(ctx, l, f, m, events); e != nil {
		return s.finish(e)
	}

	if e := s.advance(StateVerifying); e != nil {
		return s.finish(e)
	}
	if e := s.awaitComplete(ctx, l, m, events); e != nil {
		return s.finish(e)
	}
	if e := s.advance(StateClosed); e != nil {
		return s.finish(e)
	}
	return s.finish(nil)
}

// dial connects and completes the TLS handshake, retrying transient
// failures with backoff.
func dial(ctx context.Context, cfg session.Config, id *identity.Identity, address string) (*tls.Conn, error) {
	if strings.TrimSpace(address) == "" {
		return nil, fmt.Errorf("%w: target address required", ErrConfig)
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var attempt int
	for {
		attempt++
		conn, err := dialOnce(ctx, cfg, id, address)
		if err == nil {
			return conn, nil
		}
		log.Warn().Int("attempt", attempt).Str("addr", address).Err(err).Msg("transfer.dial failed")
		if ctx.Err() != nil || attempt >= cfg.MaxConnectAttempts {
			return nil, err
		}
		if err := session.SleepBackoff(ctx, cfg.Backoff, attempt, rng); err != nil {
			return nil, err
		}
	}
}

func dialOnce(ctx context.Context, cfg session.Config, id *identity.Identity, address string) (*tls.Conn, error) {
	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	raw, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, err
	}
	conn := tls.Client(raw, id.ClientTLSConfig())
	hctx, cancel := context.WithTimeout(ctx, cfg.HandshakeTimeout)
	defer cancel()
	if err := conn.HandshakeContext(hctx); err != nil {
		_ = raw.Close()
		return nil, err
	}
	return conn, nil
}

// admit applies an alias pin before the trust store decides. A matching pin
// counts as approval for a first contact.
func admit(ctx context.Context, store *trust.Store, host, fp, pinned string, policy trust.Policy) error {
	if strings.TrimSpace(pinned) != "" {
		want, err := trust.NormalizeFingerprint(pinned)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrFingerprintMismatch, err)
		}
		if want != fp {
			return fmt.Errorf("%w: host %s", ErrFingerprintMismatch, host)
		}
		policy = trust.PolicyAutoAccept
	}
	_, err := store.Admit(ctx, host, fp, policy)
	return err
}

func trustKind(err error) Kind {
	if errors.Is(err, trust.ErrTrustViolation) || errors.Is(err, ErrFingerprintMismatch) || errors.Is(err, ErrAnonymousPeer) {
		return KindTrustViolation
	}
	return KindInternal
}

// negotiate sends the Offer and applies the Accept. The returned codec is
// nil-safe to Close.
func (s *Session) negotiate(ctx context.Context, l *link, m *manifest.Manifest) (*session.Codec, *Error) {
	if limit := session.MaxManifestChunks(s.cfg.Limits); len(m.Chunks) > limit {
		return nil, s.failWith(ctx, l, KindProtocolViolation,
			fmt.Errorf("%w: %d chunks, frame limit holds %d", ErrManifestTooLarge, len(m.Chunks), limit))
	}
	offer := session.OfferFor(s.ID, m, s.cfg.Session.Compression)
	if err := l.send(offer); err != nil {
		return nil, s.failIO(ctx, l, err)
	}
	reply, err := l.recv(s.cfg.Session.ReadTimeout)
	if err != nil {
		return nil, s.failIO(ctx, l, err)
	}
	switch r := reply.(type) {
	case session.Accept:
		if r.SessionID != s.ID || r.ChunkSize != m.ChunkSize {
			return nil, s.failWith(ctx, l, KindProtocolViolation,
				fmt.Errorf("%w: accept for session %q chunk size %d", ErrUnexpectedMessage, r.SessionID, r.ChunkSize))
		}
		if r.Compression == "" {
			r.Compression = session.CompressionNone
		}
		if r.Compression != session.CompressionNone && r.Compression != offer.Compression {
			return nil, s.failWith(ctx, l, KindProtocolViolation,
				fmt.Errorf("%w: compression %q not offered", ErrUnexpectedMessage, r.Compression))
		}
		have, err := manifest.BitmapFromBytes(r.Have, len(m.Chunks))
		if err != nil {
			return nil, s.failWith(ctx, l, KindProtocolViolation, fmt.Errorf("%w: %v", ErrUnexpectedMessage, err))
		}
		m.Complete = have
		s.out.ChunksResumed = have.Count()
		codec, err := session.NewCodec(r.Compression)
		if err != nil {
			return nil, s.failWith(ctx, l, KindProtocolViolation, err)
		}
		l.wire.SetCodec(codec)
		s.logger.Debug().Int("chunks", len(m.Chunks)).Int("have", have.Count()).Str("compression", codec.Name()).
			Msg("transfer.Send accepted")
		return codec, nil
	case session.Reject:
		return nil, s.fail(KindProtocolViolation, fmt.Errorf("%w: code=%d %s", ErrRejected, r.Code, r.Reason))
	default:
		return nil, s.failWith(ctx, l, KindProtocolViolation,
			fmt.Errorf("%w: %T during negotiation", ErrUnexpectedMessage, reply))
	}
}

// pump feeds inbound messages to the session goroutine until the first
// error or until done closes.
func pump(l *link, events chan<- event, done <-chan struct{}) {
	for {
		msg, err := l.recv(0)
		select {
		case events <- event{msg: msg, err: err}:
		case <-done:
			return
		}
		if err != nil {
			return
		}
	}
}

// stream pushes the missing chunks in ascending order keeping at most
// Window unacknowledged. Acks are cumulative; a Nack or an ack timeout goes
// back to the named or oldest unacked chunk.
func (s *Session) stream(ctx context.Context, l *link, f *os.File, m *manifest.Manifest, events <-chan event) *Error {
	missing := m.Missing()
	total := len(m.Chunks)
	if len(missing) == 0 {
		return nil
	}
	pos := make(map[uint32]int, len(missing))
	for p, idx := range missing {
		pos[uint32(idx)] = p
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	cfg := s.cfg.Session
	base, next, retries := 0, 0, 0
	timer := time.NewTimer(cfg.AckTimeout)
	defer timer.Stop()

	for base < len(missing) {
		for next < len(missing) && next-base < cfg.Window {
			idx := missing[next]
			data, err := readChunk(f, m, idx)
			if err != nil {
				return s.failWith(ctx, l, KindInternal, err)
			}
			if err := l.send(session.Chunk{Index: uint32(idx), Data: data}); err != nil {
				return s.failIO(ctx, l, err)
			}
			next++
		}

		select {
		case <-ctx.Done():
			return s.failIO(ctx, l, ctx.Err())
		case ev := <-events:
			if ev.err != nil {
				return s.failIO(ctx, l, ev.err)
			}
			switch msg := ev.msg.(type) {
			case session.ChunkAck:
				p, ok := pos[msg.Index]
				if !ok {
					return s.failWith(ctx, l, KindProtocolViolation, fmt.Errorf("%w: ack for chunk %d", ErrUnexpectedMessage, msg.Index))
				}
				if p < base {
					continue
				}
				for ; base <= p; base++ {
					idx := missing[base]
					m.Complete.Set(idx)
					s.out.ChunksTransferred++
					s.out.Bytes += uint64(m.ChunkLen(idx))
				}
				if next < base {
					next = base
				}
				retries = 0
				resetTimer(timer, cfg.AckTimeout)
				s.progress(int(msg.Index), m.Complete.Count(), total)
			case session.ChunkNack:
				p, ok := pos[msg.Index]
				if !ok {
					return s.failWith(ctx, l, KindProtocolViolation, fmt.Errorf("%w: nack for chunk %d", ErrUnexpectedMessage, msg.Index))
				}
				s.logger.Debug().Uint32("index", msg.Index).Str("reason", msg.Reason).Msg("transfer.Send chunk nacked")
				if p >= base && p < next {
					next = p
				}
			default:
				return s.failWith(ctx, l, KindProtocolViolation, fmt.Errorf("%w: %T while streaming", ErrUnexpectedMessage, ev.msg))
			}
		case <-timer.C:
			retries++
			if retries > cfg.AckRetryLimit {
				return s.failWith(ctx, l, KindTimeout, fmt.Errorf("transfer: no ack for chunk %d after %d retries", missing[base], cfg.AckRetryLimit))
			}
			s.logger.Debug().Int("index", missing[base]).Int("retry", retries).Msg("transfer.Send ack timeout")
			if err := session.SleepBackoff(ctx, cfg.Backoff, retries, rng); err != nil {
				return s.failIO(ctx, l, err)
			}
			next = base
			timer.Reset(cfg.AckTimeout)
		}
	}
	return nil
}

func (s *Session) awaitComplete(ctx context.Context, l *link, m *manifest.Manifest, events <-chan event) *Error {
	timer := time.NewTimer(s.cfg.Session.VerifyTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return s.failIO(ctx, l, ctx.Err())
		case <-timer.C:
			return s.failWith(ctx, l, KindTimeout, errors.New("transfer: timed out waiting for completion"))
		case ev := <-events:
			if ev.err != nil {
				return s.failIO(ctx, l, ev.err)
			}
			switch msg := ev.msg.(type) {
			case session.ChunkAck, session.ChunkNack:
				// late replies to retransmitted chunks
			case session.Complete:
				if msg.SessionID != s.ID || msg.Size != m.Size || msg.Root != m.Root {
					return s.failWith(ctx, l, KindIntegrityMismatch,
						fmt.Errorf("%w: peer reported size=%d root=%s", ErrVerifyFailed, msg.Size, msg.Root.Short()))
				}
				return nil
			default:
				return s.failWith(ctx, l, KindProtocolViolation, fmt.Errorf("%w: %T while verifying", ErrUnexpectedMessage, ev.msg))
			}
		}
	}
}

// readChunk reads chunk i and checks it still matches the manifest.
func readChunk(f *os.File, m *manifest.Manifest, i int) ([]byte, error) {
	buf := make([]byte, m.ChunkLen(i))
	n, err := f.ReadAt(buf, m.Offset(i))
	if n < len(buf) {
		return nil, fmt.Errorf("%w: read chunk %d: %v", ErrSourceChanged, i, err)
	}
	if manifest.Sum(buf) != m.Chunks[i] {
		return nil, fmt.Errorf("%w: chunk %d", ErrSourceChanged, i)
	}
	return buf, nil
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}
