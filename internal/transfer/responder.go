package transfer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/danmuck/fts/internal/cache"
	"github.com/danmuck/fts/internal/identity"
	"github.com/danmuck/fts/internal/manifest"
	"github.com/danmuck/fts/internal/protocol/session"
	"github.com/google/uuid"
)

// drainGrace bounds how long a finished Responder waits for the peer to
// hang up after Complete.
const drainGrace = 4 * abortGrace

// placeMu serialises final name selection across concurrent sessions.
var placeMu sync.Mutex

// rename moves a verified temp file into place; tests swap it out.
var rename = os.Rename

// Respond runs one Responder session on an accepted connection. conn is
// closed before Respond returns.
func Respond(ctx context.Context, cfg Config, deps Deps, conn net.Conn) Outcome {
	cfg = cfg.WithDefaults()
	s := newSession(RoleResponder, conn.RemoteAddr().String(), cfg)
	if err := cfg.Validate(); err != nil {
		_ = conn.Close()
		return s.finish(s.fail(KindInternal, err))
	}
	if deps.Identity == nil || deps.Trust == nil || deps.Cache == nil {
		_ = conn.Close()
		return s.finish(s.fail(KindInternal, fmt.Errorf("%w: identity, trust store and cache required", ErrConfig)))
	}
	if strings.TrimSpace(cfg.DownloadDir) == "" {
		_ = conn.Close()
		return s.finish(s.fail(KindInternal, fmt.Errorf("%w: download dir required", ErrConfig)))
	}

	if e := s.advance(StateConnecting); e != nil {
		_ = conn.Close()
		return s.finish(e)
	}
	tconn := tls.Server(conn, deps.Identity.ServerTLSConfig())
	l := newLink(ctx, tconn, cfg)
	defer l.close()
	hctx, cancel := context.WithTimeout(ctx, cfg.Session.HandshakeTimeout)
	err := tconn.HandshakeContext(hctx)
	cancel()
	if err != nil {
		return s.finish(s.failIO(ctx, nil, err))
	}

	if e := s.advance(StateHandshaking); e != nil {
		return s.finish(e)
	}
	cert, err := identity.PeerCertificate(tconn.ConnectionState())
	if err != nil {
		return s.finish(s.failWith(ctx, l, KindTrustViolation, err))
	}
	host := identity.PeerName(cert)
	if host == "" {
		return s.finish(s.failWith(ctx, l, KindTrustViolation, ErrAnonymousPeer))
	}
	s.Peer = host
	s.relog()

	if e := s.advance(StateTrustCheck); e != nil {
		return s.finish(e)
	}
	if err := admit(ctx, deps.Trust, host, identity.Fingerprint(cert), "", cfg.Policy); err != nil {
		return s.finish(s.failWith(ctx, l, trustKind(err), err))
	}

	if e := s.advance(StateNegotiating); e != nil {
		return s.finish(e)
	}
	r := &receiver{s: s, l: l, cache: deps.Cache, pinned: make(map[manifest.Hash]bool)}
	defer r.release()
	codec, e := r.negotiate(ctx)
	if e != nil {
		return s.finish(e)
	}
	defer codec.Close()

	if e := s.advance(StateTransferring); e != nil {
		return s.finish(e)
	}
	if e := r.receive(ctx); e != nil {
		return s.finish(e)
	}

	if e := s.advance(StateVerifying); e != nil {
		return s.finish(e)
	}
	tmp, e := r.materialise(ctx, cfg.DownloadDir)
	if e != nil {
		return s.finish(e)
	}
	final, err := place(tmp, cfg.DownloadDir, s.Manifest.Name)
	if err != nil {
		_ = os.Remove(tmp)
		return s.finish(s.failWith(ctx, l, KindInternal, err))
	}
	if e := s.advance(StateClosed); e != nil {
		_ = os.Remove(final)
		return s.finish(e)
	}
	s.out.Path = final
	m := s.Manifest
	if err := l.send(session.Complete{SessionID: s.ID, Size: m.Size, Root: m.Root}); err != nil {
		s.logger.Warn().Err(err).Str("path", final).Msg("transfer.Respond complete not delivered")
	} else {
		l.drain(drainGrace)
	}
	return s.finish(nil)
}

// receiver holds the Responder side of a session between negotiation and
// close. Every hash in pinned holds exactly one reference on the cache.
type receiver struct {
	s      *Session
	l      *link
	cache  *cache.Cache
	pinned map[manifest.Hash]bool
	have   *manifest.Bitmap
}

func (r *receiver) release() {
	for h := range r.pinned {
		if err := r.cache.Release(h); err != nil {
			r.s.logger.Debug().Str("hash", h.Short()).Err(err).Msg("transfer.Respond release")
		}
	}
	r.pinned = nil
}

func (r *receiver) reject(code uint32, reason error) *Error {
	if err := r.l.send(session.Reject{SessionID: r.s.ID, Code: code, Reason: reason.Error()}); err != nil {
		r.s.logger.Debug().Err(err).Msg("transfer.Respond reject not delivered")
	}
	return r.s.fail(KindProtocolViolation, fmt.Errorf("%w: %v", ErrRejected, reason))
}

func (r *receiver) negotiate(ctx context.Context) (*session.Codec, *Error) {
	s, cfg := r.s, r.s.cfg.Session
	msg, err := r.l.recv(cfg.ReadTimeout)
	if err != nil {
		return nil, s.failIO(ctx, r.l, err)
	}
	offer, ok := msg.(session.Offer)
	if !ok {
		return nil, s.failWith(ctx, r.l, KindProtocolViolation, fmt.Errorf("%w: %T before offer", ErrUnexpectedMessage, msg))
	}
	if _, err := uuid.Parse(offer.SessionID); err != nil {
		return nil, s.failWith(ctx, r.l, KindProtocolViolation, fmt.Errorf("%w: session id %q", ErrUnexpectedMessage, offer.SessionID))
	}
	s.ID = offer.SessionID
	s.relog()

	switch {
	case offer.Size > cfg.MaxFileSize:
		return nil, r.reject(session.RejectFileTooLarge, fmt.Errorf("file size %d exceeds limit %d", offer.Size, cfg.MaxFileSize))
	case offer.ChunkSize < session.MinChunkSize || offer.ChunkSize > session.MaxChunkSize:
		return nil, r.reject(session.RejectChunkSize, fmt.Errorf("chunk size %d outside [%d, %d]",
			offer.ChunkSize, session.MinChunkSize, session.MaxChunkSize))
	}
	if err := manifest.ValidateName(offer.Name); err != nil {
		return nil, r.reject(session.RejectInvalidName, err)
	}
	m, err := offer.Manifest()
	if err != nil {
		return nil, r.reject(session.RejectInvalidManifest, err)
	}
	s.Manifest = m
	s.ChunkSize = m.ChunkSize

	compression := offer.Compression
	if !session.ValidCompression(compression) {
		compression = session.CompressionNone
	}
	codec, err := session.NewCodec(compression)
	if err != nil {
		return nil, s.failWith(ctx, r.l, KindInternal, err)
	}

	// pin what the cache already holds so it survives until Closed
	have := manifest.NewBitmap(len(m.Chunks))
	for i, h := range m.Chunks {
		if r.pinned[h] || r.cache.Acquire(h) {
			r.pinned[h] = true
			have.Set(i)
		}
	}
	r.have = have
	s.out.ChunksResumed = have.Count()

	accept := session.Accept{SessionID: s.ID, ChunkSize: m.ChunkSize, Have: have.Bytes(), Compression: codec.Name()}
	if err := r.l.send(accept); err != nil {
		codec.Close()
		return nil, s.failIO(ctx, r.l, err)
	}
	r.l.wire.SetCodec(codec)
	s.logger.Info().Str("name", m.Name).Uint64("size", m.Size).Int("chunks", len(m.Chunks)).
		Int("have", have.Count()).Str("compression", codec.Name()).Msg("transfer.Respond accepted")
	return codec, nil
}

// receive applies chunks strictly in ascending order of the missing set.
// Chunks ahead of the expected one are dropped; the Initiator resends them
// after the Nack or timeout that caused the gap.
func (r *receiver) receive(ctx context.Context) *Error {
	s, m, cfg := r.s, r.s.Manifest, r.s.cfg.Session
	missing := r.have.Unset()
	total := len(m.Chunks)
	failures := make(map[int]int)
	pos := 0
	for pos < len(missing) {
		msg, err := r.l.recv(cfg.ReadTimeout)
		if err != nil {
			return s.failIO(ctx, r.l, err)
		}
		c, ok := msg.(session.Chunk)
		if !ok {
			return s.failWith(ctx, r.l, KindProtocolViolation, fmt.Errorf("%w: %T while receiving", ErrUnexpectedMessage, msg))
		}
		idx := int(c.Index)
		switch {
		case idx >= total:
			return s.failWith(ctx, r.l, KindProtocolViolation, fmt.Errorf("%w: chunk index %d of %d", ErrUnexpectedMessage, idx, total))
		case r.have.IsSet(idx):
			if err := r.l.send(session.ChunkAck{Index: c.Index}); err != nil {
				return s.failIO(ctx, r.l, err)
			}
			continue
		case idx != missing[pos]:
			continue
		}

		h := m.Chunks[idx]
		if len(c.Data) != m.ChunkLen(idx) || manifest.Sum(c.Data) != h {
			failures[idx]++
			if failures[idx] > cfg.ChunkRetryLimit {
				return s.failWith(ctx, r.l, KindIntegrityMismatch, fmt.Errorf("%w: chunk %d", ErrRetryExhausted, idx))
			}
			s.logger.Debug().Int("index", idx).Int("failures", failures[idx]).Msg("transfer.Respond chunk mismatch")
			if err := r.l.send(session.ChunkNack{Index: c.Index, Reason: "hash mismatch"}); err != nil {
				return s.failIO(ctx, r.l, err)
			}
			continue
		}
		if !r.pinned[h] {
			if err := r.cache.PutAcquire(h, c.Data); err != nil {
				return s.failWith(ctx, r.l, KindInternal, err)
			}
			r.pinned[h] = true
		}
		r.have.Set(idx)
		pos++
		s.out.ChunksTransferred++
		s.out.Bytes += uint64(len(c.Data))
		if err := r.l.send(session.ChunkAck{Index: c.Index}); err != nil {
			return s.failIO(ctx, r.l, err)
		}
		s.progress(idx, r.have.Count(), total)
	}
	return nil
}

// materialise rebuilds the file from the cache into a temp file in dir and
// checks the recomputed root. Corrupt entries are dropped by the cache so a
// retry sends them again.
func (r *receiver) materialise(ctx context.Context, dir string) (string, *Error) {
	s, m := r.s, r.s.Manifest
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", s.failWith(ctx, r.l, KindInternal, err)
	}
	tmp := filepath.Join(dir, ".fts-"+s.ID+".part")
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return "", s.failWith(ctx, r.l, KindInternal, err)
	}
	hashes := make([]manifest.Hash, len(m.Chunks))
	var werr error
	for i, h := range m.Chunks {
		if ctx.Err() != nil {
			werr = ctx.Err()
			break
		}
		data, err := r.cache.Get(h)
		if err != nil {
			werr = err
			break
		}
		hashes[i] = manifest.Sum(data)
		if _, err := f.Write(data); err != nil {
			werr = err
			break
		}
	}
	if werr == nil {
		werr = f.Sync()
	}
	if err := f.Close(); werr == nil {
		werr = err
	}
	if werr == nil && manifest.RootOf(hashes) != m.Root {
		werr = fmt.Errorf("%w: root mismatch", ErrVerifyFailed)
	}
	if werr == nil {
		return tmp, nil
	}

	_ = os.Remove(tmp)
	switch {
	case ctx.Err() != nil:
		return "", s.failIO(ctx, r.l, werr)
	case errors.Is(werr, cache.ErrCorrupt), errors.Is(werr, cache.ErrNotFound), errors.Is(werr, ErrVerifyFailed):
		return "", s.failWith(ctx, r.l, KindIntegrityMismatch, fmt.Errorf("%w: %v", ErrVerifyFailed, werr))
	default:
		return "", s.failWith(ctx, r.l, KindInternal, werr)
	}
}

// place renames tmp to a free name in dir: "name", then "name (1)" and so on.
func place(tmp, dir, name string) (string, error) {
	placeMu.Lock()
	defer placeMu.Unlock()
	final, err := uniquePath(dir, name)
	if err != nil {
		return "", err
	}
	if err := rename(tmp, final); err != nil {
		return "", err
	}
	return final, nil
}

func uniquePath(dir, name string) (string, error) {
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	candidate := filepath.Join(dir, name)
	for n := 1; ; n++ {
		_, err := os.Lstat(candidate)
		if errors.Is(err, os.ErrNotExist) {
			return candidate, nil
		}
		if err != nil {
			return "", err
		}
		candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, n, ext))
	}
}
