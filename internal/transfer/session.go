// Package transfer runs one file transfer session end to end: connection,
// certificate pinning, negotiation against the resume cache, windowed chunk
// streaming and whole-file verification.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/fts/internal/cache"
	"github.com/danmuck/fts/internal/identity"
	"github.com/danmuck/fts/internal/manifest"
	"github.com/danmuck/fts/internal/observability"
	"github.com/danmuck/fts/internal/protocol/frame"
	"github.com/danmuck/fts/internal/protocol/session"
	"github.com/danmuck/fts/internal/trust"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	ErrConfig              = errors.New("transfer: invalid config")
	ErrRejected            = errors.New("transfer: offer rejected")
	ErrUnexpectedMessage   = errors.New("transfer: unexpected message")
	ErrFingerprintMismatch = errors.New("transfer: peer fingerprint does not match pinned alias")
	ErrSourceChanged       = errors.New("transfer: source file changed during transfer")
	ErrRetryExhausted      = errors.New("transfer: chunk retry limit exhausted")
	ErrVerifyFailed        = errors.New("transfer: file verification failed")
	ErrAnonymousPeer       = errors.New("transfer: peer certificate carries no identity")
	ErrManifestTooLarge    = errors.New("transfer: manifest does not fit in one frame")
)

// Config carries the knobs shared by both roles.
type Config struct {
	Session     session.Config
	Policy      trust.Policy
	DownloadDir string
	Limits      frame.Limits
	OnProgress  func(Progress)
}

func (c Config) WithDefaults() Config {
	c.Session = c.Session.WithDefaults()
	if c.Limits.MaxPayloadBytes == 0 {
		c.Limits = frame.DefaultLimits()
	}
	c.Session = c.Session.FitFileSize(c.Limits)
	return c
}

func (c Config) Validate() error {
	if c.Policy != trust.PolicyAutoAccept && c.Policy != trust.PolicyRequireApproval {
		return fmt.Errorf("%w: first-contact policy must be set", ErrConfig)
	}
	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	if err := c.Session.ValidateLimits(c.Limits); err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return nil
}

// Deps are the shared collaborators of a session.
type Deps struct {
	Identity *identity.Identity
	Trust    *trust.Store
	Cache    *cache.Cache
}

// PeerAbortError is an Abort received from the other side.
type PeerAbortError struct {
	Kind   Kind
	Reason string
}

func (e *PeerAbortError) Error() string {
	return fmt.Sprintf("peer aborted (%s): %s", e.Kind, e.Reason)
}

// Session is the per-transfer state owned by the goroutine running it.
type Session struct {
	ID        string
	Role      Role
	Peer      string
	State     State
	Manifest  *manifest.Manifest
	ChunkSize uint32

	cfg     Config
	started time.Time
	logger  zerolog.Logger
	out     Outcome
}

func newSession(role Role, peer string, cfg Config) *Session {
	s := &Session{
		ID:      uuid.NewString(),
		Role:    role,
		Peer:    peer,
		State:   StateInit,
		cfg:     cfg,
		started: time.Now(),
	}
	s.relog()
	return s
}

func (s *Session) relog() {
	s.logger = log.With().Str("session", s.ID).Str("role", s.Role.String()).Str("peer", s.Peer).Logger()
}

func (s *Session) transition(to State) error {
	if !CanTransition(s.State, to) {
		return &TransitionError{From: s.State, To: to}
	}
	s.logger.Debug().Str("from", s.State.String()).Str("to", to.String()).Msg("transfer.Session transition")
	s.State = to
	return nil
}

// advance moves to the next state or returns the failure outcome error.
func (s *Session) advance(to State) *Error {
	if err := s.transition(to); err != nil {
		return s.fail(KindInternal, err)
	}
	return nil
}

func (s *Session) fail(kind Kind, err error) *Error {
	e := newError(kind, s.State, err)
	s.logger.Warn().Str("state", s.State.String()).Str("kind", kind.String()).Bool("resumable", e.Resumable).
		Err(err).Msg("transfer.Session failed")
	s.State = StateFailed
	return e
}

func (s *Session) progress(index, done, total int) {
	if s.cfg.OnProgress != nil {
		s.cfg.OnProgress(Progress{SessionID: s.ID, Role: s.Role, Index: index, Done: done, Total: total})
	}
}

func (s *Session) finish(failure *Error) Outcome {
	o := s.out
	o.SessionID = s.ID
	o.Role = s.Role.String()
	o.Peer = s.Peer
	o.Started = s.started
	o.Duration = time.Since(s.started)
	if s.Manifest != nil {
		o.Name = s.Manifest.Name
		o.Size = s.Manifest.Size
	}
	status, kind := "completed", ""
	if failure != nil {
		o.Failure = failure
		o.FailureText = failure.Error()
		status, kind = "failed", failure.Kind.String()
		if failure.Kind == KindCancelled {
			status = "cancelled"
		}
	} else {
		o.Completed = true
		s.logger.Info().Str("name", o.Name).Uint64("size", o.Size).Int("sent", o.ChunksTransferred).
			Int("resumed", o.ChunksResumed).Dur("duration", o.Duration).Msg("transfer.Session closed")
	}
	role := s.Role.String()
	observability.RecordSession(role, status, kind, o.Duration)
	observability.RecordChunks(role, "transferred", o.ChunksTransferred)
	observability.RecordChunks(role, "resumed", o.ChunksResumed)
	observability.RecordBytes(role, o.Bytes)
	return o
}

// classify maps an I/O or protocol error to a failure kind. ctx is checked
// first so interrupted I/O reports as cancellation.
func classify(ctx context.Context, err error) Kind {
	var pa *PeerAbortError
	var ne net.Error
	switch {
	case ctx.Err() != nil:
		return KindCancelled
	case errors.As(err, &pa):
		return pa.Kind
	case errors.Is(err, trust.ErrTrustViolation), errors.Is(err, ErrFingerprintMismatch), errors.Is(err, ErrAnonymousPeer):
		return KindTrustViolation
	case errors.Is(err, session.ErrMalformed), errors.Is(err, session.ErrUnexpectedCompressed),
		errors.Is(err, ErrUnexpectedMessage), errors.Is(err, ErrRejected),
		errors.Is(err, frame.ErrPayloadTooLarge), errors.Is(err, ErrManifestTooLarge):
		return KindProtocolViolation
	case errors.Is(err, os.ErrDeadlineExceeded), errors.As(err, &ne) && ne.Timeout():
		return KindTimeout
	default:
		return KindNetwork
	}
}

var aLongTimeAgo = time.Unix(1, 0)

// abortGrace bounds the best-effort Abort write after a failure.
const abortGrace = 250 * time.Millisecond

// link owns the connection of one session. Cancellation of ctx pushes a
// past deadline so blocked I/O returns at the next suspension point; mu
// keeps per-operation deadlines from undoing that.
type link struct {
	conn net.Conn
	wire *session.Wire
	cfg  session.Config

	mu        sync.Mutex
	cancelled bool
	aborting  bool
	stop      func() bool
}

func newLink(ctx context.Context, conn net.Conn, cfg Config) *link {
	l := &link{conn: conn, wire: session.NewWire(conn, cfg.Limits), cfg: cfg.Session}
	l.stop = context.AfterFunc(ctx, l.interrupt)
	return l
}

func (l *link) interrupt() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cancelled = true
	if l.aborting {
		_ = l.conn.SetReadDeadline(aLongTimeAgo)
		return
	}
	_ = l.conn.SetDeadline(aLongTimeAgo)
}

// setDeadline applies d from now, or clears the deadline when d <= 0.
func (l *link) setDeadline(set func(time.Time) error, d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancelled {
		return
	}
	if d <= 0 {
		_ = set(time.Time{})
		return
	}
	_ = set(time.Now().Add(d))
}

func (l *link) send(m session.Message) error {
	l.setDeadline(l.conn.SetWriteDeadline, l.cfg.WriteTimeout)
	return l.wire.Send(m)
}

func (l *link) recv(timeout time.Duration) (session.Message, error) {
	l.setDeadline(l.conn.SetReadDeadline, timeout)
	m, err := l.wire.Recv()
	if err != nil {
		return nil, err
	}
	if a, ok := m.(session.Abort); ok {
		kind, _ := ParseKind(a.Kind)
		return nil, &PeerAbortError{Kind: kind, Reason: a.Reason}
	}
	return m, nil
}

// abort tells the peer why the session is ending. Errors are ignored.
func (l *link) abort(kind Kind, reason string) {
	l.mu.Lock()
	l.aborting = true
	_ = l.conn.SetWriteDeadline(time.Now().Add(abortGrace))
	l.mu.Unlock()
	if err := l.wire.Send(session.Abort{Kind: kind.String(), Reason: truncate(reason, 512)}); err != nil {
		log.Debug().Err(err).Msg("transfer.link abort not delivered")
	}
}

// drain discards input until the peer hangs up or grace elapses, so the
// last message is not lost to a reset.
func (l *link) drain(grace time.Duration) {
	l.setDeadline(l.conn.SetReadDeadline, grace)
	for {
		if _, err := l.wire.Recv(); err != nil {
			return
		}
	}
}

func (l *link) close() {
	l.stop()
	_ = l.conn.Close()
}

// failWith fails the session and tells the peer, unless the peer ended it.
func (s *Session) failWith(ctx context.Context, l *link, kind Kind, err error) *Error {
	var pa *PeerAbortError
	if l != nil && !errors.As(err, &pa) && !isClosed(err) {
		l.abort(kind, err.Error())
	}
	return s.fail(kind, err)
}

// failIO classifies err and fails the session with it.
func (s *Session) failIO(ctx context.Context, l *link, err error) *Error {
	if ctx.Err() != nil {
		err = fmt.Errorf("%w: %v", ctx.Err(), err)
	}
	return s.failWith(ctx, l, classify(ctx, err), err)
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.TrimSpace(s[:n])
}
