// Package server owns the listening side: an accept loop feeding a bounded
// admission queue, a fixed pool of Responder workers and a supervisor that
// tracks live sessions and recent outcomes.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/fts/internal/observability"
	"github.com/danmuck/fts/internal/transfer"
	"github.com/rs/zerolog/log"
)

var (
	ErrInvalidConfig = errors.New("server: invalid config")
	ErrClosed        = errors.New("server: already closed")
)

type State int

const (
	StateStopped State = iota
	StateListening
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateListening:
		return "listening"
	case StateDraining:
		return "draining"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	for _, v := range []State{StateStopped, StateListening, StateDraining} {
		if v.String() == string(b) {
			*s = v
			return nil
		}
	}
	return fmt.Errorf("server: unknown state %q", b)
}

// Config defines the listener and its concurrency limits.
type Config struct {
	ListenAddr  string
	MaxSessions int
	// QueueSize is the number of accepted connections that may wait for a
	// worker. Zero admits only when a worker is idle.
	QueueSize   int
	HistorySize int
	Transfer    transfer.Config
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:  ":7070",
		MaxSessions: 4,
		QueueSize:   4,
		HistorySize: 64,
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ListenAddr) == "" {
		return fmt.Errorf("%w: listen address required", ErrInvalidConfig)
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("%w: max sessions must be positive", ErrInvalidConfig)
	}
	if c.QueueSize < 0 || c.HistorySize < 0 {
		return fmt.Errorf("%w: queue and history sizes must not be negative", ErrInvalidConfig)
	}
	if err := c.Transfer.WithDefaults().Validate(); err != nil {
		return err
	}
	return nil
}

// SessionInfo describes one session held by a worker.
type SessionInfo struct {
	ID      uint64    `json:"id"`
	Remote  string    `json:"remote"`
	Started time.Time `json:"started"`
	Session string    `json:"session,omitempty"`
	Done    int       `json:"done"`
	Total   int       `json:"total"`
}

// Status is a point-in-time view of the server.
type Status struct {
	State    State              `json:"state"`
	Addr     string             `json:"addr"`
	Started  time.Time          `json:"started"`
	Active   []SessionInfo      `json:"active"`
	History  []transfer.Outcome `json:"history"`
	Rejected int                `json:"rejected"`
}

// CloseReport summarises a drain.
type CloseReport struct {
	// Forced is set when the timeout expired and cancelled a live session.
	Forced    bool          `json:"forced"`
	InFlight  int           `json:"in_flight"`
	Drained   int           `json:"drained"`
	Cancelled int           `json:"cancelled"`
	Dropped   int           `json:"dropped"`
	Duration  time.Duration `json:"duration"`
}

type update struct {
	id      uint64
	info    *SessionInfo
	outcome *transfer.Outcome
}

// Handle is a running server. It is safe for concurrent use.
type Handle struct {
	cfg  Config
	deps transfer.Deps
	ln   net.Listener

	ctx    context.Context
	cancel context.CancelFunc

	queue   chan net.Conn
	updates chan update
	workers sync.WaitGroup

	acceptDone chan struct{}
	superDone  chan struct{}
	stopped    chan struct{}

	nextID  atomic.Uint64
	dropped atomic.Int64

	mu       sync.Mutex
	state    State
	started  time.Time
	active   map[uint64]*SessionInfo
	history  []transfer.Outcome
	rejected int
	report   CloseReport
}

// Open binds cfg.ListenAddr and starts serving.
func Open(cfg Config, deps transfer.Deps) (*Handle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Identity == nil || deps.Trust == nil || deps.Cache == nil {
		return nil, fmt.Errorf("%w: identity, trust store and cache required", ErrInvalidConfig)
	}
	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, fmt.Errorf("server: listen %s: %w", cfg.ListenAddr, err)
	}
	return Serve(ln, cfg, deps), nil
}

// Serve runs the server on an existing listener. cfg must be valid.
func Serve(ln net.Listener, cfg Config, deps transfer.Deps) *Handle {
	observability.RegisterMetrics()
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		cfg:        cfg,
		deps:       deps,
		ln:         ln,
		ctx:        ctx,
		cancel:     cancel,
		queue:      make(chan net.Conn, cfg.QueueSize),
		updates:    make(chan update, cfg.MaxSessions*2),
		acceptDone: make(chan struct{}),
		superDone:  make(chan struct{}),
		stopped:    make(chan struct{}),
		state:      StateListening,
		started:    time.Now(),
		active:     make(map[uint64]*SessionInfo),
	}
	for i := 0; i < cfg.MaxSessions; i++ {
		h.workers.Add(1)
		go h.worker()
	}
	go h.supervise()
	go h.acceptLoop()
	log.Info().Str("addr", ln.Addr().String()).Int("max_sessions", cfg.MaxSessions).
		Int("queue", cfg.QueueSize).Msg("server.Open listening")
	return h
}

func (h *Handle) Addr() net.Addr {
	return h.ln.Addr()
}

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) acceptLoop() {
	defer close(h.acceptDone)
	defer close(h.queue)
	for {
		conn, err := h.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || h.State() != StateListening {
				return
			}
			log.Warn().Err(err).Msg("server.acceptLoop accept")
			time.Sleep(50 * time.Millisecond)
			continue
		}
		select {
		case h.queue <- conn:
		default:
			h.reject(conn)
		}
	}
}

// reject closes a connection the queue has no room for. The Initiator sees a
// transient network error and retries.
func (h *Handle) reject(conn net.Conn) {
	_ = conn.Close()
	observability.RecordAdmissionReject()
	h.mu.Lock()
	h.rejected++
	h.mu.Unlock()
	log.Warn().Str("remote", conn.RemoteAddr().String()).Msg("server.acceptLoop queue full, rejected")
}

func (h *Handle) worker() {
	defer h.workers.Done()
	for conn := range h.queue {
		if h.State() != StateListening {
			_ = conn.Close()
			h.dropped.Add(1)
			continue
		}
		h.serveConn(conn)
	}
}

func (h *Handle) serveConn(conn net.Conn) {
	id := h.nextID.Add(1)
	info := SessionInfo{ID: id, Remote: conn.RemoteAddr().String(), Started: time.Now()}
	h.updates <- update{id: id, info: &info}

	cfg := h.cfg.Transfer
	next := cfg.OnProgress
	cfg.OnProgress = func(p transfer.Progress) {
		h.mu.Lock()
		if s, ok := h.active[id]; ok {
			s.Session, s.Done, s.Total = p.SessionID, p.Done, p.Total
		}
		h.mu.Unlock()
		if next != nil {
			next(p)
		}
	}
	out := transfer.Respond(h.ctx, cfg, h.deps, conn)
	h.updates <- update{id: id, outcome: &out}
}

// supervise owns membership of the active set and the history.
func (h *Handle) supervise() {
	defer close(h.superDone)
	for u := range h.updates {
		h.mu.Lock()
		if u.info != nil {
			h.active[u.id] = u.info
		}
		if u.outcome != nil {
			delete(h.active, u.id)
			h.history = append(h.history, *u.outcome)
			if over := len(h.history) - h.cfg.HistorySize; over > 0 {
				h.history = append([]transfer.Outcome(nil), h.history[over:]...)
			}
			if h.state == StateDraining {
				if f := u.outcome.Failure; f != nil && f.Kind == transfer.KindCancelled {
					h.report.Cancelled++
				} else {
					h.report.Drained++
				}
			}
		}
		n := len(h.active)
		h.mu.Unlock()
		observability.SetActiveSessions(n)
	}
}

// Status returns a copy of the current state.
func (h *Handle) Status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	st := Status{
		State:    h.state,
		Addr:     h.ln.Addr().String(),
		Started:  h.started,
		Active:   make([]SessionInfo, 0, len(h.active)),
		History:  append([]transfer.Outcome(nil), h.history...),
		Rejected: h.rejected,
	}
	for _, s := range h.active {
		st.Active = append(st.Active, *s)
	}
	sortSessions(st.Active)
	return st
}

func sortSessions(s []SessionInfo) {
	sort.Slice(s, func(i, j int) bool { return s[i].ID < s[j].ID })
}

// Close stops accepting, drops queued connections and waits up to timeout
// for live sessions before cancelling them.
func (h *Handle) Close(timeout time.Duration) (CloseReport, error) {
	h.mu.Lock()
	if h.state != StateListening {
		h.mu.Unlock()
		<-h.stopped
		return CloseReport{}, ErrClosed
	}
	h.state = StateDraining
	h.report = CloseReport{InFlight: len(h.active)}
	h.mu.Unlock()

	start := time.Now()
	log.Info().Dur("timeout", timeout).Msg("server.Close draining")
	_ = h.ln.Close()
	<-h.acceptDone

	done := make(chan struct{})
	go func() {
		h.workers.Wait()
		close(done)
	}()
	timedOut := false
	timer := time.NewTimer(timeout)
	select {
	case <-done:
	default:
		select {
		case <-done:
		case <-timer.C:
			timedOut = true
			log.Warn().Msg("server.Close drain timeout, cancelling live sessions")
			h.cancel()
			<-done
		}
	}
	timer.Stop()
	h.cancel()
	close(h.updates)
	<-h.superDone

	h.mu.Lock()
	h.state = StateStopped
	// a zero timeout on an idle pool still drains gracefully
	h.report.Forced = timedOut && h.report.Cancelled > 0
	h.report.Dropped = int(h.dropped.Load())
	h.report.Duration = time.Since(start)
	report := h.report
	h.mu.Unlock()
	close(h.stopped)
	observability.SetActiveSessions(0)
	log.Info().Bool("forced", report.Forced).Int("drained", report.Drained).Int("cancelled", report.Cancelled).
		Int("dropped", report.Dropped).Dur("duration", report.Duration).Msg("server.Close stopped")
	return report, nil
}

// Wait blocks until the server is stopped.
func (h *Handle) Wait() {
	<-h.stopped
}

// Done is closed once the server is stopped.
func (h *Handle) Done() <-chan struct{} {
	return h.stopped
}
