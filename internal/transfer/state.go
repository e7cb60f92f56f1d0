package transfer

import (
	"errors"
	"fmt"
	"time"
)

type State int

const (
	StateInit State = iota
	StateConnecting
	StateHandshaking
	StateTrustCheck
	StateNegotiating
	StateTransferring
	StateVerifying
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateTrustCheck:
		return "trust_check"
	case StateNegotiating:
		return "negotiating"
	case StateTransferring:
		return "transferring"
	case StateVerifying:
		return "verifying"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

var transitions = map[State]State{
	StateInit:         StateConnecting,
	StateConnecting:   StateHandshaking,
	StateHandshaking:  StateTrustCheck,
	StateTrustCheck:   StateNegotiating,
	StateNegotiating:  StateTransferring,
	StateTransferring: StateVerifying,
	StateVerifying:    StateClosed,
}

// CanTransition encodes the session lifecycle: one forward step at a time,
// or Failed from any non-terminal state.
func CanTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	next, ok := transitions[from]
	return ok && next == to
}

var ErrInvalidTransition = errors.New("transfer: invalid state transition")

// TransitionError reports an attempted transition outside the table.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("transfer: invalid transition %s -> %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

type Role int

const (
	RoleInitiator Role = iota + 1
	RoleResponder
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	default:
		return "unknown"
	}
}

type Kind int

const (
	KindNetwork Kind = iota + 1
	KindTrustViolation
	KindProtocolViolation
	KindIntegrityMismatch
	KindTimeout
	KindCancelled
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindTrustViolation:
		return "trust_violation"
	case KindProtocolViolation:
		return "protocol_violation"
	case KindIntegrityMismatch:
		return "integrity_mismatch"
	case KindTimeout:
		return "timeout"
	case KindCancelled:
		return "cancelled"
	case KindInternal:
		return "internal"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ParseKind maps an Abort kind name back to a Kind. Unknown names come
// from a misbehaving peer.
func ParseKind(s string) (Kind, bool) {
	for k := KindNetwork; k <= KindInternal; k++ {
		if k.String() == s {
			return k, true
		}
	}
	return KindProtocolViolation, false
}

// Retryable reports whether a fresh attempt may succeed without operator
// action. Timeout counts as a network failure.
func (k Kind) Retryable() bool {
	return k == KindNetwork || k == KindTimeout
}

// Error is the terminal failure of one session.
type Error struct {
	Kind      Kind
	State     State
	Resumable bool
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transfer: %s during %s: %v", e.Kind, e.State, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, state State, err error) *Error {
	resumable := false
	switch kind {
	case KindNetwork, KindTimeout, KindCancelled:
		resumable = true
	case KindIntegrityMismatch:
		// only a whole-file mismatch found during verification resumes
		resumable = state == StateVerifying
	}
	return &Error{Kind: kind, State: state, Resumable: resumable, Err: err}
}

// Outcome is the result of one session as seen by one side.
type Outcome struct {
	SessionID         string        `json:"session_id"`
	Role              string        `json:"role"`
	Peer              string        `json:"peer"`
	Name              string        `json:"name"`
	Path              string        `json:"path,omitempty"`
	Completed         bool          `json:"completed"`
	Size              uint64        `json:"size"`
	Bytes             uint64        `json:"bytes"`
	ChunksTransferred int           `json:"chunks_transferred"`
	ChunksResumed     int           `json:"chunks_resumed"`
	Started           time.Time     `json:"started"`
	Duration          time.Duration `json:"duration"`
	Failure           *Error        `json:"-"`
	FailureText       string        `json:"failure,omitempty"`
}

// Err returns the failure as an error, or nil for a completed session.
func (o Outcome) Err() error {
	if o.Failure == nil {
		return nil
	}
	return o.Failure
}

// Progress is reported after every chunk a session applies or has
// acknowledged.
type Progress struct {
	SessionID string
	Role      Role
	Index     int
	Done      int
	Total     int
}
