// Package trust pins peer certificate fingerprints per host: trust on first
// use under an explicit first-contact policy, and a hard failure whenever a
// trusted host presents a different certificate.
package trust

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	ErrNotFound       = errors.New("trust: no record for host")
	ErrTrustViolation = errors.New("trust: violation")
	ErrInvalidRecord  = errors.New("trust: invalid record")
	ErrInvalidPolicy  = errors.New("trust: invalid first-contact policy")
)

type Status string

const (
	StatusPending Status = "pending"
	StatusTrusted Status = "trusted"
)

// Record pins one host to one certificate fingerprint.
type Record struct {
	Host        string    `json:"host"`
	Fingerprint string    `json:"fingerprint"`
	FirstSeen   time.Time `json:"first_seen"`
	Status      Status    `json:"status"`
}

type Verdict int

const (
	VerdictNew Verdict = iota
	VerdictKnown
	VerdictChanged
)

func (v Verdict) String() string {
	switch v {
	case VerdictNew:
		return "new"
	case VerdictKnown:
		return "known"
	case VerdictChanged:
		return "changed"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// Policy decides what happens on first contact with a host. Admit rejects
// the zero value.
type Policy int

const (
	PolicyUnset Policy = iota
	PolicyAutoAccept
	PolicyRequireApproval
)

func (p Policy) String() string {
	switch p {
	case PolicyAutoAccept:
		return "auto-accept"
	case PolicyRequireApproval:
		return "require-approval"
	default:
		return "unset"
	}
}

func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "auto-accept", "auto", "tofu":
		return PolicyAutoAccept, nil
	case "require-approval", "approve", "manual":
		return PolicyRequireApproval, nil
	default:
		return PolicyUnset, fmt.Errorf("%w: %q", ErrInvalidPolicy, s)
	}
}

// ViolationError explains why Admit refused a peer.
type ViolationError struct {
	Host     string
	Verdict  Verdict
	Pinned   string
	Observed string
}

func (e *ViolationError) Error() string {
	if e.Verdict == VerdictChanged {
		return fmt.Sprintf("trust: host %q presented fingerprint %s but %s is pinned", e.Host, short(e.Observed), short(e.Pinned))
	}
	return fmt.Sprintf("trust: host %q (fingerprint %s) awaits approval", e.Host, short(e.Observed))
}

func (e *ViolationError) Unwrap() error { return ErrTrustViolation }

// Backend persists records. Insert never replaces an existing record.
type Backend interface {
	Get(ctx context.Context, host string) (Record, error)
	Insert(ctx context.Context, rec Record) (bool, error)
	Put(ctx context.Context, rec Record) error
	Delete(ctx context.Context, host string) error
	List(ctx context.Context) ([]Record, error)
}

const shardCount = 32

type Store struct {
	backend Backend
	shards  [shardCount]sync.Mutex
	now     func() time.Time
}

func NewStore(backend Backend) *Store {
	return &Store{backend: backend, now: time.Now}
}

func (s *Store) lock(host string) func() {
	h := fnv.New32a()
	_, _ = h.Write([]byte(host))
	m := &s.shards[h.Sum32()%shardCount]
	m.Lock()
	return m.Unlock
}

// Check classifies fp for host without changing anything. A pending record
// counts as new.
func (s *Store) Check(ctx context.Context, host, fp string) (Verdict, error) {
	host, fp, err := normalize(host, fp)
	if err != nil {
		return VerdictNew, err
	}
	return s.check(ctx, host, fp)
}

func (s *Store) check(ctx context.Context, host, fp string) (Verdict, error) {
	rec, err := s.backend.Get(ctx, host)
	if errors.Is(err, ErrNotFound) {
		return VerdictNew, nil
	}
	if err != nil {
		return VerdictNew, err
	}
	if rec.Status != StatusTrusted {
		return VerdictNew, nil
	}
	if rec.Fingerprint == fp {
		return VerdictKnown, nil
	}
	return VerdictChanged, nil
}

// Record inserts a record for a host that has none. An existing record is
// left untouched.
func (s *Store) Record(ctx context.Context, host, fp string, status Status) error {
	host, fp, err := normalize(host, fp)
	if err != nil {
		return err
	}
	unlock := s.lock(host)
	defer unlock()
	_, err = s.insert(ctx, host, fp, status)
	return err
}

func (s *Store) insert(ctx context.Context, host, fp string, status Status) (bool, error) {
	if status != StatusPending && status != StatusTrusted {
		return false, fmt.Errorf("%w: status %q", ErrInvalidRecord, status)
	}
	ok, err := s.backend.Insert(ctx, Record{Host: host, Fingerprint: fp, FirstSeen: s.now().UTC(), Status: status})
	if err != nil {
		return false, err
	}
	if ok {
		log.Info().Str("host", host).Str("fingerprint", short(fp)).Str("status", string(status)).Msg("trust.Record")
	}
	return ok, nil
}

// Approve is the explicit re-trust action: host is pinned to fp as trusted,
// replacing any previous record.
func (s *Store) Approve(ctx context.Context, host, fp string) error {
	host, fp, err := normalize(host, fp)
	if err != nil {
		return err
	}
	unlock := s.lock(host)
	defer unlock()

	firstSeen := s.now().UTC()
	if prev, err := s.backend.Get(ctx, host); err == nil && prev.Fingerprint == fp {
		firstSeen = prev.FirstSeen
	}
	if err := s.backend.Put(ctx, Record{Host: host, Fingerprint: fp, FirstSeen: firstSeen, Status: StatusTrusted}); err != nil {
		return err
	}
	log.Info().Str("host", host).Str("fingerprint", short(fp)).Msg("trust.Approve")
	return nil
}

// Admit runs check-and-record atomically for host. It returns the verdict
// seen before any record was written and a *ViolationError when the session
// must not proceed.
func (s *Store) Admit(ctx context.Context, host, fp string, policy Policy) (Verdict, error) {
	if policy != PolicyAutoAccept && policy != PolicyRequireApproval {
		return VerdictNew, fmt.Errorf("%w: %s", ErrInvalidPolicy, policy)
	}
	host, fp, err := normalize(host, fp)
	if err != nil {
		return VerdictNew, err
	}
	unlock := s.lock(host)
	defer unlock()

	verdict, err := s.check(ctx, host, fp)
	if err != nil {
		return verdict, err
	}
	switch verdict {
	case VerdictKnown:
		return verdict, nil
	case VerdictChanged:
		rec, _ := s.backend.Get(ctx, host)
		log.Warn().Str("host", host).Str("pinned", short(rec.Fingerprint)).Str("observed", short(fp)).
			Msg("trust.Admit fingerprint changed")
		return verdict, &ViolationError{Host: host, Verdict: verdict, Pinned: rec.Fingerprint, Observed: fp}
	}

	if policy == PolicyAutoAccept {
		// a pending record from an earlier require-approval run is upgraded
		if _, err := s.backend.Get(ctx, host); err == nil {
			if err := s.backend.Put(ctx, Record{Host: host, Fingerprint: fp, FirstSeen: s.now().UTC(), Status: StatusTrusted}); err != nil {
				return verdict, err
			}
			return verdict, nil
		}
		if _, err := s.insert(ctx, host, fp, StatusTrusted); err != nil {
			return verdict, err
		}
		return verdict, nil
	}
	if _, err := s.insert(ctx, host, fp, StatusPending); err != nil {
		return verdict, err
	}
	log.Warn().Str("host", host).Str("fingerprint", short(fp)).Msg("trust.Admit first contact requires approval")
	return verdict, &ViolationError{Host: host, Verdict: verdict, Observed: fp}
}

func (s *Store) Get(ctx context.Context, host string) (Record, error) {
	return s.backend.Get(ctx, NormalizeHost(host))
}

func (s *Store) List(ctx context.Context) ([]Record, error) {
	return s.backend.List(ctx)
}

// Forget deletes the record for host. Operator action only.
func (s *Store) Forget(ctx context.Context, host string) error {
	host = NormalizeHost(host)
	unlock := s.lock(host)
	defer unlock()
	if _, err := s.backend.Get(ctx, host); err != nil {
		return err
	}
	log.Info().Str("host", host).Msg("trust.Forget")
	return s.backend.Delete(ctx, host)
}

func NormalizeHost(host string) string {
	return strings.ToLower(strings.TrimSpace(host))
}

// NormalizeFingerprint accepts hex with or without colon separators and
// returns lowercase hex of a SHA-256 digest.
func NormalizeFingerprint(fp string) (string, error) {
	fp = strings.ToLower(strings.ReplaceAll(strings.TrimSpace(fp), ":", ""))
	raw, err := hex.DecodeString(fp)
	if err != nil || len(raw) != 32 {
		return "", fmt.Errorf("%w: fingerprint %q", ErrInvalidRecord, fp)
	}
	return fp, nil
}

func normalize(host, fp string) (string, string, error) {
	host = NormalizeHost(host)
	if host == "" {
		return "", "", fmt.Errorf("%w: empty host", ErrInvalidRecord)
	}
	fp, err := NormalizeFingerprint(fp)
	if err != nil {
		return "", "", err
	}
	return host, fp, nil
}

func short(fp string) string {
	if len(fp) > 16 {
		return fp[:16]
	}
	return fp
}
