// Package client drives outbound transfers: it resolves targets through an
// alias Resolver, runs Initiator sessions and retries resumable failures.
package client

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/danmuck/fts/internal/protocol/session"
	"github.com/danmuck/fts/internal/transfer"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	ErrUnknownAlias   = errors.New("client: unknown alias")
	ErrInvalidTarget  = errors.New("client: invalid target")
	ErrNoFiles        = errors.New("client: no files to send")
	ErrSendIncomplete = errors.New("client: some files were not delivered")
)

// Endpoint is a resolved remote. Host keys the trust store; an empty Host
// falls back to Address. Fingerprint, when set, pins the peer certificate.
type Endpoint struct {
	Name        string
	Address     string
	Host        string
	Fingerprint string
}

func (e Endpoint) target() transfer.Target {
	return transfer.Target{Address: e.Address, Host: e.Host, Fingerprint: e.Fingerprint}
}

func (e Endpoint) String() string {
	if e.Name != "" && e.Name != e.Address {
		return e.Name + "(" + e.Address + ")"
	}
	return e.Address
}

// Resolver maps an alias to an Endpoint. It returns ErrUnknownAlias for
// names it does not hold.
type Resolver interface {
	Resolve(name string) (Endpoint, error)
}

// ResolverFunc adapts a function to Resolver.
type ResolverFunc func(name string) (Endpoint, error)

func (f ResolverFunc) Resolve(name string) (Endpoint, error) {
	return f(name)
}

// ParseEndpoint accepts a literal host:port.
func ParseEndpoint(raw string) (Endpoint, error) {
	raw = strings.TrimSpace(raw)
	host, port, err := net.SplitHostPort(raw)
	if err != nil || port == "" {
		return Endpoint{}, fmt.Errorf("%w: %q is not host:port", ErrInvalidTarget, raw)
	}
	if host == "" {
		host = "localhost"
		raw = net.JoinHostPort(host, port)
	}
	return Endpoint{Address: raw}, nil
}

// Options bounds the driver.
type Options struct {
	// Parallel is the number of concurrent sessions SendAll runs.
	Parallel int
	// Attempts is the number of sessions a single file may take. Each retry
	// resumes from the chunks the responder already holds.
	Attempts int
}

func DefaultOptions() Options {
	return Options{Parallel: 4, Attempts: 3}
}

// Driver is safe for concurrent use.
type Driver struct {
	cfg      transfer.Config
	deps     transfer.Deps
	resolver Resolver
	opts     Options
}

func NewDriver(cfg transfer.Config, deps transfer.Deps, resolver Resolver, opts Options) *Driver {
	if opts.Parallel <= 0 {
		opts.Parallel = 1
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}
	return &Driver{cfg: cfg.WithDefaults(), deps: deps, resolver: resolver, opts: opts}
}

// Resolve tries the alias registry first and falls back to a literal
// host:port.
func (d *Driver) Resolve(target string) (Endpoint, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return Endpoint{}, fmt.Errorf("%w: empty target", ErrInvalidTarget)
	}
	if d.resolver != nil {
		ep, err := d.resolver.Resolve(target)
		if err == nil {
			return ep, nil
		}
		if !errors.Is(err, ErrUnknownAlias) {
			return Endpoint{}, err
		}
	}
	ep, err := ParseEndpoint(target)
	if err != nil {
		return Endpoint{}, fmt.Errorf("%w: %q is neither an alias nor host:port", ErrInvalidTarget, target)
	}
	return ep, nil
}

// Send delivers one file to ep. Failures the state machine marks resumable
// are retried with backoff, except cancellation.
func (d *Driver) Send(ctx context.Context, ep Endpoint, path string) transfer.Outcome {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var out transfer.Outcome
	for attempt := 1; ; attempt++ {
		out = transfer.Send(ctx, d.cfg, d.deps, ep.target(), path)
		f := out.Failure
		if f == nil || !f.Resumable || f.Kind == transfer.KindCancelled || attempt >= d.opts.Attempts {
			return out
		}
		log.Warn().Str("endpoint", ep.String()).Str("file", path).Int("attempt", attempt).
			Str("kind", f.Kind.String()).Msg("client.Driver.Send retrying")
		if err := session.SleepBackoff(ctx, d.cfg.Session.Backoff, attempt, rng); err != nil {
			return out
		}
	}
}

// SendTo resolves target and sends path to it.
func (d *Driver) SendTo(ctx context.Context, target, path string) (transfer.Outcome, error) {
	ep, err := d.Resolve(target)
	if err != nil {
		return transfer.Outcome{}, err
	}
	out := d.Send(ctx, ep, path)
	return out, out.Err()
}

// SendAll delivers every path to ep with at most Options.Parallel sessions
// in flight. Outcomes are returned in path order; a failed file does not
// stop the others.
func (d *Driver) SendAll(ctx context.Context, ep Endpoint, paths []string) ([]transfer.Outcome, error) {
	if len(paths) == 0 {
		return nil, ErrNoFiles
	}
	outcomes := make([]transfer.Outcome, len(paths))
	var g errgroup.Group
	g.SetLimit(d.opts.Parallel)
	for i, path := range paths {
		g.Go(func() error {
			outcomes[i] = d.Send(ctx, ep, path)
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, out := range outcomes {
		if out.Failure != nil {
			failed++
		}
	}
	log.Info().Str("endpoint", ep.String()).Int("files", len(paths)).Int("failed", failed).Msg("client.Driver.SendAll done")
	if failed > 0 {
		return outcomes, fmt.Errorf("%w: %d of %d failed", ErrSendIncomplete, failed, len(paths))
	}
	return outcomes, nil
}
