package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/danmuck/fts/internal/alias"
	"github.com/danmuck/fts/internal/cache"
	"github.com/danmuck/fts/internal/config"
	"github.com/danmuck/fts/internal/identity"
	"github.com/danmuck/fts/internal/logging"
	"github.com/danmuck/fts/internal/transfer"
	"github.com/danmuck/fts/internal/trust"
	"github.com/danmuck/fts/internal/trust/sqlite"
	"github.com/rs/zerolog/log"
)

// app holds the loaded configuration and opens node state on demand.
type app struct {
	globals *Globals
	out     io.Writer
	cfg     config.Config

	id      *identity.Identity
	trust   *trust.Store
	cache   *cache.Cache
	aliases *alias.Registry
	closers []func() error
}

func newApp(g *Globals, out io.Writer) (*app, error) {
	home := strings.TrimSpace(g.Home)
	if home == "" {
		var err error
		if home, err = config.Home(); err != nil {
			return nil, err
		}
	}
	cfg, err := config.LoadOrInit(home)
	if err != nil {
		return nil, err
	}
	return &app{globals: g, out: out, cfg: cfg}, nil
}

func (a *app) configureLogging() error {
	cfg := logging.DefaultConfig(logging.ProfileRuntime)
	cfg.Level = logLevel(a.globals, a.cfg.LogLevel)
	cfg.File = a.cfg.LogFile
	if a.globals.LogFile != "" {
		cfg.File = a.globals.LogFile
	}
	return logging.Apply(cfg)
}

func (a *app) printf(format string, args ...any) {
	fmt.Fprintf(a.out, format, args...)
}

func (a *app) identity() (*identity.Identity, error) {
	if a.id != nil {
		return a.id, nil
	}
	name := a.cfg.NodeName
	if name == "" {
		host, err := os.Hostname()
		if err != nil || strings.TrimSpace(host) == "" {
			host = "fts-node"
		}
		name = host
	}
	id, err := identity.LoadOrCreate(a.cfg.IdentityDir(), name)
	if err != nil {
		return nil, err
	}
	a.id = id
	return id, nil
}

func (a *app) trustStore(ctx context.Context) (*trust.Store, error) {
	if a.trust != nil {
		return a.trust, nil
	}
	if err := os.MkdirAll(a.cfg.Home, 0o700); err != nil {
		return nil, err
	}
	backend, err := sqlite.Open(ctx, a.cfg.TrustDB)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, backend.Close)
	a.trust = trust.NewStore(backend)
	return a.trust, nil
}

func (a *app) resumeCache() (*cache.Cache, error) {
	if a.cache != nil {
		return a.cache, nil
	}
	store, err := cache.NewDiskStore(a.cfg.CacheDir)
	if err != nil {
		return nil, err
	}
	c, err := cache.Open(store, cache.Config{Budget: a.cfg.CacheBudget})
	if err != nil {
		return nil, err
	}
	a.cache = c
	return c, nil
}

func (a *app) aliasRegistry() (*alias.Registry, error) {
	if a.aliases != nil {
		return a.aliases, nil
	}
	r, err := alias.Open(a.cfg.AliasFile())
	if err != nil {
		return nil, err
	}
	a.aliases = r
	return r, nil
}

func (a *app) deps(ctx context.Context) (transfer.Deps, error) {
	id, err := a.identity()
	if err != nil {
		return transfer.Deps{}, err
	}
	store, err := a.trustStore(ctx)
	if err != nil {
		return transfer.Deps{}, err
	}
	c, err := a.resumeCache()
	if err != nil {
		return transfer.Deps{}, err
	}
	return transfer.Deps{Identity: id, Trust: store, Cache: c}, nil
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Warn().Err(err).Msg("fts.app close")
		}
	}
	a.closers = nil
}
