// Package alias keeps named endpoints in a toml file so `fts send` can take
// a short name instead of host:port.
package alias

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/fts/internal/client"
	"github.com/danmuck/fts/internal/trust"
	"github.com/rs/zerolog/log"
)

// File is the registry file name inside the fts home.
const File = "aliases.toml"

var (
	ErrNotFound    = errors.New("alias: not found")
	ErrExists      = errors.New("alias: already exists")
	ErrInvalidName = errors.New("alias: invalid name")
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,62}$`)

// Entry is one named endpoint. Host keys the trust store and defaults to
// the alias name, so re-addressing a peer keeps its pinned certificate.
type Entry struct {
	Name        string    `toml:"name"`
	Address     string    `toml:"address"`
	Host        string    `toml:"host,omitempty"`
	Fingerprint string    `toml:"fingerprint,omitempty"`
	Added       time.Time `toml:"added"`
}

type fileFormat struct {
	Aliases []Entry `toml:"alias"`
}

// Registry is safe for concurrent use within one process. Every mutation
// rewrites the file.
type Registry struct {
	path string

	mu      sync.RWMutex
	entries map[string]Entry
}

// Open loads path. A missing file is an empty registry.
func Open(path string) (*Registry, error) {
	r := &Registry{path: path, entries: make(map[string]Entry)}
	var raw fileFormat
	_, err := toml.DecodeFile(path, &raw)
	if errors.Is(err, fs.ErrNotExist) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("alias: load %s: %w", path, err)
	}
	for i, e := range raw.Aliases {
		e, err := normalize(e)
		if err != nil {
			return nil, fmt.Errorf("alias: %s entry %d: %w", path, i, err)
		}
		r.entries[e.Name] = e
	}
	log.Debug().Str("path", path).Int("aliases", len(r.entries)).Msg("alias.Open")
	return r, nil
}

func normalize(e Entry) (Entry, error) {
	e.Name = strings.TrimSpace(e.Name)
	if !namePattern.MatchString(e.Name) {
		return Entry{}, fmt.Errorf("%w: %q", ErrInvalidName, e.Name)
	}
	ep, err := client.ParseEndpoint(e.Address)
	if err != nil {
		return Entry{}, err
	}
	e.Address = ep.Address
	e.Host = trust.NormalizeHost(e.Host)
	if e.Host == "" {
		e.Host = trust.NormalizeHost(e.Name)
	}
	if strings.TrimSpace(e.Fingerprint) != "" {
		fp, err := trust.NormalizeFingerprint(e.Fingerprint)
		if err != nil {
			return Entry{}, err
		}
		e.Fingerprint = fp
	}
	return e, nil
}

func (r *Registry) Path() string {
	return r.path
}

// Resolve implements client.Resolver.
func (r *Registry) Resolve(name string) (client.Endpoint, error) {
	e, err := r.Get(name)
	if errors.Is(err, ErrNotFound) {
		return client.Endpoint{}, fmt.Errorf("%w: %q", client.ErrUnknownAlias, name)
	}
	if err != nil {
		return client.Endpoint{}, err
	}
	return client.Endpoint{Name: e.Name, Address: e.Address, Host: e.Host, Fingerprint: e.Fingerprint}, nil
}

func (r *Registry) Get(name string) (Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[strings.TrimSpace(name)]
	if !ok {
		return Entry{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return e, nil
}

// Add stores e. An existing name is replaced only when replace is set.
func (r *Registry) Add(e Entry, replace bool) (Entry, error) {
	e, err := normalize(e)
	if err != nil {
		return Entry{}, err
	}
	if e.Added.IsZero() {
		e.Added = time.Now().UTC().Truncate(time.Second)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[e.Name]; ok && !replace {
		return Entry{}, fmt.Errorf("%w: %q", ErrExists, e.Name)
	}
	prev, had := r.entries[e.Name]
	r.entries[e.Name] = e
	if err := r.saveLocked(); err != nil {
		if had {
			r.entries[e.Name] = prev
		} else {
			delete(r.entries, e.Name)
		}
		return Entry{}, err
	}
	log.Info().Str("alias", e.Name).Str("address", e.Address).Bool("pinned", e.Fingerprint != "").Msg("alias.Registry.Add")
	return e, nil
}

func (r *Registry) Remove(name string) error {
	name = strings.TrimSpace(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.entries[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	delete(r.entries, name)
	if err := r.saveLocked(); err != nil {
		r.entries[name] = prev
		return err
	}
	log.Info().Str("alias", name).Msg("alias.Registry.Remove")
	return nil
}

// List returns entries sorted by name.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *Registry) saveLocked() error {
	out := fileFormat{Aliases: make([]Entry, 0, len(r.entries))}
	for _, e := range r.entries {
		out.Aliases = append(out.Aliases, e)
	}
	sort.Slice(out.Aliases, func(i, j int) bool { return out.Aliases[i].Name < out.Aliases[j].Name })

	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("alias: save: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".aliases-*.toml")
	if err != nil {
		return fmt.Errorf("alias: save: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := toml.NewEncoder(tmp).Encode(out); err != nil {
		tmp.Close()
		return fmt.Errorf("alias: encode: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("alias: save: %w", err)
	}
	if err := os.Rename(tmp.Name(), r.path); err != nil {
		return fmt.Errorf("alias: save: %w", err)
	}
	return nil
}
