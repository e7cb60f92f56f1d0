// Package config loads the fts node configuration from one toml file in the
// fts home. Keys present in the file override the defaults; durations are
// strings such as "30s".
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/fts/internal/alias"
	"github.com/danmuck/fts/internal/protocol/frame"
	"github.com/danmuck/fts/internal/protocol/session"
	"github.com/danmuck/fts/internal/server"
	"github.com/danmuck/fts/internal/trust"
)

const (
	EnvHome  = "FTS_HOME"
	FileName = "config.toml"
)

var ErrInvalid = errors.New("config: invalid")

// Config is the resolved node configuration. Relative paths are resolved
// against Home.
type Config struct {
	Home     string
	NodeName string

	Listen       string
	AdminListen  string
	MaxSessions  int
	QueueSize    int
	HistorySize  int
	CloseTimeout time.Duration
	DownloadDir  string

	Policy  trust.Policy
	TrustDB string

	CacheDir    string
	CacheBudget int64

	Session session.Config

	Parallel int
	Attempts int

	LogLevel string
	LogFile  string
}

type fileConfig struct {
	Node struct {
		Name string `toml:"name"`
	} `toml:"node"`
	Server struct {
		Listen       string `toml:"listen"`
		AdminListen  string `toml:"admin_listen"`
		MaxSessions  int    `toml:"max_sessions"`
		QueueSize    int    `toml:"queue_size"`
		HistorySize  int    `toml:"history_size"`
		CloseTimeout string `toml:"close_timeout"`
		DownloadDir  string `toml:"download_dir"`
	} `toml:"server"`
	Trust struct {
		FirstContact string `toml:"first_contact"`
		DB           string `toml:"db"`
	} `toml:"trust"`
	Cache struct {
		Dir         string `toml:"dir"`
		BudgetBytes int64  `toml:"budget_bytes"`
	} `toml:"cache"`
	Transfer struct {
		ChunkSize          uint32 `toml:"chunk_size"`
		Window             int    `toml:"window"`
		Compression        string `toml:"compression"`
		MaxFileSize        uint64 `toml:"max_file_size"`
		ConnectTimeout     string `toml:"connect_timeout"`
		HandshakeTimeout   string `toml:"handshake_timeout"`
		ReadTimeout        string `toml:"read_timeout"`
		WriteTimeout       string `toml:"write_timeout"`
		AckTimeout         string `toml:"ack_timeout"`
		VerifyTimeout      string `toml:"verify_timeout"`
		MaxConnectAttempts int    `toml:"max_connect_attempts"`
		ChunkRetryLimit    int    `toml:"chunk_retry_limit"`
		AckRetryLimit      int    `toml:"ack_retry_limit"`
	} `toml:"transfer"`
	Client struct {
		Parallel int `toml:"parallel"`
		Attempts int `toml:"attempts"`
	} `toml:"client"`
	Log struct {
		Level string `toml:"level"`
		File  string `toml:"file"`
	} `toml:"log"`
}

// Home returns $FTS_HOME, or ~/.fts.
func Home() (string, error) {
	if v := strings.TrimSpace(os.Getenv(EnvHome)); v != "" {
		return expandUser(v)
	}
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("config: resolve home: %w", err)
	}
	return filepath.Join(dir, ".fts"), nil
}

// Default returns the built-in configuration rooted at home. The
// first-contact policy is left unset; Validate insists it is chosen.
func Default(home string) Config {
	return Config{
		Home:         home,
		Listen:       ":7070",
		AdminListen:  "127.0.0.1:7071",
		MaxSessions:  4,
		QueueSize:    4,
		HistorySize:  64,
		CloseTimeout: 30 * time.Second,
		DownloadDir:  "downloads",
		TrustDB:      "trust.db",
		CacheDir:     "cache",
		CacheBudget:  1 << 30,
		Session:      session.DefaultConfig(),
		Parallel:     4,
		Attempts:     3,
		LogLevel:     "info",
	}
}

// Path is the config file inside home.
func Path(home string) string {
	return filepath.Join(home, FileName)
}

// Load reads home/config.toml over the defaults.
func Load(home string) (Config, error) {
	return LoadFile(home, Path(home))
}

func LoadFile(home, path string) (Config, error) {
	cfg := Default(home)

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("config: load %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return Config{}, fmt.Errorf("%w: unknown key %q in %s", ErrInvalid, undecoded[0].String(), path)
	}

	if meta.IsDefined("node", "name") {
		cfg.NodeName = strings.TrimSpace(raw.Node.Name)
	}

	if meta.IsDefined("server", "listen") {
		cfg.Listen = strings.TrimSpace(raw.Server.Listen)
	}
	if meta.IsDefined("server", "admin_listen") {
		cfg.AdminListen = strings.TrimSpace(raw.Server.AdminListen)
	}
	if meta.IsDefined("server", "max_sessions") {
		cfg.MaxSessions = raw.Server.MaxSessions
	}
	if meta.IsDefined("server", "queue_size") {
		cfg.QueueSize = raw.Server.QueueSize
	}
	if meta.IsDefined("server", "history_size") {
		cfg.HistorySize = raw.Server.HistorySize
	}
	if err := setDuration(meta, &cfg.CloseTimeout, raw.Server.CloseTimeout, "server", "close_timeout"); err != nil {
		return Config{}, err
	}
	if meta.IsDefined("server", "download_dir") {
		cfg.DownloadDir = strings.TrimSpace(raw.Server.DownloadDir)
	}

	if meta.IsDefined("trust", "first_contact") {
		p, err := trust.ParsePolicy(raw.Trust.FirstContact)
		if err != nil {
			return Config{}, fmt.Errorf("%w: trust.first_contact: %v", ErrInvalid, err)
		}
		cfg.Policy = p
	}
	if meta.IsDefined("trust", "db") {
		cfg.TrustDB = strings.TrimSpace(raw.Trust.DB)
	}

	if meta.IsDefined("cache", "dir") {
		cfg.CacheDir = strings.TrimSpace(raw.Cache.Dir)
	}
	if meta.IsDefined("cache", "budget_bytes") {
		cfg.CacheBudget = raw.Cache.BudgetBytes
	}

	if err := applyTransfer(meta, raw, &cfg.Session); err != nil {
		return Config{}, err
	}

	if meta.IsDefined("client", "parallel") {
		cfg.Parallel = raw.Client.Parallel
	}
	if meta.IsDefined("client", "attempts") {
		cfg.Attempts = raw.Client.Attempts
	}

	if meta.IsDefined("log", "level") {
		cfg.LogLevel = strings.TrimSpace(raw.Log.Level)
	}
	if meta.IsDefined("log", "file") {
		cfg.LogFile = strings.TrimSpace(raw.Log.File)
	}

	cfg.resolvePaths()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyTransfer(meta toml.MetaData, raw fileConfig, s *session.Config) error {
	t := raw.Transfer
	if meta.IsDefined("transfer", "chunk_size") {
		s.ChunkSize = t.ChunkSize
	}
	if meta.IsDefined("transfer", "window") {
		s.Window = t.Window
	}
	if meta.IsDefined("transfer", "compression") {
		s.Compression = strings.ToLower(strings.TrimSpace(t.Compression))
	}
	if meta.IsDefined("transfer", "max_file_size") {
		s.MaxFileSize = t.MaxFileSize
	}
	if meta.IsDefined("transfer", "max_connect_attempts") {
		s.MaxConnectAttempts = t.MaxConnectAttempts
	}
	if meta.IsDefined("transfer", "chunk_retry_limit") {
		s.ChunkRetryLimit = t.ChunkRetryLimit
	}
	if meta.IsDefined("transfer", "ack_retry_limit") {
		s.AckRetryLimit = t.AckRetryLimit
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"connect_timeout", t.ConnectTimeout, &s.ConnectTimeout},
		{"handshake_timeout", t.HandshakeTimeout, &s.HandshakeTimeout},
		{"read_timeout", t.ReadTimeout, &s.ReadTimeout},
		{"write_timeout", t.WriteTimeout, &s.WriteTimeout},
		{"ack_timeout", t.AckTimeout, &s.AckTimeout},
		{"verify_timeout", t.VerifyTimeout, &s.VerifyTimeout},
	}
	for _, d := range durations {
		if err := setDuration(meta, d.dst, d.raw, "transfer", d.key); err != nil {
			return err
		}
	}
	return nil
}

func setDuration(meta toml.MetaData, dst *time.Duration, raw string, key ...string) error {
	if !meta.IsDefined(key...) {
		return nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("%w: parse %s: %v", ErrInvalid, strings.Join(key, "."), err)
	}
	*dst = d
	return nil
}

func (c *Config) resolvePaths() {
	c.DownloadDir = c.resolve(c.DownloadDir)
	c.TrustDB = c.resolve(c.TrustDB)
	c.CacheDir = c.resolve(c.CacheDir)
	if c.LogFile != "" {
		c.LogFile = c.resolve(c.LogFile)
	}
}

func (c Config) resolve(p string) string {
	if p == "" {
		return p
	}
	if expanded, err := expandUser(p); err == nil {
		p = expanded
	}
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(c.Home, p)
}

func expandUser(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p, nil
	}
	dir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, strings.TrimPrefix(p, "~")), nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Home) == "" {
		return fmt.Errorf("%w: home directory required", ErrInvalid)
	}
	if c.Policy != trust.PolicyAutoAccept && c.Policy != trust.PolicyRequireApproval {
		return fmt.Errorf("%w: trust.first_contact must be %q or %q", ErrInvalid,
			trust.PolicyAutoAccept, trust.PolicyRequireApproval)
	}
	if strings.TrimSpace(c.Listen) == "" {
		return fmt.Errorf("%w: server.listen required", ErrInvalid)
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("%w: server.max_sessions must be positive", ErrInvalid)
	}
	if c.QueueSize < 0 || c.HistorySize < 0 {
		return fmt.Errorf("%w: server.queue_size and server.history_size must not be negative", ErrInvalid)
	}
	if c.CloseTimeout < 0 {
		return fmt.Errorf("%w: server.close_timeout must not be negative", ErrInvalid)
	}
	if c.Parallel <= 0 || c.Attempts <= 0 {
		return fmt.Errorf("%w: client.parallel and client.attempts must be positive", ErrInvalid)
	}
	if c.CacheBudget <= 0 {
		return fmt.Errorf("%w: cache.budget_bytes must be positive", ErrInvalid)
	}
	sess := c.Session.WithDefaults()
	if err := sess.Validate(); err != nil {
		return fmt.Errorf("%w: transfer: %v", ErrInvalid, err)
	}
	if err := sess.ValidateLimits(frame.DefaultLimits()); err != nil {
		return fmt.Errorf("%w: transfer: %v", ErrInvalid, err)
	}
	return nil
}

// IdentityDir holds this node's certificate and key.
func (c Config) IdentityDir() string {
	return filepath.Join(c.Home, "identity")
}

func (c Config) AliasFile() string {
	return filepath.Join(c.Home, alias.File)
}

func (c Config) DetachFile() string {
	return filepath.Join(c.Home, server.DetachFile)
}
