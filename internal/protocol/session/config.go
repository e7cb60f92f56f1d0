package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/fts/internal/manifest"
	"github.com/danmuck/fts/internal/protocol/frame"
)

// Compression names negotiated in Offer/Accept.
const (
	CompressionNone = "none"
	CompressionZstd = "zstd"
)

const (
	DefaultChunkSize uint32 = 256 << 10
	MinChunkSize     uint32 = 4 << 10
	MaxChunkSize     uint32 = 4 << 20

	// DefaultMaxFileSize caps a MaxFileSize derived from the frame limits.
	DefaultMaxFileSize uint64 = 64 << 30
)

// Frame payload reserved for the Offer fields other than the chunk hash
// list, and for the Chunk fields other than the data.
const (
	OfferHeadroom uint32 = 16 << 10
	ChunkHeadroom uint32 = 1 << 10
)

var ErrInvalidConfig = errors.New("session: invalid config")

// BackoffConfig defines retry backoff behavior.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// Config defines transfer session timeouts, retry limits and chunking.
type Config struct {
	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	AckTimeout       time.Duration
	VerifyTimeout    time.Duration

	MaxConnectAttempts int
	ChunkRetryLimit    int
	AckRetryLimit      int
	Window             int

	ChunkSize uint32
	// MaxFileSize of zero is derived from ChunkSize and the frame limits.
	MaxFileSize uint64
	Compression string

	Backoff BackoffConfig
}

func DefaultConfig() Config {
	return Config{
		ConnectTimeout:     5 * time.Second,
		HandshakeTimeout:   5 * time.Second,
		ReadTimeout:        30 * time.Second,
		WriteTimeout:       30 * time.Second,
		AckTimeout:         10 * time.Second,
		VerifyTimeout:      2 * time.Minute,
		MaxConnectAttempts: 5,
		ChunkRetryLimit:    3,
		AckRetryLimit:      3,
		Window:             8,
		ChunkSize:          DefaultChunkSize,
		Compression:        CompressionNone,
		Backoff: BackoffConfig{
			InitialDelay: 250 * time.Millisecond,
			Multiplier:   2.0,
			MaxDelay:     5 * time.Second,
			Jitter:       true,
		},
	}
}

// WithDefaults fills zero values from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = d.AckTimeout
	}
	if c.VerifyTimeout <= 0 {
		c.VerifyTimeout = d.VerifyTimeout
	}
	if c.MaxConnectAttempts <= 0 {
		c.MaxConnectAttempts = d.MaxConnectAttempts
	}
	if c.ChunkRetryLimit <= 0 {
		c.ChunkRetryLimit = d.ChunkRetryLimit
	}
	if c.AckRetryLimit <= 0 {
		c.AckRetryLimit = d.AckRetryLimit
	}
	if c.Window <= 0 {
		c.Window = d.Window
	}
	if c.ChunkSize == 0 {
		c.ChunkSize = d.ChunkSize
	}
	if c.Compression == "" {
		c.Compression = d.Compression
	}
	if c.Backoff.InitialDelay <= 0 && c.Backoff.MaxDelay <= 0 && c.Backoff.Multiplier == 0 {
		c.Backoff = d.Backoff
	}
	return c
}

func (c Config) Validate() error {
	if c.ChunkSize < MinChunkSize || c.ChunkSize > MaxChunkSize {
		return fmt.Errorf("%w: chunk size %d outside [%d, %d]", ErrInvalidConfig, c.ChunkSize, MinChunkSize, MaxChunkSize)
	}
	if c.Window <= 0 {
		return fmt.Errorf("%w: window must be positive", ErrInvalidConfig)
	}
	if !ValidCompression(c.Compression) {
		return fmt.Errorf("%w: compression %q", ErrInvalidConfig, c.Compression)
	}
	return nil
}

func ValidCompression(name string) bool {
	return name == CompressionNone || name == CompressionZstd
}

// MaxManifestChunks is the largest chunk count whose Offer fits in one
// frame under limits.
func MaxManifestChunks(limits frame.Limits) int {
	if limits.MaxPayloadBytes <= OfferHeadroom {
		return 0
	}
	return int((limits.MaxPayloadBytes - OfferHeadroom) / manifest.HashSize)
}

// FitFileSize fills an unset MaxFileSize with the largest file whose Offer
// fits under limits, capped at DefaultMaxFileSize.
func (c Config) FitFileSize(limits frame.Limits) Config {
	if c.MaxFileSize == 0 && c.ChunkSize > 0 {
		c.MaxFileSize = min(DefaultMaxFileSize, uint64(MaxManifestChunks(limits))*uint64(c.ChunkSize))
	}
	return c
}

// ValidateLimits checks that a full chunk, and the Offer for a file of
// MaxFileSize, each fit in one frame under limits.
func (c Config) ValidateLimits(limits frame.Limits) error {
	if c.ChunkSize == 0 {
		return fmt.Errorf("%w: chunk size required", ErrInvalidConfig)
	}
	if uint64(c.ChunkSize)+uint64(ChunkHeadroom) > uint64(limits.MaxPayloadBytes) {
		return fmt.Errorf("%w: chunk size %d does not fit frame payload limit %d",
			ErrInvalidConfig, c.ChunkSize, limits.MaxPayloadBytes)
	}
	chunks := (c.MaxFileSize + uint64(c.ChunkSize) - 1) / uint64(c.ChunkSize)
	if limit := MaxManifestChunks(limits); chunks > uint64(limit) {
		return fmt.Errorf("%w: max file size %d needs %d chunk hashes, frame payload limit %d holds %d",
			ErrInvalidConfig, c.MaxFileSize, chunks, limits.MaxPayloadBytes, limit)
	}
	return nil
}
