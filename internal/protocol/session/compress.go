package session

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
)

var ErrDecompress = errors.New("session: decompress chunk")

// Codec compresses chunk payloads for one session. The zero value and a nil
// Codec both pass data through untouched.
type Codec struct {
	name    string
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func NewCodec(name string) (*Codec, error) {
	switch name {
	case "", CompressionNone:
		return &Codec{name: CompressionNone}, nil
	case CompressionZstd:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, err
		}
		dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(uint64(MaxChunkSize)))
		if err != nil {
			enc.Close()
			return nil, err
		}
		return &Codec{name: CompressionZstd, encoder: enc, decoder: dec}, nil
	default:
		return nil, fmt.Errorf("%w: compression %q", ErrInvalidConfig, name)
	}
}

func (c *Codec) Name() string {
	if c == nil || c.name == "" {
		return CompressionNone
	}
	return c.name
}

func (c *Codec) Enabled() bool {
	return c != nil && c.encoder != nil
}

// Compress returns the encoded form and true only when it is smaller than
// the input; otherwise the input is returned unchanged.
func (c *Codec) Compress(in []byte) ([]byte, bool) {
	if !c.Enabled() || len(in) == 0 {
		return in, false
	}
	out := c.encoder.EncodeAll(in, make([]byte, 0, len(in)))
	if len(out) >= len(in) {
		return in, false
	}
	return out, true
}

func (c *Codec) Decompress(in []byte) ([]byte, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("%w: compression not negotiated", ErrDecompress)
	}
	// min size for the zstd magic number
	if len(in) < 4 {
		return nil, fmt.Errorf("%w: short input", ErrDecompress)
	}
	out, err := c.decoder.DecodeAll(in, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecompress, err)
	}
	return out, nil
}

func (c *Codec) Close() {
	if c == nil {
		return
	}
	if c.encoder != nil {
		_ = c.encoder.Close()
	}
	if c.decoder != nil {
		c.decoder.Close()
	}
}
