package session

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/danmuck/fts/internal/protocol/frame"
	"github.com/danmuck/fts/internal/protocol/schema"
	"github.com/danmuck/fts/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

var (
	ErrMalformed            = errors.New("session: malformed message")
	ErrUnexpectedCompressed = errors.New("session: compressed frame without negotiated compression")
)

// Wire sends and receives typed messages over one stream. Send is safe for
// concurrent use; Recv must be called from a single goroutine.
type Wire struct {
	r      *bufio.Reader
	w      io.Writer
	limits frame.Limits

	mu     sync.Mutex
	codec  atomic.Pointer[Codec]
	nextID atomic.Uint64
}

func NewWire(rw io.ReadWriter, limits frame.Limits) *Wire {
	if limits.MaxPayloadBytes == 0 {
		limits = frame.DefaultLimits()
	}
	return &Wire{r: bufio.NewReader(rw), w: rw, limits: limits}
}

// SetCodec switches chunk compression once it has been negotiated.
func (w *Wire) SetCodec(c *Codec) {
	w.codec.Store(c)
}

func (w *Wire) Send(m Message) error {
	fields := m.fields()
	flags := flagsFor(m)
	if c, ok := m.(Chunk); ok {
		if data, compressed := w.codec.Load().Compress(c.Data); compressed {
			fields = Chunk{Index: c.Index, Data: data}.fields()
			flags |= frame.FlagCompressed
		}
	}
	f := frame.Frame{
		Header: frame.Header{
			Flags:       flags,
			MessageID:   w.nextID.Add(1),
			MessageType: m.MessageType(),
		},
		Payload: tlv.EncodeFields(fields),
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := frame.WriteFrame(w.w, f, w.limits); err != nil {
		return err
	}
	log.Trace().
		Str("message", schema.Name(f.Header.MessageType)).
		Uint64("message_id", f.Header.MessageID).
		Int("payload", len(f.Payload)).
		Msg("session.Wire send")
	return nil
}

// Recv returns the next message. Frame and payload violations wrap
// ErrMalformed; stream errors are returned as-is.
func (w *Wire) Recv() (Message, error) {
	f, err := frame.ReadFrame(w.r, w.limits)
	if err != nil {
		if isFrameViolation(err) {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return nil, err
	}
	m, err := decodeMessage(f.Header.MessageType, f.Payload)
	if err != nil {
		return nil, err
	}
	if f.Header.Flags&frame.FlagCompressed != 0 {
		c, ok := m.(Chunk)
		codec := w.codec.Load()
		if !ok || !codec.Enabled() {
			return nil, ErrUnexpectedCompressed
		}
		data, err := codec.Decompress(c.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		c.Data = data
		m = c
	}
	log.Trace().
		Str("message", schema.Name(f.Header.MessageType)).
		Uint64("message_id", f.Header.MessageID).
		Msg("session.Wire recv")
	return m, nil
}

func isFrameViolation(err error) bool {
	return errors.Is(err, frame.ErrInvalidMagic) ||
		errors.Is(err, frame.ErrUnsupportedVersion) ||
		errors.Is(err, frame.ErrUnknownFlags) ||
		errors.Is(err, frame.ErrPayloadTooLarge)
}
