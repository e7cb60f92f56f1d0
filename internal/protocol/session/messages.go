package session

import (
	"fmt"

	"github.com/danmuck/fts/internal/manifest"
	"github.com/danmuck/fts/internal/protocol/frame"
	"github.com/danmuck/fts/internal/protocol/schema"
	"github.com/danmuck/fts/internal/protocol/tlv"
)

// Reject codes carried in Reject.Code.
const (
	RejectFileTooLarge    uint32 = 1
	RejectChunkSize       uint32 = 2
	RejectInvalidManifest uint32 = 3
	RejectInvalidName     uint32 = 4
	RejectCompression     uint32 = 5
)

// Message is one typed session message.
type Message interface {
	MessageType() uint16
	fields() []tlv.Field
}

type Offer struct {
	SessionID   string
	Name        string
	Size        uint64
	ChunkSize   uint32
	Chunks      []manifest.Hash
	Root        manifest.Hash
	Compression string
}

// OfferFor describes m for the wire.
func OfferFor(sessionID string, m *manifest.Manifest, compression string) Offer {
	return Offer{
		SessionID:   sessionID,
		Name:        m.Name,
		Size:        m.Size,
		ChunkSize:   m.ChunkSize,
		Chunks:      append([]manifest.Hash(nil), m.Chunks...),
		Root:        m.Root,
		Compression: compression,
	}
}

func (Offer) MessageType() uint16 { return schema.MsgOffer }

func (o Offer) fields() []tlv.Field {
	return []tlv.Field{
		tlv.String(schema.FieldSessionID, o.SessionID),
		tlv.String(schema.FieldFileName, o.Name),
		tlv.U64(schema.FieldFileSize, o.Size),
		tlv.U32(schema.FieldChunkSize, o.ChunkSize),
		tlv.Bytes(schema.FieldChunkHashes, manifest.EncodeHashes(o.Chunks)),
		tlv.Bytes(schema.FieldRootHash, o.Root[:]),
		tlv.String(schema.FieldCompression, o.Compression),
	}
}

// Manifest rebuilds and validates the offered manifest.
func (o Offer) Manifest() (*manifest.Manifest, error) {
	m := &manifest.Manifest{
		Name:      o.Name,
		Size:      o.Size,
		ChunkSize: o.ChunkSize,
		Chunks:    o.Chunks,
		Root:      o.Root,
		Complete:  manifest.NewBitmap(len(o.Chunks)),
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

type Accept struct {
	SessionID   string
	ChunkSize   uint32
	Have        []byte
	Compression string
}

func (Accept) MessageType() uint16 { return schema.MsgAccept }

func (a Accept) fields() []tlv.Field {
	return []tlv.Field{
		tlv.String(schema.FieldSessionID, a.SessionID),
		tlv.U32(schema.FieldChunkSize, a.ChunkSize),
		tlv.Bytes(schema.FieldBitmap, a.Have),
		tlv.String(schema.FieldCompression, a.Compression),
	}
}

type Reject struct {
	SessionID string
	Code      uint32
	Reason    string
}

func (Reject) MessageType() uint16 { return schema.MsgReject }

func (r Reject) fields() []tlv.Field {
	return []tlv.Field{
		tlv.String(schema.FieldSessionID, r.SessionID),
		tlv.U32(schema.FieldCode, r.Code),
		tlv.String(schema.FieldReason, r.Reason),
	}
}

type Chunk struct {
	Index uint32
	Data  []byte
}

func (Chunk) MessageType() uint16 { return schema.MsgChunk }

func (c Chunk) fields() []tlv.Field {
	return []tlv.Field{
		tlv.U32(schema.FieldIndex, c.Index),
		tlv.Bytes(schema.FieldData, c.Data),
	}
}

type ChunkAck struct {
	Index uint32
}

func (ChunkAck) MessageType() uint16 { return schema.MsgChunkAck }

func (a ChunkAck) fields() []tlv.Field {
	return []tlv.Field{tlv.U32(schema.FieldIndex, a.Index)}
}

type ChunkNack struct {
	Index  uint32
	Reason string
}

func (ChunkNack) MessageType() uint16 { return schema.MsgChunkNack }

func (n ChunkNack) fields() []tlv.Field {
	return []tlv.Field{
		tlv.U32(schema.FieldIndex, n.Index),
		tlv.String(schema.FieldReason, n.Reason),
	}
}

type Complete struct {
	SessionID string
	Size      uint64
	Root      manifest.Hash
}

func (Complete) MessageType() uint16 { return schema.MsgComplete }

func (c Complete) fields() []tlv.Field {
	return []tlv.Field{
		tlv.String(schema.FieldSessionID, c.SessionID),
		tlv.U64(schema.FieldFileSize, c.Size),
		tlv.Bytes(schema.FieldRootHash, c.Root[:]),
	}
}

// Abort ends a session early. Kind names the failure class of the sender.
type Abort struct {
	Kind   string
	Reason string
}

func (Abort) MessageType() uint16 { return schema.MsgAbort }

func (a Abort) fields() []tlv.Field {
	return []tlv.Field{
		tlv.String(schema.FieldKind, a.Kind),
		tlv.String(schema.FieldReason, a.Reason),
	}
}

func flagsFor(m Message) uint16 {
	switch m.(type) {
	case Accept, ChunkAck, Complete:
		return frame.FlagIsResponse
	case Reject, ChunkNack:
		return frame.FlagIsResponse | frame.FlagIsError
	case Abort:
		return frame.FlagIsError
	default:
		return 0
	}
}

// decodeMessage validates and decodes one payload. Chunk data is returned as
// carried on the wire; decompression happens in Wire.
func decodeMessage(messageType uint16, payload []byte) (Message, error) {
	fields, err := tlv.DecodeFields(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := schema.Validate(messageType, fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	d := fieldDecoder{fields: fields}
	var m Message
	switch messageType {
	case schema.MsgOffer:
		o := Offer{
			SessionID:   d.str(schema.FieldSessionID),
			Name:        d.str(schema.FieldFileName),
			Size:        d.u64(schema.FieldFileSize),
			ChunkSize:   d.u32(schema.FieldChunkSize),
			Root:        d.hash(schema.FieldRootHash),
			Compression: d.str(schema.FieldCompression),
		}
		if d.err == nil {
			o.Chunks, d.err = manifest.DecodeHashes(d.bytes(schema.FieldChunkHashes))
		}
		m = o
	case schema.MsgAccept:
		m = Accept{
			SessionID:   d.str(schema.FieldSessionID),
			ChunkSize:   d.u32(schema.FieldChunkSize),
			Have:        d.bytes(schema.FieldBitmap),
			Compression: d.str(schema.FieldCompression),
		}
	case schema.MsgReject:
		m = Reject{
			SessionID: d.str(schema.FieldSessionID),
			Code:      d.u32(schema.FieldCode),
			Reason:    d.str(schema.FieldReason),
		}
	case schema.MsgChunk:
		m = Chunk{Index: d.u32(schema.FieldIndex), Data: d.bytes(schema.FieldData)}
	case schema.MsgChunkAck:
		m = ChunkAck{Index: d.u32(schema.FieldIndex)}
	case schema.MsgChunkNack:
		m = ChunkNack{Index: d.u32(schema.FieldIndex), Reason: d.str(schema.FieldReason)}
	case schema.MsgComplete:
		m = Complete{
			SessionID: d.str(schema.FieldSessionID),
			Size:      d.u64(schema.FieldFileSize),
			Root:      d.hash(schema.FieldRootHash),
		}
	case schema.MsgAbort:
		m = Abort{Kind: d.str(schema.FieldKind), Reason: d.str(schema.FieldReason)}
	}
	if d.err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, schema.Name(messageType), d.err)
	}
	return m, nil
}

// fieldDecoder keeps the first error so decoders read as straight-line code.
type fieldDecoder struct {
	fields []tlv.Field
	err    error
}

func (d *fieldDecoder) str(id uint16) string {
	if d.err != nil {
		return ""
	}
	v, err := tlv.GetString(d.fields, id)
	d.err = err
	return v
}

func (d *fieldDecoder) bytes(id uint16) []byte {
	if d.err != nil {
		return nil
	}
	v, err := tlv.GetBytes(d.fields, id)
	d.err = err
	return v
}

func (d *fieldDecoder) u32(id uint16) uint32 {
	if d.err != nil {
		return 0
	}
	v, err := tlv.GetU32(d.fields, id)
	d.err = err
	return v
}

func (d *fieldDecoder) u64(id uint16) uint64 {
	if d.err != nil {
		return 0
	}
	v, err := tlv.GetU64(d.fields, id)
	d.err = err
	return v
}

func (d *fieldDecoder) hash(id uint16) manifest.Hash {
	raw := d.bytes(id)
	if d.err != nil {
		return manifest.Hash{}
	}
	if len(raw) != manifest.HashSize {
		d.err = fmt.Errorf("%w: field %d has %d bytes", manifest.ErrInvalidHash, id, len(raw))
		return manifest.Hash{}
	}
	var h manifest.Hash
	copy(h[:], raw)
	return h
}
