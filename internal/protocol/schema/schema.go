package schema

import (
	"fmt"

	"github.com/danmuck/fts/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Message type IDs.
const (
	MsgOffer     uint16 = 1
	MsgAccept    uint16 = 2
	MsgReject    uint16 = 3
	MsgChunk     uint16 = 4
	MsgChunkAck  uint16 = 5
	MsgChunkNack uint16 = 6
	MsgComplete  uint16 = 7
	MsgAbort     uint16 = 8
)

// Field IDs.
const (
	FieldSessionID uint16 = 1

	FieldFileName    uint16 = 100
	FieldFileSize    uint16 = 101
	FieldChunkSize   uint16 = 102
	FieldChunkHashes uint16 = 103
	FieldRootHash    uint16 = 104
	FieldCompression uint16 = 105

	FieldBitmap uint16 = 200

	FieldCode   uint16 = 300
	FieldReason uint16 = 301
	FieldKind   uint16 = 302

	FieldIndex uint16 = 400
	FieldData  uint16 = 401
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint16
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var requirements = map[uint16][]Requirement{
	MsgOffer: {
		{FieldSessionID, tlv.TypeString},
		{FieldFileName, tlv.TypeString},
		{FieldFileSize, tlv.TypeU64},
		{FieldChunkSize, tlv.TypeU32},
		{FieldChunkHashes, tlv.TypeBytes},
		{FieldRootHash, tlv.TypeBytes},
		{FieldCompression, tlv.TypeString},
	},
	MsgAccept: {
		{FieldSessionID, tlv.TypeString},
		{FieldChunkSize, tlv.TypeU32},
		{FieldBitmap, tlv.TypeBytes},
		{FieldCompression, tlv.TypeString},
	},
	MsgReject: {
		{FieldSessionID, tlv.TypeString},
		{FieldCode, tlv.TypeU32},
		{FieldReason, tlv.TypeString},
	},
	MsgChunk: {
		{FieldIndex, tlv.TypeU32},
		{FieldData, tlv.TypeBytes},
	},
	MsgChunkAck: {
		{FieldIndex, tlv.TypeU32},
	},
	MsgChunkNack: {
		{FieldIndex, tlv.TypeU32},
		{FieldReason, tlv.TypeString},
	},
	MsgComplete: {
		{FieldSessionID, tlv.TypeString},
		{FieldFileSize, tlv.TypeU64},
		{FieldRootHash, tlv.TypeBytes},
	},
	MsgAbort: {
		{FieldKind, tlv.TypeString},
		{FieldReason, tlv.TypeString},
	},
}

// Name returns a log-friendly name for a message type.
func Name(messageType uint16) string {
	switch messageType {
	case MsgOffer:
		return "offer"
	case MsgAccept:
		return "accept"
	case MsgReject:
		return "reject"
	case MsgChunk:
		return "chunk"
	case MsgChunkAck:
		return "chunk.ack"
	case MsgChunkNack:
		return "chunk.nack"
	case MsgComplete:
		return "complete"
	case MsgAbort:
		return "abort"
	default:
		return fmt.Sprintf("unknown(%d)", messageType)
	}
}

// Validate enforces required fields and required field types for a message type.
// Unknown fields are ignored.
func Validate(messageType uint16, fields []tlv.Field) error {
	reqs, ok := requirements[messageType]
	if !ok {
		log.Error().Uint16("message_type", messageType).Msg("schema.Validate unknown message_type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Error().
				Str("message", Name(messageType)).
				Uint16("field_id", req.ID).
				Msg("schema.Validate missing field")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Error().
				Str("message", Name(messageType)).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema.Validate type mismatch")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	log.Trace().Str("message", Name(messageType)).Int("fields", len(fields)).Msg("schema.Validate ok")
	return nil
}
