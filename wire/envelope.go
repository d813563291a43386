// Package wire implements the envelope codec and frame decryptor of
// spec.md §2.4: it decodes the outer envelope the signal service delivers,
// decrypts the signaling-key-protected websocket frame that wraps it, and
// decodes the Content/DataMessage payload a session cipher has already
// decrypted.
//
// Wire messages are hand-framed with google.golang.org/protobuf's
// low-level protowire primitives rather than generated code: there is no
// protoc toolchain available to regenerate a .proto in this module, so the
// tag/varint/length-delimited framing protoc-gen-go would emit is built
// directly against the same field numbers a real Signal Envelope/Content
// proto uses.
package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Type enumerates the envelope shapes the signal service delivers, mirror
// of spec.md §6's Envelope.Type enumeration.
type Type int32

const (
	TypeUnknown            Type = 0
	TypeCiphertext         Type = 1
	TypeKeyExchange        Type = 2
	TypePreKeyBundle       Type = 3
	TypeReceipt            Type = 5
	TypeUnidentifiedSender Type = 6
)

// DataMessageFlag enumerates DataMessage.Flags bits.
type DataMessageFlag uint32

const (
	FlagEndSession DataMessageFlag = 1
)

// Envelope is the outer container the signal service (or the drain-mode
// messages API) delivers for every message, per spec.md §3.
type Envelope struct {
	Type          Type
	Source        string
	SourceDevice  uint32
	Timestamp     uint64
	Content       []byte // present for Content-shaped payloads
	LegacyMessage []byte // present for legacy DataMessage-shaped payloads
}

const (
	envFieldType          = 1
	envFieldSource        = 2
	envFieldSourceDevice  = 3
	envFieldTimestamp     = 5
	envFieldLegacyMessage = 6
	envFieldContent       = 8
)

// Marshal encodes e using protowire primitives.
func (e *Envelope) Marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, envFieldType, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.Type))
	b = protowire.AppendTag(b, envFieldSource, protowire.BytesType)
	b = protowire.AppendString(b, e.Source)
	b = protowire.AppendTag(b, envFieldSourceDevice, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.SourceDevice))
	b = protowire.AppendTag(b, envFieldTimestamp, protowire.VarintType)
	b = protowire.AppendVarint(b, e.Timestamp)
	if len(e.LegacyMessage) > 0 {
		b = protowire.AppendTag(b, envFieldLegacyMessage, protowire.BytesType)
		b = protowire.AppendBytes(b, e.LegacyMessage)
	}
	if len(e.Content) > 0 {
		b = protowire.AppendTag(b, envFieldContent, protowire.BytesType)
		b = protowire.AppendBytes(b, e.Content)
	}
	return b
}

// DecodeEnvelope decodes the bytes produced by Marshal, or by the real
// signal service wire format (same field layout).
func DecodeEnvelope(data []byte) (*Envelope, error) {
	e := &Envelope{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("wire: envelope: bad tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		switch num {
		case envFieldType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: envelope: bad type field: %w", protowire.ParseError(n))
			}
			e.Type = Type(v)
			data = data[n:]
		case envFieldSource:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: envelope: bad source field: %w", protowire.ParseError(n))
			}
			e.Source = v
			data = data[n:]
		case envFieldSourceDevice:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: envelope: bad sourceDevice field: %w", protowire.ParseError(n))
			}
			e.SourceDevice = uint32(v)
			data = data[n:]
		case envFieldTimestamp:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: envelope: bad timestamp field: %w", protowire.ParseError(n))
			}
			e.Timestamp = v
			data = data[n:]
		case envFieldLegacyMessage:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: envelope: bad legacyMessage field: %w", protowire.ParseError(n))
			}
			e.LegacyMessage = append([]byte(nil), v...)
			data = data[n:]
		case envFieldContent:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: envelope: bad content field: %w", protowire.ParseError(n))
			}
			e.Content = append([]byte(nil), v...)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("wire: envelope: skip unknown field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return e, nil
}
