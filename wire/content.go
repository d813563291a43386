package wire

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// DataMessage is the primary payload of an application message.
type DataMessage struct {
	Body  string
	Flags uint32
}

// HasFlag reports whether f is set on m.Flags.
func (m *DataMessage) HasFlag(f DataMessageFlag) bool {
	return m.Flags&uint32(f) != 0
}

const (
	dmFieldBody  = 1
	dmFieldFlags = 4
)

func (m *DataMessage) Marshal() []byte {
	var b []byte
	if m.Body != "" {
		b = protowire.AppendTag(b, dmFieldBody, protowire.BytesType)
		b = protowire.AppendString(b, m.Body)
	}
	if m.Flags != 0 {
		b = protowire.AppendTag(b, dmFieldFlags, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Flags))
	}
	return b
}

func decodeDataMessage(data []byte) (*DataMessage, error) {
	m := &DataMessage{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("wire: dataMessage: bad tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case dmFieldBody:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: dataMessage: bad body: %w", protowire.ParseError(n))
			}
			m.Body = v
			data = data[n:]
		case dmFieldFlags:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: dataMessage: bad flags: %w", protowire.ParseError(n))
			}
			m.Flags = uint32(v)
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("wire: dataMessage: skip unknown field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return m, nil
}

// SyncSent is the payload of SyncMessage.sent: a record of a message this
// account already sent from another device.
type SyncSent struct {
	Destination string
	Timestamp   uint64
}

// SyncRead is one entry of SyncMessage.read: an acknowledgement that a
// message from Sender was read on another device.
type SyncRead struct {
	Sender    string
	Timestamp uint64
}

// SyncMessage carries cross-device synchronization data. Per spec.md §4.2,
// Blocked/Contacts/Groups/Request are deprecated; only Sent and Read are
// live.
type SyncMessage struct {
	Sent     *SyncSent
	Read     []SyncRead
	Blocked  bool
	Contacts bool
	Groups   bool
	Request  bool
}

const (
	smFieldSent     = 1
	smFieldContacts = 2
	smFieldGroups   = 3
	smFieldRequest  = 4
	smFieldRead     = 5
	smFieldBlocked  = 7

	syncSentFieldDestination = 1
	syncSentFieldTimestamp   = 2

	syncReadFieldSender    = 1
	syncReadFieldTimestamp = 2
)

func decodeSyncMessage(data []byte) (*SyncMessage, error) {
	m := &SyncMessage{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("wire: syncMessage: bad tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case smFieldSent:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: syncMessage: bad sent: %w", protowire.ParseError(n))
			}
			sent, err := decodeSyncSent(v)
			if err != nil {
				return nil, err
			}
			m.Sent = sent
			data = data[n:]
		case smFieldRead:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: syncMessage: bad read entry: %w", protowire.ParseError(n))
			}
			entry, err := decodeSyncRead(v)
			if err != nil {
				return nil, err
			}
			m.Read = append(m.Read, *entry)
			data = data[n:]
		case smFieldBlocked:
			_, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: syncMessage: bad blocked: %w", protowire.ParseError(n))
			}
			m.Blocked = true
			data = data[n:]
		case smFieldContacts:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("wire: syncMessage: bad contacts: %w", protowire.ParseError(n))
			}
			m.Contacts = true
			data = data[n:]
		case smFieldGroups:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("wire: syncMessage: bad groups: %w", protowire.ParseError(n))
			}
			m.Groups = true
			data = data[n:]
		case smFieldRequest:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("wire: syncMessage: bad request: %w", protowire.ParseError(n))
			}
			m.Request = true
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("wire: syncMessage: skip unknown field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return m, nil
}

func decodeSyncSent(data []byte) (*SyncSent, error) {
	s := &SyncSent{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("wire: syncSent: bad tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case syncSentFieldDestination:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: syncSent: bad destination: %w", protowire.ParseError(n))
			}
			s.Destination = v
			data = data[n:]
		case syncSentFieldTimestamp:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: syncSent: bad timestamp: %w", protowire.ParseError(n))
			}
			s.Timestamp = v
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("wire: syncSent: skip unknown field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return s, nil
}

func decodeSyncRead(data []byte) (*SyncRead, error) {
	r := &SyncRead{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("wire: syncRead: bad tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case syncReadFieldSender:
			v, n := protowire.ConsumeString(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: syncRead: bad sender: %w", protowire.ParseError(n))
			}
			r.Sender = v
			data = data[n:]
		case syncReadFieldTimestamp:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: syncRead: bad timestamp: %w", protowire.ParseError(n))
			}
			r.Timestamp = v
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("wire: syncRead: skip unknown field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return r, nil
}

// Content is the top-level decrypted payload: it may carry a DataMessage,
// a SyncMessage, or both.
type Content struct {
	DataMessage *DataMessage
	SyncMessage *SyncMessage
}

const (
	contentFieldDataMessage = 1
	contentFieldSyncMessage = 7
)

// Marshal encodes c's DataMessage using protowire primitives; SyncMessage
// is not encoded.
func (c *Content) Marshal() []byte {
	var b []byte
	if c.DataMessage != nil {
		b = protowire.AppendTag(b, contentFieldDataMessage, protowire.BytesType)
		b = protowire.AppendBytes(b, c.DataMessage.Marshal())
	}
	return b
}

// DecodeContent decodes a Content message, as delivered in a CIPHERTEXT or
// PREKEY_BUNDLE envelope's decrypted body.
func DecodeContent(data []byte) (*Content, error) {
	c := &Content{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, fmt.Errorf("wire: content: bad tag: %w", protowire.ParseError(n))
		}
		data = data[n:]
		switch num {
		case contentFieldDataMessage:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: content: bad dataMessage: %w", protowire.ParseError(n))
			}
			dm, err := decodeDataMessage(v)
			if err != nil {
				return nil, err
			}
			c.DataMessage = dm
			data = data[n:]
		case contentFieldSyncMessage:
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, fmt.Errorf("wire: content: bad syncMessage: %w", protowire.ParseError(n))
			}
			sm, err := decodeSyncMessage(v)
			if err != nil {
				return nil, err
			}
			c.SyncMessage = sm
			data = data[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, fmt.Errorf("wire: content: skip unknown field %d: %w", num, protowire.ParseError(n))
			}
			data = data[n:]
		}
	}
	return c, nil
}

// DecodeLegacyDataMessage decodes the body of a legacyMessage envelope,
// which is a bare DataMessage rather than a Content wrapper.
func DecodeLegacyDataMessage(data []byte) (*DataMessage, error) {
	return decodeDataMessage(data)
}
