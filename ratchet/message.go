package ratchet

import (
	"crypto/ed25519"
	"fmt"
)

// Message is the wire representation of a single ratchet-encrypted
// message for one recipient device. It is what Encrypt produces and
// Decrypt consumes; callers (the outgoing and incoming pipelines, which
// carry it in a wire.Envelope's Content field) treat it as an opaque byte
// string via MarshalBinary/UnmarshalBinary and never
// need to know the ratchet internals.
type Message struct {
	IsPreKey bool

	// Populated only when IsPreKey is true: the fields a responder needs
	// to derive the same shared secret via X3DH.
	PreKeyID       *uint32
	SignedPreKeyID uint32
	IdentityKey    ed25519.PublicKey
	BaseKey        []byte // sender's X3DH ephemeral public key, 32 bytes

	Header *RatchetHeader
	Body   []byte // nonce || AES-GCM ciphertext||tag
}

const identityKeySize = ed25519.PublicKeySize

// MarshalBinary encodes the message for transport.
func (m *Message) MarshalBinary() ([]byte, error) {
	headerBytes, err := m.Header.MarshalBinary()
	if err != nil {
		return nil, err
	}

	if !m.IsPreKey {
		buf := make([]byte, 0, 1+len(headerBytes)+len(m.Body))
		buf = append(buf, 0)
		buf = append(buf, headerBytes...)
		buf = append(buf, m.Body...)
		return buf, nil
	}

	if len(m.IdentityKey) != identityKeySize || len(m.BaseKey) != 32 {
		return nil, ErrInvalidKeyLength
	}

	size := 1 + 1 + 4 + identityKeySize + 32 + len(headerBytes) + len(m.Body)
	if m.PreKeyID != nil {
		size += 4
	}

	buf := make([]byte, 0, size)
	buf = append(buf, 1)
	if m.PreKeyID != nil {
		buf = append(buf, 1)
		buf = appendUint32(buf, *m.PreKeyID)
	} else {
		buf = append(buf, 0)
	}
	buf = appendUint32(buf, m.SignedPreKeyID)
	buf = append(buf, m.IdentityKey...)
	buf = append(buf, m.BaseKey...)
	buf = append(buf, headerBytes...)
	buf = append(buf, m.Body...)
	return buf, nil
}

// UnmarshalBinary decodes a message previously produced by MarshalBinary.
func (m *Message) UnmarshalBinary(data []byte) error {
	if len(data) < 1 {
		return ErrInvalidMessage
	}
	pos := 1

	switch data[0] {
	case 0:
		m.IsPreKey = false
	case 1:
		m.IsPreKey = true
	default:
		return fmt.Errorf("%w: unknown message type %d", ErrInvalidMessage, data[0])
	}

	if m.IsPreKey {
		if pos+1 > len(data) {
			return ErrInvalidMessage
		}
		hasPreKeyID := data[pos] == 1
		pos++
		if hasPreKeyID {
			if pos+4 > len(data) {
				return ErrInvalidMessage
			}
			id := readUint32(data[pos:])
			m.PreKeyID = &id
			pos += 4
		}
		if pos+4 > len(data) {
			return ErrInvalidMessage
		}
		m.SignedPreKeyID = readUint32(data[pos:])
		pos += 4

		if pos+identityKeySize > len(data) {
			return ErrInvalidMessage
		}
		m.IdentityKey = make(ed25519.PublicKey, identityKeySize)
		copy(m.IdentityKey, data[pos:pos+identityKeySize])
		pos += identityKeySize

		if pos+32 > len(data) {
			return ErrInvalidMessage
		}
		m.BaseKey = make([]byte, 32)
		copy(m.BaseKey, data[pos:pos+32])
		pos += 32
	}

	if pos+ratchetHeaderSize > len(data) {
		return ErrInvalidMessage
	}
	m.Header = &RatchetHeader{}
	if err := m.Header.UnmarshalBinary(data[pos : pos+ratchetHeaderSize]); err != nil {
		return err
	}
	pos += ratchetHeaderSize

	m.Body = make([]byte, len(data)-pos)
	copy(m.Body, data[pos:])
	return nil
}
