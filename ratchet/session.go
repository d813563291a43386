package ratchet

import (
	"crypto/ecdh"
	"crypto/ed25519"
)

// session wraps a Double Ratchet state with the session-level metadata
// needed to reconstruct and reply to a pre-key message.
type session struct {
	ratchet        *RatchetState
	remoteIdentity ed25519.PublicKey
	pending        *pendingPreKey // non-nil until the first reply is received
}

// pendingPreKey tracks the pre-key fields an initiator must keep attaching
// to outgoing messages until the responder's first reply proves the
// session is live.
type pendingPreKey struct {
	preKeyID        *uint32
	signedPreKeyID  uint32
	ephemeralPubKey []byte // 32 bytes, X25519
}

func newSessionAsInitiator(localIdentity *IdentityKeyPair, remoteBundle *PreKeyBundle) (*session, error) {
	x3dh, err := x3dhInitiate(localIdentity, remoteBundle)
	if err != nil {
		return nil, err
	}

	rs, err := InitRatchetAsInitiator(x3dh.SharedSecret, remoteBundle.SignedPreKey)
	if err != nil {
		return nil, err
	}

	return &session{
		ratchet:        rs,
		remoteIdentity: remoteBundle.IdentityKey,
		pending: &pendingPreKey{
			preKeyID:        x3dh.UsedPreKeyID,
			signedPreKeyID:  remoteBundle.SignedPreKeyID,
			ephemeralPubKey: x3dh.EphemeralPubKey,
		},
	}, nil
}

func newSessionAsResponder(
	localIdentity *IdentityKeyPair,
	localSPK *ecdh.PrivateKey,
	localOPK *ecdh.PrivateKey,
	remoteIdentityKey ed25519.PublicKey,
	ephemeralPubKey []byte,
) (*session, error) {
	sharedSecret, err := x3dhRespond(localIdentity, localSPK, localOPK, remoteIdentityKey, ephemeralPubKey)
	if err != nil {
		return nil, err
	}

	return &session{
		ratchet:        InitRatchetAsResponder(sharedSecret, localSPK),
		remoteIdentity: remoteIdentityKey,
	}, nil
}

func (s *session) encrypt(plaintext []byte) (*RatchetHeader, []byte, bool, error) {
	header, ciphertext, err := s.ratchet.RatchetEncrypt(plaintext)
	if err != nil {
		return nil, nil, false, err
	}
	return header, ciphertext, s.pending != nil, nil
}

func (s *session) decrypt(addr Address, header *RatchetHeader, ciphertext []byte) ([]byte, error) {
	plaintext, err := s.ratchet.RatchetDecrypt(addr, header, ciphertext)
	if err != nil {
		return nil, err
	}
	s.pending = nil
	return plaintext, nil
}

// MarshalBinary serializes the session state: remote identity, the
// optional pending pre-key fields, then the ratchet state.
func (s *session) MarshalBinary() ([]byte, error) {
	ratchetData, err := s.ratchet.MarshalBinary()
	if err != nil {
		return nil, err
	}

	size := 32 + 1 + len(ratchetData)
	hasPending := s.pending != nil
	if hasPending {
		size += 1 + 4 + 32
		if s.pending.preKeyID != nil {
			size += 4
		}
	}

	buf := make([]byte, 0, size)
	buf = append(buf, s.remoteIdentity...)

	if hasPending {
		buf = append(buf, 1)
		p := s.pending
		if p.preKeyID != nil {
			buf = append(buf, 1)
			buf = appendUint32(buf, *p.preKeyID)
		} else {
			buf = append(buf, 0)
		}
		buf = appendUint32(buf, p.signedPreKeyID)
		buf = append(buf, p.ephemeralPubKey...)
	} else {
		buf = append(buf, 0)
	}

	buf = append(buf, ratchetData...)
	return buf, nil
}

// UnmarshalBinary deserializes a session from bytes.
func (s *session) UnmarshalBinary(data []byte) error {
	if len(data) < 33 {
		return ErrInvalidMessage
	}

	s.remoteIdentity = make(ed25519.PublicKey, 32)
	copy(s.remoteIdentity, data[:32])
	pos := 32

	pendingFlag := data[pos]
	pos++

	if pendingFlag == 1 {
		s.pending = &pendingPreKey{}
		preKeyFlag := data[pos]
		pos++

		if preKeyFlag == 1 {
			if pos+4 > len(data) {
				return ErrInvalidMessage
			}
			id := readUint32(data[pos:])
			s.pending.preKeyID = &id
			pos += 4
		}

		if pos+4 > len(data) {
			return ErrInvalidMessage
		}
		s.pending.signedPreKeyID = readUint32(data[pos:])
		pos += 4

		if pos+32 > len(data) {
			return ErrInvalidMessage
		}
		s.pending.ephemeralPubKey = make([]byte, 32)
		copy(s.pending.ephemeralPubKey, data[pos:pos+32])
		pos += 32
	}

	s.ratchet = &RatchetState{}
	return s.ratchet.UnmarshalBinary(data[pos:])
}

func appendUint32(buf []byte, v uint32) []byte {
	return append(buf, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func readUint32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
