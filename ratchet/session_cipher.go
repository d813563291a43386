package ratchet

import (
	"crypto/ecdh"
	"fmt"
)

// SessionBuilder establishes new sessions against a remote device's
// pre-key bundle. Call BuildSession once a bundle has been fetched from
// the signal service; after that, SessionCipher handles the day-to-day
// encrypt/decrypt traffic for the address.
type SessionBuilder struct {
	Store Store
}

// NewSessionBuilder returns a SessionBuilder backed by store.
func NewSessionBuilder(store Store) *SessionBuilder {
	return &SessionBuilder{Store: store}
}

// BuildSession establishes a session with addr as the initiator, using a
// freshly fetched bundle, and persists it. It also records the remote
// identity key (trust on first use) so later messages from addr can be
// authenticated.
func (b *SessionBuilder) BuildSession(addr Address, bundle *PreKeyBundle) error {
	trusted, err := b.Store.IsTrusted(addr, bundle.IdentityKey)
	if err != nil {
		return err
	}
	if !trusted {
		return &UntrustedIdentityKeyError{Addr: addr, IdentityKey: bundle.IdentityKey}
	}

	ikp, err := b.Store.GetIdentityKeyPair()
	if err != nil {
		return err
	}
	if ikp == nil {
		return fmt.Errorf("ratchet: no local identity key pair")
	}

	sess, err := newSessionAsInitiator(ikp, bundle)
	if err != nil {
		return &SessionError{Addr: addr, Err: err}
	}

	if err := b.Store.SaveRemoteIdentity(addr, bundle.IdentityKey); err != nil {
		return err
	}

	data, err := sess.MarshalBinary()
	if err != nil {
		return err
	}
	return b.Store.SaveSession(addr, data)
}

// SessionCipher encrypts and decrypts messages for a single established
// (or about-to-be-established) session.
type SessionCipher struct {
	Store Store
	Addr  Address
}

// NewSessionCipher returns a SessionCipher for addr, backed by store.
func NewSessionCipher(store Store, addr Address) *SessionCipher {
	return &SessionCipher{Store: store, Addr: addr}
}

// Encrypt encrypts plaintext for c.Addr. A session must already exist
// (built via SessionBuilder.BuildSession, or established by a prior
// incoming pre-key message) or Encrypt returns ErrNoSession.
func (c *SessionCipher) Encrypt(plaintext []byte) (*Message, error) {
	data, err := c.Store.GetSession(c.Addr)
	if err != nil {
		return nil, &SessionError{Addr: c.Addr, Err: ErrNoSession}
	}

	sess := &session{}
	if err := sess.UnmarshalBinary(data); err != nil {
		return nil, &SessionError{Addr: c.Addr, Err: err}
	}

	header, ciphertext, isPreKey, err := sess.encrypt(plaintext)
	if err != nil {
		return nil, &SessionError{Addr: c.Addr, Err: err}
	}

	msg := &Message{
		IsPreKey: isPreKey,
		Header:   header,
		Body:     ciphertext,
	}
	if isPreKey {
		ikp, err := c.Store.GetIdentityKeyPair()
		if err != nil {
			return nil, err
		}
		msg.PreKeyID = sess.pending.preKeyID
		msg.SignedPreKeyID = sess.pending.signedPreKeyID
		msg.IdentityKey = ikp.PublicKey
		msg.BaseKey = sess.pending.ephemeralPubKey
	}

	newData, err := sess.MarshalBinary()
	if err != nil {
		return nil, err
	}
	if err := c.Store.SaveSession(c.Addr, newData); err != nil {
		return nil, err
	}

	return msg, nil
}

// Decrypt decrypts a non-pre-key message against the existing session for
// c.Addr. Returns ErrNoSession if no session exists yet; the caller
// (incoming's fault-recovery table) decides whether that's fatal or
// whether a pre-key message should have arrived instead.
func (c *SessionCipher) Decrypt(msg *Message) ([]byte, error) {
	if msg.IsPreKey {
		return nil, fmt.Errorf("ratchet: Decrypt called with a pre-key message, use DecryptPreKeyMessage")
	}

	data, err := c.Store.GetSession(c.Addr)
	if err != nil {
		return nil, &SessionError{Addr: c.Addr, Err: ErrNoSession}
	}

	sess := &session{}
	if err := sess.UnmarshalBinary(data); err != nil {
		return nil, &SessionError{Addr: c.Addr, Err: err}
	}

	plaintext, err := sess.decrypt(c.Addr, msg.Header, msg.Body)
	if err != nil {
		return nil, err
	}

	newData, err := sess.MarshalBinary()
	if err != nil {
		return nil, err
	}
	if err := c.Store.SaveSession(c.Addr, newData); err != nil {
		return nil, err
	}

	return plaintext, nil
}

// DecryptPreKeyMessage establishes a session as the responder from a
// pre-key message's embedded X3DH fields, then decrypts it. It is safe to
// call even if a session already exists for c.Addr (a new pre-key message
// always starts a fresh session, mirroring a Bob receiving Alice's first
// message again after losing state).
func (c *SessionCipher) DecryptPreKeyMessage(msg *Message) ([]byte, error) {
	if !msg.IsPreKey {
		return nil, fmt.Errorf("ratchet: DecryptPreKeyMessage called with a non-pre-key message")
	}

	trusted, err := c.Store.IsTrusted(c.Addr, msg.IdentityKey)
	if err != nil {
		return nil, err
	}
	if !trusted {
		return nil, &UntrustedIdentityKeyError{Addr: c.Addr, IdentityKey: msg.IdentityKey}
	}

	ikp, err := c.Store.GetIdentityKeyPair()
	if err != nil {
		return nil, err
	}
	if ikp == nil {
		return nil, fmt.Errorf("ratchet: no local identity key pair")
	}

	spkRecord, err := c.Store.GetSignedPreKey(msg.SignedPreKeyID)
	if err != nil {
		return nil, &PreKeyError{Addr: c.Addr, KeyID: msg.SignedPreKeyID}
	}
	spkPrivate, err := ecdh.X25519().NewPrivateKey(spkRecord.PrivateKey)
	if err != nil {
		return nil, err
	}

	var opkPrivate *ecdh.PrivateKey
	if msg.PreKeyID != nil {
		opkRecord, err := c.Store.GetPreKey(*msg.PreKeyID)
		if err != nil {
			return nil, &PreKeyError{Addr: c.Addr, KeyID: *msg.PreKeyID}
		}
		opkPrivate, err = ecdh.X25519().NewPrivateKey(opkRecord.PrivateKey)
		if err != nil {
			return nil, err
		}
	}

	sess, err := newSessionAsResponder(ikp, spkPrivate, opkPrivate, msg.IdentityKey, msg.BaseKey)
	if err != nil {
		return nil, &SessionError{Addr: c.Addr, Err: err}
	}

	plaintext, err := sess.decrypt(c.Addr, msg.Header, msg.Body)
	if err != nil {
		return nil, err
	}

	if err := c.Store.SaveRemoteIdentity(c.Addr, msg.IdentityKey); err != nil {
		return nil, err
	}
	if msg.PreKeyID != nil {
		if err := c.Store.RemovePreKey(*msg.PreKeyID); err != nil {
			return nil, err
		}
	}

	data, err := sess.MarshalBinary()
	if err != nil {
		return nil, err
	}
	if err := c.Store.SaveSession(c.Addr, data); err != nil {
		return nil, err
	}

	return plaintext, nil
}
