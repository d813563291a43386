package ratchet

import "crypto/ed25519"

// Store defines the persistence interface the ratchet package needs from
// the session store facade. It is deliberately small: everything above
// this package (outgoing, incoming) only ever touches ratchet through
// Store, GenerateOwnBundle, BuildSession, Encrypt, Decrypt,
// DecryptPreKeyMessage, Message and the error types, so a real libsignal
// binding could be dropped in behind the same names without touching a
// pipeline.
type Store interface {
	// GetIdentityKeyPair returns the local identity key pair, or nil if one
	// hasn't been generated yet.
	GetIdentityKeyPair() (*IdentityKeyPair, error)
	// SaveIdentityKeyPair stores the local identity key pair.
	SaveIdentityKeyPair(ikp *IdentityKeyPair) error

	// GetLocalDeviceID returns the local device ID.
	GetLocalDeviceID() (uint32, error)

	// GetRemoteIdentity returns the trusted identity public key previously
	// recorded for an address, or nil if none has been recorded.
	GetRemoteIdentity(addr Address) (ed25519.PublicKey, error)
	// SaveRemoteIdentity records the identity public key for an address.
	SaveRemoteIdentity(addr Address, key ed25519.PublicKey) error
	// IsTrusted reports whether key is the identity key on file for addr.
	// A never-before-seen address is always trusted (trust on first use).
	IsTrusted(addr Address, key ed25519.PublicKey) (bool, error)

	// GetPreKey returns a pre-key by ID.
	GetPreKey(id uint32) (*PreKeyRecord, error)
	// SavePreKey stores a pre-key.
	SavePreKey(record *PreKeyRecord) error
	// RemovePreKey removes a pre-key by ID, once it has been consumed.
	RemovePreKey(id uint32) error

	// GetSignedPreKey returns a signed pre-key by ID.
	GetSignedPreKey(id uint32) (*SignedPreKeyRecord, error)
	// SaveSignedPreKey stores a signed pre-key.
	SaveSignedPreKey(record *SignedPreKeyRecord) error

	// GetSession returns the serialized session state for an address.
	GetSession(addr Address) ([]byte, error)
	// SaveSession stores the serialized session state for an address.
	SaveSession(addr Address, data []byte) error
	// ContainsSession reports whether a session exists for an address.
	ContainsSession(addr Address) (bool, error)
	// DeleteSession removes any session state for an address.
	DeleteSession(addr Address) error

	// PutPendingPreKeyBundle caches a fetched remote bundle so a session
	// can be built from it lazily, the first time it's actually needed.
	PutPendingPreKeyBundle(addr Address, bundle *PreKeyBundle) error
	// TakePendingPreKeyBundle returns and consumes a cached bundle, or nil
	// if none is cached for addr.
	TakePendingPreKeyBundle(addr Address) (*PreKeyBundle, error)
}
