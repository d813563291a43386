package ratchet

import "crypto/ed25519"

// PreKeyRecord holds a one-time pre-key pair.
type PreKeyRecord struct {
	ID         uint32
	PrivateKey []byte // 32 bytes, X25519
	PublicKey  []byte // 32 bytes, X25519
}

// SignedPreKeyRecord holds a signed pre-key pair with its signature.
type SignedPreKeyRecord struct {
	ID         uint32
	PrivateKey []byte // 32 bytes, X25519
	PublicKey  []byte // 32 bytes, X25519
	Signature  []byte // Ed25519 signature over PublicKey
}

// PreKeyBundle holds the public key material a remote device publishes
// through the signal service and that a sender needs to run X3DH against
// it for the first time.
type PreKeyBundle struct {
	IdentityKey           ed25519.PublicKey
	RegistrationID        uint32
	SignedPreKey          []byte // 32 bytes, X25519 public key
	SignedPreKeyID        uint32
	SignedPreKeySignature []byte // Ed25519 signature over SignedPreKey
	PreKey                *BundlePreKey
}

// BundlePreKey is the one-time pre-key offered alongside a PreKeyBundle, if
// the remote device had any left.
type BundlePreKey struct {
	ID        uint32
	PublicKey []byte // 32 bytes, X25519
}

// GenerateOwnBundle generates the local device's identity key (if it
// doesn't already have one), a fresh signed pre-key, and a batch of
// one-time pre-keys, persisting all of them to store and returning the
// public material ready for registration with the signal service. The
// returned bundle carries only the first one-time pre-key of the batch.
func GenerateOwnBundle(store Store, preKeyCount int) (*PreKeyBundle, error) {
	ikp, err := store.GetIdentityKeyPair()
	if err != nil {
		return nil, err
	}
	if ikp == nil {
		ikp, err = GenerateIdentityKeyPair()
		if err != nil {
			return nil, err
		}
		if err := store.SaveIdentityKeyPair(ikp); err != nil {
			return nil, err
		}
	}

	spk, err := generateSignedPreKey(ikp, 1)
	if err != nil {
		return nil, err
	}
	if err := store.SaveSignedPreKey(spk); err != nil {
		return nil, err
	}

	var firstPreKey *BundlePreKey
	for i := range preKeyCount {
		pk, err := generatePreKey(uint32(i + 1))
		if err != nil {
			return nil, err
		}
		if err := store.SavePreKey(pk); err != nil {
			return nil, err
		}
		if i == 0 {
			firstPreKey = &BundlePreKey{ID: pk.ID, PublicKey: pk.PublicKey}
		}
	}

	return &PreKeyBundle{
		IdentityKey:           ikp.PublicKey,
		SignedPreKey:          spk.PublicKey,
		SignedPreKeyID:        spk.ID,
		SignedPreKeySignature: spk.Signature,
		PreKey:                firstPreKey,
	}, nil
}

func generateSignedPreKey(ikp *IdentityKeyPair, id uint32) (*SignedPreKeyRecord, error) {
	key, err := GenerateX25519KeyPair()
	if err != nil {
		return nil, err
	}

	pubBytes := key.PublicKey().Bytes()
	sig := ed25519.Sign(ikp.PrivateKey, pubBytes)

	return &SignedPreKeyRecord{
		ID:         id,
		PrivateKey: key.Bytes(),
		PublicKey:  pubBytes,
		Signature:  sig,
	}, nil
}

func generatePreKey(id uint32) (*PreKeyRecord, error) {
	key, err := GenerateX25519KeyPair()
	if err != nil {
		return nil, err
	}
	return &PreKeyRecord{
		ID:         id,
		PrivateKey: key.Bytes(),
		PublicKey:  key.PublicKey().Bytes(),
	}, nil
}
