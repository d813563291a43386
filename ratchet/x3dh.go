package ratchet

import (
	"crypto/ecdh"
	"crypto/ed25519"
)

var (
	x3dhSalt = make([]byte, 32) // 32 zero bytes
	x3dhPad  []byte             // 32 0xFF bytes
)

func init() {
	x3dhPad = make([]byte, 32)
	for i := range x3dhPad {
		x3dhPad[i] = 0xFF
	}
}

// x3dhResult holds the result of an X3DH key agreement run as initiator.
type x3dhResult struct {
	SharedSecret    []byte
	EphemeralPubKey []byte // X25519 public key used by the initiator
	UsedPreKeyID    *uint32
}

// x3dhInitiate performs the X3DH key agreement as the initiator, against a
// PreKeyBundle fetched from the signal service.
func x3dhInitiate(localIdentity *IdentityKeyPair, remoteBundle *PreKeyBundle) (*x3dhResult, error) {
	if !ed25519.Verify(remoteBundle.IdentityKey, remoteBundle.SignedPreKey, remoteBundle.SignedPreKeySignature) {
		return nil, ErrInvalidSignature
	}

	ephemeralKey, err := GenerateX25519KeyPair()
	if err != nil {
		return nil, err
	}

	localX25519, err := Ed25519PrivateKeyToX25519(localIdentity.PrivateKey)
	if err != nil {
		return nil, err
	}

	remoteX25519Pub, err := Ed25519PublicKeyToX25519(remoteBundle.IdentityKey)
	if err != nil {
		return nil, err
	}

	// DH1 = DH(IK_local_x25519, SPK_remote)
	dh1, err := x25519DH(localX25519, remoteBundle.SignedPreKey)
	if err != nil {
		return nil, err
	}

	// DH2 = DH(EK_local, IK_remote_x25519)
	dh2, err := x25519DH(ephemeralKey, remoteX25519Pub)
	if err != nil {
		return nil, err
	}

	// DH3 = DH(EK_local, SPK_remote)
	dh3, err := x25519DH(ephemeralKey, remoteBundle.SignedPreKey)
	if err != nil {
		return nil, err
	}

	ikm := make([]byte, 0, 32+32*3+32)
	ikm = append(ikm, x3dhPad...)
	ikm = append(ikm, dh1...)
	ikm = append(ikm, dh2...)
	ikm = append(ikm, dh3...)

	var usedPreKeyID *uint32

	// DH4 = DH(EK_local, OPK_remote) if a one-time pre-key was offered
	if remoteBundle.PreKey != nil {
		dh4, err := x25519DH(ephemeralKey, remoteBundle.PreKey.PublicKey)
		if err != nil {
			return nil, err
		}
		ikm = append(ikm, dh4...)
		id := remoteBundle.PreKey.ID
		usedPreKeyID = &id
	}

	sk, err := hkdfSHA256(x3dhSalt, ikm, []byte("librelay X3DH"), 32)
	if err != nil {
		return nil, err
	}

	return &x3dhResult{
		SharedSecret:    sk,
		EphemeralPubKey: ephemeralKey.PublicKey().Bytes(),
		UsedPreKeyID:    usedPreKeyID,
	}, nil
}

// x3dhRespond performs the X3DH key agreement as the responder, from the
// prekey-message fields the initiator sent.
func x3dhRespond(
	localIdentity *IdentityKeyPair,
	localSPK *ecdh.PrivateKey,
	localOPK *ecdh.PrivateKey,
	remoteIdentityKey ed25519.PublicKey,
	ephemeralPubKey []byte,
) ([]byte, error) {
	remoteX25519Pub, err := Ed25519PublicKeyToX25519(remoteIdentityKey)
	if err != nil {
		return nil, err
	}

	localX25519, err := Ed25519PrivateKeyToX25519(localIdentity.PrivateKey)
	if err != nil {
		return nil, err
	}

	dh1, err := x25519DH(localSPK, remoteX25519Pub)
	if err != nil {
		return nil, err
	}

	dh2, err := x25519DH(localX25519, ephemeralPubKey)
	if err != nil {
		return nil, err
	}

	dh3, err := x25519DH(localSPK, ephemeralPubKey)
	if err != nil {
		return nil, err
	}

	ikm := make([]byte, 0, 32+32*3+32)
	ikm = append(ikm, x3dhPad...)
	ikm = append(ikm, dh1...)
	ikm = append(ikm, dh2...)
	ikm = append(ikm, dh3...)

	if localOPK != nil {
		dh4, err := x25519DH(localOPK, ephemeralPubKey)
		if err != nil {
			return nil, err
		}
		ikm = append(ikm, dh4...)
	}

	return hkdfSHA256(x3dhSalt, ikm, []byte("librelay X3DH"), 32)
}
