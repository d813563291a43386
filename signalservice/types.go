package signalservice

// DeviceEntry is one device returned by a prekey-bundle fetch, per
// spec.md §3.
type DeviceEntry struct {
	DeviceID       uint32         `json:"deviceId"`
	RegistrationID uint32         `json:"registrationId"`
	SignedPreKey   SignedPreKey   `json:"signedPreKey"`
	PreKey         *PreKey        `json:"preKey,omitempty"`
}

// PreKey is a one-time pre-key as published by the service.
type PreKey struct {
	KeyID     uint32 `json:"keyId"`
	PublicKey []byte `json:"publicKey"`
}

// SignedPreKey is the signed pre-key every device keeps current.
type SignedPreKey struct {
	KeyID     uint32 `json:"keyId"`
	PublicKey []byte `json:"publicKey"`
	Signature []byte `json:"signature"`
}

// KeysForAddr is the decoded response of a prekey-bundle fetch.
type KeysForAddr struct {
	IdentityKey []byte        `json:"identityKey"`
	Devices     []DeviceEntry `json:"devices"`
}

// DeviceCiphertext is the wire shape of one per-device ciphertext in a
// sendMessages request, per spec.md §6.
type DeviceCiphertext struct {
	Type                      int    `json:"type"`
	DestinationDeviceID       uint32 `json:"destinationDeviceId"`
	DestinationRegistrationID uint32 `json:"destinationRegistrationId"`
	Content                   string `json:"content"` // base64
}

// OwnKeys is the material RegisterKeys uploads, built from the bundle
// ratchet.GenerateOwnBundle produces.
type OwnKeys struct {
	IdentityKey           []byte   `json:"identityKey"`
	SignedPreKeyID        uint32   `json:"signedPreKeyId"`
	SignedPreKey          []byte   `json:"signedPreKey"`
	SignedPreKeySignature []byte   `json:"signedPreKeySignature"`
	PreKeyIDs             []uint32 `json:"preKeyIds"`
	PreKeys               [][]byte `json:"preKeys"`
}

// DeviceInfo is one entry of getDevices.
type DeviceInfo struct {
	ID   uint32 `json:"id"`
	Name string `json:"name"`
}

// PendingEnvelope is one entry from the drain-mode messages API (spec.md
// §4.2 "Drain mode"). Content and Message are base64-encoded in transit.
type PendingEnvelope struct {
	Type         int    `json:"type"`
	Source       string `json:"source"`
	SourceDevice uint32 `json:"sourceDevice"`
	Timestamp    uint64 `json:"timestamp"`
	Content      string `json:"content,omitempty"`
	Message      string `json:"message,omitempty"`
}

// PendingMessages is the decoded response of a drain-mode messages fetch.
type PendingMessages struct {
	Messages []PendingEnvelope `json:"messages"`
	More     bool              `json:"more"`
}
