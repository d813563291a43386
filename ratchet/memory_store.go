package ratchet

import (
	"bytes"
	"crypto/ed25519"
	"sync"
)

// InMemoryStore is a Store implementation backed by process memory. It
// implements trust-on-first-use for remote identity keys: the first key
// seen for an address is trusted, and any later key that doesn't match it
// is rejected.
type InMemoryStore struct {
	mu            sync.RWMutex
	identityKey   *IdentityKeyPair
	deviceID      uint32
	remoteKeys    map[Address]ed25519.PublicKey
	preKeys       map[uint32]*PreKeyRecord
	signedPreKeys map[uint32]*SignedPreKeyRecord
	sessions      map[Address][]byte
	pendingBundle map[Address]*PreKeyBundle
}

// NewInMemoryStore creates a new in-memory store for the given local
// device ID.
func NewInMemoryStore(deviceID uint32) *InMemoryStore {
	return &InMemoryStore{
		deviceID:      deviceID,
		remoteKeys:    make(map[Address]ed25519.PublicKey),
		preKeys:       make(map[uint32]*PreKeyRecord),
		signedPreKeys: make(map[uint32]*SignedPreKeyRecord),
		sessions:      make(map[Address][]byte),
		pendingBundle: make(map[Address]*PreKeyBundle),
	}
}

func (s *InMemoryStore) GetIdentityKeyPair() (*IdentityKeyPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identityKey, nil
}

func (s *InMemoryStore) SaveIdentityKeyPair(ikp *IdentityKeyPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identityKey = ikp
	return nil
}

func (s *InMemoryStore) GetLocalDeviceID() (uint32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deviceID, nil
}

func (s *InMemoryStore) GetRemoteIdentity(addr Address) (ed25519.PublicKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.remoteKeys[addr]
	if !ok {
		return nil, nil
	}
	return key, nil
}

func (s *InMemoryStore) SaveRemoteIdentity(addr Address, key ed25519.PublicKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remoteKeys[addr] = key
	return nil
}

func (s *InMemoryStore) IsTrusted(addr Address, key ed25519.PublicKey) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	existing, ok := s.remoteKeys[addr]
	if !ok {
		return true, nil
	}
	return bytes.Equal(existing, key), nil
}

func (s *InMemoryStore) GetPreKey(id uint32) (*PreKeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pk, ok := s.preKeys[id]
	if !ok {
		return nil, ErrNoPreKey
	}
	return pk, nil
}

func (s *InMemoryStore) SavePreKey(record *PreKeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preKeys[record.ID] = record
	return nil
}

func (s *InMemoryStore) RemovePreKey(id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.preKeys, id)
	return nil
}

func (s *InMemoryStore) GetSignedPreKey(id uint32) (*SignedPreKeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	spk, ok := s.signedPreKeys[id]
	if !ok {
		return nil, ErrNoPreKey
	}
	return spk, nil
}

func (s *InMemoryStore) SaveSignedPreKey(record *SignedPreKeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signedPreKeys[record.ID] = record
	return nil
}

func (s *InMemoryStore) GetSession(addr Address) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.sessions[addr]
	if !ok {
		return nil, ErrNoSession
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (s *InMemoryStore) SaveSession(addr Address, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	s.sessions[addr] = cp
	return nil
}

func (s *InMemoryStore) ContainsSession(addr Address) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sessions[addr]
	return ok, nil
}

func (s *InMemoryStore) DeleteSession(addr Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, addr)
	return nil
}

func (s *InMemoryStore) PutPendingPreKeyBundle(addr Address, bundle *PreKeyBundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingBundle[addr] = bundle
	return nil
}

func (s *InMemoryStore) TakePendingPreKeyBundle(addr Address) (*PreKeyBundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.pendingBundle[addr]
	if !ok {
		return nil, nil
	}
	delete(s.pendingBundle, addr)
	return b, nil
}
