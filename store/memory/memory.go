// Package memory provides an in-memory store.Backend, useful for tests and
// short-lived processes. Nothing is persisted across restarts.
package memory

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/mcavoybn/librelay/ratchet"
	"github.com/mcavoybn/librelay/store"
)

// Store is an in-memory store.Backend.
type Store struct {
	mu sync.RWMutex

	state map[string][]byte

	identity *ratchet.IdentityKeyPair
	deviceID uint32

	remoteIdentity map[string]ed25519.PublicKey
	preKeys        map[uint32]*ratchet.PreKeyRecord
	signedPreKeys  map[uint32]*ratchet.SignedPreKeyRecord
	sessions       map[string][]byte
	closed         map[string]bool
	pendingBundles map[string]*ratchet.PreKeyBundle
	registrationID map[string]uint32

	blocked map[string]bool
}

// New returns an initialized in-memory store.
func New() *Store {
	return &Store{
		state:          make(map[string][]byte),
		remoteIdentity: make(map[string]ed25519.PublicKey),
		preKeys:        make(map[uint32]*ratchet.PreKeyRecord),
		signedPreKeys:  make(map[uint32]*ratchet.SignedPreKeyRecord),
		sessions:       make(map[string][]byte),
		closed:         make(map[string]bool),
		pendingBundles: make(map[string]*ratchet.PreKeyBundle),
		registrationID: make(map[string]uint32),
		blocked:        make(map[string]bool),
	}
}

func (s *Store) Initialize(_ context.Context) error { return nil }
func (s *Store) Shutdown(_ context.Context) error    { return nil }

func (s *Store) GetState(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.state[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return v, nil
}

func (s *Store) PutState(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state[key] = value
	if key == store.StateKeyDeviceID && len(value) == 4 {
		s.deviceID = binary.BigEndian.Uint32(value)
	}
	return nil
}

func (s *Store) GetLocalDeviceID() (uint32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deviceID, nil
}

func (s *Store) GetIdentityKeyPair() (*ratchet.IdentityKeyPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity, nil
}

func (s *Store) SaveIdentityKeyPair(ikp *ratchet.IdentityKeyPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.identity = ikp
	return nil
}

func (s *Store) GetRemoteIdentity(addr ratchet.Address) (ed25519.PublicKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.remoteIdentity[addr.String()], nil
}

func (s *Store) SaveRemoteIdentity(addr ratchet.Address, key ed25519.PublicKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remoteIdentity[addr.String()] = key
	return nil
}

func (s *Store) IsTrusted(addr ratchet.Address, key ed25519.PublicKey) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	existing, ok := s.remoteIdentity[addr.String()]
	if !ok {
		return true, nil // trust on first use
	}
	return existing.Equal(key), nil
}

func (s *Store) GetPreKey(id uint32) (*ratchet.PreKeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pk, ok := s.preKeys[id]
	if !ok {
		return nil, fmt.Errorf("store: no pre-key %d", id)
	}
	return pk, nil
}

func (s *Store) SavePreKey(record *ratchet.PreKeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preKeys[record.ID] = record
	return nil
}

func (s *Store) RemovePreKey(id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.preKeys, id)
	return nil
}

func (s *Store) GetSignedPreKey(id uint32) (*ratchet.SignedPreKeyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	spk, ok := s.signedPreKeys[id]
	if !ok {
		return nil, fmt.Errorf("store: no signed pre-key %d", id)
	}
	return spk, nil
}

func (s *Store) SaveSignedPreKey(record *ratchet.SignedPreKeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signedPreKeys[record.ID] = record
	return nil
}

func (s *Store) GetSession(addr ratchet.Address) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.sessions[addr.String()]
	if !ok {
		return nil, fmt.Errorf("store: %w", ratchet.ErrNoSession)
	}
	return data, nil
}

func (s *Store) SaveSession(addr ratchet.Address, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[addr.String()] = data
	delete(s.closed, addr.String())
	return nil
}

func (s *Store) ContainsSession(addr ratchet.Address) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sessions[addr.String()]
	return ok, nil
}

func (s *Store) DeleteSession(addr ratchet.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, addr.String())
	delete(s.closed, addr.String())
	return nil
}

func (s *Store) PutPendingPreKeyBundle(addr ratchet.Address, bundle *ratchet.PreKeyBundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingBundles[addr.String()] = bundle
	return nil
}

func (s *Store) TakePendingPreKeyBundle(addr ratchet.Address) (*ratchet.PreKeyBundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.pendingBundles[addr.String()]
	if !ok {
		return nil, nil
	}
	delete(s.pendingBundles, addr.String())
	return b, nil
}

func (s *Store) GetDeviceIDs(_ context.Context, addr string) ([]uint32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prefix := addr + ":"
	var ids []uint32
	for key := range s.sessions {
		var device uint32
		if _, err := fmt.Sscanf(key, prefix+"%d", &device); err == nil {
			ids = append(ids, device)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *Store) HasOpenSession(_ context.Context, addr ratchet.Address) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, exists := s.sessions[addr.String()]
	return exists && !s.closed[addr.String()], nil
}

func (s *Store) CloseOpenSession(_ context.Context, addr ratchet.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[addr.String()]; ok {
		s.closed[addr.String()] = true
	}
	return nil
}

func (s *Store) GetRegistrationID(_ context.Context, addr ratchet.Address) (uint32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.registrationID[addr.String()], nil
}

func (s *Store) SaveRegistrationID(_ context.Context, addr ratchet.Address, registrationID uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registrationID[addr.String()] = registrationID
	return nil
}

func (s *Store) IsBlocked(_ context.Context, addr string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.blocked[addr], nil
}

func (s *Store) Block(_ context.Context, addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocked[addr] = true
	return nil
}

func (s *Store) Unblock(_ context.Context, addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blocked, addr)
	return nil
}
