// Package file provides a filesystem store.Backend: every record is a file
// under a per-label directory tree, per spec.md §6 ("filesystem root
// ~/.librelay/storage").
package file

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/mcavoybn/librelay/ratchet"
	"github.com/mcavoybn/librelay/store"
)

// Store implements store.Backend using JSON files under baseDir.
type Store struct {
	mu      sync.Mutex
	baseDir string
}

// New returns a Store rooted at baseDir. Call Initialize before use.
func New(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

var subdirs = []string{"state", "identity", "prekeys", "signedprekeys", "sessions", "remoteidentity", "pending", "blocked", "registrationids"}

func (s *Store) Initialize(_ context.Context) error {
	for _, d := range subdirs {
		if err := os.MkdirAll(filepath.Join(s.baseDir, d), 0o700); err != nil {
			return fmt.Errorf("file: create dir %s: %w", d, err)
		}
	}
	return nil
}

func (s *Store) Shutdown(_ context.Context) error { return nil }

func safeName(name string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", ":", "_", "*", "_", "?", "_", "\"", "_", "<", "_", ">", "_", "|", "_")
	return r.Replace(name)
}

func (s *Store) path(parts ...string) string {
	return filepath.Join(append([]string{s.baseDir}, parts...)...)
}

func (s *Store) writeJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func (s *Store) readJSON(path string, v any) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, json.Unmarshal(data, v)
}

func (s *Store) GetState(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.path("state", safeName(key)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

func (s *Store) PutState(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return os.WriteFile(s.path("state", safeName(key)), value, 0o600)
}

func (s *Store) GetLocalDeviceID() (uint32, error) {
	data, err := s.GetState(context.Background(), store.StateKeyDeviceID)
	if err != nil {
		if err == store.ErrNotFound {
			return 0, nil
		}
		return 0, err
	}
	if len(data) != 4 {
		return 0, fmt.Errorf("file: corrupt deviceId state")
	}
	return binary.BigEndian.Uint32(data), nil
}

func (s *Store) GetIdentityKeyPair() (*ratchet.IdentityKeyPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var raw struct {
		PrivateKey []byte `json:"privateKey"`
		PublicKey  []byte `json:"publicKey"`
	}
	ok, err := s.readJSON(s.path("identity", "self.json"), &raw)
	if err != nil || !ok {
		return nil, err
	}
	return &ratchet.IdentityKeyPair{PrivateKey: raw.PrivateKey, PublicKey: raw.PublicKey}, nil
}

func (s *Store) SaveIdentityKeyPair(ikp *ratchet.IdentityKeyPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	raw := struct {
		PrivateKey []byte `json:"privateKey"`
		PublicKey  []byte `json:"publicKey"`
	}{PrivateKey: ikp.PrivateKey, PublicKey: ikp.PublicKey}
	return s.writeJSON(s.path("identity", "self.json"), raw)
}

func (s *Store) GetRemoteIdentity(addr ratchet.Address) (ed25519.PublicKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var key []byte
	ok, err := s.readJSON(s.path("remoteidentity", safeName(addr.String())+".json"), &key)
	if err != nil || !ok {
		return nil, err
	}
	return key, nil
}

func (s *Store) SaveRemoteIdentity(addr ratchet.Address, key ed25519.PublicKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(s.path("remoteidentity", safeName(addr.String())+".json"), []byte(key))
}

func (s *Store) IsTrusted(addr ratchet.Address, key ed25519.PublicKey) (bool, error) {
	existing, err := s.GetRemoteIdentity(addr)
	if err != nil {
		return false, err
	}
	if existing == nil {
		return true, nil
	}
	return ed25519.PublicKey(existing).Equal(key), nil
}

func (s *Store) GetPreKey(id uint32) (*ratchet.PreKeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := &ratchet.PreKeyRecord{}
	ok, err := s.readJSON(s.path("prekeys", fmt.Sprintf("%d.json", id)), rec)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("file: no pre-key %d", id)
	}
	return rec, nil
}

func (s *Store) SavePreKey(record *ratchet.PreKeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(s.path("prekeys", fmt.Sprintf("%d.json", record.ID)), record)
}

func (s *Store) RemovePreKey(id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path("prekeys", fmt.Sprintf("%d.json", id)))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *Store) GetSignedPreKey(id uint32) (*ratchet.SignedPreKeyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := &ratchet.SignedPreKeyRecord{}
	ok, err := s.readJSON(s.path("signedprekeys", fmt.Sprintf("%d.json", id)), rec)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("file: no signed pre-key %d", id)
	}
	return rec, nil
}

func (s *Store) SaveSignedPreKey(record *ratchet.SignedPreKeyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(s.path("signedprekeys", fmt.Sprintf("%d.json", record.ID)), record)
}

func (s *Store) sessionPath(addr ratchet.Address) string {
	return s.path("sessions", safeName(addr.String())+".bin")
}

func (s *Store) closedMarkerPath(addr ratchet.Address) string {
	return s.path("sessions", safeName(addr.String())+".closed")
}

func (s *Store) GetSession(addr ratchet.Address) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(s.sessionPath(addr))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("file: %w", ratchet.ErrNoSession)
		}
		return nil, err
	}
	return data, nil
}

func (s *Store) SaveSession(addr ratchet.Address, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.WriteFile(s.sessionPath(addr), data, 0o600); err != nil {
		return err
	}
	if err := os.Remove(s.closedMarkerPath(addr)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *Store) ContainsSession(addr ratchet.Address) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := os.Stat(s.sessionPath(addr))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Store) DeleteSession(addr ratchet.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.sessionPath(addr)); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(s.closedMarkerPath(addr)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (s *Store) PutPendingPreKeyBundle(addr ratchet.Address, bundle *ratchet.PreKeyBundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(s.path("pending", safeName(addr.String())+".json"), bundle)
}

func (s *Store) TakePendingPreKeyBundle(addr ratchet.Address) (*ratchet.PreKeyBundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.path("pending", safeName(addr.String())+".json")
	bundle := &ratchet.PreKeyBundle{}
	ok, err := s.readJSON(p, bundle)
	if err != nil || !ok {
		return nil, err
	}
	_ = os.Remove(p)
	return bundle, nil
}

func (s *Store) GetDeviceIDs(_ context.Context, addr string) ([]uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(s.path("sessions"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	prefix := safeName(addr) + "_"
	var ids []uint32
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".bin") || !strings.HasPrefix(name, prefix) {
			continue
		}
		var id uint32
		if _, err := fmt.Sscanf(strings.TrimSuffix(name, ".bin"), prefix+"%d", &id); err == nil {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *Store) HasOpenSession(_ context.Context, addr ratchet.Address) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(s.sessionPath(addr)); err != nil {
		return false, nil
	}
	if _, err := os.Stat(s.closedMarkerPath(addr)); err == nil {
		return false, nil
	}
	return true, nil
}

func (s *Store) CloseOpenSession(_ context.Context, addr ratchet.Address) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(s.sessionPath(addr)); err != nil {
		return nil
	}
	return os.WriteFile(s.closedMarkerPath(addr), []byte{1}, 0o600)
}

func (s *Store) registrationIDPath(addr ratchet.Address) string {
	return s.path("registrationids", safeName(addr.String())+".json")
}

func (s *Store) GetRegistrationID(_ context.Context, addr ratchet.Address) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var id uint32
	if _, err := s.readJSON(s.registrationIDPath(addr), &id); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *Store) SaveRegistrationID(_ context.Context, addr ratchet.Address, registrationID uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(s.registrationIDPath(addr), registrationID)
}

func (s *Store) IsBlocked(_ context.Context, addr string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := os.Stat(s.path("blocked", safeName(addr)))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *Store) Block(_ context.Context, addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return os.WriteFile(s.path("blocked", safeName(addr)), []byte{1}, 0o600)
}

func (s *Store) Unblock(_ context.Context, addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(s.path("blocked", safeName(addr)))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
