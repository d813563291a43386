// Package rediskv provides a Redis-backed store.Backend, grounded on the
// key-per-record pattern of the teacher's storage/redis package.
package rediskv

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"github.com/mcavoybn/librelay/ratchet"
	"github.com/mcavoybn/librelay/store"
	"github.com/redis/go-redis/v9"
)

// Store implements store.Backend using Redis.
type Store struct {
	rdb *redis.Client
}

// New creates a Redis-backed Store for the given address (host:port).
func New(addr string) *Store {
	return &Store{rdb: redis.NewClient(&redis.Options{Addr: addr})}
}

func (s *Store) Initialize(ctx context.Context) error { return s.rdb.Ping(ctx).Err() }
func (s *Store) Shutdown(_ context.Context) error      { return s.rdb.Close() }

func stateKey(key string) string              { return "librelay:state:" + key }
func identityKey() string                     { return "librelay:identity" }
func remoteIdentityKey(addr string) string    { return "librelay:remoteidentity:" + addr }
func preKey(id uint32) string                 { return "librelay:prekey:" + strconv.FormatUint(uint64(id), 10) }
func signedPreKey(id uint32) string           { return "librelay:signedprekey:" + strconv.FormatUint(uint64(id), 10) }
func sessionKey(addr string) string           { return "librelay:session:" + addr }
func closedKey(addr string) string            { return "librelay:session_closed:" + addr }
func pendingBundleKey(addr string) string     { return "librelay:pending:" + addr }
func blockedSetKey() string                   { return "librelay:blocked" }
func sessionDeviceIndexKey(addr string) string { return "librelay:sessiondevices:" + addr }
func registrationIDKey(addr string) string    { return "librelay:registrationid:" + addr }

func marshal(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func unmarshal(data string, v any) error {
	return json.Unmarshal([]byte(data), v)
}

func (s *Store) GetState(ctx context.Context, key string) ([]byte, error) {
	data, err := s.rdb.Get(ctx, stateKey(key)).Bytes()
	if err == redis.Nil {
		return nil, store.ErrNotFound
	}
	return data, err
}

func (s *Store) PutState(ctx context.Context, key string, value []byte) error {
	return s.rdb.Set(ctx, stateKey(key), value, 0).Err()
}

func (s *Store) GetLocalDeviceID() (uint32, error) {
	ctx := context.Background()
	data, err := s.GetState(ctx, store.StateKeyDeviceID)
	if err != nil {
		if err == store.ErrNotFound {
			return 0, nil
		}
		return 0, err
	}
	if len(data) != 4 {
		return 0, fmt.Errorf("rediskv: corrupt deviceId state")
	}
	return binary.BigEndian.Uint32(data), nil
}

func (s *Store) GetIdentityKeyPair() (*ratchet.IdentityKeyPair, error) {
	ctx := context.Background()
	data, err := s.rdb.Get(ctx, identityKey()).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var raw struct {
		PrivateKey []byte `json:"privateKey"`
		PublicKey  []byte `json:"publicKey"`
	}
	if err := unmarshal(data, &raw); err != nil {
		return nil, err
	}
	return &ratchet.IdentityKeyPair{PrivateKey: raw.PrivateKey, PublicKey: raw.PublicKey}, nil
}

func (s *Store) SaveIdentityKeyPair(ikp *ratchet.IdentityKeyPair) error {
	raw := struct {
		PrivateKey []byte `json:"privateKey"`
		PublicKey  []byte `json:"publicKey"`
	}{PrivateKey: ikp.PrivateKey, PublicKey: ikp.PublicKey}
	return s.rdb.Set(context.Background(), identityKey(), marshal(raw), 0).Err()
}

func (s *Store) GetRemoteIdentity(addr ratchet.Address) (ed25519.PublicKey, error) {
	data, err := s.rdb.Get(context.Background(), remoteIdentityKey(addr.String())).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	return data, err
}

func (s *Store) SaveRemoteIdentity(addr ratchet.Address, key ed25519.PublicKey) error {
	return s.rdb.Set(context.Background(), remoteIdentityKey(addr.String()), []byte(key), 0).Err()
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
	data, err := s.rdb.Get(context.Background(), preKey(id)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("rediskv: no pre-key %d", id)
	}
	if err != nil {
		return nil, err
	}
	rec := &ratchet.PreKeyRecord{}
	if err := unmarshal(data, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) SavePreKey(record *ratchet.PreKeyRecord) error {
	return s.rdb.Set(context.Background(), preKey(record.ID), marshal(record), 0).Err()
}

func (s *Store) RemovePreKey(id uint32) error {
	return s.rdb.Del(context.Background(), preKey(id)).Err()
}

func (s *Store) GetSignedPreKey(id uint32) (*ratchet.SignedPreKeyRecord, error) {
	data, err := s.rdb.Get(context.Background(), signedPreKey(id)).Result()
	if err == redis.Nil {
		return nil, fmt.Errorf("rediskv: no signed pre-key %d", id)
	}
	if err != nil {
		return nil, err
	}
	rec := &ratchet.SignedPreKeyRecord{}
	if err := unmarshal(data, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *Store) SaveSignedPreKey(record *ratchet.SignedPreKeyRecord) error {
	return s.rdb.Set(context.Background(), signedPreKey(record.ID), marshal(record), 0).Err()
}

func (s *Store) GetSession(addr ratchet.Address) ([]byte, error) {
	data, err := s.rdb.Get(context.Background(), sessionKey(addr.String())).Bytes()
	if err == redis.Nil {
		return nil, fmt.Errorf("rediskv: %w", ratchet.ErrNoSession)
	}
	return data, err
}

func (s *Store) SaveSession(addr ratchet.Address, data []byte) error {
	ctx := context.Background()
	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, sessionKey(addr.String()), data, 0)
	pipe.Del(ctx, closedKey(addr.String()))
	pipe.SAdd(ctx, sessionDeviceIndexKey(addr.UserID), addr.DeviceID)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Store) ContainsSession(addr ratchet.Address) (bool, error) {
	n, err := s.rdb.Exists(context.Background(), sessionKey(addr.String())).Result()
	return n > 0, err
}

func (s *Store) DeleteSession(addr ratchet.Address) error {
	ctx := context.Background()
	pipe := s.rdb.Pipeline()
	pipe.Del(ctx, sessionKey(addr.String()))
	pipe.Del(ctx, closedKey(addr.String()))
	pipe.SRem(ctx, sessionDeviceIndexKey(addr.UserID), addr.DeviceID)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Store) PutPendingPreKeyBundle(addr ratchet.Address, bundle *ratchet.PreKeyBundle) error {
	return s.rdb.Set(context.Background(), pendingBundleKey(addr.String()), marshal(bundle), 0).Err()
}

func (s *Store) TakePendingPreKeyBundle(addr ratchet.Address) (*ratchet.PreKeyBundle, error) {
	ctx := context.Background()
	key := pendingBundleKey(addr.String())
	data, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	bundle := &ratchet.PreKeyBundle{}
	if err := unmarshal(data, bundle); err != nil {
		return nil, err
	}
	s.rdb.Del(ctx, key)
	return bundle, nil
}

func (s *Store) GetDeviceIDs(ctx context.Context, addr string) ([]uint32, error) {
	members, err := s.rdb.SMembers(ctx, sessionDeviceIndexKey(addr)).Result()
	if err != nil {
		return nil, err
	}
	ids := make([]uint32, 0, len(members))
	for _, m := range members {
		n, err := strconv.ParseUint(m, 10, 32)
		if err != nil {
			continue
		}
		ids = append(ids, uint32(n))
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *Store) HasOpenSession(ctx context.Context, addr ratchet.Address) (bool, error) {
	exists, err := s.rdb.Exists(ctx, sessionKey(addr.String())).Result()
	if err != nil || exists == 0 {
		return false, err
	}
	closedN, err := s.rdb.Exists(ctx, closedKey(addr.String())).Result()
	if err != nil {
		return false, err
	}
	return closedN == 0, nil
}

func (s *Store) CloseOpenSession(ctx context.Context, addr ratchet.Address) error {
	exists, err := s.rdb.Exists(ctx, sessionKey(addr.String())).Result()
	if err != nil || exists == 0 {
		return err
	}
	return s.rdb.Set(ctx, closedKey(addr.String()), 1, 0).Err()
}

func (s *Store) GetRegistrationID(ctx context.Context, addr ratchet.Address) (uint32, error) {
	n, err := s.rdb.Get(ctx, registrationIDKey(addr.String())).Uint64()
	if err == redis.Nil {
		return 0, nil
	}
	return uint32(n), err
}

func (s *Store) SaveRegistrationID(ctx context.Context, addr ratchet.Address, registrationID uint32) error {
	return s.rdb.Set(ctx, registrationIDKey(addr.String()), registrationID, 0).Err()
}

func (s *Store) IsBlocked(ctx context.Context, addr string) (bool, error) {
	return s.rdb.SIsMember(ctx, blockedSetKey(), addr).Result()
}

func (s *Store) Block(ctx context.Context, addr string) error {
	return s.rdb.SAdd(ctx, blockedSetKey(), addr).Err()
}

func (s *Store) Unblock(ctx context.Context, addr string) error {
	return s.rdb.SRem(ctx, blockedSetKey(), addr).Err()
}
