package file

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/mcavoybn/librelay/ratchet"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s := New(filepath.Join(t.TempDir(), "storage"))
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return s
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	addr := ratchet.Address{UserID: "alice", DeviceID: 1}

	if ok, _ := s.ContainsSession(addr); ok {
		t.Fatal("expected no session initially")
	}

	if err := s.SaveSession(addr, []byte("session-data")); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	if ok, _ := s.ContainsSession(addr); !ok {
		t.Fatal("expected session to exist after save")
	}
	if open, _ := s.HasOpenSession(ctx, addr); !open {
		t.Fatal("expected session to be open after save")
	}

	if err := s.CloseOpenSession(ctx, addr); err != nil {
		t.Fatalf("CloseOpenSession: %v", err)
	}
	if open, _ := s.HasOpenSession(ctx, addr); open {
		t.Fatal("expected session to be closed")
	}
	if ok, _ := s.ContainsSession(addr); !ok {
		t.Fatal("closing a session must not delete it")
	}

	if err := s.SaveSession(addr, []byte("rebuilt")); err != nil {
		t.Fatalf("SaveSession: %v", err)
	}
	if open, _ := s.HasOpenSession(ctx, addr); !open {
		t.Fatal("expected re-saving a session to reopen it")
	}

	if err := s.DeleteSession(addr); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if ok, _ := s.ContainsSession(addr); ok {
		t.Fatal("expected session to be gone after delete")
	}
}

func TestGetDeviceIDs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	for _, id := range []uint32{1, 3, 2} {
		if err := s.SaveSession(ratchet.Address{UserID: "alice", DeviceID: id}, []byte("x")); err != nil {
			t.Fatal(err)
		}
	}
	ids, err := s.GetDeviceIDs(ctx, "alice")
	if err != nil {
		t.Fatalf("GetDeviceIDs: %v", err)
	}
	want := []uint32{1, 2, 3}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v, want %v", ids, want)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ids[%d] = %d, want %d", i, ids[i], want[i])
		}
	}
}

func TestIdentityKeyPairRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ikp, err := ratchet.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SaveIdentityKeyPair(ikp); err != nil {
		t.Fatalf("SaveIdentityKeyPair: %v", err)
	}
	got, err := s.GetIdentityKeyPair()
	if err != nil {
		t.Fatalf("GetIdentityKeyPair: %v", err)
	}
	if got == nil || string(got.PrivateKey) != string(ikp.PrivateKey) {
		t.Fatalf("identity key pair did not round-trip")
	}
}

func TestTrustOnFirstUse(t *testing.T) {
	s := newTestStore(t)
	addr := ratchet.Address{UserID: "alice", DeviceID: 1}
	ikp, err := ratchet.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatal(err)
	}

	trusted, err := s.IsTrusted(addr, ikp.PublicKey)
	if err != nil || !trusted {
		t.Fatalf("expected trust on first use, got trusted=%v err=%v", trusted, err)
	}

	if err := s.SaveRemoteIdentity(addr, ikp.PublicKey); err != nil {
		t.Fatal(err)
	}
	other, err := ratchet.GenerateIdentityKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	trusted, err = s.IsTrusted(addr, other.PublicKey)
	if err != nil || trusted {
		t.Fatalf("expected distrust for a changed key, got trusted=%v err=%v", trusted, err)
	}
}

func TestBlockedSet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	if blocked, _ := s.IsBlocked(ctx, "eve"); blocked {
		t.Fatal("expected not blocked by default")
	}
	if err := s.Block(ctx, "eve"); err != nil {
		t.Fatal(err)
	}
	if blocked, _ := s.IsBlocked(ctx, "eve"); !blocked {
		t.Fatal("expected blocked after Block")
	}
	if err := s.Unblock(ctx, "eve"); err != nil {
		t.Fatal(err)
	}
	if blocked, _ := s.IsBlocked(ctx, "eve"); blocked {
		t.Fatal("expected unblocked after Unblock")
	}
}

func TestPendingPreKeyBundleRoundTrip(t *testing.T) {
	s := newTestStore(t)
	addr := ratchet.Address{UserID: "alice", DeviceID: 1}
	bundle := &ratchet.PreKeyBundle{RegistrationID: 42}

	if err := s.PutPendingPreKeyBundle(addr, bundle); err != nil {
		t.Fatalf("PutPendingPreKeyBundle: %v", err)
	}
	got, err := s.TakePendingPreKeyBundle(addr)
	if err != nil {
		t.Fatalf("TakePendingPreKeyBundle: %v", err)
	}
	if got == nil || got.RegistrationID != 42 {
		t.Fatalf("got = %+v, want RegistrationID=42", got)
	}
	if got, err := s.TakePendingPreKeyBundle(addr); err != nil || got != nil {
		t.Fatalf("expected nil after take consumes the bundle, got %+v err=%v", got, err)
	}
}
