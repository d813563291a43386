package memory

import (
	"context"
	"testing"

	"github.com/mcavoybn/librelay/ratchet"
)

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()
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
	s := New()
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

func TestTrustOnFirstUse(t *testing.T) {
	s := New()
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
	trusted, err = s.IsTrusted(addr, ikp.PublicKey)
	if err != nil || !trusted {
		t.Fatalf("expected trust for the recorded key, got trusted=%v err=%v", trusted, err)
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

func TestRegistrationID(t *testing.T) {
	ctx := context.Background()
	s := New()
	addr := ratchet.Address{UserID: "alice", DeviceID: 1}

	if id, err := s.GetRegistrationID(ctx, addr); err != nil || id != 0 {
		t.Fatalf("expected unset registration id to be 0, got id=%d err=%v", id, err)
	}
	if err := s.SaveRegistrationID(ctx, addr, 1234); err != nil {
		t.Fatal(err)
	}
	if id, err := s.GetRegistrationID(ctx, addr); err != nil || id != 1234 {
		t.Fatalf("id = %d, want 1234 (err=%v)", id, err)
	}
}

func TestBlockedSet(t *testing.T) {
	ctx := context.Background()
	s := New()
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
