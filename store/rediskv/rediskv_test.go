//go:build integration

package rediskv

import (
	"context"
	"os"
	"testing"

	"github.com/mcavoybn/librelay/ratchet"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set; skipping integration test")
	}
	s := New(addr)
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return s
}

func TestSessionLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	addr := ratchet.Address{UserID: "alice-rediskv", DeviceID: 1}
	defer s.DeleteSession(addr)

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

	ids, err := s.GetDeviceIDs(ctx, "alice-rediskv")
	if err != nil {
		t.Fatalf("GetDeviceIDs: %v", err)
	}
	if len(ids) != 1 || ids[0] != 1 {
		t.Fatalf("ids = %v, want [1]", ids)
	}

	if err := s.DeleteSession(addr); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}
	if ok, _ := s.ContainsSession(addr); ok {
		t.Fatal("expected session to be gone after delete")
	}
}

func TestBlockedSet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	defer s.Unblock(ctx, "eve-rediskv")

	if blocked, _ := s.IsBlocked(ctx, "eve-rediskv"); blocked {
		t.Fatal("expected not blocked by default")
	}
	if err := s.Block(ctx, "eve-rediskv"); err != nil {
		t.Fatal(err)
	}
	if blocked, _ := s.IsBlocked(ctx, "eve-rediskv"); !blocked {
		t.Fatal("expected blocked after Block")
	}
	if err := s.Unblock(ctx, "eve-rediskv"); err != nil {
		t.Fatal(err)
	}
	if blocked, _ := s.IsBlocked(ctx, "eve-rediskv"); blocked {
		t.Fatal("expected unblocked after Unblock")
	}
}
