package events

import (
	"context"
	"errors"
	"testing"
)

func TestEmitInvokesListenersInOrder(t *testing.T) {
	d := NewDispatcher()
	var order []int
	d.On(Message, func(_ context.Context, _ any) error {
		order = append(order, 1)
		return nil
	})
	d.On(Message, func(_ context.Context, _ any) error {
		order = append(order, 2)
		return nil
	})

	d.Emit(context.Background(), Message, &MessageEvent{Source: "alice"})

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("order = %v, want [1 2]", order)
	}
}

func TestEmitSwallowsListenerErrors(t *testing.T) {
	d := NewDispatcher()
	called := false
	d.On(Error, func(_ context.Context, _ any) error {
		return errors.New("boom")
	})
	d.On(Error, func(_ context.Context, _ any) error {
		called = true
		return nil
	})

	// Must not panic and must still reach the second listener.
	d.Emit(context.Background(), Error, &ErrorEvent{Addr: "alice"})
	if !called {
		t.Error("second listener not invoked after first listener errored")
	}
}

func TestKeyChangeEventAccept(t *testing.T) {
	d := NewDispatcher()
	d.On(KeyChange, func(_ context.Context, payload any) error {
		ev := payload.(*KeyChangeEvent)
		ev.Accept()
		return nil
	})

	ev := &KeyChangeEvent{Addr: "alice", IdentityKey: []byte("key")}
	d.Emit(context.Background(), KeyChange, ev)

	if !ev.Accepted() {
		t.Error("expected Accepted() == true after listener called Accept")
	}
}

func TestKeyChangeEventNotAcceptedByDefault(t *testing.T) {
	ev := &KeyChangeEvent{Addr: "alice"}
	if ev.Accepted() {
		t.Error("expected Accepted() == false with no listener")
	}
}
