package incoming

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mcavoybn/librelay/events"
	"github.com/mcavoybn/librelay/signalservice"
)

func TestDrainProcessesAndDeletesPendingMessages(t *testing.T) {
	ctx := context.Background()
	aliceStore, bobStore := senderFixture(t)
	env := encryptEnvelope(t, aliceStore, "hello", 42)

	pending := signalservice.PendingEnvelope{
		Type:         int(env.Type),
		Source:       env.Source,
		SourceDevice: env.SourceDevice,
		Timestamp:    env.Timestamp,
		Content:      base64.StdEncoding.EncodeToString(env.Content),
	}

	deleted := make(chan string, 1)
	served := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			if served {
				json.NewEncoder(w).Encode(signalservice.PendingMessages{})
				return
			}
			served = true
			json.NewEncoder(w).Encode(signalservice.PendingMessages{Messages: []signalservice.PendingEnvelope{pending}, More: false})
		case r.Method == http.MethodDelete:
			deleted <- r.URL.Path
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	disp := events.NewDispatcher()
	var got events.MessageEvent
	done := make(chan struct{})
	disp.On(events.Message, func(_ context.Context, payload any) error {
		got = payload.(events.MessageEvent)
		close(done)
		return nil
	})

	svc := signalservice.NewClient(srv.URL, "bob", "pw", nil)
	p := &Pipeline{
		Store:       bobStore,
		Service:     svc,
		Events:      disp,
		OwnAddr:     "bob",
		OwnDeviceID: 1,
		queue:       newSerialQueue(8),
	}
	defer p.queue.Close()

	if err := p.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	<-done
	if string(got.Body) != "hello" || got.Source != "alice" {
		t.Fatalf("message event = %+v", got)
	}

	select {
	case path := <-deleted:
		if path == "" {
			t.Fatal("expected a delete request path")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected DeleteMessage to be called")
	}
}

func TestCheckRegistrationEmitsErrorOnFailure(t *testing.T) {
	ctx := context.Background()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	disp := events.NewDispatcher()
	var errEvt events.ErrorEvent
	disp.On(events.Error, func(_ context.Context, payload any) error {
		errEvt = payload.(events.ErrorEvent)
		return nil
	})

	p := &Pipeline{
		Service: signalservice.NewClient(srv.URL, "bob", "pw", nil),
		Events:  disp,
		OwnAddr: "bob",
	}
	p.checkRegistration(ctx)

	if errEvt.Cause == nil {
		t.Fatal("expected an error event when registration check fails")
	}
}
