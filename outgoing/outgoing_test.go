package outgoing

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mcavoybn/librelay/events"
	"github.com/mcavoybn/librelay/padding"
	"github.com/mcavoybn/librelay/ratchet"
	"github.com/mcavoybn/librelay/signalservice"
	"github.com/mcavoybn/librelay/store/memory"
	"github.com/mcavoybn/librelay/wire"
)

// bobFixture builds a responder-side store with a registered identity,
// signed pre-key, and one-time pre-key, plus the KeysForAddr response a
// sender would fetch to reach it.
func bobFixture(t *testing.T) (*memory.Store, signalservice.KeysForAddr) {
	t.Helper()
	bobStore := memory.New()
	bundle, err := ratchet.GenerateOwnBundle(bobStore, 1)
	if err != nil {
		t.Fatalf("GenerateOwnBundle: %v", err)
	}

	keys := signalservice.KeysForAddr{
		IdentityKey: bundle.IdentityKey,
		Devices: []signalservice.DeviceEntry{{
			DeviceID:       1,
			RegistrationID: 1,
			SignedPreKey: signalservice.SignedPreKey{
				KeyID:     bundle.SignedPreKeyID,
				PublicKey: bundle.SignedPreKey,
				Signature: bundle.SignedPreKeySignature,
			},
			PreKey: &signalservice.PreKey{
				KeyID:     bundle.PreKey.ID,
				PublicKey: bundle.PreKey.PublicKey,
			},
		}},
	}
	return bobStore, keys
}

func TestSendToAddrSuccessBuildsSessionAndEncrypts(t *testing.T) {
	ctx := context.Background()
	bobStore, keys := bobFixture(t)

	var sentCiphertext signalservice.DeviceCiphertext
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			json.NewEncoder(w).Encode(keys)
		case r.Method == http.MethodPut:
			var body struct {
				Messages  []signalservice.DeviceCiphertext `json:"messages"`
				Timestamp uint64                           `json:"timestamp"`
			}
			json.NewDecoder(r.Body).Decode(&body)
			if len(body.Messages) != 1 {
				t.Fatalf("expected 1 ciphertext, got %d", len(body.Messages))
			}
			sentCiphertext = body.Messages[0]
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	aliceStore := memory.New()
	svc := signalservice.NewClient(srv.URL, "alice", "pw", nil)
	disp := events.NewDispatcher()
	var sentEvt events.SentEvent
	disp.On(events.Sent, func(_ context.Context, payload any) error {
		sentEvt = payload.(events.SentEvent)
		return nil
	})

	p := New(aliceStore, svc, disp, "alice")
	if err := p.SendToAddr(ctx, "bob", []byte("hello"), 42); err != nil {
		t.Fatalf("SendToAddr: %v", err)
	}
	if sentEvt.Addr != "bob" || sentEvt.Timestamp != 42 {
		t.Fatalf("sent event = %+v", sentEvt)
	}

	if sentCiphertext.Type != int(wire.TypePreKeyBundle) {
		t.Fatalf("expected first message to be a pre-key message, got type %d", sentCiphertext.Type)
	}
	if sentCiphertext.DestinationRegistrationID != 1 {
		t.Fatalf("expected the registration id fetched alongside the bundle to be propagated, got %d", sentCiphertext.DestinationRegistrationID)
	}

	data, err := base64.StdEncoding.DecodeString(sentCiphertext.Content)
	if err != nil {
		t.Fatalf("decode ciphertext: %v", err)
	}
	msg := &ratchet.Message{}
	if err := msg.UnmarshalBinary(data); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}

	cipher := ratchet.NewSessionCipher(bobStore, ratchet.Address{UserID: "alice", DeviceID: 1})
	plaintext, err := cipher.DecryptPreKeyMessage(msg)
	if err != nil {
		t.Fatalf("DecryptPreKeyMessage: %v", err)
	}
	unpadded, err := padding.Unpad(plaintext)
	if err != nil {
		t.Fatalf("Unpad: %v", err)
	}
	content, err := wire.DecodeContent(unpadded)
	if err != nil {
		t.Fatalf("DecodeContent: %v", err)
	}
	if content.DataMessage.Body != "hello" {
		t.Fatalf("plaintext = %q, want hello", content.DataMessage.Body)
	}
}

func TestSendToAddr404TerminatesAsUnregistered(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	aliceStore := memory.New()
	svc := signalservice.NewClient(srv.URL, "alice", "pw", nil)
	disp := events.NewDispatcher()
	var errEvt events.ErrorEvent
	disp.On(events.Error, func(_ context.Context, payload any) error {
		errEvt = payload.(events.ErrorEvent)
		return nil
	})

	p := New(aliceStore, svc, disp, "alice")
	err := p.SendToAddr(context.Background(), "ghost", []byte("hi"), 1)
	if err == nil {
		t.Fatal("expected an error")
	}
	if _, ok := err.(*UnregisteredUserError); !ok {
		t.Fatalf("err = %v (%T), want *UnregisteredUserError", err, err)
	}
	if errEvt.Addr != "ghost" {
		t.Fatalf("error event = %+v", errEvt)
	}
}

func TestSendToAddrMismatchedDevicesReconciles(t *testing.T) {
	ctx := context.Background()
	bobStore, keys := bobFixture(t)
	_ = bobStore

	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet:
			json.NewEncoder(w).Encode(keys)
		case r.Method == http.MethodPut:
			calls++
			if calls == 1 {
				w.WriteHeader(http.StatusConflict)
				json.NewEncoder(w).Encode(signalservice.MismatchedDevices{MissingDevices: []uint32{1}})
				return
			}
			w.WriteHeader(http.StatusOK)
		}
	}))
	defer srv.Close()

	aliceStore := memory.New()
	svc := signalservice.NewClient(srv.URL, "alice", "pw", nil)
	disp := events.NewDispatcher()

	p := New(aliceStore, svc, disp, "alice")
	if err := p.SendToAddr(ctx, "bob", []byte("hi"), 7); err != nil {
		t.Fatalf("SendToAddr: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 PUT attempts, got %d", calls)
	}
}
