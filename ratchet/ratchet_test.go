package ratchet

import (
	"bytes"
	"crypto/rand"
	"testing"
)

func TestRatchetHeaderMarshalRoundtrip(t *testing.T) {
	pub := make([]byte, 32)
	if _, err := rand.Read(pub); err != nil {
		t.Fatal(err)
	}
	h := &RatchetHeader{DHPub: pub, N: 42, PN: 10}

	data, err := h.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}

	var h2 RatchetHeader
	if err := h2.UnmarshalBinary(data); err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(h.DHPub, h2.DHPub) {
		t.Error("DHPub mismatch")
	}
	if h.N != h2.N {
		t.Errorf("N = %d, want %d", h2.N, h.N)
	}
	if h.PN != h2.PN {
		t.Errorf("PN = %d, want %d", h2.PN, h.PN)
	}
}

func TestRatchetHeaderInvalidSize(t *testing.T) {
	var h RatchetHeader
	if err := h.UnmarshalBinary([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for invalid size")
	}
}

var testAddr = Address{UserID: "alice", DeviceID: 1}

func setupPeerRatchets(t *testing.T) (*RatchetState, *RatchetState) {
	t.Helper()

	sharedSecret := make([]byte, 32)
	if _, err := rand.Read(sharedSecret); err != nil {
		t.Fatal(err)
	}

	responderSPK, err := GenerateX25519KeyPair()
	if err != nil {
		t.Fatal(err)
	}

	initiator, err := InitRatchetAsInitiator(sharedSecret, responderSPK.PublicKey().Bytes())
	if err != nil {
		t.Fatal(err)
	}

	responder := InitRatchetAsResponder(sharedSecret, responderSPK)

	return initiator, responder
}

func TestRatchetBasicExchange(t *testing.T) {
	initiator, responder := setupPeerRatchets(t)

	plaintext := []byte("hello responder")
	header, ct, err := initiator.RatchetEncrypt(plaintext)
	if err != nil {
		t.Fatal(err)
	}

	decrypted, err := responder.RatchetDecrypt(testAddr, header, ct)
	if err != nil {
		t.Fatal(err)
	}

	if !bytes.Equal(plaintext, decrypted) {
		t.Errorf("decrypted = %q, want %q", decrypted, plaintext)
	}
}

func TestRatchetBidirectional(t *testing.T) {
	initiator, responder := setupPeerRatchets(t)

	messages := []struct {
		from    string
		content string
	}{
		{"initiator", "hi"},
		{"responder", "hi back"},
		{"initiator", "how are you?"},
		{"responder", "great, thanks"},
		{"initiator", "message 5"},
		{"initiator", "message 6"},
		{"responder", "message 7"},
		{"responder", "message 8"},
		{"initiator", "message 9"},
	}

	for _, msg := range messages {
		plaintext := []byte(msg.content)
		var sender, receiver *RatchetState
		if msg.from == "initiator" {
			sender, receiver = initiator, responder
		} else {
			sender, receiver = responder, initiator
		}

		header, ct, err := sender.RatchetEncrypt(plaintext)
		if err != nil {
			t.Fatalf("encrypt %q: %v", msg.content, err)
		}

		decrypted, err := receiver.RatchetDecrypt(testAddr, header, ct)
		if err != nil {
			t.Fatalf("decrypt %q: %v", msg.content, err)
		}

		if !bytes.Equal(plaintext, decrypted) {
			t.Errorf("decrypted = %q, want %q", decrypted, plaintext)
		}
	}
}

func TestRatchetOutOfOrder(t *testing.T) {
	initiator, responder := setupPeerRatchets(t)

	var headers [3]*RatchetHeader
	var cts [3][]byte
	for i := range 3 {
		h, ct, err := initiator.RatchetEncrypt([]byte("message " + string(rune('A'+i))))
		if err != nil {
			t.Fatal(err)
		}
		headers[i] = h
		cts[i] = ct
	}

	for i := 2; i >= 0; i-- {
		decrypted, err := responder.RatchetDecrypt(testAddr, headers[i], cts[i])
		if err != nil {
			t.Fatalf("decrypt message %d: %v", i, err)
		}
		expected := "message " + string(rune('A'+i))
		if string(decrypted) != expected {
			t.Errorf("message %d: got %q, want %q", i, decrypted, expected)
		}
	}
}

func TestRatchetStateSerialization(t *testing.T) {
	initiator, responder := setupPeerRatchets(t)

	h, ct, err := initiator.RatchetEncrypt([]byte("test"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := responder.RatchetDecrypt(testAddr, h, ct); err != nil {
		t.Fatal(err)
	}

	data, err := initiator.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}

	var restored RatchetState
	if err := restored.UnmarshalBinary(data); err != nil {
		t.Fatal(err)
	}

	h2, ct2, err := restored.RatchetEncrypt([]byte("after restore"))
	if err != nil {
		t.Fatal(err)
	}

	decrypted, err := responder.RatchetDecrypt(testAddr, h2, ct2)
	if err != nil {
		t.Fatal(err)
	}

	if string(decrypted) != "after restore" {
		t.Errorf("decrypted = %q, want %q", decrypted, "after restore")
	}
}

func TestRatchetSkippedKeyLimit(t *testing.T) {
	initiator, responder := setupPeerRatchets(t)

	h, ct, err := initiator.RatchetEncrypt([]byte("init"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := responder.RatchetDecrypt(testAddr, h, ct); err != nil {
		t.Fatal(err)
	}

	err = responder.skipMessageKeys(maxSkippedKeys + responder.Nr + 1)
	if err != ErrSkippedKeyLimit {
		t.Errorf("expected ErrSkippedKeyLimit, got %v", err)
	}
}

func TestRatchetStateMarshalWithSkippedKeys(t *testing.T) {
	initiator, responder := setupPeerRatchets(t)

	var headers [3]*RatchetHeader
	var cts [3][]byte
	for i := range 3 {
		h, ct, err := initiator.RatchetEncrypt([]byte("msg"))
		if err != nil {
			t.Fatal(err)
		}
		headers[i] = h
		cts[i] = ct
	}

	if _, err := responder.RatchetDecrypt(testAddr, headers[2], cts[2]); err != nil {
		t.Fatal(err)
	}

	if len(responder.MKSkipped) != 2 {
		t.Fatalf("expected 2 skipped keys, got %d", len(responder.MKSkipped))
	}

	data, err := responder.MarshalBinary()
	if err != nil {
		t.Fatal(err)
	}

	var restored RatchetState
	if err := restored.UnmarshalBinary(data); err != nil {
		t.Fatal(err)
	}

	if len(restored.MKSkipped) != 2 {
		t.Fatalf("restored: expected 2 skipped keys, got %d", len(restored.MKSkipped))
	}

	for i := range 2 {
		decrypted, err := restored.RatchetDecrypt(testAddr, headers[i], cts[i])
		if err != nil {
			t.Fatalf("decrypt skipped message %d: %v", i, err)
		}
		if string(decrypted) != "msg" {
			t.Errorf("message %d: got %q, want %q", i, decrypted, "msg")
		}
	}
}

func TestRatchetDuplicateMessage(t *testing.T) {
	initiator, responder := setupPeerRatchets(t)

	h, ct, err := initiator.RatchetEncrypt([]byte("one-time"))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := responder.RatchetDecrypt(testAddr, h, ct); err != nil {
		t.Fatal(err)
	}

	_, err = responder.RatchetDecrypt(testAddr, h, ct)
	if err == nil {
		t.Error("expected error for duplicate message")
	}
}
