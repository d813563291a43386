package signalservice

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestSendMessagesSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			t.Errorf("method = %s, want PUT", r.Method)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "user", "pass", nil)
	err := c.SendMessages(context.Background(), "alice", []DeviceCiphertext{{DestinationDeviceID: 1}}, 12345)
	if err != nil {
		t.Fatalf("SendMessages: %v", err)
	}
}

func TestSendMessages409ReturnsMismatchedDevices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(MismatchedDevices{ExtraDevices: []uint32{2}, MissingDevices: []uint32{3}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "user", "pass", nil)
	err := c.SendMessages(context.Background(), "alice", nil, 1)
	var protoErr *ProtocolError
	if !asProtocolError(err, &protoErr) {
		t.Fatalf("expected *ProtocolError, got %v (%T)", err, err)
	}
	if protoErr.Code != http.StatusConflict {
		t.Errorf("Code = %d, want 409", protoErr.Code)
	}
	var mismatched MismatchedDevices
	if err := json.Unmarshal(protoErr.Body, &mismatched); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(mismatched.ExtraDevices) != 1 || mismatched.ExtraDevices[0] != 2 {
		t.Errorf("ExtraDevices = %v", mismatched.ExtraDevices)
	}
	if len(mismatched.MissingDevices) != 1 || mismatched.MissingDevices[0] != 3 {
		t.Errorf("MissingDevices = %v", mismatched.MissingDevices)
	}
}

func TestGetKeysForAddrSingleDevice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/keys/alice/2" {
			t.Errorf("path = %s, want /v2/keys/alice/2", r.URL.Path)
		}
		json.NewEncoder(w).Encode(KeysForAddr{Devices: []DeviceEntry{{DeviceID: 2}}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "user", "pass", nil)
	deviceID := uint32(2)
	got, err := c.GetKeysForAddr(context.Background(), "alice", &deviceID)
	if err != nil {
		t.Fatalf("GetKeysForAddr: %v", err)
	}
	if len(got.Devices) != 1 || got.Devices[0].DeviceID != 2 {
		t.Errorf("Devices = %v", got.Devices)
	}
}

func asProtocolError(err error, target **ProtocolError) bool {
	pe, ok := err.(*ProtocolError)
	if ok {
		*target = pe
	}
	return ok
}
