package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestStreamRequestResponseRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Fatalf("upgrade: %v", err)
		}
		defer conn.Close()

		msg := encodeWebSocketMessage(websocketMessage{Type: wsTypeRequest, ID: 1, Verb: "PUT", Path: "/api/v1/message", Body: []byte("payload")})
		if err := conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
			t.Errorf("write request frame: %v", err)
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Errorf("read response: %v", err)
			return
		}
		resp, err := decodeWebSocketMessage(data)
		if err != nil {
			t.Errorf("decode response: %v", err)
			return
		}
		if resp.Type != wsTypeResponse || resp.Status != 200 {
			t.Errorf("resp = %+v, want status 200", resp)
		}
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	stream := NewStream(wsURL, http.Header{})
	if err := stream.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer stream.Close()

	select {
	case req := <-stream.Requests():
		if req.Verb != "PUT" || req.Path != "/api/v1/message" || string(req.Body) != "payload" {
			t.Fatalf("req = %+v", req)
		}
		if err := req.Respond(200, ""); err != nil {
			t.Fatalf("Respond: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for request")
	}
}

func TestWebSocketMessageRoundTrip(t *testing.T) {
	req := websocketMessage{Type: wsTypeRequest, ID: 42, Verb: "GET", Path: "/api/v1/queue/empty", Body: nil}
	decoded, err := decodeWebSocketMessage(encodeWebSocketMessage(req))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.ID != req.ID || decoded.Verb != req.Verb || decoded.Path != req.Path {
		t.Fatalf("decoded = %+v, want %+v", decoded, req)
	}

	resp := websocketMessage{Type: wsTypeResponse, ID: 42, Status: 200, Reason: "OK"}
	decodedResp, err := decodeWebSocketMessage(encodeWebSocketMessage(resp))
	if err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if decodedResp.Status != 200 || decodedResp.Reason != "OK" {
		t.Fatalf("decodedResp = %+v", decodedResp)
	}
}
