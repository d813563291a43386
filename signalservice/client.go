// Package signalservice is the request/response façade to the remote
// message service: prekey bundle fetch, send-messages, device list,
// key registration (keys are generated by ratchet.GenerateOwnBundle),
// attachment fetch, and delete-from-queue,
// per spec.md §2.2 and §6.
package signalservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Client is the signal service façade. It is safe for concurrent use.
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
}

// NewClient returns a Client that authenticates with username/password
// basic auth against baseURL.
func NewClient(baseURL, username, password string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: baseURL, username: username, password: password, http: httpClient}
}

// GetKeysForAddr fetches the prekey bundle for addr. When deviceID is
// non-nil, only that device's bundle is requested; spec.md §4.1 requires
// the caller to issue one such call per device serially rather than in
// parallel, since the service enforces that constraint.
func (c *Client) GetKeysForAddr(ctx context.Context, addr string, deviceID *uint32) (*KeysForAddr, error) {
	path := fmt.Sprintf("/v2/keys/%s/", url.PathEscape(addr))
	if deviceID != nil {
		path += strconv.FormatUint(uint64(*deviceID), 10)
	} else {
		path += "*"
	}

	var out KeysForAddr
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SendMessages posts the per-device ciphertexts for addr. On success it
// returns nil; on a structural error (404/409/410) it returns a
// *ProtocolError whose Body callers decode into MismatchedDevices or
// StaleDevices as appropriate.
func (c *Client) SendMessages(ctx context.Context, addr string, ciphertexts []DeviceCiphertext, timestamp uint64) error {
	body := struct {
		Messages  []DeviceCiphertext `json:"messages"`
		Timestamp uint64             `json:"timestamp"`
	}{Messages: ciphertexts, Timestamp: timestamp}

	path := fmt.Sprintf("/v1/messages/%s", url.PathEscape(addr))
	return c.doJSON(ctx, http.MethodPut, path, body, nil)
}

// RegisterKeys uploads a freshly generated identity/signed-prekey/prekey
// batch (see ratchet.GenerateOwnBundle) to replace what the service holds
// for this account.
func (c *Client) RegisterKeys(ctx context.Context, keys *OwnKeys) error {
	return c.doJSON(ctx, http.MethodPut, "/v2/keys/", keys, nil)
}

// GetDevices lists the devices registered to this account.
func (c *Client) GetDevices(ctx context.Context) ([]DeviceInfo, error) {
	var out struct {
		Devices []DeviceInfo `json:"devices"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/v1/devices/", nil, &out); err != nil {
		return nil, err
	}
	return out.Devices, nil
}

// GetAttachment fetches an encrypted attachment blob by id. Decryption is
// out of scope per spec.md §1; the caller hands the raw bytes to the
// attachment-decryption collaborator.
func (c *Client) GetAttachment(ctx context.Context, id string) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/v2/attachments/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("signalservice: GetAttachment: %w", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode/100 != 2 {
		return nil, &ProtocolError{Code: resp.StatusCode, Body: data}
	}
	return data, nil
}

// GetMessageWebSocketURL returns the URL the streaming transport should
// dial, including any query-string auth the service requires.
func (c *Client) GetMessageWebSocketURL() string {
	u := c.baseURL
	if len(u) > 4 && u[:4] == "http" {
		u = "ws" + u[4:]
	}
	return u + "/v1/websocket/?login=" + url.QueryEscape(c.username) + "&password=" + url.QueryEscape(c.password)
}

// GetPendingMessages fetches one page of envelopes pending delivery, for
// drain mode (spec.md §4.2's no-stream path).
func (c *Client) GetPendingMessages(ctx context.Context) (*PendingMessages, error) {
	var out PendingMessages
	if err := c.doJSON(ctx, http.MethodGet, "/v1/messages/", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteMessage removes one delivered envelope from the queue, identified
// by source address and timestamp.
func (c *Client) DeleteMessage(ctx context.Context, source string, timestamp uint64) error {
	path := fmt.Sprintf("/v1/messages/%s/%d", url.PathEscape(source), timestamp)
	return c.doJSON(ctx, http.MethodDelete, path, nil, nil)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("signalservice: encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.SetBasicAuth(c.username, c.password)
	return req, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	requestID := uuid.NewString()
	log := zerolog.Ctx(ctx).With().Str("component", "signalservice").Str("method", method).Str("path", path).Str("request_id", requestID).Logger()

	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	req.Header.Set("X-Request-Id", requestID)
	resp, err := c.http.Do(req)
	if err != nil {
		log.Debug().Err(err).Msg("request failed")
		return fmt.Errorf("signalservice: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("signalservice: read response body: %w", err)
	}

	if resp.StatusCode/100 != 2 {
		log.Debug().Int("status", resp.StatusCode).Msg("protocol error")
		return &ProtocolError{Code: resp.StatusCode, Body: data}
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("signalservice: decode response body: %w", err)
	}
	return nil
}
