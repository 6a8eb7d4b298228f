package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gwillem/mecharm/pkg/protocol"
)

// HTTPClient calls the peer's REST endpoints. It is the degrade path used when
// the WebSocket session is down.
type HTTPClient struct {
	baseURL string
	client  *http.Client
}

// NewHTTPClient returns a client for the peer at baseURL. A nil client uses
// a default http.Client; no request timeout is imposed beyond ctx.
func NewHTTPClient(baseURL string, client *http.Client) *HTTPClient {
	if client == nil {
		client = &http.Client{}
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
	}
}

// RequestError is returned for non-2xx responses.
type RequestError struct {
	StatusCode int
	Message    string
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		return fmt.Sprintf("http %d: %s", e.StatusCode, msg)
	}
	return fmt.Sprintf("http %d", e.StatusCode)
}

// Diagnostics is the body of GET /diagnostics.
type Diagnostics struct {
	Arm struct {
		Angles  []float64 `json:"angles"`
		Gripper float64   `json:"gripper"`
	} `json:"arm"`
	Video             map[string]any `json:"video"`
	Clients           int            `json:"clients"`
	HeartbeatTimeoutS float64        `json:"heartbeat_timeout_s"`
}

// UpdateJoints posts joint targets to /update and returns the status text.
func (c *HTTPClient) UpdateJoints(ctx context.Context, joints map[int]int) (string, error) {
	return c.status(ctx, "/update", protocol.Angles{Joints: joints})
}

// SetGripper posts a gripper value to /gripper and returns the status text.
func (c *HTTPClient) SetGripper(ctx context.Context, value int) (string, error) {
	return c.status(ctx, "/gripper", protocol.Gripper{Value: value})
}

// Reset posts to /reset and returns the status text.
func (c *HTTPClient) Reset(ctx context.Context) (string, error) {
	return c.status(ctx, "/reset", protocol.Reset{})
}

// Sync pulls the authoritative arm state from /sync.
func (c *HTTPClient) Sync(ctx context.Context) (protocol.SyncReply, error) {
	var reply protocol.SyncReply
	body, err := c.request(ctx, http.MethodGet, "/sync", nil)
	if err != nil {
		return reply, err
	}
	if err := json.Unmarshal(body, &reply); err != nil {
		return reply, fmt.Errorf("decode sync reply: %w", err)
	}
	return reply, nil
}

// Diagnostics fetches /diagnostics.
func (c *HTTPClient) Diagnostics(ctx context.Context) (Diagnostics, error) {
	var d Diagnostics
	body, err := c.request(ctx, http.MethodGet, "/diagnostics", nil)
	if err != nil {
		return d, err
	}
	if err := json.Unmarshal(body, &d); err != nil {
		return d, fmt.Errorf("decode diagnostics: %w", err)
	}
	return d, nil
}

func (c *HTTPClient) status(ctx context.Context, path string, body any) (string, error) {
	payload, err := c.request(ctx, http.MethodPost, path, body)
	if err != nil {
		return "", err
	}
	var reply protocol.StatusReply
	if err := json.Unmarshal(payload, &reply); err != nil {
		return "", fmt.Errorf("decode %s reply: %w", path, err)
	}
	return reply.M, nil
}

func (c *HTTPClient) request(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		reqBody = buf
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, &RequestError{
			StatusCode: resp.StatusCode,
			Message:    string(payload),
		}
	}
	return payload, nil
}
