// Package client is a small HTTP client for the call agent API, for use
// by dashboards and automation that start and inspect calls.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to a running call agent server.
type Client struct {
	baseURL string
	http    *http.Client
}

// New creates a client for the given base URL, e.g. "http://localhost:8080".
func New(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// WithHTTPClient overrides the underlying HTTP client.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.http = h
	return c
}

// StartCallOptions customizes the agent for one outbound call.
type StartCallOptions struct {
	SystemMessage  string
	InitialMessage string
}

// StartCall places an outbound call and returns its SID.
func (c *Client) StartCall(ctx context.Context, toNumber string, opts *StartCallOptions) (string, error) {
	body := map[string]string{"to_number": toNumber}
	if opts != nil {
		if opts.SystemMessage != "" {
			body["system_message"] = opts.SystemMessage
		}
		if opts.InitialMessage != "" {
			body["initial_message"] = opts.InitialMessage
		}
	}

	var resp struct {
		CallSID string `json:"call_sid"`
	}
	if err := c.post(ctx, "/start_call", body, &resp); err != nil {
		return "", err
	}
	return resp.CallSID, nil
}

// EndCall hangs up an active call.
func (c *Client) EndCall(ctx context.Context, callSID string) error {
	return c.post(ctx, "/end_call", map[string]string{"call_sid": callSID}, nil)
}

// CallStatus describes the state of a call.
type CallStatus struct {
	CallSID string `json:"call_sid"`
	Status  string `json:"status"`
	Turn    uint64 `json:"turn,omitempty"`
	Live    bool   `json:"live"`
}

// Status fetches the current state of a call.
func (c *Client) Status(ctx context.Context, callSID string) (*CallStatus, error) {
	var st CallStatus
	if err := c.get(ctx, "/call_status/"+callSID, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Transcript fetches a call transcript, live or stored. The shape differs
// between live snapshots and stored records, so it is returned raw.
func (c *Client) Transcript(ctx context.Context, callSID string) (json.RawMessage, error) {
	var raw json.RawMessage
	if err := c.get(ctx, "/transcript/"+callSID, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// Health reports server liveness and the number of active calls.
func (c *Client) Health(ctx context.Context) (int, error) {
	var resp struct {
		Status      string `json:"status"`
		ActiveCalls int    `json:"active_calls"`
	}
	if err := c.get(ctx, "/health", &resp); err != nil {
		return 0, err
	}
	return resp.ActiveCalls, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		data, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("api error (%d): %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("api error (%d): %s", resp.StatusCode, string(data))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
