package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
)

// Client talks to one worker. The token is resolved on every call.
type Client struct {
	address string
	token   func() string
	base    string
	http    *http.Client
}

// NewClient returns a client for address (host:port or unix socket path).
// Call deadlines come from the context passed to each method.
func NewClient(address string, token func() string) *Client {
	transport := &http.Transport{DisableKeepAlives: true}
	base := "http://" + address
	if IsSocket(address) {
		base = "http://unix"
		transport.DialContext = func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", address)
		}
	}
	if token == nil {
		token = func() string { return "" }
	}
	return &Client{
		address: address,
		token:   token,
		base:    base,
		http:    &http.Client{Transport: transport},
	}
}

// Address returns the worker address this client targets.
func (c *Client) Address() string { return c.address }

// IsAlive asks the worker whether it is serving.
func (c *Client) IsAlive(ctx context.Context) (bool, error) {
	var resp AliveResponse
	if err := c.do(ctx, http.MethodGet, "/v1/alive", nil, &resp); err != nil {
		return false, err
	}
	return resp.Alive, nil
}

// ConsumedPIDs returns the process ids owned by the worker and its children.
func (c *Client) ConsumedPIDs(ctx context.Context) ([]int, error) {
	var resp PIDsResponse
	if err := c.do(ctx, http.MethodGet, "/v1/pids", nil, &resp); err != nil {
		return nil, err
	}
	return resp.PIDs, nil
}

// Shutdown requests a graceful stop.
func (c *Client) Shutdown(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/shutdown", nil, nil)
}

// SetAsCoordinationMaster promotes the worker to grid master.
func (c *Client) SetAsCoordinationMaster(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/master", nil, nil)
}

// SetConfig applies a partial configuration.
func (c *Client) SetConfig(ctx context.Context, patch ConfigPatch) error {
	return c.do(ctx, http.MethodPatch, "/v1/config", patch, nil)
}

// Dispatch asks a dispatcher node for a concrete worker.
func (c *Client) Dispatch(ctx context.Context) (Assignment, error) {
	var a Assignment
	err := c.do(ctx, http.MethodPost, "/v1/dispatch", nil, &a)
	return a, err
}

// Info returns the worker's self description.
func (c *Client) Info(ctx context.Context) (Info, error) {
	var info Info
	err := c.do(ctx, http.MethodGet, "/v1/info", nil, &info)
	return info, err
}

// Capacity returns the slots the worker can coordinate.
func (c *Client) Capacity(ctx context.Context) (int, error) {
	var resp CapacityResponse
	if err := c.do(ctx, http.MethodGet, "/v1/capacity", nil, &resp); err != nil {
		return 0, err
	}
	return resp.Slots, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("remote %s: %w", c.address, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &StatusError{Address: c.address, Code: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("remote %s: decode %s: %w", c.address, path, err)
	}
	return nil
}
