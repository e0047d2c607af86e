package adminapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

// SocketPath is the type we pass the socket path around in, for binding.
type SocketPath string

// ErrNotFound is returned by the client when the API answers 404.
var ErrNotFound = errors.New("not found")

// Client talks to the admin API over its Unix socket.
type Client struct {
	hc *http.Client
}

// NewClient returns a client for the admin API served at socketPath.
func NewClient(socketPath SocketPath) *Client {
	var d net.Dialer
	return &Client{hc: &http.Client{
		Timeout: 30 * time.Second,
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return d.DialContext(ctx, "unix", string(socketPath))
			},
		},
	}}
}

// Do sends a request with an optional JSON body. Responses other than
// wantStatus are turned into errors carrying the body the server sent. The
// caller must close the returned body.
func (c *Client) Do(ctx context.Context, method, path string, body any, wantStatus int) (io.ReadCloser, error) {
	var rb io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		rb = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://unix"+path, rb)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call admin API: %w", err)
	}
	if resp.StatusCode == wantStatus {
		return resp.Body, nil
	}
	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%s %s: %w", method, path, ErrNotFound)
	}
	return nil, fmt.Errorf("admin API error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(msg)))
}

// DoJSON is Do followed by decoding the response into out.
func (c *Client) DoJSON(ctx context.Context, method, path string, body any, wantStatus int, out any) error {
	rc, err := c.Do(ctx, method, path, body, wantStatus)
	if err != nil {
		return err
	}
	defer rc.Close()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(rc).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
