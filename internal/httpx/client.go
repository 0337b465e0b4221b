package httpx

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Deadlines for outbound hops. Primary-path coordination gets 5 s;
// best-effort fan-out gets 3 s and its failures are swallowed by callers.
const (
	PrimaryTimeout     = 5 * time.Second
	FanOutTimeout      = 3 * time.Second
	ServiceTokenHeader = "x-service-token"
)

// Client is the outbound HTTP client shared by the services. It attaches
// the inter-service token to every request.
type Client struct {
	hc    *http.Client
	token string
}

func NewClient(token string) *Client {
	return &Client{hc: &http.Client{}, token: token}
}

func (c *Client) do(ctx context.Context, method, url string, body any, timeout time.Duration) (int, []byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return 0, nil, fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set(ServiceTokenHeader, c.token)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	rb, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, rb, nil
}

// PostJSON posts body as JSON and returns the status and raw response body.
// A transport-level failure (including deadline expiry) returns err != nil.
func (c *Client) PostJSON(ctx context.Context, url string, body any, timeout time.Duration) (int, []byte, error) {
	return c.do(ctx, http.MethodPost, url, body, timeout)
}

// GetJSON fetches url and returns the status and raw response body.
func (c *Client) GetJSON(ctx context.Context, url string, timeout time.Duration) (int, []byte, error) {
	return c.do(ctx, http.MethodGet, url, nil, timeout)
}

// Is2xx reports whether status is a success code.
func Is2xx(status int) bool { return status >= 200 && status < 300 }
