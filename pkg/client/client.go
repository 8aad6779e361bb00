// Package client is a typed HTTP client for the release controller API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultBaseURL is used when no server address is given.
const DefaultBaseURL = "http://localhost:4100"

const defaultTimeout = 30 * time.Second

// Client talks to one controller with one operator token.
type Client struct {
	base      *url.URL
	token     string
	http      *http.Client
	userAgent string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default client, which times out after 30s.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// WithToken sets the operator bearer token.
func WithToken(token string) Option {
	return func(c *Client) { c.token = strings.TrimSpace(token) }
}

// WithUserAgent tags requests, e.g. with the CLI build version.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// New parses base, accepting a bare host:port.
func New(base string, opts ...Option) (*Client, error) {
	raw := strings.TrimSpace(base)
	if raw == "" {
		raw = DefaultBaseURL
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(strings.TrimRight(raw, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse controller address: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("controller address %q: unsupported scheme %q", base, u.Scheme)
	}
	c := &Client{base: u, http: &http.Client{Timeout: defaultTimeout}, userAgent: "releasectl"}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// APIError is a non-2xx answer from the controller.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	text := http.StatusText(e.Status)
	if e.Message != "" {
		text = e.Message
	}
	return fmt.Sprintf("controller returned %d: %s", e.Status, text)
}

// IsStatus reports whether err is an APIError carrying status.
func IsStatus(err error, status int) bool {
	var apiErr APIError
	return errors.As(err, &apiErr) && apiErr.Status == status
}

// do sends body as JSON and decodes the answer into v. Error answers are
// decoded into v as well since some carry a typed body (gate reports).
func (c *Client) do(ctx context.Context, method, path string, body, v any) error {
	if c == nil {
		return errors.New("nil controller client")
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read %s %s response: %w", method, path, err)
	}
	failed := resp.StatusCode >= http.StatusBadRequest
	if v != nil && len(data) > 0 {
		if err := json.Unmarshal(data, v); err != nil && !failed {
			return fmt.Errorf("decode %s %s response: %w", method, path, err)
		}
	}
	if failed {
		return APIError{Status: resp.StatusCode, Message: extractError(data)}
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	var payload io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode %s %s body: %w", method, path, err)
		}
		payload = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, payload)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// extractError pulls the "error" field out of an error body, falling back
// to the raw text for non-JSON answers (proxies, load balancers).
func extractError(data []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(data))
}

// Health returns the /healthz body. A degraded controller answers 503 with
// the same body, which is returned alongside the APIError.
func (c *Client) Health(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	err := c.do(ctx, http.MethodGet, "/healthz", nil, &out)
	return out, err
}
