// Package hub is a small client for the hub REST API: listing users with
// their servers and stopping a server.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pario-ai/profilequota/pkg/models"
)

// StopResult tells whether a stop request finished.
type StopResult int

const (
	// StopComplete means the server is stopped.
	StopComplete StopResult = iota
	// StopPending means the hub accepted the request (202) but the server
	// is still shutting down.
	StopPending
)

func (r StopResult) String() string {
	if r == StopPending {
		return "pending"
	}
	return "complete"
}

// StatusError is returned when the hub answers with an unexpected status.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("hub %s %s: status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// Client talks to the hub API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// New creates a Client for the API rooted at baseURL, e.g.
// http://127.0.0.1:8081/hub/api.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ListUsers returns every user with their servers.
func (c *Client) ListUsers(ctx context.Context) ([]models.HubUser, error) {
	resp, err := c.do(ctx, http.MethodGet, "/users")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var users []models.HubUser
	if err := json.NewDecoder(resp.Body).Decode(&users); err != nil {
		return nil, fmt.Errorf("decode users: %w", err)
	}
	return users, nil
}

// StopServer stops a user's server. An empty serverName addresses the
// default server.
func (c *Client) StopServer(ctx context.Context, user, serverName string) (StopResult, error) {
	path := "/users/" + url.PathEscape(user) + "/server"
	if serverName != "" {
		path = "/users/" + url.PathEscape(user) + "/servers/" + url.PathEscape(serverName)
	}

	resp, err := c.do(ctx, http.MethodDelete, path)
	if err != nil {
		return StopComplete, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return StopComplete, statusError(resp)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode == http.StatusAccepted {
		return StopPending, nil
	}
	return StopComplete, nil
}

func (c *Client) do(ctx context.Context, method, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "token "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("hub %s %s: %w", method, path, err)
	}
	return resp, nil
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &StatusError{
		Method:     resp.Request.Method,
		URL:        resp.Request.URL.String(),
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
	}
}
