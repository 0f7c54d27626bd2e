// Package api implements the REST+JSON client for the authoritative
// server. The sync engine is its only consumer; errors come back typed so
// the engine can tell a stale rejection from a transient outage without
// string matching.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rc-construcoes/rcsync/internal/session"
)

// Default per-call timeouts. Pushes are small writes; pulls may page
// through a large delta.
const (
	DefaultPushTimeout = 15 * time.Second
	DefaultPullTimeout = 30 * time.Second
)

// AuthFunc supplies the Authorization header value for a request. The
// session gate's AuthHeader satisfies it.
type AuthFunc func() (string, error)

// Client talks to the remote API.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	auth        AuthFunc
	pushTimeout time.Duration
	pullTimeout time.Duration
}

// New creates a client for the given base URL (e.g. "https://host"). auth
// may be nil for the login call only.
func New(baseURL string, auth AuthFunc) *Client {
	return &Client{
		baseURL:     baseURL,
		httpClient:  &http.Client{},
		auth:        auth,
		pushTimeout: DefaultPushTimeout,
		pullTimeout: DefaultPullTimeout,
	}
}

// SetTimeouts overrides the per-call timeouts; zero keeps the current
// value.
func (c *Client) SetTimeouts(push, pull time.Duration) {
	if push > 0 {
		c.pushTimeout = push
	}
	if pull > 0 {
		c.pullTimeout = pull
	}
}

// Delta is one page of server-side changes.
type Delta struct {
	Items      []json.RawMessage `json:"items"`
	NextCursor string            `json:"nextCursor"`
	HasMore    bool              `json:"hasMore"`
}

// SaveResult is the server's answer to a create or update.
type SaveResult struct {
	ID            int64           `json:"id"`
	ServerVersion int64           `json:"serverVersion"`
	Body          json.RawMessage `json:"-"`
}

// LoginResult is the server's answer to a successful login.
type LoginResult struct {
	Token     string            `json:"token"`
	ExpiresAt int64             `json:"expiresAt"`
	Principal session.Principal `json:"principal"`
}

// PullSince fetches server changes for an entity after the given cursor.
func (c *Client) PullSince(ctx context.Context, entity, cursor string, limit int) (*Delta, error) {
	ctx, cancel := context.WithTimeout(ctx, c.pullTimeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/api/%s?since=%s&limit=%d",
		c.baseURL, entity, url.QueryEscape(cursor), limit)
	body, err := c.do(ctx, http.MethodGet, endpoint, nil, true)
	if err != nil {
		return nil, err
	}
	var delta Delta
	if err := json.Unmarshal(body, &delta); err != nil {
		return nil, fmt.Errorf("failed to decode delta for %s: %w", entity, err)
	}
	return &delta, nil
}

// Create pushes a new record and returns the server-assigned id.
func (c *Client) Create(ctx context.Context, entity string, payload json.RawMessage) (*SaveResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.pushTimeout)
	defer cancel()

	body, err := c.do(ctx, http.MethodPost, fmt.Sprintf("%s/api/%s", c.baseURL, entity), payload, true)
	if err != nil {
		return nil, err
	}
	return decodeSave(body)
}

// Update pushes changed fields for an existing record.
func (c *Client) Update(ctx context.Context, entity string, id int64, payload json.RawMessage) (*SaveResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.pushTimeout)
	defer cancel()

	body, err := c.do(ctx, http.MethodPut, fmt.Sprintf("%s/api/%s/%d", c.baseURL, entity, id), payload, true)
	if err != nil {
		return nil, err
	}
	return decodeSave(body)
}

// Delete removes a record on the server.
func (c *Client) Delete(ctx context.Context, entity string, id int64) error {
	ctx, cancel := context.WithTimeout(ctx, c.pushTimeout)
	defer cancel()

	_, err := c.do(ctx, http.MethodDelete, fmt.Sprintf("%s/api/%s/%d", c.baseURL, entity, id), nil, true)
	return err
}

// Fetch reads the server's current copy of one record.
func (c *Client) Fetch(ctx context.Context, entity string, id int64) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, c.pullTimeout)
	defer cancel()

	return c.do(ctx, http.MethodGet, fmt.Sprintf("%s/api/%s/%d", c.baseURL, entity, id), nil, true)
}

// Login exchanges credentials for a session. Carries no bearer token.
func (c *Client) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.pushTimeout)
	defer cancel()

	payload, err := json.Marshal(map[string]string{"username": username, "password": password})
	if err != nil {
		return nil, err
	}
	body, err := c.do(ctx, http.MethodPost, c.baseURL+"/api/auth/login", payload, false)
	if err != nil {
		return nil, err
	}
	var result LoginResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode login response: %w", err)
	}
	return &result, nil
}

func decodeSave(body []byte) (*SaveResult, error) {
	var result SaveResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("failed to decode save response: %w", err)
	}
	result.Body = body
	return &result, nil
}

func (c *Client) do(ctx context.Context, method, url string, payload []byte, authed bool) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if authed {
		if c.auth == nil {
			return nil, session.ErrNotAuthenticated
		}
		header, err := c.auth()
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", header)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Timeouts and connection failures are transient.
		return nil, &TransientError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransientError{Err: err}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return body, nil
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, ErrUnauthenticated
	case resp.StatusCode == http.StatusForbidden:
		return nil, ErrForbidden
	case resp.StatusCode == http.StatusConflict:
		return nil, decodeStale(body)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &RateLimitedError{RetryAfter: retryAfter(resp)}
	case resp.StatusCode >= 500:
		return nil, &TransientError{Status: resp.StatusCode}
	default:
		return nil, &RequestError{Status: resp.StatusCode, Message: errorMessage(body)}
	}
}

func decodeStale(body []byte) error {
	stale := &StaleError{Body: body}
	var probe struct {
		ServerVersion int64 `json:"serverVersion"`
	}
	if err := json.Unmarshal(body, &probe); err == nil {
		stale.ServerVersion = probe.ServerVersion
	}
	return stale
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return time.Minute
}

func errorMessage(body []byte) string {
	var probe struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &probe); err == nil {
		if probe.Message != "" {
			return probe.Message
		}
		if probe.Error != "" {
			return probe.Error
		}
	}
	return string(body)
}
