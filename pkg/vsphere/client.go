// Package vsphere implements a client for the vCenter Automation REST API
// covering the inventory and snapshot surfaces the patch workflow needs.
package vsphere

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rcourtman/ripcord/pkg/tlsutil"
	"github.com/rs/zerolog/log"
)

const sessionHeader = "vmware-api-session-id"

// sessionLifetime stays under vCenter's default 30 minute idle timeout so the
// client re-authenticates before the server discards the session.
const sessionLifetime = 25 * time.Minute

// Client is a vCenter Automation API client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	config     ClientConfig

	mu        sync.Mutex
	sessionID string
	expiresAt time.Time
}

// ClientConfig holds connection settings for a vCenter endpoint.
type ClientConfig struct {
	Host        string
	User        string
	Password    string
	Fingerprint string
	VerifySSL   bool
	Timeout     time.Duration
}

// NewClient builds a client for the given vCenter. It does not authenticate;
// the first request establishes the session.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("vcenter host is required")
	}
	if cfg.User == "" || cfg.Password == "" {
		return nil, fmt.Errorf("vcenter credentials are required")
	}

	if !strings.HasPrefix(cfg.Host, "http://") && !strings.HasPrefix(cfg.Host, "https://") {
		cfg.Host = "https://" + cfg.Host
		log.Debug().Str("host", cfg.Host).Msg("No protocol specified in vCenter host, defaulting to HTTPS")
	}
	if strings.HasPrefix(cfg.Host, "http://") {
		log.Warn().Str("host", cfg.Host).Msg("Using HTTP for vCenter connection. The automation API normally requires HTTPS")
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &Client{
		baseURL:    strings.TrimSuffix(cfg.Host, "/"),
		httpClient: tlsutil.CreateHTTPClient(cfg.VerifySSL, cfg.Fingerprint, timeout),
		config:     cfg,
	}, nil
}

// authenticate creates a new API session. Callers must hold c.mu.
func (c *Client) authenticate(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/session", nil)
	if err != nil {
		return err
	}
	req.SetBasicAuth(c.config.User, c.config.Password)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("session request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return &APIError{Status: resp.StatusCode, Body: string(body)}
	}

	// The session endpoint returns the token as a bare JSON string.
	var sessionID string
	if err := json.NewDecoder(resp.Body).Decode(&sessionID); err != nil {
		return fmt.Errorf("failed to decode session token: %w", err)
	}
	if sessionID == "" {
		return fmt.Errorf("vcenter returned an empty session token")
	}

	c.sessionID = sessionID
	c.expiresAt = time.Now().Add(sessionLifetime)

	log.Debug().
		Str("host", c.config.Host).
		Str("user", c.config.User).
		Msg("vCenter session established")
	return nil
}

// ensureSession returns a valid session token, authenticating when the
// current one is missing or stale. Safe for concurrent use.
func (c *Client) ensureSession(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.sessionID == "" || time.Now().After(c.expiresAt) {
		if err := c.authenticate(ctx); err != nil {
			return "", err
		}
	}
	return c.sessionID, nil
}

// request performs an API request. A JSON body is sent when data is non-nil.
// A session rejected server-side is re-established once.
func (c *Client) request(ctx context.Context, method, path string, data interface{}) (*http.Response, error) {
	resp, err := c.do(ctx, method, path, data)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized {
			// Session idled out server-side before our own expiry did.
			c.mu.Lock()
			c.sessionID = ""
			c.mu.Unlock()
			return c.do(ctx, method, path, data)
		}
		return nil, err
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, method, path string, data interface{}) (*http.Response, error) {
	sessionID, err := c.ensureSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("authentication failed: %w", err)
	}

	var body io.Reader
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set(sessionHeader, sessionID)
	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(resp.Body)
		return nil, &APIError{Status: resp.StatusCode, Body: string(respBody)}
	}

	return resp, nil
}

func (c *Client) get(ctx context.Context, path string) (*http.Response, error) {
	return c.request(ctx, http.MethodGet, path, nil)
}

func (c *Client) post(ctx context.Context, path string, data interface{}) (*http.Response, error) {
	return c.request(ctx, http.MethodPost, path, data)
}

func (c *Client) delete(ctx context.Context, path string) (*http.Response, error) {
	return c.request(ctx, http.MethodDelete, path, nil)
}

// Logout terminates the API session. Calling it without a session is a no-op.
func (c *Client) Logout(ctx context.Context) error {
	c.mu.Lock()
	sessionID := c.sessionID
	c.sessionID = ""
	c.mu.Unlock()

	if sessionID == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/api/session", nil)
	if err != nil {
		return err
	}
	req.Header.Set(sessionHeader, sessionID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("logout failed: %w", err)
	}
	resp.Body.Close()
	return nil
}

// APIError is a non-2xx response from the vCenter API.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	if e.Status == http.StatusUnauthorized || e.Status == http.StatusForbidden {
		return fmt.Sprintf("vcenter authentication error (status %d): %s", e.Status, e.Body)
	}
	return fmt.Sprintf("vcenter API error %d: %s", e.Status, e.Body)
}

// IsNotFound reports whether err is an APIError with HTTP status 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}
