package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/mbd888/offersync/internal/account"
	"github.com/mbd888/offersync/internal/catalog"
	"github.com/mbd888/offersync/internal/engine"
	"github.com/mbd888/offersync/internal/subscription"
)

// Config holds the configuration for reaching the offersync API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	// Timeout bounds one API call. Subscribing waits on the wallet, so
	// this is generous by default.
	Timeout time.Duration
}

// DefaultTimeout is used when Config.Timeout is zero.
const DefaultTimeout = 5 * time.Minute

// Client is a pure HTTP client for the offersync API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new API client.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the API and decodes the JSON
// response into out (if non-nil).
func (c *Client) doRequest(ctx context.Context, method, path string, body, out any) error {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("X-Request-ID", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Bootstrap connects the wallet (first call) or refreshes the account.
func (c *Client) Bootstrap(ctx context.Context) (account.Account, error) {
	var resp struct {
		Account account.Account `json:"account"`
	}
	err := c.doRequest(ctx, http.MethodPost, "/v1/bootstrap", nil, &resp)
	return resp.Account, err
}

// SetRegistry binds the registry address. With deployed set and no
// address, the artifact's address for the connected network is used.
func (c *Client) SetRegistry(ctx context.Context, address string, deployed bool) (engine.State, error) {
	var st engine.State
	body := map[string]any{"address": address, "deployed": deployed}
	err := c.doRequest(ctx, http.MethodPut, "/v1/registry", body, &st)
	return st, err
}

// LoadOffers rebuilds the catalog.
func (c *Client) LoadOffers(ctx context.Context) (catalog.Snapshot, error) {
	var snap catalog.Snapshot
	err := c.doRequest(ctx, http.MethodPost, "/v1/offers/load", nil, &snap)
	return snap, err
}

// SelectOffer sets the offer of the next subscription.
func (c *Client) SelectOffer(ctx context.Context, index int64) error {
	return c.doRequest(ctx, http.MethodPut, "/v1/intent/offer", map[string]int64{"index": index}, nil)
}

// SetDuration sets the subscription length in minutes.
func (c *Client) SetDuration(ctx context.Context, minutes int64) error {
	return c.doRequest(ctx, http.MethodPut, "/v1/intent/duration", map[string]int64{"minutes": minutes}, nil)
}

// CreateSubscription submits the subscription described by the intent.
func (c *Client) CreateSubscription(ctx context.Context) (subscription.Pending, error) {
	var resp struct {
		Pending subscription.Pending `json:"pending"`
	}
	err := c.doRequest(ctx, http.MethodPost, "/v1/subscriptions", nil, &resp)
	return resp.Pending, err
}

// GetState returns the full engine state.
func (c *Client) GetState(ctx context.Context) (engine.State, error) {
	var st engine.State
	err := c.doRequest(ctx, http.MethodGet, "/v1/state", nil, &st)
	return st, err
}
