// Package remote talks to the subscription and purchase backend. The
// backend is authoritative for subscription status; balances are only
// reported to it as usage deltas.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	tokenerrors "github.com/postylabs/tokencore/internal/errors"
	"github.com/postylabs/tokencore/internal/subscription"
)

// ClientConfig configures the remote authority client.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	UserID  string
	Timeout time.Duration
}

// Client is an HTTP client for the remote authority. A nil *Client means
// the process runs in offline dev mode; callers must check Enabled.
type Client struct {
	baseURL    string
	apiKey     string
	userID     string
	httpClient *http.Client
}

// SubscriptionStatus is the backend's view of one user's plan.
type SubscriptionStatus struct {
	Plan      subscription.Tier `json:"plan"`
	ExpiresAt *time.Time        `json:"expiresAt"`
	AutoRenew bool              `json:"autoRenew"`
	IsActive  bool              `json:"isActive"`
}

// UsageDelta is one locally committed change reported to the backend.
// TransactionID doubles as the idempotency key; the backend must treat a
// replayed id as a no-op.
type UsageDelta struct {
	TransactionID string    `json:"transactionId"`
	Kind          string    `json:"kind"`
	Amount        int64     `json:"amount"`
	Reason        string    `json:"reason"`
	BalanceAfter  uint64    `json:"balanceAfter"`
	Timestamp     time.Time `json:"timestamp"`
}

// SyncAck acknowledges a pushed usage delta.
type SyncAck struct {
	Accepted  bool `json:"accepted"`
	Duplicate bool `json:"duplicate"`
}

// NewClient builds a client, or nil when no base URL is configured.
func NewClient(cfg ClientConfig) *Client {
	if cfg.BaseURL == "" {
		return nil
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		userID:     cfg.UserID,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Enabled reports whether a backend is configured.
func (c *Client) Enabled() bool {
	return c != nil
}

// GetSubscriptionStatus fetches the authoritative plan for the configured
// user.
func (c *Client) GetSubscriptionStatus(ctx context.Context) (*SubscriptionStatus, error) {
	var status SubscriptionStatus
	if err := c.doJSON(ctx, http.MethodGet, "/v1/subscription/"+c.userID, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// VerifyReceipt submits a store purchase receipt and returns the plan the
// backend grants for it.
func (c *Client) VerifyReceipt(ctx context.Context, receipt string) (*SubscriptionStatus, error) {
	body := map[string]string{"userId": c.userID, "receipt": receipt}
	var status SubscriptionStatus
	if err := c.doJSON(ctx, http.MethodPost, "/v1/receipts/verify", body, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// SyncUsage reports one usage delta. Safe to retry: the backend
// deduplicates on TransactionID.
func (c *Client) SyncUsage(ctx context.Context, delta UsageDelta) (*SyncAck, error) {
	var ack SyncAck
	if err := c.doJSON(ctx, http.MethodPost, "/v1/usage", delta, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return tokenerrors.WrapNetworkError(method+" "+path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		// Server trouble is transient from this client's perspective.
		return tokenerrors.WrapNetworkError(method+" "+path,
			fmt.Errorf("remote authority returned %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return tokenerrors.NewLedgerError(tokenerrors.ErrorTypeValidation, method+" "+path, "",
			fmt.Errorf("%w: remote authority rejected request (%d): %s",
				tokenerrors.ErrInvalidInput, resp.StatusCode, string(msg)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return tokenerrors.WrapNetworkError(method+" "+path,
				fmt.Errorf("decode response: %w", err))
		}
	}
	return nil
}
