package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tokenerrors "github.com/postylabs/tokencore/internal/errors"
	"github.com/postylabs/tokencore/internal/subscription"
)

func TestGetSubscriptionStatus(t *testing.T) {
	expires := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/subscription/user-42", r.URL.Path)
		assert.Equal(t, "Bearer sekrit", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(SubscriptionStatus{
			Plan:      subscription.TierPremium,
			ExpiresAt: &expires,
			AutoRenew: true,
			IsActive:  true,
		})
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL, APIKey: "sekrit", UserID: "user-42"})
	status, err := c.GetSubscriptionStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, subscription.TierPremium, status.Plan)
	assert.True(t, status.IsActive)
	require.NotNil(t, status.ExpiresAt)
	assert.True(t, status.ExpiresAt.Equal(expires))
}

func TestVerifyReceipt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/receipts/verify", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "receipt-data", body["receipt"])
		assert.Equal(t, "user-42", body["userId"])
		json.NewEncoder(w).Encode(SubscriptionStatus{Plan: subscription.TierStarter, IsActive: true})
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL, UserID: "user-42"})
	status, err := c.VerifyReceipt(context.Background(), "receipt-data")
	require.NoError(t, err)
	assert.Equal(t, subscription.TierStarter, status.Plan)
}

func TestSyncUsage_DeduplicatedByTransactionID(t *testing.T) {
	seen := map[string]bool{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var delta UsageDelta
		require.NoError(t, json.NewDecoder(r.Body).Decode(&delta))
		dup := seen[delta.TransactionID]
		seen[delta.TransactionID] = true
		json.NewEncoder(w).Encode(SyncAck{Accepted: true, Duplicate: dup})
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL, UserID: "user-42"})
	delta := UsageDelta{TransactionID: "01J000TX", Kind: "use", Amount: -3, Reason: "generate"}

	ack, err := c.SyncUsage(context.Background(), delta)
	require.NoError(t, err)
	assert.False(t, ack.Duplicate)

	ack, err = c.SyncUsage(context.Background(), delta)
	require.NoError(t, err)
	assert.True(t, ack.Duplicate)
}

func TestErrors_NetworkVsValidation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/usage":
			w.WriteHeader(http.StatusBadGateway)
		default:
			http.Error(w, "unknown user", http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL, UserID: "user-42"})

	_, err := c.SyncUsage(context.Background(), UsageDelta{TransactionID: "x"})
	require.Error(t, err)
	assert.True(t, tokenerrors.IsRetryableError(err), "5xx should be retryable")

	_, err = c.GetSubscriptionStatus(context.Background())
	require.Error(t, err)
	assert.False(t, tokenerrors.IsRetryableError(err), "4xx should not be retried")
}

func TestErrors_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c := NewClient(ClientConfig{BaseURL: srv.URL, UserID: "user-42", Timeout: time.Second})
	_, err := c.GetSubscriptionStatus(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, tokenerrors.ErrNetworkUnavailable)
}

func TestNewClient_OfflineMode(t *testing.T) {
	c := NewClient(ClientConfig{})
	assert.False(t, c.Enabled())
}
