package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/postylabs/tokencore/internal/ledger"
	"github.com/postylabs/tokencore/internal/remote"
	"github.com/postylabs/tokencore/internal/store"
	"github.com/postylabs/tokencore/internal/subscription"
)

func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"observers": r.observerCount(),
	})
}

func (r *Router) observerCount() int {
	if r.wsHub == nil {
		return 0
	}
	return r.wsHub.ClientCount()
}

func (r *Router) handleState(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	view, err := r.store.State(req.Context())
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStateResponse(view))
}

func (r *Router) handleTransactions(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	txs, err := r.store.Transactions(req.Context())
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	if txs == nil {
		txs = []ledger.Transaction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

type debitRequest struct {
	Amount uint64 `json:"amount"`
	Reason string `json:"reason"`
}

func (r *Router) handleDebit(w http.ResponseWriter, req *http.Request) {
	var body debitRequest
	if !decodeIntent(w, req, &body) {
		return
	}
	if body.Amount == 0 || body.Reason == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation", "amount and reason are required")
		return
	}
	view, err := r.store.RequestDebit(req.Context(), body.Amount, body.Reason)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStateResponse(view))
}

type creditRequest struct {
	Amount uint64        `json:"amount"`
	Bucket ledger.Bucket `json:"bucket"`
	Reason string        `json:"reason"`
}

func (r *Router) handleCredit(w http.ResponseWriter, req *http.Request) {
	var body creditRequest
	if !decodeIntent(w, req, &body) {
		return
	}
	if body.Amount == 0 || body.Reason == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation", "amount and reason are required")
		return
	}
	if body.Bucket != ledger.BucketFree && body.Bucket != ledger.BucketPurchased {
		writeError(w, http.StatusUnprocessableEntity, "validation", "bucket must be free or purchased")
		return
	}
	view, err := r.store.RequestCredit(req.Context(), body.Amount, body.Bucket, body.Reason)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStateResponse(view))
}

type upgradeRequest struct {
	Tier      subscription.Tier `json:"tier"`
	ExpiresAt *time.Time        `json:"expiresAt"`
	AutoRenew bool              `json:"autoRenew"`
	Receipt   string            `json:"receipt"`
}

func (r *Router) handleUpgrade(w http.ResponseWriter, req *http.Request) {
	var body upgradeRequest
	if !decodeIntent(w, req, &body) {
		return
	}
	if !body.Tier.Valid() {
		writeError(w, http.StatusUnprocessableEntity, "validation", "unknown tier")
		return
	}
	view, err := r.store.RequestUpgrade(req.Context(), store.UpgradeRequest{
		Tier:      body.Tier,
		ExpiresAt: body.ExpiresAt,
		AutoRenew: body.AutoRenew,
		Receipt:   body.Receipt,
	})
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStateResponse(view))
}

func (r *Router) handleCancelAutoRenew(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	view, err := r.store.RequestCancelAutoRenew(req.Context())
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStateResponse(view))
}

func (r *Router) handleRestore(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	view, err := r.store.RestorePurchases(req.Context())
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toStateResponse(view))
}

type remoteCreditPayload struct {
	Amount uint64        `json:"amount"`
	Bucket ledger.Bucket `json:"bucket"`
	Reason string        `json:"reason"`
}

type remoteEventRequest struct {
	EventID      string                     `json:"eventId"`
	Subscription *remote.SubscriptionStatus `json:"subscription"`
	Credit       *remoteCreditPayload       `json:"credit"`
}

type remoteEventResponse struct {
	Applied bool          `json:"applied"`
	State   stateResponse `json:"state"`
}

// handleRemoteEvent ingests a change pushed by the remote authority.
// Replays of an already-seen event id report applied=false.
func (r *Router) handleRemoteEvent(w http.ResponseWriter, req *http.Request) {
	var body remoteEventRequest
	if !decodeIntent(w, req, &body) {
		return
	}
	if body.EventID == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation", "eventId is required")
		return
	}
	if body.Subscription == nil && body.Credit == nil {
		writeError(w, http.StatusUnprocessableEntity, "validation", "event carries no subscription or credit change")
		return
	}

	change := store.RemoteChange{Subscription: body.Subscription}
	if body.Credit != nil {
		if body.Credit.Amount == 0 {
			writeError(w, http.StatusUnprocessableEntity, "validation", "credit amount is required")
			return
		}
		bucket := body.Credit.Bucket
		if bucket == "" {
			bucket = ledger.BucketPurchased
		}
		if bucket != ledger.BucketFree && bucket != ledger.BucketPurchased {
			writeError(w, http.StatusUnprocessableEntity, "validation", "bucket must be free or purchased")
			return
		}
		change.Credit = &store.RemoteCredit{
			EventID: body.EventID,
			Amount:  body.Credit.Amount,
			Bucket:  bucket,
			Reason:  body.Credit.Reason,
		}
	}

	view, applied, err := r.applier.ApplyRemoteEvent(req.Context(), body.EventID, change)
	if err != nil {
		writeLedgerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, remoteEventResponse{Applied: applied, State: toStateResponse(view)})
}

// decodeIntent enforces POST with a JSON body. Returns false after
// writing the error response.
func decodeIntent(w http.ResponseWriter, req *http.Request, out any) bool {
	if req.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return false
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, 1<<16)).Decode(out); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation", "malformed request body")
		return false
	}
	return true
}
