// Package api exposes the intent surface over HTTP: UI layers post
// intents and read state; websocket observers stream committed changes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	tokenerrors "github.com/postylabs/tokencore/internal/errors"
	"github.com/postylabs/tokencore/internal/hub"
	"github.com/postylabs/tokencore/internal/ledger"
	"github.com/postylabs/tokencore/internal/logging"
	"github.com/postylabs/tokencore/internal/store"
	"github.com/postylabs/tokencore/internal/subscription"
)

// RemoteApplier replays inbound authority events, deduplicating by
// event id.
type RemoteApplier interface {
	ApplyRemoteEvent(ctx context.Context, eventID string, change store.RemoteChange) (store.StateView, bool, error)
}

// Router handles HTTP routing for the intent surface.
type Router struct {
	mux     *http.ServeMux
	store   *store.Store
	wsHub   *hub.Hub
	applier RemoteApplier
	limiter *RateLimiter
}

// NewRouter builds the HTTP handler. wsHub and applier may be nil in
// tests; a nil applier disables the remote events endpoint.
func NewRouter(st *store.Store, wsHub *hub.Hub, applier RemoteApplier) http.Handler {
	r := &Router{
		mux:     http.NewServeMux(),
		store:   st,
		wsHub:   wsHub,
		applier: applier,
		limiter: NewRateLimiter(60, time.Minute),
	}
	r.setupRoutes()
	return r
}

func (r *Router) setupRoutes() {
	r.mux.HandleFunc("/healthz", r.handleHealth)
	r.mux.HandleFunc("/api/state", r.handleState)
	r.mux.HandleFunc("/api/transactions", r.handleTransactions)
	r.mux.HandleFunc("/api/debit", r.limiter.Middleware(r.handleDebit))
	r.mux.HandleFunc("/api/credit", r.limiter.Middleware(r.handleCredit))
	r.mux.HandleFunc("/api/upgrade", r.limiter.Middleware(r.handleUpgrade))
	r.mux.HandleFunc("/api/cancel-auto-renew", r.limiter.Middleware(r.handleCancelAutoRenew))
	r.mux.HandleFunc("/api/restore", r.limiter.Middleware(r.handleRestore))
	if r.applier != nil {
		r.mux.HandleFunc("/api/remote/events", r.handleRemoteEvent)
	}
	if r.wsHub != nil {
		r.mux.HandleFunc("/ws", r.wsHub.HandleWebSocket)
	}
}

func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ctx, requestID := logging.WithRequestID(req.Context(), req.Header.Get("X-Request-ID"))
	w.Header().Set("X-Request-ID", requestID)
	r.mux.ServeHTTP(w, req.WithContext(ctx))
}

type stateResponse struct {
	Balance               ledger.Balance     `json:"balance"`
	Subscription          subscription.State `json:"subscription"`
	Unlimited             bool               `json:"unlimited"`
	NeedsRemoteValidation bool               `json:"needsRemoteValidation"`
}

func toStateResponse(view store.StateView) stateResponse {
	return stateResponse{
		Balance:               view.Balance,
		Subscription:          view.Subscription,
		Unlimited:             view.Unlimited,
		NeedsRemoteValidation: view.NeedsRemoteValidation,
	}
}

type errorResponse struct {
	Error string `json:"error"`
	Type  string `json:"type"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, errType, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Type: errType})
}

// writeLedgerError maps domain errors onto HTTP statuses. Recoverable
// outcomes are conflict or validation responses the UI acts on; transport
// failures degrade to 503 rather than crashing the surface.
func writeLedgerError(w http.ResponseWriter, err error) {
	var ledErr *tokenerrors.LedgerError
	errType := string(tokenerrors.ErrorTypeInternal)
	if errors.As(err, &ledErr) {
		errType = string(ledErr.Type)
	}

	switch {
	case tokenerrors.IsRecoverableError(err):
		writeError(w, http.StatusConflict, errType, err.Error())
	case errors.Is(err, tokenerrors.ErrInvalidInput):
		writeError(w, http.StatusUnprocessableEntity, errType, err.Error())
	case errors.Is(err, tokenerrors.ErrNetworkUnavailable):
		writeError(w, http.StatusServiceUnavailable, errType, "remote authority unreachable, retry later")
	default:
		log.Error().Err(err).Msg("Intent failed")
		writeError(w, http.StatusInternalServerError, errType, "internal error")
	}
}
