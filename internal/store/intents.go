package store

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	tokenerrors "github.com/postylabs/tokencore/internal/errors"
	"github.com/postylabs/tokencore/internal/ledger"
	"github.com/postylabs/tokencore/internal/remote"
	"github.com/postylabs/tokencore/internal/reset"
	"github.com/postylabs/tokencore/internal/subscription"
)

// RemoteCredit is a balance grant originating from the remote authority,
// replayed additively on top of the local state.
type RemoteCredit struct {
	EventID string
	Amount  uint64
	Bucket  ledger.Bucket
	Reason  string
}

// RemoteChange carries one remote-origin update. Subscription status is
// authoritative and overwrites; credits replay additively so offline
// local debits are never erased.
type RemoteChange struct {
	Subscription *remote.SubscriptionStatus
	Credit       *RemoteCredit
}

// RequestDebit spends tokens from the free bucket first, then the
// purchased bucket. Insufficient balance is a recoverable error.
func (s *Store) RequestDebit(ctx context.Context, amount uint64, reason string) (StateView, error) {
	var (
		view StateView
		derr error
	)
	err := s.do(ctx, func() {
		txs := s.repairDrift()
		next, tx, err := s.balance.Debit(amount, reason, s.sub.Unlimited(), s.nowFn())
		if err != nil {
			s.metrics.RecordMutationError(string(tokenerrors.ErrorTypeBalance))
			derr = err
			view = s.rejectAfterRepair(txs)
			return
		}
		s.balance = next
		s.history.Append(tx)
		view = s.commit("debit", SourceLocal, append(txs, tx)).View
	})
	if err != nil {
		return StateView{}, err
	}
	return view, derr
}

// RequestCredit adds tokens to a bucket. Free-bucket credits are earn
// rewards and must pass the abuse guard; purchased-bucket credits are
// store purchases and bypass it.
func (s *Store) RequestCredit(ctx context.Context, amount uint64, bucket ledger.Bucket, reason string) (StateView, error) {
	var (
		view StateView
		cerr error
	)
	err := s.do(ctx, func() {
		now := s.nowFn()
		if bucket == ledger.BucketFree && s.guard != nil {
			if gerr := s.guard.CheckEarn(reason, now); gerr != nil {
				s.metrics.RecordGuardRejection(reason)
				s.metrics.RecordMutationError(string(tokenerrors.ErrorTypeValidation))
				cerr = gerr
				view = s.view()
				return
			}
		}
		txs := s.repairDrift()
		next, tx := s.balance.Credit(amount, bucket, reason, s.sub.Unlimited(), now)
		s.balance = next
		s.history.Append(tx)
		view = s.commit("credit", SourceLocal, append(txs, tx)).View
	})
	if err != nil {
		return StateView{}, err
	}
	return view, cerr
}

// RequestUpgrade moves the subscription to a higher tier. When a receipt
// is supplied and a remote client is configured, the backend must confirm
// the purchase first and its answer overrides the requested terms.
// Without a remote client the upgrade applies locally.
func (s *Store) RequestUpgrade(ctx context.Context, req UpgradeRequest) (StateView, error) {
	tier, expiresAt, autoRenew := req.Tier, req.ExpiresAt, req.AutoRenew

	if req.Receipt != "" && s.remote.Enabled() {
		status, err := s.remote.VerifyReceipt(ctx, req.Receipt)
		if err != nil {
			return StateView{}, err
		}
		if !status.IsActive {
			return StateView{}, tokenerrors.NewLedgerError(tokenerrors.ErrorTypeValidation,
				"request_upgrade", string(req.Tier),
				fmt.Errorf("%w: receipt does not grant an active plan", tokenerrors.ErrInvalidInput))
		}
		tier = status.Plan
		expiresAt = status.ExpiresAt
		autoRenew = status.AutoRenew
	}

	var (
		view StateView
		uerr error
	)
	err := s.do(ctx, func() {
		txs := s.repairDrift()
		nextSub, grant, err := s.sub.Upgrade(tier, expiresAt, autoRenew)
		if err != nil {
			s.metrics.RecordMutationError(string(tokenerrors.ErrorTypeDowngrade))
			uerr = err
			view = s.rejectAfterRepair(txs)
			return
		}
		s.sub = nextSub
		txs = append(txs, s.applyGrant(grant)...)
		view = s.commit("upgrade", SourceLocal, txs).View
	})
	if err != nil {
		return StateView{}, err
	}
	return view, uerr
}

// UpgradeRequest is the input to RequestUpgrade. Receipt is optional.
type UpgradeRequest struct {
	Tier      subscription.Tier
	ExpiresAt *time.Time
	AutoRenew bool
	Receipt   string
}

// applyGrant credits an upgrade bonus. Loop goroutine only.
func (s *Store) applyGrant(grant subscription.Grant) []ledger.Transaction {
	now := s.nowFn()
	if grant.Unlimited {
		s.balance = s.balance.WithUnlimited()
		tx := ledger.NewResetTransaction(0, s.balance.CurrentTotal, grant.Description, now)
		s.history.Append(tx)
		return []ledger.Transaction{tx}
	}
	if grant.Amount == 0 {
		return nil
	}
	next, tx := s.balance.Credit(grant.Amount, ledger.BucketPurchased, grant.Description, false, now)
	s.balance = next
	s.history.Append(tx)
	return []ledger.Transaction{tx}
}

// RequestCancelAutoRenew turns off renewal. The tier and remaining paid
// period are untouched; expiry later downgrades the plan.
func (s *Store) RequestCancelAutoRenew(ctx context.Context) (StateView, error) {
	var view StateView
	err := s.do(ctx, func() {
		s.sub = s.sub.CancelAutoRenew()
		view = s.commit("cancel_auto_renew", SourceLocal, nil).View
	})
	if err != nil {
		return StateView{}, err
	}
	return view, nil
}

// RestorePurchases asks the remote authority for the user's plan and
// applies it as a remote-origin change. An inactive or absent remote
// subscription restores nothing.
func (s *Store) RestorePurchases(ctx context.Context) (StateView, error) {
	if !s.remote.Enabled() {
		return s.State(ctx)
	}
	status, err := s.remote.GetSubscriptionStatus(ctx)
	if err != nil {
		return StateView{}, err
	}
	if !status.IsActive {
		log.Info().Msg("No active remote subscription to restore")
		return s.State(ctx)
	}
	return s.ApplyRemote(ctx, RemoteChange{Subscription: status})
}

// ApplyRemote replays a remote-origin change through the same mutators as
// local intents. The remote source tag tells the sync subscriber not to
// push the change back out.
func (s *Store) ApplyRemote(ctx context.Context, change RemoteChange) (StateView, error) {
	var view StateView
	err := s.do(ctx, func() {
		now := s.nowFn()
		txs := s.repairDrift()

		if status := change.Subscription; status != nil {
			// The backend validated the receipt; its word on the plan is
			// final, downgrades included.
			s.sub = subscription.State{
				PlanTier:  status.Plan,
				Status:    subscription.StatusActive,
				ExpiresAt: status.ExpiresAt,
				AutoRenew: status.AutoRenew,
			}
			switch {
			case !status.IsActive:
				// Lapsed upstream: same downgrade the local expiry
				// check applies, free bucket included.
				s.sub = s.sub.Expire()
				s.balance.FreeTokens = ledger.DefaultFreeTokens
				s.balance = s.balance.Recompute()
				tx := ledger.NewResetTransaction(0, s.balance.CurrentTotal,
					"subscription expired, reverted to free tier", now)
				s.history.Append(tx)
				txs = append(txs, tx)
			case s.sub.Unlimited():
				s.balance = s.balance.WithUnlimited()
			default:
				s.balance = s.balance.Recompute()
			}
		}

		if credit := change.Credit; credit != nil {
			next, tx := s.balance.Credit(credit.Amount, credit.Bucket, credit.Reason, s.sub.Unlimited(), now)
			s.balance = next
			s.history.Append(tx)
			txs = append(txs, tx)
		}

		view = s.commit("remote_update", SourceRemote, txs).View
	})
	if err != nil {
		return StateView{}, err
	}
	return view, nil
}

// CheckResets applies any daily or monthly reset that has come due. Safe
// to call arbitrarily often; a same-day repeat is a no-op.
func (s *Store) CheckResets(ctx context.Context) (StateView, error) {
	var view StateView
	err := s.do(ctx, func() {
		now := s.nowFn()
		res := reset.Apply(s.balance, s.sub, now)
		if !res.Changed {
			view = s.view()
			return
		}
		monthly := !res.Balance.LastMonthlyReset.Equal(s.balance.LastMonthlyReset)
		s.balance = res.Balance
		s.sub = res.Subscription
		for _, tx := range res.Transactions {
			s.history.Append(tx)
		}
		s.metrics.RecordReset("daily")
		if monthly {
			s.metrics.RecordReset("monthly")
		}
		view = s.commit("reset", SourceLocal, res.Transactions).View
	})
	if err != nil {
		return StateView{}, err
	}
	return view, nil
}

// Logout wipes all persisted state and resets the in-memory ledger to
// first-run defaults.
func (s *Store) Logout(ctx context.Context) (StateView, error) {
	var view StateView
	err := s.do(ctx, func() {
		if werr := s.integ.Wipe(); werr != nil {
			log.Error().Err(werr).Msg("Failed to wipe persisted state on logout")
		}
		if s.guard != nil {
			s.guard.Reset()
		}
		s.resetToDefaults(s.nowFn())
		ev := Event{Kind: "logout", Source: SourceLocal, View: s.view()}
		s.publish(ev)
		view = ev.View
	})
	if err != nil {
		return StateView{}, err
	}
	return view, nil
}

// State returns the current snapshot.
func (s *Store) State(ctx context.Context) (StateView, error) {
	var view StateView
	err := s.do(ctx, func() { view = s.view() })
	if err != nil {
		return StateView{}, err
	}
	return view, nil
}

// Transactions returns the capped history, newest first.
func (s *Store) Transactions(ctx context.Context) ([]ledger.Transaction, error) {
	var entries []ledger.Transaction
	err := s.do(ctx, func() { entries = s.history.Entries() })
	if err != nil {
		return nil, err
	}
	return entries, nil
}
