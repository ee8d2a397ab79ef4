package reset

import (
	"fmt"
	"time"

	"github.com/postylabs/tokencore/internal/ledger"
	"github.com/postylabs/tokencore/internal/subscription"
)

// dayKey collapses a timestamp to calendar-day granularity in device-local
// time. Comparing keys makes the reset idempotent within a day and folds a
// multi-day offline gap into exactly one reset.
func dayKey(t time.Time) string {
	return t.Local().Format("2006-01-02")
}

func monthKey(t time.Time) string {
	return t.Local().Format("2006-01")
}

// Result is the outcome of an Apply pass.
type Result struct {
	Balance      ledger.Balance
	Subscription subscription.State
	Transactions []ledger.Transaction
	Changed      bool
}

// Apply runs the expiry, daily, and monthly reset checks in order. It is
// safe to invoke arbitrarily often; a second call on the same calendar day
// returns the input unchanged.
func Apply(bal ledger.Balance, sub subscription.State, now time.Time) Result {
	res := Result{Balance: bal, Subscription: sub}

	res = applyExpiry(res, now)
	res = applyDaily(res, now)
	res = applyMonthly(res, now)
	return res
}

// applyExpiry lapses a subscription whose expiresAt has passed: tier drops
// to Free, the free bucket resets to the Free daily allotment, and the
// purchased bucket is left untouched.
func applyExpiry(res Result, now time.Time) Result {
	if !res.Subscription.Expired(now) {
		return res
	}

	res.Subscription = res.Subscription.Expire()
	res.Balance.FreeTokens = ledger.DefaultFreeTokens
	res.Balance = res.Balance.Recompute()
	res.Transactions = append(res.Transactions, ledger.NewResetTransaction(
		0, res.Balance.CurrentTotal, "subscription expired, reverted to free tier", now))
	res.Changed = true
	return res
}

func applyDaily(res Result, now time.Time) Result {
	if dayKey(res.Balance.LastResetDate) == dayKey(now) {
		return res
	}

	spec := subscription.SpecFor(res.Subscription.PlanTier)
	switch {
	case spec.Unlimited:
		res.Balance = res.Balance.WithUnlimited()
	case spec.DailyAdditive:
		res.Balance.FreeTokens = res.Balance.FreeTokens + spec.DailyTokens
		res.Balance = res.Balance.Recompute()
		res.Transactions = append(res.Transactions, ledger.NewEarnTransaction(
			int64(spec.DailyTokens), res.Balance.CurrentTotal,
			fmt.Sprintf("%s daily bonus", res.Subscription.PlanTier), now))
	default:
		// Free tier: unused free tokens are forfeited, never carried over.
		res.Balance.FreeTokens = spec.DailyTokens
		res.Balance = res.Balance.Recompute()
		res.Transactions = append(res.Transactions, ledger.NewResetTransaction(
			int64(spec.DailyTokens), res.Balance.CurrentTotal, "daily free tokens", now))
	}

	res.Balance.LastResetDate = now
	res.Changed = true
	return res
}

func applyMonthly(res Result, now time.Time) Result {
	spec := subscription.SpecFor(res.Subscription.PlanTier)
	if spec.MonthlyTokens == 0 {
		return res
	}
	if !res.Balance.LastMonthlyReset.IsZero() && monthKey(res.Balance.LastMonthlyReset) == monthKey(now) {
		return res
	}

	res.Balance.FreeTokens = spec.MonthlyTokens
	res.Balance = res.Balance.Recompute()
	res.Balance.LastMonthlyReset = now
	res.Transactions = append(res.Transactions, ledger.NewEarnTransaction(
		int64(spec.MonthlyTokens), res.Balance.CurrentTotal,
		fmt.Sprintf("%s monthly tokens", res.Subscription.PlanTier), now))
	res.Changed = true
	return res
}
