package ledger

import (
	"fmt"
	"time"

	tokenerrors "github.com/postylabs/tokencore/internal/errors"
)

const (
	// DefaultFreeTokens is the free-bucket allotment granted on first run
	// and restored by the Free-tier daily reset.
	DefaultFreeTokens uint64 = 10

	// UnlimitedTotal is the sentinel total reported while the unlimited
	// tier is active. The balance invariant does not apply to it.
	UnlimitedTotal uint64 = 9999

	// BucketCeiling caps each bucket so repeated credits cannot overflow.
	BucketCeiling uint64 = 1_000_000
)

// Bucket identifies a sub-pool of tokens with independent reset semantics.
type Bucket string

const (
	BucketFree      Bucket = "free"
	BucketPurchased Bucket = "purchased"
)

// Balance holds the spendable token state for one installed instance.
// All mutations are pure: methods return the next state and leave the
// receiver untouched, so callers control commit and persistence.
type Balance struct {
	FreeTokens       uint64    `json:"free_tokens"`
	PurchasedTokens  uint64    `json:"purchased_tokens"`
	CurrentTotal     uint64    `json:"current_total"`
	LastResetDate    time.Time `json:"last_reset_date"`
	LastMonthlyReset time.Time `json:"last_monthly_reset,omitempty"`
}

// NewBalance returns the first-run default balance.
func NewBalance(now time.Time) Balance {
	return Balance{
		FreeTokens:      DefaultFreeTokens,
		PurchasedTokens: 0,
		CurrentTotal:    DefaultFreeTokens,
		LastResetDate:   now,
	}
}

// Recompute returns the balance with CurrentTotal derived from the buckets.
func (b Balance) Recompute() Balance {
	b.CurrentTotal = b.FreeTokens + b.PurchasedTokens
	return b
}

// WithUnlimited returns the balance with the unlimited sentinel asserted.
// Bucket contents are preserved so a later expiry can restore them.
func (b Balance) WithUnlimited() Balance {
	b.CurrentTotal = UnlimitedTotal
	return b
}

// CheckInvariant verifies currentTotal == freeTokens + purchasedTokens.
// The unlimited sentinel is exempt. A violation is a corruption signal
// for drift repair, never a user-facing error.
func (b Balance) CheckInvariant(unlimited bool) error {
	if unlimited {
		return nil
	}
	if b.CurrentTotal != b.FreeTokens+b.PurchasedTokens {
		return tokenerrors.NewLedgerError(tokenerrors.ErrorTypeDrift, "check_invariant", "",
			fmt.Errorf("%w: total=%d free=%d purchased=%d",
				tokenerrors.ErrDriftDetected, b.CurrentTotal, b.FreeTokens, b.PurchasedTokens))
	}
	return nil
}

// Debit spends amount tokens, free bucket first, then purchased for any
// remainder. Free tokens are forfeited at the next reset so they are spent
// first. On the unlimited tier the debit is a recorded no-op.
func (b Balance) Debit(amount uint64, reason string, unlimited bool, now time.Time) (Balance, Transaction, error) {
	if unlimited {
		next := b.WithUnlimited()
		// Amount logged as 0 keeps the audit trail continuous without
		// pretending the sentinel was decremented.
		return next, newTransaction(KindUse, 0, next.CurrentTotal, reason, now), nil
	}

	if b.CurrentTotal < amount {
		return b, Transaction{}, tokenerrors.WrapInsufficientBalance("debit", reason)
	}

	next := b
	if next.FreeTokens >= amount {
		next.FreeTokens -= amount
	} else {
		remainder := amount - next.FreeTokens
		next.FreeTokens = 0
		if remainder > next.PurchasedTokens {
			// Total covered the amount but the buckets do not: drift.
			// Spend what the purchased bucket holds and let the caller's
			// invariant re-check route the state through repair.
			next.PurchasedTokens = 0
		} else {
			next.PurchasedTokens -= remainder
		}
	}
	next = next.Recompute()

	return next, newTransaction(KindUse, -int64(amount), next.CurrentTotal, reason, now), nil
}

// Credit adds amount tokens to the given bucket. It always succeeds,
// saturating at BucketCeiling.
func (b Balance) Credit(amount uint64, bucket Bucket, reason string, unlimited bool, now time.Time) (Balance, Transaction) {
	next := b
	switch bucket {
	case BucketPurchased:
		next.PurchasedTokens = saturatingAdd(next.PurchasedTokens, amount)
	default:
		next.FreeTokens = saturatingAdd(next.FreeTokens, amount)
	}
	if unlimited {
		next = next.WithUnlimited()
	} else {
		next = next.Recompute()
	}

	kind := KindEarn
	if bucket == BucketPurchased {
		kind = KindPurchase
	}
	return next, newTransaction(kind, int64(amount), next.CurrentTotal, reason, now)
}

// RepairDrift recomputes the free bucket from the recorded total so the
// invariant holds again: freeTokens = max(0, currentTotal - purchasedTokens).
// The repair is reported as a Reset-kind transaction; it is never silent.
func (b Balance) RepairDrift(now time.Time) (Balance, Transaction) {
	next := b
	if next.CurrentTotal > next.PurchasedTokens {
		next.FreeTokens = next.CurrentTotal - next.PurchasedTokens
	} else {
		next.FreeTokens = 0
	}
	next = next.Recompute()

	desc := fmt.Sprintf("drift repair: free recomputed to %d", next.FreeTokens)
	return next, newTransaction(KindReset, 0, next.CurrentTotal, desc, now)
}

func saturatingAdd(current, amount uint64) uint64 {
	if current >= BucketCeiling || amount >= BucketCeiling-current {
		return BucketCeiling
	}
	return current + amount
}
