package subscription

import (
	"time"

	tokenerrors "github.com/postylabs/tokencore/internal/errors"
)

// State holds the subscription for one installed instance. Mutations are
// pure: methods return the next state, the caller commits it.
type State struct {
	PlanTier  Tier       `json:"plan_tier"`
	Status    Status     `json:"status"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	AutoRenew bool       `json:"auto_renew"`
}

// NewState returns the default Free/Active subscription.
func NewState() State {
	return State{
		PlanTier: TierFree,
		Status:   StatusActive,
	}
}

// Grant describes the ledger credit produced by a successful upgrade.
type Grant struct {
	// Amount is the one-time purchased-bucket bonus. Zero when the target
	// tier is unlimited or the tier did not actually increase.
	Amount uint64

	// Unlimited is set when the new tier asserts the unlimited sentinel.
	Unlimited bool

	Description string
}

// Upgrade transitions to a tier of equal or greater power. A lower-power
// target is rejected with DowngradeNotAllowed: the product rule is cancel
// auto-renew and let the current tier expire naturally.
func (s State) Upgrade(newTier Tier, expiresAt *time.Time, autoRenew bool) (State, Grant, error) {
	if !newTier.Valid() {
		return s, Grant{}, tokenerrors.NewLedgerError(tokenerrors.ErrorTypeValidation, "upgrade", string(newTier), tokenerrors.ErrInvalidInput)
	}
	if newTier.Power() < s.PlanTier.Power() {
		return s, Grant{}, tokenerrors.WrapDowngrade("upgrade")
	}

	next := s
	tierIncreased := newTier.Power() > s.PlanTier.Power()
	next.PlanTier = newTier
	next.Status = StatusActive
	next.ExpiresAt = expiresAt
	next.AutoRenew = autoRenew

	spec := SpecFor(newTier)
	grant := Grant{Unlimited: spec.Unlimited}
	if tierIncreased && !spec.Unlimited && spec.UpgradeBonus > 0 {
		grant.Amount = spec.UpgradeBonus
		grant.Description = string(newTier) + " upgrade bonus"
	}
	return next, grant, nil
}

// CancelAutoRenew stops renewal only. Tier and expiry are untouched so the
// subscriber keeps the paid tier until natural expiry.
func (s State) CancelAutoRenew() State {
	next := s
	next.AutoRenew = false
	if next.PlanTier != TierFree {
		next.Status = StatusCancelled
	}
	return next
}

// Expired reports whether the subscription's expiry has passed.
func (s State) Expired(now time.Time) bool {
	return s.PlanTier != TierFree && s.ExpiresAt != nil && now.After(*s.ExpiresAt)
}

// Expire transitions a lapsed subscription back to the Free tier. The
// caller resets the free bucket to the Free daily allotment and leaves the
// purchased bucket untouched.
func (s State) Expire() State {
	next := s
	next.PlanTier = TierFree
	next.Status = StatusExpired
	next.ExpiresAt = nil
	next.AutoRenew = false
	return next
}

// Unlimited reports whether the active plan asserts the unlimited sentinel.
func (s State) Unlimited() bool {
	return SpecFor(s.PlanTier).Unlimited
}
