package subscription

import (
	"errors"
	"testing"
	"time"

	tokenerrors "github.com/postylabs/tokencore/internal/errors"
)

func expiry(t time.Time) *time.Time { return &t }

func TestUpgrade_Monotonicity(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	s := NewState()
	s, grant, err := s.Upgrade(TierPremium, expiry(now.AddDate(0, 1, 0)), true)
	if err != nil {
		t.Fatalf("free->premium failed: %v", err)
	}
	if s.PlanTier != TierPremium || s.Status != StatusActive {
		t.Fatalf("unexpected state: %+v", s)
	}
	if grant.Amount != 500 || grant.Unlimited {
		t.Fatalf("premium bonus = %+v, want +500 purchased", grant)
	}

	_, _, err = s.Upgrade(TierStarter, nil, true)
	if !errors.Is(err, tokenerrors.ErrDowngradeNotAllowed) {
		t.Fatalf("premium->starter must be rejected, got %v", err)
	}
}

func TestUpgrade_Grants(t *testing.T) {
	tests := []struct {
		name          string
		from          Tier
		to            Tier
		wantAmount    uint64
		wantUnlimited bool
		wantErr       bool
	}{
		{name: "free_to_starter", from: TierFree, to: TierStarter, wantAmount: 300},
		{name: "free_to_premium", from: TierFree, to: TierPremium, wantAmount: 500},
		{name: "free_to_pro", from: TierFree, to: TierPro, wantUnlimited: true},
		{name: "starter_to_premium", from: TierStarter, to: TierPremium, wantAmount: 500},
		{name: "same_tier_renewal_no_bonus", from: TierPremium, to: TierPremium, wantAmount: 0},
		{name: "pro_to_premium_rejected", from: TierPro, to: TierPremium, wantErr: true},
		{name: "unknown_tier_rejected", from: TierFree, to: Tier("platinum"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := State{PlanTier: tt.from, Status: StatusActive}
			next, grant, err := s.Upgrade(tt.to, nil, true)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected rejection, got %+v", next)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if next.PlanTier != tt.to {
				t.Fatalf("tier = %s, want %s", next.PlanTier, tt.to)
			}
			if grant.Amount != tt.wantAmount || grant.Unlimited != tt.wantUnlimited {
				t.Fatalf("grant = %+v, want amount=%d unlimited=%v", grant, tt.wantAmount, tt.wantUnlimited)
			}
		})
	}
}

func TestCancelAutoRenew_KeepsTierAndExpiry(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	exp := expiry(now.AddDate(0, 1, 0))

	s := State{PlanTier: TierPremium, Status: StatusActive, ExpiresAt: exp, AutoRenew: true}
	next := s.CancelAutoRenew()

	if next.AutoRenew {
		t.Fatal("auto-renew still set")
	}
	if next.PlanTier != TierPremium || next.ExpiresAt != exp {
		t.Fatalf("tier or expiry changed: %+v", next)
	}
	if next.Status != StatusCancelled {
		t.Fatalf("status = %s, want %s", next.Status, StatusCancelled)
	}
}

func TestExpire(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	s := State{PlanTier: TierPro, Status: StatusActive, ExpiresAt: expiry(now.Add(-time.Hour)), AutoRenew: false}
	if !s.Expired(now) {
		t.Fatal("subscription past its expiry must report Expired")
	}

	next := s.Expire()
	if next.PlanTier != TierFree || next.Status != StatusExpired {
		t.Fatalf("unexpected state after expire: %+v", next)
	}
	if next.ExpiresAt != nil || next.AutoRenew {
		t.Fatalf("expiry metadata must be cleared: %+v", next)
	}
}

func TestExpired_EdgeCases(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		s    State
		want bool
	}{
		{name: "free_never_expires", s: State{PlanTier: TierFree}, want: false},
		{name: "no_expiry_set", s: State{PlanTier: TierPro}, want: false},
		{name: "not_yet_expired", s: State{PlanTier: TierPro, ExpiresAt: expiry(now.Add(time.Hour))}, want: false},
		{name: "past_expiry", s: State{PlanTier: TierStarter, ExpiresAt: expiry(now.Add(-time.Minute))}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.s.Expired(now); got != tt.want {
				t.Fatalf("Expired = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPlanSpecs(t *testing.T) {
	if !SpecFor(TierPro).Unlimited {
		t.Fatal("pro must be unlimited")
	}
	if SpecFor(TierFree).DailyAdditive {
		t.Fatal("free daily reset must overwrite, not add")
	}
	if SpecFor(TierStarter).MonthlyTokens != 200 || SpecFor(TierPremium).MonthlyTokens != 500 {
		t.Fatal("monthly grant amounts wrong")
	}
	// Unknown tiers degrade to Free economics.
	if SpecFor(Tier("bogus")).Tier != TierFree {
		t.Fatal("unknown tier must fall back to free")
	}
}
