package reset

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/postylabs/tokencore/internal/ledger"
	"github.com/postylabs/tokencore/internal/subscription"
)

func day(d int) time.Time {
	return time.Date(2025, 6, d, 9, 0, 0, 0, time.Local)
}

func TestDailyReset_FreeNoCarryOver(t *testing.T) {
	bal := ledger.Balance{FreeTokens: 7, PurchasedTokens: 40, LastResetDate: day(14)}.Recompute()
	sub := subscription.NewState()

	res := Apply(bal, sub, day(15))
	if !res.Changed {
		t.Fatal("expected a reset")
	}
	if res.Balance.FreeTokens != 10 {
		t.Fatalf("free = %d, want 10 (no carry-over)", res.Balance.FreeTokens)
	}
	if res.Balance.PurchasedTokens != 40 {
		t.Fatalf("purchased bucket must survive daily reset: %d", res.Balance.PurchasedTokens)
	}
	if res.Balance.CurrentTotal != 50 {
		t.Fatalf("total = %d, want 50", res.Balance.CurrentTotal)
	}
}

func TestDailyReset_IdempotentWithinDay(t *testing.T) {
	bal := ledger.Balance{FreeTokens: 3, PurchasedTokens: 0, LastResetDate: day(14)}.Recompute()
	sub := subscription.NewState()

	first := Apply(bal, sub, day(15))
	second := Apply(first.Balance, first.Subscription, day(15).Add(4*time.Hour))

	if second.Changed {
		t.Fatal("second invocation on the same day must be a no-op")
	}
	if second.Balance != first.Balance {
		t.Fatalf("state changed on repeat: %+v vs %+v", second.Balance, first.Balance)
	}
}

func TestDailyReset_MultiDayGapCollapsesToOne(t *testing.T) {
	bal := ledger.Balance{FreeTokens: 2, PurchasedTokens: 5, LastResetDate: day(12)}.Recompute()
	sub := subscription.NewState()

	res := Apply(bal, sub, day(15)) // 3 days offline
	if res.Balance.FreeTokens != 10 {
		t.Fatalf("free = %d, want exactly one reset to 10", res.Balance.FreeTokens)
	}
	if got := res.Balance.LastResetDate; got != day(15) {
		t.Fatalf("lastResetDate = %v, want %v", got, day(15))
	}
	if len(res.Transactions) != 1 {
		t.Fatalf("expected one reset transaction, got %d", len(res.Transactions))
	}
}

func TestDailyReset_AdditiveTiers(t *testing.T) {
	tests := []struct {
		tier     subscription.Tier
		startAt  uint64
		wantFree uint64
	}{
		{tier: subscription.TierStarter, startAt: 33, wantFree: 43},
		{tier: subscription.TierPremium, startAt: 33, wantFree: 53},
	}

	for _, tt := range tests {
		t.Run(string(tt.tier), func(t *testing.T) {
			bal := ledger.Balance{FreeTokens: tt.startAt, LastResetDate: day(14), LastMonthlyReset: day(14)}.Recompute()
			sub := subscription.State{PlanTier: tt.tier, Status: subscription.StatusActive}

			res := Apply(bal, sub, day(15))
			if res.Balance.FreeTokens != tt.wantFree {
				t.Fatalf("free = %d, want %d (additive daily bonus)", res.Balance.FreeTokens, tt.wantFree)
			}
		})
	}
}

func TestDailyReset_ProReassertsSentinel(t *testing.T) {
	bal := ledger.Balance{FreeTokens: 10, PurchasedTokens: 40, LastResetDate: day(14), CurrentTotal: 50}
	sub := subscription.State{PlanTier: subscription.TierPro, Status: subscription.StatusActive}

	res := Apply(bal, sub, day(15))
	if res.Balance.CurrentTotal != ledger.UnlimitedTotal {
		t.Fatalf("total = %d, want unlimited sentinel", res.Balance.CurrentTotal)
	}
	if res.Balance.PurchasedTokens != 40 {
		t.Fatal("buckets must be preserved under the sentinel")
	}
}

func TestMonthlyReset(t *testing.T) {
	may := time.Date(2025, 5, 20, 9, 0, 0, 0, time.Local)

	bal := ledger.Balance{FreeTokens: 12, PurchasedTokens: 8, LastResetDate: day(14), LastMonthlyReset: may}.Recompute()
	sub := subscription.State{PlanTier: subscription.TierStarter, Status: subscription.StatusActive}

	res := Apply(bal, sub, day(15))
	if res.Balance.FreeTokens != 200 {
		t.Fatalf("free = %d, want 200 monthly grant", res.Balance.FreeTokens)
	}

	// Same month again: no double grant.
	again := Apply(res.Balance, res.Subscription, day(16))
	if again.Balance.FreeTokens != 200+10 { // only the daily additive bonus
		t.Fatalf("free = %d, want 210 (daily bonus only)", again.Balance.FreeTokens)
	}
}

func TestExpiry_RevertsToFreeKeepingPurchased(t *testing.T) {
	exp := day(14)
	bal := ledger.Balance{FreeTokens: 10, PurchasedTokens: 70, LastResetDate: day(15), CurrentTotal: ledger.UnlimitedTotal}
	sub := subscription.State{PlanTier: subscription.TierPro, Status: subscription.StatusActive, ExpiresAt: &exp}

	res := Apply(bal, sub, day(15))
	if res.Subscription.PlanTier != subscription.TierFree || res.Subscription.Status != subscription.StatusExpired {
		t.Fatalf("subscription not expired: %+v", res.Subscription)
	}
	if res.Balance.FreeTokens != 10 || res.Balance.PurchasedTokens != 70 {
		t.Fatalf("balance after expiry = %+v", res.Balance)
	}
	if res.Balance.CurrentTotal != 80 {
		t.Fatalf("sentinel must be cleared after expiry, total = %d", res.Balance.CurrentTotal)
	}
}

func TestScheduler_FiresImmediatelyAndStops(t *testing.T) {
	var fired atomic.Int32
	s := NewScheduler(10*time.Millisecond, func() { fired.Add(1) })
	s.Start()

	deadline := time.After(time.Second)
	for fired.Load() < 2 {
		select {
		case <-deadline:
			t.Fatalf("scheduler fired %d times, want >= 2", fired.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
	s.Stop()
	s.Stop() // idempotent

	after := fired.Load()
	time.Sleep(30 * time.Millisecond)
	if fired.Load() != after {
		t.Fatal("scheduler fired after Stop")
	}
}
