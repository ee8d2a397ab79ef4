package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	tokenerrors "github.com/postylabs/tokencore/internal/errors"
	"github.com/postylabs/tokencore/internal/guard"
	"github.com/postylabs/tokencore/internal/integrity"
	"github.com/postylabs/tokencore/internal/kvstore"
	"github.com/postylabs/tokencore/internal/ledger"
	"github.com/postylabs/tokencore/internal/remote"
	"github.com/postylabs/tokencore/internal/subscription"
)

type env struct {
	store   *Store
	kv      kvstore.Store
	dataDir string
	clock   *fakeClock
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func newEnv(t *testing.T) *env {
	t.Helper()
	return newEnvAt(t, t.TempDir(), kvstore.NewMemoryStore())
}

func newEnvAt(t *testing.T, dataDir string, kv kvstore.Store) *env {
	t.Helper()
	clock := &fakeClock{now: time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)}

	mgr, err := integrity.NewManager(dataDir, kv, clock.Now)
	require.NoError(t, err)

	s, err := New(Config{
		Integrity: mgr,
		Guard:     guard.New(kv, mgr.Fingerprint(), clock.Now),
		NowFn:     clock.Now,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go s.Run(ctx)
	t.Cleanup(func() {
		cancel()
		s.Close()
	})
	return &env{store: s, kv: kv, dataDir: dataDir, clock: clock}
}

func TestDebit_FreeBucketFirst(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.store.RequestCredit(ctx, 100, ledger.BucketPurchased, "token_pack")
	require.NoError(t, err)

	view, err := e.store.RequestDebit(ctx, 30, "generate_image")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), view.Balance.FreeTokens)
	assert.Equal(t, uint64(80), view.Balance.PurchasedTokens)
	assert.Equal(t, uint64(80), view.Balance.CurrentTotal)
}

func TestDebit_InsufficientIsRecoverable(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.store.RequestDebit(ctx, 1000, "generate_video")
	require.Error(t, err)
	assert.True(t, tokenerrors.IsRecoverableError(err))

	// The failed debit changed nothing.
	view, err := e.store.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, ledger.DefaultFreeTokens, view.Balance.CurrentTotal)
}

func TestCredit_EarnGatedByGuard(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	for i := 0; i < guard.BurstLimit; i++ {
		_, err := e.store.RequestCredit(ctx, 5, ledger.BucketFree, "watch_ad")
		require.NoError(t, err)
	}
	_, err := e.store.RequestCredit(ctx, 5, ledger.BucketFree, "watch_ad")
	require.Error(t, err)

	// Purchases bypass the guard entirely.
	_, err = e.store.RequestCredit(ctx, 100, ledger.BucketPurchased, "token_pack")
	require.NoError(t, err)
}

func TestUpgrade_BonusAndMonotonicity(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	view, err := e.store.RequestUpgrade(ctx, UpgradeRequest{Tier: subscription.TierPremium})
	require.NoError(t, err)
	assert.Equal(t, subscription.TierPremium, view.Subscription.PlanTier)
	assert.Equal(t, uint64(500), view.Balance.PurchasedTokens)

	_, err = e.store.RequestUpgrade(ctx, UpgradeRequest{Tier: subscription.TierStarter})
	require.Error(t, err)
	assert.True(t, tokenerrors.IsRecoverableError(err))
}

func TestUpgrade_ProGoesUnlimited(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	view, err := e.store.RequestUpgrade(ctx, UpgradeRequest{Tier: subscription.TierPro})
	require.NoError(t, err)
	assert.True(t, view.Unlimited)
	assert.Equal(t, ledger.UnlimitedTotal, view.Balance.CurrentTotal)

	// Debits on an unlimited plan are recorded but do not consume.
	view, err = e.store.RequestDebit(ctx, 50, "generate_video")
	require.NoError(t, err)
	assert.Equal(t, ledger.UnlimitedTotal, view.Balance.CurrentTotal)
}

func TestCancelAutoRenew_KeepsTier(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.store.RequestUpgrade(ctx, UpgradeRequest{Tier: subscription.TierStarter, AutoRenew: true})
	require.NoError(t, err)

	view, err := e.store.RequestCancelAutoRenew(ctx)
	require.NoError(t, err)
	assert.Equal(t, subscription.TierStarter, view.Subscription.PlanTier)
	assert.False(t, view.Subscription.AutoRenew)
	assert.Equal(t, subscription.StatusCancelled, view.Subscription.Status)
}

func TestApplyRemote_CreditIsAdditive(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	// Local offline spend before the remote credit lands.
	_, err := e.store.RequestDebit(ctx, 4, "generate_image")
	require.NoError(t, err)

	view, err := e.store.ApplyRemote(ctx, RemoteChange{
		Credit: &RemoteCredit{EventID: "evt-1", Amount: 100, Bucket: ledger.BucketPurchased, Reason: "web_purchase"},
	})
	require.NoError(t, err)

	// 10 - 4 free + 100 purchased: the debit is not erased.
	assert.Equal(t, uint64(6), view.Balance.FreeTokens)
	assert.Equal(t, uint64(100), view.Balance.PurchasedTokens)
	assert.Equal(t, uint64(106), view.Balance.CurrentTotal)
}

func TestEvents_SourceTagging(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	events, cancel := e.store.Subscribe()
	defer cancel()

	_, err := e.store.RequestDebit(ctx, 1, "generate_image")
	require.NoError(t, err)
	_, err = e.store.ApplyRemote(ctx, RemoteChange{
		Credit: &RemoteCredit{EventID: "evt-2", Amount: 10, Bucket: ledger.BucketPurchased, Reason: "web_purchase"},
	})
	require.NoError(t, err)

	ev := <-events
	assert.Equal(t, "debit", ev.Kind)
	assert.Equal(t, SourceLocal, ev.Source)
	require.Len(t, ev.Transactions, 1)
	assert.Equal(t, int64(-1), ev.Transactions[0].Amount)

	ev = <-events
	assert.Equal(t, "remote_update", ev.Kind)
	assert.Equal(t, SourceRemote, ev.Source)
}

func TestRestart_StateSurvives(t *testing.T) {
	dataDir := t.TempDir()
	kv := kvstore.NewMemoryStore()
	ctx := context.Background()

	e := newEnvAt(t, dataDir, kv)
	_, err := e.store.RequestCredit(ctx, 100, ledger.BucketPurchased, "token_pack")
	require.NoError(t, err)
	_, err = e.store.RequestDebit(ctx, 7, "generate_image")
	require.NoError(t, err)
	e.store.Close()

	e2 := newEnvAt(t, dataDir, kv)
	view, err := e2.store.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), view.Balance.FreeTokens)
	assert.Equal(t, uint64(100), view.Balance.PurchasedTokens)

	txs, err := e2.store.Transactions(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, txs)
	assert.Equal(t, int64(-7), txs[0].Amount)
}

func TestTamperedSnapshot_ResetsToDefaults(t *testing.T) {
	dataDir := t.TempDir()
	kv := kvstore.NewMemoryStore()
	ctx := context.Background()

	e := newEnvAt(t, dataDir, kv)
	_, err := e.store.RequestCredit(ctx, 500, ledger.BucketPurchased, "token_pack")
	require.NoError(t, err)
	e.store.Close()

	// Corrupt the sealed ledger blob out from under the store.
	require.NoError(t, kv.Set(kvstore.KeyTokenLedger, []byte("dGFtcGVyZWQ=")))

	e2 := newEnvAt(t, dataDir, kv)
	view, err := e2.store.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, subscription.TierFree, view.Subscription.PlanTier)
	assert.Equal(t, ledger.DefaultFreeTokens, view.Balance.CurrentTotal)
}

func TestLogout_WipesEverything(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.store.RequestCredit(ctx, 100, ledger.BucketPurchased, "token_pack")
	require.NoError(t, err)

	view, err := e.store.Logout(ctx)
	require.NoError(t, err)
	assert.Equal(t, ledger.DefaultFreeTokens, view.Balance.CurrentTotal)
	assert.Equal(t, subscription.TierFree, view.Subscription.PlanTier)

	_, err = e.kv.Get(kvstore.KeyTokenLedger)
	assert.ErrorIs(t, err, kvstore.ErrNotFound)
}

func TestCheckResets_DailyThroughStore(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.store.RequestDebit(ctx, 10, "generate_image")
	require.NoError(t, err)

	e.clock.now = e.clock.now.Add(24 * time.Hour)
	view, err := e.store.CheckResets(ctx)
	require.NoError(t, err)
	assert.Equal(t, ledger.DefaultFreeTokens, view.Balance.FreeTokens)

	// Second pass on the same day changes nothing.
	view2, err := e.store.CheckResets(ctx)
	require.NoError(t, err)
	assert.Equal(t, view.Balance, view2.Balance)
}

func TestHistory_CappedNewestFirst(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.store.RequestCredit(ctx, 200, ledger.BucketPurchased, "token_pack")
	require.NoError(t, err)
	for i := 0; i < ledger.HistoryLimit+10; i++ {
		_, err := e.store.RequestDebit(ctx, 1, "generate_image")
		require.NoError(t, err)
	}

	txs, err := e.store.Transactions(ctx)
	require.NoError(t, err)
	assert.Len(t, txs, ledger.HistoryLimit)
	assert.Equal(t, ledger.KindUse, txs[0].Kind)
}

func TestApplyRemote_InactiveExpiresLikeLocalExpiry(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.store.RequestUpgrade(ctx, UpgradeRequest{Tier: subscription.TierPremium})
	require.NoError(t, err)
	_, err = e.store.RequestDebit(ctx, 7, "generate_image")
	require.NoError(t, err)

	view, err := e.store.ApplyRemote(ctx, RemoteChange{
		Subscription: &remote.SubscriptionStatus{Plan: subscription.TierPremium, IsActive: false},
	})
	require.NoError(t, err)

	// Lapsing remotely lands on the same state as a local expiry: Free
	// tier, free bucket back at the daily allotment, purchases kept.
	assert.Equal(t, subscription.TierFree, view.Subscription.PlanTier)
	assert.Equal(t, subscription.StatusExpired, view.Subscription.Status)
	assert.Equal(t, ledger.DefaultFreeTokens, view.Balance.FreeTokens)
	assert.Equal(t, uint64(500), view.Balance.PurchasedTokens)
	assert.Equal(t, uint64(510), view.Balance.CurrentTotal)
}

func TestDebit_RejectionStillPersistsDriftRepair(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	_, err := e.store.RequestCredit(ctx, 100, ledger.BucketPurchased, "web_purchase")
	require.NoError(t, err)

	// Simulate a partial write leaving the free bucket out of step with
	// the total.
	require.NoError(t, e.store.do(ctx, func() {
		e.store.balance.FreeTokens = 50
	}))

	events, cancel := e.store.Subscribe()
	defer cancel()

	_, err = e.store.RequestDebit(ctx, 5000, "generate_image")
	require.Error(t, err)
	assert.True(t, tokenerrors.IsRecoverableError(err))

	ev := <-events
	assert.Equal(t, "drift_repair", ev.Kind)
	require.Len(t, ev.Transactions, 1)
	assert.Equal(t, ledger.KindReset, ev.Transactions[0].Kind)

	// The repair survived the restart, not just the in-memory state.
	e2 := newEnvAt(t, e.dataDir, e.kv)
	txs, err := e2.store.Transactions(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, txs)
	assert.Contains(t, txs[0].Description, "drift repair")

	view, err := e2.store.State(ctx)
	require.NoError(t, err)
	assert.Equal(t, ledger.DefaultFreeTokens, view.Balance.FreeTokens)
	assert.Equal(t, uint64(110), view.Balance.CurrentTotal)
}

func TestMutation_AbandonedOnCancelledContext(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)}
	kv := kvstore.NewMemoryStore()
	mgr, err := integrity.NewManager(t.TempDir(), kv, clock.Now)
	require.NoError(t, err)
	s, err := New(Config{Integrity: mgr, NowFn: clock.Now})
	require.NoError(t, err)

	// The loop is not running yet, so the command sits queued until
	// after the caller has given up on it.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.RequestDebit(ctx, 3, "generate_image")
	require.ErrorIs(t, err, context.Canceled)

	runCtx, stopRun := context.WithCancel(context.Background())
	go s.Run(runCtx)
	t.Cleanup(func() {
		stopRun()
		s.Close()
	})

	// The abandoned debit must not execute once the loop drains it.
	view, err := s.State(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ledger.DefaultFreeTokens, view.Balance.CurrentTotal)
}
