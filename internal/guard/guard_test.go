package guard

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/postylabs/tokencore/internal/kvstore"
)

type clock struct {
	now time.Time
}

func (c *clock) Now() time.Time { return c.now }

func (c *clock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestGuard(t *testing.T) (*Guard, *clock, kvstore.Store) {
	t.Helper()
	c := &clock{now: time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)}
	store := kvstore.NewMemoryStore()
	return New(store, "test-device", c.Now), c, store
}

func TestCheckEarn_BurstLimit(t *testing.T) {
	g, c, _ := newTestGuard(t)

	for i := 0; i < BurstLimit; i++ {
		require.NoError(t, g.CheckEarn("daily_mission", c.now))
		c.Advance(time.Minute)
	}

	err := g.CheckEarn("daily_mission", c.now)
	require.Error(t, err)
	assert.NotEmpty(t, g.Suspicious())

	// A different reason is not throttled by this burst.
	require.NoError(t, g.CheckEarn("referral", c.now))

	// The window slides: once the oldest attempts age out, the reason
	// is allowed again.
	c.Advance(BurstWindow)
	require.NoError(t, g.CheckEarn("daily_mission", c.now))
}

func TestCheckEarn_DailyCap(t *testing.T) {
	g, c, _ := newTestGuard(t)

	for i := 0; i < DailyEarnCap; i++ {
		require.NoError(t, g.CheckEarn(fmt.Sprintf("reason-%d", i), c.now))
	}
	require.Error(t, g.CheckEarn("one-more", c.now))

	// Next day the counter starts over.
	c.Advance(24 * time.Hour)
	require.NoError(t, g.CheckEarn("fresh", c.now))
}

func TestCheckEarn_SuspiciousThresholdStillAllows(t *testing.T) {
	g, c, _ := newTestGuard(t)

	for i := 0; i < SuspiciousThreshold; i++ {
		require.NoError(t, g.CheckEarn(fmt.Sprintf("r%d", i), c.now))
	}
	assert.Empty(t, g.Suspicious())

	// Above the threshold attempts succeed but are flagged.
	require.NoError(t, g.CheckEarn("over", c.now))
	assert.Len(t, g.Suspicious(), 1)
}

func TestCheckEarn_TimestampWindow(t *testing.T) {
	g, c, _ := newTestGuard(t)

	require.Error(t, g.CheckEarn("stale", c.now.Add(-6*time.Minute)))
	require.Error(t, g.CheckEarn("future", c.now.Add(2*time.Minute)))
	assert.Len(t, g.Suspicious(), 2)

	// Within tolerance on both sides.
	require.NoError(t, g.CheckEarn("slightly-old", c.now.Add(-4*time.Minute)))
	require.NoError(t, g.CheckEarn("slightly-ahead", c.now.Add(30*time.Second)))
}

func TestGuard_PersistsAcrossRestart(t *testing.T) {
	c := &clock{now: time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)}
	store := kvstore.NewMemoryStore()

	g := New(store, "dev", c.Now)
	for i := 0; i < BurstLimit; i++ {
		require.NoError(t, g.CheckEarn("mission", c.now))
	}

	// A new guard over the same store keeps the burst history.
	g2 := New(store, "dev", c.Now)
	require.Error(t, g2.CheckEarn("mission", c.now))
}

func TestGuard_Reset(t *testing.T) {
	g, c, _ := newTestGuard(t)

	require.Error(t, g.CheckEarn("old", c.now.Add(-time.Hour)))
	require.NotEmpty(t, g.Suspicious())

	g.Reset()
	assert.Empty(t, g.Suspicious())
	require.NoError(t, g.CheckEarn("old", c.now))
}

func TestSuspiciousLogCapped(t *testing.T) {
	g, c, _ := newTestGuard(t)

	for i := 0; i < suspiciousLogCap+20; i++ {
		_ = g.CheckEarn("stale", c.now.Add(-time.Hour))
	}
	entries := g.Suspicious()
	assert.Len(t, entries, suspiciousLogCap)
	assert.Equal(t, "test-device", entries[0].Fingerprint)
}

func TestCheckEarn_RejectionsConsumeDailyBudget(t *testing.T) {
	g, c, _ := newTestGuard(t)

	// Hammering one throttled reason: 5 attempts pass, the rest are
	// burst-rejected but still counted.
	for i := 0; i < DailyEarnCap; i++ {
		_ = g.CheckEarn("spin", c.now)
	}

	err := g.CheckEarn("untouched-reason", c.now)
	require.Error(t, err)
	assert.ErrorContains(t, err, "daily earn limit reached")
}
