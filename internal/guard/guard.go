// Package guard screens earn-type credit requests for abuse. It keeps a
// daily attempt counter, a per-reason sliding burst window, and a capped
// suspicious-activity log, all persisted so restarting the process does
// not reset the counters.
package guard

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	tokenerrors "github.com/postylabs/tokencore/internal/errors"
	"github.com/postylabs/tokencore/internal/kvstore"
)

const (
	// DailyEarnCap is the hard limit on earn attempts per calendar day.
	DailyEarnCap = 50
	// SuspiciousThreshold is the daily attempt count at which further
	// attempts are still allowed but logged as suspicious.
	SuspiciousThreshold = 20
	// BurstLimit is the maximum earn attempts for one reason per BurstWindow.
	BurstLimit  = 5
	BurstWindow = 10 * time.Minute

	// MaxPastSkew and MaxFutureSkew bound how far a request timestamp may
	// drift from the local clock before the request is rejected.
	MaxPastSkew   = 5 * time.Minute
	MaxFutureSkew = time.Minute

	suspiciousLogCap = 100
)

// SuspiciousEntry records one flagged earn attempt.
type SuspiciousEntry struct {
	Timestamp   time.Time `json:"timestamp"`
	Reason      string    `json:"reason"`
	Detail      string    `json:"detail"`
	Fingerprint string    `json:"fingerprint"`
}

type guardState struct {
	DayKey     string                 `json:"dayKey"`
	DailyCount int                    `json:"dailyCount"`
	Recent     map[string][]time.Time `json:"recent"`
	Suspicious []SuspiciousEntry      `json:"suspicious"`
}

// Guard validates earn requests. Methods are safe for concurrent use.
type Guard struct {
	mu          sync.Mutex
	store       kvstore.Store
	fingerprint string
	nowFn       func() time.Time
	state       guardState
}

// New builds a guard bound to the device fingerprint, restoring any
// persisted counters. An unreadable counter blob starts fresh.
func New(store kvstore.Store, fingerprint string, nowFn func() time.Time) *Guard {
	if nowFn == nil {
		nowFn = time.Now
	}
	g := &Guard{
		store:       store,
		fingerprint: fingerprint,
		nowFn:       nowFn,
		state:       guardState{Recent: make(map[string][]time.Time)},
	}
	g.load()
	return g
}

func (g *Guard) load() {
	blob, err := g.store.Get(kvstore.KeyGuardState)
	if err != nil {
		return
	}
	var st guardState
	if err := json.Unmarshal(blob, &st); err != nil {
		log.Warn().Err(err).Msg("Discarding unreadable guard counters")
		return
	}
	if st.Recent == nil {
		st.Recent = make(map[string][]time.Time)
	}
	g.state = st
}

func (g *Guard) persistLocked() {
	blob, err := json.Marshal(g.state)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to marshal guard counters")
		return
	}
	if err := g.store.Set(kvstore.KeyGuardState, blob); err != nil {
		log.Warn().Err(err).Msg("Failed to persist guard counters")
	}
}

// CheckEarn validates one earn attempt for the given reason at the given
// request timestamp. A nil return means the attempt may proceed; the
// attempt is counted either way. Rejections are recoverable validation
// errors, never panics.
func (g *Guard) CheckEarn(reason string, requestedAt time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.nowFn()
	defer g.persistLocked()

	// Rejected attempts consume the daily budget too; hammering a
	// closed gate cannot probe for its reopening.
	day := now.Local().Format("2006-01-02")
	if g.state.DayKey != day {
		g.state.DayKey = day
		g.state.DailyCount = 0
	}
	g.state.DailyCount++

	if skew := now.Sub(requestedAt); skew > MaxPastSkew {
		g.flagLocked(now, reason, fmt.Sprintf("request timestamp %s in the past", skew.Round(time.Second)))
		return rejection(reason, "request timestamp too old")
	}
	if ahead := requestedAt.Sub(now); ahead > MaxFutureSkew {
		g.flagLocked(now, reason, fmt.Sprintf("request timestamp %s in the future", ahead.Round(time.Second)))
		return rejection(reason, "request timestamp in the future")
	}

	if g.state.DailyCount > DailyEarnCap {
		g.flagLocked(now, reason, "daily earn cap reached")
		return rejection(reason, "daily earn limit reached")
	}

	cutoff := now.Add(-BurstWindow)
	recent := g.state.Recent[reason][:0:0]
	for _, at := range g.state.Recent[reason] {
		if at.After(cutoff) {
			recent = append(recent, at)
		}
	}
	if len(recent) >= BurstLimit {
		g.state.Recent[reason] = recent
		g.flagLocked(now, reason, fmt.Sprintf("%d attempts within %s", len(recent)+1, BurstWindow))
		return rejection(reason, "too many earn requests for this reason")
	}

	g.state.Recent[reason] = append(recent, now)
	if g.state.DailyCount > SuspiciousThreshold {
		g.flagLocked(now, reason, fmt.Sprintf("daily attempt count %d above threshold", g.state.DailyCount))
	}
	return nil
}

func (g *Guard) flagLocked(now time.Time, reason, detail string) {
	entry := SuspiciousEntry{
		Timestamp:   now,
		Reason:      reason,
		Detail:      detail,
		Fingerprint: g.fingerprint,
	}
	g.state.Suspicious = append(g.state.Suspicious, entry)
	if len(g.state.Suspicious) > suspiciousLogCap {
		g.state.Suspicious = g.state.Suspicious[len(g.state.Suspicious)-suspiciousLogCap:]
	}
	log.Warn().Str("reason", reason).Str("detail", detail).Msg("Suspicious earn activity")
}

// Suspicious returns a copy of the flagged-activity log, oldest first.
func (g *Guard) Suspicious() []SuspiciousEntry {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]SuspiciousEntry, len(g.state.Suspicious))
	copy(out, g.state.Suspicious)
	return out
}

// Reset clears all counters and the suspicious log. Used on logout.
func (g *Guard) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = guardState{Recent: make(map[string][]time.Time)}
	g.persistLocked()
}

func rejection(reason, msg string) error {
	return tokenerrors.NewLedgerError(tokenerrors.ErrorTypeValidation, "check_earn", reason,
		fmt.Errorf("%w: %s", tokenerrors.ErrInvalidInput, msg))
}
