// Package store serializes every balance and subscription mutation
// through a single goroutine and fans committed changes out to
// subscribers. Persistence and remote sync are subscribers of the event
// stream, not callers into the mutators.
package store

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	tokenerrors "github.com/postylabs/tokencore/internal/errors"
	"github.com/postylabs/tokencore/internal/guard"
	"github.com/postylabs/tokencore/internal/integrity"
	"github.com/postylabs/tokencore/internal/kvstore"
	"github.com/postylabs/tokencore/internal/ledger"
	"github.com/postylabs/tokencore/internal/metrics"
	"github.com/postylabs/tokencore/internal/remote"
	"github.com/postylabs/tokencore/internal/reset"
	"github.com/postylabs/tokencore/internal/subscription"
)

// Source tags where a mutation originated. Remote-origin events are not
// pushed back to the remote authority.
type Source string

const (
	SourceLocal  Source = "local"
	SourceRemote Source = "remote"
)

// Event is one committed mutation, delivered to every subscriber.
type Event struct {
	Kind         string
	Source       Source
	View         StateView
	Transactions []ledger.Transaction
}

// StateView is an immutable snapshot of the accounting state.
type StateView struct {
	Balance               ledger.Balance
	Subscription          subscription.State
	Unlimited             bool
	VerifiedAt            time.Time
	NeedsRemoteValidation bool
}

// ErrClosed is returned for operations enqueued after Close.
var ErrClosed = errors.New("store closed")

// command states: the loop claims a pending command before running it;
// a caller whose context ends first abandons it instead, and the loop
// then skips the mutation. Exactly one side wins the transition.
const (
	cmdPending int32 = iota
	cmdClaimed
	cmdAbandoned
)

type command struct {
	fn    func()
	done  chan struct{}
	state atomic.Int32
}

// Config wires the store's collaborators. Remote may be nil (offline dev
// mode).
type Config struct {
	Integrity *integrity.Manager
	Guard     *guard.Guard
	Remote    *remote.Client
	NowFn     func() time.Time
}

// Store owns the in-memory accounting state. All mutations run on one
// goroutine; public methods are safe for concurrent use.
type Store struct {
	cmds    chan *command
	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once

	integ   *integrity.Manager
	guard   *guard.Guard
	remote  *remote.Client
	nowFn   func() time.Time
	metrics *metrics.LedgerMetrics

	// Owned by the run loop after Start.
	balance    ledger.Balance
	sub        subscription.State
	history    *ledger.History
	verifiedAt time.Time

	subMu       sync.Mutex
	subscribers map[chan Event]struct{}
}

// New loads persisted state and builds a store. A tampered snapshot is
// discarded: the state resets to Free-plan defaults and the event is
// logged, never escalated locally.
func New(cfg Config) (*Store, error) {
	if cfg.Integrity == nil {
		return nil, errors.New("store: integrity manager is required")
	}
	nowFn := cfg.NowFn
	if nowFn == nil {
		nowFn = time.Now
	}

	s := &Store{
		cmds:        make(chan *command, 64),
		stop:        make(chan struct{}),
		stopped:     make(chan struct{}),
		integ:       cfg.Integrity,
		guard:       cfg.Guard,
		remote:      cfg.Remote,
		nowFn:       nowFn,
		metrics:     metrics.Get(),
		subscribers: make(map[chan Event]struct{}),
	}
	s.loadInitialState()
	return s, nil
}

func (s *Store) loadInitialState() {
	now := s.nowFn()

	snap, err := s.integ.Load()
	switch {
	case err == nil:
		s.balance = snap.Balance
		s.sub = snap.Subscription
		s.verifiedAt = snap.VerifiedAt
		s.history = ledger.NewHistory(s.integ.LoadHistory())
	case errors.Is(err, kvstore.ErrNotFound):
		s.resetToDefaults(now)
		log.Info().Msg("No persisted ledger found, starting with defaults")
	case tokenerrors.IsIntegrityError(err):
		// Discard everything the snapshot vouched for. Punitive action
		// is the server's call, not this device's.
		s.metrics.RecordIntegrityFailure(integrityFailureType(err))
		log.Warn().Err(err).Msg("Persisted ledger failed verification, resetting to defaults")
		if werr := s.integ.Wipe(); werr != nil {
			log.Error().Err(werr).Msg("Failed to wipe unverifiable ledger state")
		}
		s.resetToDefaults(now)
	default:
		log.Error().Err(err).Msg("Failed to read persisted ledger, starting with defaults")
		s.resetToDefaults(now)
	}

	// Resets that came due while the process was down apply before the
	// first intent is served.
	if res := reset.Apply(s.balance, s.sub, now); res.Changed {
		s.balance = res.Balance
		s.sub = res.Subscription
		for _, tx := range res.Transactions {
			s.history.Append(tx)
		}
		s.persist("startup_reset")
	}
}

func (s *Store) resetToDefaults(now time.Time) {
	s.balance = ledger.NewBalance(now)
	s.sub = subscription.NewState()
	s.verifiedAt = now
	s.history = ledger.NewHistory(nil)
}

func integrityFailureType(err error) string {
	if errors.Is(err, tokenerrors.ErrDeviceMismatch) {
		return "device_mismatch"
	}
	return "signature_mismatch"
}

// Run consumes the mutation queue until ctx is cancelled or Close is
// called.
func (s *Store) Run(ctx context.Context) {
	defer close(s.stopped)
	for {
		select {
		case cmd := <-s.cmds:
			if cmd.state.CompareAndSwap(cmdPending, cmdClaimed) {
				cmd.fn()
			}
			close(cmd.done)
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		}
	}
}

// Close stops the mutation loop. Pending commands are dropped.
func (s *Store) Close() {
	s.once.Do(func() { close(s.stop) })
}

// do runs fn on the mutation goroutine and waits for it to finish.
// Closure results must only be read when do returns nil. A non-nil
// return guarantees the mutation did not and will not execute: an
// enqueued command is abandoned on cancellation, and if the loop claims
// it first, do waits out the mutation and reports it as committed.
func (s *Store) do(ctx context.Context, fn func()) error {
	cmd := &command{fn: fn, done: make(chan struct{})}
	select {
	case s.cmds <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.stop:
		return ErrClosed
	case <-s.stopped:
		return ErrClosed
	}
	select {
	case <-cmd.done:
		return nil
	case <-ctx.Done():
		if cmd.state.CompareAndSwap(cmdPending, cmdAbandoned) {
			return ctx.Err()
		}
		<-cmd.done
		return nil
	case <-s.stopped:
		if cmd.state.CompareAndSwap(cmdPending, cmdAbandoned) {
			return ErrClosed
		}
		<-cmd.done
		return nil
	}
}

// Subscribe registers an observer of committed mutations. Slow consumers
// miss events rather than stalling the mutation loop. The returned func
// unsubscribes.
func (s *Store) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)
	s.subMu.Lock()
	s.subscribers[ch] = struct{}{}
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		if _, ok := s.subscribers[ch]; ok {
			delete(s.subscribers, ch)
			close(ch)
		}
		s.subMu.Unlock()
	}
	return ch, cancel
}

func (s *Store) publish(ev Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subscribers {
		select {
		case ch <- ev:
		default:
			log.Debug().Str("kind", ev.Kind).Msg("Dropping event for slow subscriber")
		}
	}
}

// view builds a StateView from loop-owned state. Loop goroutine only.
func (s *Store) view() StateView {
	now := s.nowFn()
	return StateView{
		Balance:               s.balance,
		Subscription:          s.sub,
		Unlimited:             s.sub.Unlimited(),
		VerifiedAt:            s.verifiedAt,
		NeedsRemoteValidation: now.Sub(s.verifiedAt) > integrity.RemoteValidationAge,
	}
}

// persist writes the sealed snapshot and transaction log. Loop goroutine
// only. Persistence failure is logged, not propagated: the in-memory
// state stays committed and the next mutation retries the write.
func (s *Store) persist(trigger string) {
	if err := s.integ.Save(s.balance, s.sub); err != nil {
		log.Error().Err(err).Str("trigger", trigger).Msg("Failed to persist ledger snapshot")
		return
	}
	s.verifiedAt = s.nowFn()
	if err := s.integ.SaveHistory(s.history.Entries()); err != nil {
		log.Warn().Err(err).Msg("Failed to persist transaction log")
	}
	s.metrics.SetBalanceTotal(s.balance.CurrentTotal)
}

// repairDriftLocked re-derives the total when the bucket invariant is
// broken. Loop goroutine only.
func (s *Store) repairDrift() []ledger.Transaction {
	if err := s.balance.CheckInvariant(s.sub.Unlimited()); err == nil {
		return nil
	}
	repaired, tx := s.balance.RepairDrift(s.nowFn())
	log.Warn().
		Uint64("free", s.balance.FreeTokens).
		Uint64("purchased", s.balance.PurchasedTokens).
		Uint64("total", s.balance.CurrentTotal).
		Msg("Balance drift detected, repairing")
	s.balance = repaired
	s.history.Append(tx)
	s.metrics.RecordDriftRepair()
	return []ledger.Transaction{tx}
}

// rejectAfterRepair finishes a rejected intent. A drift repair that ran
// before the rejection is still a mutation and must reach the snapshot
// and the subscribers. Loop goroutine only.
func (s *Store) rejectAfterRepair(txs []ledger.Transaction) StateView {
	if len(txs) > 0 {
		return s.commit("drift_repair", SourceLocal, txs).View
	}
	return s.view()
}

// commit finishes a successful mutation: drift check already done,
// history appended by the caller. Loop goroutine only.
func (s *Store) commit(kind string, source Source, txs []ledger.Transaction) Event {
	s.persist(kind)
	s.metrics.RecordMutation(kind, string(source))
	ev := Event{Kind: kind, Source: source, View: s.view(), Transactions: txs}
	s.publish(ev)
	return ev
}
