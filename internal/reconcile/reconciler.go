// Package reconcile keeps the local ledger and the remote authority
// eventually consistent. Local commits are pushed outward debounced and
// batched; remote-origin events are deduplicated and replayed through the
// store's mutators. The local ledger never waits on the network.
package reconcile

import (
	"context"
	"encoding/json"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	tokenerrors "github.com/postylabs/tokencore/internal/errors"
	"github.com/postylabs/tokencore/internal/kvstore"
	"github.com/postylabs/tokencore/internal/metrics"
	"github.com/postylabs/tokencore/internal/remote"
	"github.com/postylabs/tokencore/internal/store"
)

const (
	// DefaultDebounce coalesces bursts of commits into one push.
	DefaultDebounce = time.Second

	// seenRemoteIDCap bounds the replay-protection window for inbound
	// remote events.
	seenRemoteIDCap = 256

	pushTimeout = 30 * time.Second
)

// BackoffConfig shapes the retry schedule for failed pushes.
type BackoffConfig struct {
	Initial     time.Duration
	Multiplier  float64
	Jitter      float64
	Max         time.Duration
	MaxAttempts int
}

// DefaultBackoff retries at roughly 2s, 4s, 8s, 16s, 32s before parking
// the queue for the next foreground flush.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{
		Initial:     2 * time.Second,
		Multiplier:  2,
		Jitter:      0.2,
		Max:         time.Minute,
		MaxAttempts: 5,
	}
}

func (cfg BackoffConfig) nextDelay(attempt int, rng float64) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := float64(cfg.Initial)
	if base <= 0 {
		base = float64(2 * time.Second)
	}
	multiplier := cfg.Multiplier
	if multiplier <= 1 {
		multiplier = 2
	}
	delay := base * math.Pow(multiplier, float64(attempt))
	if cfg.Jitter > 0 {
		j := cfg.Jitter
		if j > 1 {
			j = 1
		}
		delay = delay * (1 + (rng*2-1)*j)
	}
	if cfg.Max > 0 && delay > float64(cfg.Max) {
		delay = float64(cfg.Max)
	}
	return time.Duration(delay)
}

// Config wires the reconciler.
type Config struct {
	Store    *store.Store
	Remote   *remote.Client
	KV       kvstore.Store
	Debounce time.Duration
	Backoff  BackoffConfig
}

// Reconciler is the sync subscriber: it watches the store's event stream,
// queues committed transactions as usage deltas, and pushes them with
// debounce and backoff. The queue is durable, so deltas survive a crash
// mid-push and are retried at next launch.
type Reconciler struct {
	st       *store.Store
	remote   *remote.Client
	kv       kvstore.Store
	metrics  *metrics.LedgerMetrics
	debounce time.Duration
	backoff  BackoffConfig

	mu        sync.Mutex
	pending   []remote.UsageDelta
	seen      []string
	pushTimer *time.Timer
	pushing   bool
}

// New builds a reconciler, restoring any pending deltas and the seen
// remote id window from the durable store.
func New(cfg Config) *Reconciler {
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	backoff := cfg.Backoff
	if backoff.MaxAttempts <= 0 {
		backoff = DefaultBackoff()
	}

	r := &Reconciler{
		st:       cfg.Store,
		remote:   cfg.Remote,
		kv:       cfg.KV,
		metrics:  metrics.Get(),
		debounce: debounce,
		backoff:  backoff,
	}
	r.loadDurableState()
	return r
}

func (r *Reconciler) loadDurableState() {
	if blob, err := r.kv.Get(kvstore.KeyPendingSync); err == nil {
		if err := json.Unmarshal(blob, &r.pending); err != nil {
			log.Warn().Err(err).Msg("Discarding unreadable pending sync queue")
			r.pending = nil
		}
	}
	if blob, err := r.kv.Get(kvstore.KeySeenRemoteIDs); err == nil {
		if err := json.Unmarshal(blob, &r.seen); err != nil {
			r.seen = nil
		}
	}
	r.metrics.SetPendingQueueDepth(len(r.pending))
}

// Run consumes the store's event stream until ctx is cancelled. Deltas
// left over from a previous run are flushed first, and a snapshot whose
// verification has gone stale is re-confirmed against the authority.
func (r *Reconciler) Run(ctx context.Context) {
	events, cancel := r.st.Subscribe()
	defer cancel()

	r.revalidate(ctx)

	if r.queueDepth() > 0 {
		r.schedulePush()
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.handleEvent(ev)
		case <-ctx.Done():
			r.mu.Lock()
			if r.pushTimer != nil {
				r.pushTimer.Stop()
			}
			r.mu.Unlock()
			return
		}
	}
}

func (r *Reconciler) handleEvent(ev store.Event) {
	// Remote-origin changes came from the authority; pushing them back
	// would create a feedback loop.
	if ev.Source == store.SourceRemote {
		return
	}
	if ev.Kind == "logout" {
		r.clearQueue()
		return
	}
	if len(ev.Transactions) == 0 {
		return
	}

	r.mu.Lock()
	for _, tx := range ev.Transactions {
		r.pending = append(r.pending, remote.UsageDelta{
			TransactionID: tx.ID,
			Kind:          string(tx.Kind),
			Amount:        tx.Amount,
			Reason:        tx.Description,
			BalanceAfter:  tx.BalanceAfter,
			Timestamp:     tx.Timestamp,
		})
	}
	r.persistQueueLocked()
	r.mu.Unlock()

	r.schedulePush()
}

// schedulePush arms (or re-arms) the debounce timer. Bursts of commits
// within the window collapse into one push.
func (r *Reconciler) schedulePush() {
	if !r.remote.Enabled() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pushTimer != nil {
		r.pushTimer.Stop()
	}
	r.pushTimer = time.AfterFunc(r.debounce, func() {
		ctx, cancel := context.WithTimeout(context.Background(), pushTimeout)
		defer cancel()
		r.push(ctx)
	})
}

// Flush pushes the pending queue immediately, bypassing the debounce.
// Called at foreground transitions and shutdown.
func (r *Reconciler) Flush(ctx context.Context) {
	if !r.remote.Enabled() {
		return
	}
	r.revalidate(ctx)
	r.push(ctx)
}

// revalidate re-confirms the subscription with the authority when the
// local snapshot has not been verified within the validation window. The
// authoritative answer enters as a remote-origin change, which also
// refreshes the snapshot's verification timestamp.
func (r *Reconciler) revalidate(ctx context.Context) {
	if !r.remote.Enabled() {
		return
	}
	view, err := r.st.State(ctx)
	if err != nil || !view.NeedsRemoteValidation {
		return
	}

	checkCtx, cancel := context.WithTimeout(ctx, pushTimeout)
	defer cancel()

	status, err := r.remote.GetSubscriptionStatus(checkCtx)
	if err != nil {
		log.Warn().Err(err).Msg("Stale snapshot revalidation failed, will retry at next flush")
		return
	}
	if _, err := r.st.ApplyRemote(checkCtx, store.RemoteChange{Subscription: status}); err != nil {
		log.Warn().Err(err).Msg("Failed to apply revalidated subscription status")
		return
	}
	log.Info().Str("plan", string(status.Plan)).Msg("Stale snapshot revalidated against remote authority")
}

func (r *Reconciler) push(ctx context.Context) {
	r.mu.Lock()
	if r.pushing {
		r.mu.Unlock()
		return
	}
	r.pushing = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.pushing = false
		r.mu.Unlock()
	}()

	for attempt := 0; attempt < r.backoff.MaxAttempts; attempt++ {
		if attempt > 0 {
			r.metrics.RecordSyncRetry()
			delay := r.backoff.nextDelay(attempt-1, rand.Float64())
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return
			}
		}

		retryable, err := r.drainQueue(ctx)
		if err == nil {
			return
		}
		if !retryable {
			return
		}
		log.Warn().Err(err).Int("attempt", attempt+1).Msg("Usage push failed, backing off")
	}
	log.Warn().Int("queued", r.queueDepth()).Msg("Usage push attempts exhausted, queue parked until next flush")
}

// drainQueue pushes deltas in order until the queue empties or a push
// fails. Acked and permanently rejected deltas are removed; a retryable
// failure leaves the remainder queued.
func (r *Reconciler) drainQueue(ctx context.Context) (retryable bool, err error) {
	for {
		r.mu.Lock()
		if len(r.pending) == 0 {
			r.mu.Unlock()
			return false, nil
		}
		delta := r.pending[0]
		r.mu.Unlock()

		ack, perr := r.remote.SyncUsage(ctx, delta)
		if perr != nil {
			if tokenerrors.IsRetryableError(perr) {
				r.metrics.RecordSyncPush("retryable_error")
				return true, perr
			}
			// The authority rejected the delta outright; keeping it
			// would wedge the queue forever.
			r.metrics.RecordSyncPush("rejected")
			log.Error().Err(perr).Str("transactionId", delta.TransactionID).Msg("Usage delta rejected, dropping")
		} else {
			result := "acked"
			if ack.Duplicate {
				result = "duplicate"
			}
			r.metrics.RecordSyncPush(result)
		}

		r.mu.Lock()
		if len(r.pending) > 0 && r.pending[0].TransactionID == delta.TransactionID {
			r.pending = r.pending[1:]
		}
		r.persistQueueLocked()
		r.mu.Unlock()
	}
}

func (r *Reconciler) clearQueue() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = nil
	r.persistQueueLocked()
}

func (r *Reconciler) queueDepth() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// persistQueueLocked writes the queue to the durable store. Caller holds
// r.mu.
func (r *Reconciler) persistQueueLocked() {
	blob, err := json.Marshal(r.pending)
	if err != nil {
		log.Error().Err(err).Msg("Failed to marshal pending sync queue")
		return
	}
	if err := r.kv.Set(kvstore.KeyPendingSync, blob); err != nil {
		log.Error().Err(err).Msg("Failed to persist pending sync queue")
	}
	r.metrics.SetPendingQueueDepth(len(r.pending))
}

// ApplyRemoteEvent replays one inbound remote change, deduplicating by
// event id. Replays of the last-seen window are ignored; the authority
// may deliver an event more than once.
func (r *Reconciler) ApplyRemoteEvent(ctx context.Context, eventID string, change store.RemoteChange) (store.StateView, bool, error) {
	r.mu.Lock()
	for _, id := range r.seen {
		if id == eventID {
			r.mu.Unlock()
			view, err := r.st.State(ctx)
			return view, false, err
		}
	}
	r.mu.Unlock()

	view, err := r.st.ApplyRemote(ctx, change)
	if err != nil {
		// The id stays unrecorded so the authority's redelivery gets
		// another chance to land.
		return store.StateView{}, false, err
	}

	r.mu.Lock()
	r.seen = append(r.seen, eventID)
	if len(r.seen) > seenRemoteIDCap {
		r.seen = r.seen[len(r.seen)-seenRemoteIDCap:]
	}
	r.persistSeenLocked()
	r.mu.Unlock()

	return view, true, nil
}

// persistSeenLocked writes the seen-id window. Caller holds r.mu.
func (r *Reconciler) persistSeenLocked() {
	blob, err := json.Marshal(r.seen)
	if err != nil {
		return
	}
	if err := r.kv.Set(kvstore.KeySeenRemoteIDs, blob); err != nil {
		log.Warn().Err(err).Msg("Failed to persist seen remote event ids")
	}
}
