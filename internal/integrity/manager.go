package integrity

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/postylabs/tokencore/internal/kvstore"
	"github.com/postylabs/tokencore/internal/ledger"
	"github.com/postylabs/tokencore/internal/subscription"
)

// Manager signs, encrypts, and verifies the persisted accounting state.
// It owns the durable blobs; nothing else writes them.
type Manager struct {
	store       kvstore.Store
	macKey      []byte
	encKey      []byte
	fingerprint string
	nowFn       func() time.Time
}

// NewManager loads (or creates) the master key under dataDir, derives the
// MAC and encryption subkeys, and binds the manager to this device.
func NewManager(dataDir string, store kvstore.Store, nowFn func() time.Time) (*Manager, error) {
	if nowFn == nil {
		nowFn = time.Now
	}

	master, err := loadOrCreateMasterKey(dataDir)
	if err != nil {
		return nil, fmt.Errorf("integrity key setup: %w", err)
	}

	fingerprint, err := DeviceFingerprint(store)
	if err != nil {
		return nil, fmt.Errorf("device fingerprint: %w", err)
	}

	return &Manager{
		store:       store,
		macKey:      deriveKey(master, "mac"),
		encKey:      deriveKey(master, "enc"),
		fingerprint: fingerprint,
		nowFn:       nowFn,
	}, nil
}

// Fingerprint returns the current device fingerprint.
func (m *Manager) Fingerprint() string {
	return m.fingerprint
}

// Save seals the balance and subscription into the durable store. The
// ledger blob carries the full snapshot; the subscription blob carries an
// independently signed mirror so a verified subscription can survive the
// loss of the ledger blob.
func (m *Manager) Save(bal ledger.Balance, sub subscription.State) error {
	snap := Snapshot{
		Balance:           bal,
		Subscription:      sub,
		VerifiedAt:        m.nowFn(),
		DeviceFingerprint: m.fingerprint,
	}

	sealed, err := sealSnapshot(snap, m.macKey, m.encKey)
	if err != nil {
		return fmt.Errorf("seal ledger snapshot: %w", err)
	}
	if err := m.store.Set(kvstore.KeyTokenLedger, sealed); err != nil {
		return fmt.Errorf("store ledger snapshot: %w", err)
	}

	subMirror := snap
	subMirror.Balance = ledger.Balance{}
	sealedSub, err := sealSnapshot(subMirror, m.macKey, m.encKey)
	if err != nil {
		return fmt.Errorf("seal subscription mirror: %w", err)
	}
	if err := m.store.Set(kvstore.KeySubscription, sealedSub); err != nil {
		return fmt.Errorf("store subscription mirror: %w", err)
	}
	return nil
}

// Load reads back the sealed snapshot. Missing state returns
// kvstore.ErrNotFound; a tampered or foreign-device blob returns a
// SignatureMismatch or DeviceMismatch error, and the caller must fall
// back to defaults rather than trust unverified data. When only the
// ledger blob is missing, a valid subscription mirror is restored with a
// default balance.
func (m *Manager) Load() (Snapshot, error) {
	blob, err := m.store.Get(kvstore.KeyTokenLedger)
	if errors.Is(err, kvstore.ErrNotFound) {
		return m.loadSubscriptionMirror()
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("read ledger snapshot: %w", err)
	}

	return openSnapshot(blob, m.macKey, m.encKey, m.fingerprint)
}

func (m *Manager) loadSubscriptionMirror() (Snapshot, error) {
	blob, err := m.store.Get(kvstore.KeySubscription)
	if err != nil {
		// Nothing persisted at all: first run.
		if errors.Is(err, kvstore.ErrNotFound) {
			return Snapshot{}, kvstore.ErrNotFound
		}
		return Snapshot{}, fmt.Errorf("read subscription mirror: %w", err)
	}

	snap, err := openSnapshot(blob, m.macKey, m.encKey, m.fingerprint)
	if err != nil {
		return Snapshot{}, err
	}

	log.Warn().Msg("Ledger snapshot missing; restored subscription mirror with default balance")
	snap.Balance = ledger.NewBalance(m.nowFn())
	if snap.Subscription.Unlimited() {
		snap.Balance = snap.Balance.WithUnlimited()
	}
	return snap, nil
}

// SaveHistory encrypts and stores the capped transaction log.
func (m *Manager) SaveHistory(entries []ledger.Transaction) error {
	plain, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("marshal transaction log: %w", err)
	}
	sealed, err := encrypt(m.encKey, plain)
	if err != nil {
		return fmt.Errorf("encrypt transaction log: %w", err)
	}
	encoded := []byte(base64.StdEncoding.EncodeToString(sealed))
	if err := m.store.Set(kvstore.KeyTransactionLog, encoded); err != nil {
		return fmt.Errorf("store transaction log: %w", err)
	}
	return nil
}

// LoadHistory reads back the transaction log. An unreadable log starts
// fresh rather than failing the launch; the audit trail is best-effort.
func (m *Manager) LoadHistory() []ledger.Transaction {
	blob, err := m.store.Get(kvstore.KeyTransactionLog)
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			log.Warn().Err(err).Msg("Failed to read transaction log")
		}
		return nil
	}

	sealed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(blob)))
	if err != nil {
		log.Warn().Err(err).Msg("Discarding undecodable transaction log")
		return nil
	}
	plain, err := decrypt(m.encKey, sealed)
	if err != nil {
		log.Warn().Err(err).Msg("Discarding unverifiable transaction log")
		return nil
	}

	var entries []ledger.Transaction
	if err := json.Unmarshal(plain, &entries); err != nil {
		log.Warn().Err(err).Msg("Discarding malformed transaction log")
		return nil
	}
	return entries
}

// Wipe removes all persisted accounting state. Used on logout and after
// confirmed tampering.
func (m *Manager) Wipe() error {
	for _, key := range []string{kvstore.KeyTokenLedger, kvstore.KeySubscription, kvstore.KeyTransactionLog} {
		if err := m.store.Delete(key); err != nil {
			return fmt.Errorf("wipe %s: %w", key, err)
		}
	}
	return nil
}
