// Package kvstore provides the opaque durable key-value store the
// accounting core persists into. The store has no schema awareness; the
// integrity layer owns the keyed blobs it writes.
package kvstore

import "errors"

// ErrNotFound is returned when a key has no stored value.
var ErrNotFound = errors.New("kvstore: key not found")

// Well-known keys owned by the accounting core.
const (
	KeyTokenLedger    = "secure_token_ledger"
	KeySubscription   = "secure_subscription"
	KeyTransactionLog = "transaction_log"
	KeyPendingSync    = "pending_sync"
	KeySeenRemoteIDs  = "seen_remote_ids"
	KeyGuardState     = "guard_state"
	KeyDeviceFallback = "device_fallback_id"
)

// Store is an opaque byte-blob store keyed by string.
type Store interface {
	// Get returns the stored bytes for key, or ErrNotFound.
	Get(key string) ([]byte, error)

	// Set stores value under key, replacing any previous value.
	Set(key string, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(key string) error

	// Close releases underlying resources.
	Close() error
}
