package integrity

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	tokenerrors "github.com/postylabs/tokencore/internal/errors"
	"github.com/postylabs/tokencore/internal/ledger"
	"github.com/postylabs/tokencore/internal/subscription"
)

// Snapshot is the unit of persistence: one balance and one subscription,
// bound to a device and signed over a canonical encoding of every other
// field.
type Snapshot struct {
	Balance           ledger.Balance     `json:"balance"`
	Subscription      subscription.State `json:"subscription"`
	VerifiedAt        time.Time          `json:"verified_at"`
	DeviceFingerprint string             `json:"device_fingerprint"`
	Signature         string             `json:"signature"`
}

// RemoteValidationAge is how stale a snapshot's verification may grow
// before sync reconciliation must re-confirm it with the remote authority.
const RemoteValidationAge = 7 * 24 * time.Hour

// NeedsRemoteValidation reports whether the snapshot's last verification
// is too old to trust without the remote authority re-confirming it.
func (s Snapshot) NeedsRemoteValidation(now time.Time) bool {
	return now.Sub(s.VerifiedAt) > RemoteValidationAge
}

// canonicalForm builds the deterministic field concatenation the MAC
// covers. Field order is fixed; changing it invalidates existing
// signatures.
func (s Snapshot) canonicalForm() string {
	expires := ""
	if s.Subscription.ExpiresAt != nil {
		expires = s.Subscription.ExpiresAt.UTC().Format(time.RFC3339Nano)
	}
	return strings.Join([]string{
		fmt.Sprintf("%d", s.Balance.FreeTokens),
		fmt.Sprintf("%d", s.Balance.PurchasedTokens),
		fmt.Sprintf("%d", s.Balance.CurrentTotal),
		s.Balance.LastResetDate.UTC().Format(time.RFC3339Nano),
		s.Balance.LastMonthlyReset.UTC().Format(time.RFC3339Nano),
		string(s.Subscription.PlanTier),
		string(s.Subscription.Status),
		expires,
		fmt.Sprintf("%t", s.Subscription.AutoRenew),
		s.VerifiedAt.UTC().Format(time.RFC3339Nano),
		s.DeviceFingerprint,
	}, "|")
}

func (s Snapshot) sign(macKey []byte) string {
	mac := hmac.New(sha256.New, macKey)
	mac.Write([]byte(s.canonicalForm()))
	return hex.EncodeToString(mac.Sum(nil))
}

func (s Snapshot) verify(macKey []byte) bool {
	expected := s.sign(macKey)
	return hmac.Equal([]byte(expected), []byte(s.Signature))
}

// encrypt seals plaintext with AES-GCM under key.
func encrypt(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// decrypt opens an AES-GCM sealed blob.
func decrypt(key, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short: got %d bytes, need at least %d", len(ciphertext), gcm.NonceSize())
	}
	nonce := ciphertext[:gcm.NonceSize()]
	data := ciphertext[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, data, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt ciphertext: %w", err)
	}
	return plaintext, nil
}

// sealSnapshot signs, serializes, and encrypts a snapshot for storage.
func sealSnapshot(s Snapshot, macKey, encKey []byte) ([]byte, error) {
	s.Signature = s.sign(macKey)

	plain, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("marshal snapshot: %w", err)
	}
	sealed, err := encrypt(encKey, plain)
	if err != nil {
		return nil, fmt.Errorf("encrypt snapshot: %w", err)
	}
	return []byte(base64.StdEncoding.EncodeToString(sealed)), nil
}

// openSnapshot decrypts and verifies a stored snapshot. A MAC mismatch is
// reported as SignatureMismatch; a fingerprint differing from the current
// device as DeviceMismatch. Either way the caller must discard the
// snapshot and fall back to defaults.
func openSnapshot(blob []byte, macKey, encKey []byte, fingerprint string) (Snapshot, error) {
	sealed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(blob)))
	if err != nil {
		return Snapshot{}, tokenerrors.NewLedgerError(tokenerrors.ErrorTypeSignature, "open_snapshot", "",
			fmt.Errorf("%w: undecodable blob: %w", tokenerrors.ErrSignatureMismatch, err))
	}

	plain, err := decrypt(encKey, sealed)
	if err != nil {
		// GCM authentication failure: the blob was altered or encrypted
		// under a different key. Treated the same as a bad MAC.
		return Snapshot{}, tokenerrors.NewLedgerError(tokenerrors.ErrorTypeSignature, "open_snapshot", "",
			fmt.Errorf("%w: %w", tokenerrors.ErrSignatureMismatch, err))
	}

	var s Snapshot
	if err := json.Unmarshal(plain, &s); err != nil {
		return Snapshot{}, tokenerrors.NewLedgerError(tokenerrors.ErrorTypeSignature, "open_snapshot", "",
			fmt.Errorf("%w: malformed snapshot: %w", tokenerrors.ErrSignatureMismatch, err))
	}

	if !s.verify(macKey) {
		return Snapshot{}, tokenerrors.NewLedgerError(tokenerrors.ErrorTypeSignature, "open_snapshot", "",
			tokenerrors.ErrSignatureMismatch)
	}
	if s.DeviceFingerprint != fingerprint {
		return Snapshot{}, tokenerrors.NewLedgerError(tokenerrors.ErrorTypeDevice, "open_snapshot", "",
			tokenerrors.ErrDeviceMismatch)
	}
	return s, nil
}
