package integrity

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/postylabs/tokencore/internal/kvstore"
)

const fingerprintSalt = "tokencore-device-v1"

// DeviceFingerprint returns a stable identifier for this installation.
// It hashes the OS machine id when available; otherwise it falls back to
// a random id persisted in the durable store, so the fingerprint survives
// restarts and changes only on reinstall or OS identity reset.
func DeviceFingerprint(store kvstore.Store) (string, error) {
	if id, err := machineID(); err == nil {
		return hashFingerprint(id), nil
	}

	id, err := store.Get(kvstore.KeyDeviceFallback)
	if err == nil && len(id) > 0 {
		return hashFingerprint(string(id)), nil
	}
	if err != nil && !errors.Is(err, kvstore.ErrNotFound) {
		return "", fmt.Errorf("load fallback device id: %w", err)
	}

	raw := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("generate fallback device id: %w", err)
	}
	fallback := "fallback-" + hex.EncodeToString(raw)
	if err := store.Set(kvstore.KeyDeviceFallback, []byte(fallback)); err != nil {
		return "", fmt.Errorf("persist fallback device id: %w", err)
	}
	return hashFingerprint(fallback), nil
}

func hashFingerprint(material string) string {
	hash := sha256.Sum256([]byte(fingerprintSalt + material))
	return hex.EncodeToString(hash[:])
}

// machineID attempts to get a stable machine identifier.
func machineID() (string, error) {
	paths := []string{
		"/etc/machine-id",
		"/var/lib/dbus/machine-id",
	}

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err == nil {
			trimmed := strings.TrimSpace(string(data))
			if trimmed != "" {
				return trimmed, nil
			}
		}
	}

	hostname, err := os.Hostname()
	if err == nil && hostname != "" {
		return hostname, nil
	}

	return "", errors.New("could not determine machine ID")
}
