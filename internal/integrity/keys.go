package integrity

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

const (
	// keyFileName is the persistent master key file in the data directory.
	keyFileName = ".tokencore-key"

	privateDirPerm  = 0o700
	privateFilePerm = 0o600

	maxKeyFileSize = 4096
)

var errInvalidKeyFile = errors.New("invalid persistent key file")

func isMissingPathError(err error) bool {
	return errors.Is(err, os.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}

// loadOrCreateMasterKey returns the master key material from dataDir,
// generating and persisting a fresh random key on first run.
func loadOrCreateMasterKey(dataDir string) (string, error) {
	if err := os.MkdirAll(dataDir, privateDirPerm); err != nil {
		return "", fmt.Errorf("create data directory: %w", err)
	}
	keyPath := filepath.Join(dataDir, keyFileName)

	data, err := readBoundedRegularFile(keyPath, maxKeyFileSize)
	if err == nil {
		key := strings.TrimSpace(string(data))
		if key == "" {
			return "", fmt.Errorf("%w: empty", errInvalidKeyFile)
		}
		return key, nil
	}
	if !isMissingPathError(err) {
		return "", fmt.Errorf("load persistent key: %w", err)
	}

	raw := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("generate key: %w", err)
	}
	key := hex.EncodeToString(raw)

	if err := writeOwnerOnlyFileAtomic(keyPath, []byte(key)); err != nil {
		return "", fmt.Errorf("write persistent key: %w", err)
	}
	return key, nil
}

// deriveKey derives a 32-byte subkey for one purpose from the master key.
// Distinct purposes yield independent keys, so the MAC key never doubles
// as the encryption key.
func deriveKey(master, purpose string) []byte {
	hash := sha256.Sum256([]byte("tokencore-" + purpose + "-" + master))
	return hash[:]
}

func readBoundedRegularFile(path string, maxSize int64) ([]byte, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return nil, err
	}
	if info.Mode()&os.ModeSymlink != 0 {
		return nil, fmt.Errorf("%w: refusing symlink path %q", errInvalidKeyFile, path)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%w: non-regular path %q", errInvalidKeyFile, path)
	}
	if maxSize > 0 && info.Size() > maxSize {
		return nil, fmt.Errorf("%w: file %q exceeds size limit", errInvalidKeyFile, path)
	}
	return os.ReadFile(path)
}

func writeOwnerOnlyFileAtomic(path string, data []byte) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := tmpFile.Chmod(privateFilePerm); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return os.Chmod(path, privateFilePerm)
}
