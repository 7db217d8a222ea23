package envelope

import (
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

// keySalt is fixed: the derived key must be identical across every process
// that shares the same passphrase, otherwise stored envelopes become
// unreadable after a restart.
var keySalt = []byte("recordstore-envelope-v1")

// KeyFromHex decodes a 64-character hex string into a 32-byte AES-256 key.
func KeyFromHex(s string) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("encryption key is not valid hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes (64 hex chars), got %d bytes", len(key))
	}
	return key, nil
}

// KeyFromPassphrase derives a 32-byte AES-256 key from a passphrase using
// scrypt. Intended for deployments that configure a passphrase instead of a
// raw hex key.
func KeyFromPassphrase(passphrase string) ([]byte, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("encryption passphrase is empty")
	}
	key, err := scrypt.Key([]byte(passphrase), keySalt, 1<<15, 8, 1, 32)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}
