// Package envelope turns plaintext records into tamper-evident encrypted
// envelopes and back. An envelope is a single string of the form
// "<hex iv>:<base64 ciphertext>"; the ciphertext is AES-256-GCM over the
// serialized record. Envelopes written by older deployments carry no IV
// prefix and are decrypted with a fixed IV (see legacyIV).
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

var (
	// ErrEncryption indicates the record could not be serialized or sealed.
	ErrEncryption = errors.New("envelope: encryption failed")
	// ErrDecryption indicates a malformed envelope or a wrong key.
	ErrDecryption = errors.New("envelope: decryption failed")
	// ErrIntegrity indicates the envelope decrypted but its contents are
	// tampered or corrupted. Callers must surface this, never swallow it.
	ErrIntegrity = errors.New("envelope: integrity check failed")
)

// Internal field names added by EncryptRecord and stripped by DecryptRecord.
const (
	checksumField  = "_checksum"
	timestampField = "_timestamp"
	originalField  = "_originalTimestamp"
)

// legacyIV is the fixed IV used by pre-IV-prefix deployments. Envelopes
// without a "<hex iv>:" prefix are decrypted with it. Compatibility only;
// all new envelopes get a fresh random IV.
var legacyIV = make([]byte, 12)

// Codec encrypts and decrypts record envelopes with a process-wide key.
// It is safe for concurrent use; the key is read-only after construction.
type Codec struct {
	aead cipher.AEAD
}

// New creates a Codec from a 32-byte AES-256 key.
func New(key []byte) (*Codec, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("envelope: key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("envelope: create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("envelope: create GCM: %w", err)
	}

	return &Codec{aead: aead}, nil
}

// Encrypt seals plaintext under a fresh random IV and returns
// "<hex iv>:<base64 ciphertext>". Two calls on identical plaintext produce
// different envelopes.
func (c *Codec) Encrypt(plaintext []byte) (string, error) {
	iv := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("%w: generate iv: %v", ErrEncryption, err)
	}

	sealed := c.aead.Seal(nil, iv, plaintext, nil)
	return hex.EncodeToString(iv) + ":" + base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt is the inverse of Encrypt. Envelopes without an IV prefix are
// treated as legacy data and decrypted with the fixed legacy IV.
func (c *Codec) Decrypt(envelope string) ([]byte, error) {
	iv, sealed, err := c.parse(envelope)
	if err != nil {
		return nil, err
	}

	plaintext, err := c.aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return plaintext, nil
}

// EncryptRecord serializes record, stamps it with the encryption time and a
// checksum over the original fields, and seals the result. The checksum lets
// DecryptRecord detect tampering independent of the cipher's own
// authentication.
func (c *Codec) EncryptRecord(record map[string]any) (string, error) {
	sum, err := checksum(record)
	if err != nil {
		return "", fmt.Errorf("%w: checksum: %v", ErrEncryption, err)
	}

	stamped := make(map[string]any, len(record)+2)
	for k, v := range record {
		stamped[k] = v
	}
	stamped[checksumField] = sum
	stamped[timestampField] = time.Now().UTC().Format(time.RFC3339Nano)

	data, err := json.Marshal(stamped)
	if err != nil {
		return "", fmt.Errorf("%w: marshal: %v", ErrEncryption, err)
	}
	return c.Encrypt(data)
}

// DecryptRecord decrypts an envelope produced by EncryptRecord, verifies the
// embedded checksum, and returns the original record with the internal fields
// stripped and the encryption time exposed as "_originalTimestamp".
//
// A cipher authentication failure on a well-formed envelope means the stored
// bytes were altered, so it is reported as ErrIntegrity rather than
// ErrDecryption; format errors (bad hex, bad base64, truncated data) remain
// ErrDecryption.
func (c *Codec) DecryptRecord(envelope string) (map[string]any, error) {
	iv, sealed, err := c.parse(envelope)
	if err != nil {
		return nil, err
	}

	data, err := c.aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext authentication: %v", ErrIntegrity, err)
	}

	var record map[string]any
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("%w: unmarshal: %v", ErrDecryption, err)
	}

	stored, ok := record[checksumField].(string)
	if !ok {
		return nil, fmt.Errorf("%w: checksum missing", ErrIntegrity)
	}
	stamp, _ := record[timestampField].(string)

	delete(record, checksumField)
	delete(record, timestampField)

	sum, err := checksum(record)
	if err != nil {
		return nil, fmt.Errorf("%w: recompute checksum: %v", ErrIntegrity, err)
	}
	if sum != stored {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrIntegrity)
	}

	record[originalField] = stamp
	return record, nil
}

// parse splits an envelope into IV and ciphertext, handling the legacy
// no-IV-prefix form.
func (c *Codec) parse(envelope string) (iv, sealed []byte, err error) {
	ivHex, payload, found := strings.Cut(envelope, ":")
	if !found {
		// Legacy envelope: no IV prefix, fixed IV.
		sealed, err = base64.StdEncoding.DecodeString(envelope)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: base64 decode: %v", ErrDecryption, err)
		}
		return legacyIV[:c.aead.NonceSize()], sealed, nil
	}

	iv, err = hex.DecodeString(ivHex)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: iv decode: %v", ErrDecryption, err)
	}
	if len(iv) != c.aead.NonceSize() {
		return nil, nil, fmt.Errorf("%w: iv must be %d bytes, got %d", ErrDecryption, c.aead.NonceSize(), len(iv))
	}

	sealed, err = base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: base64 decode: %v", ErrDecryption, err)
	}
	return iv, sealed, nil
}

// checksum returns the SHA-256 hex digest of the canonical JSON serialization
// of record. encoding/json writes map keys in sorted order, which makes the
// serialization canonical.
func checksum(record map[string]any) (string, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
