// Package blobstore provides content-addressed storage of immutable byte
// payloads. A stored payload is identified only by its content identifier
// (CID); no directory or index lives in the blob store itself. The store is
// treated as best-effort by callers: every call site must tolerate failure
// without blocking the overall write.
package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
)

var (
	// ErrUnavailable indicates the backend could not be reached or refused
	// the request (network, auth, quota).
	ErrUnavailable = errors.New("blob store unavailable")
	// ErrNotFound indicates no blob exists for the given content identifier.
	ErrNotFound = errors.New("blob not found")
)

// PinResult describes a successfully stored blob.
type PinResult struct {
	CID  string `json:"cid"`
	Size int64  `json:"size"`
}

// Store is the contract for content-addressed blob backends.
type Store interface {
	// Put uploads the payload and returns its content identifier. The name
	// and tags are advisory metadata; they do not affect addressing.
	Put(ctx context.Context, data []byte, name string, tags map[string]string) (*PinResult, error)
	// Get retrieves the exact bytes previously stored under cid.
	Get(ctx context.Context, cid string) ([]byte, error)
	// Unpin removes a blob. The store is additive by design, so callers
	// treat failures as advisory.
	Unpin(ctx context.Context, cid string) error
	// GatewayURL formats a public retrieval URL for cid. Pure, no I/O.
	GatewayURL(cid string) string
}

// ContentID returns the hex SHA-256 digest of data. The memory and S3
// backends address blobs by it; IPFS backends use the CID minted by the node.
func ContentID(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// MemoryStore is a thread-safe in-process Store for development and tests.
// Blobs are addressed by their SHA-256 digest, so storing identical content
// twice yields the same CID.
type MemoryStore struct {
	mu    sync.RWMutex
	blobs map[string][]byte

	// FailPuts forces Put to return ErrUnavailable, for exercising
	// degraded-write paths in tests.
	FailPuts bool
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blobs: make(map[string][]byte)}
}

func (s *MemoryStore) Put(_ context.Context, data []byte, _ string, _ map[string]string) (*PinResult, error) {
	if s.FailPuts {
		return nil, ErrUnavailable
	}

	cid := ContentID(data)
	buf := make([]byte, len(data))
	copy(buf, data)

	s.mu.Lock()
	s.blobs[cid] = buf
	s.mu.Unlock()

	return &PinResult{CID: cid, Size: int64(len(data))}, nil
}

func (s *MemoryStore) Get(_ context.Context, cid string) ([]byte, error) {
	s.mu.RLock()
	data, ok := s.blobs[cid]
	s.mu.RUnlock()

	if !ok {
		return nil, ErrNotFound
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	return buf, nil
}

func (s *MemoryStore) Unpin(_ context.Context, cid string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.blobs[cid]; !ok {
		return ErrNotFound
	}
	delete(s.blobs, cid)
	return nil
}

func (s *MemoryStore) GatewayURL(cid string) string {
	return "memory://" + cid
}

// Len reports the number of stored blobs.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}
