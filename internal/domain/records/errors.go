package records

import "errors"

var (
	// ErrNotFound indicates the logical record does not exist in the
	// document store. Blob-only reverse lookup is never attempted: content
	// identifiers are not searchable by business key.
	ErrNotFound = errors.New("record not found")

	// ErrDocumentStoreUnavailable indicates the document store write or
	// read failed. Document-store durability is the baseline guarantee, so
	// these errors propagate to callers.
	ErrDocumentStoreUnavailable = errors.New("document store unavailable")

	// ErrDualStorageFailure indicates both the blob store and the document
	// store failed on a write. This is the only condition under which a
	// write is reported as fully failed.
	ErrDualStorageFailure = errors.New("dual storage failure: record persisted to neither backend")

	// ErrInvalidInput indicates the caller supplied a record that fails
	// validation (unknown image type, confidence out of range, ...).
	ErrInvalidInput = errors.New("invalid record input")
)
