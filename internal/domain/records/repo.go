package records

import (
	"context"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// PatientRepository is the document-store contract for patient records.
// Implementations return ErrNotFound for missing records.
type PatientRepository interface {
	Create(ctx context.Context, p *PatientRecord) error
	GetByID(ctx context.Context, id primitive.ObjectID) (*PatientRecord, error)
	FindByEmail(ctx context.Context, email string) (*PatientRecord, error)
	// AttachBlobCID records the blob backup for a patient that has none.
	// It reports whether a document was updated; already-backed records are
	// left untouched, which keeps reconciliation idempotent.
	AttachBlobCID(ctx context.Context, id primitive.ObjectID, cid string) (bool, error)
	// AppendNote appends a derived note and replaces the encrypted payload
	// so the envelope stays a superset of the plaintext fields.
	AppendNote(ctx context.Context, id primitive.ObjectID, note, encryptedPayload string) error
	CountMissingBlobBackup(ctx context.Context) (int64, error)
	ListMissingBlobBackup(ctx context.Context, limit int) ([]*PatientRecord, error)
}

// AnalysisRepository is the document-store contract for analysis records.
type AnalysisRepository interface {
	Create(ctx context.Context, a *AnalysisRecord) error
	GetByAnalysisID(ctx context.Context, analysisID string) (*AnalysisRecord, error)
	ListByPatient(ctx context.Context, patientID primitive.ObjectID, limit, offset int) ([]*AnalysisRecord, int, error)
	ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*AnalysisRecord, int, error)
	// AttachBlobCID fills in the named blob field (data or report backup)
	// when it is still empty. Same idempotence contract as the patient repo.
	AttachBlobCID(ctx context.Context, analysisID string, field BlobField, cid string) (bool, error)
	CountMissingBlobBackup(ctx context.Context) (int64, error)
	ListMissingBlobBackup(ctx context.Context, limit int) ([]*AnalysisRecord, error)
}
