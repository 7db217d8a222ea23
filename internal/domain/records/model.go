package records

import (
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// AnalysisStatus is the lifecycle state of an analysis record.
type AnalysisStatus string

const (
	StatusPending   AnalysisStatus = "pending"
	StatusCompleted AnalysisStatus = "completed"
	StatusFailed    AnalysisStatus = "failed"
)

var validStatuses = map[AnalysisStatus]bool{
	StatusPending: true, StatusCompleted: true, StatusFailed: true,
}

// AllowedImageTypes lists valid analysis image categories.
var AllowedImageTypes = map[string]bool{
	"xray":       true,
	"mri":        true,
	"ct":         true,
	"ultrasound": true,
	"skin":       true,
	"other":      true,
}

// BlobField names a document field holding a blob content identifier.
// Repositories accept only these values, never caller-supplied field names.
type BlobField string

const (
	PatientBlob    BlobField = "blobCid"
	AnalysisData   BlobField = "dataBlobCid"
	AnalysisReport BlobField = "reportBlobCid"
)

// PatientRecord maps to the patients collection. The plaintext name, email,
// phone, and ownerId fields exist for indexed lookup only; the encrypted
// payload is the source of truth and always round-trips to a superset of
// them.
type PatientRecord struct {
	ID               primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Name             string             `bson:"name" json:"name"`
	Email            string             `bson:"email" json:"email"`
	Phone            string             `bson:"phone" json:"phone"`
	OwnerID          string             `bson:"ownerId" json:"owner_id"`
	EncryptedPayload string             `bson:"encryptedPayload" json:"-"`
	BlobCID          string             `bson:"blobCid,omitempty" json:"blob_cid,omitempty"`
	Notes            []string           `bson:"notes,omitempty" json:"notes,omitempty"`
	CreatedAt        time.Time          `bson:"createdAt" json:"created_at"`
	UpdatedAt        time.Time          `bson:"updatedAt" json:"updated_at"`
}

// AnalysisRecord maps to the analyses collection. One patient owns many
// analyses; the document store is authoritative for that relationship.
type AnalysisRecord struct {
	ID                primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	AnalysisID        string             `bson:"analysisId" json:"analysis_id"`
	PatientID         primitive.ObjectID `bson:"patientId" json:"patient_id"`
	OwnerID           string             `bson:"ownerId" json:"owner_id"`
	ImageType         string             `bson:"imageType" json:"image_type"`
	OriginalImageHash string             `bson:"originalImageHash" json:"original_image_hash"`
	EncryptedResults  string             `bson:"encryptedResults" json:"-"`
	ReportBlobCID     string             `bson:"reportBlobCid,omitempty" json:"report_blob_cid,omitempty"`
	DataBlobCID       string             `bson:"dataBlobCid,omitempty" json:"data_blob_cid,omitempty"`
	AnomalyDetected   bool               `bson:"anomalyDetected" json:"anomaly_detected"`
	Confidence        float64            `bson:"confidence" json:"confidence"`
	Status            AnalysisStatus     `bson:"status" json:"status"`
	CreatedAt         time.Time          `bson:"createdAt" json:"created_at"`
	UpdatedAt         time.Time          `bson:"updatedAt" json:"updated_at"`
}

// PatientInput is the plaintext patient profile handed in by the intake flow.
type PatientInput struct {
	Name      string         `json:"name"`
	Email     string         `json:"email"`
	Phone     string         `json:"phone"`
	OwnerID   string         `json:"owner_id"`
	ImageType string         `json:"image_type,omitempty"`
	Notes     []string       `json:"notes,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func (in *PatientInput) Validate() error {
	if in.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidInput)
	}
	if in.Email == "" {
		return fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	if in.OwnerID == "" {
		return fmt.Errorf("%w: owner_id is required", ErrInvalidInput)
	}
	if in.ImageType != "" && !AllowedImageTypes[in.ImageType] {
		return fmt.Errorf("%w: unknown image type %q", ErrInvalidInput, in.ImageType)
	}
	return nil
}

// AnalysisInput is a single analysis result to store for a patient.
type AnalysisInput struct {
	AnalysisID        string         `json:"analysis_id,omitempty"`
	OwnerID           string         `json:"owner_id"`
	ImageType         string         `json:"image_type"`
	OriginalImageHash string         `json:"original_image_hash"`
	AnomalyDetected   bool           `json:"anomaly_detected"`
	Confidence        float64        `json:"confidence"`
	Status            AnalysisStatus `json:"status,omitempty"`
	Findings          []string       `json:"findings,omitempty"`
	Recommendations   []string       `json:"recommendations,omitempty"`
	TechnicalMetadata map[string]any `json:"technical_metadata,omitempty"`
	// Report is an optional generated report file to back up alongside the
	// analysis payload.
	Report []byte `json:"report,omitempty"`
}

func (in *AnalysisInput) Validate() error {
	if in.OwnerID == "" {
		return fmt.Errorf("%w: owner_id is required", ErrInvalidInput)
	}
	if !AllowedImageTypes[in.ImageType] {
		return fmt.Errorf("%w: unknown image type %q", ErrInvalidInput, in.ImageType)
	}
	if in.Confidence < 0 || in.Confidence > 1 {
		return fmt.Errorf("%w: confidence must be in [0,1], got %g", ErrInvalidInput, in.Confidence)
	}
	if in.Status != "" && !validStatuses[in.Status] {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidInput, in.Status)
	}
	return nil
}
