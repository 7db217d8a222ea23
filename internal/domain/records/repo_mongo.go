package records

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/Ishaan-Rai09/Code-Cubical-4.0-v3-sub000/internal/platform/db"
)

// missingCID matches documents whose blob field is absent, null, or empty.
func missingCID(field BlobField) bson.M {
	return bson.M{string(field): bson.M{"$in": bson.A{nil, ""}}}
}

// =========== Patient Repository ===========

type patientRepoMongo struct{ coll *mongo.Collection }

func NewPatientRepoMongo(database *mongo.Database) PatientRepository {
	return &patientRepoMongo{coll: database.Collection(db.PatientsCollection)}
}

func (r *patientRepoMongo) Create(ctx context.Context, p *PatientRecord) error {
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	res, err := r.coll.InsertOne(ctx, p)
	if err != nil {
		return fmt.Errorf("insert patient: %w", err)
	}
	if oid, ok := res.InsertedID.(primitive.ObjectID); ok {
		p.ID = oid
	}
	return nil
}

func (r *patientRepoMongo) GetByID(ctx context.Context, id primitive.ObjectID) (*PatientRecord, error) {
	var p PatientRecord
	err := r.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find patient: %w", err)
	}
	return &p, nil
}

func (r *patientRepoMongo) FindByEmail(ctx context.Context, email string) (*PatientRecord, error) {
	var p PatientRecord
	err := r.coll.FindOne(ctx, bson.M{"email": email}).Decode(&p)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find patient by email: %w", err)
	}
	return &p, nil
}

func (r *patientRepoMongo) AttachBlobCID(ctx context.Context, id primitive.ObjectID, cid string) (bool, error) {
	filter := bson.M{"_id": id}
	for k, v := range missingCID(PatientBlob) {
		filter[k] = v
	}
	res, err := r.coll.UpdateOne(ctx, filter, bson.M{"$set": bson.M{
		string(PatientBlob): cid,
		"updatedAt":         time.Now().UTC(),
	}})
	if err != nil {
		return false, fmt.Errorf("attach patient blob cid: %w", err)
	}
	return res.ModifiedCount > 0, nil
}

func (r *patientRepoMongo) AppendNote(ctx context.Context, id primitive.ObjectID, note, encryptedPayload string) error {
	res, err := r.coll.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$push": bson.M{"notes": note},
		"$set": bson.M{
			"encryptedPayload": encryptedPayload,
			"updatedAt":        time.Now().UTC(),
		},
	})
	if err != nil {
		return fmt.Errorf("append patient note: %w", err)
	}
	if res.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *patientRepoMongo) CountMissingBlobBackup(ctx context.Context) (int64, error) {
	n, err := r.coll.CountDocuments(ctx, missingCID(PatientBlob))
	if err != nil {
		return 0, fmt.Errorf("count patients missing backup: %w", err)
	}
	return n, nil
}

func (r *patientRepoMongo) ListMissingBlobBackup(ctx context.Context, limit int) ([]*PatientRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}).SetLimit(int64(limit))
	cur, err := r.coll.Find(ctx, missingCID(PatientBlob), opts)
	if err != nil {
		return nil, fmt.Errorf("list patients missing backup: %w", err)
	}
	defer cur.Close(ctx)

	var items []*PatientRecord
	if err := cur.All(ctx, &items); err != nil {
		return nil, fmt.Errorf("decode patients missing backup: %w", err)
	}
	return items, nil
}

// =========== Analysis Repository ===========

type analysisRepoMongo struct{ coll *mongo.Collection }

func NewAnalysisRepoMongo(database *mongo.Database) AnalysisRepository {
	return &analysisRepoMongo{coll: database.Collection(db.AnalysesCollection)}
}

func (r *analysisRepoMongo) Create(ctx context.Context, a *AnalysisRecord) error {
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now

	res, err := r.coll.InsertOne(ctx, a)
	if err != nil {
		return fmt.Errorf("insert analysis: %w", err)
	}
	if oid, ok := res.InsertedID.(primitive.ObjectID); ok {
		a.ID = oid
	}
	return nil
}

func (r *analysisRepoMongo) GetByAnalysisID(ctx context.Context, analysisID string) (*AnalysisRecord, error) {
	var a AnalysisRecord
	err := r.coll.FindOne(ctx, bson.M{"analysisId": analysisID}).Decode(&a)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find analysis: %w", err)
	}
	return &a, nil
}

func (r *analysisRepoMongo) ListByPatient(ctx context.Context, patientID primitive.ObjectID, limit, offset int) ([]*AnalysisRecord, int, error) {
	return r.list(ctx, bson.M{"patientId": patientID}, limit, offset)
}

func (r *analysisRepoMongo) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*AnalysisRecord, int, error) {
	return r.list(ctx, bson.M{"ownerId": ownerID}, limit, offset)
}

func (r *analysisRepoMongo) list(ctx context.Context, filter bson.M, limit, offset int) ([]*AnalysisRecord, int, error) {
	total, err := r.coll.CountDocuments(ctx, filter)
	if err != nil {
		return nil, 0, fmt.Errorf("count analyses: %w", err)
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "createdAt", Value: -1}}).
		SetSkip(int64(offset)).
		SetLimit(int64(limit))
	cur, err := r.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, 0, fmt.Errorf("list analyses: %w", err)
	}
	defer cur.Close(ctx)

	var items []*AnalysisRecord
	if err := cur.All(ctx, &items); err != nil {
		return nil, 0, fmt.Errorf("decode analyses: %w", err)
	}
	return items, int(total), nil
}

func (r *analysisRepoMongo) AttachBlobCID(ctx context.Context, analysisID string, field BlobField, cid string) (bool, error) {
	if field != AnalysisData && field != AnalysisReport {
		return false, fmt.Errorf("%w: blob field %q not valid for analyses", ErrInvalidInput, field)
	}

	filter := bson.M{"analysisId": analysisID}
	for k, v := range missingCID(field) {
		filter[k] = v
	}
	res, err := r.coll.UpdateOne(ctx, filter, bson.M{"$set": bson.M{
		string(field): cid,
		"updatedAt":   time.Now().UTC(),
	}})
	if err != nil {
		return false, fmt.Errorf("attach analysis blob cid: %w", err)
	}
	return res.ModifiedCount > 0, nil
}

func (r *analysisRepoMongo) CountMissingBlobBackup(ctx context.Context) (int64, error) {
	n, err := r.coll.CountDocuments(ctx, missingCID(AnalysisData))
	if err != nil {
		return 0, fmt.Errorf("count analyses missing backup: %w", err)
	}
	return n, nil
}

func (r *analysisRepoMongo) ListMissingBlobBackup(ctx context.Context, limit int) ([]*AnalysisRecord, error) {
	opts := options.Find().SetSort(bson.D{{Key: "createdAt", Value: 1}}).SetLimit(int64(limit))
	cur, err := r.coll.Find(ctx, missingCID(AnalysisData), opts)
	if err != nil {
		return nil, fmt.Errorf("list analyses missing backup: %w", err)
	}
	defer cur.Close(ctx)

	var items []*AnalysisRecord
	if err := cur.All(ctx, &items); err != nil {
		return nil, fmt.Errorf("decode analyses missing backup: %w", err)
	}
	return items, nil
}
