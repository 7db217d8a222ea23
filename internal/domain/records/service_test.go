package records

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/Ishaan-Rai09/Code-Cubical-4.0-v3-sub000/internal/platform/blobstore"
	"github.com/Ishaan-Rai09/Code-Cubical-4.0-v3-sub000/internal/platform/envelope"
)

type mockPatientRepo struct {
	byID    map[primitive.ObjectID]*PatientRecord
	byEmail map[string]*PatientRecord
	failAll bool
}

func newMockPatientRepo() *mockPatientRepo {
	return &mockPatientRepo{
		byID:    make(map[primitive.ObjectID]*PatientRecord),
		byEmail: make(map[string]*PatientRecord),
	}
}

func (m *mockPatientRepo) Create(_ context.Context, p *PatientRecord) error {
	if m.failAll {
		return errors.New("connection refused")
	}
	p.ID = primitive.NewObjectID()
	m.byID[p.ID] = p
	m.byEmail[p.Email] = p
	return nil
}

func (m *mockPatientRepo) GetByID(_ context.Context, id primitive.ObjectID) (*PatientRecord, error) {
	p, ok := m.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

func (m *mockPatientRepo) FindByEmail(_ context.Context, email string) (*PatientRecord, error) {
	if m.failAll {
		return nil, errors.New("connection refused")
	}
	p, ok := m.byEmail[email]
	if !ok {
		return nil, ErrNotFound
	}
	return p, nil
}

func (m *mockPatientRepo) AttachBlobCID(_ context.Context, id primitive.ObjectID, cid string) (bool, error) {
	p, ok := m.byID[id]
	if !ok {
		return false, ErrNotFound
	}
	if p.BlobCID != "" {
		return false, nil
	}
	p.BlobCID = cid
	return true, nil
}

func (m *mockPatientRepo) AppendNote(_ context.Context, id primitive.ObjectID, note, encryptedPayload string) error {
	p, ok := m.byID[id]
	if !ok {
		return ErrNotFound
	}
	p.Notes = append(p.Notes, note)
	p.EncryptedPayload = encryptedPayload
	return nil
}

func (m *mockPatientRepo) CountMissingBlobBackup(_ context.Context) (int64, error) {
	var n int64
	for _, p := range m.byID {
		if p.BlobCID == "" {
			n++
		}
	}
	return n, nil
}

func (m *mockPatientRepo) ListMissingBlobBackup(_ context.Context, limit int) ([]*PatientRecord, error) {
	var out []*PatientRecord
	for _, p := range m.byID {
		if p.BlobCID == "" {
			out = append(out, p)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

type mockAnalysisRepo struct {
	byAnalysisID map[string]*AnalysisRecord
	order        []*AnalysisRecord
	failAll      bool
}

func newMockAnalysisRepo() *mockAnalysisRepo {
	return &mockAnalysisRepo{byAnalysisID: make(map[string]*AnalysisRecord)}
}

func (m *mockAnalysisRepo) Create(_ context.Context, a *AnalysisRecord) error {
	if m.failAll {
		return errors.New("connection refused")
	}
	a.ID = primitive.NewObjectID()
	m.byAnalysisID[a.AnalysisID] = a
	m.order = append(m.order, a)
	return nil
}

func (m *mockAnalysisRepo) GetByAnalysisID(_ context.Context, analysisID string) (*AnalysisRecord, error) {
	a, ok := m.byAnalysisID[analysisID]
	if !ok {
		return nil, ErrNotFound
	}
	return a, nil
}

func (m *mockAnalysisRepo) ListByPatient(_ context.Context, patientID primitive.ObjectID, limit, offset int) ([]*AnalysisRecord, int, error) {
	var all []*AnalysisRecord
	for _, a := range m.order {
		if a.PatientID == patientID {
			all = append(all, a)
		}
	}
	return paged(all, limit, offset), len(all), nil
}

func (m *mockAnalysisRepo) ListByOwner(_ context.Context, ownerID string, limit, offset int) ([]*AnalysisRecord, int, error) {
	var all []*AnalysisRecord
	for _, a := range m.order {
		if a.OwnerID == ownerID {
			all = append(all, a)
		}
	}
	return paged(all, limit, offset), len(all), nil
}

func (m *mockAnalysisRepo) AttachBlobCID(_ context.Context, analysisID string, field BlobField, cid string) (bool, error) {
	a, ok := m.byAnalysisID[analysisID]
	if !ok {
		return false, ErrNotFound
	}
	switch field {
	case AnalysisData:
		if a.DataBlobCID != "" {
			return false, nil
		}
		a.DataBlobCID = cid
	case AnalysisReport:
		if a.ReportBlobCID != "" {
			return false, nil
		}
		a.ReportBlobCID = cid
	default:
		return false, fmt.Errorf("unknown blob field %q", field)
	}
	return true, nil
}

func (m *mockAnalysisRepo) CountMissingBlobBackup(_ context.Context) (int64, error) {
	var n int64
	for _, a := range m.order {
		if a.DataBlobCID == "" {
			n++
		}
	}
	return n, nil
}

func (m *mockAnalysisRepo) ListMissingBlobBackup(_ context.Context, limit int) ([]*AnalysisRecord, error) {
	var out []*AnalysisRecord
	for _, a := range m.order {
		if a.DataBlobCID == "" {
			out = append(out, a)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func paged(all []*AnalysisRecord, limit, offset int) []*AnalysisRecord {
	if offset >= len(all) {
		return nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end]
}

type okPinger struct{ err error }

func (p okPinger) Ping(context.Context) error { return p.err }

func testService(t *testing.T) (*Service, *mockPatientRepo, *mockAnalysisRepo, *blobstore.MemoryStore) {
	t.Helper()
	key := bytes.Repeat([]byte{0x42}, 32)
	codec, err := envelope.New(key)
	if err != nil {
		t.Fatalf("envelope.New: %v", err)
	}
	patients := newMockPatientRepo()
	analyses := newMockAnalysisRepo()
	blobs := blobstore.NewMemoryStore()
	svc := NewService(patients, analyses, blobs, codec, okPinger{}, zerolog.Nop(), Options{})
	return svc, patients, analyses, blobs
}

func samplePatient() PatientInput {
	return PatientInput{
		Name:    "Jordan Reyes",
		Email:   "jordan.reyes@example.com",
		Phone:   "+1-555-0100",
		OwnerID: "owner-1",
	}
}

func sampleAnalysis() AnalysisInput {
	return AnalysisInput{
		OwnerID:           "owner-1",
		ImageType:         "xray",
		OriginalImageHash: "deadbeef",
		AnomalyDetected:   true,
		Confidence:        0.91,
		Findings:          []string{"opacity in lower left lobe"},
	}
}

func TestStorePatientBothBackends(t *testing.T) {
	svc, patients, _, blobs := testService(t)

	res, err := svc.StorePatientWithFallback(context.Background(), samplePatient())
	if err != nil {
		t.Fatalf("StorePatientWithFallback: %v", err)
	}
	if res.PrimaryStorage != PrimaryBoth {
		t.Fatalf("primary storage = %q, want %q", res.PrimaryStorage, PrimaryBoth)
	}
	if res.BlobCID == "" {
		t.Fatal("expected a blob cid")
	}
	if res.Patient == nil || res.Patient.ID.IsZero() {
		t.Fatal("expected a persisted patient with an id")
	}
	if res.Patient.BlobCID != res.BlobCID {
		t.Fatalf("patient blob cid %q, want %q", res.Patient.BlobCID, res.BlobCID)
	}
	if blobs.Len() != 1 {
		t.Fatalf("blob store holds %d objects, want 1", blobs.Len())
	}
	if _, err := patients.FindByEmail(context.Background(), "jordan.reyes@example.com"); err != nil {
		t.Fatalf("patient not found by email: %v", err)
	}
}

func TestStorePatientBlobDown(t *testing.T) {
	svc, _, _, blobs := testService(t)
	blobs.FailPuts = true

	res, err := svc.StorePatientWithFallback(context.Background(), samplePatient())
	if err != nil {
		t.Fatalf("StorePatientWithFallback: %v", err)
	}
	if res.PrimaryStorage != PrimaryMongo {
		t.Fatalf("primary storage = %q, want %q", res.PrimaryStorage, PrimaryMongo)
	}
	if res.BlobCID != "" {
		t.Fatalf("expected no blob cid, got %q", res.BlobCID)
	}
	if res.Patient == nil {
		t.Fatal("expected a persisted patient")
	}
}

func TestStorePatientDocumentStoreDown(t *testing.T) {
	svc, patients, _, _ := testService(t)
	patients.failAll = true

	res, err := svc.StorePatientWithFallback(context.Background(), samplePatient())
	if err != nil {
		t.Fatalf("StorePatientWithFallback: %v", err)
	}
	if res.PrimaryStorage != PrimaryBlob {
		t.Fatalf("primary storage = %q, want %q", res.PrimaryStorage, PrimaryBlob)
	}
	if res.Patient != nil {
		t.Fatal("no document record should exist")
	}
	if res.BlobCID == "" {
		t.Fatal("blob leg should have succeeded")
	}
}

func TestStorePatientDualFailure(t *testing.T) {
	svc, patients, _, blobs := testService(t)
	patients.failAll = true
	blobs.FailPuts = true

	_, err := svc.StorePatientWithFallback(context.Background(), samplePatient())
	if !errors.Is(err, ErrDualStorageFailure) {
		t.Fatalf("err = %v, want ErrDualStorageFailure", err)
	}
}

func TestStorePatientRejectsInvalidInput(t *testing.T) {
	svc, _, _, _ := testService(t)

	in := samplePatient()
	in.Email = ""
	if _, err := svc.StorePatientWithFallback(context.Background(), in); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}

func TestStoreIntakeCreatesPatientOnce(t *testing.T) {
	svc, patients, analyses, _ := testService(t)

	r1, err := svc.Store(context.Background(), samplePatient(), sampleAnalysis())
	if err != nil {
		t.Fatalf("first Store: %v", err)
	}
	r2, err := svc.Store(context.Background(), samplePatient(), sampleAnalysis())
	if err != nil {
		t.Fatalf("second Store: %v", err)
	}
	if r1.PatientID != r2.PatientID {
		t.Fatalf("same email produced two patients: %s vs %s", r1.PatientID, r2.PatientID)
	}
	if r1.AnalysisID == r2.AnalysisID {
		t.Fatal("each intake must mint a distinct analysis id")
	}
	if len(patients.byID) != 1 {
		t.Fatalf("patient count = %d, want 1", len(patients.byID))
	}
	if len(analyses.order) != 2 {
		t.Fatalf("analysis count = %d, want 2", len(analyses.order))
	}
}

func TestStoreReportsPendingPatientBackup(t *testing.T) {
	svc, _, _, blobs := testService(t)

	// First intake with the blob store down leaves the patient unbacked.
	blobs.FailPuts = true
	r1, err := svc.Store(context.Background(), samplePatient(), sampleAnalysis())
	if err != nil {
		t.Fatalf("first Store: %v", err)
	}
	if r1.PatientStorage != PrimaryMongo {
		t.Fatalf("patient storage = %q, want %q", r1.PatientStorage, PrimaryMongo)
	}

	// The blob store recovers, but the reused patient record still has no
	// backup; the receipt must not claim one.
	blobs.FailPuts = false
	r2, err := svc.Store(context.Background(), samplePatient(), sampleAnalysis())
	if err != nil {
		t.Fatalf("second Store: %v", err)
	}
	if r2.PatientStorage != PrimaryMongo {
		t.Fatalf("reused patient storage = %q, want %q", r2.PatientStorage, PrimaryMongo)
	}
	if r2.AnalysisStorage != PrimaryBoth {
		t.Fatalf("analysis storage = %q, want %q", r2.AnalysisStorage, PrimaryBoth)
	}

	// Once sync attaches the backup, further intakes report both backends.
	if _, err := svc.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	r3, err := svc.Store(context.Background(), samplePatient(), sampleAnalysis())
	if err != nil {
		t.Fatalf("third Store: %v", err)
	}
	if r3.PatientStorage != PrimaryBoth {
		t.Fatalf("backed patient storage = %q, want %q", r3.PatientStorage, PrimaryBoth)
	}
}

func TestRetrieveHybrid(t *testing.T) {
	svc, _, _, _ := testService(t)

	receipt, err := svc.Store(context.Background(), samplePatient(), sampleAnalysis())
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	out, err := svc.RetrieveWithFallback(context.Background(), receipt.AnalysisID)
	if err != nil {
		t.Fatalf("RetrieveWithFallback: %v", err)
	}
	if out.Source != SourceHybrid {
		t.Fatalf("source = %q, want %q", out.Source, SourceHybrid)
	}
	if out.Results["imageType"] != "xray" {
		t.Fatalf("decrypted imageType = %v", out.Results["imageType"])
	}
	if out.PatientProfile["name"] != "Jordan Reyes" {
		t.Fatalf("decrypted patient name = %v", out.PatientProfile["name"])
	}
	if out.BlobData == nil {
		t.Fatal("expected blob enrichment data")
	}
	if out.BlobData["anomalyDetected"] != true {
		t.Fatalf("blob copy anomalyDetected = %v", out.BlobData["anomalyDetected"])
	}
}

func TestRetrieveDegradesWhenBlobMissing(t *testing.T) {
	svc, _, analyses, _ := testService(t)

	receipt, err := svc.Store(context.Background(), samplePatient(), sampleAnalysis())
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	// Point the record at a blob that was never pinned.
	analyses.byAnalysisID[receipt.AnalysisID].DataBlobCID = blobstore.ContentID([]byte("gone"))

	out, err := svc.RetrieveWithFallback(context.Background(), receipt.AnalysisID)
	if err != nil {
		t.Fatalf("RetrieveWithFallback: %v", err)
	}
	if out.Source != SourceDocument {
		t.Fatalf("source = %q, want %q", out.Source, SourceDocument)
	}
	if out.Results == nil {
		t.Fatal("document results must still be served")
	}
}

func TestRetrieveUnknownAnalysis(t *testing.T) {
	svc, _, _, _ := testService(t)

	if _, err := svc.RetrieveWithFallback(context.Background(), "no-such-id"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRetrievePropagatesTamperedEnvelope(t *testing.T) {
	svc, _, analyses, _ := testService(t)

	receipt, err := svc.Store(context.Background(), samplePatient(), sampleAnalysis())
	if err != nil {
		t.Fatalf("Store: %v", err)
	}

	rec := analyses.byAnalysisID[receipt.AnalysisID]
	env := []byte(rec.EncryptedResults)
	env[len(env)-2] ^= 0x01
	rec.EncryptedResults = string(env)

	_, err = svc.RetrieveWithFallback(context.Background(), receipt.AnalysisID)
	if err == nil {
		t.Fatal("tampered envelope must not decrypt")
	}
	if !errors.Is(err, envelope.ErrIntegrity) && !errors.Is(err, envelope.ErrDecryption) {
		t.Fatalf("err = %v, want an envelope error", err)
	}
}

func TestListForOwner(t *testing.T) {
	svc, _, _, _ := testService(t)

	for i := 0; i < 3; i++ {
		a := sampleAnalysis()
		a.Confidence = 0.5 + float64(i)/10
		if _, err := svc.Store(context.Background(), samplePatient(), a); err != nil {
			t.Fatalf("Store %d: %v", i, err)
		}
	}

	items, total, err := svc.ListForOwner(context.Background(), "owner-1", 2, 0)
	if err != nil {
		t.Fatalf("ListForOwner: %v", err)
	}
	if total != 3 {
		t.Fatalf("total = %d, want 3", total)
	}
	if len(items) != 2 {
		t.Fatalf("page size = %d, want 2", len(items))
	}
	for _, it := range items {
		if it.Results["ownerId"] != "owner-1" {
			t.Fatalf("decrypted ownerId = %v", it.Results["ownerId"])
		}
	}

	if _, total, err := svc.ListForOwner(context.Background(), "owner-2", 10, 0); err != nil || total != 0 {
		t.Fatalf("foreign owner: total = %d, err = %v", total, err)
	}
}

func TestAppendPatientNote(t *testing.T) {
	svc, patients, _, _ := testService(t)

	res, err := svc.StorePatientWithFallback(context.Background(), samplePatient())
	if err != nil {
		t.Fatalf("StorePatientWithFallback: %v", err)
	}
	id := res.Patient.ID

	if err := svc.AppendPatientNote(context.Background(), id, "follow-up scheduled"); err != nil {
		t.Fatalf("AppendPatientNote: %v", err)
	}

	p, err := patients.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if len(p.Notes) != 1 || p.Notes[0] != "follow-up scheduled" {
		t.Fatalf("notes = %v", p.Notes)
	}

	// The re-encrypted payload must carry the note too.
	profile, err := svc.codec.DecryptRecord(p.EncryptedPayload)
	if err != nil {
		t.Fatalf("DecryptRecord: %v", err)
	}
	notes, _ := profile["notes"].([]any)
	if len(notes) != 1 || notes[0] != "follow-up scheduled" {
		t.Fatalf("encrypted notes = %v", profile["notes"])
	}

	if err := svc.AppendPatientNote(context.Background(), id, ""); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty note: err = %v, want ErrInvalidInput", err)
	}
}

func TestSyncBacksUpMissingRecords(t *testing.T) {
	svc, patients, _, blobs := testService(t)

	// Write three intakes while the blob store is down.
	blobs.FailPuts = true
	var receipts []*StoreReceipt
	for i := 0; i < 3; i++ {
		p := samplePatient()
		p.Email = fmt.Sprintf("patient%d@example.com", i)
		r, err := svc.Store(context.Background(), p, sampleAnalysis())
		if err != nil {
			t.Fatalf("Store %d: %v", i, err)
		}
		receipts = append(receipts, r)
	}

	if n, _ := patients.CountMissingBlobBackup(context.Background()); n != 3 {
		t.Fatalf("patients missing backup = %d, want 3", n)
	}

	blobs.FailPuts = false
	report, err := svc.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if report.PatientsBacked != 3 || report.AnalysesBacked != 3 {
		t.Fatalf("backed %d patients / %d analyses, want 3 / 3", report.PatientsBacked, report.AnalysesBacked)
	}
	if report.PatientsMissing != 0 || report.AnalysesMissing != 0 {
		t.Fatalf("still missing %d patients / %d analyses after sync", report.PatientsMissing, report.AnalysesMissing)
	}

	// A degraded write reads back hybrid once sync has backfilled the blob.
	out, err := svc.RetrieveWithFallback(context.Background(), receipts[0].AnalysisID)
	if err != nil {
		t.Fatalf("RetrieveWithFallback after sync: %v", err)
	}
	if out.Source != SourceHybrid {
		t.Fatalf("source after sync = %q, want %q", out.Source, SourceHybrid)
	}

	// Re-running against a clean state changes nothing.
	report, err = svc.Sync(context.Background())
	if err != nil {
		t.Fatalf("second Sync: %v", err)
	}
	if report.PatientsBacked != 0 || report.AnalysesBacked != 0 || report.Failures != 0 {
		t.Fatalf("second sync did work: %+v", report)
	}
}

func TestSyncSkipsFailuresAndContinues(t *testing.T) {
	svc, _, analyses, blobs := testService(t)

	blobs.FailPuts = true
	if _, err := svc.Store(context.Background(), samplePatient(), sampleAnalysis()); err != nil {
		t.Fatalf("Store: %v", err)
	}

	// Blob store still down: sync reports failures, backs nothing.
	report, err := svc.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if report.PatientsBacked != 0 || report.AnalysesBacked != 0 {
		t.Fatalf("sync backed records through a failing store: %+v", report)
	}
	if report.Failures == 0 {
		t.Fatal("expected failures to be reported")
	}
	if report.AnalysesMissing != int64(len(analyses.order)) {
		t.Fatalf("analyses missing = %d, want %d", report.AnalysesMissing, len(analyses.order))
	}
}

func TestHealthCheck(t *testing.T) {
	svc, _, _, blobs := testService(t)

	report := svc.HealthCheck(context.Background())
	if !report.Healthy() {
		t.Fatalf("healthy service reported %+v", report)
	}

	blobs.FailPuts = true
	report = svc.HealthCheck(context.Background())
	if report.Healthy() {
		t.Fatal("blob outage must show in the report")
	}
	if report.BlobStore {
		t.Fatal("blob store probe should have failed")
	}
	if !report.DocumentStore || !report.Encryption {
		t.Fatalf("unrelated probes failed: %+v", report)
	}
}

func TestHealthCheckDocumentStoreDown(t *testing.T) {
	svc, _, _, _ := testService(t)
	svc.pinger = okPinger{err: errors.New("no reachable servers")}

	report := svc.HealthCheck(context.Background())
	if report.DocumentStore {
		t.Fatal("document store probe should have failed")
	}
	if !report.BlobStore || !report.Encryption {
		t.Fatalf("unrelated probes failed: %+v", report)
	}
}
