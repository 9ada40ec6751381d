package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ehealth-sync/internal/config"
	"github.com/ehealth-sync/internal/models"
	"github.com/ehealth-sync/internal/notify"
	"github.com/ehealth-sync/internal/ratelimit"
	"github.com/ehealth-sync/internal/reconcile"
	"github.com/ehealth-sync/internal/registry"
	"github.com/ehealth-sync/internal/storage"
	"github.com/ehealth-sync/internal/token"
	"github.com/ehealth-sync/internal/types"
)

const testSealerKey = "000102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f"

func setupSyncDB(t *testing.T) *storage.PostgresDB {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := &config.PostgresConfig{
		Host:           "localhost",
		Port:           "5432",
		Database:       "ehealth_sync",
		User:           "postgres",
		Password:       "postgres",
		MaxConnections: 5,
	}

	db, err := storage.NewPostgresDB(cfg)
	if err != nil {
		t.Skipf("Skipping test - Postgres not available: %v", err)
		return nil
	}
	t.Cleanup(db.Close)

	return db
}

func createSyncLegalEntity(t *testing.T, db *storage.PostgresDB) int64 {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var id int64
	err := db.Pool().QueryRow(ctx, `
		INSERT INTO legal_entities (uuid, name, edrpou)
		VALUES ($1, $2, $3)
		RETURNING id
	`, uuid.NewString(), "Test Clinic", "87654321").Scan(&id)
	if err != nil {
		t.Fatalf("failed to create test legal entity: %v", err)
	}

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_, _ = db.Pool().Exec(ctx, `DELETE FROM sync_batches WHERE legal_entity_id = $1`, id)
		_, _ = db.Pool().Exec(ctx, `DELETE FROM employees WHERE legal_entity_id = $1`, id)
		_, _ = db.Pool().Exec(ctx, `DELETE FROM legal_entities WHERE id = $1`, id)
	})

	return id
}

// fakeRegistry serves two pages of employees: 3 records on page 1, 2 on
// page 2. Record ids are stable for the lifetime of the server, so a repeat
// delivery hits the same rows.
func fakeRegistry(t *testing.T) *httptest.Server {
	t.Helper()

	run := uuid.NewString()[:8]
	record := func(n int) map[string]interface{} {
		return map[string]interface{}{
			"id":         fmt.Sprintf("%s-record-%02d", run, n),
			"status":     "APPROVED",
			"first_name": fmt.Sprintf("First%d", n),
			"last_name":  fmt.Sprintf("Last%d", n),
			"tax_id":     fmt.Sprintf("12345678%02d", n),
		}
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/employees" {
			http.NotFound(w, r)
			return
		}

		page := r.URL.Query().Get("page")
		var data []map[string]interface{}
		pageNumber := 1
		if page == "2" {
			data = []map[string]interface{}{record(4), record(5)}
			pageNumber = 2
		} else {
			data = []map[string]interface{}{record(1), record(2), record(3)}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": data,
			"paging": map[string]interface{}{
				"page_number": pageNumber,
				"total_pages": 2,
			},
		})
	}))
	t.Cleanup(server.Close)

	return server
}

// failingRegistry answers every request with the given status code.
func failingRegistry(t *testing.T, status int, message string) *httptest.Server {
	t.Helper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"error": map[string]interface{}{"message": message},
		})
	}))
	t.Cleanup(server.Close)

	return server
}

type syncFixture struct {
	batches     *storage.BatchRepository
	entities    *storage.LegalEntityRepository
	reconcilers *reconcile.Set
	client      registry.Client
	limiter     *ratelimit.Limiter
	sealer      *token.Sealer
	coordinator *Coordinator
}

func newSyncFixture(t *testing.T, db *storage.PostgresDB, registryURL string) *syncFixture {
	t.Helper()

	batchRepo := storage.NewBatchRepository(db)
	legalEntityRepo := storage.NewLegalEntityRepository(db)
	employeeRepo := storage.NewEmployeeRepository(db)
	divisionRepo := storage.NewDivisionRepository(db)
	requestRepo := storage.NewEmployeeRequestRepository(db)
	mirrorRepo := storage.NewRecordMirrorRepository(db)

	audit := storage.NopAuditSink{}
	reconcilers := reconcile.NewSet(db, employeeRepo, divisionRepo, requestRepo, mirrorRepo, audit)
	client := registry.NewHTTPClient(registryURL, 3, 5*time.Second)

	limiter, err := ratelimit.NewLimiter(&ratelimit.Config{DefaultPerMinute: 600, Burst: 100})
	if err != nil {
		t.Fatalf("failed to build limiter: %v", err)
	}
	sealer, err := token.NewSealer(testSealerKey)
	if err != nil {
		t.Fatalf("failed to build sealer: %v", err)
	}

	return &syncFixture{
		batches:     batchRepo,
		entities:    legalEntityRepo,
		reconcilers: reconcilers,
		client:      client,
		limiter:     limiter,
		sealer:      sealer,
		coordinator: NewCoordinator(batchRepo, legalEntityRepo, client, reconcilers, limiter, sealer, audit, notify.LogNotifier{}),
	}
}

func (f *syncFixture) newQueue(maxAttempts int) *Queue {
	return NewQueue(
		&config.SyncConfig{Workers: 1, PollInterval: time.Second, MaxAttempts: maxAttempts},
		f.batches, f.entities, f.client, f.reconcilers, f.limiter, f.sealer,
		storage.NopAuditSink{}, notify.LogNotifier{},
	)
}

// drainOneJob claims the next queued job and runs it to completion.
func (f *syncFixture) drainOneJob(t *testing.T, ctx context.Context, queue *Queue, wantPage int) {
	t.Helper()

	job, err := f.batches.ClaimNextJob(ctx)
	if err != nil {
		t.Fatalf("ClaimNextJob() error = %v", err)
	}
	if job == nil {
		t.Fatal("ClaimNextJob() returned nil, want a queued job")
	}
	if job.Page != wantPage {
		t.Errorf("queued job page = %d, want %d", job.Page, wantPage)
	}
	queue.execute(ctx, job)
}

// TestTwoPageSyncEndToEnd runs a full employee sync: page 1 inline within
// the dispatch, page 2 through the queue. Re-delivering both pages afterwards
// must change nothing, since records upsert by registry uuid.
func TestTwoPageSyncEndToEnd(t *testing.T) {
	db := setupSyncDB(t)
	legalEntityID := createSyncLegalEntity(t, db)
	registryServer := fakeRegistry(t)
	f := newSyncFixture(t, db, registryServer.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	req := DispatchRequest{
		LegalEntityID: legalEntityID,
		Entity:        types.EntityEmployee,
		BearerToken:   "test-token",
		ActingUserID:  "user-1",
	}
	result, err := f.coordinator.Dispatch(ctx, req)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	// Page 1 was reconciled inline; the batch carries exactly page 2.
	if result.Records != 3 {
		t.Errorf("inline records = %d, want 3", result.Records)
	}
	if result.Batch == nil {
		t.Fatal("Dispatch() returned no batch for a two-page response")
	}
	if result.Batch.TotalJobs != 1 {
		t.Errorf("batch total jobs = %d, want 1", result.Batch.TotalJobs)
	}

	status, err := f.entities.StatusFor(ctx, legalEntityID, types.EntityEmployee)
	if err != nil {
		t.Fatalf("StatusFor() error = %v", err)
	}
	if status != types.StatusProcessing {
		t.Errorf("status after dispatch = %v, want %v", status, types.StatusProcessing)
	}

	queue := f.newQueue(3)
	f.drainOneJob(t, ctx, queue, 2)

	status, err = f.entities.StatusFor(ctx, legalEntityID, types.EntityEmployee)
	if err != nil {
		t.Fatalf("StatusFor() error = %v", err)
	}
	if status != types.StatusCompleted {
		t.Errorf("status after drain = %v, want %v", status, types.StatusCompleted)
	}

	batch, err := f.batches.GetBatch(ctx, result.Batch.ID)
	if err != nil {
		t.Fatalf("GetBatch() error = %v", err)
	}
	if batch.Status != models.BatchStatusFinished {
		t.Errorf("batch status = %v, want %v", batch.Status, models.BatchStatusFinished)
	}

	countEmployees := func() int {
		var n int
		err := db.Pool().QueryRow(ctx, `SELECT COUNT(*) FROM employees WHERE legal_entity_id = $1`, legalEntityID).Scan(&n)
		if err != nil {
			t.Fatalf("failed to count employees: %v", err)
		}
		return n
	}
	if got := countEmployees(); got != 5 {
		t.Errorf("upserted employees = %d, want 5 (both pages)", got)
	}

	// Deliver the identical two pages a second time.
	result, err = f.coordinator.Dispatch(ctx, req)
	if err != nil {
		t.Fatalf("second Dispatch() error = %v", err)
	}
	if result.Records != 3 {
		t.Errorf("second dispatch inline records = %d, want 3", result.Records)
	}
	if result.Batch == nil {
		t.Fatal("second Dispatch() returned no batch")
	}
	f.drainOneJob(t, ctx, queue, 2)

	if got := countEmployees(); got != 5 {
		t.Errorf("employees after re-delivery = %d, want 5 unchanged", got)
	}
}

// TestDispatchConflict proves a second trigger is refused while the first
// sync is still processing.
func TestDispatchConflict(t *testing.T) {
	db := setupSyncDB(t)
	legalEntityID := createSyncLegalEntity(t, db)
	registryServer := fakeRegistry(t)
	f := newSyncFixture(t, db, registryServer.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	req := DispatchRequest{
		LegalEntityID: legalEntityID,
		Entity:        types.EntityEmployee,
		BearerToken:   "test-token",
		ActingUserID:  "user-1",
	}
	if _, err := f.coordinator.Dispatch(ctx, req); err != nil {
		t.Fatalf("first Dispatch() error = %v", err)
	}

	_, err := f.coordinator.Dispatch(ctx, req)
	if err != ErrSyncAlreadyRunning {
		t.Errorf("second Dispatch() error = %v, want ErrSyncAlreadyRunning", err)
	}
}

// TestDispatchTransientFailureKeepsSlot proves a connectivity-class failure
// during the inline page leaves the status slot where it was, so the trigger
// can simply be retried.
func TestDispatchTransientFailureKeepsSlot(t *testing.T) {
	db := setupSyncDB(t)
	legalEntityID := createSyncLegalEntity(t, db)
	registryServer := failingRegistry(t, http.StatusInternalServerError, "registry unavailable")
	f := newSyncFixture(t, db, registryServer.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := f.coordinator.Dispatch(ctx, DispatchRequest{
		LegalEntityID: legalEntityID,
		Entity:        types.EntityEmployee,
		BearerToken:   "test-token",
		ActingUserID:  "user-1",
	})
	if err == nil {
		t.Fatal("Dispatch() succeeded against a failing registry")
	}

	status, err := f.entities.StatusFor(ctx, legalEntityID, types.EntityEmployee)
	if err != nil {
		t.Fatalf("StatusFor() error = %v", err)
	}
	if status != types.StatusIdle {
		t.Errorf("status after transient failure = %v, want %v", status, types.StatusIdle)
	}
}

// TestDispatchValidationFailureMarksFailed proves a permanent registry
// rejection of the inline page moves the slot to failed.
func TestDispatchValidationFailureMarksFailed(t *testing.T) {
	db := setupSyncDB(t)
	legalEntityID := createSyncLegalEntity(t, db)
	registryServer := failingRegistry(t, http.StatusUnprocessableEntity, "Validation failed")
	f := newSyncFixture(t, db, registryServer.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := f.coordinator.Dispatch(ctx, DispatchRequest{
		LegalEntityID: legalEntityID,
		Entity:        types.EntityEmployee,
		BearerToken:   "test-token",
		ActingUserID:  "user-1",
	})
	if err == nil {
		t.Fatal("Dispatch() succeeded against a rejecting registry")
	}

	status, err := f.entities.StatusFor(ctx, legalEntityID, types.EntityEmployee)
	if err != nil {
		t.Fatalf("StatusFor() error = %v", err)
	}
	if status != types.StatusFailed {
		t.Errorf("status after validation failure = %v, want %v", status, types.StatusFailed)
	}
}

// TestChainedFailureSettlesEntitySlot proves a terminal failure mid-chain
// fails both the aggregate slot the batch settles against and the slot of the
// entity that was actually in flight.
func TestChainedFailureSettlesEntitySlot(t *testing.T) {
	db := setupSyncDB(t)
	legalEntityID := createSyncLegalEntity(t, db)
	registryServer := failingRegistry(t, http.StatusInternalServerError, "registry unavailable")
	f := newSyncFixture(t, db, registryServer.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sealed, err := f.sealer.Seal("test-token")
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	chain := types.FirstLoginChain()
	batch := &models.SyncBatch{
		ID:            uuid.NewString(),
		Name:          fmt.Sprintf("overall sync for legal entity %d", legalEntityID),
		LegalEntityID: legalEntityID,
		Entity:        types.EntityOverall,
		Status:        models.BatchStatusPending,
		Options: models.BatchOptions{
			LegalEntityID: legalEntityID,
			SealedToken:   sealed,
			ActingUserID:  "user-1",
			FirstLogin:    true,
		},
	}
	job := &models.SyncJobRecord{
		ID:            uuid.NewString(),
		BatchID:       batch.ID,
		LegalEntityID: legalEntityID,
		Entity:        types.EntityEmployee,
		Page:          1,
		Chain:         chain,
		ChainIndex:    1,
	}
	if err := f.batches.CreateBatch(ctx, batch, []*models.SyncJobRecord{job}); err != nil {
		t.Fatalf("CreateBatch() error = %v", err)
	}
	if err := f.entities.SetStatus(ctx, legalEntityID, types.EntityOverall, types.StatusProcessing); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}
	if err := f.entities.SetStatus(ctx, legalEntityID, types.EntityEmployee, types.StatusProcessing); err != nil {
		t.Fatalf("SetStatus() error = %v", err)
	}

	queue := f.newQueue(1)
	f.drainOneJob(t, ctx, queue, 1)

	overall, err := f.entities.StatusFor(ctx, legalEntityID, types.EntityOverall)
	if err != nil {
		t.Fatalf("StatusFor() error = %v", err)
	}
	if overall != types.StatusFailed {
		t.Errorf("overall slot = %v, want %v", overall, types.StatusFailed)
	}

	employee, err := f.entities.StatusFor(ctx, legalEntityID, types.EntityEmployee)
	if err != nil {
		t.Fatalf("StatusFor() error = %v", err)
	}
	if employee != types.StatusFailed {
		t.Errorf("in-flight entity slot = %v, want %v", employee, types.StatusFailed)
	}

	settled, err := f.batches.GetBatch(ctx, batch.ID)
	if err != nil {
		t.Fatalf("GetBatch() error = %v", err)
	}
	if !settled.Failed {
		t.Error("batch not flagged failed after terminal job failure")
	}
}

// TestResumeOnLoginOwnerGate proves only the legal entity's owner restarts
// interrupted first-login provisioning, and that single-entity batches are
// left for the explicit resume endpoint.
func TestResumeOnLoginOwnerGate(t *testing.T) {
	db := setupSyncDB(t)
	legalEntityID := createSyncLegalEntity(t, db)
	registryServer := fakeRegistry(t)
	f := newSyncFixture(t, db, registryServer.URL)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if _, err := db.Pool().Exec(ctx, `UPDATE legal_entities SET owner_id = $2 WHERE id = $1`, legalEntityID, "owner-1"); err != nil {
		t.Fatalf("failed to set owner: %v", err)
	}

	sealed, err := f.sealer.Seal("test-token")
	if err != nil {
		t.Fatalf("Seal() error = %v", err)
	}

	makeFailedBatch := func(entity types.EntityType, jobEntity types.EntityType, chain []types.EntityType, chainIndex int, firstLogin bool) *models.SyncBatch {
		batch := &models.SyncBatch{
			ID:            uuid.NewString(),
			Name:          fmt.Sprintf("%s sync for legal entity %d", entity, legalEntityID),
			LegalEntityID: legalEntityID,
			Entity:        entity,
			Status:        models.BatchStatusPending,
			Options: models.BatchOptions{
				LegalEntityID: legalEntityID,
				SealedToken:   sealed,
				ActingUserID:  "owner-1",
				FirstLogin:    firstLogin,
			},
		}
		job := &models.SyncJobRecord{
			ID:            uuid.NewString(),
			BatchID:       batch.ID,
			LegalEntityID: legalEntityID,
			Entity:        jobEntity,
			Page:          2,
			Chain:         chain,
			ChainIndex:    chainIndex,
		}
		if err := f.batches.CreateBatch(ctx, batch, []*models.SyncJobRecord{job}); err != nil {
			t.Fatalf("CreateBatch() error = %v", err)
		}
		if _, err := db.Pool().Exec(ctx, `UPDATE sync_batches SET failed = TRUE WHERE id = $1`, batch.ID); err != nil {
			t.Fatalf("failed to flag batch: %v", err)
		}
		if err := f.entities.SetStatus(ctx, legalEntityID, entity, types.StatusFailed); err != nil {
			t.Fatalf("SetStatus() error = %v", err)
		}
		return batch
	}

	makeFailedBatch(types.EntityOverall, types.EntityEmployee, types.FirstLoginChain(), 1, true)
	makeFailedBatch(types.EntityDivision, types.EntityDivision, []types.EntityType{types.EntityDivision}, 0, false)

	resumer := NewResumer(f.batches, f.entities, storage.NopAuditSink{}, notify.LogNotifier{})

	resumed, err := resumer.ResumeOnLogin(ctx, legalEntityID, "someone-else")
	if err != nil {
		t.Fatalf("ResumeOnLogin() error = %v", err)
	}
	if resumed != 0 {
		t.Errorf("non-owner login resumed %d batches, want 0", resumed)
	}

	resumed, err = resumer.ResumeOnLogin(ctx, legalEntityID, "owner-1")
	if err != nil {
		t.Fatalf("ResumeOnLogin() error = %v", err)
	}
	if resumed != 1 {
		t.Errorf("owner login resumed %d batches, want 1", resumed)
	}

	overall, err := f.entities.StatusFor(ctx, legalEntityID, types.EntityOverall)
	if err != nil {
		t.Fatalf("StatusFor() error = %v", err)
	}
	if overall != types.StatusProcessing {
		t.Errorf("overall slot after owner login = %v, want %v", overall, types.StatusProcessing)
	}

	division, err := f.entities.StatusFor(ctx, legalEntityID, types.EntityDivision)
	if err != nil {
		t.Fatalf("StatusFor() error = %v", err)
	}
	if division != types.StatusFailed {
		t.Errorf("single-entity slot after owner login = %v, want %v untouched", division, types.StatusFailed)
	}
}
