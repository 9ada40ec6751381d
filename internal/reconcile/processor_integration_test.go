package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ehealth-sync/internal/config"
	"github.com/ehealth-sync/internal/models"
	"github.com/ehealth-sync/internal/registry"
	"github.com/ehealth-sync/internal/storage"
	"github.com/ehealth-sync/internal/types"
)

func setupReconcileDB(t *testing.T) *storage.PostgresDB {
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

func createReconcileLegalEntity(t *testing.T, db *storage.PostgresDB) int64 {
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
		_, _ = db.Pool().Exec(ctx, `DELETE FROM employee_requests WHERE legal_entity_id = $1`, id)
		_, _ = db.Pool().Exec(ctx, `DELETE FROM employees WHERE legal_entity_id = $1`, id)
		_, _ = db.Pool().Exec(ctx, `DELETE FROM legal_entities WHERE id = $1`, id)
	})

	return id
}

// TestProcessRecordRedelivery proves applying an approved record is
// idempotent: the second delivery of the same record is a no-op and the
// applied revision stays put.
func TestProcessRecordRedelivery(t *testing.T) {
	db := setupReconcileDB(t)
	legalEntityID := createReconcileLegalEntity(t, db)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	requestRepo := storage.NewEmployeeRequestRepository(db)
	processor := NewEmployeeRequestProcessor(
		db,
		storage.NewEmployeeRepository(db),
		storage.NewDivisionRepository(db),
		requestRepo,
		storage.NopAuditSink{},
	)

	startDate := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	var requestID int64
	err := db.Pool().QueryRow(ctx, `
		INSERT INTO employee_requests (legal_entity_id, tax_id, position, employee_type, start_date, status, revision)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, legalEntityID, "3334445556", "P2", "DOCTOR", startDate, models.RequestStatusNew,
		[]byte(`{"first_name": "Olena", "last_name": "Shevchenko", "email": "olena@example.com"}`),
	).Scan(&requestID)
	if err != nil {
		t.Fatalf("failed to insert pending request: %v", err)
	}

	remote := &registry.Record{
		ID:           uuid.NewString(),
		Status:       models.RequestStatusApproved,
		TaxID:        "3334445556",
		Position:     "P2",
		EmployeeType: "DOCTOR",
		StartDate:    "2026-03-01",
		EmployeeID:   uuid.NewString(),
		FirstName:    "OLENA",
		LastName:     "SHEVCHENKO",
	}
	syncCtx := types.SyncContext{LegalEntityID: legalEntityID, ActingUserID: "user-1"}

	if err := processor.ProcessRecord(ctx, syncCtx, "batch-1", remote); err != nil {
		t.Fatalf("first ProcessRecord() error = %v", err)
	}

	applied, err := requestRepo.GetByID(ctx, requestRepo.Pool(), requestID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if !applied.Applied() {
		t.Fatal("request not applied after first delivery")
	}
	if applied.UUID == nil || *applied.UUID != remote.ID {
		t.Errorf("request uuid = %v, want %s", applied.UUID, remote.ID)
	}
	if applied.Status != models.RequestStatusApproved {
		t.Errorf("request status = %s, want %s", applied.Status, models.RequestStatusApproved)
	}

	countEmployees := func() int {
		var n int
		err := db.Pool().QueryRow(ctx, `SELECT COUNT(*) FROM employees WHERE legal_entity_id = $1`, legalEntityID).Scan(&n)
		if err != nil {
			t.Fatalf("failed to count employees: %v", err)
		}
		return n
	}
	if got := countEmployees(); got != 1 {
		t.Fatalf("employees after first delivery = %d, want 1", got)
	}

	// Local revision content wins over the registry echo.
	var firstName string
	err = db.Pool().QueryRow(ctx, `SELECT first_name FROM employees WHERE legal_entity_id = $1`, legalEntityID).Scan(&firstName)
	if err != nil {
		t.Fatalf("failed to read employee: %v", err)
	}
	if firstName != "Olena" {
		t.Errorf("employee first name = %q, want revision content %q", firstName, "Olena")
	}

	// Deliver the identical record again.
	if err := processor.ProcessRecord(ctx, syncCtx, "batch-2", remote); err != nil {
		t.Fatalf("re-delivered ProcessRecord() error = %v", err)
	}

	if got := countEmployees(); got != 1 {
		t.Errorf("employees after re-delivery = %d, want 1 unchanged", got)
	}
	reapplied, err := requestRepo.GetByID(ctx, requestRepo.Pool(), requestID)
	if err != nil {
		t.Fatalf("GetByID() error = %v", err)
	}
	if !reapplied.RevisionAppliedAt.Equal(*applied.RevisionAppliedAt) {
		t.Errorf("re-delivery moved revision_applied_at from %v to %v",
			applied.RevisionAppliedAt, reapplied.RevisionAppliedAt)
	}
}
