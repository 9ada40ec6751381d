package reconcile

import (
	"context"
	"fmt"

	"github.com/ehealth-sync/internal/models"
	"github.com/ehealth-sync/internal/registry"
	"github.com/ehealth-sync/internal/storage"
	"github.com/ehealth-sync/internal/types"
)

// RecordReconciler merges one remote record into local state. Implementations
// keep each record's writes independent so one bad record never poisons the
// rest of its page.
type RecordReconciler interface {
	Reconcile(ctx context.Context, syncCtx types.SyncContext, batchID string, record *registry.Record) error
}

// EmployeeReconciler upserts registry employees keyed by uuid.
type EmployeeReconciler struct {
	employees *storage.EmployeeRepository
	divisions *storage.DivisionRepository
}

// NewEmployeeReconciler creates a new employee reconciler.
func NewEmployeeReconciler(employees *storage.EmployeeRepository, divisions *storage.DivisionRepository) *EmployeeReconciler {
	return &EmployeeReconciler{employees: employees, divisions: divisions}
}

// Reconcile implements RecordReconciler.
func (r *EmployeeReconciler) Reconcile(ctx context.Context, syncCtx types.SyncContext, batchID string, record *registry.Record) error {
	if record.ID == "" {
		return fmt.Errorf("employee record has no id")
	}

	existing, err := r.employees.GetByUUID(ctx, r.employees.Pool(), syncCtx.LegalEntityID, record.ID)
	if err != nil {
		return err
	}

	var divisionID *int64
	if record.DivisionID != "" {
		divisionID, err = r.divisions.LocalIDByUUID(ctx, r.divisions.Pool(), syncCtx.LegalEntityID, record.DivisionID)
		if err != nil {
			return err
		}
	}

	// List records carry the employee's own uuid in ID, not EmployeeID.
	remote := *record
	remote.EmployeeID = record.ID

	merged := mergeEmployee(existing, nil, &remote, syncCtx.LegalEntityID, divisionID)
	return r.employees.Upsert(ctx, r.employees.Pool(), merged)
}

// DivisionReconciler upserts registry divisions keyed by uuid.
type DivisionReconciler struct {
	divisions *storage.DivisionRepository
}

// NewDivisionReconciler creates a new division reconciler.
func NewDivisionReconciler(divisions *storage.DivisionRepository) *DivisionReconciler {
	return &DivisionReconciler{divisions: divisions}
}

// Reconcile implements RecordReconciler.
func (r *DivisionReconciler) Reconcile(ctx context.Context, syncCtx types.SyncContext, batchID string, record *registry.Record) error {
	if record.ID == "" {
		return fmt.Errorf("division record has no id")
	}

	uuid := record.ID
	division := &models.Division{
		UUID:          &uuid,
		LegalEntityID: syncCtx.LegalEntityID,
		Name:          record.Name,
		Type:          record.Type,
		Status:        record.Status,
	}
	return r.divisions.Upsert(ctx, r.divisions.Pool(), division)
}

// MirrorReconciler stores raw records for entity types with no richer local
// model.
type MirrorReconciler struct {
	entity types.EntityType
	mirror *storage.RecordMirrorRepository
}

// NewMirrorReconciler creates a reconciler that mirrors one entity type.
func NewMirrorReconciler(entity types.EntityType, mirror *storage.RecordMirrorRepository) *MirrorReconciler {
	return &MirrorReconciler{entity: entity, mirror: mirror}
}

// Reconcile implements RecordReconciler.
func (r *MirrorReconciler) Reconcile(ctx context.Context, syncCtx types.SyncContext, batchID string, record *registry.Record) error {
	if record.ID == "" {
		return fmt.Errorf("%s record has no id", r.entity)
	}
	return r.mirror.Upsert(ctx, r.mirror.Pool(), syncCtx.LegalEntityID, r.entity, record.ID, record.Status, record.Raw)
}

// requestReconciler adapts EmployeeRequestProcessor to RecordReconciler.
type requestReconciler struct {
	processor *EmployeeRequestProcessor
}

// Reconcile implements RecordReconciler.
func (r *requestReconciler) Reconcile(ctx context.Context, syncCtx types.SyncContext, batchID string, record *registry.Record) error {
	return r.processor.ProcessRecord(ctx, syncCtx, batchID, record)
}

// Set routes records to the reconciler for their entity type.
type Set struct {
	reconcilers map[types.EntityType]RecordReconciler
	processor   *EmployeeRequestProcessor
}

// NewSet wires the full per-entity reconciler set.
func NewSet(
	db *storage.PostgresDB,
	employees *storage.EmployeeRepository,
	divisions *storage.DivisionRepository,
	requests *storage.EmployeeRequestRepository,
	mirror *storage.RecordMirrorRepository,
	audit storage.AuditSink,
) *Set {
	processor := NewEmployeeRequestProcessor(db, employees, divisions, requests, audit)

	reconcilers := map[types.EntityType]RecordReconciler{
		types.EntityEmployee:        NewEmployeeReconciler(employees, divisions),
		types.EntityEmployeeRole:    NewMirrorReconciler(types.EntityEmployeeRole, mirror),
		types.EntityDivision:        NewDivisionReconciler(divisions),
		types.EntityEmployeeRequest: &requestReconciler{processor: processor},
	}
	for _, entity := range []types.EntityType{
		types.EntityEquipment,
		types.EntityHealthcareService,
		types.EntityDeclaration,
		types.EntityContractRequest,
		types.EntityConfidantPerson,
		types.EntityPartyVerification,
		types.EntityLegalEntity,
	} {
		reconcilers[entity] = NewMirrorReconciler(entity, mirror)
	}

	return &Set{reconcilers: reconcilers, processor: processor}
}

// ForEntity returns the reconciler registered for the entity type.
func (s *Set) ForEntity(entity types.EntityType) (RecordReconciler, error) {
	r, ok := s.reconcilers[entity]
	if !ok {
		return nil, fmt.Errorf("no reconciler for entity type %q", entity)
	}
	return r, nil
}

// RequestProcessor exposes the employee request processor for the outbound
// identity-resolution pass.
func (s *Set) RequestProcessor() *EmployeeRequestProcessor {
	return s.processor
}
