// Package types defines shared domain types for the registry sync engine.
package types

// EntityType identifies a synchronizable registry entity.
type EntityType string

const (
	EntityEmployee          EntityType = "employee"
	EntityEmployeeRole      EntityType = "employee_role"
	EntityDivision          EntityType = "division"
	EntityEquipment         EntityType = "equipment"
	EntityHealthcareService EntityType = "healthcare_service"
	EntityDeclaration       EntityType = "declaration"
	EntityContractRequest   EntityType = "contract_request"
	EntityEmployeeRequest   EntityType = "employee_request"
	EntityConfidantPerson   EntityType = "confidant_person"
	EntityPartyVerification EntityType = "party_verification"
	EntityLegalEntity       EntityType = "legal_entity"

	// EntityOverall is the aggregate slot covering a full provisioning run.
	EntityOverall EntityType = "overall"
)

// AllEntityTypes lists every entity that has its own sync status slot.
func AllEntityTypes() []EntityType {
	return []EntityType{
		EntityEmployee,
		EntityEmployeeRole,
		EntityDivision,
		EntityEquipment,
		EntityHealthcareService,
		EntityDeclaration,
		EntityContractRequest,
		EntityEmployeeRequest,
		EntityConfidantPerson,
		EntityPartyVerification,
		EntityLegalEntity,
	}
}

// FirstLoginChain is the entity order for first-login provisioning.
// Each entity's sync is enqueued only after the previous one completes.
func FirstLoginChain() []EntityType {
	return []EntityType{
		EntityDivision,
		EntityEmployee,
		EntityEmployeeRole,
		EntityDeclaration,
		EntityLegalEntity,
	}
}

// Valid reports whether e is a known entity type.
func (e EntityType) Valid() bool {
	if e == EntityOverall {
		return true
	}
	for _, known := range AllEntityTypes() {
		if e == known {
			return true
		}
	}
	return false
}

// JobStatus is the per-(legal entity, entity type) sync state.
type JobStatus string

const (
	StatusIdle       JobStatus = "idle"
	StatusProcessing JobStatus = "processing"
	StatusPaused     JobStatus = "paused"
	StatusFailed     JobStatus = "failed"
	StatusCompleted  JobStatus = "completed"
	StatusPartial    JobStatus = "partial"
)

// CanTransition reports whether moving from s to next is a legal transition.
//
//	idle       -> processing            (dispatch)
//	processing -> completed|failed|paused|partial
//	failed     -> processing            (resume)
//	paused     -> processing            (resume)
//	completed  -> processing            (a fresh dispatch of a new batch)
//	partial    -> processing            (detail sync follow-up)
func (s JobStatus) CanTransition(next JobStatus) bool {
	switch s {
	case StatusIdle:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed ||
			next == StatusPaused || next == StatusPartial
	case StatusFailed, StatusPaused, StatusCompleted, StatusPartial:
		return next == StatusProcessing
	default:
		return false
	}
}

// Resumable reports whether a sync in this state may be restarted.
func (s JobStatus) Resumable() bool {
	return s == StatusFailed || s == StatusPaused
}

// Terminal reports whether the state ends a batch's lifecycle.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// ServiceError represents a structured error response
type ServiceError struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	return e.Message
}

// SyncContext carries the explicit per-request sync scope. It replaces any
// ambient "current legal entity" lookup: every job and component receives it.
type SyncContext struct {
	LegalEntityID int64
	ActingUserID  string
	// SealedToken is the AES-GCM sealed registry bearer token. Jobs unseal
	// it at the point of use only.
	SealedToken string
	// FirstLogin switches reconciliation to provisioning mode (no conflict
	// prompts, stub inserts allowed).
	FirstLogin bool
}
