package models

import (
	"encoding/json"
	"time"
)

// Employee request statuses as used by the registry.
const (
	RequestStatusNew      = "NEW"
	RequestStatusApproved = "APPROVED"
	RequestStatusRejected = "REJECTED"
	RequestStatusExpired  = "EXPIRED"
)

// EmployeeRequest is a locally authored request to create or change an
// employee in the registry. The registry's user-token-scoped creation flow
// does not echo the created resource's uuid back, so UUID may stay nil until
// identity resolution succeeds.
type EmployeeRequest struct {
	ID            int64   `json:"id" db:"id"`
	UUID          *string `json:"uuid,omitempty" db:"uuid"`
	LegalEntityID int64   `json:"legalEntityId" db:"legal_entity_id"`
	EmployeeID    *int64  `json:"employeeId,omitempty" db:"employee_id"`
	DivisionID    *int64  `json:"divisionId,omitempty" db:"division_id"`
	DivisionUUID  *string `json:"divisionUuid,omitempty" db:"division_uuid"`

	TaxID        string     `json:"taxId" db:"tax_id"`
	Position     string     `json:"position" db:"position"`
	EmployeeType string     `json:"employeeType" db:"employee_type"`
	StartDate    *time.Time `json:"startDate,omitempty" db:"start_date"`
	Status       string     `json:"status" db:"status"`

	// Revision is the last locally saved payload awaiting application.
	// A request has at most one pending revision; applying it is
	// irreversible and moves the request to a terminal status.
	Revision          json.RawMessage `json:"revision,omitempty" db:"revision"`
	RevisionAppliedAt *time.Time      `json:"revisionAppliedAt,omitempty" db:"revision_applied_at"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// Applied reports whether the pending revision has already been applied.
// Re-applying an applied request must be a no-op (at-least-once delivery).
func (r *EmployeeRequest) Applied() bool {
	return r.RevisionAppliedAt != nil
}

// RevisionContent is the local-authored portion of a request revision.
// These fields are the source of truth during merges; registry echoes may
// return them incomplete.
type RevisionContent struct {
	FirstName      string          `json:"first_name"`
	LastName       string          `json:"last_name"`
	SecondName     string          `json:"second_name"`
	Email          string          `json:"email"`
	Documents      json.RawMessage `json:"documents,omitempty"`
	Qualifications json.RawMessage `json:"qualifications,omitempty"`
}
