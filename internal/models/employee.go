package models

import (
	"encoding/json"
	"time"
)

// Employee is a locally mirrored registry employee. UUID is nullable because
// local drafts may not exist remotely yet; once assigned it never changes and
// is the dedup key for all reconciliation.
type Employee struct {
	ID            int64   `json:"id" db:"id"`
	UUID          *string `json:"uuid,omitempty" db:"uuid"`
	LegalEntityID int64   `json:"legalEntityId" db:"legal_entity_id"`
	PartyID       *string `json:"partyId,omitempty" db:"party_id"`
	DivisionID    *int64  `json:"divisionId,omitempty" db:"division_id"`

	TaxID      string `json:"taxId" db:"tax_id"`
	FirstName  string `json:"firstName" db:"first_name"`
	LastName   string `json:"lastName" db:"last_name"`
	SecondName string `json:"secondName" db:"second_name"`
	Email      string `json:"email" db:"email"`

	Position     string     `json:"position" db:"position"`
	EmployeeType string     `json:"employeeType" db:"employee_type"`
	Status       string     `json:"status" db:"status"`
	StartDate    *time.Time `json:"startDate,omitempty" db:"start_date"`
	EndDate      *time.Time `json:"endDate,omitempty" db:"end_date"`

	Documents      json.RawMessage `json:"documents,omitempty" db:"documents"`
	Qualifications json.RawMessage `json:"qualifications,omitempty" db:"qualifications"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}

// Division is a locally mirrored registry division.
type Division struct {
	ID            int64   `json:"id" db:"id"`
	UUID          *string `json:"uuid,omitempty" db:"uuid"`
	LegalEntityID int64   `json:"legalEntityId" db:"legal_entity_id"`
	Name          string  `json:"name" db:"name"`
	Type          string  `json:"type" db:"type"`
	Status        string  `json:"status" db:"status"`

	CreatedAt time.Time `json:"createdAt" db:"created_at"`
	UpdatedAt time.Time `json:"updatedAt" db:"updated_at"`
}
