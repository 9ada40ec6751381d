package reconcile

import (
	"encoding/json"
	"time"

	"github.com/ehealth-sync/internal/models"
	"github.com/ehealth-sync/internal/registry"
)

// mergeEmployee builds the post-reconciliation employee row. Precedence:
// local revision content wins name/document/qualification fields (the
// registry may echo them back incompletely), while the registry wins the
// system and status fields it is authoritative for.
func mergeEmployee(existing *models.Employee, revision *models.RevisionContent, remote *registry.Record, legalEntityID int64, divisionID *int64) *models.Employee {
	merged := &models.Employee{LegalEntityID: legalEntityID}
	if existing != nil {
		*merged = *existing
	}

	// Content fields: revision, then whatever is already local, then the
	// registry echo as a last resort.
	if revision != nil {
		merged.FirstName = pick(revision.FirstName, merged.FirstName, remote.FirstName)
		merged.LastName = pick(revision.LastName, merged.LastName, remote.LastName)
		merged.SecondName = pick(revision.SecondName, merged.SecondName, remote.SecondName)
		merged.Email = pick(revision.Email, merged.Email, remote.Email)
		merged.Documents = pickJSON(revision.Documents, merged.Documents, remote.Documents)
		merged.Qualifications = pickJSON(revision.Qualifications, merged.Qualifications, remote.Qualifications)
	} else {
		merged.FirstName = pick(merged.FirstName, remote.FirstName)
		merged.LastName = pick(merged.LastName, remote.LastName)
		merged.SecondName = pick(merged.SecondName, remote.SecondName)
		merged.Email = pick(merged.Email, remote.Email)
		merged.Documents = pickJSON(merged.Documents, remote.Documents)
		merged.Qualifications = pickJSON(merged.Qualifications, remote.Qualifications)
	}

	// System and status fields: registry is authoritative.
	if remote.Status != "" {
		merged.Status = remote.Status
	}
	if remote.Position != "" {
		merged.Position = remote.Position
	}
	if remote.EmployeeType != "" {
		merged.EmployeeType = remote.EmployeeType
	}
	if remote.PartyID != "" {
		partyID := remote.PartyID
		merged.PartyID = &partyID
	}
	if remote.TaxID != "" {
		merged.TaxID = remote.TaxID
	}
	if divisionID != nil {
		merged.DivisionID = divisionID
	}
	merged.StartDate = mergeDate(merged.StartDate, remote.StartDate)
	merged.EndDate = mergeDate(merged.EndDate, remote.EndDate)

	// The uuid, once assigned, never changes.
	if merged.UUID == nil && remote.EmployeeID != "" {
		employeeUUID := remote.EmployeeID
		merged.UUID = &employeeUUID
	}

	return merged
}

// pick returns the first non-empty candidate.
func pick(candidates ...string) string {
	for _, c := range candidates {
		if c != "" {
			return c
		}
	}
	return ""
}

// pickJSON returns the first non-empty JSON candidate.
func pickJSON(candidates ...json.RawMessage) json.RawMessage {
	for _, c := range candidates {
		if len(c) > 0 && string(c) != "null" {
			return c
		}
	}
	return nil
}

// mergeDate prefers the registry date when it parses, keeping the local
// value otherwise.
func mergeDate(local *time.Time, remote string) *time.Time {
	if remote == "" {
		return local
	}
	parsed, err := parseDate(remote)
	if err != nil {
		return local
	}
	return &parsed
}
