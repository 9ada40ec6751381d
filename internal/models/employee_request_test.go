package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestApplied(t *testing.T) {
	req := &EmployeeRequest{Status: RequestStatusApproved}
	if req.Applied() {
		t.Error("Applied() = true before the revision was applied")
	}

	now := time.Now()
	req.RevisionAppliedAt = &now
	if !req.Applied() {
		t.Error("Applied() = false after the revision was applied")
	}
}

func TestRevisionContentDecoding(t *testing.T) {
	raw := json.RawMessage(`{
		"first_name": "Olena",
		"last_name": "Shevchenko",
		"email": "olena@clinic.ua",
		"documents": [{"type": "PASSPORT", "number": "AB123456"}]
	}`)

	var content RevisionContent
	if err := json.Unmarshal(raw, &content); err != nil {
		t.Fatalf("failed to decode revision: %v", err)
	}

	if content.FirstName != "Olena" {
		t.Errorf("FirstName = %q, want %q", content.FirstName, "Olena")
	}
	if content.Email != "olena@clinic.ua" {
		t.Errorf("Email = %q, want %q", content.Email, "olena@clinic.ua")
	}
	if len(content.Documents) == 0 {
		t.Error("Documents were dropped during decoding")
	}
}
