// Package reconcile merges remote registry records into local state,
// resolving identity when the registry does not return a stable foreign key.
package reconcile

import (
	"fmt"
	"time"

	"github.com/ehealth-sync/internal/models"
	"github.com/ehealth-sync/internal/registry"
)

// dateLayouts are the formats the registry has been observed to return for
// start dates. Matching is tolerant across them.
var dateLayouts = []string{
	"2006-01-02",
	time.RFC3339,
	"2006-01-02T15:04:05",
}

// parseDate parses a registry date string, trying each known layout.
func parseDate(value string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, value); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date format: %q", value)
}

// sameCalendarDay reports whether the local date and the registry date fall
// on the same calendar day, regardless of time-of-day or format.
func sameCalendarDay(local *time.Time, remote string) bool {
	if local == nil || remote == "" {
		return false
	}
	parsed, err := parseDate(remote)
	if err != nil {
		return false
	}
	ly, lm, ld := local.Date()
	ry, rm, rd := parsed.Date()
	return ly == ry && lm == rm && ld == rd
}

// matchOutcome describes how a (local request, remote record) pair compared.
type matchOutcome struct {
	PositionMatch  bool
	TypeMatch      bool
	StartDateMatch bool
	DivisionMatch  bool
	// DivisionChecked is false when no division filter was in play, in
	// which case DivisionMatch does not count against strictness.
	DivisionChecked bool
}

// Strict reports whether every applicable predicate matched.
func (m matchOutcome) Strict() bool {
	if !m.PositionMatch || !m.TypeMatch || !m.StartDateMatch {
		return false
	}
	if m.DivisionChecked && !m.DivisionMatch {
		return false
	}
	return true
}

// String renders the predicate results for audit entries.
func (m matchOutcome) String() string {
	division := "n/a"
	if m.DivisionChecked {
		division = fmt.Sprintf("%t", m.DivisionMatch)
	}
	return fmt.Sprintf("position=%t type=%t start_date=%t division=%s",
		m.PositionMatch, m.TypeMatch, m.StartDateMatch, division)
}

// compare evaluates the identity predicates between a local pending request
// and a remote record.
func compare(local *models.EmployeeRequest, remote *registry.Record) matchOutcome {
	outcome := matchOutcome{
		PositionMatch:  local.Position != "" && local.Position == remote.Position,
		TypeMatch:      local.EmployeeType != "" && local.EmployeeType == remote.EmployeeType,
		StartDateMatch: sameCalendarDay(local.StartDate, remote.StartDate),
	}
	if local.DivisionUUID != nil && *local.DivisionUUID != "" {
		outcome.DivisionChecked = true
		outcome.DivisionMatch = *local.DivisionUUID == remote.DivisionID
	}
	return outcome
}
