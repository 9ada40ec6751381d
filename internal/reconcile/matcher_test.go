package reconcile

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehealth-sync/internal/models"
	"github.com/ehealth-sync/internal/registry"
)

func datePtr(t *testing.T, value string) *time.Time {
	t.Helper()
	parsed, err := time.Parse("2006-01-02", value)
	require.NoError(t, err)
	return &parsed
}

func strPtr(s string) *string { return &s }

func pendingRequest(id int64, position, employeeType, startDate string, divisionUUID *string) *models.EmployeeRequest {
	req := &models.EmployeeRequest{
		ID:           id,
		TaxID:        "1234567890",
		Position:     position,
		EmployeeType: employeeType,
		Status:       models.RequestStatusNew,
		DivisionUUID: divisionUUID,
	}
	if startDate != "" {
		parsed, _ := time.Parse("2006-01-02", startDate)
		req.StartDate = &parsed
	}
	return req
}

func approvedRecord(id, position, employeeType, startDate, divisionID string) *registry.Record {
	return &registry.Record{
		ID:           id,
		Status:       models.RequestStatusApproved,
		TaxID:        "1234567890",
		Position:     position,
		EmployeeType: employeeType,
		StartDate:    startDate,
		DivisionID:   divisionID,
	}
}

func TestParseDate(t *testing.T) {
	tests := []struct {
		name  string
		input string
		ok    bool
	}{
		{"plain date", "2026-03-15", true},
		{"rfc3339", "2026-03-15T08:30:00Z", true},
		{"datetime without zone", "2026-03-15T08:30:00", true},
		{"garbage", "15/03/2026", false},
		{"empty", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseDate(tt.input)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func TestSameCalendarDay(t *testing.T) {
	local := datePtr(t, "2026-03-15")

	assert.True(t, sameCalendarDay(local, "2026-03-15"))
	assert.True(t, sameCalendarDay(local, "2026-03-15T23:59:59Z"), "time of day must not matter")
	assert.False(t, sameCalendarDay(local, "2026-03-16"))
	assert.False(t, sameCalendarDay(local, ""))
	assert.False(t, sameCalendarDay(nil, "2026-03-15"))
}

func TestCompareStrict(t *testing.T) {
	t.Run("all predicates match", func(t *testing.T) {
		local := pendingRequest(1, "P1", "DOCTOR", "2026-03-15", strPtr("div-1"))
		remote := approvedRecord("r1", "P1", "DOCTOR", "2026-03-15T00:00:00Z", "div-1")

		outcome := compare(local, remote)
		assert.True(t, outcome.Strict())
	})

	t.Run("division mismatch breaks strictness", func(t *testing.T) {
		local := pendingRequest(1, "P1", "DOCTOR", "2026-03-15", strPtr("div-1"))
		remote := approvedRecord("r1", "P1", "DOCTOR", "2026-03-15", "div-2")

		outcome := compare(local, remote)
		assert.True(t, outcome.DivisionChecked)
		assert.False(t, outcome.Strict())
	})

	t.Run("absent division filter does not count", func(t *testing.T) {
		local := pendingRequest(1, "P1", "DOCTOR", "2026-03-15", nil)
		remote := approvedRecord("r1", "P1", "DOCTOR", "2026-03-15", "div-2")

		outcome := compare(local, remote)
		assert.False(t, outcome.DivisionChecked)
		assert.True(t, outcome.Strict())
	})

	t.Run("start date mismatch breaks strictness", func(t *testing.T) {
		local := pendingRequest(1, "P1", "DOCTOR", "2026-03-15", nil)
		remote := approvedRecord("r1", "P1", "DOCTOR", "2026-04-01", "")

		assert.False(t, compare(local, remote).Strict())
	})
}

func TestSelectLocalRequest(t *testing.T) {
	remote := approvedRecord("r1", "P1", "DOCTOR", "2026-03-15", "div-1")

	t.Run("single strict match wins", func(t *testing.T) {
		pending := []*models.EmployeeRequest{
			pendingRequest(1, "P1", "DOCTOR", "2026-03-15", strPtr("div-1")),
			pendingRequest(2, "P2", "NURSE", "2026-01-01", nil),
		}

		local, _, fuzzy, err := selectLocalRequest(pending, remote)
		require.NoError(t, err)
		require.NotNil(t, local)
		assert.Equal(t, int64(1), local.ID)
		assert.False(t, fuzzy)
	})

	t.Run("two identical candidates fail closed", func(t *testing.T) {
		pending := []*models.EmployeeRequest{
			pendingRequest(1, "P1", "DOCTOR", "2026-03-15", strPtr("div-1")),
			pendingRequest(2, "P1", "DOCTOR", "2026-03-15", strPtr("div-1")),
		}

		local, _, _, err := selectLocalRequest(pending, remote)
		assert.Nil(t, local)
		assert.True(t, errors.Is(err, ErrAmbiguousMatch))
	})

	t.Run("sole loose candidate accepted as fuzzy", func(t *testing.T) {
		pending := []*models.EmployeeRequest{
			pendingRequest(1, "P1", "DOCTOR", "2026-04-01", nil),
		}

		local, _, fuzzy, err := selectLocalRequest(pending, remote)
		require.NoError(t, err)
		require.NotNil(t, local)
		assert.True(t, fuzzy)
	})

	t.Run("several loose candidates fail closed", func(t *testing.T) {
		pending := []*models.EmployeeRequest{
			pendingRequest(1, "P1", "DOCTOR", "2026-04-01", nil),
			pendingRequest(2, "P1", "DOCTOR", "2026-05-01", nil),
		}

		local, _, _, err := selectLocalRequest(pending, remote)
		assert.Nil(t, local)
		assert.True(t, errors.Is(err, ErrAmbiguousMatch))
	})

	t.Run("no candidates means no match", func(t *testing.T) {
		local, _, fuzzy, err := selectLocalRequest(nil, remote)
		require.NoError(t, err)
		assert.Nil(t, local)
		assert.False(t, fuzzy)
	})
}

func TestSelectRemoteCandidate(t *testing.T) {
	local := pendingRequest(7, "P1", "DOCTOR", "2026-03-15", strPtr("div-1"))

	t.Run("single strict match wins", func(t *testing.T) {
		candidates := []registry.Record{
			*approvedRecord("r1", "P1", "DOCTOR", "2026-03-15", "div-1"),
			*approvedRecord("r2", "P9", "NURSE", "2025-01-01", "div-9"),
		}

		remote, _, fuzzy, err := selectRemoteCandidate(local, candidates)
		require.NoError(t, err)
		require.NotNil(t, remote)
		assert.Equal(t, "r1", remote.ID)
		assert.False(t, fuzzy)
	})

	t.Run("multiple strict matches fail closed", func(t *testing.T) {
		candidates := []registry.Record{
			*approvedRecord("r1", "P1", "DOCTOR", "2026-03-15", "div-1"),
			*approvedRecord("r2", "P1", "DOCTOR", "2026-03-15", "div-1"),
		}

		remote, _, _, err := selectRemoteCandidate(local, candidates)
		assert.Nil(t, remote)
		assert.True(t, errors.Is(err, ErrAmbiguousMatch))
	})

	t.Run("sole candidate accepted as fuzzy", func(t *testing.T) {
		candidates := []registry.Record{
			*approvedRecord("r1", "P1", "DOCTOR", "2026-06-20", "div-1"),
		}

		remote, outcome, fuzzy, err := selectRemoteCandidate(local, candidates)
		require.NoError(t, err)
		require.NotNil(t, remote)
		assert.True(t, fuzzy)
		assert.False(t, outcome.Strict())
	})
}
