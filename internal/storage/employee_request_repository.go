package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ehealth-sync/internal/models"
)

// EmployeeRequestRepository handles employee request persistence
type EmployeeRequestRepository struct {
	db *PostgresDB
}

// NewEmployeeRequestRepository creates a new employee request repository
func NewEmployeeRequestRepository(db *PostgresDB) *EmployeeRequestRepository {
	return &EmployeeRequestRepository{db: db}
}

const requestColumns = `
	id, uuid, legal_entity_id, employee_id, division_id, division_uuid,
	tax_id, position, employee_type, start_date, status,
	revision, revision_applied_at, created_at, updated_at
`

func scanRequest(row pgx.Row) (*models.EmployeeRequest, error) {
	var req models.EmployeeRequest
	err := row.Scan(
		&req.ID, &req.UUID, &req.LegalEntityID, &req.EmployeeID, &req.DivisionID, &req.DivisionUUID,
		&req.TaxID, &req.Position, &req.EmployeeType, &req.StartDate, &req.Status,
		&req.Revision, &req.RevisionAppliedAt, &req.CreatedAt, &req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &req, nil
}

// GetByID retrieves a request by local id
func (r *EmployeeRequestRepository) GetByID(ctx context.Context, q Querier, id int64) (*models.EmployeeRequest, error) {
	query := fmt.Sprintf(`SELECT %s FROM employee_requests WHERE id = $1`, requestColumns)

	req, err := scanRequest(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get employee request: %w", err)
	}
	return req, nil
}

// GetByUUID retrieves a request by registry uuid. Returns nil when absent.
func (r *EmployeeRequestRepository) GetByUUID(ctx context.Context, q Querier, legalEntityID int64, uuid string) (*models.EmployeeRequest, error) {
	query := fmt.Sprintf(`SELECT %s FROM employee_requests WHERE legal_entity_id = $1 AND uuid = $2`, requestColumns)

	req, err := scanRequest(q.QueryRow(ctx, query, legalEntityID, uuid))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get employee request by uuid: %w", err)
	}
	return req, nil
}

// FindPendingByTaxID lists requests that are still awaiting their registry
// outcome: status NEW with an unapplied revision.
func (r *EmployeeRequestRepository) FindPendingByTaxID(ctx context.Context, q Querier, legalEntityID int64, taxID string) ([]*models.EmployeeRequest, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM employee_requests
		WHERE legal_entity_id = $1
		  AND tax_id = $2
		  AND status = $3
		  AND revision_applied_at IS NULL
		ORDER BY created_at
	`, requestColumns)

	rows, err := q.Query(ctx, query, legalEntityID, taxID, models.RequestStatusNew)
	if err != nil {
		return nil, fmt.Errorf("failed to find pending requests: %w", err)
	}
	defer rows.Close()

	var requests []*models.EmployeeRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan employee request: %w", err)
		}
		requests = append(requests, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate pending requests: %w", err)
	}

	return requests, nil
}

// FindPendingWithoutUUID lists requests still awaiting outbound identity
// resolution: status NEW, no registry uuid, revision unapplied.
func (r *EmployeeRequestRepository) FindPendingWithoutUUID(ctx context.Context, q Querier, legalEntityID int64) ([]*models.EmployeeRequest, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM employee_requests
		WHERE legal_entity_id = $1
		  AND uuid IS NULL
		  AND status = $2
		  AND revision_applied_at IS NULL
		ORDER BY created_at
	`, requestColumns)

	rows, err := q.Query(ctx, query, legalEntityID, models.RequestStatusNew)
	if err != nil {
		return nil, fmt.Errorf("failed to list unresolved requests: %w", err)
	}
	defer rows.Close()

	var requests []*models.EmployeeRequest
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan employee request: %w", err)
		}
		requests = append(requests, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate unresolved requests: %w", err)
	}

	return requests, nil
}

// RefreshStatus records a new registry-reported status on a request whose
// revision has not been applied. Applied requests are left untouched.
func (r *EmployeeRequestRepository) RefreshStatus(ctx context.Context, q Querier, requestID int64, status string) error {
	query := `
		UPDATE employee_requests SET status = $2, updated_at = NOW()
		WHERE id = $1 AND revision_applied_at IS NULL
	`

	if _, err := q.Exec(ctx, query, requestID, status); err != nil {
		return fmt.Errorf("failed to refresh request status: %w", err)
	}
	return nil
}

// ApplyOutcome links the request to its resolved registry identity and local
// employee, sets the terminal status, and stamps the revision as applied.
// Must run inside the reconciler's transaction.
func (r *EmployeeRequestRepository) ApplyOutcome(ctx context.Context, q Querier, requestID int64, uuid string, employeeID int64, status string) error {
	query := `
		UPDATE employee_requests
		SET uuid = COALESCE(uuid, $2),
		    employee_id = $3,
		    status = $4,
		    revision_applied_at = NOW(),
		    updated_at = NOW()
		WHERE id = $1 AND revision_applied_at IS NULL
	`

	tag, err := q.Exec(ctx, query, requestID, uuid, employeeID, status)
	if err != nil {
		return fmt.Errorf("failed to apply request outcome: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("employee request %d already applied or missing", requestID)
	}
	return nil
}

// InsertStub creates a partial local request for a remote record with no
// local counterpart, so a later detail sync has something to attach to.
func (r *EmployeeRequestRepository) InsertStub(ctx context.Context, q Querier, req *models.EmployeeRequest) error {
	query := `
		INSERT INTO employee_requests (
			uuid, legal_entity_id, tax_id, position, employee_type,
			start_date, status, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
		ON CONFLICT (uuid) DO NOTHING
		RETURNING id
	`

	err := q.QueryRow(ctx, query,
		req.UUID, req.LegalEntityID, req.TaxID, req.Position, req.EmployeeType,
		req.StartDate, req.Status,
	).Scan(&req.ID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Conflict: the stub already exists, which is fine under
			// at-least-once delivery.
			return nil
		}
		return fmt.Errorf("failed to insert stub request: %w", err)
	}
	return nil
}

// Pool returns the repository's pool as a Querier for non-transactional calls.
func (r *EmployeeRequestRepository) Pool() Querier {
	return r.db.Pool()
}
