package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ehealth-sync/internal/models"
)

// EmployeeRepository handles employee persistence
type EmployeeRepository struct {
	db *PostgresDB
}

// NewEmployeeRepository creates a new employee repository
func NewEmployeeRepository(db *PostgresDB) *EmployeeRepository {
	return &EmployeeRepository{db: db}
}

const employeeColumns = `
	id, uuid, legal_entity_id, party_id, division_id, tax_id,
	first_name, last_name, second_name, email, position, employee_type,
	status, start_date, end_date, documents, qualifications, created_at, updated_at
`

func scanEmployee(row pgx.Row) (*models.Employee, error) {
	var e models.Employee
	err := row.Scan(
		&e.ID, &e.UUID, &e.LegalEntityID, &e.PartyID, &e.DivisionID, &e.TaxID,
		&e.FirstName, &e.LastName, &e.SecondName, &e.Email, &e.Position, &e.EmployeeType,
		&e.Status, &e.StartDate, &e.EndDate, &e.Documents, &e.Qualifications,
		&e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// GetByUUID retrieves an employee by its registry uuid. Returns nil without
// error when not found.
func (r *EmployeeRepository) GetByUUID(ctx context.Context, q Querier, legalEntityID int64, uuid string) (*models.Employee, error) {
	query := fmt.Sprintf(`SELECT %s FROM employees WHERE legal_entity_id = $1 AND uuid = $2`, employeeColumns)

	e, err := scanEmployee(q.QueryRow(ctx, query, legalEntityID, uuid))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get employee by uuid: %w", err)
	}
	return e, nil
}

// GetByID retrieves an employee by local id
func (r *EmployeeRepository) GetByID(ctx context.Context, q Querier, id int64) (*models.Employee, error) {
	query := fmt.Sprintf(`SELECT %s FROM employees WHERE id = $1`, employeeColumns)

	e, err := scanEmployee(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get employee: %w", err)
	}
	return e, nil
}

// Upsert writes an employee keyed by registry uuid. A row with a matching
// uuid is updated; otherwise a new row is inserted. The uuid, once set,
// is never rewritten.
func (r *EmployeeRepository) Upsert(ctx context.Context, q Querier, e *models.Employee) error {
	query := `
		INSERT INTO employees (
			uuid, legal_entity_id, party_id, division_id, tax_id,
			first_name, last_name, second_name, email, position, employee_type,
			status, start_date, end_date, documents, qualifications, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, NOW(), NOW())
		ON CONFLICT (uuid) DO UPDATE SET
			party_id       = EXCLUDED.party_id,
			division_id    = EXCLUDED.division_id,
			tax_id         = EXCLUDED.tax_id,
			first_name     = EXCLUDED.first_name,
			last_name      = EXCLUDED.last_name,
			second_name    = EXCLUDED.second_name,
			email          = EXCLUDED.email,
			position       = EXCLUDED.position,
			employee_type  = EXCLUDED.employee_type,
			status         = EXCLUDED.status,
			start_date     = EXCLUDED.start_date,
			end_date       = EXCLUDED.end_date,
			documents      = EXCLUDED.documents,
			qualifications = EXCLUDED.qualifications,
			updated_at     = NOW()
		RETURNING id
	`

	err := q.QueryRow(ctx, query,
		e.UUID, e.LegalEntityID, e.PartyID, e.DivisionID, e.TaxID,
		e.FirstName, e.LastName, e.SecondName, e.Email, e.Position, e.EmployeeType,
		e.Status, e.StartDate, e.EndDate, e.Documents, e.Qualifications,
	).Scan(&e.ID)
	if err != nil {
		return fmt.Errorf("failed to upsert employee: %w", err)
	}
	return nil
}

// Update rewrites the mutable fields of an existing employee row.
func (r *EmployeeRepository) Update(ctx context.Context, q Querier, e *models.Employee) error {
	query := `
		UPDATE employees SET
			uuid = COALESCE(employees.uuid, $2),
			party_id = $3, division_id = $4,
			first_name = $5, last_name = $6, second_name = $7, email = $8,
			position = $9, employee_type = $10, status = $11,
			start_date = $12, end_date = $13, documents = $14, qualifications = $15,
			updated_at = NOW()
		WHERE id = $1
	`

	tag, err := q.Exec(ctx, query,
		e.ID, e.UUID, e.PartyID, e.DivisionID,
		e.FirstName, e.LastName, e.SecondName, e.Email,
		e.Position, e.EmployeeType, e.Status,
		e.StartDate, e.EndDate, e.Documents, e.Qualifications,
	)
	if err != nil {
		return fmt.Errorf("failed to update employee: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("employee %d not found", e.ID)
	}
	return nil
}

// AssignRoleToPartyUsers grants the employee's role to every local user
// account attached to the underlying registry party.
func (r *EmployeeRepository) AssignRoleToPartyUsers(ctx context.Context, q Querier, partyID string, role string) error {
	query := `
		UPDATE users
		SET role = $2, updated_at = NOW()
		WHERE party_id = $1
	`

	if _, err := q.Exec(ctx, query, partyID, role); err != nil {
		return fmt.Errorf("failed to assign role to party users: %w", err)
	}
	return nil
}

// Pool returns the repository's pool as a Querier for non-transactional calls.
func (r *EmployeeRepository) Pool() Querier {
	return r.db.Pool()
}
