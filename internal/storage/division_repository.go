package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ehealth-sync/internal/models"
)

// DivisionRepository handles division persistence
type DivisionRepository struct {
	db *PostgresDB
}

// NewDivisionRepository creates a new division repository
func NewDivisionRepository(db *PostgresDB) *DivisionRepository {
	return &DivisionRepository{db: db}
}

// Upsert writes a division keyed by registry uuid.
func (r *DivisionRepository) Upsert(ctx context.Context, q Querier, d *models.Division) error {
	query := `
		INSERT INTO divisions (uuid, legal_entity_id, name, type, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW(), NOW())
		ON CONFLICT (uuid) DO UPDATE SET
			name       = EXCLUDED.name,
			type       = EXCLUDED.type,
			status     = EXCLUDED.status,
			updated_at = NOW()
		RETURNING id
	`

	err := q.QueryRow(ctx, query, d.UUID, d.LegalEntityID, d.Name, d.Type, d.Status).Scan(&d.ID)
	if err != nil {
		return fmt.Errorf("failed to upsert division: %w", err)
	}
	return nil
}

// LocalIDByUUID translates a registry division uuid to the local row id.
// Returns nil without error when the division is not mirrored yet.
func (r *DivisionRepository) LocalIDByUUID(ctx context.Context, q Querier, legalEntityID int64, uuid string) (*int64, error) {
	query := `SELECT id FROM divisions WHERE legal_entity_id = $1 AND uuid = $2`

	var id int64
	err := q.QueryRow(ctx, query, legalEntityID, uuid).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to resolve division uuid: %w", err)
	}
	return &id, nil
}

// Pool returns the repository's pool as a Querier for non-transactional calls.
func (r *DivisionRepository) Pool() Querier {
	return r.db.Pool()
}
