package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ehealth-sync/internal/models"
	"github.com/ehealth-sync/internal/types"
)

// ErrStatusConflict is returned when a compare-and-swap status transition
// loses to a concurrent writer or the current status forbids the move.
var ErrStatusConflict = errors.New("entity status transition conflict")

// LegalEntityRepository handles legal entity persistence, including the
// per-entity-type sync status map stored as JSONB on the aggregate row.
type LegalEntityRepository struct {
	db *PostgresDB
}

// NewLegalEntityRepository creates a new legal entity repository
func NewLegalEntityRepository(db *PostgresDB) *LegalEntityRepository {
	return &LegalEntityRepository{db: db}
}

// Get retrieves a legal entity by local id
func (r *LegalEntityRepository) Get(ctx context.Context, id int64) (*models.LegalEntity, error) {
	query := `
		SELECT id, uuid, name, edrpou, owner_id, entity_statuses, created_at, updated_at
		FROM legal_entities
		WHERE id = $1
	`

	var le models.LegalEntity
	var statusesJSON []byte
	err := r.db.Pool().QueryRow(ctx, query, id).Scan(
		&le.ID,
		&le.UUID,
		&le.Name,
		&le.EDRPOU,
		&le.OwnerID,
		&statusesJSON,
		&le.CreatedAt,
		&le.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get legal entity: %w", err)
	}

	le.Statuses = make(map[types.EntityType]types.JobStatus)
	if len(statusesJSON) > 0 {
		if err := json.Unmarshal(statusesJSON, &le.Statuses); err != nil {
			return nil, fmt.Errorf("failed to decode entity statuses: %w", err)
		}
	}

	return &le, nil
}

// StatusFor reads the current sync status for one entity type.
func (r *LegalEntityRepository) StatusFor(ctx context.Context, legalEntityID int64, entity types.EntityType) (types.JobStatus, error) {
	query := `
		SELECT COALESCE(entity_statuses->>$2, 'idle')
		FROM legal_entities
		WHERE id = $1
	`

	var status string
	err := r.db.Pool().QueryRow(ctx, query, legalEntityID, string(entity)).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("legal entity %d not found", legalEntityID)
		}
		return "", fmt.Errorf("failed to read entity status: %w", err)
	}

	return types.JobStatus(status), nil
}

// TransitionStatus moves the status slot for (legalEntityID, entity) to the
// target status, but only if the current value is one of the allowed source
// states. The WHERE clause makes the check-then-act atomic, closing the
// duplicate-dispatch window between two near-simultaneous triggers.
func (r *LegalEntityRepository) TransitionStatus(ctx context.Context, legalEntityID int64, entity types.EntityType, from []types.JobStatus, to types.JobStatus) error {
	allowed := make([]string, len(from))
	for i, s := range from {
		allowed[i] = string(s)
	}

	statusJSON, err := json.Marshal(to)
	if err != nil {
		return fmt.Errorf("failed to encode status: %w", err)
	}

	query := `
		UPDATE legal_entities
		SET entity_statuses = jsonb_set(COALESCE(entity_statuses, '{}'::jsonb), ARRAY[$2], $3::jsonb),
		    updated_at = NOW()
		WHERE id = $1
		  AND COALESCE(entity_statuses->>$2, 'idle') = ANY($4)
	`

	tag, err := r.db.Pool().Exec(ctx, query, legalEntityID, string(entity), statusJSON, allowed)
	if err != nil {
		return fmt.Errorf("failed to transition entity status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrStatusConflict
	}

	return nil
}

// SetStatus forces the status slot without a source-state guard. Used for
// terminal failure marking, where the transition must not be lost.
func (r *LegalEntityRepository) SetStatus(ctx context.Context, legalEntityID int64, entity types.EntityType, to types.JobStatus) error {
	statusJSON, err := json.Marshal(to)
	if err != nil {
		return fmt.Errorf("failed to encode status: %w", err)
	}

	query := `
		UPDATE legal_entities
		SET entity_statuses = jsonb_set(COALESCE(entity_statuses, '{}'::jsonb), ARRAY[$2], $3::jsonb),
		    updated_at = NOW()
		WHERE id = $1
	`

	tag, err := r.db.Pool().Exec(ctx, query, legalEntityID, string(entity), statusJSON)
	if err != nil {
		return fmt.Errorf("failed to set entity status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("legal entity %d not found", legalEntityID)
	}

	return nil
}
